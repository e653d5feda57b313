package fabric

import (
	"fmt"
	"runtime"
	"time"

	"github.com/marrekt/agentfabric/internal/cluster"
	"github.com/marrekt/agentfabric/internal/dispatch"
	"github.com/marrekt/agentfabric/internal/envelope"
	"github.com/marrekt/agentfabric/internal/governor"
	"github.com/marrekt/agentfabric/internal/health"
	"github.com/marrekt/agentfabric/internal/pool"
	"github.com/marrekt/agentfabric/internal/ring"
	"github.com/marrekt/agentfabric/internal/selector"
)

func millisDuration(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }

// Config is the fabric's external configuration surface, per spec.md
// §6's enumerated field list. Every field has a zero-value-safe default
// applied by Validate, following the teacher's DefaultParams shape
// (DeviceParams fields default to the constants package's values when
// left at their zero value).
type Config struct {
	Namespace   string // shared-memory region / socket / journal name
	ClusterSize int
	BindAddress string
	BindPort    int
	QuorumSize  int

	EnableTLS bool
	CertPath  string
	KeyPath   string

	RingBytes    uint64 // per-lane size; 0 means ring.DefaultLaneSize
	JournalBytes uint64 // LOW-priority journal file size; 0 means 16MiB

	HeartbeatMs       int
	FailureThreshold  int
	RecoveryThreshold int

	AlgorithmDefault selector.Algorithm

	PoolMin       int
	PoolMax       int
	IdleTimeoutMs int

	CongestionThreshold float64
	FlowWindowMin       float64

	// DialRemote creates a fresh pooled connection handle to node on a
	// Connection Pool miss. Left nil, WithRemoteConnection reports
	// CodeExhausted instead of dialing.
	DialRemote func(node cluster.NodeID) (pool.Handle, error)
}

// DefaultConfig returns a single-node-friendly configuration: quorum of
// one, algorithm round-robin, and every timing/threshold field at the
// same defaults internal/health and internal/governor already fall back
// to on their own, kept in sync here so callers who inspect Config see
// real numbers rather than zeroes.
func DefaultConfig() Config {
	return Config{
		Namespace:         "fabric",
		ClusterSize:       1,
		BindAddress:       "127.0.0.1",
		BindPort:          7420,
		QuorumSize:        1,
		RingBytes:         ring.DefaultLaneSize,
		HeartbeatMs:       5000,
		FailureThreshold:  3,
		RecoveryThreshold: 2,
		AlgorithmDefault:  selector.RoundRobin,
		PoolMin:           0,
		PoolMax:           8,
		IdleTimeoutMs:     30_000,
		CongestionThreshold: 0.85,
		FlowWindowMin:       0.25,
	}
}

// Validate fills in any zero-valued field from DefaultConfig (QuorumSize
// instead defaults to a majority of ClusterSize) and rejects
// combinations that can never produce a working fabric (TLS enabled with
// no certificate, a quorum larger than the cluster, and so on).
func (c *Config) Validate() error {
	def := DefaultConfig()

	if c.Namespace == "" {
		c.Namespace = def.Namespace
	}
	if c.ClusterSize <= 0 {
		c.ClusterSize = def.ClusterSize
	}
	if c.BindAddress == "" {
		c.BindAddress = def.BindAddress
	}
	if c.BindPort == 0 {
		c.BindPort = def.BindPort
	}
	if c.QuorumSize <= 0 {
		c.QuorumSize = (c.ClusterSize / 2) + 1
	}
	if c.QuorumSize > c.ClusterSize {
		return fmt.Errorf("fabric: quorum_size %d exceeds cluster_size %d", c.QuorumSize, c.ClusterSize)
	}
	if c.RingBytes == 0 {
		c.RingBytes = def.RingBytes
	}
	if c.HeartbeatMs <= 0 {
		c.HeartbeatMs = def.HeartbeatMs
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.RecoveryThreshold <= 0 {
		c.RecoveryThreshold = def.RecoveryThreshold
	}
	if c.AlgorithmDefault == "" {
		c.AlgorithmDefault = def.AlgorithmDefault
	}
	if c.PoolMax <= 0 {
		c.PoolMax = def.PoolMax
	}
	if c.PoolMin < 0 || c.PoolMin > c.PoolMax {
		return fmt.Errorf("fabric: pool_min %d invalid for pool_max %d", c.PoolMin, c.PoolMax)
	}
	if c.IdleTimeoutMs <= 0 {
		c.IdleTimeoutMs = def.IdleTimeoutMs
	}
	if c.CongestionThreshold <= 0 {
		c.CongestionThreshold = def.CongestionThreshold
	}
	if c.FlowWindowMin <= 0 {
		c.FlowWindowMin = def.FlowWindowMin
	}
	if c.EnableTLS && (c.CertPath == "" || c.KeyPath == "") {
		return fmt.Errorf("fabric: enable_tls requires both cert_path and key_path")
	}
	return nil
}

// ringConfig builds the internal/ring.Config this fabric instance uses,
// sizing every lane uniformly from RingBytes.
func (c Config) ringConfig() ring.Config {
	var sizes [envelope.NumPriorities]uint64
	for i := range sizes {
		sizes[i] = c.RingBytes
	}
	return ring.Config{LaneSizes: sizes, MultiProducer: true}
}

func (c Config) healthConfig() health.Config {
	return health.Config{
		FailThreshold:     int32(c.FailureThreshold),
		RecoverThreshold:  int32(c.RecoveryThreshold),
		HeartbeatInterval: millisDuration(c.HeartbeatMs),
	}
}

func (c Config) poolConfig() pool.Config {
	return pool.Config{
		MaxPerNode:  c.PoolMax,
		IdleTimeout: millisDuration(c.IdleTimeoutMs),
	}
}

func (c Config) governorConfig() governor.Config {
	cfg := governor.DefaultConfig()
	cfg.CongestionThreshold = c.CongestionThreshold
	return cfg
}

// dispatchConfig splits the host's available CPUs between the P-class
// and E-class worker pools, the same "0 means auto-detect based on
// CPUs" convention the teacher's DeviceParams.NumQueues uses. Hosts
// with too few CPUs to split get two unpinned workers per class
// (dispatch.New's own fallback).
func (c Config) dispatchConfig() dispatch.Config {
	n := runtime.GOMAXPROCS(0)
	if n < 4 {
		return dispatch.DefaultConfig()
	}
	half := n / 2
	pCores := make([]int, half)
	eCores := make([]int, n-half)
	for i := range pCores {
		pCores[i] = i
	}
	for i := range eCores {
		eCores[i] = half + i
	}
	cfg := dispatch.DefaultConfig()
	cfg.PCores = pCores
	cfg.ECores = eCores
	return cfg
}
