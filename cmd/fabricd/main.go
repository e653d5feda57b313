// Command fabricd is a thin smoke-test harness for the fabric package: it
// wires up a single-node fabric from flags, registers a logging OnMessage
// callback, and serves until an interrupt, mirroring the teacher's
// cmd/ublk-mem create-and-serve-until-signal shape.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"syscall"
	"time"

	"github.com/marrekt/agentfabric"
	"github.com/marrekt/agentfabric/internal/cluster"
	"github.com/marrekt/agentfabric/internal/envelope"
	"github.com/marrekt/agentfabric/internal/logging"
)

func main() {
	var (
		namespace = flag.String("namespace", "fabric", "shared namespace for the datagram socket and journal files")
		bindAddr  = flag.String("bind", "127.0.0.1", "bind address for cluster heartbeats")
		bindPort  = flag.Int("port", 7420, "bind port for cluster heartbeats")
		selfID    = flag.String("id", "node-0", "this node's cluster identity")
		verbose   = flag.Bool("v", false, "verbose (debug) logging")
	)
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)

	cfg := fabric.DefaultConfig()
	cfg.Namespace = *namespace
	cfg.BindAddress = *bindAddr
	cfg.BindPort = *bindPort

	f, err := fabric.New(cfg, cluster.NodeID(*selfID), logger)
	if err != nil {
		logger.Error("failed to construct fabric", "error", err)
		os.Exit(1)
	}

	f.OnMessage(func(source cluster.NodeID, msgType uint8, payload []byte) {
		logger.Debug("message delivered", "source", string(source), "msg_type", msgType, "bytes", len(payload))
	})
	f.OnClusterEvent(func(kind cluster.EventKind, node cluster.NodeID) {
		logger.Info("cluster event", "kind", kind, "node", string(node))
	})
	f.OnPerformanceAlert(func(kind string, current, threshold float64) {
		logger.Warn("performance alert", "kind", kind, "current", current, "threshold", threshold)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.Start(ctx)
	defer f.Stop()

	logger.Info("fabric started", "namespace", *namespace, "bind", fmt.Sprintf("%s:%d", *bindAddr, *bindPort), "self_id", *selfID)
	fmt.Printf("fabric running as %q on namespace %q (bind %s:%d)\n", *selfID, *namespace, *bindAddr, *bindPort)
	fmt.Printf("Press Ctrl+C to stop...\n")
	fmt.Printf("Send SIGUSR1 (kill -USR1 %d) to dump goroutine stacks and a metrics snapshot\n", os.Getpid())

	stackDumpCh := make(chan os.Signal, 1)
	signal.Notify(stackDumpCh, syscall.SIGUSR1)
	go func() {
		for range stackDumpCh {
			snap := f.Metrics()
			logger.Info("metrics snapshot",
				"total_sent", snap.TotalSent,
				"total_dropped", snap.TotalDropped,
				"drop_rate_pct", snap.DropRate,
				"p50_ns", snap.LatencyP50Ns,
				"p99_ns", snap.LatencyP99Ns,
				"tasks_completed", snap.TasksCompleted,
				"tasks_failed", snap.TasksFailed,
				"circuit_breaker_trips", snap.CircuitBreakerTrips,
			)

			buf := make([]byte, 1<<20)
			n := runtime.Stack(buf, true)
			filename := fmt.Sprintf("fabricd-stacks-%d.txt", time.Now().Unix())
			if fh, err := os.Create(filename); err == nil {
				fmt.Fprintf(fh, "Goroutine stack dump at %s\n", time.Now().Format(time.RFC3339))
				fh.Write(buf[:n])
				fmt.Fprintf(fh, "\n\n=== GOROUTINE PROFILE ===\n")
				pprof.Lookup("goroutine").WriteTo(fh, 2)
				fh.Close()
				logger.Info("stack trace written to file", "file", filename)
			}
		}
	}()

	// Demonstration heartbeat: emit one NORMAL-priority message per second
	// so a fresh checkout has something visible to watch without a second
	// process; real deployments drive Send from their own call sites.
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		var seq uint32
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				seq++
				payload := []byte(fmt.Sprintf("heartbeat-%d", seq))
				if err := f.Send(envelope.PriorityNormal, 0, 0, payload, seq); err != nil {
					logger.Debug("heartbeat send unavailable", "error", err.Error())
				}
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("received shutdown signal")
	cancel()

	cleanupDone := make(chan struct{})
	go func() {
		f.Stop()
		close(cleanupDone)
	}()

	select {
	case <-cleanupDone:
	case <-time.After(2 * time.Second):
		logger.Info("cleanup timeout, forcing exit")
	}
}
