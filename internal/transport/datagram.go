package transport

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/marrekt/agentfabric/internal/logging"
)

// DatagramTransport carries NORMAL-priority envelopes over a local unix
// datagram socket, per spec.md §4.3's ~2µs target: "At-most-once; no
// retry." and §6's external interface ("local address
// /tmp/<namespace>.sock"). Datagram sockets preserve message boundaries,
// so no framing beyond the envelope header is needed.
type DatagramTransport struct {
	fd   int
	path string
	log  *logging.Logger

	mu     sync.Mutex
	closed bool
}

// NewDatagramTransport binds a SOCK_DGRAM unix socket at
// /tmp/<namespace>.sock, removing any stale socket file left by a
// previous run before binding.
func NewDatagramTransport(namespace string, log *logging.Logger) (*DatagramTransport, error) {
	if log == nil {
		log = logging.Default()
	}
	path := fmt.Sprintf("/tmp/%s.sock", namespace)

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("transport: datagram socket: %w", err)
	}

	_ = os.Remove(path) // best-effort: clear a stale socket from a prior run
	addr := &unix.SockaddrUnix{Name: path}
	if err := unix.Bind(fd, addr); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("transport: bind %s: %w", path, err)
	}

	return &DatagramTransport{fd: fd, path: path, log: log}, nil
}

// Send writes payload to the socket's own address (loopback to whichever
// local consumer reads it next). Callers that need to address a specific
// remote peer should use SendTo instead.
func (t *DatagramTransport) Send(payload []byte) error {
	return t.SendTo(t.path, payload)
}

// SendTo addresses a specific peer's socket path. EAGAIN (send buffer
// full, since the socket is non-blocking) maps to ErrUnavailable.
func (t *DatagramTransport) SendTo(peerPath string, payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrUnavailable
	}
	addr := &unix.SockaddrUnix{Name: peerPath}
	err := unix.Sendto(t.fd, payload, 0, addr)
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return ErrUnavailable
	}
	if err != nil {
		t.log.Warn("datagram send failed", "peer", peerPath, "err", err.Error())
		return ErrUnavailable
	}
	return nil
}

// Recv reads one pending datagram into dest, returning (0, ErrUnavailable)
// if nothing is pending (the socket is non-blocking).
func (t *DatagramTransport) Recv(dest []byte) (int, error) {
	n, _, err := unix.Recvfrom(t.fd, dest, 0)
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return 0, ErrUnavailable
	}
	if err != nil {
		return 0, fmt.Errorf("transport: datagram recv: %w", err)
	}
	return n, nil
}

func (t *DatagramTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	err := unix.Close(t.fd)
	_ = os.Remove(t.path)
	return err
}

func (t *DatagramTransport) Name() string { return "datagram" }
