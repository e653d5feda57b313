//go:build !linux

package asyncq

import "github.com/marrekt/agentfabric/internal/logging"

// newPlatformQueue has no io_uring on non-Linux hosts; the Selector
// falls back to routing HIGH traffic onto the shared ring instead.
func newPlatformQueue(cfg Config, log *logging.Logger) (Queue, error) {
	return nil, ErrUnsupported
}
