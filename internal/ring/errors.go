package ring

import "errors"

// Lane operation sentinels, kept local so this package has no dependency
// on the root module; the root fabric package maps these onto its Error
// taxonomy at the Fabric.Send boundary.
var (
	ErrFull        = errors.New("ring: lane has no free space")
	ErrEmpty       = errors.New("ring: lane has no pending message")
	ErrCorrupt     = errors.New("ring: length prefix invalid, lane degraded")
	ErrTooLarge    = errors.New("ring: message exceeds one quarter of lane size")
	ErrBadPriority = errors.New("ring: priority out of range")
)
