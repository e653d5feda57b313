package envelope

import "errors"

// Decode/Encode failure sentinels. The root fabric package maps these onto
// its Error taxonomy with the appropriate Op/NodeID/Priority context; kept
// local here so this package has no dependency on the root module (it is
// imported by it instead).
var (
	ErrUnknownMagic     = errors.New("envelope: unknown magic tag")
	ErrTooLarge         = errors.New("envelope: payload exceeds configured maximum")
	ErrCorruptMessage   = errors.New("envelope: checksum mismatch")
	ErrTruncatedPayload = errors.New("envelope: buffer shorter than header size")
	ErrBadPriority      = errors.New("envelope: priority out of range")
)
