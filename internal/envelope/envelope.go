// Package envelope implements the fabric's fixed 64-byte wire header: the
// encode/decode operations and the hardware-assisted checksum every
// transport uses to validate a message before it reaches a consumer.
package envelope

import (
	"encoding/binary"
	"hash/crc32"
)

// Priority orders messages from the most latency-sensitive (0) to the most
// tolerant of delay (5). Lower numeric value always preempts higher at the
// consumer boundary.
type Priority uint8

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
	PriorityBatch
	PriorityBackground

	NumPriorities = int(PriorityBackground) + 1
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "CRITICAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityNormal:
		return "NORMAL"
	case PriorityLow:
		return "LOW"
	case PriorityBatch:
		return "BATCH"
	case PriorityBackground:
		return "BACKGROUND"
	default:
		return "UNKNOWN"
	}
}

// Valid reports whether p is one of the six defined priority classes.
func (p Priority) Valid() bool {
	return int(p) < NumPriorities
}

const (
	// Magic identifies a well-formed fabric envelope. Any mismatch on
	// decode is a drop, never a panic.
	Magic uint32 = 0x46414252 // "FABR" read as a big-endian u32

	// BroadcastTarget is the reserved target id meaning "deliver to every
	// agent registered on the receiving node".
	BroadcastTarget uint16 = 0xFFFF

	// HeaderSize is the fixed size of the envelope header, including the
	// trailing checksum and metadata region. Payload bytes follow it.
	HeaderSize = 64

	// MetadataSize is the size of the reserved routing-hint tail.
	MetadataSize = 32

	checksumOffset = 60 // checksum sits in the last 4 bytes of the header
)

// table is the CRC32C (Castagnoli) polynomial table. crc32.MakeTable picks
// the SSE4.2/ARM64 CRC32 instruction path transparently on platforms that
// have it and falls back to a software table otherwise; callers get
// bit-identical results either way, satisfying the "hardware CRC32 when
// available, scalar fallback otherwise" requirement without platform-
// specific code.
var table = crc32.MakeTable(crc32.Castagnoli)

// Metadata carries routing hints, confidence scores, TTL, and hop count in
// the envelope's reserved tail. Fields beyond what's defined here are left
// zeroed; future additions go here, never by growing the fixed header.
type Metadata struct {
	TTL         uint8
	HopCount    uint8
	Confidence  uint16 // fixed-point, scaled by 10000
	RoutingHint uint32
	// Remaining 24 bytes are reserved for future use and round-tripped
	// byte-for-byte by Encode/Decode even though this struct doesn't
	// name them, so unknown-to-us fields survive a hop through this
	// binary.
	Reserved [24]byte
}

func (m Metadata) encode() [MetadataSize]byte {
	var b [MetadataSize]byte
	b[0] = m.TTL
	b[1] = m.HopCount
	binary.LittleEndian.PutUint16(b[2:4], m.Confidence)
	binary.LittleEndian.PutUint32(b[4:8], m.RoutingHint)
	copy(b[8:], m.Reserved[:])
	return b
}

func decodeMetadata(b [MetadataSize]byte) Metadata {
	var m Metadata
	m.TTL = b[0]
	m.HopCount = b[1]
	m.Confidence = binary.LittleEndian.Uint16(b[2:4])
	m.RoutingHint = binary.LittleEndian.Uint32(b[4:8])
	copy(m.Reserved[:], b[8:])
	return m
}

// Envelope is the decoded form of a fabric message: header fields plus the
// variable-length payload that followed it on the wire.
type Envelope struct {
	MessageID     uint32
	Timestamp     uint64 // monotonic nanoseconds
	SourceID      uint16
	TargetID      uint16
	MessageType   uint8
	Priority      Priority
	Flags         uint8
	CoreHint      uint8
	CorrelationID uint32
	Metadata      Metadata
	Payload       []byte
}

// Encode lays out the 64-byte header followed by payload, computing the
// CRC32C checksum over everything preceding the checksum slot (header minus
// its own trailing 4 bytes) concatenated with the payload, and writes the
// checksum into that slot. The returned slice aliases nothing passed in.
func Encode(e Envelope, maxPayload int) ([]byte, error) {
	if !e.Priority.Valid() {
		return nil, ErrBadPriority
	}
	if maxPayload > 0 && len(e.Payload) > maxPayload {
		return nil, ErrTooLarge
	}

	out := make([]byte, HeaderSize+len(e.Payload))
	binary.LittleEndian.PutUint32(out[0:4], Magic)
	binary.LittleEndian.PutUint32(out[4:8], e.MessageID)
	binary.LittleEndian.PutUint64(out[8:16], e.Timestamp)
	binary.LittleEndian.PutUint16(out[16:18], e.SourceID)
	binary.LittleEndian.PutUint16(out[18:20], e.TargetID)
	out[20] = e.MessageType
	out[21] = uint8(e.Priority)
	out[22] = e.Flags
	out[23] = e.CoreHint
	binary.LittleEndian.PutUint32(out[24:28], e.CorrelationID)
	meta := e.Metadata.encode()
	copy(out[28:checksumOffset], meta[:])
	// checksumOffset:checksumOffset+4 is left zero until computed below.
	copy(out[HeaderSize:], e.Payload)

	sum := crc32.Checksum(out[:checksumOffset], table)
	sum = crc32.Update(sum, table, out[HeaderSize:])
	binary.LittleEndian.PutUint32(out[checksumOffset:checksumOffset+4], sum)

	return out, nil
}

// Decode parses a wire-format envelope, verifying the header length, the
// magic tag, the payload length bound, and the checksum in that order.
// Any failure returns one of ErrTruncatedPayload, ErrUnknownMagic,
// ErrTooLarge, or ErrCorruptMessage; callers drop the message and
// increment the corresponding counter.
func Decode(buf []byte, maxPayload int) (Envelope, error) {
	if len(buf) < HeaderSize {
		return Envelope{}, ErrTruncatedPayload
	}

	magic := binary.LittleEndian.Uint32(buf[0:4])
	if magic != Magic {
		return Envelope{}, ErrUnknownMagic
	}

	payloadLen := len(buf) - HeaderSize
	if maxPayload > 0 && payloadLen > maxPayload {
		return Envelope{}, ErrTooLarge
	}

	wantSum := binary.LittleEndian.Uint32(buf[checksumOffset : checksumOffset+4])
	gotSum := crc32.Checksum(buf[:checksumOffset], table)
	gotSum = crc32.Update(gotSum, table, buf[HeaderSize:])
	if gotSum != wantSum {
		return Envelope{}, ErrCorruptMessage
	}

	var meta [MetadataSize]byte
	copy(meta[:], buf[28:checksumOffset])

	payload := make([]byte, payloadLen)
	copy(payload, buf[HeaderSize:])

	return Envelope{
		MessageID:     binary.LittleEndian.Uint32(buf[4:8]),
		Timestamp:     binary.LittleEndian.Uint64(buf[8:16]),
		SourceID:      binary.LittleEndian.Uint16(buf[16:18]),
		TargetID:      binary.LittleEndian.Uint16(buf[18:20]),
		MessageType:   buf[20],
		Priority:      Priority(buf[21]),
		Flags:         buf[22],
		CoreHint:      buf[23],
		CorrelationID: binary.LittleEndian.Uint32(buf[24:28]),
		Metadata:      decodeMetadata(meta),
		Payload:       payload,
	}, nil
}
