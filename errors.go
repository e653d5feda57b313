package fabric

import (
	"errors"
	"fmt"

	"github.com/marrekt/agentfabric/internal/envelope"
	"github.com/marrekt/agentfabric/internal/ring"
	"github.com/marrekt/agentfabric/internal/transport"
)

// Error represents a structured fabric error with context.
type Error struct {
	Op       string    // operation that failed, e.g. "ring.Write", "selector.Pick"
	Code     ErrorCode // high-level error category
	NodeID   uint16    // node identifier (0 if not applicable)
	Lane     int       // ring lane (-1 if not applicable)
	Priority int8     // message priority (-1 if not applicable)
	Msg      string    // human-readable message
	Inner    error     // wrapped error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.NodeID != 0 {
		parts = append(parts, fmt.Sprintf("node=%d", e.NodeID))
	}
	if e.Lane >= 0 {
		parts = append(parts, fmt.Sprintf("lane=%d", e.Lane))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("fabric: %s (%s)", msg, parts[0])
	}
	return fmt.Sprintf("fabric: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is provides errors.Is support based on error code equality.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == te.Code
}

// ErrorCode represents a high-level error category, per the taxonomy in
// the fabric's error handling design.
type ErrorCode string

const (
	// Transient capacity - caller-retryable.
	CodeFull        ErrorCode = "ring lane full"
	CodeExhausted   ErrorCode = "connection pool exhausted"
	CodeUnavailable ErrorCode = "all candidate transports saturated"

	// Invalid input - non-retryable, programmer error.
	CodeTooLarge    ErrorCode = "payload too large"
	CodeUnknownMagic ErrorCode = "unknown magic tag"
	CodeBadPriority ErrorCode = "invalid priority"
	CodeNoSuchNode  ErrorCode = "no such node"

	// Data integrity - drop, count, continue.
	CodeCorruptMessage   ErrorCode = "corrupt message"
	CodeTruncatedPayload ErrorCode = "truncated payload"

	// Cluster - retryable after a delay.
	CodeNoHealthyNode     ErrorCode = "no healthy node"
	CodePartitionDetected ErrorCode = "cluster partition detected"
	CodeElectionInFlight  ErrorCode = "leader election in flight"

	// Platform - fatal at startup unless a downgrade path succeeds.
	CodePagingFailed       ErrorCode = "huge page allocation failed"
	CodeCoreAffinityFailed ErrorCode = "core affinity assignment failed"
	CodeMappingFailed      ErrorCode = "memory mapping failed"
)

// NewError creates a new structured error.
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg, Lane: -1, Priority: -1}
}

// WrapError wraps an existing error with fabric context, preserving the
// code of an already-structured error.
func WrapError(op string, code ErrorCode, inner error) *Error {
	if inner == nil {
		return nil
	}
	var fe *Error
	if errors.As(inner, &fe) {
		code = fe.Code
	}
	return &Error{Op: op, Code: code, Msg: inner.Error(), Inner: inner, Lane: -1, Priority: -1}
}

// IsCode reports whether err is a *Error with the given code.
func IsCode(err error, code ErrorCode) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code == code
	}
	return false
}

// Retryable error sentinels for callers that only need errors.Is, not the
// full structured context. The internal packages keep their own sentinels
// (the transports return transport.ErrUnavailable, the Connection Pool
// reports a miss as a bool); these are the fabric-level codes.
var (
	ErrFull        = &Error{Code: CodeFull, Lane: -1, Priority: -1}
	ErrExhausted   = &Error{Code: CodeExhausted, Lane: -1, Priority: -1}
	ErrUnavailable = &Error{Code: CodeUnavailable, Lane: -1, Priority: -1}

	ErrTooLarge     = &Error{Code: CodeTooLarge, Lane: -1, Priority: -1}
	ErrUnknownMagic = &Error{Code: CodeUnknownMagic, Lane: -1, Priority: -1}
	ErrBadPriority  = &Error{Code: CodeBadPriority, Lane: -1, Priority: -1}
	ErrNoSuchNode   = &Error{Code: CodeNoSuchNode, Lane: -1, Priority: -1}

	ErrCorruptMessage   = &Error{Code: CodeCorruptMessage, Lane: -1, Priority: -1}
	ErrTruncatedPayload = &Error{Code: CodeTruncatedPayload, Lane: -1, Priority: -1}

	ErrNoHealthyNode     = &Error{Code: CodeNoHealthyNode, Lane: -1, Priority: -1}
	ErrPartitionDetected = &Error{Code: CodePartitionDetected, Lane: -1, Priority: -1}
	ErrElectionInFlight  = &Error{Code: CodeElectionInFlight, Lane: -1, Priority: -1}

	ErrPagingFailed       = &Error{Code: CodePagingFailed, Lane: -1, Priority: -1}
	ErrCoreAffinityFailed = &Error{Code: CodeCoreAffinityFailed, Lane: -1, Priority: -1}
	ErrMappingFailed      = &Error{Code: CodeMappingFailed, Lane: -1, Priority: -1}
)

// codeFor maps an internal package's plain sentinel onto this package's
// ErrorCode taxonomy. Unrecognized errors fall back to CodeUnavailable,
// the safest "caller may retry" default.
func codeFor(err error) ErrorCode {
	switch {
	case errors.Is(err, transport.ErrUnavailable):
		return CodeUnavailable
	case errors.Is(err, ring.ErrFull):
		return CodeFull
	case errors.Is(err, ring.ErrTooLarge), errors.Is(err, envelope.ErrTooLarge):
		return CodeTooLarge
	case errors.Is(err, ring.ErrCorrupt), errors.Is(err, envelope.ErrCorruptMessage):
		return CodeCorruptMessage
	case errors.Is(err, envelope.ErrTruncatedPayload):
		return CodeTruncatedPayload
	case errors.Is(err, envelope.ErrUnknownMagic):
		return CodeUnknownMagic
	case errors.Is(err, ring.ErrBadPriority), errors.Is(err, envelope.ErrBadPriority):
		return CodeBadPriority
	default:
		return CodeUnavailable
	}
}

// wrapSendError converts an error surfaced from Send's encode/transport
// path into a *Error carrying op, priority and target-node context, so
// callers can use IsCode instead of comparing against internal package
// sentinels directly.
func wrapSendError(op string, priority int8, targetNode uint16, err error) error {
	if err == nil {
		return nil
	}
	e := WrapError(op, codeFor(err), err)
	e.Priority = priority
	e.NodeID = targetNode
	return e
}
