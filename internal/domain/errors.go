package domain

import (
	"errors"
	"fmt"
)

// Routing error taxonomy. ProtocolViolation, NoProviders and MessageTooLarge
// are terminal and returned synchronously; DeliveryFailed, Timeout and
// CircuitOpen are retried by the delivery engine before becoming terminal.
var (
	ErrProtocolViolation    = fmt.Errorf("protocol violation")
	ErrNoProviders          = fmt.Errorf("no healthy capability providers")
	ErrDeliveryFailed       = fmt.Errorf("delivery failed")
	ErrTimeout              = fmt.Errorf("operation timed out")
	ErrConversationNotFound = fmt.Errorf("conversation not found")
	ErrConversationClosed   = fmt.Errorf("conversation closed: %w", ErrProtocolViolation)
	ErrMessageTooLarge      = fmt.Errorf("message exceeds size limit")
	ErrMessageMalformed     = fmt.Errorf("message malformed")
	ErrCircuitOpen          = fmt.Errorf("circuit open")
)

// Registry and endpoint sentinels.
var (
	ErrEndpointNotFound    = fmt.Errorf("endpoint not found")
	ErrEndpointUnavailable = fmt.Errorf("endpoint unavailable")
	ErrInvalidEndpoint     = fmt.Errorf("invalid endpoint declaration")
	ErrDuplicateMessage    = fmt.Errorf("duplicate message id")
	ErrInvalidStrategy     = fmt.Errorf("invalid routing strategy")
	ErrConfigLoad          = fmt.Errorf("failed to load configuration")
	ErrSnapshotStore       = fmt.Errorf("snapshot store failure")
)

// RouteError wraps a sentinel error with operation context.
type RouteError struct {
	Op        string // operation name (e.g., "Registry.Resolve")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	Component string // component identifier (e.g., "registry", "delivery")
}

func (e *RouteError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *RouteError) Unwrap() error { return e.Err }

// NewRouteError creates a RouteError.
func NewRouteError(op string, err error, detail string) *RouteError {
	return &RouteError{Op: op, Err: err, Detail: detail}
}

// NewComponentError creates a RouteError tagged with a component so
// ErrorCodeOf can resolve component-specific codes.
func NewComponentError(component, op string, err error, detail string) *RouteError {
	return &RouteError{Op: op, Err: err, Detail: detail, Component: component}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryable reports whether err is transient from the delivery engine's
// point of view. Terminal taxonomy members are deliberately excluded.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrDeliveryFailed) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrEndpointUnavailable)
}

// Invariant halts the process when internal state is corrupted. Routing
// state that violates its own invariants cannot be trusted for any further
// message, so this is a panic, not an error return.
func Invariant(cond bool, format string, args ...any) {
	if !cond {
		panic(fmt.Sprintf("invariant violation: "+format, args...))
	}
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

// Error codes. Every sentinel maps to exactly one code.
const (
	CodeUnknown             ErrorCode = "UNKNOWN"
	CodeProtocolViolation   ErrorCode = "PROTOCOL_VIOLATION"
	CodeNoProviders         ErrorCode = "NO_CAPABILITY_PROVIDERS"
	CodeDeliveryFailed      ErrorCode = "DELIVERY_FAILED"
	CodeTimeout             ErrorCode = "TIMED_OUT"
	CodeConversationMissing ErrorCode = "CONVERSATION_NOT_FOUND"
	CodeMessageTooLarge     ErrorCode = "MESSAGE_TOO_LARGE"
	CodeMessageMalformed    ErrorCode = "MESSAGE_MALFORMED"
	CodeCircuitOpen         ErrorCode = "CIRCUIT_OPEN"
	CodeEndpointNotFound    ErrorCode = "ENDPOINT_NOT_FOUND"
	CodeEndpointUnavailable ErrorCode = "ENDPOINT_UNAVAILABLE"
	CodeInvalidEndpoint     ErrorCode = "INVALID_ENDPOINT"
	CodeDuplicateMessage    ErrorCode = "DUPLICATE_MESSAGE"
	CodeInvalidStrategy     ErrorCode = "INVALID_STRATEGY"
	CodeConfigLoad          ErrorCode = "CONFIG_LOAD"
	CodeSnapshotStore       ErrorCode = "SNAPSHOT_STORE"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrProtocolViolation:    CodeProtocolViolation,
	ErrNoProviders:          CodeNoProviders,
	ErrDeliveryFailed:       CodeDeliveryFailed,
	ErrTimeout:              CodeTimeout,
	ErrConversationNotFound: CodeConversationMissing,
	ErrConversationClosed:   CodeProtocolViolation,
	ErrMessageTooLarge:      CodeMessageTooLarge,
	ErrMessageMalformed:     CodeMessageMalformed,
	ErrCircuitOpen:          CodeCircuitOpen,
	ErrEndpointNotFound:     CodeEndpointNotFound,
	ErrEndpointUnavailable:  CodeEndpointUnavailable,
	ErrInvalidEndpoint:      CodeInvalidEndpoint,
	ErrDuplicateMessage:     CodeDuplicateMessage,
	ErrInvalidStrategy:      CodeInvalidStrategy,
	ErrConfigLoad:           CodeConfigLoad,
	ErrSnapshotStore:        CodeSnapshotStore,
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps RouteError and uses errors.Is to match sentinel errors.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	// Fast path: direct sentinel lookup.
	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var re *RouteError
	if errors.As(err, &re) {
		if code, ok := errorCodeMap[re.Err]; ok {
			return code
		}
	}

	// Walk the error chain with errors.Is.
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this RouteError's underlying sentinel.
func (e *RouteError) Code() ErrorCode {
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return ErrorCodeOf(e.Err)
}
