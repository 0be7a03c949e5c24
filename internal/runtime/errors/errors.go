package errors

import (
	"context"
	sterrors "errors"
	"fmt"
	"strings"
)

var (
	ErrConfigRequired        = sterrors.New("fitbroker: configuration is required")
	ErrLoggerRequired        = sterrors.New("fitbroker: logger is required")
	ErrRegistryRequired      = sterrors.New("fitbroker: registry is required")
	ErrExecutorRequired      = sterrors.New("fitbroker: local executor is required")
	ErrFilterRequired        = sterrors.New("fitbroker: filter is required")
	ErrTargetRequired        = sterrors.New("fitbroker: target is required")
	ErrWorkerIDRequired      = sterrors.New("fitbroker: worker id is required")
	ErrGenericableIDRequired = sterrors.New("fitbroker: genericable id is required")

	ErrCapacityExceeded       = sterrors.New("fitbroker: registry capacity exceeded")
	ErrImplementationNotFound = sterrors.New("fitbroker: implementation not found")
	ErrAmbiguousRoute         = sterrors.New("fitbroker: route resolved to more than one implementation")
	ErrFormatNotNegotiable    = sterrors.New("fitbroker: no common format")
	ErrLocalExecutorNotFound  = sterrors.New("fitbroker: local executor not found")
	ErrFilterExecutionFailed  = sterrors.New("fitbroker: filter execution failed")
	ErrInvalidVarint          = sterrors.New("fitbroker: invalid varint")
	ErrNetwork                = sterrors.New("fitbroker: network failure")
	ErrTimeout                = sterrors.New("fitbroker: call timed out")
	ErrRejected               = sterrors.New("fitbroker: execution rejected")
	ErrRateLimited            = sterrors.New("fitbroker: rate limited")
	ErrExecutor               = sterrors.New("fitbroker: remote executor failed")
	ErrInvalid                = sterrors.New("fitbroker: invalid request")
)

// Kind classifies a broker failure. The numeric value doubles as the
// response code carried on the wire, zero meaning success.
type Kind uint8

const (
	KindNone Kind = iota
	KindUnknown
	KindInvalid
	KindCapacityExceeded
	KindImplementationNotFound
	KindAmbiguousRoute
	KindFormatNotNegotiable
	KindLocalExecutorNotFound
	KindFilterExecutionFailed
	KindInvalidVarint
	KindNetwork
	KindTimeout
	KindRejected
	KindRateLimited
	KindExecutor
)

var kindSentinels = map[Kind]error{
	KindInvalid:                ErrInvalid,
	KindCapacityExceeded:       ErrCapacityExceeded,
	KindImplementationNotFound: ErrImplementationNotFound,
	KindAmbiguousRoute:         ErrAmbiguousRoute,
	KindFormatNotNegotiable:    ErrFormatNotNegotiable,
	KindLocalExecutorNotFound:  ErrLocalExecutorNotFound,
	KindFilterExecutionFailed:  ErrFilterExecutionFailed,
	KindInvalidVarint:          ErrInvalidVarint,
	KindNetwork:                ErrNetwork,
	KindTimeout:                ErrTimeout,
	KindRejected:               ErrRejected,
	KindRateLimited:            ErrRateLimited,
	KindExecutor:               ErrExecutor,
}

var kindNames = map[Kind]string{
	KindNone:                   "none",
	KindUnknown:                "unknown",
	KindInvalid:                "invalid",
	KindCapacityExceeded:       "capacity_exceeded",
	KindImplementationNotFound: "implementation_not_found",
	KindAmbiguousRoute:         "ambiguous_route",
	KindFormatNotNegotiable:    "format_not_negotiable",
	KindLocalExecutorNotFound:  "local_executor_not_found",
	KindFilterExecutionFailed:  "filter_execution_failed",
	KindInvalidVarint:          "invalid_varint",
	KindNetwork:                "network",
	KindTimeout:                "timeout",
	KindRejected:               "rejected",
	KindRateLimited:            "rate_limited",
	KindExecutor:               "executor",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Sentinel returns the package level error matching the kind, or nil for
// KindNone and KindUnknown.
func (k Kind) Sentinel() error {
	return kindSentinels[k]
}

// Unreachable reports whether the failure means the chosen target could not
// serve the call at all. Only these failures trigger a degradation fallback.
func (k Kind) Unreachable() bool {
	switch k {
	case KindNetwork, KindTimeout, KindLocalExecutorNotFound:
		return true
	}
	return false
}

// Retryable reports whether repeating the same call later may succeed.
func (k Kind) Retryable() bool {
	switch k {
	case KindNetwork, KindTimeout, KindRejected, KindRateLimited:
		return true
	}
	return false
}

// Error carries a failure kind together with the operation and the offending
// identifier so callers can decide on retries without parsing messages.
type Error struct {
	Kind Kind
	Op   string
	ID   string
	Err  error
}

// New builds an *Error. err may be nil.
func New(kind Kind, op, id string, err error) *Error {
	return &Error{Kind: kind, Op: op, ID: id, Err: err}
}

func (e *Error) Error() string {
	msg := "fitbroker"
	if e.Op != "" {
		msg += ": " + e.Op
	}
	if sentinel := e.Kind.Sentinel(); sentinel != nil {
		msg += ": " + strings.TrimPrefix(sentinel.Error(), "fitbroker: ")
	} else {
		msg += ": " + e.Kind.String()
	}
	if e.ID != "" {
		msg += " [" + e.ID + "]"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel of the error kind so errors.Is(err, ErrTimeout)
// holds for any *Error of KindTimeout.
func (e *Error) Is(target error) bool {
	sentinel := e.Kind.Sentinel()
	return sentinel != nil && target == sentinel
}

// KindOf classifies err. Context deadline errors map to KindTimeout.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var typed *Error
	if sterrors.As(err, &typed) {
		return typed.Kind
	}
	if sterrors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	for kind, sentinel := range kindSentinels {
		if sterrors.Is(err, sentinel) {
			return kind
		}
	}
	return KindUnknown
}

// IsUnreachable is shorthand for KindOf(err).Unreachable().
func IsUnreachable(err error) bool {
	return KindOf(err).Unreachable()
}

// ConfigValidationError wraps configuration validation failures.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "fitbroker: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error { return e.Err }

// NewConfigValidationError wraps err, returning nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}
