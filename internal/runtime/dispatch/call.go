package dispatch

import (
	"context"
	"errors"

	errspkg "github.com/wuayee/fitbroker/internal/runtime/errors"
	"github.com/wuayee/fitbroker/internal/runtime/identity"
)

// CallMode tells the receiving side whether the caller waits for a reply.
type CallMode uint8

const (
	ModeSync CallMode = iota
	ModeAsync
	ModeOneWay
)

func (m CallMode) String() string {
	switch m {
	case ModeSync:
		return "sync"
	case ModeAsync:
		return "async"
	case ModeOneWay:
		return "oneway"
	}
	return "unknown"
}

// RequestMetadata identifies the fitable a call is addressed to and how its
// arguments were encoded.
type RequestMetadata struct {
	GenericableID      string          `json:"genericable_id"`
	GenericableVersion string          `json:"genericable_version,omitempty"`
	FitableID          string          `json:"fitable_id"`
	FitableVersion     string          `json:"fitable_version,omitempty"`
	Format             identity.Format `json:"format"`
	Mode               CallMode        `json:"mode"`
	CorrelationID      string          `json:"correlation_id,omitempty"`
	CallerID           string          `json:"caller_id,omitempty"`
}

// Fitable returns the addressed fitable.
func (m RequestMetadata) Fitable() identity.Fitable {
	return identity.Fitable{
		GenericableID:      m.GenericableID,
		GenericableVersion: m.GenericableVersion,
		FitableID:          m.FitableID,
		FitableVersion:     m.FitableVersion,
	}
}

// Response is the outcome of one dispatched call. Code is KindNone on
// success.
type Response struct {
	Code    errspkg.Kind `json:"code"`
	Message string       `json:"message,omitempty"`
	Data    any          `json:"data,omitempty"`
}

// OK builds a successful response.
func OK(data any) Response {
	return Response{Data: data}
}

// Failure converts err into a response, preserving the kind of typed
// broker errors.
func Failure(err error) Response {
	kind := errspkg.KindOf(err)
	if kind == errspkg.KindNone || kind == errspkg.KindUnknown {
		kind = errspkg.KindExecutor
	}
	return Response{Code: kind, Message: err.Error()}
}

// Err rebuilds the typed error carried by the response.
func (r Response) Err() error {
	if r.Code == errspkg.KindNone {
		return nil
	}
	return errspkg.New(r.Code, "remote", "", errors.New(r.Message))
}

// Call is the mutable per-call state handed to filters. Filters may replace
// Args.
type Call struct {
	Context  context.Context
	Metadata RequestMetadata
	Args     []any
}
