// Package registry implements lease based service discovery. Workers register
// the fitables they host, callers query which workers can serve a fitable.
package registry

import (
	"context"

	"github.com/wuayee/fitbroker/internal/runtime/identity"
)

// Registry is the discovery contract shared by the in-memory Store and the
// remote client.
type Registry interface {
	Register(ctx context.Context, req RegisterRequest) error
	Unregister(ctx context.Context, fitables []identity.Fitable, workerID string) error
	Query(ctx context.Context, fitables []identity.Fitable, callerID string) ([]FitableInstance, error)
	Subscribe(ctx context.Context, fitables []identity.Fitable, workerID, callbackFitableID string) ([]FitableInstance, error)
	QueryMeta(ctx context.Context, genericables []identity.Genericable) ([]FitableMetaInstance, error)
}

// RegisterRequest publishes the fitables hosted by one worker.
type RegisterRequest struct {
	Worker identity.Worker `json:"worker"`
	// Lease is the lease length in seconds. Empty or unparsable values fall
	// back to the worker lease extension, then to the store default.
	Lease       string                 `json:"lease,omitempty"`
	Application identity.Application   `json:"application"`
	Fitables    []identity.FitableMeta `json:"fitables" validate:"dive"`
}

// FitableInstance lists the live applications hosting one fitable.
type FitableInstance struct {
	Meta         identity.FitableMeta  `json:"meta"`
	Applications []ApplicationInstance `json:"applications"`
}

// ApplicationInstance is the live worker set of one application for one
// fitable, annotated with the formats declared for that fitable.
type ApplicationInstance struct {
	Application identity.Application `json:"application"`
	Formats     []identity.Format    `json:"formats"`
	Workers     []identity.Worker    `json:"workers"`
}

// FitableMetaInstance reports where a fitable of a queried genericable is
// deployed.
type FitableMetaInstance struct {
	Meta         identity.FitableMeta `json:"meta"`
	Environments []string             `json:"environments"`
}
