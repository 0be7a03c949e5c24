package registry

import (
	"context"

	"github.com/wuayee/fitbroker/internal/runtime/dispatch"
	errspkg "github.com/wuayee/fitbroker/internal/runtime/errors"
	"github.com/wuayee/fitbroker/internal/runtime/identity"
	"github.com/wuayee/fitbroker/internal/runtime/jsoncodec"
)

// Genericable ids under which a registry worker serves the Registry
// operations.
const (
	GenericableRegister   = "fit.registry.register"
	GenericableUnregister = "fit.registry.unregister"
	GenericableQuery      = "fit.registry.query"
	GenericableSubscribe  = "fit.registry.subscribe"
	GenericableQueryMeta  = "fit.registry.query-meta"

	// ServiceFitableID is the fitable id of every registry operation.
	ServiceFitableID = "memory"
	// ServiceModule owns the registry executors on a Dispatcher.
	ServiceModule = "registry"
)

// ServiceFitables describes the registry operations for publication.
func ServiceFitables() []identity.FitableMeta {
	ids := []string{GenericableRegister, GenericableUnregister, GenericableQuery, GenericableSubscribe, GenericableQueryMeta}
	metas := make([]identity.FitableMeta, len(ids))
	for i, id := range ids {
		metas[i] = identity.FitableMeta{
			Fitable: serviceFitable(id),
			Formats: []identity.Format{identity.FormatJSON, identity.FormatProtobuf},
		}
	}
	return metas
}

func serviceFitable(genericableID string) identity.Fitable {
	return identity.Fitable{GenericableID: genericableID, FitableID: ServiceFitableID}
}

// Serve exposes reg on d so remote workers can use it through Client.
func Serve(d *dispatch.Dispatcher, reg Registry) error {
	execs := map[string]dispatch.Executor{
		GenericableRegister: dispatch.Func(func(ctx context.Context, req RegisterRequest) (bool, error) {
			return true, reg.Register(ctx, req)
		}),
		GenericableUnregister: dispatch.Func2(func(ctx context.Context, fitables []identity.Fitable, workerID string) (bool, error) {
			return true, reg.Unregister(ctx, fitables, workerID)
		}),
		GenericableQuery: dispatch.Func2(reg.Query),
		GenericableSubscribe: dispatch.Func3(func(ctx context.Context, fitables []identity.Fitable, workerID, callback string) ([]FitableInstance, error) {
			return reg.Subscribe(ctx, fitables, workerID, callback)
		}),
		GenericableQueryMeta: dispatch.Func(reg.QueryMeta),
	}
	for _, meta := range ServiceFitables() {
		err := d.Register(dispatch.LocalExecutor{
			Fitable: meta.Fitable,
			Module:  ServiceModule,
			Invoke:  execs[meta.GenericableID],
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Caller invokes one fitable on the registry worker.
type Caller interface {
	Call(ctx context.Context, fitable identity.Fitable, args ...any) (any, error)
}

// Client is a Registry served by a remote registry worker.
type Client struct {
	caller Caller
}

var _ Registry = (*Client)(nil)

func NewClient(caller Caller) *Client {
	if caller == nil {
		panic("fitbroker: registry caller is required")
	}
	return &Client{caller: caller}
}

func (c *Client) Register(ctx context.Context, req RegisterRequest) error {
	_, err := c.caller.Call(ctx, serviceFitable(GenericableRegister), req)
	return err
}

func (c *Client) Unregister(ctx context.Context, fitables []identity.Fitable, workerID string) error {
	_, err := c.caller.Call(ctx, serviceFitable(GenericableUnregister), fitables, workerID)
	return err
}

func (c *Client) Query(ctx context.Context, fitables []identity.Fitable, callerID string) ([]FitableInstance, error) {
	return callInto[[]FitableInstance](ctx, c.caller, GenericableQuery, fitables, callerID)
}

func (c *Client) Subscribe(ctx context.Context, fitables []identity.Fitable, workerID, callbackFitableID string) ([]FitableInstance, error) {
	return callInto[[]FitableInstance](ctx, c.caller, GenericableSubscribe, fitables, workerID, callbackFitableID)
}

func (c *Client) QueryMeta(ctx context.Context, genericables []identity.Genericable) ([]FitableMetaInstance, error) {
	return callInto[[]FitableMetaInstance](ctx, c.caller, GenericableQueryMeta, genericables)
}

func callInto[T any](ctx context.Context, caller Caller, genericableID string, args ...any) (T, error) {
	var out T
	value, err := caller.Call(ctx, serviceFitable(genericableID), args...)
	if err != nil {
		return out, err
	}
	if err := jsoncodec.Convert(value, &out); err != nil {
		return out, errspkg.New(errspkg.KindInvalid, "registry.client", genericableID, err)
	}
	return out, nil
}
