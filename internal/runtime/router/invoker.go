package router

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/wuayee/fitbroker/internal/runtime/dispatch"
	errspkg "github.com/wuayee/fitbroker/internal/runtime/errors"
	"github.com/wuayee/fitbroker/internal/runtime/identity"
	"github.com/wuayee/fitbroker/internal/runtime/ids"
	loggingpkg "github.com/wuayee/fitbroker/internal/runtime/logging"
	"github.com/wuayee/fitbroker/internal/runtime/wire"
)

// DefaultCallTimeout bounds a sync call whose context has no deadline.
const DefaultCallTimeout = 30 * time.Second

// Transport moves request frames to a Target. Request waits for the
// response frame; Send returns once the frame is handed off. Failures to
// reach the target should carry errors.KindNetwork or errors.KindTimeout;
// untyped errors are classified as network failures.
type Transport interface {
	Request(ctx context.Context, target identity.Target, frame []byte) ([]byte, error)
	Send(ctx context.Context, target identity.Target, frame []byte) error
}

// CallInfo describes one finished attempt.
type CallInfo struct {
	Metadata dispatch.RequestMetadata
	Target   identity.Target
	Elapsed  time.Duration
	Err      error
}

// Hooks observe invocations. Nil fields are skipped.
type Hooks struct {
	OnCall    func(CallInfo)
	OnDegrade func(genericableID, from, to string, cause error)
}

// InvokerConfig wires an Invoker.
type InvokerConfig struct {
	Resolver    *Resolver
	Transport   Transport
	Serializers *wire.Serializers
	// LocalWorkerID and Local let calls routed to this process skip the
	// transport. Both are optional.
	LocalWorkerID string
	Local         wire.Dispatcher
	CallTimeout   time.Duration
	Hooks         Hooks
	Tracer        trace.Tracer
}

// Invoker performs routed calls and applies the degradation fallback.
type Invoker struct {
	conf InvokerConfig
	log  loggingpkg.ServiceLogger
}

func NewInvoker(conf InvokerConfig, log loggingpkg.ServiceLogger) *Invoker {
	if conf.Resolver == nil {
		panic("fitbroker: resolver is required")
	}
	if conf.Transport == nil && conf.Local == nil {
		panic("fitbroker: transport is required")
	}
	if conf.Serializers == nil {
		conf.Serializers = wire.DefaultSerializers()
	}
	if conf.CallTimeout <= 0 {
		conf.CallTimeout = DefaultCallTimeout
	}
	if conf.Tracer == nil {
		conf.Tracer = otel.Tracer("fitbroker-invoker")
	}
	return &Invoker{conf: conf, log: loggingpkg.OrNop(log).With(loggingpkg.LogFields{"component": "invoker"})}
}

// Resolver returns the resolver routes are resolved with.
func (inv *Invoker) Resolver() *Resolver { return inv.conf.Resolver }

// Router returns a Router for the genericable with id.
func (inv *Invoker) Router(id string, opts ...Option) *Router {
	return New(inv, identity.Genericable{ID: id}, opts...)
}

// Call invokes one fitable synchronously. It lets an Invoker serve as a
// registry.Caller.
func (inv *Invoker) Call(ctx context.Context, fitable identity.Fitable, args ...any) (any, error) {
	r := New(inv, fitable.Genericable(), WithFitable(fitable.FitableID))
	return inv.invoke(ctx, r, dispatch.ModeSync, args)
}

func (inv *Invoker) invoke(ctx context.Context, r *Router, mode dispatch.CallMode, args []any) (any, error) {
	ctx, span := inv.conf.Tracer.Start(ctx, "Invoke",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("fit.genericable_id", r.genericable.ID),
			attribute.String("fit.mode", mode.String()),
		),
	)
	defer span.End()

	value, err := inv.attemptWithFallback(ctx, r, mode, args)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("fit.error_kind", errspkg.KindOf(err).String()))
	}
	return value, err
}

func (inv *Invoker) attemptWithFallback(ctx context.Context, r *Router, mode dispatch.CallMode, args []any) (any, error) {
	res, err := inv.conf.Resolver.Resolve(ctx, r.genericable, r.routeFilters(), r.balancer)
	if err != nil {
		return nil, err
	}
	degradable := res.Meta.Degradation != "" && res.Meta.Degradation != res.Meta.FitableID
	value, err := inv.attempt(ctx, res, mode, args, inv.attemptTimeout(ctx, degradable))
	if err == nil || !errspkg.IsUnreachable(err) {
		return value, err
	}

	inv.conf.Resolver.Invalidate(r.genericable)
	if !degradable {
		return nil, err
	}
	degradation := res.Meta.Degradation

	inv.log.Info("Degrading call", loggingpkg.LogFields{
		"genericable_id": r.genericable.ID,
		"from":           res.Meta.FitableID,
		"to":             degradation,
		"cause":          err.Error(),
	})
	if hook := inv.conf.Hooks.OnDegrade; hook != nil {
		hook(r.genericable.ID, res.Meta.FitableID, degradation, err)
	}
	trace.SpanFromContext(ctx).AddEvent("fit.degrade", trace.WithAttributes(attribute.String("fit.fitable_id", degradation)))

	fallback, ferr := inv.conf.Resolver.Resolve(ctx, r.genericable, []RouteFilter{ByFitable(degradation)}, r.balancer)
	if ferr != nil {
		return nil, errors.Join(err, ferr)
	}
	return inv.attempt(ctx, fallback, mode, args, inv.attemptTimeout(ctx, false))
}

// attemptTimeout bounds one attempt by CallTimeout. When a fallback may
// follow and the caller set a deadline, the attempt gets at most half of
// what remains so the fallback still has time to run.
func (inv *Invoker) attemptTimeout(ctx context.Context, reserveFallback bool) time.Duration {
	timeout := inv.conf.CallTimeout
	if deadline, ok := ctx.Deadline(); ok && reserveFallback {
		if half := time.Until(deadline) / 2; half < timeout {
			timeout = half
		}
	}
	return timeout
}

func (inv *Invoker) attempt(ctx context.Context, res Resolution, mode dispatch.CallMode, args []any, timeout time.Duration) (value any, err error) {
	meta := dispatch.RequestMetadata{
		GenericableID:      res.Meta.GenericableID,
		GenericableVersion: res.Meta.GenericableVersion,
		FitableID:          res.Meta.FitableID,
		FitableVersion:     res.Meta.FitableVersion,
		Format:             res.Target.Format,
		Mode:               mode,
		CorrelationID:      ids.CorrelationID(),
		CallerID:           inv.conf.Resolver.conf.CallerID,
	}

	start := time.Now()
	defer func() {
		if hook := inv.conf.Hooks.OnCall; hook != nil {
			hook(CallInfo{Metadata: meta, Target: res.Target, Elapsed: time.Since(start), Err: err})
		}
	}()

	frame, err := inv.conf.Serializers.EncodeCall(meta, args)
	if err != nil {
		return nil, err
	}

	if mode == dispatch.ModeOneWay {
		return nil, inv.send(ctx, res.Target, frame)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	reply, err := inv.request(ctx, res.Target, frame)
	if err != nil {
		return nil, err
	}
	resp, err := inv.conf.Serializers.DecodeResult(reply)
	if err != nil {
		return nil, err
	}
	return resp.Data, resp.Err()
}

func (inv *Invoker) isLocal(target identity.Target) bool {
	return inv.conf.Local != nil && target.Worker.ID != "" && target.Worker.ID == inv.conf.LocalWorkerID
}

func (inv *Invoker) request(ctx context.Context, target identity.Target, frame []byte) ([]byte, error) {
	if inv.isLocal(target) {
		return inv.conf.Serializers.Handle(ctx, inv.conf.Local, frame), nil
	}
	if inv.conf.Transport == nil {
		return nil, errspkg.New(errspkg.KindNetwork, "request", target.Worker.ID, errors.New("no transport"))
	}
	reply, err := inv.conf.Transport.Request(ctx, target, frame)
	if err != nil {
		return nil, classify(target, err)
	}
	return reply, nil
}

func (inv *Invoker) send(ctx context.Context, target identity.Target, frame []byte) error {
	if inv.isLocal(target) {
		go inv.conf.Serializers.Handle(context.WithoutCancel(ctx), inv.conf.Local, frame)
		return nil
	}
	if inv.conf.Transport == nil {
		return errspkg.New(errspkg.KindNetwork, "send", target.Worker.ID, errors.New("no transport"))
	}
	if err := inv.conf.Transport.Send(ctx, target, frame); err != nil {
		return classify(target, err)
	}
	return nil
}

// classify types transport failures. Cancellation by the caller is left
// untouched so it never triggers a fallback.
func classify(target identity.Target, err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return errspkg.New(errspkg.KindTimeout, "request", target.Worker.ID, err)
	case errspkg.KindOf(err) == errspkg.KindUnknown:
		return errspkg.New(errspkg.KindNetwork, "request", target.Worker.ID, err)
	}
	return err
}
