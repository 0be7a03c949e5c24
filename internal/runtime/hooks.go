package runtime

import (
	"time"

	"github.com/wuayee/fitbroker/internal/runtime/dispatch"
	"github.com/wuayee/fitbroker/internal/runtime/identity"
	loggingpkg "github.com/wuayee/fitbroker/internal/runtime/logging"
	"github.com/wuayee/fitbroker/internal/runtime/router"
)

// CallSide tells whether a hook observes an outgoing or an incoming call.
type CallSide string

const (
	// CallSideClient is a call this worker routed to a target.
	CallSideClient CallSide = "client"
	// CallSideServer is a call this worker's dispatcher executed.
	CallSideServer CallSide = "server"
)

// CallContext describes a finished call to hooks.
type CallContext struct {
	Side    CallSide
	Fitable identity.Fitable
	Mode    dispatch.CallMode
	// TargetWorker is the worker a client call was sent to.
	TargetWorker string
	// CallerID is the worker that issued a server call, when known.
	CallerID      string
	CorrelationID string
	Duration      time.Duration
}

// CallHooks observe call outcomes on both sides. Nil hooks are skipped.
type CallHooks struct {
	// OnCallDone is called when a call succeeds.
	OnCallDone func(ctx CallContext)

	// OnCallError is called when a call fails.
	OnCallError func(ctx CallContext, err error)

	// OnDegrade is called when a call falls back to the degradation
	// fitable of the one that failed.
	OnDegrade func(genericableID, from, to string, cause error)
}

// Merge combines two CallHooks, creating a new CallHooks that calls both.
// The hooks from 'other' are called after the hooks from 'h'.
func (h CallHooks) Merge(other CallHooks) CallHooks {
	return CallHooks{
		OnCallDone:  chainDoneHooks(h.OnCallDone, other.OnCallDone),
		OnCallError: chainErrorHooks(h.OnCallError, other.OnCallError),
		OnDegrade:   chainDegradeHooks(h.OnDegrade, other.OnDegrade),
	}
}

func chainDoneHooks(a, b func(CallContext)) func(CallContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx CallContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(CallContext, error)) func(CallContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx CallContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

func chainDegradeHooks(a, b func(string, string, string, error)) func(string, string, string, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(genericableID, from, to string, cause error) {
		a(genericableID, from, to, cause)
		b(genericableID, from, to, cause)
	}
}

func (h CallHooks) finish(ctx CallContext, err error) {
	if err != nil {
		if h.OnCallError != nil {
			h.OnCallError(ctx, err)
		}
		return
	}
	if h.OnCallDone != nil {
		h.OnCallDone(ctx)
	}
}

// invokerHooks feeds client side outcomes into h.
func (h CallHooks) invokerHooks() router.Hooks {
	return router.Hooks{
		OnCall: func(info router.CallInfo) {
			h.finish(CallContext{
				Side:          CallSideClient,
				Fitable:       info.Metadata.Fitable(),
				Mode:          info.Metadata.Mode,
				TargetWorker:  info.Target.Worker.ID,
				CorrelationID: info.Metadata.CorrelationID,
				Duration:      info.Elapsed,
			}, info.Err)
		},
		OnDegrade: h.OnDegrade,
	}
}

// hookObserver feeds server side outcomes into hooks.
type hookObserver struct {
	hooks CallHooks
}

func (o hookObserver) CallFinished(meta dispatch.RequestMetadata, elapsed time.Duration, resp dispatch.Response) {
	o.hooks.finish(CallContext{
		Side:          CallSideServer,
		Fitable:       meta.Fitable(),
		Mode:          meta.Mode,
		CallerID:      meta.CallerID,
		CorrelationID: meta.CorrelationID,
		Duration:      elapsed,
	}, resp.Err())
}

// LoggingHooks returns pre-built hooks that log call outcomes.
func LoggingHooks(logger loggingpkg.ServiceLogger) CallHooks {
	logger = loggingpkg.OrNop(logger)
	return CallHooks{
		OnCallDone: func(ctx CallContext) {
			logger.Debug("Call completed", callFields(ctx))
		},
		OnCallError: func(ctx CallContext, err error) {
			logger.Error("Call failed", err, callFields(ctx))
		},
		OnDegrade: func(genericableID, from, to string, cause error) {
			logger.Info("Degrading call", loggingpkg.LogFields{
				"genericable_id": genericableID,
				"from":           from,
				"to":             to,
				"cause":          cause.Error(),
			})
		},
	}
}

func callFields(ctx CallContext) loggingpkg.LogFields {
	fields := loggingpkg.LogFields{
		"side":           string(ctx.Side),
		"genericable_id": ctx.Fitable.GenericableID,
		"fitable_id":     ctx.Fitable.FitableID,
		"mode":           ctx.Mode.String(),
		"duration_ms":    ctx.Duration.Milliseconds(),
	}
	if ctx.TargetWorker != "" {
		fields["target_worker"] = ctx.TargetWorker
	}
	if ctx.CallerID != "" {
		fields["caller_id"] = ctx.CallerID
	}
	if ctx.CorrelationID != "" {
		fields["correlation_id"] = ctx.CorrelationID
	}
	return fields
}

// MetricsHooks returns pre-built hooks that forward outcomes to counters
// keyed by genericable and fitable id.
func MetricsHooks(onDone, onError func(genericableID, fitableID string)) CallHooks {
	return CallHooks{
		OnCallDone: func(ctx CallContext) {
			if onDone != nil {
				onDone(ctx.Fitable.GenericableID, ctx.Fitable.FitableID)
			}
		},
		OnCallError: func(ctx CallContext, err error) {
			if onError != nil {
				onError(ctx.Fitable.GenericableID, ctx.Fitable.FitableID)
			}
		},
	}
}

// AlertingHooks returns pre-built hooks that trigger alerts on call errors.
func AlertingHooks(alertFunc func(ctx CallContext, err error)) CallHooks {
	return CallHooks{
		OnCallError: alertFunc,
	}
}
