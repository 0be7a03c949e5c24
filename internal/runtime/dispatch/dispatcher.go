package dispatch

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	errspkg "github.com/wuayee/fitbroker/internal/runtime/errors"
	"github.com/wuayee/fitbroker/internal/runtime/identity"
	loggingpkg "github.com/wuayee/fitbroker/internal/runtime/logging"
)

// AsyncRunner hands a task to the named executor of a module.
type AsyncRunner interface {
	Submit(module, name string, task func(ctx context.Context) error) error
}

// Observer is told about every finished dispatch.
type Observer interface {
	CallFinished(meta RequestMetadata, elapsed time.Duration, resp Response)
}

// Options configures a Dispatcher. Zero values are replaced with defaults.
type Options struct {
	Filters   *FilterRegistry
	Async     AsyncRunner
	Observers []Observer
	Tracer    trace.Tracer
}

type executorKey struct {
	genericableID string
	fitableID     string
}

// Dispatcher runs incoming calls against the executors of this process.
type Dispatcher struct {
	log       loggingpkg.ServiceLogger
	filters   *FilterRegistry
	async     AsyncRunner
	observers []Observer
	tracer    trace.Tracer

	mu        sync.RWMutex
	executors map[executorKey]*LocalExecutor
}

func NewDispatcher(log loggingpkg.ServiceLogger, opts Options) *Dispatcher {
	if opts.Filters == nil {
		opts.Filters = NewFilterRegistry()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("fitbroker-dispatcher")
	}
	return &Dispatcher{
		log:       loggingpkg.OrNop(log),
		filters:   opts.Filters,
		async:     opts.Async,
		observers: opts.Observers,
		tracer:    opts.Tracer,
		executors: make(map[executorKey]*LocalExecutor),
	}
}

// Filters returns the server filter registry.
func (d *Dispatcher) Filters() *FilterRegistry { return d.filters }

// Register installs a local executor, replacing any previous executor of
// the same fitable.
func (d *Dispatcher) Register(exec LocalExecutor) error {
	id := exec.Fitable.String()
	if exec.Invoke == nil {
		return errspkg.New(errspkg.KindInvalid, "dispatcher.register", id, errspkg.ErrExecutorRequired)
	}
	if exec.Fitable.GenericableID == "" || exec.Fitable.FitableID == "" {
		return errspkg.New(errspkg.KindInvalid, "dispatcher.register", id, errspkg.ErrGenericableIDRequired)
	}
	if exec.Async && d.async == nil {
		return errspkg.New(errspkg.KindInvalid, "dispatcher.register", id, errors.New("async executor without interceptor"))
	}

	d.mu.Lock()
	d.executors[executorKey{exec.Fitable.GenericableID, exec.Fitable.FitableID}] = &exec
	d.mu.Unlock()

	d.log.Debug("Registered local executor", loggingpkg.LogFields{
		"fitable": id,
		"module":  exec.Module,
		"async":   exec.Async,
	})
	return nil
}

// Unregister removes the executor of fitable.
func (d *Dispatcher) Unregister(fitable identity.Fitable) {
	d.mu.Lock()
	delete(d.executors, executorKey{fitable.GenericableID, fitable.FitableID})
	d.mu.Unlock()
}

// UnregisterModule removes every executor and filter owned by module.
func (d *Dispatcher) UnregisterModule(module string) {
	d.mu.Lock()
	for key, exec := range d.executors {
		if exec.Module == module {
			delete(d.executors, key)
		}
	}
	d.mu.Unlock()
	d.filters.UnregisterModule(module)
}

// Fitables lists the fitables served locally, sorted.
func (d *Dispatcher) Fitables() []identity.Fitable {
	d.mu.RLock()
	out := make([]identity.Fitable, 0, len(d.executors))
	for _, exec := range d.executors {
		out = append(out, exec.Fitable)
	}
	d.mu.RUnlock()
	slices.SortFunc(out, func(a, b identity.Fitable) int { return strings.Compare(a.String(), b.String()) })
	return out
}

func (d *Dispatcher) lookup(meta RequestMetadata) (*LocalExecutor, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	exec, ok := d.executors[executorKey{meta.GenericableID, meta.FitableID}]
	return exec, ok
}

// Dispatch runs one call through the filter chain and the local executor.
// Failures are reported in the returned Response.
func (d *Dispatcher) Dispatch(ctx context.Context, meta RequestMetadata, args []any) Response {
	start := time.Now()
	ctx, span := d.tracer.Start(ctx, "Dispatch",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("fit.genericable_id", meta.GenericableID),
			attribute.String("fit.fitable_id", meta.FitableID),
			attribute.String("fit.mode", meta.Mode.String()),
		),
	)
	defer span.End()

	resp := d.dispatch(ctx, meta, args)
	if resp.Code != errspkg.KindNone {
		span.SetStatus(codes.Error, resp.Message)
		span.SetAttributes(attribute.String("fit.error_kind", resp.Code.String()))
	}

	elapsed := time.Since(start)
	for _, o := range d.observers {
		o.CallFinished(meta, elapsed, resp)
	}
	return resp
}

func (d *Dispatcher) dispatch(ctx context.Context, meta RequestMetadata, args []any) Response {
	exec, ok := d.lookup(meta)
	if !ok {
		err := errspkg.New(errspkg.KindLocalExecutorNotFound, "dispatch", meta.Fitable().String(), nil)
		d.log.Debug("No local executor", loggingpkg.LogFields{"fitable": meta.Fitable().String()})
		return Failure(err)
	}

	call := &Call{Context: ctx, Metadata: meta, Args: args}
	if resp, stopped, err := runChain(call, d.filters.Chain(meta.GenericableID, exec.Module)); err != nil {
		d.log.Error("Filter failed", err, loggingpkg.LogFields{"genericable_id": meta.GenericableID})
		return Failure(err)
	} else if stopped {
		return resp
	}

	if exec.Async {
		return d.submit(call, exec)
	}

	value, err := invoke(call.Context, exec, call.Args)
	if err != nil {
		return Failure(err)
	}
	return OK(value)
}

func (d *Dispatcher) submit(call *Call, exec *LocalExecutor) Response {
	args := call.Args
	err := d.async.Submit(exec.Module, exec.ExecutorName, func(ctx context.Context) error {
		_, err := invoke(ctx, exec, args)
		return err
	})
	if err != nil {
		return Failure(err)
	}
	return OK(nil)
}

func invoke(ctx context.Context, exec *LocalExecutor, args []any) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errspkg.New(errspkg.KindExecutor, "invoke", exec.Fitable.String(), fmt.Errorf("panic: %v", r))
		}
	}()
	return exec.Invoke(ctx, args)
}
