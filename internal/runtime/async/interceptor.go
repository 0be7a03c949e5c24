package async

import (
	"context"
	"errors"
	"fmt"
	"sync"

	errspkg "github.com/wuayee/fitbroker/internal/runtime/errors"
	loggingpkg "github.com/wuayee/fitbroker/internal/runtime/logging"
)

var errPoolClosed = errors.New("pool closed")

// ErrorHandler receives failures of async calls of one module.
type ErrorHandler func(module, executor string, err error)

// ModuleExecutors is what a module provides for its async fitables. Named
// executors are selected by ExecutorName; the empty name selects Default,
// which falls back to a PoolExecutor sized by DefaultPoolConfig.
type ModuleExecutors struct {
	Named   map[string]Executor
	Default Executor
	OnError ErrorHandler
}

type executorKey struct {
	module string
	name   string
}

// Interceptor runs async fitable calls on the executors of their module.
// Outcomes are never reported to the caller; failures go to the module's
// ErrorHandler or are logged and dropped.
type Interceptor struct {
	log    loggingpkg.ServiceLogger
	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.RWMutex
	defaultPool PoolConfig
	modules     map[string]ModuleExecutors
	resolved    map[executorKey]Executor
	pools       map[string]*PoolExecutor
}

func NewInterceptor(log loggingpkg.ServiceLogger) *Interceptor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Interceptor{
		log:         loggingpkg.OrNop(log),
		ctx:         ctx,
		cancel:      cancel,
		defaultPool: DefaultPoolConfig(),
		modules:     make(map[string]ModuleExecutors),
		resolved:    make(map[executorKey]Executor),
		pools:       make(map[string]*PoolExecutor),
	}
}

// SetDefaultPool sizes the pools created for modules without a default
// executor. Pools that already exist keep their size.
func (i *Interceptor) SetDefaultPool(conf PoolConfig) {
	i.mu.Lock()
	i.defaultPool = conf.withDefaults()
	i.mu.Unlock()
}

// RegisterModule installs the executors of module, replacing earlier ones.
func (i *Interceptor) RegisterModule(module string, execs ModuleExecutors) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.modules[module] = execs
	i.forget(module)
}

// UnregisterModule drops the executors of module and closes its default
// pool.
func (i *Interceptor) UnregisterModule(ctx context.Context, module string) error {
	i.mu.Lock()
	delete(i.modules, module)
	i.forget(module)
	pool := i.pools[module]
	delete(i.pools, module)
	i.mu.Unlock()

	if pool == nil {
		return nil
	}
	return pool.Close(ctx)
}

func (i *Interceptor) forget(module string) {
	for key := range i.resolved {
		if key.module == module {
			delete(i.resolved, key)
		}
	}
}

// Submit runs task on the executor called name of module.
func (i *Interceptor) Submit(module, name string, task func(ctx context.Context) error) error {
	exec, err := i.resolve(module, name)
	if err != nil {
		return err
	}
	return exec.Execute(func() { i.run(module, name, task) })
}

// Resolve returns the executor a call of module with executor name runs on.
func (i *Interceptor) Resolve(module, name string) (Executor, error) {
	return i.resolve(module, name)
}

func (i *Interceptor) resolve(module, name string) (Executor, error) {
	key := executorKey{module: module, name: name}

	i.mu.RLock()
	exec, ok := i.resolved[key]
	i.mu.RUnlock()
	if ok {
		return exec, nil
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if exec, ok := i.resolved[key]; ok {
		return exec, nil
	}

	execs := i.modules[module]
	switch {
	case name != "":
		exec = execs.Named[name]
		if exec == nil {
			return nil, errspkg.New(errspkg.KindInvalid, "async.resolve", module, fmt.Errorf("no executor named %q", name))
		}
	case execs.Default != nil:
		exec = execs.Default
	default:
		pool, ok := i.pools[module]
		if !ok {
			pool = NewPoolExecutor(module, i.defaultPool)
			i.pools[module] = pool
		}
		exec = pool
	}
	i.resolved[key] = exec
	return exec, nil
}

func (i *Interceptor) run(module, name string, task func(ctx context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			i.fail(module, name, errspkg.New(errspkg.KindExecutor, "async", module, fmt.Errorf("panic: %v", r)))
		}
	}()
	if err := task(i.ctx); err != nil {
		i.fail(module, name, err)
	}
}

func (i *Interceptor) fail(module, name string, err error) {
	i.mu.RLock()
	handler := i.modules[module].OnError
	i.mu.RUnlock()

	if handler != nil {
		handler(module, name, err)
		return
	}
	i.log.Error("Async call failed", err, loggingpkg.LogFields{
		"module":   module,
		"executor": name,
	})
}

// Close shuts down default pools, waiting for their tasks until ctx ends,
// then cancels the context handed to tasks.
func (i *Interceptor) Close(ctx context.Context) error {
	defer i.cancel()

	i.mu.Lock()
	pools := i.pools
	i.pools = make(map[string]*PoolExecutor)
	clear(i.resolved)
	i.mu.Unlock()

	var errs []error
	for _, pool := range pools {
		if err := pool.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
