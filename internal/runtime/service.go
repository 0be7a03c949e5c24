package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/plugin"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/wuayee/fitbroker/internal/runtime/async"
	configpkg "github.com/wuayee/fitbroker/internal/runtime/config"
	"github.com/wuayee/fitbroker/internal/runtime/dispatch"
	errspkg "github.com/wuayee/fitbroker/internal/runtime/errors"
	"github.com/wuayee/fitbroker/internal/runtime/identity"
	"github.com/wuayee/fitbroker/internal/runtime/ids"
	loggingpkg "github.com/wuayee/fitbroker/internal/runtime/logging"
	"github.com/wuayee/fitbroker/internal/runtime/registry"
	"github.com/wuayee/fitbroker/internal/runtime/router"
	transportpkg "github.com/wuayee/fitbroker/internal/runtime/transport"
	"github.com/wuayee/fitbroker/internal/runtime/wire"
	publictransport "github.com/wuayee/fitbroker/transport"
)

var routerRun = func(router *message.Router, ctx context.Context) error {
	return router.Run(ctx)
}

// Priorities of the built-in server filters.
const (
	tracingFilterPriority   = -300
	rateLimitFilterPriority = -200
	loggingFilterPriority   = -100
)

// ServiceDependencies holds the optional collaborators that the Service can use.
// Leave fields nil to get the defaults derived from the configuration.
type ServiceDependencies struct {
	Middlewares               []MiddlewareRegistration // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool                     // Skips registering the default middleware chain when true.
	TransportFactory          transportpkg.Factory
	// Registry replaces the registry chosen from the configuration.
	Registry registry.Registry
	// Filters are registered after the built-in server filters.
	Filters         []dispatch.FilterDescriptor
	Hooks           CallHooks
	ErrorClassifier ErrorClassifier
	// Registerer receives the Prometheus collectors. Defaults to
	// prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
	// Clock drives the lease bookkeeping of a hosted registry store.
	Clock registry.Clock
}

// FitableRegistration describes a locally served fitable: the executor and
// the routing metadata published for it.
type FitableRegistration struct {
	Meta         identity.FitableMeta
	Module       string
	Async        bool
	ExecutorName string
	Invoke       dispatch.Executor
}

type hostedFitable struct {
	meta   identity.FitableMeta
	module string
}

// Service is one broker worker. It serves its fitables over the configured
// transport, keeps them published in the registry and routes outgoing calls.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	transport  publictransport.Transport
	caps       publictransport.Capabilities
	publisher  message.Publisher
	subscriber message.Subscriber
	router     *message.Router
	registerer prometheus.Registerer

	serializers *wire.Serializers
	filters     *dispatch.FilterRegistry
	interceptor *async.Interceptor
	dispatcher  *dispatch.Dispatcher
	registry    registry.Registry
	store       *registry.Store
	resolver    *router.Resolver
	invoker     *router.Invoker
	client      *transportpkg.Client
	handler     *transportpkg.Handler

	callMetrics *CallMetrics
	stats       *fitableStatsSet
	hooks       CallHooks

	mu     sync.RWMutex
	hosted map[identity.FitableKey]hostedFitable

	running atomic.Bool
	// routed is set once the watermill router has started running.
	routed atomic.Bool

	httpServers   map[int]*http.ServeMux
	httpRunning   []*http.Server
	httpServersMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// NewService constructs a worker for the supplied configuration. Register
// fitables on the returned Service before or after calling Start.
func NewService(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}

	effective := conf.WithDefaults()
	if effective.WorkerID == "" {
		effective.WorkerID = ids.WorkerID()
	}
	if err := effective.Validate(); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}

	log = log.With(loggingpkg.LogFields{"worker_id": effective.WorkerID})
	wmLogger := loggingpkg.NewWatermillAdapter(log)
	log.Info("Creating broker worker",
		loggingpkg.LogFields{
			"pubsub_system": effective.PubSubSystem,
			"config":        effective,
		})

	s := &Service{
		Conf:        &effective,
		Logger:      log,
		registerer:  deps.Registerer,
		caps:        publictransport.GetCapabilities(effective.PubSubSystem),
		serializers: wire.DefaultSerializers(),
		hosted:      make(map[identity.FitableKey]hostedFitable),
	}
	if s.registerer == nil {
		s.registerer = prometheus.DefaultRegisterer
	}

	s.callMetrics = NewCallMetrics(s.registerer)
	if effective.MetricsEnabled {
		if err := s.callMetrics.Register(); err != nil {
			return nil, fmt.Errorf("register call metrics: %w", err)
		}
	}
	s.hooks = s.callMetrics.Hooks().Merge(deps.Hooks)
	s.stats = newFitableStatsSet(deps.ErrorClassifier, newResourceTracker())

	factory := deps.TransportFactory
	if factory == nil {
		factory = transportpkg.DefaultFactory()
	}
	transport, err := factory.Build(ctx, s.Conf, wmLogger)
	if err != nil {
		return nil, fmt.Errorf("build transport %s: %w", effective.PubSubSystem, err)
	}
	s.transport = transport
	s.publisher = transport.Publisher
	s.subscriber = transport.Subscriber

	if err := s.setup(ctx, deps); err != nil {
		return nil, errors.Join(err, s.closeStarted(ctx))
	}
	return s, nil
}

func (s *Service) setup(ctx context.Context, deps ServiceDependencies) error {
	s.interceptor = async.NewInterceptor(s.Logger)
	s.interceptor.SetDefaultPool(async.PoolConfig{
		Core:      s.Conf.AsyncWorkers,
		Max:       s.Conf.AsyncWorkers,
		KeepAlive: s.Conf.AsyncIdleTime,
		Queue:     s.Conf.AsyncQueue,
	})

	s.filters = dispatch.NewFilterRegistry()
	if err := s.registerFilters(deps.Filters); err != nil {
		return err
	}

	s.dispatcher = dispatch.NewDispatcher(s.Logger, dispatch.Options{
		Filters:   s.filters,
		Async:     s.interceptor,
		Observers: []dispatch.Observer{s.stats, hookObserver{hooks: s.hooks}},
	})

	client, err := transportpkg.NewClient(ctx, transportpkg.ClientConfig{
		WorkerID:   s.Conf.WorkerID,
		Publisher:  s.publisher,
		Subscriber: s.subscriber,
	}, s.Logger)
	if err != nil {
		return err
	}
	s.client = client

	if err := s.setupRegistry(deps); err != nil {
		return err
	}

	lb, ok := router.ParseLoadBalancer(s.Conf.LoadBalancer)
	if !ok {
		return errspkg.NewConfigValidationError(fmt.Errorf("router: unknown load balancer %q", s.Conf.LoadBalancer))
	}
	s.resolver = router.NewResolver(s.registry, router.ResolverConfig{
		CallerID:        s.Conf.WorkerID,
		Formats:         s.formats(),
		Protocols:       s.protocols(),
		DefaultFitables: s.Conf.DefaultFitables,
		LoadBalancer:    lb,
		CacheTTL:        s.Conf.CacheTTL,
	}, s.Logger)
	s.invoker = router.NewInvoker(router.InvokerConfig{
		Resolver:      s.resolver,
		Transport:     s.client,
		Serializers:   s.serializers,
		LocalWorkerID: s.Conf.WorkerID,
		Local:         s.dispatcher,
		CallTimeout:   s.Conf.CallTimeout,
		Hooks:         s.hooks.invokerHooks(),
	}, s.Logger)

	s.handler = transportpkg.NewHandler(s.serializers, s.dispatcher, s.publisher, s.Logger,
		transportpkg.WithConcurrency(int64(s.Conf.MaxConcurrentRequests)),
		transportpkg.WithTimeout(s.Conf.CallTimeout),
	)

	wmRouter, err := message.NewRouter(message.RouterConfig{}, loggingpkg.NewWatermillAdapter(s.Logger))
	if err != nil {
		return err
	}
	s.router = wmRouter
	s.router.AddPlugin(plugin.SignalsHandler)

	if err := s.registerConfiguredMiddlewares(deps); err != nil {
		return err
	}
	s.router.AddNoPublisherHandler(
		"fit_worker_"+s.Conf.WorkerID,
		transportpkg.WorkerTopic(s.Conf.WorkerID),
		s.subscriber,
		s.handler.Handle,
	)

	s.registerObservability()
	return nil
}

func (s *Service) registerFilters(extra []dispatch.FilterDescriptor) error {
	builtins := []dispatch.FilterDescriptor{
		{
			Name:          "tracing",
			Priority:      tracingFilterPriority,
			MatchPatterns: []string{"**"},
			Filter:        dispatch.TracingFilter(),
		},
		{
			Name:          "logging",
			Priority:      loggingFilterPriority,
			MatchPatterns: []string{"**"},
			Filter:        dispatch.LoggingFilter(s.Logger),
		},
	}
	if s.Conf.DispatchRateLimit > 0 {
		builtins = append(builtins, dispatch.FilterDescriptor{
			Name:             "rate_limit",
			Priority:         rateLimitFilterPriority,
			MatchPatterns:    []string{"**"},
			MismatchPatterns: []string{"fit.registry.**"},
			Filter:           dispatch.RateLimitFilter(rate.Limit(s.Conf.DispatchRateLimit), s.Conf.DispatchBurst),
		})
	}
	for _, desc := range append(builtins, extra...) {
		if _, err := s.filters.Register(desc); err != nil {
			return fmt.Errorf("register filter %s: %w", desc.Name, err)
		}
	}
	return nil
}

// setupRegistry picks where registrations and queries go: an injected
// registry, a remote registry worker, or a store hosted by this worker.
func (s *Service) setupRegistry(deps ServiceDependencies) error {
	switch {
	case deps.Registry != nil:
		s.registry = deps.Registry
		return nil
	case s.Conf.RemoteRegistry():
		client, err := s.remoteRegistry()
		if err != nil {
			return err
		}
		s.registry = client
		return nil
	}

	var metrics *registry.Metrics
	if s.Conf.MetricsEnabled {
		metrics = registry.NewMetrics(s.registerer)
		if err := metrics.Register(); err != nil {
			return fmt.Errorf("register registry metrics: %w", err)
		}
	}
	s.store = registry.NewStore(registry.StoreConfig{
		DefaultLease:    s.Conf.DefaultLease,
		MaxWorkers:      s.Conf.MaxWorkers,
		MaxApplications: s.Conf.MaxApplications,
		Clock:           deps.Clock,
		Metrics:         metrics,
	}, s.Logger)
	s.registry = s.store

	if !s.Conf.ServeRegistry {
		return nil
	}
	if err := registry.Serve(s.dispatcher, s.store); err != nil {
		return err
	}
	s.mu.Lock()
	for _, meta := range registry.ServiceFitables() {
		s.hosted[meta.Key()] = hostedFitable{meta: meta, module: registry.ServiceModule}
	}
	s.mu.Unlock()
	return nil
}

// remoteRegistry routes registry operations to the registry worker. The
// worker is known from configuration, so it is resolved from a private
// store whose clock never advances and whose entry never expires.
func (s *Service) remoteRegistry() (*registry.Client, error) {
	frozen := time.Now()
	bootstrap := registry.NewStore(registry.StoreConfig{
		Clock: registry.ClockFunc(func() time.Time { return frozen }),
	}, s.Logger)

	err := bootstrap.Register(context.Background(), registry.RegisterRequest{
		Worker: identity.Worker{
			ID: s.Conf.RegistryWorkerID,
			Addresses: []identity.Address{{
				Host:      s.Conf.RegistryWorkerID,
				Endpoints: []identity.Endpoint{{Protocol: s.caps.Protocol}},
				Formats:   s.serializers.Formats(),
			}},
		},
		Application: identity.Application{Name: registry.ServiceModule},
		Fitables:    registry.ServiceFitables(),
	})
	if err != nil {
		return nil, fmt.Errorf("bootstrap registry worker %s: %w", s.Conf.RegistryWorkerID, err)
	}

	resolver := router.NewResolver(bootstrap, router.ResolverConfig{
		CallerID:  s.Conf.WorkerID,
		Formats:   s.formats(),
		Protocols: s.protocols(),
		CacheTTL:  -1,
	}, s.Logger)
	invoker := router.NewInvoker(router.InvokerConfig{
		Resolver:    resolver,
		Transport:   s.client,
		Serializers: s.serializers,
		CallTimeout: s.Conf.CallTimeout,
	}, s.Logger)
	return registry.NewClient(invoker), nil
}

func (s *Service) formats() []identity.Format {
	return s.serializers.Prefer(s.Conf.Formats())
}

func (s *Service) protocols() []identity.Protocol {
	if s.caps.Protocol == 0 {
		return nil
	}
	return []identity.Protocol{s.caps.Protocol}
}

func (s *Service) registerConfiguredMiddlewares(deps ServiceDependencies) error {
	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(deps.Middlewares))
	registrations = append(registrations, defaults...)
	registrations = append(registrations, deps.Middlewares...)

	for _, reg := range registrations {
		if err := s.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return fmt.Errorf("failed to register middleware %s: %w", name, err)
		}
	}
	return nil
}

// Start serves requests and keeps the worker registered until ctx is
// cancelled or the router stops. The worker is unregistered on the way out.
func (s *Service) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.startHTTPServers()

	routerDone := make(chan error, 1)
	go func() { routerDone <- routerRun(s.router, ctx) }()

	select {
	case <-s.router.Running():
		s.routed.Store(true)
	case err := <-routerDone:
		return err
	}

	if starter, ok := s.subscriber.(publictransport.ServerStarter); ok {
		go func() {
			if err := starter.StartHTTPServer(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Error("Transport HTTP server stopped", err, nil)
			}
		}()
	}

	s.running.Store(true)
	defer s.running.Store(false)
	s.Logger.Info("Broker worker started", loggingpkg.LogFields{
		"topic":    transportpkg.WorkerTopic(s.Conf.WorkerID),
		"fitables": len(s.hostedMetas()),
	})

	heartbeatDone := make(chan error, 1)
	go func() {
		heartbeatDone <- registry.Heartbeat(ctx, s.registry, s.registration, s.Conf.HeartbeatInterval, s.Logger)
	}()

	var err error
	select {
	case err = <-heartbeatDone:
		cancel()
		if routerErr := <-routerDone; err == nil {
			err = routerErr
		}
	case err = <-routerDone:
		cancel()
		<-heartbeatDone
	}
	return err
}

// Running reports whether Start is serving requests.
func (s *Service) Running() bool { return s.running.Load() }

// Close stops the router, fails pending calls, drains async executors and
// closes the transport. It is safe to call more than once.
func (s *Service) Close(ctx context.Context) error {
	s.closeOnce.Do(func() { s.closeErr = s.closeStarted(ctx) })
	return s.closeErr
}

func (s *Service) closeStarted(ctx context.Context) error {
	var errs []error
	// A router that never ran waits out its close timeout, so only one
	// started by Start is closed.
	if s.router != nil && s.routed.Load() {
		errs = append(errs, s.router.Close())
	}
	if s.handler != nil {
		s.handler.Wait()
	}
	if s.client != nil {
		errs = append(errs, s.client.Close())
	}
	if s.interceptor != nil {
		errs = append(errs, s.interceptor.Close(ctx))
	}
	errs = append(errs, s.stopHTTPServers(ctx))
	errs = append(errs, s.transport.Close())
	return errors.Join(errs...)
}

// WorkerID returns the id this worker registers under.
func (s *Service) WorkerID() string { return s.Conf.WorkerID }

// Worker describes how other workers reach this one.
func (s *Service) Worker() identity.Worker {
	host := s.Conf.Host
	if host == "" {
		if name, err := os.Hostname(); err == nil && name != "" {
			host = name
		} else {
			host = "localhost"
		}
	}
	return identity.Worker{
		ID:          s.Conf.WorkerID,
		Environment: s.Conf.Environment,
		Addresses: []identity.Address{{
			Host:      host,
			Endpoints: []identity.Endpoint{{Protocol: s.caps.Protocol, Port: s.Conf.Port}},
			Formats:   s.serializers.Formats(),
		}},
	}
}

// RegisterFitable installs a local executor and publishes its metadata.
// A fitable without formats accepts every format this worker can decode.
func (s *Service) RegisterFitable(ctx context.Context, reg FitableRegistration) error {
	meta := reg.Meta.Clone()
	if len(meta.Formats) == 0 {
		meta.Formats = s.serializers.Formats()
	}
	err := s.dispatcher.Register(dispatch.LocalExecutor{
		Fitable:      meta.Fitable,
		Module:       reg.Module,
		Async:        reg.Async,
		ExecutorName: reg.ExecutorName,
		Invoke:       reg.Invoke,
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.hosted[meta.Key()] = hostedFitable{meta: meta, module: reg.Module}
	s.mu.Unlock()

	s.Logger.Info("Registered fitable", loggingpkg.LogFields{
		"fitable": meta.String(),
		"module":  reg.Module,
		"async":   reg.Async,
	})
	if !s.Running() {
		return nil
	}
	return s.Publish(ctx)
}

// RegisterModule installs the async executors of module.
func (s *Service) RegisterModule(module string, execs async.ModuleExecutors) {
	s.interceptor.RegisterModule(module, execs)
}

// RegisterFilter adds a server filter.
func (s *Service) RegisterFilter(desc dispatch.FilterDescriptor) (dispatch.FilterID, error) {
	return s.filters.Register(desc)
}

// UnregisterModule removes the fitables, filters and executors of module
// and withdraws its fitables from the registry right away.
func (s *Service) UnregisterModule(ctx context.Context, module string) error {
	s.mu.Lock()
	var removed []identity.Fitable
	for key, h := range s.hosted {
		if h.module == module {
			removed = append(removed, h.meta.Fitable)
			delete(s.hosted, key)
		}
	}
	s.mu.Unlock()

	s.dispatcher.UnregisterModule(module)
	s.stats.forget(removed)

	var errs []error
	if len(removed) > 0 && s.Running() {
		errs = append(errs, s.registry.Unregister(ctx, removed, s.Conf.WorkerID))
	}
	errs = append(errs, s.interceptor.UnregisterModule(ctx, module))
	return errors.Join(errs...)
}

// Publish registers the current fitables of this worker now instead of at
// the next heartbeat.
func (s *Service) Publish(ctx context.Context) error {
	return s.registry.Register(ctx, s.registration())
}

func (s *Service) registration() registry.RegisterRequest {
	return registry.RegisterRequest{
		Worker:      s.Worker(),
		Lease:       strconv.FormatInt(int64(s.Conf.DefaultLease/time.Second), 10),
		Application: identity.Application{Name: s.Conf.ApplicationName, Version: s.Conf.ApplicationVersion},
		Fitables:    s.hostedMetas(),
	}
}

func (s *Service) hostedMetas() []identity.FitableMeta {
	s.mu.RLock()
	metas := make([]identity.FitableMeta, 0, len(s.hosted))
	for _, h := range s.hosted {
		metas = append(metas, h.meta.Clone())
	}
	s.mu.RUnlock()
	slices.SortFunc(metas, func(a, b identity.FitableMeta) int { return strings.Compare(a.String(), b.String()) })
	return metas
}

// Router returns a router for the genericable with id.
func (s *Service) Router(id string, opts ...router.Option) *router.Router {
	return s.invoker.Router(id, opts...)
}

// Call invokes one fitable synchronously.
func (s *Service) Call(ctx context.Context, fitable identity.Fitable, args ...any) (any, error) {
	return s.invoker.Call(ctx, fitable, args...)
}

// Fitables lists the fitables served by this worker with their stats.
func (s *Service) Fitables() []FitableInfo {
	hosted := s.hostedMetas()
	infos := make([]FitableInfo, 0, len(hosted))
	for _, meta := range hosted {
		infos = append(infos, FitableInfo{Fitable: meta.Fitable, Stats: s.stats.entry(meta.Fitable)})
	}
	return infos
}

// CallMetrics returns the call counters of this worker.
func (s *Service) CallMetrics() *CallMetrics { return s.callMetrics }

// Dispatcher returns the dispatcher serving local fitables.
func (s *Service) Dispatcher() *dispatch.Dispatcher { return s.dispatcher }

// Registry returns the registry this worker publishes to.
func (s *Service) Registry() registry.Registry { return s.registry }

// Store returns the registry store hosted by this worker, nil when the
// registry lives elsewhere.
func (s *Service) Store() *registry.Store { return s.store }

// Invoker returns the invoker behind Router and Call.
func (s *Service) Invoker() *router.Invoker { return s.invoker }

// Resolver returns the resolver routes are resolved with.
func (s *Service) Resolver() *router.Resolver { return s.resolver }

// RegisterHTTPHandler serves handler on port once Start runs.
func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (s *Service) startHTTPServers() {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	for port, mux := range s.httpServers {
		addr := fmt.Sprintf(":%d", port)
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		s.httpRunning = append(s.httpRunning, srv)
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": addr})
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Error("Failed to start HTTP server", err, loggingpkg.LogFields{"address": addr})
			}
		}()
	}
	s.httpServers = nil
}

func (s *Service) stopHTTPServers(ctx context.Context) error {
	s.httpServersMu.Lock()
	servers := s.httpRunning
	s.httpRunning = nil
	s.httpServersMu.Unlock()

	var errs []error
	for _, srv := range servers {
		errs = append(errs, srv.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
