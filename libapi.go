package fitbroker

import (
	"context"

	runtimepkg "github.com/wuayee/fitbroker/internal/runtime"
	"github.com/wuayee/fitbroker/internal/runtime/async"
	configpkg "github.com/wuayee/fitbroker/internal/runtime/config"
	"github.com/wuayee/fitbroker/internal/runtime/dispatch"
	errspkg "github.com/wuayee/fitbroker/internal/runtime/errors"
	"github.com/wuayee/fitbroker/internal/runtime/identity"
	idspkg "github.com/wuayee/fitbroker/internal/runtime/ids"
	jsoncodec "github.com/wuayee/fitbroker/internal/runtime/jsoncodec"
	loggingpkg "github.com/wuayee/fitbroker/internal/runtime/logging"
	"github.com/wuayee/fitbroker/internal/runtime/registry"
	"github.com/wuayee/fitbroker/internal/runtime/router"
	transportpkg "github.com/wuayee/fitbroker/internal/runtime/transport"
	newtransport "github.com/wuayee/fitbroker/transport"
)

type (
	Config              = configpkg.Config
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies
	FitableRegistration = runtimepkg.FitableRegistration
	TransportFactory    = transportpkg.Factory

	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	FitableInfo           = runtimepkg.FitableInfo
	FitableStats          = runtimepkg.FitableStats
	ConfigValidationError = errspkg.ConfigValidationError
	Error                 = errspkg.Error
	ErrorKind             = errspkg.Kind

	// Call lifecycle hooks
	CallSide    = runtimepkg.CallSide
	CallContext = runtimepkg.CallContext
	CallHooks   = runtimepkg.CallHooks

	// Call metrics
	CallMetrics            = runtimepkg.CallMetrics
	GenericableCallMetrics = runtimepkg.GenericableCallMetrics
	CallMetricsSnapshot    = runtimepkg.CallMetricsSnapshot

	// Error classification
	ErrorClassifier = runtimepkg.ErrorClassifier
	ErrorCategory   = runtimepkg.ErrorCategory

	// Identity model
	Format      = identity.Format
	Protocol    = identity.Protocol
	Genericable = identity.Genericable
	Fitable     = identity.Fitable
	FitableMeta = identity.FitableMeta
	Endpoint    = identity.Endpoint
	Address     = identity.Address
	Worker      = identity.Worker
	Application = identity.Application
	Target      = identity.Target

	// Dispatching
	Executor          = dispatch.Executor
	Call              = dispatch.Call
	CallMode          = dispatch.CallMode
	RequestMetadata   = dispatch.RequestMetadata
	Response          = dispatch.Response
	Filter            = dispatch.Filter
	FilterFunc        = dispatch.FilterFunc
	FilterResult      = dispatch.Result
	FilterDescriptor  = dispatch.FilterDescriptor
	FilterScope       = dispatch.Scope
	FilterID          = dispatch.FilterID
	ModuleExecutors   = async.ModuleExecutors
	AsyncPoolConfig   = async.PoolConfig
	AsyncErrorHandler = async.ErrorHandler

	// Routing
	Router          = router.Router
	RouteOption     = router.Option
	RouteFilter     = router.RouteFilter
	RouteFilterFunc = router.RouteFilterFunc
	LoadBalancer    = router.LoadBalancer
	Candidate       = router.Candidate
	Resolution      = router.Resolution
	Future          = router.Future

	// Registry
	Registry            = registry.Registry
	RegisterRequest     = registry.RegisterRequest
	FitableInstance     = registry.FitableInstance
	ApplicationInstance = registry.ApplicationInstance

	// Transport capabilities
	Capabilities = newtransport.Capabilities

	// Modular transport types
	TransportBuilder  = newtransport.Builder
	TransportConfig   = newtransport.Config
	TransportRegistry = newtransport.Registry
)

var (
	NewService     = runtimepkg.NewService
	ValidateConfig = configpkg.ValidateConfig

	DefaultMiddlewares      = runtimepkg.DefaultMiddlewares
	CorrelationIDMiddleware = runtimepkg.CorrelationIDMiddleware
	LogMessagesMiddleware   = runtimepkg.LogMessagesMiddleware
	TracerMiddleware        = runtimepkg.TracerMiddleware
	MetricsMiddleware       = runtimepkg.MetricsMiddleware
	TimeoutMiddleware       = runtimepkg.TimeoutMiddleware
	RecovererMiddleware     = runtimepkg.RecovererMiddleware

	// Call lifecycle hooks
	LoggingHooks  = runtimepkg.LoggingHooks
	MetricsHooks  = runtimepkg.MetricsHooks
	AlertingHooks = runtimepkg.AlertingHooks

	NewCallMetrics = runtimepkg.NewCallMetrics

	// Dispatch helpers
	OK              = dispatch.OK
	Failure         = dispatch.Failure
	Proceed         = dispatch.Proceed
	ShortCircuit    = dispatch.ShortCircuit
	MatchPattern    = dispatch.MatchPattern
	LoggingFilter   = dispatch.LoggingFilter
	RateLimitFilter = dispatch.RateLimitFilter
	TracingFilter   = dispatch.TracingFilter

	// Route options and load balancers
	WithFitable       = router.WithFitable
	WithVersion       = router.WithVersion
	WithTags          = router.WithTags
	WithRouteFilter   = router.WithRouteFilter
	WithLoadBalancer  = router.WithLoadBalancer
	ByFitable         = router.ByFitable
	ByTags            = router.ByTags
	ByDefault         = router.ByDefault
	FirstBalancer     = router.First
	RandomBalancer    = router.Random
	RoundRobin        = router.RoundRobin
	PinWorker         = router.PinWorker
	ParseLoadBalancer = router.ParseLoadBalancer

	ParseFormat   = identity.ParseFormat
	ParseProtocol = identity.ParseProtocol

	// Transport capabilities
	GetCapabilities = newtransport.GetCapabilities

	// Modular transport registry
	// Import individual transports via: _ "github.com/wuayee/fitbroker/transport/kafka"
	DefaultTransportRegistry = newtransport.DefaultRegistry
	RegisterTransport        = newtransport.Register
	BuildTransport           = newtransport.Build

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	KindOf        = errspkg.KindOf
	IsUnreachable = errspkg.IsUnreachable

	ErrConfigRequired         = errspkg.ErrConfigRequired
	ErrLoggerRequired         = errspkg.ErrLoggerRequired
	ErrRegistryRequired       = errspkg.ErrRegistryRequired
	ErrExecutorRequired       = errspkg.ErrExecutorRequired
	ErrFilterRequired         = errspkg.ErrFilterRequired
	ErrCapacityExceeded       = errspkg.ErrCapacityExceeded
	ErrImplementationNotFound = errspkg.ErrImplementationNotFound
	ErrAmbiguousRoute         = errspkg.ErrAmbiguousRoute
	ErrFormatNotNegotiable    = errspkg.ErrFormatNotNegotiable
	ErrLocalExecutorNotFound  = errspkg.ErrLocalExecutorNotFound
	ErrFilterExecutionFailed  = errspkg.ErrFilterExecutionFailed
	ErrInvalidVarint          = errspkg.ErrInvalidVarint
	ErrNetwork                = errspkg.ErrNetwork
	ErrTimeout                = errspkg.ErrTimeout
	ErrRejected               = errspkg.ErrRejected
	ErrRateLimited            = errspkg.ErrRateLimited
	ErrExecutor               = errspkg.ErrExecutor
	ErrInvalid                = errspkg.ErrInvalid

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewNopServiceLogger  = loggingpkg.NewNopServiceLogger

	NewCorrelationID = idspkg.CorrelationID
)

const (
	FormatProtobuf = identity.FormatProtobuf
	FormatJSON     = identity.FormatJSON
	FormatCBOR     = identity.FormatCBOR

	ProtocolSocket  = identity.ProtocolSocket
	ProtocolChannel = identity.ProtocolChannel
	ProtocolKafka   = identity.ProtocolKafka

	ModeSync   = dispatch.ModeSync
	ModeAsync  = dispatch.ModeAsync
	ModeOneWay = dispatch.ModeOneWay

	FilterScopeGlobal = dispatch.ScopeGlobal
	FilterScopeModule = dispatch.ScopeModule

	CallSideClient = runtimepkg.CallSideClient
	CallSideServer = runtimepkg.CallSideServer
)

// Error kinds carried by Error and by remote responses.
const (
	KindNone                   = errspkg.KindNone
	KindUnknown                = errspkg.KindUnknown
	KindInvalid                = errspkg.KindInvalid
	KindCapacityExceeded       = errspkg.KindCapacityExceeded
	KindImplementationNotFound = errspkg.KindImplementationNotFound
	KindAmbiguousRoute         = errspkg.KindAmbiguousRoute
	KindFormatNotNegotiable    = errspkg.KindFormatNotNegotiable
	KindLocalExecutorNotFound  = errspkg.KindLocalExecutorNotFound
	KindFilterExecutionFailed  = errspkg.KindFilterExecutionFailed
	KindInvalidVarint          = errspkg.KindInvalidVarint
	KindNetwork                = errspkg.KindNetwork
	KindTimeout                = errspkg.KindTimeout
	KindRejected               = errspkg.KindRejected
	KindRateLimited            = errspkg.KindRateLimited
	KindExecutor               = errspkg.KindExecutor
)

// Error category constants for ErrorClassifier.
const (
	ErrorCategoryNone       = runtimepkg.ErrorCategoryNone
	ErrorCategoryValidation = runtimepkg.ErrorCategoryValidation
	ErrorCategoryTransport  = runtimepkg.ErrorCategoryTransport
	ErrorCategoryRejected   = runtimepkg.ErrorCategoryRejected
	ErrorCategoryRouting    = runtimepkg.ErrorCategoryRouting
	ErrorCategoryExecutor   = runtimepkg.ErrorCategoryExecutor
	ErrorCategoryOther      = runtimepkg.ErrorCategoryOther
)

// NewRouter returns a router for genericable that calls through svc.
func NewRouter(svc *Service, genericable Genericable, opts ...RouteOption) *Router {
	return router.New(svc.Invoker(), genericable, opts...)
}

func Func0[R any](fn func(ctx context.Context) (R, error)) Executor {
	return dispatch.Func0(fn)
}

func Func[A, R any](fn func(ctx context.Context, a A) (R, error)) Executor {
	return dispatch.Func(fn)
}

func Func2[A, B, R any](fn func(ctx context.Context, a A, b B) (R, error)) Executor {
	return dispatch.Func2(fn)
}

func Func3[A, B, C, R any](fn func(ctx context.Context, a A, b B, c C) (R, error)) Executor {
	return dispatch.Func3(fn)
}
