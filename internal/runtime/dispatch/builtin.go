package dispatch

import (
	"golang.org/x/time/rate"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	errspkg "github.com/wuayee/fitbroker/internal/runtime/errors"
	loggingpkg "github.com/wuayee/fitbroker/internal/runtime/logging"
)

// LoggingFilter logs every call at debug level.
func LoggingFilter(log loggingpkg.ServiceLogger) Filter {
	log = loggingpkg.OrNop(log)
	return FilterFunc(func(call *Call) (Result, error) {
		log.Debug("Dispatching call", loggingpkg.LogFields{
			"genericable_id": call.Metadata.GenericableID,
			"fitable_id":     call.Metadata.FitableID,
			"mode":           call.Metadata.Mode.String(),
			"correlation_id": call.Metadata.CorrelationID,
			"args":           len(call.Args),
		})
		return Proceed(), nil
	})
}

// RateLimitFilter admits calls from a token bucket refilled at limit per
// second. Calls over the limit are answered with a rate limited response.
func RateLimitFilter(limit rate.Limit, burst int) Filter {
	limiter := rate.NewLimiter(limit, burst)
	return FilterFunc(func(call *Call) (Result, error) {
		if limiter.Allow() {
			return Proceed(), nil
		}
		err := errspkg.New(errspkg.KindRateLimited, "filter", call.Metadata.GenericableID, nil)
		return ShortCircuit(Failure(err)), nil
	})
}

// TracingFilter records the call on the active span.
func TracingFilter() Filter {
	return FilterFunc(func(call *Call) (Result, error) {
		span := trace.SpanFromContext(call.Context)
		span.AddEvent("fit.call", trace.WithAttributes(
			attribute.String("fit.caller_id", call.Metadata.CallerID),
			attribute.String("fit.correlation_id", call.Metadata.CorrelationID),
			attribute.String("fit.format", call.Metadata.Format.String()),
			attribute.Int("fit.args", len(call.Args)),
		))
		return Proceed(), nil
	})
}
