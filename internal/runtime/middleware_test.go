package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	configpkg "github.com/wuayee/fitbroker/internal/runtime/config"
	idspkg "github.com/wuayee/fitbroker/internal/runtime/ids"
	loggingpkg "github.com/wuayee/fitbroker/internal/runtime/logging"
	metadatapkg "github.com/wuayee/fitbroker/internal/runtime/metadata"
	transportpkg "github.com/wuayee/fitbroker/internal/runtime/transport"
)

func TestCorrelationIDMiddleware(t *testing.T) {
	t.Parallel()

	mw := CorrelationIDMiddleware().Middleware

	t.Run("adds missing id", func(t *testing.T) {
		msg := message.NewMessage(idspkg.New(), nil)
		called := false
		_, err := mw(func(m *message.Message) ([]*message.Message, error) {
			called = true
			if m.Metadata.Get(metadatapkg.KeyCorrelationID) == "" {
				t.Fatal("expected correlation id to be populated")
			}
			return nil, nil
		})(msg)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !called {
			t.Fatal("handler not invoked")
		}
	})

	t.Run("keeps existing id", func(t *testing.T) {
		msg := message.NewMessage(idspkg.New(), nil)
		msg.Metadata.Set(metadatapkg.KeyCorrelationID, "fixed")
		_, err := mw(func(m *message.Message) ([]*message.Message, error) {
			if m.Metadata.Get(metadatapkg.KeyCorrelationID) != "fixed" {
				t.Fatal("expected correlation id to be preserved")
			}
			return nil, nil
		})(msg)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}

type recordingServiceLogger struct {
	mockLogger
	debugs []loggingpkg.LogFields
}

func (r *recordingServiceLogger) With(loggingpkg.LogFields) loggingpkg.ServiceLogger { return r }

func (r *recordingServiceLogger) Debug(_ string, fields loggingpkg.LogFields) {
	r.debugs = append(r.debugs, fields)
}

func TestLogMessagesMiddleware(t *testing.T) {
	t.Parallel()

	logger := &recordingServiceLogger{}
	mw := logMessagesMiddleware(logger)

	msg := message.NewMessage(idspkg.New(), []byte("frame"))
	metadatapkg.Apply(msg, metadatapkg.Request("c1", "caller", "target", "fit.reply.caller", time.Now().Add(-time.Second)))
	if _, err := mw(func(m *message.Message) ([]*message.Message, error) { return nil, nil })(msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(logger.debugs) != 1 {
		t.Fatalf("expected one debug entry, got %d", len(logger.debugs))
	}
	fields := logger.debugs[0]
	if fields["payload_bytes"] != 5 {
		t.Fatalf("expected payload size, got %v", fields["payload_bytes"])
	}
	if lag, ok := fields["queue_lag_ms"].(int64); !ok || lag < 900 {
		t.Fatalf("expected queue lag, got %v", fields["queue_lag_ms"])
	}
}

func TestLogMessagesMiddlewareValidations(t *testing.T) {
	svc := &Service{}
	_, err := LogMessagesMiddleware(nil).Builder(svc)
	if err == nil {
		t.Fatal("expected error when logger missing")
	}
}

func TestTracerMiddleware(t *testing.T) {
	t.Parallel()

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	parent := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	msg := message.NewMessage(idspkg.New(), nil)
	transportpkg.InjectTrace(parent, msg)

	mw := tracerMiddleware(otel.Tracer("test"))
	var observed trace.SpanContext
	_, err := mw(func(m *message.Message) ([]*message.Message, error) {
		observed = trace.SpanContextFromContext(m.Context())
		return nil, nil
	})(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if observed.TraceID() != traceID {
		t.Fatalf("expected the caller trace to continue, got %s", observed.TraceID())
	}
}

func TestTimeoutMiddleware(t *testing.T) {
	t.Parallel()

	mw, err := TimeoutMiddleware().Builder(&Service{Conf: &configpkg.Config{CallTimeout: time.Second}})
	if err != nil || mw == nil {
		t.Fatalf("expected timeout middleware, got %v", err)
	}
	msg := message.NewMessage(idspkg.New(), nil)
	_, err = mw(func(m *message.Message) ([]*message.Message, error) {
		if _, ok := m.Context().Deadline(); !ok {
			t.Fatal("expected a deadline on the message context")
		}
		return nil, nil
	})(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	disabled, err := TimeoutMiddleware().Builder(&Service{Conf: &configpkg.Config{}})
	if err != nil || disabled != nil {
		t.Fatalf("expected no middleware without a timeout, got %v", err)
	}
}

func TestRegisterMiddlewareValidations(t *testing.T) {
	t.Parallel()

	t.Run("requires router", testRegisterMiddlewareRequiresRouter)
	t.Run("requires configuration", testRegisterMiddlewareRequiresConfiguration)
	t.Run("invokes builder", testRegisterMiddlewareInvokesBuilder)
	t.Run("handles builder error", testRegisterMiddlewareHandlesBuilderError)
	t.Run("handles nil middleware from builder", testRegisterMiddlewareHandlesNilMiddlewareFromBuilder)
}

func newTestRouter(t *testing.T) *message.Router {
	t.Helper()
	router, err := message.NewRouter(message.RouterConfig{}, watermill.NopLogger{})
	if err != nil {
		t.Fatalf("router init failed: %v", err)
	}
	return router
}

func testRegisterMiddlewareRequiresRouter(t *testing.T) {
	svc := &Service{}
	err := svc.RegisterMiddleware(MiddlewareRegistration{
		Middleware: func(h message.HandlerFunc) message.HandlerFunc { return h },
	})
	if err == nil {
		t.Fatal("expected error when router is missing")
	}
}

func testRegisterMiddlewareRequiresConfiguration(t *testing.T) {
	svc := &Service{router: newTestRouter(t)}
	if err := svc.RegisterMiddleware(MiddlewareRegistration{}); err == nil {
		t.Fatal("expected error when registration empty")
	}
}

func testRegisterMiddlewareInvokesBuilder(t *testing.T) {
	svc := &Service{router: newTestRouter(t)}
	built := false
	err := svc.RegisterMiddleware(MiddlewareRegistration{
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			built = true
			return func(h message.HandlerFunc) message.HandlerFunc { return h }, nil
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !built {
		t.Fatal("expected builder to be invoked")
	}
}

func testRegisterMiddlewareHandlesBuilderError(t *testing.T) {
	svc := &Service{router: newTestRouter(t)}
	err := svc.RegisterMiddleware(MiddlewareRegistration{
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			return nil, errors.New("builder failed")
		},
	})
	if err == nil {
		t.Fatal("expected builder error to propagate")
	}
}

func testRegisterMiddlewareHandlesNilMiddlewareFromBuilder(t *testing.T) {
	svc := &Service{router: newTestRouter(t)}
	err := svc.RegisterMiddleware(MiddlewareRegistration{
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			return nil, nil
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestMetricsMiddleware_Enabled(t *testing.T) {
	t.Parallel()

	svc := &Service{
		Conf: &configpkg.Config{
			MetricsEnabled: true,
			PubSubSystem:   "channel",
		},
		Logger:     mockLogger{},
		router:     newTestRouter(t),
		registerer: prometheus.NewRegistry(),
	}

	mw, err := MetricsMiddleware().Builder(svc)
	if err != nil {
		t.Fatalf("unexpected error building metrics middleware: %v", err)
	}
	if mw == nil {
		t.Fatal("expected middleware to be returned")
	}
}

func TestMetricsMiddleware_Disabled(t *testing.T) {
	t.Parallel()

	svcDisabled := &Service{
		Conf: &configpkg.Config{
			MetricsEnabled: false,
		},
	}
	mw, err := MetricsMiddleware().Builder(svcDisabled)
	if err != nil {
		t.Fatal(err)
	}
	if mw != nil {
		t.Fatal("expected nil middleware when disabled")
	}
}
