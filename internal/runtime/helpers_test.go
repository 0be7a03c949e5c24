package runtime

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	configpkg "github.com/wuayee/fitbroker/internal/runtime/config"
	"github.com/wuayee/fitbroker/internal/runtime/dispatch"
	"github.com/wuayee/fitbroker/internal/runtime/identity"
	loggingpkg "github.com/wuayee/fitbroker/internal/runtime/logging"
	transportpkg "github.com/wuayee/fitbroker/internal/runtime/transport"
)

var greetEnglish = identity.FitableMeta{
	Fitable: identity.Fitable{GenericableID: "greeter.hello", FitableID: "english"},
	Tags:    []string{"en"},
}

func newTestSlogLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func newTestLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewSlogServiceLogger(newTestSlogLogger())
}

type mockLogger struct{}

func (m mockLogger) With(fields loggingpkg.LogFields) loggingpkg.ServiceLogger { return m }
func (m mockLogger) Debug(msg string, fields loggingpkg.LogFields)             {}
func (m mockLogger) Info(msg string, fields loggingpkg.LogFields)              {}
func (m mockLogger) Error(msg string, err error, fields loggingpkg.LogFields)  {}
func (m mockLogger) Trace(msg string, fields loggingpkg.LogFields)             {}

func newPubSub(t *testing.T) *gochannel.GoChannel {
	t.Helper()
	ps := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, watermill.NopLogger{})
	t.Cleanup(func() { _ = ps.Close() })
	return ps
}

// newTestService builds a worker on ps with its own metrics registry.
func newTestService(t *testing.T, ps *gochannel.GoChannel, conf configpkg.Config, deps ServiceDependencies) *Service {
	t.Helper()
	if deps.TransportFactory == nil {
		deps.TransportFactory = transportpkg.SharedFactory(ps, ps)
	}
	if deps.Registerer == nil {
		deps.Registerer = prometheus.NewRegistry()
	}
	svc, err := NewService(context.Background(), &conf, newTestLogger(), deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close(context.Background()) })
	return svc
}

// startService runs svc until the test ends.
func startService(t *testing.T, svc *Service) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("service did not stop")
		}
	})
	require.Eventually(t, svc.Running, 2*time.Second, 5*time.Millisecond)
}

// waitRegistered blocks until the first heartbeat of svc reached its own
// registry store.
func waitRegistered(t *testing.T, svc *Service) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, w := range svc.Store().Workers() {
			if w.ID == svc.WorkerID() {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
}

func greetRegistration(prefix string) FitableRegistration {
	return FitableRegistration{
		Meta:   greetEnglish,
		Module: "greeter",
		Invoke: dispatch.Func(func(ctx context.Context, name string) (string, error) {
			return prefix + " " + name, nil
		}),
	}
}
