package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	configpkg "github.com/wuayee/fitbroker/internal/runtime/config"
	"github.com/wuayee/fitbroker/internal/runtime/dispatch"
	errspkg "github.com/wuayee/fitbroker/internal/runtime/errors"
	"github.com/wuayee/fitbroker/internal/runtime/identity"
	"github.com/wuayee/fitbroker/internal/runtime/registry"
	"github.com/wuayee/fitbroker/internal/runtime/router"
	transportpkg "github.com/wuayee/fitbroker/internal/runtime/transport"
	publictransport "github.com/wuayee/fitbroker/transport"
)

func TestNewServiceValidation(t *testing.T) {
	ps := newPubSub(t)
	shared := transportpkg.SharedFactory(ps, ps)

	t.Run("requires config", func(t *testing.T) {
		_, err := NewService(context.Background(), nil, newTestLogger(), ServiceDependencies{})
		assert.ErrorIs(t, err, errspkg.ErrConfigRequired)
	})

	t.Run("requires logger", func(t *testing.T) {
		_, err := NewService(context.Background(), &configpkg.Config{}, nil, ServiceDependencies{})
		assert.ErrorIs(t, err, errspkg.ErrLoggerRequired)
	})

	t.Run("rejects invalid config", func(t *testing.T) {
		_, err := NewService(context.Background(), &configpkg.Config{CallTimeout: -time.Second}, newTestLogger(), ServiceDependencies{TransportFactory: shared})
		var cve errspkg.ConfigValidationError
		assert.ErrorAs(t, err, &cve)
	})

	t.Run("rejects unknown load balancer", func(t *testing.T) {
		_, err := NewService(context.Background(), &configpkg.Config{LoadBalancer: "sticky"}, newTestLogger(), ServiceDependencies{TransportFactory: shared})
		assert.ErrorContains(t, err, "sticky")
	})

	t.Run("reports factory failure", func(t *testing.T) {
		failing := transportpkg.FactoryFunc(func(context.Context, *configpkg.Config, watermill.LoggerAdapter) (publictransport.Transport, error) {
			return publictransport.Transport{}, errors.New("broker down")
		})
		_, err := NewService(context.Background(), &configpkg.Config{}, newTestLogger(), ServiceDependencies{TransportFactory: failing})
		assert.ErrorContains(t, err, "broker down")
	})

	t.Run("reports middleware builder failure", func(t *testing.T) {
		_, err := NewService(context.Background(), &configpkg.Config{}, newTestLogger(), ServiceDependencies{
			TransportFactory: shared,
			Middlewares: []MiddlewareRegistration{{
				Name: "broken",
				Builder: func(*Service) (message.HandlerMiddleware, error) {
					return nil, errors.New("builder failed")
				},
			}},
		})
		assert.ErrorContains(t, err, "failed to register middleware broken")
	})
}

func TestNewServiceDefaults(t *testing.T) {
	svc := newTestService(t, newPubSub(t), configpkg.Config{Host: "10.0.0.7", Port: 8080}, ServiceDependencies{})

	assert.Len(t, svc.WorkerID(), 26)
	assert.Equal(t, configpkg.DefaultAsyncWorkers, svc.Conf.AsyncWorkers)
	assert.NotNil(t, svc.Store())
	assert.Same(t, svc.Store(), svc.Registry())

	worker := svc.Worker()
	require.Len(t, worker.Addresses, 1)
	assert.Equal(t, "10.0.0.7", worker.Addresses[0].Host)
	assert.Equal(t, []identity.Endpoint{{Protocol: identity.ProtocolChannel, Port: 8080}}, worker.Addresses[0].Endpoints)
	assert.ElementsMatch(t, []identity.Format{identity.FormatJSON, identity.FormatProtobuf}, worker.Addresses[0].Formats)
	assert.Equal(t, []identity.Protocol{identity.ProtocolChannel}, svc.Resolver().Config().Protocols)
}

func TestLocalCallSkipsTransport(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, newPubSub(t), configpkg.Config{WorkerID: "solo"}, ServiceDependencies{})
	require.NoError(t, svc.RegisterFitable(ctx, greetRegistration("hello")))
	require.NoError(t, svc.Publish(ctx))

	got, err := svc.Call(ctx, greetEnglish.Fitable, "bob")
	require.NoError(t, err)
	assert.Equal(t, "hello bob", got)

	infos := svc.Fitables()
	require.Len(t, infos, 1)
	assert.Equal(t, greetEnglish.Fitable, infos[0].Fitable)
	assert.EqualValues(t, 1, infos[0].Stats.CallsProcessed)

	metrics := svc.CallMetrics().GetGenericableMetrics("greeter.hello")
	require.NotNil(t, metrics)
	assert.EqualValues(t, 1, metrics.ClientCalls)
	assert.EqualValues(t, 1, metrics.ServerCalls)
}

func TestRemoteCallsThroughRegistryWorker(t *testing.T) {
	ctx := context.Background()
	ps := newPubSub(t)

	hub := newTestService(t, ps, configpkg.Config{WorkerID: "registry", ServeRegistry: true, ApplicationName: "hub"}, ServiceDependencies{})
	require.NoError(t, hub.RegisterFitable(ctx, greetRegistration("hello")))
	startService(t, hub)

	edge := newTestService(t, ps, configpkg.Config{WorkerID: "edge", RegistryWorkerID: "registry", ApplicationName: "edge", CacheTTL: -1}, ServiceDependencies{})
	assert.Nil(t, edge.Store())
	french := FitableRegistration{
		Meta:   identity.FitableMeta{Fitable: identity.Fitable{GenericableID: "greeter.hello", FitableID: "french"}},
		Module: "greeter",
		Invoke: dispatch.Func(func(ctx context.Context, name string) (string, error) {
			return "bonjour " + name, nil
		}),
	}
	require.NoError(t, edge.RegisterFitable(ctx, french))
	startService(t, edge)

	require.Eventually(t, func() bool {
		return len(hub.Store().Workers()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	got, err := edge.Call(ctx, greetEnglish.Fitable, "bob")
	require.NoError(t, err)
	assert.Equal(t, "hello bob", got)

	got, err = hub.Call(ctx, french.Meta.Fitable, "bob")
	require.NoError(t, err)
	assert.Equal(t, "bonjour bob", got)

	got, err = edge.Router("greeter.hello", router.WithTags("en")).Invoke(ctx, "ann")
	require.NoError(t, err)
	assert.Equal(t, "hello ann", got)
}

func TestStartFailsWhenRegistryUnreachable(t *testing.T) {
	svc := newTestService(t, newPubSub(t), configpkg.Config{
		WorkerID:         "edge",
		RegistryWorkerID: "nobody",
		CallTimeout:      50 * time.Millisecond,
	}, ServiceDependencies{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := svc.Start(ctx)
	require.Error(t, err)
	assert.True(t, errspkg.IsUnreachable(err), "unexpected error %v", err)
	assert.False(t, svc.Running())
}

func TestRegisterFitableAfterStartPublishes(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, newPubSub(t), configpkg.Config{WorkerID: "solo"}, ServiceDependencies{})
	startService(t, svc)
	waitRegistered(t, svc)

	require.NoError(t, svc.RegisterFitable(ctx, greetRegistration("hello")))

	instances, err := svc.Store().Query(ctx, []identity.Fitable{greetEnglish.Fitable}, "test")
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, "solo", instances[0].Applications[0].Workers[0].ID)
}

func TestUnregisterModuleWithdrawsFitables(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, newPubSub(t), configpkg.Config{WorkerID: "solo", CacheTTL: -1}, ServiceDependencies{})
	startService(t, svc)
	waitRegistered(t, svc)
	require.NoError(t, svc.RegisterFitable(ctx, greetRegistration("hello")))
	_, err := svc.Call(ctx, greetEnglish.Fitable, "bob")
	require.NoError(t, err)

	require.NoError(t, svc.UnregisterModule(ctx, "greeter"))

	assert.Empty(t, svc.Dispatcher().Fitables())
	assert.Empty(t, svc.Fitables())
	_, err = svc.Call(ctx, greetEnglish.Fitable, "bob")
	assert.Equal(t, errspkg.KindImplementationNotFound, errspkg.KindOf(err))
}

func TestAsyncFitableRunsInBackground(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, newPubSub(t), configpkg.Config{WorkerID: "solo"}, ServiceDependencies{})

	ran := make(chan string, 1)
	release := make(chan struct{})
	require.NoError(t, svc.RegisterFitable(ctx, FitableRegistration{
		Meta:   identity.FitableMeta{Fitable: identity.Fitable{GenericableID: "audit.record", FitableID: "default"}},
		Module: "audit",
		Async:  true,
		Invoke: dispatch.Func(func(ctx context.Context, entry string) (bool, error) {
			<-release
			ran <- entry
			return true, nil
		}),
	}))
	require.NoError(t, svc.Publish(ctx))

	got, err := svc.Call(ctx, identity.Fitable{GenericableID: "audit.record", FitableID: "default"}, "login")
	require.NoError(t, err)
	assert.Nil(t, got)

	close(release)
	select {
	case entry := <-ran:
		assert.Equal(t, "login", entry)
	case <-time.After(2 * time.Second):
		t.Fatal("async fitable did not run")
	}
}

func TestDispatchRateLimit(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, newPubSub(t), configpkg.Config{
		WorkerID:          "solo",
		DispatchRateLimit: 0.001,
		DispatchBurst:     1,
	}, ServiceDependencies{})
	require.NoError(t, svc.RegisterFitable(ctx, greetRegistration("hello")))
	require.NoError(t, svc.Publish(ctx))

	_, err := svc.Call(ctx, greetEnglish.Fitable, "bob")
	require.NoError(t, err)
	_, err = svc.Call(ctx, greetEnglish.Fitable, "bob")
	assert.Equal(t, errspkg.KindRateLimited, errspkg.KindOf(err))
}

func TestCustomFilterRuns(t *testing.T) {
	ctx := context.Background()
	var seen []string
	svc := newTestService(t, newPubSub(t), configpkg.Config{WorkerID: "solo"}, ServiceDependencies{
		Filters: []dispatch.FilterDescriptor{{
			Name:          "audit",
			MatchPatterns: []string{"greeter.*"},
			Filter: dispatch.FilterFunc(func(call *dispatch.Call) (dispatch.Result, error) {
				seen = append(seen, call.Metadata.GenericableID)
				return dispatch.Proceed(), nil
			}),
		}},
	})
	require.NoError(t, svc.RegisterFitable(ctx, greetRegistration("hello")))
	require.NoError(t, svc.Publish(ctx))

	_, err := svc.Call(ctx, greetEnglish.Fitable, "bob")
	require.NoError(t, err)
	assert.Equal(t, []string{"greeter.hello"}, seen)
}

func TestStartUnregistersOnShutdown(t *testing.T) {
	svc := newTestService(t, newPubSub(t), configpkg.Config{WorkerID: "solo"}, ServiceDependencies{})
	require.NoError(t, svc.RegisterFitable(context.Background(), greetRegistration("hello")))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Start(ctx) }()
	require.Eventually(t, func() bool { return len(svc.Store().Workers()) == 1 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("service did not stop")
	}
	assert.Empty(t, svc.Store().Workers())
}

func TestServiceStartReturnsRouterError(t *testing.T) {
	original := routerRun
	t.Cleanup(func() { routerRun = original })
	routerRun = func(*message.Router, context.Context) error { return errors.New("router failed") }

	svc := newTestService(t, newPubSub(t), configpkg.Config{}, ServiceDependencies{})
	assert.EqualError(t, svc.Start(context.Background()), "router failed")
}

func TestInjectedRegistry(t *testing.T) {
	store := registry.NewStore(registry.StoreConfig{}, nil)
	svc := newTestService(t, newPubSub(t), configpkg.Config{WorkerID: "solo", ServeRegistry: true}, ServiceDependencies{Registry: store})

	assert.Nil(t, svc.Store())
	assert.Same(t, store, svc.Registry())
	require.NoError(t, svc.Publish(context.Background()))
	assert.Len(t, store.Workers(), 1)
}

func TestCloseWithoutStartReturnsPromptly(t *testing.T) {
	svc := newTestService(t, newPubSub(t), configpkg.Config{}, ServiceDependencies{})

	start := time.Now()
	require.NoError(t, svc.Close(context.Background()))
	assert.Less(t, time.Since(start), time.Second)
}

func TestCloseIsIdempotent(t *testing.T) {
	svc := newTestService(t, newPubSub(t), configpkg.Config{}, ServiceDependencies{})
	require.NoError(t, svc.Close(context.Background()))
	require.NoError(t, svc.Close(context.Background()))
}
