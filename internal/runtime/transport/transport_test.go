package transport

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"

	"github.com/wuayee/fitbroker/internal/runtime/config"
	"github.com/wuayee/fitbroker/internal/runtime/dispatch"
	errspkg "github.com/wuayee/fitbroker/internal/runtime/errors"
	"github.com/wuayee/fitbroker/internal/runtime/identity"
	"github.com/wuayee/fitbroker/internal/runtime/metadata"
	"github.com/wuayee/fitbroker/internal/runtime/wire"
)

var echo = identity.Fitable{GenericableID: "echo", FitableID: "default"}

func target(workerID string) identity.Target {
	return identity.Target{Worker: identity.Worker{ID: workerID}, Format: identity.FormatJSON}
}

func newPubSub(t *testing.T) *gochannel.GoChannel {
	t.Helper()
	ps := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 16}, watermill.NopLogger{})
	t.Cleanup(func() { _ = ps.Close() })
	return ps
}

// serve consumes the worker topic of workerID and answers with h until the
// test ends.
func serve(t *testing.T, ps *gochannel.GoChannel, workerID string, h *Handler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	msgs, err := ps.Subscribe(ctx, WorkerTopic(workerID))
	require.NoError(t, err)
	go func() {
		for msg := range msgs {
			_ = h.Handle(msg)
			msg.Ack()
		}
	}()
}

func newEchoDispatcher(t *testing.T, calls *atomic.Int32) *dispatch.Dispatcher {
	t.Helper()
	d := dispatch.NewDispatcher(nil, dispatch.Options{})
	require.NoError(t, d.Register(dispatch.LocalExecutor{
		Fitable: echo,
		Invoke: dispatch.Func(func(ctx context.Context, s string) (string, error) {
			if calls != nil {
				calls.Add(1)
			}
			return "echo " + s, nil
		}),
	}))
	return d
}

func newClient(t *testing.T, ps *gochannel.GoChannel, workerID string) *Client {
	t.Helper()
	c, err := NewClient(context.Background(), ClientConfig{WorkerID: workerID, Publisher: ps, Subscriber: ps}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func encodeEcho(t *testing.T, arg string) []byte {
	t.Helper()
	frame, err := wire.DefaultSerializers().EncodeCall(dispatch.RequestMetadata{
		GenericableID: echo.GenericableID,
		FitableID:     echo.FitableID,
		Format:        identity.FormatJSON,
	}, []any{arg})
	require.NoError(t, err)
	return frame
}

func TestTopics(t *testing.T) {
	assert.Equal(t, "fit.worker.w1", WorkerTopic("w1"))
	assert.Equal(t, "fit.reply.w1", ReplyTopic("w1"))
}

func TestRequestRoundTrip(t *testing.T) {
	ps := newPubSub(t)
	serve(t, ps, "w2", NewHandler(nil, newEchoDispatcher(t, nil), ps, nil))
	client := newClient(t, ps, "w1")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	reply, err := client.Request(ctx, target("w2"), encodeEcho(t, "hi"))
	require.NoError(t, err)

	resp, err := wire.DefaultSerializers().DecodeResult(reply)
	require.NoError(t, err)
	require.NoError(t, resp.Err())
	assert.Equal(t, "echo hi", resp.Data)
	assert.Zero(t, client.Pending())
}

func TestConcurrentRequestsArePaired(t *testing.T) {
	ps := newPubSub(t)
	serve(t, ps, "w2", NewHandler(nil, newEchoDispatcher(t, nil), ps, nil))
	client := newClient(t, ps, "w1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	args := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	results := make(chan [2]string, len(args))
	for _, arg := range args {
		go func() {
			reply, err := client.Request(ctx, target("w2"), encodeEcho(t, arg))
			if err != nil {
				results <- [2]string{arg, err.Error()}
				return
			}
			resp, _ := wire.DefaultSerializers().DecodeResult(reply)
			got, _ := resp.Data.(string)
			results <- [2]string{arg, got}
		}()
	}
	for range args {
		r := <-results
		assert.Equal(t, "echo "+r[0], r[1])
	}
}

func TestRequestTimesOutWithoutWorker(t *testing.T) {
	ps := newPubSub(t)
	client := newClient(t, ps, "w1")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := client.Request(ctx, target("nobody"), encodeEcho(t, "hi"))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, errspkg.KindTimeout, errspkg.KindOf(err))
	assert.Zero(t, client.Pending())
}

func TestSendDoesNotReply(t *testing.T) {
	ps := newPubSub(t)
	var calls atomic.Int32
	serve(t, ps, "w2", NewHandler(nil, newEchoDispatcher(t, &calls), ps, nil))

	replies, err := ps.Subscribe(context.Background(), ReplyTopic("w1"))
	require.NoError(t, err)

	client := newClient(t, ps, "w1")
	require.NoError(t, client.Send(context.Background(), target("w2"), encodeEcho(t, "fire")))

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	select {
	case msg := <-replies:
		t.Fatalf("unexpected reply %s", msg.UUID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnmatchedReplyIsDropped(t *testing.T) {
	ps := newPubSub(t)
	serve(t, ps, "w2", NewHandler(nil, newEchoDispatcher(t, nil), ps, nil))
	client := newClient(t, ps, "w1")

	stray := message.NewMessage("stray", []byte("garbage"))
	stray.Metadata.Set(metadata.KeyCorrelationID, "unknown")
	require.NoError(t, ps.Publish(ReplyTopic("w1"), stray))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	reply, err := client.Request(ctx, target("w2"), encodeEcho(t, "after"))
	require.NoError(t, err)
	resp, err := wire.DefaultSerializers().DecodeResult(reply)
	require.NoError(t, err)
	assert.Equal(t, "echo after", resp.Data)
}

func TestHandlerAnswersMalformedFrames(t *testing.T) {
	ps := newPubSub(t)
	serve(t, ps, "w2", NewHandler(nil, newEchoDispatcher(t, nil), ps, nil))
	client := newClient(t, ps, "w1")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	reply, err := client.Request(ctx, target("w2"), []byte{0xff})
	require.NoError(t, err)

	resp, err := wire.DefaultSerializers().DecodeResult(reply)
	require.NoError(t, err)
	assert.NotEqual(t, errspkg.KindNone, resp.Code)
}

type failingPublisher struct{}

func (failingPublisher) Publish(string, ...*message.Message) error { return errors.New("broker down") }
func (failingPublisher) Close() error                              { return nil }

func TestPublishFailureIsNetworkError(t *testing.T) {
	ps := newPubSub(t)
	client, err := NewClient(context.Background(), ClientConfig{WorkerID: "w1", Publisher: failingPublisher{}, Subscriber: ps}, nil)
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Request(context.Background(), target("w2"), []byte("frame"))
	assert.Equal(t, errspkg.KindNetwork, errspkg.KindOf(err))
	assert.ErrorContains(t, err, "broker down")
	assert.Zero(t, client.Pending())

	err = client.Send(context.Background(), target("w2"), []byte("frame"))
	assert.Equal(t, errspkg.KindNetwork, errspkg.KindOf(err))
}

func TestClosedClient(t *testing.T) {
	ps := newPubSub(t)
	client := newClient(t, ps, "w1")

	done := make(chan error, 1)
	go func() {
		_, err := client.Request(context.Background(), target("nobody"), []byte("frame"))
		done <- err
	}()
	require.Eventually(t, func() bool { return client.Pending() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, client.Close())
	require.NoError(t, client.Close())

	select {
	case err := <-done:
		assert.Equal(t, errspkg.KindNetwork, errspkg.KindOf(err))
	case <-time.After(time.Second):
		t.Fatal("pending request was not failed")
	}

	_, err := client.Request(context.Background(), target("w2"), []byte("frame"))
	assert.Equal(t, errspkg.KindNetwork, errspkg.KindOf(err))
	assert.Equal(t, errspkg.KindNetwork, errspkg.KindOf(client.Send(context.Background(), target("w2"), nil)))
}

func TestClientValidation(t *testing.T) {
	ps := newPubSub(t)

	_, err := NewClient(context.Background(), ClientConfig{Publisher: ps, Subscriber: ps}, nil)
	assert.ErrorIs(t, err, errspkg.ErrWorkerIDRequired)

	_, err = NewClient(context.Background(), ClientConfig{WorkerID: "w1"}, nil)
	assert.ErrorIs(t, err, errspkg.ErrConfigRequired)

	client := newClient(t, ps, "w1")
	_, err = client.Request(context.Background(), identity.Target{}, nil)
	assert.ErrorIs(t, err, errspkg.ErrTargetRequired)
	assert.ErrorIs(t, client.Send(context.Background(), identity.Target{}, nil), errspkg.ErrTargetRequired)
}

func TestTracePropagation(t *testing.T) {
	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	msg := message.NewMessage("1", nil)
	InjectTrace(ctx, msg)
	assert.NotEmpty(t, msg.Metadata.Get("traceparent"))

	remote := trace.SpanContextFromContext(ExtractTrace(msg))
	assert.Equal(t, traceID, remote.TraceID())
	assert.Equal(t, spanID, remote.SpanID())
	assert.True(t, remote.IsRemote())
}

func TestDefaultFactory(t *testing.T) {
	t.Run("builds registered transport", func(t *testing.T) {
		tr, err := DefaultFactory().Build(context.Background(), &config.Config{PubSubSystem: "channel"}, watermill.NopLogger{})
		require.NoError(t, err)
		assert.NotNil(t, tr.Publisher)
		assert.NotNil(t, tr.Subscriber)
		assert.NoError(t, tr.Close())
	})

	t.Run("nil config", func(t *testing.T) {
		_, err := DefaultFactory().Build(context.Background(), nil, watermill.NopLogger{})
		assert.ErrorIs(t, err, errspkg.ErrConfigRequired)
	})

	t.Run("unknown transport", func(t *testing.T) {
		_, err := DefaultFactory().Build(context.Background(), &config.Config{PubSubSystem: "carrier-pigeon"}, watermill.NopLogger{})
		assert.Error(t, err)
	})
}

func TestSharedFactoryKeepsPairOpen(t *testing.T) {
	ps := newPubSub(t)
	factory := SharedFactory(ps, ps)

	tr, err := factory.Build(context.Background(), nil, nil)
	require.NoError(t, err)
	require.NoError(t, tr.Close())

	msgs, err := ps.Subscribe(context.Background(), "still-open")
	require.NoError(t, err)
	require.NoError(t, tr.Publisher.Publish("still-open", message.NewMessage("1", []byte("x"))))
	select {
	case msg := <-msgs:
		msg.Ack()
	case <-time.After(time.Second):
		t.Fatal("shared pub/sub was closed")
	}
}

func TestConcurrentHandlerOverlapsCalls(t *testing.T) {
	ps := newPubSub(t)
	var inside atomic.Int32
	release := make(chan struct{})
	d := dispatch.NewDispatcher(nil, dispatch.Options{})
	require.NoError(t, d.Register(dispatch.LocalExecutor{
		Fitable: echo,
		Invoke: dispatch.Func(func(ctx context.Context, s string) (string, error) {
			inside.Add(1)
			<-release
			return "echo " + s, nil
		}),
	}))
	h := NewHandler(nil, d, ps, nil, WithConcurrency(2))
	serve(t, ps, "w2", h)
	client := newClient(t, ps, "w1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	errs := make(chan error, 2)
	for _, arg := range []string{"a", "b"} {
		go func() {
			_, err := client.Request(ctx, target("w2"), encodeEcho(t, arg))
			errs <- err
		}()
	}

	require.Eventually(t, func() bool { return inside.Load() == 2 }, 2*time.Second, time.Millisecond)
	close(release)
	for range 2 {
		require.NoError(t, <-errs)
	}
	h.Wait()
}

func TestHandlerTimeoutBoundsDispatch(t *testing.T) {
	ps := newPubSub(t)
	d := dispatch.NewDispatcher(nil, dispatch.Options{})
	require.NoError(t, d.Register(dispatch.LocalExecutor{
		Fitable: echo,
		Invoke: dispatch.Func(func(ctx context.Context, s string) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		}),
	}))
	serve(t, ps, "w2", NewHandler(nil, d, ps, nil, WithTimeout(20*time.Millisecond)))
	client := newClient(t, ps, "w1")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	reply, err := client.Request(ctx, target("w2"), encodeEcho(t, "slow"))
	require.NoError(t, err)

	resp, err := wire.DefaultSerializers().DecodeResult(reply)
	require.NoError(t, err)
	assert.Error(t, resp.Err())
}
