package transport

import (
	"context"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/otel/propagation"
	"golang.org/x/sync/semaphore"

	"github.com/wuayee/fitbroker/internal/runtime/ids"
	loggingpkg "github.com/wuayee/fitbroker/internal/runtime/logging"
	"github.com/wuayee/fitbroker/internal/runtime/metadata"
	"github.com/wuayee/fitbroker/internal/runtime/wire"
)

var tracePropagator = propagation.TraceContext{}

// InjectTrace writes the span context of ctx into the message metadata.
func InjectTrace(ctx context.Context, msg *message.Message) {
	tracePropagator.Inject(ctx, propagation.MapCarrier(msg.Metadata))
}

// ExtractTrace returns the message context carrying the remote span
// context found in its metadata.
func ExtractTrace(msg *message.Message) context.Context {
	return tracePropagator.Extract(msg.Context(), propagation.MapCarrier(msg.Metadata))
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithConcurrency acknowledges requests as soon as one of limit slots is
// free and answers them in the background. Without it requests of one
// subscription are answered one at a time.
func WithConcurrency(limit int64) HandlerOption {
	return func(h *Handler) {
		if limit > 0 {
			h.slots = semaphore.NewWeighted(limit)
		}
	}
}

// WithTimeout bounds the dispatch of every request.
func WithTimeout(d time.Duration) HandlerOption {
	return func(h *Handler) { h.timeout = d }
}

// Handler answers request frames consumed from a worker topic.
type Handler struct {
	serializers *wire.Serializers
	dispatcher  wire.Dispatcher
	publisher   message.Publisher
	log         loggingpkg.ServiceLogger
	slots       *semaphore.Weighted
	timeout     time.Duration
	inflight    sync.WaitGroup
}

func NewHandler(ser *wire.Serializers, d wire.Dispatcher, pub message.Publisher, log loggingpkg.ServiceLogger, opts ...HandlerOption) *Handler {
	if ser == nil {
		ser = wire.DefaultSerializers()
	}
	h := &Handler{
		serializers: ser,
		dispatcher:  d,
		publisher:   pub,
		log:         loggingpkg.OrNop(log).With(loggingpkg.LogFields{"component": "transport_handler"}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle dispatches the request frame in msg and publishes the response to
// its reply topic. Failures to publish the reply are logged and the request
// is acknowledged, since redelivery would run the call again. An error is
// only returned when msg ends before a concurrency slot frees up.
func (h *Handler) Handle(msg *message.Message) error {
	md := metadata.FromWatermill(msg.Metadata)
	if h.slots == nil {
		h.serve(msg.Context(), md, msg.Payload)
		return nil
	}

	if err := h.slots.Acquire(msg.Context(), 1); err != nil {
		return err
	}
	// The request is acknowledged when Handle returns; the answer must
	// outlive the message context.
	ctx := context.WithoutCancel(msg.Context())
	h.inflight.Add(1)
	go func() {
		defer h.inflight.Done()
		defer h.slots.Release(1)
		h.serve(ctx, md, msg.Payload)
	}()
	return nil
}

// Wait blocks until requests answered in the background are done.
func (h *Handler) Wait() {
	h.inflight.Wait()
}

func (h *Handler) serve(ctx context.Context, md metadata.Metadata, payload []byte) {
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	reply := h.serializers.Handle(ctx, h.dispatcher, payload)

	topic, ok := md.ReplyTo()
	if !ok {
		return
	}
	out := message.NewMessage(ids.New(), reply)
	out.Metadata.Set(metadata.KeyCorrelationID, md.CorrelationID())
	if err := h.publisher.Publish(topic, out); err != nil {
		h.log.Error("Failed to publish reply", err, loggingpkg.LogFields{
			"reply_to":       topic,
			"correlation_id": md.CorrelationID(),
		})
	}
}
