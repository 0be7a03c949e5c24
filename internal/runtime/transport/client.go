// Package transport carries request and response frames between workers
// over a Watermill publisher and subscriber. Requests are published to the
// target worker's topic; responses come back on the caller's reply topic
// and are paired by correlation id.
package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/wuayee/fitbroker/internal/runtime/errors"
	"github.com/wuayee/fitbroker/internal/runtime/identity"
	"github.com/wuayee/fitbroker/internal/runtime/ids"
	loggingpkg "github.com/wuayee/fitbroker/internal/runtime/logging"
	"github.com/wuayee/fitbroker/internal/runtime/metadata"
)

const (
	workerTopicPrefix = "fit.worker."
	replyTopicPrefix  = "fit.reply."
)

// WorkerTopic is the topic a worker consumes requests from.
func WorkerTopic(workerID string) string { return workerTopicPrefix + workerID }

// ReplyTopic is the topic a worker consumes responses from.
func ReplyTopic(workerID string) string { return replyTopicPrefix + workerID }

var errClientClosed = errors.New("transport client closed")

// ClientConfig wires a Client.
type ClientConfig struct {
	// WorkerID identifies the calling worker and names its reply topic.
	WorkerID   string
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Client sends request frames to workers. It is safe for concurrent use.
type Client struct {
	conf       ClientConfig
	log        loggingpkg.ServiceLogger
	replyTopic string
	cancel     context.CancelFunc

	mu      sync.Mutex
	pending map[string]chan []byte
	closed  chan struct{}
	once    sync.Once
}

// NewClient subscribes to the reply topic of conf.WorkerID. The
// subscription ends with ctx or Close.
func NewClient(ctx context.Context, conf ClientConfig, log loggingpkg.ServiceLogger) (*Client, error) {
	if conf.WorkerID == "" {
		return nil, errspkg.New(errspkg.KindInvalid, "transport.client", "", errspkg.ErrWorkerIDRequired)
	}
	if conf.Publisher == nil || conf.Subscriber == nil {
		return nil, errspkg.New(errspkg.KindInvalid, "transport.client", conf.WorkerID, errspkg.ErrConfigRequired)
	}

	c := &Client{
		conf:       conf,
		log:        loggingpkg.OrNop(log).With(loggingpkg.LogFields{"component": "transport_client"}),
		replyTopic: ReplyTopic(conf.WorkerID),
		pending:    make(map[string]chan []byte),
		closed:     make(chan struct{}),
	}

	subCtx, cancel := context.WithCancel(ctx)
	replies, err := conf.Subscriber.Subscribe(subCtx, c.replyTopic)
	if err != nil {
		cancel()
		return nil, errspkg.New(errspkg.KindNetwork, "transport.subscribe", c.replyTopic, err)
	}
	c.cancel = cancel
	go c.consume(replies)
	return c, nil
}

func (c *Client) consume(replies <-chan *message.Message) {
	for msg := range replies {
		c.deliver(msg.Metadata.Get(metadata.KeyCorrelationID), msg.Payload)
		msg.Ack()
	}
}

func (c *Client) deliver(correlationID string, payload []byte) {
	c.mu.Lock()
	ch, ok := c.pending[correlationID]
	delete(c.pending, correlationID)
	c.mu.Unlock()

	if !ok {
		c.log.Debug("Dropping unmatched reply", loggingpkg.LogFields{"correlation_id": correlationID})
		return
	}
	ch <- payload
}

func (c *Client) await(correlationID string) (chan []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.closed:
		return nil, errClientClosed
	default:
	}
	ch := make(chan []byte, 1)
	c.pending[correlationID] = ch
	return ch, nil
}

func (c *Client) forget(correlationID string) {
	c.mu.Lock()
	delete(c.pending, correlationID)
	c.mu.Unlock()
}

// Request publishes frame to the target worker and waits for its response
// frame until ctx ends.
func (c *Client) Request(ctx context.Context, target identity.Target, frame []byte) ([]byte, error) {
	if target.Worker.ID == "" {
		return nil, errspkg.New(errspkg.KindInvalid, "transport.request", "", errspkg.ErrTargetRequired)
	}
	correlationID := ids.CorrelationID()
	ch, err := c.await(correlationID)
	if err != nil {
		return nil, errspkg.New(errspkg.KindNetwork, "transport.request", target.Worker.ID, err)
	}
	defer c.forget(correlationID)

	if err := c.publish(ctx, target, correlationID, c.replyTopic, frame); err != nil {
		return nil, err
	}

	select {
	case reply := <-ch:
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, errspkg.New(errspkg.KindNetwork, "transport.request", target.Worker.ID, errClientClosed)
	}
}

// Send publishes frame to the target worker without a reply topic.
func (c *Client) Send(ctx context.Context, target identity.Target, frame []byte) error {
	if target.Worker.ID == "" {
		return errspkg.New(errspkg.KindInvalid, "transport.send", "", errspkg.ErrTargetRequired)
	}
	select {
	case <-c.closed:
		return errspkg.New(errspkg.KindNetwork, "transport.send", target.Worker.ID, errClientClosed)
	default:
	}
	return c.publish(ctx, target, ids.CorrelationID(), "", frame)
}

func (c *Client) publish(ctx context.Context, target identity.Target, correlationID, replyTo string, frame []byte) error {
	msg := message.NewMessage(correlationID, frame)
	msg.SetContext(ctx)
	metadata.Apply(msg, metadata.Request(correlationID, c.conf.WorkerID, target.Worker.ID, replyTo, time.Now()))
	InjectTrace(ctx, msg)

	topic := WorkerTopic(target.Worker.ID)
	if err := c.conf.Publisher.Publish(topic, msg); err != nil {
		return errspkg.New(errspkg.KindNetwork, "transport.publish", topic, err)
	}
	return nil
}

// Pending returns the number of requests waiting for a response.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close fails pending requests and ends the reply subscription. It does
// not close the publisher or subscriber.
func (c *Client) Close() error {
	c.once.Do(func() {
		c.mu.Lock()
		close(c.closed)
		c.mu.Unlock()
		c.cancel()
	})
	return nil
}
