// Package transporttest provides fakes for transport builder tests.
package transporttest

import (
	"context"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill/message"
)

// Config is a static transport.Config.
type Config struct {
	PubSubSystem      string
	KafkaBrokers      []string
	KafkaGroup        string
	RabbitMQURL       string
	NATSURL           string
	HTTPServerAddress string
	HTTPPublisherURL  string
}

func (c *Config) GetPubSubSystem() string       { return c.PubSubSystem }
func (c *Config) GetKafkaBrokers() []string     { return c.KafkaBrokers }
func (c *Config) GetKafkaConsumerGroup() string { return c.KafkaGroup }
func (c *Config) GetRabbitMQURL() string        { return c.RabbitMQURL }
func (c *Config) GetNATSURL() string            { return c.NATSURL }
func (c *Config) GetHTTPServerAddress() string  { return c.HTTPServerAddress }
func (c *Config) GetHTTPPublisherURL() string   { return c.HTTPPublisherURL }

// Publisher discards messages and counts Close calls.
type Publisher struct {
	Closed atomic.Int32
}

func (p *Publisher) Publish(topic string, messages ...*message.Message) error { return nil }
func (p *Publisher) Close() error                                             { p.Closed.Add(1); return nil }

// Subscriber returns channels that never deliver and counts Close calls.
type Subscriber struct {
	Closed atomic.Int32
}

func (s *Subscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return make(chan *message.Message), nil
}

func (s *Subscriber) Close() error { s.Closed.Add(1); return nil }

// PubSub is a Publisher and Subscriber in one value.
type PubSub struct {
	Publisher
	Subscriber
}

func (p *PubSub) Close() error {
	p.Subscriber.Closed.Add(1)
	return nil
}
