package transport

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/wuayee/fitbroker/internal/runtime/errors"
	"github.com/wuayee/fitbroker/internal/runtime/identity"
	"github.com/wuayee/fitbroker/transport/transporttest"
)

func TestRegistryBuild(t *testing.T) {
	r := NewRegistry()
	pub, sub := &transporttest.Publisher{}, &transporttest.Subscriber{}
	r.Register(func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
		require.NotNil(t, logger)
		return Transport{Publisher: pub, Subscriber: sub}, nil
	}, ChannelCapabilities)

	t.Run("name is case insensitive", func(t *testing.T) {
		tr, err := r.Build(context.Background(), &transporttest.Config{PubSubSystem: " Channel "}, nil)
		require.NoError(t, err)
		assert.Same(t, pub, tr.Publisher)
		assert.Same(t, sub, tr.Subscriber)
	})

	t.Run("unknown transport", func(t *testing.T) {
		_, err := r.Build(context.Background(), &transporttest.Config{PubSubSystem: "carrier-pigeon"}, nil)
		require.Error(t, err)
		assert.Equal(t, errspkg.KindInvalid, errspkg.KindOf(err))
		assert.Contains(t, err.Error(), "channel")
	})

	t.Run("nil config", func(t *testing.T) {
		_, err := r.Build(context.Background(), nil, nil)
		assert.ErrorIs(t, err, errspkg.ErrConfigRequired)
	})

	t.Run("builder error", func(t *testing.T) {
		boom := errors.New("boom")
		r.Register(func(context.Context, Config, watermill.LoggerAdapter) (Transport, error) {
			return Transport{}, boom
		}, KafkaCapabilities)
		_, err := r.Build(context.Background(), &transporttest.Config{PubSubSystem: "kafka"}, nil)
		assert.ErrorIs(t, err, boom)
	})
}

func TestRegistryNamesAndCapabilities(t *testing.T) {
	r := NewRegistry()
	noop := func(context.Context, Config, watermill.LoggerAdapter) (Transport, error) { return Transport{}, nil }
	r.Register(noop, NATSCapabilities)
	r.Register(noop, HTTPCapabilities)
	r.Register(noop, KafkaCapabilities)

	assert.Equal(t, []string{"http", "kafka", "nats"}, r.Names())
	assert.True(t, r.Has("NATS"))
	assert.False(t, r.Has("rabbitmq"))

	assert.Equal(t, identity.ProtocolKafka, r.GetCapabilities("kafka").Protocol)
	assert.Equal(t, Capabilities{Name: "sqs"}, r.GetCapabilities("sqs"))
}

func TestCapabilities(t *testing.T) {
	assert.True(t, ChannelCapabilities.SupportsReliableDelivery())
	assert.True(t, ChannelCapabilities.InProcess)
	assert.False(t, NATSCapabilities.SupportsReliableDelivery())

	assert.True(t, KafkaCapabilities.Fits(1<<20))
	assert.False(t, KafkaCapabilities.Fits(1<<20+1))
	assert.True(t, RabbitMQCapabilities.Fits(64<<20))
}

func TestTransportClose(t *testing.T) {
	t.Run("separate halves", func(t *testing.T) {
		pub, sub := &transporttest.Publisher{}, &transporttest.Subscriber{}
		require.NoError(t, Transport{Publisher: pub, Subscriber: sub}.Close())
		assert.EqualValues(t, 1, pub.Closed.Load())
		assert.EqualValues(t, 1, sub.Closed.Load())
	})

	t.Run("shared pubsub closes once", func(t *testing.T) {
		ps := &transporttest.PubSub{}
		require.NoError(t, Transport{Publisher: ps, Subscriber: ps}.Close())
		assert.EqualValues(t, 1, ps.Subscriber.Closed.Load())
	})

	t.Run("empty", func(t *testing.T) {
		assert.NoError(t, Transport{}.Close())
	})
}
