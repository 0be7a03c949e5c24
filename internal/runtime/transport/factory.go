package transport

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/wuayee/fitbroker/internal/runtime/config"
	errspkg "github.com/wuayee/fitbroker/internal/runtime/errors"
	publictransport "github.com/wuayee/fitbroker/transport"

	// Register the built-in transports.
	_ "github.com/wuayee/fitbroker/transport/transports"
)

// Factory abstracts how the broker initialises its message transport.
type Factory interface {
	Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (publictransport.Transport, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (publictransport.Transport, error)

func (f FactoryFunc) Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (publictransport.Transport, error) {
	return f(ctx, conf, logger)
}

// DefaultFactory builds the transport named by conf.PubSubSystem from the
// transport registry.
func DefaultFactory() Factory {
	return FactoryFunc(func(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (publictransport.Transport, error) {
		if conf == nil {
			return publictransport.Transport{}, errspkg.New(errspkg.KindInvalid, "transport.build", "", errspkg.ErrConfigRequired)
		}
		return publictransport.Build(ctx, conf, logger)
	})
}

// SharedFactory hands every broker the same publisher and subscriber, which
// lets several workers in one process reach each other over a channel
// pub/sub. Closing a built transport leaves the shared pair open; the owner
// closes it.
func SharedFactory(pub message.Publisher, sub message.Subscriber) Factory {
	return FactoryFunc(func(context.Context, *config.Config, watermill.LoggerAdapter) (publictransport.Transport, error) {
		return publictransport.Transport{
			Publisher:  sharedPublisher{pub},
			Subscriber: sharedSubscriber{sub},
		}, nil
	})
}

type sharedPublisher struct{ message.Publisher }

func (sharedPublisher) Close() error { return nil }

type sharedSubscriber struct{ message.Subscriber }

func (sharedSubscriber) Close() error { return nil }
