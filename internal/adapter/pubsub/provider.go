package pubsub

import (
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
)

// transport bundles the watermill endpoints behind the Bus.
type transport struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	closers    []func() error
}

func (t *transport) Close() error {
	var firstErr error
	for _, closeFn := range t.closers {
		if err := closeFn(); firstErr == nil && err != nil {
			firstErr = err
		}
	}
	return firstErr
}

// newTransport builds the fan-out transport: AMQP when a broker URL is
// configured, otherwise an in-process pub/sub that keeps a single instance
// fully functional for development and tests.
func newTransport(busURL string, logger *slog.Logger) (*transport, error) {
	wmLogger := watermill.NewSlogLogger(logger)

	if busURL == "" {
		channel := gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 256,
		}, wmLogger)
		return &transport{
			publisher:  channel,
			subscriber: channel,
			closers:    []func() error{channel.Close},
		}, nil
	}

	// Each instance gets its own non-durable queue per topic so every
	// instance sees every session envelope.
	instanceID := uuid.NewString()
	amqpConfig := amqp.NewNonDurablePubSubConfig(busURL,
		amqp.GenerateQueueNameTopicNameWithSuffix("."+instanceID))

	publisher, err := amqp.NewPublisher(amqpConfig, wmLogger)
	if err != nil {
		return nil, err
	}
	subscriber, err := amqp.NewSubscriber(amqpConfig, wmLogger)
	if err != nil {
		_ = publisher.Close()
		return nil, err
	}
	return &transport{
		publisher:  publisher,
		subscriber: subscriber,
		closers:    []func() error{subscriber.Close, publisher.Close},
	}, nil
}
