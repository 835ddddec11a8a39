// Package pubsub is the session fan-out bus. Envelopes published for a
// session reach every subscriber of that session's topic, including the
// publishing instance itself.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/careline/session-relay/internal/domain/model"
)

// Bus is the high-level contract for session fan-out. Handlers stay
// agnostic of the transport implementation behind it.
type Bus interface {
	Publish(ctx context.Context, sessionID string, env *model.Envelope) error
	Subscribe(ctx context.Context, sessionID string) (<-chan *model.Envelope, error)
}

type bus struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	logger     *slog.Logger
}

func NewBus(pub message.Publisher, sub message.Subscriber, logger *slog.Logger) Bus {
	return &bus{publisher: pub, subscriber: sub, logger: logger}
}

func (b *bus) Publish(ctx context.Context, sessionID string, env *model.Envelope) error {
	if env == nil {
		return fmt.Errorf("bus: cannot publish nil envelope")
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("bus: marshal failure: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)

	topic := model.GroupTopic(sessionID)
	if err := b.publisher.Publish(topic, msg); err != nil {
		return fmt.Errorf("bus: publish to topic %s: %w", topic, err)
	}
	return nil
}

// Subscribe opens the session topic and decodes envelopes until ctx is
// cancelled. Malformed payloads are acked and dropped; delivery here is
// best-effort, so every message is acked regardless.
func (b *bus) Subscribe(ctx context.Context, sessionID string) (<-chan *model.Envelope, error) {
	topic := model.GroupTopic(sessionID)

	messages, err := b.subscriber.Subscribe(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("bus: subscribe to topic %s: %w", topic, err)
	}

	out := make(chan *model.Envelope)
	go func() {
		defer close(out)
		for msg := range messages {
			var env model.Envelope
			if err := json.Unmarshal(msg.Payload, &env); err != nil {
				b.logger.Warn("dropping malformed bus payload",
					slog.String("topic", topic),
					slog.Any("error", err))
				msg.Ack()
				continue
			}
			msg.Ack()

			select {
			case out <- &env:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
