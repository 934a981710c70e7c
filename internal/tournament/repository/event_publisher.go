package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"codearena/internal/common/mq"
	"codearena/internal/tournament/model"
	appErr "codearena/pkg/errors"
)

// RoundEventPublisher publishes round state transitions.
type RoundEventPublisher interface {
	PublishRoundEvent(ctx context.Context, event model.RoundEvent) error
}

// MQRoundEventPublisher publishes round events to a message queue.
type MQRoundEventPublisher struct {
	producer mq.Producer
	topic    string
}

// NewMQRoundEventPublisher creates a new MQ round event publisher.
func NewMQRoundEventPublisher(producer mq.Producer, topic string) *MQRoundEventPublisher {
	return &MQRoundEventPublisher{producer: producer, topic: topic}
}

// PublishRoundEvent publishes one transition keyed by tournament id so that
// events of a run stay ordered on one partition.
func (p *MQRoundEventPublisher) PublishRoundEvent(ctx context.Context, event model.RoundEvent) error {
	if p == nil || p.producer == nil {
		return appErr.New(appErr.ServiceUnavailable).WithMessage("event publisher is not configured")
	}
	if p.topic == "" {
		return appErr.New(appErr.InvalidParams).WithMessage("event topic is required")
	}
	if event.TournamentID == "" {
		return appErr.ValidationError("tournament_id", "required")
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal round event failed: %w", err)
	}
	message := mq.NewMessage(payload)
	message.ID = event.TournamentID
	message.SetHeader("x-round", strconv.Itoa(event.Round))
	message.SetHeader("x-round-status", string(event.To))
	if err := p.producer.Publish(ctx, p.topic, message); err != nil {
		return appErr.Wrapf(err, appErr.PublishEventFailed, "publish round event failed")
	}
	return nil
}
