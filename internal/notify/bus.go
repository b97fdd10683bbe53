package notify

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/redis/go-redis/v9"

	"postpilot/internal/logging"
)

// Control message kinds carried on the run control channel.
const (
	KindCancel = "cancel"
	KindWake   = "wake"
)

type controlMessage struct {
	Kind      string `json:"kind"`
	ProjectID string `json:"project_id"`
}

// Bus carries run control messages from the API process to the worker that
// owns the active run: cancel requests and review-decision wakeups.
type Bus struct {
	client  *redis.Client
	channel string
	log     *logging.Logger
}

func NewBus(client *redis.Client, log *logging.Logger) *Bus {
	return &Bus{client: client, channel: "runs:control", log: log}
}

// RequestCancel asks whichever worker runs the project's pipeline to stop it.
func (b *Bus) RequestCancel(ctx context.Context, projectID string) error {
	return b.publish(ctx, controlMessage{Kind: KindCancel, ProjectID: projectID})
}

// NotifyReview wakes a run blocked in a review-wait without waiting for its
// next poll tick.
func (b *Bus) NotifyReview(ctx context.Context, projectID string) error {
	return b.publish(ctx, controlMessage{Kind: KindWake, ProjectID: projectID})
}

// Signal is the fire-and-forget form of NotifyReview, shaped for the review
// service's wake hook.
func (b *Bus) Signal(projectID string) {
	if err := b.NotifyReview(context.Background(), projectID); err != nil {
		b.log.Debug("review wake dropped", "project_id", projectID, "err", err)
	}
}

func (b *Bus) publish(ctx context.Context, msg controlMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, payload).Err()
}

// Listen consumes control messages until the context ends. Malformed messages
// are dropped.
func (b *Bus) Listen(ctx context.Context, onCancel, onWake func(projectID string)) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-ch:
			if !ok {
				return errors.New("control channel closed")
			}
			var msg controlMessage
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil || msg.ProjectID == "" {
				b.log.Warn("dropping malformed control message", "payload", m.Payload)
				continue
			}
			switch msg.Kind {
			case KindCancel:
				onCancel(msg.ProjectID)
			case KindWake:
				onWake(msg.ProjectID)
			}
		}
	}
}
