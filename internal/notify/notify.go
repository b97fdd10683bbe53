package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"postpilot/internal/logging"
)

// Progress is one push to the UI: where a project's run currently stands.
type Progress struct {
	ProjectID string    `json:"project_id"`
	Stage     string    `json:"stage"`
	Progress  int       `json:"progress"`
	Message   string    `json:"message,omitempty"`
	At        time.Time `json:"at"`
}

// Sink receives progress pushes. It is optional; a nil *RedisSink is safe and
// its absence never blocks the pipeline.
type Sink interface {
	PublishProgress(ctx context.Context, p Progress)
}

// RedisSink fans progress out over a pub/sub channel consumed by the UI edge.
type RedisSink struct {
	client  *redis.Client
	channel string
	log     *logging.Logger
}

func NewRedisSink(client *redis.Client, log *logging.Logger) *RedisSink {
	return &RedisSink{client: client, channel: "events:progress", log: log}
}

// PublishProgress is fire-and-forget: failures are logged, never returned.
func (s *RedisSink) PublishProgress(ctx context.Context, p Progress) {
	if s == nil {
		return
	}
	if p.At.IsZero() {
		p.At = time.Now().UTC()
	}
	b, err := json.Marshal(p)
	if err != nil {
		return
	}
	if err := s.client.Publish(ctx, s.channel, b).Err(); err != nil {
		s.log.Debug("progress publish dropped", "project_id", p.ProjectID, "err", err)
	}
}
