package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub/v2"
	"github.com/rs/zerolog"
)

// Feed publishes alert transitions to a Pub/Sub topic so outbound channels
// (SMS gateways, dashboards) can subscribe without touching the store. The
// feed is best-effort: a failed publish is logged and dropped, never
// retried, and never blocks the tick loop's alert handling.
type Feed struct {
	client    *pubsub.Client
	publisher *pubsub.Publisher
	topicName string
	logger    zerolog.Logger
}

// FeedConfig holds configuration for the alert feed.
type FeedConfig struct {
	ProjectID string
	TopicName string
	Logger    zerolog.Logger
}

// Event is the wire shape of one published transition.
type Event struct {
	Transition      Transition `json:"transition"`
	AlertID         string     `json:"alert_id"`
	StationID       string     `json:"station_id"`
	Kind            Kind       `json:"kind"`
	Severity        Severity   `json:"severity"`
	OpenedAt        time.Time  `json:"opened_at"`
	ClosedAt        *time.Time `json:"closed_at,omitempty"`
	LastEvaluatedAt time.Time  `json:"last_evaluated_at"`
	CauseSummary    string     `json:"cause_summary,omitempty"`
}

// NewFeed creates a feed publishing to the configured topic.
func NewFeed(ctx context.Context, cfg FeedConfig) (*Feed, error) {
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("creating pubsub client: %w", err)
	}

	return &Feed{
		client:    client,
		publisher: client.Publisher(cfg.TopicName),
		topicName: cfg.TopicName,
		logger:    cfg.Logger.With().Str("component", "alert_feed").Logger(),
	}, nil
}

// PublishTransition sends one transition event. Implements Publisher.
func (f *Feed) PublishTransition(ctx context.Context, a Alert, transition Transition) {
	event := Event{
		Transition:      transition,
		AlertID:         a.ID,
		StationID:       a.StationID,
		Kind:            a.Kind,
		Severity:        a.Severity,
		OpenedAt:        a.OpenedAt,
		ClosedAt:        a.ClosedAt,
		LastEvaluatedAt: a.LastEvaluatedAt,
		CauseSummary:    a.CauseSummary,
	}

	data, err := json.Marshal(event)
	if err != nil {
		f.logger.Error().Err(err).Msg("marshalling alert event")
		return
	}

	result := f.publisher.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"station_id": a.StationID,
			"kind":       string(a.Kind),
			"severity":   string(a.Severity),
			"transition": string(transition),
		},
	})

	if _, err := result.Get(ctx); err != nil {
		f.logger.Error().
			Err(err).
			Str("topic", f.topicName).
			Str("alert_id", a.ID).
			Msg("publishing alert event")
	}
}

// Close stops the publisher and releases the client.
func (f *Feed) Close() error {
	f.publisher.Stop()
	return f.client.Close()
}
