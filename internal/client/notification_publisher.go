package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-report-reviews/internal/repository"
)

// Publisher is the subset of *nats.Conn the notification publisher needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NotificationPublisher publishes review notification intents to NATS for
// consumption by the notifications service.
//
// Subject convention: <prefix>.<event>, e.g. notifications.reports.review_requested
type NotificationPublisher struct {
	conn   Publisher
	prefix string
	log    zerolog.Logger
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	ID           string         `json:"id"`
	EventType    string         `json:"event_type"`
	Recipients   []string       `json:"recipients"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	StepID       string         `json:"step_id,omitempty"`
	IsActionable bool           `json:"is_actionable,omitempty"`
	Severity     string         `json:"severity"`
	Category     string         `json:"category"`
	Message      string         `json:"message"`
	CreatedAt    time.Time      `json:"created_at"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// actionable events ask the recipient to do something.
var actionable = map[string]bool{
	"review_requested":      true,
	"information_requested": true,
	"review_delegated":      true,
	"review_escalated":      true,
	"review_returned":       true,
	"changes_requested":     true,
}

// Connect dials NATS with reconnects enabled.
func Connect(url, name string) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
}

// NewNotificationPublisher creates a publisher. A nil conn disables publishing.
func NewNotificationPublisher(conn Publisher, prefix string, log zerolog.Logger) *NotificationPublisher {
	if prefix == "" {
		prefix = "notifications.reports"
	}
	return &NotificationPublisher{conn: conn, prefix: prefix, log: log}
}

// Emit publishes one notification.
func (p *NotificationPublisher) Emit(_ context.Context, n *repository.ReportNotification) error {
	if p.conn == nil {
		return nil
	}

	event := &NotificationEvent{
		ID:           n.ID,
		EventType:    n.Event,
		Recipients:   []string{n.RecipientID},
		ResourceType: "report",
		ResourceID:   n.ReportID,
		IsActionable: actionable[n.Event],
		Severity:     "info",
		Category:     "report_review",
		Message:      n.Message,
		CreatedAt:    n.CreatedAt,
	}
	if n.StepID != nil {
		event.StepID = *n.StepID
	}
	if n.Event == "report_rejected" {
		event.Severity = "warning"
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	subject := p.prefix + "." + n.Event
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}

	p.log.Debug().
		Str("subject", subject).
		Str("report_id", n.ReportID).
		Str("recipient_id", n.RecipientID).
		Msg("notification: event published")
	return nil
}
