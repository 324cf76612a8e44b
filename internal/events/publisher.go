package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/0019-KDU/online-lab-env/internal/config"
	"github.com/0019-KDU/online-lab-env/internal/session"
)

// Type names a lifecycle event
type Type string

const (
	TypeStarted    Type = "session.started"
	TypeRunning    Type = "session.running"
	TypeFailed     Type = "session.failed"
	TypeStopped    Type = "session.stopped"
	TypeTerminated Type = "session.terminated"
)

// Backends
const (
	BackendNone  = "none"
	BackendKafka = "kafka"
	BackendAMQP  = "amqp"
)

// Event is the JSON payload published for every session state change
type Event struct {
	Type         Type      `json:"type"`
	SessionID    string    `json:"sessionId"`
	UserID       string    `json:"userId"`
	WorkloadName string    `json:"workloadName"`
	Status       string    `json:"status"`
	AccessURL    string    `json:"accessUrl,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Publisher delivers lifecycle events to downstream consumers. Delivery is
// best effort; callers log failures and carry on.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// For builds the event describing s having just reached its current status
func For(s session.LabSession, now time.Time) Event {
	e := Event{
		SessionID:    s.ID,
		UserID:       s.UserID,
		WorkloadName: s.WorkloadName,
		Status:       string(s.Status),
		AccessURL:    s.AccessURL,
		Timestamp:    now,
	}
	switch s.Status {
	case session.StatusPending:
		e.Type = TypeStarted
	case session.StatusRunning:
		e.Type = TypeRunning
	case session.StatusFailed:
		e.Type = TypeFailed
		e.Reason = s.Message
	case session.StatusStopped:
		e.Type = TypeStopped
	case session.StatusTerminated:
		e.Type = TypeTerminated
		e.Reason = s.Message
	}
	return e
}

func encode(e Event) ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event: %w", err)
	}
	return body, nil
}

// NopPublisher discards events
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }

func (NopPublisher) Close() error { return nil }

// NewPublisher builds the publisher selected by cfg.Backend
func NewPublisher(cfg config.EventsConfig) (Publisher, error) {
	switch cfg.Backend {
	case "", BackendNone:
		return NopPublisher{}, nil
	case BackendKafka:
		return NewKafkaPublisher(cfg.Brokers, cfg.Topic), nil
	case BackendAMQP:
		p, err := NewAMQPPublisher(cfg.AMQPURL, cfg.Exchange)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown events backend %q", cfg.Backend)
	}
}
