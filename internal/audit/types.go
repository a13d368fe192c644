package audit

import (
	"context"
	"encoding/json"
	"time"
)

type Kind string

const (
	KindWebhook  Kind = "webhook"
	KindDecision Kind = "decision"
)

// DefaultListLimit caps List when the query carries no limit.
const DefaultListLimit = 100

// Query selects entries for List. A zero Kind matches every kind.
type Query struct {
	Kind  Kind
	Limit int
}

// Entry is one append-only audit record. Payload holds the delivery body
// with the callback URL already redacted.
type Entry struct {
	ID            int64           `json:"id"`
	Timestamp     time.Time       `json:"timestamp"`
	Kind          Kind            `json:"kind"`
	EventType     string          `json:"event_type,omitempty"`
	DeliveryID    string          `json:"delivery_id,omitempty"`
	DeploymentKey string          `json:"deployment_key,omitempty"`
	Outcome       string          `json:"outcome"`
	Detail        string          `json:"detail,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

type Store interface {
	Log(ctx context.Context, entry Entry) error
	List(ctx context.Context, q Query) ([]Entry, error)
	Close() error
}

// NopStore discards entries. It is used when auditing is disabled.
type NopStore struct{}

func (NopStore) Log(context.Context, Entry) error { return nil }
func (NopStore) List(context.Context, Query) ([]Entry, error) { return nil, nil }
func (NopStore) Close() error { return nil }
