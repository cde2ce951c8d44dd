// Package events publishes observable engine outcomes such as mint results and
// secret rewards. Publishing is best effort and never fails an engine operation.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Event types
const (
	TypeMilestoneMinted     = "milestone.minted"
	TypeMilestoneMintFailed = "milestone.mint_failed"
	TypeMilestoneMintSkip   = "milestone.mint_skipped"
	TypeSecretDiscovered    = "secret.discovered"
)

// Event is a single published outcome
type Event struct {
	ID       string    `json:"id"`
	Type     string    `json:"type"`
	Identity string    `json:"identity"`
	Level    int       `json:"level,omitempty"`
	SecretID string    `json:"secret_id,omitempty"`
	Reward   string    `json:"reward,omitempty"`
	Message  string    `json:"message,omitempty"`
	At       time.Time `json:"at"`
}

// New creates an event with a fresh ID and timestamp
func New(eventType, identity string) Event {
	return Event{
		ID:       uuid.New().String(),
		Type:     eventType,
		Identity: identity,
		At:       time.Now().UTC(),
	}
}

// Publisher delivers events
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Nop drops every event
type Nop struct{}

// Publish does nothing
func (Nop) Publish(context.Context, Event) error { return nil }

// Multi fans an event out to every publisher and joins their errors
type Multi []Publisher

// Publish delivers e to all publishers, even if some fail
func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
