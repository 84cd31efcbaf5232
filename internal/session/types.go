package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/state"
)

var (
	// ErrNotFound is returned when a thread has no pending disambiguation.
	ErrNotFound = errors.New("pending disambiguation not found")

	// ErrLockTimeout is returned when a thread lock could not be acquired in time.
	ErrLockTimeout = errors.New("thread lock timeout")

	// ErrInvalidPending is returned for entries that cannot be stored.
	ErrInvalidPending = errors.New("invalid pending disambiguation")
)

// DefaultTTL is how long an unanswered disambiguation stays valid.
const DefaultTTL = 600 * time.Second

// Pending is the disambiguation a thread is waiting on: the options shown, and what is needed
// to re-run the original question once the user picks one.
type Pending struct {
	ThreadID   string         `json:"thread_id"`
	Question   string         `json:"question"`
	Domain     string         `json:"domain"`
	EntityType string         `json:"entity_type,omitempty"`
	Mention    string         `json:"mention,omitempty"`
	Options    []state.Entity `json:"options"`
	CreatedAt  time.Time      `json:"created_at"`
	ExpiresAt  time.Time      `json:"expires_at"`
}

// IsExpired reports whether the entry outlived its TTL.
func (p *Pending) IsExpired() bool {
	return !p.ExpiresAt.IsZero() && time.Now().After(p.ExpiresAt)
}

func (p *Pending) clone() *Pending {
	c := *p
	c.Options = append([]state.Entity(nil), p.Options...)
	return &c
}

func (p *Pending) validate() error {
	switch {
	case p == nil:
		return ErrInvalidPending
	case p.Question == "":
		return fmt.Errorf("%w: question is empty", ErrInvalidPending)
	case len(p.Options) == 0:
		return fmt.Errorf("%w: no options", ErrInvalidPending)
	case len(p.Options) > state.MaxDisambiguationOptions:
		return fmt.Errorf("%w: too many options", ErrInvalidPending)
	}
	return nil
}
