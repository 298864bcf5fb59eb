// Package store defines the persistence contracts for play events and counters.
package store

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/osa030/onrepeat/internal/domain/play"
)

// Error kinds. Backends mark their errors with one of these so callers can
// branch with errors.Is.
var (
	ErrUnavailable = errors.New("store unavailable")
	ErrCorrupt     = errors.New("store value corrupt")
	ErrDuplicate   = errors.New("play event already recorded")
	ErrTimeout     = errors.New("store operation timed out")
)

// EventLog is the append-only history of play events.
type EventLog interface {
	// Append records ev. Returns ErrDuplicate when (TrackID, PlayedAt) is already present.
	Append(ctx context.Context, ev play.Event) error
	// Query returns events with PlayedAt strictly after since, oldest first.
	Query(ctx context.Context, since time.Time) ([]play.Event, error)
	All(ctx context.Context) ([]play.Event, error)
	Count(ctx context.Context) (int, error)
	Reset(ctx context.Context) error
}

// CounterStore holds the cumulative counter of each track.
type CounterStore interface {
	Get(ctx context.Context, trackID string) (play.Counter, bool, error)
	// Upsert adds delta to the counter of trackID, creating it when absent.
	// LastPlayed becomes the later of the stored value and ts.
	Upsert(ctx context.Context, trackID string, delta int, ts time.Time) (play.Counter, error)
	All(ctx context.Context) ([]play.Counter, error)
	Reset(ctx context.Context) error
}

// Recorder appends an event and increments its counter in one transaction.
// Backends that can offer this atomicity implement it.
type Recorder interface {
	Record(ctx context.Context, ev play.Event) (play.Counter, error)
}

// Backend bundles the two stores of one storage driver.
type Backend interface {
	Events() EventLog
	Counters() CounterStore
	Close() error
}

// Apply returns c after adding delta and observing ts.
func Apply(c play.Counter, delta int, ts time.Time) play.Counter {
	c.Count += delta
	if ts.After(c.LastPlayed) {
		c.LastPlayed = ts
	}
	return c
}

// Classify marks err with ErrTimeout when the context deadline was hit,
// and with ErrUnavailable otherwise. Errors already carrying a kind, and
// cancellations, are wrapped unchanged.
func Classify(ctx context.Context, err error, op string) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrDuplicate), errors.Is(err, ErrCorrupt),
		errors.Is(err, ErrTimeout), errors.Is(err, ErrUnavailable):
		return errors.Wrap(err, op)
	case errors.Is(err, context.Canceled):
		return errors.Wrap(err, op)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		return errors.Mark(errors.Wrap(err, op), ErrTimeout)
	default:
		return errors.Mark(errors.Wrap(err, op), ErrUnavailable)
	}
}
