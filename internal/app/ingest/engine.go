// Package ingest implements the play-count ingestion engine.
package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/onrepeat/internal/domain/play"
	"github.com/osa030/onrepeat/internal/infra/metrics"
	"github.com/osa030/onrepeat/internal/infra/store"
)

// DefaultThreshold is the play count at which a track is promoted.
const DefaultThreshold = 5

// Promoter receives threshold crossings after they are committed.
type Promoter interface {
	Promote(ctx context.Context, c play.Crossing) error
}

// Config holds engine settings.
type Config struct {
	Threshold int           // crossing threshold, DefaultThreshold when <= 0
	Timeout   time.Duration // bound on each store call sequence, none when <= 0
}

// Result is the outcome of ingesting one event.
type Result struct {
	Event     play.Event
	Counter   play.Counter
	Crossing  *play.Crossing // set only on the increment that reached the threshold
	Duplicate bool           // event was already recorded; nothing changed
}

// EventError is a per-event failure inside a batch.
type EventError struct {
	Index int
	Err   error
}

// BatchResult is the outcome of IngestBatch.
type BatchResult struct {
	Results    []Result
	Errors     []EventError
	Recorded   int
	Duplicates int
	Crossings  int
}

// Engine ingests play events, maintains counters and detects threshold crossings.
type Engine struct {
	events   store.EventLog
	counters store.CounterStore
	recorder store.Recorder // nil when the stores cannot commit atomically

	cfg      Config
	promoter Promoter
	now      func() time.Time

	locks *keyedMutex
	admin sync.RWMutex // held exclusively by Reset and Rebuild
}

// Option configures an Engine.
type Option func(*Engine)

// WithPromoter sets the receiver of threshold crossings.
func WithPromoter(p Promoter) Option {
	return func(e *Engine) {
		e.promoter = p
	}
}

// WithClock overrides the ingestion clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// New creates an engine over separate stores. The event is appended first and
// the counter updated only after a successful append.
func New(events store.EventLog, counters store.CounterStore, cfg Config, opts ...Option) *Engine {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	e := &Engine{
		events:   events,
		counters: counters,
		cfg:      cfg,
		now:      time.Now,
		locks:    newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewFromBackend creates an engine over b, committing append and count in
// one transaction when b supports it.
func NewFromBackend(b store.Backend, cfg Config, opts ...Option) *Engine {
	e := New(b.Events(), b.Counters(), cfg, opts...)
	if rec, ok := b.(store.Recorder); ok {
		e.recorder = rec
	}
	return e
}

// Threshold returns the crossing threshold in effect.
func (e *Engine) Threshold() int {
	return e.cfg.Threshold
}

// Ingest records one raw event.
func (e *Engine) Ingest(ctx context.Context, raw play.RawEvent) (Result, error) {
	start := time.Now()

	ev, err := play.Normalize(raw)
	if err != nil {
		metrics.RecordIngest(metrics.ResultInvalid, time.Since(start))
		return Result{}, err
	}

	res, err := e.ingest(ctx, ev)
	switch {
	case err != nil:
		metrics.RecordIngest(metrics.ResultError, time.Since(start))
		return Result{}, err
	case res.Duplicate:
		metrics.RecordIngest(metrics.ResultDuplicate, time.Since(start))
		zlog.Debug().Msgf("Duplicate play ignored: %s", ev.Key())
		return res, nil
	}
	metrics.RecordIngest(metrics.ResultRecorded, time.Since(start))

	if res.Crossing != nil {
		metrics.RecordCrossing()
		zlog.Info().Msgf("Track reached %d plays: %s - %s (%s)", res.Crossing.Count, res.Crossing.TrackName, res.Crossing.Artist, res.Crossing.TrackID)
		if e.promoter != nil {
			if err := e.promoter.Promote(ctx, *res.Crossing); err != nil {
				zlog.Warn().Err(err).Msgf("Promotion of %s failed", res.Crossing.TrackID)
			}
		}
	}
	return res, nil
}

func (e *Engine) ingest(ctx context.Context, ev play.Event) (Result, error) {
	e.admin.RLock()
	defer e.admin.RUnlock()

	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	unlock, err := e.locks.Lock(ctx, ev.TrackID)
	if err != nil {
		return Result{}, store.Classify(ctx, err, "wait for track lock")
	}
	defer unlock()

	if ev.PlayedAt.IsZero() {
		ts, err := e.ingestionTime(ctx, ev.TrackID)
		if err != nil {
			return Result{}, err
		}
		ev.PlayedAt = ts
	}

	counter, err := e.record(ctx, ev)
	if errors.Is(err, store.ErrDuplicate) {
		return Result{Event: ev, Duplicate: true}, nil
	}
	if err != nil {
		return Result{}, err
	}

	res := Result{Event: ev, Counter: counter}
	if counter.Count == e.cfg.Threshold {
		res.Crossing = &play.Crossing{
			TrackID:   ev.TrackID,
			TrackName: ev.TrackName,
			Artist:    ev.Artist,
			URI:       ev.URI,
			Count:     counter.Count,
		}
	}
	return res, nil
}

// ingestionTime returns the clock time for an event the source did not
// timestamp, kept strictly after the track's last play so that
// (track_id, played_at) stays unique. Caller holds the track lock.
func (e *Engine) ingestionTime(ctx context.Context, trackID string) (time.Time, error) {
	ts := play.TruncateMillis(e.now())
	c, found, err := e.counters.Get(ctx, trackID)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "failed to read counter of %s", trackID)
	}
	if found && !ts.After(c.LastPlayed) {
		ts = c.LastPlayed.Add(time.Millisecond)
	}
	return ts, nil
}

func (e *Engine) record(ctx context.Context, ev play.Event) (play.Counter, error) {
	if e.recorder != nil {
		return e.recorder.Record(ctx, ev)
	}

	if err := e.events.Append(ctx, ev); err != nil {
		return play.Counter{}, err
	}
	c, err := e.counters.Upsert(ctx, ev.TrackID, 1, ev.PlayedAt)
	if err != nil {
		zlog.Error().Err(err).Msgf("Event %s was logged but its counter was not updated; run rebuild to repair", ev.Key())
		return play.Counter{}, errors.Wrap(err, "counter update after append")
	}
	return c, nil
}

// IngestBatch ingests raws in order. Per-event failures are collected and do
// not stop the batch.
func (e *Engine) IngestBatch(ctx context.Context, raws []play.RawEvent) BatchResult {
	out := BatchResult{Results: make([]Result, 0, len(raws))}
	for i, raw := range raws {
		res, err := e.Ingest(ctx, raw)
		if err != nil {
			out.Errors = append(out.Errors, EventError{Index: i, Err: err})
			continue
		}
		out.Results = append(out.Results, res)
		if res.Duplicate {
			out.Duplicates++
			continue
		}
		out.Recorded++
		if res.Crossing != nil {
			out.Crossings++
		}
	}
	return out
}

// Reset clears the event log and then all counters. Irreversible. It stops
// at the first failure; if the log was cleared but the counters were not,
// Rebuild brings them back in line.
func (e *Engine) Reset(ctx context.Context) error {
	e.admin.Lock()
	defer e.admin.Unlock()

	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	zlog.Warn().Msg("Resetting play history and counters")
	if err := e.events.Reset(ctx); err != nil {
		return errors.Wrap(err, "failed to clear event log")
	}
	if err := e.counters.Reset(ctx); err != nil {
		return errors.Wrap(err, "event log cleared but counters were not; run rebuild")
	}
	return nil
}

// Rebuild recomputes every counter from the event log and returns the number
// of tracks written. Counters are written one by one, so a failure leaves
// the counter store partially rebuilt; running Rebuild again recovers it.
func (e *Engine) Rebuild(ctx context.Context) (int, error) {
	e.admin.Lock()
	defer e.admin.Unlock()

	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	events, err := e.events.All(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "failed to read event log")
	}

	totals := make(map[string]play.Counter)
	for _, ev := range events {
		totals[ev.TrackID] = store.Apply(totals[ev.TrackID], 1, ev.PlayedAt)
	}

	if err := e.counters.Reset(ctx); err != nil {
		return 0, errors.Wrap(err, "failed to clear counters")
	}
	written := 0
	for id, c := range totals {
		if _, err := e.counters.Upsert(ctx, id, c.Count, c.LastPlayed); err != nil {
			zlog.Warn().Err(err).Msgf("Rebuild stopped after %d of %d counters; run it again to recover", written, len(totals))
			return written, errors.Wrapf(err, "failed to rebuild counter of %s (%d of %d written)", id, written, len(totals))
		}
		written++
	}

	zlog.Info().Msgf("Rebuilt %d counters from %d events", len(totals), len(events))
	return len(totals), nil
}

func (e *Engine) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.Timeout > 0 {
		return context.WithTimeout(ctx, e.cfg.Timeout)
	}
	return ctx, func() {}
}
