// Package poller periodically fetches recently played tracks and ingests them.
package poller

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	zlog "github.com/rs/zerolog/log"
	"github.com/sony/gobreaker/v2"

	"github.com/osa030/onrepeat/internal/app/ingest"
	"github.com/osa030/onrepeat/internal/domain/play"
	"github.com/osa030/onrepeat/internal/infra/metrics"
)

// Defaults applied when Config leaves values unset.
const (
	DefaultInterval = 30 * time.Minute
	DefaultPageSize = 50
)

// ErrAlreadyRunning is returned by Start while the poller is started.
var ErrAlreadyRunning = errors.New("poller already running")

// Source returns play events observed after the given time, oldest or newest
// first. A zero after means the most recent page.
type Source interface {
	RecentlyPlayed(ctx context.Context, after time.Time, limit int) ([]play.RawEvent, error)
}

// Ingester records batches of raw events.
type Ingester interface {
	IngestBatch(ctx context.Context, raws []play.RawEvent) ingest.BatchResult
}

// Config holds poller settings.
type Config struct {
	Interval  time.Duration
	PageSize  int
	Autostart bool
}

// RunReport describes one fetch-and-ingest run.
type RunReport struct {
	ID         string    `json:"id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Fetched    int       `json:"fetched"`
	Recorded   int       `json:"recorded"`
	Duplicates int       `json:"duplicates"`
	Crossings  int       `json:"crossings"`
	Failed     int       `json:"failed"`
	Error      string    `json:"error,omitempty"`
}

// Status is a snapshot of the poller state.
type Status struct {
	Running      bool       `json:"running"`
	Interval     string     `json:"interval,omitempty"`
	NextRun      *time.Time `json:"next_run,omitempty"`
	Cursor       *time.Time `json:"cursor,omitempty"`
	LastRun      *RunReport `json:"last_run,omitempty"`
	BreakerState string     `json:"breaker_state"`
}

// Poller runs the fetch-and-ingest loop.
type Poller struct {
	source  Source
	engine  Ingester
	cfg     Config
	breaker *gobreaker.CircuitBreaker[[]play.RawEvent]
	now     func() time.Time

	// run serializes fetch-and-ingest runs.
	run chan struct{}

	mu       sync.RWMutex
	base     context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	interval time.Duration
	nextRun  time.Time
	cursor   time.Time
	lastRun  *RunReport
}

// New creates a poller.
func New(source Source, engine Ingester, cfg Config) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}

	p := &Poller{
		source: source,
		engine: engine,
		cfg:    cfg,
		now:    time.Now,
		run:    make(chan struct{}, 1),
		base:   context.Background(),
	}
	p.breaker = gobreaker.NewCircuitBreaker[[]play.RawEvent](gobreaker.Settings{
		Name:        "recently-played",
		MaxRequests: 1,
		Timeout:     5 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			zlog.Warn().Msgf("circuit breaker %s: %s -> %s", name, from, to)
			metrics.SetCircuitBreakerState(name, int(to))
		},
	})
	return p
}

// Start begins periodic runs every interval, the first one immediately.
// A non-positive interval uses the configured one.
func (p *Poller) Start(interval time.Duration) error {
	if interval <= 0 {
		interval = p.cfg.Interval
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(p.base)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.interval = interval
	go p.loop(ctx, interval, p.done)

	metrics.SetPollerRunning(true)
	zlog.Info().Msgf("Poller started (interval %s)", interval)
	return nil
}

// Stop stops periodic runs and waits for the loop to exit. A fetch in
// progress is cancelled; a batch already fetched is ingested to completion.
// Reports whether the poller was running.
func (p *Poller) Stop() bool {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return false
	}
	cancel()
	<-done

	p.mu.Lock()
	p.nextRun = time.Time{}
	p.mu.Unlock()

	metrics.SetPollerRunning(false)
	zlog.Info().Msg("Poller stopped")
	return true
}

// RunNow performs one run outside the schedule. It waits for a run in
// progress to finish first.
func (p *Poller) RunNow(ctx context.Context) (RunReport, error) {
	return p.runOnce(ctx)
}

// ResetCursor makes the next run fetch the most recent page again.
func (p *Poller) ResetCursor() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cursor = time.Time{}
}

// Status returns a snapshot of the poller state.
func (p *Poller) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()

	s := Status{
		Running:      p.cancel != nil,
		BreakerState: p.breaker.State().String(),
	}
	if s.Running {
		s.Interval = p.interval.String()
	}
	if !p.nextRun.IsZero() {
		next := p.nextRun
		s.NextRun = &next
	}
	if !p.cursor.IsZero() {
		cursor := p.cursor
		s.Cursor = &cursor
	}
	if p.lastRun != nil {
		last := *p.lastRun
		s.LastRun = &last
	}
	return s
}

// Serve implements suture.Service. It starts the poller when configured to
// and stops it when ctx is done.
func (p *Poller) Serve(ctx context.Context) error {
	p.mu.Lock()
	p.base = ctx
	p.mu.Unlock()

	if p.cfg.Autostart {
		if err := p.Start(p.cfg.Interval); err != nil && !errors.Is(err, ErrAlreadyRunning) {
			return err
		}
	}

	<-ctx.Done()
	p.Stop()
	return nil
}

// String implements fmt.Stringer for suture.
func (p *Poller) String() string {
	return "poller"
}

func (p *Poller) loop(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		p.mu.Lock()
		p.nextRun = p.now().Add(interval)
		p.mu.Unlock()

		if _, err := p.runOnce(ctx); err != nil && ctx.Err() == nil {
			zlog.Warn().Err(err).Msg("Scheduled poll failed")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Poller) runOnce(ctx context.Context) (RunReport, error) {
	select {
	case p.run <- struct{}{}:
		defer func() { <-p.run }()
	case <-ctx.Done():
		return RunReport{}, ctx.Err()
	}

	p.mu.RLock()
	after := p.cursor
	p.mu.RUnlock()

	report := RunReport{ID: uuid.NewString(), StartedAt: p.now()}
	zlog.Debug().Msgf("Poll %s: fetching up to %d plays after %v", report.ID, p.cfg.PageSize, after)

	raws, err := p.breaker.Execute(func() ([]play.RawEvent, error) {
		return p.source.RecentlyPlayed(ctx, after, p.cfg.PageSize)
	})
	if err != nil {
		err = errors.Wrap(err, "failed to fetch recently played")
		p.finish(&report, err)
		return report, err
	}

	// Once fetched, a batch is ingested in full even if the poller is stopped.
	sort.SliceStable(raws, func(i, j int) bool { return raws[i].PlayedAt.Before(raws[j].PlayedAt) })
	batch := p.engine.IngestBatch(context.WithoutCancel(ctx), raws)

	report.Fetched = len(raws)
	report.Recorded = batch.Recorded
	report.Duplicates = batch.Duplicates
	report.Crossings = batch.Crossings
	report.Failed = len(batch.Errors)

	retry := false
	for _, e := range batch.Errors {
		if !errors.Is(e.Err, play.ErrInvalidEvent) {
			retry = true
			zlog.Warn().Err(e.Err).Msgf("Poll %s: event %d not recorded", report.ID, e.Index)
		}
	}
	if !retry {
		p.advanceCursor(raws)
	}

	var runErr error
	if retry {
		runErr = errors.Newf("%d events not recorded; they will be fetched again", report.Failed)
	}
	p.finish(&report, runErr)
	zlog.Info().Msgf("Poll %s: fetched=%d recorded=%d duplicates=%d crossings=%d failed=%d",
		report.ID, report.Fetched, report.Recorded, report.Duplicates, report.Crossings, report.Failed)
	return report, runErr
}

func (p *Poller) advanceCursor(raws []play.RawEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, raw := range raws {
		if raw.PlayedAt.After(p.cursor) {
			p.cursor = raw.PlayedAt
		}
	}
}

func (p *Poller) finish(report *RunReport, err error) {
	report.FinishedAt = p.now()
	if err != nil {
		report.Error = err.Error()
	}
	metrics.RecordPollRun(report.Fetched, err)

	p.mu.Lock()
	defer p.mu.Unlock()
	last := *report
	p.lastRun = &last
}
