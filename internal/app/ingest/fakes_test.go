package ingest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/osa030/onrepeat/internal/domain/play"
	"github.com/osa030/onrepeat/internal/infra/store"
)

// memState backs memEvents and memCounters.
type memState struct {
	mu       sync.Mutex
	events   map[string]play.Event
	counters map[string]play.Counter
	calls    int

	appendErr error
	upsertErr error
	resetErr  error // event log reset only
	blocked   bool // every call waits for ctx
}

func newMemState() *memState {
	return &memState{
		events:   make(map[string]play.Event),
		counters: make(map[string]play.Counter),
	}
}

func (m *memState) enter(ctx context.Context) error {
	m.mu.Lock()
	m.calls++
	blocked := m.blocked
	m.mu.Unlock()
	if blocked {
		<-ctx.Done()
		return store.Classify(ctx, ctx.Err(), "blocked")
	}
	return nil
}

func (m *memState) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type memEvents struct{ *memState }

func (m memEvents) Append(ctx context.Context, ev play.Event) error {
	if err := m.enter(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return m.appendErr
	}
	if _, ok := m.events[ev.Key()]; ok {
		return errors.Mark(errors.New(ev.Key()), store.ErrDuplicate)
	}
	m.events[ev.Key()] = ev
	return nil
}

func (m memEvents) Query(ctx context.Context, since time.Time) ([]play.Event, error) {
	all, err := m.All(ctx)
	if err != nil {
		return nil, err
	}
	var out []play.Event
	for _, ev := range all {
		if ev.PlayedAt.After(since) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m memEvents) All(ctx context.Context) ([]play.Event, error) {
	if err := m.enter(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]play.Event, 0, len(m.events))
	for _, ev := range m.events {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlayedAt.Before(out[j].PlayedAt) })
	return out, nil
}

func (m memEvents) Count(ctx context.Context) (int, error) {
	if err := m.enter(ctx); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events), nil
}

func (m memEvents) Reset(ctx context.Context) error {
	if err := m.enter(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.resetErr != nil {
		return m.resetErr
	}
	m.events = make(map[string]play.Event)
	return nil
}

type memCounters struct{ *memState }

func (m memCounters) Get(ctx context.Context, trackID string) (play.Counter, bool, error) {
	if err := m.enter(ctx); err != nil {
		return play.Counter{}, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.counters[trackID]
	return c, ok, nil
}

func (m memCounters) Upsert(ctx context.Context, trackID string, delta int, ts time.Time) (play.Counter, error) {
	if err := m.enter(ctx); err != nil {
		return play.Counter{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertErr != nil {
		return play.Counter{}, m.upsertErr
	}
	c := m.counters[trackID]
	c.TrackID = trackID
	c = store.Apply(c, delta, ts)
	m.counters[trackID] = c
	return c, nil
}

func (m memCounters) All(ctx context.Context) ([]play.Counter, error) {
	if err := m.enter(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]play.Counter, 0, len(m.counters))
	for _, c := range m.counters {
		out = append(out, c)
	}
	return out, nil
}

func (m memCounters) Reset(ctx context.Context) error {
	if err := m.enter(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters = make(map[string]play.Counter)
	return nil
}

type recordingPromoter struct {
	mu        sync.Mutex
	crossings []play.Crossing
	err       error
}

func (p *recordingPromoter) Promote(_ context.Context, c play.Crossing) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.crossings = append(p.crossings, c)
	return p.err
}

func (p *recordingPromoter) received() []play.Crossing {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]play.Crossing(nil), p.crossings...)
}
