package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osa030/onrepeat/internal/domain/play"
	"github.com/osa030/onrepeat/internal/infra/store"
	"github.com/osa030/onrepeat/internal/infra/store/badger"
)

func raw(id string, ms int64) play.RawEvent {
	ev := play.RawEvent{Track: play.RawTrack{
		ID:      id,
		Name:    "Song " + id,
		Artists: []play.RawArtist{{Name: "A"}, {Name: "B"}},
	}}
	if ms > 0 {
		ev.PlayedAt = time.UnixMilli(ms)
	}
	return ev
}

func newMemEngine(cfg Config, opts ...Option) (*Engine, *memState) {
	state := newMemState()
	return New(memEvents{state}, memCounters{state}, cfg, opts...), state
}

func TestIngest_CrossingFiresOnce(t *testing.T) {
	promoter := &recordingPromoter{}
	engine, _ := newMemEngine(Config{Threshold: 5}, WithPromoter(promoter))
	ctx := context.Background()

	for i := 1; i <= 7; i++ {
		res, err := engine.Ingest(ctx, raw("t1", int64(i*1000)))
		require.NoError(t, err)
		assert.Equal(t, i, res.Counter.Count)
		if i == 5 {
			require.NotNil(t, res.Crossing, "crossing expected at play %d", i)
			assert.Equal(t, play.Crossing{
				TrackID:   "t1",
				TrackName: "Song t1",
				Artist:    "A, B",
				URI:       "spotify:track:t1",
				Count:     5,
			}, *res.Crossing)
		} else {
			assert.Nil(t, res.Crossing, "no crossing expected at play %d", i)
		}
	}

	require.Len(t, promoter.received(), 1)
	assert.Equal(t, "t1", promoter.received()[0].TrackID)
}

func TestIngest_PromoterErrorDoesNotFailIngest(t *testing.T) {
	promoter := &recordingPromoter{err: errors.New("sink down")}
	engine, _ := newMemEngine(Config{Threshold: 1}, WithPromoter(promoter))

	res, err := engine.Ingest(context.Background(), raw("t1", 1000))
	require.NoError(t, err)
	assert.NotNil(t, res.Crossing)
	assert.Len(t, promoter.received(), 1)
}

func TestIngest_InvalidEventTouchesNoStore(t *testing.T) {
	engine, state := newMemEngine(Config{})

	_, err := engine.Ingest(context.Background(), play.RawEvent{Track: play.RawTrack{Name: "no id"}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, play.ErrInvalidEvent))
	assert.Zero(t, state.callCount())
}

func TestIngest_DuplicateRedelivery(t *testing.T) {
	engine, state := newMemEngine(Config{Threshold: 2})
	ctx := context.Background()

	first, err := engine.Ingest(ctx, raw("t1", 1000))
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	again, err := engine.Ingest(ctx, raw("t1", 1000))
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Nil(t, again.Crossing)

	c, _, err := memCounters{state}.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, c.Count)
}

func TestIngest_IngestionClock(t *testing.T) {
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	engine, _ := newMemEngine(Config{}, WithClock(func() time.Time { return fixed }))
	ctx := context.Background()

	first, err := engine.Ingest(ctx, raw("t1", 0))
	require.NoError(t, err)
	assert.True(t, fixed.Equal(first.Event.PlayedAt))

	// Same clock reading: the second play is moved just past the first.
	second, err := engine.Ingest(ctx, raw("t1", 0))
	require.NoError(t, err)
	assert.False(t, second.Duplicate)
	assert.True(t, fixed.Add(time.Millisecond).Equal(second.Event.PlayedAt))
	assert.Equal(t, 2, second.Counter.Count)
	assert.True(t, second.Counter.LastPlayed.Equal(second.Event.PlayedAt))
}

func TestIngest_ConcurrentSameTrack(t *testing.T) {
	promoter := &recordingPromoter{}
	engine, state := newMemEngine(Config{Threshold: 5}, WithPromoter(promoter))
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.Ingest(ctx, raw("hot", 0))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	c, _, err := memCounters{state}.Get(ctx, "hot")
	require.NoError(t, err)
	assert.Equal(t, n, c.Count)
	assert.Len(t, promoter.received(), 1)
	assert.Zero(t, engine.locks.size())
}

func TestIngest_AppendFailureLeavesCounter(t *testing.T) {
	engine, state := newMemEngine(Config{})
	state.appendErr = errors.Mark(errors.New("disk full"), store.ErrUnavailable)

	_, err := engine.Ingest(context.Background(), raw("t1", 1000))
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrUnavailable))

	_, found, err := memCounters{state}.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestIngest_CounterFailureRepairedByRebuild(t *testing.T) {
	engine, state := newMemEngine(Config{})
	ctx := context.Background()

	_, err := engine.Ingest(ctx, raw("t1", 1000))
	require.NoError(t, err)

	state.mu.Lock()
	state.upsertErr = errors.Mark(errors.New("locked"), store.ErrUnavailable)
	state.mu.Unlock()

	_, err = engine.Ingest(ctx, raw("t1", 2000))
	require.Error(t, err)

	state.mu.Lock()
	state.upsertErr = nil
	state.mu.Unlock()

	c, _, err := memCounters{state}.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, c.Count, "counter lags the log after the failed update")

	tracks, err := engine.Rebuild(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, tracks)

	c, _, err = memCounters{state}.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, c.Count)
	assert.Equal(t, int64(2000), c.LastPlayed.UnixMilli())
}

func TestIngest_Timeout(t *testing.T) {
	engine, state := newMemEngine(Config{Timeout: 20 * time.Millisecond})
	state.blocked = true

	_, err := engine.Ingest(context.Background(), raw("t1", 1000))
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrTimeout))
}

func TestIngestBatch(t *testing.T) {
	engine, _ := newMemEngine(Config{Threshold: 2})

	batch := []play.RawEvent{
		raw("a", 1000),
		{Track: play.RawTrack{Name: "missing id"}},
		raw("a", 2000),
		raw("a", 2000),
		raw("b", 3000),
	}
	res := engine.IngestBatch(context.Background(), batch)

	require.Len(t, res.Errors, 1)
	assert.Equal(t, 1, res.Errors[0].Index)
	assert.True(t, errors.Is(res.Errors[0].Err, play.ErrInvalidEvent))
	assert.Len(t, res.Results, 4)
	assert.Equal(t, 3, res.Recorded)
	assert.Equal(t, 1, res.Duplicates)
	assert.Equal(t, 1, res.Crossings)
}

func TestReset(t *testing.T) {
	engine, state := newMemEngine(Config{})
	ctx := context.Background()

	_, err := engine.Ingest(ctx, raw("t1", 1000))
	require.NoError(t, err)
	require.NoError(t, engine.Reset(ctx))

	n, err := memEvents{state}.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	counters, err := memCounters{state}.All(ctx)
	require.NoError(t, err)
	assert.Empty(t, counters)

	// Counting restarts from zero.
	res, err := engine.Ingest(ctx, raw("t1", 1000))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Counter.Count)
}

func TestReset_StopsWhenLogResetFails(t *testing.T) {
	engine, state := newMemEngine(Config{})
	ctx := context.Background()

	_, err := engine.Ingest(ctx, raw("t1", 1000))
	require.NoError(t, err)

	state.mu.Lock()
	state.resetErr = errors.Mark(errors.New("disk"), store.ErrUnavailable)
	state.mu.Unlock()

	err = engine.Reset(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrUnavailable))

	c, found, err := memCounters{state}.Get(ctx, "t1")
	require.NoError(t, err)
	require.True(t, found, "counters survive when the log was not cleared")
	assert.Equal(t, 1, c.Count)
}

func TestResetAndRebuild_Timeout(t *testing.T) {
	engine, state := newMemEngine(Config{Timeout: 20 * time.Millisecond})
	state.blocked = true

	err := engine.Reset(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrTimeout))

	_, err = engine.Rebuild(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrTimeout))
}

func TestRebuild_RerunAfterFailure(t *testing.T) {
	engine, state := newMemEngine(Config{})
	ctx := context.Background()

	for i, id := range []string{"a", "b", "a"} {
		_, err := engine.Ingest(ctx, raw(id, int64(1000*(i+1))))
		require.NoError(t, err)
	}

	state.mu.Lock()
	state.upsertErr = errors.Mark(errors.New("locked"), store.ErrUnavailable)
	state.mu.Unlock()

	written, err := engine.Rebuild(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrUnavailable))
	assert.Zero(t, written)

	state.mu.Lock()
	state.upsertErr = nil
	state.mu.Unlock()

	written, err = engine.Rebuild(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, written)

	c, _, err := memCounters{state}.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 2, c.Count)
	assert.Equal(t, int64(3000), c.LastPlayed.UnixMilli())
}

func TestNewFromBackend_Atomic(t *testing.T) {
	db, err := badger.Open(badger.Config{InMemory: true})
	require.NoError(t, err)
	defer db.Close()

	promoter := &recordingPromoter{}
	engine := NewFromBackend(db, Config{Threshold: 3}, WithPromoter(promoter))
	require.NotNil(t, engine.recorder)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		_, err := engine.Ingest(ctx, raw("t1", int64(i*1000)))
		require.NoError(t, err)
	}
	res, err := engine.Ingest(ctx, raw("t1", 3000))
	require.NoError(t, err)
	assert.True(t, res.Duplicate)

	n, err := db.Events().Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Len(t, promoter.received(), 1)
}

func TestKeyedMutex_ContextCancel(t *testing.T) {
	k := newKeyedMutex()
	unlock, err := k.Lock(context.Background(), "a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = k.Lock(ctx, "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// Other keys are independent.
	unlockB, err := k.Lock(context.Background(), "b")
	require.NoError(t, err)
	unlockB()

	unlock()
	assert.Zero(t, k.size())
}
