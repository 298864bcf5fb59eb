// Package storetest holds behavioural tests shared by every storage backend.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osa030/onrepeat/internal/domain/play"
	"github.com/osa030/onrepeat/internal/infra/store"
)

// Factory opens a fresh, empty backend for one subtest.
type Factory func(t *testing.T) store.Backend

// Event builds a play event for trackID at epoch-ms ms.
func Event(trackID string, ms int64) play.Event {
	return play.Event{
		TrackID:   trackID,
		TrackName: "Song " + trackID,
		Artist:    "Artist",
		URI:       "spotify:track:" + trackID,
		PlayedAt:  time.UnixMilli(ms).UTC(),
	}
}

// Run executes the shared suite against backends produced by open.
func Run(t *testing.T, open Factory) {
	t.Run("empty store", func(t *testing.T) { testEmpty(t, open(t)) })
	t.Run("query is strict and ordered", func(t *testing.T) { testQuery(t, open(t)) })
	t.Run("duplicate append", func(t *testing.T) { testDuplicate(t, open(t)) })
	t.Run("pre-epoch events", func(t *testing.T) { testPreEpoch(t, open(t)) })
	t.Run("upsert", func(t *testing.T) { testUpsert(t, open(t)) })
	t.Run("concurrent upsert", func(t *testing.T) { testConcurrentUpsert(t, open(t)) })
	t.Run("record", func(t *testing.T) { testRecord(t, open(t)) })
	t.Run("reset", func(t *testing.T) { testReset(t, open(t)) })
	t.Run("expired context", func(t *testing.T) { testExpired(t, open(t)) })
}

func testEmpty(t *testing.T, b store.Backend) {
	ctx := context.Background()

	events, err := b.Events().All(ctx)
	require.NoError(t, err)
	assert.Empty(t, events)

	n, err := b.Events().Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, found, err := b.Counters().Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)

	counters, err := b.Counters().All(ctx)
	require.NoError(t, err)
	assert.Empty(t, counters)
}

func testQuery(t *testing.T, b store.Backend) {
	ctx := context.Background()
	log := b.Events()

	for _, ev := range []play.Event{Event("b", 3000), Event("a", 1000), Event("c", 2000), Event("a", 4000)} {
		require.NoError(t, log.Append(ctx, ev))
	}

	events, err := log.Query(ctx, time.UnixMilli(2000))
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, Event("b", 3000), events[0])
	assert.Equal(t, Event("a", 4000), events[1])

	all, err := log.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 4)
	for i := 1; i < len(all); i++ {
		assert.False(t, all[i].PlayedAt.Before(all[i-1].PlayedAt), "events out of order at %d", i)
	}

	n, err := log.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func testDuplicate(t *testing.T, b store.Backend) {
	ctx := context.Background()
	log := b.Events()

	require.NoError(t, log.Append(ctx, Event("a", 1000)))
	err := log.Append(ctx, Event("a", 1000))
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrDuplicate))

	// Same timestamp, different track is a distinct event.
	require.NoError(t, log.Append(ctx, Event("b", 1000)))

	n, err := log.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func testPreEpoch(t *testing.T, b store.Backend) {
	ctx := context.Background()
	log := b.Events()

	for _, ev := range []play.Event{Event("x", 500), Event("x", -1000), Event("x", -5000)} {
		require.NoError(t, log.Append(ctx, ev))
	}

	all, err := log.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, Event("x", -5000), all[0])
	assert.Equal(t, Event("x", -1000), all[1])
	assert.Equal(t, Event("x", 500), all[2])

	events, err := log.Query(ctx, time.UnixMilli(-2000))
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, Event("x", -1000), events[0])

	err = log.Append(ctx, Event("x", -1000))
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrDuplicate))

	if rec, ok := b.(store.Recorder); ok {
		_, err := rec.Record(ctx, Event("y", -5000))
		require.NoError(t, err)
		c, err := rec.Record(ctx, Event("y", -1000))
		require.NoError(t, err)
		assert.Equal(t, 2, c.Count)
	}
}

func testUpsert(t *testing.T, b store.Backend) {
	ctx := context.Background()
	counters := b.Counters()

	c, err := counters.Upsert(ctx, "a", 1, time.UnixMilli(2000))
	require.NoError(t, err)
	assert.Equal(t, 1, c.Count)

	c, err = counters.Upsert(ctx, "a", 1, time.UnixMilli(1000))
	require.NoError(t, err)
	assert.Equal(t, 2, c.Count)
	assert.Equal(t, int64(2000), c.LastPlayed.UnixMilli())

	got, found, err := counters.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, c, got)
}

func testConcurrentUpsert(t *testing.T, b store.Backend) {
	ctx := context.Background()
	counters := b.Counters()

	const workers = 4
	const perWorker = 10

	var wg sync.WaitGroup
	errs := make(chan error, workers*perWorker)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if _, err := counters.Upsert(ctx, "hot", 1, time.UnixMilli(int64(w*perWorker+i))); err != nil {
					errs <- err
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	c, found, err := counters.Get(ctx, "hot")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, workers*perWorker, c.Count)
}

func testRecord(t *testing.T, b store.Backend) {
	rec, ok := b.(store.Recorder)
	if !ok {
		t.Skip("backend has no atomic recorder")
	}
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		c, err := rec.Record(ctx, Event("a", int64(i*1000)))
		require.NoError(t, err)
		assert.Equal(t, i, c.Count)
	}

	_, err := rec.Record(ctx, Event("a", 2000))
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrDuplicate))

	c, _, err := b.Counters().Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 3, c.Count, "duplicate must not increment")
	assert.Equal(t, int64(3000), c.LastPlayed.UnixMilli())
}

func testReset(t *testing.T, b store.Backend) {
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Events().Append(ctx, Event(fmt.Sprintf("t%d", i), int64(1000+i))))
		_, err := b.Counters().Upsert(ctx, fmt.Sprintf("t%d", i), 1, time.UnixMilli(int64(1000+i)))
		require.NoError(t, err)
	}

	require.NoError(t, b.Events().Reset(ctx))
	require.NoError(t, b.Counters().Reset(ctx))

	events, err := b.Events().All(ctx)
	require.NoError(t, err)
	assert.Empty(t, events)

	counters, err := b.Counters().All(ctx)
	require.NoError(t, err)
	assert.Empty(t, counters)

	// The store stays usable after a reset.
	require.NoError(t, b.Events().Append(ctx, Event("t0", 1000)))
}

func testExpired(t *testing.T, b store.Backend) {
	ctx, cancel := context.WithTimeout(context.Background(), -time.Second)
	defer cancel()

	err := b.Events().Append(ctx, Event("a", 1000))
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrTimeout))
}
