// Package frequency answers windowed and lifetime play-frequency queries.
package frequency

import (
	"context"
	"sort"
	"time"

	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/onrepeat/internal/domain/play"
	"github.com/osa030/onrepeat/internal/infra/store"
)

// Defaults used when callers pass non-positive values.
const (
	DefaultThreshold  = 5
	DefaultWindowDays = 3
	DefaultTopN       = 10

	// MaxWindowDays caps the window; larger values cover the whole history.
	MaxWindowDays = 1_000_000
)

// TrackFrequency is one entry of a frequency listing.
type TrackFrequency struct {
	TrackID    string    `json:"track_id"`
	TrackName  string    `json:"track_name"`
	Artist     string    `json:"artist"`
	URI        string    `json:"uri,omitempty"`
	Count      int       `json:"count"`
	LastPlayed time.Time `json:"last_played"`
}

// Summary is the analytics overview.
type Summary struct {
	TotalTracks    int              `json:"total_tracks"`
	TotalEvents    int              `json:"total_events"`
	FrequentTracks []TrackFrequency `json:"frequent_tracks"`
	TopTracks      []TrackFrequency `json:"top_tracks"`
}

// Options tunes the analytics summary.
type Options struct {
	Threshold  int
	WindowDays int
	TopN       int
}

// Query reads persisted play state. It never mutates the stores.
type Query struct {
	events   store.EventLog
	counters store.CounterStore
	now      func() time.Time
}

// New creates a Query over the given stores.
func New(events store.EventLog, counters store.CounterStore) *Query {
	return &Query{events: events, counters: counters, now: time.Now}
}

// FrequentTracks returns tracks played more than threshold times within the
// last windowDays, most played first. Display metadata comes from each
// track's latest play in the window.
func (q *Query) FrequentTracks(ctx context.Context, threshold, windowDays int) []TrackFrequency {
	if threshold < 0 {
		threshold = DefaultThreshold
	}
	if windowDays <= 0 {
		windowDays = DefaultWindowDays
	}
	if windowDays > MaxWindowDays {
		windowDays = MaxWindowDays
	}
	since := q.now().UTC().AddDate(0, 0, -windowDays)

	events, err := q.events.Query(ctx, since)
	if err != nil {
		zlog.Warn().Err(err).Msg("Frequent tracks unavailable; returning empty result")
		return []TrackFrequency{}
	}

	byTrack := make(map[string]*TrackFrequency)
	for _, ev := range events {
		tf, ok := byTrack[ev.TrackID]
		if !ok {
			tf = &TrackFrequency{TrackID: ev.TrackID}
			byTrack[ev.TrackID] = tf
		}
		tf.Count++
		if !ev.PlayedAt.Before(tf.LastPlayed) {
			tf.TrackName = ev.TrackName
			tf.Artist = ev.Artist
			tf.URI = ev.URI
			tf.LastPlayed = ev.PlayedAt
		}
	}

	out := make([]TrackFrequency, 0, len(byTrack))
	for _, tf := range byTrack {
		if tf.Count > threshold {
			out = append(out, *tf)
		}
	}
	sortByCount(out)
	return out
}

// TopTracks returns the n tracks with the highest lifetime counts.
// Names come from the latest recorded play of each track.
func (q *Query) TopTracks(ctx context.Context, n int) []TrackFrequency {
	if n <= 0 {
		n = DefaultTopN
	}

	counters, err := q.counters.All(ctx)
	if err != nil {
		zlog.Warn().Err(err).Msg("Top tracks unavailable; returning empty result")
		return []TrackFrequency{}
	}

	out := make([]TrackFrequency, 0, len(counters))
	for _, c := range counters {
		out = append(out, TrackFrequency{TrackID: c.TrackID, Count: c.Count, LastPlayed: c.LastPlayed})
	}
	sortByCount(out)
	if len(out) > n {
		out = out[:n]
	}

	q.attachMetadata(ctx, out)
	return out
}

// Summary returns the analytics overview.
func (q *Query) Summary(ctx context.Context, opts Options) Summary {
	s := Summary{
		FrequentTracks: q.FrequentTracks(ctx, opts.Threshold, opts.WindowDays),
		TopTracks:      q.TopTracks(ctx, opts.TopN),
	}

	counters, err := q.counters.All(ctx)
	if err != nil {
		zlog.Warn().Err(err).Msg("Track total unavailable")
	}
	s.TotalTracks = len(counters)

	total, err := q.events.Count(ctx)
	if err != nil {
		zlog.Warn().Err(err).Msg("Event total unavailable")
	}
	s.TotalEvents = total

	return s
}

// attachMetadata fills display fields of out from the event log.
func (q *Query) attachMetadata(ctx context.Context, out []TrackFrequency) {
	if len(out) == 0 {
		return
	}
	events, err := q.events.All(ctx)
	if err != nil {
		zlog.Warn().Err(err).Msg("Track metadata unavailable")
		return
	}

	latest := make(map[string]play.Event, len(out))
	for _, ev := range events {
		if prev, ok := latest[ev.TrackID]; !ok || !ev.PlayedAt.Before(prev.PlayedAt) {
			latest[ev.TrackID] = ev
		}
	}
	for i := range out {
		if ev, ok := latest[out[i].TrackID]; ok {
			out[i].TrackName = ev.TrackName
			out[i].Artist = ev.Artist
			out[i].URI = ev.URI
		}
	}
}

func sortByCount(list []TrackFrequency) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].Count != list[j].Count {
			return list[i].Count > list[j].Count
		}
		return list[i].TrackID < list[j].TrackID
	})
}
