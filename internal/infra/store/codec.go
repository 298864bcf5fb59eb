package store

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/goccy/go-json"

	"github.com/osa030/onrepeat/internal/domain/play"
)

// EventRecord is the persisted form of a play event.
type EventRecord struct {
	TrackID   string `json:"track_id"`
	TrackName string `json:"track_name"`
	Artist    string `json:"artist"`
	URI       string `json:"uri,omitempty"`
	PlayedAt  int64  `json:"played_at"` // epoch-ms
}

// CounterRecord is the persisted form of a track counter.
type CounterRecord struct {
	Count      int   `json:"count"`
	LastPlayed int64 `json:"lastPlayed"` // epoch-ms
}

// EncodeEvent serializes ev.
func EncodeEvent(ev play.Event) ([]byte, error) {
	return json.Marshal(EventRecord{
		TrackID:   ev.TrackID,
		TrackName: ev.TrackName,
		Artist:    ev.Artist,
		URI:       ev.URI,
		PlayedAt:  ev.PlayedAt.UnixMilli(),
	})
}

// DecodeEvent parses a persisted event. Failures are marked ErrCorrupt.
func DecodeEvent(data []byte) (play.Event, error) {
	var rec EventRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return play.Event{}, errors.Mark(errors.Wrap(err, "failed to decode event"), ErrCorrupt)
	}
	if rec.TrackID == "" {
		return play.Event{}, errors.Mark(errors.New("event without track_id"), ErrCorrupt)
	}
	return play.Event{
		TrackID:   rec.TrackID,
		TrackName: rec.TrackName,
		Artist:    rec.Artist,
		URI:       rec.URI,
		PlayedAt:  time.UnixMilli(rec.PlayedAt).UTC(),
	}, nil
}

// EncodeCounter serializes c.
func EncodeCounter(c play.Counter) ([]byte, error) {
	return json.Marshal(CounterRecord{Count: c.Count, LastPlayed: c.LastPlayed.UnixMilli()})
}

// DecodeCounter parses the persisted counter of trackID. Failures are marked ErrCorrupt.
func DecodeCounter(trackID string, data []byte) (play.Counter, error) {
	var rec CounterRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return play.Counter{}, errors.Mark(errors.Wrapf(err, "failed to decode counter of %s", trackID), ErrCorrupt)
	}
	if rec.Count < 0 {
		return play.Counter{}, errors.Mark(errors.Newf("negative count %d for %s", rec.Count, trackID), ErrCorrupt)
	}
	return play.Counter{
		TrackID:    trackID,
		Count:      rec.Count,
		LastPlayed: time.UnixMilli(rec.LastPlayed).UTC(),
	}, nil
}
