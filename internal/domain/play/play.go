// Package play provides the play-event and play-counter domain entities.
package play

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/osa030/onrepeat/internal/domain/track"
)

// ErrInvalidEvent is returned for events without a usable track identifier.
var ErrInvalidEvent = errors.New("invalid play event")

// Event is one observed playback occurrence. Immutable once recorded.
type Event struct {
	TrackID   string
	TrackName string
	Artist    string // comma-joined artist names at observation time
	URI       string
	PlayedAt  time.Time
}

// Counter is the cumulative play state of one track.
type Counter struct {
	TrackID    string
	Count      int
	LastPlayed time.Time
}

// Crossing signals that a track's count reached the promotion threshold.
type Crossing struct {
	TrackID   string
	TrackName string
	Artist    string
	URI       string
	Count     int
}

// Key returns the identity used for re-delivery detection.
func (e Event) Key() string {
	return e.TrackID + "@" + FormatMillis(e.PlayedAt)
}

// Normalize converts a raw event into an Event.
// PlayedAt stays zero when the source did not report one; the caller
// assigns the ingestion time in that case.
func Normalize(raw RawEvent) (Event, error) {
	id := strings.TrimSpace(raw.Track.ID)
	if id == "" {
		return Event{}, errors.Mark(errors.Newf("track id is missing (name=%q)", raw.Track.Name), ErrInvalidEvent)
	}

	artists := make([]string, len(raw.Track.Artists))
	for i, a := range raw.Track.Artists {
		artists[i] = a.Name
	}
	t := track.Track{ID: id, Name: raw.Track.Name, Artists: artists, URI: raw.Track.URI}

	ev := Event{
		TrackID:   id,
		TrackName: t.Name,
		Artist:    t.ArtistLine(),
		URI:       t.CanonicalURI(),
	}
	if !raw.PlayedAt.IsZero() {
		ev.PlayedAt = TruncateMillis(raw.PlayedAt)
	}
	return ev, nil
}

// TruncateMillis drops sub-millisecond precision, matching the persisted epoch-ms format.
func TruncateMillis(t time.Time) time.Time {
	return time.UnixMilli(t.UnixMilli()).UTC()
}
