package play

import (
	"bytes"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/goccy/go-json"
)

// RawArtist is an artist entry of a raw event.
type RawArtist struct {
	Name string `json:"name"`
}

// RawTrack is the track part of a raw event.
type RawTrack struct {
	ID      string      `json:"id"`
	Name    string      `json:"name"`
	Artists []RawArtist `json:"artists"`
	URI     string      `json:"uri"`
}

// RawEvent is a play event as delivered by a track source.
// JSON input may be wrapped ({"track": {...}, "played_at": ...}) or
// unwrapped ({"id": ..., "name": ..., "played_at": ...}).
type RawEvent struct {
	Track    RawTrack
	PlayedAt time.Time // zero when the source did not report one
}

// UnmarshalJSON accepts both the wrapped and the unwrapped shape.
// played_at may be an RFC3339 string or an integer epoch-ms value.
func (r *RawEvent) UnmarshalJSON(data []byte) error {
	var probe struct {
		RawTrack
		Track    *RawTrack       `json:"track"`
		PlayedAt json.RawMessage `json:"played_at"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return errors.Mark(errors.Wrap(err, "failed to decode play event"), ErrInvalidEvent)
	}

	if probe.Track != nil {
		r.Track = *probe.Track
	} else {
		r.Track = probe.RawTrack
	}

	playedAt, err := parsePlayedAt(probe.PlayedAt)
	if err != nil {
		return errors.Mark(err, ErrInvalidEvent)
	}
	r.PlayedAt = playedAt
	return nil
}

// MarshalJSON writes the wrapped shape.
func (r RawEvent) MarshalJSON() ([]byte, error) {
	out := struct {
		Track    RawTrack `json:"track"`
		PlayedAt string   `json:"played_at,omitempty"`
	}{Track: r.Track}
	if !r.PlayedAt.IsZero() {
		out.PlayedAt = r.PlayedAt.UTC().Format(time.RFC3339Nano)
	}
	return json.Marshal(out)
}

// DecodeRawEvents decodes a single raw event or an array of them.
func DecodeRawEvents(data []byte) ([]RawEvent, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errors.Mark(errors.New("empty payload"), ErrInvalidEvent)
	}
	if data[0] == '[' {
		var events []RawEvent
		if err := json.Unmarshal(data, &events); err != nil {
			return nil, errors.Mark(errors.Wrap(err, "failed to decode play events"), ErrInvalidEvent)
		}
		return events, nil
	}
	var ev RawEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	return []RawEvent{ev}, nil
}

func parsePlayedAt(raw json.RawMessage) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}, nil
	}

	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, errors.Wrap(err, "failed to decode played_at")
		}
		if s == "" {
			return time.Time{}, nil
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, errors.Wrapf(err, "played_at %q is not RFC3339", s)
		}
		return t.UTC(), nil
	}

	ms, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "played_at %s is not epoch-ms", raw)
	}
	return time.UnixMilli(ms).UTC(), nil
}

// FormatMillis formats t as epoch-ms.
func FormatMillis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}
