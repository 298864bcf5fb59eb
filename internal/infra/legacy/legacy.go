// Package legacy reads the JSON files written by the earlier file-based tracker
// (playedTracks.json and playCounts.json) so they can be imported.
package legacy

import (
	"os"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/goccy/go-json"

	"github.com/osa030/onrepeat/internal/domain/play"
	"github.com/osa030/onrepeat/internal/infra/store"
)

const (
	HistoryFile = "playedTracks.json"
	CountsFile  = "playCounts.json"
)

// HistoryEntry is one element of playedTracks.json.
type HistoryEntry struct {
	TrackID   string `json:"track_id"`
	TrackName string `json:"track_name"`
	Artist    string `json:"artist"`
	PlayedAt  int64  `json:"played_at"` // epoch-ms
}

// RawEvent converts the entry into an ingestible event.
func (h HistoryEntry) RawEvent() play.RawEvent {
	var artists []play.RawArtist
	for _, name := range strings.Split(h.Artist, ",") {
		if name = strings.TrimSpace(name); name != "" {
			artists = append(artists, play.RawArtist{Name: name})
		}
	}
	raw := play.RawEvent{
		Track: play.RawTrack{ID: h.TrackID, Name: h.TrackName, Artists: artists},
	}
	if h.PlayedAt > 0 {
		raw.PlayedAt = time.UnixMilli(h.PlayedAt).UTC()
	}
	return raw
}

// CountEntry is one value of playCounts.json.
type CountEntry struct {
	Count      int   `json:"count"`
	LastPlayed int64 `json:"lastPlayed"` // epoch-ms
}

// LoadHistory reads a playedTracks.json file.
// A missing file yields an empty history.
func LoadHistory(path string) ([]HistoryEntry, error) {
	data, ok, err := readFile(path)
	if err != nil || !ok {
		return nil, err
	}
	var entries []HistoryEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "failed to parse %s", path), store.ErrCorrupt)
	}
	return entries, nil
}

// LoadCounts reads a playCounts.json file.
// A missing file yields an empty map.
func LoadCounts(path string) (map[string]CountEntry, error) {
	data, ok, err := readFile(path)
	if err != nil || !ok {
		return map[string]CountEntry{}, err
	}
	counts := make(map[string]CountEntry)
	if err := json.Unmarshal(data, &counts); err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "failed to parse %s", path), store.ErrCorrupt)
	}
	return counts, nil
}

func readFile(path string) ([]byte, bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Mark(errors.Wrapf(err, "failed to read %s", path), store.ErrUnavailable)
	}
	return data, true, nil
}

// Mismatch reports a track whose legacy count differs from the stored one.
type Mismatch struct {
	TrackID string
	Legacy  int
	Current int
}

// Compare returns the tracks whose count in legacy differs from current,
// sorted by track id. Tracks missing on either side count as zero.
func Compare(legacy map[string]CountEntry, current []play.Counter) []Mismatch {
	now := make(map[string]int, len(current))
	for _, c := range current {
		now[c.TrackID] = c.Count
	}

	var out []Mismatch
	for id, entry := range legacy {
		if entry.Count != now[id] {
			out = append(out, Mismatch{TrackID: id, Legacy: entry.Count, Current: now[id]})
		}
	}
	for id, n := range now {
		if _, ok := legacy[id]; !ok {
			out = append(out, Mismatch{TrackID: id, Current: n})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TrackID < out[j].TrackID })
	return out
}
