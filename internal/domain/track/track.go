// Package track provides the Track domain entity.
package track

import (
	"fmt"
	"strings"
)

// Track represents a Spotify track as seen by the play tracker.
// Display metadata is a snapshot and may diverge from the catalog later.
type Track struct {
	ID      string   // Spotify Track ID
	Name    string   // Track name
	Artists []string // Artist names
	URI     string   // Spotify URI (spotify:track:ID)
}

// ArtistLine returns the artist names joined the way they are persisted.
func (t *Track) ArtistLine() string {
	return JoinArtists(t.Artists)
}

// CanonicalURI returns the Spotify URI for the track.
// The URI is rebuilt from the ID when the source did not supply one.
func (t *Track) CanonicalURI() string {
	if t.URI != "" {
		return t.URI
	}
	if t.ID == "" {
		return ""
	}
	return fmt.Sprintf("spotify:track:%s", t.ID)
}

// URL returns the open.spotify.com URL for the track.
func (t *Track) URL() string {
	return fmt.Sprintf("https://open.spotify.com/track/%s", t.ID)
}

// JoinArtists joins artist names with ", ", skipping blanks.
func JoinArtists(artists []string) string {
	names := make([]string, 0, len(artists))
	for _, a := range artists {
		if a = strings.TrimSpace(a); a != "" {
			names = append(names, a)
		}
	}
	return strings.Join(names, ", ")
}
