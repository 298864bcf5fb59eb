package spotify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zmb3/spotify/v2"
	"golang.org/x/oauth2"

	"github.com/osa030/onrepeat/internal/infra/credential"
)

func TestExtractPlaylistID(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "Spotify URI format",
			input:    "spotify:playlist:37i9dQZF1DXcBWIGoYBM5M",
			expected: "37i9dQZF1DXcBWIGoYBM5M",
		},
		{
			name:     "Spotify URL format",
			input:    "https://open.spotify.com/playlist/37i9dQZF1DXcBWIGoYBM5M",
			expected: "37i9dQZF1DXcBWIGoYBM5M",
		},
		{
			name:     "Spotify URL with query params",
			input:    "https://open.spotify.com/playlist/37i9dQZF1DXcBWIGoYBM5M?si=abc123",
			expected: "37i9dQZF1DXcBWIGoYBM5M",
		},
		{
			name:     "localized URL",
			input:    "https://open.spotify.com/intl-ja/playlist/abc123",
			expected: "abc123",
		},
		{
			name:     "Plain playlist ID",
			input:    "37i9dQZF1DXcBWIGoYBM5M",
			expected: "37i9dQZF1DXcBWIGoYBM5M",
		},
		{
			name:     "Empty string",
			input:    "",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, extractPlaylistID(tt.input))
		})
	}
}

func TestExtractTrackID(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "uri", input: "spotify:track:4uLU6hMCjMI75M1A2tKUQC", expected: "4uLU6hMCjMI75M1A2tKUQC"},
		{name: "url", input: "https://open.spotify.com/track/4uLU6hMCjMI75M1A2tKUQC?si=x", expected: "4uLU6hMCjMI75M1A2tKUQC"},
		{name: "bare id", input: " 4uLU6hMCjMI75M1A2tKUQC ", expected: "4uLU6hMCjMI75M1A2tKUQC"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, extractTrackID(tt.input))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{name: "nil error", err: nil, expected: false},
		{name: "rate limit error with 429", err: errors.New("Error 429: rate limit exceeded"), expected: true},
		{name: "rate limit text", err: errors.New("rate limit exceeded"), expected: true},
		{name: "server error 502", err: errors.New("502 Bad Gateway"), expected: true},
		{name: "api error 503", err: errors.Wrap(apiError(503), "get"), expected: true},
		{name: "api error 401", err: apiError(401), expected: false},
		{name: "client error 400", err: errors.New("400 Bad Request"), expected: false},
		{name: "generic error", err: errors.New("something went wrong"), expected: false},
		{
			name:     "expired credential",
			err:      errors.Wrap(errors.Mark(errors.New("token 500"), credential.ErrExpired), "refresh"),
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, isRetryable(tt.err))
		})
	}
}

type fakeAPI struct {
	*httptest.Server
	calls atomic.Int32
}

func newFakeAPI(t *testing.T, handler http.HandlerFunc) *fakeAPI {
	t.Helper()
	api := &fakeAPI{}
	api.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		api.calls.Add(1)
		handler(w, r)
	}))
	t.Cleanup(api.Close)
	return api
}

func newTestClient(api *fakeAPI) *Client {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "test", TokenType: "Bearer"})
	return New(context.Background(), ts, Config{
		BaseURL:    api.URL + "/",
		RetryDelay: time.Millisecond,
	})
}

func apiError(status int) error {
	return spotify.Error{Status: status, Message: "api error"}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestClient_RecentlyPlayed(t *testing.T) {
	api := newFakeAPI(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/me/player/recently-played", r.URL.Path)
		assert.Equal(t, "Bearer test", r.Header.Get("Authorization"))
		assert.Equal(t, "20", r.URL.Query().Get("limit"))
		assert.Equal(t, "1700000000000", r.URL.Query().Get("after"))
		writeJSON(w, http.StatusOK, map[string]any{
			"items": []any{
				map[string]any{
					"track": map[string]any{
						"id":      "t1",
						"name":    "Song",
						"uri":     "spotify:track:t1",
						"artists": []any{map[string]any{"name": "A"}, map[string]any{"name": "B"}},
					},
					"played_at": "2023-11-14T22:15:00.123Z",
				},
			},
		})
	})
	c := newTestClient(api)

	events, err := c.RecentlyPlayed(context.Background(), time.UnixMilli(1700000000000), 20)
	require.NoError(t, err)
	require.Len(t, events, 1)

	ev := events[0]
	assert.Equal(t, "t1", ev.Track.ID)
	assert.Equal(t, "Song", ev.Track.Name)
	assert.Equal(t, "spotify:track:t1", ev.Track.URI)
	require.Len(t, ev.Track.Artists, 2)
	assert.Equal(t, "B", ev.Track.Artists[1].Name)
	assert.Equal(t, time.Date(2023, 11, 14, 22, 15, 0, 123000000, time.UTC), ev.PlayedAt)
}

func TestClient_RecentlyPlayed_Retry(t *testing.T) {
	var attempts atomic.Int32
	api := newFakeAPI(t, func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"error": map[string]any{"status": 503, "message": "unavailable"},
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": []any{}})
	})
	c := newTestClient(api)

	events, err := c.RecentlyPlayed(context.Background(), time.Time{}, 0)
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Equal(t, int32(2), api.calls.Load())
}

func TestClient_RecentlyPlayed_NotRetried(t *testing.T) {
	api := newFakeAPI(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"error": map[string]any{"status": 401, "message": "bad token"},
		})
	})
	c := newTestClient(api)

	_, err := c.RecentlyPlayed(context.Background(), time.Time{}, 50)
	require.Error(t, err)
	assert.Equal(t, int32(1), api.calls.Load())
}

func TestClient_RecentlyPlayed_CredentialError(t *testing.T) {
	api := newFakeAPI(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("request must not reach the API")
	})
	ts := failingTokenSource{err: errors.Mark(errors.New("no token"), credential.ErrUnavailable)}
	c := New(context.Background(), ts, Config{BaseURL: api.URL + "/", RetryDelay: time.Millisecond})

	_, err := c.RecentlyPlayed(context.Background(), time.Time{}, 50)
	require.Error(t, err)
	assert.True(t, errors.Is(err, credential.ErrUnavailable))
	assert.Equal(t, int32(0), api.calls.Load())
}

func TestClient_CurrentlyPlaying(t *testing.T) {
	t.Run("nothing playing", func(t *testing.T) {
		api := newFakeAPI(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})
		tr, err := newTestClient(api).CurrentlyPlaying(context.Background())
		require.NoError(t, err)
		assert.Nil(t, tr)
	})

	t.Run("track playing", func(t *testing.T) {
		api := newFakeAPI(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/me/player/currently-playing", r.URL.Path)
			writeJSON(w, http.StatusOK, map[string]any{
				"is_playing": true,
				"item": map[string]any{
					"id":      "t9",
					"name":    "Now",
					"uri":     "spotify:track:t9",
					"artists": []any{map[string]any{"name": "C"}},
				},
			})
		})
		tr, err := newTestClient(api).CurrentlyPlaying(context.Background())
		require.NoError(t, err)
		require.NotNil(t, tr)
		assert.Equal(t, "t9", tr.ID)
		assert.Equal(t, []string{"C"}, tr.Artists)
	})
}

func TestClient_AddTracksToPlaylist(t *testing.T) {
	var sizes []int
	api := newFakeAPI(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/playlists/pl1/tracks", r.URL.Path)
		var body struct {
			URIs []string `json:"uris"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		sizes = append(sizes, len(body.URIs))
		writeJSON(w, http.StatusCreated, map[string]any{"snapshot_id": "s"})
	})
	c := newTestClient(api)

	ids := make([]string, 150)
	for i := range ids {
		ids[i] = "spotify:track:t"
	}
	err := c.AddTracksToPlaylist(context.Background(), "https://open.spotify.com/playlist/pl1?si=x", ids)
	require.NoError(t, err)
	assert.Equal(t, []int{100, 50}, sizes)

	err = c.AddTracksToPlaylist(context.Background(), " ", ids)
	assert.Error(t, err)
}

type failingTokenSource struct {
	err error
}

func (f failingTokenSource) Token() (*oauth2.Token, error) {
	return nil, f.err
}
