// Package spotify provides a client for the Spotify API.
package spotify

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/zmb3/spotify/v2"
	"golang.org/x/oauth2"

	"github.com/osa030/onrepeat/internal/domain/play"
	"github.com/osa030/onrepeat/internal/domain/track"
	"github.com/osa030/onrepeat/internal/infra/credential"
)

// MaxRecentlyPlayed is the page size limit of the recently-played endpoint.
const MaxRecentlyPlayed = 50

// Client is a Spotify API client.
type Client struct {
	client     *spotify.Client
	market     string
	maxRetries int
	retryDelay time.Duration
}

// Config represents Spotify client configuration.
type Config struct {
	Market     string
	MaxRetries int
	RetryDelay time.Duration
	BaseURL    string // overrides the API endpoint, used by tests
}

// New creates a client that authorizes requests with tokens from ts.
func New(ctx context.Context, ts oauth2.TokenSource, cfg Config) *Client {
	httpClient := oauth2.NewClient(ctx, ts)

	var opts []spotify.ClientOption
	if cfg.BaseURL != "" {
		opts = append(opts, spotify.WithBaseURL(cfg.BaseURL))
	}

	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}

	return &Client{
		client:     spotify.New(httpClient, opts...),
		market:     cfg.Market,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
	}
}

// RecentlyPlayed returns up to limit plays that happened after the given
// time, newest first. A zero after returns the most recent plays.
func (c *Client) RecentlyPlayed(ctx context.Context, after time.Time, limit int) ([]play.RawEvent, error) {
	if limit <= 0 || limit > MaxRecentlyPlayed {
		limit = MaxRecentlyPlayed
	}
	opt := &spotify.RecentlyPlayedOptions{Limit: spotify.Numeric(limit)}
	if !after.IsZero() {
		opt.AfterEpochMs = after.UnixMilli()
	}

	var items []spotify.RecentlyPlayedItem
	err := c.retry(ctx, func() error {
		res, err := c.client.PlayerRecentlyPlayedOpt(ctx, opt)
		if err != nil {
			return err
		}
		items = res
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to get recently played tracks")
	}

	events := make([]play.RawEvent, 0, len(items))
	for _, item := range items {
		events = append(events, convertRecentlyPlayed(item))
	}
	return events, nil
}

// CurrentlyPlaying returns the track playing now, or nil when nothing plays.
func (c *Client) CurrentlyPlaying(ctx context.Context) (*track.Track, error) {
	var current *spotify.CurrentlyPlaying
	err := c.retry(ctx, func() error {
		var opts []spotify.RequestOption
		if c.market != "" {
			opts = append(opts, spotify.Market(c.market))
		}
		res, err := c.client.PlayerCurrentlyPlaying(ctx, opts...)
		if err != nil {
			return err
		}
		current = res
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to get currently playing track")
	}
	if current == nil || current.Item == nil {
		return nil, nil
	}
	return convertTrack(current.Item), nil
}

// AddTracksToPlaylist adds tracks to a playlist.
// playlist may be an ID, URL, or URI; trackIDs can be Spotify IDs, URLs, or URIs.
func (c *Client) AddTracksToPlaylist(ctx context.Context, playlist string, trackIDs []string) error {
	playlistID := extractPlaylistID(playlist)
	if playlistID == "" {
		return errors.New("invalid playlist URL")
	}

	ids := make([]spotify.ID, len(trackIDs))
	for i, trackID := range trackIDs {
		ids[i] = spotify.ID(extractTrackID(trackID))
	}

	// Spotify allows max 100 tracks per request
	for i := 0; i < len(ids); i += 100 {
		end := i + 100
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[i:end]

		err := c.retry(ctx, func() error {
			_, err := c.client.AddTracksToPlaylist(ctx, spotify.ID(playlistID), batch...)
			return err
		})
		if err != nil {
			return errors.Wrap(err, "failed to add tracks to playlist")
		}
	}

	return nil
}

func convertRecentlyPlayed(item spotify.RecentlyPlayedItem) play.RawEvent {
	artists := make([]play.RawArtist, len(item.Track.Artists))
	for i, a := range item.Track.Artists {
		artists[i] = play.RawArtist{Name: a.Name}
	}
	return play.RawEvent{
		Track: play.RawTrack{
			ID:      string(item.Track.ID),
			Name:    item.Track.Name,
			Artists: artists,
			URI:     string(item.Track.URI),
		},
		PlayedAt: item.PlayedAt.UTC(),
	}
}

func convertTrack(t *spotify.FullTrack) *track.Track {
	artists := make([]string, len(t.Artists))
	for i, a := range t.Artists {
		artists[i] = a.Name
	}
	return &track.Track{
		ID:      string(t.ID),
		Name:    t.Name,
		Artists: artists,
		URI:     string(t.URI),
	}
}

// retry retries an operation with linear backoff until ctx is done.
func (c *Client) retry(ctx context.Context, fn func() error) error {
	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !isRetryable(err) {
			return err
		}

		if i < c.maxRetries-1 {
			select {
			case <-time.After(c.retryDelay * time.Duration(i+1)):
			case <-ctx.Done():
				return errors.CombineErrors(ctx.Err(), lastErr)
			}
		}
	}
	return errors.Wrap(lastErr, "max retries exceeded")
}

// isRetryable checks if an error is retryable.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, credential.ErrUnavailable) || errors.Is(err, credential.ErrExpired) {
		return false
	}
	var apiErr spotify.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Status {
		case 429, 500, 502, 503, 504:
			return true
		}
	}
	// Rate limit errors and server errors are retryable
	errStr := err.Error()
	return strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "500") ||
		strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "504")
}

// extractPlaylistID extracts the playlist ID from a Spotify playlist URL or URI.
func extractPlaylistID(input string) string {
	return extractID(input, "playlist")
}

// extractTrackID extracts the track ID from a Spotify track URL or URI.
func extractTrackID(input string) string {
	return extractID(input, "track")
}

// extractID handles spotify:KIND:ID, https://open.spotify.com[/intl-XX]/KIND/ID[?...]
// and bare IDs.
func extractID(input, kind string) string {
	input = strings.TrimSpace(input)
	if uriPrefix := "spotify:" + kind + ":"; strings.HasPrefix(input, uriPrefix) {
		return strings.TrimPrefix(input, uriPrefix)
	}

	sep := "/" + kind + "/"
	if strings.Contains(input, "open.spotify.com") && strings.Contains(input, sep) {
		parts := strings.Split(input, sep)
		// Remove query parameters and trailing slashes
		id := strings.Split(parts[len(parts)-1], "?")[0]
		return strings.TrimRight(id, "/")
	}

	// Assume it's already an ID
	return input
}
