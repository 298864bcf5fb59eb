package promotion

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/onrepeat/internal/domain/play"
	"github.com/osa030/onrepeat/internal/domain/track"
)

// PlaylistAppender adds tracks to a Spotify playlist.
type PlaylistAppender interface {
	AddTracksToPlaylist(ctx context.Context, playlistURL string, trackURIs []string) error
}

// PlaylistSinkConfig is the settings block of a playlist sink.
type PlaylistSinkConfig struct {
	PlaylistURL string `mapstructure:"playlist_url" validate:"required"`
}

// PlaylistSink appends crossing tracks to a playlist.
type PlaylistSink struct {
	name     string
	appender PlaylistAppender
	config   PlaylistSinkConfig
}

// NewPlaylistSink creates a playlist sink from raw settings.
func NewPlaylistSink(name string, appender PlaylistAppender, settings map[string]any) (*PlaylistSink, error) {
	if appender == nil {
		return nil, errors.New("playlist sink requires a spotify client")
	}

	var config PlaylistSinkConfig
	if err := mapstructure.Decode(settings, &config); err != nil {
		return nil, errors.Wrap(err, "failed to decode settings")
	}
	if err := defaults.Set(&config); err != nil {
		return nil, errors.Wrap(err, "failed to set defaults")
	}
	if err := validator.New().Struct(config); err != nil {
		return nil, errors.Wrap(err, "validation failed")
	}

	if name == "" {
		name = "playlist"
	}
	return &PlaylistSink{name: name, appender: appender, config: config}, nil
}

func (s *PlaylistSink) Name() string { return s.name }

func (s *PlaylistSink) OnThresholdCrossed(ctx context.Context, c play.Crossing) error {
	t := track.Track{ID: c.TrackID, URI: c.URI}
	uri := t.CanonicalURI()
	if err := s.appender.AddTracksToPlaylist(ctx, s.config.PlaylistURL, []string{uri}); err != nil {
		return errors.Wrapf(err, "failed to add %s to playlist", uri)
	}
	zlog.Info().Msgf("Added %s - %s to playlist %s", c.TrackName, c.Artist, s.config.PlaylistURL)
	return nil
}
