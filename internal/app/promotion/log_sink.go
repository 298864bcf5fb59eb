package promotion

import (
	"context"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/onrepeat/internal/domain/play"
	"github.com/osa030/onrepeat/internal/domain/track"
)

// LogSink writes crossings to the application log.
type LogSink struct {
	name   string
	logger *zerolog.Logger
}

// NewLogSink creates a log sink. A nil logger means the global logger.
func NewLogSink(name string, logger *zerolog.Logger) *LogSink {
	if name == "" {
		name = "log"
	}
	return &LogSink{name: name, logger: logger}
}

func (s *LogSink) Name() string { return s.name }

func (s *LogSink) OnThresholdCrossed(ctx context.Context, c play.Crossing) error {
	logger := s.logger
	if logger == nil {
		logger = &zlog.Logger
	}
	t := track.Track{ID: c.TrackID}
	logger.Info().
		Str("track_id", c.TrackID).
		Int("count", c.Count).
		Uint64("sequence_no", SequenceNo(ctx)).
		Msgf("On repeat: %s - %s (%s)", c.TrackName, c.Artist, t.URL())
	return nil
}
