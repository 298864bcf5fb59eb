package promotion

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/mitchellh/mapstructure"
	"github.com/nats-io/nats.go"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/onrepeat/internal/domain/play"
	"github.com/osa030/onrepeat/internal/domain/track"
)

// NATSSinkConfig is the settings block of a nats sink.
type NATSSinkConfig struct {
	URL     string `mapstructure:"url" default:"nats://127.0.0.1:4222" validate:"required"`
	Subject string `mapstructure:"subject" default:"onrepeat.promoted" validate:"required"`
}

// NATSSink publishes crossings as JSON notices.
type NATSSink struct {
	name   string
	conn   *nats.Conn
	config NATSSinkConfig
	now    func() time.Time
}

// NewNATSSink connects to the configured server.
func NewNATSSink(name string, settings map[string]any) (*NATSSink, error) {
	var config NATSSinkConfig
	if err := mapstructure.Decode(settings, &config); err != nil {
		return nil, errors.Wrap(err, "failed to decode settings")
	}
	if err := defaults.Set(&config); err != nil {
		return nil, errors.Wrap(err, "failed to set defaults")
	}
	if err := validator.New().Struct(config); err != nil {
		return nil, errors.Wrap(err, "validation failed")
	}

	conn, err := nats.Connect(config.URL,
		nats.Name("onrepeat"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(10),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to %s", config.URL)
	}

	if name == "" {
		name = "nats"
	}
	zlog.Info().Msgf("NATS sink %s publishing to %s on %s", name, config.Subject, config.URL)
	return &NATSSink{name: name, conn: conn, config: config, now: time.Now}, nil
}

func (s *NATSSink) Name() string { return s.name }

func (s *NATSSink) OnThresholdCrossed(ctx context.Context, c play.Crossing) error {
	t := track.Track{ID: c.TrackID, URI: c.URI}
	data, err := json.Marshal(Notice{
		SequenceNo: SequenceNo(ctx),
		TrackID:    c.TrackID,
		TrackName:  c.TrackName,
		Artist:     c.Artist,
		URI:        t.CanonicalURI(),
		URL:        t.URL(),
		Count:      c.Count,
		CrossedAt:  s.now().UTC(),
	})
	if err != nil {
		return errors.Wrap(err, "failed to encode notice")
	}

	if err := s.conn.Publish(s.config.Subject, data); err != nil {
		return errors.Wrapf(err, "failed to publish to %s", s.config.Subject)
	}
	return s.conn.FlushWithContext(ctx)
}

// Close drains and closes the connection.
func (s *NATSSink) Close() error {
	return s.conn.Drain()
}
