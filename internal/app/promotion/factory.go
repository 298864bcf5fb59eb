package promotion

import (
	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/onrepeat/internal/infra/config"
	"github.com/osa030/onrepeat/internal/infra/logger"
)

// SinkTypes lists the sink types accepted in configuration.
func SinkTypes() []string {
	return []string{"log", "playlist", "nats"}
}

// NewDispatcherFromConfig creates a dispatcher from configuration.
// With no sinks configured, crossings are logged.
func NewDispatcherFromConfig(cfg *config.Config, playlists PlaylistAppender) (*Dispatcher, error) {
	if len(cfg.Promotion.Sinks) == 0 {
		zlog.Info().Msg("no promotion sinks configured, crossings will be logged")
		return NewDispatcher(DefaultTimeout, NewLogSink("log", logger.Component("promotion"))), nil
	}

	var sinks []Sink
	for i, scfg := range cfg.Promotion.Sinks {
		var (
			sink Sink
			err  error
		)
		zlog.Debug().Msgf("creating promotion sink: index=%d type=%s settings=%+v", i+1, scfg.Type, scfg.Settings)
		switch scfg.Type {
		case "log":
			sink = NewLogSink(scfg.DisplayName, logger.Component("promotion"))

		case "playlist":
			sink, err = NewPlaylistSink(scfg.DisplayName, playlists, scfg.Settings)

		case "nats":
			sink, err = NewNATSSink(scfg.DisplayName, scfg.Settings)

		default:
			err = errors.Newf("unsupported sink type: %s", scfg.Type)
		}

		if err != nil {
			closeAll(sinks)
			return nil, errors.Wrapf(err, "failed to create sink (index %d, type %s)", i, scfg.Type)
		}

		sinks = append(sinks, sink)
		zlog.Info().Msgf("registered promotion sink: index=%d type=%s name=%s", i+1, scfg.Type, sink.Name())
	}

	return NewDispatcher(DefaultTimeout, sinks...), nil
}

func closeAll(sinks []Sink) {
	_ = NewDispatcher(DefaultTimeout, sinks...).Close()
}
