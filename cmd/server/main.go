// Package main provides the server entry point.
package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	zlog "github.com/rs/zerolog/log"
	"github.com/thejerf/suture/v4"

	"github.com/osa030/onrepeat/internal/api/rest"
	"github.com/osa030/onrepeat/internal/app/frequency"
	"github.com/osa030/onrepeat/internal/app/ingest"
	"github.com/osa030/onrepeat/internal/app/poller"
	"github.com/osa030/onrepeat/internal/app/promotion"
	"github.com/osa030/onrepeat/internal/infra/config"
	"github.com/osa030/onrepeat/internal/infra/credential"
	"github.com/osa030/onrepeat/internal/infra/logger"
	"github.com/osa030/onrepeat/internal/infra/spotify"
	"github.com/osa030/onrepeat/internal/infra/store/driver"
)

var (
	app        = kingpin.New("onrepeat-server", "onrepeat play tracker server")
	configPath = app.Flag("config", "Path to config file").Default("config/server.yaml").String()
	verbose    = app.Flag("verbose", "Enable verbose (DEBUG) logging").Short('v').Bool()
	logfile    = app.Flag("logfile", "Path to log file (default: stdout)").String()

	// list-sinks command
	listSinksCmd = app.Command("list-sinks", "List available promotion sink types and exit")
)

func init() {
	// start command (default) - no need to store the command
	app.Command("start", "Start the server (default)").Default()
}

func main() {
	// Load .env file if it exists (errors are ignored)
	_ = godotenv.Load()

	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	if command == listSinksCmd.FullCommand() {
		fmt.Println("Available promotion sinks:")
		for _, t := range promotion.SinkTypes() {
			fmt.Printf("  %s\n", t)
		}
		return
	}

	loggerConfig := logger.Config{Output: "stdout", Level: "info"}
	if *verbose {
		loggerConfig.Level = "debug"
	}
	if *logfile != "" {
		loggerConfig.Output = *logfile
	}
	closer, err := logger.Init(loggerConfig)
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer closer.Close()

	zlog.Info().Msgf("Loading config from %s", *configPath)
	cfg, err := config.Load(*configPath)
	if err != nil {
		zlog.Fatal().Msgf("Failed to load config: %v", err)
	}

	if err := run(cfg); err != nil {
		zlog.Error().Msgf("Server error: %+v", err)
		_ = closer.Close()
		os.Exit(1)
	}
}

// run executes the main server logic. Using a separate function ensures
// defer statements are executed even when returning with an error.
func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := driver.Open(cfg.Storage)
	if err != nil {
		return errors.Wrap(err, "failed to open storage")
	}
	defer func() {
		if err := backend.Close(); err != nil {
			zlog.Error().Msgf("Failed to close storage: %v", err)
		}
	}()

	// Spotify is optional: without credentials the server still accepts
	// pushed plays and answers queries.
	var (
		spotifyClient *spotify.Client
		provider      *credential.Provider
	)
	if err := cfg.RequireSpotify(); err != nil {
		zlog.Warn().Msgf("Spotify disabled: %v", err)
	} else {
		oauthConf := credential.OAuthConfig(cfg.Spotify.ClientID, cfg.Spotify.ClientSecret, cfg.Spotify.RedirectURL)
		provider = credential.NewProvider(ctx, oauthConf, credential.NewFileStore(cfg.Spotify.TokenFile))
		spotifyClient = spotify.New(ctx, provider, spotify.Config{Market: cfg.Spotify.Market})

		if st := provider.Status(); !st.Present {
			zlog.Warn().Msgf("No Spotify token at %s, run the auth command first", cfg.Spotify.TokenFile)
		}
	}

	var playlists promotion.PlaylistAppender
	if spotifyClient != nil {
		playlists = spotifyClient
	}
	dispatcher, err := promotion.NewDispatcherFromConfig(cfg, playlists)
	if err != nil {
		return errors.Wrap(err, "failed to create promotion sinks")
	}
	defer func() {
		if err := dispatcher.Close(); err != nil {
			zlog.Warn().Msgf("Failed to close promotion sinks: %v", err)
		}
	}()

	engine := ingest.NewFromBackend(backend, ingest.Config{
		Threshold: cfg.Tracking.CrossingThreshold,
		Timeout:   cfg.Storage.OpTimeout,
	}, ingest.WithPromoter(dispatcher))
	query := frequency.New(backend.Events(), backend.Counters())

	deps := rest.Deps{Engine: engine, Analytics: query}
	supervisor := suture.New("onrepeat", suture.Spec{
		EventHook: func(e suture.Event) {
			zlog.Warn().Msgf("supervisor: %s", e)
		},
		Timeout: 15 * time.Second,
	})

	if spotifyClient != nil {
		p := poller.New(spotifyClient, engine, poller.Config{
			Interval:  cfg.Poller.Interval(),
			PageSize:  cfg.Poller.PageSize,
			Autostart: cfg.Poller.Autostart,
		})
		supervisor.Add(p)
		deps.Scheduler = p
		deps.Credentials = provider
		deps.Player = spotifyClient
	}

	if svc, ok := backend.(suture.Service); ok {
		supervisor.Add(svc)
	}

	api := rest.NewServer(deps, rest.Config{
		AdminToken: cfg.Server.AdminToken,
		Defaults: frequency.Options{
			Threshold:  cfg.Tracking.FrequentThreshold,
			WindowDays: cfg.Tracking.WindowDays,
			TopN:       cfg.Tracking.TopN,
		},
	})
	httpService := rest.NewHTTPService(cfg.Server.Addr, api.Handler())
	supervisor.Add(httpService)

	zlog.Info().Msgf("Tracking with crossing threshold %d (sinks: %v)", engine.Threshold(), dispatcher.Sinks())
	errCh := supervisor.ServeBackground(ctx)

	select {
	case <-httpService.Ready():
		executeHooks(cfg.Server.Hooks.OnStarted, "on_started")
	case err := <-errCh:
		return errors.Wrap(err, "supervisor stopped before the server started")
	}

	<-ctx.Done()
	zlog.Info().Msg("Received shutdown signal...")

	if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
		zlog.Warn().Msgf("Supervisor stopped: %v", err)
	}
	if report, err := supervisor.UnstoppedServiceReport(); err == nil && len(report) > 0 {
		zlog.Warn().Msgf("Services did not stop in time: %v", report)
	}

	executeHooks(cfg.Server.Hooks.OnStopped, "on_stopped")
	return nil
}

// executeHooks runs a list of shell commands.
func executeHooks(hooks []string, stage string) {
	if len(hooks) == 0 {
		return
	}

	zlog.Info().Msgf("Executing %s hooks (%d commands)", stage, len(hooks))

	for _, hook := range hooks {
		zlog.Info().Msgf("Executing hook: %s", hook)
		// Use sh -c to allow shell features like redirection or pipes
		cmd := exec.Command("sh", "-c", hook)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr

		if err := cmd.Run(); err != nil {
			zlog.Error().Err(err).Msgf("Failed to execute hook: %s", hook)
		}
	}
}
