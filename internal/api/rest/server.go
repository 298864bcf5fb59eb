// Package rest provides the HTTP API of the play tracker.
package rest

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/osa030/onrepeat/internal/app/frequency"
	"github.com/osa030/onrepeat/internal/app/ingest"
	"github.com/osa030/onrepeat/internal/app/poller"
	"github.com/osa030/onrepeat/internal/domain/play"
	"github.com/osa030/onrepeat/internal/domain/track"
	"github.com/osa030/onrepeat/internal/infra/credential"
)

// AdminTokenHeader is the header name for admin authentication token.
const AdminTokenHeader = "X-Admin-Token"

// Engine is the ingestion side used by the API.
type Engine interface {
	IngestBatch(ctx context.Context, raws []play.RawEvent) ingest.BatchResult
	Reset(ctx context.Context) error
	Rebuild(ctx context.Context) (int, error)
}

// Analytics is the read side used by the API.
type Analytics interface {
	FrequentTracks(ctx context.Context, threshold, windowDays int) []frequency.TrackFrequency
	Summary(ctx context.Context, opts frequency.Options) frequency.Summary
}

// Scheduler controls the poller.
type Scheduler interface {
	Start(interval time.Duration) error
	Stop() bool
	Status() poller.Status
	RunNow(ctx context.Context) (poller.RunReport, error)
	ResetCursor()
}

// CredentialReporter reports the state of the stored credential.
type CredentialReporter interface {
	Status() credential.Status
}

// NowPlaying returns the track currently playing.
type NowPlaying interface {
	CurrentlyPlaying(ctx context.Context) (*track.Track, error)
}

// Deps are the collaborators behind the routes. Scheduler, Credentials and
// Player may be nil; their routes then answer 503.
type Deps struct {
	Engine      Engine
	Analytics   Analytics
	Scheduler   Scheduler
	Credentials CredentialReporter
	Player      NowPlaying
}

// Config holds API settings.
type Config struct {
	AdminToken string
	Defaults   frequency.Options

	// AdminRateLimit is the number of admin requests allowed per IP and minute.
	AdminRateLimit int
}

// Server serves the HTTP API.
type Server struct {
	deps Deps
	cfg  Config
}

// NewServer creates a Server.
func NewServer(deps Deps, cfg Config) *Server {
	if cfg.Defaults.Threshold <= 0 {
		cfg.Defaults.Threshold = frequency.DefaultThreshold
	}
	if cfg.Defaults.WindowDays <= 0 {
		cfg.Defaults.WindowDays = frequency.DefaultWindowDays
	}
	if cfg.Defaults.TopN <= 0 {
		cfg.Defaults.TopN = frequency.DefaultTopN
	}
	if cfg.AdminRateLimit <= 0 {
		cfg.AdminRateLimit = 10
	}
	return &Server{deps: deps, cfg: cfg}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(requestMetrics)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/frequent", s.handleFrequent)
		r.Get("/analytics", s.handleAnalytics)
		r.Post("/plays", s.handlePlays)

		r.Get("/now-playing", s.handleNowPlaying)
		r.Get("/auth/status", s.handleAuthStatus)

		r.Route("/poller", func(r chi.Router) {
			r.Get("/status", s.handlePollerStatus)
			r.Post("/start", s.handlePollerStart)
			r.Post("/stop", s.handlePollerStop)
			r.Post("/run", s.handlePollerRun)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(httprate.LimitByIP(s.cfg.AdminRateLimit, time.Minute))
			r.Use(adminAuth(s.cfg.AdminToken))
			r.Post("/reset", s.handleReset)
			r.Post("/rebuild", s.handleRebuild)
		})
	})

	return r
}
