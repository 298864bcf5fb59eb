package rest

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/goccy/go-json"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/onrepeat/internal/app/frequency"
	"github.com/osa030/onrepeat/internal/app/ingest"
	"github.com/osa030/onrepeat/internal/app/poller"
	"github.com/osa030/onrepeat/internal/domain/play"
)

const maxBodyBytes = 1 << 20

type errorResponse struct {
	Error string `json:"error"`
}

type frequentResponse struct {
	Threshold  int                        `json:"threshold"`
	WindowDays int                        `json:"window_days"`
	Tracks     []frequency.TrackFrequency `json:"tracks"`
}

type crossingJSON struct {
	TrackID   string `json:"track_id"`
	TrackName string `json:"track_name"`
	Artist    string `json:"artist"`
	URI       string `json:"uri"`
	Count     int    `json:"count"`
}

type eventErrorJSON struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

type playsResponse struct {
	Recorded   int              `json:"recorded"`
	Duplicates int              `json:"duplicates"`
	Crossings  []crossingJSON   `json:"crossings"`
	Errors     []eventErrorJSON `json:"errors,omitempty"`
}

type pollerStopResponse struct {
	Stopped bool          `json:"stopped"`
	Status  poller.Status `json:"status"`
}

type resetResponse struct {
	Reset   bool              `json:"reset"`
	Refetch *poller.RunReport `json:"refetch,omitempty"`
}

type rebuildResponse struct {
	Tracks int `json:"tracks"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zlog.Warn().Msgf("Failed to write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// intParam parses an integer query parameter not lower than min.
func intParam(r *http.Request, name string, def, min int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < min {
		return 0, errors.Newf("%s must be an integer >= %d", name, min)
	}
	return v, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleFrequent(w http.ResponseWriter, r *http.Request) {
	threshold, err := intParam(r, "threshold", s.cfg.Defaults.Threshold, 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	days, err := intParam(r, "days", s.cfg.Defaults.WindowDays, 1)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	tracks := s.deps.Analytics.FrequentTracks(r.Context(), threshold, days)
	if tracks == nil {
		tracks = []frequency.TrackFrequency{}
	}
	writeJSON(w, http.StatusOK, frequentResponse{Threshold: threshold, WindowDays: days, Tracks: tracks})
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	opts := s.cfg.Defaults
	var err error
	if opts.TopN, err = intParam(r, "top", opts.TopN, 1); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if opts.Threshold, err = intParam(r, "threshold", opts.Threshold, 0); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if opts.WindowDays, err = intParam(r, "days", opts.WindowDays, 1); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	summary := s.deps.Analytics.Summary(r.Context(), opts)
	if summary.FrequentTracks == nil {
		summary.FrequentTracks = []frequency.TrackFrequency{}
	}
	if summary.TopTracks == nil {
		summary.TopTracks = []frequency.TrackFrequency{}
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handlePlays(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	raws, err := play.DecodeRawEvents(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res := s.deps.Engine.IngestBatch(r.Context(), raws)
	writeJSON(w, playsStatus(res, len(raws)), toPlaysResponse(res))
}

// playsStatus is 200 unless every event failed: 422 when all were invalid,
// 503 when a store failure was involved.
func playsStatus(res ingest.BatchResult, total int) int {
	if total == 0 || len(res.Errors) < total {
		return http.StatusOK
	}
	for _, e := range res.Errors {
		if !errors.Is(e.Err, play.ErrInvalidEvent) {
			return http.StatusServiceUnavailable
		}
	}
	return http.StatusUnprocessableEntity
}

func toPlaysResponse(res ingest.BatchResult) playsResponse {
	out := playsResponse{
		Recorded:   res.Recorded,
		Duplicates: res.Duplicates,
		Crossings:  []crossingJSON{},
	}
	for _, r := range res.Results {
		if c := r.Crossing; c != nil {
			out.Crossings = append(out.Crossings, crossingJSON{
				TrackID:   c.TrackID,
				TrackName: c.TrackName,
				Artist:    c.Artist,
				URI:       c.URI,
				Count:     c.Count,
			})
		}
	}
	for _, e := range res.Errors {
		out.Errors = append(out.Errors, eventErrorJSON{Index: e.Index, Error: e.Err.Error()})
	}
	return out
}

func (s *Server) handleNowPlaying(w http.ResponseWriter, r *http.Request) {
	if s.deps.Player == nil {
		writeError(w, http.StatusServiceUnavailable, "spotify client not configured")
		return
	}
	t, err := s.deps.Player.CurrentlyPlaying(r.Context())
	if err != nil {
		zlog.Warn().Msgf("Failed to get currently playing track: %v", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if t == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"track_id": t.ID,
		"name":     t.Name,
		"artist":   t.ArtistLine(),
		"uri":      t.CanonicalURI(),
		"url":      t.URL(),
	})
}

func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Credentials == nil {
		writeError(w, http.StatusServiceUnavailable, "credentials not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Credentials.Status())
}

func (s *Server) scheduler(w http.ResponseWriter) (Scheduler, bool) {
	if s.deps.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "poller not configured")
		return nil, false
	}
	return s.deps.Scheduler, true
}

func (s *Server) handlePollerStatus(w http.ResponseWriter, r *http.Request) {
	sched, ok := s.scheduler(w)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sched.Status())
}

func (s *Server) handlePollerStart(w http.ResponseWriter, r *http.Request) {
	sched, ok := s.scheduler(w)
	if !ok {
		return
	}
	minutes, err := intParam(r, "interval", 0, 1)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := sched.Start(time.Duration(minutes) * time.Minute); err != nil {
		if errors.Is(err, poller.ErrAlreadyRunning) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sched.Status())
}

func (s *Server) handlePollerStop(w http.ResponseWriter, r *http.Request) {
	sched, ok := s.scheduler(w)
	if !ok {
		return
	}
	stopped := sched.Stop()
	writeJSON(w, http.StatusOK, pollerStopResponse{Stopped: stopped, Status: sched.Status()})
}

func (s *Server) handlePollerRun(w http.ResponseWriter, r *http.Request) {
	sched, ok := s.scheduler(w)
	if !ok {
		return
	}
	report, err := sched.RunNow(r.Context())
	if err != nil {
		writeJSON(w, http.StatusBadGateway, report)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	refetch := r.URL.Query().Get("refetch") == "true"

	if err := s.deps.Engine.Reset(r.Context()); err != nil {
		zlog.Error().Msgf("Reset failed: %v", err)
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	zlog.Warn().Msg("Play history and counters were reset")

	resp := resetResponse{Reset: true}
	if refetch && s.deps.Scheduler != nil {
		s.deps.Scheduler.ResetCursor()
		report, err := s.deps.Scheduler.RunNow(r.Context())
		if err != nil {
			zlog.Warn().Msgf("Refetch after reset failed: %v", err)
		}
		resp.Refetch = &report
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Engine.Rebuild(r.Context())
	if err != nil {
		zlog.Error().Msgf("Rebuild failed: %v", err)
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rebuildResponse{Tracks: n})
}
