// Package api provides the HTTP handlers for ingesting match events,
// querying the momentum index and opening or tracking positions.
//
// All monetary values use shopspring/decimal, never float64.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"

	"github.com/futstar/momentum-engine/internal/broadcast"
	"github.com/futstar/momentum-engine/internal/engine"
	"github.com/futstar/momentum-engine/internal/ingest"
	"github.com/futstar/momentum-engine/internal/ledger"
	"github.com/futstar/momentum-engine/internal/limits"
	"github.com/futstar/momentum-engine/internal/model"
	"github.com/futstar/momentum-engine/internal/momentum"
)

// Engine is the part of the engine facade the handlers use.
type Engine interface {
	Ingest(ctx context.Context, raw ingest.RawEvent) (model.MatchEvent, error)
	StartMatch(matchID string)
	EndMatch(matchID string) error
	Matches() []string
	CurrentIndex(matchID string) (model.MomentumSample, error)
	History(ctx context.Context, matchID string, since time.Time, limit int) ([]model.MomentumSample, error)
	Pool(matchID string) model.PoolStats
	Subscribe(matchID string) *broadcast.Subscription
	OpenPosition(ctx context.Context, req ledger.OpenRequest) (model.Position, error)
	CancelPosition(ctx context.Context, id string) (model.Position, error)
	SettlementStatus(ctx context.Context, id string) (ledger.Status, error)
	OwnerPositions(ctx context.Context, ownerID string) ([]model.Position, error)
}

// Service serves the HTTP API.
type Service struct {
	engine Engine
	opts   Options
}

// NewService creates the handlers. Zero option fields take defaults.
func NewService(e Engine, opts Options) *Service {
	return &Service{engine: e, opts: opts.withDefaults()}
}

// Routes mounts the API under the current router.
func (s *Service) Routes(r chi.Router) {
	// The stream outlives any request timeout.
	r.Get("/ws/momentum/{matchID}", s.StreamMomentum)

	r.Group(func(r chi.Router) {
		if s.opts.RequestTimeout > 0 {
			r.Use(middleware.Timeout(s.opts.RequestTimeout))
		}

		r.Post("/events", s.IngestEvent)

		r.Get("/matches", s.ListMatches)
		r.Post("/matches/{matchID}/start", s.StartMatch)
		r.Post("/matches/{matchID}/end", s.EndMatch)
		r.Get("/matches/{matchID}/momentum", s.GetMomentum)
		r.Get("/matches/{matchID}/momentum/history", s.GetHistory)
		r.Get("/matches/{matchID}/pool", s.GetPool)

		r.Post("/positions", s.OpenPosition)
		r.Get("/positions/{positionID}", s.GetPosition)
		r.Post("/positions/{positionID}/cancel", s.CancelPosition)
		r.Get("/owners/{ownerID}/positions", s.ListOwnerPositions)
	})
}

// --- Request/Response types ---

// OpenPositionRequest is the JSON body for POST /positions.
type OpenPositionRequest struct {
	OwnerID       string          `json:"owner_id"`
	MatchID       string          `json:"match_id"`
	Side          model.Side      `json:"side"`  // "long" or "short"
	Stake         decimal.Decimal `json:"stake"` // positive
	WindowSeconds int             `json:"window_seconds,omitempty"`
}

// --- HTTP Handlers ---

// IngestEvent handles POST /api/v1/events
func (s *Service) IngestEvent(w http.ResponseWriter, r *http.Request) {
	var raw ingest.RawEvent
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ev, err := s.engine.Ingest(r.Context(), raw)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, ev)
}

// ListMatches handles GET /api/v1/matches
func (s *Service) ListMatches(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Matches())
}

// StartMatch handles POST /api/v1/matches/{matchID}/start
func (s *Service) StartMatch(w http.ResponseWriter, r *http.Request) {
	matchID := chi.URLParam(r, "matchID")
	s.engine.StartMatch(matchID)

	sample, err := s.engine.CurrentIndex(matchID)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sample)
}

// EndMatch handles POST /api/v1/matches/{matchID}/end
func (s *Service) EndMatch(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.EndMatch(chi.URLParam(r, "matchID")); err != nil {
		writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetMomentum handles GET /api/v1/matches/{matchID}/momentum
func (s *Service) GetMomentum(w http.ResponseWriter, r *http.Request) {
	sample, err := s.engine.CurrentIndex(chi.URLParam(r, "matchID"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sample)
}

// GetHistory handles GET /api/v1/matches/{matchID}/momentum/history
// Optional ?since=<RFC 3339>&limit=<n>.
func (s *Service) GetHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var since time.Time
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			writeError(w, "since must be an RFC 3339 timestamp", http.StatusBadRequest)
			return
		}
		since = t
	}
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	samples, err := s.engine.History(r.Context(), chi.URLParam(r, "matchID"), since, limit)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if samples == nil {
		samples = []model.MomentumSample{}
	}
	writeJSON(w, http.StatusOK, samples)
}

// GetPool handles GET /api/v1/matches/{matchID}/pool
func (s *Service) GetPool(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Pool(chi.URLParam(r, "matchID")))
}

// OpenPosition handles POST /api/v1/positions
func (s *Service) OpenPosition(w http.ResponseWriter, r *http.Request) {
	var req OpenPositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.MatchID == "" {
		writeError(w, "match_id is required", http.StatusBadRequest)
		return
	}
	if req.WindowSeconds < 0 {
		writeError(w, "window_seconds must not be negative", http.StatusBadRequest)
		return
	}

	p, err := s.engine.OpenPosition(r.Context(), ledger.OpenRequest{
		OwnerID: req.OwnerID,
		MatchID: req.MatchID,
		Side:    req.Side,
		Stake:   req.Stake,
		Window:  time.Duration(req.WindowSeconds) * time.Second,
	})
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// GetPosition handles GET /api/v1/positions/{positionID}
// Returns the position with its settlement result once settled.
func (s *Service) GetPosition(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.SettlementStatus(r.Context(), chi.URLParam(r, "positionID"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// CancelPosition handles POST /api/v1/positions/{positionID}/cancel
func (s *Service) CancelPosition(w http.ResponseWriter, r *http.Request) {
	p, err := s.engine.CancelPosition(r.Context(), chi.URLParam(r, "positionID"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ListOwnerPositions handles GET /api/v1/owners/{ownerID}/positions
func (s *Service) ListOwnerPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.engine.OwnerPositions(r.Context(), chi.URLParam(r, "ownerID"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ingest.ErrMalformedEvent),
		errors.Is(err, ledger.ErrInvalidStake),
		errors.Is(err, ledger.ErrInvalidSide),
		errors.Is(err, ledger.ErrInvalidWindow),
		errors.Is(err, ledger.ErrInvalidOwner):
		return http.StatusBadRequest
	case errors.Is(err, momentum.ErrUnknownMatch),
		errors.Is(err, ledger.ErrUnknownMatch),
		errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ingest.ErrOutOfOrderEvent),
		errors.Is(err, ledger.ErrNotOpen),
		errors.Is(err, ledger.ErrNotActive),
		errors.Is(err, limits.ErrMatchLimitExceeded),
		errors.Is(err, limits.ErrOpenLimitExceeded):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrNoRecentIndex),
		errors.Is(err, engine.ErrBusy),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeFailure writes err with its mapped status. Internal errors are
// logged and not echoed.
func writeFailure(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
		writeError(w, "internal error", status)
		return
	}
	writeError(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
