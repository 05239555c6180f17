package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/3leaps/heascreen/internal/server/middleware"
	"github.com/3leaps/heascreen/pkg/ledger"
	"github.com/3leaps/heascreen/pkg/output"
	"github.com/3leaps/heascreen/pkg/rank"
	"github.com/3leaps/heascreen/pkg/runregistry"
)

var (
	// ErrNoRun means the server was started without a run to report on.
	ErrNoRun = errors.New("no run configured")

	// ErrNotReady means the run exists but has nothing to report yet.
	ErrNotReady = errors.New("run not ready")
)

// RunStatus is the body of GET /v1/run.
type RunStatus struct {
	Run     *runregistry.RunRecord          `json:"run,omitempty"`
	Summary *ledger.Summary                 `json:"summary"`
	Stages  map[string]output.StageProgress `json:"stages"`
}

// RunSource reads a run's state. Implementations open the ledger
// read-only so a run in progress is not disturbed.
type RunSource interface {
	Status(ctx context.Context) (*RunStatus, error)
	Ranking(ctx context.Context, topK int) (*rank.Ranking, error)
}

// RunHandlers serves the /v1/run endpoints.
type RunHandlers struct {
	Source RunSource
}

// Status serves GET /v1/run.
func (h *RunHandlers) Status(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Source == nil {
		respondWithError(w, r, ErrNoRun)
		return
	}
	st, err := h.Source.Status(r.Context())
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Ranking serves GET /v1/run/ranking?top_k=N.
func (h *RunHandlers) Ranking(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Source == nil {
		respondWithError(w, r, ErrNoRun)
		return
	}
	topK := 0
	if raw := r.URL.Query().Get("top_k"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			middleware.WriteError(w, r, http.StatusBadRequest, middleware.CodeBadRequest,
				"top_k must be a positive integer", map[string]any{"top_k": raw})
			return
		}
		topK = n
	}
	ranking, err := h.Source.Ranking(r.Context(), topK)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ranking)
}
