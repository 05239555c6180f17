// Package handlers implements the status server endpoints.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/3leaps/heascreen/internal/server/middleware"
	"github.com/3leaps/heascreen/pkg/ledger"
	"github.com/3leaps/heascreen/pkg/runregistry"
)

// HTTPErrorResponder writes an error response for err.
type HTTPErrorResponder func(w http.ResponseWriter, r *http.Request, err error)

var httpErrorResponder HTTPErrorResponder = defaultErrorResponder

// SetHTTPErrorResponder replaces the error responder. Nil restores the
// default.
func SetHTTPErrorResponder(fn HTTPErrorResponder) {
	if fn == nil {
		fn = defaultErrorResponder
	}
	httpErrorResponder = fn
}

// ResetHTTPErrorResponder restores the default responder.
func ResetHTTPErrorResponder() {
	httpErrorResponder = defaultErrorResponder
}

func respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	httpErrorResponder(w, r, err)
}

// defaultErrorResponder maps known errors onto status codes.
func defaultErrorResponder(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrNoRun), errors.Is(err, ledger.ErrNoLedger), errors.Is(err, runregistry.ErrNotFound):
		middleware.WriteError(w, r, http.StatusNotFound, middleware.CodeNotFound, err.Error(), nil)
	case errors.Is(err, ErrNotReady):
		middleware.WriteError(w, r, http.StatusServiceUnavailable, middleware.CodeServiceUnavailable, err.Error(), nil)
	default:
		middleware.WriteError(w, r, http.StatusInternalServerError, middleware.CodeInternal, err.Error(), nil)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
