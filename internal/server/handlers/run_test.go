package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/heascreen/internal/server/middleware"
	"github.com/3leaps/heascreen/pkg/ledger"
	"github.com/3leaps/heascreen/pkg/rank"
)

type fakeSource struct {
	status  *RunStatus
	ranking *rank.Ranking
	err     error
	topK    int
}

func (f *fakeSource) Status(context.Context) (*RunStatus, error) {
	return f.status, f.err
}

func (f *fakeSource) Ranking(_ context.Context, topK int) (*rank.Ranking, error) {
	f.topK = topK
	return f.ranking, f.err
}

func TestRunHandlers_Status(t *testing.T) {
	src := &fakeSource{status: &RunStatus{Summary: &ledger.Summary{RunID: "run_1", Stable: 1, Unstable: 2}}}
	h := &RunHandlers{Source: src}

	rec := httptest.NewRecorder()
	h.Status(rec, httptest.NewRequest(http.MethodGet, "/v1/run", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body RunStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "run_1", body.Summary.RunID)
	assert.Equal(t, 2, body.Summary.Unstable)
}

func TestRunHandlers_Ranking(t *testing.T) {
	src := &fakeSource{ranking: &rank.Ranking{Candidates: []rank.Candidate{{Rank: 1, Composition: "A0.5B0.5", Score: 0.29}}}}
	h := &RunHandlers{Source: src}

	rec := httptest.NewRecorder()
	h.Ranking(rec, httptest.NewRequest(http.MethodGet, "/v1/run/ranking?top_k=3", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 3, src.topK)

	var body rank.Ranking
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Len(t, body.Candidates, 1)
	assert.Equal(t, "A0.5B0.5", body.Candidates[0].Composition)
}

func TestRunHandlers_BadTopK(t *testing.T) {
	h := &RunHandlers{Source: &fakeSource{}}

	rec := httptest.NewRecorder()
	h.Ranking(rec, httptest.NewRequest(http.MethodGet, "/v1/run/ranking?top_k=zero", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunHandlers_ErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
		code string
	}{
		{ErrNoRun, http.StatusNotFound, middleware.CodeNotFound},
		{fmt.Errorf("open: %w", ledger.ErrNoLedger), http.StatusNotFound, middleware.CodeNotFound},
		{ErrNotReady, http.StatusServiceUnavailable, middleware.CodeServiceUnavailable},
		{assert.AnError, http.StatusInternalServerError, middleware.CodeInternal},
	}
	for _, tc := range cases {
		h := &RunHandlers{Source: &fakeSource{err: tc.err}}
		rec := httptest.NewRecorder()
		h.Status(rec, httptest.NewRequest(http.MethodGet, "/v1/run", nil))
		assert.Equal(t, tc.want, rec.Code, tc.err.Error())

		var body middleware.ErrorResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		assert.Equal(t, tc.code, body.Error.Code)
	}
}

func TestRunHandlers_NoSource(t *testing.T) {
	var h *RunHandlers
	rec := httptest.NewRecorder()
	h.Status(rec, httptest.NewRequest(http.MethodGet, "/v1/run", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestVersionHandler(t *testing.T) {
	SetVersionInfo("1.0.0", "abc123", "2026-10-01")
	defer SetVersionInfo("dev", "unknown", "unknown")

	rec := httptest.NewRecorder()
	VersionHandler(rec, httptest.NewRequest(http.MethodGet, "/version", nil))

	var info VersionInfo
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&info))
	assert.Equal(t, "1.0.0", info.Version)
	assert.NotEmpty(t, info.GoVersion)
}
