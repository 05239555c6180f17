package inference

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/heascreen/pkg/screenerr"
)

type echoReq struct {
	Value int `json:"value"`
}

type echoResp struct {
	Doubled int `json:"doubled"`
}

func TestPostJSON_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/echo", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("X-Api-Key"))
		var req echoReq
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Header().Set(HeaderModelVersion, "v7")
		_ = json.NewEncoder(w).Encode(echoResp{Doubled: req.Value * 2})
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL + "/", Headers: map[string]string{"X-Api-Key": "secret"}, MaxInFlight: 2, RateLimit: 100})
	require.NoError(t, err)

	var out echoResp
	hdr, err := c.PostJSON(context.Background(), "echo", "/echo", echoReq{Value: 21}, &out)
	require.NoError(t, err)
	assert.Equal(t, 42, out.Doubled)
	assert.Equal(t, "v7", hdr.Get(HeaderModelVersion))
}

func TestPostJSON_Classification(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		transient  bool
		validation bool
	}{
		{"server error", http.StatusInternalServerError, true, false},
		{"throttled", http.StatusTooManyRequests, true, false},
		{"bad request", http.StatusBadRequest, false, true},
		{"unprocessable", http.StatusUnprocessableEntity, false, true},
		{"forbidden", http.StatusForbidden, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			c, err := New(Config{BaseURL: srv.URL})
			require.NoError(t, err)

			_, err = c.PostJSON(context.Background(), "op", "/x", echoReq{}, nil)
			require.Error(t, err)
			assert.Equal(t, tt.transient, screenerr.IsTransient(err))
			assert.Equal(t, tt.validation, screenerr.IsValidation(err))
		})
	}
}

func TestPostJSON_TimeoutIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL, Timeout: 20 * time.Millisecond})
	require.NoError(t, err)

	_, err = c.PostJSON(context.Background(), "slow", "/", echoReq{}, nil)
	assert.True(t, screenerr.IsTransient(err))
}

func TestPostJSON_MalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("{not json"))
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL})
	require.NoError(t, err)

	var out echoResp
	_, err = c.PostJSON(context.Background(), "op", "/", echoReq{}, &out)
	assert.Equal(t, "malformed_response", screenerr.ValidationReason(err))
}

func TestNew_RequiresHTTPBase(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
	_, err = New(Config{BaseURL: "ftp://x"})
	assert.Error(t, err)
}
