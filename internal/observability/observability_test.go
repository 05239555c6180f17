package observability

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/3leaps/heascreen/pkg/ledger"
	"github.com/3leaps/heascreen/pkg/pipeline"
)

var _ pipeline.Observer = (*Metrics)(nil)

func TestNewLogger(t *testing.T) {
	for _, profile := range []string{"", "simple", "STRUCTURED"} {
		l, err := NewLogger("debug", profile)
		require.NoError(t, err, profile)
		assert.NotNil(t, l)
	}

	_, err := NewLogger("loud", "simple")
	assert.Error(t, err)
	_, err = NewLogger("info", "fancy")
	assert.Error(t, err)
}

func TestInitCLILogger(t *testing.T) {
	orig := CLILogger
	defer func() { CLILogger = orig }()

	require.NoError(t, InitCLILogger("warn", "structured"))
	assert.NotSame(t, orig, CLILogger)
	assert.False(t, CLILogger.Core().Enabled(zapcore.DebugLevel))
}

func TestMetrics_Observer(t *testing.T) {
	m := NewMetrics("test")

	m.UnitDone(ledger.StagePrediction, "predicted")
	m.UnitDone(ledger.StagePrediction, "predicted")
	m.UnitFailed(ledger.StagePrediction, "transient_exhausted")
	m.AdapterCall("predict", 20*time.Millisecond, nil)
	m.AdapterCall("predict", time.Second, errors.New("boom"))
	m.Retry("predict")
	m.Backlog(ledger.StageStability, 7, 2)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.unitsTotal.WithLabelValues("prediction", "done", "predicted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.unitsTotal.WithLabelValues("prediction", "failed", "transient_exhausted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.adapterErrors.WithLabelValues("predict")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.retriesTotal.WithLabelValues("predict")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.backlog.WithLabelValues("stability", "pending")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.adapterDuration))
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics("")
	m.Retry("score")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `heascreen_retries_total{op="score"} 1`)
}
