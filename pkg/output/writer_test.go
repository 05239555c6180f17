package output

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, line []byte, data any) Record {
	t.Helper()
	var record Record
	require.NoError(t, json.Unmarshal(line, &record))
	if data != nil {
		require.NoError(t, json.Unmarshal(record.Data, data))
	}
	return record
}

func TestNewJSONLWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123")

	assert.NotNil(t, w)
	assert.Equal(t, "run-123", w.runID)
}

func TestJSONLWriter_WritePrediction(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123")

	unc := 0.03
	err := w.WritePrediction(context.Background(), &PredictionRecord{
		ModelID:     "ads-1",
		StructureID: "st-1",
		Composition: "A0.500000-B0.500000",
		Site:        "Hollow_0_1_2",
		Energy:      -0.21,
		Uncertainty: &unc,
	})
	require.NoError(t, err)

	var data PredictionRecord
	record := decode(t, buf.Bytes(), &data)
	assert.Equal(t, TypePrediction, record.Type)
	assert.Equal(t, "run-123", record.RunID)
	assert.False(t, record.TS.IsZero())

	assert.Equal(t, "ads-1", data.ModelID)
	assert.Equal(t, "Hollow_0_1_2", data.Site)
	assert.InDelta(t, -0.21, data.Energy, 1e-12)
	require.NotNil(t, data.Uncertainty)
	assert.False(t, data.Cached)
}

func TestJSONLWriter_StageRecords(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-1")
	ctx := context.Background()

	metric := 1.3
	require.NoError(t, w.WriteComposition(ctx, &CompositionRecord{Composition: "A0.500000-B0.500000", Metric: &metric, Outcome: "stable"}))
	require.NoError(t, w.WriteStructure(ctx, &StructureRecord{StructureID: "st-1", Composition: "A0.500000-B0.500000", Atoms: 24, Accepted: true}))
	require.NoError(t, w.WriteSite(ctx, &SiteRecord{ModelID: "ads-1", StructureID: "st-1", Label: "Top_3", Kind: "top", Position: [3]float64{1, 2, 3}}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)

	var comp CompositionRecord
	assert.Equal(t, TypeComposition, decode(t, []byte(lines[0]), &comp).Type)
	assert.Equal(t, "stable", comp.Outcome)

	var st StructureRecord
	assert.Equal(t, TypeStructure, decode(t, []byte(lines[1]), &st).Type)
	assert.Equal(t, 24, st.Atoms)
	assert.NotContains(t, lines[1], "reason")

	var site SiteRecord
	assert.Equal(t, TypeSite, decode(t, []byte(lines[2]), &site).Type)
	assert.Equal(t, [3]float64{1, 2, 3}, site.Position)
}

func TestJSONLWriter_WriteError(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123")

	err := w.WriteError(context.Background(), &ErrorRecord{
		Code:    ErrCodeTransient,
		Message: "predict: transient adapter failure: 503",
		UnitID:  "ads:ads-1",
		Stage:   "prediction",
	})
	require.NoError(t, err)

	var data ErrorRecord
	record := decode(t, buf.Bytes(), &data)
	assert.Equal(t, TypeError, record.Type)
	assert.Equal(t, ErrCodeTransient, data.Code)
	assert.Equal(t, "ads:ads-1", data.UnitID)
	assert.Equal(t, "prediction", data.Stage)
}

func TestJSONLWriter_WriteProgress(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123")

	err := w.WriteProgress(context.Background(), &ProgressRecord{
		Phase:   PhaseRunning,
		Stages:  map[string]StageProgress{"prediction": {Pending: 10, InFlight: 2, Done: 100, Failed: 1}},
		Elapsed: 5 * time.Second,
	})
	require.NoError(t, err)

	var data ProgressRecord
	record := decode(t, buf.Bytes(), &data)
	assert.Equal(t, TypeProgress, record.Type)
	assert.Equal(t, PhaseRunning, data.Phase)
	assert.Equal(t, int64(100), data.Stages["prediction"].Done)
	assert.Equal(t, 5*time.Second, data.Elapsed)
}

func TestJSONLWriter_WriteSummary(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123")

	err := w.WriteSummary(context.Background(), &SummaryRecord{
		Stable:          1,
		Unstable:        2,
		PredictionsDone: 3,
		Duration:        30 * time.Second,
		DurationHuman:   "30s",
		Top:             []string{"A0.500000-B0.500000"},
	})
	require.NoError(t, err)

	var data SummaryRecord
	record := decode(t, buf.Bytes(), &data)
	assert.Equal(t, TypeSummary, record.Type)
	assert.Equal(t, 1, data.Stable)
	assert.Equal(t, 2, data.Unstable)
	assert.Equal(t, 3, data.PredictionsDone)
	assert.Equal(t, 30*time.Second, data.Duration)
	assert.Equal(t, []string{"A0.500000-B0.500000"}, data.Top)
	assert.Empty(t, data.HaltReason)
}

func TestJSONLWriter_NewlineTerminated(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123")

	require.NoError(t, w.WritePrediction(context.Background(), &PredictionRecord{ModelID: "a"}))
	require.NoError(t, w.WritePrediction(context.Background(), &PredictionRecord{ModelID: "b"}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 2)
	for _, line := range lines {
		var record Record
		assert.NoError(t, json.Unmarshal([]byte(line), &record))
	}
}

func TestJSONLWriter_Close(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123")

	require.NoError(t, w.Close())

	err := w.WritePrediction(context.Background(), &PredictionRecord{ModelID: "a"})
	assert.ErrorIs(t, err, ErrWriterClosed)
}

func TestJSONLWriter_ConcurrentWrites(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123")

	const numWriters = 10
	const writesPerWriter = 100

	var wg sync.WaitGroup
	wg.Add(numWriters)
	for i := 0; i < numWriters; i++ {
		go func(writerID int) {
			defer wg.Done()
			for j := 0; j < writesPerWriter; j++ {
				_ = w.WritePrediction(context.Background(), &PredictionRecord{
					ModelID: "ads",
					Energy:  float64(writerID*writesPerWriter + j),
				})
			}
		}(i)
	}
	wg.Wait()

	// No interleaved lines.
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, numWriters*writesPerWriter)
	for i, line := range lines {
		var record Record
		assert.NoError(t, json.Unmarshal([]byte(line), &record), "line %d should be valid JSON: %s", i, line)
	}
}

func TestJSONLWriter_ContextCancellation(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := w.WritePrediction(ctx, &PredictionRecord{ModelID: "a"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, buf.String())
}

func TestJSONLWriter_WriteFailure(t *testing.T) {
	w := NewJSONLWriter(&failingWriter{err: errors.New("disk full")}, "run-123")

	err := w.WritePrediction(context.Background(), &PredictionRecord{ModelID: "a"})
	require.Error(t, err)

	var writeErr *WriteError
	assert.True(t, errors.As(err, &writeErr))
	assert.Equal(t, "write", writeErr.Op)
}

func TestJSONLWriter_MarshalFailure(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123")

	err := w.WriteError(context.Background(), &ErrorRecord{Code: ErrCodeInternal, Details: make(chan int)})
	var writeErr *WriteError
	require.True(t, errors.As(err, &writeErr))
	assert.Equal(t, "marshal_data", writeErr.Op)
}

// failingWriter is an io.Writer that always returns an error.
type failingWriter struct {
	err error
}

func (f *failingWriter) Write(p []byte) (n int, err error) {
	return 0, f.err
}

func TestJSONLWriter_ShortWrite(t *testing.T) {
	shortWriter := &shortWriteWriter{bytesPerWrite: 10}
	w := NewJSONLWriter(shortWriter, "run-123")

	err := w.WritePrediction(context.Background(), &PredictionRecord{ModelID: "ads-1", StructureID: "st-1", Energy: 0.1})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(shortWriter.buf.String()), "\n")
	assert.Len(t, lines, 1)

	var record Record
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &record), "output should be valid JSON despite short writes")
	assert.Equal(t, TypePrediction, record.Type)
}

func TestJSONLWriter_ZeroWrite(t *testing.T) {
	w := NewJSONLWriter(&zeroWriteWriter{}, "run-123")

	err := w.WritePrediction(context.Background(), &PredictionRecord{ModelID: "a"})
	require.Error(t, err)
	assert.ErrorIs(t, err, io.ErrShortWrite)
}

// shortWriteWriter writes at most bytesPerWrite bytes per call.
type shortWriteWriter struct {
	buf           bytes.Buffer
	bytesPerWrite int
}

func (sw *shortWriteWriter) Write(p []byte) (n int, err error) {
	toWrite := len(p)
	if toWrite > sw.bytesPerWrite {
		toWrite = sw.bytesPerWrite
	}
	return sw.buf.Write(p[:toWrite])
}

// zeroWriteWriter always returns 0 bytes written with nil error.
type zeroWriteWriter struct{}

func (zw *zeroWriteWriter) Write(p []byte) (n int, err error) {
	return 0, nil
}

func TestWriteError(t *testing.T) {
	underlying := errors.New("underlying error")
	err := &WriteError{Op: "marshal", Err: underlying}

	assert.Equal(t, "output: marshal: underlying error", err.Error())
	assert.ErrorIs(t, err, underlying)
}

func TestDiscard(t *testing.T) {
	assert.NoError(t, Discard().WriteSummary(context.Background(), &SummaryRecord{}))
}
