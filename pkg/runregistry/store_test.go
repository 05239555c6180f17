package runregistry

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/heascreen/pkg/output"
)

func TestStore_WriteGetRoundTrip(t *testing.T) {
	root := t.TempDir()
	s := NewStore(root)
	dir := filepath.Join(root, "nimo")

	now := time.Date(2026, 1, 19, 12, 0, 0, 0, time.UTC)
	rec := &RunRecord{
		RunID:        "run-1",
		Name:         "nimo",
		State:        RunStateSuccess,
		ManifestPath: "/tmp/run.yaml",
		RunDir:       dir,
		ConfigHash:   "abc",
		CreatedAt:    now,
		StartedAt:    &now,
	}
	require.NoError(t, s.Write(rec))

	got, err := s.Get(dir)
	require.NoError(t, err)
	assert.Equal(t, rec.RunID, got.RunID)
	assert.Equal(t, rec.State, got.State)
	assert.Equal(t, "abc", got.ConfigHash)
	assert.FileExists(t, RecordPath(dir))
}

func TestStore_GetMissing(t *testing.T) {
	_, err := NewStore("").Get(t.TempDir())
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestStore_ListSortsNewestFirst(t *testing.T) {
	root := t.TempDir()
	s := NewStore(root)

	t1 := time.Date(2026, 1, 19, 12, 0, 0, 0, time.UTC)
	t2 := time.Date(2026, 1, 19, 13, 0, 0, 0, time.UTC)
	require.NoError(t, s.Write(&RunRecord{RunID: "run-1", State: RunStateSuccess, RunDir: filepath.Join(root, "a"), CreatedAt: t1, StartedAt: &t1}))
	require.NoError(t, s.Write(&RunRecord{RunID: "run-2", State: RunStateStopped, RunDir: filepath.Join(root, "b"), CreatedAt: t2, StartedAt: &t2}))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "empty"), 0o755))

	got, err := s.List()
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "run-2", got[0].RunID)
}

func TestStore_DeadProcessIsUnknown(t *testing.T) {
	dir := t.TempDir()
	s := NewStore("")

	// Spawn and reap a short-lived process so its pid is known to be gone.
	cmd := exec.Command("true")
	require.NoError(t, cmd.Run())

	require.NoError(t, s.Write(&RunRecord{RunID: "run-1", State: RunStateRunning, RunDir: dir, PID: cmd.Process.Pid, CreatedAt: time.Now()}))

	got, err := s.Get(dir)
	require.NoError(t, err)
	assert.Equal(t, RunStateUnknown, got.State)
}

func TestStore_HeartbeatAndFinish(t *testing.T) {
	dir := t.TempDir()
	s := NewStore("")
	require.NoError(t, s.Write(&RunRecord{RunID: "run-1", State: RunStateRunning, RunDir: dir, PID: os.Getpid(), CreatedAt: time.Now()}))

	p := &output.ProgressRecord{Phase: output.PhaseRunning, Stages: map[string]output.StageProgress{"predict": {Pending: 3, Done: 5}}}
	require.NoError(t, s.Heartbeat(dir, p))

	got, err := s.Get(dir)
	require.NoError(t, err)
	require.NotNil(t, got.LastHeartbeat)
	require.NotNil(t, got.Progress)
	assert.Equal(t, int64(5), got.Progress.Stages["predict"].Done)

	require.NoError(t, s.Finish(dir, RunStateHalted, "ledger corruption", errors.New("boom")))
	got, err = s.Get(dir)
	require.NoError(t, err)
	assert.Equal(t, RunStateHalted, got.State)
	assert.True(t, got.State.Terminal())
	assert.Equal(t, "ledger corruption", got.HaltReason)
	assert.Equal(t, "boom", got.Error)
	assert.NotNil(t, got.EndedAt)
}

func TestExecutor_StartBackground(t *testing.T) {
	root := t.TempDir()
	manifest := filepath.Join(root, "run.yaml")
	require.NoError(t, os.WriteFile(manifest, []byte("version: \"1.0\"\n"), 0o600))

	var gotArgs []string
	e := NewExecutor(NewStore(root))
	e.command = func(_ string, args ...string) *exec.Cmd {
		gotArgs = args
		return exec.Command("true")
	}

	rec, err := e.StartBackground(manifest, filepath.Join(root, "nimo"), "nimo")
	require.NoError(t, err)
	assert.Equal(t, RunStateRunning, rec.State)
	assert.Positive(t, rec.PID)
	assert.Contains(t, gotArgs, ManagedRunFlag)
	assert.Contains(t, gotArgs, rec.RunID)
	assert.FileExists(t, rec.StdoutPath)

	stored, err := e.Store().Get(rec.RunDir)
	require.NoError(t, err)
	assert.Equal(t, rec.RunID, stored.RunID)
}

func TestExecutor_MissingManifest(t *testing.T) {
	e := NewExecutor(NewStore(t.TempDir()))
	_, err := e.StartBackground(filepath.Join(t.TempDir(), "nope.yaml"), t.TempDir(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "manifest not found")
}
