package preflight_test

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/heascreen/pkg/artifact"
	"github.com/3leaps/heascreen/pkg/artifact/file"
	"github.com/3leaps/heascreen/pkg/preflight"
)

// denyStore refuses every operation.
type denyStore struct{}

func (denyStore) List(context.Context, artifact.ListOptions) (*artifact.ListResult, error) {
	return nil, &artifact.StoreError{Op: "List", Err: artifact.ErrAccessDenied}
}

func (denyStore) Get(context.Context, string) (io.ReadCloser, error) {
	return nil, &artifact.StoreError{Op: "Get", Err: artifact.ErrAccessDenied}
}

func (denyStore) Put(context.Context, string, io.Reader, int64) error {
	return &artifact.StoreError{Op: "Put", Err: artifact.ErrAccessDenied}
}

func (denyStore) Close() error { return nil }

func TestParseMode(t *testing.T) {
	m, err := preflight.ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, preflight.ModeReadSafe, m)

	m, err = preflight.ParseMode(" Write-Probe ")
	require.NoError(t, err)
	assert.Equal(t, preflight.ModeWriteProbe, m)

	_, err = preflight.ParseMode("yolo")
	assert.Error(t, err)
}

func TestCheck_FileStores(t *testing.T) {
	ctx := context.Background()
	src, err := file.New(file.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	dstDir := t.TempDir()
	dst, err := file.New(file.Config{BaseDir: dstDir})
	require.NoError(t, err)

	targets := []preflight.Target{
		{Name: "structure_library", Store: src, Prefix: "fcc111/", Source: true},
		{Name: "export", Store: dst, Prefix: "results"},
	}

	t.Run("read-safe skips write probes", func(t *testing.T) {
		rec, err := preflight.Check(ctx, preflight.ModeReadSafe, targets...)
		require.NoError(t, err)
		require.Len(t, rec.Results, 2)
		assert.Equal(t, preflight.CapSourceList, rec.Results[0].Capability)
		assert.Equal(t, preflight.CapSourceRead, rec.Results[1].Capability)
		for _, r := range rec.Results {
			assert.True(t, r.Allowed)
		}
	})

	t.Run("write-probe cleans up", func(t *testing.T) {
		rec, err := preflight.Check(ctx, preflight.ModeWriteProbe, targets...)
		require.NoError(t, err)
		require.Len(t, rec.Results, 3)
		last := rec.Results[2]
		assert.Equal(t, "export", last.Target)
		assert.Equal(t, preflight.CapTargetWrite, last.Capability)
		assert.True(t, last.Allowed)

		objs, err := artifact.ListAll(ctx, dst, "")
		require.NoError(t, err)
		assert.Empty(t, objs)
	})

	t.Run("plan-only does nothing", func(t *testing.T) {
		rec, err := preflight.Check(ctx, preflight.ModePlanOnly, targets...)
		require.NoError(t, err)
		assert.Empty(t, rec.Results)
	})
}

func TestCheck_Denied(t *testing.T) {
	ctx := context.Background()

	rec, err := preflight.Check(ctx, preflight.ModeReadSafe,
		preflight.Target{Name: "structure_library", Store: denyStore{}, Source: true})
	require.Error(t, err)
	require.Len(t, rec.Results, 1)
	assert.False(t, rec.Results[0].Allowed)
	assert.Equal(t, preflight.CodeAccessDenied, rec.Results[0].ErrorCode)
	assert.True(t, artifact.IsAccessDenied(err))

	// denyStore has no Delete, so a write probe cannot run.
	rec, err = preflight.Check(ctx, preflight.ModeWriteProbe,
		preflight.Target{Name: "export", Store: denyStore{}})
	require.Error(t, err)
	require.Len(t, rec.Results, 1)
	assert.Equal(t, preflight.CapTargetWrite, rec.Results[0].Capability)
	assert.False(t, rec.Results[0].Allowed)
}
