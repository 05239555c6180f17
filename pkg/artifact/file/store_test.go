package file

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/heascreen/pkg/artifact"
)

func TestStore_PutGetList(t *testing.T) {
	ctx := context.Background()
	s, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	for _, k := range []string{"lib/A/b.xyz", "lib/A/a.xyz", "lib/B/c.xyz", "other.txt"} {
		require.NoError(t, s.Put(ctx, k, strings.NewReader("data:"+k), -1))
	}

	objs, err := artifact.ListAll(ctx, s, "lib/A/")
	require.NoError(t, err)
	require.Len(t, objs, 2)
	assert.Equal(t, "lib/A/a.xyz", objs[0].Key)
	assert.Equal(t, "lib/A/b.xyz", objs[1].Key)

	objs, err = artifact.ListAll(ctx, s, "lib/")
	require.NoError(t, err)
	assert.Len(t, objs, 3)

	rc, err := s.Get(ctx, "lib/B/c.xyz")
	require.NoError(t, err)
	b, err := io.ReadAll(rc)
	require.NoError(t, rc.Close())
	require.NoError(t, err)
	assert.Equal(t, "data:lib/B/c.xyz", string(b))
}

func TestStore_Pagination(t *testing.T) {
	ctx := context.Background()
	s, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, s.Put(ctx, k, strings.NewReader(k), 1))
	}

	page, err := s.List(ctx, artifact.ListOptions{MaxKeys: 2})
	require.NoError(t, err)
	assert.True(t, page.IsTruncated)
	assert.Len(t, page.Objects, 2)

	page, err = s.List(ctx, artifact.ListOptions{MaxKeys: 2, ContinuationToken: page.ContinuationToken})
	require.NoError(t, err)
	assert.False(t, page.IsTruncated)
	require.Len(t, page.Objects, 1)
	assert.Equal(t, "c", page.Objects[0].Key)
}

func TestStore_NotFoundAndTraversal(t *testing.T) {
	ctx := context.Background()
	s, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	_, err = s.Get(ctx, "missing")
	assert.True(t, artifact.IsNotFound(err))

	err = s.Put(ctx, "../escape", strings.NewReader("x"), 1)
	assert.NoError(t, err, "cleaned keys stay under the base dir")

	_, err = New(Config{})
	assert.Error(t, err)
}

func TestStore_Delete(t *testing.T) {
	ctx := context.Background()
	s, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	require.NoError(t, s.Put(ctx, "probe/x", strings.NewReader("x"), 1))
	require.NoError(t, s.Delete(ctx, "probe/x"))
	_, err = s.Get(ctx, "probe/x")
	assert.True(t, artifact.IsNotFound(err))

	assert.NoError(t, s.Delete(ctx, "probe/x"), "missing keys are not an error")
}
