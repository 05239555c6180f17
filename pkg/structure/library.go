package structure

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/3leaps/heascreen/pkg/artifact"
	"github.com/3leaps/heascreen/pkg/composition"
	"github.com/3leaps/heascreen/pkg/screenerr"
)

// DefaultLibraryPattern selects structure files below a composition prefix.
const DefaultLibraryPattern = "**/*.{xyz,vasp}"

// LibraryGenerator serves prebuilt slabs from an artifact store.
//
// Structures for a composition live under "<prefix><composition key>/" and
// are selected with a doublestar pattern relative to that directory. Files
// are taken in key order; attempt a (counted from 1) starts at offset
// (a-1)*samples and wraps.
type LibraryGenerator struct {
	store   artifact.Store
	prefix  string
	pattern string
}

// NewLibraryGenerator creates a generator. An empty pattern uses
// DefaultLibraryPattern.
func NewLibraryGenerator(store artifact.Store, prefix, pattern string) (*LibraryGenerator, error) {
	if store == nil {
		return nil, fmt.Errorf("structure library: store is required")
	}
	if pattern == "" {
		pattern = DefaultLibraryPattern
	}
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("structure library: invalid pattern %q", pattern)
	}
	prefix = strings.TrimPrefix(prefix, "/")
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &LibraryGenerator{store: store, prefix: prefix, pattern: pattern}, nil
}

// Generate implements Generator.
func (g *LibraryGenerator) Generate(ctx context.Context, c composition.Composition, attempt, samples int) ([]*Structure, error) {
	dir := g.prefix + c.Key() + "/"
	objs, err := artifact.ListAll(ctx, g.store, dir)
	if err != nil {
		return nil, libraryError("list", err)
	}

	var keys []string
	for _, obj := range objs {
		rel := strings.TrimPrefix(obj.Key, dir)
		ok, err := doublestar.Match(g.pattern, rel)
		if err != nil {
			return nil, err
		}
		if ok {
			keys = append(keys, obj.Key)
		}
	}
	if len(keys) == 0 || samples <= 0 {
		return nil, nil
	}
	if samples > len(keys) {
		samples = len(keys)
	}

	sort.Strings(keys)
	if attempt < 1 {
		attempt = 1
	}
	out := make([]*Structure, 0, samples)
	start := ((attempt - 1) * samples) % len(keys)
	for i := 0; i < samples; i++ {
		key := keys[(start+i)%len(keys)]
		s, err := g.read(ctx, key)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (g *LibraryGenerator) read(ctx context.Context, key string) (*Structure, error) {
	rc, err := g.store.Get(ctx, key)
	if err != nil {
		return nil, libraryError("get", err)
	}
	defer func() { _ = rc.Close() }()

	s, err := Read(key, rc)
	if err != nil {
		return nil, screenerr.Validation("unreadable_structure", fmt.Errorf("%s: %w", path.Base(key), err))
	}
	return s, nil
}

func libraryError(op string, err error) error {
	if artifact.IsRetryable(err) {
		return screenerr.Transient("structure_library."+op, err)
	}
	return err
}
