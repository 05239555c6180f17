// Package file implements artifact.Store over a local directory.
package file

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/3leaps/heascreen/pkg/artifact"
)

// DefaultMaxKeys is the default page size for List.
const DefaultMaxKeys = 1000

// Store implements artifact.Store for local filesystem paths.
//
// Keys are relative slash-separated paths under BaseDir.
type Store struct {
	baseDir string
}

var (
	_ artifact.Store   = (*Store)(nil)
	_ artifact.Deleter = (*Store)(nil)
)

type Config struct {
	BaseDir string
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.BaseDir) == "" {
		return fmt.Errorf("base dir is required")
	}
	return nil
}

func New(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{baseDir: filepath.Clean(cfg.BaseDir)}, nil
}

func (s *Store) Close() error { return nil }

// BaseDir returns the root directory.
func (s *Store) BaseDir() string { return s.baseDir }

func (s *Store) List(ctx context.Context, opts artifact.ListOptions) (*artifact.ListResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	maxKeys := opts.MaxKeys
	if maxKeys <= 0 {
		maxKeys = DefaultMaxKeys
	}

	prefix := strings.TrimPrefix(opts.Prefix, "/")
	keys, err := s.collectKeys(prefix)
	if err != nil {
		return nil, s.wrapError("List", opts.Prefix, err)
	}
	sort.Strings(keys)

	start := 0
	if opts.ContinuationToken != "" {
		// Start strictly after the last returned key.
		idx := sort.SearchStrings(keys, opts.ContinuationToken)
		for idx < len(keys) && keys[idx] <= opts.ContinuationToken {
			idx++
		}
		start = idx
	}
	end := start + maxKeys
	if end > len(keys) {
		end = len(keys)
	}

	objects := make([]artifact.ObjectSummary, 0, end-start)
	for _, k := range keys[start:end] {
		full, err := s.fullPath(k)
		if err != nil {
			continue
		}
		st, err := os.Stat(full)
		if err != nil || st.IsDir() {
			continue
		}
		objects = append(objects, artifact.ObjectSummary{Key: k, Size: st.Size(), LastModified: st.ModTime()})
	}

	res := &artifact.ListResult{Objects: objects}
	if end < len(keys) {
		res.IsTruncated = true
		res.ContinuationToken = keys[end-1]
	}
	return res, nil
}

func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	full, err := s.fullPath(key)
	if err != nil {
		return nil, s.wrapError("Get", key, err)
	}
	f, err := os.Open(full)
	if err != nil {
		return nil, s.wrapError("Get", key, err)
	}
	return f, nil
}

// Put writes the object atomically via a temp file and rename.
func (s *Store) Put(ctx context.Context, key string, body io.Reader, _ int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full, err := s.fullPath(key)
	if err != nil {
		return s.wrapError("Put", key, err)
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return s.wrapError("Put", key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".heascreen-put-*")
	if err != nil {
		return s.wrapError("Put", key, err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := io.Copy(tmp, body); err != nil {
		return s.wrapError("Put", key, err)
	}
	if err := tmp.Close(); err != nil {
		return s.wrapError("Put", key, err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		return s.wrapError("Put", key, err)
	}
	return nil
}

// Delete implements artifact.Deleter.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full, err := s.fullPath(key)
	if err != nil {
		return s.wrapError("Delete", key, err)
	}
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return s.wrapError("Delete", key, err)
	}
	return nil
}

func (s *Store) fullPath(key string) (string, error) {
	key = strings.TrimPrefix(strings.TrimSpace(key), "/")
	// Prevent path traversal.
	clean := strings.TrimPrefix(filepath.Clean("/"+key), "/")
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("invalid key path")
	}
	return filepath.Join(s.baseDir, filepath.FromSlash(clean)), nil
}

func (s *Store) collectKeys(prefix string) ([]string, error) {
	// The prefix may end mid-name, so walk from its directory and filter.
	dirPart := prefix
	if !strings.HasSuffix(prefix, "/") {
		dirPart = filepath.ToSlash(filepath.Dir(prefix))
		if dirPart == "." {
			dirPart = ""
		}
	}
	root, err := s.fullPath(dirPart)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(root); err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}

	var keys []string
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.baseDir, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if strings.HasPrefix(rel, prefix) && !strings.HasPrefix(filepath.Base(rel), ".heascreen-put-") {
			keys = append(keys, rel)
		}
		return nil
	})
	return keys, nil
}

func (s *Store) wrapError(op, key string, err error) error {
	wrapped := &artifact.StoreError{Op: op, Kind: artifact.KindFile, Key: key, Err: err}
	if err == nil {
		wrapped.Err = fmt.Errorf("unknown error")
	}
	if os.IsNotExist(err) {
		wrapped.Err = artifact.ErrNotFound
	}
	if os.IsPermission(err) {
		wrapped.Err = artifact.ErrAccessDenied
	}
	return wrapped
}
