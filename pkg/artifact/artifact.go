// Package artifact defines the object-store abstraction used to read
// prebuilt structure libraries and to publish run reports.
//
// Stores implement a small surface: paginated listing, streaming reads and
// whole-object writes. Authentication for remote stores uses SDK default
// credential chains.
package artifact

import (
	"context"
	"io"
	"time"
)

// Store abstracts an object store (local directory or S3 bucket).
//
// Implementations must be safe for concurrent use.
type Store interface {
	// List returns a page of objects with the given prefix.
	List(ctx context.Context, opts ListOptions) (*ListResult, error)

	// Get opens an object for reading. Returns ErrNotFound if absent.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Put creates or overwrites an object.
	Put(ctx context.Context, key string, body io.Reader, contentLength int64) error

	// Close releases any resources held by the store.
	Close() error
}

// Deleter is implemented by stores that can remove objects. Deleting a
// missing key is not an error.
type Deleter interface {
	Delete(ctx context.Context, key string) error
}

// ListOptions configures a List operation.
type ListOptions struct {
	// Prefix filters results to keys starting with this value.
	Prefix string

	// ContinuationToken resumes listing from a previous ListResult.
	ContinuationToken string

	// MaxKeys limits the number of objects returned per page.
	// Zero uses the store default (1000).
	MaxKeys int
}

// ListResult contains a page of objects.
type ListResult struct {
	Objects           []ObjectSummary
	ContinuationToken string
	IsTruncated       bool
}

// ObjectSummary contains basic metadata returned from List.
type ObjectSummary struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
}

// Kind identifies a store implementation.
type Kind string

const (
	KindS3   Kind = "s3"
	KindFile Kind = "file"
)

func (k Kind) String() string { return string(k) }

// ListAll pages through every object under prefix, in key order.
func ListAll(ctx context.Context, s Store, prefix string) ([]ObjectSummary, error) {
	var out []ObjectSummary
	token := ""
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := s.List(ctx, ListOptions{Prefix: prefix, ContinuationToken: token})
		if err != nil {
			return nil, err
		}
		out = append(out, res.Objects...)
		if !res.IsTruncated || res.ContinuationToken == "" {
			return out, nil
		}
		token = res.ContinuationToken
	}
}
