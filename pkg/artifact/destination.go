package artifact

import (
	"fmt"
	"strings"
)

// Destination is a parsed store location.
type Destination struct {
	Kind   Kind
	Bucket string
	Prefix string
	Path   string
}

// ParseDestination parses "s3://bucket/prefix", "file:/dir" or a bare
// directory path.
func ParseDestination(raw string) (Destination, error) {
	raw = strings.TrimSpace(raw)
	switch {
	case raw == "":
		return Destination{}, fmt.Errorf("destination is empty")
	case strings.HasPrefix(raw, "s3://"):
		rest := strings.TrimPrefix(raw, "s3://")
		bucket, prefix, _ := strings.Cut(rest, "/")
		if bucket == "" {
			return Destination{}, fmt.Errorf("destination %q: bucket is required", raw)
		}
		prefix = strings.Trim(prefix, "/")
		if prefix != "" {
			prefix += "/"
		}
		return Destination{Kind: KindS3, Bucket: bucket, Prefix: prefix}, nil
	case strings.HasPrefix(raw, "file:"):
		path := strings.TrimPrefix(strings.TrimPrefix(raw, "file:"), "//")
		if path == "" {
			return Destination{}, fmt.Errorf("destination %q: path is required", raw)
		}
		return Destination{Kind: KindFile, Path: path}, nil
	case strings.Contains(raw, "://"):
		return Destination{}, fmt.Errorf("destination %q: unsupported scheme", raw)
	default:
		return Destination{Kind: KindFile, Path: raw}, nil
	}
}

// Key joins the destination prefix with name.
func (d Destination) Key(name string) string {
	return d.Prefix + strings.TrimPrefix(name, "/")
}

// String renders the destination in URI form.
func (d Destination) String() string {
	if d.Kind == KindS3 {
		return "s3://" + d.Bucket + "/" + d.Prefix
	}
	return "file:" + d.Path
}
