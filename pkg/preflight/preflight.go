// Package preflight checks that the stores a run depends on are reachable
// and permit the access the run needs, before any work is scheduled.
package preflight

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/3leaps/heascreen/pkg/artifact"
)

// Mode defines how aggressive preflight checks are.
type Mode string

const (
	ModePlanOnly   Mode = "plan-only"
	ModeReadSafe   Mode = "read-safe"
	ModeWriteProbe Mode = "write-probe"
)

// ParseMode accepts the mode names above. Empty means read-safe.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeReadSafe, nil
	case ModePlanOnly, ModeReadSafe, ModeWriteProbe:
		return m, nil
	default:
		return "", fmt.Errorf("unknown preflight mode %q", s)
	}
}

// Capability names are stable strings used in output.
const (
	CapSourceList  = "source.list"
	CapSourceRead  = "source.read"
	CapTargetWrite = "target.write"
)

// Error codes reported for denied checks.
const (
	CodeAccessDenied = "ACCESS_DENIED"
	CodeNotFound     = "NOT_FOUND"
	CodeThrottled    = "THROTTLED"
	CodeUnavailable  = "UNAVAILABLE"
	CodeInternal     = "INTERNAL"
)

// DefaultProbePrefix is where write probes are placed below a target prefix.
const DefaultProbePrefix = ".heascreen/preflight/"

// Target is one store the run touches.
type Target struct {
	// Name labels the target in results (e.g., "structure_library").
	Name   string
	Store  artifact.Store
	Prefix string

	// Source targets are listed and read; others are write-probed.
	Source bool
}

// Result is the outcome of one check.
type Result struct {
	Target     string `json:"target"`
	Capability string `json:"capability"`
	Allowed    bool   `json:"allowed"`
	Method     string `json:"method"`
	ErrorCode  string `json:"error_code,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

// Record collects the results of a preflight.
type Record struct {
	Mode    Mode     `json:"mode"`
	Results []Result `json:"results"`
}

// Check runs the checks mode allows against each target in order and
// stops at the first denied check.
//
// read-safe lists and reads sources. write-probe also writes and deletes a
// random object under each non-source target.
func Check(ctx context.Context, mode Mode, targets ...Target) (*Record, error) {
	rec := &Record{Mode: mode, Results: []Result{}}
	if mode == ModePlanOnly {
		return rec, nil
	}

	for _, t := range targets {
		var results []Result
		var err error
		switch {
		case t.Source:
			results, err = checkSource(ctx, t)
		case mode == ModeWriteProbe:
			results, err = writeProbe(ctx, t)
		default:
			continue
		}
		rec.Results = append(rec.Results, results...)
		if err != nil {
			return rec, fmt.Errorf("preflight %s: %w", t.Name, err)
		}
	}
	return rec, nil
}

func checkSource(ctx context.Context, t Target) ([]Result, error) {
	method := fmt.Sprintf("List(prefix=%q,maxKeys=1)", t.Prefix)
	if _, err := t.Store.List(ctx, artifact.ListOptions{Prefix: t.Prefix, MaxKeys: 1}); err != nil {
		return []Result{denied(t, CapSourceList, method, err)}, err
	}
	out := []Result{{Target: t.Name, Capability: CapSourceList, Allowed: true, Method: method}}

	// A random key must come back as not found, never as denied.
	key := joinPrefix(t.Prefix, DefaultProbePrefix+"read-"+uuid.NewString())
	rc, err := t.Store.Get(ctx, key)
	if err == nil {
		_ = rc.Close()
	}
	if err != nil && !artifact.IsNotFound(err) {
		return append(out, denied(t, CapSourceRead, "Get(random)", err)), err
	}
	return append(out, Result{Target: t.Name, Capability: CapSourceRead, Allowed: true, Method: "Get(random)"}), nil
}

func writeProbe(ctx context.Context, t Target) ([]Result, error) {
	d, ok := t.Store.(artifact.Deleter)
	if !ok {
		err := fmt.Errorf("store does not support delete; cannot clean up a write probe")
		return []Result{denied(t, CapTargetWrite, "Put+Delete", err)}, err
	}
	key := joinPrefix(t.Prefix, DefaultProbePrefix+"write-"+uuid.NewString())
	body := []byte("heascreen preflight\n")
	if err := t.Store.Put(ctx, key, bytes.NewReader(body), int64(len(body))); err != nil {
		return []Result{denied(t, CapTargetWrite, "Put+Delete", err)}, err
	}
	if err := d.Delete(ctx, key); err != nil {
		return []Result{denied(t, CapTargetWrite, "Put+Delete", err)}, err
	}
	return []Result{{Target: t.Name, Capability: CapTargetWrite, Allowed: true, Method: "Put+Delete"}}, nil
}

func denied(t Target, capability, method string, err error) Result {
	return Result{
		Target:     t.Name,
		Capability: capability,
		Allowed:    false,
		Method:     method,
		ErrorCode:  errorCode(err),
		Detail:     err.Error(),
	}
}

func errorCode(err error) string {
	switch {
	case artifact.IsAccessDenied(err), errors.Is(err, artifact.ErrInvalidCredentials):
		return CodeAccessDenied
	case artifact.IsNotFound(err), errors.Is(err, artifact.ErrBucketNotFound):
		return CodeNotFound
	case errors.Is(err, artifact.ErrThrottled):
		return CodeThrottled
	case errors.Is(err, artifact.ErrUnavailable):
		return CodeUnavailable
	default:
		return CodeInternal
	}
}

func joinPrefix(prefix, suffix string) string {
	if prefix == "" {
		return strings.TrimPrefix(suffix, "/")
	}
	if strings.HasSuffix(prefix, "/") {
		return prefix + strings.TrimPrefix(suffix, "/")
	}
	return prefix + "/" + strings.TrimPrefix(suffix, "/")
}
