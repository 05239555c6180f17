// Package sites enumerates distinct surface adsorption sites on a slab.
//
// Enumeration aligns the slab so the a x b normal points along +z, screens
// the top percentile of atoms by height, keeps the vertices of their 2-D
// convex hull as surface atoms, and builds top, bridge and hollow sites
// above them. Sites whose local environments are identical are merged.
// Output is deterministic for a given structure and Config.
package sites

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/3leaps/heascreen/pkg/structure"
)

// Kind is the site type.
type Kind string

const (
	KindTop    Kind = "top"
	KindBridge Kind = "bridge"
	KindHollow Kind = "hollow"
)

// Neighbor is one entry of a site's local environment.
type Neighbor struct {
	Species string `json:"species"`
	Count   int    `json:"count"`
}

// Site is a candidate adsorption site on one structure.
type Site struct {
	Label       string         `json:"label"`
	Kind        Kind           `json:"kind"`
	AtomIndices []int          `json:"atoms"`
	Position    structure.Vec3 `json:"position"`
	Environment []Neighbor     `json:"environment"`
	Signature   string         `json:"signature"`
}

// Result is the enumeration output for one structure.
type Result struct {
	// Aligned is the structure rotated so its surface normal is +z.
	// Site positions are expressed in this frame.
	Aligned *structure.Structure

	// SurfaceAtoms are the hull atom indices, ascending.
	SurfaceAtoms []int

	// Sites are ordered by kind (top, bridge, hollow), then atom indices.
	Sites []Site

	// Merged counts sites dropped as equivalent to an earlier site.
	Merged int
}

// Enumerator produces adsorption sites.
type Enumerator struct {
	cfg Config
}

// New creates an Enumerator after applying defaults and validation.
func New(cfg Config) (*Enumerator, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Enumerator{cfg: cfg}, nil
}

// Config returns the effective configuration.
func (e *Enumerator) Config() Config { return e.cfg }

// Enumerate returns the distinct sites of s. A structure without surface
// atoms or sites yields an empty Result without error.
func (e *Enumerator) Enumerate(s *structure.Structure) (*Result, error) {
	if s == nil || s.Len() == 0 {
		return &Result{Aligned: s}, nil
	}
	if len(s.Positions) != len(s.Species) {
		return nil, fmt.Errorf("sites: %d species but %d positions", len(s.Species), len(s.Positions))
	}

	aligned := align(s)
	surface := surfaceAtoms(aligned, e.cfg.SurfacePercentile)
	res := &Result{Aligned: aligned, SurfaceAtoms: surface}
	if len(surface) == 0 {
		return res, nil
	}

	raw := e.candidates(aligned, surface)
	seen := make(map[string]struct{}, len(raw))
	for _, site := range raw {
		site.Environment, site.Signature = environment(aligned, site, e.cfg.SiteRadius)
		if !e.cfg.KeepEquivalent {
			if _, dup := seen[site.Signature]; dup {
				res.Merged++
				continue
			}
			seen[site.Signature] = struct{}{}
		}
		res.Sites = append(res.Sites, site)
	}
	return res, nil
}

// surfaceAtoms screens atoms at or above the height percentile and keeps
// the vertices of their xy convex hull. With fewer than three candidates
// every candidate is a surface atom.
func surfaceAtoms(s *structure.Structure, pct float64) []int {
	zs := make([]float64, len(s.Positions))
	for i, p := range s.Positions {
		zs[i] = p[2]
	}
	threshold := percentile(zs, pct)

	var cand []point2
	for i, p := range s.Positions {
		if p[2] >= threshold {
			cand = append(cand, point2{x: p[0], y: p[1], idx: i})
		}
	}
	return hullVertices(cand)
}

func (e *Enumerator) candidates(s *structure.Structure, surface []int) []Site {
	pos := s.Positions
	up := structure.Vec3{0, 0, e.cfg.AdsorptionDistance}
	mic := func(i, j int) structure.Vec3 {
		return s.Lattice.MinimumImage(pos[j].Sub(pos[i]), s.PBC)
	}

	var out []Site
	for _, i := range surface {
		site := pos[i].Add(up)
		if site[2] > pos[i][2]+e.cfg.Margin {
			out = append(out, Site{
				Label:       label("Top", i),
				Kind:        KindTop,
				AtomIndices: []int{i},
				Position:    site,
			})
		}
	}

	for a := 0; a < len(surface); a++ {
		for b := a + 1; b < len(surface); b++ {
			i, j := surface[a], surface[b]
			v := mic(i, j)
			if v.Norm() > e.cfg.PairCutoff {
				continue
			}
			site := pos[i].Add(v.Scale(0.5)).Add(up)
			if site[2] > math.Max(pos[i][2], pos[j][2])+e.cfg.Margin {
				out = append(out, Site{
					Label:       label("Bridge", i, j),
					Kind:        KindBridge,
					AtomIndices: []int{i, j},
					Position:    site,
				})
			}
		}
	}

	for a := 0; a < len(surface); a++ {
		for b := a + 1; b < len(surface); b++ {
			for c := b + 1; c < len(surface); c++ {
				i, j, k := surface[a], surface[b], surface[c]
				vij, vik, vjk := mic(i, j), mic(i, k), mic(j, k)
				if vij.Norm() > e.cfg.PairCutoff || vik.Norm() > e.cfg.PairCutoff || vjk.Norm() > e.cfg.PairCutoff {
					continue
				}
				site := pos[i].Add(vij.Add(vik).Scale(1.0 / 3)).Add(up)
				top := math.Max(pos[i][2], math.Max(pos[j][2], pos[k][2]))
				if site[2] > top+e.cfg.Margin {
					out = append(out, Site{
						Label:       label("Hollow", i, j, k),
						Kind:        KindHollow,
						AtomIndices: []int{i, j, k},
						Position:    site,
					})
				}
			}
		}
	}
	return out
}

// environment lists species within radius of the site and derives the
// equivalence signature from kind, species and rounded distances.
func environment(s *structure.Structure, site Site, radius float64) ([]Neighbor, string) {
	type hit struct {
		species string
		dist    float64
	}
	var hits []hit
	counts := make(map[string]int)
	for i, p := range s.Positions {
		d := s.Lattice.MinimumImage(p.Sub(site.Position), s.PBC).Norm()
		if d <= radius {
			hits = append(hits, hit{species: s.Species[i], dist: math.Round(d*100) / 100})
			counts[s.Species[i]]++
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].dist != hits[j].dist {
			return hits[i].dist < hits[j].dist
		}
		return hits[i].species < hits[j].species
	})

	env := make([]Neighbor, 0, len(counts))
	for sp, n := range counts {
		env = append(env, Neighbor{Species: sp, Count: n})
	}
	sort.Slice(env, func(i, j int) bool { return env[i].Species < env[j].Species })

	var b strings.Builder
	b.WriteString(string(site.Kind))
	for _, h := range hits {
		b.WriteByte('|')
		b.WriteString(h.species)
		b.WriteByte(':')
		b.WriteString(strconv.FormatFloat(h.dist, 'f', 2, 64))
	}
	sum := sha256.Sum256([]byte(b.String()))
	return env, hex.EncodeToString(sum[:])[:16]
}

func label(prefix string, idx ...int) string {
	parts := make([]string, 0, len(idx)+1)
	parts = append(parts, prefix)
	for _, i := range idx {
		parts = append(parts, strconv.Itoa(i))
	}
	return strings.Join(parts, "_")
}
