package sites

import (
	"math"
	"sort"

	"github.com/3leaps/heascreen/pkg/structure"
)

// align rotates s about its centre of mass so the a x b normal points along +z.
// Cell vectors are rotated with the atoms.
func align(s *structure.Structure) *structure.Structure {
	out := s.Clone()
	n := s.Lattice[0].Cross(s.Lattice[1]).Unit()
	if n[2] < 0 {
		n = n.Scale(-1)
	}
	rot, ok := rotationTo(n, structure.Vec3{0, 0, 1})
	if !ok {
		return out
	}

	cen := centreOfMass(s)
	for i, p := range s.Positions {
		out.Positions[i] = apply(rot, p.Sub(cen)).Add(cen)
	}
	for i, v := range s.Lattice {
		out.Lattice[i] = apply(rot, v)
	}
	return out
}

func centreOfMass(s *structure.Structure) structure.Vec3 {
	var cen structure.Vec3
	var total float64
	for i, p := range s.Positions {
		m := 1.0
		if i < len(s.Species) {
			m = massOf(s.Species[i])
		}
		cen = cen.Add(p.Scale(m))
		total += m
	}
	if total == 0 {
		return cen
	}
	return cen.Scale(1 / total)
}

// rotationTo returns the rotation taking unit vector from onto unit vector to.
// The second result is false when no rotation is needed.
func rotationTo(from, to structure.Vec3) ([3]structure.Vec3, bool) {
	c := from.Dot(to)
	axis := from.Cross(to)
	s := axis.Norm()
	if s < 1e-9 {
		if c > 0 {
			return [3]structure.Vec3{}, false
		}
		// Antiparallel: half turn about x.
		return [3]structure.Vec3{{1, 0, 0}, {0, -1, 0}, {0, 0, -1}}, true
	}
	k := axis.Scale(1 / s)
	theta := math.Atan2(s, c)
	sin, cos := math.Sin(theta), math.Cos(theta)
	t := 1 - cos
	return [3]structure.Vec3{
		{cos + k[0]*k[0]*t, k[0]*k[1]*t - k[2]*sin, k[0]*k[2]*t + k[1]*sin},
		{k[1]*k[0]*t + k[2]*sin, cos + k[1]*k[1]*t, k[1]*k[2]*t - k[0]*sin},
		{k[2]*k[0]*t - k[1]*sin, k[2]*k[1]*t + k[0]*sin, cos + k[2]*k[2]*t},
	}, true
}

func apply(m [3]structure.Vec3, v structure.Vec3) structure.Vec3 {
	return structure.Vec3{m[0].Dot(v), m[1].Dot(v), m[2].Dot(v)}
}

// percentile uses linear interpolation between closest ranks.
func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}

type point2 struct {
	x, y float64
	idx  int
}

// hullVertices returns the indices of the 2-D convex hull vertices using
// Andrew's monotone chain. Collinear boundary points are excluded.
func hullVertices(pts []point2) []int {
	if len(pts) < 3 {
		out := make([]int, len(pts))
		for i, p := range pts {
			out[i] = p.idx
		}
		return out
	}
	ps := append([]point2(nil), pts...)
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].x != ps[j].x {
			return ps[i].x < ps[j].x
		}
		if ps[i].y != ps[j].y {
			return ps[i].y < ps[j].y
		}
		return ps[i].idx < ps[j].idx
	})

	cross := func(o, a, b point2) float64 {
		return (a.x-o.x)*(b.y-o.y) - (a.y-o.y)*(b.x-o.x)
	}
	const eps = 1e-9

	hull := make([]point2, 0, 2*len(ps))
	for _, p := range ps {
		for len(hull) >= 2 && cross(hull[len(hull)-2], hull[len(hull)-1], p) <= eps {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}
	lower := len(hull) + 1
	for i := len(ps) - 2; i >= 0; i-- {
		p := ps[i]
		for len(hull) >= lower && cross(hull[len(hull)-2], hull[len(hull)-1], p) <= eps {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}
	hull = hull[:len(hull)-1]

	seen := make(map[int]struct{}, len(hull))
	out := make([]int, 0, len(hull))
	for _, p := range hull {
		if _, ok := seen[p.idx]; ok {
			continue
		}
		seen[p.idx] = struct{}{}
		out = append(out, p.idx)
	}
	sort.Ints(out)
	return out
}
