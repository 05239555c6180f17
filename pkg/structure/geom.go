package structure

import "math"

// Vec3 is a Cartesian vector in Angstrom.
type Vec3 [3]float64

// Add returns v + o.
func (v Vec3) Add(o Vec3) Vec3 { return Vec3{v[0] + o[0], v[1] + o[1], v[2] + o[2]} }

// Sub returns v - o.
func (v Vec3) Sub(o Vec3) Vec3 { return Vec3{v[0] - o[0], v[1] - o[1], v[2] - o[2]} }

// Scale returns v * s.
func (v Vec3) Scale(s float64) Vec3 { return Vec3{v[0] * s, v[1] * s, v[2] * s} }

// Dot returns the dot product.
func (v Vec3) Dot(o Vec3) float64 { return v[0]*o[0] + v[1]*o[1] + v[2]*o[2] }

// Cross returns the cross product.
func (v Vec3) Cross(o Vec3) Vec3 {
	return Vec3{
		v[1]*o[2] - v[2]*o[1],
		v[2]*o[0] - v[0]*o[2],
		v[0]*o[1] - v[1]*o[0],
	}
}

// Norm returns the Euclidean length.
func (v Vec3) Norm() float64 { return math.Sqrt(v.Dot(v)) }

// Unit returns v normalized. The zero vector is returned unchanged.
func (v Vec3) Unit() Vec3 {
	n := v.Norm()
	if n == 0 {
		return v
	}
	return v.Scale(1 / n)
}

// IsFinite reports whether all components are finite.
func (v Vec3) IsFinite() bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

// Lattice holds the three cell vectors as rows.
type Lattice [3]Vec3

// Det returns the signed cell volume.
func (l Lattice) Det() float64 {
	return l[0].Dot(l[1].Cross(l[2]))
}

// reciprocal returns r_i with r_i . l_j = delta_ij, or false if singular.
func (l Lattice) reciprocal() ([3]Vec3, bool) {
	det := l.Det()
	if math.Abs(det) < 1e-12 {
		return [3]Vec3{}, false
	}
	return [3]Vec3{
		l[1].Cross(l[2]).Scale(1 / det),
		l[2].Cross(l[0]).Scale(1 / det),
		l[0].Cross(l[1]).Scale(1 / det),
	}, true
}

// Fractional converts a Cartesian vector to fractional coordinates.
func (l Lattice) Fractional(v Vec3) Vec3 {
	r, ok := l.reciprocal()
	if !ok {
		return v
	}
	return Vec3{r[0].Dot(v), r[1].Dot(v), r[2].Dot(v)}
}

// Cartesian converts fractional coordinates to a Cartesian vector.
func (l Lattice) Cartesian(f Vec3) Vec3 {
	return l[0].Scale(f[0]).Add(l[1].Scale(f[1])).Add(l[2].Scale(f[2]))
}

// MinimumImage returns the shortest periodic image of the displacement d
// along the periodic directions.
func (l Lattice) MinimumImage(d Vec3, pbc [3]bool) Vec3 {
	if !pbc[0] && !pbc[1] && !pbc[2] {
		return d
	}
	f := l.Fractional(d)
	for i := range f {
		if pbc[i] {
			f[i] -= math.Round(f[i])
		}
	}
	best := l.Cartesian(f)
	bestNorm := best.Norm()

	// Check neighbouring images for skewed cells.
	for _, di := range neighbourShifts(pbc[0]) {
		for _, dj := range neighbourShifts(pbc[1]) {
			for _, dk := range neighbourShifts(pbc[2]) {
				if di == 0 && dj == 0 && dk == 0 {
					continue
				}
				cand := l.Cartesian(Vec3{f[0] + di, f[1] + dj, f[2] + dk})
				if n := cand.Norm(); n < bestNorm-1e-12 {
					best, bestNorm = cand, n
				}
			}
		}
	}
	return best
}

func neighbourShifts(periodic bool) []float64 {
	if !periodic {
		return []float64{0}
	}
	return []float64{-1, 0, 1}
}
