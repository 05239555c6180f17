// Package aggregate summarizes predicted adsorption energies per
// structure, per composition and across the whole run.
package aggregate

import (
	"math"
	"sort"
)

// DefaultBinWidth is the histogram bin width in eV.
const DefaultBinWidth = 0.1

// Bimodality thresholds.
const (
	// BimodalCoefficient is the uniform-distribution value of Sarle's
	// coefficient; larger values suggest bimodality.
	BimodalCoefficient = 5.0 / 9.0

	// SeparatedAshmanD marks two clusters as cleanly separated.
	SeparatedAshmanD = 2.0

	minBimodalSamples = 4
)

// Bin is one histogram bucket covering [Lo, Hi).
type Bin struct {
	Lo    float64 `json:"lo"`
	Hi    float64 `json:"hi"`
	Count int     `json:"count"`
}

// Bimodality is a diagnostic over an energy distribution.
type Bimodality struct {
	// Coefficient is Sarle's sample bimodality coefficient. Zero when
	// fewer than four samples or zero variance.
	Coefficient float64 `json:"coefficient"`
	Bimodal     bool    `json:"bimodal"`

	// Split is the threshold of the best two-cluster partition. Energies
	// below it form the low cluster.
	Split    float64 `json:"split"`
	LowMean  float64 `json:"low_mean"`
	HighMean float64 `json:"high_mean"`
	AshmanD  float64 `json:"ashman_d"`

	// Separated is set when the distribution is bimodal and D exceeds
	// SeparatedAshmanD.
	Separated bool `json:"separated"`
}

// Stats summarizes a set of energies.
type Stats struct {
	Count      int         `json:"count"`
	Mean       float64     `json:"mean"`
	Std        float64     `json:"std"`
	Min        float64     `json:"min"`
	Max        float64     `json:"max"`
	Median     float64     `json:"median"`
	Histogram  []Bin       `json:"histogram,omitempty"`
	Bimodality *Bimodality `json:"bimodality,omitempty"`
}

// Compute summarizes values. binWidth <= 0 uses DefaultBinWidth. An empty
// input yields a zero Stats.
func Compute(values []float64, binWidth float64) Stats {
	if len(values) == 0 {
		return Stats{}
	}
	if binWidth <= 0 {
		binWidth = DefaultBinWidth
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	n := float64(len(sorted))
	var sum float64
	for _, v := range sorted {
		sum += v
	}
	mean := sum / n
	var ss float64
	for _, v := range sorted {
		d := v - mean
		ss += d * d
	}

	s := Stats{
		Count:  len(sorted),
		Mean:   mean,
		Std:    math.Sqrt(ss / n),
		Min:    sorted[0],
		Max:    sorted[len(sorted)-1],
		Median: median(sorted),
	}
	s.Histogram = histogram(sorted, binWidth)
	s.Bimodality = bimodality(sorted, mean)
	return s
}

func median(sorted []float64) float64 {
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// histogram buckets sorted values into bins aligned to multiples of width.
func histogram(sorted []float64, width float64) []Bin {
	first := math.Floor(sorted[0]/width + 1e-9)
	last := math.Floor(sorted[len(sorted)-1]/width + 1e-9)
	nbins := int(last-first) + 1
	bins := make([]Bin, nbins)
	for i := range bins {
		bins[i].Lo = round9((first + float64(i)) * width)
		bins[i].Hi = round9((first + float64(i) + 1) * width)
	}
	for _, v := range sorted {
		i := int(math.Floor(v/width+1e-9) - first)
		if i < 0 {
			i = 0
		}
		if i >= nbins {
			i = nbins - 1
		}
		bins[i].Count++
	}
	return bins
}

func round9(v float64) float64 { return math.Round(v*1e9) / 1e9 }

// bimodality computes Sarle's coefficient and the best two-cluster split
// of sorted values. Returns nil below four samples.
func bimodality(sorted []float64, mean float64) *Bimodality {
	n := len(sorted)
	if n < minBimodalSamples {
		return nil
	}
	b := &Bimodality{}

	var m2, m3, m4 float64
	for _, v := range sorted {
		d := v - mean
		d2 := d * d
		m2 += d2
		m3 += d2 * d
		m4 += d2 * d2
	}
	fn := float64(n)
	m2 /= fn
	m3 /= fn
	m4 /= fn
	if m2 > 0 {
		// Sample skewness and excess kurtosis with small-sample correction.
		g1 := m3 / math.Pow(m2, 1.5)
		g2 := m4/(m2*m2) - 3
		skew := g1 * math.Sqrt(fn*(fn-1)) / (fn - 2)
		kurt := ((fn+1)*g2 + 6) * (fn - 1) / ((fn - 2) * (fn - 3))
		b.Coefficient = (skew*skew + 1) / (kurt + 3*(fn-1)*(fn-1)/((fn-2)*(fn-3)))
		b.Bimodal = b.Coefficient > BimodalCoefficient
	}

	// Best split minimizes within-cluster sum of squares; on sorted data
	// the optimal 1-D two-means partition is a prefix/suffix cut.
	prefix := make([]float64, n+1)
	prefixSq := make([]float64, n+1)
	for i, v := range sorted {
		prefix[i+1] = prefix[i] + v
		prefixSq[i+1] = prefixSq[i] + v*v
	}
	best, cut := math.Inf(1), 0
	for k := 1; k < n; k++ {
		lo := prefixSq[k] - prefix[k]*prefix[k]/float64(k)
		hiN := float64(n - k)
		hiSum := prefix[n] - prefix[k]
		hi := (prefixSq[n] - prefixSq[k]) - hiSum*hiSum/hiN
		if w := lo + hi; w < best-1e-15 {
			best, cut = w, k
		}
	}
	low, high := sorted[:cut], sorted[cut:]
	b.Split = (low[len(low)-1] + high[0]) / 2
	var varLo, varHi float64
	b.LowMean, varLo = meanVar(low)
	b.HighMean, varHi = meanVar(high)
	// The optimal split of any unimodal sample already has D near 2.5, so
	// separation also requires the coefficient to flag bimodality.
	// Two point masses have zero spread and are trivially separated.
	if denom := varLo + varHi; denom > 0 {
		b.AshmanD = math.Sqrt2 * math.Abs(b.HighMean-b.LowMean) / math.Sqrt(denom)
		b.Separated = b.Bimodal && b.AshmanD > SeparatedAshmanD
	} else {
		b.Separated = b.HighMean != b.LowMean
	}
	return b
}

func meanVar(xs []float64) (float64, float64) {
	var sum float64
	for _, v := range xs {
		sum += v
	}
	mean := sum / float64(len(xs))
	var ss float64
	for _, v := range xs {
		d := v - mean
		ss += d * d
	}
	return mean, ss / float64(len(xs))
}
