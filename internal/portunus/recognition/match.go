package recognition

import "math"

// UnknownDistance is reported for faces compared against an empty gallery.
const UnknownDistance = 1.0

// Match is the outcome of comparing one embedding against a gallery.
type Match struct {
	Entry    *Entry // nil when no entry is within tolerance
	Distance float64
}

// Compare returns the gallery entry with the smallest Euclidean distance
// among those within tolerance (inclusive). Equal distances keep gallery
// order. When nothing qualifies, Entry is nil and Distance is the closest
// distance seen, or UnknownDistance when nothing was comparable. Entries
// whose dimension differs from the probe, or whose distance is NaN, are
// skipped.
func Compare(probe []float64, g *Gallery, tolerance float64) Match {
	best := -1
	bestDist := math.Inf(1)
	closest := math.Inf(1)

	for i, e := range g.Entries() {
		d, ok := distance(probe, e.Embedding)
		if !ok {
			continue
		}
		if d < closest {
			closest = d
		}
		if d <= tolerance && d < bestDist {
			best, bestDist = i, d
		}
	}

	if best >= 0 {
		return Match{Entry: &g.entries[best], Distance: bestDist}
	}
	if math.IsInf(closest, 1) {
		return Match{Distance: UnknownDistance}
	}
	return Match{Distance: closest}
}

func distance(a, b []float64) (float64, bool) {
	if len(a) == 0 || len(a) != len(b) {
		return 0, false
	}
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	d := math.Sqrt(sum)
	if math.IsNaN(d) {
		return 0, false
	}
	return d, true
}
