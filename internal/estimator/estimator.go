// Package estimator holds the local work plugged into a group run: throwing
// darts at the unit circle and turning the summed hits into an estimate of pi.
package estimator

import (
	"math/rand/v2"
)

// Estimator computes a member's partial result and combines the group sum.
type Estimator interface {
	// ComputeLocal runs share units of work with a stream derived from seed
	// and returns the partial count. It is deterministic for a fixed seed.
	ComputeLocal(share, seed uint64) uint64

	// Combine derives the final value from the summed partial counts.
	Combine(sum, total uint64) float64
}

// Combine is the reference combination rule: 4 * sum / total. A zero total
// yields zero.
func Combine(sum, total uint64) float64 {
	if total == 0 {
		return 0
	}
	return 4 * float64(sum) / float64(total)
}

// DartBoard throws uniformly distributed darts at the square [-1,1]² and
// counts those landing inside the unit circle.
type DartBoard struct{}

var _ Estimator = DartBoard{}

func (DartBoard) ComputeLocal(share, seed uint64) uint64 {
	rng := rand.New(rand.NewPCG(seed, mix64(seed^pcgStream)))

	var hits uint64
	for i := uint64(0); i < share; i++ {
		x := 2*rng.Float64() - 1
		y := 2*rng.Float64() - 1
		if x*x+y*y <= 1 {
			hits++
		}
	}
	return hits
}

func (DartBoard) Combine(sum, total uint64) float64 {
	return Combine(sum, total)
}

// Fixed reports share*Num/Den hits regardless of seed.
type Fixed struct {
	Num uint64
	Den uint64
}

var _ Estimator = Fixed{}

func (f Fixed) ComputeLocal(share, _ uint64) uint64 {
	if f.Den == 0 {
		return 0
	}
	return share * f.Num / f.Den
}

func (Fixed) Combine(sum, total uint64) float64 {
	return Combine(sum, total)
}
