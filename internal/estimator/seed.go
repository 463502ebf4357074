package estimator

import (
	"time"
)

const (
	golden    = 0x9e3779b97f4a7c15
	pcgStream = 0xda3e39cb94b95bdb
)

// SeedSource supplies the seed of a member's random stream.
type SeedSource interface {
	Seed(rank int) uint64
}

// TimeSeed mixes the wall clock with the rank so members and runs diverge.
type TimeSeed struct {
	// Now defaults to time.Now.
	Now func() time.Time
}

func (s TimeSeed) Seed(rank int) uint64 {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	return mix64(uint64(now().UnixNano()) ^ (uint64(rank)+1)*golden)
}

// FixedSeed gives rank r the seed Base+r, the same on every run.
type FixedSeed struct {
	Base uint64
}

func (s FixedSeed) Seed(rank int) uint64 {
	return s.Base + uint64(rank)
}

// mix64 is the splitmix64 finalizer.
func mix64(z uint64) uint64 {
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}
