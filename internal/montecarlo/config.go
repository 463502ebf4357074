package montecarlo

import (
	"encoding/binary"
	"fmt"
)

// DefaultThrows is the total number of darts thrown when no -t is given.
const DefaultThrows uint64 = 5_000_000

// RunConfigSize is the size of an encoded RunConfig.
const RunConfigSize = 8

// RunConfig is authored by the manager and broadcast to every member.
type RunConfig struct {
	TotalThrows uint64
}

// DefaultRunConfig returns the configuration used when no arguments are given.
func DefaultRunConfig() RunConfig {
	return RunConfig{TotalThrows: DefaultThrows}
}

// MarshalBinary encodes c as a fixed little-endian blob.
func (c RunConfig) MarshalBinary() ([]byte, error) {
	buf := make([]byte, RunConfigSize)
	binary.LittleEndian.PutUint64(buf, c.TotalThrows)
	return buf, nil
}

// UnmarshalBinary decodes a blob written by MarshalBinary.
func (c *RunConfig) UnmarshalBinary(data []byte) error {
	if len(data) != RunConfigSize {
		return fmt.Errorf("run config is %d bytes, want %d", len(data), RunConfigSize)
	}
	c.TotalThrows = binary.LittleEndian.Uint64(data)
	return nil
}
