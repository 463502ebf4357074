package config

import (
	"reflect"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestConfigRoundTripProperty checks that a serialized configuration parses
// back to the same value.
func TestConfigRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("config round-trip preserves data", prop.ForAll(
		func(cfg *Config) bool {
			data, err := cfg.Serialize()
			if err != nil {
				return false
			}
			parsed, err := ParseConfig(data)
			if err != nil {
				return false
			}
			return reflect.DeepEqual(cfg, parsed)
		},
		genConfig(),
	))

	properties.TestingRun(t)
}

func genConfig() gopter.Gen {
	return gopter.CombineGens(
		gen.OneConstOf(TransportWS, TransportLocal),
		gen.AlphaString(),
		gen.IntRange(1, 1024),
		gen.IntRange(0, 1023),
		gen.Bool(),
		gen.Bool(),
		gen.Int64Range(0, int64(time.Hour)),
		gen.UInt64Range(0, 1<<40),
		gen.OneConstOf(SeedTime, SeedFixed),
		gen.OneConstOf("debug", "info", "warn", "error"),
	).Map(func(v []any) *Config {
		cfg := DefaultConfig()
		cfg.Group.Transport = v[0].(string)
		cfg.Group.Session = v[1].(string)
		cfg.Group.Size = v[2].(int)
		cfg.Group.Rank = v[3].(int) % cfg.Group.Size
		cfg.Group.SyncStarts = v[4].(bool)
		cfg.Group.SyncEnds = v[5].(bool)
		cfg.Group.JoinTimeout = time.Duration(v[6].(int64))
		cfg.Run.Throws = v[7].(uint64)
		cfg.Run.Seed = v[8].(string)
		cfg.Logging.Level = v[9].(string)
		return cfg
	})
}
