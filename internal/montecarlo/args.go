package montecarlo

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"yqhp/mcpi/internal/coordinator"
)

// ParseArgs applies -t N, --throws N and --throws=N to defaults. Other tokens
// are ignored. A throws flag without a value, or with a value that is not a
// non-negative integer, fails with coordinator.ErrArgs. Every accepted value is
// echoed to out.
func ParseArgs(args []string, defaults RunConfig, out io.Writer) (RunConfig, error) {
	cfg := defaults
	for i := 0; i < len(args); i++ {
		arg := args[i]

		var value string
		switch {
		case arg == "-t" || arg == "--throws":
			if i+1 >= len(args) {
				return cfg, fmt.Errorf("%w: %s requires a value", coordinator.ErrArgs, arg)
			}
			i++
			value = args[i]
		case strings.HasPrefix(arg, "--throws="):
			value = strings.TrimPrefix(arg, "--throws=")
		default:
			continue
		}

		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return cfg, fmt.Errorf("%w: throws %q: %v", coordinator.ErrArgs, value, err)
		}
		cfg.TotalThrows = n
		if out != nil {
			fmt.Fprintf(out, ">> set totalNumThrows=%d\n", n)
		}
	}
	return cfg, nil
}
