package config

import (
	"fmt"
	"net"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("configuration validation failed:\n  - %s", strings.Join(msgs, "\n  - "))
}

// Validate checks the configuration and returns every problem found.
func (c *Config) Validate() error {
	var errs ValidationErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	g := &c.Group
	switch g.Transport {
	case TransportWS:
		if g.HubAddress == "" {
			add("group.hub_address", "hub address is required for the ws transport")
		} else if !isValidAddress(hostPort(g.HubAddress)) {
			add("group.hub_address", "invalid address format, expected host:port")
		}
		if g.ListenAddress != "" && !isValidAddress(g.ListenAddress) {
			add("group.listen_address", "invalid address format, expected host:port or :port")
		}
	case TransportLocal:
	default:
		add("group.transport", "unknown transport %q, expected ws or local", g.Transport)
	}

	if g.Size < 1 {
		add("group.size", "size must be at least 1")
	} else {
		if g.Rank < 0 || g.Rank >= g.Size {
			add("group.rank", "rank %d not in [0,%d)", g.Rank, g.Size)
		}
		if g.ManagerRank < 0 || g.ManagerRank >= g.Size {
			add("group.manager_rank", "manager rank %d not in [0,%d)", g.ManagerRank, g.Size)
		}
		if g.HubRank < 0 || g.HubRank >= g.Size {
			add("group.hub_rank", "hub rank %d not in [0,%d)", g.HubRank, g.Size)
		}
	}
	if g.JoinTimeout < 0 {
		add("group.join_timeout", "join timeout must be non-negative")
	}
	if g.ShutdownTimeout < 0 {
		add("group.shutdown_timeout", "shutdown timeout must be non-negative")
	}
	if g.RunTimeout < 0 {
		add("group.run_timeout", "run timeout must be non-negative")
	}

	switch c.Run.Seed {
	case SeedTime, SeedFixed:
	default:
		add("run.seed", "unknown seed mode %q, expected time or fixed", c.Run.Seed)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("logging.level", "invalid level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console", "text":
	default:
		add("logging.format", "invalid format %q", c.Logging.Format)
	}
	switch c.Logging.Output {
	case "stdout", "stderr":
	case "file", "both":
		if c.Logging.FilePath == "" {
			add("logging.file_path", "file path is required for output %q", c.Logging.Output)
		}
	default:
		add("logging.output", "invalid output %q", c.Logging.Output)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// isValidAddress checks host:port or :port.
func isValidAddress(addr string) bool {
	_, port, err := net.SplitHostPort(addr)
	return err == nil && port != ""
}

// hostPort strips a ws/http scheme and trailing slash.
func hostPort(addr string) string {
	for _, p := range []string{"ws://", "wss://", "http://", "https://"} {
		addr = strings.TrimPrefix(addr, p)
	}
	return strings.TrimSuffix(addr, "/")
}
