package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Validate checks the configuration for values that would fail at runtime.
func (c Config) Validate() error {
	var problems []string

	if c.Platform.BaseURL != "" {
		u, err := url.Parse(c.Platform.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			problems = append(problems, fmt.Sprintf("platform.base_url %q is not a valid http(s) URL", c.Platform.BaseURL))
		}
	}

	if c.Generator.RetryBudget < 0 {
		problems = append(problems, "generator.retry_budget must be >= 0")
	}
	if c.Generator.RetryDelay < 0 {
		problems = append(problems, "generator.retry_delay must be >= 0")
	}
	if c.Generator.RatePerMinute < 0 {
		problems = append(problems, "generator.rate_per_minute must be >= 0")
	}

	switch c.Logger.Level {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		problems = append(problems, fmt.Sprintf("logger.level %q is not one of debug/info/warn/error", c.Logger.Level))
	}
	switch c.Logger.Format {
	case "", "text", "json":
	default:
		problems = append(problems, fmt.Sprintf("logger.format %q is not text or json", c.Logger.Format))
	}

	switch c.Tracer.Exporter {
	case "", "noop", "stdout":
	default:
		problems = append(problems, fmt.Sprintf("tracer.exporter %q is not noop or stdout", c.Tracer.Exporter))
	}

	if c.Loader.Entry == "" {
		problems = append(problems, "loader.entry must not be empty")
	}
	if c.Loader.WASMMaxMemoryMB < 0 {
		problems = append(problems, "loader.wasm_max_memory_mb must be >= 0")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return nil
}
