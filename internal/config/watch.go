package config

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// Watch polls path every interval and calls apply with each new valid
// configuration. A file that fails to load or validate is logged and the
// previous configuration stays in effect. Watch returns when ctx is done.
func Watch(ctx context.Context, path string, interval time.Duration, apply func(Config), logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	var last time.Time
	if fi, err := os.Stat(path); err == nil {
		last = fi.ModTime()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		fi, err := os.Stat(path)
		if err != nil {
			logger.Warn("Cannot stat config file.", "path", path, "error", err)
			continue
		}
		if !fi.ModTime().After(last) {
			continue
		}
		last = fi.ModTime()
		cfg, err := LoadFile(path)
		if err != nil {
			logger.Error("Ignoring invalid config.", "path", path, "error", err)
			continue
		}
		logger.Info("Config reloaded.", "path", path)
		apply(cfg)
	}
}
