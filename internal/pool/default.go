package pool

import (
	"log/slog"
	"strconv"
	"sync"
	"time"

	goutils "github.com/jkaninda/go-utils"
)

var (
	defaultOnce   sync.Once
	defaultClient *Client
	defaultErr    error
)

// Default returns the process-wide pool client, built once from the
// environment (SHELLBOX_POOL_URL, SHELLBOX_POOL_POLL_INTERVAL, SHELLBOX_POOL_MAX_ATTEMPTS).
// Only top-level wiring should call it; core packages take a client explicitly.
func Default(logger *slog.Logger) (*Client, error) {
	defaultOnce.Do(func() {
		cfg := Config{BaseURL: goutils.Env("SHELLBOX_POOL_URL", "")}
		if n, err := strconv.Atoi(goutils.Env("SHELLBOX_POOL_MAX_ATTEMPTS", "")); err == nil {
			cfg.MaxAttempts = n
		}
		if v := goutils.Env("SHELLBOX_POOL_POLL_INTERVAL", ""); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				cfg.PollInterval = d
			}
		}
		defaultClient, defaultErr = NewClient(cfg, logger)
	})
	return defaultClient, defaultErr
}
