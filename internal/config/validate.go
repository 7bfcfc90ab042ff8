package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
)

// Validate checks that the configuration is sufficient for the given mode.
// Modes: "serve" (full daemon), "control" (queue-only CLI ops), "migrate"
// (row store only). All problems are reported at once.
func (c *Config) Validate(mode string) error {
	var problems []string

	queueRequired := func() {
		if c.Queue.RedisAddr == "" {
			problems = append(problems, "queue.redis_addr is required")
		}
		if c.Queue.MaxAttempts < 1 {
			problems = append(problems, "queue.max_attempts must be >= 1")
		}
		if c.Queue.BackoffBaseMs < 0 {
			problems = append(problems, "queue.backoff_base_ms must be >= 0")
		}
		if c.Queue.LeaseMs < 1000 {
			problems = append(problems, "queue.lease_ms must be >= 1000")
		}
	}

	storeRequired := func() {
		switch c.Store.Driver {
		case "postgres", "sqlite":
		default:
			problems = append(problems, fmt.Sprintf("store.driver %q is not supported (postgres, sqlite)", c.Store.Driver))
		}
		if c.Store.DatabaseURL == "" {
			problems = append(problems, "store.database_url is required")
		}
	}

	switch mode {
	case "serve":
		queueRequired()
		storeRequired()
		if c.Telephony.AccountSID == "" {
			problems = append(problems, "telephony.account_sid is required")
		}
		if c.Telephony.AuthToken == "" {
			problems = append(problems, "telephony.auth_token is required")
		}
		if c.Telephony.FromNumber == "" {
			problems = append(problems, "telephony.from_number is required")
		}
		if c.Server.PublicBaseURL == "" {
			problems = append(problems, "server.public_base_url is required")
		}
		if c.Server.Port <= 0 {
			problems = append(problems, "server.port must be > 0")
		}
		if c.AI.APIKey == "" {
			problems = append(problems, "ai.api_key is required")
		}
		if c.AI.MaxRetries < 1 {
			problems = append(problems, "ai.max_retries must be >= 1")
		}
		if c.Worker.Concurrency < 1 || c.Worker.Concurrency > 50 {
			problems = append(problems, "worker.concurrency must be between 1 and 50")
		}
		if c.Worker.RateCount < 1 || c.Worker.RateWindowSecs < 1 {
			problems = append(problems, "worker.rate_count and worker.rate_window_secs must be >= 1")
		}
		if c.Recording.Backend == "minio" && c.Recording.Minio.Endpoint == "" {
			problems = append(problems, "recording.minio.endpoint is required when recording.backend is minio")
		}
	case "control":
		queueRequired()
	case "migrate":
		storeRequired()
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.New("config: " + strings.Join(problems, "; "))
	}
	return nil
}
