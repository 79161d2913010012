// Package verify probes a freshly activated service until it reports healthy
// or the attempt budget is exhausted.
package verify

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/GoCodeAlone/shipper/remote"
)

// Probe checks one liveness signal. A nil return means healthy.
type Probe interface {
	Probe(ctx context.Context) error
}

// Config holds verification settings.
type Config struct {
	Attempts int           `yaml:"attempts" json:"attempts"`
	Interval time.Duration `yaml:"interval" json:"interval"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{Attempts: 5, Interval: 2 * time.Second}
}

// Checker polls a probe at a fixed interval up to a bounded number of
// attempts.
type Checker struct {
	config Config
	logger *slog.Logger
}

// NewChecker creates a Checker with the given config and logger.
func NewChecker(config Config, logger *slog.Logger) *Checker {
	def := DefaultConfig()
	if config.Attempts <= 0 {
		config.Attempts = def.Attempts
	}
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{config: config, logger: logger}
}

// Verify polls the probe until it reports healthy. It returns the last probe
// error once all attempts are spent, or the context error if cancelled while
// waiting between attempts.
func (c *Checker) Verify(ctx context.Context, probe Probe) error {
	var lastErr error
	for attempt := 1; attempt <= c.config.Attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(c.config.Interval):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = probe.Probe(ctx)
		if lastErr == nil {
			c.logger.Info("Health check passed", "attempt", attempt)
			return nil
		}
		c.logger.Warn("Health check failed", "attempt", attempt, "error", lastErr)
	}
	return fmt.Errorf("unhealthy after %d attempts: %w", c.config.Attempts, lastErr)
}

// HTTPProbe performs a GET against the service and treats any 2xx as healthy.
type HTTPProbe struct {
	URL    string
	Client *http.Client
}

func (p *HTTPProbe) Probe(ctx context.Context) error {
	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return fmt.Errorf("create probe request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("probe request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("probe returned status %d", resp.StatusCode)
	}
	return nil
}

// commandRunner is the slice of the remote executor the service probe needs.
type commandRunner interface {
	Execute(ctx context.Context, host string, commands []remote.CommandSpec) ([]remote.CommandResult, error)
}

// ServiceProbe checks the service's status over the remote command channel,
// the default for systemd-managed targets.
type ServiceProbe struct {
	Runner  commandRunner
	Host    string
	Service string
	Timeout time.Duration
}

func (p *ServiceProbe) Probe(ctx context.Context) error {
	_, err := p.Runner.Execute(ctx, p.Host, []remote.CommandSpec{{
		Name:    "service-status",
		Cmd:     fmt.Sprintf("systemctl is-active --quiet %s", p.Service),
		Timeout: p.Timeout,
	}})
	if err != nil {
		return fmt.Errorf("service %q not active: %w", p.Service, err)
	}
	return nil
}
