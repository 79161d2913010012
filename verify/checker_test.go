package verify

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/GoCodeAlone/shipper/remote"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

type scriptedProbe struct {
	errs  []error
	calls int
}

func (p *scriptedProbe) Probe(context.Context) error {
	p.calls++
	if len(p.errs) == 0 {
		return nil
	}
	err := p.errs[0]
	p.errs = p.errs[1:]
	return err
}

func TestVerifyHealthyFirstAttempt(t *testing.T) {
	c := NewChecker(Config{Attempts: 5, Interval: time.Millisecond}, testLogger())
	probe := &scriptedProbe{}

	if err := c.Verify(context.Background(), probe); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if probe.calls != 1 {
		t.Errorf("expected 1 probe, got %d", probe.calls)
	}
}

func TestVerifyRecoversWithinBudget(t *testing.T) {
	c := NewChecker(Config{Attempts: 5, Interval: time.Millisecond}, testLogger())
	down := errors.New("connection refused")
	probe := &scriptedProbe{errs: []error{down, down}}

	if err := c.Verify(context.Background(), probe); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if probe.calls != 3 {
		t.Errorf("expected 3 probes, got %d", probe.calls)
	}
}

func TestVerifyExhaustsAttempts(t *testing.T) {
	c := NewChecker(Config{Attempts: 3, Interval: time.Millisecond}, testLogger())
	down := errors.New("connection refused")
	probe := &scriptedProbe{errs: []error{down, down, down, down}}

	err := c.Verify(context.Background(), probe)
	if err == nil {
		t.Fatal("expected error")
	}
	if probe.calls != 3 {
		t.Errorf("expected exactly 3 probes, got %d", probe.calls)
	}
	if !errors.Is(err, down) {
		t.Errorf("expected last probe error wrapped, got %v", err)
	}
}

func TestVerifyCancelledBetweenAttempts(t *testing.T) {
	c := NewChecker(Config{Attempts: 100, Interval: time.Hour}, testLogger())
	down := errors.New("down")
	probe := &scriptedProbe{errs: []error{down}}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := c.Verify(ctx, probe)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if probe.calls != 1 {
		t.Errorf("expected 1 probe before cancellation, got %d", probe.calls)
	}
}

func TestHTTPProbe(t *testing.T) {
	healthy := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	probe := &HTTPProbe{URL: srv.URL + "/health"}
	if err := probe.Probe(context.Background()); err == nil {
		t.Fatal("expected error while unhealthy")
	}
	healthy = true
	if err := probe.Probe(context.Background()); err != nil {
		t.Fatalf("probe: %v", err)
	}
}

type statusRunner struct {
	err error
	cmd string
}

func (r *statusRunner) Execute(_ context.Context, _ string, commands []remote.CommandSpec) ([]remote.CommandResult, error) {
	if len(commands) > 0 {
		r.cmd = commands[0].Cmd
	}
	if r.err != nil {
		return nil, r.err
	}
	return []remote.CommandResult{{}}, nil
}

func TestServiceProbeCommand(t *testing.T) {
	runner := &statusRunner{}
	probe := &ServiceProbe{Runner: runner, Host: "web-1", Service: "tomcat"}

	if err := probe.Probe(context.Background()); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if !strings.Contains(runner.cmd, "systemctl is-active") || !strings.Contains(runner.cmd, "tomcat") {
		t.Errorf("unexpected status command %q", runner.cmd)
	}

	runner.err = errors.New("exit 3")
	if err := probe.Probe(context.Background()); err == nil {
		t.Fatal("expected error when service inactive")
	}
}
