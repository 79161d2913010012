package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/GoCodeAlone/shipper/artifact"
	"github.com/GoCodeAlone/shipper/remote"
	"github.com/GoCodeAlone/shipper/verify"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// fakeFetcher stages a file in a temp dir, or fails.
type fakeFetcher struct {
	t       *testing.T
	err     error
	block   chan struct{} // when set, Fetch waits until closed
	fetched atomic.Int32
}

func (f *fakeFetcher) Fetch(_ context.Context, ref artifact.Reference) (string, error) {
	f.fetched.Add(1)
	if f.block != nil {
		<-f.block
	}
	if f.err != nil {
		return "", f.err
	}
	dir := f.t.TempDir()
	path := dir + "/" + ref.Name
	if err := os.WriteFile(path, []byte("artifact bytes"), 0o600); err != nil {
		f.t.Fatalf("write staged file: %v", err)
	}
	return path, nil
}

// fakeRunner records every command and fails scripted occurrences of a
// command name, so e.g. the first restart (activation) can fail while the
// second (rollback) succeeds, or vice versa.
type fakeRunner struct {
	mu       sync.Mutex
	commands []string // all command names, in execution order
	seen     map[string]int
	failOn   map[string]map[int]bool // name -> occurrence (1-based) -> fail
	connErr  error
}

func (r *fakeRunner) failOnOccurrence(name string, n int) {
	if r.failOn == nil {
		r.failOn = make(map[string]map[int]bool)
	}
	if r.failOn[name] == nil {
		r.failOn[name] = make(map[int]bool)
	}
	r.failOn[name][n] = true
}

func (r *fakeRunner) failOnce(name string) { r.failOnOccurrence(name, 1) }

func (r *fakeRunner) Execute(_ context.Context, _ string, commands []remote.CommandSpec) ([]remote.CommandResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.connErr != nil {
		return nil, r.connErr
	}
	if r.seen == nil {
		r.seen = make(map[string]int)
	}
	results := make([]remote.CommandResult, 0, len(commands))
	for i, spec := range commands {
		r.commands = append(r.commands, spec.Name)
		r.seen[spec.Name]++
		if r.failOn[spec.Name][r.seen[spec.Name]] {
			return results, &remote.CommandError{
				Index:  i,
				Name:   spec.Name,
				Result: remote.CommandResult{ExitCode: 1, Stderr: "boom"},
			}
		}
		results = append(results, remote.CommandResult{})
	}
	return results, nil
}

func (r *fakeRunner) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.commands...)
}

// fakeVerifier returns scripted errors per call.
type fakeVerifier struct {
	errs  []error
	calls int
}

func (v *fakeVerifier) Verify(_ context.Context, _ verify.Probe) error {
	v.calls++
	if len(v.errs) == 0 {
		return nil
	}
	err := v.errs[0]
	v.errs = v.errs[1:]
	return err
}

func testRequest() Request {
	return Request{
		Artifact: artifact.Reference{
			Name:      "app.war",
			SourceURL: "https://store.example.com/app.war?sig=abc",
			CreatedAt: time.Now(),
			ExpiresAt: time.Now().Add(time.Hour),
		},
		TargetHost:  "web-1.example.com",
		TargetPath:  "/opt/tomcat/webapps/app.war",
		ServiceName: "tomcat",
	}
}

func newTestOrchestrator(t *testing.T, runner *fakeRunner, verifier Verifier) *Orchestrator {
	t.Helper()
	return New(&fakeFetcher{t: t}, runner, verifier, Config{}, testLogger())
}

func TestDeploySucceeds(t *testing.T) {
	runner := &fakeRunner{}
	o := newTestOrchestrator(t, runner, &fakeVerifier{})

	result, err := o.Deploy(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if result.Status != StatusSucceeded {
		t.Fatalf("expected succeeded, got %s (%s)", result.Status, result.Reason)
	}
	if result.Err != nil {
		t.Errorf("unexpected result error: %v", result.Err)
	}

	want := []string{"transfer", "backup-previous", "activate", "restart-service", "remove-backup"}
	got := runner.names()
	if len(got) != len(want) {
		t.Fatalf("expected commands %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("command %d: expected %s, got %s", i, want[i], got[i])
		}
	}
	if len(result.Logs) == 0 {
		t.Error("expected progress logs")
	}
}

func TestDeployFetchFailureHasNoRemoteSideEffects(t *testing.T) {
	runner := &fakeRunner{}
	fetchErr := errors.New("network down")
	o := New(&fakeFetcher{t: t, err: fetchErr}, runner, &fakeVerifier{}, Config{}, testLogger())

	result, err := o.Deploy(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if result.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", result.Status)
	}
	if !errors.Is(result.Err, fetchErr) {
		t.Errorf("expected fetch error in result, got %v", result.Err)
	}
	var stageErr *StageError
	if !errors.As(result.Err, &stageErr) || stageErr.Stage != StageFetching {
		t.Errorf("expected fetching stage error, got %v", result.Err)
	}
	if len(runner.names()) != 0 {
		t.Errorf("expected no remote commands, got %v", runner.names())
	}
}

func TestDeployTransferFailureIsTerminal(t *testing.T) {
	runner := &fakeRunner{}
	runner.failOnce("transfer")
	o := newTestOrchestrator(t, runner, &fakeVerifier{})

	result, err := o.Deploy(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if result.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", result.Status)
	}
	var stageErr *StageError
	if !errors.As(result.Err, &stageErr) || stageErr.Stage != StageTransferring {
		t.Errorf("expected transferring stage error, got %v", result.Err)
	}
	for _, name := range runner.names() {
		if name == "activate" || name == "restart-service" {
			t.Errorf("activation must not run after transfer failure, saw %v", runner.names())
		}
	}
}

func TestDeployActivationFailureRollsBack(t *testing.T) {
	runner := &fakeRunner{}
	runner.failOnce("restart-service") // activation restart fails; rollback restart succeeds
	o := newTestOrchestrator(t, runner, &fakeVerifier{})

	result, err := o.Deploy(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if result.Status != StatusRolledBack {
		t.Fatalf("expected rolled_back, got %s (%s)", result.Status, result.Reason)
	}
	var stageErr *StageError
	if !errors.As(result.Err, &stageErr) || stageErr.Stage != StageActivating {
		t.Errorf("expected activating stage error, got %v", result.Err)
	}

	got := runner.names()
	// After the failed restart the backup must be restored and the service
	// restarted again.
	tail := got[len(got)-2:]
	if tail[0] != "restore-backup" || tail[1] != "restart-service" {
		t.Errorf("expected rollback tail [restore-backup restart-service], got %v", tail)
	}
	for _, name := range got {
		if name == "remove-backup" {
			t.Error("backup must be retained after rollback")
		}
	}
}

func TestDeployVerificationFailureRollsBack(t *testing.T) {
	runner := &fakeRunner{}
	verifier := &fakeVerifier{errs: []error{errors.New("unhealthy after 5 attempts")}}
	o := newTestOrchestrator(t, runner, verifier)

	result, err := o.Deploy(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if result.Status != StatusRolledBack {
		t.Fatalf("expected rolled_back, got %s (%s)", result.Status, result.Reason)
	}
	var stageErr *StageError
	if !errors.As(result.Err, &stageErr) || stageErr.Stage != StageVerifying {
		t.Errorf("expected verifying stage error, got %v", result.Err)
	}
}

func TestDeployRollbackFailureCarriesBothErrors(t *testing.T) {
	runner := &fakeRunner{}
	verifier := &fakeVerifier{errs: []error{errors.New("unhealthy after 5 attempts")}}
	// The activation restart succeeds; the rollback's restart fails: the
	// single fatal path.
	runner.failOnOccurrence("restart-service", 2)
	o := newTestOrchestrator(t, runner, verifier)

	result, err := o.Deploy(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if result.Status != StatusFailed {
		t.Fatalf("expected failed, got %s (%s)", result.Status, result.Reason)
	}
	var rbErr *RollbackError
	if !errors.As(result.Err, &rbErr) {
		t.Fatalf("expected RollbackError, got %v", result.Err)
	}
	if rbErr.Cause == nil || rbErr.RollbackErr == nil {
		t.Errorf("expected both errors populated, got cause=%v rollback=%v", rbErr.Cause, rbErr.RollbackErr)
	}
	if !strings.Contains(result.Reason, "unhealthy") || !strings.Contains(result.Reason, "rollback also failed") {
		t.Errorf("reason must mention both errors, got %q", result.Reason)
	}
}

func TestDeployConcurrentSamePairRejected(t *testing.T) {
	fetcher := &fakeFetcher{t: t, block: make(chan struct{})}
	runner := &fakeRunner{}
	o := New(fetcher, runner, &fakeVerifier{}, Config{}, testLogger())

	results := make(chan error, 1)
	go func() {
		_, err := o.Deploy(context.Background(), testRequest())
		results <- err
	}()

	// Wait for the first deployment to take the lock and park in Fetch.
	deadline := time.Now().Add(2 * time.Second)
	for fetcher.fetched.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first deployment never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	_, err := o.Deploy(context.Background(), testRequest())
	if !errors.Is(err, ErrDeploymentInProgress) {
		t.Fatalf("expected ErrDeploymentInProgress, got %v", err)
	}

	close(fetcher.block)
	if err := <-results; err != nil {
		t.Fatalf("first deployment errored: %v", err)
	}

	// The pair is free again once the run completes.
	if _, err := o.Deploy(context.Background(), testRequest()); err != nil {
		t.Fatalf("expected lock released after completion: %v", err)
	}
}

func TestDeployDifferentPairsRunIndependently(t *testing.T) {
	runner := &fakeRunner{}
	o := newTestOrchestrator(t, runner, &fakeVerifier{})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := testRequest()
			req.TargetHost = fmt.Sprintf("web-%d.example.com", i)
			_, errs[i] = o.Deploy(context.Background(), req)
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Errorf("deployment %d: %v", i, err)
		}
	}
}

func TestDeployInvalidRequestRejected(t *testing.T) {
	o := newTestOrchestrator(t, &fakeRunner{}, &fakeVerifier{})

	req := testRequest()
	req.ServiceName = ""
	if _, err := o.Deploy(context.Background(), req); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestDeployCancelledBeforeTransfer(t *testing.T) {
	runner := &fakeRunner{}
	o := newTestOrchestrator(t, runner, &fakeVerifier{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := o.Deploy(ctx, testRequest())
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if result.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", result.Status)
	}
	for _, name := range runner.names() {
		if name == "activate" {
			t.Error("activation must not run after cancellation")
		}
	}
}
