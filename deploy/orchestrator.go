// Package deploy drives one deployment end to end: stage the artifact
// locally, transfer it to the target host, activate it behind a backup of
// the previous version, and verify the service came back healthy, rolling
// back when it did not.
package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/shipper/artifact"
	"github.com/GoCodeAlone/shipper/remote"
	"github.com/GoCodeAlone/shipper/verify"
)

// Fetcher stages an artifact locally and returns its path.
type Fetcher interface {
	Fetch(ctx context.Context, ref artifact.Reference) (string, error)
}

// Runner executes ordered command sequences on a target host.
type Runner interface {
	Execute(ctx context.Context, host string, commands []remote.CommandSpec) ([]remote.CommandResult, error)
}

// Verifier polls a liveness probe until healthy or exhausted.
type Verifier interface {
	Verify(ctx context.Context, probe verify.Probe) error
}

// Config holds orchestrator settings.
type Config struct {
	// BackupSuffix names the retained copy of the previous artifact,
	// appended to the target path. Default ".bak".
	BackupSuffix string `yaml:"backupSuffix" json:"backupSuffix"`

	// RestartCommand is a format string with one %s for the service name.
	// Default "sudo systemctl restart %s".
	RestartCommand string `yaml:"restartCommand" json:"restartCommand"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BackupSuffix:   ".bak",
		RestartCommand: "sudo systemctl restart %s",
	}
}

// Orchestrator runs deployments. It holds no per-deployment state beyond the
// in-flight lock table; each run produces exactly one terminal Result.
type Orchestrator struct {
	fetcher Fetcher
	runner  Runner
	checker Verifier
	locks   *lockTable
	config  Config
	logger  *slog.Logger
}

// New creates an Orchestrator from its collaborators.
func New(fetcher Fetcher, runner Runner, checker Verifier, config Config, logger *slog.Logger) *Orchestrator {
	def := DefaultConfig()
	if config.BackupSuffix == "" {
		config.BackupSuffix = def.BackupSuffix
	}
	if config.RestartCommand == "" {
		config.RestartCommand = def.RestartCommand
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		fetcher: fetcher,
		runner:  runner,
		checker: checker,
		locks:   newLockTable(),
		config:  config,
		logger:  logger,
	}
}

// Deploy runs one deployment to completion and returns its terminal Result.
// A second request for the same (host, service) pair while one is in flight
// is rejected immediately with ErrDeploymentInProgress, never queued.
// Cancellation is honored between stages only; once activation has begun the
// current rollback-eligible step completes first.
func (o *Orchestrator) Deploy(ctx context.Context, req Request) (Result, error) {
	if err := req.Validate(); err != nil {
		return Result{}, err
	}

	key := req.TargetHost + "/" + req.ServiceName
	if !o.locks.TryAcquire(key) {
		return Result{}, fmt.Errorf("%w for %s", ErrDeploymentInProgress, key)
	}
	defer o.locks.Release(key)

	r := &run{
		id:      uuid.NewString(),
		req:     req,
		orch:    o,
		started: time.Now(),
	}
	r.logger = o.logger.With("deployment_id", r.id, "host", req.TargetHost, "service", req.ServiceName)
	return r.execute(ctx), nil
}

// run is the state of one deployment in flight.
type run struct {
	id      string
	req     Request
	orch    *Orchestrator
	logger  *slog.Logger
	logs    []string
	started time.Time
}

func (r *run) execute(ctx context.Context) Result {
	r.logf("deployment %s started: %s -> %s:%s", r.id, r.req.Artifact.Name, r.req.TargetHost, r.req.TargetPath)

	// Fetching
	r.enter(StageFetching)
	localPath, err := r.orch.fetcher.Fetch(ctx, r.req.Artifact)
	if err != nil {
		return r.fail(&StageError{Stage: StageFetching, Err: err})
	}
	// The staging directory is unique to this run; remove it on every
	// terminal outcome.
	defer func() { _ = os.RemoveAll(filepath.Dir(localPath)) }()
	r.logf("artifact staged at %s", localPath)

	if err := ctx.Err(); err != nil {
		return r.fail(&StageError{Stage: StageFetching, Err: err})
	}

	// Transferring
	r.enter(StageTransferring)
	stagedRemote := r.req.TargetPath + ".staged"
	if err := r.transfer(ctx, localPath, stagedRemote); err != nil {
		return r.fail(&StageError{Stage: StageTransferring, Err: err})
	}
	r.logf("artifact transferred to %s:%s", r.req.TargetHost, stagedRemote)

	if err := ctx.Err(); err != nil {
		r.cleanupStaged(stagedRemote)
		return r.fail(&StageError{Stage: StageTransferring, Err: err})
	}

	// Activating
	r.enter(StageActivating)
	backupPath := r.req.TargetPath + r.orch.config.BackupSuffix
	if err := r.activate(ctx, stagedRemote, backupPath); err != nil {
		return r.rollback(ctx, backupPath, stagedRemote, &StageError{Stage: StageActivating, Err: err})
	}
	r.logf("artifact activated, service restarted")

	// Verifying
	r.enter(StageVerifying)
	if err := r.orch.checker.Verify(ctx, r.probe()); err != nil {
		return r.rollback(ctx, backupPath, stagedRemote, &StageError{Stage: StageVerifying, Err: err})
	}

	// Succeeded: the previous version's backup is no longer needed.
	r.removeBackup(ctx, backupPath)
	r.logf("deployment succeeded")
	return r.finish(StatusSucceeded, nil)
}

// transfer streams the staged artifact to a temporary path on the target
// host. The live path is untouched so the previous version keeps serving
// until activation.
func (r *run) transfer(ctx context.Context, localPath, stagedRemote string) error {
	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open staged artifact: %w", err)
	}
	defer func() { _ = file.Close() }()

	_, err = r.orch.runner.Execute(ctx, r.req.TargetHost, []remote.CommandSpec{{
		Name:  "transfer",
		Cmd:   fmt.Sprintf("cat > %s", shellQuote(stagedRemote)),
		Stdin: file,
	}})
	return err
}

// activate retains the previous artifact as a backup, moves the transferred
// file into the live path, and restarts the service.
func (r *run) activate(ctx context.Context, stagedRemote, backupPath string) error {
	target := shellQuote(r.req.TargetPath)
	_, err := r.orch.runner.Execute(ctx, r.req.TargetHost, []remote.CommandSpec{
		{
			Name: "backup-previous",
			Cmd:  fmt.Sprintf("if [ -e %s ]; then mv %s %s; fi", target, target, shellQuote(backupPath)),
		},
		{
			Name: "activate",
			Cmd:  fmt.Sprintf("mv %s %s", shellQuote(stagedRemote), target),
		},
		{
			Name: "restart-service",
			Cmd:  fmt.Sprintf(r.orch.config.RestartCommand, r.req.ServiceName),
		},
	})
	return err
}

// rollback restores the backup and restarts the service. It runs even when
// ctx is cancelled so the host is not left half-activated. If rollback fails
// the result is Failed carrying both errors; otherwise RolledBack carrying
// the triggering error.
func (r *run) rollback(ctx context.Context, backupPath, stagedRemote string, cause error) Result {
	r.logf("rolling back: %v", cause)

	target := shellQuote(r.req.TargetPath)
	rbCtx := context.WithoutCancel(ctx)
	_, err := r.orch.runner.Execute(rbCtx, r.req.TargetHost, []remote.CommandSpec{
		{
			Name: "restore-backup",
			Cmd:  fmt.Sprintf("if [ -e %s ]; then mv %s %s; fi; rm -f %s", shellQuote(backupPath), shellQuote(backupPath), target, shellQuote(stagedRemote)),
		},
		{
			Name: "restart-service",
			Cmd:  fmt.Sprintf(r.orch.config.RestartCommand, r.req.ServiceName),
		},
	})
	if err != nil {
		r.logf("rollback failed: %v", err)
		return r.finish(StatusFailed, &RollbackError{Cause: cause, RollbackErr: err})
	}

	r.logf("rollback complete, previous version restored")
	return r.finish(StatusRolledBack, cause)
}

// cleanupStaged removes a transferred-but-never-activated file, best effort.
func (r *run) cleanupStaged(stagedRemote string) {
	_, err := r.orch.runner.Execute(context.Background(), r.req.TargetHost, []remote.CommandSpec{{
		Name: "cleanup-staged",
		Cmd:  fmt.Sprintf("rm -f %s", shellQuote(stagedRemote)),
	}})
	if err != nil {
		r.logger.Warn("Failed to remove staged file on target", "path", stagedRemote, "error", err)
	}
}

// removeBackup deletes the backup after a confirmed-successful verification.
// Failure to delete is logged, not fatal.
func (r *run) removeBackup(ctx context.Context, backupPath string) {
	_, err := r.orch.runner.Execute(context.WithoutCancel(ctx), r.req.TargetHost, []remote.CommandSpec{{
		Name: "remove-backup",
		Cmd:  fmt.Sprintf("rm -f %s", shellQuote(backupPath)),
	}})
	if err != nil {
		r.logger.Warn("Failed to remove backup on target", "path", backupPath, "error", err)
	}
}

func (r *run) probe() verify.Probe {
	if r.req.HealthURL != "" {
		return &verify.HTTPProbe{URL: r.req.HealthURL}
	}
	return &verify.ServiceProbe{
		Runner:  r.orch.runner,
		Host:    r.req.TargetHost,
		Service: r.req.ServiceName,
	}
}

func (r *run) enter(stage Stage) {
	r.logf("stage: %s", stage)
}

func (r *run) fail(err error) Result {
	return r.finish(StatusFailed, err)
}

func (r *run) finish(status Status, err error) Result {
	completed := time.Now()
	result := Result{
		ID:          r.id,
		Status:      status,
		Err:         err,
		DurationMs:  completed.Sub(r.started).Milliseconds(),
		Logs:        r.logs,
		StartedAt:   r.started,
		CompletedAt: completed,
	}
	if err != nil {
		result.Reason = err.Error()
		r.logger.Error("Deployment finished", "status", status, "error", err, "duration_ms", result.DurationMs)
	} else {
		r.logger.Info("Deployment finished", "status", status, "duration_ms", result.DurationMs)
	}
	return result
}

func (r *run) logf(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	r.logs = append(r.logs, line)
	r.logger.Info(line)
}

// shellQuote single-quotes a path for the remote shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
