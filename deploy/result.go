package deploy

import (
	"fmt"
	"time"

	"github.com/GoCodeAlone/shipper/artifact"
)

// Stage identifies where a deployment is in its state machine.
type Stage string

const (
	StagePending      Stage = "pending"
	StageFetching     Stage = "fetching"
	StageTransferring Stage = "transferring"
	StageActivating   Stage = "activating"
	StageVerifying    Stage = "verifying"
)

// Status is the terminal outcome of one deployment run.
type Status string

const (
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusRolledBack Status = "rolled_back"
)

// Request describes one deployment: which artifact goes where. A Request is
// owned by exactly one orchestrator run and discarded after completion.
type Request struct {
	Artifact    artifact.Reference `json:"artifact"`
	TargetHost  string             `json:"target_host"`
	TargetPath  string             `json:"target_path"`
	ServiceName string             `json:"service_name"`

	// HealthURL, when set, switches verification to an HTTP probe against
	// the deployed service. Default is a remote service status check.
	HealthURL string `json:"health_url,omitempty"`
}

// Validate checks the request is complete enough to run.
func (r Request) Validate() error {
	if r.TargetHost == "" {
		return fmt.Errorf("%w: missing target host", ErrInvalidRequest)
	}
	if r.TargetPath == "" {
		return fmt.Errorf("%w: missing target path", ErrInvalidRequest)
	}
	if r.ServiceName == "" {
		return fmt.Errorf("%w: missing service name", ErrInvalidRequest)
	}
	if err := r.Artifact.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

// Result is the immutable terminal record of one deployment run.
type Result struct {
	ID          string    `json:"id"`
	Status      Status    `json:"status"`
	Reason      string    `json:"reason,omitempty"`
	Err         error     `json:"-"` // taxonomy error behind Reason, for errors.Is/As
	DurationMs  int64     `json:"duration_ms"`
	Logs        []string  `json:"logs"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}
