// Package orchestrator implements the rolling-restart state machine: the
// single-writer process that drains, stops, restarts and re-validates each
// broker node in ascending configOrder while preserving cluster availability.
package orchestrator

import (
	"errors"
	"time"
)

// Phase is a top-level orchestrator state.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhasePreparing   Phase = "preparing"
	PhaseMaintenance Phase = "maintenance"
	PhaseDraining    Phase = "draining"
	PhaseRestarting  Phase = "restarting"
	PhaseValidating  Phase = "validating"
	PhaseCompleted   Phase = "completed"
	PhaseFailed      Phase = "failed"
	PhaseCancelled   Phase = "cancelled"
)

var (
	ErrAlreadyActive  = errors.New("orchestrator: rolling restart already in progress")
	ErrNotActive      = errors.New("orchestrator: no rolling restart in progress")
	ErrAdmissionDenied = errors.New("orchestrator: cluster not admissible for rolling restart")
	ErrNodeFailed     = errors.New("orchestrator: node failed during restart")
)

// Progress tracks how far the current (or most recent) run has advanced.
type Progress struct {
	Total     int
	Completed int
	Current   string
}

// State is the orchestrator's internal record, mutated only by the single
// run goroutine and read by StatusReporter under lock.
type State struct {
	RunID                  string
	Phase                  Phase
	IsActive               bool
	NodeIndex              int
	Progress               Progress
	CurrentNodeConnections *int
	StartedAt              *time.Time
	CompletedAt            *time.Time
	Errors                 []string
	CancelRequested        bool
}

// StartOptions carry the caller's request for a new run.
type StartOptions struct {
	DryRun         bool
	Force          bool
	SkipValidation bool
	Reason         string
}

// StartResult is returned synchronously by Start, before the run (if any)
// finishes — the real outcome is observed later through StatusReporter.
type StartResult struct {
	RunID             string
	DryRun            bool
	Nodes             []string
	EstimatedDuration string
}

// NodeRestartRecord is one append-only entry in a run's event log: a phase
// transition or a terminal outcome for one node.
type NodeRestartRecord struct {
	RunID     string
	NodeID    string
	NodeName  string
	Sequence  int
	Phase     string
	Status    string // started | completed | error
	Message   string
	Duration  time.Duration
	Timestamp time.Time
}
