package orchestrator

import (
	"math"
	"time"
)

// phaseDescriptions is the fixed human-readable table StatusReporter
// consults for Snapshot.PhaseDescription.
var phaseDescriptions = map[Phase]string{
	PhaseIdle:        "idle — no rolling restart in progress",
	PhasePreparing:   "entering maintenance mode on the current node",
	PhaseMaintenance: "toggling maintenance mode",
	PhaseDraining:    "draining client connections from the current node",
	PhaseRestarting:  "stopping and starting the broker service over SSH",
	PhaseValidating:  "waiting for the restarted node to report healthy",
	PhaseCompleted:   "rolling restart completed successfully",
	PhaseFailed:      "rolling restart failed",
	PhaseCancelled:   "rolling restart was cancelled",
}

// Snapshot is StatusReporter's read-only view of a State, augmented with
// fields derived at read time.
type Snapshot struct {
	RunID                  string
	Phase                  Phase
	PhaseDescription       string
	IsActive               bool
	NodeIndex              int
	Progress               Progress
	ProgressPercent        int
	EstimatedTimeRemaining *int // seconds
	CurrentNodeConnections *int
	ConnectionsDraining    *int
	StartedAt              *time.Time
	CompletedAt            *time.Time
	Errors                 []string
	LastError              string
	CancelRequested        bool
}

// StatusReporter derives a read-only Snapshot from a State. It is a pure
// function, kept free of its own locking so callers decide how a consistent
// State was obtained (Orchestrator.State() already takes the lock).
type StatusReporter struct{}

// NewStatusReporter constructs a StatusReporter.
func NewStatusReporter() *StatusReporter { return &StatusReporter{} }

// Report computes a Snapshot from a State as of now.
func (StatusReporter) Report(s State, now time.Time) Snapshot {
	snap := Snapshot{
		RunID:                  s.RunID,
		Phase:                  s.Phase,
		PhaseDescription:       phaseDescriptions[s.Phase],
		IsActive:               s.IsActive,
		NodeIndex:              s.NodeIndex,
		Progress:               s.Progress,
		CurrentNodeConnections: s.CurrentNodeConnections,
		StartedAt:              s.StartedAt,
		CompletedAt:            s.CompletedAt,
		Errors:                 s.Errors,
		CancelRequested:        s.CancelRequested,
	}

	if s.Progress.Total > 0 {
		snap.ProgressPercent = int(math.Round(100 * float64(s.Progress.Completed) / float64(s.Progress.Total)))
	}

	if s.Phase == PhaseDraining {
		snap.ConnectionsDraining = s.CurrentNodeConnections
	}

	if len(s.Errors) > 0 {
		snap.LastError = s.Errors[len(s.Errors)-1]
	}

	if s.IsActive && s.Progress.Completed > 0 && s.StartedAt != nil {
		elapsed := now.Sub(*s.StartedAt)
		perNode := elapsed / time.Duration(s.Progress.Completed)
		remaining := time.Duration(s.Progress.Total-s.Progress.Completed) * perNode
		secs := int(remaining.Seconds())
		snap.EstimatedTimeRemaining = &secs
	}

	return snap
}
