package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/brokerops/rollingrestart/internal/broker"
	"github.com/brokerops/rollingrestart/internal/cluster"
	"github.com/brokerops/rollingrestart/internal/config"
	"github.com/brokerops/rollingrestart/internal/health"
	"github.com/brokerops/rollingrestart/internal/sshexec"
	"github.com/brokerops/rollingrestart/internal/topology"
)

// BrokerAPI is the subset of the broker client the orchestrator drives
// directly (maintenance mode and connection drain/force-close). Segregated
// so tests can supply a fake.
type BrokerAPI interface {
	GetConnectionCount(ctx context.Context, nodeID string) int
	ForceCloseNodeConnections(ctx context.Context, nodeID string, maxToClose int) broker.ForceCloseResult
	SetMaintenanceMode(ctx context.Context, nodeID string, enabled bool, reason string) (*broker.MaintenanceAck, error)
}

// HealthChecker is the collaborator the health-wait loop polls.
type HealthChecker interface {
	CheckNode(ctx context.Context, nodeID string) (health.NodeHealth, error)
}

// SSHExecutor is the collaborator the restarting phase drives.
type SSHExecutor interface {
	Execute(ctx context.Context, host string, port int, command string, opts sshexec.Options) (string, error)
}

// AdmissionValidator gates whether a run may begin.
type AdmissionValidator interface {
	ValidateRollingRestartAdmission(ctx context.Context) (cluster.RestartAdmission, error)
}

// HistoryRecorder persists NodeRestartRecord events. Best-effort: a failure
// is logged and never fails the node or the run.
type HistoryRecorder interface {
	RecordEvent(ctx context.Context, rec NodeRestartRecord) error
}

// noopHistory is used when the caller wires no persistence layer.
type noopHistory struct{}

func (noopHistory) RecordEvent(ctx context.Context, rec NodeRestartRecord) error { return nil }

// MetricsRecorder is the collaborator the orchestrator reports run and
// per-node outcomes to. Satisfied by *metrics.Recorder.
type MetricsRecorder interface {
	RunStarted()
	RunFinished(outcome string)
	NodeRestarted(node string)
	NodeFailed(node, phase string)
	ObservePhaseDuration(phase string, d time.Duration)
	SetConnectionsDraining(node string, n int)
}

// noopMetrics is used when the caller wires no metrics recorder.
type noopMetrics struct{}

func (noopMetrics) RunStarted()                                        {}
func (noopMetrics) RunFinished(outcome string)                         {}
func (noopMetrics) NodeRestarted(node string)                          {}
func (noopMetrics) NodeFailed(node, phase string)                      {}
func (noopMetrics) ObservePhaseDuration(phase string, d time.Duration) {}
func (noopMetrics) SetConnectionsDraining(node string, n int)          {}

// Options bundles the restart-specific tuning knobs not already captured by
// the collaborator interfaces.
type Options struct {
	ServiceName                     string
	ForceCloseConnectionsAfterDrain bool
	ForceCloseMaxConnections        int
	Metrics                         MetricsRecorder
}

// DefaultServiceName is the systemd unit the restarting phase manages when
// Options.ServiceName is left empty.
const DefaultServiceName = "rabbitmq-server"

// forceCloseHardCap is the safety belt from Design Note "Force-close safety
// cap": never force-close when more than this many connections remain,
// regardless of configuration.
const forceCloseHardCap = 10

// Orchestrator is the single-writer rolling-restart state machine. Exactly
// one run may be active at a time; a second Start fails fast.
type Orchestrator struct {
	topo     *topology.Cluster
	timeouts config.Timeouts
	opts     Options

	broker    BrokerAPI
	health    HealthChecker
	ssh       SSHExecutor
	validator AdmissionValidator
	history   HistoryRecorder
	events    *Broadcaster

	log *log.Logger

	mu        sync.Mutex
	state     State
	cancelCh  chan struct{}
}

// New constructs an Orchestrator bound to a topology and its collaborators.
func New(topo *topology.Cluster, timeouts config.Timeouts, opts Options, b BrokerAPI, h HealthChecker, ssh SSHExecutor, validator AdmissionValidator, history HistoryRecorder) *Orchestrator {
	if opts.ServiceName == "" {
		opts.ServiceName = DefaultServiceName
	}
	if history == nil {
		history = noopHistory{}
	}
	if opts.Metrics == nil {
		opts.Metrics = noopMetrics{}
	}
	return &Orchestrator{
		topo:      topo,
		timeouts:  timeouts,
		opts:      opts,
		broker:    b,
		health:    h,
		ssh:       ssh,
		validator: validator,
		history:   history,
		events:    NewBroadcaster(),
		log:       log.New(log.Writer(), "[RestartOrchestrator] ", log.LstdFlags),
		state:     State{Phase: PhaseIdle},
	}
}

// Events returns the orchestrator's event broadcaster for subscribers.
func (o *Orchestrator) Events() *Broadcaster { return o.events }

// State returns a consistent snapshot of the orchestrator's internal state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

func (o *Orchestrator) snapshotLocked() State {
	s := o.state
	errs := make([]string, len(o.state.Errors))
	copy(errs, o.state.Errors)
	s.Errors = errs
	if o.state.CurrentNodeConnections != nil {
		v := *o.state.CurrentNodeConnections
		s.CurrentNodeConnections = &v
	}
	if o.state.StartedAt != nil {
		t := *o.state.StartedAt
		s.StartedAt = &t
	}
	if o.state.CompletedAt != nil {
		t := *o.state.CompletedAt
		s.CompletedAt = &t
	}
	return s
}

// ValidateOnly runs the rolling-restart admission check without starting a
// run — the POST /validate preview.
func (o *Orchestrator) ValidateOnly(ctx context.Context) (cluster.RestartAdmission, error) {
	return o.validator.ValidateRollingRestartAdmission(ctx)
}

// Start admits and, unless dryRun, launches a new rolling restart. It
// returns as soon as admission and slot acquisition complete — the run
// itself proceeds on a background goroutine and is observed via State.
func (o *Orchestrator) Start(ctx context.Context, opts StartOptions) (StartResult, error) {
	o.mu.Lock()
	if o.state.IsActive {
		o.mu.Unlock()
		return StartResult{}, ErrAlreadyActive
	}
	o.mu.Unlock()

	// Dual-key bypass: force alone is never sufficient (Design Note
	// "Ambiguity — force semantics").
	skip := opts.Force && opts.SkipValidation
	if !skip {
		verdict, err := o.validator.ValidateRollingRestartAdmission(ctx)
		if err != nil {
			return StartResult{}, fmt.Errorf("orchestrator: admission check: %w", err)
		}
		if !verdict.CanRestart {
			return StartResult{}, fmt.Errorf("%w: %s", ErrAdmissionDenied, strings.Join(verdict.Reasons, "; "))
		}
	}

	nodes := make([]topology.Node, len(o.topo.Nodes))
	copy(nodes, o.topo.Nodes)
	names := make([]string, len(nodes))
	for i, n := range nodes {
		names[i] = n.Name
	}

	runID := uuid.New().String()

	if opts.DryRun {
		return StartResult{
			RunID:             runID,
			DryRun:            true,
			Nodes:             names,
			EstimatedDuration: o.estimateDuration(len(nodes)),
		}, nil
	}

	now := time.Now()
	o.mu.Lock()
	if o.state.IsActive {
		o.mu.Unlock()
		return StartResult{}, ErrAlreadyActive
	}
	o.state = State{
		RunID:     runID,
		Phase:     PhasePreparing,
		IsActive:  true,
		Progress:  Progress{Total: len(nodes)},
		StartedAt: &now,
	}
	o.cancelCh = make(chan struct{})
	cancelCh := o.cancelCh
	o.mu.Unlock()

	o.events.Publish(Event{Type: EventStarted, RunID: runID, Time: now})
	o.opts.Metrics.RunStarted()

	go o.run(runID, nodes, cancelCh)

	return StartResult{
		RunID:             runID,
		Nodes:             names,
		EstimatedDuration: o.estimateDuration(len(nodes)),
	}, nil
}

// estimateDuration gives the StartResult (dry run or not) a rough wallclock
// projection: per-node I/O budgets plus inter-node pauses.
func (o *Orchestrator) estimateDuration(nodeCount int) string {
	if nodeCount == 0 {
		return "0 minutes"
	}
	restartBudget := o.timeouts.StopSettle + o.timeouts.KillSettle + o.timeouts.StartSettle
	perNode := o.timeouts.ConnectionDrain + restartBudget + o.timeouts.NodeStartup + o.timeouts.PostRestartValidation
	total := perNode*time.Duration(nodeCount) + o.timeouts.InterNode*time.Duration(nodeCount-1)
	minutes := int(total.Round(time.Minute) / time.Minute)
	if minutes < 1 {
		minutes = 1
	}
	return fmt.Sprintf("%d minutes", minutes)
}

// Cancel requests cooperative cancellation of the active run. It returns
// immediately; the run honors the request at the next phase boundary.
func (o *Orchestrator) Cancel() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.state.IsActive {
		return ErrNotActive
	}
	if o.state.CancelRequested {
		return nil
	}
	o.state.CancelRequested = true
	close(o.cancelCh)
	return nil
}

func (o *Orchestrator) cancelRequested() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.CancelRequested
}

// sleepInterruptible waits for d, or returns early (true) if cancellation
// was requested meanwhile.
func (o *Orchestrator) sleepInterruptible(d time.Duration, cancelCh <-chan struct{}) bool {
	if d <= 0 {
		select {
		case <-cancelCh:
			return true
		default:
			return false
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return false
	case <-cancelCh:
		return true
	}
}

func (o *Orchestrator) setPhase(phase Phase, nodeName string) {
	o.mu.Lock()
	o.state.Phase = phase
	o.state.Progress.Current = nodeName
	runID := o.state.RunID
	o.mu.Unlock()
	o.events.Publish(Event{Type: EventPhaseChange, RunID: runID, Phase: phase, Node: nodeName, Time: time.Now()})
}

func (o *Orchestrator) setDrainCount(n *int) {
	o.mu.Lock()
	o.state.CurrentNodeConnections = n
	o.mu.Unlock()
}

func (o *Orchestrator) recordHistory(ctx context.Context, runID string, n topology.Node, seq int, phase, status, message string, dur time.Duration) {
	rec := NodeRestartRecord{
		RunID: runID, NodeID: n.ID, NodeName: n.Name, Sequence: seq,
		Phase: phase, Status: status, Message: message, Duration: dur, Timestamp: time.Now(),
	}
	if err := o.history.RecordEvent(ctx, rec); err != nil {
		o.log.Printf("history write failed for run %s node %s: %v", runID, n.ID, err)
	}
}

// run is the top-level per-run loop (§4.5.1). It owns the terminal
// transition and guarantees isActive is released on every exit path.
func (o *Orchestrator) run(runID string, nodes []topology.Node, cancelCh chan struct{}) {
	ctx := context.Background()
	var runErr error
	cancelledMidRun := false

	defer func() {
		now := time.Now()
		o.mu.Lock()
		o.state.CompletedAt = &now
		o.state.IsActive = false
		switch {
		case cancelledMidRun:
			o.state.Phase = PhaseCancelled
		case runErr != nil:
			o.state.Phase = PhaseFailed
			o.state.Errors = append(o.state.Errors, runErr.Error())
		default:
			o.state.Phase = PhaseCompleted
		}
		o.mu.Unlock()

		switch {
		case cancelledMidRun:
			o.events.Publish(Event{Type: EventCancelled, RunID: runID, Time: now})
			o.opts.Metrics.RunFinished("cancelled")
		case runErr != nil:
			o.events.Publish(Event{Type: EventFailed, RunID: runID, Error: runErr.Error(), Time: now})
			o.opts.Metrics.RunFinished("failed")
		default:
			o.events.Publish(Event{Type: EventCompleted, RunID: runID, Time: now})
			o.opts.Metrics.RunFinished("completed")
		}
	}()

	for i, node := range nodes {
		if o.cancelRequested() {
			cancelledMidRun = true
			return
		}

		if err := o.runNode(ctx, runID, node, i, cancelCh); err != nil {
			if errors.Is(err, errCancelledDuringNode) {
				cancelledMidRun = true
				return
			}
			runErr = err
			return
		}

		o.mu.Lock()
		o.state.Progress.Completed++
		progress := o.state.Progress
		o.state.NodeIndex = i + 1
		o.mu.Unlock()
		o.events.Publish(Event{Type: EventProgress, RunID: runID, Progress: progress, Time: time.Now()})

		if i < len(nodes)-1 {
			if o.sleepInterruptible(o.timeouts.InterNode, cancelCh) {
				cancelledMidRun = true
				return
			}
		}
	}
}

// errCancelledDuringNode signals that the node sub-machine observed
// cancellation rather than failing.
var errCancelledDuringNode = errors.New("orchestrator: cancelled during node sub-machine")

// runNode drives the per-node sub-machine (§4.5.2): preparing, draining,
// restarting, validating, post-validation pause, cleanup. Any failure after
// preparing triggers the cleanup invariant (maintenance-mode revert) before
// the error propagates.
func (o *Orchestrator) runNode(ctx context.Context, runID string, node topology.Node, seq int, cancelCh chan struct{}) error {
	o.setPhase(PhasePreparing, node.Name)
	start := time.Now()
	o.recordHistory(ctx, runID, node, seq, string(PhasePreparing), "started", "", 0)

	ack, err := o.broker.SetMaintenanceMode(ctx, node.ID, true, "Rolling restart")
	if err != nil {
		o.recordHistory(ctx, runID, node, seq, string(PhasePreparing), "error", err.Error(), time.Since(start))
		return fmt.Errorf("node %s: enter maintenance mode: %w", node.Name, err)
	}
	maintenanceEntered := true
	if ack != nil && ack.Warning != "" {
		o.log.Printf("node %s: %s", node.Name, ack.Warning)
	}

	cleanup := func(reason string) {
		if !maintenanceEntered {
			return
		}
		if _, err := o.broker.SetMaintenanceMode(context.Background(), node.ID, false, reason); err != nil {
			o.log.Printf("node %s: cleanup maintenance-mode revert failed: %v", node.Name, err)
		}
		o.recordHistory(ctx, runID, node, seq, string(PhaseMaintenance), "completed", reason, 0)
	}

	if o.cancelRequested() {
		cleanup("cancelled")
		return errCancelledDuringNode
	}

	o.setPhase(PhaseDraining, node.Name)
	if o.drainConnections(ctx, node, cancelCh) {
		cleanup("cancelled")
		return errCancelledDuringNode
	}

	if o.cancelRequested() {
		cleanup("cancelled")
		return errCancelledDuringNode
	}

	o.setPhase(PhaseRestarting, node.Name)
	restartStart := time.Now()
	if err := o.restartNode(ctx, node, cancelCh); err != nil {
		if errors.Is(err, errCancelledDuringNode) {
			cleanup("cancelled")
			return errCancelledDuringNode
		}
		o.recordHistory(ctx, runID, node, seq, string(PhaseRestarting), "error", err.Error(), time.Since(restartStart))
		o.opts.Metrics.NodeFailed(node.Name, string(PhaseRestarting))
		cleanup("cleanup")
		return fmt.Errorf("node %s: restart: %w", node.Name, err)
	}
	o.opts.Metrics.ObservePhaseDuration(string(PhaseRestarting), time.Since(restartStart))
	o.recordHistory(ctx, runID, node, seq, string(PhaseRestarting), "completed", "", time.Since(restartStart))

	if o.cancelRequested() {
		cleanup("cancelled")
		return errCancelledDuringNode
	}

	o.setPhase(PhaseValidating, node.Name)
	validateStart := time.Now()
	if err := o.waitForHealthy(ctx, node, cancelCh); err != nil {
		if errors.Is(err, errCancelledDuringNode) {
			cleanup("cancelled")
			return errCancelledDuringNode
		}
		o.recordHistory(ctx, runID, node, seq, string(PhaseValidating), "error", err.Error(), time.Since(validateStart))
		o.opts.Metrics.NodeFailed(node.Name, string(PhaseValidating))
		cleanup("cleanup")
		return err
	}
	o.opts.Metrics.ObservePhaseDuration(string(PhaseValidating), time.Since(validateStart))
	o.recordHistory(ctx, runID, node, seq, string(PhaseValidating), "completed", "", time.Since(validateStart))

	if o.sleepInterruptible(o.timeouts.PostRestartValidation, cancelCh) {
		cleanup("cancelled")
		return errCancelledDuringNode
	}

	o.setPhase(PhaseMaintenance, node.Name)
	if _, err := o.broker.SetMaintenanceMode(ctx, node.ID, false, "Rolling restart completed"); err != nil {
		o.log.Printf("node %s: exit maintenance mode: %v", node.Name, err)
	}
	maintenanceEntered = false
	o.recordHistory(ctx, runID, node, seq, string(PhaseMaintenance), "completed", "", time.Since(start))
	o.opts.Metrics.NodeRestarted(node.Name)

	return nil
}

// drainConnections runs the connection-drain loop (§4.5.3). It never fails
// the restart: it returns true only when cancellation was observed.
func (o *Orchestrator) drainConnections(ctx context.Context, node topology.Node, cancelCh chan struct{}) (cancelled bool) {
	defer o.setDrainCount(nil)
	defer o.opts.Metrics.SetConnectionsDraining(node.Name, 0)

	deadline := time.Now().Add(o.timeouts.ConnectionDrain)
	var final int
	for time.Now().Before(deadline) {
		if o.cancelRequested() {
			return true
		}
		n := o.broker.GetConnectionCount(ctx, node.ID)
		final = n
		o.setDrainCount(&n)
		o.opts.Metrics.SetConnectionsDraining(node.Name, n)
		if n == 0 {
			o.setDrainCount(nil)
			return false
		}
		if o.sleepInterruptible(o.timeouts.ConnectionDrainCheck, cancelCh) {
			return true
		}
	}

	final = o.broker.GetConnectionCount(ctx, node.ID)
	if final > 0 {
		o.log.Printf("node %s: drain budget elapsed with %d connection(s) remaining", node.Name, final)
		if o.opts.ForceCloseConnectionsAfterDrain && final <= forceCloseHardCap {
			max := o.opts.ForceCloseMaxConnections
			if max <= 0 || max > forceCloseHardCap {
				max = forceCloseHardCap
			}
			result := o.broker.ForceCloseNodeConnections(ctx, node.ID, max)
			o.log.Printf("node %s: force-closed %d connection(s), %d remaining", node.Name, result.Closed, result.Remaining)
		}
	}
	return false
}

// restartNode drives the SSH-orchestrated stop-then-start sequence
// (§4.5.2 step 3). The settle pauses between commands are suspension points:
// cancellation during one of them unwinds as errCancelledDuringNode.
func (o *Orchestrator) restartNode(ctx context.Context, node topology.Node, cancelCh chan struct{}) error {
	svc := o.opts.ServiceName
	host := node.Host()

	isActive := func() (string, error) {
		return o.ssh.Execute(ctx, host, node.SSHPort, "systemctl is-active "+svc, sshexec.Options{Timeout: 10 * time.Second})
	}

	if _, err := isActive(); err != nil {
		o.log.Printf("node %s: pre-restart is-active check failed (continuing): %v", node.Name, err)
	}

	if _, err := o.ssh.Execute(ctx, host, node.SSHPort, "systemctl stop "+svc, sshexec.Options{Sudo: true, Timeout: 30 * time.Second}); err != nil {
		return fmt.Errorf("systemctl stop: %w", err)
	}
	if o.sleepInterruptible(o.timeouts.StopSettle, cancelCh) {
		return errCancelledDuringNode
	}

	if status, err := isActive(); err == nil && strings.TrimSpace(status) == "active" {
		if _, err := o.ssh.Execute(ctx, host, node.SSHPort, "systemctl kill "+svc, sshexec.Options{Sudo: true, Timeout: 10 * time.Second}); err != nil {
			return fmt.Errorf("systemctl kill: %w", err)
		}
		if o.sleepInterruptible(o.timeouts.KillSettle, cancelCh) {
			return errCancelledDuringNode
		}
	}

	if _, err := o.ssh.Execute(ctx, host, node.SSHPort, "systemctl start "+svc, sshexec.Options{Sudo: true, Timeout: 45 * time.Second}); err != nil {
		return fmt.Errorf("systemctl start: %w", err)
	}
	if o.sleepInterruptible(o.timeouts.StartSettle, cancelCh) {
		return errCancelledDuringNode
	}

	status, err := isActive()
	if err != nil || strings.TrimSpace(status) != "active" {
		return fmt.Errorf("node %s did not report active after start", node.Name)
	}

	if _, err := o.ssh.Execute(ctx, host, node.SSHPort, "rabbitmqctl node_health_check", sshexec.Options{Sudo: true, Timeout: 30 * time.Second}); err != nil {
		o.log.Printf("node %s: rabbitmqctl node_health_check failed (non-fatal): %v", node.Name, err)
	}

	return nil
}

// waitForHealthy runs the health-wait loop (§4.5.4).
func (o *Orchestrator) waitForHealthy(ctx context.Context, node topology.Node, cancelCh chan struct{}) error {
	deadline := time.Now().Add(o.timeouts.NodeStartup)
	for time.Now().Before(deadline) {
		if o.cancelRequested() {
			return errCancelledDuringNode
		}
		h, err := o.health.CheckNode(ctx, node.ID)
		if err != nil {
			o.log.Printf("node %s: health poll error (continuing): %v", node.Name, err)
		} else if h.IsHealthy {
			return nil
		}
		if o.sleepInterruptible(o.timeouts.HealthCheckInterval, cancelCh) {
			return errCancelledDuringNode
		}
	}
	return fmt.Errorf("%w: node %s failed to become healthy within %s", ErrNodeFailed, node.Name, o.timeouts.NodeStartup)
}
