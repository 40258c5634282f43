// Package api wires the rolling-restart orchestrator, cluster validator and
// broker/SSH collaborators to an HTTP admin surface: start/cancel/validate a
// run, inspect its status and history, and drive single-node operations.
package api

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/brokerops/rollingrestart/internal/broker"
	"github.com/brokerops/rollingrestart/internal/cluster"
	"github.com/brokerops/rollingrestart/internal/config"
	"github.com/brokerops/rollingrestart/internal/health"
	"github.com/brokerops/rollingrestart/internal/orchestrator"
	"github.com/brokerops/rollingrestart/internal/sshexec"
	"github.com/brokerops/rollingrestart/internal/topology"
)

// auditCaller logs which API key (masked) performed a dangerous mutation,
// for operators grepping logs after an unexpected restart or cancellation.
func auditCaller(c *gin.Context, action string) {
	key, _ := GetAPIKeyFromContext(c)
	log.Printf("[api] %s caller=%s", action, maskAPIKey(key))
}

func maskAPIKey(key string) string {
	if key == "" {
		return "(none)"
	}
	if len(key) <= 4 {
		return "***"
	}
	return key[:4] + "***"
}

// OrchestratorAPI is the subset of *orchestrator.Orchestrator the HTTP layer
// drives. Segregated so handler tests can supply a fake.
type OrchestratorAPI interface {
	Start(ctx context.Context, opts orchestrator.StartOptions) (orchestrator.StartResult, error)
	Cancel() error
	State() orchestrator.State
	ValidateOnly(ctx context.Context) (cluster.RestartAdmission, error)
}

// BrokerAPI is the subset of the broker client the HTTP layer drives
// directly: maintenance toggling and the read paths the status roll-up uses.
type BrokerAPI interface {
	GetConnections(ctx context.Context, nodeID string) ([]broker.Connection, error)
	GetQueues(ctx context.Context, nodeID string) ([]broker.Queue, error)
	SetMaintenanceMode(ctx context.Context, nodeID string, enabled bool, reason string) (*broker.MaintenanceAck, error)
}

// HealthAPI is the collaborator the cluster status roll-up polls per node.
type HealthAPI interface {
	CheckNode(ctx context.Context, nodeID string) (health.NodeHealth, error)
}

// SSHExecutor is the collaborator single-node operations drive directly —
// no per-node drain/wait orchestration for single-node operations.
type SSHExecutor interface {
	Execute(ctx context.Context, host string, port int, command string, opts sshexec.Options) (string, error)
}

// ClusterHealthChecker is the collaborator behind GET /api/cluster/health.
type ClusterHealthChecker interface {
	ValidateClusterHealth(ctx context.Context) (cluster.Verdict, error)
}

// HistoryReader is the read side of persisted restart history. Segregated
// from internal/history.Repository so Handlers works with history disabled
// (a nil HistoryReader) without a separate code path per call site.
type HistoryReader interface {
	ListByRun(ctx context.Context, runID string) ([]orchestrator.NodeRestartRecord, error)
	ListRecent(ctx context.Context, limit int) ([]orchestrator.NodeRestartRecord, error)
}

// Handlers bundles every collaborator the admin HTTP surface needs. History
// may be nil in degraded mode, and history then reports itself unavailable.
// ClusterStatus is not nil-checked and must always be set by the caller
// (either a cache-backed or DirectClusterStatusReader instance).
type Handlers struct {
	Config        *config.RestartConfig
	Topology      *topology.Cluster
	Orchestrator  OrchestratorAPI
	Broker        BrokerAPI
	SSH           SSHExecutor
	ClusterHealth ClusterHealthChecker
	History       HistoryReader
	ClusterStatus ClusterStatusProvider
	ServiceName   string
}

func (h *Handlers) serviceName() string {
	if h.ServiceName == "" {
		return orchestrator.DefaultServiceName
	}
	return h.ServiceName
}

type startRequest struct {
	DryRun         bool   `json:"dryRun"`
	Force          bool   `json:"force"`
	Reason         string `json:"reason"`
	SkipValidation bool   `json:"skipValidation"`
}

// PostStartRestart handles POST /api/rolling-restart/start.
func (h *Handlers) PostStartRestart(c *gin.Context) {
	if !h.Config.EnableRollingRestart {
		RespondError(c, http.StatusForbidden, "disabled", "rolling restart is disabled by configuration")
		return
	}

	var req startRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		RespondBadRequest(c, "invalid request body: "+err.Error())
		return
	}

	auditCaller(c, "rolling-restart start")

	result, err := h.Orchestrator.Start(c.Request.Context(), orchestrator.StartOptions{
		DryRun:         req.DryRun,
		Force:          req.Force,
		SkipValidation: req.SkipValidation,
		Reason:         req.Reason,
	})
	if err != nil {
		h.respondStartError(c, err)
		return
	}

	RespondSuccess(c, result, "")
}

func (h *Handlers) respondStartError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrAlreadyActive):
		RespondError(c, http.StatusBadRequest, "already_active", err.Error())
	case errors.Is(err, orchestrator.ErrAdmissionDenied):
		msg := strings.TrimPrefix(err.Error(), orchestrator.ErrAdmissionDenied.Error()+": ")
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "admission_denied",
			"message": msg,
			"reasons": strings.Split(msg, "; "),
		})
	default:
		RespondInternalError(c, err.Error())
	}
}

// GetRestartStatus handles GET /api/rolling-restart/status.
func (h *Handlers) GetRestartStatus(c *gin.Context) {
	snap := orchestrator.NewStatusReporter().Report(h.Orchestrator.State(), time.Now())
	RespondSuccess(c, snap, "")
}

// GetRestartHistory handles GET /api/rolling-restart/history.
func (h *Handlers) GetRestartHistory(c *gin.Context) {
	if h.History == nil {
		RespondSuccess(c, gin.H{"available": false, "records": []orchestrator.NodeRestartRecord{}}, "history persistence is not configured")
		return
	}

	runID := c.Query("runId")
	var (
		records []orchestrator.NodeRestartRecord
		err     error
	)
	if runID != "" {
		records, err = h.History.ListByRun(c.Request.Context(), runID)
	} else {
		records, err = h.History.ListRecent(c.Request.Context(), 100)
	}
	if err != nil {
		RespondInternalError(c, err.Error())
		return
	}
	if runID != "" && len(records) == 0 {
		RespondNotFound(c, "no history for run "+runID)
		return
	}

	RespondSuccess(c, gin.H{"available": true, "records": records}, "")
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// PostCancelRestart handles POST /api/rolling-restart/cancel.
func (h *Handlers) PostCancelRestart(c *gin.Context) {
	var req cancelRequest
	_ = bindOptionalJSON(c, &req)

	auditCaller(c, "rolling-restart cancel")

	if err := h.Orchestrator.Cancel(); err != nil {
		RespondBadRequest(c, err.Error())
		return
	}
	RespondSuccess(c, gin.H{"reason": req.Reason}, "cancellation requested")
}

// PostValidateRestart handles POST /api/rolling-restart/validate.
func (h *Handlers) PostValidateRestart(c *gin.Context) {
	verdict, err := h.Orchestrator.ValidateOnly(c.Request.Context())
	if err != nil {
		RespondInternalError(c, err.Error())
		return
	}
	if !verdict.CanRestart {
		c.JSON(http.StatusBadRequest, gin.H{"ready": false, "reasons": verdict.Reasons})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ready": true})
}

// GetClusterStatus handles GET /api/cluster/status.
func (h *Handlers) GetClusterStatus(c *gin.Context) {
	status, err := h.ClusterStatus.GetStatus(c.Request.Context())
	if err != nil {
		RespondInternalError(c, err.Error())
		return
	}
	RespondSuccess(c, status, "")
}

// GetClusterHealth handles GET /api/cluster/health.
func (h *Handlers) GetClusterHealth(c *gin.Context) {
	verdict, err := h.ClusterHealth.ValidateClusterHealth(c.Request.Context())
	if err != nil {
		RespondInternalError(c, err.Error())
		return
	}

	sshFailures := 0
	checkSSH := c.Query("checkSSH") == "true"
	if checkSSH {
		for _, n := range h.Topology.Nodes {
			if err := h.pingNode(n); err != nil {
				sshFailures++
			}
		}
	}

	status := http.StatusOK
	switch {
	case verdict.HealthyNodes == 0, checkSSH && sshFailures == len(h.Topology.Nodes):
		status = http.StatusServiceUnavailable
	case !verdict.AllNodesHealthy, sshFailures > 0:
		status = http.StatusMultiStatus
	}

	c.JSON(status, gin.H{
		"healthy":         verdict.Healthy,
		"allNodesHealthy": verdict.AllNodesHealthy,
		"totalNodes":      verdict.TotalNodes,
		"healthyNodes":    verdict.HealthyNodes,
		"reasons":         verdict.Reasons,
		"sshFailures":     sshFailures,
	})
}

func (h *Handlers) pingNode(n topology.Node) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := h.SSH.Execute(ctx, n.Host(), n.SSHPort, "uptime", sshexec.Options{Timeout: 5 * time.Second})
	return err
}

type maintenanceRequest struct {
	Maintenance bool   `json:"maintenance"`
	Reason      string `json:"reason"`
}

// PutNodeMaintenance handles PUT /api/nodes/:id/maintenance.
func (h *Handlers) PutNodeMaintenance(c *gin.Context) {
	node, ok := h.Topology.NodeByID(c.Param("id"))
	if !ok {
		RespondNotFound(c, "unknown node "+c.Param("id"))
		return
	}

	var req maintenanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondBadRequest(c, "invalid request body: "+err.Error())
		return
	}

	auditCaller(c, "maintenance toggle on "+node.ID)

	ack, err := h.Broker.SetMaintenanceMode(c.Request.Context(), node.ID, req.Maintenance, req.Reason)
	if err != nil {
		RespondInternalError(c, err.Error())
		return
	}

	if inv, ok := h.ClusterStatus.(interface {
		Invalidate(ctx context.Context) error
	}); ok {
		_ = inv.Invalidate(c.Request.Context())
	}

	RespondSuccess(c, ack, "")
}

// nodeOpCommands maps a single-node operation to the systemd unit command it
// issues. Unlike the orchestrator's restart dance, these run unsupervised —
// no drain, no health wait.
var nodeOpCommands = map[string]string{
	"restart": "systemctl restart %s",
	"stop":    "systemctl stop %s",
	"start":   "systemctl start %s",
}

// NodeOpHandler builds the handler for POST /api/nodes/:id/{restart|stop|start}.
func (h *Handlers) NodeOpHandler(op string) gin.HandlerFunc {
	cmdTemplate, ok := nodeOpCommands[op]
	if !ok {
		panic("api: unknown node op " + op)
	}

	return func(c *gin.Context) {
		node, ok := h.Topology.NodeByID(c.Param("id"))
		if !ok {
			RespondNotFound(c, "unknown node "+c.Param("id"))
			return
		}

		var req cancelRequest // {reason?} — same shape, reused rather than re-declared
		_ = bindOptionalJSON(c, &req)

		auditCaller(c, op+" node "+node.ID)

		cmd := fmt.Sprintf(cmdTemplate, h.serviceName())
		out, err := h.SSH.Execute(c.Request.Context(), node.Host(), node.SSHPort, cmd, sshexec.Options{Sudo: true, Timeout: 45 * time.Second})
		if err != nil {
			RespondInternalError(c, err.Error())
			return
		}
		RespondSuccess(c, gin.H{"output": out}, op+" issued for node "+node.Name)
	}
}

// GetHealth handles GET /health — an unauthenticated liveness probe.
func (h *Handlers) GetHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}

// bindOptionalJSON binds a JSON body into dst when present, treating an
// empty body as "all fields default" rather than a validation error.
func bindOptionalJSON(c *gin.Context, dst interface{}) error {
	if c.Request.ContentLength == 0 {
		return nil
	}
	return c.ShouldBindJSON(dst)
}
