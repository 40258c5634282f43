// Package cluster composes the broker client and health evaluator across an
// entire topology to decide whether the cluster is fit to begin a rolling
// restart.
package cluster

import (
	"context"
	"fmt"

	"github.com/brokerops/rollingrestart/internal/broker"
	"github.com/brokerops/rollingrestart/internal/health"
	"github.com/brokerops/rollingrestart/internal/topology"
)

// Verdict is the outcome of a cluster-wide health check.
type Verdict struct {
	Healthy         bool
	AllNodesHealthy bool
	TotalNodes      int
	HealthyNodes    int
	Reasons         []string
	NodeHealth      map[string]health.NodeHealth
}

// RestartAdmission is the stricter verdict gating rolling-restart admission.
type RestartAdmission struct {
	CanRestart bool
	Reasons    []string
}

// Validator evaluates cluster health against a topology.
type Validator struct {
	Broker  health.BrokerAPI
	Checker *health.Checker
	Topo    *topology.Cluster

	EnableRollingRestart       bool
	RequireAllNodesHealthy     bool
	AllowRestartWithPartitions bool
}

// NewValidator builds a Validator from its collaborators and admission flags.
func NewValidator(b health.BrokerAPI, topo *topology.Cluster, enableRollingRestart, requireAllHealthy, allowPartitions bool) *Validator {
	return &Validator{
		Broker:                     b,
		Checker:                    health.NewChecker(b),
		Topo:                       topo,
		EnableRollingRestart:       enableRollingRestart,
		RequireAllNodesHealthy:     requireAllHealthy,
		AllowRestartWithPartitions: allowPartitions,
	}
}

// ValidateClusterHealth checks every node in the topology and aggregates a
// cluster-wide health verdict.
func (v *Validator) ValidateClusterHealth(ctx context.Context) (Verdict, error) {
	verdict := Verdict{
		TotalNodes: len(v.Topo.Nodes),
		NodeHealth: make(map[string]health.NodeHealth, len(v.Topo.Nodes)),
	}

	var reasons []string
	partitioned := false

	for _, n := range v.Topo.Nodes {
		h, err := v.Checker.CheckNode(ctx, n.ID)
		if err != nil {
			reasons = append(reasons, fmt.Sprintf("node %s: %v", n.ID, err))
			verdict.NodeHealth[n.ID] = h
			continue
		}
		verdict.NodeHealth[n.ID] = h
		if h.IsHealthy {
			verdict.HealthyNodes++
		} else {
			reasons = append(reasons, h.Issues...)
		}
		if len(h.Partitions) > 0 {
			partitioned = true
		}
	}

	criticalAlarms, err := v.Broker.GetAlarms(ctx)
	if err == nil {
		var critical []broker.Alarm
		for _, a := range criticalAlarms {
			if health.IsCriticalAlarm(a) {
				critical = append(critical, a)
			}
		}
		if len(critical) > 0 {
			reasons = append(reasons, fmt.Sprintf("critical alarms: %v", critical))
		}
	}

	if partitioned {
		reasons = append(reasons, "network partitions detected")
	}

	verdict.AllNodesHealthy = verdict.HealthyNodes == verdict.TotalNodes
	verdict.Reasons = reasons
	verdict.Healthy = len(reasons) == 0

	return verdict, nil
}

// ValidateRollingRestartAdmission applies the stricter checks required before
// a rolling restart may begin: the feature flag, a minimum cluster size, and
// full-cluster health.
func (v *Validator) ValidateRollingRestartAdmission(ctx context.Context) (RestartAdmission, error) {
	var reasons []string

	if !v.EnableRollingRestart {
		reasons = append(reasons, "rolling restart is disabled by configuration")
	}
	if len(v.Topo.Nodes) < 2 {
		reasons = append(reasons, "cluster must have at least 2 nodes to perform a rolling restart")
	}

	verdict, err := v.ValidateClusterHealth(ctx)
	if err != nil {
		return RestartAdmission{}, err
	}

	if v.RequireAllNodesHealthy && !verdict.AllNodesHealthy {
		reasons = append(reasons, verdict.Reasons...)
	} else if !verdict.Healthy && !v.AllowRestartWithPartitions {
		reasons = append(reasons, verdict.Reasons...)
	}

	return RestartAdmission{
		CanRestart: len(reasons) == 0,
		Reasons:    reasons,
	}, nil
}
