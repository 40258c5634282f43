// Package health derives a healthy/unhealthy verdict for a broker node from
// its raw management-API counters and alarm list.
package health

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/brokerops/rollingrestart/internal/broker"
)

// Thresholds past which a node is considered unhealthy.
const (
	MaxMemoryPercent = 90
	MinDiskFreeGB    = 1
	MaxFdPercent     = 95
)

// Critical alarm kinds that disqualify a node from a rolling restart.
var CriticalAlarmKinds = map[string]bool{
	"memory_alarm":          true,
	"disk_alarm":            true,
	"file_descriptor_alarm": true,
}

// NodeHealth is the derived health verdict for one node at one point in time.
type NodeHealth struct {
	NodeID        string
	Running       bool
	MemoryPercent int
	DiskFreeGB    int64
	FdPercent     int
	Partitions    []string
	Alarms        []broker.Alarm
	IsHealthy     bool
	Issues        []string
	LastCheck     time.Time
}

// Evaluate is a pure function computing NodeHealth from raw broker data.
func Evaluate(nodeID string, info *broker.NodeInfo, nodeAlarms []broker.Alarm) NodeHealth {
	h := NodeHealth{
		NodeID:     nodeID,
		Running:    info.Running,
		Partitions: info.Partitions,
		Alarms:     nodeAlarms,
		LastCheck:  time.Now(),
	}

	if info.MemLimit > 0 {
		h.MemoryPercent = int(math.Round(float64(info.MemUsed) / float64(info.MemLimit) * 100))
	}
	h.DiskFreeGB = info.DiskFree / (1 << 30)
	if info.FdTotal > 0 {
		h.FdPercent = int(math.Round(float64(info.FdUsed) / float64(info.FdTotal) * 100))
	}

	var issues []string
	if !h.Running {
		issues = append(issues, fmt.Sprintf("node %s is not running", nodeID))
	}
	if len(h.Partitions) > 0 {
		issues = append(issues, fmt.Sprintf("node %s reports network partitions: %v", nodeID, h.Partitions))
	}
	if len(nodeAlarms) > 0 {
		issues = append(issues, fmt.Sprintf("node %s has %d active alarm(s)", nodeID, len(nodeAlarms)))
	}
	if h.MemoryPercent > MaxMemoryPercent {
		issues = append(issues, fmt.Sprintf("node %s memory usage %d%% exceeds %d%%", nodeID, h.MemoryPercent, MaxMemoryPercent))
	}
	if h.DiskFreeGB < MinDiskFreeGB {
		issues = append(issues, fmt.Sprintf("node %s free disk %dGB below %dGB", nodeID, h.DiskFreeGB, MinDiskFreeGB))
	}
	if h.FdPercent > MaxFdPercent {
		issues = append(issues, fmt.Sprintf("node %s file descriptor usage %d%% exceeds %d%%", nodeID, h.FdPercent, MaxFdPercent))
	}

	h.Issues = issues
	h.IsHealthy = len(issues) == 0
	return h
}

// IsCriticalAlarm reports whether an alarm kind disqualifies a node from restart.
func IsCriticalAlarm(a broker.Alarm) bool {
	return CriticalAlarmKinds[a.Kind]
}

// BrokerAPI is the subset of the broker client the health checker depends
// on. Segregated so tests can supply a fake instead of a live HTTP client.
type BrokerAPI interface {
	GetNode(ctx context.Context, nodeID string) (*broker.NodeInfo, error)
	GetAlarms(ctx context.Context) ([]broker.Alarm, error)
}

// Checker evaluates node health by querying the broker management API.
// It is the collaborator the restart orchestrator's health-wait loop polls.
type Checker struct {
	Broker BrokerAPI
}

// NewChecker builds a Checker bound to a broker API implementation.
func NewChecker(b BrokerAPI) *Checker {
	return &Checker{Broker: b}
}

// CheckNode fetches a node's current info and alarms and evaluates its health.
func (c *Checker) CheckNode(ctx context.Context, nodeID string) (NodeHealth, error) {
	info, err := c.Broker.GetNode(ctx, nodeID)
	if err != nil {
		return NodeHealth{}, fmt.Errorf("health: get node %s: %w", nodeID, err)
	}

	allAlarms, err := c.Broker.GetAlarms(ctx)
	if err != nil {
		return NodeHealth{}, fmt.Errorf("health: get alarms: %w", err)
	}

	var nodeAlarms []broker.Alarm
	for _, a := range allAlarms {
		if a.Node == nodeID {
			nodeAlarms = append(nodeAlarms, a)
		}
	}

	return Evaluate(nodeID, info, nodeAlarms), nil
}
