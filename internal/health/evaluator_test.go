package health

import (
	"testing"

	"github.com/brokerops/rollingrestart/internal/broker"
	"github.com/stretchr/testify/assert"
)

func TestEvaluate_HealthyNode(t *testing.T) {
	info := &broker.NodeInfo{
		Running:  true,
		MemUsed:  50, MemLimit: 100,
		DiskFree: 5 << 30, DiskFreeLimit: 1 << 30,
		FdUsed: 10, FdTotal: 100,
	}
	h := Evaluate("n1", info, nil)
	assert.True(t, h.IsHealthy)
	assert.Empty(t, h.Issues)
	assert.Equal(t, 50, h.MemoryPercent)
	assert.Equal(t, int64(5), h.DiskFreeGB)
	assert.Equal(t, 10, h.FdPercent)
}

func TestEvaluate_NotRunning(t *testing.T) {
	info := &broker.NodeInfo{Running: false}
	h := Evaluate("n1", info, nil)
	assert.False(t, h.IsHealthy)
	assert.Contains(t, h.Issues[0], "not running")
}

func TestEvaluate_Partitioned(t *testing.T) {
	info := &broker.NodeInfo{Running: true, Partitions: []string{"n2"}}
	h := Evaluate("n1", info, nil)
	assert.False(t, h.IsHealthy)
	assert.Contains(t, h.Issues[0], "partitions")
}

func TestEvaluate_Alarms(t *testing.T) {
	info := &broker.NodeInfo{Running: true}
	alarms := []broker.Alarm{{Node: "n1", Kind: "memory_alarm"}}
	h := Evaluate("n1", info, alarms)
	assert.False(t, h.IsHealthy)
	assert.Contains(t, h.Issues[0], "alarm")
}

func TestEvaluate_MemoryOverThreshold(t *testing.T) {
	info := &broker.NodeInfo{Running: true, MemUsed: 95, MemLimit: 100}
	h := Evaluate("n1", info, nil)
	assert.False(t, h.IsHealthy)
	assert.Equal(t, 95, h.MemoryPercent)
}

func TestEvaluate_DiskBelowThreshold(t *testing.T) {
	info := &broker.NodeInfo{Running: true, DiskFree: 0}
	h := Evaluate("n1", info, nil)
	assert.False(t, h.IsHealthy)
	assert.Equal(t, int64(0), h.DiskFreeGB)
}

func TestEvaluate_FdOverThreshold(t *testing.T) {
	info := &broker.NodeInfo{Running: true, FdUsed: 99, FdTotal: 100}
	h := Evaluate("n1", info, nil)
	assert.False(t, h.IsHealthy)
	assert.Equal(t, 99, h.FdPercent)
}

func TestEvaluate_MemoryPercentRounds(t *testing.T) {
	info := &broker.NodeInfo{
		Running: true, MemUsed: 907, MemLimit: 1000,
		DiskFree: 5 << 30,
	}
	h := Evaluate("n1", info, nil)
	// 90.7%, truncation would report 90 (healthy); rounding reports 91 (unhealthy)
	assert.Equal(t, 91, h.MemoryPercent)
	assert.False(t, h.IsHealthy)
	assert.Contains(t, h.Issues[0], "exceeds 90")
}

func TestEvaluate_ZeroLimitsDoNotDivideByZero(t *testing.T) {
	info := &broker.NodeInfo{Running: true, MemLimit: 0, FdTotal: 0}
	assert.NotPanics(t, func() {
		h := Evaluate("n1", info, nil)
		assert.Equal(t, 0, h.MemoryPercent)
		assert.Equal(t, 0, h.FdPercent)
	})
}

func TestIsCriticalAlarm(t *testing.T) {
	assert.True(t, IsCriticalAlarm(broker.Alarm{Kind: "memory_alarm"}))
	assert.True(t, IsCriticalAlarm(broker.Alarm{Kind: "disk_alarm"}))
	assert.False(t, IsCriticalAlarm(broker.Alarm{Kind: "custom_policy_alarm"}))
}
