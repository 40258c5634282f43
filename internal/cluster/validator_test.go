package cluster

import (
	"context"
	"testing"

	"github.com/brokerops/rollingrestart/internal/broker"
	"github.com/brokerops/rollingrestart/internal/topology"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBroker struct {
	nodes  map[string]*broker.NodeInfo
	alarms []broker.Alarm
}

func (f *fakeBroker) GetNode(ctx context.Context, nodeID string) (*broker.NodeInfo, error) {
	return f.nodes[nodeID], nil
}

func (f *fakeBroker) GetAlarms(ctx context.Context) ([]broker.Alarm, error) {
	return f.alarms, nil
}

func twoNodeTopology() *topology.Cluster {
	return &topology.Cluster{
		Nodes: []topology.Node{
			{ID: "n1", Name: "a", HostIP: "10.0.0.1", ConfigOrder: 1},
			{ID: "n2", Name: "b", HostIP: "10.0.0.2", ConfigOrder: 2},
		},
	}
}

func healthyNode() *broker.NodeInfo {
	return &broker.NodeInfo{Running: true, MemUsed: 10, MemLimit: 100, DiskFree: 5 << 30, FdUsed: 1, FdTotal: 100}
}

func TestValidateClusterHealth_AllHealthy(t *testing.T) {
	fb := &fakeBroker{nodes: map[string]*broker.NodeInfo{
		"n1": healthyNode(),
		"n2": healthyNode(),
	}}
	v := NewValidator(fb, twoNodeTopology(), true, true, false)

	verdict, err := v.ValidateClusterHealth(context.Background())
	require.NoError(t, err)
	assert.True(t, verdict.Healthy)
	assert.True(t, verdict.AllNodesHealthy)
	assert.Equal(t, 2, verdict.HealthyNodes)
	assert.Empty(t, verdict.Reasons)
}

func TestValidateClusterHealth_OneUnhealthy(t *testing.T) {
	fb := &fakeBroker{nodes: map[string]*broker.NodeInfo{
		"n1": healthyNode(),
		"n2": {Running: false},
	}}
	v := NewValidator(fb, twoNodeTopology(), true, true, false)

	verdict, err := v.ValidateClusterHealth(context.Background())
	require.NoError(t, err)
	assert.False(t, verdict.Healthy)
	assert.False(t, verdict.AllNodesHealthy)
	assert.Equal(t, 1, verdict.HealthyNodes)
	assert.NotEmpty(t, verdict.Reasons)
}

func TestValidateClusterHealth_CriticalAlarms(t *testing.T) {
	fb := &fakeBroker{
		nodes: map[string]*broker.NodeInfo{"n1": healthyNode(), "n2": healthyNode()},
		alarms: []broker.Alarm{{Node: "n1", Kind: "memory_alarm"}},
	}
	v := NewValidator(fb, twoNodeTopology(), true, true, false)

	verdict, err := v.ValidateClusterHealth(context.Background())
	require.NoError(t, err)
	assert.False(t, verdict.Healthy)
}

func TestValidateRollingRestartAdmission_SingleNodeCluster(t *testing.T) {
	fb := &fakeBroker{nodes: map[string]*broker.NodeInfo{"n1": healthyNode()}}
	singleNode := &topology.Cluster{Nodes: []topology.Node{{ID: "n1", Name: "a", HostIP: "10.0.0.1", ConfigOrder: 1}}}
	v := NewValidator(fb, singleNode, true, true, false)

	admission, err := v.ValidateRollingRestartAdmission(context.Background())
	require.NoError(t, err)
	assert.False(t, admission.CanRestart)
	assert.Contains(t, admission.Reasons[0], "at least 2 nodes")
}

func TestValidateRollingRestartAdmission_Disabled(t *testing.T) {
	fb := &fakeBroker{nodes: map[string]*broker.NodeInfo{"n1": healthyNode(), "n2": healthyNode()}}
	v := NewValidator(fb, twoNodeTopology(), false, true, false)

	admission, err := v.ValidateRollingRestartAdmission(context.Background())
	require.NoError(t, err)
	assert.False(t, admission.CanRestart)
}

func TestValidateRollingRestartAdmission_Healthy(t *testing.T) {
	fb := &fakeBroker{nodes: map[string]*broker.NodeInfo{"n1": healthyNode(), "n2": healthyNode()}}
	v := NewValidator(fb, twoNodeTopology(), true, true, false)

	admission, err := v.ValidateRollingRestartAdmission(context.Background())
	require.NoError(t, err)
	assert.True(t, admission.CanRestart)
	assert.Empty(t, admission.Reasons)
}
