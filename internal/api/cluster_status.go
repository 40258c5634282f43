package api

import (
	"context"

	"github.com/brokerops/rollingrestart/internal/topology"
)

// ClusterStatusSource is the raw per-poll aggregation step — typically a
// *clusterStatusAggregator, but segregated so a cache decorator or a direct
// pass-through can sit in front of it interchangeably.
type ClusterStatusSource interface {
	GetClusterStatus(ctx context.Context) (interface{}, error)
}

// ClusterStatusProvider is what GetClusterStatus handlers actually call —
// satisfied by internal/cache.CachedClusterStatusReader when Redis is
// configured, or by DirectClusterStatusReader otherwise.
type ClusterStatusProvider interface {
	GetStatus(ctx context.Context) (interface{}, error)
}

// DirectClusterStatusReader adapts a ClusterStatusSource straight through
// when no cache sits in front of it.
type DirectClusterStatusReader struct {
	Delegate ClusterStatusSource
}

func (d DirectClusterStatusReader) GetStatus(ctx context.Context) (interface{}, error) {
	return d.Delegate.GetClusterStatus(ctx)
}

// NodeStatusView is one node's entry in a cluster status roll-up.
type NodeStatusView struct {
	NodeID        string   `json:"nodeId"`
	NodeName      string   `json:"nodeName"`
	Healthy       bool     `json:"healthy"`
	Connections   int      `json:"connections"`
	Queues        int      `json:"queues"`
	MemoryPercent int      `json:"memoryPercent"`
	DiskFreeGB    int64    `json:"diskFreeGb"`
	Partitions    []string `json:"partitions,omitempty"`
	Issues        []string `json:"issues,omitempty"`
}

// ClusterStatusView is the full GET /api/cluster/status payload.
type ClusterStatusView struct {
	ClusterName string           `json:"clusterName"`
	Nodes       []NodeStatusView `json:"nodes"`
}

// clusterStatusAggregator computes a ClusterStatusView by querying the
// broker and health checker once per node. It is the ClusterStatusSource
// a cache decorator (or DirectClusterStatusReader) wraps.
type clusterStatusAggregator struct {
	topo   *topology.Cluster
	broker BrokerAPI
	health HealthAPI
}

// NewClusterStatusAggregator builds the per-node roll-up source for
// GET /api/cluster/status.
func NewClusterStatusAggregator(topo *topology.Cluster, b BrokerAPI, h HealthAPI) ClusterStatusSource {
	return &clusterStatusAggregator{topo: topo, broker: b, health: h}
}

func (a *clusterStatusAggregator) GetClusterStatus(ctx context.Context) (interface{}, error) {
	view := ClusterStatusView{
		ClusterName: a.topo.ClusterName,
		Nodes:       make([]NodeStatusView, 0, len(a.topo.Nodes)),
	}

	for _, n := range a.topo.Nodes {
		nv := NodeStatusView{NodeID: n.ID, NodeName: n.Name}

		if h, err := a.health.CheckNode(ctx, n.ID); err != nil {
			nv.Issues = []string{err.Error()}
		} else {
			nv.Healthy = h.IsHealthy
			nv.MemoryPercent = h.MemoryPercent
			nv.DiskFreeGB = h.DiskFreeGB
			nv.Partitions = h.Partitions
			nv.Issues = h.Issues
		}

		if conns, err := a.broker.GetConnections(ctx, n.ID); err == nil {
			count := 0
			for _, c := range conns {
				if c.State == "running" {
					count++
				}
			}
			nv.Connections = count
		}

		if queues, err := a.broker.GetQueues(ctx, n.ID); err == nil {
			nv.Queues = len(queues)
		}

		view.Nodes = append(view.Nodes, nv)
	}

	return view, nil
}
