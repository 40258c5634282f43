// Package topology loads and validates the static cluster topology file that
// describes which broker nodes exist and the order in which a rolling
// restart must visit them.
package topology

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

var (
	ErrEmptyTopology       = errors.New("topology: no nodes defined")
	ErrDuplicateNodeID     = errors.New("topology: duplicate node id")
	ErrDuplicateNodeName   = errors.New("topology: duplicate node name")
	ErrDuplicateConfigOrder = errors.New("topology: duplicate configOrder")
	ErrMissingHost         = errors.New("topology: node has no hostIp or hostname")
	ErrInvalidPort         = errors.New("topology: port out of range 1-65535")
)

// Node is a single broker host entry in the topology file.
type Node struct {
	ID             string `yaml:"id"`
	Name           string `yaml:"name"`
	HostIP         string `yaml:"hostIp"`
	Hostname       string `yaml:"hostname"`
	Port           int    `yaml:"port"`
	ManagementPort int    `yaml:"managementPort"`
	SSHPort        int    `yaml:"sshPort"`
	ConfigOrder    int    `yaml:"configOrder"`
}

// Host returns the address to dial for this node, preferring the IP.
func (n Node) Host() string {
	if n.HostIP != "" {
		return n.HostIP
	}
	return n.Hostname
}

// RestartConfig is the topology file's own restart-tuning section. It is
// parsed but not read elsewhere: the orchestrator's timeouts come only from
// the environment via internal/config.
type RestartConfig struct {
	NodeStartupTimeoutSeconds  int `yaml:"nodeStartupTimeout"`
	HealthCheckIntervalSeconds int `yaml:"healthCheckInterval"`
}

// Cluster is the fully parsed and validated topology file.
type Cluster struct {
	ClusterName   string        `yaml:"clusterName"`
	Version       string        `yaml:"version"`
	Nodes         []Node        `yaml:"nodes"`
	RestartConfig RestartConfig `yaml:"restartConfig"`
}

// Load reads and validates a topology file from disk.
func Load(path string) (*Cluster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("topology: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse validates and returns the topology encoded in raw YAML bytes.
func Parse(data []byte) (*Cluster, error) {
	var c Cluster
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("topology: parse: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	c.sortByConfigOrder()
	return &c, nil
}

// Validate checks the structural invariants of the topology: unique ids,
// names and configOrders, a reachable host, and in-range ports.
func (c *Cluster) Validate() error {
	if len(c.Nodes) == 0 {
		return ErrEmptyTopology
	}

	ids := make(map[string]bool, len(c.Nodes))
	names := make(map[string]bool, len(c.Nodes))
	orders := make(map[int]bool, len(c.Nodes))

	for _, n := range c.Nodes {
		if n.ID == "" {
			return fmt.Errorf("topology: node %q missing id", n.Name)
		}
		if ids[n.ID] {
			return fmt.Errorf("%w: %s", ErrDuplicateNodeID, n.ID)
		}
		ids[n.ID] = true

		if n.Name == "" {
			return fmt.Errorf("topology: node %q missing name", n.ID)
		}
		if names[n.Name] {
			return fmt.Errorf("%w: %s", ErrDuplicateNodeName, n.Name)
		}
		names[n.Name] = true

		if n.Host() == "" {
			return fmt.Errorf("%w: %s", ErrMissingHost, n.ID)
		}

		if orders[n.ConfigOrder] {
			return fmt.Errorf("%w: %d", ErrDuplicateConfigOrder, n.ConfigOrder)
		}
		orders[n.ConfigOrder] = true

		for _, p := range []int{n.Port, n.ManagementPort, n.SSHPort} {
			if p != 0 && (p < 1 || p > 65535) {
				return fmt.Errorf("%w: node %s port %d", ErrInvalidPort, n.ID, p)
			}
		}
	}

	return nil
}

// sortByConfigOrder puts Nodes in ascending configOrder — the sequence the
// orchestrator must follow.
func (c *Cluster) sortByConfigOrder() {
	sort.Slice(c.Nodes, func(i, j int) bool {
		return c.Nodes[i].ConfigOrder < c.Nodes[j].ConfigOrder
	})
}

// NodeByID returns the node with the given id, if present.
func (c *Cluster) NodeByID(id string) (Node, bool) {
	for _, n := range c.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}
