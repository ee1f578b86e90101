package store

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"testnet/internal/bundle"
	"testnet/internal/node"
)

// Snapshot describes a running testnet for external test harnesses. It is
// an export only; the fleet is always rebuilt from the container runtime.
type Snapshot struct {
	UpdatedAt time.Time    `yaml:"updated_at"`
	Network   string       `yaml:"network"`
	RunID     string       `yaml:"run_id"`
	Bundle    *bundle.Info `yaml:"bundle,omitempty"`
	Nodes     []NodeInfo   `yaml:"nodes"`
}

// NodeInfo is one router in a Snapshot.
type NodeInfo struct {
	ID          string         `yaml:"id"`
	ContainerID string         `yaml:"container_id"`
	Address     string         `yaml:"address"`
	Floodfill   bool           `yaml:"floodfill"`
	Endpoints   node.Endpoints `yaml:"endpoints"`
	Status      string         `yaml:"status,omitempty"`
	Tunnels     []node.Tunnel  `yaml:"tunnels,omitempty"`
}

// NewSnapshot assembles a snapshot from tracked nodes and, optionally, a
// status round taken for them.
func NewSnapshot(network, runID string, b *bundle.Info, nodes []*node.Node, statuses []node.Status) *Snapshot {
	labels := make(map[string]string, len(statuses))
	for _, st := range statuses {
		labels[st.ID] = st.Label()
	}
	snap := &Snapshot{Network: network, RunID: runID, Bundle: b, Nodes: make([]NodeInfo, 0, len(nodes))}
	for _, n := range nodes {
		snap.Nodes = append(snap.Nodes, NodeInfo{
			ID:          n.ID,
			ContainerID: n.ContainerID,
			Address:     n.Address,
			Floodfill:   n.Floodfill,
			Endpoints:   n.Endpoints,
			Status:      labels[n.ID],
			Tunnels:     n.Tunnels(),
		})
	}
	return snap
}

// LoadSnapshot loads a snapshot from disk. If the file is missing, returns
// an empty snapshot.
func LoadSnapshot(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Snapshot{}, nil
		}
		return nil, err
	}

	var snap Snapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return nil, err
	}

	return &snap, nil
}

// SaveSnapshot writes the snapshot to disk, replacing any previous one.
func SaveSnapshot(path string, snap *Snapshot) error {
	if snap == nil {
		return nil
	}
	snap.UpdatedAt = time.Now().UTC()
	data, err := yaml.Marshal(snap)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
