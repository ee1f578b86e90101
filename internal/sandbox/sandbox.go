// Package sandbox is the narrow view of the container engine the testnet
// needs: one internal network per run, detached router containers, file and
// log access inside them. Docker drives the docker CLI; sandboxtest holds an
// in-memory fake for unit tests.
package sandbox

import (
	"context"
	"errors"
	"time"

	"github.com/docker/go-connections/nat"
)

// ErrNotFound is returned when a container, network or file inside a
// container does not exist (yet).
var ErrNotFound = errors.New("not found")

// Runtime is the capability set the fleet relies on.
type Runtime interface {
	CreateNetwork(ctx context.Context, name string, labels map[string]string) (string, error)
	RemoveNetwork(ctx context.Context, name string) error
	// NetworkLabels returns the labels of an existing network, or
	// ErrNotFound (wrapped) when there is none.
	NetworkLabels(ctx context.Context, name string) (map[string]string, error)
	// Run starts a detached container and returns its full id. It returns
	// as soon as the engine accepted the container, not when the process
	// inside finished initializing.
	Run(ctx context.Context, spec RunSpec) (string, error)
	Stop(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error
	Inspect(ctx context.Context, id string) (Info, error)
	Exec(ctx context.Context, id string, cmd ...string) ([]byte, error)
	// ReadFile returns ErrNotFound (wrapped) while the file is absent.
	ReadFile(ctx context.Context, id, path string) ([]byte, error)
	Logs(ctx context.Context, id string) ([]byte, error)
	// List returns ids of containers carrying all of labels, running or not.
	List(ctx context.Context, labels map[string]string) ([]string, error)
}

// Mount binds a host path into a container.
type Mount struct {
	Source      string `json:"Source"`
	Destination string `json:"Destination"`
	ReadOnly    bool   `json:"-"`
}

// RunSpec describes one container launch.
type RunSpec struct {
	Image   string
	Args    []string
	Labels  map[string]string
	Mounts  []Mount
	Network string
	// Expose lists container ports other containers on Network may use.
	Expose nat.PortSet
}

// Info is the subset of container state the fleet reads back.
type Info struct {
	ID       string
	Created  time.Time
	Running  bool
	Labels   map[string]string
	Networks map[string]string // network name -> IPv4 address
	Mounts   []Mount
	Ports    nat.PortSet
}

// Address returns the container's address on network, or "" when the
// engine has not assigned one.
func (i Info) Address(network string) string {
	if i.Networks == nil {
		return ""
	}
	return i.Networks[network]
}

// SortedPorts returns the ports of set in numeric order.
func SortedPorts(set nat.PortSet) []nat.Port {
	ports := make([]nat.Port, 0, len(set))
	for p := range set {
		ports = append(ports, p)
	}
	nat.Sort(ports, func(a, b nat.Port) bool {
		if a.Int() != b.Int() {
			return a.Int() < b.Int()
		}
		return a.Proto() < b.Proto()
	})
	return ports
}
