// Package sandboxtest provides an in-memory sandbox.Runtime for tests.
package sandboxtest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/docker/go-connections/nat"

	"testnet/internal/sandbox"
)

// Container is the fake's record of one launched container.
type Container struct {
	ID      string
	Spec    sandbox.RunSpec
	Address string
	Running bool
	Removed bool
	Files   map[string][]byte
	Logs    []byte
	Execs   [][]string
	Created time.Time
}

// Fake is a deterministic, goroutine-safe sandbox.Runtime. Addresses are
// handed out from 172.18.0.2 upwards in launch order.
type Fake struct {
	mu         sync.Mutex
	seq        int
	networks   map[string]map[string]string
	containers map[string]*Container
	order      []string

	// OnRun runs before a container is registered; returning an error
	// fails the launch.
	OnRun func(spec sandbox.RunSpec) error
	// OnReadFile runs before every ReadFile; returning an error replaces the
	// result.
	OnReadFile func(id, path string) error
	// FailStop makes Stop fail for the listed ids.
	FailStop map[string]error
	// FailNetwork makes CreateNetwork fail.
	FailNetwork error
	// NoAddress leaves new containers without an address.
	NoAddress bool
	// Reads counts ReadFile calls per path.
	Reads map[string]int
}

func New() *Fake {
	return &Fake{
		networks:   map[string]map[string]string{},
		containers: map[string]*Container{},
		FailStop:   map[string]error{},
		Reads:      map[string]int{},
	}
}

func (f *Fake) CreateNetwork(_ context.Context, name string, labels map[string]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailNetwork != nil {
		return "", f.FailNetwork
	}
	if _, ok := f.networks[name]; ok {
		return "", fmt.Errorf("network %s already exists", name)
	}
	f.networks[name] = labels
	return "net-" + name, nil
}

func (f *Fake) RemoveNetwork(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.networks[name]; !ok {
		return fmt.Errorf("network %s: %w", name, sandbox.ErrNotFound)
	}
	for _, c := range f.containers {
		if !c.Removed && c.Spec.Network == name {
			return fmt.Errorf("network %s has active endpoints", name)
		}
	}
	delete(f.networks, name)
	return nil
}

func (f *Fake) NetworkLabels(_ context.Context, name string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	labels, ok := f.networks[name]
	if !ok {
		return nil, fmt.Errorf("network %s: %w", name, sandbox.ErrNotFound)
	}
	out := make(map[string]string, len(labels))
	for k, v := range labels {
		out[k] = v
	}
	return out, nil
}

// HasNetwork reports whether name currently exists.
func (f *Fake) HasNetwork(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.networks[name]
	return ok
}

func (f *Fake) Run(_ context.Context, spec sandbox.RunSpec) (string, error) {
	if f.OnRun != nil {
		if err := f.OnRun(spec); err != nil {
			return "", err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := fmt.Sprintf("%012x", 0x8fddbcbb1000+f.seq) + strings.Repeat("0", 52)
	c := &Container{
		ID:      id,
		Spec:    spec,
		Running: true,
		Files:   map[string][]byte{},
		Created: time.Unix(int64(1700000000+f.seq), 0).UTC(),
	}
	if !f.NoAddress {
		c.Address = fmt.Sprintf("172.18.0.%d", f.seq+1)
	}
	f.containers[id] = c
	f.order = append(f.order, id)
	return id, nil
}

func (f *Fake) Stop(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.FailStop[id]; err != nil {
		return err
	}
	c, err := f.lookup(id)
	if err != nil {
		return err
	}
	c.Running = false
	return nil
}

func (f *Fake) Remove(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.lookup(id)
	if err != nil {
		return err
	}
	if c.Running {
		return fmt.Errorf("container %s is running", id[:12])
	}
	c.Removed = true
	return nil
}

func (f *Fake) Inspect(_ context.Context, id string) (sandbox.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.lookup(id)
	if err != nil {
		return sandbox.Info{}, err
	}
	info := sandbox.Info{
		ID:       c.ID,
		Created:  c.Created,
		Running:  c.Running,
		Labels:   c.Spec.Labels,
		Networks: map[string]string{},
		Mounts:   c.Spec.Mounts,
	}
	if len(c.Spec.Expose) > 0 {
		info.Ports = make(nat.PortSet, len(c.Spec.Expose))
		for p := range c.Spec.Expose {
			info.Ports[p] = struct{}{}
		}
	}
	if c.Address != "" {
		info.Networks[c.Spec.Network] = c.Address
	}
	return info, nil
}

func (f *Fake) Exec(_ context.Context, id string, cmd ...string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.lookup(id)
	if err != nil {
		return nil, err
	}
	c.Execs = append(c.Execs, cmd)
	return nil, nil
}

func (f *Fake) ReadFile(_ context.Context, id, path string) ([]byte, error) {
	f.mu.Lock()
	f.Reads[path]++
	hook := f.OnReadFile
	f.mu.Unlock()
	if hook != nil {
		if err := hook(id, path); err != nil {
			return nil, err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.lookup(id)
	if err != nil {
		return nil, err
	}
	data, ok := c.Files[path]
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, sandbox.ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

func (f *Fake) Logs(_ context.Context, id string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.lookup(id)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), c.Logs...), nil
}

func (f *Fake) List(_ context.Context, labels map[string]string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for _, id := range f.order {
		c := f.containers[id]
		if c.Removed {
			continue
		}
		match := true
		for k, v := range labels {
			if c.Spec.Labels[k] != v {
				match = false
				break
			}
		}
		if match {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// WriteFile places data at path inside container id.
func (f *Fake) WriteFile(id, path string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[id]; ok {
		c.Files[path] = append([]byte(nil), data...)
	}
}

// Descriptor returns a router descriptor body that starts with tag and is
// long enough to pass the bundle builder's size check.
func Descriptor(tag string) []byte {
	data := make([]byte, 400)
	copy(data, tag)
	return data
}

// AppendLogs appends to the container's log stream.
func (f *Fake) AppendLogs(id string, data string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[id]; ok {
		c.Logs = append(c.Logs, data...)
	}
}

// Container returns a copy of the record for id (full or 12-char prefix).
func (f *Fake) Container(id string) (Container, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.lookup(id)
	if err != nil {
		return Container{}, false
	}
	return *c, true
}

// Launched returns the specs of every Run call in order.
func (f *Fake) Launched() []sandbox.RunSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	specs := make([]sandbox.RunSpec, 0, len(f.order))
	for _, id := range f.order {
		specs = append(specs, f.containers[id].Spec)
	}
	return specs
}

// Live returns the ids of containers not yet removed.
func (f *Fake) Live() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for _, id := range f.order {
		if !f.containers[id].Removed {
			ids = append(ids, id)
		}
	}
	return ids
}

func (f *Fake) lookup(id string) (*Container, error) {
	if c, ok := f.containers[id]; ok && !c.Removed {
		return c, nil
	}
	for full, c := range f.containers {
		if strings.HasPrefix(full, id) && !c.Removed {
			return c, nil
		}
	}
	return nil, fmt.Errorf("container %s: %w", id, sandbox.ErrNotFound)
}

var _ sandbox.Runtime = (*Fake)(nil)
