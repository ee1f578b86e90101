package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/docker/go-connections/nat"

	"testnet/internal/execx"
)

const dockerBinary = "docker"

// Docker implements Runtime with the docker CLI. It is injectable for unit
// tests through execx.Runner.
type Docker struct {
	r   execx.Runner
	bin string
}

func NewDocker(r execx.Runner) *Docker {
	if r == nil {
		r = execx.NewOSRunner()
	}
	return &Docker{r: r, bin: dockerBinary}
}

// WithBinary sets the CLI to invoke, e.g. "podman".
func (d *Docker) WithBinary(name string) *Docker {
	if name != "" {
		d.bin = name
	}
	return d
}

// CreateNetwork creates an internal bridge network, so routers can reach each
// other but nothing outside the host.
func (d *Docker) CreateNetwork(ctx context.Context, name string, labels map[string]string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("network name is required")
	}
	args := []string{"network", "create", "--driver", "bridge", "--internal"}
	args = append(args, labelArgs(labels)...)
	args = append(args, name)
	out, err := d.run(ctx, args...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (d *Docker) RemoveNetwork(ctx context.Context, name string) error {
	_, err := d.run(ctx, "network", "rm", name)
	return err
}

func (d *Docker) NetworkLabels(ctx context.Context, name string) (map[string]string, error) {
	out, err := d.run(ctx, "network", "inspect", "--format", "{{json .Labels}}", name)
	if err != nil {
		return nil, err
	}
	labels := map[string]string{}
	if err := json.Unmarshal(bytes.TrimSpace(out), &labels); err != nil {
		return nil, fmt.Errorf("decode network labels: %w", err)
	}
	return labels, nil
}

func (d *Docker) Run(ctx context.Context, spec RunSpec) (string, error) {
	if spec.Image == "" {
		return "", fmt.Errorf("image is required")
	}
	args := []string{"run", "--detach", "--tty"}
	if spec.Network != "" {
		args = append(args, "--network", spec.Network)
	}
	args = append(args, labelArgs(spec.Labels)...)
	for _, m := range spec.Mounts {
		v := m.Source + ":" + m.Destination
		if m.ReadOnly {
			v += ":ro"
		}
		args = append(args, "--volume", v)
	}
	for _, p := range SortedPorts(spec.Expose) {
		args = append(args, "--expose", string(p))
	}
	args = append(args, spec.Image)
	args = append(args, spec.Args...)
	out, err := d.run(ctx, args...)
	if err != nil {
		return "", err
	}
	id := strings.TrimSpace(string(out))
	if id == "" {
		return "", fmt.Errorf("docker run returned no container id")
	}
	return id, nil
}

func (d *Docker) Stop(ctx context.Context, id string) error {
	_, err := d.run(ctx, "stop", id)
	return err
}

func (d *Docker) Remove(ctx context.Context, id string) error {
	_, err := d.run(ctx, "rm", id)
	return err
}

func (d *Docker) Inspect(ctx context.Context, id string) (Info, error) {
	out, err := d.run(ctx, "inspect", "--type", "container", id)
	if err != nil {
		return Info{}, err
	}
	return ParseInspect(out)
}

func (d *Docker) Exec(ctx context.Context, id string, cmd ...string) ([]byte, error) {
	args := append([]string{"exec", id}, cmd...)
	return d.run(ctx, args...)
}

func (d *Docker) ReadFile(ctx context.Context, id, path string) ([]byte, error) {
	// run maps "No such file" from cat to ErrNotFound.
	out, err := d.run(ctx, "exec", id, "cat", path)
	if err != nil {
		return nil, fmt.Errorf("read %s in %s: %w", path, shortID(id), err)
	}
	return out, nil
}

func (d *Docker) Logs(ctx context.Context, id string) ([]byte, error) {
	return d.run(ctx, "logs", id)
}

func (d *Docker) List(ctx context.Context, labels map[string]string) ([]string, error) {
	args := []string{"ps", "--all", "--quiet", "--no-trunc"}
	for _, kv := range sortedLabels(labels) {
		args = append(args, "--filter", "label="+kv)
	}
	out, err := d.run(ctx, args...)
	if err != nil {
		return nil, err
	}
	return strings.Fields(string(out)), nil
}

func (d *Docker) run(ctx context.Context, args ...string) ([]byte, error) {
	out, err := d.r.Run(ctx, d.bin, args...)
	if err == nil {
		return out, nil
	}
	var exitErr *execx.ExitError
	if errors.As(err, &exitErr) && strings.Contains(exitErr.Stderr, "No such") {
		return nil, fmt.Errorf("%s: %w", exitErr.Stderr, ErrNotFound)
	}
	return nil, err
}

type inspectJSON struct {
	ID      string `json:"Id"`
	Created string `json:"Created"`
	State   struct {
		Running bool `json:"Running"`
	} `json:"State"`
	Config struct {
		Labels       map[string]string   `json:"Labels"`
		ExposedPorts map[string]struct{} `json:"ExposedPorts"`
	} `json:"Config"`
	NetworkSettings struct {
		Networks map[string]struct {
			IPAddress string `json:"IPAddress"`
		} `json:"Networks"`
	} `json:"NetworkSettings"`
	Mounts []struct {
		Source      string `json:"Source"`
		Destination string `json:"Destination"`
		RW          bool   `json:"RW"`
	} `json:"Mounts"`
}

// ParseInspect decodes `docker inspect` output for a single container.
func ParseInspect(data []byte) (Info, error) {
	var items []inspectJSON
	if err := json.Unmarshal(data, &items); err != nil {
		return Info{}, fmt.Errorf("decode docker inspect: %w", err)
	}
	if len(items) == 0 {
		return Info{}, fmt.Errorf("docker inspect: %w", ErrNotFound)
	}
	item := items[0]
	info := Info{
		ID:       item.ID,
		Running:  item.State.Running,
		Labels:   item.Config.Labels,
		Networks: map[string]string{},
	}
	if ts, err := time.Parse(time.RFC3339Nano, item.Created); err == nil {
		info.Created = ts
	}
	for name, n := range item.NetworkSettings.Networks {
		if n.IPAddress != "" {
			info.Networks[name] = n.IPAddress
		}
	}
	for _, m := range item.Mounts {
		info.Mounts = append(info.Mounts, Mount{Source: m.Source, Destination: m.Destination, ReadOnly: !m.RW})
	}
	if len(item.Config.ExposedPorts) > 0 {
		info.Ports = nat.PortSet{}
		for spec := range item.Config.ExposedPorts {
			proto, port := nat.SplitProtoPort(spec)
			p, err := nat.NewPort(proto, port)
			if err != nil {
				return Info{}, fmt.Errorf("exposed port %q: %w", spec, err)
			}
			info.Ports[p] = struct{}{}
		}
	}
	return info, nil
}

func labelArgs(labels map[string]string) []string {
	kvs := sortedLabels(labels)
	args := make([]string, 0, 2*len(kvs))
	for _, kv := range kvs {
		args = append(args, "--label", kv)
	}
	return args
}

func sortedLabels(labels map[string]string) []string {
	kvs := make([]string, 0, len(labels))
	for k, v := range labels {
		kvs = append(kvs, k+"="+v)
	}
	sort.Strings(kvs)
	return kvs
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
