// Package node is the handle for one running i2pd container: identity,
// network address, derived service endpoints, tunnel bookkeeping and
// I2PControl status.
package node

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/docker/go-connections/nat"

	"testnet/internal/i2pcontrol"
	"testnet/internal/sandbox"
)

const (
	// ShortIDLen is the display length of container ids.
	ShortIDLen = 12

	DataDir        = "/home/i2pd/data"
	TunnelsConf    = DataDir + "/tunnels.conf"
	DescriptorPath = DataDir + "/router.info"

	newKeysMarker = "New private keys file"
)

// Router service ports.
var (
	PortControl    = nat.Port("7650/tcp")
	PortSAM        = nat.Port("7656/tcp")
	PortWebconsole = nat.Port("7070/tcp")
	PortHTTPProxy  = nat.Port("4444/tcp")
	PortSocksProxy = nat.Port("4447/tcp")
)

// ServicePorts is the set of router ports a launched container exposes on
// the testnet network.
func ServicePorts() nat.PortSet {
	return nat.PortSet{
		PortControl:    {},
		PortSAM:        {},
		PortWebconsole: {},
		PortHTTPProxy:  {},
		PortSocksProxy: {},
	}
}

// ErrNotReady is returned when the container has no address yet.
var ErrNotReady = errors.New("node not ready")

// Endpoints are the service addresses derived from a node's IP.
type Endpoints struct {
	Control    string `json:"control" yaml:"control"`
	SAM        string `json:"sam" yaml:"sam"`
	Webconsole string `json:"webconsole" yaml:"webconsole"`
	HTTPProxy  string `json:"http_proxy" yaml:"http_proxy"`
	SocksProxy string `json:"socks_proxy" yaml:"socks_proxy"`
}

// NewEndpoints derives endpoints from address.
func NewEndpoints(address string) Endpoints {
	hostPort := func(p nat.Port) string {
		return net.JoinHostPort(address, p.Port())
	}
	return Endpoints{
		Control:    "https://" + hostPort(PortControl),
		SAM:        hostPort(PortSAM),
		Webconsole: "http://" + hostPort(PortWebconsole),
		HTTPProxy:  hostPort(PortHTTPProxy),
		SocksProxy: hostPort(PortSocksProxy),
	}
}

// Options tune how a node talks to its router.
type Options struct {
	Password   string
	RPCTimeout time.Duration
	// ControlURL overrides the I2PControl URL derived from the address.
	ControlURL func(address string) string
}

// Node is one running router instance.
type Node struct {
	ID          string
	ContainerID string
	Address     string
	Floodfill   bool
	Endpoints   Endpoints
	Ports       []nat.Port // exposed, as reported by the engine
	Created     time.Time

	rt      sandbox.Runtime
	control *i2pcontrol.Client

	mu      sync.Mutex
	tunnels []Tunnel
}

// ShortID truncates a container id to ShortIDLen.
func ShortID(id string) string {
	if len(id) > ShortIDLen {
		return id[:ShortIDLen]
	}
	return id
}

// Resolve builds a Node for a started container by reading its address on
// network. It does not wait; the caller decides when the container is up.
func Resolve(ctx context.Context, rt sandbox.Runtime, containerID, network string, floodfill bool, opts Options) (*Node, error) {
	info, err := rt.Inspect(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("inspect %s: %w", ShortID(containerID), err)
	}
	if info.Address(network) == "" {
		return nil, fmt.Errorf("%s has no address on %s: %w", ShortID(containerID), network, ErrNotReady)
	}
	return FromInfo(rt, info, network, floodfill, opts), nil
}

// FromInfo builds a Node from already inspected state. A container without
// an address yields a Node whose status is never ready.
func FromInfo(rt sandbox.Runtime, info sandbox.Info, network string, floodfill bool, opts Options) *Node {
	addr := info.Address(network)
	endpoints := NewEndpoints(addr)
	controlURL := endpoints.Control
	if opts.ControlURL != nil {
		controlURL = opts.ControlURL(addr)
	}
	clientOpts := []i2pcontrol.Option{i2pcontrol.WithTimeout(opts.RPCTimeout)}
	if opts.Password != "" {
		clientOpts = append(clientOpts, i2pcontrol.WithPassword(opts.Password))
	}

	return &Node{
		ID:          ShortID(info.ID),
		ContainerID: info.ID,
		Address:     addr,
		Floodfill:   floodfill,
		Endpoints:   endpoints,
		Ports:       sandbox.SortedPorts(info.Ports),
		Created:     info.Created,
		rt:          rt,
		control:     i2pcontrol.NewClient(controlURL, clientOpts...),
	}
}

// Tunnels returns the tunnels added through this handle, in order.
func (n *Node) Tunnels() []Tunnel {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Tunnel(nil), n.tunnels...)
}

// AddTunnel appends t to the router's tunnels.conf and asks it to reload
// with SIGHUP. Adding the same name twice yields two sections, matching
// tunnels.conf semantics. The new destination shows up in the logs only
// after the router has processed the reload.
func (n *Node) AddTunnel(ctx context.Context, t Tunnel) error {
	if _, err := n.rt.Exec(ctx, n.ContainerID,
		"/bin/sh", "-c", `printf '%s' "$1" >> "$2"`, "sh", t.Render(), TunnelsConf); err != nil {
		return fmt.Errorf("append tunnel %s on %s: %w", t.Name, n.ID, err)
	}
	if _, err := n.rt.Exec(ctx, n.ContainerID, "kill", "-HUP", "1"); err != nil {
		return fmt.Errorf("reload %s: %w", n.ID, err)
	}
	n.mu.Lock()
	n.tunnels = append(n.tunnels, t)
	n.mu.Unlock()
	return nil
}

// TunnelDestinations returns the b32 destinations the router reported
// creating keys for, oldest first.
func (n *Node) TunnelDestinations(ctx context.Context) ([]string, error) {
	logs, err := n.rt.Logs(ctx, n.ContainerID)
	if err != nil {
		return nil, fmt.Errorf("logs %s: %w", n.ID, err)
	}
	return ParseDestinations(logs), nil
}

// ParseDestinations extracts destinations from router log output.
func ParseDestinations(logs []byte) []string {
	var out []string
	sc := bufio.NewScanner(bytes.NewReader(logs))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if !strings.Contains(line, newKeysMarker) {
			continue
		}
		fields := strings.Split(line, " ")
		if len(fields) < 2 {
			continue
		}
		out = append(out, fields[len(fields)-2])
	}
	return out
}

// Info queries the router's status catalog. Unlike Status it returns the
// error.
func (n *Node) Info(ctx context.Context) (i2pcontrol.RouterInfo, error) {
	info, err := n.control.RouterInfo(ctx)
	if errors.Is(err, i2pcontrol.ErrAuthExpired) {
		n.control.Invalidate()
		info, err = n.control.RouterInfo(ctx)
	}
	return info, err
}

// Status returns a snapshot of the node. Any query failure, including
// timeouts, yields a not-ready snapshot rather than an error.
func (n *Node) Status(ctx context.Context) Status {
	st := Status{
		ID:        n.ID,
		Address:   n.Address,
		Floodfill: n.Floodfill,
		Tunnels:   n.Tunnels(),
	}
	info, err := n.Info(ctx)
	if err != nil {
		st.Reason = err.Error()
		return st
	}
	st.Ready = true
	st.Info = &info
	return st
}

func (n *Node) String() string {
	return fmt.Sprintf("i2pd node: %s  IP: %s", n.ID, n.Address)
}
