// Package fleet owns one ephemeral testnet: its internal network, the
// bootstrap router, the reseed bundle and every router launched from it.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"testnet/internal/bundle"
	"testnet/internal/config"
	"testnet/internal/node"
	"testnet/internal/sandbox"
)

// Labels set on every network and container of a run.
const (
	LabelNetwork   = "testnet.network"
	LabelRun       = "testnet.run"
	LabelFloodfill = "testnet.floodfill"
)

const (
	flagFloodfill = "floodfill"
	flagReseedZip = "reseed.zipfile"
)

var (
	ErrInvalidState = errors.New("invalid fleet state")
	ErrNotFound     = errors.New("node not found")
)

// State is the fleet lifecycle state.
type State int

const (
	Stopped State = iota
	Running
)

func (s State) String() string {
	if s == Running {
		return "RUNNING"
	}
	return "STOPPED"
}

// RemoveResult reports the outcome for one id passed to Remove.
type RemoveResult struct {
	ID      string `json:"id" yaml:"id"`
	Removed bool   `json:"removed" yaml:"removed"`
	Err     error  `json:"-" yaml:"-"`
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l log.FieldLogger) Option {
	return func(m *Manager) { m.log = l }
}

// WithControlURL overrides how a node's I2PControl URL is derived from its
// address.
func WithControlURL(fn func(address string) string) Option {
	return func(m *Manager) { m.nodeOpts.ControlURL = fn }
}

// WithBundleSleep replaces the wait between descriptor reads.
func WithBundleSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(m *Manager) { m.builder.Sleep = fn }
}

// Manager is the fleet state machine. Mutating operations are serialized;
// Status and lookups may run alongside them.
type Manager struct {
	rt       sandbox.Runtime
	cfg      config.Config
	log      log.FieldLogger
	defaults LaunchOptions
	nodeOpts node.Options
	builder  *bundle.Builder

	// op serializes Start, Add, Remove, Stop and Attach.
	op sync.Mutex

	mu     sync.RWMutex
	state  State
	runID  string
	nodes  map[string]*node.Node
	order  []string
	bundle *bundle.Info
}

// New creates a stopped Manager. cfg must already carry defaults.
func New(rt sandbox.Runtime, cfg config.Config, opts ...Option) (*Manager, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	defaults, err := ParseArgs(cfg.DefaultArgs)
	if err != nil {
		return nil, fmt.Errorf("default_args: %w", err)
	}
	for _, name := range []string{flagFloodfill, flagReseedZip} {
		if _, ok := defaults.get(name); ok {
			return nil, fmt.Errorf("default_args: --%s is set per router", name)
		}
	}

	m := &Manager{
		rt:       rt,
		cfg:      cfg,
		log:      log.StandardLogger(),
		defaults: defaults,
		nodeOpts: node.Options{
			Password:   cfg.RPC.Password,
			RPCTimeout: cfg.RPC.Timeout,
		},
		builder: &bundle.Builder{
			Runtime: rt,
			Path:    cfg.BundlePath,
			Retry: bundle.Retry{
				Attempts: cfg.Bootstrap.Attempts,
				Initial:  cfg.Bootstrap.InitialDelay,
				Max:      cfg.Bootstrap.MaxDelay,
			},
		},
		nodes: map[string]*node.Node{},
	}
	for _, opt := range opts {
		opt(m)
	}
	m.builder.Log = m.log
	return m, nil
}

func (m *Manager) Network() string { return m.cfg.Network }

func (m *Manager) Config() config.Config { return m.cfg }

func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// RunID identifies the current run; empty while stopped.
func (m *Manager) RunID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.runID
}

// Bundle returns the published bundle, if any.
func (m *Manager) Bundle() (bundle.Info, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.bundle == nil {
		return bundle.Info{}, false
	}
	return *m.bundle, true
}

// Nodes returns the tracked nodes in insertion order.
func (m *Manager) Nodes() []*node.Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*node.Node, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.nodes[id])
	}
	return out
}

// Node looks up a node by short id, full container id or unique prefix.
func (m *Manager) Node(id string) (*node.Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if n := m.lookupLocked(id); n != nil {
		return n, nil
	}
	return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
}

func (m *Manager) lookupLocked(id string) *node.Node {
	if n, ok := m.nodes[node.ShortID(id)]; ok && strings.HasPrefix(n.ContainerID, id) {
		return n
	}
	if id == "" {
		return nil
	}
	var match *node.Node
	for _, n := range m.nodes {
		if strings.HasPrefix(n.ContainerID, id) {
			if match != nil {
				return nil
			}
			match = n
		}
	}
	return match
}

// Start creates the network, launches the bootstrap floodfill, publishes
// the bundle from it and launches the configured extra routers. Any
// failure tears down what was created; if that teardown fails too the
// fleet is left Running so Stop can finish it.
func (m *Manager) Start(ctx context.Context) error {
	return m.StartWith(ctx, m.cfg.Start)
}

// StartWith is Start with an explicit number of extra routers.
func (m *Manager) StartWith(ctx context.Context, size config.StartConfig) error {
	if size.Floodfills < 0 || size.Nodes < 0 {
		return fmt.Errorf("start: negative fleet size")
	}
	m.op.Lock()
	defer m.op.Unlock()

	if m.State() != Stopped {
		return fmt.Errorf("start: fleet is %s: %w", m.State(), ErrInvalidState)
	}

	runID := uuid.NewString()
	logger := m.log.WithFields(log.Fields{"network": m.cfg.Network, "run": runID})

	if err := m.reclaimNetwork(ctx); err != nil {
		return err
	}
	if _, err := m.rt.CreateNetwork(ctx, m.cfg.Network, m.labels(runID)); err != nil {
		return fmt.Errorf("create network %s: %w", m.cfg.Network, err)
	}
	m.mu.Lock()
	m.runID = runID
	m.mu.Unlock()
	logger.Info("network created")

	// A failed teardown leaves the fleet running with whatever could not be
	// removed, so Stop can retry the cleanup.
	fail := func(err error) error {
		if terr := m.teardown(context.WithoutCancel(ctx)); terr != nil {
			m.mu.Lock()
			m.state = Running
			m.mu.Unlock()
			logger.WithError(terr).Warn("teardown after failed start; stop to retry")
			err = multierror.Append(err, terr)
		}
		return err
	}

	boot, err := m.launch(ctx, runID, true, false)
	if err != nil {
		return fail(fmt.Errorf("launch bootstrap: %w", err))
	}
	m.insert(boot)
	logger.WithField("node", boot.ID).Info("bootstrap router launched")

	info, err := m.builder.Build(ctx, boot.ContainerID, boot.ID)
	if err != nil {
		return fail(fmt.Errorf("build bundle: %w", err))
	}
	m.mu.Lock()
	m.bundle = &info
	m.state = Running
	m.mu.Unlock()

	if _, err := m.addLocked(ctx, size.Floodfills, true); err != nil {
		return fail(err)
	}
	if _, err := m.addLocked(ctx, size.Nodes, false); err != nil {
		return fail(err)
	}
	logger.WithField("nodes", len(m.Nodes())).Info("testnet started")
	return nil
}

// reclaimNetwork removes a network left behind by an earlier run whose
// routers are all gone. A network without the testnet label, or one that
// still has routers, is not touched.
func (m *Manager) reclaimNetwork(ctx context.Context) error {
	labels, err := m.rt.NetworkLabels(ctx, m.cfg.Network)
	if errors.Is(err, sandbox.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("inspect network %s: %w", m.cfg.Network, err)
	}
	if labels[LabelNetwork] != m.cfg.Network {
		return fmt.Errorf("network %s exists and is not managed by testnet", m.cfg.Network)
	}
	ids, err := m.rt.List(ctx, map[string]string{LabelNetwork: m.cfg.Network})
	if err != nil {
		return fmt.Errorf("list containers: %w", err)
	}
	if len(ids) > 0 {
		return fmt.Errorf("network %s still has %d routers; attach and stop them first", m.cfg.Network, len(ids))
	}
	if err := m.rt.RemoveNetwork(ctx, m.cfg.Network); err != nil && !errors.Is(err, sandbox.ErrNotFound) {
		return fmt.Errorf("remove leftover network %s: %w", m.cfg.Network, err)
	}
	m.log.WithFields(log.Fields{"network": m.cfg.Network, "run": labels[LabelRun]}).Warn("removed network left by an earlier run")
	return nil
}

// Add launches count routers seeded from the bundle and returns their ids
// in launch order. Routers that started are kept even when others fail.
func (m *Manager) Add(ctx context.Context, count int, floodfill bool) ([]string, error) {
	m.op.Lock()
	defer m.op.Unlock()

	if m.State() != Running {
		return nil, fmt.Errorf("add: fleet is %s: %w", m.State(), ErrInvalidState)
	}
	if count < 0 {
		return nil, fmt.Errorf("add: negative count %d", count)
	}
	return m.addLocked(ctx, count, floodfill)
}

func (m *Manager) addLocked(ctx context.Context, count int, floodfill bool) ([]string, error) {
	if count == 0 {
		return nil, nil
	}
	runID := m.RunID()

	launched := make([]*node.Node, count)
	errs := make([]error, count)
	var g errgroup.Group
	g.SetLimit(m.cfg.LaunchParallelism)
	for i := 0; i < count; i++ {
		i := i
		g.Go(func() error {
			launched[i], errs[i] = m.launch(ctx, runID, floodfill, true)
			return nil
		})
	}
	_ = g.Wait()

	var ids []string
	var result *multierror.Error
	for i, n := range launched {
		if errs[i] != nil {
			result = multierror.Append(result, errs[i])
			continue
		}
		m.insert(n)
		ids = append(ids, n.ID)
		m.log.WithFields(log.Fields{"node": n.ID, "ip": n.Address, "floodfill": floodfill}).Info("router launched")
	}
	return ids, result.ErrorOrNil()
}

func (m *Manager) launch(ctx context.Context, runID string, floodfill, seeded bool) (*node.Node, error) {
	var overrides LaunchOptions
	if floodfill {
		overrides = overrides.Enable(flagFloodfill)
	}
	spec := sandbox.RunSpec{
		Image:   m.cfg.Image,
		Labels:  m.labels(runID),
		Network: m.cfg.Network,
		Expose:  node.ServicePorts(),
	}
	spec.Labels[LabelFloodfill] = strconv.FormatBool(floodfill)
	if seeded {
		b, ok := m.Bundle()
		if !ok {
			return nil, fmt.Errorf("no bundle published")
		}
		overrides = overrides.Set(flagReseedZip, bundle.MountPath)
		spec.Mounts = []sandbox.Mount{{Source: b.Path, Destination: bundle.MountPath, ReadOnly: true}}
	}
	opts := m.defaults.Merge(overrides)
	spec.Args = opts.Args()
	m.log.WithField("args", opts.String()).Debug("launching router")

	id, err := m.rt.Run(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", m.cfg.Image, err)
	}
	n, err := node.Resolve(ctx, m.rt, id, m.cfg.Network, floodfill, m.nodeOpts)
	if err != nil {
		if derr := m.destroy(context.WithoutCancel(ctx), id); derr != nil {
			err = multierror.Append(err, derr)
		}
		return nil, err
	}
	return n, nil
}

// Remove tears down the named nodes. Unknown ids are reported as not
// removed without an error.
func (m *Manager) Remove(ctx context.Context, ids []string) ([]RemoveResult, error) {
	m.op.Lock()
	defer m.op.Unlock()

	results := make([]RemoveResult, 0, len(ids))
	var result *multierror.Error
	for _, id := range ids {
		m.mu.RLock()
		n := m.lookupLocked(id)
		m.mu.RUnlock()
		if n == nil {
			m.log.WithField("node", id).Debug("remove: unknown node")
			results = append(results, RemoveResult{ID: id})
			continue
		}
		if err := m.destroy(ctx, n.ContainerID); err != nil {
			err = fmt.Errorf("remove %s: %w", n.ID, err)
			result = multierror.Append(result, err)
			results = append(results, RemoveResult{ID: n.ID, Err: err})
			continue
		}
		m.forget(n.ID)
		m.log.WithField("node", n.ID).Info("router removed")
		results = append(results, RemoveResult{ID: n.ID, Removed: true})
	}
	return results, result.ErrorOrNil()
}

// Stop tears down every node, then the network and the bundle. It keeps
// going past failures; nodes that could not be removed stay tracked and
// the fleet stays running.
func (m *Manager) Stop(ctx context.Context) error {
	m.op.Lock()
	defer m.op.Unlock()

	if m.State() != Running {
		return fmt.Errorf("stop: fleet is %s: %w", m.State(), ErrInvalidState)
	}
	if err := m.teardown(ctx); err != nil {
		return err
	}
	m.log.WithField("network", m.cfg.Network).Info("testnet stopped")
	return nil
}

func (m *Manager) teardown(ctx context.Context) error {
	var result *multierror.Error
	for _, n := range m.Nodes() {
		if err := m.destroy(ctx, n.ContainerID); err != nil {
			m.log.WithError(err).WithField("node", n.ID).Warn("teardown failed")
			result = multierror.Append(result, fmt.Errorf("node %s: %w", n.ID, err))
			continue
		}
		m.forget(n.ID)
	}
	if result != nil {
		return result
	}

	if err := m.rt.RemoveNetwork(ctx, m.cfg.Network); err != nil && !errors.Is(err, sandbox.ErrNotFound) {
		return fmt.Errorf("remove network %s: %w", m.cfg.Network, err)
	}
	if err := bundle.Remove(m.cfg.BundlePath); err != nil {
		return fmt.Errorf("remove bundle: %w", err)
	}

	m.mu.Lock()
	m.state = Stopped
	m.runID = ""
	m.bundle = nil
	m.mu.Unlock()
	return nil
}

// destroy stops and removes a container; one already gone counts as done.
func (m *Manager) destroy(ctx context.Context, id string) error {
	if err := m.rt.Stop(ctx, id); err != nil {
		if errors.Is(err, sandbox.ErrNotFound) {
			return nil
		}
		return err
	}
	if err := m.rt.Remove(ctx, id); err != nil && !errors.Is(err, sandbox.ErrNotFound) {
		return err
	}
	return nil
}

// Status queries every node concurrently and returns the snapshots in
// insertion order. Unreachable nodes are reported not ready.
func (m *Manager) Status(ctx context.Context) []node.Status {
	nodes := m.Nodes()
	out := make([]node.Status, len(nodes))
	var g errgroup.Group
	g.SetLimit(m.cfg.LaunchParallelism * 2)
	for i, n := range nodes {
		i, n := i, n
		g.Go(func() error {
			out[i] = n.Status(ctx)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Attach rebuilds fleet state from containers labelled with the fleet's
// network, so separate invocations can operate on a running testnet.
// Nothing is persisted by the Manager itself.
func (m *Manager) Attach(ctx context.Context) error {
	m.op.Lock()
	defer m.op.Unlock()

	if m.State() == Running {
		return nil
	}
	ids, err := m.rt.List(ctx, map[string]string{LabelNetwork: m.cfg.Network})
	if err != nil {
		return fmt.Errorf("list containers: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}

	infos := make([]sandbox.Info, 0, len(ids))
	for _, id := range ids {
		info, err := m.rt.Inspect(ctx, id)
		if err != nil {
			return fmt.Errorf("inspect %s: %w", node.ShortID(id), err)
		}
		infos = append(infos, info)
	}
	sort.SliceStable(infos, func(i, j int) bool {
		if infos[i].Created.Equal(infos[j].Created) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].Created.Before(infos[j].Created)
	})

	var runID string
	for _, info := range infos {
		floodfill, _ := strconv.ParseBool(info.Labels[LabelFloodfill])
		n := node.FromInfo(m.rt, info, m.cfg.Network, floodfill, m.nodeOpts)
		m.insert(n)
		if runID == "" {
			runID = info.Labels[LabelRun]
		}
	}

	m.mu.Lock()
	m.state = Running
	m.runID = runID
	m.mu.Unlock()

	entry, data, err := bundle.ReadDescriptor(m.cfg.BundlePath)
	if err != nil {
		m.log.WithError(err).Warn("attached without a readable bundle")
	} else {
		info := bundle.Info{Path: m.cfg.BundlePath, Entry: entry, Size: len(data), Digest: bundle.Digest(data)}
		m.mu.Lock()
		m.bundle = &info
		m.mu.Unlock()
	}
	m.log.WithFields(log.Fields{"network": m.cfg.Network, "nodes": len(infos)}).Debug("attached to running testnet")
	return nil
}

func (m *Manager) labels(runID string) map[string]string {
	return map[string]string{
		LabelNetwork: m.cfg.Network,
		LabelRun:     runID,
	}
}

func (m *Manager) insert(n *node.Node) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodes[n.ID]; ok {
		return
	}
	m.nodes[n.ID] = n
	m.order = append(m.order, n.ID)
}

func (m *Manager) forget(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodes[id]; !ok {
		return
	}
	delete(m.nodes, id)
	for i, v := range m.order {
		if v == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}
