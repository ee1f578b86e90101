package watch

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"testnet/internal/bundle"
	"testnet/internal/i2pcontrol"
	"testnet/internal/metrics"
	"testnet/internal/node"
	"testnet/internal/store"
)

type scriptedFleet struct {
	mu     sync.Mutex
	rounds [][]node.Status
	calls  int
}

func (f *scriptedFleet) Status(context.Context) []node.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	if i >= len(f.rounds) {
		i = len(f.rounds) - 1
	}
	f.calls++
	return f.rounds[i]
}

func (f *scriptedFleet) Nodes() []*node.Node { return nil }
func (f *scriptedFleet) Network() string     { return "i2pdtestnet" }
func (f *scriptedFleet) RunID() string       { return "run-1" }
func (f *scriptedFleet) Bundle() (bundle.Info, bool) {
	return bundle.Info{Path: "/tmp/seed.zip", Digest: "d"}, true
}

func (f *scriptedFleet) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func ready(id string) node.Status {
	return node.Status{ID: id, Address: "172.18.0.2", Ready: true, Info: &i2pcontrol.RouterInfo{NetStatus: "0", KnownPeers: "3"}}
}

func down(id string) node.Status {
	return node.Status{ID: id, Address: "172.18.0.2", Reason: "unreachable"}
}

func TestPoll_LogsTransitions(t *testing.T) {
	t.Parallel()

	logger, hook := test.NewNullLogger()
	f := &scriptedFleet{rounds: [][]node.Status{
		{down("a")},
		{ready("a")},
		{ready("a")},
		{down("a")},
		{},
	}}
	w := New(f, Options{Interval: time.Second, Log: logger})
	ctx := context.Background()

	w.Poll(ctx)
	assert.Empty(t, hook.AllEntries(), "first not-ready round is quiet")

	w.Poll(ctx)
	require.Len(t, hook.AllEntries(), 1)
	assert.Equal(t, "router ready", hook.LastEntry().Message)

	w.Poll(ctx)
	assert.Len(t, hook.AllEntries(), 1)

	w.Poll(ctx)
	require.Len(t, hook.AllEntries(), 2)
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
	assert.Equal(t, "unreachable", hook.LastEntry().Data["reason"])

	w.Poll(ctx)
	require.Len(t, hook.AllEntries(), 3)
	assert.Equal(t, "router gone", hook.LastEntry().Message)
}

func TestPoll_RecordsSamplesAndSnapshot(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	logger, _ := test.NewNullLogger()
	f := &scriptedFleet{rounds: [][]node.Status{{ready("a"), down("b")}}}
	var rounds int
	w := New(f, Options{
		Interval:     time.Second,
		SamplesPath:  filepath.Join(dir, "samples.csv"),
		SnapshotPath: filepath.Join(dir, "testnet.yaml"),
		Log:          logger,
		OnRound:      func([]node.Status) { rounds++ },
		Now:          func() time.Time { return time.Unix(1700000000, 0).UTC() },
	})

	w.Poll(context.Background())
	w.Poll(context.Background())
	assert.Equal(t, 2, rounds)

	samples, err := metrics.ReadCSV(filepath.Join(dir, "samples.csv"))
	require.NoError(t, err)
	require.Len(t, samples, 4)
	assert.Equal(t, "a", samples[0].NodeID)
	assert.Equal(t, 3.0, samples[0].KnownPeers)
	assert.False(t, samples[1].Ready)

	snap, err := store.LoadSnapshot(filepath.Join(dir, "testnet.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "run-1", snap.RunID)
	require.NotNil(t, snap.Bundle)
	assert.Equal(t, "d", snap.Bundle.Digest)
}

func TestRun_StopsOnCancel(t *testing.T) {
	t.Parallel()

	logger, _ := test.NewNullLogger()
	f := &scriptedFleet{rounds: [][]node.Status{{ready("a")}}}
	w := New(f, Options{Interval: 5 * time.Millisecond, Log: logger})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return f.Calls() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
