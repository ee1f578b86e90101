// Package watch polls fleet status on an interval, logs readiness changes
// and records samples and snapshots for later analysis.
package watch

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"testnet/internal/bundle"
	"testnet/internal/metrics"
	"testnet/internal/node"
	"testnet/internal/store"
)

// Fleet is the part of fleet.Manager the watcher reads.
type Fleet interface {
	Status(ctx context.Context) []node.Status
	Nodes() []*node.Node
	Network() string
	RunID() string
	Bundle() (bundle.Info, bool)
}

// Options configure a Watcher.
type Options struct {
	Interval     time.Duration
	SamplesPath  string
	SnapshotPath string
	Log          log.FieldLogger
	// OnRound receives every status round, e.g. to print a table.
	OnRound func(statuses []node.Status)
	Now     func() time.Time
}

// Watcher remembers readiness between rounds.
type Watcher struct {
	fleet Fleet
	opts  Options
	ready map[string]bool
}

func New(f Fleet, opts Options) *Watcher {
	if opts.Log == nil {
		opts.Log = log.StandardLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Watcher{fleet: f, opts: opts, ready: map[string]bool{}}
}

// Run polls immediately and then on every tick until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	w.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.Poll(ctx)
		}
	}
}

// Poll runs one status round. Recording failures are logged, not returned,
// so a full disk does not stop the watch.
func (w *Watcher) Poll(ctx context.Context) []node.Status {
	statuses := w.fleet.Status(ctx)
	now := w.opts.Now()

	seen := make(map[string]bool, len(statuses))
	for _, st := range statuses {
		seen[st.ID] = true
		prev, known := w.ready[st.ID]
		if !known || prev != st.Ready {
			entry := w.opts.Log.WithFields(log.Fields{"node": st.ID, "ip": st.Address, "status": st.Label()})
			if st.Ready {
				entry.Info("router ready")
			} else if known {
				entry.WithField("reason", st.Reason).Warn("router no longer ready")
			}
		}
		w.ready[st.ID] = st.Ready
	}
	for id := range w.ready {
		if !seen[id] {
			delete(w.ready, id)
			w.opts.Log.WithField("node", id).Info("router gone")
		}
	}

	if w.opts.SamplesPath != "" {
		if err := metrics.AppendCSV(w.opts.SamplesPath, metrics.Samples(now, statuses)); err != nil {
			w.opts.Log.WithError(err).Warn("append samples failed")
		}
	}
	if w.opts.SnapshotPath != "" {
		var b *bundle.Info
		if info, ok := w.fleet.Bundle(); ok {
			b = &info
		}
		snap := store.NewSnapshot(w.fleet.Network(), w.fleet.RunID(), b, w.fleet.Nodes(), statuses)
		if err := store.SaveSnapshot(w.opts.SnapshotPath, snap); err != nil {
			w.opts.Log.WithError(err).Warn("save snapshot failed")
		}
	}
	if w.opts.OnRound != nil {
		w.opts.OnRound(statuses)
	}
	return statuses
}
