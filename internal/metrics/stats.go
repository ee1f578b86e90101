package metrics

import (
	"math"
	"sort"
	"time"

	"testnet/internal/model"
)

// Summary is a basic statistics snapshot over status samples. Router
// statistics are averaged over ready samples only.
type Summary struct {
	Count            int       `json:"count" yaml:"count"`
	Nodes            int       `json:"nodes" yaml:"nodes"`
	From             time.Time `json:"from" yaml:"from"`
	To               time.Time `json:"to" yaml:"to"`
	ReadyPct         float64   `json:"ready_pct" yaml:"ready_pct"`
	AvgSuccessRate   float64   `json:"avg_success_rate" yaml:"avg_success_rate"`
	MinSuccessRate   float64   `json:"min_success_rate" yaml:"min_success_rate"`
	AvgKnownPeers    float64   `json:"avg_known_peers" yaml:"avg_known_peers"`
	AvgActivePeers   float64   `json:"avg_active_peers" yaml:"avg_active_peers"`
	P95Participating float64   `json:"p95_participating" yaml:"p95_participating"`
	MaxParticipating float64   `json:"max_participating" yaml:"max_participating"`
}

// Summarize computes summary metrics for items in a time window.
func Summarize(items []model.Sample, since time.Time) Summary {
	filtered := make([]model.Sample, 0, len(items))
	for _, s := range items {
		if s.Timestamp.After(since) || s.Timestamp.Equal(since) {
			filtered = append(filtered, s)
		}
	}

	if len(filtered) == 0 {
		return Summary{Count: 0}
	}

	nodes := map[string]struct{}{}
	from := filtered[0].Timestamp
	to := filtered[0].Timestamp
	var ready []model.Sample
	for _, s := range filtered {
		nodes[s.NodeID] = struct{}{}
		if s.Timestamp.Before(from) {
			from = s.Timestamp
		}
		if s.Timestamp.After(to) {
			to = s.Timestamp
		}
		if s.Ready {
			ready = append(ready, s)
		}
	}

	sum := Summary{
		Count:    len(filtered),
		Nodes:    len(nodes),
		From:     from,
		To:       to,
		ReadyPct: 100 * float64(len(ready)) / float64(len(filtered)),
	}
	if len(ready) == 0 {
		return sum
	}

	participating := make([]float64, 0, len(ready))
	var sumRate, sumKnown, sumActive float64
	minRate := math.MaxFloat64
	for _, s := range ready {
		participating = append(participating, s.Participating)
		sumRate += s.SuccessRate
		sumKnown += s.KnownPeers
		sumActive += s.ActivePeers
		if s.SuccessRate < minRate {
			minRate = s.SuccessRate
		}
	}
	sort.Float64s(participating)
	count := float64(len(ready))

	sum.AvgSuccessRate = sumRate / count
	sum.MinSuccessRate = minRate
	sum.AvgKnownPeers = sumKnown / count
	sum.AvgActivePeers = sumActive / count
	sum.P95Participating = percentile(participating, 0.95)
	sum.MaxParticipating = participating[len(participating)-1]
	return sum
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	if p <= 0 {
		return values[0]
	}
	if p >= 1 {
		return values[len(values)-1]
	}
	idx := int(math.Ceil(p*float64(len(values)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(values) {
		idx = len(values) - 1
	}
	return values[idx]
}
