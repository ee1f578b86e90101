package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"testnet/internal/node"
)

const namespace = "testnet"

// StatusSource returns the current fleet status, e.g. fleet.Manager.Status.
type StatusSource func(ctx context.Context) []node.Status

// Collector exports fleet status as Prometheus metrics. Every scrape
// queries the routers, bounded by timeout.
type Collector struct {
	source  StatusSource
	timeout time.Duration

	nodes         *prometheus.Desc
	ready         *prometheus.Desc
	successRate   *prometheus.Desc
	knownPeers    *prometheus.Desc
	activePeers   *prometheus.Desc
	participating *prometheus.Desc
	received      *prometheus.Desc
	sent          *prometheus.Desc
}

func NewCollector(source StatusSource, timeout time.Duration) *Collector {
	labels := []string{"node", "address", "floodfill"}
	desc := func(name, help string, labels []string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}
	return &Collector{
		source:        source,
		timeout:       timeout,
		nodes:         desc("nodes", "Number of routers tracked by the fleet.", nil),
		ready:         desc("node_ready", "Whether the router answered I2PControl.", labels),
		successRate:   desc("node_tunnel_success_rate", "Tunnel build success rate in percent.", labels),
		knownPeers:    desc("node_known_peers", "Routers known to the netdb.", labels),
		activePeers:   desc("node_active_peers", "Active peers.", labels),
		participating: desc("node_participating_tunnels", "Participating transit tunnels.", labels),
		received:      desc("node_received_bytes_total", "Bytes received since router start.", labels),
		sent:          desc("node_sent_bytes_total", "Bytes sent since router start.", labels),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.nodes
	ch <- c.ready
	ch <- c.successRate
	ch <- c.knownPeers
	ch <- c.activePeers
	ch <- c.participating
	ch <- c.received
	ch <- c.sent
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx := context.Background()
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	samples := Samples(time.Now(), c.source(ctx))
	ch <- prometheus.MustNewConstMetric(c.nodes, prometheus.GaugeValue, float64(len(samples)))
	for _, s := range samples {
		lv := []string{s.NodeID, s.Address, strconv.FormatBool(s.Floodfill)}
		ready := 0.0
		if s.Ready {
			ready = 1
		}
		ch <- prometheus.MustNewConstMetric(c.ready, prometheus.GaugeValue, ready, lv...)
		if !s.Ready {
			continue
		}
		ch <- prometheus.MustNewConstMetric(c.successRate, prometheus.GaugeValue, s.SuccessRate, lv...)
		ch <- prometheus.MustNewConstMetric(c.knownPeers, prometheus.GaugeValue, s.KnownPeers, lv...)
		ch <- prometheus.MustNewConstMetric(c.activePeers, prometheus.GaugeValue, s.ActivePeers, lv...)
		ch <- prometheus.MustNewConstMetric(c.participating, prometheus.GaugeValue, s.Participating, lv...)
		ch <- prometheus.MustNewConstMetric(c.received, prometheus.CounterValue, s.ReceivedBytes, lv...)
		ch <- prometheus.MustNewConstMetric(c.sent, prometheus.CounterValue, s.SentBytes, lv...)
	}
}
