package metrics

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"testnet/internal/i2pcontrol"
	"testnet/internal/model"
	"testnet/internal/node"
)

func statuses() []node.Status {
	return []node.Status{
		{
			ID: "8fddbcbb101c", Address: "172.18.0.3", Floodfill: true, Ready: true,
			Info: &i2pcontrol.RouterInfo{
				NetStatus:     "0",
				SuccessRate:   "100",
				KnownPeers:    "5",
				ActivePeers:   "5",
				Participating: "25",
				ReceivedBytes: json.Number("165940.0"),
				SentBytes:     json.Number("161520.0"),
			},
		},
		{ID: "8fddbcbb101d", Address: "172.18.0.4", Reason: "unreachable"},
	}
}

func TestSamples(t *testing.T) {
	t.Parallel()

	ts := time.Unix(1700000000, 0).UTC()
	got := Samples(ts, statuses())
	require.Len(t, got, 2)
	assert.Equal(t, model.Sample{
		Timestamp:     ts,
		NodeID:        "8fddbcbb101c",
		Address:       "172.18.0.3",
		Floodfill:     true,
		Ready:         true,
		NetStatus:     "OK",
		SuccessRate:   100,
		KnownPeers:    5,
		ActivePeers:   5,
		Participating: 25,
		ReceivedBytes: 165940,
		SentBytes:     161520,
	}, got[0])
	assert.False(t, got[1].Ready)
	assert.Equal(t, "NOT READY", got[1].NetStatus)
	assert.Zero(t, got[1].KnownPeers)
}

func TestAppendCSV_WritesHeaderOnce(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "samples", "status.csv")
	s1 := Samples(time.Unix(1, 0).UTC(), statuses())
	s2 := Samples(time.Unix(2, 0).UTC(), statuses()[:1])

	require.NoError(t, AppendCSV(path, s1))
	require.NoError(t, AppendCSV(path, s2))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 4)
	assert.True(t, strings.HasPrefix(lines[0], "timestamp,node_id,"))

	back, err := ReadCSV(path)
	require.NoError(t, err)
	require.Len(t, back, 3)
	assert.Equal(t, s1[0], back[0])
	assert.Equal(t, s2[0].Timestamp, back[2].Timestamp)
	assert.False(t, back[1].Ready)
}

func TestWriteCSV(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, Samples(time.Unix(1, 0).UTC(), statuses()[:1])))
	assert.Contains(t, buf.String(), "1970-01-01T00:00:01Z,8fddbcbb101c,172.18.0.3,true,true,OK,100,5,5,25,165940,161520,0,0")
}

func TestReadCSV_RejectsShortRecord(t *testing.T) {
	t.Parallel()

	_, err := readCSV(strings.NewReader("timestamp,node_id\n1970-01-01T00:00:01Z,n1\n"))
	assert.Error(t, err)
}

func TestSummarize(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	items := []model.Sample{
		{Timestamp: now.Add(-2 * time.Hour), NodeID: "old", Ready: true, SuccessRate: 1},
		{Timestamp: now.Add(-10 * time.Second), NodeID: "a", Ready: true, SuccessRate: 100, KnownPeers: 4, ActivePeers: 2, Participating: 10},
		{Timestamp: now.Add(-5 * time.Second), NodeID: "b", Ready: true, SuccessRate: 50, KnownPeers: 6, ActivePeers: 4, Participating: 30},
		{Timestamp: now.Add(-5 * time.Second), NodeID: "c"},
		{Timestamp: now, NodeID: "a", Ready: true, SuccessRate: 90, KnownPeers: 5, ActivePeers: 3, Participating: 20},
	}
	s := Summarize(items, now.Add(-time.Minute))
	assert.Equal(t, 4, s.Count)
	assert.Equal(t, 3, s.Nodes)
	assert.Equal(t, 75.0, s.ReadyPct)
	assert.Equal(t, 80.0, s.AvgSuccessRate)
	assert.Equal(t, 50.0, s.MinSuccessRate)
	assert.Equal(t, 5.0, s.AvgKnownPeers)
	assert.Equal(t, 3.0, s.AvgActivePeers)
	assert.Equal(t, 30.0, s.P95Participating)
	assert.Equal(t, 30.0, s.MaxParticipating)
	assert.Equal(t, now.Add(-10*time.Second), s.From)
	assert.Equal(t, now, s.To)
}

func TestSummarize_Empty(t *testing.T) {
	t.Parallel()

	assert.Equal(t, Summary{}, Summarize(nil, time.Now()))
}

func TestCollector(t *testing.T) {
	t.Parallel()

	c := NewCollector(func(context.Context) []node.Status { return statuses() }, time.Second)
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(c))

	mfs, err := reg.Gather()
	require.NoError(t, err)

	values := map[string][]float64{}
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			v := m.GetGauge().GetValue()
			if m.GetCounter() != nil {
				v = m.GetCounter().GetValue()
			}
			values[mf.GetName()] = append(values[mf.GetName()], v)
		}
	}
	assert.Equal(t, []float64{2}, values["testnet_nodes"])
	assert.ElementsMatch(t, []float64{1, 0}, values["testnet_node_ready"])
	assert.Equal(t, []float64{5}, values["testnet_node_known_peers"])
	assert.Equal(t, []float64{165940}, values["testnet_node_received_bytes_total"])
}
