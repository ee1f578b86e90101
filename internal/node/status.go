package node

import (
	"encoding/json"
	"strings"

	"testnet/internal/i2pcontrol"
)

const (
	columnSep = "  "
	notReady  = "NOT READY"
)

// Header is the status table header.
var Header = strings.Join([]string{
	"CONTAINER", "IP", "STATUS", "SUCC RATE", "PEERS K/A", "BYTES S/R", "PART. TUNNELS",
}, columnSep)

// Status is one node's row in a fleet status report. Info is nil when the
// node is not ready.
type Status struct {
	ID        string                 `json:"id" yaml:"id"`
	Address   string                 `json:"address" yaml:"address"`
	Floodfill bool                   `json:"floodfill" yaml:"floodfill"`
	Ready     bool                   `json:"ready" yaml:"ready"`
	Reason    string                 `json:"reason,omitempty" yaml:"reason,omitempty"`
	Info      *i2pcontrol.RouterInfo `json:"info,omitempty" yaml:"info,omitempty"`
	Tunnels   []Tunnel               `json:"tunnels,omitempty" yaml:"tunnels,omitempty"`
}

// Label returns the reachability label, or NOT READY.
func (s Status) Label() string {
	if !s.Ready || s.Info == nil {
		return notReady
	}
	return s.Info.Status()
}

// Line renders the status table row.
func (s Status) Line() string {
	if !s.Ready || s.Info == nil {
		return strings.Join([]string{s.ID, s.Address, notReady}, columnSep)
	}
	ri := s.Info
	return strings.Join([]string{
		s.ID,
		s.Address,
		ri.Status(),
		num(ri.SuccessRate) + "%",
		num(ri.KnownPeers) + "/" + num(ri.ActivePeers),
		num(ri.ReceivedBytes) + "/" + num(ri.SentBytes),
		num(ri.Participating),
	}, columnSep)
}

func num(n json.Number) string {
	if n == "" {
		return "-"
	}
	return n.String()
}
