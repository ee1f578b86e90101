package i2pcontrol

import (
	"context"
	"encoding/json"
	"fmt"
)

// RouterInfo query keys.
const (
	KeyUptime        = "i2p.router.uptime"
	KeyNetStatus     = "i2p.router.net.status"
	KeyKnownPeers    = "i2p.router.netdb.knownpeers"
	KeyActivePeers   = "i2p.router.netdb.activepeers"
	KeyInboundBW     = "i2p.router.net.bw.inbound.1s"
	KeyOutboundBW    = "i2p.router.net.bw.outbound.1s"
	KeyParticipating = "i2p.router.net.tunnels.participating"
	KeySuccessRate   = "i2p.router.net.tunnels.successrate"
	KeyReceivedBytes = "i2p.router.net.total.received.bytes"
	KeySentBytes     = "i2p.router.net.total.sent.bytes"
)

// InfoQuery is the fixed RouterInfo catalog used for status reporting.
var InfoQuery = []string{
	KeyUptime,
	KeyNetStatus,
	KeyKnownPeers,
	KeyActivePeers,
	KeyInboundBW,
	KeyOutboundBW,
	KeyParticipating,
	KeySuccessRate,
	KeyReceivedBytes,
	KeySentBytes,
}

// statusLabels maps i2p.router.net.status codes to names.
var statusLabels = []string{
	"OK",
	"TESTING",
	"FIREWALLED",
	"HIDDEN",
	"WARN_FIREWALLED_AND_FAST",
	"WARN_FIREWALLED_AND_FLOODFILL",
	"WARN_FIREWALLED_WITH_INBOUND_TCP",
	"WARN_FIREWALLED_WITH_UDP_DISABLED",
	"ERROR_I2CP",
	"ERROR_CLOCK_SKEW",
	"ERROR_PRIVATE_TCP_ADDRESS",
	"ERROR_SYMMETRIC_NAT",
	"ERROR_UDP_PORT_IN_USE",
	"ERROR_NO_ACTIVE_PEERS_CHECK_CONNECTION_AND_FIREWALL",
	"ERROR_UDP_DISABLED_AND_TCP_UNSET",
}

// StatusLabel returns the name of a network status code.
func StatusLabel(code int) string {
	if code < 0 || code >= len(statusLabels) {
		return fmt.Sprintf("UNKNOWN(%d)", code)
	}
	return statusLabels[code]
}

// RouterInfo is the decoded RouterInfo result. Numbers keep the text the
// router sent so they render exactly as reported.
type RouterInfo struct {
	Uptime        json.Number `json:"i2p.router.uptime,omitempty" yaml:"i2p.router.uptime,omitempty"`
	NetStatus     json.Number `json:"i2p.router.net.status,omitempty" yaml:"i2p.router.net.status,omitempty"`
	KnownPeers    json.Number `json:"i2p.router.netdb.knownpeers,omitempty" yaml:"i2p.router.netdb.knownpeers,omitempty"`
	ActivePeers   json.Number `json:"i2p.router.netdb.activepeers,omitempty" yaml:"i2p.router.netdb.activepeers,omitempty"`
	InboundBW     json.Number `json:"i2p.router.net.bw.inbound.1s,omitempty" yaml:"i2p.router.net.bw.inbound.1s,omitempty"`
	OutboundBW    json.Number `json:"i2p.router.net.bw.outbound.1s,omitempty" yaml:"i2p.router.net.bw.outbound.1s,omitempty"`
	Participating json.Number `json:"i2p.router.net.tunnels.participating,omitempty" yaml:"i2p.router.net.tunnels.participating,omitempty"`
	SuccessRate   json.Number `json:"i2p.router.net.tunnels.successrate,omitempty" yaml:"i2p.router.net.tunnels.successrate,omitempty"`
	ReceivedBytes json.Number `json:"i2p.router.net.total.received.bytes,omitempty" yaml:"i2p.router.net.total.received.bytes,omitempty"`
	SentBytes     json.Number `json:"i2p.router.net.total.sent.bytes,omitempty" yaml:"i2p.router.net.total.sent.bytes,omitempty"`
}

// Status returns the reachability label for NetStatus.
func (ri RouterInfo) Status() string {
	code, err := ri.NetStatus.Int64()
	if err != nil {
		if f, ferr := ri.NetStatus.Float64(); ferr == nil {
			return StatusLabel(int(f))
		}
		return "UNKNOWN"
	}
	return StatusLabel(int(code))
}

// Float returns n as float64, or 0 when absent or malformed.
func Float(n json.Number) float64 {
	f, err := n.Float64()
	if err != nil {
		return 0
	}
	return f
}

// RouterInfo queries the fixed status catalog.
func (c *Client) RouterInfo(ctx context.Context) (RouterInfo, error) {
	params := make(map[string]string, len(InfoQuery))
	for _, key := range InfoQuery {
		params[key] = ""
	}
	raw, err := c.Call(ctx, "RouterInfo", params)
	if err != nil {
		return RouterInfo{}, err
	}
	var info RouterInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return RouterInfo{}, fmt.Errorf("decode RouterInfo: %w", err)
	}
	return info, nil
}
