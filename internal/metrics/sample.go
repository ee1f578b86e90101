package metrics

import (
	"time"

	"testnet/internal/i2pcontrol"
	"testnet/internal/model"
	"testnet/internal/node"
)

// Samples converts one status round into samples stamped with ts.
func Samples(ts time.Time, statuses []node.Status) []model.Sample {
	out := make([]model.Sample, 0, len(statuses))
	for _, st := range statuses {
		s := model.Sample{
			Timestamp: ts,
			NodeID:    st.ID,
			Address:   st.Address,
			Floodfill: st.Floodfill,
			Ready:     st.Ready && st.Info != nil,
			NetStatus: st.Label(),
		}
		if s.Ready {
			ri := st.Info
			s.SuccessRate = i2pcontrol.Float(ri.SuccessRate)
			s.KnownPeers = i2pcontrol.Float(ri.KnownPeers)
			s.ActivePeers = i2pcontrol.Float(ri.ActivePeers)
			s.Participating = i2pcontrol.Float(ri.Participating)
			s.ReceivedBytes = i2pcontrol.Float(ri.ReceivedBytes)
			s.SentBytes = i2pcontrol.Float(ri.SentBytes)
			s.InboundBps = i2pcontrol.Float(ri.InboundBW)
			s.OutboundBps = i2pcontrol.Float(ri.OutboundBW)
		}
		out = append(out, s)
	}
	return out
}
