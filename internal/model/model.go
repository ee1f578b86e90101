package model

import "time"

// Sample is one node's status at one poll of the fleet.
type Sample struct {
	Timestamp     time.Time
	NodeID        string
	Address       string
	Floodfill     bool
	Ready         bool
	NetStatus     string
	SuccessRate   float64
	KnownPeers    float64
	ActivePeers   float64
	Participating float64
	ReceivedBytes float64
	SentBytes     float64
	InboundBps    float64
	OutboundBps   float64
}
