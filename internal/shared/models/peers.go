package models

// Peer is a swarm member as reported by a tracker.
type Peer struct {
	Addr   Addr
	PeerID string
}
