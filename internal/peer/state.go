// Package peer holds per-connection peer state and applies inbound wire
// messages to it.
package peer

import (
	"fmt"
	"time"

	"github.com/WendelHime/gotorrent-core/internal/shared/models"
	"github.com/WendelHime/gotorrent-core/internal/wire"
)

type PeerType uint8

const (
	Leech PeerType = iota
	Seed
)

func (t PeerType) String() string {
	if t == Seed {
		return "seed"
	}
	return "leech"
}

const wordSize = 64

// Classify reports Seed when every one of the bitfield's bits is set. Full
// words are compared against all ones; the last partial word is checked bit by
// bit up to the real length since its unused high bits are always clear.
func Classify(b *Bitfield) PeerType {
	words := b.words()
	fullWords := b.Len() / wordSize

	for i := 0; i < fullWords; i++ {
		if words[i] != ^uint64(0) {
			return Leech
		}
	}

	for i := fullWords * wordSize; i < b.Len(); i++ {
		if !b.Get(i) {
			return Leech
		}
	}

	return Seed
}

type ConnID uint64

// State is owned by a single peer connection.
type State struct {
	ID       ConnID
	Addr     models.Addr
	PeerID   string
	Bitfield *Bitfield
	Type     PeerType

	// PeerChoking is true while the remote side refuses our requests.
	PeerChoking    bool
	PeerInterested bool

	// Requests holds blocks the remote side asked us for and has not cancelled.
	Requests   map[wire.Request]struct{}
	DHTPort    uint16
	LastActive time.Time
}

func NewState(id ConnID, addr models.Addr, pieceCount int) *State {
	return &State{
		ID:          id,
		Addr:        addr,
		Bitfield:    NewBitfield(pieceCount),
		Type:        Leech,
		PeerChoking: true,
		Requests:    make(map[wire.Request]struct{}),
	}
}

// Handle applies msg to s.
func Handle(s *State, msg wire.Message) error {
	s.LastActive = time.Now()

	switch m := msg.(type) {
	case *wire.KeepAlive:
	case *wire.Choke:
		s.PeerChoking = true
	case *wire.Unchoke:
		s.PeerChoking = false
	case *wire.Interested:
		s.PeerInterested = true
	case *wire.NotInterested:
		s.PeerInterested = false
	case *wire.Have:
		if err := s.Bitfield.Set(int(m.PieceIndex), true); err != nil {
			return err
		}
		s.Type = Classify(s.Bitfield)
	case *wire.Bitfield:
		if err := s.Bitfield.SetFromBytes(m.Bits); err != nil {
			return err
		}
		s.Type = Classify(s.Bitfield)
	case *wire.Request:
		s.Requests[*m] = struct{}{}
	case *wire.Cancel:
		delete(s.Requests, wire.Request{Index: m.Index, Begin: m.Begin, Length: m.Length})
	case *wire.Piece:
	case *wire.Port:
		s.DHTPort = m.Port
	default:
		return fmt.Errorf("unhandled message %T", msg)
	}

	return nil
}
