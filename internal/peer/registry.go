package peer

import (
	"errors"
	"sync"

	"github.com/WendelHime/gotorrent-core/internal/shared/models"
	"github.com/WendelHime/gotorrent-core/internal/wire"
)

var ErrUnknownConn = errors.New("unknown connection")

// Registry owns the state of every open peer connection.
type Registry struct {
	pieceCount int
	next       ConnID
	states     map[ConnID]*State
	mutex      sync.Mutex
}

func NewRegistry(pieceCount int) *Registry {
	return &Registry{pieceCount: pieceCount, states: make(map[ConnID]*State)}
}

func (r *Registry) Add(addr models.Addr, peerID string) ConnID {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.next++
	state := NewState(r.next, addr, r.pieceCount)
	state.PeerID = peerID
	r.states[r.next] = state
	return r.next
}

func (r *Registry) Remove(id ConnID) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	delete(r.states, id)
}

func (r *Registry) Len() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return len(r.states)
}

// View runs fn with the state of id while holding the registry lock.
func (r *Registry) View(id ConnID, fn func(*State)) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	state, ok := r.states[id]
	if !ok {
		return ErrUnknownConn
	}
	fn(state)
	return nil
}

// Handle applies msg to the state of connection id.
func (r *Registry) Handle(id ConnID, msg wire.Message) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	state, ok := r.states[id]
	if !ok {
		return ErrUnknownConn
	}
	return Handle(state, msg)
}

// Seeds returns the connections currently classified as seeds.
func (r *Registry) Seeds() []ConnID {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	seeds := make([]ConnID, 0)
	for id, state := range r.states {
		if state.Type == Seed {
			seeds = append(seeds, id)
		}
	}
	return seeds
}
