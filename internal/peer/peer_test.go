package peer

import (
	"net"
	"testing"

	"github.com/WendelHime/gotorrent-core/internal/shared/models"
	"github.com/WendelHime/gotorrent-core/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fill(t *testing.T, b *Bitfield) {
	for i := 0; i < b.Len(); i++ {
		require.NoError(t, b.Set(i, true))
	}
}

func TestClassify(t *testing.T) {
	sizes := []int{1, 7, 8, 63, 64, 65, 128, 130, 200}
	for _, size := range sizes {
		b := NewBitfield(size)
		assert.Equal(t, Leech, Classify(b), "empty bitfield of %d", size)

		fill(t, b)
		assert.Equal(t, Seed, Classify(b), "full bitfield of %d", size)
		assert.True(t, b.IsComplete())

		for i := 0; i < size; i++ {
			require.NoError(t, b.Set(i, false))
			assert.Equal(t, Leech, Classify(b), "bit %d cleared in %d", i, size)
			assert.False(t, b.IsComplete())
			require.NoError(t, b.Set(i, true))
		}
	}
}

func TestBitfieldBounds(t *testing.T) {
	b := NewBitfield(10)
	assert.ErrorIs(t, b.Set(10, true), ErrPieceOutOfRange)
	assert.ErrorIs(t, b.Set(-1, true), ErrPieceOutOfRange)
	assert.False(t, b.Get(10))
	assert.Equal(t, 10, b.Len())
	assert.Equal(t, 0, b.Count())
}

func TestBitfieldBytes(t *testing.T) {
	var tests = []struct {
		name    string
		size    int
		payload []byte
		assert  func(t *testing.T, b *Bitfield, err error)
	}{
		{
			name:    "high bit is piece zero",
			size:    10,
			payload: []byte{0x80, 0x40},
			assert: func(t *testing.T, b *Bitfield, err error) {
				require.NoError(t, err)
				assert.True(t, b.Get(0))
				assert.True(t, b.Get(9))
				assert.Equal(t, 2, b.Count())
				assert.Equal(t, []byte{0x80, 0x40}, b.Bytes())
			},
		},
		{
			name:    "spare bits set",
			size:    10,
			payload: []byte{0x00, 0x01},
			assert: func(t *testing.T, b *Bitfield, err error) {
				assert.ErrorIs(t, err, ErrInvalidBitfield)
			},
		},
		{
			name:    "wrong size",
			size:    10,
			payload: []byte{0xff},
			assert: func(t *testing.T, b *Bitfield, err error) {
				assert.ErrorIs(t, err, ErrInvalidBitfield)
			},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			b := NewBitfield(tt.size)
			err := b.SetFromBytes(tt.payload)
			tt.assert(t, b, err)
		})
	}
}

func TestHandle(t *testing.T) {
	addr := models.Addr{IP: net.IPv4(10, 0, 0, 1), Port: 6881}

	var tests = []struct {
		name     string
		messages []wire.Message
		assert   func(t *testing.T, s *State, err error)
	}{
		{
			name:     "have marks piece and stays leech",
			messages: []wire.Message{&wire.Have{PieceIndex: 2}},
			assert: func(t *testing.T, s *State, err error) {
				require.NoError(t, err)
				assert.True(t, s.Bitfield.Get(2))
				assert.Equal(t, Leech, s.Type)
			},
		},
		{
			name: "last have turns peer into seed",
			messages: []wire.Message{
				&wire.Bitfield{Bits: []byte{0xf7}},
				&wire.Have{PieceIndex: 4},
			},
			assert: func(t *testing.T, s *State, err error) {
				require.NoError(t, err)
				assert.Equal(t, Seed, s.Type)
			},
		},
		{
			name:     "full bitfield is a seed",
			messages: []wire.Message{&wire.Bitfield{Bits: []byte{0xff}}},
			assert: func(t *testing.T, s *State, err error) {
				require.NoError(t, err)
				assert.Equal(t, Seed, s.Type)
			},
		},
		{
			name:     "have out of range",
			messages: []wire.Message{&wire.Have{PieceIndex: 8}},
			assert: func(t *testing.T, s *State, err error) {
				assert.ErrorIs(t, err, ErrPieceOutOfRange)
			},
		},
		{
			name:     "choke state",
			messages: []wire.Message{&wire.Unchoke{}, &wire.Interested{}},
			assert: func(t *testing.T, s *State, err error) {
				require.NoError(t, err)
				assert.False(t, s.PeerChoking)
				assert.True(t, s.PeerInterested)
			},
		},
		{
			name: "cancel removes request",
			messages: []wire.Message{
				&wire.Request{Index: 1, Begin: 0, Length: 16},
				&wire.Request{Index: 1, Begin: 16, Length: 16},
				&wire.Cancel{Index: 1, Begin: 0, Length: 16},
			},
			assert: func(t *testing.T, s *State, err error) {
				require.NoError(t, err)
				assert.Len(t, s.Requests, 1)
				assert.Contains(t, s.Requests, wire.Request{Index: 1, Begin: 16, Length: 16})
			},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			s := NewState(1, addr, 8)
			var err error
			for _, msg := range tt.messages {
				if err = Handle(s, msg); err != nil {
					break
				}
			}
			tt.assert(t, s, err)
		})
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(3)
	first := r.Add(models.Addr{IP: net.IPv4(10, 0, 0, 1), Port: 1}, "a")
	second := r.Add(models.Addr{IP: net.IPv4(10, 0, 0, 2), Port: 2}, "b")
	assert.NotEqual(t, first, second)
	assert.Equal(t, 2, r.Len())

	for i := int32(0); i < 3; i++ {
		require.NoError(t, r.Handle(second, &wire.Have{PieceIndex: i}))
	}
	assert.Equal(t, []ConnID{second}, r.Seeds())

	require.NoError(t, r.View(first, func(s *State) {
		assert.Equal(t, "a", s.PeerID)
		assert.Equal(t, Leech, s.Type)
	}))

	r.Remove(second)
	assert.ErrorIs(t, r.Handle(second, &wire.Choke{}), ErrUnknownConn)
	assert.Empty(t, r.Seeds())
}
