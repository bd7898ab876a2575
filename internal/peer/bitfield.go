package peer

import (
	"errors"
	"fmt"

	"github.com/bits-and-blooms/bitset"
)

var (
	ErrPieceOutOfRange = errors.New("piece index out of range")
	ErrInvalidBitfield = errors.New("invalid bitfield")
)

// Bitfield records which pieces a peer has. Its size is the torrent's piece
// count and never changes.
type Bitfield struct {
	bits   *bitset.BitSet
	length uint
}

func NewBitfield(pieceCount int) *Bitfield {
	if pieceCount < 0 {
		pieceCount = 0
	}
	return &Bitfield{bits: bitset.New(uint(pieceCount)), length: uint(pieceCount)}
}

func (b *Bitfield) Len() int {
	return int(b.length)
}

func (b *Bitfield) Set(index int, value bool) error {
	if index < 0 || uint(index) >= b.length {
		return fmt.Errorf("%w: %d of %d", ErrPieceOutOfRange, index, b.length)
	}
	b.bits.SetTo(uint(index), value)
	return nil
}

func (b *Bitfield) Get(index int) bool {
	if index < 0 || uint(index) >= b.length {
		return false
	}
	return b.bits.Test(uint(index))
}

func (b *Bitfield) Count() int {
	return int(b.bits.Count())
}

// IsComplete is computed from the current bits on every call.
func (b *Bitfield) IsComplete() bool {
	return b.bits.Count() == b.length
}

// SetFromBytes replaces the bits with a wire bitfield payload: piece 0 is the
// high bit of the first byte and spare trailing bits must be clear.
func (b *Bitfield) SetFromBytes(payload []byte) error {
	want := (int(b.length) + 7) / 8
	if len(payload) != want {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidBitfield, len(payload), want)
	}

	next := bitset.New(b.length)
	for i := 0; i < len(payload)*8; i++ {
		if payload[i/8]&(0x80>>uint(i%8)) == 0 {
			continue
		}
		if uint(i) >= b.length {
			return fmt.Errorf("%w: spare bit %d set", ErrInvalidBitfield, i)
		}
		next.Set(uint(i))
	}
	b.bits = next
	return nil
}

// Bytes encodes the bitfield the way SetFromBytes reads it.
func (b *Bitfield) Bytes() []byte {
	payload := make([]byte, (int(b.length)+7)/8)
	for i, ok := b.bits.NextSet(0); ok && i < b.length; i, ok = b.bits.NextSet(i + 1) {
		payload[i/8] |= 0x80 >> (i % 8)
	}
	return payload
}

// words exposes the backing 64-bit words.
func (b *Bitfield) words() []uint64 {
	return b.bits.Bytes()
}
