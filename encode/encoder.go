package encode

import (
	"math/bits"

	"gorgonia.org/tensor"

	"github.com/castlemind/board"
)

// EncodedState is the network input for one node: H newest-first history
// slices of 14 planes each, then the 6 extra planes.
type EncodedState struct {
	planes  []uint64
	history int
}

// TotalPlanes returns the channel count for a history window.
func TotalPlanes(history int) int {
	return PiecePlanes*history + ExtraPlanes
}

// NewEncodedState encodes the newest position of line together with its
// lookback window. line is the root-to-node chain of positions (the node's
// own position last); traversed holds the root positions of moves already
// played, oldest first, and supplies slices from before the search tree.
// Slices from before the first traversed position are zero-filled.
func NewEncodedState(line, traversed []board.Position, history int) *EncodedState {
	if history < 1 {
		history = 1
	}
	e := &EncodedState{
		planes:  make([]uint64, TotalPlanes(history)),
		history: history,
	}

	current := line[len(line)-1]
	rep1, rep2 := lineRepetition(line, traversed, len(line)-1)
	e.setSlice(0, Planes(current, rep1, rep2))

	for lookBack := 1; lookBack < history; lookBack++ {
		li := len(line) - 1 - lookBack
		if li >= 0 {
			rep1, rep2 := lineRepetition(line, traversed, li)
			e.setSlice(lookBack, Planes(line[li], rep1, rep2))
			continue
		}
		ti := len(traversed) + li
		if ti >= 0 {
			rep1, rep2 := traversedRepetition(traversed, ti)
			e.setSlice(lookBack, Planes(traversed[ti], rep1, rep2))
		}
		// else: before the game start, slice stays zero
	}

	extras := Extras(current)
	base := PiecePlanes * history
	copy(e.planes[base:], extras[:])
	return e
}

func (e *EncodedState) setSlice(slice int, p [PiecePlanes]uint64) {
	copy(e.planes[slice*PiecePlanes:], p[:])
}

// lineRepetition counts occurrences of line[idx]'s position among the
// strictly earlier positions of the game (traversed history plus the line
// prefix).
func lineRepetition(line, traversed []board.Position, idx int) (bool, bool) {
	h := line[idx].Hash()
	count := 0
	for _, p := range traversed {
		if p.Hash() == h {
			count++
		}
	}
	for i := 0; i < idx; i++ {
		if line[i].Hash() == h {
			count++
		}
	}
	return count >= 1, count >= 2
}

func traversedRepetition(traversed []board.Position, idx int) (bool, bool) {
	h := traversed[idx].Hash()
	count := 0
	for i := 0; i < idx; i++ {
		if traversed[i].Hash() == h {
			count++
		}
	}
	return count >= 1, count >= 2
}

// Planes exposes the raw bitboards, newest slice first.
func (e *EncodedState) Planes() []uint64 {
	return e.planes
}

// Tensor renders the encoding as a (14*H+6, 8, 8) float32 tensor of zeros
// and ones. Bit i of a plane maps to row i/8, column i%8.
func (e *EncodedState) Tensor() *tensor.Dense {
	channels := len(e.planes)
	backing := make([]float32, channels*64)
	for c, bb := range e.planes {
		for bb != 0 {
			backing[c*64+bits.TrailingZeros64(bb)] = 1
			bb &= bb - 1
		}
	}
	return tensor.New(tensor.WithShape(channels, 8, 8), tensor.WithBacking(backing))
}
