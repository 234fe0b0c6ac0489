// Package policy maps chess moves onto the flat 8x8x73 policy tensor the
// network emits, and back. Planes 0-55 are queen rays (8 directions x 7
// step distances), 56-63 knight hops, 64-72 under-promotions to bishop,
// rook and queen in the three forward directions. Knight promotions fall
// through to the matching sliding plane.
package policy

import (
	"github.com/chewxy/math32"
	"github.com/notnil/chess"

	"github.com/castlemind/board"
)

const (
	BoardSize = 8
	Planes    = 73
	// Size is the flat policy vector length: 8*8*73.
	Size = BoardSize * BoardSize * Planes
)

type delta struct{ file, rank int }

var queenMoves = [8]delta{
	{0, 1}, {1, 1}, {1, 0}, {1, -1},
	{0, -1}, {-1, -1}, {-1, 0}, {-1, 1},
}

var knightMoves = [8]delta{
	{1, 2}, {2, 1}, {2, -1}, {1, -2},
	{-1, -2}, {-2, -1}, {-2, 1}, {-1, 2},
}

// Promotion codes folded into the table entries. Knight promotions and
// plain moves share code 1.
var promotions = [3]int{2, 3, 4} // bishop, rook, queen

// promotionDirs indexes queenMoves: straight, capture-right, capture-left.
var promotionDirs = [3]int{0, 1, 7}

// moveTable[(rank*8+file)*73 + plane] holds (8*toRank+toFile)*promoCode for
// a reachable destination, -1 otherwise.
var moveTable [Size]int

func init() {
	for rank := 0; rank < 8; rank++ {
		for file := 0; file < 8; file++ {
			base := (rank*BoardSize + file) * Planes
			plane := 0
			for _, d := range queenMoves {
				for step := 1; step < 8; step++ {
					r, f := rank+step*d.rank, file+step*d.file
					if r >= 0 && r < 8 && f >= 0 && f < 8 {
						moveTable[base+plane] = 8*r + f
					} else {
						moveTable[base+plane] = -1
					}
					plane++
				}
			}
			for _, d := range knightMoves {
				r, f := rank+d.rank, file+d.file
				if r >= 0 && r < 8 && f >= 0 && f < 8 {
					moveTable[base+plane] = 8*r + f
				} else {
					moveTable[base+plane] = -1
				}
				plane++
			}
			for _, promo := range promotions {
				for _, di := range promotionDirs {
					d := queenMoves[di]
					r, f := rank+d.rank, file+d.file
					if r == 7 && f >= 0 && f < 8 {
						moveTable[base+plane] = (8*r + f) * promo
					} else {
						moveTable[base+plane] = -1
					}
					plane++
				}
			}
		}
	}
}

func promotionCode(pt chess.PieceType) int {
	switch pt {
	case chess.Bishop:
		return 2
	case chess.Rook:
		return 3
	case chess.Queen:
		return 4
	}
	return 1
}

// moveIndex finds the flat policy index of m for the given mover color, or
// -1 when the move does not map (never the case for legal chess moves).
// Ranks are reflected for Black so the tensor is always from the mover's
// perspective.
func moveIndex(m *chess.Move, c chess.Color) int {
	fromRank := int(m.S1()) / 8
	fromFile := int(m.S1()) % 8
	toRank := int(m.S2()) / 8
	toFile := int(m.S2()) % 8
	if c == chess.Black {
		fromRank = 7 - fromRank
		toRank = 7 - toRank
	}
	want := (8*toRank + toFile) * promotionCode(m.Promo())
	base := (fromRank*BoardSize + fromFile) * Planes
	for plane := 0; plane < Planes; plane++ {
		if moveTable[base+plane] == want {
			return base + plane
		}
	}
	return -1
}

// MoveIndex exposes the flat policy index of a move, for diagnostics and
// training-data export.
func MoveIndex(m *chess.Move, c chess.Color) int {
	return moveIndex(m, c)
}

// MoveMapToPolicy spreads a move->value map (keyed by UCI) onto a dense
// policy vector; unmapped entries stay zero.
func MoveMapToPolicy(moveMap map[string]float32, pos board.Position) []float32 {
	out := make([]float32, Size)
	c := pos.Turn()
	for _, m := range pos.LegalMoves() {
		v, ok := moveMap[m.String()]
		if !ok {
			continue
		}
		if idx := moveIndex(m, c); idx >= 0 {
			out[idx] = v
		}
	}
	return out
}

// PolicyToMoveMap gathers the raw policy values of every legal move of pos
// and turns them into priors with a numerically stable softmax. Keys are
// UCI move strings.
func PolicyToMoveMap(policy []float32, pos board.Position) map[string]float32 {
	c := pos.Turn()
	raw := make(map[string]float32)
	maxVal := math32.Inf(-1)
	for _, m := range pos.LegalMoves() {
		idx := moveIndex(m, c)
		if idx < 0 {
			continue
		}
		v := policy[idx]
		if v > maxVal {
			maxVal = v
		}
		raw[m.String()] = v
	}
	return softmax(raw, maxVal)
}

func softmax(raw map[string]float32, maxVal float32) map[string]float32 {
	var total float32
	for _, v := range raw {
		total += math32.Exp(v - maxVal)
	}
	out := make(map[string]float32, len(raw))
	for k, v := range raw {
		out[k] = math32.Exp(v-maxVal) / total
	}
	return out
}
