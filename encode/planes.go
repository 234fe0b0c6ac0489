// Package encode turns positions and their recent history into the stacked
// 8x8 bit-planes the evaluator consumes.
package encode

import (
	"math/bits"

	"github.com/notnil/chess"

	"github.com/castlemind/board"
)

// Plane counts per history slice and for the trailing extras.
const (
	PiecePlanes = 14 // 12 occupancy + 2 repetition masks
	ExtraPlanes = 6  // side to move, 4 castling rights, en-passant file
)

var pieceOrder = [6]chess.PieceType{
	chess.Pawn, chess.Knight, chess.Bishop, chess.Rook, chess.Queen, chess.King,
}

func opponent(c chess.Color) chess.Color {
	if c == chess.White {
		return chess.Black
	}
	return chess.White
}

// mirror flips a bitboard vertically so the network always sees the board
// from the side-to-move's perspective.
func mirror(bb uint64) uint64 {
	return bits.ReverseBytes64(bb)
}

func fileMask(file int) uint64 {
	return 0x0101010101010101 << uint(file)
}

// Planes renders one history slice: own pieces P,N,B,R,Q,K, then the
// opponent's in the same order, then the two repetition masks (all-ones when
// the slice position is a 1-fold / 2-fold repetition). Every bitboard is
// rank-mirrored when the slice's side to move is Black.
func Planes(pos board.Position, rep1, rep2 bool) [PiecePlanes]uint64 {
	var out [PiecePlanes]uint64
	us := pos.Turn()
	flip := us == chess.Black

	idx := 0
	for _, side := range [2]chess.Color{us, opponent(us)} {
		for _, pt := range pieceOrder {
			bb := pos.PieceBitboard(pt, side)
			if flip {
				bb = mirror(bb)
			}
			out[idx] = bb
			idx++
		}
	}
	if rep1 {
		out[12] = ^uint64(0)
	}
	if rep2 {
		out[13] = ^uint64(0)
	}
	return out
}

// Extras renders the trailing planes: side-to-move indicator (all-ones when
// Black is to move), castling rights own-K, own-Q, opp-K, opp-Q, and the
// en-passant file mask.
func Extras(pos board.Position) [ExtraPlanes]uint64 {
	var out [ExtraPlanes]uint64
	us := pos.Turn()
	them := opponent(us)

	if us == chess.Black {
		out[0] = ^uint64(0)
	}
	if pos.CanCastle(us, chess.KingSide) {
		out[1] = ^uint64(0)
	}
	if pos.CanCastle(us, chess.QueenSide) {
		out[2] = ^uint64(0)
	}
	if pos.CanCastle(them, chess.KingSide) {
		out[3] = ^uint64(0)
	}
	if pos.CanCastle(them, chess.QueenSide) {
		out[4] = ^uint64(0)
	}
	if file, ok := pos.EnPassantFile(); ok {
		out[5] = fileMask(file)
	}
	return out
}
