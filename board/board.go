// Package board is a thin adapter over github.com/notnil/chess exposing the
// operations the search core needs: legal moves, make-move, a stable 64-bit
// position hash, terminal detection, side to move, castling and en-passant
// state, and piece bitboards for the plane encoder.
package board

import (
	"encoding/binary"
	"strconv"
	"strings"

	"github.com/notnil/chess"
	"github.com/pkg/errors"
)

// Result classifies a position for the side to move.
type Result int

const (
	Ongoing Result = iota
	Draw
	Loss
)

func (r Result) String() string {
	switch r {
	case Ongoing:
		return "Ongoing"
	case Draw:
		return "Draw"
	case Loss:
		return "Loss"
	}
	return "UNKNOWN RESULT"
}

// StartFEN is the standard initial position.
const StartFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

// Position is a cheap-to-copy wrapper around an immutable chess position.
type Position struct {
	pos *chess.Position
}

// FromFEN parses a FEN string into a Position.
func FromFEN(fen string) (Position, error) {
	opt, err := chess.FEN(fen)
	if err != nil {
		return Position{}, errors.Wrapf(err, "parse fen %q", fen)
	}
	g := chess.NewGame(opt)
	return Position{pos: g.Position()}, nil
}

// Start returns the initial position.
func Start() Position {
	g := chess.NewGame()
	return Position{pos: g.Position()}
}

// LegalMoves enumerates the legal moves in a stable order.
func (p Position) LegalMoves() []*chess.Move {
	return p.pos.ValidMoves()
}

// Make applies m and returns the resulting position. m must be legal; the
// underlying library silently mis-applies illegal moves, so callers uphold
// the invariant.
func (p Position) Make(m *chess.Move) Position {
	return Position{pos: p.pos.Update(m)}
}

// Hash returns a stable 64-bit key for the position, usable as a
// transposition-table key. It folds the library's 16-byte position hash.
func (p Position) Hash() uint64 {
	h := p.pos.Hash()
	return binary.LittleEndian.Uint64(h[:8]) ^ binary.LittleEndian.Uint64(h[8:])
}

// Turn returns the side to move.
func (p Position) Turn() chess.Color {
	return p.pos.Turn()
}

// HalfMoveClock returns the number of half-moves since the last capture or
// pawn advance. The library does not export the counter, so it is read back
// from the FEN rendering.
func (p Position) HalfMoveClock() int {
	fields := strings.Fields(p.pos.String())
	if len(fields) < 5 {
		return 0
	}
	n, err := strconv.Atoi(fields[4])
	if err != nil {
		return 0
	}
	return n
}

// Terminal classifies the position: Loss if the side to move is checkmated,
// Draw on stalemate, the 100-halfmove rule or insufficient material,
// Ongoing otherwise. Repetition draws need game history and are detected by
// the search from its ancestor chain.
func (p Position) Terminal() Result {
	switch p.pos.Status() {
	case chess.Checkmate:
		return Loss
	case chess.Stalemate:
		return Draw
	}
	if p.HalfMoveClock() >= 100 {
		return Draw
	}
	if p.insufficientMaterial() {
		return Draw
	}
	return Ongoing
}

// insufficientMaterial covers the dead positions that are decidable without
// history: K vs K, K+minor vs K, and same-colored single bishops.
func (p Position) insufficientMaterial() bool {
	var knights, bishops, other int
	bishopSquares := make([]chess.Square, 0, 2)
	for sq, piece := range p.pos.Board().SquareMap() {
		switch piece.Type() {
		case chess.King:
		case chess.Knight:
			knights++
		case chess.Bishop:
			bishops++
			bishopSquares = append(bishopSquares, sq)
		default:
			other++
		}
	}
	if other > 0 {
		return false
	}
	if knights+bishops <= 1 {
		return true
	}
	if knights == 0 && bishops == 2 {
		c0 := (int(bishopSquares[0])/8 + int(bishopSquares[0])%8) % 2
		c1 := (int(bishopSquares[1])/8 + int(bishopSquares[1])%8) % 2
		return c0 == c1
	}
	return false
}

// CanCastle reports whether color retains the castling right on side.
func (p Position) CanCastle(c chess.Color, side chess.Side) bool {
	return p.pos.CastleRights().CanCastle(c, side)
}

// EnPassantFile returns the file (0..7) of the en-passant target square.
func (p Position) EnPassantFile() (int, bool) {
	sq := p.pos.EnPassantSquare()
	if sq == chess.NoSquare {
		return 0, false
	}
	return int(sq) % 8, true
}

// PieceBitboard builds the occupancy bitboard (A1 = bit 0, rank-major) for
// the given piece type and color.
func (p Position) PieceBitboard(pt chess.PieceType, c chess.Color) uint64 {
	var bb uint64
	for sq, piece := range p.pos.Board().SquareMap() {
		if piece.Type() == pt && piece.Color() == c {
			bb |= 1 << uint(sq)
		}
	}
	return bb
}

// IsCapture reports whether m captures a piece (including en passant).
// m must come from LegalMoves of this position so its tags are populated.
func (p Position) IsCapture(m *chess.Move) bool {
	return m.HasTag(chess.Capture) || m.HasTag(chess.EnPassant)
}

// IsPawnMove reports whether m moves a pawn.
func (p Position) IsPawnMove(m *chess.Move) bool {
	return p.pos.Board().Piece(m.S1()).Type() == chess.Pawn
}

// PieceAt returns the piece on sq.
func (p Position) PieceAt(sq chess.Square) chess.Piece {
	return p.pos.Board().Piece(sq)
}

// SAN renders m in standard algebraic notation relative to this position.
func (p Position) SAN(m *chess.Move) string {
	return chess.AlgebraicNotation{}.Encode(p.pos, m)
}

// ParseSAN decodes standard algebraic notation relative to this position.
func (p Position) ParseSAN(s string) (*chess.Move, error) {
	m, err := chess.AlgebraicNotation{}.Decode(p.pos, s)
	if err != nil {
		return nil, errors.Wrapf(err, "parse san %q", s)
	}
	return m, nil
}

// ParseUCI decodes a UCI move string relative to this position.
func (p Position) ParseUCI(s string) (*chess.Move, error) {
	m, err := chess.UCINotation{}.Decode(p.pos, s)
	if err != nil {
		return nil, errors.Wrapf(err, "parse uci %q", s)
	}
	return m, nil
}

// FEN renders the position.
func (p Position) FEN() string {
	return p.pos.String()
}

// String draws the board, for logs and the CLI.
func (p Position) String() string {
	return p.pos.Board().Draw()
}
