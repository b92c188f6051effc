package game

import (
	"strings"

	"github.com/freeeve/retrograde/internal/record"
)

const (
	tttCells = 9
	tttCodes = 19683 // 3^9
)

var tttLines = [8][3]int{
	{0, 1, 2}, {3, 4, 5}, {6, 7, 8},
	{0, 3, 6}, {1, 4, 7}, {2, 5, 8},
	{0, 4, 8}, {2, 4, 6},
}

var tttPow [tttCells]uint16

func init() {
	p := uint16(1)
	for i := range tttPow {
		tttPow[i] = p
		p *= 3
	}
}

// TicTacToe is tiered by the number of pieces on the board. Positions are
// indexed through a table of every board with a legal piece count, ordered
// by tier then by base-3 board code. Cells hold 0 (empty), 1 (X), 2 (O);
// X moves first.
type TicTacToe struct {
	boards  []uint16
	indexOf []int32
	offsets [tttCells + 2]uint64
}

// NewTicTacToe builds the position table.
func NewTicTacToe() *TicTacToe {
	g := &TicTacToe{indexOf: make([]int32, tttCodes)}
	for i := range g.indexOf {
		g.indexOf[i] = -1
	}
	for k := 0; k <= tttCells; k++ {
		g.offsets[k] = uint64(len(g.boards))
		wantX, wantO := (k+1)/2, k/2
		for code := 0; code < tttCodes; code++ {
			b := tttDecode(uint16(code))
			x, o := b.count(1), b.count(2)
			if x == wantX && o == wantO {
				g.indexOf[code] = int32(len(g.boards))
				g.boards = append(g.boards, uint16(code))
			}
		}
	}
	g.offsets[tttCells+1] = uint64(len(g.boards))
	return g
}

type tttBoard [tttCells]uint8

func tttDecode(code uint16) tttBoard {
	var b tttBoard
	for i := range b {
		b[i] = uint8(code % 3)
		code /= 3
	}
	return b
}

func (b tttBoard) count(piece uint8) int {
	n := 0
	for _, c := range b {
		if c == piece {
			n++
		}
	}
	return n
}

func (b tttBoard) hasLine(piece uint8) bool {
	for _, l := range tttLines {
		if b[l[0]] == piece && b[l[1]] == piece && b[l[2]] == piece {
			return true
		}
	}
	return false
}

func (g *TicTacToe) Name() string             { return "tictactoe" }
func (g *TicTacToe) NumHashes() uint64        { return uint64(len(g.boards)) }
func (g *TicTacToe) RemotenessStates() uint64 { return tttCells + 1 }
func (g *TicTacToe) NumberOfTiers() int       { return tttCells + 1 }
func (g *TicTacToe) TierOffset(tier int) uint64 {
	return g.offsets[tier]
}
func (g *TicTacToe) TierLastIndex(tier int) uint64 {
	return g.offsets[tier+1] - 1
}

// Index returns the index of a board given as nine characters of 'X', 'O'
// and anything else for empty, and false if the piece counts are illegal.
func (g *TicTacToe) Index(board string) (uint64, bool) {
	if len(board) != tttCells {
		return 0, false
	}
	var code uint16
	for i := 0; i < tttCells; i++ {
		switch board[i] {
		case 'X', 'x':
			code += tttPow[i]
		case 'O', 'o':
			code += 2 * tttPow[i]
		}
	}
	idx := g.indexOf[code]
	return uint64(idx), idx >= 0
}

func (g *TicTacToe) mover(b tttBoard) (mover, last uint8) {
	if b.count(1) == b.count(2) {
		return 1, 2
	}
	return 2, 1
}

func (g *TicTacToe) Primitive(index uint64) (record.Record, bool) {
	b := tttDecode(g.boards[index])
	mover, last := g.mover(b)
	switch {
	case b.hasLine(last):
		return record.Record{Value: record.Lose}, true
	case b.hasLine(mover):
		return record.Record{Value: record.Win}, true
	case b.count(0) == 0:
		return record.Record{Value: record.Tie}, true
	}
	return record.Record{}, false
}

func (g *TicTacToe) Children(index uint64, dst []uint64) []uint64 {
	code := g.boards[index]
	b := tttDecode(code)
	mover, _ := g.mover(b)
	for i, c := range b {
		if c != 0 {
			continue
		}
		child := code + uint16(mover)*tttPow[i]
		dst = append(dst, uint64(g.indexOf[child]))
	}
	return dst
}

func (g *TicTacToe) Describe(index uint64) string {
	b := tttDecode(g.boards[index])
	var sb strings.Builder
	for i, c := range b {
		if i > 0 && i%3 == 0 {
			sb.WriteByte('/')
		}
		sb.WriteByte(".XO"[c])
	}
	return sb.String()
}
