package cdb

import (
	"fmt"
	"strconv"
)

// Score is a centipawn evaluation from the side-to-move's perspective, as reported by CDB,
// together with two out-of-band sentinels and two reserved high-magnitude bands.
type Score int32

const (
	// UnknownScore marks a position for which no evaluation is available yet.
	UnknownScore Score = -32000
	// InvalidScore marks an illegal or unreachable move.
	InvalidScore Score = -32001

	// RegularBound is the largest magnitude of a plain centipawn evaluation.
	RegularBound Score = 20000
	// CursedBound is CDB's reserved ceiling: the largest magnitude of a mate score (mate in 0).
	CursedBound Score = 30000
	// MaxPly bounds the mate-distance band; mate scores occupy the top MaxPly of magnitude
	// below CursedBound.
	MaxPly = 1000
	// MateBound is the smallest magnitude counted as a mate score.
	MateBound Score = CursedBound - MaxPly
)

// IsUnknown reports whether the score is the UNKNOWN sentinel.
func (s Score) IsUnknown() bool {
	return s == UnknownScore
}

// IsInvalid reports whether the score is the INVALID sentinel.
func (s Score) IsInvalid() bool {
	return s == InvalidScore
}

func (s Score) abs() Score {
	if s < 0 {
		return -s
	}
	return s
}

// IsMate reports whether the score falls in CDB's mate band.
func (s Score) IsMate() bool {
	if s.IsUnknown() || s.IsInvalid() {
		return false
	}
	a := s.abs()
	return a >= MateBound && a <= CursedBound
}

// MateDistance returns the distance to mate in plies, and true if the score is a mate score.
// The sign of the distance matches the sign of the score: positive means the side to move
// delivers mate, negative means it is mated.
func (s Score) MateDistance() (int, bool) {
	if !s.IsMate() {
		return 0, false
	}
	d := int(CursedBound - s.abs())
	if s < 0 {
		d = -d
	}
	return d, true
}

// IsCursed reports whether the score falls in CDB's cursed win/loss band: a technically
// decisive position that draws under the 50-move rule.
func (s Score) IsCursed() bool {
	if s.IsUnknown() || s.IsInvalid() {
		return false
	}
	a := s.abs()
	return a > RegularBound && a < MateBound
}

// Clip maps a cursed score to 0 unless cursedWins is enabled.
func (s Score) Clip(cursedWins bool) Score {
	if s.IsCursed() && !cursedWins {
		return 0
	}
	return s
}

// Negate returns the score from the opponent's perspective, preserving the sentinels.
func (s Score) Negate() Score {
	if s.IsUnknown() || s.IsInvalid() {
		return s
	}
	return -s
}

// Back propagates a child node's score one ply up the search tree: it negates the score into
// the parent's perspective and, for mate scores, widens the mate distance by one ply.
func (s Score) Back() Score {
	n := s.Negate()
	if !n.IsMate() {
		return n
	}
	a := n.abs() - 1
	if a < MateBound {
		a = MateBound
	}
	if n < 0 {
		return -a
	}
	return a
}

// MatePlyCountToMoves converts a signed mate distance in plies to the signed move count CDB
// and engines conventionally report: magnitude rounded up, sign preserved.
func MatePlyCountToMoves(plies int) int {
	abs := plies
	if abs < 0 {
		abs = -abs
	}
	m := (abs + 1) / 2
	if plies < 0 {
		return -m
	}
	return m
}

func (s Score) String() string {
	switch {
	case s.IsUnknown():
		return "unknown"
	case s.IsInvalid():
		return "invalid"
	case s.IsMate():
		plies, _ := s.MateDistance()
		k := MatePlyCountToMoves(plies)
		return fmt.Sprintf("#%+d", k)
	default:
		return strconv.Itoa(int(s))
	}
}
