// Package report formats a completed iterative-deepening pass into the stable snapshot text
// layout consumed by downstream log readers (§6): one two-space-indented, colon-separated
// field per line, followed by a CDB inspection URL built from the root position and the PV.
package report

import (
	"fmt"
	"strings"

	"github.com/herohde/cdbexplore/pkg/board"
	"github.com/herohde/cdbexplore/pkg/cdb"
	"github.com/herohde/cdbexplore/pkg/search"
)

// Snapshot is a single reported iteration: the root position it was run against, plus the PV
// search produced for it.
type Snapshot struct {
	Epd string // root position fingerprint
	PV  search.PV
}

// New builds a Snapshot for the root position epd from a completed PV.
func New(epd string, pv search.PV) Snapshot {
	return Snapshot{Epd: epd, PV: pv}
}

// URL returns the CDB browser link for inspecting this snapshot's line: the root EPD with
// spaces replaced by underscores, followed by the PV's moves.
func (s Snapshot) URL() string {
	return BuildURL(s.Epd, s.PV.Moves)
}

// BuildURL constructs the queryc_en inspection link for a root position and a line of moves.
func BuildURL(epd string, moves []board.Move) string {
	u := fmt.Sprintf("%v?%v", cdb.WebBaseURL, strings.ReplaceAll(epd, " ", "_"))
	if len(moves) == 0 {
		return u
	}

	parts := make([]string, len(moves))
	for i, m := range moves {
		parts[i] = m.String()
	}
	return u + "_moves_" + strings.Join(parts, "_")
}

// scoreText renders the PV's score, including mate rendering: CHECKMATE (#k) when proven,
// lower-case checkmate (#k) when only claimed, per §8 testable property 6.
func (s Snapshot) scoreText() string {
	score := s.PV.Score
	if !score.IsMate() {
		return score.String()
	}

	d, _ := score.MateDistance()
	k := cdb.MatePlyCountToMoves(d)
	label := "checkmate"
	if s.PV.Mated {
		label = "CHECKMATE"
	}
	return fmt.Sprintf("%v (#%+d)", label, k)
}

func (s Snapshot) pvText() string {
	parts := make([]string, len(s.PV.Moves))
	for i, m := range s.PV.Moves {
		parts[i] = m.String()
	}
	return strings.Join(parts, " ")
}

// String renders the stable, line-oriented snapshot layout: each field two-space indented,
// labels right-aligned to a width of 10, separated from the value by ": ".
func (s Snapshot) String() string {
	st := s.PV.Stats

	var b strings.Builder
	field := func(label string, value any) {
		fmt.Fprintf(&b, "  %10s: %v\n", label, value)
	}

	field("position", s.Epd)
	field("depth", st.Level)
	field("score", s.scoreText())
	field("pv", s.pvText())
	field("queryall", st.Queryall)
	field("chessdbq", st.ChessDBQ)
	field("enqueued", st.Enqueued)
	field("requeued", st.Requeued)
	field("unscored", st.Unscored)
	field("reprobed", st.Reprobed)
	field("inflightQ", fmt.Sprintf("%.2f", st.InflightQ))
	field("inflightR", fmt.Sprintf("%.2f", st.InflightR))
	field("cdb_time_ms", st.CDBTimeMs)
	field("level", st.Level)
	field("max_level", st.MaxLevel)
	field("bf", fmt.Sprintf("%.2f", st.BranchingFactor))
	field("time", s.PV.Time)
	field("url", s.URL())

	return b.String()
}
