// Package search implements iterative-deepening minimax exploration of a position against the
// CDB move cache, with concurrent recursion into sibling moves and a width that decays with
// distance from the best score at each node.
package search

import (
	"fmt"
	"time"

	"github.com/herohde/cdbexplore/pkg/board"
	"github.com/herohde/cdbexplore/pkg/cdb"
)

// Config holds the parameters of a single exploration run. Zero values mean "unlimited"
// unless noted.
type Config struct {
	DepthLimit int           // 0 == no limit
	TimeLimit  time.Duration // 0 == no limit
	EvalDecay  int           // centipawns of slack lost per ply of width; 0 == PV-only
	CursedWins bool          // count cursed (50-move-rule) wins/losses as decisive
	TBSearch   bool          // expand past tablebase-scored positions instead of treating them as leaves
	ProveMates bool          // run an exact mate-distance proof once a mate score is found
	Chess960   bool
}

// PV is the principal variation found at a given iterative-deepening depth.
type PV struct {
	Depth int
	Score cdb.Score
	Moves []board.Move
	Nodes uint64
	Time  time.Duration
	Mated bool // true iff Score is a fully proved, exact mate
	Stats Stats
}

func (p PV) String() string {
	return fmt.Sprintf("depth=%v score=%v nodes=%v time=%v pv=%v", p.Depth, p.Score, p.Nodes, p.Time, formatMoves(p.Moves))
}

func formatMoves(moves []board.Move) string {
	out := ""
	for i, m := range moves {
		if i > 0 {
			out += " "
		}
		out += m.String()
	}
	return out
}

// Stats is a cumulative snapshot of exploration-wide counters, combining the position cache's
// own counters with node-level bookkeeping kept by the engine. Field names follow §4.4.5.
type Stats struct {
	Queryall  int64 // nodes visited since the engine was created, cumulative across iterations
	ChessDBQ  int64 // positions actually fetched from CDB: cache misses plus reprobes
	Enqueued  int64 // queue calls for positions CDB didn't know
	Requeued  int64 // queue calls for known but under-populated positions
	Unscored  int64 // known positions returned with no scored moves; moves that later gain a score are not counted
	Reprobed  int64 // PV reprobe calls
	InflightQ float64
	InflightR float64
	CDBTimeMs int64

	Level           int     // current iterative-deepening depth
	MaxLevel        int     // deepest ply reached by any recursion so far this run
	BranchingFactor float64 // queryall^(1/depth)
}
