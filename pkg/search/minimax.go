package search

import (
	"context"
	"math"
	"sync/atomic"

	"github.com/herohde/cdbexplore/pkg/board"
	"github.com/herohde/cdbexplore/pkg/cache"
	"github.com/herohde/cdbexplore/pkg/cdb"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"
)

// matedScore is the score assigned to a position with no legal moves while in check: mate in
// zero plies, from the perspective of the mated side.
const matedScore = -cdb.CursedBound

// Engine explores a position against a shared cache, backing up CDB's per-position move
// scores into a minimax value at the root via explore's recursive width-decayed search.
type Engine struct {
	Cache  *cache.Cache
	Config Config

	nodes    atomic.Uint64
	maxLevel atomic.Int64
}

// NewEngine returns an Engine that explores positions through c, according to cfg.
func NewEngine(c *cache.Cache, cfg Config) *Engine {
	return &Engine{Cache: c, Config: cfg}
}

// Nodes returns the number of nodes visited by explore since the Engine was created.
func (e *Engine) Nodes() uint64 {
	return e.nodes.Load()
}

// MaxLevel returns the deepest ply reached by any recursive call since the Engine was created.
func (e *Engine) MaxLevel() int {
	return int(e.maxLevel.Load())
}

// Stats returns a combined snapshot of the engine's own node counters, at iterative-deepening
// depth r, together with the cache's and CDB client's counters (§4.4.5).
func (e *Engine) Stats(r int) Stats {
	cs := e.Cache.Stats()
	ls := e.Cache.ClientStats()

	nodes := e.Nodes()
	bf := 1.0
	if r > 0 && nodes > 0 {
		bf = math.Pow(float64(nodes), 1/float64(r))
	}

	return Stats{
		Queryall:  int64(nodes),
		ChessDBQ:  cs.Queryall,
		Enqueued:  cs.Enqueued,
		Requeued:  cs.Requeued,
		Unscored:  cs.Unscored,
		Reprobed:  cs.Reprobed,
		InflightQ: ls.InflightQ,
		InflightR: ls.InflightR,
		CDBTimeMs: ls.CDBTimeMs,

		Level:           r,
		MaxLevel:        e.MaxLevel(),
		BranchingFactor: bf,
	}
}

// Explore runs a single width-r minimax pass rooted at b and returns the backed-up score and
// principal variation, both from b's side-to-move's perspective.
func (e *Engine) Explore(ctx context.Context, b *board.Board, r int) (cdb.Score, []board.Move, error) {
	return e.explore(ctx, b, r, true)
}

func (e *Engine) explore(ctx context.Context, b *board.Board, r int, isPV bool) (cdb.Score, []board.Move, error) {
	e.nodes.Add(1)
	e.bumpMaxLevel(b.PlyCount())

	if ctx.Err() != nil {
		return cdb.UnknownScore, nil, ctx.Err()
	}

	switch b.IsTerminal() {
	case board.TerminalCheckmate:
		return matedScore, nil, nil
	case board.TerminalStalemate, board.TerminalDraw:
		return 0, nil, nil
	}

	legal := b.LegalMoves()

	entry, err := e.Cache.Lookup(ctx, b.Epd(), len(legal), isPV)
	if err != nil {
		return cdb.UnknownScore, nil, err
	}
	if !entry.Known || len(entry.Moves) == 0 {
		return cdb.UnknownScore, nil, nil
	}

	moves := sortedScoredMoves(entry.Moves)
	best := moves[0].Score

	// Leaf evaluation (§4.4.2 step 3): no depth left to recurse, or a TB-hit position left
	// unexpanded unless TBSearch opts back into searching past it. Either way the node's
	// value is simply the cache's top move, taken as-is.
	if r <= 0 || entry.TBHit && !e.Config.TBSearch {
		_, next, ok := applyMove(b, legal, moves[0].Move)
		if !ok {
			return cdb.UnknownScore, nil, nil
		}
		return best.Clip(e.Config.CursedWins), []board.Move{next}, nil
	}

	type branch struct {
		score cdb.Score
		pv    []board.Move
		ok    bool // true iff this branch was actually recursed into and yielded a usable score
	}
	results := make([]branch, len(moves))

	g, gctx := errgroup.WithContext(ctx)
	for i, sm := range moves {
		i, sm := i, sm
		rc := r - 1 - e.penalty(best, sm.Score)
		if rc < 0 {
			// Moves are sorted by score, so every remaining move also fails the gate: stop
			// iterating (§4.4.2 step 4) rather than folding an un-recursed cache score into
			// the node's value.
			break
		}

		child, next, ok := applyMove(b, legal, sm.Move)
		if !ok {
			// CDB suggested a move that is not legal in this position (stale data): ignore it.
			continue
		}

		g.Go(func() error {
			cs, cpv, err := e.explore(gctx, child, rc, isPV && i == 0)
			if err != nil {
				return err
			}

			score := sm.Score.Clip(e.Config.CursedWins)
			pv := []board.Move{next}
			if !cs.IsUnknown() {
				score = cs.Back()
				pv = append([]board.Move{next}, cpv...)
			}

			results[i] = branch{score: score, pv: pv, ok: true}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return cdb.UnknownScore, nil, err
	}

	bestIdx := -1
	for i, res := range results {
		if !res.ok {
			continue
		}
		if bestIdx == -1 || results[bestIdx].score < res.score {
			bestIdx = i
		}
	}
	if bestIdx == -1 {
		return cdb.UnknownScore, nil, nil
	}
	return results[bestIdx].score, results[bestIdx].pv, nil
}

// penalty computes the width lost for exploring a branch scoring s when best is the top score
// at this node: r_child = r - 1 - max(0, (best-s)/evalDecay). A non-positive EvalDecay is
// treated as "PV only": any deficit at all makes r_child negative, so the branch is not explored.
func (e *Engine) penalty(best, s cdb.Score) int {
	deficit := int(best - s)
	if deficit <= 0 {
		return 0
	}
	if e.Config.EvalDecay <= 0 {
		return deficit * (int(cdb.CursedBound) + 1)
	}
	return deficit / e.Config.EvalDecay
}

func (e *Engine) bumpMaxLevel(level int) {
	for {
		cur := e.maxLevel.Load()
		if int64(level) <= cur || e.maxLevel.CompareAndSwap(cur, int64(level)) {
			return
		}
	}
}

func sortedScoredMoves(moves []cdb.ScoredMove) []cdb.ScoredMove {
	out := slices.Clone(moves)
	slices.SortStableFunc(out, func(a, b cdb.ScoredMove) int { return int(b.Score) - int(a.Score) })
	return out
}

// proveMate re-explores b at a large fixed width to obtain a claimed mate distance and line,
// then exhaustively verifies it per §4.4.4: the attacker follows only CDB's top move at each
// ply while every legal defensive reply must itself resolve to a proven loss within the
// remaining distance. An unresolved defender branch (CDB still unknown there) leaves the
// claim unproven for this iteration; the reprobe issued along the way gives CDB a chance to
// fill the gap before the next one.
func (e *Engine) proveMate(ctx context.Context, b *board.Board, width int) (cdb.Score, []board.Move, bool) {
	s, moves, err := e.explore(ctx, b, width, true)
	if err != nil || !s.IsMate() {
		return 0, nil, false
	}
	d, _ := s.MateDistance()
	if !e.verifyMateLine(ctx, b, s > 0, absInt(d)) {
		return 0, nil, false
	}
	return s, moves, true
}

// verifyMateLine confirms that the position is a forced, proven mate within remaining plies: on
// an attacking ply it follows only the cache's top move; on a defending ply every legal reply
// must itself be a proven loss. Returns false if the claim cannot currently be confirmed
// (missing information, a line longer than remaining, or an unexpected stalemate/draw or mate
// of the attacker along the line).
func (e *Engine) verifyMateLine(ctx context.Context, b *board.Board, attacking bool, remaining int) bool {
	switch b.IsTerminal() {
	case board.TerminalCheckmate:
		return !attacking
	case board.TerminalStalemate, board.TerminalDraw:
		return false
	}
	if remaining <= 0 {
		return false
	}

	legal := b.LegalMoves()
	entry, err := e.Cache.Lookup(ctx, b.Epd(), len(legal), true)
	if err != nil || !entry.Known || len(entry.Moves) == 0 {
		return false
	}

	if attacking {
		best := sortedScoredMoves(entry.Moves)[0]
		child, _, ok := applyMove(b, legal, best.Move)
		if !ok {
			return false
		}
		return e.verifyMateLine(ctx, child, false, remaining-1)
	}

	for _, reply := range legal {
		child := b.Fork()
		if !child.PushMove(reply) {
			continue
		}
		if !e.verifyMateLine(ctx, child, true, remaining-1) {
			return false
		}
	}
	return true
}

// applyMove resolves a UCI move string returned by CDB against the legal moves of b and, if
// it matches, returns the forked child board along with the fully-specified board.Move.
func applyMove(b *board.Board, legal []board.Move, uci string) (*board.Board, board.Move, bool) {
	parsed, err := board.ParseMove(uci)
	if err != nil {
		return nil, board.Move{}, false
	}
	for _, cand := range legal {
		if cand.Equals(parsed) {
			next := b.Fork()
			if !next.PushMove(cand) {
				return nil, board.Move{}, false
			}
			return next, cand, true
		}
	}
	return nil, board.Move{}, false
}
