package search

import (
	"context"
	"sync"
	"time"

	"github.com/herohde/cdbexplore/pkg/board"
	"github.com/seekerror/logw"
	"github.com/seekerror/stdlib/pkg/util/contextx"
	"github.com/seekerror/stdlib/pkg/util/iox"
)

const proveMateWidth = 256

// Handle lets the caller manage a running iterative exploration: observe its PV channel, or
// halt it early and retrieve the best PV found so far. Idempotent.
type Handle interface {
	Halt() PV
}

// Launch starts an iterative-deepening exploration of b's position, widening the search by
// one ply of slack each iteration. It returns a handle to manage the run and a channel of
// PVs, one per completed width, closed when the run halts. The channel buffers a single PV: one
// not yet received when the next is ready is replaced by it.
func Launch(ctx context.Context, e *Engine, b *board.Board, cfg Config) (Handle, <-chan PV) {
	out := make(chan PV, 1)
	h := &handle{
		init: iox.NewAsyncCloser(),
		quit: iox.NewAsyncCloser(),
	}
	go h.run(ctx, e, b, cfg, out)

	return h, out
}

type handle struct {
	init, quit iox.AsyncCloser

	mu sync.Mutex
	pv PV
}

func (h *handle) run(ctx context.Context, e *Engine, b *board.Board, cfg Config, out chan PV) {
	defer h.init.Close()
	defer close(out)

	wctx, cancel := contextx.WithQuitCancel(ctx, h.quit.Closed())
	defer cancel()

	if cfg.TimeLimit > 0 {
		var tcancel context.CancelFunc
		wctx, tcancel = context.WithTimeout(wctx, cfg.TimeLimit)
		defer tcancel()
	}

	begin := time.Now()
	r := 1
	for !h.quit.IsClosed() {
		start := time.Now()

		score, moves, err := e.Explore(wctx, b, r)
		if err != nil {
			if wctx.Err() != nil {
				return // halted: quit closed or time limit exceeded.
			}
			logw.Errorf(ctx, "Exploration failed on %v at width=%v: %v", b.Epd(), r, err)
			return
		}

		pv := PV{
			Depth: r,
			Score: score,
			Moves: moves,
			Nodes: e.Nodes(),
			Time:  time.Since(start),
			Stats: e.Stats(r),
		}

		if cfg.ProveMates && score.IsMate() {
			if proven, pmoves, ok := e.proveMate(wctx, b, proveMateWidth); ok {
				pv.Score = proven
				pv.Moves = pmoves
				pv.Mated = true
			}
			pv.Nodes = e.Nodes()
			pv.Stats = e.Stats(r)
		}

		logw.Debugf(ctx, "Explored %v: %v", b.Epd(), pv)

		h.mu.Lock()
		h.pv = pv
		h.mu.Unlock()

		select {
		case <-out:
		default:
		}
		out <- pv

		h.init.Close()

		if pv.Mated {
			return // halt: exact mate proved.
		}
		if limit := cfg.DepthLimit; limit > 0 && r >= limit {
			return // halt: reached configured width limit.
		}
		if limit := cfg.TimeLimit; limit > 0 && time.Since(begin) >= limit {
			return // halt: time budget spent; no new iteration is started.
		}
		if md, ok := pv.Score.MateDistance(); ok && absInt(md) <= r {
			return // halt: mate score within r plies of the root.
		}
		r++
	}
}

// Halt stops the run, if still active, and returns the best PV found so far. Idempotent.
func (h *handle) Halt() PV {
	<-h.init.Closed()
	h.quit.Close()

	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pv
}

func absInt(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
