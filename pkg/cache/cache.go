// Package cache implements a shared, never-evicting cache of CDB queryall lookups. CDB
// positions only ever gain information over time -- more scored moves, a tablebase hit --
// so a cached entry is never stale, only potentially incomplete.
package cache

import (
	"context"
	"errors"
	"sync"

	"github.com/herohde/cdbexplore/pkg/cdb"
	"github.com/seekerror/logw"
	"github.com/seekerror/stdlib/pkg/util/iox"
	"go.uber.org/atomic"
)

// Entry is the cached outcome of a queryall lookup for a single position.
type Entry struct {
	Fp    string
	Known bool
	Moves []cdb.ScoredMove
	TBHit bool
}

// Complete reports whether CDB has returned enough of the position to trust the result
// without reprobing, given how many legal moves the position has.
func (e Entry) Complete(legalMoves int) bool {
	return cdb.QueryResult{Moves: e.Moves}.Complete(legalMoves)
}

// handle is a one-shot future wrapping a single underlying CDB queryall call. Concurrent
// lookups for the same fingerprint block on and share one handle, so CDB only ever sees one
// request no matter how many sibling search goroutines probe the same position at once.
type handle struct {
	done iox.AsyncCloser

	// settled guards entry/err: they are written once by resolve and must not be read until
	// it reports true, so a reprobe check never races an in-flight probe's writes.
	settled atomic.Bool
	entry   Entry
	err     error
}

func newHandle() *handle {
	return &handle{done: iox.NewAsyncCloser()}
}

func (h *handle) resolve(e Entry, err error) {
	h.entry = e
	h.err = err
	h.settled.Store(true)
	h.done.Close()
}

func (h *handle) wait(ctx context.Context) (Entry, error) {
	select {
	case <-h.done.Closed():
		return h.entry, h.err
	case <-ctx.Done():
		return Entry{}, ctx.Err()
	}
}

// Stats is a snapshot of cumulative cache-level counters, reported alongside search
// statistics.
type Stats struct {
	Queryall int64 // total queryall round-trips issued, including reprobes
	Enqueued int64 // probes that found the position unknown to CDB (each one queues it)
	Requeued int64 // known-but-underpopulated positions re-queued
	Reprobed int64 // PV positions re-queried despite already being cached
	Unscored int64 // positions returned known with no scored moves at all
}

// Cache is a shared, never-evicting cache of CDB queryall lookups, keyed by EPD
// fingerprint. It deduplicates concurrent in-flight lookups and is safe for concurrent use
// by many search goroutines.
type Cache struct {
	client *cdb.Client

	mu      sync.Mutex
	handles map[string]*handle

	statsMu sync.Mutex
	stats   Stats
}

// New returns a Cache backed by client.
func New(client *cdb.Client) *Cache {
	return &Cache{
		client:  client,
		handles: make(map[string]*handle),
	}
}

// Stats returns a snapshot of the cumulative counters.
func (c *Cache) Stats() Stats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.stats
}

// ClientStats returns the in-flight and latency counters of the underlying CDB client.
func (c *Cache) ClientStats() cdb.Stats {
	return c.client.Stats()
}

func (c *Cache) incr(fn func(*Stats)) {
	c.statsMu.Lock()
	fn(&c.stats)
	c.statsMu.Unlock()
}

// Lookup returns the scored moves for fp, querying CDB at most once for any number of
// concurrent callers. isPV marks a principal-variation node: per §4.3, a PV lookup always
// forces a fresh queryall regardless of what is already cached, because PV leaves are the
// nodes most worth pushing CDB to extend; it is never served from a settled cache entry
// as-is, complete or not. A known position returned with fewer scored moves than legalMoves
// (and fewer than 5) is requeued once per probe, to nudge CDB into expanding it.
func (c *Cache) Lookup(ctx context.Context, fp string, legalMoves int, isPV bool) (Entry, error) {
	c.mu.Lock()
	h, ok := c.handles[fp]
	stale := ok && isPV && h.settled.Load()
	if !ok || stale {
		h = newHandle()
		c.handles[fp] = h
		c.mu.Unlock()

		if stale {
			c.incr(func(s *Stats) { s.Reprobed++ })
		}
		c.probe(ctx, fp, legalMoves, h)
	} else {
		c.mu.Unlock()
	}

	return h.wait(ctx)
}

func (c *Cache) probe(ctx context.Context, fp string, legalMoves int, h *handle) {
	c.incr(func(s *Stats) { s.Queryall++ })

	res, err := c.client.QueryAll(ctx, fp, false)
	if err != nil {
		if errors.Is(err, cdb.ErrInvalidPosition) || ctx.Err() != nil {
			// Semantic failure or cancellation: per §7, only these abort the search; let
			// the error propagate up through the engine to the root.
			h.resolve(Entry{}, err)
			return
		}
		// Transport/protocol failure surviving all of the client's retries: per §7 this
		// downgrades to a per-position UNKNOWN result rather than aborting the search --
		// the engine skips this node for the current pass and may retry it next depth.
		logw.Errorf(ctx, "cache: queryall for %v failed after retries, treating as unknown: %v", fp, err)
		h.resolve(Entry{Fp: fp}, nil)
		return
	}

	e := Entry{Fp: fp, Known: res.Known, Moves: res.Moves, TBHit: res.TBHit}
	if !res.Known {
		// QueryAll issues a queue call itself when CDB does not yet know the position.
		c.incr(func(s *Stats) { s.Enqueued++ })
	}
	if res.Known && len(res.Moves) == 0 {
		c.incr(func(s *Stats) { s.Unscored++ })
	}
	if res.Known && !e.Complete(legalMoves) {
		c.incr(func(s *Stats) { s.Requeued++ })
		if qerr := c.client.Queue(ctx, fp); qerr != nil {
			logw.Errorf(ctx, "cache: requeue for under-populated position %v failed: %v", fp, qerr)
		}
	}

	h.resolve(e, nil)
}
