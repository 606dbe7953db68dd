package search_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/herohde/cdbexplore/pkg/cache"
	"github.com/herohde/cdbexplore/pkg/cdb"
	"github.com/herohde/cdbexplore/pkg/search"
	"github.com/stretchr/testify/require"
)

func TestLaunch_WidensUntilDepthLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fp := r.URL.Query().Get("board")
		if strings.Contains(fp, "PPPPPPPP/RNBQKBNR") {
			w.Write([]byte("move:e2e4,score:30"))
		} else {
			w.Write([]byte("move:e7e5,score:-20"))
		}
	}))
	defer srv.Close()

	client := cdb.New(context.Background(), cdb.WithBaseURL(srv.URL))
	c := cache.New(client)
	e := search.NewEngine(c, search.Config{DepthLimit: 3})

	b := newTestBoard(t, "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1")

	h, out := search.Launch(context.Background(), e, b, search.Config{DepthLimit: 3})

	var last search.PV
	for pv := range out {
		last = pv
	}
	require.Equal(t, 3, last.Depth)
	require.Equal(t, cdb.Score(20), last.Score)

	final := h.Halt()
	require.Equal(t, last.Score, final.Score)
}

// Exercises proveMate/verifyMateLine end-to-end through Launch. Substitutes a hand-verified
// back-rank mate-in-1 for the spec's own mate-proof example, since that position's exact score
// and ten-move PV cannot be confirmed without a real CDB/engine to query.
func TestLaunch_ProvesMate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("move:d1d8,score:30000"))
	}))
	defer srv.Close()

	client := cdb.New(context.Background(), cdb.WithBaseURL(srv.URL))
	c := cache.New(client)
	e := search.NewEngine(c, search.Config{})

	// White king h1, rook d1; black king g8 boxed in by its own pawns on f7/g7/h7: Rd1-d8 is
	// checkmate.
	b := newTestBoard(t, "6k1/5ppp/8/8/8/8/8/3R3K w - - 0 1")

	_, out := search.Launch(context.Background(), e, b, search.Config{ProveMates: true})

	var last search.PV
	for pv := range out {
		last = pv
	}

	require.True(t, last.Mated)
	require.True(t, last.Score.IsMate())
	require.Len(t, last.Moves, 1)
	require.Equal(t, "d1d8", last.Moves[0].String())
}

func TestLaunch_HaltsEarly(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fp := r.URL.Query().Get("board")
		if strings.Contains(fp, "RNBQKBNR") {
			w.Write([]byte("move:e2e4,score:30"))
		} else {
			w.Write([]byte("move:e7e5,score:-20"))
		}
	}))
	defer srv.Close()

	client := cdb.New(context.Background(), cdb.WithBaseURL(srv.URL))
	c := cache.New(client)
	e := search.NewEngine(c, search.Config{})

	b := newTestBoard(t, "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1")

	h, out := search.Launch(context.Background(), e, b, search.Config{})
	<-out // wait for first iteration

	pv := h.Halt()
	require.GreaterOrEqual(t, pv.Depth, 1)

	select {
	case _, ok := <-out:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel did not close after Halt")
	}
}
