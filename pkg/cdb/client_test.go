package cdb_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/herohde/cdbexplore/pkg/cdb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const startFp = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq -"

func newTestClient(t *testing.T, handler http.HandlerFunc) (*cdb.Client, *httptest.Server) {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := cdb.New(context.Background(), cdb.WithBaseURL(srv.URL), cdb.WithUser("tester"))
	return c, srv
}

func TestQueryAll_Known(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "queryall", r.URL.Query().Get("action"))
		assert.Contains(t, r.Header.Get("User-Agent"), "tester")
		w.Write([]byte("move:e2e4,score:30|move:d2d4,score:25|move:g1f3,score:20"))
	})

	res, err := c.QueryAll(context.Background(), startFp, false)
	require.NoError(t, err)
	assert.True(t, res.Known)
	require.Len(t, res.Moves, 3)
	assert.Equal(t, "e2e4", res.Moves[0].Move)
	assert.Equal(t, cdb.Score(30), res.Moves[0].Score)
}

func TestQueryAll_Unknown(t *testing.T) {
	var queued atomic.Bool
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("action") {
		case "queryall":
			w.Write([]byte("unknown"))
		case "queue":
			queued.Store(true)
			w.Write([]byte("ok"))
		}
	})

	res, err := c.QueryAll(context.Background(), startFp, false)
	require.NoError(t, err)
	assert.False(t, res.Known)
	assert.Eventually(t, queued.Load, time.Second, 10*time.Millisecond)
}

func TestQueryAll_NoBestMove(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("nobestmove"))
	})

	res, err := c.QueryAll(context.Background(), startFp, false)
	require.NoError(t, err)
	assert.True(t, res.Known)
	assert.Empty(t, res.Moves)
}

func TestQueryAll_InvalidBoard(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("invalid board"))
	})

	_, err := c.QueryAll(context.Background(), startFp, false)
	assert.ErrorIs(t, err, cdb.ErrInvalidPosition)
}

func TestQueryAll_EGTB(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("egtb,move:a1a2,score:30001\nply:3"))
	})

	res, err := c.QueryAll(context.Background(), startFp, false)
	require.NoError(t, err)
	assert.True(t, res.TBHit)
	assert.Equal(t, 3, res.Ply)
	require.Len(t, res.Moves, 1)
}

func TestQueryAll_BusyThenSuccess(t *testing.T) {
	var attempts atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.Write([]byte("Server is busy, try again later"))
			return
		}
		w.Write([]byte("move:e2e4,score:30"))
	})

	res, err := c.QueryAll(context.Background(), startFp, false)
	require.NoError(t, err)
	assert.True(t, res.Known)
	assert.GreaterOrEqual(t, attempts.Load(), int32(2))
}

func TestQueryAll_RetriesExhausted(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("busy"))
	})

	_, err := c.QueryAll(context.Background(), startFp, false)
	assert.Error(t, err)
}

func TestQueue(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "queue", r.URL.Query().Get("action"))
		w.Write([]byte("ok"))
	})

	err := c.Queue(context.Background(), startFp)
	assert.NoError(t, err)
}

func TestQueryScore(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "queryscore", r.URL.Query().Get("action"))
		w.Write([]byte("30"))
	})

	s, err := c.QueryScore(context.Background(), startFp)
	require.NoError(t, err)
	assert.Equal(t, cdb.Score(30), s)
}

func TestQueryScore_Unknown(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("unknown"))
	})

	s, err := c.QueryScore(context.Background(), startFp)
	require.NoError(t, err)
	assert.True(t, s.IsUnknown())
}

func TestConcurrencyGate(t *testing.T) {
	var inflight atomic.Int32
	var maxSeen atomic.Int32
	block := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inflight.Add(1)
		defer inflight.Add(-1)
		for {
			cur := maxSeen.Load()
			if n <= cur || maxSeen.CompareAndSwap(cur, n) {
				break
			}
		}
		<-block
		w.Write([]byte("move:e2e4,score:30"))
	}))
	t.Cleanup(srv.Close)

	c := cdb.New(context.Background(), cdb.WithBaseURL(srv.URL), cdb.WithConcurrency(2))

	done := make(chan struct{})
	for i := 0; i < 5; i++ {
		go func() {
			c.QueryAll(context.Background(), startFp, false)
			done <- struct{}{}
		}()
	}
	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, maxSeen.Load(), int32(2))
	close(block)
	for i := 0; i < 5; i++ {
		<-done
	}
}
