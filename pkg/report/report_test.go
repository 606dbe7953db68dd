package report_test

import (
	"testing"
	"time"

	"github.com/herohde/cdbexplore/pkg/board"
	"github.com/herohde/cdbexplore/pkg/cdb"
	"github.com/herohde/cdbexplore/pkg/report"
	"github.com/herohde/cdbexplore/pkg/search"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const startEpd = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq -"

func move(t *testing.T, uci string) board.Move {
	t.Helper()
	m, err := board.ParseMove(uci)
	require.NoError(t, err)
	return m
}

func TestSnapshot_URL(t *testing.T) {
	pv := search.PV{Moves: []board.Move{move(t, "e2e4"), move(t, "e7e5")}}
	s := report.New(startEpd, pv)

	assert.Equal(t, "https://www.chessdb.cn/queryc_en/?rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR_w_KQkq_-_moves_e2e4_e7e5", s.URL())
}

func TestSnapshot_URL_NoMoves(t *testing.T) {
	s := report.New(startEpd, search.PV{})
	assert.Equal(t, "https://www.chessdb.cn/queryc_en/?rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR_w_KQkq_-", s.URL())
}

func TestSnapshot_String_PlainScore(t *testing.T) {
	pv := search.PV{
		Score: cdb.Score(34),
		Moves: []board.Move{move(t, "e2e4")},
		Time:  250 * time.Millisecond,
		Stats: search.Stats{Level: 3, Queryall: 12, ChessDBQ: 4},
	}
	out := report.New(startEpd, pv).String()

	assert.Contains(t, out, "score: 34\n")
	assert.Contains(t, out, "pv: e2e4\n")
	assert.Contains(t, out, "queryall: 12\n")
	assert.Contains(t, out, "chessdbq: 4\n")
}

func TestSnapshot_String_ProvenMate(t *testing.T) {
	pv := search.PV{Score: cdb.Score(-29990), Mated: true}
	out := report.New(startEpd, pv).String()

	assert.Contains(t, out, "score: CHECKMATE (#-5)\n")
}

func TestSnapshot_String_UnprovenMate(t *testing.T) {
	pv := search.PV{Score: cdb.Score(-29990), Mated: false}
	out := report.New(startEpd, pv).String()

	assert.Contains(t, out, "score: checkmate (#-5)\n")
}
