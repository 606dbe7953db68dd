// cdbexplore explores a single root position against the remote chess position database
// (CDB), widening an iterative-deepening minimax search one ply at a time and printing a
// snapshot after every completed depth. It is the command-line front end described as an
// external collaborator of the core search engine and CDB-access layer.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/herohde/cdbexplore/pkg/board"
	"github.com/herohde/cdbexplore/pkg/board/fen"
	"github.com/herohde/cdbexplore/pkg/cache"
	"github.com/herohde/cdbexplore/pkg/cdb"
	"github.com/herohde/cdbexplore/pkg/report"
	"github.com/herohde/cdbexplore/pkg/search"
	"github.com/seekerror/logw"
)

var (
	position = flag.String("fen", "", "Root position to explore (default: standard start position)")
	moves    = flag.String("moves", "", "Space-separated UCI moves applied to -fen before exploring")

	depthLimit = flag.Int("depth", 0, "Stop after this iterative-deepening depth (0 = unlimited)")
	timeLimit  = flag.Duration("movetime", 0, "Stop starting new iterations past this wall-clock budget (0 = unlimited)")

	concurrency = flag.Int("concurrency", 16, "CDB semaphore permits (bounds logical queries in flight)")
	evalDecay   = flag.Int("evalDecay", 0, "Centipawns of slack lost per ply of search width; 0 = PV-only")
	cursedWins  = flag.Bool("cursedWins", false, "Count CDB's cursed win/loss band as decisive rather than clipping to 0")
	tbSearch    = flag.Bool("TBsearch", false, "Expand past tablebase-scored positions instead of treating them as leaves")
	proveMates  = flag.Bool("proveMates", false, "Run the exhaustive mate-distance proof once a mate score is found")
	chess960    = flag.Bool("chess960", false, "Use chess960 (Fischer Random) castling semantics")

	user           = flag.String("user", "", "User-agent suffix sent to CDB")
	suppressErrors = flag.Bool("suppressErrors", false, "Silence per-attempt transport error logging")
)

func main() {
	flag.Parse()
	ctx := context.Background()

	b, epd, err := newRootBoard(*position, *moves, *chess960)
	if err != nil {
		logw.Exitf(ctx, "Invalid root position: %v", err)
	}

	client := cdb.New(ctx,
		cdb.WithConcurrency(*concurrency),
		cdb.WithUser(*user),
		cdb.WithChess960(*chess960),
		cdb.WithSuppressErrors(*suppressErrors),
	)
	c := cache.New(client)
	cfg := search.Config{
		DepthLimit: *depthLimit,
		TimeLimit:  *timeLimit,
		EvalDecay:  *evalDecay,
		CursedWins: *cursedWins,
		TBSearch:   *tbSearch,
		ProveMates: *proveMates,
		Chess960:   *chess960,
	}
	e := search.NewEngine(c, cfg)

	_, out := search.Launch(ctx, e, b, cfg)

	for pv := range out {
		fmt.Fprint(os.Stdout, report.New(epd, pv).String())
	}

	logw.Infof(ctx, "Exploration of %v complete", epd)
}

// newRootBoard decodes -fen (or the standard start position), applies -moves and returns the
// resulting board together with its EPD fingerprint.
func newRootBoard(pos, moveList string, chess960 bool) (*board.Board, string, error) {
	if pos == "" {
		pos = fen.Initial
	}

	p, turn, noprogress, fullmoves, err := fen.Decode(pos)
	if err != nil {
		return nil, "", err
	}

	zt := board.NewZobristTable(time.Now().UnixNano())
	b := board.NewBoard(zt, p, turn, noprogress, fullmoves)
	b.SetChess960(chess960)

	for _, uci := range strings.Fields(moveList) {
		next, err := b.Apply(uci)
		if err != nil {
			return nil, "", fmt.Errorf("applying move %v: %w", uci, err)
		}
		b = next
	}
	return b, b.Epd(), nil
}
