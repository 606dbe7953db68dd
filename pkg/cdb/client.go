// Package cdb implements a client for the remote chess position database (CDB), following
// the wire protocol of chessdb.cn's cdb.php endpoint: queryall, queue and queryscore actions
// over HTTPS GET, with retry, bounded concurrency and running in-flight statistics.
package cdb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/seekerror/build"
	"github.com/seekerror/logw"
	"go.uber.org/atomic"
	"golang.org/x/net/http2"
	"golang.org/x/sync/semaphore"
)

var version = build.NewVersion(0, 1, 0)

// WebBaseURL is the human-facing CDB browser endpoint, used to build a PV's inspection link
// (not queried by the client itself).
const WebBaseURL = "https://www.chessdb.cn/queryc_en/"

const (
	defaultBaseURL     = "https://www.chessdb.cn/cdb.php"
	defaultConcurrency = 16
	defaultMaxAttempts = 5
	defaultTimeout     = 15 * time.Second

	minBackoff = 200 * time.Millisecond
	maxBackoff = 8 * time.Second
)

// ErrInvalidPosition is returned when CDB reports the queried board as semantically invalid.
// Per the error handling policy, this aborts the search at the root.
var ErrInvalidPosition = errors.New("cdb: invalid board")

var errEmptyBody = errors.New("cdb: empty response body")
var errBusy = errors.New("cdb: busy")

// ScoredMove is a single move/score pair as returned by queryall, in CDB's own order
// (best move first).
type ScoredMove struct {
	Move  string
	Score Score
}

// QueryResult is the outcome of a queryall call for one position.
type QueryResult struct {
	Known bool // CDB had this position in its database
	Moves []ScoredMove
	TBHit bool // position is scored from an endgame tablebase
	Ply   int  // CDB's own depth estimate, informational only
}

// Complete reports whether the result should be treated as fully populated: either CDB
// returned at least 5 scored moves, or it scored every legal move there is.
func (r QueryResult) Complete(legalMoves int) bool {
	return len(r.Moves) >= 5 || (legalMoves > 0 && len(r.Moves) >= legalMoves)
}

// Client is a concurrency-gated, retrying HTTP client for CDB.
type Client struct {
	httpClient *http.Client
	baseURL    string
	user       string
	chess960   bool

	maxAttempts    int
	suppressErrors bool

	sem       *semaphore.Weighted
	inflightQ *gauge // logical queries (queryall/queue/queryscore compound interactions)
	inflightR *gauge // raw HTTP requests

	queryTimeMu    sync.Mutex
	queryTimeSum   time.Duration
	queryTimeCount int64
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the CDB endpoint, mainly for testing.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = url }
}

// WithConcurrency sets the number of permits on the global CDB semaphore (default 16).
func WithConcurrency(concurrency int) Option {
	return func(c *Client) { c.sem = semaphore.NewWeighted(int64(concurrency)) }
}

// WithUser sets a user-agent suffix, per CDB convention.
func WithUser(user string) Option {
	return func(c *Client) { c.user = user }
}

// WithChess960 enables chess960 castling semantics on the wire protocol.
func WithChess960(chess960 bool) Option {
	return func(c *Client) { c.chess960 = chess960 }
}

// WithMaxAttempts caps the retry count for a single logical call (default 5).
func WithMaxAttempts(n int) Option {
	return func(c *Client) { c.maxAttempts = n }
}

// WithSuppressErrors silences per-attempt error logging for transport failures.
func WithSuppressErrors(suppress bool) Option {
	return func(c *Client) { c.suppressErrors = suppress }
}

// WithHTTPClient overrides the underlying http.Client, mainly for testing.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New returns a new CDB client.
func New(ctx context.Context, opts ...Option) *Client {
	c := &Client{
		httpClient:  &http.Client{Timeout: defaultTimeout},
		baseURL:     defaultBaseURL,
		maxAttempts: defaultMaxAttempts,
		sem:         semaphore.NewWeighted(defaultConcurrency),
		inflightQ:   newGauge(),
		inflightR:   newGauge(),
	}
	for _, fn := range opts {
		fn(c)
	}

	if c.httpClient.Transport == nil {
		transport := &http.Transport{}
		if err := http2.ConfigureTransport(transport); err != nil {
			logw.Errorf(ctx, "cdb: failed to configure http2 transport, falling back to http/1.1: %v", err)
		}
		c.httpClient.Transport = transport
	}

	logw.Infof(ctx, "Initialized CDB client %v: base=%v, chess960=%v", version, c.baseURL, c.chess960)
	return c
}

// Stats is a snapshot of the client's time-averaged in-flight counters and mean logical query
// latency.
type Stats struct {
	InflightQ float64
	InflightR float64
	CDBTimeMs int64 // mean wall time per logical query (queryall/queue/queryscore), in ms
}

// Stats returns the current time-averaged logical (Q) and raw HTTP (R) in-flight counts, plus
// the mean wall time of a logical query so far.
func (c *Client) Stats() Stats {
	c.queryTimeMu.Lock()
	sum, count := c.queryTimeSum, c.queryTimeCount
	c.queryTimeMu.Unlock()

	var meanMs int64
	if count > 0 {
		meanMs = sum.Milliseconds() / count
	}
	return Stats{InflightQ: c.inflightQ.Average(), InflightR: c.inflightR.Average(), CDBTimeMs: meanMs}
}

func (c *Client) trackQueryTime(start time.Time) {
	c.queryTimeMu.Lock()
	defer c.queryTimeMu.Unlock()

	c.queryTimeSum += time.Since(start)
	c.queryTimeCount++
}

// QueryAll asks CDB for the scored move list at fp. If CDB does not yet know the position,
// it issues a queue request as part of the same logical interaction and returns an unknown
// result with no error.
func (c *Client) QueryAll(ctx context.Context, fp string, includeUnscored bool) (QueryResult, error) {
	defer c.trackQueryTime(time.Now())

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return QueryResult{}, err
	}
	defer c.sem.Release(1)

	c.inflightQ.Add(1)
	defer c.inflightQ.Add(-1)

	params := url.Values{}
	if includeUnscored {
		params.Set("learn", "1")
	}

	body, err := c.call(ctx, "queryall", fp, params)
	if err != nil {
		return QueryResult{}, err
	}

	res, err := parseQueryAll(body)
	if err != nil {
		return QueryResult{}, err
	}
	if !res.Known {
		if qerr := c.doQueue(ctx, fp); qerr != nil && !c.suppressErrors {
			logw.Errorf(ctx, "cdb: queue for unknown position %v failed: %v", fp, qerr)
		}
	}
	return res, nil
}

// Queue requests CDB to add and evaluate fp and its immediate children.
func (c *Client) Queue(ctx context.Context, fp string) error {
	defer c.trackQueryTime(time.Now())

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer c.sem.Release(1)

	c.inflightQ.Add(1)
	defer c.inflightQ.Add(-1)

	return c.doQueue(ctx, fp)
}

func (c *Client) doQueue(ctx context.Context, fp string) error {
	_, err := c.call(ctx, "queue", fp, nil)
	return err
}

// QueryScore re-checks a position that previously returned unknown, returning the current
// best score once CDB has processed the enqueue.
func (c *Client) QueryScore(ctx context.Context, fp string) (Score, error) {
	defer c.trackQueryTime(time.Now())

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return UnknownScore, err
	}
	defer c.sem.Release(1)

	c.inflightQ.Add(1)
	defer c.inflightQ.Add(-1)

	body, err := c.call(ctx, "queryscore", fp, nil)
	if err != nil {
		return UnknownScore, err
	}
	return parseQueryScore(body)
}

func (c *Client) call(ctx context.Context, action, fp string, extra url.Values) (string, error) {
	q := url.Values{}
	q.Set("action", action)
	q.Set("board", fp)
	if c.chess960 {
		q.Set("endgame", "1")
	}
	for k, vs := range extra {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	full := fmt.Sprintf("%v?%v", c.baseURL, q.Encode())

	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoffDuration(attempt)):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		body, err := c.doHTTP(ctx, full)
		if err == nil {
			return body, nil
		}
		lastErr = err

		var te *transportError
		if !errors.As(err, &te) || !te.retryable {
			break
		}
		if !c.suppressErrors {
			logw.Errorf(ctx, "cdb: %v attempt %v/%v failed: %v", action, attempt+1, c.maxAttempts, err)
		}
	}
	return "", lastErr
}

func (c *Client) doHTTP(ctx context.Context, full string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, full, nil)
	if err != nil {
		return "", &transportError{err: err, retryable: false}
	}
	req.Header.Set("User-Agent", c.userAgent())

	c.inflightR.Add(1)
	defer c.inflightR.Add(-1)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &transportError{err: err, retryable: true}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &transportError{err: err, retryable: true}
	}

	if resp.StatusCode >= 500 {
		return "", &transportError{err: fmt.Errorf("server error: %v", resp.Status), retryable: true}
	}
	if resp.StatusCode != http.StatusOK {
		return "", &transportError{err: fmt.Errorf("unexpected status: %v", resp.Status), retryable: false}
	}

	body := strings.TrimSpace(string(data))
	if body == "" {
		return "", &transportError{err: errEmptyBody, retryable: true}
	}
	if isBusy(body) {
		return "", &transportError{err: errBusy, retryable: true}
	}
	return body, nil
}

func (c *Client) userAgent() string {
	if c.user != "" {
		return fmt.Sprintf("cdbexplore/%v (user=%v)", version, c.user)
	}
	return fmt.Sprintf("cdbexplore/%v", version)
}

// transportError wraps a failed attempt, marking whether a retry is warranted.
type transportError struct {
	err       error
	retryable bool
}

func (e *transportError) Error() string { return e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

func isBusy(body string) bool {
	l := strings.ToLower(body)
	return strings.Contains(l, "busy") || strings.Contains(l, "rate limit") || strings.Contains(l, "maintenance")
}

func backoffDuration(attempt int) time.Duration {
	base := minBackoff << uint(attempt-1)
	if base > maxBackoff {
		base = maxBackoff
	}
	jitter := time.Duration(rand.Int63n(int64(base)/2 + 1))
	return base + jitter
}

func parseQueryAll(body string) (QueryResult, error) {
	lower := strings.ToLower(body)
	switch {
	case lower == "unknown":
		return QueryResult{Known: false}, nil
	case strings.HasPrefix(lower, "invalid board"):
		return QueryResult{}, ErrInvalidPosition
	case lower == "nobestmove", lower == "checkmate", lower == "stalemate":
		return QueryResult{Known: true}, nil
	}

	res := QueryResult{Known: true}

	lines := strings.Split(body, "\n")
	main := lines[0]
	for _, extra := range lines[1:] {
		if ply, ok := parsePly(strings.TrimSpace(extra)); ok {
			res.Ply = ply
		}
	}

	if strings.HasPrefix(main, "egtb") {
		res.TBHit = true
		main = strings.TrimPrefix(main, "egtb")
		main = strings.TrimPrefix(main, ",")
	}

	for _, part := range strings.Split(main, "|") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if ply, ok := parsePly(part); ok {
			res.Ply = ply
			continue
		}
		if mv, sc, ok := parseScoredMove(part); ok {
			res.Moves = append(res.Moves, ScoredMove{Move: mv, Score: sc})
		}
	}

	if len(res.Moves) == 0 {
		return QueryResult{}, fmt.Errorf("cdb: unparseable queryall body: %q", body)
	}
	return res, nil
}

func parsePly(s string) (int, bool) {
	if !strings.HasPrefix(s, "ply:") {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(s, "ply:"))
	if err != nil {
		return 0, false
	}
	return n, true
}

func parseScoredMove(part string) (string, Score, bool) {
	var move string
	var score Score
	var gotMove, gotScore bool

	for _, f := range strings.Split(part, ",") {
		f = strings.TrimSpace(f)
		switch {
		case strings.HasPrefix(f, "move:"):
			move = strings.TrimPrefix(f, "move:")
			gotMove = true
		case strings.HasPrefix(f, "score:"):
			n, err := strconv.Atoi(strings.TrimPrefix(f, "score:"))
			if err == nil {
				score = Score(n)
				gotScore = true
			}
		}
	}
	return move, score, gotMove && gotScore
}

func parseQueryScore(body string) (Score, error) {
	lower := strings.ToLower(strings.TrimSpace(body))
	switch lower {
	case "unknown", "nobestmove", "checkmate", "stalemate":
		return UnknownScore, nil
	case "invalid board":
		return InvalidScore, ErrInvalidPosition
	}

	if mv, sc, ok := parseScoredMove(body); ok {
		_ = mv
		return sc, nil
	}
	if n, err := strconv.Atoi(strings.TrimSpace(body)); err == nil {
		return Score(n), nil
	}
	return UnknownScore, fmt.Errorf("cdb: unparseable queryscore body: %q", body)
}

// gauge is a time-weighted (integral) average of a non-negative integer counter, used for
// the inflightQ/inflightR running averages. The current value is an atomic.Int64 so it can
// also be read as an instantaneous count without taking the lock.
type gauge struct {
	mu          sync.Mutex
	value       atomic.Int64
	sum         float64
	start, last time.Time
}

func newGauge() *gauge {
	now := time.Now()
	return &gauge{start: now, last: now}
}

func (g *gauge) Add(delta int64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	g.sum += float64(g.value.Load()) * now.Sub(g.last).Seconds()
	g.value.Add(delta)
	g.last = now
}

func (g *gauge) Average() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	sum := g.sum + float64(g.value.Load())*now.Sub(g.last).Seconds()
	elapsed := now.Sub(g.start).Seconds()
	if elapsed <= 0 {
		return float64(g.value.Load())
	}
	return sum / elapsed
}
