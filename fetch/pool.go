package fetch

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/chaindexer/logoracle/internal/rlog"
	"github.com/chaindexer/logoracle/store"
)

// DefaultConnections and DefaultBatchBlocks are the reference loader's
// pipelining parameters: 32 requests in flight, 128 blocks each.
const (
	DefaultConnections = 32
	DefaultBatchBlocks = 128
)

// InsertFunc is how a Pool hands a block-ascending batch of logs to the
// store. It is called from the pool's own goroutine, never concurrently
// with itself.
type InsertFunc func(batch []store.LogRecord) error

// Pool drives a bounded-concurrency fetch loop against one upstream
// JSON-RPC endpoint: each round dispatches up to Connections concurrent
// eth_getLogs requests covering disjoint, consecutive block ranges, then
// delivers their results to Insert strictly in ascending block order
// once the whole round lands — the same net ordering guarantee as a
// literal request ring, expressed as fan-out/fan-in instead.
type Pool struct {
	client      atomic.Pointer[Client]
	insert      InsertFunc
	connections int
	batchBlocks int
	pollEvery   time.Duration
	limiter     *rate.Limiter
	log         *zap.Logger

	closed  chan struct{}
	once    sync.Once
	runDone chan struct{}
	runOnce sync.Once

	height atomic.Uint64
	last   atomic.Uint64
}

// Option configures a Pool at construction time.
type Option func(*Pool)

// WithConnections overrides DefaultConnections.
func WithConnections(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.connections = n
		}
	}
}

// WithBatchBlocks overrides DefaultBatchBlocks.
func WithBatchBlocks(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.batchBlocks = n
		}
	}
}

// WithPollInterval sets how long Run sleeps after catching up to the
// known chain height before checking again. Zero (or a negative value)
// makes Run return as soon as it has caught up instead of sleeping.
func WithPollInterval(d time.Duration) Option {
	return func(p *Pool) { p.pollEvery = d }
}

// WithRateLimit throttles outgoing requests to at most r per second,
// bursting up to burst.
func WithRateLimit(r float64, burst int) Option {
	return func(p *Pool) {
		if r > 0 {
			p.limiter = rate.NewLimiter(rate.Limit(r), burst)
		}
	}
}

// WithLogger attaches a logger; the default is a no-op logger.
func WithLogger(log *zap.Logger) Option {
	return func(p *Pool) { p.log = log }
}

// New builds a Pool that fetches logs via client and hands completed
// batches to insert. last is the last block number already present in
// the store (fetching resumes at last+1, or at 0 if last is the zero
// value and the store is empty — callers pass store.Engine.BlocksCount()
// minus one, or rely on Insert's own monotonic-block guard either way).
func New(client *Client, last uint64, insert InsertFunc, opts ...Option) *Pool {
	p := &Pool{
		insert:      insert,
		connections: DefaultConnections,
		batchBlocks: DefaultBatchBlocks,
		pollEvery:   3 * time.Second,
		log:         rlog.Nop(),
		closed:      make(chan struct{}),
		runDone:     make(chan struct{}),
	}
	p.client.Store(client)
	p.last.Store(last)
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SetURL points the pool at a new upstream endpoint; safe to call while
// Run is active.
func (p *Pool) SetURL(url string) {
	p.client.Store(NewClient(url, nil))
}

// SetHeight updates the known chain head. Run only fetches blocks up to
// the most recent value passed here.
func (p *Pool) SetHeight(h uint64) {
	p.height.Store(h)
}

// Close signals Run to stop after its current round. It does not block
// for Run to actually return; callers that need to join the worker
// before tearing down shared state (store.Engine.Close does this) call
// Wait afterward.
func (p *Pool) Close() {
	p.once.Do(func() { close(p.closed) })
}

// Wait blocks until Run returns. Callers must only call Wait once Run
// has actually been started (typically right after Close); calling it
// against a Pool whose Run was never invoked blocks forever, since
// there is no worker goroutine to join.
func (p *Pool) Wait() {
	<-p.runDone
}

type roundResult struct {
	from, to uint64
	records  []store.LogRecord
	err      error
}

// Run executes rounds until ctx is cancelled or Close is called. Each
// round covers as many block ranges as there is work and spare
// connections for; when the pool has caught up to the known height it
// sleeps for pollEvery and checks again, or returns nil if pollEvery is
// not positive. A failed round ends Run with that round's error.
func (p *Pool) Run(ctx context.Context) error {
	defer p.runOnce.Do(func() { close(p.runDone) })

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.closed:
			return nil
		default:
		}

		advanced, err := p.runRound(ctx)
		if err != nil {
			return err
		}
		if advanced {
			continue
		}

		if p.pollEvery <= 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.closed:
			return nil
		case <-time.After(p.pollEvery):
		}
	}
}

// runRound dispatches one batch of concurrent requests covering the
// next available block ranges and delivers them, in order, to insert.
// It reports whether any work was done.
func (p *Pool) runRound(ctx context.Context) (bool, error) {
	height := p.height.Load()
	last := p.last.Load()

	if last >= height {
		return false, nil
	}

	start := last + 1
	if last == 0 && height > 0 {
		// last == 0 is ambiguous (could mean "nothing ingested yet" or
		// "block 0 ingested"); Insert's own monotonic check is the real
		// guard, so this only decides where the very first round starts.
		start = last
	}

	ranges := make([][2]uint64, 0, p.connections)
	from := start
	for i := 0; i < p.connections && from <= height; i++ {
		// Each request spans BatchBlocks+1 blocks ([from, from+BATCH]
		// inclusive), mirroring the reference loader's request sizing.
		to := from + uint64(p.batchBlocks)
		if to > height {
			to = height
		}
		ranges = append(ranges, [2]uint64{from, to})
		from = to + 1
	}
	if len(ranges) == 0 {
		return false, nil
	}

	results := make([]roundResult, len(ranges))

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(p.connections)

	for i, r := range ranges {
		i, r := i, r
		eg.Go(func() error {
			if p.limiter != nil {
				if err := p.limiter.Wait(egCtx); err != nil {
					return err
				}
			}
			records, err := p.fetchWithRetry(egCtx, r[0], r[1])
			results[i] = roundResult{from: r[0], to: r[1], records: records, err: err}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return false, err
	}

	sort.Slice(results, func(i, j int) bool { return results[i].from < results[j].from })

	for _, res := range results {
		if res.err != nil {
			p.log.Error("fetch round failed", zap.Uint64("from", res.from), zap.Uint64("to", res.to), zap.Error(res.err))
			return false, res.err
		}
		if len(res.records) > 0 {
			if err := p.insert(res.records); err != nil {
				return false, err
			}
		}
		p.last.Store(res.to)
	}

	p.log.Debug("fetch round complete", zap.Uint64("from", ranges[0][0]), zap.Uint64("to", ranges[len(ranges)-1][1]))
	return true, nil
}

func (p *Pool) fetchWithRetry(ctx context.Context, from, to uint64) ([]store.LogRecord, error) {
	var records []store.LogRecord

	bo := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	operation := func() error {
		var err error
		records, err = p.client.Load().GetLogs(ctx, from, to)
		return err
	}

	if err := backoff.Retry(operation, bo); err != nil {
		return nil, err
	}
	return records, nil
}
