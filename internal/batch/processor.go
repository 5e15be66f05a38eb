// Package batch executes item sets in dependency order with bounded
// concurrency, retry of transient failures and partial-failure reporting.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/josephgoksu/taskgraph/types"
	"golang.org/x/sync/errgroup"
)

// Item is anything with an identity and prerequisite identities.
type Item interface {
	Identity() string
	DependencyIDs() []string
}

// Canceller is implemented by items that can be cancelled before dispatch.
type Canceller interface {
	Cancelled() bool
}

// Outcome is the final state of one batch item.
type Outcome string

const (
	OutcomeSucceeded Outcome = "SUCCEEDED"
	OutcomeFailed    Outcome = "FAILED"
	OutcomeBlocked   Outcome = "BLOCKED"
	OutcomeCancelled Outcome = "CANCELLED"
	OutcomeSkipped   Outcome = "SKIPPED"
)

// Operation is applied once per item (plus retries).
type Operation[T Item] func(ctx context.Context, item T) error

// Phase marks where in a chunk a progress report was taken.
type Phase string

const (
	PhaseChunkStart    Phase = "chunk_start"
	PhaseChunkComplete Phase = "chunk_complete"
)

// Progress is passed to the progress callback at chunk boundaries.
type Progress struct {
	Phase      Phase
	Chunk      int // zero-based
	Chunks     int
	Identities []string
	Processed  int
	Failed     int
}

// ProgressFunc observes progress. It cannot influence control flow.
type ProgressFunc func(Progress)

// Recorder receives per-item outcomes and batch durations.
type Recorder interface {
	RecordBatchItem(ctx context.Context, outcome string)
	RecordBatchDuration(ctx context.Context, d time.Duration)
}

// Options tunes a Processor.
type Options struct {
	ChunkSize   int
	Concurrency int
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// OptionsFromConfig maps configuration onto Options.
func OptionsFromConfig(cfg types.BatchConfig) Options {
	return Options{
		ChunkSize:   cfg.ChunkSize,
		Concurrency: cfg.Concurrency,
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   cfg.BaseDelay,
		MaxDelay:    cfg.MaxDelay,
	}
}

func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = 50
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = 50 * time.Millisecond
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 2 * time.Second
	}
	if o.MaxDelay < o.BaseDelay {
		o.MaxDelay = o.BaseDelay
	}
	return o
}

// Result summarizes a batch run.
type Result struct {
	Processed int
	Failed    int
	Blocked   int
	Cancelled int
	Skipped   int
	// Order is the topological order of the batch items.
	Order    []string
	Outcomes map[string]Outcome
	Attempts map[string]int
	Errors   []types.ItemError
}

// Processor runs dependency-ordered batches.
type Processor[T Item] struct {
	opts     Options
	logger   *slog.Logger
	recorder Recorder
	sleep    func(ctx context.Context, d time.Duration) error
}

// New creates a Processor. A nil logger discards output.
func New[T Item](opts Options, logger *slog.Logger) *Processor[T] {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Processor[T]{
		opts:   opts.withDefaults(),
		logger: logger.With("component", "batch"),
		sleep:  sleepCtx,
	}
}

// WithRecorder attaches a metrics recorder.
func (p *Processor[T]) WithRecorder(r Recorder) *Processor[T] {
	p.recorder = r
	return p
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Order topologically sorts items with Kahn's algorithm. Every referenced
// identity is a node; the queue is seeded in first-appearance order so the
// result is deterministic. Identities outside the batch are dropped from the
// returned order. A cycle yields a CIRCULAR_DEPENDENCY ValidationError.
func Order[T Item](items []T) ([]string, error) {
	var nodes []string
	seen := make(map[string]bool)
	addNode := func(id string) {
		if !seen[id] {
			seen[id] = true
			nodes = append(nodes, id)
		}
	}

	inBatch := make(map[string]bool, len(items))
	dependents := make(map[string][]string)
	indegree := make(map[string]int)
	for _, it := range items {
		id := it.Identity()
		if inBatch[id] {
			return nil, types.NewValidationError(types.CodeInvalidField, id,
				fmt.Sprintf("identity %s appears more than once in the batch", id))
		}
		inBatch[id] = true
		addNode(id)
		edge := make(map[string]bool)
		for _, dep := range it.DependencyIDs() {
			if edge[dep] {
				continue
			}
			edge[dep] = true
			addNode(dep)
			dependents[dep] = append(dependents[dep], id)
			indegree[id]++
		}
	}

	queue := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if indegree[n] == 0 {
			queue = append(queue, n)
		}
	}

	sorted := make([]string, 0, len(nodes))
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		sorted = append(sorted, n)
		for _, d := range dependents[n] {
			indegree[d]--
			if indegree[d] == 0 {
				queue = append(queue, d)
			}
		}
	}

	if len(sorted) < len(nodes) {
		var stuck []string
		done := make(map[string]bool, len(sorted))
		for _, n := range sorted {
			done[n] = true
		}
		for _, n := range nodes {
			if !done[n] {
				stuck = append(stuck, n)
			}
		}
		msg := fmt.Sprintf("circular dependency among batch items: %s", strings.Join(stuck, ", "))
		return nil, types.ValidationErrorFrom([]types.Violation{{
			Code:     types.CodeCircularDependency,
			Identity: stuck[0],
			Message:  msg,
			Severity: types.SeverityError,
			Related:  stuck,
		}})
	}

	order := make([]string, 0, len(items))
	for _, n := range sorted {
		if inBatch[n] {
			order = append(order, n)
		}
	}
	return order, nil
}

// run holds the mutable state of one Process call.
type run[T Item] struct {
	mu       sync.Mutex
	items    map[string]T
	outcomes map[string]Outcome
	attempts map[string]int
	errs     map[string]error
}

func (r *run[T]) set(id string, o Outcome, attempts int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[id] = o
	r.attempts[id] = attempts
	if err != nil {
		r.errs[id] = err
	}
}

func (r *run[T]) outcome(id string) (Outcome, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.outcomes[id]
	return o, ok
}

// Process orders items, splits them into chunks of chunkSize (zero uses the
// configured size) and applies op. Chunks run strictly in order; after the
// first chunk with a failed item nothing else is scheduled. The Result is
// always populated; the error is a *types.ValidationError for a cyclic
// batch (op never called) or a *types.BulkOperationError when any item did
// not succeed.
func (p *Processor[T]) Process(ctx context.Context, items []T, chunkSize int, op Operation[T], progress ProgressFunc) (Result, error) {
	started := time.Now()
	res := Result{
		Outcomes: make(map[string]Outcome, len(items)),
		Attempts: make(map[string]int, len(items)),
	}
	if len(items) == 0 {
		return res, nil
	}

	order, err := Order(items)
	if err != nil {
		p.logger.Warn("batch rejected", "items", len(items), "error", err)
		return res, err
	}
	res.Order = order

	if chunkSize <= 0 {
		chunkSize = p.opts.ChunkSize
	}
	var chunks [][]string
	for i := 0; i < len(order); i += chunkSize {
		chunks = append(chunks, order[i:min(i+chunkSize, len(order))])
	}

	r := &run[T]{
		items:    make(map[string]T, len(items)),
		outcomes: res.Outcomes,
		attempts: res.Attempts,
		errs:     make(map[string]error),
	}
	for _, it := range items {
		r.items[it.Identity()] = it
	}

	halted := false
	for ci, chunk := range chunks {
		if halted {
			for _, id := range chunk {
				r.set(id, OutcomeSkipped, 0, nil)
			}
			continue
		}
		p.report(progress, Progress{Phase: PhaseChunkStart, Chunk: ci, Chunks: len(chunks), Identities: chunk})

		p.runChunk(ctx, r, chunk, op)

		processed, failed := 0, 0
		for _, id := range chunk {
			switch o, _ := r.outcome(id); o {
			case OutcomeSucceeded:
				processed++
			case OutcomeFailed:
				failed++
			}
		}
		p.report(progress, Progress{Phase: PhaseChunkComplete, Chunk: ci, Chunks: len(chunks), Identities: chunk, Processed: processed, Failed: failed})

		if failed > 0 {
			halted = true
			p.logger.Warn("chunk failed; halting batch", "chunk", ci, "failed", failed, "remaining_chunks", len(chunks)-ci-1)
		}
	}

	for _, id := range order {
		o := res.Outcomes[id]
		switch o {
		case OutcomeSucceeded:
			res.Processed++
		case OutcomeFailed:
			res.Failed++
		case OutcomeBlocked:
			res.Blocked++
		case OutcomeCancelled:
			res.Cancelled++
		case OutcomeSkipped:
			res.Skipped++
		}
		if e, ok := r.errs[id]; ok {
			res.Errors = append(res.Errors, types.ItemError{Identity: id, Outcome: string(o), Attempts: res.Attempts[id], Err: e})
		}
		if p.recorder != nil {
			p.recorder.RecordBatchItem(ctx, string(o))
		}
	}
	if p.recorder != nil {
		p.recorder.RecordBatchDuration(ctx, time.Since(started))
	}

	p.logger.Info("batch complete",
		"items", len(order), "chunks", len(chunks),
		"processed", res.Processed, "failed", res.Failed, "blocked", res.Blocked,
		"cancelled", res.Cancelled, "skipped", res.Skipped,
		"duration_ms", time.Since(started).Milliseconds())

	if res.Failed > 0 || res.Blocked > 0 || res.Cancelled > 0 {
		return res, &types.BulkOperationError{Processed: res.Processed, Failed: res.Failed, Items: res.Errors}
	}
	return res, nil
}

// runChunk dispatches a chunk with bounded concurrency. Items are launched in
// topological order and wait for in-chunk prerequisites, so a slot is never
// held by an item whose prerequisite has not been launched.
func (p *Processor[T]) runChunk(ctx context.Context, r *run[T], chunk []string, op Operation[T]) {
	done := make(map[string]chan struct{}, len(chunk))
	for _, id := range chunk {
		done[id] = make(chan struct{})
	}

	var g errgroup.Group
	g.SetLimit(p.opts.Concurrency)
	for _, id := range chunk {
		g.Go(func() error {
			defer close(done[id])
			item := r.items[id]
			for _, dep := range item.DependencyIDs() {
				if ch, ok := done[dep]; ok {
					<-ch
				}
			}
			if o, err := p.gate(ctx, r, item); o != "" {
				r.set(id, o, 0, err)
				return nil
			}
			attempts, err := p.attempt(ctx, item, op)
			if err != nil {
				r.set(id, OutcomeFailed, attempts, err)
				return nil
			}
			r.set(id, OutcomeSucceeded, attempts, nil)
			return nil
		})
	}
	_ = g.Wait()
}

// gate decides whether item may run. A non-empty outcome means it must not.
func (p *Processor[T]) gate(ctx context.Context, r *run[T], item T) (Outcome, error) {
	id := item.Identity()
	var blockedBy, cancelledBy []string
	for _, dep := range item.DependencyIDs() {
		o, ok := r.outcome(dep)
		if !ok {
			// outside the batch
			continue
		}
		switch o {
		case OutcomeCancelled:
			cancelledBy = append(cancelledBy, dep)
		case OutcomeFailed, OutcomeBlocked, OutcomeSkipped:
			blockedBy = append(blockedBy, dep)
		}
	}
	if len(cancelledBy) > 0 {
		return OutcomeCancelled, fmt.Errorf("%s cancelled: prerequisite %s cancelled", id, strings.Join(cancelledBy, ", "))
	}
	if len(blockedBy) > 0 {
		return OutcomeBlocked, fmt.Errorf("%s blocked: prerequisite %s did not succeed", id, strings.Join(blockedBy, ", "))
	}
	if c, ok := any(item).(Canceller); ok && c.Cancelled() {
		return OutcomeCancelled, fmt.Errorf("%s cancelled", id)
	}
	if err := ctx.Err(); err != nil {
		return OutcomeCancelled, fmt.Errorf("%s cancelled before dispatch: %w", id, err)
	}
	return "", nil
}

// attempt runs op, retrying transient failures with capped exponential
// backoff and jitter.
func (p *Processor[T]) attempt(ctx context.Context, item T, op Operation[T]) (int, error) {
	var err error
	for attempt := 1; attempt <= p.opts.MaxAttempts; attempt++ {
		err = p.safeCall(ctx, item, op)
		if err == nil {
			return attempt, nil
		}
		if !types.IsTransient(err) || attempt == p.opts.MaxAttempts {
			return attempt, err
		}
		delay := p.backoff(attempt)
		p.logger.Debug("transient failure; retrying", "identity", item.Identity(), "attempt", attempt, "delay", delay, "error", err)
		if sleepErr := p.sleep(ctx, delay); sleepErr != nil {
			return attempt, fmt.Errorf("%w (retry abandoned: %v)", err, sleepErr)
		}
	}
	return p.opts.MaxAttempts, err
}

func (p *Processor[T]) safeCall(ctx context.Context, item T, op Operation[T]) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("operation panicked on %s: %v", item.Identity(), rec)
		}
	}()
	return op(ctx, item)
}

// backoff returns BaseDelay * 2^(attempt-1) with ±25% jitter, never above
// MaxDelay.
func (p *Processor[T]) backoff(attempt int) time.Duration {
	delay := p.opts.BaseDelay << uint(attempt-1)
	if delay > p.opts.MaxDelay || delay <= 0 {
		delay = p.opts.MaxDelay
	}
	if half := int64(delay / 2); half > 0 {
		delay = delay - delay/4 + time.Duration(rand.Int64N(half))
	}
	return min(delay, p.opts.MaxDelay)
}

func (p *Processor[T]) report(progress ProgressFunc, pr Progress) {
	if progress == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Error("progress callback panicked", "phase", pr.Phase, "chunk", pr.Chunk, "panic", rec)
		}
	}()
	progress(pr)
}
