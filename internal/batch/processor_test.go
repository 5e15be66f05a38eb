package batch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/josephgoksu/taskgraph/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testItem struct {
	id        string
	deps      []string
	cancelled bool
}

func (i testItem) Identity() string        { return i.id }
func (i testItem) DependencyIDs() []string { return i.deps }
func (i testItem) Cancelled() bool         { return i.cancelled }

func item(id string, deps ...string) testItem { return testItem{id: id, deps: deps} }

func newTestProcessor(concurrency int) *Processor[testItem] {
	p := New[testItem](Options{ChunkSize: 10, Concurrency: concurrency, MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}, nil)
	p.sleep = func(context.Context, time.Duration) error { return nil }
	return p
}

// recorder captures execution order.
type recorder struct {
	mu    sync.Mutex
	order []string
}

func (r *recorder) op(_ context.Context, it testItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = append(r.order, it.id)
	return nil
}

func indexIn(s []string, v string) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return -1
}

func TestProcess_DependencyOrder(t *testing.T) {
	// C depends on B, B depends on A; submitted in reverse.
	items := []testItem{item("C", "B"), item("B", "A"), item("A")}

	for _, concurrency := range []int{1, 4} {
		rec := &recorder{}
		res, err := newTestProcessor(concurrency).Process(context.Background(), items, 0, rec.op, nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"A", "B", "C"}, res.Order)
		assert.Equal(t, []string{"A", "B", "C"}, rec.order, "concurrency %d", concurrency)
		assert.Equal(t, 3, res.Processed)
	}
}

func TestProcess_OrderHoldsAcrossChunksAndConcurrency(t *testing.T) {
	items := []testItem{
		item("d", "b", "c"),
		item("b", "a"),
		item("c", "a"),
		item("a"),
		item("e", "d"),
		item("x"),
	}
	rec := &recorder{}
	res, err := newTestProcessor(8).Process(context.Background(), items, 2, rec.op, nil)
	require.NoError(t, err)
	require.Len(t, rec.order, 6)
	for _, it := range items {
		for _, dep := range it.deps {
			assert.Less(t, indexIn(rec.order, dep), indexIn(rec.order, it.id), "%s before %s", dep, it.id)
		}
	}
	assert.Equal(t, 6, res.Processed)
}

func TestProcess_CycleAbortsWithoutSideEffects(t *testing.T) {
	var calls atomic.Int32
	op := func(context.Context, testItem) error { calls.Add(1); return nil }

	_, err := newTestProcessor(2).Process(context.Background(), []testItem{item("A", "B"), item("B", "A"), item("Z")}, 0, op, nil)

	var ve *types.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, types.CodeCircularDependency, ve.Code())
	assert.ElementsMatch(t, []string{"A", "B"}, ve.Violations[0].Related)
	assert.Zero(t, calls.Load(), "operation must never run for a cyclic batch")
}

func TestProcess_ExternalDependencyIsNotProcessed(t *testing.T) {
	rec := &recorder{}
	res, err := newTestProcessor(1).Process(context.Background(), []testItem{item("a", "stored")}, 0, rec.op, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, rec.order)
	assert.Equal(t, []string{"a"}, res.Order)
}

func TestProcess_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	op := func(context.Context, testItem) error {
		if calls.Add(1) < 3 {
			return &types.StorageError{Op: "save", Transient: true, Err: errors.New("database is locked")}
		}
		return nil
	}

	res, err := newTestProcessor(1).Process(context.Background(), []testItem{item("a")}, 0, op, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempts["a"])
	assert.Equal(t, OutcomeSucceeded, res.Outcomes["a"])
}

func TestProcess_PermanentFailureNotRetried(t *testing.T) {
	var calls atomic.Int32
	op := func(context.Context, testItem) error {
		calls.Add(1)
		return &types.StorageError{Op: "save", Err: errors.New("constraint failed")}
	}

	res, err := newTestProcessor(1).Process(context.Background(), []testItem{item("a")}, 0, op, nil)
	var be *types.BulkOperationError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, be.Failed)
}

func TestProcess_BlockedHaltedAndSkipped(t *testing.T) {
	items := []testItem{
		item("a"),
		item("b", "a"),
		item("c"),
		item("d", "c"),
	}
	op := func(_ context.Context, it testItem) error {
		if it.id == "a" {
			return errors.New("boom")
		}
		return nil
	}

	// chunk 1: a, c   chunk 2: b, d
	res, err := newTestProcessor(1).Process(context.Background(), items, 2, op, nil)
	require.Error(t, err)
	assert.Equal(t, []string{"a", "c", "b", "d"}, res.Order)
	assert.Equal(t, OutcomeFailed, res.Outcomes["a"])
	assert.Equal(t, OutcomeSucceeded, res.Outcomes["c"])
	assert.Equal(t, OutcomeSkipped, res.Outcomes["b"])
	assert.Equal(t, OutcomeSkipped, res.Outcomes["d"])
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 2, res.Skipped)
}

func TestProcess_BlockedWithinChunk(t *testing.T) {
	items := []testItem{item("a"), item("b", "a"), item("c", "b")}
	var calls atomic.Int32
	op := func(_ context.Context, it testItem) error {
		calls.Add(1)
		if it.id == "a" {
			return errors.New("boom")
		}
		return nil
	}

	res, err := newTestProcessor(3).Process(context.Background(), items, 10, op, nil)
	require.Error(t, err)
	assert.Equal(t, OutcomeBlocked, res.Outcomes["b"])
	assert.Equal(t, OutcomeBlocked, res.Outcomes["c"])
	assert.Equal(t, int32(1), calls.Load())
	assert.Len(t, res.Errors, 3)
}

func TestProcess_CancelledPropagates(t *testing.T) {
	items := []testItem{{id: "a", cancelled: true}, item("b", "a"), item("c")}
	rec := &recorder{}

	res, err := newTestProcessor(1).Process(context.Background(), items, 0, rec.op, nil)
	require.Error(t, err)
	assert.Equal(t, OutcomeCancelled, res.Outcomes["a"])
	assert.Equal(t, OutcomeCancelled, res.Outcomes["b"])
	assert.Equal(t, OutcomeSucceeded, res.Outcomes["c"])
	assert.Equal(t, []string{"c"}, rec.order)
}

func TestProcess_ContextCancelledBeforeDispatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec := &recorder{}

	res, err := newTestProcessor(1).Process(ctx, []testItem{item("a")}, 0, rec.op, nil)
	require.Error(t, err)
	assert.Equal(t, OutcomeCancelled, res.Outcomes["a"])
	assert.Empty(t, rec.order)
}

func TestProcess_ProgressIsObservational(t *testing.T) {
	var phases []Phase
	progress := func(p Progress) {
		phases = append(phases, p.Phase)
		panic("observer bug")
	}
	rec := &recorder{}

	res, err := newTestProcessor(1).Process(context.Background(), []testItem{item("a"), item("b")}, 1, rec.op, progress)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, []Phase{PhaseChunkStart, PhaseChunkComplete, PhaseChunkStart, PhaseChunkComplete}, phases)
}

func TestProcess_DuplicateIdentityRejected(t *testing.T) {
	_, err := newTestProcessor(1).Process(context.Background(), []testItem{item("a"), item("a")}, 0, (&recorder{}).op, nil)
	assert.Equal(t, types.KindValidation, types.KindOf(err))
}

func TestBackoffIsCapped(t *testing.T) {
	p := New[testItem](Options{BaseDelay: 10 * time.Millisecond, MaxDelay: 40 * time.Millisecond}, nil)
	for attempt := 1; attempt <= 8; attempt++ {
		d := p.backoff(attempt)
		assert.LessOrEqual(t, d, 40*time.Millisecond, "attempt %d", attempt)
		assert.Greater(t, d, time.Duration(0))
	}
	for i := 0; i < 100; i++ {
		d := p.backoff(1)
		assert.GreaterOrEqual(t, d, 7500*time.Microsecond)
		assert.Less(t, d, 12500*time.Microsecond)
	}
}
