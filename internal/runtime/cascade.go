package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zutils/protocols/internal/runtime/envelope"
	errspkg "github.com/zutils/protocols/internal/runtime/errors"
	"github.com/zutils/protocols/internal/runtime/ids"
	"github.com/zutils/protocols/internal/runtime/logging"
	"github.com/zutils/protocols/internal/runtime/metadata"
)

// CascadeTask is one follow-up message waiting to be handled.
type CascadeTask struct {
	ID         string
	Data       envelope.Data
	Depth      int
	EnqueuedAt time.Time
}

// CascadeFunc handles a follow-up and returns its own follow-ups together
// with the messages of any Error results.
type CascadeFunc func(ctx context.Context, data envelope.Data) (followUps []envelope.Data, errs []string)

// CascadeHooks observes the cascade. All hooks are optional.
type CascadeHooks struct {
	OnDropped func(task CascadeTask, reason error)
	OnFailed  func(task CascadeTask, messages []string)
	OnDone    func(task CascadeTask, followUps int)
}

// Merge combines two CascadeHooks; other runs after h.
func (h CascadeHooks) Merge(other CascadeHooks) CascadeHooks {
	return CascadeHooks{
		OnDropped: chainErrorHooks(h.OnDropped, other.OnDropped),
		OnFailed:  chainTaskHooks(h.OnFailed, other.OnFailed),
		OnDone:    chainTaskHooks(h.OnDone, other.OnDone),
	}
}

func chainTaskHooks[V any](a, b func(CascadeTask, V)) func(CascadeTask, V) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(task CascadeTask, v V) {
		a(task, v)
		b(task, v)
	}
}

// CascadeConfig sizes a CascadeQueue.
type CascadeConfig struct {
	Workers   int
	QueueSize int
	// MaxDepth bounds follow-up chains. The follow-ups of a dispatch have
	// depth one.
	MaxDepth int
	Logger   logging.ServiceLogger
	Metrics  *Metrics
	Hooks    CascadeHooks
}

func (cfg CascadeConfig) withDefaults() CascadeConfig {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 8
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	return cfg
}

// CascadeStats is a point-in-time view of a CascadeQueue.
type CascadeStats struct {
	Workers   int    `json:"workers"`
	Capacity  int    `json:"capacity"`
	MaxDepth  int    `json:"max_depth"`
	Pending   int    `json:"pending"`
	Enqueued  uint64 `json:"enqueued"`
	Processed uint64 `json:"processed"`
	Dropped   uint64 `json:"dropped"`
	Failed    uint64 `json:"failed"`
	Closed    bool   `json:"closed"`
}

// CascadeQueue re-dispatches follow-up messages on a fixed worker pool.
// Enqueue never blocks: work that does not fit, or that is too deep, is
// dropped, logged and counted. Failures are never reported to the caller
// that produced the follow-ups.
type CascadeQueue struct {
	cfg     CascadeConfig
	process CascadeFunc
	log     logging.ServiceLogger

	tasks  chan CascadeTask
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	enqueued  atomic.Uint64
	processed atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
}

// NewCascadeQueue starts cfg.Workers workers running process.
func NewCascadeQueue(cfg CascadeConfig, process CascadeFunc) *CascadeQueue {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	q := &CascadeQueue{
		cfg:     cfg,
		process: process,
		log:     cfg.Logger.With(logging.LogFields{"component": "cascade"}),
		tasks:   make(chan CascadeTask, cfg.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
	}
	q.wg.Add(cfg.Workers)
	for range cfg.Workers {
		go q.work()
	}
	return q
}

// Enqueue schedules items at depth. It returns the joined reasons of every
// dropped item; the accepted items are queued regardless.
func (q *CascadeQueue) Enqueue(items []envelope.Data, depth int) error {
	var errs []error
	for _, data := range items {
		task := CascadeTask{
			ID:         ids.CreateULID(),
			Data:       data,
			Depth:      depth,
			EnqueuedAt: time.Now(),
		}
		if err := q.push(task); err != nil {
			q.drop(task, err)
			errs = append(errs, err)
		}
	}
	q.cfg.Metrics.SetCascadePending(len(q.tasks))
	return errors.Join(errs...)
}

func (q *CascadeQueue) push(task CascadeTask) error {
	if task.Depth > q.cfg.MaxDepth {
		return fmt.Errorf("%w: depth %d exceeds %d", errspkg.ErrCascadeDepth, task.Depth, q.cfg.MaxDepth)
	}

	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return errspkg.ErrQueueClosed
	}
	select {
	case q.tasks <- task:
		q.enqueued.Add(1)
		q.cfg.Metrics.RecordCascade(CascadeEnqueued)
		return nil
	default:
		return fmt.Errorf("%w: capacity %d", errspkg.ErrQueueFull, q.cfg.QueueSize)
	}
}

func (q *CascadeQueue) drop(task CascadeTask, reason error) {
	q.dropped.Add(1)
	q.cfg.Metrics.RecordCascade(CascadeDropped)
	q.log.Warn("Dropping follow-up message", logging.LogFields{
		"task_id": task.ID,
		"schema":  string(task.Data.Schema),
		"depth":   task.Depth,
		"reason":  reason.Error(),
	})
	if q.cfg.Hooks.OnDropped != nil {
		q.cfg.Hooks.OnDropped(task, reason)
	}
}

func (q *CascadeQueue) work() {
	defer q.wg.Done()
	for task := range q.tasks {
		q.run(task)
	}
}

func (q *CascadeQueue) run(task CascadeTask) {
	q.cfg.Metrics.SetCascadePending(len(q.tasks))
	if q.ctx.Err() != nil {
		q.drop(task, q.ctx.Err())
		return
	}

	ctx := metadata.ContextWithCorrelationID(q.ctx, task.ID)
	followUps, errs := q.process(ctx, task.Data)
	q.processed.Add(1)
	q.cfg.Metrics.RecordCascade(CascadeProcessed)

	if len(errs) > 0 {
		q.failed.Add(1)
		q.cfg.Metrics.RecordCascade(CascadeFailed)
		q.log.Error("Follow-up message failed", nil, logging.LogFields{
			"task_id": task.ID,
			"schema":  string(task.Data.Schema),
			"depth":   task.Depth,
			"errors":  errs,
		})
		if q.cfg.Hooks.OnFailed != nil {
			q.cfg.Hooks.OnFailed(task, errs)
		}
	}
	if q.cfg.Hooks.OnDone != nil {
		q.cfg.Hooks.OnDone(task, len(followUps))
	}
	if len(followUps) > 0 {
		_ = q.Enqueue(followUps, task.Depth+1)
	}
}

// Stats returns the current counters.
func (q *CascadeQueue) Stats() CascadeStats {
	q.mu.RLock()
	closed := q.closed
	q.mu.RUnlock()
	return CascadeStats{
		Workers:   q.cfg.Workers,
		Capacity:  q.cfg.QueueSize,
		MaxDepth:  q.cfg.MaxDepth,
		Pending:   len(q.tasks),
		Enqueued:  q.enqueued.Load(),
		Processed: q.processed.Load(),
		Dropped:   q.dropped.Load(),
		Failed:    q.failed.Load(),
		Closed:    closed,
	}
}

// Close stops accepting work and drains the queue. When ctx ends first the
// remaining work is cancelled and dropped, and ctx's error is returned.
// Follow-ups produced while draining are dropped.
func (q *CascadeQueue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.tasks)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		<-done
		return ctx.Err()
	}
}
