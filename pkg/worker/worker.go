package worker

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hubbub-bot/hubbub/pkg/dispatch"
	"github.com/hubbub-bot/hubbub/pkg/observability"
)

// DefaultCallTimeout bounds a single unit of work. A plugin that hangs
// loses its slot, not the whole pool.
const DefaultCallTimeout = 30 * time.Second

type connKey struct{}

// ConnFromContext returns the database connection reserved for the
// current unit of work, if one was attached.
func ConnFromContext(ctx context.Context) (*sql.Conn, bool) {
	conn, ok := ctx.Value(connKey{}).(*sql.Conn)
	return conn, ok
}

// Pool executes dispatch tasks on a fixed set of workers. Each unit of
// work runs with a deadline and, when a database is attached, with a
// single connection reserved for its whole duration, so a plugin's
// queries within one command never interleave with another's.
type Pool struct {
	log     *logrus.Logger
	metrics *observability.Metrics
	router  *dispatch.Router
	db      *sql.DB

	workers int
	timeout time.Duration
	tasks   chan *dispatch.Task

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewPool creates a pool of the given size over a bounded queue. db may
// be nil, in which case units run without a reserved connection.
func NewPool(router *dispatch.Router, db *sql.DB, workers, queueSize int, metrics *observability.Metrics, log *logrus.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	if log == nil {
		log = logrus.New()
	}
	return &Pool{
		log:     log,
		metrics: metrics,
		router:  router,
		db:      db,
		workers: workers,
		timeout: DefaultCallTimeout,
		tasks:   make(chan *dispatch.Task, queueSize),
	}
}

// SetCallTimeout overrides the per-unit deadline.
func (p *Pool) SetCallTimeout(d time.Duration) {
	p.timeout = d
}

// Submit queues a task without blocking. A full queue or a shut-down pool
// rejects the task; re-synthesized commands past the allowed depth are
// refused outright.
func (p *Pool) Submit(t *dispatch.Task) error {
	if depth := t.Inv.SyntheticDepth(); depth > 1 {
		return &dispatch.SyntheticLoopError{Depth: depth}
	}

	// The closed-check and the send stay under one lock: Shutdown closes
	// the channel under the same mutex, so the send can never race a
	// close. The send itself never blocks.
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("worker pool is shut down")
	}

	select {
	case p.tasks <- t:
		p.metrics.AddQueueDepth(1)
		return nil
	default:
		p.metrics.ObserveUnit("rejected", 0)
		return fmt.Errorf("worker queue is full")
	}
}

// Run starts the workers and blocks until ctx is cancelled, then drains
// the queue and stops.
func (p *Pool) Run(ctx context.Context) error {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.work(i)
	}

	<-ctx.Done()
	p.Shutdown()
	return ctx.Err()
}

// Shutdown stops accepting tasks, lets queued tasks finish and waits for
// the workers to exit. Safe to call more than once.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.wg.Wait()
		return
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pool) work(id int) {
	defer p.wg.Done()
	for t := range p.tasks {
		p.metrics.AddQueueDepth(-1)
		p.runTask(t)
	}
}

// runTask executes one unit of work: reserve a connection, bound the
// call, recover panics, report failures to the requester.
func (p *Pool) runTask(t *dispatch.Task) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	if p.db != nil {
		conn, err := p.db.Conn(ctx)
		if err != nil {
			p.log.WithError(err).Errorf("no database connection for task %s", t.ID)
			p.metrics.ObserveUnit("error", 0)
			p.router.ExceptionReply(ctx, t, err)
			return
		}
		defer conn.Close()
		ctx = context.WithValue(ctx, connKey{}, conn)
	}

	start := time.Now()
	err := p.runRecovered(ctx, t)
	elapsed := time.Since(start)

	switch {
	case err == nil:
		p.metrics.ObserveUnit("ok", elapsed)
	case ctx.Err() == context.DeadlineExceeded:
		p.metrics.ObserveUnit("timeout", elapsed)
		p.log.Errorf("task %s (%s %s) exceeded its deadline", t.ID, t.Kind, t.Plugin)
		p.router.ExceptionReply(ctx, t, fmt.Errorf("the %s command took too long and was cancelled", t.Plugin))
	default:
		p.metrics.ObserveUnit("error", elapsed)
		p.router.ExceptionReply(ctx, t, err)
	}
}

// runRecovered converts a panicking plugin into an error instead of a
// dead worker.
func (p *Pool) runRecovered(ctx context.Context, t *dispatch.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("plugin %s panicked: %v", t.Plugin, r)
		}
	}()
	return t.Run(ctx)
}
