package async

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	errspkg "github.com/wuayee/fitbroker/internal/runtime/errors"
)

// Task is a unit of work handed to an Executor.
type Task func()

// Executor runs tasks off the calling goroutine. Execute must not block on a
// saturated executor; it returns an error wrapping errors.ErrRejected instead.
type Executor interface {
	Execute(task Task) error
}

// PoolConfig sizes a PoolExecutor.
type PoolConfig struct {
	// Core workers stay alive while idle.
	Core int
	// Max bounds the number of concurrently running tasks.
	Max int
	// KeepAlive is how long a worker above Core may stay idle.
	KeepAlive time.Duration
	// Queue is the number of tasks that may wait for a busy pool.
	Queue int
}

// DefaultPoolConfig is used for the unnamed executor of a module.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{Core: 10, Max: 10, KeepAlive: 60 * time.Second, Queue: 1}
}

func (c PoolConfig) withDefaults() PoolConfig {
	def := DefaultPoolConfig()
	if c.Max <= 0 {
		c.Max = def.Max
	}
	if c.Core < 0 {
		c.Core = 0
	}
	if c.Core > c.Max {
		c.Core = c.Max
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = def.KeepAlive
	}
	if c.Queue < 0 {
		c.Queue = 0
	}
	return c
}

// PoolExecutor is a bounded worker pool. Workers are started on demand up to
// Max; once all are busy and the queue is full further tasks are rejected.
type PoolExecutor struct {
	name    string
	conf    PoolConfig
	slots   *semaphore.Weighted
	live    atomic.Int64
	handoff chan Task
	queue   chan Task
	done    chan struct{}
	// mu orders Execute against Close: once Close holds it no task can be
	// queued behind the final drain.
	mu      sync.RWMutex
	closed  bool
	once    sync.Once
	wg      sync.WaitGroup
}

func NewPoolExecutor(name string, conf PoolConfig) *PoolExecutor {
	conf = conf.withDefaults()
	return &PoolExecutor{
		name:    name,
		conf:    conf,
		slots:   semaphore.NewWeighted(int64(conf.Max)),
		handoff: make(chan Task),
		queue:   make(chan Task, conf.Queue),
		done:    make(chan struct{}),
	}
}

// Config returns the effective pool sizing.
func (p *PoolExecutor) Config() PoolConfig { return p.conf }

// Running returns the number of live workers.
func (p *PoolExecutor) Running() int { return int(p.live.Load()) }

func (p *PoolExecutor) Execute(task Task) error {
	if task == nil {
		return errspkg.New(errspkg.KindInvalid, "pool.execute", p.name, nil)
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return errspkg.New(errspkg.KindRejected, "pool.execute", p.name, errPoolClosed)
	}

	select {
	case p.handoff <- task:
		return nil
	default:
	}

	if p.slots.TryAcquire(1) {
		p.live.Add(1)
		p.wg.Add(1)
		go p.work(task)
		return nil
	}

	select {
	case p.queue <- task:
		return nil
	default:
		return errspkg.New(errspkg.KindRejected, "pool.execute", p.name, nil)
	}
}

// Close stops accepting tasks, runs what is queued and waits for running
// tasks until ctx ends.
func (p *PoolExecutor) Close(ctx context.Context) error {
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.done)
		p.mu.Unlock()
	})

	finished := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *PoolExecutor) work(task Task) {
	defer p.wg.Done()
	task()

	idle := time.NewTimer(p.conf.KeepAlive)
	defer idle.Stop()
	for {
		select {
		case t := <-p.handoff:
			t()
		case t := <-p.queue:
			t()
		case <-idle.C:
			if p.retire() {
				// A task may have been queued while this worker was retiring.
				if len(p.queue) == 0 || !p.slots.TryAcquire(1) {
					return
				}
				p.live.Add(1)
			}
		case <-p.done:
			p.drain()
			p.live.Add(-1)
			p.slots.Release(1)
			return
		}
		resetTimer(idle, p.conf.KeepAlive)
	}
}

func (p *PoolExecutor) retire() bool {
	for {
		n := p.live.Load()
		if n <= int64(p.conf.Core) {
			return false
		}
		if p.live.CompareAndSwap(n, n-1) {
			p.slots.Release(1)
			return true
		}
	}
}

func (p *PoolExecutor) drain() {
	for {
		select {
		case t := <-p.queue:
			t()
		default:
			return
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
