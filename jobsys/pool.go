package jobsys

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// ring is a fixed-capacity single-producer/multi-consumer deque used as
// a per-worker job queue. The owning worker pushes/pops from the tail;
// other workers steal from the head. Head and tail are independent
// atomics so a steal never blocks the owner.
type ring struct {
	buf        []*Job
	head, tail int64 // atomic
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]*Job, capacity)}
}

func (r *ring) pushLocal(j *Job) bool {
	t := atomic.LoadInt64(&r.tail)
	h := atomic.LoadInt64(&r.head)
	if t-h >= int64(len(r.buf)) {
		return false // full, caller runs it inline or the pool overflows to a shared queue.
	}
	r.buf[t%int64(len(r.buf))] = j
	atomic.AddInt64(&r.tail, 1)
	return true
}

func (r *ring) popLocal() *Job {
	t := atomic.AddInt64(&r.tail, -1)
	h := atomic.LoadInt64(&r.head)
	if t < h {
		atomic.StoreInt64(&r.tail, h)
		return nil
	}
	j := r.buf[t%int64(len(r.buf))]
	return j
}

func (r *ring) steal() *Job {
	h := atomic.LoadInt64(&r.head)
	t := atomic.LoadInt64(&r.tail)
	if h >= t {
		return nil
	}
	j := r.buf[h%int64(len(r.buf))]
	if atomic.CompareAndSwapInt64(&r.head, h, h+1) {
		return j
	}
	return nil // lost the race to another thief.
}

// Pool is a fixed-size worker group that executes a job graph,
// stealing work from neighboring queues when its own is empty: a
// worker whose local queue runs dry steals from the next worker rather
// than blocking.
type Pool struct {
	rings []*ring
	sem   *semaphore.Weighted // caps concurrently-busy workers for auto-spawned extra jobs.
	wake  chan struct{}
	done  int32 // atomic: jobs remaining this run.
	rrIdx int32 // atomic: round-robin ring assignment counter.
}

// NewPool creates a pool with n worker slots. n is typically
// runtime.NumCPU(); callers needing determinism across machine sizes
// should fix n explicitly.
func NewPool(n int) *Pool {
	if n < 1 {
		n = 1
	}
	p := &Pool{
		rings: make([]*ring, n),
		sem:   semaphore.NewWeighted(int64(n)),
		wake:  make(chan struct{}, n*4),
	}
	for i := range p.rings {
		p.rings[i] = newRing(1024)
	}
	return p
}

// Width returns the number of worker slots in the pool.
func (p *Pool) Width() int { return len(p.rings) }

func (p *Pool) enqueue(j *Job) {
	atomic.AddInt32(&p.done, 1)
	j.pool = p
	// round-robin over rings; any ring will do, ownership is only a
	// locality hint, not a correctness requirement.
	idx := int(atomic.AddInt32(&p.rrIdx, 1)) % len(p.rings)
	if !p.rings[idx].pushLocal(j) {
		// ring full: fall back to running it on whichever worker wakes
		// next by pushing into ring 0 best-effort; a production job
		// system would grow the ring, this is sized generously enough
		// (1024 in-flight jobs) that the fallback path is cold.
		for !p.rings[0].pushLocal(j) {
		}
	}
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run executes every job reachable from roots (and anything they
// transitively unblock) to completion, using up to Width() goroutines.
// It returns once no jobs remain outstanding. The supplied context, if
// cancelled, stops new jobs from being picked up but does not interrupt
// a job already running; within a job, execution is fully synchronous.
func (p *Pool) Run(ctx context.Context, roots ...*Job) error {
	for _, r := range roots {
		if r.deps != 0 {
			panic("jobsys: root job has unsatisfied dependencies")
		}
		p.enqueue(r)
	}

	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < len(p.rings); w++ {
		w := w
		g.Go(func() error {
			return p.runWorker(ctx, w)
		})
	}
	return g.Wait()
}

func (p *Pool) runWorker(ctx context.Context, id int) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)

	own := p.rings[id]
	idle := 0
	for atomic.LoadInt32(&p.done) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		j := own.popLocal()
		if j == nil {
			j = p.steal(id)
		}
		if j == nil {
			idle++
			if idle > 64 {
				select {
				case <-p.wake:
				case <-ctx.Done():
					return ctx.Err()
				}
				idle = 0
			}
			continue
		}
		idle = 0
		j.run()
		if atomic.AddInt32(&p.done, -1) == 0 {
			// Last job: wake every parked worker so they observe the
			// empty state and return instead of blocking forever.
			for range p.rings {
				select {
				case p.wake <- struct{}{}:
				default:
				}
			}
		}
	}
	return nil
}

func (p *Pool) steal(from int) *Job {
	n := len(p.rings)
	for i := 1; i < n; i++ {
		victim := (from + i) % n
		if j := p.rings[victim].steal(); j != nil {
			return j
		}
	}
	return nil
}
