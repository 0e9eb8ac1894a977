// Package workerpool implements the fixed-size thread pool that
// parallelizes the output dimension of every matmul dispatch: a bounded
// job ring (a buffered channel), a per-worker start semaphore, and a
// per-session completion counter with a barrier. Grounded on smp.c's
// clamma_session_worker/session_matmul[_qt] dispatch loop.
package workerpool

import (
	"fmt"
	"sync"
)

// ringSize bounds the job ring; a dispatch enqueues exactly Pool.threads
// jobs, so a ring of this size tolerates several sessions' dispatches
// in flight before a producer would need to block (smp.c asserts the ring
// never fills rather than blocking on it — this pool returns an error
// instead of asserting).
const ringSize = 4096

// Job is one row-range of work: run Fn(i, dlim) and, on completion, mark
// it done against Ticket's counter.
type Job struct {
	Fn          func(i, dlim int)
	I, DLim     int
	Ticket      *Ticket
}

// Ticket is a dispatch's completion counter: clamma_smp_sync_point's
// "queued" count and its sem_wait loop, re-expressed as a WaitGroup so
// several Dispatch calls can accumulate against one Ticket before a
// single Wait drains all of them — forward.go's dispatchQKV/dispatchFFNUp
// issue 2-3 Dispatch calls per barrier. One Ticket is reused across a
// session's entire lifetime (spec §4.4's per-session completion counter).
type Ticket struct {
	wg sync.WaitGroup
}

// NewTicket returns a Ticket ready for its first Dispatch.
func NewTicket() *Ticket {
	return &Ticket{}
}

// Wait blocks until every job dispatched against this Ticket since the
// last Wait has completed — the barrier/sync_point of spec §4.4.
func (t *Ticket) Wait() {
	t.wg.Wait()
}

// Pool is the fixed T-worker pool. Workers are started once by Start and
// run until Stop; Dispatch partitions [0, d) into T row-ranges (the last
// partition absorbing any remainder, per the worker partition formula
// pinned in SPEC_FULL) and queues one job per partition.
type Pool struct {
	threads int

	jobCh chan Job // the bounded job ring, as a buffered channel
	start []chan struct{}
	quit  chan struct{}
}

// New builds a Pool with the given thread count but does not start workers;
// call Start to launch them.
func New(threads int) *Pool {
	if threads < 1 {
		threads = 1
	}
	p := &Pool{
		threads: threads,
		jobCh:   make(chan Job, ringSize),
		quit:    make(chan struct{}),
	}
	p.start = make([]chan struct{}, threads)
	for i := range p.start {
		p.start[i] = make(chan struct{}, ringSize)
	}
	return p
}

// Threads returns the pool's fixed worker count.
func (p *Pool) Threads() int { return p.threads }

// Start launches the T worker goroutines. Call once.
func (p *Pool) Start() {
	for i := 0; i < p.threads; i++ {
		go p.worker(i)
	}
}

// Stop signals every worker to exit. A worker returns at its next select,
// even if jobs are still queued in the ring.
func (p *Pool) Stop() {
	close(p.quit)
}

// worker mirrors clamma_session_worker: wait on its start semaphore, then
// drain the shared job ring until empty, then go back to waiting.
func (p *Pool) worker(idx int) {
	for {
		select {
		case <-p.quit:
			return
		case <-p.start[idx]:
		}

		for {
			select {
			case <-p.quit:
				return
			case job, ok := <-p.jobCh:
				if !ok {
					return
				}
				job.Fn(job.I, job.DLim)
				job.Ticket.wg.Done()
			default:
				goto idle
			}
		}
	idle:
		continue
	}
}

// Dispatch partitions [0, d) into Pool.threads row-ranges and queues one
// job per partition against fn, then wakes every worker. It returns an
// error if the job ring is full — the Go analogue of smp.c's ring-full
// assert, returned as an ordinary error instead of aborting.
func (p *Pool) Dispatch(ticket *Ticket, d int, fn func(i, dlim int)) error {
	part := 0
	jobs := make([]Job, p.threads)
	for m := 0; m < p.threads; m++ {
		dlim := d
		if m != p.threads-1 {
			dlim = part + d/p.threads
		}
		jobs[m] = Job{Fn: fn, I: part, DLim: dlim, Ticket: ticket}
		part += d / p.threads
	}

	for _, j := range jobs {
		ticket.wg.Add(1)
		select {
		case p.jobCh <- j:
		default:
			// undo the credit for this unqueued job; jobs already sent
			// still carry theirs and will be drained and Done() normally.
			ticket.wg.Done()
			return fmt.Errorf("workerpool: job ring full (capacity %d)", ringSize)
		}
	}

	for _, s := range p.start {
		select {
		case s <- struct{}{}:
		default:
			// already has a pending wakeup queued; worker will drain the
			// ring fully on that wakeup regardless.
		}
	}
	return nil
}
