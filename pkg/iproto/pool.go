package iproto

import (
	"sync"

	"github.com/bobboyms/storage-engine/pkg/netbuf"
)

// Job is one dequeued request awaiting a worker.
type Job struct {
	Req    *Request
	Reply  *netbuf.Queue
	Done   chan struct{}
	Handle Handler
}

// Pool is a bounded goroutine pool draining a shared processing queue,
// standing in for the single OS thread of the original cooperative
// runtime: the pool size is the concurrency budget, not a
// one-goroutine-per-request scheme. A connection's reader submits each
// complete request as its own job without waiting for earlier ones, so
// several requests of one connection can be in flight at once, each
// writing to its own reply queue.
type Pool struct {
	jobs chan Job
	wg   sync.WaitGroup
}

// NewPool starts workers goroutines draining the shared job channel.
func NewPool(workers int, queueDepth int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueDepth <= 0 {
		queueDepth = workers * 4
	}
	p := &Pool{jobs: make(chan Job, queueDepth)}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.run()
	}
	return p
}

func (p *Pool) run() {
	defer p.wg.Done()
	for job := range p.jobs {
		job.Handle(job.Req, job.Reply)
		close(job.Done)
	}
}

// Submit enqueues a job, blocking if the queue is full — this is the
// suspension point a connection's reader hits when the worker pool is
// saturated, equivalent to the original's prepare-phase hook draining
// the processing queue.
func (p *Pool) Submit(job Job) {
	p.jobs <- job
}

// Close stops accepting new jobs and waits for in-flight ones to drain.
func (p *Pool) Close() {
	close(p.jobs)
	p.wg.Wait()
}
