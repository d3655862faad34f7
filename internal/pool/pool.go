// Package pool provides the global admission semaphore and the two
// fairness-isolated worker pools (hit, miss) the dispatch engine posts
// request continuations to.
package pool

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/looplj/cacheproxy/internal/log"
)

// channelCapacity is the bounded channel size backing each worker pool.
const channelCapacity = 2048

// admissionTimeout is the hard wait budget for acquiring the global permit.
const admissionTimeout = 10 * time.Second

// Admission caps the number of in-flight upstream requests.
type Admission struct {
	sem *semaphore.Weighted
}

// NewAdmission returns an Admission gate allowing up to maxConcurrent
// permits outstanding at once.
func NewAdmission(maxConcurrent int64) *Admission {
	return &Admission{sem: semaphore.NewWeighted(maxConcurrent)}
}

// Acquire blocks for up to the admission timeout. Returns false if the
// timeout elapsed before a permit was available.
func (a *Admission) Acquire(ctx context.Context) bool {
	acquireCtx, cancel := context.WithTimeout(ctx, admissionTimeout)
	defer cancel()

	return a.sem.Acquire(acquireCtx, 1) == nil
}

// Release returns a previously-acquired permit.
func (a *Admission) Release() {
	a.sem.Release(1)
}

// Pool is a fixed-size worker pool fed by a bounded channel, one of the two
// fairness islands (hit or miss) so bursts on one branch cannot starve the
// other.
type Pool struct {
	name    string
	tasks   chan func(context.Context)
	done    chan struct{}
	workers int
}

// NewPool starts workers goroutines draining a channel of capacity
// channelCapacity. name is used only for logging.
func NewPool(name string, workers int) *Pool {
	if workers <= 0 {
		workers = 1
	}

	p := &Pool{
		name:    name,
		tasks:   make(chan func(context.Context), channelCapacity),
		done:    make(chan struct{}),
		workers: workers,
	}

	for i := 0; i < workers; i++ {
		go p.runWorker()
	}

	return p
}

func (p *Pool) runWorker() {
	for {
		select {
		case <-p.done:
			return
		case task, ok := <-p.tasks:
			if !ok {
				return
			}

			task(context.Background())
		}
	}
}

// Submit enqueues a task. Returns an error if the channel is full, so
// callers can decide how to degrade rather than block indefinitely.
func (p *Pool) Submit(task func(context.Context)) error {
	select {
	case p.tasks <- task:
		return nil
	default:
		return fmt.Errorf("pool %s: queue full", p.name)
	}
}

// Stop signals the workers to exit. In-flight tasks are allowed to finish,
// and a worker may still start a queued task before it sees the signal;
// tasks left in the queue after that are never run.
func (p *Pool) Stop() {
	close(p.done)
}

// Pools bundles the two fairness-isolated pools the dispatch engine uses.
type Pools struct {
	Hit  *Pool
	Miss *Pool
}

// New returns hit and miss pools sized per configuration.
func New(hitWorkers, missWorkers int) *Pools {
	log.Info(context.Background(), "starting worker pools",
		log.Int("hit_workers", hitWorkers), log.Int("miss_workers", missWorkers))

	return &Pools{
		Hit:  NewPool("hit", hitWorkers),
		Miss: NewPool("miss", missWorkers),
	}
}

// Stop stops both pools.
func (p *Pools) Stop() {
	p.Hit.Stop()
	p.Miss.Stop()
}
