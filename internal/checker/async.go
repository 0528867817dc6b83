package checker

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const queueSize = 64

var (
	_ ObligationChecker = (*AsyncChecker)(nil)
	_ ObligationChecker = (*SmtChecker)(nil)
)

type request struct {
	ctx context.Context
	ob  *Obligation
	cb  Callback
}

// AsyncChecker queues obligations for a fixed set of workers, each with its
// own SmtChecker. Callbacks run on the worker goroutines.
type AsyncChecker struct {
	checkers []*SmtChecker
	queue    chan request
	pending  sync.WaitGroup
	group    errgroup.Group
	once     sync.Once
}

// NewAsyncChecker starts workers goroutines, building one checker for each
// with factory.
func NewAsyncChecker(workers int, factory func() (*SmtChecker, error)) (*AsyncChecker, error) {
	if workers < 1 {
		workers = 1
	}
	ac := &AsyncChecker{queue: make(chan request, queueSize)}
	for i := 0; i < workers; i++ {
		c, err := factory()
		if err != nil {
			for _, c := range ac.checkers {
				c.Solver.Close()
			}
			return nil, errors.Wrapf(err, "creating checker %d", i)
		}
		ac.checkers = append(ac.checkers, c)
	}
	for i, c := range ac.checkers {
		i, c := i, c
		ac.group.Go(func() error {
			defer c.Solver.Close()
			for req := range ac.queue {
				req.cb(c.Run(req.ctx, req.ob))
				ac.pending.Done()
			}
			log.Debugf("checker worker %d exiting", i)
			return nil
		})
	}
	return ac, nil
}

// Check queues ob. It blocks only while the queue is full.
func (ac *AsyncChecker) Check(ctx context.Context, ob *Obligation, cb Callback) {
	ac.pending.Add(1)
	ac.queue <- request{ctx: ctx, ob: ob, cb: cb}
}

func (ac *AsyncChecker) BlockUntilComplete() {
	ac.pending.Wait()
}

// Stop asks running ARM checks to give up; they report an error.
func (ac *AsyncChecker) Stop() {
	for _, c := range ac.checkers {
		if c.Stop != nil {
			c.Stop.Store(true)
		}
	}
}

// Close waits for queued work and shuts the workers down. Check must not be
// called afterwards.
func (ac *AsyncChecker) Close() error {
	ac.once.Do(func() { close(ac.queue) })
	return ac.group.Wait()
}
