// Package tasks runs synchronizations in the background.
package tasks

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/matematik7/runkeeper-oh/config"
)

var (
	ErrInFlight    = errors.New("synchronization already pending")
	ErrQueueFull   = errors.New("task queue full")
	ErrQueueClosed = errors.New("task queue closed")
)

type Runner interface {
	Synchronize(ctx context.Context, ohID string) error
}

// Enqueuer accepts members for synchronization.
type Enqueuer interface {
	Enqueue(ohID string) error
}

// Queue feeds member ids to a fixed set of workers. A member that is already
// pending or running is not queued again.
type Queue struct {
	runner  Runner
	workers int
	jobs    chan string
	log     *logrus.Logger

	mu       sync.Mutex
	inFlight map[string]bool
	closed   bool

	wg sync.WaitGroup
}

func NewQueue(cfg config.Tasks, runner Runner, log *logrus.Logger) *Queue {
	return &Queue{
		runner:   runner,
		workers:  max(cfg.Workers, 1),
		jobs:     make(chan string, max(cfg.QueueDepth, 1)),
		log:      log,
		inFlight: map[string]bool{},
	}
}

// Enqueue schedules a synchronization of ohID. It returns ErrInFlight when
// the member is already pending or running, ErrQueueFull or ErrQueueClosed
// when the task was dropped.
func (q *Queue) Enqueue(ohID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	log := q.log.WithField("oh_id", ohID)
	if q.closed {
		log.Warn("queue closed, task dropped")
		return ErrQueueClosed
	}
	if q.inFlight[ohID] {
		log.Info("synchronization already pending")
		return ErrInFlight
	}

	select {
	case q.jobs <- ohID:
		q.inFlight[ohID] = true
		log.Debug("task queued")
		return nil
	default:
		log.Warn("queue full, task dropped")
		return ErrQueueFull
	}
}

// Pending returns the number of members queued or running.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inFlight)
}

// Start launches the workers. They stop when ctx is done or after Close once
// the queue is drained.
func (q *Queue) Start(ctx context.Context) {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.work(ctx)
	}
}

func (q *Queue) work(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ohID, ok := <-q.jobs:
			if !ok {
				return
			}
			q.run(ctx, ohID)
		}
	}
}

func (q *Queue) run(ctx context.Context, ohID string) {
	defer func() {
		q.mu.Lock()
		delete(q.inFlight, ohID)
		q.mu.Unlock()
	}()

	started := time.Now()
	err := q.runner.Synchronize(ctx, ohID)

	log := q.log.WithFields(logrus.Fields{
		"oh_id":    ohID,
		"duration": time.Since(started).String(),
	})
	if err != nil {
		log.WithError(err).Warn("task failed")
		return
	}
	log.Debug("task done")
}

// Close stops accepting tasks and waits for the workers to finish the ones
// already queued.
func (q *Queue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	q.mu.Unlock()

	q.wg.Wait()
}
