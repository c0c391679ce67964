package tasks

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/matematik7/runkeeper-oh/config"
	"github.com/matematik7/runkeeper-oh/members"
)

type Members interface {
	Linked(ctx context.Context) ([]members.Link, error)
}

// Scheduler queues members whose data has not been refreshed for a while.
type Scheduler struct {
	members    Members
	queue      Enqueuer
	staleAfter time.Duration
	interval   time.Duration
	log        *logrus.Logger

	Now func() time.Time
}

func NewScheduler(cfg config.Tasks, m Members, queue Enqueuer, log *logrus.Logger) *Scheduler {
	return &Scheduler{
		members:    m,
		queue:      queue,
		staleAfter: cfg.StaleAfter,
		interval:   cfg.ScanInterval,
		log:        log,
		Now:        time.Now,
	}
}

// ScanOnce enqueues every stale member and returns how many were queued.
func (s *Scheduler) ScanOnce(ctx context.Context) (int, error) {
	links, err := s.members.Linked(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "could not list members")
	}

	threshold := s.Now().Add(-s.staleAfter)
	queued, skipped := 0, 0
	for _, link := range links {
		if !link.LastUpdated.Before(threshold) {
			s.log.WithField("runkeeper_id", link.RunkeeperID).Info("didn't update")
			continue
		}
		if err := s.queue.Enqueue(link.OHID); err != nil {
			skipped++
			continue
		}
		queued++
	}

	s.log.WithFields(logrus.Fields{
		"members": len(links),
		"queued":  queued,
		"skipped": skipped,
	}).Info("stale scan done")
	return queued, nil
}

// Run scans immediately and then every interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.ScanOnce(ctx); err != nil {
			s.log.WithError(err).Error("stale scan failed")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
