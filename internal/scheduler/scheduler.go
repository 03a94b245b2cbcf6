// Package scheduler drains the sync retry queue, either on a ticker inside
// the server or once per invocation from an external cron.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"boardsync/internal/models"
)

// ErrDrainInProgress is returned by RunOnce when another drain is running
// in this process.
var ErrDrainInProgress = errors.New("queue drain already in progress")

// Claimer hands out due queue items and recovers abandoned ones.
type Claimer interface {
	ClaimPending(ctx context.Context, limit int) ([]models.SyncQueueItem, error)
	RequeueStale(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Retrier processes TO_REMOTE items.
type Retrier interface {
	RetryOne(ctx context.Context, item *models.SyncQueueItem) error
}

// Replayer processes TO_LOCAL items.
type Replayer interface {
	Replay(ctx context.Context, item *models.SyncQueueItem) error
}

// Config tunes a RetryScheduler.
type Config struct {
	Interval    time.Duration
	BatchSize   int
	StaleAfter  time.Duration
	ItemTimeout time.Duration
	// ClaimTimeout bounds stale recovery and claiming at the start of a drain.
	ClaimTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 15 * time.Minute
	}
	if c.ItemTimeout <= 0 {
		c.ItemTimeout = 30 * time.Second
	}
	if c.ClaimTimeout <= 0 {
		c.ClaimTimeout = 10 * time.Second
	}
	return c
}

// DrainResult summarizes one drain.
type DrainResult struct {
	Requeued  int64 `json:"requeued"`
	Claimed   int   `json:"claimed"`
	Processed int   `json:"processed"`
	Errors    int   `json:"errors"`
}

// RetryScheduler processes due queue items sequentially, each with its own
// timeout, so one failure never undoes the items before it.
type RetryScheduler struct {
	queue    Claimer
	retrier  Retrier
	replayer Replayer
	cfg      Config

	running sync.Mutex

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func New(q Claimer, retrier Retrier, replayer Replayer, cfg Config) *RetryScheduler {
	return &RetryScheduler{
		queue:    q,
		retrier:  retrier,
		replayer: replayer,
		cfg:      cfg.withDefaults(),
	}
}

// RunOnce drains one batch of due items.
func (s *RetryScheduler) RunOnce(ctx context.Context) (DrainResult, error) {
	var res DrainResult
	if !s.running.TryLock() {
		return res, ErrDrainInProgress
	}
	defer s.running.Unlock()

	items, requeued, err := s.claim(ctx)
	res.Requeued = requeued
	if err != nil {
		return res, err
	}
	res.Claimed = len(items)

	for i := range items {
		if ctx.Err() != nil {
			// Unprocessed claims are picked up again by RequeueStale.
			break
		}
		if err := s.process(ctx, &items[i]); err != nil {
			res.Errors++
			log.Error().Err(err).Uint("queueItemId", items[i].ID).Msg("Queue item processing failed")
			continue
		}
		res.Processed++
	}

	if res.Claimed > 0 || res.Requeued > 0 {
		log.Info().
			Int64("requeued", res.Requeued).
			Int("claimed", res.Claimed).
			Int("processed", res.Processed).
			Int("errors", res.Errors).
			Msg("Queue drain finished")
	}
	return res, nil
}

func (s *RetryScheduler) claim(ctx context.Context) ([]models.SyncQueueItem, int64, error) {
	claimCtx, cancel := context.WithTimeout(ctx, s.cfg.ClaimTimeout)
	defer cancel()

	n, err := s.queue.RequeueStale(claimCtx, s.cfg.StaleAfter)
	if err != nil {
		return nil, 0, err
	}
	items, err := s.queue.ClaimPending(claimCtx, s.cfg.BatchSize)
	if err != nil {
		return nil, n, err
	}
	return items, n, nil
}

func (s *RetryScheduler) process(ctx context.Context, item *models.SyncQueueItem) error {
	itemCtx, cancel := context.WithTimeout(ctx, s.cfg.ItemTimeout)
	defer cancel()

	switch item.Direction {
	case models.QueueToLocal:
		return s.replayer.Replay(itemCtx, item)
	default:
		return s.retrier.RetryOne(itemCtx, item)
	}
}

// Start runs RunOnce every Interval until Stop is called or ctx ends.
func (s *RetryScheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.stopCh = make(chan struct{})

	s.wg.Add(1)
	go s.loop(ctx, s.stopCh)

	log.Info().Dur("interval", s.cfg.Interval).Int("batchSize", s.cfg.BatchSize).Msg("Retry scheduler started")
}

func (s *RetryScheduler) loop(ctx context.Context, stopCh <-chan struct{}) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil && !errors.Is(err, ErrDrainInProgress) {
				log.Error().Err(err).Msg("Queue drain failed")
			}
		}
	}
}

// Stop ends the loop and waits for an in-flight drain to finish.
func (s *RetryScheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	log.Info().Msg("Retry scheduler stopped")
}
