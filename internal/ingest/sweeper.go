package ingest

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// guardSweeper is implemented by guards that keep state in process and need
// periodic eviction (the Redis guard expires keys itself).
type guardSweeper interface {
	Sweep(before time.Time) int
}

// Sweeper evicts processed-event records older than the retention window.
// Providers stop retrying well inside the window, so eviction is bookkeeping,
// not correctness.
type Sweeper struct {
	store     Store
	guard     Guard
	retention time.Duration
	interval  time.Duration
	log       *zap.Logger

	ticker    *time.Ticker
	stopChan  chan struct{}
	isRunning bool
}

func NewSweeper(store Store, guard Guard, retention, interval time.Duration, log *zap.Logger) *Sweeper {
	return &Sweeper{
		store:     store,
		guard:     guard,
		retention: retention,
		interval:  interval,
		log:       log.Named("sweeper"),
	}
}

func (s *Sweeper) Start() {
	if s.isRunning {
		return
	}
	s.ticker = time.NewTicker(s.interval)
	s.stopChan = make(chan struct{})
	s.isRunning = true
	go func() {
		s.log.Info("retention sweeper started",
			zap.Duration("retention", s.retention),
			zap.Duration("interval", s.interval))
		for {
			select {
			case <-s.stopChan:
				s.ticker.Stop()
				s.isRunning = false
				s.log.Info("retention sweeper stopped")
				return
			case <-s.ticker.C:
				s.sweep()
			}
		}
	}()
}

func (s *Sweeper) Stop() {
	if !s.isRunning {
		return
	}
	close(s.stopChan)
}

func (s *Sweeper) IsRunning() bool { return s.isRunning }

func (s *Sweeper) sweep() {
	cutoff := time.Now().Add(-s.retention)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	n, err := s.store.DeleteProcessedEventsBefore(ctx, cutoff)
	if err != nil {
		s.log.Error("processed-event eviction failed", zap.Error(err))
	} else if n > 0 {
		s.log.Info("evicted processed events", zap.Int64("count", n))
	}

	if gs, ok := s.guard.(guardSweeper); ok {
		if n := gs.Sweep(cutoff); n > 0 {
			s.log.Debug("swept in-memory claims", zap.Int("count", n))
		}
	}
}
