package services

import (
	"context"
	"log"
	"time"
)

// Sweeper periodically expires stale orders. It runs one pass immediately
// on start, then ticks until the context is cancelled.
type Sweeper struct {
	orders   *OrderService
	interval time.Duration
}

func NewSweeper(orders *OrderService, interval time.Duration) *Sweeper {
	return &Sweeper{
		orders:   orders,
		interval: interval,
	}
}

func (s *Sweeper) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.sweep(ctx)
		for {
			select {
			case <-ctx.Done():
				log.Printf("[SWEEP] stopped: %v", ctx.Err())
				return
			case <-ticker.C:
				s.sweep(ctx)
			}
		}
	}()
	log.Printf("[SWEEP] started, interval %s", s.interval)
}

func (s *Sweeper) sweep(ctx context.Context) {
	expired, err := s.orders.ExpireStale(ctx)
	if err != nil {
		log.Printf("[SWEEP] pass failed: %v", err)
		return
	}
	if expired > 0 {
		log.Printf("[SWEEP] expired %d stale orders", expired)
	}
}
