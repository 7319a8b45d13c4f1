// Package scheduler runs the periodic lifecycle loop: invoice expiry,
// nonce and cache garbage collection, and one webhook batch per tick.
package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/qrisgate/server/internal/config"
	"github.com/qrisgate/server/internal/logger"
	"github.com/qrisgate/server/internal/metrics"
	"github.com/qrisgate/server/internal/storage"
	"github.com/qrisgate/server/internal/webhook"
)

// Scheduler owns the single lifecycle loop. Ticks never overlap: if the
// previous tick is still running when the next fires, the new one is
// skipped.
type Scheduler struct {
	store       storage.Store
	worker      *webhook.Worker
	interval    time.Duration
	expiryBatch int
	running     atomic.Bool
	metrics     *metrics.Metrics
	now         func() time.Time
}

// SetMetrics enables tick and expiry counters. Optional; nil-safe when unset.
func (s *Scheduler) SetMetrics(m *metrics.Metrics) { s.metrics = m }

// New builds a Scheduler.
func New(store storage.Store, worker *webhook.Worker, cfg config.SchedulerConfig) *Scheduler {
	interval := cfg.Interval.Duration
	if interval <= 0 {
		interval = 15 * time.Second
	}
	batch := cfg.ExpiryBatch
	if batch <= 0 {
		batch = 200
	}
	return &Scheduler{
		store:       store,
		worker:      worker,
		interval:    interval,
		expiryBatch: batch,
		now:         time.Now,
	}
}

// Run ticks until ctx is cancelled. Each tick executes in its own goroutine
// so a slow tick delays nothing; it only causes skips.
func (s *Scheduler) Run(ctx context.Context) {
	log := logger.FromContext(ctx)
	log.Info().Dur("interval", s.interval).Msg("scheduler started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("scheduler stopped")
			return
		case <-ticker.C:
			if !s.running.CompareAndSwap(false, true) {
				log.Debug().Msg("previous tick still running, skipping")
				continue
			}
			go func() {
				defer s.running.Store(false)
				s.Tick(ctx)
			}()
		}
	}
}

// Tick runs one full pass: expiry, GC, webhook batch.
func (s *Scheduler) Tick(ctx context.Context) {
	log := logger.FromContext(ctx)
	now := s.now().UTC()

	expired := s.expireDue(ctx, now)

	nonces, err := s.store.DeleteExpiredNonces(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("nonce gc failed")
	}
	cached, err := s.store.DeleteExpiredPaidTransactions(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("paid cache gc failed")
	}

	delivered, err := s.worker.RunBatch(ctx)
	if err != nil {
		log.Error().Err(err).Msg("webhook batch failed")
	}

	if s.metrics != nil {
		s.metrics.SchedulerTicks.Inc()
		s.metrics.InvoicesExpired.Add(float64(expired))
	}

	if expired+int(nonces)+int(cached)+delivered > 0 {
		log.Info().
			Int("expired_invoices", expired).
			Int64("gc_nonces", nonces).
			Int64("gc_paid_cache", cached).
			Int("webhook_deliveries", delivered).
			Msg("scheduler tick completed")
	}
}

// expireDue transitions up to expiryBatch overdue pending invoices, each
// with its event and webhook enqueue in one transaction.
func (s *Scheduler) expireDue(ctx context.Context, now time.Time) int {
	log := logger.FromContext(ctx)

	overdue, err := s.store.ListExpiredPending(ctx, "", now, s.expiryBatch)
	if err != nil {
		log.Error().Err(err).Msg("expired pending scan failed")
		return 0
	}

	expired := 0
	for _, pending := range overdue {
		inv, err := s.store.GetInvoice(ctx, pending.InvoiceID)
		if err != nil {
			log.Error().Err(err).Str("invoice_id", pending.InvoiceID).Msg("invoice load failed during expiry")
			continue
		}
		merchant, err := s.store.GetMerchant(ctx, inv.MerchantID)
		if err != nil {
			log.Error().Err(err).Str("merchant_id", inv.MerchantID).Msg("merchant load failed during expiry")
			continue
		}

		snapshot := inv
		snapshot.Status = storage.InvoiceExpired
		event := storage.InvoiceEvent{
			ID:        uuid.NewString(),
			InvoiceID: inv.ID,
			EventType: storage.EventPaymentExpired,
			CreatedAt: now,
		}
		delivery := webhook.BuildDelivery(merchant, inv.Env, snapshot, storage.EventPaymentExpired, now)

		if err := s.store.MarkInvoiceExpired(ctx, inv.ID, event, delivery); err != nil {
			// Conflict means a concurrent check already resolved it.
			if !errors.Is(err, storage.ErrConflict) {
				log.Error().Err(err).Str("invoice_id", inv.ID).Msg("expiry transition failed")
			}
			continue
		}
		expired++
	}
	return expired
}
