package invoices

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"VPN-Outline-backend/internal/apperr"
	"VPN-Outline-backend/internal/db"
	"VPN-Outline-backend/internal/logger"
	"VPN-Outline-backend/internal/payments"
)

// Reconciler polls providers for open invoices that never got a callback and
// expires the ones past TTL.
type Reconciler struct {
	svc      *Service
	interval time.Duration
	workers  int
	batch    int
}

func NewReconciler(svc *Service, interval time.Duration, workers int) *Reconciler {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if workers <= 0 {
		workers = 8
	}
	return &Reconciler{svc: svc, interval: interval, workers: workers, batch: 200}
}

// Start blocks until ctx is done. The tick in progress finishes first.
func (r *Reconciler) Start(ctx context.Context) {
	t := time.NewTicker(r.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce reconciles every open invoice once.
func (r *Reconciler) RunOnce(ctx context.Context) {
	defer logger.NotifyOnPanic(r.svc.notify, "invoice reconciler")

	var open []db.Invoice
	err := r.svc.db.WithContext(ctx).
		Where("status = ?", db.InvoiceOpen).
		Order("created_at").Limit(r.batch).
		Find(&open).Error
	if err != nil {
		r.svc.log.Error("list open invoices", zap.Error(err))
		return
	}

	// Settlements already started are allowed to finish after shutdown.
	work := context.WithoutCancel(ctx)
	var g errgroup.Group
	g.SetLimit(r.workers)
	for _, inv := range open {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			r.reconcile(work, inv)
			return nil
		})
	}
	_ = g.Wait()
}

func (r *Reconciler) reconcile(ctx context.Context, inv db.Invoice) {
	log := r.svc.log.With(zap.String("method", inv.Method), zap.String("invoice_id", inv.InvoiceID))
	stale := r.svc.now().Sub(inv.CreatedAt) > TTL

	status := payments.StatusOpen
	if gw, err := r.svc.registry.Get(inv.Method); err == nil {
		pctx, cancel := context.WithTimeout(ctx, 15*time.Second)
		status, err = gw.Status(pctx, inv.InvoiceID)
		cancel()
		if err != nil {
			if apperr.IsRetriable(err) {
				log.Warn("provider status unavailable", zap.Error(err))
				return
			}
			log.Error("provider rejected status query", zap.Error(err))
			status = payments.StatusFailed
		}
	}

	switch {
	case status == payments.StatusPaid:
		if _, err := r.svc.Settle(ctx, inv.Method, inv.InvoiceID); err != nil {
			log.Error("settle paid invoice", zap.Error(err))
		}
	case status.Terminal():
		if err := r.svc.Finalize(ctx, inv.Method, inv.InvoiceID, status); err != nil {
			log.Error("finalize invoice", zap.String("status", string(status)), zap.Error(err))
		}
	case stale:
		if err := r.svc.Finalize(ctx, inv.Method, inv.InvoiceID, payments.StatusExpired); err != nil {
			log.Error("expire invoice", zap.Error(err))
		}
	}
}
