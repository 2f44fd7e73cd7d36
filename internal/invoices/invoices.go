// Package invoices opens provider invoices and settles them exactly once.
package invoices

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"VPN-Outline-backend/internal/apperr"
	"VPN-Outline-backend/internal/db"
	"VPN-Outline-backend/internal/logger"
	"VPN-Outline-backend/internal/metrics"
	"VPN-Outline-backend/internal/payments"
	"VPN-Outline-backend/internal/pricing"
	"VPN-Outline-backend/internal/settlement"
	"VPN-Outline-backend/internal/users"
)

// TTL is how long an invoice may stay open.
const TTL = 15 * time.Minute

type Options struct {
	Registry *payments.Registry
	Settle   *settlement.Engine
	Guard    users.Guard
	Notifier logger.Notifier
	Logger   *zap.Logger
	Now      func() time.Time
}

type Service struct {
	db       *gorm.DB
	registry *payments.Registry
	settle   *settlement.Engine
	guard    users.Guard
	notify   logger.Notifier
	log      *zap.Logger
	now      func() time.Time
}

func New(gdb *gorm.DB, opts Options) *Service {
	if opts.Notifier == nil {
		opts.Notifier = logger.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		db:       gdb,
		registry: opts.Registry,
		settle:   opts.Settle,
		guard:    opts.Guard,
		notify:   opts.Notifier,
		log:      opts.Logger.With(zap.String("component", "invoices")),
		now:      opts.Now,
	}
}

type CreateRequest struct {
	UserID   int64           `json:"user_id" validate:"required"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
	Payload  string          `json:"payload" validate:"required"`
}

// Created is either an open provider invoice or, for balance payments, an
// immediate settlement.
type Created struct {
	Invoice *db.Invoice        `json:"invoice,omitempty"`
	Settled *settlement.Result `json:"settled,omitempty"`
}

// Create opens an invoice through the gateway named by the payload method.
func (s *Service) Create(ctx context.Context, req CreateRequest) (Created, error) {
	p, err := pricing.DecodePayload(req.Payload)
	if err != nil {
		return Created{}, err
	}
	if p.UserID != req.UserID {
		return Created{}, apperr.Validation("payload belongs to user %d", p.UserID)
	}
	if !p.Amount.Equal(req.Amount) {
		return Created{}, apperr.Validation("amount %s does not match payload amount %s", req.Amount, p.Amount)
	}
	if err := s.guard.Allowed(ctx, req.UserID); err != nil {
		return Created{}, err
	}
	if p.Method == db.MethodPromo || p.Method == db.MethodAdmin {
		return Created{}, apperr.Validation("method %q cannot be invoiced", p.Method)
	}
	if err := precheck(p); err != nil {
		return Created{}, err
	}

	if p.Method == db.MethodBalance {
		res, err := s.settle.Apply(ctx, settlement.FromPayload(p, ""))
		if err != nil {
			return Created{}, err
		}
		return Created{Settled: &res}, nil
	}

	gw, err := s.registry.Get(p.Method)
	if err != nil {
		return Created{}, err
	}
	currency := req.Currency
	if currency == "" {
		currency = "RUB"
	}
	pinv, err := gw.CreateInvoice(ctx, payments.InvoiceRequest{
		Reference:   uuid.NewString(),
		Amount:      p.Amount,
		Currency:    currency,
		Description: describe(p),
		Payload:     p,
	})
	if err != nil {
		return Created{}, err
	}
	inv := db.Invoice{
		Method:    p.Method,
		InvoiceID: pinv.ID,
		UserID:    p.UserID,
		Amount:    pinv.Amount,
		Currency:  pinv.Currency,
		Payload:   req.Payload,
		PayURL:    pinv.URL,
		Status:    db.InvoiceOpen,
	}
	if err := s.db.WithContext(ctx).Create(&inv).Error; err != nil {
		return Created{}, fmt.Errorf("store invoice: %w", err)
	}
	s.log.Info("invoice opened", zap.String("method", inv.Method), zap.String("invoice_id", inv.InvoiceID), zap.Int64("user_id", inv.UserID))
	return Created{Invoice: &inv}, nil
}

// precheck rejects payloads that could never settle, before any provider call.
func precheck(p pricing.Payload) error {
	switch p.PaymentType {
	case db.PaymentAddBalance:
		if p.Method == db.MethodBalance {
			return apperr.Validation("balance cannot be topped up from balance")
		}
		if !p.Amount.IsPositive() {
			return apperr.Validation("top-up amount must be positive")
		}
	case db.PaymentBuySubscription:
		class := db.Class(p.Class)
		if !class.Valid() {
			return apperr.Validation("unknown subscription class %q", p.Class)
		}
		if class == db.ClassCombo && p.Variant == "" {
			// Size depends on the user's active combo; settlement validates it.
			return nil
		}
		return pricing.Validate(class, p.Variant, p.Period, p.Amount)
	case db.PaymentTicket:
		if !p.Amount.IsPositive() {
			return apperr.Validation("ticket amount must be positive")
		}
	default:
		return apperr.Validation("unknown payment type %q", p.PaymentType)
	}
	return nil
}

func describe(p pricing.Payload) string {
	switch p.PaymentType {
	case db.PaymentAddBalance:
		return "Пополнение баланса"
	case db.PaymentTicket:
		return "Билеты розыгрыша"
	}
	if p.Class == string(db.ClassCombo) && p.Variant != "" {
		return fmt.Sprintf("VPN combo %s, %d мес.", p.Variant, p.Period)
	}
	return fmt.Sprintf("VPN %s, %d мес.", p.Class, p.Period)
}

func (s *Service) Get(ctx context.Context, method, invoiceID string) (db.Invoice, error) {
	var inv db.Invoice
	err := s.db.WithContext(ctx).Where("method = ? AND invoice_id = ?", method, invoiceID).First(&inv).Error
	if err != nil {
		if db.IsNotFound(err) {
			return db.Invoice{}, apperr.NotFound("invoice")
		}
		return db.Invoice{}, err
	}
	return inv, nil
}

// Settle moves an open invoice to paid and applies its payload in the same
// transaction. Only the caller that wins the status transition settles;
// repeated confirmations report Duplicate.
func (s *Service) Settle(ctx context.Context, method, invoiceID string) (settlement.Result, error) {
	var res settlement.Result
	var inv db.Invoice
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		upd := tx.Model(&db.Invoice{}).
			Where("method = ? AND invoice_id = ? AND status = ?", method, invoiceID, db.InvoiceOpen).
			Updates(map[string]any{"status": db.InvoicePaid, "updated_at": s.now()})
		if upd.Error != nil {
			return upd.Error
		}
		if err := tx.Where("method = ? AND invoice_id = ?", method, invoiceID).First(&inv).Error; err != nil {
			if db.IsNotFound(err) {
				return apperr.NotFound("invoice")
			}
			return err
		}
		if upd.RowsAffected == 0 {
			if inv.Status == db.InvoicePaid {
				res.Duplicate = true
				return nil
			}
			return apperr.Conflict(apperr.CodeInvalid, "invoice is "+inv.Status)
		}
		p, err := pricing.DecodePayload(inv.Payload)
		if err != nil {
			return err
		}
		res, err = s.settle.ApplyTx(tx, settlement.FromPayload(p, invoiceID))
		return err
	})
	if err != nil {
		if inv.ID != 0 && fatal(err) {
			s.fail(ctx, inv, err)
		}
		return settlement.Result{}, err
	}
	if res.Duplicate {
		return res, nil
	}
	metrics.InvoiceFinalized(db.InvoicePaid)
	metrics.Settlement(method, res.Payment.PaymentType)
	s.log.Info("invoice settled", zap.String("method", method), zap.String("invoice_id", invoiceID), zap.Uint("payment_id", res.Payment.ID))
	s.tell(ctx, inv.UserID, "Оплата получена, спасибо!")
	return res, nil
}

// fatal reports errors a retry cannot fix.
func fatal(err error) bool {
	switch apperr.KindOf(err) {
	case apperr.KindBusiness, apperr.KindValidation, apperr.KindNotFound:
		return true
	case apperr.KindExternal:
		return !apperr.IsRetriable(err)
	}
	return false
}

func (s *Service) fail(ctx context.Context, inv db.Invoice, cause error) {
	ok, err := s.finalize(context.WithoutCancel(ctx), inv, db.InvoiceFailed)
	if err != nil {
		s.log.Error("mark invoice failed", zap.String("invoice_id", inv.InvoiceID), zap.Error(err))
		return
	}
	if !ok {
		return
	}
	s.log.Warn("invoice could not be settled", zap.String("method", inv.Method), zap.String("invoice_id", inv.InvoiceID), zap.Error(cause))
	s.notify.NotifyAdmins(ctx, fmt.Sprintf("invoice %s/%s failed to settle: %v", inv.Method, inv.InvoiceID, cause))
	s.tell(ctx, inv.UserID, "Платёж получен, но не может быть зачислен. Мы свяжемся с вами.")
}

// Finalize moves an open invoice to a terminal status other than paid.
func (s *Service) Finalize(ctx context.Context, method, invoiceID string, status payments.Status) error {
	if status == payments.StatusPaid {
		_, err := s.Settle(ctx, method, invoiceID)
		return err
	}
	if !status.Terminal() {
		return nil
	}
	inv, err := s.Get(ctx, method, invoiceID)
	if err != nil {
		return err
	}
	ok, err := s.finalize(ctx, inv, string(status))
	if err != nil || !ok {
		return err
	}
	switch status {
	case payments.StatusExpired:
		s.tell(ctx, inv.UserID, "Время оплаты счёта истекло. Создайте новый счёт.")
	case payments.StatusCanceled:
		s.tell(ctx, inv.UserID, "Платёж отменён.")
	}
	return nil
}

// finalize is the open -> status transition; it reports whether this call won.
func (s *Service) finalize(ctx context.Context, inv db.Invoice, status string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&db.Invoice{}).
		Where("id = ? AND status = ?", inv.ID, db.InvoiceOpen).
		Updates(map[string]any{"status": status, "updated_at": s.now()})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	metrics.InvoiceFinalized(status)
	s.log.Info("invoice finalized", zap.String("method", inv.Method), zap.String("invoice_id", inv.InvoiceID), zap.String("status", status))
	return true, nil
}

// Confirm applies a verified provider callback.
func (s *Service) Confirm(ctx context.Context, method string, n payments.Notification) error {
	err := s.Finalize(ctx, method, n.InvoiceID, n.Status)
	if apperr.KindOf(err) == apperr.KindConflict {
		// Finalized already; acknowledge the callback.
		return nil
	}
	return err
}

// CheckMicropay answers the messenger's pre-checkout query: the invoice must
// still be open.
func (s *Service) CheckMicropay(ctx context.Context, reference string) error {
	inv, err := s.Get(ctx, db.MethodMicropay, reference)
	if err != nil {
		return err
	}
	if inv.Status != db.InvoiceOpen {
		return apperr.Conflict(apperr.CodeInvalid, "invoice is "+inv.Status)
	}
	return nil
}

// ConfirmMicropay settles a micropayment reported by the messenger. chargeID
// is the messenger's charge reference, kept in the logs for refunds.
func (s *Service) ConfirmMicropay(ctx context.Context, reference, chargeID string) (settlement.Result, error) {
	s.log.Info("micropayment confirmed", zap.String("invoice_id", reference), zap.String("charge_id", chargeID))
	return s.Settle(ctx, db.MethodMicropay, reference)
}

func (s *Service) tell(ctx context.Context, userID int64, text string) {
	if err := s.notify.NotifyUser(ctx, userID, text); err != nil {
		s.log.Warn("user notification failed", zap.Int64("user_id", userID), zap.Error(err))
	}
}
