// Package settlement applies confirmed monetary events to balances,
// subscriptions, devices and raffle tickets in a single transaction.
package settlement

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"VPN-Outline-backend/internal/apperr"
	"VPN-Outline-backend/internal/db"
	"VPN-Outline-backend/internal/metrics"
	"VPN-Outline-backend/internal/pricing"
)

// Event is a confirmed payment. ProviderInvoiceID, when set, makes the
// event idempotent per method.
type Event struct {
	UserID            int64
	Amount            decimal.Decimal
	Currency          string
	Class             string
	Variant           string
	Period            int
	PaymentType       string
	Method            string
	ProviderInvoiceID string
}

// FromPayload builds an event from a decoded invoice payload.
func FromPayload(p pricing.Payload, providerInvoiceID string) Event {
	return Event{
		UserID:            p.UserID,
		Amount:            p.Amount,
		Class:             p.Class,
		Variant:           p.Variant,
		Period:            p.Period,
		PaymentType:       p.PaymentType,
		Method:            p.Method,
		ProviderInvoiceID: providerInvoiceID,
	}
}

type Result struct {
	Payment      db.Payment
	Subscription *db.Subscription
	// Extended is set when an active combo was prolonged instead of created.
	Extended bool
	Tickets  int
	// Duplicate is set when the invoice was already settled; nothing changed.
	Duplicate bool
}

type Engine struct {
	db  *gorm.DB
	log *zap.Logger
	now func() time.Time
}

func New(gdb *gorm.DB, log *zap.Logger) *Engine {
	return &Engine{db: gdb, log: log.With(zap.String("component", "settlement")), now: func() time.Time { return time.Now().UTC() }}
}

// WithClock replaces the time source.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Apply settles ev in its own transaction.
func (e *Engine) Apply(ctx context.Context, ev Event) (Result, error) {
	var res Result
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		res, err = e.ApplyTx(tx, ev)
		return err
	})
	if err != nil {
		return Result{}, err
	}
	if !res.Duplicate {
		metrics.Settlement(ev.Method, ev.PaymentType)
		e.log.Info("settled",
			zap.Int64("user_id", ev.UserID),
			zap.String("payment_type", ev.PaymentType),
			zap.String("method", ev.Method),
			zap.String("amount", ev.Amount.String()),
			zap.Uint("payment_id", res.Payment.ID))
	}
	return res, nil
}

var methods = map[string]bool{
	db.MethodCard: true, db.MethodCrypto: true, db.MethodMicropay: true,
	db.MethodBalance: true, db.MethodPromo: true, db.MethodAdmin: true,
}

// ApplyTx settles ev inside tx. Callers own the transaction.
func (e *Engine) ApplyTx(tx *gorm.DB, ev Event) (Result, error) {
	if !methods[ev.Method] {
		return Result{}, apperr.Validation("unknown payment method %q", ev.Method)
	}
	if ev.Currency == "" {
		ev.Currency = "RUB"
	}
	if ev.ProviderInvoiceID != "" {
		var prev db.Payment
		err := tx.Where("method = ? AND provider_invoice_id = ?", ev.Method, ev.ProviderInvoiceID).First(&prev).Error
		if err == nil {
			return Result{Payment: prev, Duplicate: true}, nil
		}
		if !db.IsNotFound(err) {
			return Result{}, err
		}
	}

	var user db.User
	if err := db.ForUpdate(tx).First(&user, "user_id = ?", ev.UserID).Error; err != nil {
		if db.IsNotFound(err) {
			return Result{}, apperr.NotFound("user")
		}
		return Result{}, fmt.Errorf("lock user %d: %w", ev.UserID, err)
	}

	now := e.now()
	var res Result
	var err error
	switch ev.PaymentType {
	case db.PaymentAddBalance:
		err = e.addBalance(tx, &user, ev)
	case db.PaymentTicket:
		res.Tickets, err = e.buyTickets(tx, &user, ev, now)
	case db.PaymentBuySubscription:
		res, err = e.buySubscription(tx, &user, &ev, now)
	default:
		err = apperr.Validation("unknown payment type %q", ev.PaymentType)
	}
	if err != nil {
		return Result{}, err
	}

	pay := db.Payment{
		UserID:      ev.UserID,
		Amount:      ev.Amount,
		Currency:    ev.Currency,
		Class:       ev.Class,
		Variant:     ev.Variant,
		Period:      ev.Period,
		PaymentType: ev.PaymentType,
		Method:      ev.Method,
		Status:      db.PaymentSucceeded,
	}
	if ev.ProviderInvoiceID != "" {
		id := ev.ProviderInvoiceID
		pay.ProviderInvoiceID = &id
	}
	if err := tx.Create(&pay).Error; err != nil {
		if db.IsDuplicate(err) {
			return Result{}, apperr.Conflict(apperr.CodeDuplicate, "invoice already settled")
		}
		return Result{}, fmt.Errorf("record payment: %w", err)
	}
	res.Payment = pay
	return res, nil
}

func (e *Engine) addBalance(tx *gorm.DB, user *db.User, ev Event) error {
	switch {
	case ev.Method == db.MethodBalance:
		return apperr.Validation("balance cannot be topped up from balance")
	case ev.Method == db.MethodAdmin && ev.Amount.IsZero():
		return apperr.Validation("adjustment amount must not be zero")
	case ev.Method != db.MethodAdmin && !ev.Amount.IsPositive():
		return apperr.Validation("top-up amount must be positive")
	}
	return setBalance(tx, user, user.Balance.Add(ev.Amount))
}

func (e *Engine) buyTickets(tx *gorm.DB, user *db.User, ev Event, now time.Time) (int, error) {
	raffleID, err := strconv.ParseUint(ev.Variant, 10, 64)
	if err != nil {
		return 0, apperr.Validation("ticket purchase needs a raffle id, got %q", ev.Variant)
	}
	var raffle db.Raffle
	if err := tx.First(&raffle, raffleID).Error; err != nil {
		if db.IsNotFound(err) {
			return 0, apperr.NotFound("raffle")
		}
		return 0, err
	}
	if raffle.Type != db.RaffleTicket || !raffle.IsActive || now.Before(raffle.StartDate) || !now.Before(raffle.EndDate) {
		return 0, apperr.Business(apperr.CodeInactive, "raffle is not selling tickets")
	}
	if !raffle.TicketPrice.IsPositive() || !ev.Amount.IsPositive() || !ev.Amount.Mod(raffle.TicketPrice).IsZero() {
		return 0, fmt.Errorf("amount %s for ticket price %s: %w", ev.Amount, raffle.TicketPrice, apperr.ErrPriceMismatch)
	}
	if ev.Method == db.MethodBalance {
		if err := debit(tx, user, ev.Amount); err != nil {
			return 0, err
		}
	}
	n := int(ev.Amount.Div(raffle.TicketPrice).IntPart())
	return n, addTickets(tx, raffle.ID, user.UserID, n)
}

func (e *Engine) buySubscription(tx *gorm.DB, user *db.User, ev *Event, now time.Time) (Result, error) {
	class := db.Class(ev.Class)
	if !class.Valid() {
		return Result{}, apperr.Validation("unknown subscription class %q", ev.Class)
	}
	if ev.Period <= 0 {
		return Result{}, apperr.Validation("subscription period must be positive")
	}

	size := 0
	variant := ""
	if class == db.ClassCombo {
		var err error
		if size, err = ComboSize(tx, user.UserID, ev.Variant, now); err != nil {
			return Result{}, err
		}
		variant = strconv.Itoa(size)
		ev.Variant = variant
	}

	if ev.Method != db.MethodPromo {
		if err := pricing.Validate(class, variant, ev.Period, ev.Amount); err != nil {
			return Result{}, err
		}
	}
	if ev.Method == db.MethodBalance {
		if err := debit(tx, user, ev.Amount); err != nil {
			return Result{}, err
		}
	}

	length := time.Duration(ev.Period*pricing.DaysPerMonth) * 24 * time.Hour
	var res Result
	var err error
	if class == db.ClassCombo {
		res, err = extendOrCreateCombo(tx, user.UserID, size, length, now)
	} else {
		sub := db.Subscription{UserID: user.UserID, Class: class, StartDate: now, EndDate: now.Add(length), IsActive: true}
		err = tx.Create(&sub).Error
		res.Subscription = &sub
	}
	if err != nil {
		return Result{}, fmt.Errorf("update subscription: %w", err)
	}

	bonus := ev.Period
	if class == db.ClassCombo {
		bonus = size + 1
	}
	if res.Tickets, err = creditSubscriptionRaffles(tx, user.UserID, bonus, now); err != nil {
		return Result{}, err
	}
	return res, nil
}

// ComboSize picks the combo size for a purchase: an explicit variant wins,
// otherwise the size of the user's active combo, otherwise 5.
func ComboSize(tx *gorm.DB, userID int64, variant string, now time.Time) (int, error) {
	switch variant {
	case "5":
		return 5, nil
	case "10":
		return 10, nil
	case "":
		var sub db.Subscription
		err := activeCombos(tx, userID, now).Order("end_date desc").First(&sub).Error
		if err == nil {
			return sub.ComboSize, nil
		}
		if db.IsNotFound(err) {
			return 5, nil
		}
		return 0, err
	default:
		return 0, apperr.Validation("unknown combo variant %q", variant)
	}
}

func activeCombos(tx *gorm.DB, userID int64, now time.Time) *gorm.DB {
	return tx.Model(&db.Subscription{}).
		Where("user_id = ? AND class = ? AND is_active = ? AND start_date <= ? AND end_date > ?", userID, db.ClassCombo, true, now, now)
}

func extendOrCreateCombo(tx *gorm.DB, userID int64, size int, length time.Duration, now time.Time) (Result, error) {
	var sub db.Subscription
	err := db.ForUpdate(activeCombos(tx, userID, now).Where("combo_size = ?", size)).Order("end_date desc").First(&sub).Error
	switch {
	case err == nil:
		end := sub.EndDate.Add(length)
		if err := tx.Model(&sub).Update("end_date", end).Error; err != nil {
			return Result{}, err
		}
		if err := tx.Model(&db.Device{}).Where("subscription_id = ?", sub.ID).Update("end_date", end).Error; err != nil {
			return Result{}, err
		}
		sub.EndDate = end
		return Result{Subscription: &sub, Extended: true}, nil
	case !db.IsNotFound(err):
		return Result{}, err
	}

	start := now
	var last db.Subscription
	err = tx.Where("user_id = ? AND class = ? AND is_active = ? AND end_date > ?", userID, db.ClassCombo, true, now).
		Order("end_date desc").First(&last).Error
	switch {
	case err == nil:
		start = last.EndDate
	case !db.IsNotFound(err):
		return Result{}, err
	}
	sub = db.Subscription{UserID: userID, Class: db.ClassCombo, ComboSize: size, StartDate: start, EndDate: start.Add(length), IsActive: true}
	if err := tx.Create(&sub).Error; err != nil {
		return Result{}, err
	}
	return Result{Subscription: &sub}, nil
}

func creditSubscriptionRaffles(tx *gorm.DB, userID int64, n int, now time.Time) (int, error) {
	var raffles []db.Raffle
	err := tx.Where("type = ? AND is_active = ? AND start_date <= ? AND end_date > ?", db.RaffleSubscription, true, now, now).
		Find(&raffles).Error
	if err != nil {
		return 0, err
	}
	for _, r := range raffles {
		if err := addTickets(tx, r.ID, userID, n); err != nil {
			return 0, err
		}
	}
	return n * len(raffles), nil
}

func addTickets(tx *gorm.DB, raffleID uint, userID int64, n int) error {
	var t db.Ticket
	err := db.ForUpdate(tx).Where("raffle_id = ? AND user_id = ?", raffleID, userID).First(&t).Error
	if db.IsNotFound(err) {
		return tx.Create(&db.Ticket{RaffleID: raffleID, UserID: userID, Count: n}).Error
	}
	if err != nil {
		return err
	}
	return tx.Model(&t).Update("count", t.Count+n).Error
}

func debit(tx *gorm.DB, user *db.User, amount decimal.Decimal) error {
	if user.Balance.LessThan(amount) {
		return fmt.Errorf("balance %s < %s: %w", user.Balance, amount, apperr.ErrInsufficientBalance)
	}
	return setBalance(tx, user, user.Balance.Sub(amount))
}

func setBalance(tx *gorm.DB, user *db.User, balance decimal.Decimal) error {
	if err := tx.Model(&db.User{}).Where("user_id = ?", user.UserID).Update("balance", balance).Error; err != nil {
		return fmt.Errorf("update balance: %w", err)
	}
	user.Balance = balance
	return nil
}
