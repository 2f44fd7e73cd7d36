package invoices

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"VPN-Outline-backend/internal/apperr"
	"VPN-Outline-backend/internal/db"
	"VPN-Outline-backend/internal/db/dbtest"
	"VPN-Outline-backend/internal/logger"
	"VPN-Outline-backend/internal/payments"
	"VPN-Outline-backend/internal/settlement"
	"VPN-Outline-backend/internal/users"
)

type fakeGateway struct {
	method string

	mu        sync.Mutex
	created   []payments.InvoiceRequest
	statuses  map[string]payments.Status
	statusErr error
}

func (g *fakeGateway) Method() string { return g.method }

func (g *fakeGateway) CreateInvoice(_ context.Context, req payments.InvoiceRequest) (payments.ProviderInvoice, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.created = append(g.created, req)
	id := fmt.Sprintf("%s-%d", g.method, len(g.created))
	return payments.ProviderInvoice{ID: id, URL: "https://pay.example/" + id, Amount: req.Amount, Currency: req.Currency}, nil
}

func (g *fakeGateway) Status(_ context.Context, id string) (payments.Status, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.statusErr != nil {
		return "", g.statusErr
	}
	if s, ok := g.statuses[id]; ok {
		return s, nil
	}
	return payments.StatusOpen, nil
}

func (g *fakeGateway) set(id string, s payments.Status) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.statuses == nil {
		g.statuses = make(map[string]payments.Status)
	}
	g.statuses[id] = s
}

type fixture struct {
	svc   *Service
	db    *gorm.DB
	card  *fakeGateway
	stars *fakeGateway
	inbox *logger.Recorder
}

func newFixture(t *testing.T) fixture {
	gdb := dbtest.Open(t)
	card := &fakeGateway{method: db.MethodCard}
	stars := &fakeGateway{method: db.MethodMicropay}
	inbox := &logger.Recorder{}
	svc := New(gdb, Options{
		Registry: payments.NewRegistry(card, stars),
		Settle:   settlement.New(gdb, zap.NewNop()),
		Guard:    users.New(gdb, zap.NewNop()),
		Notifier: inbox,
	})
	return fixture{svc: svc, db: gdb, card: card, stars: stars, inbox: inbox}
}

func (f fixture) open(t *testing.T, userID int64, amount int64, payload string) db.Invoice {
	t.Helper()
	out, err := f.svc.Create(context.Background(), CreateRequest{UserID: userID, Amount: decimal.NewFromInt(amount), Payload: payload})
	require.NoError(t, err)
	require.NotNil(t, out.Invoice)
	return *out.Invoice
}

func (f fixture) status(t *testing.T, inv db.Invoice) string {
	t.Helper()
	var got db.Invoice
	require.NoError(t, f.db.First(&got, inv.ID).Error)
	return got.Status
}

func (f fixture) age(t *testing.T, inv db.Invoice, d time.Duration) {
	t.Helper()
	require.NoError(t, f.db.Model(&db.Invoice{}).Where("id = ?", inv.ID).
		Update("created_at", time.Now().UTC().Add(-d)).Error)
}

func countPayments(t *testing.T, gdb *gorm.DB) int64 {
	t.Helper()
	var n int64
	require.NoError(t, gdb.Model(&db.Payment{}).Count(&n).Error)
	return n
}

func TestMicropayTopUp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dbtest.CreateUser(t, f.db, 42, 100)

	inv := f.open(t, 42, 500, "42:500:0:balance:balance:add_balance:micropay")
	assert.Equal(t, db.InvoiceOpen, inv.Status)
	require.NoError(t, f.svc.CheckMicropay(ctx, inv.InvoiceID))

	res, err := f.svc.ConfirmMicropay(ctx, inv.InvoiceID, "charge-1")
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.True(t, dbtest.Balance(t, f.db, 42).Equal(decimal.NewFromInt(600)))
	assert.Equal(t, db.InvoicePaid, f.status(t, inv))
	require.NotNil(t, res.Payment.ProviderInvoiceID)
	assert.Equal(t, inv.InvoiceID, *res.Payment.ProviderInvoiceID)

	res, err = f.svc.ConfirmMicropay(ctx, inv.InvoiceID, "charge-1")
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.True(t, dbtest.Balance(t, f.db, 42).Equal(decimal.NewFromInt(600)))
	assert.Equal(t, int64(1), countPayments(t, f.db))

	assert.Error(t, f.svc.CheckMicropay(ctx, inv.InvoiceID))
}

func TestConcurrentSettleAppliesOnce(t *testing.T) {
	f := newFixture(t)
	dbtest.CreateUser(t, f.db, 7, 0)
	inv := f.open(t, 7, 240, "7:240:3:device::buy_subscription:card")

	var wg sync.WaitGroup
	var mu sync.Mutex
	applied := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.Settle(context.Background(), db.MethodCard, inv.InvoiceID)
			if assert.NoError(t, err) && !res.Duplicate {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, applied)
	assert.Equal(t, int64(1), countPayments(t, f.db))
	var subs int64
	require.NoError(t, f.db.Model(&db.Subscription{}).Where("user_id = ?", 7).Count(&subs).Error)
	assert.Equal(t, int64(1), subs)
}

func TestCreateRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dbtest.CreateUser(t, f.db, 1, 0)
	require.NoError(t, f.db.Create(&db.BlacklistEntry{UserID: 1}).Error)
	dbtest.CreateUser(t, f.db, 2, 0)

	tests := []struct {
		desc    string
		userID  int64
		amount  int64
		payload string
		want    error
		kind    apperr.Kind
	}{
		{"blocked", 1, 100, "1:100:1:device::buy_subscription:card", apperr.ErrBlocked, apperr.KindForbidden},
		{"foreign payload", 2, 100, "3:100:1:device::buy_subscription:card", nil, apperr.KindValidation},
		{"amount differs", 2, 90, "2:100:1:device::buy_subscription:card", nil, apperr.KindValidation},
		{"price mismatch", 2, 99, "2:99:1:device::buy_subscription:card", apperr.ErrPriceMismatch, apperr.KindBusiness},
		{"promo not invoiceable", 2, 0, "2:0:1:device::buy_subscription:promo", nil, apperr.KindValidation},
		{"no gateway", 2, 100, "2:100:1:device::buy_subscription:crypto", nil, apperr.KindValidation},
		{"malformed", 2, 100, "2:100:1:device", nil, apperr.KindValidation},
		{"top-up from balance", 2, 1000, "2:1000:0:balance::add_balance:balance", nil, apperr.KindValidation},
	}
	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			_, err := f.svc.Create(ctx, CreateRequest{UserID: tt.userID, Amount: decimal.NewFromInt(tt.amount), Payload: tt.payload})
			require.Error(t, err)
			if tt.want != nil {
				assert.True(t, errors.Is(err, tt.want), err)
			}
			assert.Equal(t, tt.kind, apperr.KindOf(err))
		})
	}
	assert.Empty(t, f.card.created)
}

func TestBalancePaymentSettlesImmediately(t *testing.T) {
	f := newFixture(t)
	dbtest.CreateUser(t, f.db, 5, 1000)

	out, err := f.svc.Create(context.Background(), CreateRequest{UserID: 5, Amount: decimal.NewFromInt(100), Payload: "5:100:1:device::buy_subscription:balance"})
	require.NoError(t, err)
	assert.Nil(t, out.Invoice)
	require.NotNil(t, out.Settled)
	require.NotNil(t, out.Settled.Subscription)
	assert.Equal(t, db.ClassDevice, out.Settled.Subscription.Class)
	assert.True(t, dbtest.Balance(t, f.db, 5).Equal(decimal.NewFromInt(900)))
	assert.Empty(t, f.card.created)
}

func TestReconcilerExpiresStaleInvoice(t *testing.T) {
	f := newFixture(t)
	dbtest.CreateUser(t, f.db, 9, 50)
	inv := f.open(t, 9, 100, "9:100:1:device::buy_subscription:card")
	fresh := f.open(t, 9, 100, "9:100:1:device::buy_subscription:card")
	f.age(t, inv, 16*time.Minute)

	NewReconciler(f.svc, time.Second, 2).RunOnce(context.Background())

	assert.Equal(t, db.InvoiceExpired, f.status(t, inv))
	assert.Equal(t, db.InvoiceOpen, f.status(t, fresh))
	assert.Len(t, f.inbox.For(9), 1)
	assert.Equal(t, int64(0), countPayments(t, f.db))
	assert.True(t, dbtest.Balance(t, f.db, 9).Equal(decimal.NewFromInt(50)))

	// A late confirmation cannot revive it.
	_, err := f.svc.Settle(context.Background(), db.MethodCard, inv.InvoiceID)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
}

func TestReconcilerSettlesPaidInvoice(t *testing.T) {
	f := newFixture(t)
	dbtest.CreateUser(t, f.db, 3, 0)
	paid := f.open(t, 3, 250, "3:250:1:router::buy_subscription:card")
	canceled := f.open(t, 3, 100, "3:100:1:device::buy_subscription:card")
	f.card.set(paid.InvoiceID, payments.StatusPaid)
	f.card.set(canceled.InvoiceID, payments.StatusCanceled)

	r := NewReconciler(f.svc, time.Second, 4)
	r.RunOnce(context.Background())
	r.RunOnce(context.Background())

	assert.Equal(t, db.InvoicePaid, f.status(t, paid))
	assert.Equal(t, db.InvoiceCanceled, f.status(t, canceled))
	assert.Equal(t, int64(1), countPayments(t, f.db))
	var sub db.Subscription
	require.NoError(t, f.db.Where("user_id = ?", 3).First(&sub).Error)
	assert.Equal(t, db.ClassRouter, sub.Class)
}

func TestReconcilerKeepsInvoiceOpenOnOutage(t *testing.T) {
	f := newFixture(t)
	dbtest.CreateUser(t, f.db, 4, 0)
	inv := f.open(t, 4, 100, "4:100:1:device::buy_subscription:card")
	f.age(t, inv, time.Hour)
	f.card.statusErr = apperr.External(apperr.CodeProvider, true, errors.New("connection reset"))

	NewReconciler(f.svc, time.Second, 1).RunOnce(context.Background())
	assert.Equal(t, db.InvoiceOpen, f.status(t, inv))

	f.card.statusErr = apperr.External(apperr.CodeProvider, false, errors.New("unknown payment"))
	NewReconciler(f.svc, time.Second, 1).RunOnce(context.Background())
	assert.Equal(t, db.InvoiceFailed, f.status(t, inv))
}

func TestUnsettleableInvoiceFails(t *testing.T) {
	f := newFixture(t)
	dbtest.CreateUser(t, f.db, 6, 0)
	// Raffle 77 does not exist.
	inv := f.open(t, 6, 30, "6:30:0:ticket:77:ticket:card")

	err := f.svc.Confirm(context.Background(), db.MethodCard, payments.Notification{InvoiceID: inv.InvoiceID, Status: payments.StatusPaid})
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	assert.Equal(t, db.InvoiceFailed, f.status(t, inv))
	assert.Len(t, f.inbox.For(6), 1)
	assert.Len(t, f.inbox.Alerts, 1)
	assert.Equal(t, int64(0), countPayments(t, f.db))
}

func TestConfirmWebhookStatuses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dbtest.CreateUser(t, f.db, 8, 0)
	inv := f.open(t, 8, 100, "8:100:1:device::buy_subscription:card")

	require.NoError(t, f.svc.Confirm(ctx, db.MethodCard, payments.Notification{InvoiceID: inv.InvoiceID, Status: payments.StatusOpen}))
	assert.Equal(t, db.InvoiceOpen, f.status(t, inv))

	require.NoError(t, f.svc.Confirm(ctx, db.MethodCard, payments.Notification{InvoiceID: inv.InvoiceID, Status: payments.StatusCanceled}))
	assert.Equal(t, db.InvoiceCanceled, f.status(t, inv))

	// Paid after cancel: acknowledged, nothing settled.
	require.NoError(t, f.svc.Confirm(ctx, db.MethodCard, payments.Notification{InvoiceID: inv.InvoiceID, Status: payments.StatusPaid}))
	assert.Equal(t, int64(0), countPayments(t, f.db))

	err := f.svc.Confirm(ctx, db.MethodCard, payments.Notification{InvoiceID: "nope", Status: payments.StatusPaid})
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}
