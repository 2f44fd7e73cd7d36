package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"VPN-Outline-backend/internal/admin"
	"VPN-Outline-backend/internal/db"
	"VPN-Outline-backend/internal/db/dbtest"
	"VPN-Outline-backend/internal/devices"
	"VPN-Outline-backend/internal/invoices"
	"VPN-Outline-backend/internal/logger"
	"VPN-Outline-backend/internal/outline"
	"VPN-Outline-backend/internal/payments"
	"VPN-Outline-backend/internal/promo"
	"VPN-Outline-backend/internal/settlement"
	"VPN-Outline-backend/internal/slots"
	"VPN-Outline-backend/internal/sweeper"
	"VPN-Outline-backend/internal/users"
)

const (
	token     = "test-token"
	yooSecret = "yoo-secret"
	adminUser = int64(1)
)

type keyPool struct {
	mu   sync.Mutex
	next int
}

func (p *keyPool) Allocate(_ context.Context, _ string) (outline.Key, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	id := fmt.Sprint(p.next)
	return outline.Key{ServerID: 1, KeyID: id, AccessURL: "ss://" + id}, nil
}

func (p *keyPool) Release(context.Context, uint, string) error { return nil }

func (p *keyPool) Rename(context.Context, uint, string, string) error { return nil }

type gateway struct {
	method string
	mu     sync.Mutex
	n      int
}

func (g *gateway) Method() string { return g.method }

func (g *gateway) CreateInvoice(_ context.Context, req payments.InvoiceRequest) (payments.ProviderInvoice, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	id := fmt.Sprintf("%s-%d", g.method, g.n)
	if g.method == db.MethodMicropay {
		id = req.Reference
	}
	return payments.ProviderInvoice{ID: id, URL: "https://pay.example/" + id, Amount: req.Amount, Currency: req.Currency}, nil
}

func (g *gateway) Status(context.Context, string) (payments.Status, error) {
	return payments.StatusOpen, nil
}

type denyAll struct{}

func (denyAll) Allow(context.Context, string, int, time.Duration) (bool, error) { return false, nil }

type env struct {
	srv   *Server
	h     http.Handler
	db    *gorm.DB
	inbox *logger.Recorder
}

func newEnv(t *testing.T) env {
	t.Helper()
	gdb := dbtest.Open(t)
	log := zap.NewNop()
	inbox := &logger.Recorder{}
	guard := users.New(gdb, log)
	settle := settlement.New(gdb, log)
	pool := outline.NewPool(gdb, log, outline.Options{})
	keys := &keyPool{}
	promos := promo.New(gdb, settle, guard, log)
	adm := admin.New(gdb, admin.Options{Settle: settle, Pool: pool, Promo: promos, Notifier: inbox, Logger: log, BackupDir: t.TempDir()})
	require.NoError(t, adm.EnsureAdmins(context.Background(), []int64{adminUser}))

	srv := New(Deps{
		Users:   guard,
		Devices: devices.New(gdb, keys, slots.New(gdb), guard, log),
		Settle:  settle,
		Invoices: invoices.New(gdb, invoices.Options{
			Registry: payments.NewRegistry(&gateway{method: db.MethodCard}, &gateway{method: db.MethodMicropay}),
			Settle:   settle,
			Guard:    guard,
			Notifier: inbox,
			Logger:   log,
		}),
		Promo:          promos,
		Admin:          adm,
		Sweeper:        sweeper.New(gdb, keys, inbox, log),
		Logger:         log,
		Token:          token,
		YooKassaSecret: yooSecret,
	})
	return env{srv: srv, h: srv.Handler(), db: gdb, inbox: inbox}
}

type call struct {
	method string
	path   string
	body   any
	header map[string]string
	noAuth bool
}

func (e env) do(t *testing.T, c call) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := c.body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(c.method, c.path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if !c.noAuth {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range c.header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func errorOf(t *testing.T, rec *httptest.ResponseRecorder) (kind, code string) {
	t.Helper()
	body := decodeBody(t, rec)
	detail, ok := body["error"].(map[string]any)
	require.True(t, ok, rec.Body.String())
	kind, _ = detail["kind"].(string)
	code, _ = detail["code"].(string)
	return kind, code
}

func TestHealthIsPublic(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, call{method: http.MethodGet, path: "/health", noAuth: true})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBearerRequired(t *testing.T) {
	e := newEnv(t)
	tests := []struct {
		desc   string
		header map[string]string
	}{
		{"missing", nil},
		{"wrong token", map[string]string{"Authorization": "Bearer nope"}},
		{"wrong scheme", map[string]string{"Authorization": "Basic " + token}},
	}
	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			rec := e.do(t, call{method: http.MethodGet, path: "/users/1", header: tt.header, noAuth: true})
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			kind, _ := errorOf(t, rec)
			assert.Equal(t, "unauthorized", kind)
		})
	}
}

func TestUserLifecycle(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, call{method: http.MethodPost, path: "/users", body: map[string]any{"user_id": 42, "username": "neo"}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "100", decodeBody(t, rec)["balance"])

	rec = e.do(t, call{method: http.MethodPost, path: "/users", body: map[string]any{"user_id": 42}})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = e.do(t, call{method: http.MethodGet, path: "/users/42"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "neo", decodeBody(t, rec)["username"])

	rec = e.do(t, call{method: http.MethodGet, path: "/users/7"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.do(t, call{method: http.MethodPut, path: "/users/42/contact", body: map[string]any{"kind": "phone", "value": "+7 (912) 345-67-89"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "79123456789", decodeBody(t, rec)["phone"])
}

func TestRequestValidation(t *testing.T) {
	e := newEnv(t)
	tests := []struct {
		desc string
		c    call
		code int
	}{
		{"malformed json", call{method: http.MethodPost, path: "/users", body: "{"}, http.StatusBadRequest},
		{"unknown field", call{method: http.MethodPost, path: "/users", body: map[string]any{"user_id": 1, "role": "root"}}, http.StatusBadRequest},
		{"missing user id", call{method: http.MethodPost, path: "/users", body: map[string]any{"username": "x"}}, http.StatusBadRequest},
		{"bad path id", call{method: http.MethodGet, path: "/users/abc"}, http.StatusBadRequest},
		{"invoice for balance method", call{method: http.MethodPost, path: "/payments/balance", body: map[string]any{
			"user_id": 1, "amount": "100", "period": 1, "class": "device", "payment_type": "buy_subscription", "method": "card"}}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			rec := e.do(t, tt.c)
			assert.Equal(t, tt.code, rec.Code, rec.Body.String())
			kind, _ := errorOf(t, rec)
			assert.Equal(t, "validation", kind)
		})
	}
}

func TestBalancePurchaseAndSubscriptions(t *testing.T) {
	e := newEnv(t)
	dbtest.CreateUser(t, e.db, 5, 150)
	body := map[string]any{"user_id": 5, "amount": "100", "period": 1, "class": "device", "payment_type": "buy_subscription", "method": "balance"}

	rec := e.do(t, call{method: http.MethodPost, path: "/payments/balance", body: body})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotNil(t, decodeBody(t, rec)["subscription"])

	rec = e.do(t, call{method: http.MethodPost, path: "/payments/balance", body: body})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	_, code := errorOf(t, rec)
	assert.Equal(t, "insufficient_balance", code)

	rec = e.do(t, call{method: http.MethodGet, path: "/payments/subscriptions/5"})
	require.Equal(t, http.StatusOK, rec.Code)
	subs, ok := decodeBody(t, rec)["subscriptions"].([]any)
	require.True(t, ok)
	assert.Len(t, subs, 1)
}

func TestBalanceCannotTopUpItself(t *testing.T) {
	e := newEnv(t)
	dbtest.CreateUser(t, e.db, 5, 100)

	rec := e.do(t, call{method: http.MethodPost, path: "/payments/balance", body: map[string]any{
		"user_id": 5, "amount": "1000000", "class": "balance", "payment_type": "add_balance", "method": "balance"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())

	rec = e.do(t, call{method: http.MethodPost, path: "/payments/invoices", body: map[string]any{
		"user_id": 5, "amount": "1000000", "payload": "5:1000000:0:balance::add_balance:balance"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())

	assert.True(t, dbtest.Balance(t, e.db, 5).Equal(decimal.NewFromInt(100)))
}

func TestMicropayInvoiceFlow(t *testing.T) {
	e := newEnv(t)
	dbtest.CreateUser(t, e.db, 42, 100)

	rec := e.do(t, call{method: http.MethodPost, path: "/payments/invoices", body: map[string]any{
		"user_id": 42, "amount": "500", "payload": "42:500:0:balance::add_balance:micropay"}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	inv := decodeBody(t, rec)["invoice"].(map[string]any)
	ref := inv["invoice_id"].(string)
	assert.Equal(t, "open", inv["status"])

	rec = e.do(t, call{method: http.MethodPost, path: "/payments/micropay/precheck", body: map[string]any{"invoice_id": ref}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = e.do(t, call{method: http.MethodPost, path: "/payments/micropay/confirm", body: map[string]any{"invoice_id": ref, "charge_id": "ch_1"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, dbtest.Balance(t, e.db, 42).Equal(decimal.NewFromInt(600)))

	// A repeated confirmation reports the settled payment without applying it again.
	rec = e.do(t, call{method: http.MethodPost, path: "/payments/micropay/confirm", body: map[string]any{"invoice_id": ref, "charge_id": "ch_1"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, decodeBody(t, rec)["duplicate"])
	assert.True(t, dbtest.Balance(t, e.db, 42).Equal(decimal.NewFromInt(600)))

	rec = e.do(t, call{method: http.MethodPost, path: "/payments/micropay/precheck", body: map[string]any{"invoice_id": ref}})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = e.do(t, call{method: http.MethodGet, path: "/payments/invoices/micropay/" + ref})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "paid", decodeBody(t, rec)["status"])
}

func TestDeviceEndpoints(t *testing.T) {
	e := newEnv(t)
	dbtest.CreateUser(t, e.db, 3, 0)

	rec := e.do(t, call{method: http.MethodPost, path: "/devices", body: map[string]any{"user_id": 3, "kind": "android", "name": "phone"}})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
	_, code := errorOf(t, rec)
	assert.Equal(t, "no_subscription", code)

	dbtest.CreateSubscription(t, e.db, 3, db.ClassDevice, 0, 30*24*time.Hour)
	rec = e.do(t, call{method: http.MethodPost, path: "/devices", body: map[string]any{"user_id": 3, "kind": "android", "name": "phone"}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "ss://1", decodeBody(t, rec)["access_url"])

	rec = e.do(t, call{method: http.MethodPatch, path: "/devices/3/phone", body: map[string]any{"name": "old phone"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = e.do(t, call{method: http.MethodGet, path: "/devices/3"})
	require.Equal(t, http.StatusOK, rec.Code)
	byClass := decodeBody(t, rec)["devices"].(map[string]any)
	assert.Len(t, byClass["device"], 1)
	assert.Empty(t, byClass["router"])
	assert.Empty(t, byClass["combo"])

	rec = e.do(t, call{method: http.MethodDelete, path: "/devices/3/old%20phone"})
	assert.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
	rec = e.do(t, call{method: http.MethodGet, path: "/devices/3/old%20phone"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRateLimited(t *testing.T) {
	e := newEnv(t)
	e.srv.Limiter = denyAll{}
	h := e.srv.Handler()
	dbtest.CreateUser(t, e.db, 3, 0)

	req := httptest.NewRequest(http.MethodPost, "/devices", strings.NewReader(`{"user_id":3,"kind":"android","name":"phone"}`))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	kind, _ := errorOf(t, rec)
	assert.Equal(t, "rate_limited", kind)
}

func TestMemoryLimiter(t *testing.T) {
	l := NewMemoryLimiter()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "k", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, _ := l.Allow(ctx, "k", 3, time.Minute)
	assert.False(t, ok)
	ok, _ = l.Allow(ctx, "other", 3, time.Minute)
	assert.True(t, ok)

	now = now.Add(time.Minute)
	ok, _ = l.Allow(ctx, "k", 3, time.Minute)
	assert.True(t, ok)
}

func TestAdminRoutes(t *testing.T) {
	e := newEnv(t)
	dbtest.CreateUser(t, e.db, 10, 0)
	asAdmin := map[string]string{adminHeader: fmt.Sprint(adminUser)}

	rec := e.do(t, call{method: http.MethodGet, path: "/admin/stats"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = e.do(t, call{method: http.MethodGet, path: "/admin/stats", header: map[string]string{adminHeader: "10"}})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = e.do(t, call{method: http.MethodGet, path: "/admin/auth/1"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decodeBody(t, rec)["has_password"])
	// Seeded but never logged in.
	rec = e.do(t, call{method: http.MethodGet, path: "/admin/stats", header: asAdmin})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	_, code := errorOf(t, rec)
	assert.Equal(t, "password_required", code)

	rec = e.do(t, call{method: http.MethodPost, path: "/admin/auth/login", body: map[string]any{"admin_id": 1, "password": "correct horse"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = e.do(t, call{method: http.MethodPost, path: "/admin/auth/login", body: map[string]any{"admin_id": 1, "password": "wrong password"}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = e.do(t, call{method: http.MethodPost, path: "/admin/users/10/credit", header: asAdmin, body: map[string]any{"amount": "250"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, dbtest.Balance(t, e.db, 10).Equal(decimal.NewFromInt(250)))

	rec = e.do(t, call{method: http.MethodPost, path: "/admin/users/10/block", header: asAdmin})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = e.do(t, call{method: http.MethodPut, path: "/users/10/contact", body: map[string]any{"kind": "email", "value": "a@b.co"}})
	assert.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())

	rec = e.do(t, call{method: http.MethodGet, path: "/admin/users?filter=blocked", header: asAdmin})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Len(t, decodeBody(t, rec)["users"], 1)
	rec = e.do(t, call{method: http.MethodGet, path: "/admin/users?filter=rich", header: asAdmin})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, call{method: http.MethodDelete, path: "/admin/users/10/block", header: asAdmin})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, call{method: http.MethodGet, path: "/admin/stats", header: asAdmin})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = e.do(t, call{method: http.MethodPost, path: "/admin/promocodes", header: asAdmin, body: map[string]any{"code": "SPRING", "effect": "balance_50", "max_usage": 1}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = e.do(t, call{method: http.MethodPost, path: "/promocodes/redeem", body: map[string]any{"user_id": 10, "code": "SPRING"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, dbtest.Balance(t, e.db, 10).Equal(decimal.NewFromInt(300)))

	rec = e.do(t, call{method: http.MethodPost, path: "/admin/sweep", header: asAdmin})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, decodeBody(t, rec), "subscriptions_processed")
}

func sign(secret string, body []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func TestYooKassaWebhook(t *testing.T) {
	e := newEnv(t)
	dbtest.CreateUser(t, e.db, 8, 0)

	rec := e.do(t, call{method: http.MethodPost, path: "/payments/invoices", body: map[string]any{
		"user_id": 8, "amount": "100", "payload": "8:100:1:device::buy_subscription:card"}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := decodeBody(t, rec)["invoice"].(map[string]any)["invoice_id"].(string)

	body := []byte(fmt.Sprintf(`{"event":"payment.succeeded","object":{"id":%q,"status":"succeeded"}}`, id))
	rec = e.do(t, call{method: http.MethodPost, path: "/webhooks/yookassa", body: string(body), noAuth: true,
		header: map[string]string{"Authorization": "HMAC " + sign("forged", body)}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	for i := 0; i < 2; i++ {
		rec = e.do(t, call{method: http.MethodPost, path: "/webhooks/yookassa", body: string(body), noAuth: true,
			header: map[string]string{"Authorization": "HMAC " + sign(yooSecret, body)}})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}
	var subs int64
	require.NoError(t, e.db.Model(&db.Subscription{}).Where("user_id = ?", 8).Count(&subs).Error)
	assert.Equal(t, int64(1), subs)

	// Unknown invoices are acknowledged so the provider stops retrying.
	other := []byte(`{"event":"payment.succeeded","object":{"id":"missing","status":"succeeded"}}`)
	rec = e.do(t, call{method: http.MethodPost, path: "/webhooks/yookassa", body: string(other), noAuth: true,
		header: map[string]string{"Authorization": "HMAC " + sign(yooSecret, other)}})
	assert.Equal(t, http.StatusOK, rec.Code)

	// CryptoBot is not configured.
	rec = e.do(t, call{method: http.MethodPost, path: "/webhooks/cryptobot", body: "{}", noAuth: true})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
