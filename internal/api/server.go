// Package api exposes the core over HTTP/JSON.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"VPN-Outline-backend/internal/admin"
	"VPN-Outline-backend/internal/devices"
	"VPN-Outline-backend/internal/invoices"
	"VPN-Outline-backend/internal/promo"
	"VPN-Outline-backend/internal/settlement"
	"VPN-Outline-backend/internal/sweeper"
	"VPN-Outline-backend/internal/users"
)

// Deps are the services behind the handlers.
type Deps struct {
	Users    *users.Service
	Devices  *devices.Service
	Settle   *settlement.Engine
	Invoices *invoices.Service
	Promo    *promo.Engine
	Admin    *admin.Service
	Sweeper  *sweeper.Sweeper
	Limiter  Limiter
	Logger   *zap.Logger
	// Token is the shared bearer secret.
	Token string
	// YooKassaSecret and CryptoBotToken verify provider callbacks; empty disables the route.
	YooKassaSecret string
	CryptoBotToken string
}

type Server struct {
	Deps
	validate *validator.Validate
	log      *zap.Logger
}

func New(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Limiter == nil {
		d.Limiter = NewMemoryLimiter()
	}
	return &Server{Deps: d, validate: validator.New(), log: d.Logger.With(zap.String("component", "api"))}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(s.requestLog)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(30 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/webhooks", func(r chi.Router) {
		r.Post("/yookassa", s.yookassaWebhook)
		r.Post("/cryptobot", s.cryptobotWebhook)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.bearer)

		r.Post("/users", s.createUser)
		r.Get("/users/{user_id}", s.getUser)
		r.Put("/users/{user_id}/contact", s.setContact)
		r.Post("/referrals", s.addReferral)

		r.Route("/payments", func(r chi.Router) {
			r.Post("/balance", s.payFromBalance)
			r.Post("/invoices", s.createInvoice)
			r.Get("/invoices/{method}/{invoice_id}", s.getInvoice)
			r.Get("/subscriptions/{user_id}", s.subscriptions)
			r.Post("/micropay/precheck", s.micropayPrecheck)
			r.Post("/micropay/confirm", s.micropayConfirm)
		})

		r.Route("/devices", func(r chi.Router) {
			r.Post("/", s.createDevice)
			r.Get("/{user_id}", s.listDevices)
			r.Get("/{user_id}/{name}", s.getDevice)
			r.Patch("/{user_id}/{name}", s.renameDevice)
			r.Delete("/{user_id}/{name}", s.deleteDevice)
		})

		r.Post("/promocodes/redeem", s.redeemPromocode)
		r.Get("/raffles", s.listRaffles)

		r.Route("/admin", func(r chi.Router) {
			r.Get("/auth/{admin_id}", s.adminHasPassword)
			r.Post("/auth/login", s.adminLogin)

			r.Group(func(r chi.Router) {
				r.Use(s.adminOnly)
				r.Get("/stats", s.adminStats)
				r.Get("/payments", s.adminPayments)
				r.Get("/users", s.adminUsers)
				r.Get("/users/find", s.adminFindUser)
				r.Post("/users/{user_id}/block", s.adminBlock)
				r.Delete("/users/{user_id}/block", s.adminUnblock)
				r.Post("/users/{user_id}/credit", s.adminCredit)
				r.Post("/broadcast", s.adminBroadcast)

				r.Get("/servers", s.adminServers)
				r.Post("/servers", s.adminAddServer)
				r.Patch("/servers/{id}", s.adminUpdateServer)
				r.Post("/servers/reload", s.adminReloadServers)

				r.Post("/promocodes", s.adminCreatePromocode)

				r.Post("/raffles", s.adminCreateRaffle)
				r.Get("/raffles/{id}/entries", s.adminRaffleEntries)
				r.Post("/raffles/{id}/close", s.adminCloseRaffle)
				r.Post("/raffles/{id}/winner", s.adminSetWinner)

				r.Post("/backup", s.adminBackup)
				r.Post("/restore", s.adminRestore)
				r.Post("/sweep", s.adminSweep)
			})
		})
	})
	return r
}
