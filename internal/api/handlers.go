package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"VPN-Outline-backend/internal/apperr"
	"VPN-Outline-backend/internal/db"
	"VPN-Outline-backend/internal/invoices"
	"VPN-Outline-backend/internal/pricing"
	"VPN-Outline-backend/internal/settlement"
	"VPN-Outline-backend/internal/users"
)

func (s *Server) createUser(w http.ResponseWriter, r *http.Request) {
	var in users.NewUser
	if err := s.decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	u, err := s.Users.Create(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewUser(u))
}

func (s *Server) getUser(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt(r, "user_id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	u, err := s.Users.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewUser(u))
}

type contactRequest struct {
	Kind  string `json:"kind" validate:"required,oneof=email phone"`
	Value string `json:"value" validate:"required"`
}

func (s *Server) setContact(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt(r, "user_id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var in contactRequest
	if err := s.decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	u, err := s.Users.SetContact(r.Context(), id, in.Kind, in.Value)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewUser(u))
}

type referralRequest struct {
	UserID     int64 `json:"user_id" validate:"required"`
	ReferrerID int64 `json:"referrer_id" validate:"required"`
}

func (s *Server) addReferral(w http.ResponseWriter, r *http.Request) {
	var in referralRequest
	if err := s.decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.Users.AddReferral(r.Context(), in.UserID, in.ReferrerID); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type balancePaymentRequest struct {
	UserID      int64           `json:"user_id" validate:"required"`
	Amount      decimal.Decimal `json:"amount"`
	Period      int             `json:"period" validate:"gte=0"`
	Class       string          `json:"class"`
	Variant     string          `json:"variant"`
	PaymentType string          `json:"payment_type" validate:"required"`
	Method      string          `json:"method" validate:"required"`
}

// payFromBalance settles a purchase paid with the user's balance.
func (s *Server) payFromBalance(w http.ResponseWriter, r *http.Request) {
	var in balancePaymentRequest
	if err := s.decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	if in.Method != db.MethodBalance {
		s.writeError(w, r, apperr.Validation("method %q must go through an invoice", in.Method))
		return
	}
	if in.PaymentType == db.PaymentAddBalance {
		s.writeError(w, r, apperr.Validation("balance cannot be topped up from balance"))
		return
	}
	if err := s.Users.Allowed(r.Context(), in.UserID); err != nil {
		s.writeError(w, r, err)
		return
	}
	if !s.allow(w, r, in.UserID, "payment.balance") {
		return
	}
	res, err := s.Settle.Apply(r.Context(), settlement.FromPayload(pricing.Payload{
		UserID:      in.UserID,
		Amount:      in.Amount,
		Period:      in.Period,
		Class:       in.Class,
		Variant:     in.Variant,
		PaymentType: in.PaymentType,
		Method:      in.Method,
	}, ""))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewSettlement(res))
}

func (s *Server) createInvoice(w http.ResponseWriter, r *http.Request) {
	var in invoices.CreateRequest
	if err := s.decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	if !s.allow(w, r, in.UserID, "invoice.create") {
		return
	}
	out, err := s.Invoices.Create(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if out.Settled != nil {
		writeJSON(w, http.StatusOK, map[string]any{"settled": viewSettlement(*out.Settled)})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"invoice": viewInvoice(*out.Invoice)})
}

func (s *Server) getInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := s.Invoices.Get(r.Context(), chi.URLParam(r, "method"), chi.URLParam(r, "invoice_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewInvoice(inv))
}

func (s *Server) subscriptions(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt(r, "user_id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	subs, err := s.Settle.Subscriptions(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscriptions": subs})
}

type micropayRequest struct {
	InvoiceID string `json:"invoice_id" validate:"required"`
	ChargeID  string `json:"charge_id"`
}

func (s *Server) micropayPrecheck(w http.ResponseWriter, r *http.Request) {
	var in micropayRequest
	if err := s.decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.Invoices.CheckMicropay(r.Context(), in.InvoiceID); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) micropayConfirm(w http.ResponseWriter, r *http.Request) {
	var in micropayRequest
	if err := s.decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.Invoices.ConfirmMicropay(r.Context(), in.InvoiceID, in.ChargeID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewSettlement(res))
}

type deviceRequest struct {
	UserID int64  `json:"user_id" validate:"required"`
	Kind   string `json:"kind" validate:"required"`
	Name   string `json:"name" validate:"required"`
}

func (s *Server) createDevice(w http.ResponseWriter, r *http.Request) {
	var in deviceRequest
	if err := s.decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	if !s.allow(w, r, in.UserID, "device.create") {
		return
	}
	d, err := s.Devices.Create(r.Context(), in.UserID, in.Kind, in.Name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewDevice(d))
}

func (s *Server) listDevices(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt(r, "user_id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	byClass, err := s.Devices.List(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := map[db.Class][]deviceView{db.ClassDevice: {}, db.ClassRouter: {}, db.ClassCombo: {}}
	for class, list := range byClass {
		for _, d := range list {
			out[class] = append(out[class], viewDevice(d))
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": out})
}

func (s *Server) getDevice(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt(r, "user_id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err := s.Devices.Get(r.Context(), id, chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewDevice(d))
}

type renameRequest struct {
	Name string `json:"name" validate:"required"`
}

func (s *Server) renameDevice(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt(r, "user_id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var in renameRequest
	if err := s.decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	if !s.allow(w, r, id, "device.rename") {
		return
	}
	d, err := s.Devices.Rename(r.Context(), id, chi.URLParam(r, "name"), in.Name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewDevice(d))
}

func (s *Server) deleteDevice(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt(r, "user_id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !s.allow(w, r, id, "device.delete") {
		return
	}
	if err := s.Devices.Delete(r.Context(), id, chi.URLParam(r, "name")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type redeemRequest struct {
	UserID int64  `json:"user_id" validate:"required"`
	Code   string `json:"code" validate:"required,max=64"`
}

func (s *Server) redeemPromocode(w http.ResponseWriter, r *http.Request) {
	var in redeemRequest
	if err := s.decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	if !s.allow(w, r, in.UserID, "promocode.redeem") {
		return
	}
	red, err := s.Promo.Redeem(r.Context(), in.UserID, in.Code)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"code":       red.Promocode.Code,
		"effect":     red.Promocode.Effect,
		"settlement": viewSettlement(red.Settlement),
	})
}

func (s *Server) listRaffles(w http.ResponseWriter, r *http.Request) {
	list, err := s.Admin.Raffles(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]raffleView, 0, len(list))
	for _, rf := range list {
		out = append(out, viewRaffle(rf))
	}
	writeJSON(w, http.StatusOK, map[string]any{"raffles": out})
}
