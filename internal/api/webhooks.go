package api

import (
	"io"
	"net/http"

	"go.uber.org/zap"

	"VPN-Outline-backend/internal/apperr"
	"VPN-Outline-backend/internal/db"
	"VPN-Outline-backend/internal/payments"
)

// Provider callbacks. A 2xx tells the provider to stop retrying, so only
// errors worth a retry are answered with 5xx.

func (s *Server) yookassaWebhook(w http.ResponseWriter, r *http.Request) {
	if s.YooKassaSecret == "" {
		http.NotFound(w, r)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		s.writeError(w, r, apperr.Validation("read body: %v", err))
		return
	}
	n, err := payments.ParseYooKassaWebhook(s.YooKassaSecret, body, r.Header.Get("Authorization"), r.Header.Get("Content-Yoomoney-Signature"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.confirm(w, r, db.MethodCard, n)
}

func (s *Server) cryptobotWebhook(w http.ResponseWriter, r *http.Request) {
	if s.CryptoBotToken == "" {
		http.NotFound(w, r)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		s.writeError(w, r, apperr.Validation("read body: %v", err))
		return
	}
	n, err := payments.ParseCryptoBotWebhook(s.CryptoBotToken, body, r.Header.Get("Crypto-Pay-Api-Signature"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.confirm(w, r, db.MethodCrypto, n)
}

func (s *Server) confirm(w http.ResponseWriter, r *http.Request, method string, n payments.Notification) {
	err := s.Invoices.Confirm(r.Context(), method, n)
	switch {
	case err == nil:
	case apperr.KindOf(err) == apperr.KindInternal || apperr.IsRetriable(err):
		s.writeError(w, r, err)
		return
	default:
		// Unknown invoice or a settlement the provider cannot fix by retrying.
		s.log.Warn("webhook not applied", zap.String("method", method), zap.String("invoice_id", n.InvoiceID), zap.Error(err))
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
