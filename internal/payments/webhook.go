package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"

	"VPN-Outline-backend/internal/apperr"
)

// Notification is a verified provider callback.
type Notification struct {
	InvoiceID string
	Status    Status
}

// checkYooKassaSignature verifies the HMAC carried in Authorization or Content-Yoomoney-Signature.
func checkYooKassaSignature(secret string, body []byte, authHeader, yoomoneyHeader string) bool {
	var signatures []string
	if strings.HasPrefix(authHeader, "HMAC ") || strings.HasPrefix(authHeader, "HMAC-SHA256 ") {
		if _, sig, ok := strings.Cut(authHeader, " "); ok {
			signatures = append(signatures, sig)
		}
	}
	if yoomoneyHeader != "" {
		signatures = append(signatures, yoomoneyHeader)
	}
	if len(signatures) == 0 {
		return false
	}
	calc := hmacHex([]byte(secret), body)
	for _, sig := range signatures {
		if hmac.Equal([]byte(strings.ToLower(sig)), []byte(calc)) {
			return true
		}
	}
	return false
}

// ParseYooKassaWebhook verifies and decodes a payment notification.
func ParseYooKassaWebhook(secret string, body []byte, authHeader, yoomoneyHeader string) (Notification, error) {
	if !checkYooKassaSignature(secret, body, authHeader, yoomoneyHeader) {
		return Notification{}, apperr.Unauthorized("invalid webhook signature")
	}
	var event struct {
		Event  string `json:"event"`
		Object struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"object"`
	}
	if err := json.Unmarshal(body, &event); err != nil {
		return Notification{}, apperr.Validation("webhook body: %v", err)
	}
	if event.Object.ID == "" {
		return Notification{}, apperr.Validation("webhook without payment id")
	}
	return Notification{InvoiceID: event.Object.ID, Status: yooStatus(event.Object.Status)}, nil
}

// checkCryptoBotSignature verifies crypto-pay-api-signature: HMAC-SHA256 of
// the body keyed with SHA-256 of the API token.
func checkCryptoBotSignature(token string, body []byte, signature string) bool {
	if signature == "" {
		return false
	}
	key := sha256.Sum256([]byte(token))
	return hmac.Equal([]byte(strings.ToLower(signature)), []byte(hmacHex(key[:], body)))
}

func ParseCryptoBotWebhook(token string, body []byte, signature string) (Notification, error) {
	if !checkCryptoBotSignature(token, body, signature) {
		return Notification{}, apperr.Unauthorized("invalid webhook signature")
	}
	var update struct {
		UpdateType string        `json:"update_type"`
		Payload    cryptoInvoice `json:"payload"`
	}
	if err := json.Unmarshal(body, &update); err != nil {
		return Notification{}, apperr.Validation("webhook body: %v", err)
	}
	if update.Payload.InvoiceID == 0 {
		return Notification{}, apperr.Validation("webhook without invoice id")
	}
	st := cryptoStatus(update.Payload.Status)
	if update.UpdateType == "invoice_paid" {
		st = StatusPaid
	}
	return Notification{InvoiceID: strconv.FormatInt(update.Payload.InvoiceID, 10), Status: st}, nil
}

func hmacHex(key, body []byte) string {
	h := hmac.New(sha256.New, key)
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
