package payments

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"VPN-Outline-backend/internal/db"
)

const yooKassaURL = "https://api.yookassa.ru/v3"

// YooKassa is the card acquirer.
type YooKassa struct {
	ShopID    string
	SecretKey string
	ReturnURL string
	BaseURL   string
	client    *http.Client
}

func NewYooKassa(shopID, secretKey, returnURL string, timeout time.Duration) *YooKassa {
	return &YooKassa{
		ShopID:    shopID,
		SecretKey: secretKey,
		ReturnURL: returnURL,
		BaseURL:   yooKassaURL,
		client:    &http.Client{Timeout: timeout},
	}
}

type yooAmount struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

type yooPayment struct {
	ID           string    `json:"id"`
	Status       string    `json:"status"`
	Amount       yooAmount `json:"amount"`
	Confirmation struct {
		ConfirmationURL string `json:"confirmation_url"`
	} `json:"confirmation"`
}

func (y *YooKassa) Method() string { return db.MethodCard }

func (y *YooKassa) header(idempotenceKey string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(y.ShopID+":"+y.SecretKey)))
	if idempotenceKey != "" {
		h.Set("Idempotence-Key", idempotenceKey)
	}
	return h
}

func (y *YooKassa) CreateInvoice(ctx context.Context, req InvoiceRequest) (ProviderInvoice, error) {
	currency := req.Currency
	if currency == "" {
		currency = "RUB"
	}
	body := map[string]any{
		"amount":       yooAmount{Value: req.Amount.StringFixed(2), Currency: currency},
		"confirmation": map[string]string{"type": "redirect", "return_url": y.ReturnURL},
		"capture":      true,
		"description":  req.Description,
		"metadata":     map[string]string{"reference": req.Reference},
	}
	var pr yooPayment
	if err := doJSON(ctx, y.client, http.MethodPost, y.BaseURL+"/payments", y.header(req.Reference), body, &pr); err != nil {
		return ProviderInvoice{}, fmt.Errorf("yookassa create payment: %w", err)
	}
	amount, err := decimal.NewFromString(pr.Amount.Value)
	if err != nil {
		amount = req.Amount
	}
	return ProviderInvoice{ID: pr.ID, URL: pr.Confirmation.ConfirmationURL, Amount: amount, Currency: currency}, nil
}

func (y *YooKassa) Status(ctx context.Context, invoiceID string) (Status, error) {
	var pr yooPayment
	if err := doJSON(ctx, y.client, http.MethodGet, y.BaseURL+"/payments/"+url.PathEscape(invoiceID), y.header(""), nil, &pr); err != nil {
		return StatusOpen, fmt.Errorf("yookassa payment %s: %w", invoiceID, err)
	}
	return yooStatus(pr.Status), nil
}

func yooStatus(s string) Status {
	switch s {
	case "succeeded":
		return StatusPaid
	case "canceled":
		return StatusCanceled
	default:
		// pending and waiting_for_capture
		return StatusOpen
	}
}
