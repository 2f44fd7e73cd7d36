package payments

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"VPN-Outline-backend/internal/db"
)

// CryptoBot is the crypto acquirer (Crypto Pay API). Invoices are priced in
// fiat and paid in any supported asset.
type CryptoBot struct {
	Token   string
	BaseURL string
	client  *http.Client
}

func NewCryptoBot(token, baseURL string, timeout time.Duration) *CryptoBot {
	return &CryptoBot{Token: token, BaseURL: strings.TrimRight(baseURL, "/"), client: &http.Client{Timeout: timeout}}
}

type cryptoInvoice struct {
	InvoiceID int64  `json:"invoice_id"`
	Status    string `json:"status"`
	Amount    string `json:"amount"`
	BotPayURL string `json:"bot_invoice_url"`
	PayURL    string `json:"pay_url"`
	Payload   string `json:"payload"`
}

type cryptoResponse[T any] struct {
	OK     bool `json:"ok"`
	Result T    `json:"result"`
	Error  *struct {
		Code int    `json:"code"`
		Name string `json:"name"`
	} `json:"error"`
}

func (c *CryptoBot) Method() string { return db.MethodCrypto }

func (c *CryptoBot) header() http.Header {
	h := http.Header{}
	h.Set("Crypto-Pay-API-Token", c.Token)
	return h
}

func (c *CryptoBot) CreateInvoice(ctx context.Context, req InvoiceRequest) (ProviderInvoice, error) {
	currency := req.Currency
	if currency == "" {
		currency = "RUB"
	}
	body := map[string]any{
		"currency_type": "fiat",
		"fiat":          currency,
		"amount":        req.Amount.StringFixed(2),
		"description":   req.Description,
		"payload":       req.Reference,
		"expires_in":    int((15 * time.Minute).Seconds()),
	}
	var resp cryptoResponse[cryptoInvoice]
	if err := doJSON(ctx, c.client, http.MethodPost, c.BaseURL+"/api/createInvoice", c.header(), body, &resp); err != nil {
		return ProviderInvoice{}, fmt.Errorf("cryptobot create invoice: %w", err)
	}
	if !resp.OK {
		return ProviderInvoice{}, rejected(fmt.Errorf("cryptobot create invoice: %s", resp.errorName()))
	}
	inv := resp.Result
	payURL := inv.BotPayURL
	if payURL == "" {
		payURL = inv.PayURL
	}
	amount, err := decimal.NewFromString(inv.Amount)
	if err != nil {
		amount = req.Amount
	}
	return ProviderInvoice{ID: strconv.FormatInt(inv.InvoiceID, 10), URL: payURL, Amount: amount, Currency: currency}, nil
}

func (c *CryptoBot) Status(ctx context.Context, invoiceID string) (Status, error) {
	var resp cryptoResponse[struct {
		Items []cryptoInvoice `json:"items"`
	}]
	u := c.BaseURL + "/api/getInvoices?invoice_ids=" + url.QueryEscape(invoiceID)
	if err := doJSON(ctx, c.client, http.MethodGet, u, c.header(), nil, &resp); err != nil {
		return StatusOpen, fmt.Errorf("cryptobot invoice %s: %w", invoiceID, err)
	}
	if !resp.OK {
		return StatusOpen, transient(fmt.Errorf("cryptobot invoice %s: %s", invoiceID, resp.errorName()))
	}
	for _, it := range resp.Result.Items {
		if strconv.FormatInt(it.InvoiceID, 10) == invoiceID {
			return cryptoStatus(it.Status), nil
		}
	}
	return StatusFailed, nil
}

func (r cryptoResponse[T]) errorName() string {
	if r.Error == nil {
		return "unknown error"
	}
	return fmt.Sprintf("%d %s", r.Error.Code, r.Error.Name)
}

func cryptoStatus(s string) Status {
	switch s {
	case "paid":
		return StatusPaid
	case "expired":
		return StatusExpired
	default:
		return StatusOpen
	}
}
