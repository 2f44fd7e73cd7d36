package payments

import (
	"context"
	"encoding/json"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/shopspring/decimal"

	"VPN-Outline-backend/internal/db"
	"VPN-Outline-backend/internal/pricing"
)

// BotRequester is the slice of *tgbotapi.BotAPI used for invoice links.
type BotRequester interface {
	MakeRequest(endpoint string, params tgbotapi.Params) (*tgbotapi.APIResponse, error)
}

// Stars issues in-messenger micro-payment invoices. The messenger has no
// status endpoint: the bot reports successful payments, so Status stays open
// until the invoice is confirmed or expires.
type Stars struct {
	bot BotRequester
}

func NewStars(bot BotRequester) *Stars {
	return &Stars{bot: bot}
}

func (s *Stars) Method() string { return db.MethodMicropay }

// Units prices a payload in messenger units.
func Units(p pricing.Payload) (int64, error) {
	if p.PaymentType == db.PaymentBuySubscription {
		return pricing.MicropayUnits(db.Class(p.Class), p.Variant, p.Period)
	}
	return pricing.TopUpUnits(p.Amount), nil
}

func (s *Stars) CreateInvoice(ctx context.Context, req InvoiceRequest) (ProviderInvoice, error) {
	units, err := Units(req.Payload)
	if err != nil {
		return ProviderInvoice{}, err
	}
	if units <= 0 {
		return ProviderInvoice{}, rejected(fmt.Errorf("micropay invoice for %s has no units", req.Payload))
	}
	prices, err := json.Marshal([]tgbotapi.LabeledPrice{{Label: req.Description, Amount: int(units)}})
	if err != nil {
		return ProviderInvoice{}, err
	}
	params := tgbotapi.Params{
		"title":          req.Description,
		"description":    req.Description,
		"payload":        req.Reference,
		"provider_token": "",
		"currency":       "XTR",
		"prices":         string(prices),
	}
	if err := ctx.Err(); err != nil {
		return ProviderInvoice{}, transient(err)
	}
	resp, err := s.bot.MakeRequest("createInvoiceLink", params)
	if err != nil {
		return ProviderInvoice{}, transient(fmt.Errorf("createInvoiceLink: %w", err))
	}
	var link string
	if err := json.Unmarshal(resp.Result, &link); err != nil {
		return ProviderInvoice{}, rejected(fmt.Errorf("createInvoiceLink result: %w", err))
	}
	return ProviderInvoice{ID: req.Reference, URL: link, Amount: decimal.NewFromInt(units), Currency: "XTR"}, nil
}

func (s *Stars) Status(context.Context, string) (Status, error) {
	return StatusOpen, nil
}
