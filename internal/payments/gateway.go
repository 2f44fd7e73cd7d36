// Package payments adapts external payment providers to one invoice interface.
package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"VPN-Outline-backend/internal/apperr"
	"VPN-Outline-backend/internal/pricing"
)

// Status is a provider status mapped onto the invoice lifecycle.
type Status string

const (
	StatusOpen     Status = "open"
	StatusPaid     Status = "paid"
	StatusCanceled Status = "canceled"
	StatusExpired  Status = "expired"
	StatusFailed   Status = "failed"
)

// Terminal reports whether the invoice can no longer change.
func (s Status) Terminal() bool {
	return s != StatusOpen
}

// InvoiceRequest describes what the user is asked to pay.
type InvoiceRequest struct {
	// Reference is our idempotence key for the provider call.
	Reference   string
	Amount      decimal.Decimal
	Currency    string
	Description string
	Payload     pricing.Payload
}

// ProviderInvoice is the provider's answer to an invoice request.
type ProviderInvoice struct {
	ID       string
	URL      string
	Amount   decimal.Decimal
	Currency string
}

// Gateway is implemented by every external provider.
type Gateway interface {
	Method() string
	CreateInvoice(ctx context.Context, req InvoiceRequest) (ProviderInvoice, error)
	Status(ctx context.Context, invoiceID string) (Status, error)
}

// Registry resolves the gateway for a payment method.
type Registry struct {
	gateways map[string]Gateway
}

func NewRegistry(gateways ...Gateway) *Registry {
	r := &Registry{gateways: make(map[string]Gateway, len(gateways))}
	for _, g := range gateways {
		r.gateways[g.Method()] = g
	}
	return r
}

func (r *Registry) Get(method string) (Gateway, error) {
	g, ok := r.gateways[method]
	if !ok {
		return nil, apperr.Validation("payment method %q is not available", method)
	}
	return g, nil
}

func (r *Registry) Methods() []string {
	out := make([]string, 0, len(r.gateways))
	for m := range r.gateways {
		out = append(out, m)
	}
	return out
}

// transient marks an error the reconciler should retry on the next tick.
func transient(err error) error {
	return apperr.External(apperr.CodeProvider, true, err)
}

func rejected(err error) error {
	return apperr.External(apperr.CodeProvider, false, err)
}

// doJSON sends body as JSON and decodes a 2xx answer into out. Transport
// failures, 429 and 5xx are retriable; other statuses are not.
func doJSON(ctx context.Context, client *http.Client, method, url string, header http.Header, body, out any) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return apperr.Internal(err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, r)
	if err != nil {
		return apperr.Internal(err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := client.Do(req)
	if err != nil {
		return transient(err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return transient(err)
	}
	if resp.StatusCode/100 != 2 {
		err := fmt.Errorf("%s %s: status %d: %s", method, url, resp.StatusCode, strings.TrimSpace(string(data)))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return transient(err)
		}
		return rejected(err)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return rejected(fmt.Errorf("decode %s response: %w", url, err))
	}
	return nil
}
