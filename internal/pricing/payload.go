package pricing

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"VPN-Outline-backend/internal/apperr"
)

// Payload is the settlement request carried by an invoice:
// user:amount:period:class:variant:payment_type:method.
type Payload struct {
	UserID      int64
	Amount      decimal.Decimal
	Period      int
	Class       string
	Variant     string
	PaymentType string
	Method      string
}

const payloadFields = 7

// Encode renders the colon separated form. Text fields must not contain a colon.
func (p Payload) Encode() (string, error) {
	for _, f := range []string{p.Class, p.Variant, p.PaymentType, p.Method} {
		if strings.Contains(f, ":") {
			return "", apperr.Validation("payload field %q contains ':'", f)
		}
	}
	return strings.Join([]string{
		strconv.FormatInt(p.UserID, 10),
		p.Amount.String(),
		strconv.Itoa(p.Period),
		p.Class,
		p.Variant,
		p.PaymentType,
		p.Method,
	}, ":"), nil
}

func DecodePayload(s string) (Payload, error) {
	parts := strings.Split(s, ":")
	if len(parts) != payloadFields {
		return Payload{}, apperr.Validation("payload has %d fields, want %d", len(parts), payloadFields)
	}
	userID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Payload{}, apperr.Validation("payload user: %v", err)
	}
	amount, err := decimal.NewFromString(parts[1])
	if err != nil {
		return Payload{}, apperr.Validation("payload amount: %v", err)
	}
	period, err := strconv.Atoi(parts[2])
	if err != nil {
		return Payload{}, apperr.Validation("payload period: %v", err)
	}
	if parts[5] == "" || parts[6] == "" {
		return Payload{}, apperr.Validation("payload %q lacks payment type or method", s)
	}
	p := Payload{
		UserID:      userID,
		Amount:      amount,
		Period:      period,
		Class:       parts[3],
		Variant:     parts[4],
		PaymentType: parts[5],
		Method:      parts[6],
	}
	// Only the canonical form is accepted so a payload re-encodes to the same bytes.
	if enc, err := p.Encode(); err != nil || enc != s {
		return Payload{}, apperr.Validation("payload %q is not in canonical form", s)
	}
	return p, nil
}

func (p Payload) String() string {
	s, err := p.Encode()
	if err != nil {
		return fmt.Sprintf("invalid payload: %v", err)
	}
	return s
}
