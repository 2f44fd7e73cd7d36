// Package pricing holds the product catalog and the invoice payload codec.
package pricing

import (
	"fmt"

	"github.com/shopspring/decimal"

	"VPN-Outline-backend/internal/apperr"
	"VPN-Outline-backend/internal/db"
)

// Periods lists the purchasable subscription lengths in months.
var Periods = []int{1, 3, 6, 12}

// DaysPerMonth is the length of one billing month.
const DaysPerMonth = 30

// Product identifies a catalog row. Variant is "5" or "10" for combo and empty otherwise.
type Product struct {
	Class   db.Class
	Variant string
}

var (
	device  = Product{Class: db.ClassDevice}
	router  = Product{Class: db.ClassRouter}
	combo5  = Product{Class: db.ClassCombo, Variant: "5"}
	combo10 = Product{Class: db.ClassCombo, Variant: "10"}
)

// fiat prices in rubles per period.
var fiat = map[Product]map[int]int64{
	device:  {1: 100, 3: 240, 6: 420, 12: 600},
	router:  {1: 250, 3: 600, 6: 1000, 12: 1500},
	combo5:  {1: 500, 3: 1200, 6: 2100, 12: 3000},
	combo10: {1: 850, 3: 2000, 6: 3500, 12: 5000},
}

// micropay prices in messenger units, derived from fiat as round(price / UnitPrice).
// Kept as a literal table so a single cell can be repriced without touching fiat.
var micropay = map[Product]map[int]int64{
	device:  {1: 56, 3: 134, 6: 235, 12: 335},
	router:  {1: 140, 3: 335, 6: 559, 12: 838},
	combo5:  {1: 279, 3: 670, 6: 1173, 12: 1676},
	combo10: {1: 475, 3: 1117, 6: 1955, 12: 2793},
}

// UnitPrice is the fiat value of one micropay unit for balance top-ups.
var UnitPrice = decimal.RequireFromString("1.79")

func normalize(class db.Class, variant string) (Product, error) {
	switch class {
	case db.ClassDevice, db.ClassRouter:
		return Product{Class: class}, nil
	case db.ClassCombo:
		if variant == "5" || variant == "10" {
			return Product{Class: class, Variant: variant}, nil
		}
		return Product{}, apperr.Validation("unknown combo variant %q", variant)
	default:
		return Product{}, apperr.Validation("unknown class %q", class)
	}
}

func lookup(table map[Product]map[int]int64, class db.Class, variant string, period int) (int64, error) {
	p, err := normalize(class, variant)
	if err != nil {
		return 0, err
	}
	if period == 0 {
		return 0, nil
	}
	v, ok := table[p][period]
	if !ok {
		return 0, apperr.Validation("unknown period %d", period)
	}
	return v, nil
}

// Price returns the fiat catalog price. Period 0 is the free promo grant.
func Price(class db.Class, variant string, period int) (decimal.Decimal, error) {
	v, err := lookup(fiat, class, variant, period)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromInt(v), nil
}

// MicropayUnits returns the catalog price in messenger units.
func MicropayUnits(class db.Class, variant string, period int) (int64, error) {
	return lookup(micropay, class, variant, period)
}

// TopUpUnits converts a fiat top-up into messenger units, rounding up.
func TopUpUnits(amount decimal.Decimal) int64 {
	return amount.Div(UnitPrice).Ceil().IntPart()
}

// Validate checks a submitted amount against the catalog.
func Validate(class db.Class, variant string, period int, amount decimal.Decimal) error {
	want, err := Price(class, variant, period)
	if err != nil {
		return err
	}
	if !amount.Equal(want) {
		return fmt.Errorf("%s/%s/%d: got %s, want %s: %w", class, variant, period, amount, want, apperr.ErrPriceMismatch)
	}
	return nil
}
