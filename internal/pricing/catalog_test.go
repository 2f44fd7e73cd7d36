package pricing

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"VPN-Outline-backend/internal/apperr"
	"VPN-Outline-backend/internal/db"
)

func TestPriceBoundaries(t *testing.T) {
	tests := []struct {
		desc    string
		class   db.Class
		variant string
		period  int
		want    int64
	}{
		{"device 1", db.ClassDevice, "", 1, 100},
		{"device 3", db.ClassDevice, "", 3, 240},
		{"device 6", db.ClassDevice, "", 6, 420},
		{"device 12", db.ClassDevice, "", 12, 600},
		{"router 1", db.ClassRouter, "", 1, 250},
		{"router 12", db.ClassRouter, "", 12, 1500},
		{"combo5 3", db.ClassCombo, "5", 3, 1200},
		{"combo5 12", db.ClassCombo, "5", 12, 3000},
		{"combo10 1", db.ClassCombo, "10", 1, 850},
		{"combo10 6", db.ClassCombo, "10", 6, 3500},
		{"promo grant", db.ClassCombo, "10", 0, 0},
	}
	for _, tt := range tests {
		got, err := Price(tt.class, tt.variant, tt.period)
		require.NoError(t, err, tt.desc)
		assert.True(t, got.Equal(decimal.NewFromInt(tt.want)), "%s: got %s", tt.desc, got)
	}
}

func TestPriceUnknown(t *testing.T) {
	_, err := Price(db.ClassDevice, "", 2)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	_, err = Price(db.ClassCombo, "7", 1)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	_, err = Price("balance", "", 1)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(db.ClassDevice, "", 1, decimal.NewFromInt(100)))
	assert.NoError(t, Validate(db.ClassCombo, "5", 3, decimal.RequireFromString("1200.00")))

	err := Validate(db.ClassDevice, "", 1, decimal.NewFromInt(101))
	assert.True(t, errors.Is(err, apperr.ErrPriceMismatch))
	err = Validate(db.ClassDevice, "", 1, decimal.NewFromInt(99))
	assert.True(t, errors.Is(err, apperr.ErrPriceMismatch))
}

func TestMicropayUnits(t *testing.T) {
	n, err := MicropayUnits(db.ClassRouter, "", 6)
	require.NoError(t, err)
	assert.Equal(t, int64(559), n)

	n, err = MicropayUnits(db.ClassCombo, "10", 12)
	require.NoError(t, err)
	assert.Equal(t, int64(2793), n)
}

func TestTopUpUnits(t *testing.T) {
	assert.Equal(t, int64(280), TopUpUnits(decimal.NewFromInt(500)))
	assert.Equal(t, int64(1), TopUpUnits(decimal.RequireFromString("1.79")))
	assert.Equal(t, int64(2), TopUpUnits(decimal.RequireFromString("1.80")))
}

func TestMicropayTableFollowsUnitPrice(t *testing.T) {
	for product, periods := range fiat {
		for period, rub := range periods {
			want := decimal.NewFromInt(rub).Div(UnitPrice).Round(0).IntPart()
			assert.Equal(t, want, micropay[product][period], "%s/%s period %d", product.Class, product.Variant, period)
		}
	}
}
