package settlement

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"VPN-Outline-backend/internal/db"
	"VPN-Outline-backend/internal/pricing"
)

// SubscriptionView is one row of a user's subscription listing.
type SubscriptionView struct {
	ID            uint            `json:"id"`
	Class         db.Class        `json:"class"`
	ComboSize     int             `json:"combo_size"`
	StartDate     time.Time       `json:"start_date"`
	EndDate       time.Time       `json:"end_date"`
	RemainingDays int             `json:"remaining_days"`
	MonthlyPrice  decimal.Decimal `json:"monthly_price"`
}

// Subscriptions lists the user's subscriptions that have not ended yet,
// including ones queued to start later.
func (e *Engine) Subscriptions(ctx context.Context, userID int64) ([]SubscriptionView, error) {
	now := e.now()
	var subs []db.Subscription
	err := e.db.WithContext(ctx).
		Where("user_id = ? AND is_active = ? AND end_date > ?", userID, true, now).
		Order("start_date, id").Find(&subs).Error
	if err != nil {
		return nil, err
	}
	out := make([]SubscriptionView, 0, len(subs))
	for _, s := range subs {
		variant := ""
		if s.Class == db.ClassCombo {
			variant = strconv.Itoa(s.ComboSize)
		}
		price, err := pricing.Price(s.Class, variant, 1)
		if err != nil {
			price = decimal.Zero
		}
		out = append(out, SubscriptionView{
			ID:            s.ID,
			Class:         s.Class,
			ComboSize:     s.ComboSize,
			StartDate:     s.StartDate,
			EndDate:       s.EndDate,
			RemainingDays: remainingDays(s.EndDate.Sub(now)),
			MonthlyPrice:  price,
		})
	}
	return out, nil
}

func remainingDays(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Hours() / 24))
}
