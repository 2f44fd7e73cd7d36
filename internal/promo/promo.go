// Package promo creates and redeems promocodes.
package promo

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"VPN-Outline-backend/internal/apperr"
	"VPN-Outline-backend/internal/db"
	"VPN-Outline-backend/internal/metrics"
	"VPN-Outline-backend/internal/settlement"
	"VPN-Outline-backend/internal/users"
)

var codeRe = regexp.MustCompile(`^[A-Za-z0-9]+$`)

const maxBalanceGrant = 10000

// ParseEffect turns an effect string into the settlement event it grants.
func ParseEffect(effect string) (settlement.Event, error) {
	ev := settlement.Event{Method: db.MethodPromo, Amount: decimal.Zero}
	switch {
	case effect == "device_promo":
		ev.PaymentType = db.PaymentBuySubscription
		ev.Class = string(db.ClassDevice)
		ev.Period = 1
	case effect == "combo_5" || effect == "combo_10":
		ev.PaymentType = db.PaymentBuySubscription
		ev.Class = string(db.ClassCombo)
		ev.Variant = strings.TrimPrefix(effect, "combo_")
		ev.Period = 1
	case strings.HasPrefix(effect, "balance_"):
		n, err := strconv.Atoi(strings.TrimPrefix(effect, "balance_"))
		if err != nil || n < 1 || n > maxBalanceGrant {
			return ev, apperr.Validation("balance grant must be between 1 and %d", maxBalanceGrant)
		}
		ev.PaymentType = db.PaymentAddBalance
		ev.Class = "balance"
		ev.Amount = decimal.NewFromInt(int64(n))
	default:
		return ev, apperr.Validation("unknown promocode effect %q", effect)
	}
	return ev, nil
}

type Engine struct {
	db     *gorm.DB
	settle *settlement.Engine
	guard  users.Guard
	log    *zap.Logger
}

func New(gdb *gorm.DB, settle *settlement.Engine, guard users.Guard, log *zap.Logger) *Engine {
	return &Engine{db: gdb, settle: settle, guard: guard, log: log.With(zap.String("component", "promo"))}
}

// Create adds a code. maxUsage 0 means unlimited.
func (e *Engine) Create(ctx context.Context, code, effect string, maxUsage int) (db.Promocode, error) {
	if !codeRe.MatchString(code) {
		return db.Promocode{}, apperr.Validation("promocode must match [A-Za-z0-9]+")
	}
	if _, err := ParseEffect(effect); err != nil {
		return db.Promocode{}, err
	}
	if maxUsage < 0 {
		return db.Promocode{}, apperr.Validation("max usage must not be negative")
	}
	p := db.Promocode{Code: code, Effect: effect, MaxUsage: maxUsage, IsActive: true}
	if err := e.db.WithContext(ctx).Create(&p).Error; err != nil {
		if db.IsDuplicate(err) {
			return db.Promocode{}, apperr.Conflict(apperr.CodeDuplicate, "promocode already exists")
		}
		return db.Promocode{}, err
	}
	return p, nil
}

type Redemption struct {
	Promocode  db.Promocode
	Settlement settlement.Result
}

// Redeem applies a code for a user. Usage insert, quota check and the granted
// settlement commit together or not at all.
func (e *Engine) Redeem(ctx context.Context, userID int64, code string) (Redemption, error) {
	if err := e.guard.Allowed(ctx, userID); err != nil {
		return Redemption{}, err
	}
	var out Redemption
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var p db.Promocode
		if err := db.ForUpdate(tx).Where("code = ?", code).First(&p).Error; err != nil {
			if db.IsNotFound(err) {
				return apperr.NotFound("promocode")
			}
			return err
		}
		if !p.IsActive {
			return apperr.ErrInactive
		}
		var used int64
		if err := tx.Model(&db.PromocodeUsage{}).Where("promocode_id = ? AND user_id = ?", p.ID, userID).Count(&used).Error; err != nil {
			return err
		}
		if used > 0 {
			return apperr.ErrAlreadyUsed
		}
		if p.MaxUsage > 0 && p.UsageCount >= p.MaxUsage {
			return apperr.ErrExhausted
		}
		if err := tx.Create(&db.PromocodeUsage{PromocodeID: p.ID, UserID: userID}).Error; err != nil {
			if db.IsDuplicate(err) {
				return apperr.ErrAlreadyUsed
			}
			return err
		}

		var count int64
		if err := tx.Model(&db.PromocodeUsage{}).Where("promocode_id = ?", p.ID).Count(&count).Error; err != nil {
			return err
		}
		if p.MaxUsage > 0 && int(count) > p.MaxUsage {
			return apperr.ErrExhausted
		}
		updates := map[string]any{"usage_count": count}
		if p.MaxUsage > 0 && int(count) == p.MaxUsage {
			updates["is_active"] = false
		}
		if err := tx.Model(&p).Updates(updates).Error; err != nil {
			return err
		}

		ev, err := ParseEffect(p.Effect)
		if err != nil {
			return fmt.Errorf("promocode %s has a broken effect: %w", p.Code, err)
		}
		ev.UserID = userID
		res, err := e.settle.ApplyTx(tx, ev)
		if err != nil {
			return err
		}
		if err := tx.First(&p, p.ID).Error; err != nil {
			return err
		}
		out = Redemption{Promocode: p, Settlement: res}
		return nil
	})
	if err != nil {
		return Redemption{}, err
	}
	metrics.Settlement(db.MethodPromo, out.Settlement.Payment.PaymentType)
	e.log.Info("promocode redeemed", zap.String("code", code), zap.Int64("user_id", userID), zap.Int("usage_count", out.Promocode.UsageCount))
	return out, nil
}
