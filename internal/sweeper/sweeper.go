// Package sweeper reclaims devices and Outline keys of expired subscriptions
// and warns users before their subscriptions end.
package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"VPN-Outline-backend/internal/db"
	"VPN-Outline-backend/internal/logger"
	"VPN-Outline-backend/internal/metrics"
)

// Releaser frees an Outline key.
type Releaser interface {
	Release(ctx context.Context, serverID uint, keyID string) error
}

type Stats struct {
	SubscriptionsProcessed int `json:"subscriptions_processed"`
	DevicesDeleted         int `json:"devices_deleted"`
	KeysDeleted            int `json:"keys_deleted"`
	Errors                 int `json:"errors"`
}

type Sweeper struct {
	db     *gorm.DB
	keys   Releaser
	notify logger.Notifier
	log    *zap.Logger
	now    func() time.Time
}

func New(gdb *gorm.DB, keys Releaser, notify logger.Notifier, log *zap.Logger) *Sweeper {
	if notify == nil {
		notify = logger.Nop{}
	}
	return &Sweeper{
		db:     gdb,
		keys:   keys,
		notify: notify,
		log:    log.With(zap.String("component", "sweeper")),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source.
func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// Sweep deactivates expired subscriptions and deletes their devices. A key
// that cannot be released is counted as an error; its device row goes anyway
// so the slot is freed.
func (s *Sweeper) Sweep(ctx context.Context) (Stats, error) {
	now := s.now()
	var stats Stats

	var subs []db.Subscription
	err := s.db.WithContext(ctx).
		Where("is_active = ? AND end_date < ?", true, now).
		Or("is_active = ? AND id IN (?)", false, s.db.Model(&db.Device{}).Select("subscription_id").Where("subscription_id IS NOT NULL")).
		Order("id").Find(&subs).Error
	if err != nil {
		return stats, fmt.Errorf("select expired subscriptions: %w", err)
	}

	for _, sub := range subs {
		if ctx.Err() != nil {
			break
		}
		devices, err := s.devicesOf(ctx, sub, now)
		if err != nil {
			s.log.Error("list devices", zap.Uint("subscription_id", sub.ID), zap.Error(err))
			stats.Errors++
			continue
		}
		for _, d := range devices {
			if err := s.keys.Release(ctx, d.ServerID, d.OutlineKeyID); err != nil {
				s.log.Warn("release key", zap.Uint("device_id", d.ID), zap.Uint("server_id", d.ServerID), zap.Error(err))
				stats.Errors++
			} else {
				stats.KeysDeleted++
			}
			if err := s.db.WithContext(ctx).Delete(&db.Device{}, d.ID).Error; err != nil {
				s.log.Error("delete device", zap.Uint("device_id", d.ID), zap.Error(err))
				stats.Errors++
				continue
			}
			stats.DevicesDeleted++
		}
		if sub.IsActive {
			if err := s.db.WithContext(ctx).Model(&db.Subscription{}).Where("id = ?", sub.ID).Update("is_active", false).Error; err != nil {
				s.log.Error("deactivate subscription", zap.Uint("subscription_id", sub.ID), zap.Error(err))
				stats.Errors++
				continue
			}
			if err := s.notify.NotifyUser(ctx, sub.UserID, "Ваша подписка завершена, для продления воспользуйтесь ботом"); err != nil {
				s.log.Warn("expiry notice", zap.Int64("user_id", sub.UserID), zap.Error(err))
			}
		}
		stats.SubscriptionsProcessed++
	}

	metrics.SweeperRun(stats.DevicesDeleted)
	s.log.Info("sweep finished",
		zap.Int("subscriptions", stats.SubscriptionsProcessed),
		zap.Int("devices", stats.DevicesDeleted),
		zap.Int("keys", stats.KeysDeleted),
		zap.Int("errors", stats.Errors))
	if stats.Errors > 0 {
		s.notify.NotifyAdmins(ctx, fmt.Sprintf("sweeper: %d errors, %d devices deleted", stats.Errors, stats.DevicesDeleted))
	}
	return stats, nil
}

// devicesOf returns devices bound to sub. Devices created before subscription
// ids were recorded are matched by user and class, but only when the user has
// no other live subscription of that class.
func (s *Sweeper) devicesOf(ctx context.Context, sub db.Subscription, now time.Time) ([]db.Device, error) {
	var devices []db.Device
	if err := s.db.WithContext(ctx).Where("subscription_id = ?", sub.ID).Find(&devices).Error; err != nil {
		return nil, err
	}
	var live int64
	err := s.db.WithContext(ctx).Model(&db.Subscription{}).
		Where("user_id = ? AND class = ? AND id <> ? AND is_active = ? AND end_date >= ?", sub.UserID, sub.Class, sub.ID, true, now).
		Count(&live).Error
	if err != nil {
		return nil, err
	}
	if live > 0 {
		return devices, nil
	}
	var legacy []db.Device
	if err := s.db.WithContext(ctx).Where("subscription_id IS NULL AND user_id = ? AND class = ?", sub.UserID, sub.Class).Find(&legacy).Error; err != nil {
		return nil, err
	}
	return append(devices, legacy...), nil
}

// NotifyExpiring warns once about subscriptions ending within the window and
// returns how many users were told.
func (s *Sweeper) NotifyExpiring(ctx context.Context, within time.Duration) (int, error) {
	now := s.now()
	var subs []db.Subscription
	err := s.db.WithContext(ctx).
		Where("is_active = ? AND notified_expiring = ? AND end_date > ? AND end_date <= ?", true, false, now, now.Add(within)).
		Find(&subs).Error
	if err != nil {
		return 0, err
	}
	days := int(within.Hours() / 24)
	sent := 0
	for _, sub := range subs {
		text := fmt.Sprintf("Ваша подписка истекает через %d дн. Продлить: /subscriptions", days)
		if err := s.notify.NotifyUser(ctx, sub.UserID, text); err != nil {
			s.log.Warn("expiring notice", zap.Int64("user_id", sub.UserID), zap.Error(err))
			continue
		}
		if err := s.db.WithContext(ctx).Model(&db.Subscription{}).Where("id = ?", sub.ID).Update("notified_expiring", true).Error; err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}

// Schedule registers the daily sweep at midnight UTC and the expiring notice
// at 10:00 UTC on c.
func (s *Sweeper) Schedule(c *cron.Cron, notifyWithin time.Duration) error {
	if _, err := c.AddFunc("0 0 * * *", func() {
		defer logger.NotifyOnPanic(s.notify, "sweeper")
		if _, err := s.Sweep(context.Background()); err != nil {
			s.log.Error("sweep", zap.Error(err))
		}
	}); err != nil {
		return err
	}
	_, err := c.AddFunc("0 10 * * *", func() {
		defer logger.NotifyOnPanic(s.notify, "expiring notice")
		if _, err := s.NotifyExpiring(context.Background(), notifyWithin); err != nil {
			s.log.Error("notify expiring", zap.Error(err))
		}
	})
	return err
}
