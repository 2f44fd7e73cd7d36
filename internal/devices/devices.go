// Package devices creates, renames and removes user devices and their Outline keys.
package devices

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"VPN-Outline-backend/internal/apperr"
	"VPN-Outline-backend/internal/db"
	"VPN-Outline-backend/internal/outline"
	"VPN-Outline-backend/internal/slots"
	"VPN-Outline-backend/internal/users"
)

// MaxNameBytes bounds the display name once spaces become underscores.
const MaxNameBytes = 32

var nameRe = regexp.MustCompile(`^[A-Za-zА-Яа-яЁё0-9 ]+$`)

// ValidateName checks a display name.
func ValidateName(name string) error {
	if name == "" {
		return apperr.Validation("device name is empty")
	}
	if !nameRe.MatchString(name) {
		return apperr.Validation("device name may contain letters, digits and spaces only")
	}
	if len(keyName(name)) > MaxNameBytes {
		return apperr.Validation("device name is longer than %d bytes", MaxNameBytes)
	}
	return nil
}

func keyName(name string) string {
	return strings.ReplaceAll(name, " ", "_")
}

// KeyPool is the slice of the Outline pool used here.
type KeyPool interface {
	Allocate(ctx context.Context, name string) (outline.Key, error)
	Release(ctx context.Context, serverID uint, keyID string) error
	Rename(ctx context.Context, serverID uint, keyID, name string) error
}

type Service struct {
	db       *gorm.DB
	pool     KeyPool
	resolver *slots.Resolver
	guard    users.Guard
	log      *zap.Logger
	now      func() time.Time
}

func New(gdb *gorm.DB, pool KeyPool, resolver *slots.Resolver, guard users.Guard, log *zap.Logger) *Service {
	return &Service{
		db:       gdb,
		pool:     pool,
		resolver: resolver,
		guard:    guard,
		log:      log.With(zap.String("component", "devices")),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func slotError(res slots.Resolution, kind string) error {
	switch res.Slot {
	case slots.SlotNoUser:
		return apperr.NotFound("user")
	case slots.SlotNoSubscription:
		return apperr.ErrNoSubscription
	default:
		return apperr.Validation("cannot place a %q device", kind)
	}
}

// Create provisions a key and stores the device against a free slot.
func (s *Service) Create(ctx context.Context, userID int64, kind, name string) (db.Device, error) {
	if err := s.guard.Allowed(ctx, userID); err != nil {
		return db.Device{}, err
	}
	if !slots.ValidKind(kind) {
		return db.Device{}, apperr.Validation("unknown device kind %q", kind)
	}
	if err := ValidateName(name); err != nil {
		return db.Device{}, err
	}
	res, err := s.resolver.Resolve(ctx, userID, kind)
	if err != nil {
		return db.Device{}, err
	}
	if !res.Slot.Assignable() {
		return db.Device{}, slotError(res, kind)
	}
	if exists, err := s.exists(s.db.WithContext(ctx), userID, name); err != nil {
		return db.Device{}, err
	} else if exists {
		return db.Device{}, apperr.Conflict(apperr.CodeDuplicate, "device name already in use")
	}

	key, err := s.pool.Allocate(ctx, labelFor(userID, name))
	if err != nil {
		return db.Device{}, err
	}

	var dev db.Device
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Serialize slot assignment per user, then resolve again under the lock.
		var u db.User
		if err := db.ForUpdate(tx).First(&u, "user_id = ?", userID).Error; err != nil {
			if db.IsNotFound(err) {
				return apperr.NotFound("user")
			}
			return err
		}
		res, err := s.resolver.ResolveTx(tx, userID, kind)
		if err != nil {
			return err
		}
		if !res.Slot.Assignable() {
			return slotError(res, kind)
		}
		sub := res.Subscription
		dev = db.Device{
			UserID:         userID,
			Class:          db.Class(res.Slot),
			Kind:           kind,
			ComboSize:      sub.ComboSize,
			SubscriptionID: &sub.ID,
			DisplayName:    name,
			AccessURL:      key.AccessURL,
			OutlineKeyID:   key.KeyID,
			ServerID:       key.ServerID,
			StartDate:      s.now(),
			EndDate:        sub.EndDate,
		}
		if err := tx.Create(&dev).Error; err != nil {
			if db.IsDuplicate(err) {
				return apperr.Conflict(apperr.CodeDuplicate, "device name already in use")
			}
			return err
		}
		return nil
	})
	if err != nil {
		if rerr := s.pool.Release(context.WithoutCancel(ctx), key.ServerID, key.KeyID); rerr != nil {
			s.log.Error("failed to release key after aborted device creation",
				zap.Uint("server_id", key.ServerID), zap.String("key_id", key.KeyID), zap.Error(rerr))
		}
		return db.Device{}, err
	}
	s.log.Info("device created", zap.Int64("user_id", userID), zap.String("class", string(dev.Class)), zap.Uint("server_id", dev.ServerID))
	return dev, nil
}

func (s *Service) exists(tx *gorm.DB, userID int64, name string) (bool, error) {
	var n int64
	err := tx.Model(&db.Device{}).Where("user_id = ? AND display_name = ?", userID, name).Count(&n).Error
	return n > 0, err
}

func (s *Service) Get(ctx context.Context, userID int64, name string) (db.Device, error) {
	var dev db.Device
	err := s.db.WithContext(ctx).Where("user_id = ? AND display_name = ?", userID, name).First(&dev).Error
	if err != nil {
		if db.IsNotFound(err) {
			return db.Device{}, apperr.NotFound("device")
		}
		return db.Device{}, err
	}
	return dev, nil
}

// List groups a user's devices by slot class.
func (s *Service) List(ctx context.Context, userID int64) (map[db.Class][]db.Device, error) {
	var devices []db.Device
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at, id").Find(&devices).Error; err != nil {
		return nil, err
	}
	out := map[db.Class][]db.Device{db.ClassDevice: {}, db.ClassRouter: {}, db.ClassCombo: {}}
	for _, d := range devices {
		out[d.Class] = append(out[d.Class], d)
	}
	return out, nil
}

// Rename changes a display name. Names are unique per user.
func (s *Service) Rename(ctx context.Context, userID int64, oldName, newName string) (db.Device, error) {
	if err := s.guard.Allowed(ctx, userID); err != nil {
		return db.Device{}, err
	}
	if err := ValidateName(newName); err != nil {
		return db.Device{}, err
	}
	if oldName == newName {
		return s.Get(ctx, userID, oldName)
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if exists, err := s.exists(tx, userID, newName); err != nil {
			return err
		} else if exists {
			return apperr.Conflict(apperr.CodeDuplicate, "device name already in use")
		}
		res := tx.Model(&db.Device{}).Where("user_id = ? AND display_name = ?", userID, oldName).Update("display_name", newName)
		if res.Error != nil {
			if db.IsDuplicate(res.Error) {
				return apperr.Conflict(apperr.CodeDuplicate, "device name already in use")
			}
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperr.NotFound("device")
		}
		return nil
	})
	if err != nil {
		return db.Device{}, err
	}
	dev, err := s.Get(ctx, userID, newName)
	if err != nil {
		return db.Device{}, err
	}
	// The upstream label is cosmetic; a failure leaves the old one in place.
	if err := s.pool.Rename(ctx, dev.ServerID, dev.OutlineKeyID, labelFor(userID, newName)); err != nil {
		s.log.Warn("rename key failed", zap.Uint("device_id", dev.ID), zap.String("key_id", dev.OutlineKeyID), zap.Error(err))
	}
	return dev, nil
}

func labelFor(userID int64, name string) string {
	return fmt.Sprintf("%d_%s", userID, keyName(name))
}

// Delete revokes the device key and removes the row. Release failures are
// returned and the device is kept so the user can retry.
func (s *Service) Delete(ctx context.Context, userID int64, name string) error {
	if err := s.guard.Allowed(ctx, userID); err != nil {
		return err
	}
	dev, err := s.Get(ctx, userID, name)
	if err != nil {
		return err
	}
	if err := s.pool.Release(ctx, dev.ServerID, dev.OutlineKeyID); err != nil {
		return fmt.Errorf("release key of device %d: %w", dev.ID, err)
	}
	if err := s.db.WithContext(ctx).Delete(&db.Device{}, dev.ID).Error; err != nil {
		return fmt.Errorf("delete device %d: %w", dev.ID, err)
	}
	s.log.Info("device deleted", zap.Int64("user_id", userID), zap.Uint("device_id", dev.ID))
	return nil
}
