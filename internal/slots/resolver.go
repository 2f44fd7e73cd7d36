// Package slots decides which subscription a new device attaches to.
package slots

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"VPN-Outline-backend/internal/db"
)

type Slot string

const (
	SlotDevice         Slot = "device"
	SlotRouter         Slot = "router"
	SlotCombo          Slot = "combo"
	SlotNoSubscription Slot = "no_subscription"
	SlotError          Slot = "error"
	SlotNoUser         Slot = "no_user"
)

// Assignable reports whether the slot can take a device.
func (s Slot) Assignable() bool {
	return s == SlotDevice || s == SlotRouter || s == SlotCombo
}

// KindRouter is the only device kind that needs a router or combo slot.
const KindRouter = "router"

var kinds = map[string]bool{"android": true, "iphone": true, "windows": true, "macos": true, "tv": true, KindRouter: true}

func ValidKind(kind string) bool { return kinds[kind] }

// Resolution is the resolver's answer; Subscription is set for assignable slots.
type Resolution struct {
	Slot         Slot
	Subscription *db.Subscription
}

type Resolver struct {
	db  *gorm.DB
	now func() time.Time
}

func New(gdb *gorm.DB) *Resolver {
	return &Resolver{db: gdb, now: func() time.Time { return time.Now().UTC() }}
}

func (r *Resolver) WithClock(now func() time.Time) *Resolver {
	r.now = now
	return r
}

// Resolve runs against the resolver's database.
func (r *Resolver) Resolve(ctx context.Context, userID int64, kind string) (Resolution, error) {
	return r.ResolveTx(r.db.WithContext(ctx), userID, kind)
}

// ResolveTx runs inside an existing transaction. Combo capacity is preferred
// because its per-slot price is lower.
func (r *Resolver) ResolveTx(tx *gorm.DB, userID int64, kind string) (Resolution, error) {
	if !ValidKind(kind) {
		return Resolution{Slot: SlotError}, nil
	}
	var n int64
	if err := tx.Model(&db.User{}).Where("user_id = ?", userID).Count(&n).Error; err != nil {
		return Resolution{Slot: SlotError}, err
	}
	if n == 0 {
		return Resolution{Slot: SlotNoUser}, nil
	}

	now := r.now()
	var subs []db.Subscription
	err := tx.Where("user_id = ? AND is_active = ? AND start_date <= ? AND end_date > ?", userID, true, now, now).
		Order("end_date, id").Find(&subs).Error
	if err != nil {
		return Resolution{Slot: SlotError}, err
	}
	if len(subs) == 0 {
		return Resolution{Slot: SlotNoSubscription}, nil
	}
	byClass := map[db.Class][]db.Subscription{}
	for _, s := range subs {
		byClass[s.Class] = append(byClass[s.Class], s)
	}

	isRouter := kind == KindRouter
	combos := byClass[db.ClassCombo]
	if isRouter && len(byClass[db.ClassRouter]) == 0 && len(combos) == 0 {
		return Resolution{Slot: SlotNoSubscription}, nil
	}
	if !isRouter && len(byClass[db.ClassDevice]) == 0 && len(combos) == 0 {
		return Resolution{Slot: SlotNoSubscription}, nil
	}

	u, err := loadUsage(tx, userID)
	if err != nil {
		return Resolution{Slot: SlotError}, err
	}

	// Devices created before ownership was recorded count against the first subscriptions of their class.
	legacyCombo, legacyRouters := u.legacy[db.ClassCombo], u.legacyRouters
	for i := range combos {
		c := combos[i]
		used, routers := u.owned[c.ID], u.ownedRouters[c.ID]
		if legacyCombo > 0 {
			take := min(legacyCombo, c.Capacity()-used)
			used += take
			legacyCombo -= take
			if legacyRouters > 0 && routers == 0 {
				routers++
				legacyRouters--
			}
		}
		if used < c.Capacity() && (!isRouter || routers == 0) {
			return Resolution{Slot: SlotCombo, Subscription: &c}, nil
		}
	}

	class, slot := db.ClassDevice, SlotDevice
	if isRouter {
		class, slot = db.ClassRouter, SlotRouter
	}
	legacy := u.legacy[class]
	for i := range byClass[class] {
		s := byClass[class][i]
		if u.owned[s.ID] > 0 {
			continue
		}
		if legacy > 0 {
			legacy--
			continue
		}
		return Resolution{Slot: slot, Subscription: &s}, nil
	}
	if len(byClass[class]) > 0 || len(combos) > 0 {
		return Resolution{Slot: SlotNoSubscription}, nil
	}
	return Resolution{Slot: SlotError}, fmt.Errorf("no resolution for user %d kind %s", userID, kind)
}

type usage struct {
	owned        map[uint]int
	ownedRouters map[uint]int
	legacy       map[db.Class]int
	// legacyRouters counts router devices in combo slots without an owner.
	legacyRouters int
}

func loadUsage(tx *gorm.DB, userID int64) (usage, error) {
	var devices []db.Device
	if err := tx.Select("id", "class", "kind", "subscription_id").Where("user_id = ?", userID).Find(&devices).Error; err != nil {
		return usage{}, err
	}
	u := usage{owned: map[uint]int{}, ownedRouters: map[uint]int{}, legacy: map[db.Class]int{}}
	for _, d := range devices {
		if d.SubscriptionID == nil {
			u.legacy[d.Class]++
			if d.Class == db.ClassCombo && d.Kind == KindRouter {
				u.legacyRouters++
			}
			continue
		}
		u.owned[*d.SubscriptionID]++
		if d.Kind == KindRouter {
			u.ownedRouters[*d.SubscriptionID]++
		}
	}
	return u, nil
}
