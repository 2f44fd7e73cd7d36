package slots

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"VPN-Outline-backend/internal/db"
	"VPN-Outline-backend/internal/db/dbtest"
)

func attach(t *testing.T, gdb *gorm.DB, userID int64, sub *db.Subscription, class db.Class, kind string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		d := db.Device{UserID: userID, Class: class, Kind: kind, DisplayName: fmt.Sprintf("%s%d-%d", kind, i, time.Now().UnixNano()),
			AccessURL: "ss://k", OutlineKeyID: fmt.Sprintf("%d", time.Now().UnixNano()), ServerID: 1}
		if sub != nil {
			d.SubscriptionID = &sub.ID
			d.ComboSize = sub.ComboSize
			d.EndDate = sub.EndDate
		}
		require.NoError(t, gdb.Create(&d).Error)
	}
}

func TestResolveBasics(t *testing.T) {
	gdb := dbtest.Open(t)
	r := New(gdb)
	ctx := context.Background()

	res, err := r.Resolve(ctx, 1, "android")
	require.NoError(t, err)
	assert.Equal(t, SlotNoUser, res.Slot)

	dbtest.CreateUser(t, gdb, 1, 0)
	res, err = r.Resolve(ctx, 1, "android")
	require.NoError(t, err)
	assert.Equal(t, SlotNoSubscription, res.Slot)

	res, err = r.Resolve(ctx, 1, "toaster")
	require.NoError(t, err)
	assert.Equal(t, SlotError, res.Slot)
}

func TestResolveByClass(t *testing.T) {
	gdb := dbtest.Open(t)
	r := New(gdb)
	ctx := context.Background()
	dbtest.CreateUser(t, gdb, 1, 0)
	sub := dbtest.CreateSubscription(t, gdb, 1, db.ClassDevice, 0, 30*24*time.Hour)

	res, err := r.Resolve(ctx, 1, "iphone")
	require.NoError(t, err)
	assert.Equal(t, SlotDevice, res.Slot)
	require.NotNil(t, res.Subscription)
	assert.Equal(t, sub.ID, res.Subscription.ID)

	// A device subscription does not cover a router.
	res, err = r.Resolve(ctx, 1, "router")
	require.NoError(t, err)
	assert.Equal(t, SlotNoSubscription, res.Slot)

	attach(t, gdb, 1, &sub, db.ClassDevice, "iphone", 1)
	res, err = r.Resolve(ctx, 1, "android")
	require.NoError(t, err)
	assert.Equal(t, SlotNoSubscription, res.Slot)

	router := dbtest.CreateSubscription(t, gdb, 1, db.ClassRouter, 0, 30*24*time.Hour)
	res, err = r.Resolve(ctx, 1, "router")
	require.NoError(t, err)
	assert.Equal(t, SlotRouter, res.Slot)
	assert.Equal(t, router.ID, res.Subscription.ID)
}

func TestResolvePrefersCombo(t *testing.T) {
	gdb := dbtest.Open(t)
	r := New(gdb)
	ctx := context.Background()
	dbtest.CreateUser(t, gdb, 1, 0)
	dbtest.CreateSubscription(t, gdb, 1, db.ClassDevice, 0, 30*24*time.Hour)
	combo := dbtest.CreateSubscription(t, gdb, 1, db.ClassCombo, 5, 30*24*time.Hour)

	res, err := r.Resolve(ctx, 1, "macos")
	require.NoError(t, err)
	assert.Equal(t, SlotCombo, res.Slot)
	assert.Equal(t, combo.ID, res.Subscription.ID)

	res, err = r.Resolve(ctx, 1, "router")
	require.NoError(t, err)
	assert.Equal(t, SlotCombo, res.Slot)

	// One router per combo.
	attach(t, gdb, 1, &combo, db.ClassCombo, "router", 1)
	res, err = r.Resolve(ctx, 1, "router")
	require.NoError(t, err)
	assert.Equal(t, SlotNoSubscription, res.Slot)
}

func TestResolveFullCombo(t *testing.T) {
	gdb := dbtest.Open(t)
	r := New(gdb)
	ctx := context.Background()
	dbtest.CreateUser(t, gdb, 1, 0)
	combo := dbtest.CreateSubscription(t, gdb, 1, db.ClassCombo, 5, 30*24*time.Hour)
	attach(t, gdb, 1, &combo, db.ClassCombo, "android", 5)
	attach(t, gdb, 1, &combo, db.ClassCombo, "router", 1)

	res, err := r.Resolve(ctx, 1, "iphone")
	require.NoError(t, err)
	assert.Equal(t, SlotNoSubscription, res.Slot)

	dev := dbtest.CreateSubscription(t, gdb, 1, db.ClassDevice, 0, 30*24*time.Hour)
	res, err = r.Resolve(ctx, 1, "iphone")
	require.NoError(t, err)
	assert.Equal(t, SlotDevice, res.Slot)
	assert.Equal(t, dev.ID, res.Subscription.ID)
}

func TestResolveCountsLegacyDevices(t *testing.T) {
	gdb := dbtest.Open(t)
	r := New(gdb)
	ctx := context.Background()
	dbtest.CreateUser(t, gdb, 1, 0)
	dbtest.CreateSubscription(t, gdb, 1, db.ClassDevice, 0, 30*24*time.Hour)
	attach(t, gdb, 1, nil, db.ClassDevice, "tv", 1)

	res, err := r.Resolve(ctx, 1, "tv")
	require.NoError(t, err)
	assert.Equal(t, SlotNoSubscription, res.Slot)
}

func TestResolveIgnoresQueuedAndExpired(t *testing.T) {
	gdb := dbtest.Open(t)
	r := New(gdb)
	ctx := context.Background()
	dbtest.CreateUser(t, gdb, 1, 0)
	now := time.Now().UTC()
	require.NoError(t, gdb.Create(&db.Subscription{UserID: 1, Class: db.ClassDevice, StartDate: now.Add(24 * time.Hour), EndDate: now.Add(48 * time.Hour), IsActive: true}).Error)
	require.NoError(t, gdb.Create(&db.Subscription{UserID: 1, Class: db.ClassDevice, StartDate: now.Add(-48 * time.Hour), EndDate: now.Add(-time.Hour), IsActive: true}).Error)

	res, err := r.Resolve(ctx, 1, "android")
	require.NoError(t, err)
	assert.Equal(t, SlotNoSubscription, res.Slot)
}
