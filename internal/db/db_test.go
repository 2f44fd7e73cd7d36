package db_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"VPN-Outline-backend/internal/db"
	"VPN-Outline-backend/internal/db/dbtest"
)

func TestListUsersFilters(t *testing.T) {
	gdb := dbtest.Open(t)
	ctx := context.Background()
	dbtest.CreateUser(t, gdb, 1, 0)
	dbtest.CreateUser(t, gdb, 2, 150)
	dbtest.CreateUser(t, gdb, 3, 0)
	require.NoError(t, gdb.Create(&db.BlacklistEntry{UserID: 3}).Error)

	tests := []struct {
		desc   string
		filter string
		want   []int64
	}{
		{"all", "", []int64{1, 2, 3}},
		{"blocked", "blocked", []int64{3}},
		{"with balance", "with_balance", []int64{2}},
	}
	for _, tt := range tests {
		list, err := db.ListUsers(ctx, gdb, 0, 10, tt.filter)
		require.NoError(t, err, tt.desc)
		var ids []int64
		for _, u := range list {
			ids = append(ids, u.UserID)
		}
		assert.Equal(t, tt.want, ids, tt.desc)
	}

	page, err := db.ListUsers(ctx, gdb, 1, 1, "")
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, int64(2), page[0].UserID)
}

func TestFindUser(t *testing.T) {
	gdb := dbtest.Open(t)
	ctx := context.Background()
	dbtest.CreateUser(t, gdb, 77, 0)
	require.NoError(t, gdb.Model(&db.User{}).Where("user_id = ?", 77).Update("username", "trinity").Error)

	u, err := db.FindUser(ctx, gdb, "77")
	require.NoError(t, err)
	assert.Equal(t, "trinity", u.Username)

	u, err = db.FindUser(ctx, gdb, "trinity")
	require.NoError(t, err)
	assert.Equal(t, int64(77), u.UserID)

	_, err = db.FindUser(ctx, gdb, "morpheus")
	assert.True(t, db.IsNotFound(err))
}

func TestCountActiveSubscriptionsSkipsQueued(t *testing.T) {
	gdb := dbtest.Open(t)
	now := time.Now().UTC()
	dbtest.CreateUser(t, gdb, 1, 0)
	dbtest.CreateSubscription(t, gdb, 1, db.ClassDevice, 0, 24*time.Hour)
	dbtest.CreateSubscription(t, gdb, 1, db.ClassRouter, 0, -time.Minute)
	queued := db.Subscription{UserID: 1, Class: db.ClassCombo, ComboSize: 5, StartDate: now.Add(24 * time.Hour), EndDate: now.Add(48 * time.Hour), IsActive: true}
	require.NoError(t, gdb.Create(&queued).Error)

	n, err := db.CountActiveSubscriptions(context.Background(), gdb, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestIsDuplicate(t *testing.T) {
	gdb := dbtest.Open(t)
	dbtest.CreateUser(t, gdb, 5, 0)
	err := gdb.Create(&db.User{UserID: 5}).Error
	assert.True(t, db.IsDuplicate(err))
	assert.False(t, db.IsNotFound(err))
}
