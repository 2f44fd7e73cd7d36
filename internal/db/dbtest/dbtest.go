// Package dbtest opens migrated in-memory SQLite databases for tests.
package dbtest

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"VPN-Outline-backend/internal/db"
)

// Open returns a fresh migrated database. A single connection keeps every
// query on the same in-memory database.
func Open(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)
	pool, err := gdb.DB()
	require.NoError(t, err)
	pool.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = pool.Close() })
	require.NoError(t, db.Migrate(gdb))
	return gdb
}

// CreateUser inserts a user with the given balance.
func CreateUser(t *testing.T, gdb *gorm.DB, id int64, balance int64) db.User {
	t.Helper()
	u := db.User{UserID: id, Username: "user", Balance: decimal.NewFromInt(balance)}
	require.NoError(t, gdb.Create(&u).Error)
	return u
}

// CreateSubscription inserts an active subscription ending after d.
func CreateSubscription(t *testing.T, gdb *gorm.DB, userID int64, class db.Class, comboSize int, d time.Duration) db.Subscription {
	t.Helper()
	now := time.Now().UTC()
	s := db.Subscription{
		UserID:    userID,
		Class:     class,
		ComboSize: comboSize,
		StartDate: now.Add(-time.Hour),
		EndDate:   now.Add(d),
		IsActive:  true,
	}
	require.NoError(t, gdb.Create(&s).Error)
	return s
}

// Balance reloads a user's balance.
func Balance(t *testing.T, gdb *gorm.DB, id int64) decimal.Decimal {
	t.Helper()
	var u db.User
	require.NoError(t, gdb.First(&u, "user_id = ?", id).Error)
	return u.Balance
}
