package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	"moul.io/zapgorm2"
)

type quietLogger struct {
	zapgorm2.Logger
}

// ErrRecordNotFound is handled by callers; keep it out of the logs.
func (l quietLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return
	}
	l.Logger.Trace(ctx, begin, fc, err)
}

// Open connects to PostgreSQL and routes gorm logs through zap.
func Open(dsn string, logger *zap.Logger) (*gorm.DB, error) {
	gl := zapgorm2.New(logger)
	gl.LogLevel = gormlogger.Warn
	gl.SlowThreshold = time.Second
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         quietLogger{Logger: gl},
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}
	pool, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("connection pool: %w", err)
	}
	pool.SetMaxIdleConns(2)
	pool.SetMaxOpenConns(20)
	pool.SetConnMaxLifetime(time.Hour)
	return db, nil
}

// Migrate creates or updates every table.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

// ForUpdate locks selected rows until the surrounding transaction ends.
func ForUpdate(tx *gorm.DB) *gorm.DB {
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

// IsNotFound reports gorm's missing-row error.
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

// IsDuplicate reports a unique constraint violation.
func IsDuplicate(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey)
}

// --- Admin statistics ---

func CountUsers(ctx context.Context, db *gorm.DB) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Model(&User{}).Count(&count).Error
	return count, err
}

func CountActiveSubscriptions(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Model(&Subscription{}).
		Where("is_active = ? AND start_date <= ? AND end_date > ?", true, now, now).
		Count(&count).Error
	return count, err
}

// RevenueMethods are the methods that bring money in from outside.
var RevenueMethods = []string{MethodCard, MethodCrypto, MethodMicropay}

// SumPayments totals succeeded external payments created in [from, to]. A zero from means no lower bound.
func SumPayments(ctx context.Context, db *gorm.DB, from, to time.Time) (decimal.Decimal, error) {
	var sum decimal.NullDecimal
	row := db.WithContext(ctx).Model(&Payment{}).
		Where("status = ? AND method IN ? AND created_at >= ? AND created_at <= ?", PaymentSucceeded, RevenueMethods, from, to).
		Select("sum(amount)").Row()
	if err := row.Scan(&sum); err != nil {
		return decimal.Zero, err
	}
	if !sum.Valid {
		return decimal.Zero, nil
	}
	return sum.Decimal, nil
}

func GetPayments(ctx context.Context, db *gorm.DB, from, to time.Time) ([]Payment, error) {
	var pays []Payment
	err := db.WithContext(ctx).
		Where("created_at >= ? AND created_at <= ?", from, to).
		Order("created_at desc").Find(&pays).Error
	return pays, err
}

// ListUsers pages through users; filter is all, blocked or with_balance.
func ListUsers(ctx context.Context, db *gorm.DB, offset, limit int, filter string) ([]User, error) {
	var users []User
	q := db.WithContext(ctx).Model(&User{})
	switch filter {
	case "blocked":
		q = q.Where("user_id IN (?)", db.Model(&BlacklistEntry{}).Select("user_id"))
	case "with_balance":
		q = q.Where("balance > 0")
	}
	err := q.Order("user_id").Offset(offset).Limit(limit).Find(&users).Error
	return users, err
}

func FindUser(ctx context.Context, db *gorm.DB, idOrName string) (User, error) {
	var user User
	err := db.WithContext(ctx).Where("CAST(user_id AS TEXT) = ? OR username = ?", idOrName, idOrName).First(&user).Error
	return user, err
}
