// Package admin implements administrator operations: authentication, the
// blacklist, balance adjustments, broadcasts, and management of servers,
// promocodes and raffles.
package admin

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"VPN-Outline-backend/internal/apperr"
	"VPN-Outline-backend/internal/db"
	"VPN-Outline-backend/internal/logger"
	"VPN-Outline-backend/internal/outline"
	"VPN-Outline-backend/internal/promo"
	"VPN-Outline-backend/internal/settlement"
)

// MinPasswordLen is the shortest accepted administrator password.
const MinPasswordLen = 8

type Options struct {
	Settle   *settlement.Engine
	Pool     *outline.Pool
	Promo    *promo.Engine
	Notifier logger.Notifier
	Logger   *zap.Logger
	// BackupDir and DSN drive pg_dump backups.
	BackupDir string
	DSN       string
}

type Service struct {
	db        *gorm.DB
	settle    *settlement.Engine
	pool      *outline.Pool
	promo     *promo.Engine
	notify    logger.Notifier
	log       *zap.Logger
	backupDir string
	dsn       string
	now       func() time.Time
	// broadcastRate bounds messenger sends per second.
	broadcastRate int
}

func New(gdb *gorm.DB, opts Options) *Service {
	if opts.Notifier == nil {
		opts.Notifier = logger.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.BackupDir == "" {
		opts.BackupDir = "backups"
	}
	return &Service{
		db:            gdb,
		settle:        opts.Settle,
		pool:          opts.Pool,
		promo:         opts.Promo,
		notify:        opts.Notifier,
		log:           opts.Logger.With(zap.String("component", "admin")),
		backupDir:     opts.BackupDir,
		dsn:           opts.DSN,
		now:           func() time.Time { return time.Now().UTC() },
		broadcastRate: 25,
	}
}

// EnsureAdmins registers the configured administrator ids; existing rows keep their passwords.
func (s *Service) EnsureAdmins(ctx context.Context, ids []int64) error {
	for _, id := range ids {
		err := s.db.WithContext(ctx).Where(db.Admin{UserID: id}).FirstOrCreate(&db.Admin{UserID: id}).Error
		if err != nil {
			return fmt.Errorf("seed admin %d: %w", id, err)
		}
	}
	return nil
}

func (s *Service) IsAdmin(ctx context.Context, id int64) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&db.Admin{}).Where("user_id = ?", id).Count(&n).Error
	return n > 0, err
}

func (s *Service) admin(ctx context.Context, id int64) (db.Admin, error) {
	var a db.Admin
	if err := s.db.WithContext(ctx).First(&a, "user_id = ?", id).Error; err != nil {
		if db.IsNotFound(err) {
			return db.Admin{}, apperr.Forbidden("not_admin", "not an administrator")
		}
		return db.Admin{}, err
	}
	return a, nil
}

func (s *Service) HasPassword(ctx context.Context, id int64) (bool, error) {
	a, err := s.admin(ctx, id)
	if err != nil {
		return false, err
	}
	return a.PasswordHash != nil, nil
}

// SetPassword stores the first password of an administrator.
func (s *Service) SetPassword(ctx context.Context, id int64, password string) error {
	if len(password) < MinPasswordLen {
		return apperr.Validation("password must be at least %d characters", MinPasswordLen)
	}
	if _, err := s.admin(ctx, id); err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	h := string(hash)
	res := s.db.WithContext(ctx).Model(&db.Admin{}).
		Where("user_id = ? AND password_hash IS NULL", id).
		Update("password_hash", h)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperr.Conflict(apperr.CodeDuplicate, "administrator password already set")
	}
	logger.LogAdminAction(id, "set_password", "")
	return nil
}

// Login verifies the password. On first entry it sets it instead.
func (s *Service) Login(ctx context.Context, id int64, password string) error {
	a, err := s.admin(ctx, id)
	if err != nil {
		return err
	}
	if a.PasswordHash == nil {
		return s.SetPassword(ctx, id, password)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(*a.PasswordHash), []byte(password)); err != nil {
		s.log.Warn("admin login failed", zap.Int64("admin_id", id))
		return apperr.Unauthorized("incorrect password")
	}
	logger.LogAdminAction(id, "login", "")
	return nil
}

// Block adds a user to the blacklist. Blocking twice is not an error.
func (s *Service) Block(ctx context.Context, adminID, userID int64) error {
	if err := s.userExists(ctx, userID); err != nil {
		return err
	}
	err := s.db.WithContext(ctx).Create(&db.BlacklistEntry{UserID: userID}).Error
	if err != nil && !db.IsDuplicate(err) {
		return err
	}
	logger.LogAdminAction(adminID, "block", strconv.FormatInt(userID, 10))
	return nil
}

func (s *Service) Unblock(ctx context.Context, adminID, userID int64) error {
	if err := s.db.WithContext(ctx).Delete(&db.BlacklistEntry{}, "user_id = ?", userID).Error; err != nil {
		return err
	}
	logger.LogAdminAction(adminID, "unblock", strconv.FormatInt(userID, 10))
	return nil
}

func (s *Service) userExists(ctx context.Context, userID int64) error {
	var n int64
	if err := s.db.WithContext(ctx).Model(&db.User{}).Where("user_id = ?", userID).Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return apperr.NotFound("user")
	}
	return nil
}

// Credit adjusts a balance through settlement. Negative amounts debit.
func (s *Service) Credit(ctx context.Context, adminID, userID int64, amount decimal.Decimal) (settlement.Result, error) {
	res, err := s.settle.Apply(ctx, settlement.Event{
		UserID:      userID,
		Amount:      amount,
		Class:       "balance",
		PaymentType: db.PaymentAddBalance,
		Method:      db.MethodAdmin,
	})
	if err != nil {
		return res, err
	}
	logger.LogAdminAction(adminID, "credit", fmt.Sprintf("user=%d amount=%s", userID, amount))
	return res, nil
}

type UserPage struct {
	Users   []db.User `json:"users"`
	Blocked []int64   `json:"blocked"`
}

// Users pages through users; filter is all, blocked or with_balance.
func (s *Service) Users(ctx context.Context, offset, limit int, filter string) (UserPage, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	list, err := db.ListUsers(ctx, s.db, offset, limit, filter)
	if err != nil {
		return UserPage{}, err
	}
	page := UserPage{Users: list, Blocked: []int64{}}
	if len(list) == 0 {
		return page, nil
	}
	ids := make([]int64, len(list))
	for i, u := range list {
		ids[i] = u.UserID
	}
	err = s.db.WithContext(ctx).Model(&db.BlacklistEntry{}).Where("user_id IN ?", ids).Pluck("user_id", &page.Blocked).Error
	return page, err
}

// FindUser looks a user up by id or username.
func (s *Service) FindUser(ctx context.Context, idOrName string) (db.User, error) {
	u, err := db.FindUser(ctx, s.db, idOrName)
	if db.IsNotFound(err) {
		return u, apperr.NotFound("user")
	}
	return u, err
}

type BroadcastResult struct {
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
}

// Broadcast messages every user, paced to the messenger's rate limit.
func (s *Service) Broadcast(ctx context.Context, adminID int64, text string) (BroadcastResult, error) {
	if text == "" {
		return BroadcastResult{}, apperr.Validation("broadcast text is empty")
	}
	throttle := time.NewTicker(time.Second / time.Duration(s.broadcastRate))
	defer throttle.Stop()

	var res BroadcastResult
	const page = 500
	for offset := 0; ; offset += page {
		list, err := db.ListUsers(ctx, s.db, offset, page, "all")
		if err != nil {
			return res, err
		}
		for _, u := range list {
			select {
			case <-ctx.Done():
				return res, ctx.Err()
			case <-throttle.C:
			}
			if err := s.notify.NotifyUser(ctx, u.UserID, text); err != nil {
				res.Failed++
				continue
			}
			res.Sent++
		}
		if len(list) < page {
			break
		}
	}
	logger.LogAdminAction(adminID, "broadcast", fmt.Sprintf("sent=%d failed=%d", res.Sent, res.Failed))
	return res, nil
}

type Stats struct {
	Users               int64           `json:"users"`
	ActiveSubscriptions int64           `json:"active_subscriptions"`
	RevenueToday        decimal.Decimal `json:"revenue_today"`
	RevenueMonth        decimal.Decimal `json:"revenue_month"`
	RevenueTotal        decimal.Decimal `json:"revenue_total"`
}

func (s *Service) Stats(ctx context.Context) (Stats, error) {
	now := s.now()
	var st Stats
	var err error
	if st.Users, err = db.CountUsers(ctx, s.db); err != nil {
		return st, err
	}
	if st.ActiveSubscriptions, err = db.CountActiveSubscriptions(ctx, s.db, now); err != nil {
		return st, err
	}
	if st.RevenueToday, err = db.SumPayments(ctx, s.db, now.Truncate(24*time.Hour), now); err != nil {
		return st, err
	}
	if st.RevenueMonth, err = db.SumPayments(ctx, s.db, now.AddDate(0, 0, -30), now); err != nil {
		return st, err
	}
	st.RevenueTotal, err = db.SumPayments(ctx, s.db, time.Time{}, now)
	return st, err
}

// Payments lists payments created in [from, to].
func (s *Service) Payments(ctx context.Context, from, to time.Time) ([]db.Payment, error) {
	if to.IsZero() {
		to = s.now()
	}
	if from.IsZero() {
		from = to.AddDate(0, 0, -30)
	}
	if from.After(to) {
		return nil, apperr.Validation("from is after to")
	}
	return db.GetPayments(ctx, s.db, from, to)
}
