// Package users keeps identities, contacts, referrals and the blacklist.
package users

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"VPN-Outline-backend/internal/apperr"
	"VPN-Outline-backend/internal/db"
)

var (
	SignupBonus   = decimal.NewFromInt(100)
	ReferralBonus = decimal.NewFromInt(50)
)

var emailRe = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

type Service struct {
	db  *gorm.DB
	log *zap.Logger
}

func New(gdb *gorm.DB, log *zap.Logger) *Service {
	return &Service{db: gdb, log: log.With(zap.String("component", "users"))}
}

type NewUser struct {
	UserID    int64  `json:"user_id" validate:"required,gt=0"`
	FirstName string `json:"first_name" validate:"max=128"`
	LastName  string `json:"last_name" validate:"max=128"`
	Username  string `json:"username" validate:"max=64"`
}

// Create registers a user with the signup bonus.
func (s *Service) Create(ctx context.Context, in NewUser) (db.User, error) {
	if err := s.Allowed(ctx, in.UserID); err != nil {
		return db.User{}, err
	}
	u := db.User{
		UserID:    in.UserID,
		FirstName: in.FirstName,
		LastName:  in.LastName,
		Username:  in.Username,
		Balance:   SignupBonus,
	}
	if err := s.db.WithContext(ctx).Create(&u).Error; err != nil {
		if db.IsDuplicate(err) {
			return db.User{}, apperr.Conflict(apperr.CodeDuplicate, "user already exists")
		}
		return db.User{}, fmt.Errorf("create user: %w", err)
	}
	s.log.Info("user created", zap.Int64("user_id", u.UserID))
	return u, nil
}

func (s *Service) Get(ctx context.Context, userID int64) (db.User, error) {
	var u db.User
	if err := s.db.WithContext(ctx).First(&u, "user_id = ?", userID).Error; err != nil {
		if db.IsNotFound(err) {
			return db.User{}, apperr.NotFound("user")
		}
		return db.User{}, err
	}
	return u, nil
}

// Contact kinds.
const (
	ContactEmail = "email"
	ContactPhone = "phone"
)

// NormalizePhone strips separators and requires 11 digits starting with 7.
func NormalizePhone(raw string) (string, error) {
	digits := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')', '+':
			return -1
		}
		return r
	}, raw)
	if len(digits) != 11 || digits[0] != '7' {
		return "", apperr.Validation("phone must have 11 digits starting with 7")
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return "", apperr.Validation("phone must contain digits only")
		}
	}
	return digits, nil
}

func ValidateEmail(email string) error {
	if !emailRe.MatchString(email) {
		return apperr.Validation("invalid email address")
	}
	return nil
}

func (s *Service) SetContact(ctx context.Context, userID int64, kind, value string) (db.User, error) {
	if err := s.Allowed(ctx, userID); err != nil {
		return db.User{}, err
	}
	column := ""
	switch kind {
	case ContactEmail:
		value = strings.TrimSpace(value)
		if err := ValidateEmail(value); err != nil {
			return db.User{}, err
		}
		column = "email"
	case ContactPhone:
		var err error
		if value, err = NormalizePhone(value); err != nil {
			return db.User{}, err
		}
		column = "phone"
	default:
		return db.User{}, apperr.Validation("unknown contact kind %q", kind)
	}
	res := s.db.WithContext(ctx).Model(&db.User{}).Where("user_id = ?", userID).Update(column, value)
	if res.Error != nil {
		return db.User{}, res.Error
	}
	if res.RowsAffected == 0 {
		return db.User{}, apperr.NotFound("user")
	}
	return s.Get(ctx, userID)
}

// AddReferral credits both sides once per referred user.
func (s *Service) AddReferral(ctx context.Context, userID, referrerID int64) error {
	if userID == referrerID {
		return apperr.Validation("a user cannot refer themselves")
	}
	if err := s.Allowed(ctx, userID); err != nil {
		return err
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Lock in id order so two claims never wait on each other.
		first, second := min(userID, referrerID), max(userID, referrerID)
		var users []db.User
		if err := db.ForUpdate(tx).Where("user_id IN ?", []int64{first, second}).Order("user_id").Find(&users).Error; err != nil {
			return err
		}
		if len(users) != 2 {
			return apperr.NotFound("user")
		}
		var n int64
		if err := tx.Model(&db.Referral{}).Where("user_id = ?", userID).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return apperr.Conflict(apperr.CodeAlreadyUsed, "referral already claimed")
		}
		if err := tx.Create(&db.Referral{UserID: userID, ReferrerID: referrerID}).Error; err != nil {
			if db.IsDuplicate(err) {
				return apperr.Conflict(apperr.CodeAlreadyUsed, "referral already claimed")
			}
			return err
		}
		for _, u := range users {
			if err := tx.Model(&db.User{}).Where("user_id = ?", u.UserID).Update("balance", u.Balance.Add(ReferralBonus)).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.log.Info("referral added", zap.Int64("user_id", userID), zap.Int64("referrer_id", referrerID))
	return nil
}

// Allowed fails with ErrBlocked for blacklisted users.
func (s *Service) Allowed(ctx context.Context, userID int64) error {
	var n int64
	if err := s.db.WithContext(ctx).Model(&db.BlacklistEntry{}).Where("user_id = ?", userID).Count(&n).Error; err != nil {
		return err
	}
	if n > 0 {
		return apperr.ErrBlocked
	}
	return nil
}

// Guard is the blacklist check used before user-initiated operations.
type Guard interface {
	Allowed(ctx context.Context, userID int64) error
}
