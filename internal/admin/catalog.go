package admin

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"VPN-Outline-backend/internal/apperr"
	"VPN-Outline-backend/internal/db"
	"VPN-Outline-backend/internal/logger"
	"VPN-Outline-backend/internal/outline"
)

// --- Outline servers ---

func (s *Service) Servers(ctx context.Context) ([]outline.ServerStatus, error) {
	return s.pool.Statuses(ctx)
}

func (s *Service) AddServer(ctx context.Context, adminID int64, srv db.OutlineServer) (db.OutlineServer, error) {
	out, err := s.pool.Add(ctx, srv)
	if err != nil {
		return out, err
	}
	logger.LogAdminAction(adminID, "add_server", out.ControlURL)
	return out, nil
}

func (s *Service) UpdateServer(ctx context.Context, adminID int64, id uint, u outline.ServerUpdate) (db.OutlineServer, error) {
	out, err := s.pool.Update(ctx, id, u)
	if err != nil {
		return out, err
	}
	logger.LogAdminAction(adminID, "update_server", strconv.FormatUint(uint64(id), 10))
	return out, nil
}

// ReloadServers refreshes the in-memory roster from the database.
func (s *Service) ReloadServers(ctx context.Context, adminID int64) error {
	logger.LogAdminAction(adminID, "reload_servers", "")
	return s.pool.Reload(ctx)
}

// --- Promocodes ---

func (s *Service) CreatePromocode(ctx context.Context, adminID int64, code, effect string, maxUsage int) (db.Promocode, error) {
	p, err := s.promo.Create(ctx, code, effect, maxUsage)
	if err != nil {
		return p, err
	}
	logger.LogAdminAction(adminID, "create_promocode", code+" "+effect)
	return p, nil
}

// --- Raffles ---

type NewRaffle struct {
	Name        string          `json:"name" validate:"required,max=128"`
	Type        string          `json:"type" validate:"required,oneof=subscription ticket"`
	TicketPrice decimal.Decimal `json:"ticket_price"`
	StartDate   time.Time       `json:"start_date" validate:"required"`
	EndDate     time.Time       `json:"end_date" validate:"required"`
}

func (s *Service) CreateRaffle(ctx context.Context, adminID int64, in NewRaffle) (db.Raffle, error) {
	switch in.Type {
	case db.RaffleSubscription:
		in.TicketPrice = decimal.Zero
	case db.RaffleTicket:
		if !in.TicketPrice.IsPositive() {
			return db.Raffle{}, apperr.Validation("ticket raffle needs a positive ticket price")
		}
	default:
		return db.Raffle{}, apperr.Validation("unknown raffle type %q", in.Type)
	}
	if !in.EndDate.After(in.StartDate) {
		return db.Raffle{}, apperr.Validation("raffle must end after it starts")
	}
	r := db.Raffle{
		Name:        in.Name,
		Type:        in.Type,
		TicketPrice: in.TicketPrice,
		StartDate:   in.StartDate.UTC(),
		EndDate:     in.EndDate.UTC(),
		IsActive:    true,
	}
	if err := s.db.WithContext(ctx).Create(&r).Error; err != nil {
		return r, err
	}
	logger.LogAdminAction(adminID, "create_raffle", fmt.Sprintf("%d %s", r.ID, r.Name))
	return r, nil
}

// Raffles lists active raffles that have not ended.
func (s *Service) Raffles(ctx context.Context) ([]db.Raffle, error) {
	var out []db.Raffle
	err := s.db.WithContext(ctx).Where("is_active = ? AND end_date > ?", true, s.now()).Order("end_date").Find(&out).Error
	return out, err
}

type Entry struct {
	UserID int64 `json:"user_id"`
	Count  int   `json:"count"`
}

// Entries lists ticket holders of a raffle, largest first.
func (s *Service) Entries(ctx context.Context, raffleID uint) ([]Entry, error) {
	var out []Entry
	err := s.db.WithContext(ctx).Model(&db.Ticket{}).
		Select("user_id, count").Where("raffle_id = ? AND count > 0", raffleID).
		Order("count desc, user_id").Scan(&out).Error
	return out, err
}

// CloseRaffle stops a raffle without a winner.
func (s *Service) CloseRaffle(ctx context.Context, adminID int64, raffleID uint) error {
	res := s.db.WithContext(ctx).Model(&db.Raffle{}).Where("id = ?", raffleID).Update("is_active", false)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperr.NotFound("raffle")
	}
	logger.LogAdminAction(adminID, "close_raffle", strconv.FormatUint(uint64(raffleID), 10))
	return nil
}

// SetWinner records the winner and closes the raffle.
func (s *Service) SetWinner(ctx context.Context, adminID int64, raffleID uint, userID int64) (db.Winner, error) {
	var w db.Winner
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var r db.Raffle
		if err := db.ForUpdate(tx).First(&r, raffleID).Error; err != nil {
			if db.IsNotFound(err) {
				return apperr.NotFound("raffle")
			}
			return err
		}
		if !r.IsActive {
			return apperr.Business(apperr.CodeInactive, "raffle is already completed")
		}
		var n int64
		if err := tx.Model(&db.User{}).Where("user_id = ?", userID).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return apperr.NotFound("user")
		}
		w = db.Winner{RaffleID: raffleID, UserID: userID}
		if err := tx.Create(&w).Error; err != nil {
			return err
		}
		return tx.Model(&r).Update("is_active", false).Error
	})
	if err != nil {
		return w, err
	}
	logger.LogAdminAction(adminID, "set_winner", fmt.Sprintf("raffle=%d user=%d", raffleID, userID))
	if err := s.notify.NotifyUser(ctx, userID, "Поздравляем! Вы выиграли в розыгрыше."); err != nil {
		s.log.Warn("winner notice", zap.Int64("user_id", userID), zap.Error(err))
	}
	return w, nil
}
