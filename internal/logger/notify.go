package logger

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// Notifier delivers short messages to users and administrators through the messenger.
type Notifier interface {
	NotifyUser(ctx context.Context, userID int64, text string) error
	NotifyAdmins(ctx context.Context, text string)
}

// TelegramNotifier sends through the bot API. User ids are Telegram chat ids.
type TelegramNotifier struct {
	bot    *tgbotapi.BotAPI
	admins []int64
}

func NewTelegramNotifier(bot *tgbotapi.BotAPI, admins []int64) *TelegramNotifier {
	return &TelegramNotifier{bot: bot, admins: admins}
}

func (n *TelegramNotifier) NotifyUser(_ context.Context, userID int64, text string) error {
	if _, err := n.bot.Send(tgbotapi.NewMessage(userID, text)); err != nil {
		return fmt.Errorf("send to %d: %w", userID, err)
	}
	return nil
}

func (n *TelegramNotifier) NotifyAdmins(ctx context.Context, text string) {
	for _, id := range n.admins {
		if err := n.NotifyUser(ctx, id, "[ALERT] "+text); err != nil {
			L().Warn("admin notification failed", zap.Int64("admin_id", id), zap.Error(err))
		}
	}
}

// Nop drops every message. Used when no bot token is configured.
type Nop struct{}

func (Nop) NotifyUser(context.Context, int64, string) error { return nil }
func (Nop) NotifyAdmins(context.Context, string)             {}

// Recorder keeps messages in memory.
type Recorder struct {
	mu       sync.Mutex
	Messages map[int64][]string
	Alerts   []string
}

func (r *Recorder) NotifyUser(_ context.Context, userID int64, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Messages == nil {
		r.Messages = make(map[int64][]string)
	}
	r.Messages[userID] = append(r.Messages[userID], text)
	return nil
}

func (r *Recorder) NotifyAdmins(_ context.Context, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Alerts = append(r.Alerts, text)
}

// For returns a copy of the messages sent to userID.
func (r *Recorder) For(userID int64) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.Messages[userID]...)
}

// NotifyOnPanic recovers, logs and alerts administrators.
func NotifyOnPanic(n Notifier, where string) {
	if r := recover(); r != nil {
		L().Error("panic recovered", zap.String("where", where), zap.Any("panic", r))
		if n != nil {
			n.NotifyAdmins(context.Background(), fmt.Sprintf("Panic in %s: %v", where, r))
		}
	}
}
