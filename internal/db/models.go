package db

import (
	"time"

	"github.com/shopspring/decimal"
)

// Class is the subscription class a slot belongs to.
type Class string

const (
	ClassDevice Class = "device"
	ClassRouter Class = "router"
	ClassCombo  Class = "combo"
)

func (c Class) Valid() bool {
	return c == ClassDevice || c == ClassRouter || c == ClassCombo
}

// Payment types.
const (
	PaymentAddBalance      = "add_balance"
	PaymentBuySubscription = "buy_subscription"
	PaymentTicket          = "ticket"
)

// Payment methods.
const (
	MethodCard     = "card"
	MethodCrypto   = "crypto"
	MethodMicropay = "micropay"
	MethodBalance  = "balance"
	MethodPromo    = "promo"
	MethodAdmin    = "admin"
)

// Payment statuses.
const (
	PaymentPending   = "pending"
	PaymentSucceeded = "succeeded"
	PaymentCanceled  = "canceled"
	PaymentExpired   = "expired"
	PaymentFailed    = "failed"
)

// Invoice statuses. Open is the only non-terminal one.
const (
	InvoiceOpen     = "open"
	InvoicePaid     = "paid"
	InvoiceCanceled = "canceled"
	InvoiceExpired  = "expired"
	InvoiceFailed   = "failed"
)

// Raffle types.
const (
	RaffleSubscription = "subscription"
	RaffleTicket       = "ticket"
)

type User struct {
	UserID    int64 `gorm:"primaryKey;autoIncrement:false"`
	FirstName string
	LastName  string
	Username  string
	Email     string
	Phone     string
	Balance   decimal.Decimal `gorm:"type:numeric(12,2);not null;default:0"`
	CreatedAt time.Time
}

type Referral struct {
	ID         uint  `gorm:"primaryKey"`
	UserID     int64 `gorm:"uniqueIndex"`
	ReferrerID int64 `gorm:"index"`
	CreatedAt  time.Time
}

type Subscription struct {
	ID     uint  `gorm:"primaryKey"`
	UserID int64 `gorm:"index;not null"`
	Class  Class `gorm:"size:16;not null"`
	// ComboSize is 5 or 10 for combo, 0 otherwise.
	ComboSize        int       `gorm:"not null;default:0"`
	StartDate        time.Time `gorm:"not null"`
	EndDate          time.Time `gorm:"not null;index"`
	IsActive         bool      `gorm:"not null;index"`
	NotifiedExpiring bool      `gorm:"not null;default:false"`
	CreatedAt        time.Time
}

// ActiveAt reports whether the subscription window covers now.
func (s Subscription) ActiveAt(now time.Time) bool {
	return s.IsActive && !s.StartDate.After(now) && s.EndDate.After(now)
}

// Capacity is the number of device slots the subscription provides.
func (s Subscription) Capacity() int {
	if s.Class == ClassCombo {
		return s.ComboSize + 1
	}
	return 1
}

type Device struct {
	ID     uint  `gorm:"primaryKey"`
	UserID int64 `gorm:"not null;uniqueIndex:idx_devices_user_name"`
	// Class is the slot the device occupies; Kind is what the user asked for (android, router, ...).
	Class          Class  `gorm:"size:16;not null"`
	Kind           string `gorm:"size:16;not null"`
	ComboSize      int    `gorm:"not null;default:0"`
	SubscriptionID *uint  `gorm:"index"`
	DisplayName    string `gorm:"not null;uniqueIndex:idx_devices_user_name"`
	AccessURL      string `gorm:"not null"`
	OutlineKeyID   string `gorm:"not null;uniqueIndex:idx_devices_server_key"`
	ServerID       uint   `gorm:"not null;uniqueIndex:idx_devices_server_key"`
	StartDate      time.Time
	EndDate        time.Time
	CreatedAt      time.Time
}

type Payment struct {
	ID          uint            `gorm:"primaryKey"`
	UserID      int64           `gorm:"index;not null"`
	Amount      decimal.Decimal `gorm:"type:numeric(12,2);not null"`
	Currency    string          `gorm:"size:8;not null"`
	Class       string          `gorm:"size:16"`
	Variant     string          `gorm:"size:16"`
	Period      int
	PaymentType string `gorm:"size:32;not null"`
	Method      string `gorm:"size:16;not null;uniqueIndex:idx_payments_method_invoice"`
	// ProviderInvoiceID is the idempotence key together with Method. Nil for direct settlements.
	ProviderInvoiceID *string `gorm:"size:128;uniqueIndex:idx_payments_method_invoice"`
	Status            string  `gorm:"size:16;not null"`
	CreatedAt         time.Time
}

type Invoice struct {
	ID        uint            `gorm:"primaryKey"`
	Method    string          `gorm:"size:16;not null;uniqueIndex:idx_invoices_method_invoice"`
	InvoiceID string          `gorm:"size:128;not null;uniqueIndex:idx_invoices_method_invoice"`
	UserID    int64           `gorm:"index;not null"`
	Amount    decimal.Decimal `gorm:"type:numeric(12,2);not null"`
	Currency  string          `gorm:"size:8;not null"`
	Payload   string          `gorm:"not null"`
	PayURL    string
	Status    string `gorm:"size:16;not null;index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Promocode struct {
	ID         uint   `gorm:"primaryKey"`
	Code       string `gorm:"size:64;not null;uniqueIndex"`
	Effect     string `gorm:"size:32;not null"`
	MaxUsage   int    `gorm:"not null;default:0"`
	UsageCount int    `gorm:"not null;default:0"`
	IsActive   bool   `gorm:"not null"`
	CreatedAt  time.Time
}

type PromocodeUsage struct {
	ID          uint  `gorm:"primaryKey"`
	PromocodeID uint  `gorm:"not null;uniqueIndex:idx_promocode_usages_code_user"`
	UserID      int64 `gorm:"not null;uniqueIndex:idx_promocode_usages_code_user"`
	CreatedAt   time.Time
}

type OutlineServer struct {
	ID               uint   `gorm:"primaryKey"`
	Name             string `gorm:"size:64"`
	ControlURL       string `gorm:"not null;uniqueIndex"`
	CertSHA256       string `gorm:"size:95;not null"`
	KeyCount         int    `gorm:"not null;default:0"`
	KeyLimit         int    `gorm:"not null"`
	IsActive         bool   `gorm:"not null"`
	UnreachableUntil *time.Time
	CreatedAt        time.Time
}

type Admin struct {
	UserID int64 `gorm:"primaryKey;autoIncrement:false"`
	// PasswordHash is set on first login.
	PasswordHash *string
	CreatedAt    time.Time
}

type BlacklistEntry struct {
	UserID    int64 `gorm:"primaryKey;autoIncrement:false"`
	CreatedAt time.Time
}

type Raffle struct {
	ID          uint            `gorm:"primaryKey"`
	Name        string          `gorm:"not null"`
	Type        string          `gorm:"size:16;not null"`
	TicketPrice decimal.Decimal `gorm:"type:numeric(12,2);not null;default:0"`
	StartDate   time.Time       `gorm:"not null"`
	EndDate     time.Time       `gorm:"not null"`
	IsActive    bool            `gorm:"not null"`
	CreatedAt   time.Time
}

type Ticket struct {
	ID       uint  `gorm:"primaryKey"`
	RaffleID uint  `gorm:"not null;uniqueIndex:idx_tickets_raffle_user"`
	UserID   int64 `gorm:"not null;uniqueIndex:idx_tickets_raffle_user"`
	Count    int   `gorm:"not null;default:0"`
}

type Winner struct {
	ID        uint  `gorm:"primaryKey"`
	RaffleID  uint  `gorm:"not null;uniqueIndex:idx_winners_raffle_user"`
	UserID    int64 `gorm:"not null;uniqueIndex:idx_winners_raffle_user"`
	CreatedAt time.Time
}

// Models lists every table for AutoMigrate.
func Models() []any {
	return []any{
		&User{}, &Referral{}, &Subscription{}, &Device{}, &Payment{}, &Invoice{},
		&Promocode{}, &PromocodeUsage{}, &OutlineServer{}, &Admin{}, &BlacklistEntry{},
		&Raffle{}, &Ticket{}, &Winner{},
	}
}
