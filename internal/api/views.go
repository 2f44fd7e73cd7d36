package api

import (
	"time"

	"github.com/shopspring/decimal"

	"VPN-Outline-backend/internal/db"
	"VPN-Outline-backend/internal/settlement"
)

type userView struct {
	UserID    int64           `json:"user_id"`
	FirstName string          `json:"first_name"`
	LastName  string          `json:"last_name"`
	Username  string          `json:"username"`
	Email     string          `json:"email,omitempty"`
	Phone     string          `json:"phone,omitempty"`
	Balance   decimal.Decimal `json:"balance"`
	CreatedAt time.Time       `json:"created_at"`
}

func viewUser(u db.User) userView {
	return userView{
		UserID:    u.UserID,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		Username:  u.Username,
		Email:     u.Email,
		Phone:     u.Phone,
		Balance:   u.Balance,
		CreatedAt: u.CreatedAt,
	}
}

type deviceView struct {
	Name      string    `json:"name"`
	Class     db.Class  `json:"class"`
	Kind      string    `json:"kind"`
	ComboSize int       `json:"combo_size,omitempty"`
	AccessURL string    `json:"access_url"`
	ServerID  uint      `json:"server_id"`
	EndDate   time.Time `json:"end_date"`
}

func viewDevice(d db.Device) deviceView {
	return deviceView{
		Name:      d.DisplayName,
		Class:     d.Class,
		Kind:      d.Kind,
		ComboSize: d.ComboSize,
		AccessURL: d.AccessURL,
		ServerID:  d.ServerID,
		EndDate:   d.EndDate,
	}
}

type paymentView struct {
	ID          uint            `json:"id"`
	UserID      int64           `json:"user_id"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Class       string          `json:"class,omitempty"`
	Variant     string          `json:"variant,omitempty"`
	Period      int             `json:"period,omitempty"`
	PaymentType string          `json:"payment_type"`
	Method      string          `json:"method"`
	Status      string          `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
}

func viewPayment(p db.Payment) paymentView {
	return paymentView{
		ID:          p.ID,
		UserID:      p.UserID,
		Amount:      p.Amount,
		Currency:    p.Currency,
		Class:       p.Class,
		Variant:     p.Variant,
		Period:      p.Period,
		PaymentType: p.PaymentType,
		Method:      p.Method,
		Status:      p.Status,
		CreatedAt:   p.CreatedAt,
	}
}

type subscriptionView struct {
	ID        uint      `json:"id"`
	Class     db.Class  `json:"class"`
	ComboSize int       `json:"combo_size,omitempty"`
	StartDate time.Time `json:"start_date"`
	EndDate   time.Time `json:"end_date"`
}

type settlementView struct {
	Payment      paymentView       `json:"payment"`
	Subscription *subscriptionView `json:"subscription,omitempty"`
	Extended     bool              `json:"extended,omitempty"`
	Tickets      int               `json:"tickets,omitempty"`
	Duplicate    bool              `json:"duplicate,omitempty"`
}

func viewSettlement(r settlement.Result) settlementView {
	v := settlementView{Payment: viewPayment(r.Payment), Extended: r.Extended, Tickets: r.Tickets, Duplicate: r.Duplicate}
	if s := r.Subscription; s != nil {
		v.Subscription = &subscriptionView{ID: s.ID, Class: s.Class, ComboSize: s.ComboSize, StartDate: s.StartDate, EndDate: s.EndDate}
	}
	return v
}

type invoiceView struct {
	Method    string          `json:"method"`
	InvoiceID string          `json:"invoice_id"`
	UserID    int64           `json:"user_id"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	Payload   string          `json:"payload"`
	PayURL    string          `json:"pay_url,omitempty"`
	Status    string          `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
}

func viewInvoice(i db.Invoice) invoiceView {
	return invoiceView{
		Method:    i.Method,
		InvoiceID: i.InvoiceID,
		UserID:    i.UserID,
		Amount:    i.Amount,
		Currency:  i.Currency,
		Payload:   i.Payload,
		PayURL:    i.PayURL,
		Status:    i.Status,
		CreatedAt: i.CreatedAt,
	}
}

type raffleView struct {
	ID          uint            `json:"id"`
	Name        string          `json:"name"`
	Type        string          `json:"type"`
	TicketPrice decimal.Decimal `json:"ticket_price"`
	StartDate   time.Time       `json:"start_date"`
	EndDate     time.Time       `json:"end_date"`
	IsActive    bool            `json:"is_active"`
}

func viewRaffle(r db.Raffle) raffleView {
	return raffleView{ID: r.ID, Name: r.Name, Type: r.Type, TicketPrice: r.TicketPrice, StartDate: r.StartDate, EndDate: r.EndDate, IsActive: r.IsActive}
}
