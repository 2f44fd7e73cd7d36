package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"VPN-Outline-backend/internal/admin"
	"VPN-Outline-backend/internal/apperr"
	"VPN-Outline-backend/internal/db"
	"VPN-Outline-backend/internal/outline"
)

func (s *Server) adminHasPassword(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt(r, "admin_id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	has, err := s.Admin.HasPassword(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"has_password": has})
}

type loginRequest struct {
	AdminID  int64  `json:"admin_id" validate:"required"`
	Password string `json:"password" validate:"required"`
}

func (s *Server) adminLogin(w http.ResponseWriter, r *http.Request) {
	var in loginRequest
	if err := s.decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.Admin.Login(r.Context(), in.AdminID, in.Password); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) adminStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.Admin.Stats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func queryDate(r *http.Request, name string) (time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return time.Time{}, apperr.Validation("%s must be YYYY-MM-DD", name)
	}
	return t, nil
}

func (s *Server) adminPayments(w http.ResponseWriter, r *http.Request) {
	from, err := queryDate(r, "from")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	to, err := queryDate(r, "to")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !to.IsZero() {
		// Inclusive of the whole day.
		to = to.Add(24*time.Hour - time.Nanosecond)
	}
	pays, err := s.Admin.Payments(r.Context(), from, to)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]paymentView, 0, len(pays))
	for _, p := range pays {
		out = append(out, viewPayment(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"payments": out})
}

func (s *Server) adminUsers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	offset, _ := strconv.Atoi(q.Get("offset"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	filter := q.Get("filter")
	switch filter {
	case "", "all", "blocked", "with_balance":
	default:
		s.writeError(w, r, apperr.Validation("unknown filter %q", filter))
		return
	}
	page, err := s.Admin.Users(r.Context(), max(offset, 0), limit, filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]userView, 0, len(page.Users))
	for _, u := range page.Users {
		out = append(out, viewUser(u))
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": out, "blocked": page.Blocked})
}

func (s *Server) adminFindUser(w http.ResponseWriter, r *http.Request) {
	u, err := s.Admin.FindUser(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewUser(u))
}

func (s *Server) adminBlock(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt(r, "user_id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.Admin.Block(r.Context(), adminID(r), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "blocked"})
}

func (s *Server) adminUnblock(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt(r, "user_id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.Admin.Unblock(r.Context(), adminID(r), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "unblocked"})
}

type creditRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

func (s *Server) adminCredit(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt(r, "user_id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var in creditRequest
	if err := s.decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.Admin.Credit(r.Context(), adminID(r), id, in.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewSettlement(res))
}

type broadcastRequest struct {
	Text string `json:"text" validate:"required,max=4096"`
}

func (s *Server) adminBroadcast(w http.ResponseWriter, r *http.Request) {
	var in broadcastRequest
	if err := s.decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.Admin.Broadcast(r.Context(), adminID(r), in.Text)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) adminServers(w http.ResponseWriter, r *http.Request) {
	list, err := s.Admin.Servers(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"servers": list})
}

type serverRequest struct {
	Name       string `json:"name" validate:"max=64"`
	ControlURL string `json:"control_url" validate:"required,url"`
	CertSHA256 string `json:"cert_sha256" validate:"required"`
	KeyLimit   int    `json:"key_limit" validate:"required,gt=0"`
	IsActive   *bool  `json:"is_active"`
}

func (s *Server) adminAddServer(w http.ResponseWriter, r *http.Request) {
	var in serverRequest
	if err := s.decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	active := in.IsActive == nil || *in.IsActive
	srv, err := s.Admin.AddServer(r.Context(), adminID(r), db.OutlineServer{
		Name:       in.Name,
		ControlURL: in.ControlURL,
		CertSHA256: in.CertSHA256,
		KeyLimit:   in.KeyLimit,
		IsActive:   active,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": srv.ID})
}

type serverUpdateRequest struct {
	Name       *string `json:"name"`
	CertSHA256 *string `json:"cert_sha256"`
	KeyLimit   *int    `json:"key_limit"`
	IsActive   *bool   `json:"is_active"`
}

func (s *Server) adminUpdateServer(w http.ResponseWriter, r *http.Request) {
	id, err := pathUint(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var in serverUpdateRequest
	if err := s.decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	srv, err := s.Admin.UpdateServer(r.Context(), adminID(r), id, outline.ServerUpdate{
		Name:       in.Name,
		CertSHA256: in.CertSHA256,
		KeyLimit:   in.KeyLimit,
		IsActive:   in.IsActive,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": srv.ID, "key_limit": srv.KeyLimit, "is_active": srv.IsActive})
}

func (s *Server) adminReloadServers(w http.ResponseWriter, r *http.Request) {
	if err := s.Admin.ReloadServers(r.Context(), adminID(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type promocodeRequest struct {
	Code     string `json:"code" validate:"required,max=64"`
	Effect   string `json:"effect" validate:"required"`
	MaxUsage int    `json:"max_usage" validate:"gte=0"`
}

func (s *Server) adminCreatePromocode(w http.ResponseWriter, r *http.Request) {
	var in promocodeRequest
	if err := s.decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := s.Admin.CreatePromocode(r.Context(), adminID(r), in.Code, in.Effect, in.MaxUsage)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"code": p.Code, "effect": p.Effect, "max_usage": p.MaxUsage})
}

func (s *Server) adminCreateRaffle(w http.ResponseWriter, r *http.Request) {
	var in admin.NewRaffle
	if err := s.decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	rf, err := s.Admin.CreateRaffle(r.Context(), adminID(r), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewRaffle(rf))
}

func (s *Server) adminRaffleEntries(w http.ResponseWriter, r *http.Request) {
	id, err := pathUint(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	entries, err := s.Admin.Entries(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) adminCloseRaffle(w http.ResponseWriter, r *http.Request) {
	id, err := pathUint(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.Admin.CloseRaffle(r.Context(), adminID(r), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

type winnerRequest struct {
	UserID int64 `json:"user_id" validate:"required"`
}

func (s *Server) adminSetWinner(w http.ResponseWriter, r *http.Request) {
	id, err := pathUint(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var in winnerRequest
	if err := s.decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	win, err := s.Admin.SetWinner(r.Context(), adminID(r), id, in.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"raffle_id": win.RaffleID, "user_id": win.UserID})
}

func (s *Server) adminBackup(w http.ResponseWriter, r *http.Request) {
	name, err := s.Admin.BackupNow(r.Context(), adminID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"file": name})
}

type restoreRequest struct {
	Name string `json:"name" validate:"required"`
}

func (s *Server) adminRestore(w http.ResponseWriter, r *http.Request) {
	var in restoreRequest
	if err := s.decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.Admin.Restore(r.Context(), adminID(r), in.Name); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "restored"})
}

func (s *Server) adminSweep(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Sweeper.Sweep(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
