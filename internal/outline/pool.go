package outline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"VPN-Outline-backend/internal/apperr"
	"VPN-Outline-backend/internal/db"
	"VPN-Outline-backend/internal/metrics"
)

// Key is an allocated access key together with the server holding it.
type Key struct {
	ServerID  uint
	KeyID     string
	AccessURL string
}

type Options struct {
	Timeout time.Duration
	// Backoff is how long a server is skipped after a network failure.
	Backoff time.Duration
	Now     func() time.Time
}

type cachedClient struct {
	url, cert string
	client    *Client
}

// Pool allocates keys across the configured Outline servers. The database
// holds the authoritative key counts; the pool caches one client per server.
type Pool struct {
	db     *gorm.DB
	log    *zap.Logger
	opts   Options
	mu     sync.RWMutex
	roster []db.OutlineServer
	conns  map[uint]cachedClient
}

func NewPool(gdb *gorm.DB, log *zap.Logger, opts Options) *Pool {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 5 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Pool{
		db:    gdb,
		log:   log.With(zap.String("component", "outline_pool")),
		opts:  opts,
		conns: make(map[uint]cachedClient),
	}
}

// Reload refreshes the server roster snapshot.
func (p *Pool) Reload(ctx context.Context) error {
	var servers []db.OutlineServer
	if err := p.db.WithContext(ctx).Order("id").Find(&servers).Error; err != nil {
		return fmt.Errorf("load outline servers: %w", err)
	}
	conns := make(map[uint]cachedClient, len(servers))
	for _, s := range servers {
		c, err := NewClient(s.ControlURL, s.CertSHA256, p.opts.Timeout)
		if err != nil {
			p.log.Error("skip outline server with bad pin", zap.Uint("server_id", s.ID), zap.Error(err))
			continue
		}
		conns[s.ID] = cachedClient{url: s.ControlURL, cert: s.CertSHA256, client: c}
	}
	p.mu.Lock()
	p.roster = servers
	p.conns = conns
	p.mu.Unlock()
	return nil
}

// Servers returns the roster snapshot.
func (p *Pool) Servers() []db.OutlineServer {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]db.OutlineServer(nil), p.roster...)
}

func (p *Pool) client(s db.OutlineServer) (*Client, error) {
	p.mu.RLock()
	cc, ok := p.conns[s.ID]
	p.mu.RUnlock()
	if ok && cc.url == s.ControlURL && cc.cert == s.CertSHA256 {
		return cc.client, nil
	}
	c, err := NewClient(s.ControlURL, s.CertSHA256, p.opts.Timeout)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.conns[s.ID] = cachedClient{url: s.ControlURL, cert: s.CertSHA256, client: c}
	p.mu.Unlock()
	return c, nil
}

// Bootstrap inserts the configured server when the pool is empty.
func (p *Pool) Bootstrap(ctx context.Context, apiURL, certSHA256 string, keyLimit int) error {
	if apiURL == "" {
		return nil
	}
	var count int64
	if err := p.db.WithContext(ctx).Model(&db.OutlineServer{}).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	_, err := p.Add(ctx, db.OutlineServer{Name: "default", ControlURL: apiURL, CertSHA256: certSHA256, KeyLimit: keyLimit, IsActive: true})
	return err
}

// Add registers a server and reloads the roster.
func (p *Pool) Add(ctx context.Context, s db.OutlineServer) (db.OutlineServer, error) {
	if _, err := ParseFingerprint(s.CertSHA256); err != nil {
		return s, apperr.Validation("%v", err)
	}
	if s.ControlURL == "" || s.KeyLimit <= 0 {
		return s, apperr.Validation("control url and positive key limit are required")
	}
	s.ID = 0
	s.KeyCount = 0
	if err := p.db.WithContext(ctx).Create(&s).Error; err != nil {
		if db.IsDuplicate(err) {
			return s, apperr.Conflict(apperr.CodeDuplicate, "outline server already registered")
		}
		return s, err
	}
	return s, p.Reload(ctx)
}

// ServerUpdate holds the mutable server settings; nil fields are left alone.
type ServerUpdate struct {
	Name       *string
	CertSHA256 *string
	KeyLimit   *int
	IsActive   *bool
}

func (p *Pool) Update(ctx context.Context, id uint, u ServerUpdate) (db.OutlineServer, error) {
	var s db.OutlineServer
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := db.ForUpdate(tx).First(&s, id).Error; err != nil {
			if db.IsNotFound(err) {
				return apperr.NotFound("outline server")
			}
			return err
		}
		updates := map[string]any{}
		if u.Name != nil {
			updates["name"] = *u.Name
		}
		if u.CertSHA256 != nil {
			if _, err := ParseFingerprint(*u.CertSHA256); err != nil {
				return apperr.Validation("%v", err)
			}
			updates["cert_sha256"] = *u.CertSHA256
		}
		if u.KeyLimit != nil {
			if *u.KeyLimit < s.KeyCount {
				return apperr.Validation("key limit %d is below the current key count %d", *u.KeyLimit, s.KeyCount)
			}
			updates["key_limit"] = *u.KeyLimit
		}
		if u.IsActive != nil {
			updates["is_active"] = *u.IsActive
			if *u.IsActive {
				updates["unreachable_until"] = nil
			}
		}
		if len(updates) == 0 {
			return nil
		}
		if err := tx.Model(&s).Updates(updates).Error; err != nil {
			return err
		}
		return tx.First(&s, id).Error
	})
	if err != nil {
		return s, err
	}
	return s, p.Reload(ctx)
}

// Allocate mints a key on the first active server with free capacity.
// name, when set, is applied to the key on a best-effort basis.
func (p *Pool) Allocate(ctx context.Context, name string) (Key, error) {
	now := p.opts.Now()
	var candidates []db.OutlineServer
	err := p.db.WithContext(ctx).
		Where("is_active = ? AND key_count < key_limit AND (unreachable_until IS NULL OR unreachable_until <= ?)", true, now).
		Order("id").Find(&candidates).Error
	if err != nil {
		return Key{}, fmt.Errorf("select outline servers: %w", err)
	}
	for _, s := range candidates {
		key, err := p.allocateOn(ctx, s, name)
		if err == nil {
			return key, nil
		}
		if ctx.Err() != nil {
			return Key{}, apperr.External(apperr.CodeOutline, true, ctx.Err())
		}
		p.log.Warn("outline allocation failed", zap.Uint("server_id", s.ID), zap.Error(err))
	}
	return Key{}, apperr.ErrNoCapacity
}

var errServerFull = errors.New("server filled up")

func (p *Pool) allocateOn(ctx context.Context, s db.OutlineServer, name string) (Key, error) {
	c, err := p.client(s)
	if err != nil {
		return Key{}, err
	}
	ak, err := c.CreateKey(ctx)
	metrics.OutlineKey("create", err)
	if err != nil {
		if errors.Is(err, ErrUnreachable) {
			p.markUnreachable(ctx, s.ID)
		}
		return Key{}, err
	}

	err = p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var locked db.OutlineServer
		if err := db.ForUpdate(tx).First(&locked, s.ID).Error; err != nil {
			return err
		}
		if !locked.IsActive || locked.KeyCount >= locked.KeyLimit {
			return errServerFull
		}
		return tx.Model(&db.OutlineServer{}).Where("id = ?", s.ID).Updates(map[string]any{
			"key_count":         gorm.Expr("key_count + 1"),
			"unreachable_until": nil,
		}).Error
	})
	if err != nil {
		// The key exists upstream but is not counted; revoke it.
		if derr := c.DeleteKey(context.WithoutCancel(ctx), ak.ID); derr != nil {
			p.log.Error("failed to revoke uncounted key", zap.Uint("server_id", s.ID), zap.String("key_id", ak.ID), zap.Error(derr))
		}
		return Key{}, err
	}

	if name != "" {
		if err := c.RenameKey(ctx, ak.ID, name); err != nil {
			p.log.Warn("rename key failed", zap.Uint("server_id", s.ID), zap.String("key_id", ak.ID), zap.Error(err))
		}
	}
	return Key{ServerID: s.ID, KeyID: ak.ID, AccessURL: ak.AccessURL}, nil
}

func (p *Pool) markUnreachable(ctx context.Context, id uint) {
	until := p.opts.Now().Add(p.opts.Backoff)
	err := p.db.WithContext(ctx).Model(&db.OutlineServer{}).Where("id = ?", id).Update("unreachable_until", until).Error
	if err != nil {
		p.log.Error("mark server unreachable", zap.Uint("server_id", id), zap.Error(err))
		return
	}
	p.log.Warn("outline server unreachable", zap.Uint("server_id", id), zap.Time("until", until))
}

// Release revokes a key and frees its slot on the server.
func (p *Pool) Release(ctx context.Context, serverID uint, keyID string) error {
	var s db.OutlineServer
	if err := p.db.WithContext(ctx).First(&s, serverID).Error; err != nil {
		if db.IsNotFound(err) {
			return apperr.NotFound("outline server")
		}
		return err
	}
	c, err := p.client(s)
	if err != nil {
		return apperr.External(apperr.CodeOutline, false, err)
	}
	err = c.DeleteKey(ctx, keyID)
	metrics.OutlineKey("delete", err)
	if err != nil {
		return apperr.External(apperr.CodeOutline, errors.Is(err, ErrUnreachable), err)
	}
	return p.db.WithContext(ctx).Model(&db.OutlineServer{}).
		Where("id = ? AND key_count > 0", serverID).
		Update("key_count", gorm.Expr("key_count - 1")).Error
}

// Rename relabels a key on its server.
func (p *Pool) Rename(ctx context.Context, serverID uint, keyID, name string) error {
	var s db.OutlineServer
	if err := p.db.WithContext(ctx).First(&s, serverID).Error; err != nil {
		if db.IsNotFound(err) {
			return apperr.NotFound("outline server")
		}
		return err
	}
	c, err := p.client(s)
	if err != nil {
		return apperr.External(apperr.CodeOutline, false, err)
	}
	err = c.RenameKey(ctx, keyID, name)
	metrics.OutlineKey("rename", err)
	if err != nil {
		return apperr.External(apperr.CodeOutline, errors.Is(err, ErrUnreachable), err)
	}
	return nil
}

// ServerStatus is the health view of one server.
type ServerStatus struct {
	ID               uint       `json:"id"`
	Name             string     `json:"name"`
	ControlURL       string     `json:"control_url"`
	KeyCount         int        `json:"key_count"`
	KeyLimit         int        `json:"key_limit"`
	IsActive         bool       `json:"is_active"`
	UnreachableUntil *time.Time `json:"unreachable_until,omitempty"`
	Online           bool       `json:"online"`
}

// Statuses lists every server with its current counters.
func (p *Pool) Statuses(ctx context.Context) ([]ServerStatus, error) {
	var servers []db.OutlineServer
	if err := p.db.WithContext(ctx).Order("id").Find(&servers).Error; err != nil {
		return nil, err
	}
	now := p.opts.Now()
	out := make([]ServerStatus, 0, len(servers))
	for _, s := range servers {
		out = append(out, ServerStatus{
			ID:               s.ID,
			Name:             s.Name,
			ControlURL:       s.ControlURL,
			KeyCount:         s.KeyCount,
			KeyLimit:         s.KeyLimit,
			IsActive:         s.IsActive,
			UnreachableUntil: s.UnreachableUntil,
			Online:           s.IsActive && (s.UnreachableUntil == nil || !s.UnreachableUntil.After(now)),
		})
	}
	return out, nil
}
