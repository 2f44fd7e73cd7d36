package main

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"VPN-Outline-backend/config"
	"VPN-Outline-backend/internal/admin"
	"VPN-Outline-backend/internal/api"
	"VPN-Outline-backend/internal/db"
	"VPN-Outline-backend/internal/devices"
	"VPN-Outline-backend/internal/invoices"
	"VPN-Outline-backend/internal/logger"
	"VPN-Outline-backend/internal/metrics"
	"VPN-Outline-backend/internal/outline"
	"VPN-Outline-backend/internal/payments"
	"VPN-Outline-backend/internal/promo"
	"VPN-Outline-backend/internal/settlement"
	"VPN-Outline-backend/internal/slots"
	"VPN-Outline-backend/internal/sweeper"
	"VPN-Outline-backend/internal/users"
)

// app is the wired service graph shared by the commands.
type app struct {
	cfg      config.AppConfig
	log      *zap.Logger
	db       *gorm.DB
	notify   logger.Notifier
	pool     *outline.Pool
	invoices *invoices.Service
	admin    *admin.Service
	sweeper  *sweeper.Sweeper
	server   *api.Server
}

// bootstrap loads configuration, sets up logging and opens the database.
func bootstrap() (config.AppConfig, *zap.Logger, *gorm.DB, error) {
	cfg, err := config.Load()
	if err != nil {
		return cfg, nil, nil, fmt.Errorf("load config: %w", err)
	}
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return cfg, nil, nil, fmt.Errorf("build logger: %w", err)
	}
	logger.SetDefault(log)
	gdb, err := db.Open(cfg.Database.URL, log)
	if err != nil {
		return cfg, log, nil, fmt.Errorf("open database: %w", err)
	}
	return cfg, log, gdb, nil
}

func newApp(ctx context.Context) (*app, error) {
	cfg, log, gdb, err := bootstrap()
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(gdb); err != nil {
		return nil, err
	}
	metrics.MustRegister()

	a := &app{cfg: cfg, log: log, db: gdb, notify: logger.Nop{}}

	var bot *tgbotapi.BotAPI
	if cfg.BotToken != "" {
		if bot, err = tgbotapi.NewBotAPI(cfg.BotToken); err != nil {
			return nil, fmt.Errorf("connect messenger bot: %w", err)
		}
		a.notify = logger.NewTelegramNotifier(bot, cfg.AdminIDs)
	} else {
		log.Warn("BOT_TOKEN is empty, user and admin notifications are disabled")
	}

	a.pool = outline.NewPool(gdb, log, outline.Options{Timeout: cfg.Outline.Timeout, Backoff: cfg.Outline.Backoff})
	if err := a.pool.Bootstrap(ctx, cfg.Outline.APIURL, cfg.Outline.CertSHA256, cfg.Outline.KeyLimit); err != nil {
		return nil, fmt.Errorf("bootstrap outline pool: %w", err)
	}
	if err := a.pool.Reload(ctx); err != nil {
		return nil, fmt.Errorf("load outline servers: %w", err)
	}

	var gateways []payments.Gateway
	if y := cfg.Payments.YooKassa; y.ShopID != "" && y.SecretKey != "" {
		gateways = append(gateways, payments.NewYooKassa(y.ShopID, y.SecretKey, y.ReturnURL, cfg.Payments.Timeout))
	}
	if c := cfg.Payments.CryptoBot; c.Token != "" {
		gateways = append(gateways, payments.NewCryptoBot(c.Token, c.BaseURL, cfg.Payments.Timeout))
	}
	if bot != nil {
		gateways = append(gateways, payments.NewStars(bot))
	}
	registry := payments.NewRegistry(gateways...)
	log.Info("payment methods enabled", zap.Strings("methods", registry.Methods()))

	guard := users.New(gdb, log)
	settle := settlement.New(gdb, log)
	promos := promo.New(gdb, settle, guard, log)
	a.invoices = invoices.New(gdb, invoices.Options{
		Registry: registry,
		Settle:   settle,
		Guard:    guard,
		Notifier: a.notify,
		Logger:   log,
	})
	a.admin = admin.New(gdb, admin.Options{
		Settle:    settle,
		Pool:      a.pool,
		Promo:     promos,
		Notifier:  a.notify,
		Logger:    log,
		BackupDir: cfg.BackupDir,
		DSN:       cfg.Database.URL,
	})
	if err := a.admin.EnsureAdmins(ctx, cfg.AdminIDs); err != nil {
		return nil, fmt.Errorf("register admins: %w", err)
	}
	a.sweeper = sweeper.New(gdb, a.pool, a.notify, log)

	var limiter api.Limiter = api.NewMemoryLimiter()
	if cfg.RedisURL != "" {
		client, err := api.NewRedisClient(cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		if err := client.Ping(ctx).Err(); err != nil {
			log.Warn("redis unavailable, rate limits stay in process", zap.Error(err))
		} else {
			limiter = api.NewRedisLimiter(client)
		}
	}

	a.server = api.New(api.Deps{
		Users:          guard,
		Devices:        devices.New(gdb, a.pool, slots.New(gdb), guard, log),
		Settle:         settle,
		Invoices:       a.invoices,
		Promo:          promos,
		Admin:          a.admin,
		Sweeper:        a.sweeper,
		Limiter:        limiter,
		Logger:         log,
		Token:          cfg.API.Token,
		YooKassaSecret: cfg.Payments.YooKassa.SecretKey,
		CryptoBotToken: cfg.Payments.CryptoBot.Token,
	})
	return a, nil
}
