package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type DatabaseConfig struct {
	URL string `yaml:"url"`
}

type APIConfig struct {
	Token string `yaml:"token"`
	Port  string `yaml:"port"`
}

type YooKassaConfig struct {
	ShopID    string `yaml:"shop_id"`
	SecretKey string `yaml:"secret_key"`
	ReturnURL string `yaml:"return_url"`
}

type CryptoBotConfig struct {
	Token string `yaml:"token"`
	// BaseURL allows pointing at the testnet.
	BaseURL string `yaml:"base_url"`
}

type PaymentsConfig struct {
	YooKassa  YooKassaConfig  `yaml:"yookassa"`
	CryptoBot CryptoBotConfig `yaml:"cryptobot"`
	// Timeout bounds every provider call.
	Timeout time.Duration `yaml:"timeout"`
}

type OutlineConfig struct {
	// Bootstrap server, inserted into the pool on first start when the pool is empty.
	APIURL     string        `yaml:"api_url"`
	CertSHA256 string        `yaml:"cert_sha256"`
	KeyLimit   int           `yaml:"key_limit"`
	Timeout    time.Duration `yaml:"timeout"`
	Backoff    time.Duration `yaml:"backoff"`
}

type AppConfig struct {
	Database DatabaseConfig `yaml:"database"`
	API      APIConfig      `yaml:"api"`
	LogLevel string         `yaml:"log_level"`
	BotToken string         `yaml:"bot_token"`
	Payments PaymentsConfig `yaml:"payments"`
	Outline  OutlineConfig  `yaml:"outline"`
	AdminIDs []int64        `yaml:"admin_ids"`
	RedisURL string         `yaml:"redis_url"`
	// BackupDir is where nightly pg_dump files are written.
	BackupDir string `yaml:"backup_dir"`
}

// Load reads the optional YAML document named by CONFIG_FILE (default config.yaml),
// then applies .env and process environment overrides.
func Load() (AppConfig, error) {
	var cfg AppConfig
	path := os.Getenv("CONFIG_FILE")
	if path == "" {
		path = "config.yaml"
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}

	if err := godotenv.Load(); err != nil {
		log.Println(".env file not found, relying on environment variables")
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	applyDefaults(&cfg)
	return cfg, cfg.Validate()
}

func applyEnv(cfg *AppConfig) error {
	setString(&cfg.Database.URL, "DATABASE_URL")
	setString(&cfg.API.Token, "API_TOKEN")
	setString(&cfg.API.Port, "PORT")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.BotToken, "BOT_TOKEN")
	setString(&cfg.Payments.YooKassa.ShopID, "YOOKASSA_SHOP_ID")
	setString(&cfg.Payments.YooKassa.SecretKey, "YOOKASSA_SECRET_KEY")
	setString(&cfg.Payments.YooKassa.ReturnURL, "YOOKASSA_RETURN_URL")
	setString(&cfg.Payments.CryptoBot.Token, "CRYPTOBOT_TOKEN")
	setString(&cfg.Outline.APIURL, "OUTLINE_API_URL")
	setString(&cfg.Outline.CertSHA256, "OUTLINE_CERT_SHA256")
	setString(&cfg.RedisURL, "REDIS_URL")
	setString(&cfg.BackupDir, "BACKUP_DIR")

	if v := os.Getenv("OUTLINE_KEY_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("OUTLINE_KEY_LIMIT: %w", err)
		}
		cfg.Outline.KeyLimit = n
	}
	if v := os.Getenv("ADMIN_IDS"); v != "" {
		ids, err := parseIDs(v)
		if err != nil {
			return fmt.Errorf("ADMIN_IDS: %w", err)
		}
		cfg.AdminIDs = ids
	}
	return nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.API.Port == "" {
		cfg.API.Port = "8080"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Payments.Timeout <= 0 {
		cfg.Payments.Timeout = 5 * time.Second
	}
	if cfg.Payments.CryptoBot.BaseURL == "" {
		cfg.Payments.CryptoBot.BaseURL = "https://pay.crypt.bot"
	}
	if cfg.Outline.Timeout <= 0 {
		cfg.Outline.Timeout = 10 * time.Second
	}
	if cfg.Outline.Backoff <= 0 {
		cfg.Outline.Backoff = 5 * time.Minute
	}
	if cfg.Outline.KeyLimit <= 0 {
		cfg.Outline.KeyLimit = 1000
	}
	if cfg.BackupDir == "" {
		cfg.BackupDir = "backups"
	}
}

// Validate reports settings the service cannot start without.
func (c AppConfig) Validate() error {
	var missing []string
	if c.Database.URL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if c.API.Token == "" {
		missing = append(missing, "API_TOKEN")
	}
	if len(missing) > 0 {
		return fmt.Errorf("critical settings are missing: %s", strings.Join(missing, ", "))
	}
	return nil
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func parseIDs(s string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
