package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	BotToken    string
	DatabaseURL string
	RedisAddr   string // empty keeps sessions and dedupe in memory
	HTTPAddr    string

	PayPageURL       string // link id is appended as ?id=
	BankName         string
	LinkAdditionally string

	AccountTimeout  time.Duration
	DeliveryTimeout time.Duration
	SessionTTL      time.Duration

	NotifyWorkers int
	NotifyRate    float64 // messages per second
	NotifyRetries uint

	LogLevel  slog.Level
	LogFormat string
}

// Load reads .env (when present) and the environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Config{
		BotToken:         os.Getenv("BOT_TOKEN"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		HTTPAddr:         getenv("HTTP_ADDR", ":8000"),
		PayPageURL:       getenv("PAY_PAGE_URL", "http://localhost:5500/main_sdk.html"),
		BankName:         getenv("BANK_NAME", "bank1"),
		LinkAdditionally: os.Getenv("LINK_ADDITIONALLY"),
		LogFormat:        getenv("LOG_FORMAT", "text"),
	}

	var err error
	if cfg.AccountTimeout, err = duration("ACCOUNT_TIMEOUT", 10*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.DeliveryTimeout, err = duration("DELIVERY_TIMEOUT", 10*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.SessionTTL, err = duration("SESSION_TTL", 30*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.NotifyWorkers, err = integer("NOTIFY_WORKERS", 4); err != nil {
		return Config{}, err
	}
	retries, err := integer("NOTIFY_RETRIES", 3)
	if err != nil {
		return Config{}, err
	}
	if retries < 1 {
		retries = 1
	}
	cfg.NotifyRetries = uint(retries)
	if cfg.NotifyRate, err = float("NOTIFY_RATE", 25); err != nil {
		return Config{}, err
	}
	if err := cfg.LogLevel.UnmarshalText([]byte(getenv("LOG_LEVEL", "info"))); err != nil {
		return Config{}, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return cfg, nil
}

// MustLoad is Load for the bot and API entrypoints, which need both the token
// and the database.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		fatal(err.Error())
	}
	if cfg.BotToken == "" {
		fatal("BOT_TOKEN is required")
	}
	if cfg.DatabaseURL == "" {
		fatal("DATABASE_URL is required")
	}
	return cfg
}

// LinkURL renders the payer-facing URL of a link.
func (c Config) LinkURL(id int64) string {
	sep := "?"
	if strings.Contains(c.PayPageURL, "?") {
		sep = "&"
	}
	return c.PayPageURL + sep + "id=" + strconv.FormatInt(id, 10)
}

func fatal(msg string) {
	slog.Error(msg)
	os.Exit(1)
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func duration(key string, def time.Duration) (time.Duration, error) {
	v := getenv(key, "")
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s: expected positive duration, got %q", key, v)
	}
	return d, nil
}

func integer(key string, def int) (int, error) {
	v := getenv(key, "")
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s: expected non-negative integer, got %q", key, v)
	}
	return n, nil
}

func float(key string, def float64) (float64, error) {
	v := getenv(key, "")
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return 0, fmt.Errorf("%s: expected positive number, got %q", key, v)
	}
	return f, nil
}
