package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/redis/go-redis/v9"

	"github.com/Klumaks/Link2Pay/internal/api"
	"github.com/Klumaks/Link2Pay/internal/bot"
	"github.com/Klumaks/Link2Pay/internal/config"
	"github.com/Klumaks/Link2Pay/internal/db"
	"github.com/Klumaks/Link2Pay/internal/flow"
	"github.com/Klumaks/Link2Pay/internal/logging"
	"github.com/Klumaks/Link2Pay/internal/notify"
	"github.com/Klumaks/Link2Pay/internal/repo"
	"github.com/Klumaks/Link2Pay/internal/session"
)

const shutdownTimeout = 15 * time.Second

type runOptions struct {
	bot     bool
	api     bool
	migrate bool
}

func run(parent context.Context, o runOptions) error {
	cfg := config.MustLoad()
	log := logging.Setup(cfg.LogLevel, cfg.LogFormat, os.Stderr)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	if o.migrate {
		if err := db.ApplyMigrations(ctx, pool, db.Migrations()); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
	}
	store := repo.NewStore(pool)

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
	}

	botAPI, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return fmt.Errorf("bot init: %w", err)
	}
	botAPI.Debug = false
	channel := bot.NewChannel(botAPI)

	var dedupe notify.Deduper = notify.NewMemoryDeduper()
	if rdb != nil {
		dedupe = notify.NewRedisDeduper(rdb, 0)
	}
	disp := notify.NewDispatcher(channel, notify.Options{
		Workers: cfg.NotifyWorkers,
		Rate:    cfg.NotifyRate,
		Timeout: cfg.DeliveryTimeout,
		Retries: cfg.NotifyRetries,
		Dedupe:  dedupe,
		Logger:  log,
	})
	notifier := notify.New(store.Users, store.Transfers, disp)

	var wg sync.WaitGroup
	errs := make(chan error, 1)

	var (
		srv     *http.Server
		linkAPI *api.Server
	)
	if o.api {
		var opts []api.Option
		if rdb != nil {
			opts = append(opts, api.WithIdempotency(rdb))
		}
		opts = append(opts, api.WithNotifyTimeout(2*cfg.DeliveryTimeout))
		linkAPI = api.NewServer(store.Links, store.Transfers, store.Accounts, notifier, cfg.LinkURL, opts...)
		srv = &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           linkAPI.Routes(),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info("http listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				select {
				case errs <- fmt.Errorf("http: %w", err):
				default:
				}
				stop()
			}
		}()
	}

	if o.bot {
		var sessions session.Store = session.NewMemory(cfg.SessionTTL)
		if rdb != nil {
			sessions = session.NewRedis(rdb, cfg.SessionTTL)
		}
		orch := flow.New(sessions, store.Accounts, store.Users, store, notifier, channel, flow.Options{
			BankName:       cfg.BankName,
			Additionally:   cfg.LinkAdditionally,
			BotUsername:    botAPI.Self.UserName,
			AccountTimeout: cfg.AccountTimeout,
			SendTimeout:    cfg.DeliveryTimeout,
			LinkURL:        cfg.LinkURL,
		})
		h := bot.NewHandler(botAPI, orch)

		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info("bot started", "username", botAPI.Self.UserName)
			h.Run(ctx, botAPI)
		}()
	}

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("http shutdown", "error", err)
		}
	}
	wg.Wait()
	if linkAPI != nil {
		if err := linkAPI.Drain(shutdownCtx); err != nil {
			log.Warn("redeem notifications drain", "error", err)
		}
	}
	if err := disp.Close(shutdownCtx); err != nil {
		log.Warn("notifier drain", "error", err)
	}

	select {
	case err := <-errs:
		return err
	default:
		return nil
	}
}

func runMigrations(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	logging.Setup(cfg.LogLevel, cfg.LogFormat, os.Stderr)

	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	if err := db.ApplyMigrations(ctx, pool, db.Migrations()); err != nil {
		return err
	}
	slog.Info("migrations up to date")
	return nil
}
