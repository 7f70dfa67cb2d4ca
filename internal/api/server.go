// Package api serves the link-resolution surface: the payment page resolves a
// link by id and redeems it, the bot side registers accounts and issues links.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/Klumaks/Link2Pay/internal/domain"
)

type Links interface {
	CreateLink(ctx context.Context, l domain.NewLink) (int64, error)
	GetLinkData(ctx context.Context, id int64) (domain.LinkView, error)
	Redeem(ctx context.Context, id int64) (domain.Redemption, error)
}

type Transfers interface {
	GetTransferByLink(ctx context.Context, linkID int64) (domain.TransferView, error)
}

type Accounts interface {
	FindByPhone(ctx context.Context, phone string) (string, error)
	Register(ctx context.Context, phone, ownerName string) (string, error)
}

// Notifier fans out the messages of a committed redemption.
type Notifier interface {
	NotifyRedeemed(ctx context.Context, red domain.Redemption, t domain.TransferView, payer string)
}

type Server struct {
	links     Links
	transfers Transfers
	accounts  Accounts
	notifier  Notifier
	linkURL   func(int64) string
	idem      redis.Cmdable
	log       *slog.Logger

	// notifyTimeout bounds the post-commit fan-out started by a redeem.
	notifyTimeout time.Duration
	fanout        sync.WaitGroup
}

type Option func(*Server)

// WithIdempotency caches POST responses by Idempotency-Key in Redis.
func WithIdempotency(rdb redis.Cmdable) Option {
	return func(s *Server) { s.idem = rdb }
}

func WithNotifyTimeout(d time.Duration) Option {
	return func(s *Server) { s.notifyTimeout = d }
}

func NewServer(links Links, transfers Transfers, accounts Accounts, notifier Notifier, linkURL func(int64) string, opts ...Option) *Server {
	s := &Server{
		links:         links,
		transfers:     transfers,
		accounts:      accounts,
		notifier:      notifier,
		linkURL:       linkURL,
		log:           slog.Default().With("component", "api"),
		notifyTimeout: 30 * time.Second,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Drain waits for the notifications of finished redeems. Call it after the
// HTTP server has shut down and before the notifier's queue is closed.
func (s *Server) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.fanout.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/accounts", func(r chi.Router) {
		r.Post("/register", s.registerAccount)
		r.Post("/lookup", s.lookupAccount)
	})

	r.Route("/links", func(r chi.Router) {
		r.With(s.idempotency).Post("/", s.createLink)
		r.Get("/{id}", s.getLink)
		r.With(s.idempotency).Post("/{id}/redeem", s.redeemLink)
	})

	r.Get("/transfers/by-link/{id}", s.transferByLink)
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
