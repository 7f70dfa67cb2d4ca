package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	IdempotencyHeader = "Idempotency-Key"

	idemTTL     = 24 * time.Hour
	idemLockTTL = 10 * time.Second
	idemPrefix  = "link2pay:idem:"
)

type cachedResponse struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

type recorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (rw *recorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *recorder) Write(b []byte) (int, error) {
	rw.body.Write(b)
	return rw.ResponseWriter.Write(b)
}

// idempotency replays the stored response of a request repeated with the
// same Idempotency-Key. A concurrent duplicate gets 409. Requests without the
// header, or a server without Redis, pass through.
func (s *Server) idempotency(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(IdempotencyHeader)
		if s.idem == nil || key == "" {
			next.ServeHTTP(w, r)
			return
		}
		ctx := r.Context()
		cacheKey := idemPrefix + r.Method + ":" + r.URL.Path + ":" + key
		lockKey := cacheKey + ":lock"

		raw, err := s.idem.Get(ctx, cacheKey).Bytes()
		switch {
		case err == nil:
			var c cachedResponse
			if err := json.Unmarshal(raw, &c); err == nil {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("X-Idempotency-Hit", "true")
				w.WriteHeader(c.Status)
				_, _ = w.Write(c.Body)
				return
			}
			s.log.Warn("corrupt idempotency entry", "key", key)
		case !errors.Is(err, redis.Nil):
			s.log.Error("idempotency lookup", "key", key, "error", err)
			writeError(w, http.StatusInternalServerError, "idempotency store unavailable")
			return
		}

		acquired, err := s.idem.SetNX(ctx, lockKey, "processing", idemLockTTL).Result()
		if err != nil {
			s.log.Error("idempotency lock", "key", key, "error", err)
			writeError(w, http.StatusInternalServerError, "idempotency store unavailable")
			return
		}
		if !acquired {
			writeError(w, http.StatusConflict, "a request with this idempotency key is in progress")
			return
		}
		defer s.idem.Del(ctx, lockKey)

		rec := &recorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		if rec.status >= http.StatusInternalServerError {
			return
		}
		payload, err := json.Marshal(cachedResponse{Status: rec.status, Body: bytes.TrimSpace(rec.body.Bytes())})
		if err != nil {
			return
		}
		if err := s.idem.Set(ctx, cacheKey, payload, idemTTL).Err(); err != nil {
			s.log.Warn("idempotency store", "key", key, "error", err)
		}
	})
}
