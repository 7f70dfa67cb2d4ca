package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	lockTTL  = 30 * time.Second
	lockPoll = 25 * time.Millisecond
)

// renewScript extends the lock only while it still holds our token.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// unlockScript deletes the lock only while it still holds our token.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis stores sessions as JSON and locks chats with SET NX, so several bot
// replicas can share one conversation state.
type Redis struct {
	rdb     redis.UniversalClient
	ttl     time.Duration
	prefix  string
	lockTTL time.Duration
}

func NewRedis(rdb redis.UniversalClient, ttl time.Duration) *Redis {
	return &Redis{rdb: rdb, ttl: ttl, prefix: "link2pay:session:", lockTTL: lockTTL}
}

func (r *Redis) key(chatID int64) string {
	return r.prefix + strconv.FormatInt(chatID, 10)
}

func (r *Redis) Load(ctx context.Context, chatID int64) (Session, bool, error) {
	raw, err := r.rdb.Get(ctx, r.key(chatID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, fmt.Errorf("load session %d: %w", chatID, err)
	}
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return Session{}, false, fmt.Errorf("decode session %d: %w", chatID, err)
	}
	return s, true, nil
}

func (r *Redis) Save(ctx context.Context, chatID int64, s Session) error {
	s.UpdatedAt = time.Now()
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session %d: %w", chatID, err)
	}
	if err := r.rdb.Set(ctx, r.key(chatID), raw, r.ttl).Err(); err != nil {
		return fmt.Errorf("save session %d: %w", chatID, err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, chatID int64) error {
	if err := r.rdb.Del(ctx, r.key(chatID)).Err(); err != nil {
		return fmt.Errorf("delete session %d: %w", chatID, err)
	}
	return nil
}

func (r *Redis) Lock(ctx context.Context, chatID int64) (func(), error) {
	key := r.key(chatID) + ":lock"
	token := uuid.NewString()

	t := time.NewTicker(lockPoll)
	defer t.Stop()
	for {
		ok, err := r.rdb.SetNX(ctx, key, token, r.lockTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("lock session %d: %w", chatID, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	// the lock outlives a slow handler: it is extended every third of its
	// TTL until released
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.renew(stop, key, token)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = unlockScript.Run(ctx, r.rdb, []string{key}, token).Err()
		})
	}, nil
}

func (r *Redis) renew(stop <-chan struct{}, key, token string) {
	t := time.NewTicker(r.lockTTL / 3)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.lockTTL/3)
			n, err := renewScript.Run(ctx, r.rdb, []string{key}, token, r.lockTTL.Milliseconds()).Int()
			cancel()
			if err == nil && n == 0 {
				// lost the lock; nothing left to extend
				return
			}
		}
	}
}
