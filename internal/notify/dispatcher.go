package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"

	"github.com/Klumaks/Link2Pay/internal/domain"
)

// Channel delivers one text message to a chat.
type Channel interface {
	Deliver(ctx context.Context, chatID int64, text string) error
}

// ErrUnreachable marks a delivery failure that retrying cannot fix, such as a
// chat that blocked the bot.
var ErrUnreachable = errors.New("chat unreachable")

var errClosed = errors.New("dispatcher closed")

// Job is one message. Key identifies it for deduplication.
type Job struct {
	Key    string
	ChatID int64
	Text   string
}

type Options struct {
	Workers   int
	QueueSize int
	Rate      float64 // messages per second across all workers
	Timeout   time.Duration
	Retries   uint
	Backoff   func() backoff.BackOff
	Dedupe    Deduper
	Logger    *slog.Logger
}

// Dispatcher delivers jobs on a worker pool, after the state change that
// produced them is committed. Failures are logged and dropped.
type Dispatcher struct {
	ch      Channel
	opts    Options
	limiter *rate.Limiter
	log     *slog.Logger

	queue chan Job
	ctx   context.Context
	stop  context.CancelFunc
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func NewDispatcher(ch Channel, opts Options) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.Rate <= 0 {
		opts.Rate = 25
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Retries == 0 {
		opts.Retries = 3
	}
	if opts.Backoff == nil {
		opts.Backoff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			return b
		}
	}
	if opts.Dedupe == nil {
		opts.Dedupe = NewMemoryDeduper()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ctx, stop := context.WithCancel(context.Background())
	d := &Dispatcher{
		ch:      ch,
		opts:    opts,
		limiter: rate.NewLimiter(rate.Limit(opts.Rate), opts.Workers),
		log:     opts.Logger.With("component", "notify"),
		queue:   make(chan Job, opts.QueueSize),
		ctx:     ctx,
		stop:    stop,
	}
	for i := 0; i < opts.Workers; i++ {
		d.wg.Add(1)
		go d.work()
	}
	return d
}

// Enqueue hands job to the workers. It blocks while the queue is full, until
// ctx is done.
func (d *Dispatcher) Enqueue(ctx context.Context, job Job) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return fmt.Errorf("%w: %w", domain.ErrDeliveryFailed, errClosed)
	}
	select {
	case d.queue <- job:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", domain.ErrDeliveryFailed, ctx.Err())
	}
}

// Close stops accepting jobs and waits for queued ones. When ctx expires
// first, in-flight retries are abandoned.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.stop()
		return nil
	case <-ctx.Done():
		d.stop()
		<-done
		return ctx.Err()
	}
}

func (d *Dispatcher) work() {
	defer d.wg.Done()
	for job := range d.queue {
		d.deliver(job)
	}
}

func (d *Dispatcher) deliver(job Job) {
	log := d.log.With("key", job.Key, "chat_id", job.ChatID)

	first, err := d.opts.Dedupe.Claim(d.ctx, job.Key)
	if err != nil {
		log.Error("dedupe claim failed, message dropped", "error", err)
		return
	}
	if !first {
		log.Debug("duplicate message skipped")
		return
	}

	attempts := 0
	_, err = backoff.Retry(d.ctx, func() (struct{}, error) {
		attempts++
		if err := d.limiter.Wait(d.ctx); err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		ctx, cancel := context.WithTimeout(d.ctx, d.opts.Timeout)
		defer cancel()
		err := d.ch.Deliver(ctx, job.ChatID, job.Text)
		if errors.Is(err, ErrUnreachable) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(d.opts.Backoff()), backoff.WithMaxTries(d.opts.Retries))
	if err != nil {
		log.Warn("delivery failed", "attempts", attempts, "error", fmt.Errorf("%w: %w", domain.ErrDeliveryFailed, err))
		return
	}
	log.Info("message delivered", "attempts", attempts)
}
