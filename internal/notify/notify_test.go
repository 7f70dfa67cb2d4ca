package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Klumaks/Link2Pay/internal/domain"
	"github.com/Klumaks/Link2Pay/internal/repo/memory"
)

type message struct {
	chatID int64
	text   string
}

type fakeChannel struct {
	mu    sync.Mutex
	msgs  []message
	calls int
	fail  func(call int) error
}

func (f *fakeChannel) Deliver(_ context.Context, chatID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail != nil {
		if err := f.fail(f.calls); err != nil {
			return err
		}
	}
	f.msgs = append(f.msgs, message{chatID, text})
	return nil
}

func (f *fakeChannel) sent() []message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]message(nil), f.msgs...)
}

func (f *fakeChannel) attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func fastOptions() Options {
	return Options{
		Workers: 2,
		Rate:    1000,
		Timeout: time.Second,
		Retries: 3,
		Backoff: func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) },
	}
}

func drain(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Close(ctx))
}

type fixture struct {
	store    *memory.Store
	ch       *fakeChannel
	disp     *Dispatcher
	notifier *Notifier
}

func setup(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	s := memory.New()
	for _, u := range []domain.User{
		{ChatID: 1, Handle: "alice_a", Name: "Alice"},
		{ChatID: 2, Handle: "bob_b", Name: "Bob"},
		{ChatID: 3, Handle: "carol_c", Name: "Carol"},
		{ChatID: 4, Name: "No Handle"},
	} {
		require.NoError(t, s.Save(ctx, u))
	}
	ch := &fakeChannel{}
	d := NewDispatcher(ch, fastOptions())
	return &fixture{store: s, ch: ch, disp: d, notifier: New(s, s, d)}
}

func strPtr(s string) *string { return &s }

func TestDispatcher_RetriesThenDelivers(t *testing.T) {
	ch := &fakeChannel{fail: func(call int) error {
		if call < 3 {
			return errors.New("telegram: 502")
		}
		return nil
	}}
	d := NewDispatcher(ch, fastOptions())
	require.NoError(t, d.Enqueue(context.Background(), Job{Key: "k", ChatID: 7, Text: "hi"}))
	drain(t, d)

	assert.Equal(t, 3, ch.attempts())
	assert.Equal(t, []message{{7, "hi"}}, ch.sent())
}

func TestDispatcher_GivesUpAfterRetries(t *testing.T) {
	ch := &fakeChannel{fail: func(int) error { return errors.New("down") }}
	d := NewDispatcher(ch, fastOptions())
	require.NoError(t, d.Enqueue(context.Background(), Job{Key: "k", ChatID: 7, Text: "hi"}))
	drain(t, d)

	assert.Equal(t, 3, ch.attempts())
	assert.Empty(t, ch.sent())
}

func TestDispatcher_UnreachableIsNotRetried(t *testing.T) {
	ch := &fakeChannel{fail: func(int) error { return ErrUnreachable }}
	d := NewDispatcher(ch, fastOptions())
	require.NoError(t, d.Enqueue(context.Background(), Job{Key: "k", ChatID: 7, Text: "hi"}))
	drain(t, d)

	assert.Equal(t, 1, ch.attempts())
}

func TestDispatcher_DeduplicatesKeys(t *testing.T) {
	ch := &fakeChannel{}
	d := NewDispatcher(ch, fastOptions())
	for i := 0; i < 5; i++ {
		require.NoError(t, d.Enqueue(context.Background(), Job{Key: "same", ChatID: 7, Text: "hi"}))
	}
	require.NoError(t, d.Enqueue(context.Background(), Job{Key: "other", ChatID: 7, Text: "hi"}))
	drain(t, d)

	assert.Len(t, ch.sent(), 2)
}

func TestDispatcher_EnqueueAfterClose(t *testing.T) {
	d := NewDispatcher(&fakeChannel{}, fastOptions())
	drain(t, d)

	err := d.Enqueue(context.Background(), Job{Key: "k"})
	assert.ErrorIs(t, err, domain.ErrDeliveryFailed)
}

func TestRedisDeduper(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	dd := NewRedisDeduper(rdb, time.Minute)
	ctx := context.Background()

	first, err := dd.Claim(ctx, "incoming:r1")
	require.NoError(t, err)
	assert.True(t, first)

	again, err := dd.Claim(ctx, "incoming:r1")
	require.NoError(t, err)
	assert.False(t, again)

	mr.FastForward(2 * time.Minute)
	expired, err := dd.Claim(ctx, "incoming:r1")
	require.NoError(t, err)
	assert.True(t, expired)
}

func TestRedisDeduper_StoreDownDropsMessage(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	mr.Close()

	ch := &fakeChannel{}
	opts := fastOptions()
	opts.Dedupe = NewRedisDeduper(rdb, time.Minute)
	d := NewDispatcher(ch, opts)
	require.NoError(t, d.Enqueue(context.Background(), Job{Key: "k", ChatID: 1, Text: "hi"}))
	drain(t, d)

	assert.Zero(t, ch.attempts())
}

func TestNotifyIncoming(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.notifier.NotifyIncoming(ctx, Incoming{
		Ref: "r1", Recipient: "bob_b", Amount: decimal.RequireFromString("100"), Sender: "alice_a", Details: strPtr("lunch"),
	})
	f.notifier.NotifyIncoming(ctx, Incoming{Ref: "r2", Recipient: "ghost_user", Amount: decimal.NewFromInt(1)})
	drain(t, f.disp)

	msgs := f.ch.sent()
	require.Len(t, msgs, 1, "unregistered recipient is a silent no-op")
	assert.Equal(t, int64(2), msgs[0].chatID)
	assert.Equal(t, "💸 Вам перевод 100.00 ₽\nОт: @alice_a\nСообщение: lunch", msgs[0].text)
}

func TestNotifySettled(t *testing.T) {
	f := setup(t)
	f.notifier.NotifySettled(context.Background(), Settled{Ref: "r1", Payer: "alice_a", Recipient: "bob_b"})
	drain(t, f.disp)

	assert.Equal(t, []message{{1, "✅ Перевод @bob_b успешен!"}}, f.ch.sent())
}

func TestWarnFirstTransfer_OnlyBeforeFirstTransfer(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	w := Warning{Ref: "flow-1", SubjectChatID: 1, Counterpart: "bob_b", Amount: decimal.NewFromInt(100)}

	assert.True(t, f.notifier.WarnFirstTransfer(ctx, w))

	_, _, err := f.store.CreateLinkedTransfer(ctx, domain.NewLink{
		RecipientAccount: "12345678901234567890",
		Amount:           decimal.NewFromInt(100),
		BankRecipient:    "bank1",
		Disposable:       true,
	}, domain.NewTransfer{Recipient: "bob_b", Payers: []string{"alice_a"}, Amount: decimal.NewFromInt(100)})
	require.NoError(t, err)

	w.Ref = "flow-2"
	assert.False(t, f.notifier.WarnFirstTransfer(ctx, w))
	drain(t, f.disp)

	msgs := f.ch.sent()
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(1), msgs[0].chatID)
	assert.Contains(t, msgs[0].text, "@bob_b")
}

func TestWarnFirstTransfer_NoOps(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	assert.False(t, f.notifier.WarnFirstTransfer(ctx, Warning{Ref: "x", SubjectChatID: 1, Counterpart: "ALICE_A"}), "self")
	assert.False(t, f.notifier.WarnFirstTransfer(ctx, Warning{Ref: "x", SubjectChatID: 4, Counterpart: "bob_b"}), "no handle")
	assert.False(t, f.notifier.WarnFirstTransfer(ctx, Warning{Ref: "x", SubjectChatID: 99, Counterpart: "bob_b"}), "unknown chat")
	drain(t, f.disp)

	assert.Empty(t, f.ch.sent())
}

func TestNotifyRedeemed_SinglePayer(t *testing.T) {
	f := setup(t)
	red := domain.Redemption{ID: "r1", LinkID: 1, Amount: decimal.NewFromInt(50)}
	tr := domain.TransferView{Recipient: "bob_b", Payers: "alice_a", Amount: decimal.NewFromInt(50), LinkID: 1}

	f.notifier.NotifyRedeemed(context.Background(), red, tr, "")
	f.notifier.NotifyRedeemed(context.Background(), red, tr, "")
	drain(t, f.disp)

	msgs := f.ch.sent()
	require.Len(t, msgs, 2, "the same redemption notifies once")
	byChat := map[int64]string{}
	for _, m := range msgs {
		byChat[m.chatID] = m.text
	}
	assert.Contains(t, byChat[2], "От: @alice_a")
	assert.Equal(t, "✅ Перевод @bob_b успешен!", byChat[1])
}

func TestNotifyRedeemed_GroupRequest(t *testing.T) {
	f := setup(t)
	tr := domain.TransferView{Recipient: "bob_b", Payers: "alice_a, carol_c", Amount: decimal.NewFromInt(10), LinkID: 1}

	f.notifier.NotifyRedeemed(context.Background(), domain.Redemption{ID: "r1", Amount: tr.Amount}, tr, "")
	f.notifier.NotifyRedeemed(context.Background(), domain.Redemption{ID: "r2", Amount: tr.Amount}, tr, "@carol_c")
	f.notifier.NotifyRedeemed(context.Background(), domain.Redemption{ID: "r3", Amount: tr.Amount}, tr, "carol")
	drain(t, f.disp)

	var toRecipient, toCarol, toAlice int
	for _, m := range f.ch.sent() {
		switch m.chatID {
		case 2:
			toRecipient++
			assert.NotContains(t, m.text, "От:")
		case 3:
			toCarol++
		case 1:
			toAlice++
		}
	}
	assert.Equal(t, 3, toRecipient)
	assert.Equal(t, 1, toCarol)
	assert.Zero(t, toAlice)
}
