package bot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Klumaks/Link2Pay/internal/flow"
	"github.com/Klumaks/Link2Pay/internal/notify"
)

type fakeAPI struct {
	mu       sync.Mutex
	sent     []tgbotapi.Chattable
	answered []string
	sendErr  error
	block    chan struct{}
}

func (f *fakeAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return tgbotapi.Message{}, f.sendErr
	}
	f.sent = append(f.sent, c)
	return tgbotapi.Message{}, nil
}

func (f *fakeAPI) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cb, ok := c.(tgbotapi.CallbackConfig); ok {
		f.answered = append(f.answered, cb.CallbackQueryID)
	}
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeAPI) messages() []tgbotapi.MessageConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []tgbotapi.MessageConfig
	for _, c := range f.sent {
		if m, ok := c.(tgbotapi.MessageConfig); ok {
			out = append(out, m)
		}
	}
	return out
}

type fakeFlow struct {
	inputs  []flow.Input
	replies []flow.Reply
	err     error
}

func (f *fakeFlow) Handle(_ context.Context, in flow.Input) ([]flow.Reply, error) {
	f.inputs = append(f.inputs, in)
	return f.replies, f.err
}

func privateMessage(text string) tgbotapi.Update {
	return tgbotapi.Update{Message: &tgbotapi.Message{
		From: &tgbotapi.User{ID: 10, UserName: "alice_a", FirstName: "Alice", LastName: "A"},
		Chat: &tgbotapi.Chat{ID: 10, Type: "private"},
		Text: text,
	}}
}

func TestHandleUpdate_TextMessage(t *testing.T) {
	api := &fakeAPI{}
	f := &fakeFlow{replies: []flow.Reply{{Text: "hello"}, {Text: "menu", Buttons: [][]flow.Button{{{Text: "Send", Action: flow.ActionSend}}}}}}
	h := NewHandler(api, f)

	h.HandleUpdate(context.Background(), privateMessage("  /start "))

	require.Len(t, f.inputs, 1)
	assert.Equal(t, flow.Input{ChatID: 10, Handle: "alice_a", Name: "Alice A", Text: "/start"}, f.inputs[0])

	msgs := api.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "hello", msgs[0].Text)
	kb, ok := msgs[1].ReplyMarkup.(tgbotapi.InlineKeyboardMarkup)
	require.True(t, ok)
	assert.Equal(t, flow.ActionSend, *kb.InlineKeyboard[0][0].CallbackData)
}

func TestHandleUpdate_IgnoresGroupsAndEmpty(t *testing.T) {
	api := &fakeAPI{}
	f := &fakeFlow{}
	h := NewHandler(api, f)

	group := privateMessage("/start")
	group.Message.Chat.Type = "group"
	h.HandleUpdate(context.Background(), group)
	h.HandleUpdate(context.Background(), privateMessage("   "))
	h.HandleUpdate(context.Background(), tgbotapi.Update{})

	assert.Empty(t, f.inputs)
	assert.Empty(t, api.messages())
}

func TestHandleUpdate_Contact(t *testing.T) {
	api := &fakeAPI{}
	f := &fakeFlow{}
	h := NewHandler(api, f)

	own := privateMessage("")
	own.Message.Contact = &tgbotapi.Contact{PhoneNumber: "79990000001", UserID: 10}
	h.HandleUpdate(context.Background(), own)
	require.Len(t, f.inputs, 1)
	assert.Equal(t, "79990000001", f.inputs[0].Contact)

	foreign := privateMessage("")
	foreign.Message.Contact = &tgbotapi.Contact{PhoneNumber: "79990000002", UserID: 99}
	h.HandleUpdate(context.Background(), foreign)
	assert.Len(t, f.inputs, 1, "someone else's contact never reaches the flow")
	msgs := api.messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Text, "свой контакт")
}

func TestHandleCallback(t *testing.T) {
	api := &fakeAPI{}
	f := &fakeFlow{replies: []flow.Reply{{Text: "ok", RemoveKeyboard: true}}}
	h := NewHandler(api, f)

	h.HandleUpdate(context.Background(), tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:      "cb-1",
		From:    &tgbotapi.User{ID: 10, UserName: "alice_a", FirstName: "Alice"},
		Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: 10, Type: "private"}},
		Data:    flow.ActionSendOK,
	}})

	require.Len(t, f.inputs, 1)
	assert.Equal(t, flow.ActionSendOK, f.inputs[0].Action)
	assert.Equal(t, []string{"cb-1"}, api.answered)
	msgs := api.messages()
	require.Len(t, msgs, 1)
	_, removed := msgs[0].ReplyMarkup.(tgbotapi.ReplyKeyboardRemove)
	assert.True(t, removed)
}

func TestHandleUpdate_FlowError(t *testing.T) {
	api := &fakeAPI{}
	h := NewHandler(api, &fakeFlow{err: errors.New("db down")})

	h.HandleUpdate(context.Background(), privateMessage("hi"))
	msgs := api.messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Text, "Попробуйте позже")
}

func TestRender_Keyboards(t *testing.T) {
	m := render(1, flow.Reply{Text: "phone", RequestContact: true})
	kb, ok := m.ReplyMarkup.(tgbotapi.ReplyKeyboardMarkup)
	require.True(t, ok)
	assert.True(t, kb.Keyboard[0][0].RequestContact)

	m = render(1, flow.Reply{Text: "msg", Keyboard: []string{flow.NoMessage}})
	kb, ok = m.ReplyMarkup.(tgbotapi.ReplyKeyboardMarkup)
	require.True(t, ok)
	assert.Equal(t, flow.NoMessage, kb.Keyboard[0][0].Text)
	assert.True(t, kb.OneTimeKeyboard)

	m = render(1, flow.Reply{Text: "plain"})
	assert.Nil(t, m.ReplyMarkup)
}

func TestChannel_Deliver(t *testing.T) {
	api := &fakeAPI{}
	ch := NewChannel(api)
	require.NoError(t, ch.Deliver(context.Background(), 5, "hi"))
	msgs := api.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(5), msgs[0].ChatID)
}

func TestChannel_ClassifiesErrors(t *testing.T) {
	api := &fakeAPI{sendErr: &tgbotapi.Error{Code: 403, Message: "Forbidden: bot was blocked by the user"}}
	err := NewChannel(api).Deliver(context.Background(), 5, "hi")
	assert.ErrorIs(t, err, notify.ErrUnreachable)

	api.sendErr = &tgbotapi.Error{Code: 400, Message: "Bad Request: chat not found"}
	err = NewChannel(api).Deliver(context.Background(), 5, "hi")
	assert.ErrorIs(t, err, notify.ErrUnreachable)

	api.sendErr = &tgbotapi.Error{Code: 429, Message: "Too Many Requests"}
	err = NewChannel(api).Deliver(context.Background(), 5, "hi")
	require.Error(t, err)
	assert.NotErrorIs(t, err, notify.ErrUnreachable)
}

func TestChannel_HonoursTimeout(t *testing.T) {
	api := &fakeAPI{block: make(chan struct{})}
	defer close(api.block)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := NewChannel(api).Deliver(ctx, 5, "hi")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
