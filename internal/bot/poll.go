package bot

import (
	"context"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Updater is the long-polling part of *tgbotapi.BotAPI.
type Updater interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Run polls updates until ctx is done. Each update is handled on its own
// goroutine; inputs of one chat are serialized by the flow's session lock.
// Run returns after the in-flight updates finish.
func (h *Handler) Run(ctx context.Context, api Updater) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := api.GetUpdatesChan(u)

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			api.StopReceivingUpdates()
			h.log.Info("polling stopped")
			return
		case upd, ok := <-updates:
			if !ok {
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				h.HandleUpdate(context.WithoutCancel(ctx), upd)
			}()
		}
	}
}
