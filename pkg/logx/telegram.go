package logx

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"
)

// AlertSender delivers one formatted log line to an operator channel.
type AlertSender interface {
	SendAlert(ctx context.Context, text string) error
}

type telegramSender struct {
	bot      *tele.Bot
	chat     *tele.Chat
	threadID int
}

func newTelegramSender(cfg TelegramConfig) (AlertSender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	// Offline skips the getMe round-trip; the bot only ever sends.
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	return &telegramSender{bot: b, chat: &tele.Chat{ID: cfg.ChatID}, threadID: cfg.ThreadID}, nil
}

func (t *telegramSender) SendAlert(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := t.bot.Send(t.chat, text, &tele.SendOptions{
		DisableWebPagePreview: true,
		ThreadID:              t.threadID,
	})
	return err
}

// alertQueue decouples the logging hot path from the network.
// Enqueue never blocks; when the buffer is full the line is dropped.
type alertQueue struct {
	sender AlertSender
	ch     chan string
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func startAlertQueue(sender AlertSender, buffer int) *alertQueue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &alertQueue{sender: sender, ch: make(chan string, buffer), cancel: cancel}
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.run(ctx)
	}()
	return q
}

func (q *alertQueue) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-q.ch:
			sctx, cancel := context.WithTimeout(ctx, 8*time.Second)
			_ = q.sender.SendAlert(sctx, msg)
			cancel()
		}
	}
}

func (q *alertQueue) enqueue(msg string) {
	select {
	case q.ch <- msg:
	default:
	}
}

func (q *alertQueue) stop() {
	q.cancel()
	q.wg.Wait()
}
