// Package adapter is the Telegram delivery channel. It also feeds inbound
// admin commands to the router.
package adapter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "steamwatch/internal/runtime/supervisor"
	kit "steamwatch/internal/transport"
	logx "steamwatch/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// Offline skips the getMe call so the adapter can be built without network (tests).
	Offline bool
}

// sender and commander are the parts of *tele.Bot the adapter calls.
type sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

type commander interface {
	SetCommands(opts ...interface{}) error
}

type Adapter struct {
	log logx.Logger

	bot  *tele.Bot
	send sender
	cmds commander

	out     atomic.Pointer[chan<- kit.Update]
	dropped atomic.Uint64

	runMu sync.Mutex
	sup   *rtsup.Supervisor

	menuMu   sync.Mutex
	menuHash uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Poller:  &tele.LongPoller{Timeout: cfg.PollTimeout},
		Offline: cfg.Offline,
	})
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	a := &Adapter{log: log, bot: b, send: b, cmds: b}
	b.Handle(tele.OnText, a.onText)
	return a, nil
}

func (a *Adapter) Supervisor() *rtsup.Supervisor {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	return a.sup
}

func (a *Adapter) onText(c tele.Context) error {
	m := c.Message()
	if m == nil || m.Sender == nil || m.Chat == nil {
		return nil
	}
	out := a.out.Load()
	if out == nil {
		return nil
	}
	up := kit.Update{Kind: kit.UpdateMessage, Message: &kit.Inbound{
		ID:           m.ID,
		ChatID:       m.Chat.ID,
		ThreadID:     m.ThreadID,
		FromID:       m.Sender.ID,
		FromUsername: m.Sender.Username,
		Text:         m.Text,
		IsGroup:      m.Chat.Type != tele.ChatPrivate,
	}}
	select {
	case *out <- up:
	default:
		a.dropped.Add(1)
	}
	return nil
}

// Start begins long polling; inbound text goes to out. It is idempotent.
func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.sup != nil {
		return nil
	}
	a.out.Store(&out)
	sup := rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "telegram.adapter"))),
		rtsup.WithCancelOnError(false),
	)
	a.sup = sup

	sup.Go0("updates.drop_report", func(c context.Context) {
		t := time.NewTicker(5 * time.Second)
		defer t.Stop()
		for {
			done := false
			select {
			case <-c.Done():
				done = true
			case <-t.C:
			}
			if n := a.dropped.Swap(0); n > 0 {
				a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", cap(out)))
			}
			if done {
				return
			}
		}
	})
	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})
	// bot.Start blocks until bot.Stop; a return with a live context is a crash.
	sup.GoRestart0("telebot.poll", func(context.Context) {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithPublishFirstError(true),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

// Stop ends polling. A getUpdates call still waiting gets at most two
// seconds.
func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	a.out.Store(nil)
	a.runMu.Unlock()
	if sup == nil {
		return nil
	}

	sup.Cancel()
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sup.Wait(wctx); err != nil && ctx.Err() == nil && !errors.Is(err, context.DeadlineExceeded) {
		a.log.Debug("telegram stopped with supervisor error", logx.Err(err))
	}
	return nil
}

const (
	telegramTextLimit    = 4000
	telegramCaptionLimit = 1024
)

// splitTelegramText cuts s into chunks of at most limit runes, preferring a
// newline in the last two thirds of each chunk.
func splitTelegramText(s string, limit int) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	var out []string
	for len(rs) > 0 {
		n := min(limit, len(rs))
		if n < len(rs) {
			for i := n - 1; i >= limit/3; i-- {
				if rs[i] == '\n' {
					n = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[:n]), "\n"))
		rs = rs[n:]
		for len(rs) > 0 && rs[0] == '\n' {
			rs = rs[1:]
		}
	}
	return out
}

// Deliver sends msg into a telegram group. A card goes out as a photo; the
// text rides as its caption when it fits, otherwise as follow-up messages.
func (a *Adapter) Deliver(ctx context.Context, group string, msg kit.Message) error {
	g, err := kit.ParseGroup(group)
	if err != nil {
		return err
	}
	if g.Channel != kit.ChannelTelegram {
		return fmt.Errorf("telegram adapter cannot deliver to %s", group)
	}
	to := g.Target()

	text := msg.Text
	if !msg.Card.Empty() {
		caption := msg.Card.Caption
		if caption == "" && len([]rune(text)) <= telegramCaptionLimit {
			caption, text = text, ""
		}
		photo := &tele.Photo{Caption: caption, File: tele.FromURL(msg.Card.ImageURL)}
		if len(msg.Card.Image) > 0 {
			photo.File = tele.FromReader(bytes.NewReader(msg.Card.Image))
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := a.send.Send(&tele.Chat{ID: to.ChatID}, photo, &tele.SendOptions{ThreadID: to.ThreadID}); err != nil {
			return err
		}
	}
	if text == "" {
		return nil
	}
	return a.sendText(ctx, to, text)
}

// Reply answers an admin command in the chat it came from.
func (a *Adapter) Reply(ctx context.Context, to kit.ChatTarget, text string) error {
	return a.sendText(ctx, to, text)
}

func (a *Adapter) sendText(ctx context.Context, to kit.ChatTarget, text string) error {
	chat := &tele.Chat{ID: to.ChatID}
	opt := &tele.SendOptions{DisableWebPagePreview: true, ThreadID: to.ThreadID}
	for _, chunk := range splitTelegramText(text, telegramTextLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := a.send.Send(chat, chunk, opt); err != nil {
			return err
		}
	}
	return nil
}

// UpdateMenuCommands publishes the command menu (setMyCommands), skipping
// the call when the list is unchanged.
func (a *Adapter) UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error {
	a.menuMu.Lock()
	defer a.menuMu.Unlock()

	h := fnv.New64a()
	list := make([]tele.Command, 0, len(cmds))
	for _, c := range cmds {
		if c.Command == "" {
			continue
		}
		desc := c.Description
		if desc == "" {
			desc = c.Command
		}
		list = append(list, tele.Command{Text: c.Command, Description: desc})
		fmt.Fprintf(h, "%s\x00%s\x00", c.Command, desc)
	}
	sum := h.Sum64()
	if sum == a.menuHash {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.cmds.SetCommands(list); err != nil {
		return fmt.Errorf("telegram setMyCommands: %w", err)
	}
	a.menuHash = sum
	a.log.Info("menu commands updated", logx.Int("count", len(list)))
	return nil
}
