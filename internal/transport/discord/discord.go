// Package discord delivers notifications into Discord channels over the REST
// API. It does not open a gateway connection; admin commands stay on Telegram.
package discord

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"

	kit "steamwatch/internal/transport"
	logx "steamwatch/pkg/logx"
)

const messageLimit = 2000

type Config struct {
	Token string
}

type messenger interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

type Adapter struct {
	log     logx.Logger
	session messenger
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("discord token is empty")
	}
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{log: log, session: s}, nil
}

// Deliver posts msg to the channel. A card with image bytes is attached as a
// file, a card with only a URL becomes an embed image.
func (a *Adapter) Deliver(ctx context.Context, group string, msg kit.Message) error {
	g, err := kit.ParseGroup(group)
	if err != nil {
		return err
	}
	if g.Channel != kit.ChannelDiscord {
		return fmt.Errorf("discord adapter cannot deliver to %s", group)
	}

	chunks := split(msg.Text, messageLimit)
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		send := &discordgo.MessageSend{Content: chunk}
		if i == 0 && !msg.Card.Empty() {
			switch {
			case len(msg.Card.Image) > 0:
				send.Files = []*discordgo.File{{
					Name:        "card.png",
					ContentType: "image/png",
					Reader:      bytes.NewReader(msg.Card.Image),
				}}
			default:
				send.Embeds = []*discordgo.MessageEmbed{{
					Description: msg.Card.Caption,
					Image:       &discordgo.MessageEmbedImage{URL: msg.Card.ImageURL},
				}}
			}
		}
		if _, err := a.session.ChannelMessageSendComplex(g.ChannelID, send, discordgo.WithContext(ctx)); err != nil {
			return err
		}
	}
	return nil
}

func split(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	var out []string
	for len(rs) > 0 {
		end := limit
		if end > len(rs) {
			end = len(rs)
		}
		if end < len(rs) {
			for i := end - 1; i > limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[:end]), "\n"))
		rs = rs[end:]
	}
	return out
}
