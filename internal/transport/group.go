package transport

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	ChannelTelegram = "telegram"
	ChannelDiscord  = "discord"
)

// Group is a parsed group id:
//
//	telegram:<chat_id>[:<thread_id>]
//	discord:<channel_id>
type Group struct {
	Channel   string
	ChatID    int64
	ThreadID  int
	ChannelID string
}

func (g Group) String() string {
	switch g.Channel {
	case ChannelTelegram:
		if g.ThreadID != 0 {
			return fmt.Sprintf("telegram:%d:%d", g.ChatID, g.ThreadID)
		}
		return fmt.Sprintf("telegram:%d", g.ChatID)
	case ChannelDiscord:
		return "discord:" + g.ChannelID
	default:
		return ""
	}
}

func (g Group) Target() ChatTarget { return ChatTarget{ChatID: g.ChatID, ThreadID: g.ThreadID} }

func ParseGroup(raw string) (Group, error) {
	s := strings.TrimSpace(raw)
	ch, rest, ok := strings.Cut(s, ":")
	if !ok || rest == "" {
		return Group{}, fmt.Errorf("invalid group %q: want <channel>:<id>", raw)
	}
	switch strings.ToLower(ch) {
	case ChannelTelegram:
		chat, thread, hasThread := strings.Cut(rest, ":")
		id, err := strconv.ParseInt(chat, 10, 64)
		if err != nil || id == 0 {
			return Group{}, fmt.Errorf("invalid telegram chat id in %q", raw)
		}
		g := Group{Channel: ChannelTelegram, ChatID: id}
		if hasThread {
			tid, err := strconv.Atoi(thread)
			if err != nil || tid < 0 {
				return Group{}, fmt.Errorf("invalid telegram thread id in %q", raw)
			}
			g.ThreadID = tid
		}
		return g, nil
	case ChannelDiscord:
		if _, err := strconv.ParseUint(rest, 10, 64); err != nil {
			return Group{}, fmt.Errorf("invalid discord channel id in %q", raw)
		}
		return Group{Channel: ChannelDiscord, ChannelID: rest}, nil
	default:
		return Group{}, fmt.Errorf("unknown channel %q in group %q", ch, raw)
	}
}

// NormalizeGroup parses and re-renders raw so equal groups compare equal.
func NormalizeGroup(raw string) (string, error) {
	g, err := ParseGroup(raw)
	if err != nil {
		return "", err
	}
	return g.String(), nil
}

// ChannelOf returns the channel prefix of a group id without validating it.
func ChannelOf(group string) string {
	ch, _, _ := strings.Cut(group, ":")
	return strings.ToLower(ch)
}
