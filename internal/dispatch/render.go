package dispatch

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"steamwatch/internal/presence"
	"steamwatch/internal/transport"
)

// Renderer turns an event into a card. It is optional; errors fall back to
// plain text.
type Renderer interface {
	Render(ctx context.Context, ev presence.Event) (*transport.Card, error)
}

type RendererFunc func(ctx context.Context, ev presence.Event) (*transport.Card, error)

func (f RendererFunc) Render(ctx context.Context, ev presence.Event) (*transport.Card, error) {
	return f(ctx, ev)
}

// Text is the plain-text notification for ev.
func Text(ev presence.Event) string {
	name := ev.PersonaName
	if strings.TrimSpace(name) == "" {
		name = ev.Identity.String()
	}
	switch ev.Kind {
	case presence.KindOnline:
		return fmt.Sprintf("🟢 %s is now online", name)
	case presence.KindOffline:
		return fmt.Sprintf("⚫ %s went offline", name)
	case presence.KindGameStart:
		s := fmt.Sprintf("🎮 %s started playing %s", name, gameLabel(ev.NewGameID, ev.NewGameName))
		if ev.Playtime > 0 {
			s += fmt.Sprintf(" (%.1fh total)", ev.Playtime.Hours())
		}
		return s
	case presence.KindGameSwitch:
		s := fmt.Sprintf("🔀 %s switched from %s to %s", name,
			gameLabel(ev.OldGameID, ev.OldGameName), gameLabel(ev.NewGameID, ev.NewGameName))
		if ev.Session > 0 {
			s += fmt.Sprintf(" (played %s)", FormatSession(ev.Session))
		}
		return s
	case presence.KindGameEnd:
		s := fmt.Sprintf("🛑 %s stopped playing %s", name, gameLabel(ev.OldGameID, ev.OldGameName))
		if ev.Session > 0 {
			s += fmt.Sprintf(" (played %s)", FormatSession(ev.Session))
		}
		return s
	case presence.KindAchievement:
		return achievementText(name, ev)
	default:
		return fmt.Sprintf("%s: %s", name, ev.Kind)
	}
}

func achievementText(name string, ev presence.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🏆 %s unlocked an achievement in %s", name, gameLabel(ev.GameID(), ev.GameName()))
	title := ev.AchievementID
	if ev.Achievement != nil && ev.Achievement.Name != "" {
		title = ev.Achievement.Name
	}
	b.WriteString("\n")
	b.WriteString(title)
	if ev.Achievement != nil && ev.Achievement.Description != "" {
		b.WriteString("\n")
		b.WriteString(ev.Achievement.Description)
	}
	b.WriteString("\nGlobal unlock rate: ")
	if ev.Achievement != nil && ev.Achievement.HasPercent {
		fmt.Fprintf(&b, "%.1f%%", ev.Achievement.GlobalPercent)
	} else {
		b.WriteString("unknown")
	}
	return b.String()
}

func gameLabel(id uint64, name string) string {
	if strings.TrimSpace(name) != "" {
		return name
	}
	if id == 0 {
		return "a game"
	}
	return "app " + strconv.FormatUint(id, 10)
}

// FormatSession renders a play duration: minutes under an hour, else hours
// with one decimal.
func FormatSession(d time.Duration) string {
	if d < time.Hour {
		m := int(d.Minutes())
		if m < 1 {
			m = 1
		}
		return fmt.Sprintf("%d min", m)
	}
	return fmt.Sprintf("%.1fh", d.Hours())
}

// AchievementCards renders achievement events that carry an icon as a photo
// card captioned with the usual text. Other events return nil and go out as
// text.
func AchievementCards() Renderer {
	return RendererFunc(func(_ context.Context, ev presence.Event) (*transport.Card, error) {
		if !ev.Kind.IsAchievement() || ev.Achievement == nil || strings.TrimSpace(ev.Achievement.IconURL) == "" {
			return nil, nil
		}
		return &transport.Card{ImageURL: ev.Achievement.IconURL, Caption: Text(ev)}, nil
	})
}
