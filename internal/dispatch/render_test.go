package dispatch

import (
	"context"
	"testing"
	"time"

	"steamwatch/internal/presence"

	"github.com/stretchr/testify/assert"
)

func TestText(t *testing.T) {
	t.Parallel()
	base := presence.Event{Identity: idX, PersonaName: "gaben"}

	cases := []struct {
		name string
		ev   func() presence.Event
		want string
	}{
		{"online", func() presence.Event { e := base; e.Kind = presence.KindOnline; return e }, "🟢 gaben is now online"},
		{"offline no name", func() presence.Event {
			e := base
			e.PersonaName = ""
			e.Kind = presence.KindOffline
			return e
		}, "⚫ 76561197960287930 went offline"},
		{"start", func() presence.Event {
			e := base
			e.Kind = presence.KindGameStart
			e.NewGameID, e.NewGameName = 570, "Dota 2"
			return e
		}, "🎮 gaben started playing Dota 2"},
		{"start unnamed", func() presence.Event {
			e := base
			e.Kind = presence.KindGameStart
			e.NewGameID = 570
			return e
		}, "🎮 gaben started playing app 570"},
		{"start with playtime", func() presence.Event {
			e := base
			e.Kind = presence.KindGameStart
			e.NewGameID, e.NewGameName = 570, "Dota 2"
			e.Playtime = 755 * time.Minute
			return e
		}, "🎮 gaben started playing Dota 2 (12.6h total)"},
		{"end", func() presence.Event {
			e := base
			e.Kind = presence.KindGameEnd
			e.OldGameID, e.OldGameName = 570, "Dota 2"
			e.Session = 90 * time.Minute
			return e
		}, "🛑 gaben stopped playing Dota 2 (played 1.5h)"},
		{"switch", func() presence.Event { return gameSwitch() }, "🔀 gaben switched from Team Fortress 2 to Dota 2 (played 1.5h)"},
		{"achievement unknown rate", func() presence.Event { return achievement("FIRST_BLOOD", t0) }, "🏆 gaben unlocked an achievement in Dota 2\nFIRST_BLOOD\nGlobal unlock rate: unknown"},
		{"achievement enriched", func() presence.Event {
			e := achievement("FIRST_BLOOD", t0)
			e.Achievement = &presence.AchievementInfo{Name: "First Blood", Description: "Get the first kill", GlobalPercent: 12.345, HasPercent: true}
			return e
		}, "🏆 gaben unlocked an achievement in Dota 2\nFirst Blood\nGet the first kill\nGlobal unlock rate: 12.3%"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Text(tc.ev()))
		})
	}
}

func TestFormatSession(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "1 min", FormatSession(10*time.Second))
	assert.Equal(t, "45 min", FormatSession(45*time.Minute))
	assert.Equal(t, "1.0h", FormatSession(time.Hour))
	assert.Equal(t, "2.3h", FormatSession(2*time.Hour+20*time.Minute))
}

func TestAchievementCards(t *testing.T) {
	t.Parallel()
	r := AchievementCards()

	card, err := r.Render(context.Background(), presence.Event{Kind: presence.KindOnline, Identity: idX})
	assert.NoError(t, err)
	assert.Nil(t, card)

	ev := presence.Event{
		Kind: presence.KindAchievement, Identity: idX, PersonaName: "gaben",
		NewGameID: 440, NewGameName: "TF2", AchievementID: "ACH_1",
		Achievement: &presence.AchievementInfo{Name: "First Blood"},
	}
	card, _ = r.Render(context.Background(), ev)
	assert.Nil(t, card, "no icon, no card")

	ev.Achievement.IconURL = "https://cdn.example/icon.jpg"
	card, err = r.Render(context.Background(), ev)
	assert.NoError(t, err)
	if assert.NotNil(t, card) {
		assert.Equal(t, "https://cdn.example/icon.jpg", card.ImageURL)
		assert.Equal(t, Text(ev), card.Caption)
	}
}
