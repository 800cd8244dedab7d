package discord

import (
	"context"
	"strings"
	"testing"

	"github.com/bwmarrin/discordgo"

	kit "steamwatch/internal/transport"
	logx "steamwatch/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	channels []string
	sends    []*discordgo.MessageSend
}

func (f *fakeSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.channels = append(f.channels, channelID)
	f.sends = append(f.sends, data)
	return &discordgo.Message{ID: "1", ChannelID: channelID}, nil
}

func TestDeliver(t *testing.T) {
	t.Parallel()
	f := &fakeSession{}
	a := &Adapter{log: logx.Nop(), session: f}

	require.NoError(t, a.Deliver(context.Background(), "discord:42", kit.Message{Text: "hi"}))
	require.NoError(t, a.Deliver(context.Background(), "discord:42", kit.Message{Text: "card", Card: &kit.Card{Image: []byte("png")}}))
	require.NoError(t, a.Deliver(context.Background(), "discord:43", kit.Message{Text: "url", Card: &kit.Card{ImageURL: "https://example.invalid/a.png"}}))

	assert.Equal(t, []string{"42", "42", "43"}, f.channels)
	assert.Equal(t, "hi", f.sends[0].Content)
	require.Len(t, f.sends[1].Files, 1)
	require.Len(t, f.sends[2].Embeds, 1)
	assert.Equal(t, "https://example.invalid/a.png", f.sends[2].Embeds[0].Image.URL)
}

func TestDeliverSplitsLongText(t *testing.T) {
	t.Parallel()
	f := &fakeSession{}
	a := &Adapter{log: logx.Nop(), session: f}
	require.NoError(t, a.Deliver(context.Background(), "discord:42", kit.Message{Text: strings.Repeat("x", messageLimit*2+10)}))
	assert.Len(t, f.sends, 3)
}

func TestDeliverRejectsTelegramGroup(t *testing.T) {
	t.Parallel()
	a := &Adapter{log: logx.Nop(), session: &fakeSession{}}
	assert.Error(t, a.Deliver(context.Background(), "telegram:1", kit.Message{Text: "x"}))
}
