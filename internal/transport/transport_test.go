package transport

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseGroup(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		want Group
		str  string
		err  bool
	}{
		{in: "telegram:-1001234", want: Group{Channel: ChannelTelegram, ChatID: -1001234}, str: "telegram:-1001234"},
		{in: " Telegram:-100:7 ", want: Group{Channel: ChannelTelegram, ChatID: -100, ThreadID: 7}, str: "telegram:-100:7"},
		{in: "telegram:-100:0", want: Group{Channel: ChannelTelegram, ChatID: -100}, str: "telegram:-100"},
		{in: "discord:112233445566", want: Group{Channel: ChannelDiscord, ChannelID: "112233445566"}, str: "discord:112233445566"},
		{in: "telegram:abc", err: true},
		{in: "telegram:0", err: true},
		{in: "telegram:-100:x", err: true},
		{in: "discord:general", err: true},
		{in: "slack:C123", err: true},
		{in: "nocolon", err: true},
		{in: "", err: true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseGroup(tc.in)
			if tc.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, tc.str, got.String())
		})
	}
}

func TestMuxRoutesOnPrefix(t *testing.T) {
	t.Parallel()
	var got []string
	rec := func(name string) Deliverer {
		return DelivererFunc(func(_ context.Context, group string, msg Message) error {
			got = append(got, name+"|"+group+"|"+msg.Text)
			return nil
		})
	}
	m := NewMux()
	m.Handle(ChannelTelegram, rec("tg"))
	m.Handle(ChannelDiscord, rec("dc"))

	require.NoError(t, m.Deliver(context.Background(), "telegram:-100:0", Message{Text: "a"}))
	require.NoError(t, m.Deliver(context.Background(), "discord:42", Message{Text: "b"}))
	require.NoError(t, m.SendText(context.Background(), "telegram:5", "c"))
	assert.Equal(t, []string{"tg|telegram:-100|a", "dc|discord:42|b", "tg|telegram:5|c"}, got)

	m.Handle(ChannelDiscord, nil)
	err := m.Deliver(context.Background(), "discord:42", Message{Text: "x"})
	assert.ErrorIs(t, err, ErrNoRoute)
}

func TestInboundGroup(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "telegram:-100:3", Inbound{ChatID: -100, ThreadID: 3}.Group())
	assert.Equal(t, "telegram:9", Inbound{ChatID: 9}.Group())
}
