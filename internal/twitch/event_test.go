package twitch

import (
	"encoding/json"
	"testing"
	"time"

	twitchirc "github.com/gempir/go-twitch-irc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/john/chatstream/internal/chat"
	"github.com/john/chatstream/internal/message"
)

func privmsg(t *testing.T, line string) *twitchirc.PrivateMessage {
	t.Helper()
	msg, err := parseLine(line)
	require.NoError(t, err)
	pm, ok := msg.(*twitchirc.PrivateMessage)
	require.True(t, ok, "expected PRIVMSG, got %T", msg)
	return pm
}

func TestNormalize_FullTags(t *testing.T) {
	line := "@badge-info=subscriber/8;badges=subscriber/6,vip/1;color=#1E90FF;display-name=Bob;" +
		"emotes=25:6-10;id=abc-123;mod=0;subscriber=1;tmi-sent-ts=1714564800000;user-id=42;vip=1 " +
		":bob!bob@bob.tmi.twitch.tv PRIVMSG #chan :hello Kappa"
	received := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

	m, err := newEvent(privmsg(t, line), received).Normalize()
	require.NoError(t, err)

	assert.Equal(t, "abc-123", m.ID)
	assert.Equal(t, "Bob", m.Author)
	assert.Equal(t, "42", m.AuthorID)
	assert.Equal(t, "hello Kappa", m.Content)
	assert.Equal(t, "chan", m.Channel)
	assert.Equal(t, "#1E90FF", m.Color)
	assert.Equal(t, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), m.Timestamp)
	assert.Equal(t, []string{"subscriber", "vip"}, m.Badges)
	assert.Equal(t, message.Flags{IsSubscriber: true, IsVIP: true}, m.Flags)

	require.Len(t, m.Emotes, 1)
	assert.Equal(t, message.Emote{
		Token:    "Kappa",
		ID:       "25",
		Start:    6,
		End:      11,
		ImageRef: "https://static-cdn.jtvnw.net/emoticons/v2/25/default/dark/1.0",
	}, m.Emotes[0])

	var raw rawLine
	require.NoError(t, json.Unmarshal(m.Raw, &raw))
	assert.Equal(t, line, raw.Line)
	assert.Equal(t, "abc-123", raw.Tags["id"])
}

func TestNormalize_Fallbacks(t *testing.T) {
	received := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	m, err := newEvent(privmsg(t, ":carol!carol@host PRIVMSG #chan :plain"), received).Normalize()
	require.NoError(t, err)

	assert.Equal(t, "carol", m.Author)
	assert.NotEmpty(t, m.ID)
	assert.Equal(t, received, m.Timestamp)
	assert.Empty(t, m.Badges)
	assert.Empty(t, m.Emotes)
}

func TestNormalize_Malformed(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"bad timestamp", "@tmi-sent-ts=soon :bob!bob@host PRIVMSG #chan :hi"},
		{"emote out of range", "@emotes=25:0-40 :bob!bob@host PRIVMSG #chan :hi"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := &event{msg: privmsg(t, tt.line), receivedAt: time.Now()}
			_, err := ev.Normalize()
			assert.ErrorIs(t, err, chat.ErrProtocol)
		})
	}
}

func TestParseEmotes(t *testing.T) {
	emotes, err := parseEmotes("25:2-6,14-18/1902:8-12", "🎉 Kappa Keepo Kappa")
	require.NoError(t, err)
	require.Len(t, emotes, 3)

	assert.Equal(t, "Kappa", emotes[0].Token)
	assert.Equal(t, 2, emotes[0].Start)
	assert.Equal(t, 7, emotes[0].End)
	assert.Equal(t, "Kappa", emotes[1].Token)
	assert.Equal(t, "Keepo", emotes[2].Token)
	assert.Equal(t, "1902", emotes[2].ID)

	none, err := parseEmotes("", "text")
	require.NoError(t, err)
	assert.Nil(t, none)

	for _, bad := range []string{"25", ":0-1", "25:1", "25:a-2", "25:3-1", "25:0-99"} {
		_, err := parseEmotes(bad, "text")
		assert.Error(t, err, bad)
	}
}

func TestNoticeError(t *testing.T) {
	auth := noticeError(&twitchirc.NoticeMessage{Message: "Login authentication failed"})
	assert.ErrorIs(t, auth, chat.ErrAuthentication)

	banned := noticeError(&twitchirc.NoticeMessage{MsgID: "msg_banned", Message: "You are permanently banned"})
	assert.ErrorIs(t, banned, chat.ErrStreamNotFound)

	assert.NoError(t, noticeError(&twitchirc.NoticeMessage{MsgID: "emote_only_on", Message: "This room is in emote-only mode."}))
}
