package kick

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/john/chatstream/internal/chat"
	"github.com/john/chatstream/internal/message"
)

func chatFrame(t *testing.T, payload string, asString bool) frame {
	t.Helper()
	data := json.RawMessage(payload)
	if asString {
		b, err := json.Marshal(payload)
		require.NoError(t, err)
		data = b
	}
	return frame{Event: DefaultChatEvent, Channel: testChannel, Data: data}
}

func TestNormalize_FullPayload(t *testing.T) {
	received := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	payload := `{
		"id": "9d5f1c2e",
		"chatroom_id": 42,
		"content": "gg [emote:37226:KEKW] nice",
		"type": "message",
		"created_at": "2024-05-01T11:59:58+00:00",
		"sender": {
			"id": 1234,
			"username": "Alice",
			"slug": "alice",
			"identity": {
				"color": "#FF9D00",
				"badges": [
					{"type": "moderator", "text": "Moderator"},
					{"type": "subscriber", "text": "Subscriber", "count": 3},
					{"type": "", "text": "blank"}
				]
			}
		}
	}`

	for _, asString := range []bool{false, true} {
		e := &event{frame: chatFrame(t, payload, asString), channel: "alice", receivedAt: received}
		m, err := e.Normalize()
		require.NoError(t, err)

		assert.Equal(t, "9d5f1c2e", m.ID)
		assert.Equal(t, "Alice", m.Author)
		assert.Equal(t, "1234", m.AuthorID)
		assert.Equal(t, "gg [emote:37226:KEKW] nice", m.Content)
		assert.Equal(t, time.Date(2024, 5, 1, 11, 59, 58, 0, time.UTC), m.Timestamp)
		assert.Equal(t, message.PlatformFramed, m.Platform)
		assert.Equal(t, "alice", m.Channel)
		assert.Equal(t, []string{"moderator", "subscriber"}, m.Badges)
		assert.Equal(t, "#FF9D00", m.Color)
		assert.Equal(t, message.Flags{IsModerator: true, IsSubscriber: true}, m.Flags)
		require.Len(t, m.Emotes, 1)
		assert.Equal(t, message.Emote{
			Token:    "[emote:37226:KEKW]",
			ID:       "37226",
			Start:    3,
			End:      21,
			ImageRef: "https://files.kick.com/emotes/37226/fullsize",
		}, m.Emotes[0])
		assert.JSONEq(t, payload, string(m.Raw))
	}
}

func TestNormalize_Fallbacks(t *testing.T) {
	received := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	e := &event{frame: chatFrame(t, `{"sender":{"slug":"bob"},"content":""}`, true), channel: "bob", receivedAt: received}

	m, err := e.Normalize()
	require.NoError(t, err)
	assert.NotEmpty(t, m.ID)
	assert.Equal(t, "bob", m.Author)
	assert.Empty(t, m.Content)
	assert.Equal(t, received, m.Timestamp)
	assert.Nil(t, m.Badges)
	assert.Nil(t, m.Emotes)
}

func TestNormalize_Malformed(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"not json", `{broken`},
		{"no sender", `{"id":"1","content":"hi"}`},
		{"sender wrong type", `{"id":"1","sender":42,"content":"hi"}`},
		{"bad created_at", `{"id":"1","sender":"bob","content":"hi","created_at":"yesterday"}`},
		{"bad id", `{"id":true,"sender":"bob","content":"hi"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &event{frame: chatFrame(t, tt.payload, true), receivedAt: time.Now()}
			_, err := e.Normalize()
			require.Error(t, err)
			assert.ErrorIs(t, err, chat.ErrProtocol)
		})
	}
}

func TestParseEmotes(t *testing.T) {
	emotes := parseEmotes("héllo [emote:1:A][emote:22:Bb] end")
	require.Len(t, emotes, 2)
	assert.Equal(t, 6, emotes[0].Start)
	assert.Equal(t, 17, emotes[0].End)
	assert.Equal(t, "1", emotes[0].ID)
	assert.Equal(t, 17, emotes[1].Start)
	assert.Equal(t, "[emote:22:Bb]", emotes[1].Token)

	assert.Nil(t, parseEmotes("no emotes [emote:x:y]"))
}

func TestFlexString(t *testing.T) {
	var v struct {
		A flexString `json:"a"`
		B flexString `json:"b"`
		C flexString `json:"c"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a":"x1","b":12345678901,"c":null}`), &v))
	assert.Equal(t, flexString("x1"), v.A)
	assert.Equal(t, flexString("12345678901"), v.B)
	assert.Empty(t, v.C)

	assert.Error(t, json.Unmarshal([]byte(`{"a":[1]}`), &v))
}

func TestDecodeFrame(t *testing.T) {
	f, err := decodeFrame([]byte(`{"event":"pusher:connection_established","data":"{\"socket_id\":\"1.2\",\"activity_timeout\":30}"}`))
	require.NoError(t, err)

	var d establishedData
	require.NoError(t, f.decodeData(&d))
	assert.Equal(t, "1.2", d.SocketID)
	assert.Equal(t, 30, d.ActivityTimeout)

	_, err = decodeFrame([]byte(`{"channel":"x"}`))
	assert.Error(t, err)
	_, err = decodeFrame([]byte(`nope`))
	assert.Error(t, err)
}

func TestClassifyCode(t *testing.T) {
	tests := []struct {
		code int
		want error
	}{
		{4001, chat.ErrAuthentication},
		{4003, chat.ErrAuthentication},
		{4009, chat.ErrAuthentication},
		{4004, chat.ErrProtocol},
		{4100, chat.ErrTransport},
		{4201, chat.ErrTransport},
		{0, chat.ErrTransport},
	}
	for _, tt := range tests {
		err := classifyCode(tt.code, "x")
		assert.ErrorIs(t, err, tt.want, "code %d", tt.code)
	}
}

func TestPusherError_NoCode(t *testing.T) {
	err := pusherError(frame{Event: eventError, Data: json.RawMessage(`{"message":"oops","code":null}`)})
	assert.ErrorIs(t, err, chat.ErrTransport)
}

func TestResolver(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/channels/xqc":
			assert.NotEmpty(t, r.Header.Get("User-Agent"))
			_, _ = w.Write([]byte(`{"id":668,"slug":"xqc","chatroom":{"id":668}}`))
		case "/channels/noroom":
			_, _ = w.Write([]byte(`{"id":5,"slug":"noroom","chatroom":{}}`))
		case "/channels/garbled":
			_, _ = w.Write([]byte(`<html>`))
		case "/channels/busy":
			w.Header().Set("Retry-After", "30")
			w.WriteHeader(http.StatusTooManyRequests)
		case "/channels/down":
			w.WriteHeader(http.StatusBadGateway)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	r := NewResolver(srv.URL+"/", nil)
	ctx := testContext(t)

	ch, err := r.Resolve(ctx, " XQC ")
	require.NoError(t, err)
	assert.Equal(t, Channel{ID: 668, Slug: "xqc", ChatroomID: 668}, ch)

	_, err = r.Resolve(ctx, "missing")
	assert.ErrorIs(t, err, chat.ErrStreamNotFound)

	_, err = r.Resolve(ctx, "noroom")
	assert.ErrorIs(t, err, chat.ErrStreamNotFound)

	_, err = r.Resolve(ctx, "")
	assert.ErrorIs(t, err, chat.ErrStreamNotFound)

	_, err = r.Resolve(ctx, "garbled")
	assert.ErrorIs(t, err, chat.ErrProtocol)

	_, err = r.Resolve(ctx, "down")
	assert.ErrorIs(t, err, chat.ErrConnect)

	_, err = r.Resolve(ctx, "busy")
	assert.ErrorIs(t, err, chat.ErrRateLimited)
	retry, ok := chat.RetryAfter(err)
	assert.True(t, ok)
	assert.Equal(t, 30*time.Second, retry)
}
