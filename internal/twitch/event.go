package twitch

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	twitchirc "github.com/gempir/go-twitch-irc/v4"
	"github.com/google/uuid"

	"github.com/john/chatstream/internal/chat"
	"github.com/john/chatstream/internal/message"
)

const emoteURL = "https://static-cdn.jtvnw.net/emoticons/v2/%s/default/dark/1.0"

// event is one PRIVMSG for the joined channel
type event struct {
	msg        *twitchirc.PrivateMessage
	receivedAt time.Time
}

func newEvent(m *twitchirc.PrivateMessage, receivedAt time.Time) *event {
	return &event{msg: m, receivedAt: receivedAt}
}

// rawLine is what ends up in Message.Raw
type rawLine struct {
	Tags map[string]string `json:"tags,omitempty"`
	Line string            `json:"line"`
}

// Normalize converts a PRIVMSG into a canonical message
func (e *event) Normalize() (message.Message, error) {
	m := e.msg
	tags := m.Tags

	ts, err := sentTime(tags["tmi-sent-ts"])
	if err != nil {
		return message.Message{}, chat.NewError(chat.KindProtocol, message.PlatformLine, "normalize", err)
	}

	emotes, err := parseEmotes(tags["emotes"], m.Message)
	if err != nil {
		return message.Message{}, chat.NewError(chat.KindProtocol, message.PlatformLine, "normalize", err)
	}

	author := tags["display-name"]
	if author == "" {
		author = m.User.DisplayName
	}
	if author == "" {
		author = m.User.Name
	}

	id := tags["id"]
	if id == "" {
		id = uuid.NewString()
	}

	badges := make([]string, 0, len(m.User.Badges))
	for badge := range m.User.Badges {
		badges = append(badges, badge)
	}

	color := tags["color"]
	if color == "" {
		color = m.User.Color
	}

	flags := message.Flags{
		IsModerator:  tags["mod"] == "1",
		IsSubscriber: tags["subscriber"] == "1",
		IsVIP:        tags["vip"] == "1",
	}.Or(message.FlagsFromBadges(badges))

	raw, err := json.Marshal(rawLine{Tags: tags, Line: m.Raw})
	if err != nil {
		return message.Message{}, chat.NewError(chat.KindProtocol, message.PlatformLine, "normalize", err)
	}

	msg, err := message.Build(message.Message{
		ID:        id,
		Author:    author,
		AuthorID:  firstNonEmpty(tags["user-id"], m.User.ID),
		Content:   m.Message,
		Timestamp: ts,
		Platform:  message.PlatformLine,
		Channel:   strings.TrimPrefix(m.Channel, "#"),
		Badges:    badges,
		Emotes:    emotes,
		Color:     color,
		Flags:     flags,
		Raw:       raw,
	}, e.receivedAt)
	if err != nil {
		return message.Message{}, chat.NewError(chat.KindProtocol, message.PlatformLine, "normalize", err)
	}
	return msg, nil
}

// sentTime parses the tmi-sent-ts tag (unix milliseconds). A missing tag
// yields the zero time so the receipt time is used.
func sentTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse tmi-sent-ts %q: %w", v, err)
	}
	return time.UnixMilli(ms).UTC(), nil
}

// parseEmotes decodes the emotes tag, "id:start-end,start-end/id:start-end",
// where positions are inclusive code point offsets into the message text.
func parseEmotes(tag, content string) ([]message.Emote, error) {
	if tag == "" {
		return nil, nil
	}
	runes := []rune(content)

	var emotes []message.Emote
	for _, group := range strings.Split(tag, "/") {
		id, spans, ok := strings.Cut(group, ":")
		if !ok || id == "" {
			return nil, fmt.Errorf("malformed emote group %q", group)
		}
		for _, span := range strings.Split(spans, ",") {
			from, to, ok := strings.Cut(span, "-")
			if !ok {
				return nil, fmt.Errorf("malformed emote span %q", span)
			}
			start, err := strconv.Atoi(from)
			if err != nil {
				return nil, fmt.Errorf("parse emote start %q: %w", from, err)
			}
			end, err := strconv.Atoi(to)
			if err != nil {
				return nil, fmt.Errorf("parse emote end %q: %w", to, err)
			}
			if start < 0 || end < start || end >= len(runes) {
				return nil, fmt.Errorf("emote span %d-%d outside message of length %d", start, end, len(runes))
			}
			emotes = append(emotes, message.Emote{
				Token:    string(runes[start : end+1]),
				ID:       id,
				Start:    start,
				End:      end + 1,
				ImageRef: fmt.Sprintf(emoteURL, id),
			})
		}
	}
	return emotes, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
