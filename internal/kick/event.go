package kick

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/john/chatstream/internal/chat"
	"github.com/john/chatstream/internal/message"
)

const emoteURL = "https://files.kick.com/emotes/%s/fullsize"

var emotePattern = regexp.MustCompile(`\[emote:(\d+):([^\]]+)\]`)

// chatPayload is the decoded data of a chat event. Kick has shipped two
// shapes: sender as an object and sender as a bare name, text as content or
// text.
type chatPayload struct {
	ID         flexString      `json:"id"`
	ChatroomID flexString      `json:"chatroom_id"`
	Content    *string         `json:"content"`
	Text       *string         `json:"text"`
	Type       string          `json:"type"`
	CreatedAt  string          `json:"created_at"`
	Sender     json.RawMessage `json:"sender"`
}

type sender struct {
	ID       flexString `json:"id"`
	Username string     `json:"username"`
	Slug     string     `json:"slug"`
	Identity struct {
		Color  string `json:"color"`
		Badges []struct {
			Type  string `json:"type"`
			Text  string `json:"text"`
			Count int    `json:"count"`
		} `json:"badges"`
	} `json:"identity"`
}

// event is one chat frame for the subscribed chatroom
type event struct {
	frame      frame
	channel    string
	receivedAt time.Time
}

// Normalize converts a chat frame into a canonical message
func (e *event) Normalize() (message.Message, error) {
	raw, err := e.frame.payload()
	if err != nil {
		return message.Message{}, chat.NewError(chat.KindProtocol, message.PlatformFramed, "normalize", err)
	}

	var p chatPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return message.Message{}, chat.NewError(chat.KindProtocol, message.PlatformFramed, "normalize", fmt.Errorf("decode chat payload: %w", err))
	}

	s, err := decodeSender(p.Sender)
	if err != nil {
		return message.Message{}, chat.NewError(chat.KindProtocol, message.PlatformFramed, "normalize", err)
	}

	content := ""
	switch {
	case p.Content != nil:
		content = *p.Content
	case p.Text != nil:
		content = *p.Text
	}

	var ts time.Time
	if p.CreatedAt != "" {
		ts, err = time.Parse(time.RFC3339Nano, p.CreatedAt)
		if err != nil {
			return message.Message{}, chat.NewError(chat.KindProtocol, message.PlatformFramed, "normalize", fmt.Errorf("parse created_at: %w", err))
		}
	}

	id := string(p.ID)
	if id == "" {
		id = uuid.NewString()
	}

	var badges []string
	for _, b := range s.Identity.Badges {
		if b.Type != "" {
			badges = append(badges, b.Type)
		}
	}

	msg, err := message.Build(message.Message{
		ID:        id,
		Author:    s.Username,
		AuthorID:  string(s.ID),
		Content:   content,
		Timestamp: ts,
		Platform:  message.PlatformFramed,
		Channel:   e.channel,
		Badges:    badges,
		Emotes:    parseEmotes(content),
		Color:     s.Identity.Color,
		Flags:     message.FlagsFromBadges(badges),
		Raw:       bytes.Clone(raw),
	}, e.receivedAt)
	if err != nil {
		return message.Message{}, chat.NewError(chat.KindProtocol, message.PlatformFramed, "normalize", err)
	}
	return msg, nil
}

// decodeSender accepts either a sender object or a bare username
func decodeSender(raw json.RawMessage) (sender, error) {
	var s sender
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return s, nil
	}
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s.Username); err != nil {
			return s, fmt.Errorf("decode sender: %w", err)
		}
		return s, nil
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return s, fmt.Errorf("decode sender: %w", err)
	}
	if s.Username == "" {
		s.Username = s.Slug
	}
	return s, nil
}

// parseEmotes finds [emote:<id>:<name>] tokens. Offsets are in code points.
func parseEmotes(content string) []message.Emote {
	matches := emotePattern.FindAllStringSubmatchIndex(content, -1)
	if len(matches) == 0 {
		return nil
	}

	emotes := make([]message.Emote, 0, len(matches))
	for _, m := range matches {
		start := utf8.RuneCountInString(content[:m[0]])
		token := content[m[0]:m[1]]
		id := content[m[2]:m[3]]
		emotes = append(emotes, message.Emote{
			Token:    token,
			ID:       id,
			Start:    start,
			End:      start + utf8.RuneCountInString(token),
			ImageRef: fmt.Sprintf(emoteURL, id),
		})
	}
	return emotes
}
