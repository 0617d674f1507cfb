package message

import (
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"time"
)

// Platform identifies the transport family a message arrived over
type Platform string

const (
	PlatformPoll   Platform = "poll"   // periodic REST fetch (YouTube)
	PlatformLine   Platform = "line"   // text line protocol (Twitch IRC)
	PlatformFramed Platform = "framed" // framed socket envelope (Kick/Pusher)
)

// Valid reports whether p is one of the known platforms
func (p Platform) Valid() bool {
	switch p {
	case PlatformPoll, PlatformLine, PlatformFramed:
		return true
	}
	return false
}

// Emote describes one emote span inside Content. Start and End are rune
// offsets, End is exclusive.
type Emote struct {
	Token    string `json:"token"`
	ID       string `json:"id,omitempty"`
	Start    int    `json:"start"`
	End      int    `json:"end"`
	ImageRef string `json:"image_ref,omitempty"`
}

// Flags holds the author's role flags. Unreported roles are false.
type Flags struct {
	IsModerator  bool `json:"is_moderator"`
	IsSubscriber bool `json:"is_subscriber"`
	IsVIP        bool `json:"is_vip"`
}

// Message represents a chat message from any platform (YouTube, Twitch, Kick).
// It is a value: once handed to a consumer it is never mutated.
type Message struct {
	ID        string          `json:"id"`                  // Platform-scoped message ID
	Author    string          `json:"author"`              // Display name
	AuthorID  string          `json:"author_id,omitempty"` // Stable user ID, may be empty
	Content   string          `json:"content"`             // Message text
	Timestamp time.Time       `json:"timestamp"`           // Platform time, or receipt time
	Platform  Platform        `json:"platform"`            // Transport family
	Channel   string          `json:"channel,omitempty"`   // Channel, chatroom or video
	Badges    []string        `json:"badges,omitempty"`    // Sorted, unique
	Emotes    []Emote         `json:"emotes,omitempty"`    // Ordered by Start
	Color     string          `json:"color,omitempty"`     // Display color, e.g. #FF0000
	Flags     Flags           `json:"flags"`
	Seq       uint64          `json:"seq"`           // Assigned by the session
	Raw       json.RawMessage `json:"raw,omitempty"` // Platform record, for debugging
}

var (
	ErrMissingID     = errors.New("message has no id")
	ErrMissingAuthor = errors.New("message has no author")
	ErrBadPlatform   = errors.New("message has unknown platform")
)

// Build applies the canonical rules to a freshly decoded message: ID and
// Author must be set, a zero Timestamp becomes receivedAt, badges are
// lower-cased, sorted and de-duplicated, emotes are ordered by position.
// Slices are copied so the result shares nothing with the caller.
func Build(m Message, receivedAt time.Time) (Message, error) {
	m.ID = strings.TrimSpace(m.ID)
	m.Author = strings.TrimSpace(m.Author)
	if m.ID == "" {
		return Message{}, ErrMissingID
	}
	if m.Author == "" {
		return Message{}, ErrMissingAuthor
	}
	if !m.Platform.Valid() {
		return Message{}, ErrBadPlatform
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = receivedAt
	}
	m.Timestamp = m.Timestamp.UTC()

	m.Badges = normalizeBadges(m.Badges)

	if len(m.Emotes) > 0 {
		m.Emotes = slices.Clone(m.Emotes)
		slices.SortStableFunc(m.Emotes, func(a, b Emote) int { return a.Start - b.Start })
	} else {
		m.Emotes = nil
	}
	if len(m.Raw) > 0 {
		m.Raw = slices.Clone(m.Raw)
	}
	return m, nil
}

func normalizeBadges(badges []string) []string {
	if len(badges) == 0 {
		return nil
	}
	out := make([]string, 0, len(badges))
	for _, b := range badges {
		b = strings.ToLower(strings.TrimSpace(b))
		if b != "" {
			out = append(out, b)
		}
	}
	slices.Sort(out)
	out = slices.Compact(out)
	if len(out) == 0 {
		return nil
	}
	return out
}

// HasBadge reports whether the author carries the given badge
func (m Message) HasBadge(badge string) bool {
	_, ok := slices.BinarySearch(m.Badges, strings.ToLower(badge))
	return ok
}

// FlagsFromBadges derives role flags from common badge names
func FlagsFromBadges(badges []string) Flags {
	var f Flags
	for _, b := range badges {
		switch strings.ToLower(b) {
		case "moderator":
			f.IsModerator = true
		case "subscriber", "founder", "member":
			f.IsSubscriber = true
		case "vip":
			f.IsVIP = true
		}
	}
	return f
}

// Or merges two flag sets
func (f Flags) Or(o Flags) Flags {
	return Flags{
		IsModerator:  f.IsModerator || o.IsModerator,
		IsSubscriber: f.IsSubscriber || o.IsSubscriber,
		IsVIP:        f.IsVIP || o.IsVIP,
	}
}
