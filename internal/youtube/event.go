package youtube

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/john/chatstream/internal/chat"
	"github.com/john/chatstream/internal/message"
)

// Item types that carry chat text
var chatTypes = map[string]bool{
	"textMessageEvent":  true,
	"superChatEvent":    true,
	"superStickerEvent": true,
}

const chatEndedType = "chatEndedEvent"

// event is one liveChatMessage as fetched, or an item that failed to decode
type event struct {
	item       *item
	raw        json.RawMessage
	decodeErr  error
	channel    string
	published  time.Time // zero when absent or unparsable
	receivedAt time.Time
}

// Normalize converts a YouTube chat item into a canonical message
func (e *event) Normalize() (message.Message, error) {
	if e.decodeErr != nil {
		return message.Message{}, chat.NewError(chat.KindProtocol, message.PlatformPoll, "decode item", e.decodeErr)
	}
	it := e.item

	var ts time.Time
	if it.Snippet.PublishedAt != "" {
		parsed, err := time.Parse(time.RFC3339Nano, it.Snippet.PublishedAt)
		if err != nil {
			return message.Message{}, chat.NewError(chat.KindProtocol, message.PlatformPoll, "parse publishedAt", err)
		}
		ts = parsed
	}

	content := it.Snippet.DisplayMessage
	if content == "" {
		content = it.Snippet.TextMessageDetails.MessageText
	}

	authorID := it.AuthorDetails.ChannelID
	if authorID == "" {
		authorID = it.Snippet.AuthorChannelID
	}

	channel := e.channel
	if channel == "" {
		channel = it.Snippet.LiveChatID
	}

	badges := extractBadges(it)
	msg, err := message.Build(message.Message{
		ID:        it.ID,
		Author:    it.AuthorDetails.DisplayName,
		AuthorID:  authorID,
		Content:   content,
		Timestamp: ts,
		Platform:  message.PlatformPoll,
		Channel:   channel,
		Badges:    badges,
		Flags: message.Flags{
			IsModerator:  it.AuthorDetails.IsChatModerator,
			IsSubscriber: it.AuthorDetails.IsChatSponsor,
		},
		Raw: e.raw,
	}, e.receivedAt)
	if err != nil {
		return message.Message{}, chat.NewError(chat.KindProtocol, message.PlatformPoll, "normalize", fmt.Errorf("item %q: %w", it.ID, err))
	}
	return msg, nil
}

// extractBadges maps author details to badge names
func extractBadges(it *item) []string {
	var badges []string
	if it.AuthorDetails.IsChatOwner {
		badges = append(badges, "owner")
	}
	if it.AuthorDetails.IsChatModerator {
		badges = append(badges, "moderator")
	}
	if it.AuthorDetails.IsChatSponsor {
		badges = append(badges, "member")
	}
	if it.AuthorDetails.IsVerified {
		badges = append(badges, "verified")
	}
	return badges
}
