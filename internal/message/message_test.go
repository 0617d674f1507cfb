package message

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuild_RequiresIDAndAuthor(t *testing.T) {
	now := time.Now()

	_, err := Build(Message{Author: "alice", Platform: PlatformLine}, now)
	assert.ErrorIs(t, err, ErrMissingID)

	_, err = Build(Message{ID: "1", Author: "  ", Platform: PlatformLine}, now)
	assert.ErrorIs(t, err, ErrMissingAuthor)

	_, err = Build(Message{ID: "1", Author: "alice", Platform: "irc"}, now)
	assert.ErrorIs(t, err, ErrBadPlatform)
}

func TestBuild_DefaultsTimestampToReceipt(t *testing.T) {
	received := time.Date(2025, 12, 30, 10, 30, 0, 0, time.FixedZone("CET", 3600))

	msg, err := Build(Message{ID: "1", Author: "alice", Platform: PlatformPoll}, received)
	require.NoError(t, err)
	assert.True(t, msg.Timestamp.Equal(received))
	assert.Equal(t, time.UTC, msg.Timestamp.Location())

	sent := received.Add(-time.Minute)
	msg, err = Build(Message{ID: "1", Author: "alice", Platform: PlatformPoll, Timestamp: sent}, received)
	require.NoError(t, err)
	assert.True(t, msg.Timestamp.Equal(sent))
}

func TestBuild_NormalizesBadgesAndEmotes(t *testing.T) {
	badges := []string{"VIP", "moderator", "vip", ""}
	emotes := []Emote{{Token: "b", Start: 6, End: 7}, {Token: "a", Start: 0, End: 1}}

	msg, err := Build(Message{
		ID:       "1",
		Author:   "alice",
		Platform: PlatformFramed,
		Badges:   badges,
		Emotes:   emotes,
	}, time.Now())
	require.NoError(t, err)

	assert.Equal(t, []string{"moderator", "vip"}, msg.Badges)
	assert.Equal(t, "a", msg.Emotes[0].Token)
	assert.True(t, msg.HasBadge("Moderator"))
	assert.False(t, msg.HasBadge("subscriber"))

	// the caller's slices are not shared
	emotes[0].Token = "changed"
	assert.Equal(t, "b", msg.Emotes[1].Token)
}

func TestFlagsFromBadges(t *testing.T) {
	f := FlagsFromBadges([]string{"moderator", "founder"})
	assert.Equal(t, Flags{IsModerator: true, IsSubscriber: true}, f)

	merged := f.Or(Flags{IsVIP: true})
	assert.True(t, merged.IsVIP)
	assert.True(t, merged.IsModerator)
}
