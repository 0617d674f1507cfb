package config

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"slices"
	"strings"

	"github.com/john/chatstream/internal/message"
)

// Supported platforms
const (
	PlatformYouTube = "youtube"
	PlatformTwitch  = "twitch"
	PlatformKick    = "kick"
)

// ErrPlatformNotSupported is returned when no platform matches a target
var ErrPlatformNotSupported = errors.New("platform not supported")

var (
	videoIDPattern  = regexp.MustCompile(`^[0-9A-Za-z_-]{11}$`)
	videoPathRegexp = regexp.MustCompile(`(?:v=|/)([0-9A-Za-z_-]{11})`)
	namePattern     = regexp.MustCompile(`^[0-9A-Za-z_]{3,}$`)
)

// Target is the stream a session reads from
type Target struct {
	Platform string // youtube, twitch or kick
	Channel  string // video ID, channel name or channel slug
}

// Transport returns the transport family used for the target's platform
func (t Target) Transport() message.Platform {
	switch t.Platform {
	case PlatformYouTube:
		return message.PlatformPoll
	case PlatformTwitch:
		return message.PlatformLine
	default:
		return message.PlatformFramed
	}
}

// SupportedPlatforms returns the platform names ParseTarget recognizes
func SupportedPlatforms() []string {
	return []string{PlatformYouTube, PlatformTwitch, PlatformKick}
}

func isSupported(platform string) bool {
	return slices.Contains(SupportedPlatforms(), platform)
}

// ParseTarget detects the platform from a stream URL or bare identifier.
// An 11 character ID is taken as a YouTube video and any other plain name
// as a Twitch channel.
func ParseTarget(raw string) (Target, error) {
	raw = strings.TrimSpace(raw)
	lower := strings.ToLower(raw)

	switch {
	case strings.Contains(lower, "youtube.com"), strings.Contains(lower, "youtu.be"):
		return youtubeTarget(raw)
	case strings.Contains(lower, "twitch.tv"):
		return pathTarget(raw, PlatformTwitch)
	case strings.Contains(lower, "kick.com"):
		return pathTarget(raw, PlatformKick)
	case videoIDPattern.MatchString(raw):
		return Target{Platform: PlatformYouTube, Channel: raw}, nil
	case namePattern.MatchString(raw):
		return Target{Platform: PlatformTwitch, Channel: lower}, nil
	}
	return Target{}, fmt.Errorf("%w: cannot detect platform from %q", ErrPlatformNotSupported, raw)
}

func youtubeTarget(raw string) (Target, error) {
	u, err := parseURL(raw)
	if err != nil {
		return Target{}, err
	}
	if v := u.Query().Get("v"); videoIDPattern.MatchString(v) {
		return Target{Platform: PlatformYouTube, Channel: v}, nil
	}
	if m := videoPathRegexp.FindStringSubmatch(u.Path); m != nil {
		return Target{Platform: PlatformYouTube, Channel: m[1]}, nil
	}
	return Target{}, fmt.Errorf("no video ID in %q", raw)
}

// pathTarget takes the first path segment as the channel name
func pathTarget(raw, platform string) (Target, error) {
	u, err := parseURL(raw)
	if err != nil {
		return Target{}, err
	}
	name, _, _ := strings.Cut(strings.Trim(u.Path, "/"), "/")
	if name == "" {
		return Target{}, fmt.Errorf("no channel in %q", raw)
	}
	return Target{Platform: platform, Channel: strings.ToLower(name)}, nil
}

func parseURL(raw string) (*url.URL, error) {
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse stream url: %w", err)
	}
	return u, nil
}
