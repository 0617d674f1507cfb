package kick

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/john/chatstream/internal/chat"
	"github.com/john/chatstream/internal/message"
)

// DefaultAPIBaseURL is the Kick REST API root used for chatroom lookups
const DefaultAPIBaseURL = "https://kick.com/api/v2"

// channelResponse is the part of /channels/{slug} we use
type channelResponse struct {
	ID       int    `json:"id"`
	Slug     string `json:"slug"`
	Chatroom struct {
		ID int `json:"id"`
	} `json:"chatroom"`
}

// Channel identifies a Kick channel and its chatroom
type Channel struct {
	ID         int    `yaml:"id"`
	Slug       string `yaml:"slug"`
	ChatroomID int    `yaml:"chatroom_id"`
}

// Resolver looks up chatroom IDs from channel slugs
type Resolver struct {
	baseURL string
	client  *http.Client
}

// NewResolver creates a resolver. Empty arguments select the defaults.
func NewResolver(baseURL string, client *http.Client) *Resolver {
	if baseURL == "" {
		baseURL = DefaultAPIBaseURL
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Resolver{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

// Resolve fetches channel information for slug
func (r *Resolver) Resolve(ctx context.Context, slug string) (Channel, error) {
	slug = strings.ToLower(strings.TrimSpace(slug))
	if slug == "" {
		return Channel{}, chat.Errorf(chat.KindStreamNotFound, message.PlatformFramed, "resolve", "empty channel slug")
	}

	endpoint := fmt.Sprintf("%s/channels/%s", r.baseURL, url.PathEscape(slug))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Channel{}, chat.NewError(chat.KindProtocol, message.PlatformFramed, "resolve", fmt.Errorf("create request: %w", err))
	}

	// The API sits behind Cloudflare, which rejects requests that do not look
	// like they come from a browser
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/143.0.0.0 Safari/537.36")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Referer", "https://kick.com/")
	req.Header.Set("Origin", "https://kick.com")
	req.Header.Set("Sec-Fetch-Dest", "empty")
	req.Header.Set("Sec-Fetch-Mode", "cors")
	req.Header.Set("Sec-Fetch-Site", "same-origin")

	resp, err := r.client.Do(req)
	if err != nil {
		return Channel{}, chat.NewError(chat.KindConnect, message.PlatformFramed, "resolve", fmt.Errorf("HTTP request failed: %w", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Channel{}, chat.Errorf(chat.KindStreamNotFound, message.PlatformFramed, "resolve", "channel %s not found", slug)
	case resp.StatusCode == http.StatusTooManyRequests:
		retry, _ := strconv.Atoi(resp.Header.Get("Retry-After"))
		return Channel{}, chat.RateLimited(message.PlatformFramed, "resolve", time.Duration(retry)*time.Second,
			fmt.Errorf("API returned status %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Channel{}, chat.Errorf(chat.KindConnect, message.PlatformFramed, "resolve", "API returned status %d: %s", resp.StatusCode, string(body))
	}

	var info channelResponse
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return Channel{}, chat.NewError(chat.KindProtocol, message.PlatformFramed, "resolve", fmt.Errorf("JSON decode failed: %w", err))
	}
	if info.Chatroom.ID == 0 {
		return Channel{}, chat.Errorf(chat.KindStreamNotFound, message.PlatformFramed, "resolve", "channel %s has no chatroom", slug)
	}

	if info.Slug == "" {
		info.Slug = slug
	}
	return Channel{ID: info.ID, Slug: info.Slug, ChatroomID: info.Chatroom.ID}, nil
}
