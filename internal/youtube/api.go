package youtube

import (
	"context"
	"encoding/json"
	"errors"
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

// DefaultBaseURL is the YouTube Data API v3 root
const DefaultBaseURL = "https://www.googleapis.com/youtube/v3"

// errChatEnded is the API telling us the broadcast is over
var errChatEnded = errors.New("live chat ended")

// videosResponse is the part of videos?part=liveStreamingDetails we use
type videosResponse struct {
	Items []struct {
		ID                   string `json:"id"`
		LiveStreamingDetails struct {
			ActiveLiveChatID string `json:"activeLiveChatId"`
			ActualEndTime    string `json:"actualEndTime"`
		} `json:"liveStreamingDetails"`
	} `json:"items"`
}

// messagesResponse is one page of liveChat/messages
type messagesResponse struct {
	NextPageToken         string            `json:"nextPageToken"`
	PollingIntervalMillis int64             `json:"pollingIntervalMillis"`
	OfflineAt             string            `json:"offlineAt"`
	Items                 []json.RawMessage `json:"items"`
}

// item is a liveChatMessage resource
type item struct {
	ID      string `json:"id"`
	Snippet struct {
		Type               string `json:"type"`
		LiveChatID         string `json:"liveChatId"`
		AuthorChannelID    string `json:"authorChannelId"`
		PublishedAt        string `json:"publishedAt"`
		HasDisplayContent  bool   `json:"hasDisplayContent"`
		DisplayMessage     string `json:"displayMessage"`
		TextMessageDetails struct {
			MessageText string `json:"messageText"`
		} `json:"textMessageDetails"`
	} `json:"snippet"`
	AuthorDetails struct {
		ChannelID       string `json:"channelId"`
		DisplayName     string `json:"displayName"`
		IsVerified      bool   `json:"isVerified"`
		IsChatOwner     bool   `json:"isChatOwner"`
		IsChatSponsor   bool   `json:"isChatSponsor"`
		IsChatModerator bool   `json:"isChatModerator"`
	} `json:"authorDetails"`
}

// apiError is the error body the Data API returns
type apiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Errors  []struct {
			Reason  string `json:"reason"`
			Domain  string `json:"domain"`
			Message string `json:"message"`
		} `json:"errors"`
	} `json:"error"`
}

// get issues one GET against the API and decodes a 200 response into out
func (a *Adapter) get(ctx context.Context, path string, params url.Values, out any) error {
	params.Set("key", a.cfg.APIKey)
	endpoint := fmt.Sprintf("%s/%s?%s", strings.TrimRight(a.cfg.BaseURL, "/"), path, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return chat.NewError(chat.KindProtocol, message.PlatformPoll, path, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return chat.NewError(chat.KindTransport, message.PlatformPoll, path, fmt.Errorf("HTTP request failed: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return chat.NewError(chat.KindTransport, message.PlatformPoll, path, fmt.Errorf("read body: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		return classify(path, resp, body)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return chat.NewError(chat.KindProtocol, message.PlatformPoll, path, fmt.Errorf("JSON decode failed: %w", err))
	}
	return nil
}

// classify maps a non-200 API response to the error taxonomy
func classify(op string, resp *http.Response, body []byte) error {
	var apiErr apiError
	_ = json.Unmarshal(body, &apiErr)

	reason := ""
	if len(apiErr.Error.Errors) > 0 {
		reason = apiErr.Error.Errors[0].Reason
	}
	detail := apiErr.Error.Message
	if detail == "" {
		detail = strings.TrimSpace(string(body))
		if len(detail) > 200 {
			detail = detail[:200]
		}
	}
	err := fmt.Errorf("API returned status %d (%s): %s", resp.StatusCode, reason, detail)

	switch {
	case reason == "liveChatEnded":
		return fmt.Errorf("%s: %w", op, errChatEnded)
	case resp.StatusCode == http.StatusTooManyRequests,
		reason == "rateLimitExceeded",
		reason == "userRateLimitExceeded":
		return chat.RateLimited(message.PlatformPoll, op, parseRetryAfter(resp.Header.Get("Retry-After")), err)
	case resp.StatusCode == http.StatusUnauthorized,
		reason == "keyInvalid",
		reason == "forbidden",
		reason == "accessNotConfigured",
		reason == "ipRefererBlocked":
		return chat.NewError(chat.KindAuthentication, message.PlatformPoll, op, err)
	case resp.StatusCode == http.StatusNotFound,
		reason == "liveChatNotFound",
		reason == "liveChatDisabled",
		reason == "videoNotFound":
		return chat.NewError(chat.KindStreamNotFound, message.PlatformPoll, op, err)
	case resp.StatusCode == http.StatusForbidden && reason == "":
		return chat.NewError(chat.KindAuthentication, message.PlatformPoll, op, err)
	default:
		return chat.NewError(chat.KindTransport, message.PlatformPoll, op, err)
	}
}

// parseRetryAfter accepts delta-seconds or an HTTP date
func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
