// Package youtube reads live chat through the YouTube Data API by polling
// liveChat/messages at the interval the API asks for.
package youtube

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/rs/zerolog"

	"github.com/john/chatstream/internal/chat"
	"github.com/john/chatstream/internal/dedupe"
	"github.com/john/chatstream/internal/message"
	"github.com/john/chatstream/internal/metrics"
)

// Defaults for Config fields left at zero
const (
	DefaultMinPollInterval      = 1 * time.Second
	DefaultMaxConsecutiveErrors = 5
	DefaultRequestTimeout       = 10 * time.Second

	seenWindow = 200
)

// Config holds the poll adapter settings
type Config struct {
	VideoID              string
	LiveChatID           string // skips the videos lookup when set
	APIKey               string
	BaseURL              string
	MinPollInterval      time.Duration
	MaxConsecutiveErrors int
	QueueSize            int
	HTTPClient           *http.Client
}

// Adapter polls one live chat
type Adapter struct {
	cfg    Config
	client *http.Client
	logger zerolog.Logger
	sleep  chat.SleepFunc
	now    func() time.Time

	liveChatID string
	pageToken  string
	interval   time.Duration
	seen       *dedupe.Window
	lastPage   map[string]struct{}

	shutdown chat.Shutdown
}

// Option configures an Adapter
type Option func(*Adapter)

// WithLogger sets the adapter logger
func WithLogger(logger zerolog.Logger) Option {
	return func(a *Adapter) {
		a.logger = logger.With().Str("component", "youtube").Logger()
	}
}

// New creates a new poll adapter
func New(cfg Config, opts ...Option) *Adapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.MinPollInterval <= 0 {
		cfg.MinPollInterval = DefaultMinPollInterval
	}
	if cfg.MaxConsecutiveErrors <= 0 {
		cfg.MaxConsecutiveErrors = DefaultMaxConsecutiveErrors
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = chat.DefaultQueueSize
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: DefaultRequestTimeout}
	}

	a := &Adapter{
		cfg:        cfg,
		client:     client,
		logger:     zerolog.Nop(),
		sleep:      chat.Sleep,
		now:        time.Now,
		liveChatID: cfg.LiveChatID,
		interval:   cfg.MinPollInterval,
		seen:       dedupe.NewWindow(seenWindow),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Platform returns the transport family
func (a *Adapter) Platform() message.Platform {
	return message.PlatformPoll
}

// Open validates credentials and resolves the live chat ID
func (a *Adapter) Open(ctx context.Context) error {
	if a.shutdown.Fired() {
		return chat.NewError(chat.KindConnect, message.PlatformPoll, "open", chat.ErrClosed)
	}
	if a.cfg.APIKey == "" {
		return chat.Errorf(chat.KindAuthentication, message.PlatformPoll, "open", "API key is required")
	}
	if a.liveChatID != "" {
		return nil
	}
	if a.cfg.VideoID == "" {
		return chat.Errorf(chat.KindStreamNotFound, message.PlatformPoll, "open", "no video ID configured")
	}

	ctx, cancel := a.shutdown.Bind(ctx)
	defer cancel()

	var videos videosResponse
	params := url.Values{
		"part": {"liveStreamingDetails"},
		"id":   {a.cfg.VideoID},
	}
	if err := a.get(ctx, "videos", params, &videos); err != nil {
		return err
	}
	if len(videos.Items) == 0 {
		return chat.Errorf(chat.KindStreamNotFound, message.PlatformPoll, "open", "video %s not found", a.cfg.VideoID)
	}

	chatID := videos.Items[0].LiveStreamingDetails.ActiveLiveChatID
	if chatID == "" {
		return chat.Errorf(chat.KindStreamNotFound, message.PlatformPoll, "open", "video %s is not live", a.cfg.VideoID)
	}

	a.liveChatID = chatID
	a.logger.Info().Str("video", a.cfg.VideoID).Str("live_chat_id", chatID).Msg("Resolved live chat")
	return nil
}

// Produce polls until the chat ends, a terminal error occurs, or the
// consumer stops.
func (a *Adapter) Produce(ctx context.Context) iter.Seq2[chat.RawEvent, error] {
	return chat.Pump(ctx, a.cfg.QueueSize, a.run)
}

// Close stops polling and aborts any in-flight request
func (a *Adapter) Close() {
	if a.shutdown.Trigger() {
		a.logger.Info().Msg("Poll adapter closed")
	}
}

func (a *Adapter) run(ctx context.Context, emit chat.Emit) error {
	if a.shutdown.Fired() {
		return nil
	}
	ctx, cancel := a.shutdown.Bind(ctx)
	defer cancel()

	err := a.poll(ctx, emit)
	if a.shutdown.Fired() {
		return nil
	}
	return err
}

// poll is the fetch loop. The first fetch happens immediately.
func (a *Adapter) poll(ctx context.Context, emit chat.Emit) error {
	failures := 0
	var wait time.Duration

	for first := true; ; first = false {
		if !first {
			if err := a.sleep(ctx, wait); err != nil {
				return err
			}
		}

		page, err := a.fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			switch {
			case errors.Is(err, errChatEnded):
				metrics.PollRequests.WithLabelValues("ended").Inc()
				a.logger.Info().Msg("Live chat ended")
				return nil
			case errors.Is(err, chat.ErrRateLimited):
				metrics.PollRequests.WithLabelValues("rate_limited").Inc()
				wait = a.interval
				if d, ok := chat.RetryAfter(err); ok && d > wait {
					wait = d
				}
				a.logger.Warn().Dur("wait", wait).Msg("Rate limited, backing off")
				continue
			case errors.Is(err, chat.ErrAuthentication):
				metrics.PollRequests.WithLabelValues("error").Inc()
				return err
			}

			metrics.PollRequests.WithLabelValues("error").Inc()
			failures++
			a.logger.Warn().Err(err).Int("failures", failures).Msg("Poll failed")
			if failures >= a.cfg.MaxConsecutiveErrors {
				if errors.Is(err, chat.ErrStreamNotFound) {
					return err
				}
				return chat.NewError(chat.KindTransport, message.PlatformPoll, "poll",
					fmt.Errorf("%d consecutive failures: %w", failures, err))
			}
			wait = a.interval
			continue
		}

		metrics.PollRequests.WithLabelValues("ok").Inc()
		failures = 0

		ended, ok := a.deliver(page, emit)
		if !ok {
			return ctx.Err()
		}

		if page.NextPageToken != "" {
			a.pageToken = page.NextPageToken
		}
		a.interval = a.clampInterval(page.PollingIntervalMillis)

		if ended || page.OfflineAt != "" {
			metrics.PollRequests.WithLabelValues("ended").Inc()
			a.logger.Info().Str("offline_at", page.OfflineAt).Msg("Live chat ended")
			return nil
		}
		wait = a.interval
	}
}

func (a *Adapter) fetch(ctx context.Context) (*messagesResponse, error) {
	params := url.Values{
		"liveChatId": {a.liveChatID},
		"part":       {"snippet,authorDetails"},
		"maxResults": {"2000"},
	}
	if a.pageToken != "" {
		params.Set("pageToken", a.pageToken)
	}

	var page messagesResponse
	if err := a.get(ctx, "liveChat/messages", params, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// deliver emits one page. It reports whether the page carried a chat-ended
// item and whether the consumer is still accepting events.
func (a *Adapter) deliver(page *messagesResponse, emit chat.Emit) (bool, bool) {
	receivedAt := a.now()
	items := make([]*event, 0, len(page.Items))

	for _, raw := range page.Items {
		ev := &event{raw: raw, channel: a.cfg.VideoID, receivedAt: receivedAt}
		var it item
		if err := json.Unmarshal(raw, &it); err != nil {
			ev.decodeErr = fmt.Errorf("decode item: %w", err)
			if !emit(ev) {
				return false, false
			}
			continue
		}
		ev.item = &it
		ev.published, _ = time.Parse(time.RFC3339Nano, it.Snippet.PublishedAt)
		items = append(items, ev)
	}

	slices.SortStableFunc(items, func(x, y *event) int {
		return x.published.Compare(y.published)
	})

	// a replayed page can outgrow the window, so the previous page's IDs are kept whole
	current := make(map[string]struct{}, len(items))
	defer func() { a.lastPage = current }()

	ended := false
	for _, ev := range items {
		switch {
		case ev.item.Snippet.Type == chatEndedType:
			ended = true
			continue
		case !chatTypes[ev.item.Snippet.Type]:
			continue
		}

		id := ev.item.ID
		_, replayed := a.lastPage[id]
		if id != "" {
			current[id] = struct{}{}
		}
		if a.seen.Seen(id) || replayed {
			continue
		}
		if !emit(ev) {
			return ended, false
		}
	}
	return ended, true
}

func (a *Adapter) clampInterval(millis int64) time.Duration {
	d := time.Duration(millis) * time.Millisecond
	if d < a.cfg.MinPollInterval {
		return a.cfg.MinPollInterval
	}
	return d
}
