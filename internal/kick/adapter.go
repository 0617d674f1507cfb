// Package kick reads chat from Kick, which publishes chatroom events over a
// Pusher WebSocket. The Pusher handshake, keep-alive and reconnection are
// handled here; the chatroom ID comes from the Kick REST API.
package kick

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/john/chatstream/internal/chat"
	"github.com/john/chatstream/internal/message"
	"github.com/john/chatstream/internal/metrics"
)

// Defaults for Config fields left at zero
const (
	DefaultSocketURL        = "wss://ws-us2.pusher.com/app/32cbd69e4b950bf97679?protocol=7&client=js&flash=false"
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultAckTimeout       = 10 * time.Second
	DefaultKeepAlive        = 120 * time.Second

	writeTimeout = 5 * time.Second
)

// Config holds the framed adapter settings
type Config struct {
	Channel          string // channel slug
	ChatroomID       int    // skips the REST lookup when set
	SocketURL        string
	APIBaseURL       string
	InitEvent        string // frame sent right after the dial, if the server expects one
	ChatEvents       []string
	HandshakeTimeout time.Duration
	AckTimeout       time.Duration
	KeepAlive        time.Duration // 0 uses the server's activity_timeout
	Reconnect        chat.ReconnectPolicy
	QueueSize        int
	HTTPClient       *http.Client
}

// Adapter is a single-chatroom Kick reader
type Adapter struct {
	cfg        Config
	resolver   *Resolver
	dialer     *websocket.Dialer
	chatEvents map[string]bool
	logger     zerolog.Logger
	sleep      chat.SleepFunc
	now        func() time.Time

	mu         sync.Mutex
	conn       *websocket.Conn
	chatroomID int
	socketID   string
	keepAlive  time.Duration
	pending    []chat.RawEvent
	onState    func(chat.State)

	shutdown chat.Shutdown
}

// Option configures an Adapter
type Option func(*Adapter)

// WithLogger sets the adapter logger
func WithLogger(logger zerolog.Logger) Option {
	return func(a *Adapter) {
		a.logger = logger.With().Str("component", "kick").Logger()
	}
}

// New creates a new Kick adapter
func New(cfg Config, opts ...Option) *Adapter {
	if cfg.SocketURL == "" {
		cfg.SocketURL = DefaultSocketURL
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = chat.DefaultQueueSize
	}
	if len(cfg.ChatEvents) == 0 {
		cfg.ChatEvents = []string{DefaultChatEvent}
	}
	cfg.Reconnect = cfg.Reconnect.WithDefaults()

	events := make(map[string]bool, len(cfg.ChatEvents))
	for _, e := range cfg.ChatEvents {
		events[e] = true
	}

	a := &Adapter{
		cfg:        cfg,
		resolver:   NewResolver(cfg.APIBaseURL, cfg.HTTPClient),
		dialer:     &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout, Proxy: http.ProxyFromEnvironment},
		chatEvents: events,
		logger:     zerolog.Nop(),
		sleep:      chat.Sleep,
		now:        time.Now,
		chatroomID: cfg.ChatroomID,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Platform returns the transport family
func (a *Adapter) Platform() message.Platform {
	return message.PlatformFramed
}

// OnStateChange registers fn to be called on reconnect transitions
func (a *Adapter) OnStateChange(fn func(chat.State)) {
	a.mu.Lock()
	a.onState = fn
	a.mu.Unlock()
}

// Open resolves the chatroom, connects and subscribes
func (a *Adapter) Open(ctx context.Context) error {
	if a.shutdown.Fired() {
		return chat.NewError(chat.KindConnect, message.PlatformFramed, "open", chat.ErrClosed)
	}

	ctx, cancel := a.shutdown.Bind(ctx)
	defer cancel()

	if a.chatroomID == 0 {
		info, err := a.resolver.Resolve(ctx, a.cfg.Channel)
		if err != nil {
			return err
		}
		a.chatroomID = info.ChatroomID
		a.logger.Info().Str("channel", info.Slug).Int("chatroom_id", info.ChatroomID).Msg("Resolved Kick channel")
	}

	if err := a.connect(ctx, true); err != nil {
		if a.shutdown.Fired() {
			return chat.NewError(chat.KindConnect, message.PlatformFramed, "open", chat.ErrClosed)
		}
		return err
	}
	a.logger.Info().Str("channel", a.pusherChannel()).Msg("Subscribed to chatroom")
	return nil
}

// Produce reads chat until a terminal failure or until the consumer stops.
// Lost connections are re-established and re-subscribed according to the
// reconnect policy.
func (a *Adapter) Produce(ctx context.Context) iter.Seq2[chat.RawEvent, error] {
	return chat.Pump(ctx, a.cfg.QueueSize, a.run)
}

// Close disconnects. Safe to call multiple times from any goroutine.
func (a *Adapter) Close() {
	if !a.shutdown.Trigger() {
		return
	}
	a.dropConn()
	a.logger.Info().Msg("Disconnected from Kick chat")
}

func (a *Adapter) pusherChannel() string {
	return "chatrooms." + strconv.Itoa(a.chatroomID) + ".v2"
}

// connect dials the socket and completes the Pusher handshake
func (a *Adapter) connect(ctx context.Context, initial bool) error {
	dialCtx, cancel := context.WithTimeout(ctx, a.cfg.HandshakeTimeout)
	conn, resp, err := a.dialer.DialContext(dialCtx, a.cfg.SocketURL, nil)
	cancel()
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return chat.NewError(chat.KindAuthentication, message.PlatformFramed, "dial", err)
		}
		return chat.NewError(chat.KindConnect, message.PlatformFramed, "dial", err)
	}

	a.mu.Lock()
	if a.shutdown.Fired() {
		a.mu.Unlock()
		_ = conn.Close()
		return chat.NewError(chat.KindConnect, message.PlatformFramed, "dial", chat.ErrClosed)
	}
	a.conn = conn
	a.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	pending, err := a.handshake(ctx, conn, initial)
	if err != nil {
		a.dropConn()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}

	a.mu.Lock()
	a.pending = pending
	a.mu.Unlock()
	return nil
}

// handshake waits for connection_established, subscribes, and waits for the
// subscription to be confirmed. Chat frames that arrive in between are kept.
func (a *Adapter) handshake(ctx context.Context, conn *websocket.Conn, initial bool) ([]chat.RawEvent, error) {
	if a.cfg.InitEvent != "" {
		if err := a.write(conn, a.cfg.InitEvent, struct{}{}); err != nil {
			return nil, chat.NewError(chat.KindConnect, message.PlatformFramed, "init", err)
		}
	}

	if err := conn.SetReadDeadline(time.Now().Add(a.cfg.AckTimeout)); err != nil {
		return nil, chat.NewError(chat.KindConnect, message.PlatformFramed, "handshake", err)
	}

	channel := a.pusherChannel()
	established := false
	var pending []chat.RawEvent

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return nil, a.ackTimeout(established, initial)
			}
			if ce := closeCodeError(err); ce != nil {
				return nil, ce
			}
			kind := chat.KindConnect
			if !initial {
				kind = chat.KindTransport
			}
			return nil, chat.NewError(kind, message.PlatformFramed, "handshake", fmt.Errorf("connection closed during handshake: %w", err))
		}

		f, err := decodeFrame(data)
		if err != nil {
			a.logger.Warn().Err(err).Msg("Skipping undecodable frame")
			continue
		}

		switch f.Event {
		case eventConnectionEstablished:
			var d establishedData
			if err := f.decodeData(&d); err != nil {
				return nil, chat.NewError(chat.KindProtocol, message.PlatformFramed, "handshake", err)
			}
			established = true
			a.setSession(d)
			if err := a.write(conn, eventSubscribe, subscribeData{Channel: channel}); err != nil {
				return nil, chat.NewError(chat.KindConnect, message.PlatformFramed, "subscribe", err)
			}

		case eventSubscriptionSucceeded:
			if f.Channel == channel {
				if err := conn.SetReadDeadline(time.Time{}); err != nil {
					return nil, chat.NewError(chat.KindTransport, message.PlatformFramed, "handshake", err)
				}
				return pending, nil
			}

		case eventSubscriptionError:
			return nil, subscriptionError(f)

		case eventError:
			return nil, pusherError(f)

		case eventPing:
			if err := a.write(conn, eventPong, struct{}{}); err != nil {
				return nil, chat.NewError(chat.KindConnect, message.PlatformFramed, "handshake", err)
			}

		default:
			if a.isChat(f) {
				pending = append(pending, a.newEvent(f))
			}
		}
	}
}

func (a *Adapter) ackTimeout(established, initial bool) error {
	switch {
	case !initial:
		return chat.Errorf(chat.KindTransport, message.PlatformFramed, "handshake", "timed out after %s", a.cfg.AckTimeout)
	case established:
		return chat.Errorf(chat.KindStreamNotFound, message.PlatformFramed, "subscribe", "subscription to %s not confirmed", a.pusherChannel())
	default:
		return chat.Errorf(chat.KindConnect, message.PlatformFramed, "handshake", "no connection_established within %s", a.cfg.AckTimeout)
	}
}

func (a *Adapter) setSession(d establishedData) {
	keepAlive := a.cfg.KeepAlive
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAlive
		if d.ActivityTimeout > 0 {
			keepAlive = time.Duration(d.ActivityTimeout) * time.Second
		}
	}

	a.mu.Lock()
	a.socketID = d.SocketID
	a.keepAlive = keepAlive
	a.mu.Unlock()

	a.logger.Debug().Str("socket_id", d.SocketID).Dur("keepalive", keepAlive).Msg("Pusher connection established")
}

func (a *Adapter) run(ctx context.Context, emit chat.Emit) error {
	if a.shutdown.Fired() {
		return nil
	}
	ctx, cancel := a.shutdown.Bind(ctx)
	defer cancel()

	for {
		err := a.read(ctx, emit)
		if a.shutdown.Fired() {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !chat.IsRetriable(err) {
			return err
		}

		a.logger.Warn().Err(err).Msg("Connection lost, reconnecting")
		a.dropConn()
		a.notify(chat.StateReconnecting)

		err = chat.Reconnect(ctx, message.PlatformFramed, a.cfg.Reconnect, a.sleep,
			func(ctx context.Context) error {
				return a.connect(ctx, false)
			},
			func(attempt int, delay time.Duration) {
				metrics.ReconnectAttempts.WithLabelValues(string(message.PlatformFramed)).Inc()
				a.logger.Info().Int("attempt", attempt).Dur("delay", delay).Msg("Reconnecting to Kick chat")
			},
		)
		if a.shutdown.Fired() {
			return nil
		}
		if err != nil {
			return err
		}
		a.notify(chat.StateConnected)
		a.logger.Info().Str("channel", a.pusherChannel()).Msg("Resubscribed to chatroom")
	}
}

type readResult struct {
	data []byte
	err  error
}

// read consumes the current connection until it fails
func (a *Adapter) read(ctx context.Context, emit chat.Emit) error {
	a.mu.Lock()
	conn, pending, keepAlive := a.conn, a.pending, a.keepAlive
	a.pending = nil
	a.mu.Unlock()

	if conn == nil {
		return chat.Errorf(chat.KindTransport, message.PlatformFramed, "read", "not connected")
	}
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAlive
	}

	for _, ev := range pending {
		if !emit(ev) {
			return ctx.Err()
		}
	}

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	done := make(chan struct{})
	defer close(done)

	frames := make(chan readResult)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			select {
			case frames <- readResult{data: data, err: err}:
			case <-done:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	timer := time.NewTimer(keepAlive)
	defer timer.Stop()
	idle := 0

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case res := <-frames:
			if res.err != nil {
				if ce := closeCodeError(res.err); ce != nil {
					return ce
				}
				return chat.NewError(chat.KindTransport, message.PlatformFramed, "read", res.err)
			}
			idle = 0
			resetTimer(timer, keepAlive)
			if err := a.handle(ctx, conn, res.data, emit); err != nil {
				return err
			}

		case <-timer.C:
			idle++
			if idle >= 2 {
				metrics.KeepAliveMisses.WithLabelValues(string(message.PlatformFramed)).Inc()
				return chat.Errorf(chat.KindTransport, message.PlatformFramed, "keepalive", "no data for %s", 2*keepAlive)
			}
			a.logger.Debug().Msg("Connection idle, sending pusher:ping")
			if err := a.write(conn, eventPing, struct{}{}); err != nil {
				return chat.NewError(chat.KindTransport, message.PlatformFramed, "keepalive", err)
			}
			timer.Reset(keepAlive)
		}
	}
}

// handle processes one frame read while subscribed
func (a *Adapter) handle(ctx context.Context, conn *websocket.Conn, data []byte, emit chat.Emit) error {
	f, err := decodeFrame(data)
	if err != nil {
		a.logger.Warn().Err(err).Msg("Skipping undecodable frame")
		return nil
	}

	switch f.Event {
	case eventPing:
		if err := a.write(conn, eventPong, struct{}{}); err != nil {
			return chat.NewError(chat.KindTransport, message.PlatformFramed, "pong", err)
		}
	case eventPong:
	case eventError:
		return pusherError(f)
	default:
		if !a.isChat(f) {
			a.logger.Debug().Str("event", f.Event).Msg("Ignoring event")
			return nil
		}
		if !emit(a.newEvent(f)) {
			return ctx.Err()
		}
	}
	return nil
}

func (a *Adapter) isChat(f frame) bool {
	return a.chatEvents[f.Event] && (f.Channel == "" || f.Channel == a.pusherChannel())
}

func (a *Adapter) newEvent(f frame) *event {
	channel := a.cfg.Channel
	if channel == "" {
		channel = strconv.Itoa(a.chatroomID)
	}
	return &event{frame: f, channel: channel, receivedAt: a.now()}
}

func (a *Adapter) write(conn *websocket.Conn, event string, data any) error {
	b, err := json.Marshal(outFrame{Event: event, Data: data})
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, b)
}

// dropConn closes and forgets the current connection
func (a *Adapter) dropConn() {
	a.mu.Lock()
	conn := a.conn
	a.conn = nil
	a.pending = nil
	a.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}
}

func (a *Adapter) notify(st chat.State) {
	a.mu.Lock()
	fn := a.onState
	a.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

// closeCodeError classifies a close frame carrying a Pusher error code
func closeCodeError(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) && ce.Code >= 4000 && ce.Code < 4300 {
		return classifyCode(ce.Code, ce.Text)
	}
	return nil
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
