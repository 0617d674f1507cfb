// Package twitch reads chat from Twitch IRC over a plain TCP connection.
// Lines are decoded with go-twitch-irc's parser; the connection lifecycle,
// keep-alive and reconnection are handled here.
package twitch

import (
	"bufio"
	"context"
	"fmt"
	"iter"
	"math/rand/v2"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/john/chatstream/internal/chat"
	"github.com/john/chatstream/internal/message"
	"github.com/john/chatstream/internal/metrics"
)

// Defaults for Config fields left at zero
const (
	DefaultAddr             = "irc.chat.twitch.tv:6667"
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultAckTimeout       = 10 * time.Second
	DefaultKeepAlive        = 60 * time.Second

	writeTimeout = 5 * time.Second

	// Twitch allows 20 commands per 30 seconds for regular users
	commandBurst  = 20
	commandWindow = 30 * time.Second
)

// Config holds the line adapter settings
type Config struct {
	Channel          string
	Username         string // empty for anonymous read-only access
	OAuth            string // token with or without the "oauth:" prefix
	Addr             string
	HandshakeTimeout time.Duration
	AckTimeout       time.Duration
	KeepAlive        time.Duration
	Reconnect        chat.ReconnectPolicy
	QueueSize        int
}

// Adapter is a single-channel Twitch IRC reader
type Adapter struct {
	cfg     Config
	channel string
	nick    string
	logger  zerolog.Logger
	limiter *rate.Limiter
	sleep   chat.SleepFunc
	dial    func(ctx context.Context, network, addr string) (net.Conn, error)
	now     func() time.Time

	mu      sync.Mutex
	conn    net.Conn
	reader  *bufio.Reader
	pending []chat.RawEvent
	onState func(chat.State)

	shutdown chat.Shutdown
}

// Option configures an Adapter
type Option func(*Adapter)

// WithLogger sets the adapter logger
func WithLogger(logger zerolog.Logger) Option {
	return func(a *Adapter) {
		a.logger = logger.With().Str("component", "twitch").Logger()
	}
}

// New creates a new Twitch adapter
func New(cfg Config, opts ...Option) *Adapter {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = DefaultKeepAlive
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = chat.DefaultQueueSize
	}
	cfg.Reconnect = cfg.Reconnect.WithDefaults()

	// a token only authenticates together with the account's nick
	nick := strings.ToLower(cfg.Username)
	tokenIgnored := nick == "" && cfg.OAuth != ""
	if nick == "" || cfg.OAuth == "" {
		nick = fmt.Sprintf("justinfan%d", 10000+rand.IntN(90000))
		cfg.OAuth = ""
	}

	var dialer net.Dialer
	a := &Adapter{
		cfg:     cfg,
		channel: strings.ToLower(strings.TrimPrefix(cfg.Channel, "#")),
		nick:    nick,
		logger:  zerolog.Nop(),
		limiter: rate.NewLimiter(rate.Every(commandWindow/commandBurst), commandBurst),
		sleep:   chat.Sleep,
		dial:    dialer.DialContext,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	if tokenIgnored {
		a.logger.Warn().Msg("OAuth token set without a username, joining anonymously")
	}
	return a
}

// Platform returns the transport family
func (a *Adapter) Platform() message.Platform {
	return message.PlatformLine
}

// OnStateChange registers fn to be called on reconnect transitions
func (a *Adapter) OnStateChange(fn func(chat.State)) {
	a.mu.Lock()
	a.onState = fn
	a.mu.Unlock()
}

// Open connects, logs in and joins the channel
func (a *Adapter) Open(ctx context.Context) error {
	if a.shutdown.Fired() {
		return chat.NewError(chat.KindConnect, message.PlatformLine, "open", chat.ErrClosed)
	}
	if a.channel == "" {
		return chat.Errorf(chat.KindStreamNotFound, message.PlatformLine, "open", "no channel configured")
	}

	ctx, cancel := a.shutdown.Bind(ctx)
	defer cancel()

	if err := a.connect(ctx, true); err != nil {
		if a.shutdown.Fired() {
			return chat.NewError(chat.KindConnect, message.PlatformLine, "open", chat.ErrClosed)
		}
		return err
	}
	a.logger.Info().Str("channel", a.channel).Str("nick", a.nick).Msg("Joined channel")
	return nil
}

// Produce reads chat until a terminal failure or until the consumer stops.
// Lost connections are re-established according to the reconnect policy.
func (a *Adapter) Produce(ctx context.Context) iter.Seq2[chat.RawEvent, error] {
	return chat.Pump(ctx, a.cfg.QueueSize, a.run)
}

// Close disconnects. Safe to call multiple times from any goroutine.
func (a *Adapter) Close() {
	if !a.shutdown.Trigger() {
		return
	}
	a.dropConn()
	a.logger.Info().Msg("Disconnected from Twitch IRC")
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

		err = chat.Reconnect(ctx, message.PlatformLine, a.cfg.Reconnect, a.sleep,
			func(ctx context.Context) error {
				return a.connect(ctx, false)
			},
			func(attempt int, delay time.Duration) {
				metrics.ReconnectAttempts.WithLabelValues(string(message.PlatformLine)).Inc()
				a.logger.Info().Int("attempt", attempt).Dur("delay", delay).Msg("Reconnecting to Twitch IRC")
			},
		)
		if a.shutdown.Fired() {
			return nil
		}
		if err != nil {
			return err
		}
		a.notify(chat.StateConnected)
		a.logger.Info().Str("channel", a.channel).Msg("Rejoined channel")
	}
}

type readResult struct {
	line string
	err  error
}

// read consumes the current connection until it fails
func (a *Adapter) read(ctx context.Context, emit chat.Emit) error {
	a.mu.Lock()
	conn, reader, pending := a.conn, a.reader, a.pending
	a.pending = nil
	a.mu.Unlock()

	if conn == nil {
		return chat.Errorf(chat.KindTransport, message.PlatformLine, "read", "not connected")
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

	lines := make(chan readResult)
	go func() {
		for {
			line, err := readLine(reader)
			select {
			case lines <- readResult{line: line, err: err}:
			case <-done:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	timer := time.NewTimer(a.cfg.KeepAlive)
	defer timer.Stop()
	idle := 0

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case res := <-lines:
			if res.err != nil {
				return chat.NewError(chat.KindTransport, message.PlatformLine, "read", res.err)
			}
			idle = 0
			resetTimer(timer, a.cfg.KeepAlive)
			if err := a.handle(ctx, conn, res.line, emit); err != nil {
				return err
			}

		case <-timer.C:
			idle++
			if idle >= 2 {
				metrics.KeepAliveMisses.WithLabelValues(string(message.PlatformLine)).Inc()
				return chat.Errorf(chat.KindTransport, message.PlatformLine, "keepalive", "no data for %s", 2*a.cfg.KeepAlive)
			}
			a.logger.Debug().Msg("Connection idle, sending PING")
			if err := a.send(ctx, conn, "PING :tmi.twitch.tv"); err != nil {
				return err
			}
			timer.Reset(a.cfg.KeepAlive)
		}
	}
}

// send writes one command line, respecting the command budget
func (a *Adapter) send(ctx context.Context, conn net.Conn, line string) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return chat.NewError(chat.KindTransport, message.PlatformLine, "write", err)
	}
	if _, err := conn.Write([]byte(line + "\r\n")); err != nil {
		return chat.NewError(chat.KindTransport, message.PlatformLine, "write", err)
	}
	return nil
}

// dropConn closes and forgets the current connection
func (a *Adapter) dropConn() {
	a.mu.Lock()
	conn := a.conn
	a.conn = nil
	a.reader = nil
	a.pending = nil
	a.mu.Unlock()

	if conn != nil {
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

func (a *Adapter) isChannel(channel string) bool {
	return strings.EqualFold(strings.TrimPrefix(channel, "#"), a.channel)
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
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
