package twitch

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	twitchirc "github.com/gempir/go-twitch-irc/v4"

	"github.com/john/chatstream/internal/chat"
	"github.com/john/chatstream/internal/message"
)

// NOTICE msg-ids that mean the channel cannot be joined
var unavailableNotices = map[string]bool{
	"msg_channel_suspended": true,
	"msg_banned":            true,
	"tos_ban":               true,
}

// connect dials, logs in and waits for the JOIN to be acknowledged. During
// Open (initial) a missing acknowledgement is classified from what the
// server did say; during reconnection it is a retriable transport error.
func (a *Adapter) connect(ctx context.Context, initial bool) error {
	dialCtx, cancel := context.WithTimeout(ctx, a.cfg.HandshakeTimeout)
	conn, err := a.dial(dialCtx, "tcp", a.cfg.Addr)
	cancel()
	if err != nil {
		return chat.NewError(chat.KindConnect, message.PlatformLine, "dial", err)
	}

	a.mu.Lock()
	if a.shutdown.Fired() {
		a.mu.Unlock()
		_ = conn.Close()
		return chat.NewError(chat.KindConnect, message.PlatformLine, "dial", chat.ErrClosed)
	}
	a.conn = conn
	a.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	reader := bufio.NewReader(conn)
	if err := a.login(ctx, conn); err != nil {
		a.dropConn()
		return err
	}

	pending, err := a.awaitJoin(ctx, conn, reader, initial)
	if err != nil {
		a.dropConn()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}

	a.mu.Lock()
	a.reader = reader
	a.pending = pending
	a.mu.Unlock()
	return nil
}

func (a *Adapter) login(ctx context.Context, conn net.Conn) error {
	var lines []string
	if a.cfg.OAuth != "" {
		lines = append(lines, "PASS oauth:"+strings.TrimPrefix(a.cfg.OAuth, "oauth:"))
	}
	lines = append(lines,
		"NICK "+a.nick,
		"CAP REQ :twitch.tv/tags twitch.tv/commands",
		"JOIN #"+a.channel,
	)

	for _, line := range lines {
		if err := a.send(ctx, conn, line); err != nil {
			return chat.NewError(chat.KindConnect, message.PlatformLine, "login", err)
		}
	}
	return nil
}

// awaitJoin reads until the server confirms the JOIN. Chat lines that
// arrive in between are kept and emitted first once reading starts.
func (a *Adapter) awaitJoin(ctx context.Context, conn net.Conn, reader *bufio.Reader, initial bool) ([]chat.RawEvent, error) {
	if err := conn.SetReadDeadline(time.Now().Add(a.cfg.AckTimeout)); err != nil {
		return nil, chat.NewError(chat.KindConnect, message.PlatformLine, "join", err)
	}
	defer conn.SetReadDeadline(time.Time{})

	welcomed := false
	var pending []chat.RawEvent

	for {
		line, err := readLine(reader)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return nil, a.ackTimeout(welcomed, initial)
			}
			kind := chat.KindConnect
			if !initial {
				kind = chat.KindTransport
			}
			return nil, chat.NewError(kind, message.PlatformLine, "join", fmt.Errorf("connection closed during handshake: %w", err))
		}
		if line == "" {
			continue
		}

		msg, err := parseLine(line)
		if err != nil {
			a.logger.Warn().Err(err).Str("line", line).Msg("Skipping unparseable line")
			continue
		}

		switch m := msg.(type) {
		case *twitchirc.RawMessage:
			switch m.RawType {
			case "001":
				welcomed = true
			case "366":
				return pending, nil
			}
		case *twitchirc.UserJoinMessage:
			if strings.EqualFold(m.User, a.nick) && a.isChannel(m.Channel) {
				return pending, nil
			}
		case *twitchirc.NoticeMessage:
			if err := noticeError(m); err != nil {
				return nil, err
			}
		case *twitchirc.PingMessage:
			if err := a.send(ctx, conn, pongFor(m)); err != nil {
				return nil, chat.NewError(chat.KindConnect, message.PlatformLine, "join", err)
			}
		case *twitchirc.PrivateMessage:
			if a.isChannel(m.Channel) {
				pending = append(pending, newEvent(m, a.now()))
			}
		}
	}
}

func (a *Adapter) ackTimeout(welcomed, initial bool) error {
	switch {
	case !initial:
		return chat.Errorf(chat.KindTransport, message.PlatformLine, "join", "timed out waiting for join after %s", a.cfg.AckTimeout)
	case welcomed:
		return chat.Errorf(chat.KindStreamNotFound, message.PlatformLine, "join", "channel %s did not acknowledge join", a.channel)
	case a.cfg.OAuth != "":
		return chat.Errorf(chat.KindAuthentication, message.PlatformLine, "login", "server did not accept login within %s", a.cfg.AckTimeout)
	default:
		return chat.Errorf(chat.KindConnect, message.PlatformLine, "login", "no welcome within %s", a.cfg.AckTimeout)
	}
}

// noticeError classifies a NOTICE received before the JOIN was confirmed
func noticeError(m *twitchirc.NoticeMessage) error {
	text := strings.ToLower(m.Message)
	switch {
	case strings.Contains(text, "login authentication failed"),
		strings.Contains(text, "improperly formatted auth"),
		strings.Contains(text, "invalid nick"):
		return chat.Errorf(chat.KindAuthentication, message.PlatformLine, "login", "%s", m.Message)
	case unavailableNotices[m.MsgID]:
		return chat.Errorf(chat.KindStreamNotFound, message.PlatformLine, "join", "%s: %s", m.MsgID, m.Message)
	}
	return nil
}

// handle processes one line read while joined
func (a *Adapter) handle(ctx context.Context, conn net.Conn, line string, emit chat.Emit) error {
	if line == "" {
		return nil
	}
	msg, err := parseLine(line)
	if err != nil {
		a.logger.Warn().Err(err).Str("line", line).Msg("Skipping unparseable line")
		return nil
	}

	switch m := msg.(type) {
	case *twitchirc.PingMessage:
		return a.send(ctx, conn, pongFor(m))
	case *twitchirc.ReconnectMessage:
		return chat.Errorf(chat.KindTransport, message.PlatformLine, "read", "server requested reconnect")
	case *twitchirc.PrivateMessage:
		if !a.isChannel(m.Channel) {
			return nil
		}
		if !emit(newEvent(m, a.now())) {
			return ctx.Err()
		}
	case *twitchirc.NoticeMessage:
		a.logger.Debug().Str("msg_id", m.MsgID).Str("notice", m.Message).Msg("Server notice")
	}
	return nil
}

func pongFor(m *twitchirc.PingMessage) string {
	if m.Message == "" {
		return "PONG :tmi.twitch.tv"
	}
	return "PONG :" + m.Message
}

// parseLine tokenizes a raw IRC line. The parser indexes into the split line
// directly, so truncated input is turned into an error instead of a panic.
func parseLine(line string) (msg twitchirc.Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = chat.Errorf(chat.KindProtocol, message.PlatformLine, "parse", "malformed line: %v", r)
		}
	}()
	return twitchirc.ParseMessage(line), nil
}
