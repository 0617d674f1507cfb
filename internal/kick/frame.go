package kick

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/john/chatstream/internal/chat"
	"github.com/john/chatstream/internal/message"
)

// Pusher protocol events
const (
	eventConnectionEstablished = "pusher:connection_established"
	eventSubscribe             = "pusher:subscribe"
	eventSubscriptionSucceeded = "pusher_internal:subscription_succeeded"
	eventSubscriptionError     = "pusher:subscription_error"
	eventError                 = "pusher:error"
	eventPing                  = "pusher:ping"
	eventPong                  = "pusher:pong"

	// DefaultChatEvent is the event Kick publishes for chat messages
	DefaultChatEvent = `App\Events\ChatMessageEvent`
)

// frame is the Pusher envelope. Data is either an object or a string that
// holds JSON.
type frame struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// outFrame is a frame we send
type outFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type subscribeData struct {
	Auth    string `json:"auth"`
	Channel string `json:"channel"`
}

type establishedData struct {
	SocketID        string `json:"socket_id"`
	ActivityTimeout int    `json:"activity_timeout"`
}

type errorData struct {
	Message string `json:"message"`
	Code    *int   `json:"code"`
}

type subscriptionErrorData struct {
	Type   string `json:"type"`
	Error  string `json:"error"`
	Status int    `json:"status"`
}

func decodeFrame(b []byte) (frame, error) {
	var f frame
	if err := json.Unmarshal(b, &f); err != nil {
		return frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if f.Event == "" {
		return frame{}, errors.New("decode frame: missing event")
	}
	return f, nil
}

// payload returns the frame data, unwrapping a JSON string holding JSON
func (f frame) payload() (json.RawMessage, error) {
	d := bytes.TrimSpace(f.Data)
	if len(d) > 0 && d[0] == '"' {
		var s string
		if err := json.Unmarshal(d, &s); err != nil {
			return nil, fmt.Errorf("decode data string: %w", err)
		}
		return json.RawMessage(s), nil
	}
	return d, nil
}

func (f frame) decodeData(v any) error {
	p, err := f.payload()
	if err != nil {
		return err
	}
	if len(p) == 0 {
		return nil
	}
	if err := json.Unmarshal(p, v); err != nil {
		return fmt.Errorf("decode %s data: %w", f.Event, err)
	}
	return nil
}

// pusherError classifies a pusher:error frame
func pusherError(f frame) error {
	var d errorData
	if err := f.decodeData(&d); err != nil {
		return chat.NewError(chat.KindProtocol, message.PlatformFramed, "pusher", err)
	}
	code := 0
	if d.Code != nil {
		code = *d.Code
	}
	return classifyCode(code, d.Message)
}

// classifyCode maps a Pusher error or close code to the error taxonomy.
// 4000-4099 must not be retried unchanged, 4100-4299 may be.
func classifyCode(code int, msg string) error {
	err := fmt.Errorf("pusher error %d: %s", code, msg)
	switch {
	case code == 4001, code == 4003, code == 4009:
		return chat.NewError(chat.KindAuthentication, message.PlatformFramed, "pusher", err)
	case code >= 4000 && code < 4100:
		return chat.NewError(chat.KindProtocol, message.PlatformFramed, "pusher", err)
	default:
		return chat.NewError(chat.KindTransport, message.PlatformFramed, "pusher", err)
	}
}

// subscriptionError classifies a pusher:subscription_error frame
func subscriptionError(f frame) error {
	var d subscriptionErrorData
	_ = f.decodeData(&d)
	err := fmt.Errorf("subscription to %s rejected (status %d): %s", f.Channel, d.Status, d.Error)
	if d.Status == 401 || d.Status == 403 {
		return chat.NewError(chat.KindAuthentication, message.PlatformFramed, "subscribe", err)
	}
	return chat.NewError(chat.KindStreamNotFound, message.PlatformFramed, "subscribe", err)
}

// flexString accepts a JSON string or number
type flexString string

func (s *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0, string(b) == "null":
		*s = ""
	case b[0] == '"':
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = flexString(v)
	default:
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return err
		}
		if _, err := strconv.ParseFloat(n.String(), 64); err != nil {
			return err
		}
		*s = flexString(n.String())
	}
	return nil
}
