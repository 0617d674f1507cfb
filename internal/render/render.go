package render

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/john/chatstream/internal/message"
)

// Formats
const (
	FormatText  = "text"
	FormatJSONL = "jsonl"
)

// Writer writes messages as JSON lines or human-readable text lines
type Writer struct {
	writer       *bufio.Writer
	format       string
	bufferSize   int
	buffered     int
	bytesWritten int64
}

// Option configures a Writer
type Option func(*Writer)

// WithBufferSize flushes after every n messages instead of after each one
func WithBufferSize(n int) Option {
	return func(w *Writer) {
		if n > 0 {
			w.bufferSize = n
		}
	}
}

// New creates a writer for the given format
func New(out io.Writer, format string, opts ...Option) (*Writer, error) {
	switch format {
	case FormatText, FormatJSONL:
	default:
		return nil, fmt.Errorf("unknown output format %q", format)
	}
	w := &Writer{writer: bufio.NewWriter(out), format: format, bufferSize: 1}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Write renders one message
func (w *Writer) Write(m message.Message) error {
	var line []byte
	if w.format == FormatJSONL {
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("marshal message: %w", err)
		}
		line = data
	} else {
		line = []byte(Text(m))
	}

	n, err := w.writer.Write(line)
	if err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	w.bytesWritten += int64(n)
	if err := w.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("write newline: %w", err)
	}
	w.bytesWritten++

	w.buffered++
	if w.buffered >= w.bufferSize {
		return w.Flush()
	}
	return nil
}

// Flush writes buffered lines to the underlying writer
func (w *Writer) Flush() error {
	w.buffered = 0
	return w.writer.Flush()
}

// BytesWritten returns the number of bytes rendered so far
func (w *Writer) BytesWritten() int64 {
	return w.bytesWritten
}

// Text formats a message as a single line:
// 15:04:05 [line/channel] @author: content
//
// The author prefix is ~ for the channel owner, @ for moderators, ! for VIPs
// and + for subscribers.
func Text(m message.Message) string {
	var b strings.Builder
	b.WriteString(m.Timestamp.UTC().Format("15:04:05"))
	fmt.Fprintf(&b, " [%s/%s] ", m.Platform, m.Channel)
	switch {
	case m.HasBadge("broadcaster") || m.HasBadge("owner"):
		b.WriteString("~")
	case m.Flags.IsModerator:
		b.WriteString("@")
	case m.Flags.IsVIP:
		b.WriteString("!")
	case m.Flags.IsSubscriber:
		b.WriteString("+")
	}
	b.WriteString(m.Author)
	b.WriteString(": ")
	b.WriteString(strings.ReplaceAll(m.Content, "\n", " "))
	return b.String()
}
