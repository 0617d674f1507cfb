package render

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/john/chatstream/internal/message"
)

func testMessage() message.Message {
	return message.Message{
		ID:        "m1",
		Author:    "alice",
		Content:   "hello\nworld",
		Timestamp: time.Date(2024, 5, 1, 12, 30, 45, 0, time.UTC),
		Platform:  message.PlatformLine,
		Channel:   "somechannel",
		Flags:     message.Flags{IsModerator: true},
		Seq:       7,
	}
}

func TestText(t *testing.T) {
	assert.Equal(t, "12:30:45 [line/somechannel] @alice: hello world", Text(testMessage()))

	m := testMessage()
	m.Flags = message.Flags{IsSubscriber: true}
	assert.Equal(t, "12:30:45 [line/somechannel] +alice: hello world", Text(m))

	m.Badges = []string{"broadcaster", "subscriber"}
	assert.Equal(t, "12:30:45 [line/somechannel] ~alice: hello world", Text(m))
}

func TestWriter_JSONL(t *testing.T) {
	var buf bytes.Buffer
	w, err := New(&buf, FormatJSONL)
	require.NoError(t, err)

	require.NoError(t, w.Write(testMessage()))
	m := testMessage()
	m.ID, m.Seq = "m2", 8
	require.NoError(t, w.Write(m))

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	require.Len(t, lines, 2)

	var got message.Message
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &got))
	assert.Equal(t, "m2", got.ID)
	assert.Equal(t, uint64(8), got.Seq)
	assert.Equal(t, int64(buf.Len()), w.BytesWritten())
}

func TestWriter_Buffering(t *testing.T) {
	var buf bytes.Buffer
	w, err := New(&buf, FormatText, WithBufferSize(2))
	require.NoError(t, err)

	require.NoError(t, w.Write(testMessage()))
	assert.Zero(t, buf.Len())

	require.NoError(t, w.Write(testMessage()))
	assert.Equal(t, 2, strings.Count(buf.String(), "\n"))

	require.NoError(t, w.Write(testMessage()))
	require.NoError(t, w.Flush())
	assert.Equal(t, 3, strings.Count(buf.String(), "\n"))
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestWriter_FlushReportsWriteError(t *testing.T) {
	w, err := New(failingWriter{}, FormatText, WithBufferSize(10))
	require.NoError(t, err)

	require.NoError(t, w.Write(testMessage()))
	assert.EqualError(t, w.Flush(), "disk full")
}

func TestNew_UnknownFormat(t *testing.T) {
	_, err := New(&bytes.Buffer{}, "xml")
	assert.Error(t, err)
}
