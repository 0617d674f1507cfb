package health

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/john/chatstream/internal/chat"
	"github.com/john/chatstream/internal/message"
	"github.com/john/chatstream/internal/session"
)

type fakeReporter struct {
	state chat.State
	stats session.Stats
}

func (f *fakeReporter) State() chat.State    { return f.state }
func (f *fakeReporter) Stats() session.Stats { return f.stats }

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealth(t *testing.T) {
	tests := []struct {
		state chat.State
		code  int
	}{
		{chat.StateIdle, http.StatusOK},
		{chat.StateConnecting, http.StatusOK},
		{chat.StateConnected, http.StatusOK},
		{chat.StateReconnecting, http.StatusOK},
		{chat.StateClosed, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			rec := get(t, NewRouter(&fakeReporter{state: tt.state}), "/health")
			assert.Equal(t, tt.code, rec.Code)
			assert.Equal(t, tt.state.String(), rec.Body.String())
		})
	}
}

func TestStatus(t *testing.T) {
	stats := session.Stats{
		Platform:      message.PlatformLine,
		State:         "connected",
		Delivered:     12,
		Malformed:     1,
		Reconnects:    2,
		LastSeq:       12,
		LastMessageAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	rec := get(t, NewRouter(&fakeReporter{stats: stats}), "/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got session.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, stats, got)
}

func TestMetrics(t *testing.T) {
	rec := get(t, NewRouter(&fakeReporter{}), "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestServer_ServeAndShutdown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := New(ln.Addr().String(), &fakeReporter{state: chat.StateConnected}, zerolog.Nop())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "connected", string(body))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	assert.NoError(t, <-done)
}
