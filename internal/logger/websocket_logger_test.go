package logger

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebSocketLoggerBroadcast(t *testing.T) {
	wsl := NewWebSocketLogger()
	go wsl.Run()
	defer wsl.Stop()

	srv := httptest.NewServer(http.HandlerFunc(wsl.HandleWebSocket))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var welcome LogMessage
	require.NoError(t, conn.ReadJSON(&welcome))
	assert.Equal(t, "WebSocket", welcome.Module)

	require.Eventually(t, func() bool { return wsl.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	wsl.LogWarning("Bridge", "send failed", "abc")

	var got LogMessage
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, LevelWarning, got.Level)
	assert.Equal(t, "Bridge", got.Module)
	assert.Equal(t, "send failed", got.Message)
	assert.Equal(t, "abc", got.InterviewID)
}

func TestGlobalHelpersWithoutInit(t *testing.T) {
	saved := GlobalLogger
	GlobalLogger = nil
	defer func() { GlobalLogger = saved }()

	assert.NotPanics(t, func() {
		LogInfo("Engine", "hello", "")
		LogError("Engine", "boom", "id-1")
		LogSuccess("Engine", "ok", "id-1")
		LogWarning("Engine", "careful", "")
	})
}

func TestEmitDropsWhenChannelFull(t *testing.T) {
	wsl := NewWebSocketLogger()
	for i := 0; i < cap(wsl.broadcast)+10; i++ {
		wsl.LogInfo("Hub", "flood", "")
	}
	assert.Equal(t, cap(wsl.broadcast), len(wsl.broadcast))
}
