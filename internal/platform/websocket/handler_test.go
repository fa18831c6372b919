package websocket

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, ids ...string) (*Registry, string) {
	t.Helper()
	registry := newTestRegistry(ids...)
	e := echo.New()
	NewHandler(registry, zerolog.Nop()).RegisterRoutes(e.Group(""))
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return registry, "ws" + strings.TrimPrefix(srv.URL, "http") + "/websocket"
}

func dial(t *testing.T, url string) *gorillawebsocket.Conn {
	t.Helper()
	conn, _, err := gorillawebsocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readText(t *testing.T, conn *gorillawebsocket.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return string(data)
}

func TestHandler_BindThenPing(t *testing.T) {
	registry, url := newTestServer(t, "sub-1")
	conn := dial(t, url)

	require.NoError(t, conn.WriteMessage(gorillawebsocket.TextMessage, []byte("bind sub-1")))
	assert.Equal(t, "bound sub-1", readText(t, conn))

	report := registry.Send(context.Background(), "sub-1", PingMessage("sub-1"))
	assert.Equal(t, 1, report.Delivered)
	assert.Equal(t, "ping sub-1", readText(t, conn))
}

func TestHandler_InvalidBindSendsErrorAndCloses(t *testing.T) {
	registry, url := newTestServer(t, "sub-1")
	conn := dial(t, url)

	require.NoError(t, conn.WriteMessage(gorillawebsocket.TextMessage, []byte("bind nope")))

	msg := readText(t, conn)
	assert.True(t, strings.HasPrefix(msg, "error Invalid bind request"), msg)

	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, gorillawebsocket.IsCloseError(err, gorillawebsocket.ClosePolicyViolation), err.Error())
	assert.Equal(t, 0, registry.Len())
}

func TestHandler_UnknownCommandKeepsConnection(t *testing.T) {
	_, url := newTestServer(t, "sub-1")
	conn := dial(t, url)

	require.NoError(t, conn.WriteMessage(gorillawebsocket.TextMessage, []byte("subscribe everything")))
	assert.True(t, strings.HasPrefix(readText(t, conn), "error "))

	require.NoError(t, conn.WriteMessage(gorillawebsocket.TextMessage, []byte("bind sub-1")))
	assert.Equal(t, "bound sub-1", readText(t, conn))
}

func TestHandler_SecondBindRejected(t *testing.T) {
	registry, url := newTestServer(t, "sub-1", "sub-2")
	conn := dial(t, url)

	require.NoError(t, conn.WriteMessage(gorillawebsocket.TextMessage, []byte("bind sub-1")))
	assert.Equal(t, "bound sub-1", readText(t, conn))
	require.NoError(t, conn.WriteMessage(gorillawebsocket.TextMessage, []byte("bind sub-2")))

	assert.Equal(t, "error already bound to sub-1", readText(t, conn))
	assert.Equal(t, 0, registry.SessionCount("sub-2"))
}

func TestHandler_DisconnectUnbinds(t *testing.T) {
	registry, url := newTestServer(t, "sub-1")
	conn := dial(t, url)

	require.NoError(t, conn.WriteMessage(gorillawebsocket.TextMessage, []byte("bind sub-1")))
	assert.Equal(t, "bound sub-1", readText(t, conn))
	require.Equal(t, 1, registry.SessionCount("sub-1"))

	conn.Close()

	require.Eventually(t, func() bool { return registry.SessionCount("sub-1") == 0 }, 2*time.Second, 10*time.Millisecond)
}

func newKeepaliveServer(t *testing.T, pongWait time.Duration, ids ...string) (*Registry, string) {
	t.Helper()
	registry := newTestRegistry(ids...)
	e := echo.New()
	h := NewHandler(registry, zerolog.Nop())
	h.PongWait = pongWait
	h.RegisterRoutes(e.Group(""))
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return registry, "ws" + strings.TrimPrefix(srv.URL, "http") + "/websocket"
}

func TestHandler_SilentPeerIsUnbound(t *testing.T) {
	registry, url := newKeepaliveServer(t, 200*time.Millisecond, "sub-1")
	conn := dial(t, url)
	conn.SetPingHandler(func(string) error { return nil })

	require.NoError(t, conn.WriteMessage(gorillawebsocket.TextMessage, []byte("bind sub-1")))
	assert.Equal(t, "bound sub-1", readText(t, conn))
	require.Equal(t, 1, registry.SessionCount("sub-1"))

	// No further reads, so no pongs go back.
	require.Eventually(t, func() bool { return registry.SessionCount("sub-1") == 0 }, 3*time.Second, 10*time.Millisecond)
}

func TestHandler_AnsweringPeerStaysBound(t *testing.T) {
	registry, url := newKeepaliveServer(t, 200*time.Millisecond, "sub-1")
	conn := dial(t, url)

	require.NoError(t, conn.WriteMessage(gorillawebsocket.TextMessage, []byte("bind sub-1")))
	assert.Equal(t, "bound sub-1", readText(t, conn))

	// The default ping handler answers while the client reads.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	time.Sleep(700 * time.Millisecond)
	assert.Equal(t, 1, registry.SessionCount("sub-1"))
}
