package websocket

import (
	"context"
	"net/http"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	writeWait       = 10 * time.Second
	maxCommandSize  = 4096
	defaultPongWait = 60 * time.Second
)

var upgrader = gorillawebsocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler upgrades HTTP requests and runs the bind protocol.
type Handler struct {
	registry *Registry
	logger   zerolog.Logger

	// PongWait is how long a connection may stay silent before it is
	// dropped. Pings go out at nine tenths of it.
	PongWait time.Duration
}

// NewHandler creates a new handler bound to the given Registry.
func NewHandler(registry *Registry, logger zerolog.Logger) *Handler {
	return &Handler{registry: registry, logger: logger, PongWait: defaultPongWait}
}

func (h *Handler) pongWait() time.Duration {
	if h.PongWait <= 0 {
		return defaultPongWait
	}
	return h.PongWait
}

// RegisterRoutes registers the WebSocket endpoint on the provided Echo group.
// m runs before the upgrade.
func (h *Handler) RegisterRoutes(g *echo.Group, m ...echo.MiddlewareFunc) {
	g.GET("/websocket", h.HandleConnect, m...)
}

// HandleConnect upgrades the connection and starts the read pump. The
// request returns immediately; the connection lives on in the pump.
func (h *Handler) HandleConnect(c echo.Context) error {
	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	go h.readPump(ws)
	return nil
}

// readPump reads client commands until the connection drops or stops
// answering pings, then unbinds.
func (h *Handler) readPump(ws *gorillawebsocket.Conn) {
	transport := &gorillaTransport{conn: ws}
	var session *Session
	stop := make(chan struct{})
	defer func() {
		close(stop)
		h.registry.Unbind(session)
		ws.Close()
	}()

	pongWait := h.pongWait()
	ws.SetReadLimit(maxCommandSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	go h.pingLoop(ws, pongWait*9/10, stop)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if gorillawebsocket.IsUnexpectedCloseError(err, gorillawebsocket.CloseNormalClosure, gorillawebsocket.CloseGoingAway) {
				h.logger.Debug().Err(err).Msg("websocket closed")
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))

		cmd, err := ParseCommand(string(data))
		if err != nil {
			h.reply(transport, session, ErrorFrame(err.Error()))
			continue
		}

		switch cmd.Verb {
		case "bind":
			if session != nil {
				h.reply(transport, session, ErrorFrame("already bound to "+session.SubscriptionID))
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), writeWait)
			s, err := h.registry.Bind(ctx, cmd.Arg, transport)
			cancel()
			if err != nil {
				h.logger.Info().Err(err).Str("subscription", cmd.Arg).Msg("websocket bind rejected")
				h.rejectBind(transport, ws, err)
				return
			}
			session = s
		}
	}
}

// pingLoop keeps the peer answering. WriteControl may run alongside the
// write pump.
func (h *Handler) pingLoop(ws *gorillawebsocket.Conn, period time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := ws.WriteControl(gorillawebsocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				h.logger.Debug().Err(err).Msg("websocket ping failed")
				return
			}
		}
	}
}

// reply writes directly before a session exists; afterwards the write pump
// is the only writer.
func (h *Handler) reply(t *gorillaTransport, s *Session, text string) {
	if s != nil {
		if err := h.registry.Notify(s, text); err != nil {
			h.logger.Debug().Err(err).Msg("websocket reply dropped")
		}
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	if err := t.WriteText(ctx, text); err != nil {
		h.logger.Debug().Err(err).Msg("websocket reply failed")
	}
}

func (h *Handler) rejectBind(t *gorillaTransport, ws *gorillawebsocket.Conn, err error) {
	diag := "Invalid bind request - " + err.Error()
	if !errors.Is(err, ErrInvalidSubscription) {
		diag = "Bind failed - " + err.Error()
	}
	h.reply(t, nil, ErrorFrame(diag))
	msg := gorillawebsocket.FormatCloseMessage(gorillawebsocket.ClosePolicyViolation, "invalid bind request")
	_ = ws.WriteControl(gorillawebsocket.CloseMessage, msg, time.Now().Add(writeWait))
}

// gorillaTransport adapts a gorilla connection to Transport using write deadlines.
type gorillaTransport struct {
	conn *gorillawebsocket.Conn
}

func (t *gorillaTransport) WriteText(ctx context.Context, text string) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(writeWait)
	}
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return t.conn.WriteMessage(gorillawebsocket.TextMessage, []byte(text))
}

func (t *gorillaTransport) Close() error {
	return t.conn.Close()
}
