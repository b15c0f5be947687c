package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nicktill/botpulse/pkg/config"
	"github.com/nicktill/botpulse/pkg/loghub"
)

// maxClientMessage caps frames read from dashboard clients, which only send control frames
const maxClientMessage = 512

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// No Origin header = direct connection (non-browser clients like curl, testing tools)
		return origin == "" || origin == "http://"+r.Host || origin == "https://"+r.Host
	},
	ReadBufferSize:  config.WSReadBufferSize,
	WriteBufferSize: config.WSWriteBufferSize,
}

// handleLogStream upgrades to a WebSocket and streams every log line published
// after the connection was made, one text frame per line.
func (a *API) handleLogStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.Logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	sub := a.Hub.Subscribe()
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go readPump(conn, cancel)
	a.writePump(ctx, conn, sub)
}

// readPump discards client frames and cancels the stream once the client goes away.
// Pongs extend the read deadline.
func readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()

	conn.SetReadLimit(maxClientMessage)
	_ = conn.SetReadDeadline(time.Now().Add(config.WSReadDeadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(config.WSReadDeadline))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump owns sub and conn: both are released on every exit path.
func (a *API) writePump(ctx context.Context, conn *websocket.Conn, sub *loghub.Subscriber) {
	logger := a.Logger.With(zap.String("remote", conn.RemoteAddr().String()))
	logger.Debug("log stream connected", zap.Int("subscribers", a.Hub.Subscribers()))

	ping := time.NewTicker(config.WSPingInterval)
	defer func() {
		ping.Stop()
		dropped := sub.Dropped()
		sub.Close()
		conn.Close()
		logger.Debug("log stream closed", zap.Uint64("dropped", dropped))
	}()

	write := func(kind int, data []byte) error {
		_ = conn.SetWriteDeadline(time.Now().Add(config.WSWriteDeadline))
		return conn.WriteMessage(kind, data)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Done():
			// Hub closed: shutting down
			_ = write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case <-ping.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-sub.C():
			for _, line := range sub.Drain() {
				if err := write(websocket.TextMessage, []byte(line.String())); err != nil {
					if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
						logger.Debug("log stream write failed", zap.Error(err))
					}
					return
				}
			}
		}
	}
}
