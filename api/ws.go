package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"

	"github.com/liuzsen/niu-code/chat"
	"github.com/liuzsen/niu-code/log"
)

// maxFrameSize bounds a single client frame.
const maxFrameSize = 10 * 1024 * 1024

// nextConnID issues monotonic connection IDs.
var nextConnID atomic.Uint32

// wsWriter forwards server messages into the connection's send channel.
// The channel is drained by a single writer goroutine; a full or closed
// channel surfaces as an error so the manager counts the message as lag.
type wsWriter struct {
	send   chan chat.ServerMessage
	closed chan struct{}
}

func (w *wsWriter) Send(msg chat.ServerMessage) error {
	select {
	case <-w.closed:
		return fmt.Errorf("connection closed")
	case w.send <- msg:
		return nil
	default:
		return fmt.Errorf("connection send buffer full")
	}
}

// ChatWebSocket is the WebSocket edge: it registers a writer with the
// manager on open, pumps frames both ways, and reports the close.
func (h *Handlers) ChatWebSocket(c *gin.Context) {
	var w http.ResponseWriter = c.Writer
	if unwrapper, ok := c.Writer.(interface{ Unwrap() http.ResponseWriter }); ok {
		w = unwrapper.Unwrap()
	}

	conn, err := websocket.Accept(w, c.Request, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	c.Abort()

	conn.SetReadLimit(maxFrameSize)

	connID := nextConnID.Add(1)
	log.Debug().Uint32("connId", connID).Msg("new ws connection")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// close the socket when the server shuts down
	go func() {
		select {
		case <-h.shutdownCtx.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	writer := &wsWriter{
		send:   make(chan chat.ServerMessage, 256),
		closed: make(chan struct{}),
	}
	defer close(writer.closed)

	h.manager.Connect(connID, writer)
	defer h.manager.Disconnect(connID)

	// outbound pump
	go func() {
		for {
			select {
			case msg := <-writer.send:
				data, err := json.Marshal(msg)
				if err != nil {
					log.Error().Err(err).Msg("marshal server message")
					continue
				}
				if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
					log.Debug().Err(err).Uint32("connId", connID).Msg("ws write failed")
					cancel()
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	// inbound pump
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			log.Debug().Err(err).Uint32("connId", connID).Msg("ws connection ended")
			return
		}
		if msgType != websocket.MessageText && msgType != websocket.MessageBinary {
			continue
		}

		var msg chat.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn().Err(err).Uint32("connId", connID).Msg("invalid client frame")
			continue
		}
		h.manager.Dispatch(connID, msg)
	}
}
