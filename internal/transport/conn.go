package transport

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/p-blackswan/collabhub/internal/chat"
	perrors "github.com/p-blackswan/collabhub/internal/errors"
	"github.com/p-blackswan/collabhub/internal/identity"
	"github.com/p-blackswan/collabhub/internal/metrics"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// wsConn adapts one websocket to session.Conn. Reads happen on a
// dedicated goroutine so Receive can honour context cancellation; writes
// are serialised through the send queue and the writer goroutine.
type wsConn struct {
	id      string
	ident   identity.Identity
	ws      *websocket.Conn
	limiter *rate.Limiter
	metrics *metrics.Metrics
	logger  zerolog.Logger

	send  chan chat.Event
	inbox chan chat.Event

	done       chan struct{}
	closeOnce  sync.Once
	writerDone chan struct{}
}

func newConn(id string, ident identity.Identity, ws *websocket.Conn, cfg Config, m *metrics.Metrics, logger zerolog.Logger) *wsConn {
	return &wsConn{
		id:         id,
		ident:      ident,
		ws:         ws,
		limiter:    rate.NewLimiter(rate.Limit(cfg.MsgRate), cfg.MsgBurst),
		metrics:    m,
		logger:     logger,
		send:       make(chan chat.Event, cfg.SendQueue),
		inbox:      make(chan chat.Event),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
}

func (c *wsConn) ID() string                  { return c.id }
func (c *wsConn) Identity() identity.Identity { return c.ident }

// Send queues ev. A full queue drops the event rather than stalling the
// broadcaster behind a slow reader.
func (c *wsConn) Send(ev chat.Event) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- ev:
		return true
	case <-c.done:
		return false
	default:
		c.logger.Warn().Str("event", ev.Name).Int("queue", cap(c.send)).Msg("send queue full, dropping event")
		c.metrics.RecordError("transport", "send_queue_full")
		return false
	}
}

// Receive returns the next inbound event, io.EOF once the peer is gone.
func (c *wsConn) Receive(ctx context.Context) (chat.Event, error) {
	select {
	case ev, ok := <-c.inbox:
		if !ok {
			return chat.Event{}, io.EOF
		}
		return ev, nil
	case <-c.done:
		return chat.Event{}, io.EOF
	case <-ctx.Done():
		return chat.Event{}, ctx.Err()
	}
}

func (c *wsConn) readLoop(maxSize int64) {
	defer close(c.inbox)

	c.ws.SetReadLimit(maxSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.logger.Debug().Err(err).Msg("websocket read error")
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		if !c.limiter.Allow() {
			c.metrics.RecordError("transport", perrors.Kind(perrors.ErrRateLimit))
			c.Send(errorEvent(perrors.ErrRateLimit, "too many messages, slow down"))
			continue
		}

		var ev chat.Event
		if err := json.Unmarshal(raw, &ev); err != nil || ev.Name == "" {
			c.logger.Warn().Err(err).Msg("invalid frame from client")
			c.Send(errorEvent(perrors.ErrMalformedMessage, "frames must be {\"event\":...,\"data\":...}"))
			continue
		}

		select {
		case c.inbox <- ev:
		case <-c.done:
			return
		}
	}
}

func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		close(c.writerDone)
	}()

	for {
		select {
		case ev := <-c.send:
			if err := c.write(ev); err != nil {
				c.logger.Debug().Err(err).Msg("websocket write failed")
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			c.flush()
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

// flush writes whatever is still queued, so a final error reaches the
// client before the close frame.
func (c *wsConn) flush() {
	for {
		select {
		case ev := <-c.send:
			if err := c.write(ev); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *wsConn) write(ev chat.Event) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(ev)
}

func (c *wsConn) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func errorEvent(err error, msg string) chat.Event {
	return chat.MustEvent(chat.EventError, chat.ErrorPayload{Code: perrors.Kind(err), Message: msg})
}
