package api

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/meshwarden/meshwarden/internal/errors"
	"github.com/meshwarden/meshwarden/internal/events"
	"github.com/meshwarden/meshwarden/internal/logger"
)

const (
	wsSendBuffer   = 64
	wsReplayDepth  = 32
	wsWriteTimeout = 10 * time.Second
	wsPongTimeout  = 60 * time.Second
	wsPingInterval = 54 * time.Second
	wsReadLimit    = 512
)

// wsClient is one connected event-stream consumer. The send channel is
// never closed; done gates it so the bus handler cannot race the pumps.
type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan events.Event
	done chan struct{}
	stop sync.Once
}

// enqueue hands an event to the write pump. A slow consumer drops events
// rather than blocking the bus.
func (c *wsClient) enqueue(ev events.Event) {
	select {
	case <-c.done:
	case c.send <- ev:
	default:
	}
}

func (c *wsClient) shutdown() {
	c.stop.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// handleEventStream upgrades the connection, replays the recent ring and
// then forwards every bus event until the client goes away.
func (s *Server) handleEventStream(c *gin.Context) {
	if s.deps.Bus == nil {
		writeError(c, errors.NewUnavailable("event bus", nil))
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.originAllowed,
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already answered the handshake failure.
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	client := &wsClient{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan events.Event, wsSendBuffer),
		done: make(chan struct{}),
	}

	s.wsMu.Lock()
	if s.wsClosed {
		s.wsMu.Unlock()
		conn.Close()
		return
	}
	s.wsClients[client.id] = client
	s.wsMu.Unlock()

	s.tel.IncrementWSClients(c.Request.Context())
	s.log.Debug("websocket client connected", logger.String("client_id", client.id))

	for _, ev := range s.deps.Bus.Recent(wsReplayDepth) {
		client.enqueue(ev)
	}
	sub := s.deps.Bus.Subscribe(func(events.Event) bool { return true }, client.enqueue)

	go s.writePump(client)
	go s.readPump(client, sub)
}

// readPump discards client frames; its job is noticing the close.
func (s *Server) readPump(client *wsClient, sub *events.Subscription) {
	defer s.removeClient(client, sub)

	client.conn.SetReadLimit(wsReadLimit)
	client.conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
		return nil
	})

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) writePump(client *wsClient) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-client.done:
			return
		case ev := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := client.conn.WriteJSON(ev); err != nil {
				client.shutdown()
				return
			}
		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				client.shutdown()
				return
			}
		}
	}
}

func (s *Server) removeClient(client *wsClient, sub *events.Subscription) {
	s.deps.Bus.Unsubscribe(sub)
	client.shutdown()

	s.wsMu.Lock()
	_, present := s.wsClients[client.id]
	delete(s.wsClients, client.id)
	s.wsMu.Unlock()

	if present {
		s.tel.DecrementWSClients(context.Background())
		s.log.Debug("websocket client gone", logger.String("client_id", client.id))
	}
}

// originAllowed mirrors the CORS origin list for websocket upgrades. An
// empty list keeps the open default used by the HTTP layer.
func (s *Server) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.cfg.CORSOrigins) == 0 {
		return true
	}
	for _, allowed := range s.cfg.CORSOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}
