package http

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/policyvault/internal/events"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = (streamPongWait * 9) / 10
)

// EventStream fans events out to websocket clients. Slow clients lose
// events instead of blocking publishers.
type EventStream struct {
	upgrader websocket.Upgrader
	buffer   int
	onCount  func(n int)

	mu      sync.RWMutex
	clients map[*streamClient]struct{}
	closed  bool
}

type streamClient struct {
	conn   *websocket.Conn
	send   chan events.Event
	types  map[events.Type]bool
	closed sync.Once
}

func (c *streamClient) wants(t events.Type) bool {
	return len(c.types) == 0 || c.types[t]
}

// NewEventStream creates a hub with a per-client buffer of buffer events
func NewEventStream(buffer int) *EventStream {
	if buffer <= 0 {
		buffer = 64
	}
	return &EventStream{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		buffer:  buffer,
		clients: make(map[*streamClient]struct{}),
	}
}

// OnClientCount is called with the number of clients after each change
func (s *EventStream) OnClientCount(fn func(n int)) {
	s.mu.Lock()
	s.onCount = fn
	s.mu.Unlock()
}

// Name implements events.Sink
func (s *EventStream) Name() string { return "websocket" }

// Publish implements events.Sink
func (s *EventStream) Publish(_ context.Context, e events.Event) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for c := range s.clients {
		if !c.wants(e.Type) {
			continue
		}
		select {
		case c.send <- e:
		default:
			log.Warn().
				Str("remote", c.conn.RemoteAddr().String()).
				Str("event_type", string(e.Type)).
				Msg("Event stream client too slow, event dropped")
		}
	}
	return nil
}

// Clients returns the number of connected clients
func (s *EventStream) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// ServeHTTP upgrades the connection and streams events as JSON text
// messages. ?types=a,b limits the stream to those event types.
func (s *EventStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("Event stream upgrade failed")
		return
	}

	c := &streamClient{
		conn:  conn,
		send:  make(chan events.Event, s.buffer),
		types: parseTypes(r.URL.Query().Get("types")),
	}
	if !s.register(c) {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		conn.Close()
		return
	}

	log.Info().Str("remote", conn.RemoteAddr().String()).Msg("Event stream client connected")
	go s.writeLoop(c)
	s.readLoop(c)
}

func (s *EventStream) register(c *streamClient) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.clients[c] = struct{}{}
	n, fn := len(s.clients), s.onCount
	s.mu.Unlock()

	if fn != nil {
		fn(n)
	}
	return true
}

func (s *EventStream) unregister(c *streamClient) {
	s.mu.Lock()
	_, ok := s.clients[c]
	delete(s.clients, c)
	n, fn := len(s.clients), s.onCount
	s.mu.Unlock()

	if !ok {
		return
	}
	c.closed.Do(func() { close(c.send) })
	if fn != nil {
		fn(n)
	}
}

// readLoop only processes control frames; it returns when the peer goes away
func (s *EventStream) readLoop(c *streamClient) {
	defer func() {
		s.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(streamPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *EventStream) writeLoop(c *streamClient) {
	ticker := time.NewTicker(streamPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case e, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(e); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Close disconnects every client and refuses new ones
func (s *EventStream) Close() {
	s.mu.Lock()
	s.closed = true
	clients := make([]*streamClient, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		s.unregister(c)
	}
}

func parseTypes(raw string) map[events.Type]bool {
	if raw == "" {
		return nil
	}
	out := make(map[events.Type]bool)
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out[events.Type(t)] = true
		}
	}
	return out
}
