package admin

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/AtDexters-Lab/sni-relay/internal/protocol"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	subscriberBuf  = 64
)

// Broadcaster fans relay events out to websocket subscribers. Publish never
// blocks: a subscriber whose buffer is full is disconnected.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	logger *slog.Logger
}

type subscriber struct {
	conn     *websocket.Conn
	outgoing chan []byte
	quit     chan struct{}
	once     sync.Once
}

// NewBroadcaster creates an empty Broadcaster.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{subs: make(map[*subscriber]struct{}), logger: logger}
}

// Publish implements iface.EventSink.
func (b *Broadcaster) Publish(ev protocol.RouteEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.subs) == 0 {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		b.logger.Error("Failed to marshal relay event", "error", err)
		return
	}
	for s := range b.subs {
		select {
		case s.outgoing <- payload:
		default:
			b.logger.Warn("Dropping slow event subscriber", "remote", s.conn.RemoteAddr().String())
			delete(b.subs, s)
			s.close()
		}
	}
}

// Subscribers returns the number of connected subscribers.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close disconnects every subscriber.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		delete(b.subs, s)
		s.close()
	}
}

func (b *Broadcaster) add(conn *websocket.Conn) *subscriber {
	s := &subscriber{
		conn:     conn,
		outgoing: make(chan []byte, subscriberBuf),
		quit:     make(chan struct{}),
	}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

func (b *Broadcaster) remove(s *subscriber) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
	s.close()
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.quit) })
}

// serve runs the subscriber until either side goes away.
func (b *Broadcaster) serve(conn *websocket.Conn) {
	s := b.add(conn)
	b.logger.Info("Event subscriber connected", "remote", conn.RemoteAddr().String())
	go s.readPump()
	s.writePump()
	b.remove(s)
	conn.Close()
	b.logger.Info("Event subscriber disconnected", "remote", conn.RemoteAddr().String())
}

// readPump only exists to process control frames; subscribers have nothing
// to say.
func (s *subscriber) readPump() {
	defer s.close()
	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *subscriber) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-s.quit:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		case payload := <-s.outgoing:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (b *Broadcaster) handleEvents(upgrader *websocket.Upgrader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade already wrote the HTTP error.
			b.logger.Warn("Failed to upgrade event subscriber", "remote", r.RemoteAddr, "error", err)
			return
		}
		b.serve(conn)
	}
}
