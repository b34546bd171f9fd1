package infra

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"dex_go/internal/event"
)

const (
	feedWriteTimeout = 10 * time.Second
	feedPingInterval = 30 * time.Second
	// feedSendBuffer is per client; a client that falls this far behind
	// is dropped rather than allowed to stall the stream.
	feedSendBuffer = 256
)

// feedFrame is the wire envelope for one event.
type feedFrame struct {
	Type event.Type  `json:"type"`
	Data event.Event `json:"data"`
}

// Feed broadcasts the event stream to WebSocket subscribers. It
// implements event.Sink: the engine publishes under its writer lock, so
// Publish only enqueues and never blocks on a socket.
type Feed struct {
	log      *slog.Logger
	upgrader websocket.Upgrader
	srv      *http.Server

	mu      sync.Mutex
	clients map[*feedClient]struct{}
}

type feedClient struct {
	conn *websocket.Conn
	send chan []byte
}

// NewFeed creates a feed hub.
func NewFeed(log *slog.Logger) *Feed {
	if log == nil {
		log = slog.Default()
	}
	return &Feed{
		log:      log,
		upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 4096},
		clients:  make(map[*feedClient]struct{}),
	}
}

// Publish fans the event out to every connected subscriber.
func (f *Feed) Publish(ev event.Event) {
	frame, err := json.Marshal(feedFrame{Type: ev.GetType(), Data: ev})
	if err != nil {
		f.log.Error("feed marshal failed",
			slog.Uint64("seq", ev.GetSeq()),
			slog.Any("err", err))
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for c := range f.clients {
		select {
		case c.send <- frame:
		default:
			// Slow consumer: close and let its pumps clean up.
			delete(f.clients, c)
			close(c.send)
		}
	}
}

// Start serves the feed on addr until the context is cancelled.
func (f *Feed) Start(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/stream", f.handleStream)

	f.srv = &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		f.srv.Shutdown(shutdownCtx)
	}()

	f.log.Info("feed listening", slog.String("addr", addr))
	err := f.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (f *Feed) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.log.Warn("feed upgrade failed", slog.Any("err", err))
		return
	}

	c := &feedClient{conn: conn, send: make(chan []byte, feedSendBuffer)}
	f.mu.Lock()
	f.clients[c] = struct{}{}
	f.mu.Unlock()
	f.log.Info("feed client connected", slog.String("remote", conn.RemoteAddr().String()))

	go f.writePump(c)
	f.readPump(c)
}

// readPump discards inbound frames; the feed is one-way. Its exit is
// the disconnect signal.
func (f *Feed) readPump(c *feedClient) {
	defer f.drop(c)
	c.conn.SetReadLimit(512)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (f *Feed) writePump(c *feedClient) {
	ticker := time.NewTicker(feedPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (f *Feed) drop(c *feedClient) {
	f.mu.Lock()
	if _, ok := f.clients[c]; ok {
		delete(f.clients, c)
		close(c.send)
	}
	f.mu.Unlock()
	c.conn.Close()
}
