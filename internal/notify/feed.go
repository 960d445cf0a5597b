package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	feedSendBuffer = 32
	feedWriteWait  = 10 * time.Second
	feedPingEvery  = 30 * time.Second
)

// FeedEvent is one frame on the live notification feed.
type FeedEvent struct {
	Type    string    `json:"type"`
	Message Message   `json:"message"`
	Time    time.Time `json:"time"`
}

type feedClient struct {
	conn *websocket.Conn
	send chan []byte
}

// FeedTransport broadcasts messages to connected websocket clients. Slow
// clients are disconnected rather than allowed to stall delivery.
type FeedTransport struct {
	mu      sync.Mutex
	clients map[*feedClient]struct{}
}

func NewFeedTransport() *FeedTransport {
	return &FeedTransport{clients: make(map[*feedClient]struct{})}
}

func (f *FeedTransport) Name() string { return "feed" }

// Clients reports how many websocket clients are attached.
func (f *FeedTransport) Clients() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

func (f *FeedTransport) Send(_ context.Context, m Message) error {
	raw, err := json.Marshal(FeedEvent{Type: "notification", Message: m, Time: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("notify: feed: marshal: %w", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for c := range f.clients {
		select {
		case c.send <- raw:
		default:
			notifyLog.Warn("feed_client_dropped", slog.String("remote", c.conn.RemoteAddr().String()))
			delete(f.clients, c)
			close(c.send)
		}
	}
	return nil
}

// Probe always succeeds; clients reconnect on their own.
func (f *FeedTransport) Probe(context.Context) error { return nil }

// Serve attaches an upgraded connection and blocks until it closes or ctx
// ends.
func (f *FeedTransport) Serve(ctx context.Context, conn *websocket.Conn) {
	c := &feedClient{conn: conn, send: make(chan []byte, feedSendBuffer)}
	f.mu.Lock()
	f.clients[c] = struct{}{}
	f.mu.Unlock()

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	defer func() {
		f.detach(c)
		conn.Close()
	}()

	ping := time.NewTicker(feedPingEvery)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(feedWriteWait))
			return
		case <-readDone:
			return
		case raw, ok := <-c.send:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(feedWriteWait)); err != nil {
				return
			}
		}
	}
}

func (f *FeedTransport) detach(c *feedClient) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.clients[c]; ok {
		delete(f.clients, c)
		close(c.send)
	}
}
