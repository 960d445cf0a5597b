package web

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

type wsServerMessage struct {
	Type  string    `json:"type"`
	Event string    `json:"event,omitempty"`
	Time  time.Time `json:"time"`
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     allowWSOrigin,
}

// allowWSOrigin accepts same-host browsers and non-browser clients that
// send no Origin.
func allowWSOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	originURL, err := url.Parse(origin)
	if err != nil || originURL.Host == "" {
		return false
	}
	return strings.EqualFold(originURL.Host, r.Host)
}

// handleEventsWS streams notifications to the client until either side
// closes or the server shuts down.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if s.cfg.Feed == nil {
		writeAPIError(w, http.StatusServiceUnavailable, "FEED_NOT_CONFIGURED", "event feed is not enabled")
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteJSON(wsServerMessage{Type: "status", Event: "connected", Time: time.Now().UTC()}); err != nil {
		conn.Close()
		return
	}
	s.cfg.Feed.Serve(r.Context(), conn)
}
