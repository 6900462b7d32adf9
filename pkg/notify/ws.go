package notify

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeTimeout = 10 * time.Second
	pingInterval = 60 * time.Second
)

// ErrNoRoom is returned when a subscribe request names neither a tenant nor a digest.
var ErrNoRoom = errors.New("notify: tenant or digest is required")

// RoomsFromRequest reads ?tenant= and ?digest= into room names.
func RoomsFromRequest(r *http.Request) ([]string, error) {
	q := r.URL.Query()
	var rooms []string
	if t := q.Get("tenant"); t != "" {
		rooms = append(rooms, TenantRoom(t))
	}
	if d := q.Get("digest"); d != "" {
		rooms = append(rooms, DigestRoom(d))
	}
	if len(rooms) == 0 {
		return nil, ErrNoRoom
	}
	return rooms, nil
}

// ServeWS upgrades the request and streams notifications for the requested
// rooms as JSON text frames until the client goes away. Missed notifications
// are not replayed; clients re-fetch state after reconnecting.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	rooms, err := RoomsFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	upgr := &websocket.Upgrader{}
	wc, err := upgr.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws upgrade failed", "error", err)
		return
	}

	sub := h.Subscribe(rooms...)
	done := make(chan struct{})
	go h.write(wc, sub, done)

	// Read until the peer closes; inbound frames are ignored.
	for {
		if _, _, err := wc.NextReader(); err != nil {
			break
		}
	}
	sub.Close()
	<-done
}

func (h *Hub) write(wc *websocket.Conn, sub *Subscription, done chan<- struct{}) {
	defer close(done)
	defer func() { _ = wc.Close() }()
	t := time.NewTicker(pingInterval)
	defer t.Stop()

	for {
		select {
		case n, ok := <-sub.C():
			if !ok {
				_ = wc.SetWriteDeadline(time.Now().Add(writeTimeout))
				_ = wc.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			_ = wc.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := wc.WriteJSON(n); err != nil {
				sub.Close()
				return
			}
		case <-t.C:
			_ = wc.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := wc.WriteMessage(websocket.PingMessage, nil); err != nil {
				sub.Close()
				return
			}
		}
	}
}
