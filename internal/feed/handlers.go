package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const (
	keepAliveInterval = 15 * time.Second
	wsWriteTimeout    = 5 * time.Second
)

// FilterFromRequest reads the optional "types" (comma separated) and
// "intersection_id" query parameters.
func FilterFromRequest(r *http.Request) Filter {
	q := r.URL.Query()
	var f Filter
	if types := strings.TrimSpace(q.Get("types")); types != "" {
		for _, t := range strings.Split(types, ",") {
			if t = strings.TrimSpace(t); t != "" {
				f.Types = append(f.Types, t)
			}
		}
	}
	f.IntersectionID = strings.TrimSpace(q.Get("intersection_id"))
	return f
}

// ServeSSE streams events as Server-Sent Events until the client goes away.
func (h *Hub) ServeSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

	filter := FilterFromRequest(r)
	sub := h.Subscribe()
	defer h.Unsubscribe(sub.ID)

	// Send initial ping to establish connection
	w.Write([]byte(": ping\n\n"))
	flusher.Flush()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			if !filter.Match(ev) {
				continue
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload); err != nil {
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			if _, err := w.Write([]byte(": keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// ServeWebSocket upgrades the request and writes each event as a JSON text
// message. Inbound messages are ignored.
func (h *Hub) ServeWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		h.log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	defer conn.CloseNow()

	filter := FilterFromRequest(r)
	sub := h.Subscribe()
	defer h.Unsubscribe(sub.ID)

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				conn.Close(websocket.StatusGoingAway, ErrClosed.Error())
				return
			}
			if !filter.Match(ev) {
				continue
			}
			if err := writeJSON(ctx, conn, ev); err != nil {
				h.log.WithError(err).Debug("websocket write failed")
				return
			}
		}
	}
}

func writeJSON(ctx context.Context, conn *websocket.Conn, ev Event) error {
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, ev)
}
