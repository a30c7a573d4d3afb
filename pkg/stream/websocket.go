package stream

import (
	"context"
	"net/http"
	"strings"
	"time"

	"marketplace/pkg/events"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// TypeReady is the first message on every stream.
const TypeReady = "stream.ready"

const writeTimeout = 5 * time.Second

// Handler upgrades the request to a websocket and streams the caller's order
// events as JSON until either side goes away.
func (h *Hub) Handler(actor func(*http.Request) string, originPatterns []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		opts := &websocket.AcceptOptions{}
		if len(originPatterns) > 0 {
			opts.OriginPatterns = originPatterns
		}
		conn, err := websocket.Accept(w, r, opts)
		if err != nil {
			return
		}
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		sub := h.Subscribe(actor(r), 64)
		defer h.Unsubscribe(sub)

		_ = wsjson.Write(ctx, conn, events.Event{Type: TypeReady, OccurredAt: time.Now().UTC()})
		readErr := make(chan error, 1)
		go func() {
			for {
				if _, _, err := conn.Read(ctx); err != nil {
					readErr <- err
					return
				}
			}
		}()
		for {
			select {
			case <-ctx.Done():
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			case <-readErr:
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			case evt, ok := <-sub:
				if !ok {
					_ = conn.Close(websocket.StatusGoingAway, "shutdown")
					return
				}
				writeCtx, cancelWrite := context.WithTimeout(ctx, writeTimeout)
				err := wsjson.Write(writeCtx, conn, evt)
				cancelWrite()
				if err != nil {
					_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
					return
				}
			}
		}
	}
}

// OriginPatterns turns a comma-separated list of CORS origins into websocket
// origin patterns (scheme stripped).
func OriginPatterns(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if i := strings.Index(p, "://"); i >= 0 {
			p = p[i+3:]
		}
		out = append(out, p)
	}
	return out
}
