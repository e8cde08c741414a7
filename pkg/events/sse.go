package events

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// SerializeSSE renders one SSE frame. Multi-line data is split across data
// fields; empty data still yields one data field.
func SerializeSSE(event, id string, data []byte) []byte {
	var buf bytes.Buffer
	if event != "" {
		buf.WriteString("event: ")
		buf.WriteString(event)
		buf.WriteString("\n")
	}
	if id != "" {
		buf.WriteString("id: ")
		buf.WriteString(id)
		buf.WriteString("\n")
	}
	if len(data) == 0 {
		buf.WriteString("data: \n")
	} else {
		for _, line := range strings.Split(string(data), "\n") {
			buf.WriteString("data: ")
			buf.WriteString(line)
			buf.WriteString("\n")
		}
	}
	buf.WriteString("\n")
	return buf.Bytes()
}

// Handler streams the bus as Server-Sent Events. The SSE id is the envelope
// sequence, so a client reconnecting with Last-Event-ID receives what it
// missed while the history still holds it.
func (b *Bus) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		var after uint64
		if last := r.Header.Get("Last-Event-ID"); last != "" {
			if n, err := strconv.ParseUint(last, 10, 64); err == nil {
				after = n
			}
		}

		events, unsubscribe := b.Subscribe(after)
		defer unsubscribe()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		ticker := time.NewTicker(b.cfg.KeepAlive)
		defer ticker.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-ticker.C:
				if _, err := w.Write([]byte(": keepalive\n\n")); err != nil {
					return
				}
				flusher.Flush()
			case env, ok := <-events:
				if !ok {
					return
				}
				data, err := json.Marshal(env)
				if err != nil {
					b.cfg.Logger.Error("failed to encode event", "error", err)
					continue
				}
				frame := SerializeSSE(string(env.Event.Type), strconv.FormatUint(env.Sequence, 10), data)
				if _, err := w.Write(frame); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	})
}
