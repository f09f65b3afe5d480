package offline

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/unkn0wn-root/syncache"
)

const keepAlive = 25 * time.Second

// ControlHandler exposes the registration to pages:
//
//	POST /message  {"type":"SKIP_WAITING"}
//	POST /sync     {"tag":"background-sync"}
//	GET  /events   server-sent events carrying Message values
//
// Mount it under a prefix with http.StripPrefix.
func ControlHandler(r *Registration) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /message", func(w http.ResponseWriter, req *http.Request) {
		var m Message
		if err := json.NewDecoder(req.Body).Decode(&m); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "invalid message"})
			return
		}
		if err := r.PostMessage(req.Context(), m); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	})
	mux.HandleFunc("POST /sync", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Tag string `json:"tag"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.Tag == "" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "tag is required"})
			return
		}
		n := r.Sync(req.Context(), body.Tag)
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "clients": n})
	})
	mux.HandleFunc("GET /events", func(w http.ResponseWriter, req *http.Request) {
		sub := r.Connect()
		defer sub.Close()
		ServeEvents(w, req, sub.Events(), r.log)
	})
	return mux
}

// ServeEvents streams values from ch as server-sent events until ch closes
// or the client goes away.
func ServeEvents[T any](w http.ResponseWriter, req *http.Request, ch <-chan T, log syncache.Logger) {
	fl, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	fl.Flush()

	tick := time.NewTicker(keepAlive)
	defer tick.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-tick.C:
			fmt.Fprint(w, ": ping\n\n")
			fl.Flush()
		case v, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(v)
			if err != nil {
				if log != nil {
					log.Warn("event not encodable", syncache.Fields{"err": err})
				}
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			fl.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
