// Package httpapi is the daemon's HTTP surface: the deductions API, live
// snapshot events, the offline control channel and the cached web app.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"time"

	"github.com/unkn0wn-root/syncache"
	"github.com/unkn0wn-root/syncache/notify"
	"github.com/unkn0wn-root/syncache/offline"
)

type Config struct {
	// Required
	Manager syncache.Manager

	Events       *notify.Broadcaster[syncache.Snapshot] // nil => /api/events is 404
	Registration *offline.Registration                  // nil => no /sw and no proxy
	Origin       string                                 // upstream proxied at "/" through Registration
	Metrics      *Metrics                               // nil => no request metrics
	MetricsPage  http.Handler                           // served at /metrics
	Logger       syncache.Logger
}

type Server struct {
	mgr    syncache.Manager
	events *notify.Broadcaster[syncache.Snapshot]
	log    syncache.Logger
}

// New returns the routed handler wrapped in recovery, logging, metrics and
// request IDs.
func New(cfg Config) (http.Handler, error) {
	if cfg.Manager == nil {
		return nil, errors.New("httpapi: manager is required")
	}
	log := cfg.Logger
	if log == nil {
		log = syncache.NopLogger{}
	}
	s := &Server{mgr: cfg.Manager, events: cfg.Events, log: log}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/deductions", s.list)
	mux.HandleFunc("POST /api/deductions", s.create)
	mux.HandleFunc("PATCH /api/deductions/{id}", s.update)
	mux.HandleFunc("DELETE /api/deductions/{id}", s.remove)
	mux.HandleFunc("POST /api/reconcile", s.reconcile)
	if s.events != nil {
		mux.HandleFunc("GET /api/events", s.stream)
	}
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":  "healthy",
			"records": s.mgr.Len(),
			"time":    time.Now().UTC().Format(time.RFC3339),
		})
	})
	if cfg.MetricsPage != nil {
		mux.Handle("GET /metrics", cfg.MetricsPage)
	}
	if cfg.Registration != nil {
		mux.Handle("/sw/", http.StripPrefix("/sw", offline.ControlHandler(cfg.Registration)))
		if cfg.Origin != "" {
			p, err := proxy(cfg.Origin, cfg.Registration, log)
			if err != nil {
				return nil, err
			}
			mux.Handle("/", p)
		}
	}

	var h http.Handler = mux
	if cfg.Metrics != nil {
		h = cfg.Metrics.Middleware(h)
	}
	h = Logger(log)(h)
	h = Recovery(log)(h)
	h = RequestID(h)
	return h, nil
}

// proxy forwards to origin with the offline registration as transport.
func proxy(origin string, rt http.RoundTripper, log syncache.Logger) (http.Handler, error) {
	target, err := url.Parse(origin)
	if err != nil {
		return nil, err
	}
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
		},
		Transport: rt,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			log.Warn("upstream failed", syncache.Fields{"path": r.URL.Path, "err": err})
			writeError(w, http.StatusBadGateway, "upstream unavailable")
		},
	}, nil
}

func (s *Server) list(w http.ResponseWriter, r *http.Request) {
	var recs []syncache.Deduction
	if c := r.URL.Query().Get("case"); c != "" {
		recs = s.mgr.ByCase(c)
	} else {
		recs = s.mgr.All()
	}
	if recs == nil {
		recs = []syncache.Deduction{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"deductions": recs, "count": len(recs)})
}

func (s *Server) create(w http.ResponseWriter, r *http.Request) {
	var in syncache.Input
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeResult(w, http.StatusBadRequest, syncache.Result{Error: "invalid request body"})
		return
	}
	res, err := s.mgr.Create(r.Context(), in)
	switch {
	case err != nil:
		writeFailure(w, err)
	case res.Duplicate:
		writeResult(w, http.StatusConflict, res)
	default:
		writeResult(w, http.StatusCreated, res)
	}
}

func (s *Server) update(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var p syncache.Patch
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeResult(w, http.StatusBadRequest, syncache.Result{Error: "invalid request body"})
		return
	}
	d, err := s.mgr.Update(r.Context(), id, p)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeResult(w, http.StatusOK, syncache.Result{Success: true, Deduction: &d})
}

func (s *Server) remove(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.mgr.Delete(r.Context(), id); err != nil {
		writeFailure(w, err)
		return
	}
	writeResult(w, http.StatusOK, syncache.Result{Success: true})
}

func (s *Server) reconcile(w http.ResponseWriter, r *http.Request) {
	n, err := s.mgr.Reconcile(r.Context())
	body := map[string]any{"success": err == nil, "created": n}
	if err != nil {
		body["error"] = err.Error()
		writeJSON(w, statusOf(err), body)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) stream(w http.ResponseWriter, r *http.Request) {
	sub := s.events.Subscribe()
	defer sub.Close()
	offline.ServeEvents(w, r, sub.Events(), s.log)
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeResult(w, http.StatusBadRequest, syncache.Result{Error: "invalid id"})
		return 0, false
	}
	return id, true
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, syncache.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, syncache.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, syncache.ErrNotInitialized), errors.Is(err, syncache.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeFailure writes the same body the Safe* wrappers produce.
func writeFailure(w http.ResponseWriter, err error) {
	writeResult(w, statusOf(err), syncache.Result{Success: false, Error: err.Error()})
}

func writeResult(w http.ResponseWriter, status int, res syncache.Result) {
	writeJSON(w, status, res)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}
