package offline

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/unkn0wn-root/syncache/provider/memory"
)

// ==============================
// Fakes
// ==============================

// fakeNet answers every host from an in-memory table, or fails when down.
type fakeNet struct {
	mu    sync.Mutex
	down  bool
	pages map[string]string // url -> body; absent => 404
	hits  map[string]int
}

func newFakeNet() *fakeNet {
	return &fakeNet{pages: map[string]string{}, hits: map[string]int{}}
}

func (f *fakeNet) set(url, body string) {
	f.mu.Lock()
	f.pages[url] = body
	f.mu.Unlock()
}

func (f *fakeNet) setDown(v bool) {
	f.mu.Lock()
	f.down = v
	f.mu.Unlock()
}

func (f *fakeNet) count(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[url]
}

func (f *fakeNet) RoundTrip(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return nil, errors.New("network unreachable")
	}
	u := req.URL.String()
	f.hits[u]++
	rec := httptest.NewRecorder()
	body, ok := f.pages[u]
	if !ok {
		http.NotFound(rec, req)
	} else {
		rec.Header().Set("Content-Type", "text/plain")
		rec.WriteString(body)
	}
	resp := rec.Result()
	resp.Request = req
	return resp, nil
}

type countingHooks struct {
	hits, misses atomic.Int64
	mu           sync.Mutex
	fallbacks    []string
	revalidated  []bool
}

func (h *countingHooks) CacheHit(string) { h.hits.Add(1) }
func (h *countingHooks) CacheMiss()      { h.misses.Add(1) }
func (h *countingHooks) Revalidated(_ string, stored bool) {
	h.mu.Lock()
	h.revalidated = append(h.revalidated, stored)
	h.mu.Unlock()
}
func (h *countingHooks) OfflineFallback(kind string) {
	h.mu.Lock()
	h.fallbacks = append(h.fallbacks, kind)
	h.mu.Unlock()
}

const origin = "https://app.example/"

func newStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := NewStorage(StorageConfig{Provider: memory.New()})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func newWorker(t *testing.T, s *Storage, n *fakeNet, h Hooks, mod func(*Config)) *Worker {
	t.Helper()
	cfg := Config{
		Origin:         origin,
		Storage:        s,
		StaticAssets:   []string{"./", "./index.html", "./app.js"},
		ExternalAssets: []string{"https://cdn.example/lib.css"},
		Network:        n,
		Hooks:          h,
	}
	if mod != nil {
		mod(&cfg)
	}
	w, err := NewWorker(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return w
}

func seedOrigin(n *fakeNet) {
	n.set(origin, "root")
	n.set(origin+"index.html", "<html>offline shell</html>")
	n.set(origin+"app.js", "console.log(1)")
	n.set("https://cdn.example/lib.css", "body{}")
}

func get(t *testing.T, rt http.RoundTripper, url string, hdr ...string) (*http.Response, string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, url, nil)
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	resp, err := rt.RoundTrip(req)
	if err != nil {
		t.Fatalf("roundtrip %s: %v", url, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp, string(b)
}

// ==============================
// Install / activate
// ==============================

func TestInstallCachesStaticAndExternal(t *testing.T) {
	n := newFakeNet()
	seedOrigin(n)
	s := newStorage(t)
	w := newWorker(t, s, n, nil, nil)

	if err := w.Install(context.Background()); err != nil {
		t.Fatal(err)
	}
	if w.State() != StateInstalled {
		t.Fatalf("state=%s", w.State())
	}
	st, _ := s.Open(DefaultStaticCache)
	if got := len(st.Keys()); got != 3 {
		t.Fatalf("static keys=%d", got)
	}
	dyn, _ := s.Open(DefaultDynamicCache)
	if _, ok, _ := dyn.Match(context.Background(), "https://cdn.example/lib.css"); !ok {
		t.Fatalf("external asset not cached")
	}

	n.setDown(true)
	_, body := get(t, w, origin+"app.js")
	if body != "console.log(1)" {
		t.Fatalf("offline body=%q", body)
	}
}

func TestInstallStaticIsAllOrNothing(t *testing.T) {
	n := newFakeNet()
	seedOrigin(n)
	delete(n.pages, origin+"app.js")
	s := newStorage(t)
	w := newWorker(t, s, n, nil, nil)

	if err := w.Install(context.Background()); err == nil {
		t.Fatalf("expected install error")
	}
	if w.State() != StateRedundant {
		t.Fatalf("state=%s", w.State())
	}
	st, _ := s.Open(DefaultStaticCache)
	if got := len(st.Keys()); got != 0 {
		t.Fatalf("partial static install: %d keys", got)
	}
}

func TestInstallToleratesExternalFailure(t *testing.T) {
	n := newFakeNet()
	seedOrigin(n)
	delete(n.pages, "https://cdn.example/lib.css")
	w := newWorker(t, newStorage(t), n, nil, nil)
	if err := w.Install(context.Background()); err != nil {
		t.Fatalf("external failure must not fail install: %v", err)
	}
}

func TestActivateDeletesOldGenerations(t *testing.T) {
	ctx := context.Background()
	n := newFakeNet()
	seedOrigin(n)
	s := newStorage(t)
	old, _ := s.Open("lawyer-app-v1")
	_ = old.Put(ctx, origin+"stale.js", Entry{Status: 200, Body: []byte("x")})

	w := newWorker(t, s, n, nil, nil)
	if err := w.Install(ctx); err != nil {
		t.Fatal(err)
	}
	if err := w.Activate(ctx); err != nil {
		t.Fatal(err)
	}
	names := s.Names()
	if len(names) != 2 || s.Has("lawyer-app-v1") {
		t.Fatalf("names=%v", names)
	}
	if _, _, ok, _ := s.Match(ctx, origin+"stale.js"); ok {
		t.Fatalf("entry of deleted generation still served")
	}
	if _, err := old.PutIfUnchanged(ctx, origin+"late.js", Entry{}, 0); err == nil {
		t.Fatalf("write into deleted generation should fail")
	}
}

// ==============================
// Fetch
// ==============================

func TestDatabaseHostIsNetworkOnly(t *testing.T) {
	n := newFakeNet()
	h := &countingHooks{}
	w := newWorker(t, newStorage(t), n, h, nil)
	dbURL := "https://deductions.firebaseio.com/data.json"
	n.set(dbURL, `{"ok":true}`)

	_, body := get(t, w, dbURL)
	_, body2 := get(t, w, dbURL)
	if body != `{"ok":true}` || body2 != body || n.count(dbURL) != 2 {
		t.Fatalf("expected two network hits, got %d", n.count(dbURL))
	}

	n.setDown(true)
	resp, body := get(t, w, dbURL)
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "application/json" {
		t.Fatalf("status=%d ct=%s", resp.StatusCode, resp.Header.Get("Content-Type"))
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(body), &m); err != nil || m["error"] != "offline" || m["message"] == "" {
		t.Fatalf("body=%s", body)
	}
	if h.misses.Load() != 0 {
		t.Fatalf("database requests must not touch the cache")
	}
}

func TestMissCachesSameOrigin200Only(t *testing.T) {
	ctx := context.Background()
	n := newFakeNet()
	s := newStorage(t)
	w := newWorker(t, s, n, nil, nil)
	n.set(origin+"data.txt", "fresh")
	n.set("https://other.example/x.js", "foreign")

	get(t, w, origin+"data.txt")
	get(t, w, "https://other.example/x.js")
	get(t, w, origin+"missing")

	dyn, _ := s.Open(DefaultDynamicCache)
	if e, ok, _ := dyn.Match(ctx, origin+"data.txt"); !ok || string(e.Body) != "fresh" {
		t.Fatalf("same-origin response not cached")
	}
	if _, ok, _ := dyn.Match(ctx, "https://other.example/x.js"); ok {
		t.Fatalf("cross-origin response cached")
	}
	if _, ok, _ := dyn.Match(ctx, origin+"missing"); ok {
		t.Fatalf("404 cached")
	}
}

func TestHitServesCacheAndRevalidates(t *testing.T) {
	ctx := context.Background()
	n := newFakeNet()
	h := &countingHooks{}
	s := newStorage(t)
	w := newWorker(t, s, n, h, nil)
	n.set(origin+"news", "v1")

	get(t, w, origin+"news")
	n.set(origin+"news", "v2")

	_, body := get(t, w, origin+"news")
	if body != "v1" {
		t.Fatalf("expected cached v1, got %q", body)
	}
	w.Wait()
	if h.hits.Load() != 1 {
		t.Fatalf("hits=%d", h.hits.Load())
	}
	dyn, _ := s.Open(DefaultDynamicCache)
	e, ok, _ := dyn.Match(ctx, origin+"news")
	if !ok || string(e.Body) != "v2" {
		t.Fatalf("revalidation did not refresh: %q", e.Body)
	}
	_, body = get(t, w, origin+"news")
	w.Wait()
	if body != "v2" {
		t.Fatalf("got %q", body)
	}
}

func TestRevalidationLosesToDelete(t *testing.T) {
	ctx := context.Background()
	s := newStorage(t)
	dyn, _ := s.Open(DefaultDynamicCache)
	key := origin + "doc"
	_ = dyn.Put(ctx, key, Entry{Status: 200, Body: []byte("old")})

	obs, _ := dyn.Observe(ctx, key)
	if err := dyn.Delete(ctx, key); err != nil {
		t.Fatal(err)
	}
	stored, err := dyn.PutIfUnchanged(ctx, key, Entry{Status: 200, Body: []byte("late")}, obs)
	if err != nil || stored {
		t.Fatalf("stored=%v err=%v", stored, err)
	}
	if _, ok, _ := dyn.Match(ctx, key); ok {
		t.Fatalf("deleted entry resurrected")
	}
}

func TestOfflineFallbacks(t *testing.T) {
	n := newFakeNet()
	seedOrigin(n)
	h := &countingHooks{}
	w := newWorker(t, newStorage(t), n, h, nil)
	if err := w.Install(context.Background()); err != nil {
		t.Fatal(err)
	}
	n.setDown(true)

	resp, body := get(t, w, origin+"reports/2024", "Sec-Fetch-Dest", "document")
	if resp.StatusCode != 200 || !strings.Contains(body, "offline shell") {
		t.Fatalf("document fallback: %d %q", resp.StatusCode, body)
	}
	resp, body = get(t, w, origin+"reports/2024", "Accept", "text/html,application/xhtml+xml")
	if resp.StatusCode != 200 || !strings.Contains(body, "offline shell") {
		t.Fatalf("accept fallback: %d %q", resp.StatusCode, body)
	}
	resp, body = get(t, w, origin+"img/logo.png")
	if resp.StatusCode != http.StatusServiceUnavailable || body != "Offline" {
		t.Fatalf("asset fallback: %d %q", resp.StatusCode, body)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.fallbacks) != 3 || h.fallbacks[0] != "page" || h.fallbacks[2] != "unavailable" {
		t.Fatalf("fallbacks=%v", h.fallbacks)
	}
}

func TestNonGetBypassesCache(t *testing.T) {
	n := newFakeNet()
	s := newStorage(t)
	w := newWorker(t, s, n, nil, nil)
	n.set(origin+"submit", "ok")

	req := httptest.NewRequest(http.MethodPost, origin+"submit", strings.NewReader("x"))
	resp, err := w.Fetch(req)
	if err != nil || resp.StatusCode != 200 {
		t.Fatalf("post: %v", err)
	}
	if s.Has(DefaultDynamicCache) {
		if dyn, _ := s.Open(DefaultDynamicCache); len(dyn.Keys()) != 0 {
			t.Fatalf("POST response cached")
		}
	}
}

func TestOversizedBodyServedNotCached(t *testing.T) {
	n := newFakeNet()
	s := newStorage(t)
	w := newWorker(t, s, n, nil, func(c *Config) { c.MaxEntryBytes = 4 })
	n.set(origin+"big", "0123456789")

	_, body := get(t, w, origin+"big")
	if body != "0123456789" {
		t.Fatalf("body=%q", body)
	}
	dyn, _ := s.Open(DefaultDynamicCache)
	if len(dyn.Keys()) != 0 {
		t.Fatalf("oversized body cached")
	}
}

// ==============================
// Registration
// ==============================

func TestRegistrationWaitsForSkipWaiting(t *testing.T) {
	ctx := context.Background()
	n := newFakeNet()
	seedOrigin(n)
	s := newStorage(t)
	r := NewRegistration(RegistrationConfig{Fallback: n})
	defer r.Close()

	// before any worker, requests go straight to the network
	n.set(origin+"ping", "pong")
	if _, body := get(t, r, origin+"ping"); body != "pong" {
		t.Fatalf("fallback body=%q", body)
	}

	w1 := newWorker(t, s, n, nil, func(c *Config) { c.StaticCache, c.DynamicCache = "app-static-v1", "app-dynamic-v1" })
	if err := r.Register(ctx, w1); err != nil {
		t.Fatal(err)
	}
	if r.Active() != w1 || w1.State() != StateActivated {
		t.Fatalf("first worker should activate immediately")
	}

	w2 := newWorker(t, s, n, nil, nil)
	if err := r.Register(ctx, w2); err != nil {
		t.Fatal(err)
	}
	if r.Active() != w1 || r.Waiting() != w2 || w2.State() != StateInstalled {
		t.Fatalf("second worker should wait")
	}

	if err := r.PostMessage(ctx, Message{Type: MsgSkipWaiting}); err != nil {
		t.Fatal(err)
	}
	if r.Active() != w2 || r.Waiting() != nil {
		t.Fatalf("skip waiting did not promote")
	}
	if w1.State() != StateRedundant {
		t.Fatalf("old worker state=%s", w1.State())
	}
	if s.Has("app-static-v1") || s.Has("app-dynamic-v1") {
		t.Fatalf("old generations survived activation: %v", s.Names())
	}
	if err := r.PostMessage(ctx, Message{Type: "NOPE"}); err == nil {
		t.Fatalf("unknown message accepted")
	}
}

func TestRegistrationSkipWaitingOnInstall(t *testing.T) {
	ctx := context.Background()
	n := newFakeNet()
	seedOrigin(n)
	s := newStorage(t)
	r := NewRegistration(RegistrationConfig{SkipWaitingOnInstall: true})
	defer r.Close()

	w1 := newWorker(t, s, n, nil, nil)
	w2 := newWorker(t, s, n, nil, nil)
	_ = r.Register(ctx, w1)
	_ = r.Register(ctx, w2)
	if r.Active() != w2 || r.Waiting() != nil {
		t.Fatalf("expected immediate takeover")
	}
}

func TestRegisterFailedInstallKeepsActive(t *testing.T) {
	ctx := context.Background()
	n := newFakeNet()
	seedOrigin(n)
	s := newStorage(t)
	r := NewRegistration(RegistrationConfig{})
	defer r.Close()

	w1 := newWorker(t, s, n, nil, nil)
	_ = r.Register(ctx, w1)
	bad := newWorker(t, s, n, nil, func(c *Config) { c.StaticAssets = []string{"./nope"} })
	if err := r.Register(ctx, bad); err == nil {
		t.Fatalf("expected install error")
	}
	if r.Active() != w1 || r.Waiting() != nil {
		t.Fatalf("failed worker must not be registered")
	}
}

func TestSyncBroadcastsToClients(t *testing.T) {
	r := NewRegistration(RegistrationConfig{SyncMessage: "back online"})
	defer r.Close()
	a, b := r.Connect(), r.Connect()

	if n := r.Sync(context.Background(), "other-tag"); n != 0 {
		t.Fatalf("unknown tag delivered to %d", n)
	}
	if n := r.Sync(context.Background(), SyncTag); n != 2 {
		t.Fatalf("delivered=%d", n)
	}
	for _, sub := range []interface{ Events() <-chan Message }{a, b} {
		m := <-sub.Events()
		if m.Type != MsgBackgroundSync || m.Message != "back online" {
			t.Fatalf("msg=%+v", m)
		}
	}
}

// ==============================
// Control handler
// ==============================

func TestControlHandler(t *testing.T) {
	r := NewRegistration(RegistrationConfig{})
	defer r.Close()
	srv := httptest.NewServer(ControlHandler(r))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/message", "application/json", strings.NewReader(`{"type":"SKIP_WAITING"}`))
	if err != nil || resp.StatusCode != 200 {
		t.Fatalf("message: %v %v", err, resp)
	}
	resp.Body.Close()

	resp, _ = http.Post(srv.URL+"/message", "application/json", strings.NewReader(`{`))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad json status=%d", resp.StatusCode)
	}
	resp.Body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	stream, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Body.Close()
	if ct := stream.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content-type=%s", ct)
	}
	rd := bufio.NewReader(stream.Body)
	if line, _ := rd.ReadString('\n'); !strings.HasPrefix(line, ": connected") {
		t.Fatalf("first line=%q", line)
	}

	resp, err = http.Post(srv.URL+"/sync", "application/json", strings.NewReader(`{"tag":"background-sync"}`))
	if err != nil || resp.StatusCode != 200 {
		t.Fatalf("sync: %v", err)
	}
	var out struct {
		Clients int `json:"clients"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	resp.Body.Close()
	if out.Clients != 1 {
		t.Fatalf("clients=%d", out.Clients)
	}

	for {
		line, err := rd.ReadString('\n')
		if err != nil {
			t.Fatal(err)
		}
		if strings.HasPrefix(line, "data: ") {
			var m Message
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &m); err != nil {
				t.Fatal(err)
			}
			if m.Type != MsgBackgroundSync {
				t.Fatalf("msg=%+v", m)
			}
			return
		}
	}
}
