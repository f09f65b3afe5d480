// Package offline serves an origin through local response caches so pages
// keep loading while the network is down.
//
// A Worker pre-populates a static generation on Install, deletes every other
// generation on Activate, and answers requests from Fetch:
//
//   - database hosts: network only, a JSON offline error on failure
//   - everything else: cache first, revalidated in the background; on a miss
//     the network, caching same-origin 200 GETs; with neither, the offline
//     page for documents and a 503 otherwise.
package offline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/unkn0wn-root/syncache"
)

const (
	DefaultStaticCache  = "lawyer-app-static-v2.0"
	DefaultDynamicCache = "lawyer-app-dynamic-v2.0"
	DefaultOfflinePage  = "./index.html"

	DefaultOfflineMessage = "the application is working offline"

	DefaultMaxEntryBytes     = 8 << 20
	defaultRevalidateTimeout = 30 * time.Second
)

var (
	DefaultStaticAssets = []string{
		"./",
		"./index.html",
		"./manifest.json",
		"./icons/icon-72x72.png",
		"./icons/icon-96x96.png",
		"./icons/icon-128x128.png",
		"./icons/icon-144x144.png",
		"./icons/icon-152x152.png",
		"./icons/icon-192x192.png",
		"./icons/icon-384x384.png",
		"./icons/icon-512x512.png",
	}
	DefaultExternalAssets = []string{
		"https://cdnjs.cloudflare.com/ajax/libs/font-awesome/6.4.0/css/all.min.css",
		"https://www.gstatic.com/firebasejs/9.22.0/firebase-app-compat.js",
		"https://www.gstatic.com/firebasejs/9.22.0/firebase-database-compat.js",
	}
	// Host substrings routed network-only.
	DefaultDatabaseHosts = []string{"firebase", "firebaseio"}
)

type State int

const (
	StateParsed State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type Config struct {
	// Required
	Origin  string // base URL relative assets resolve against
	Storage *Storage

	StaticCache    string            // "" => DefaultStaticCache
	DynamicCache   string            // "" => DefaultDynamicCache
	StaticAssets   []string          // nil => DefaultStaticAssets
	ExternalAssets []string          // nil => DefaultExternalAssets
	DatabaseHosts  []string          // nil => DefaultDatabaseHosts
	OfflinePage    string            // "" => DefaultOfflinePage
	OfflineMessage string            // "" => DefaultOfflineMessage
	Network        http.RoundTripper // nil => http.DefaultTransport

	MaxEntryBytes     int64         // larger bodies are served but not cached; 0 => 8 MiB
	RevalidateTimeout time.Duration // 0 => 30s

	Logger syncache.Logger
	Hooks  Hooks
}

// Worker is safe for concurrent use once installed.
type Worker struct {
	origin *url.URL
	store  *Storage
	net    http.RoundTripper
	log    syncache.Logger
	hooks  Hooks

	staticName, dynamicName string
	static, external        []string
	dbHosts                 []string
	offlinePage             string
	offlineMsg              string
	maxEntry                int64
	revalTimeout            time.Duration

	mu    sync.Mutex
	state State

	bg sync.WaitGroup
}

func NewWorker(cfg Config) (*Worker, error) {
	if cfg.Storage == nil {
		return nil, fmt.Errorf("offline: storage is required")
	}
	origin, err := url.Parse(cfg.Origin)
	if err != nil || origin.Scheme == "" || origin.Host == "" {
		return nil, fmt.Errorf("offline: origin %q must be an absolute URL", cfg.Origin)
	}
	if !strings.HasSuffix(origin.Path, "/") {
		origin.Path += "/"
	}
	w := &Worker{
		origin:       origin,
		store:        cfg.Storage,
		net:          cfg.Network,
		log:          cfg.Logger,
		hooks:        cfg.Hooks,
		staticName:   coalesce(cfg.StaticCache, DefaultStaticCache),
		dynamicName:  coalesce(cfg.DynamicCache, DefaultDynamicCache),
		static:       cfg.StaticAssets,
		external:     cfg.ExternalAssets,
		dbHosts:      cfg.DatabaseHosts,
		offlinePage:  coalesce(cfg.OfflinePage, DefaultOfflinePage),
		offlineMsg:   coalesce(cfg.OfflineMessage, DefaultOfflineMessage),
		maxEntry:     cfg.MaxEntryBytes,
		revalTimeout: cfg.RevalidateTimeout,
	}
	if w.net == nil {
		w.net = http.DefaultTransport
	}
	if w.log == nil {
		w.log = syncache.NopLogger{}
	}
	if w.hooks == nil {
		w.hooks = NopHooks{}
	}
	if w.static == nil {
		w.static = DefaultStaticAssets
	}
	if w.external == nil {
		w.external = DefaultExternalAssets
	}
	if w.dbHosts == nil {
		w.dbHosts = DefaultDatabaseHosts
	}
	if w.maxEntry <= 0 {
		w.maxEntry = DefaultMaxEntryBytes
	}
	if w.revalTimeout <= 0 {
		w.revalTimeout = defaultRevalidateTimeout
	}
	return w, nil
}

func coalesce(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// Install stores every static asset or none of them, and whatever external
// assets can be fetched. A static failure makes the worker redundant.
func (w *Worker) Install(ctx context.Context) error {
	w.setState(StateInstalling)
	// static is searched first on Match
	for _, name := range []string{w.staticName, w.dynamicName} {
		if _, err := w.store.Open(name); err != nil {
			w.setState(StateRedundant)
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.installStatic(gctx) })
	g.Go(func() error {
		w.installExternal(ctx)
		return nil
	})
	if err := g.Wait(); err != nil {
		w.setState(StateRedundant)
		w.log.Error("install failed", syncache.Fields{"cache": w.staticName, "err": err})
		return err
	}
	w.setState(StateInstalled)
	w.log.Info("installed", syncache.Fields{"static": len(w.static), "external": len(w.external)})
	return nil
}

func (w *Worker) installStatic(ctx context.Context) error {
	c, err := w.store.Open(w.staticName)
	if err != nil {
		return err
	}
	keys := make([]string, len(w.static))
	entries := make([]Entry, len(w.static))
	g, gctx := errgroup.WithContext(ctx)
	for i, asset := range w.static {
		g.Go(func() error {
			key, e, err := w.fetchAsset(gctx, asset)
			if err != nil {
				return err
			}
			keys[i], entries[i] = key, e
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for i := range keys {
		if err := c.Put(ctx, keys[i], entries[i]); err != nil {
			return fmt.Errorf("offline: store %s: %w", keys[i], err)
		}
	}
	return nil
}

func (w *Worker) installExternal(ctx context.Context) {
	c, err := w.store.Open(w.dynamicName)
	if err != nil {
		w.log.Warn("open dynamic cache", syncache.Fields{"cache": w.dynamicName, "err": err})
		return
	}
	var wg sync.WaitGroup
	for _, asset := range w.external {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key, e, err := w.fetchAsset(ctx, asset)
			if err == nil {
				err = c.Put(ctx, key, e)
			}
			if err != nil {
				w.log.Warn("external asset not cached", syncache.Fields{"url": asset, "err": err})
			}
		}()
	}
	wg.Wait()
}

// fetchAsset GETs asset and requires a 2xx.
func (w *Worker) fetchAsset(ctx context.Context, asset string) (string, Entry, error) {
	u, err := w.origin.Parse(asset)
	if err != nil {
		return "", Entry{}, fmt.Errorf("offline: asset %q: %w", asset, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", Entry{}, err
	}
	resp, err := w.net.RoundTrip(req)
	if err != nil {
		return "", Entry{}, fmt.Errorf("offline: fetch %s: %w", u, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", Entry{}, fmt.Errorf("offline: fetch %s: status %d", u, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, w.maxEntry+1))
	if err != nil {
		return "", Entry{}, err
	}
	if int64(len(body)) > w.maxEntry {
		return "", Entry{}, fmt.Errorf("offline: %s larger than %d bytes", u, w.maxEntry)
	}
	return cacheKey(u), newEntry(resp, body), nil
}

// Activate deletes every generation other than the static and dynamic ones.
func (w *Worker) Activate(ctx context.Context) error {
	w.setState(StateActivating)
	var errs []error
	for _, name := range w.store.Names() {
		if name == w.staticName || name == w.dynamicName {
			continue
		}
		w.log.Info("deleting old cache", syncache.Fields{"cache": name})
		if _, err := w.store.Delete(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("offline: delete %s: %w", name, err))
		}
	}
	w.setState(StateActivated)
	return errors.Join(errs...)
}

// Retire marks a replaced worker redundant and waits for its revalidations.
func (w *Worker) Retire() {
	w.setState(StateRedundant)
	w.bg.Wait()
}

// Wait blocks until in-flight background revalidations finish.
func (w *Worker) Wait() { w.bg.Wait() }

func (w *Worker) Fetch(req *http.Request) (*http.Response, error) {
	if w.isDatabase(req.URL) {
		return w.networkOnly(req)
	}
	if req.Method != http.MethodGet {
		resp, err := w.net.RoundTrip(req)
		if err != nil {
			return w.unavailable(req), nil
		}
		return resp, nil
	}

	ctx := req.Context()
	key := cacheKey(req.URL)
	e, from, ok, err := w.store.Match(ctx, key)
	if err != nil {
		w.log.Warn("cache lookup failed", syncache.Fields{"url": key, "err": err})
	}
	if ok {
		w.hooks.CacheHit(from)
		w.revalidate(req, key)
		return e.response(req), nil
	}
	w.hooks.CacheMiss()

	resp, err := w.net.RoundTrip(req)
	if err != nil {
		w.log.Debug("network failed", syncache.Fields{"url": key, "err": err})
		return w.fallback(req), nil
	}
	if resp.StatusCode != http.StatusOK || !w.sameOrigin(req.URL) {
		return resp, nil
	}
	return w.cacheResponse(req, key, resp), nil
}

func (w *Worker) networkOnly(req *http.Request) (*http.Response, error) {
	resp, err := w.net.RoundTrip(req)
	if err == nil {
		return resp, nil
	}
	w.hooks.OfflineFallback("database")
	w.log.Warn("database unreachable", syncache.Fields{"host": req.URL.Host, "err": err})
	body, _ := json.Marshal(map[string]string{"error": "offline", "message": w.offlineMsg})
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	return build(req, http.StatusOK, h, body), nil
}

func (w *Worker) fallback(req *http.Request) *http.Response {
	if isDocument(req) {
		u, err := w.origin.Parse(w.offlinePage)
		if err == nil {
			e, _, ok, err := w.store.Match(req.Context(), cacheKey(u))
			if err == nil && ok {
				w.hooks.OfflineFallback("page")
				return e.response(req)
			}
		}
	}
	return w.unavailable(req)
}

func (w *Worker) unavailable(req *http.Request) *http.Response {
	w.hooks.OfflineFallback("unavailable")
	h := http.Header{}
	h.Set("Content-Type", "text/plain; charset=utf-8")
	return build(req, http.StatusServiceUnavailable, h, []byte("Offline"))
}

// cacheResponse stores resp in the dynamic generation and hands back an
// equivalent response. Bodies over the size limit pass through uncached.
func (w *Worker) cacheResponse(req *http.Request, key string, resp *http.Response) *http.Response {
	ctx := req.Context()
	body, err := io.ReadAll(io.LimitReader(resp.Body, w.maxEntry+1))
	if err != nil {
		resp.Body.Close()
		w.log.Warn("read response", syncache.Fields{"url": key, "err": err})
		return w.fallback(req)
	}
	if int64(len(body)) > w.maxEntry {
		resp.Body = multiReadCloser(bytes.NewReader(body), resp.Body)
		return resp
	}
	resp.Body.Close()
	e := newEntry(resp, body)
	if c, err := w.store.Open(w.dynamicName); err == nil {
		if err := c.Put(ctx, key, e); err != nil {
			w.log.Warn("cache put failed", syncache.Fields{"url": key, "err": err})
		}
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	return resp
}

// revalidate refreshes key in the dynamic generation after the cached copy
// was served. A delete or Activate in between wins over the refresh.
func (w *Worker) revalidate(req *http.Request, key string) {
	c, err := w.store.Open(w.dynamicName)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(req.Context()), w.revalTimeout)
	obs, err := c.Observe(ctx, key)
	if err != nil {
		cancel()
		return
	}
	r := req.Clone(ctx)
	w.bg.Add(1)
	go func() {
		defer w.bg.Done()
		defer cancel()
		resp, err := w.net.RoundTrip(r)
		if err != nil {
			w.log.Debug("revalidate failed", syncache.Fields{"url": key, "err": err})
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, w.maxEntry+1))
		if err != nil || int64(len(body)) > w.maxEntry {
			return
		}
		stored, err := c.PutIfUnchanged(ctx, key, newEntry(resp, body), obs)
		if err != nil {
			w.log.Debug("revalidate store failed", syncache.Fields{"url": key, "err": err})
		}
		w.hooks.Revalidated(key, stored)
	}()
}

func (w *Worker) isDatabase(u *url.URL) bool {
	host := u.Hostname()
	for _, s := range w.dbHosts {
		if s != "" && strings.Contains(host, s) {
			return true
		}
	}
	return false
}

func (w *Worker) sameOrigin(u *url.URL) bool {
	return u.Scheme == w.origin.Scheme && u.Host == w.origin.Host
}

func isDocument(req *http.Request) bool {
	if d := req.Header.Get("Sec-Fetch-Dest"); d != "" {
		return d == "document"
	}
	return strings.Contains(req.Header.Get("Accept"), "text/html")
}

// cacheKey is the URL without its fragment.
func cacheKey(u *url.URL) string {
	c := *u
	c.Fragment = ""
	c.RawFragment = ""
	return c.String()
}
