package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/unkn0wn-root/syncache"
	"github.com/unkn0wn-root/syncache/notify"
	"github.com/unkn0wn-root/syncache/offline"
	provmem "github.com/unkn0wn-root/syncache/provider/memory"
	"github.com/unkn0wn-root/syncache/remote/memory"
)

// ==============================
// Helpers
// ==============================

type seqIDs struct{ n atomic.Int64 }

func (s *seqIDs) NextID() int64 { return s.n.Add(1) }

type fixture struct {
	mgr    syncache.Manager
	events *notify.Broadcaster[syncache.Snapshot]
	srv    *httptest.Server
	reg    *prometheus.Registry
}

func newFixture(t *testing.T, mod func(*Config)) *fixture {
	t.Helper()
	events := notify.New[syncache.Snapshot](8)
	mgr, err := syncache.New(syncache.Options{
		Store:     memory.New(),
		IDs:       &seqIDs{},
		Notifiers: []syncache.Notifier{events},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := mgr.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	reg := prometheus.NewRegistry()
	cfg := Config{Manager: mgr, Events: events, Metrics: NewMetrics(reg, "test")}
	if mod != nil {
		mod(&cfg)
	}
	h, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		srv.Close()
		events.Close()
		_ = mgr.Close(context.Background())
	})
	return &fixture{mgr: mgr, events: events, srv: srv, reg: reg}
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

const validInput = `{"caseNumber":"123/2024","amount":"100.50","date":"2024-01-15","defendantName":"Ali"}`

// ==============================
// Deductions API
// ==============================

func TestCreateAndDuplicate(t *testing.T) {
	f := newFixture(t, nil)

	resp, body := f.do(t, http.MethodPost, "/api/deductions", validInput)
	if resp.StatusCode != http.StatusCreated || body["success"] != true {
		t.Fatalf("create: %d %v", resp.StatusCode, body)
	}
	resp, body = f.do(t, http.MethodPost, "/api/deductions",
		`{"caseNumber":"123/ 2024","amount":100.5,"date":"2024-01-15","defendantName":" Ali"}`)
	if resp.StatusCode != http.StatusConflict || body["duplicate"] != true || body["success"] != false {
		t.Fatalf("duplicate: %d %v", resp.StatusCode, body)
	}
	if f.mgr.Len() != 1 {
		t.Fatalf("len=%d", f.mgr.Len())
	}
}

func TestCreateValidationAndBadBody(t *testing.T) {
	f := newFixture(t, nil)

	resp, body := f.do(t, http.MethodPost, "/api/deductions", `{"caseNumber":"1"}`)
	if resp.StatusCode != http.StatusBadRequest || body["success"] != false {
		t.Fatalf("validation: %d %v", resp.StatusCode, body)
	}
	if msg, _ := body["error"].(string); !strings.Contains(msg, "amount") {
		t.Fatalf("error=%q", msg)
	}
	resp, _ = f.do(t, http.MethodPost, "/api/deductions", `{`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad body status=%d", resp.StatusCode)
	}
}

func TestListByCaseUpdateDelete(t *testing.T) {
	f := newFixture(t, nil)
	f.do(t, http.MethodPost, "/api/deductions", validInput)
	f.do(t, http.MethodPost, "/api/deductions", `{"caseNumber":"999","amount":5,"date":"2024-02-01"}`)

	_, body := f.do(t, http.MethodGet, "/api/deductions", "")
	if body["count"] != float64(2) {
		t.Fatalf("all: %v", body)
	}
	_, body = f.do(t, http.MethodGet, "/api/deductions?case=999", "")
	if body["count"] != float64(1) {
		t.Fatalf("by case: %v", body)
	}

	resp, body := f.do(t, http.MethodPatch, "/api/deductions/1", `{"status":"paid"}`)
	if resp.StatusCode != http.StatusOK || body["success"] != true {
		t.Fatalf("patch: %d %v", resp.StatusCode, body)
	}
	if d := body["deduction"].(map[string]any); d["status"] != "paid" {
		t.Fatalf("patched=%v", d)
	}

	resp, _ = f.do(t, http.MethodPatch, "/api/deductions/42", `{"status":"paid"}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("patch missing status=%d", resp.StatusCode)
	}
	resp, _ = f.do(t, http.MethodPatch, "/api/deductions/abc", `{}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("patch bad id status=%d", resp.StatusCode)
	}

	resp, body = f.do(t, http.MethodDelete, "/api/deductions/2", "")
	if resp.StatusCode != http.StatusOK || body["success"] != true {
		t.Fatalf("delete: %d %v", resp.StatusCode, body)
	}
	resp, _ = f.do(t, http.MethodDelete, "/api/deductions/2", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second delete status=%d", resp.StatusCode)
	}
	if f.mgr.Len() != 1 {
		t.Fatalf("len=%d", f.mgr.Len())
	}
}

func TestReconcileWithoutSlot(t *testing.T) {
	f := newFixture(t, nil)
	resp, body := f.do(t, http.MethodPost, "/api/reconcile", "")
	if resp.StatusCode != http.StatusOK || body["created"] != float64(0) {
		t.Fatalf("reconcile: %d %v", resp.StatusCode, body)
	}
}

func TestHealthAndRequestID(t *testing.T) {
	f := newFixture(t, nil)
	resp, body := f.do(t, http.MethodGet, "/health", "")
	if resp.StatusCode != 200 || body["status"] != "healthy" {
		t.Fatalf("health: %v", body)
	}
	if resp.Header.Get(RequestIDHeader) == "" {
		t.Fatalf("request id not assigned")
	}

	req, _ := http.NewRequest(http.MethodGet, f.srv.URL+"/health", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp2.Body.Close()
	if resp2.Header.Get(RequestIDHeader) != "abc-123" {
		t.Fatalf("incoming request id not kept")
	}
}

func TestMetricsCountRequests(t *testing.T) {
	f := newFixture(t, nil)
	f.do(t, http.MethodGet, "/api/deductions", "")
	f.do(t, http.MethodGet, "/api/deductions", "")
	f.do(t, http.MethodGet, "/health", "")

	c, err := testutil.GatherAndCount(f.reg, "test_http_requests_total")
	if err != nil {
		t.Fatal(err)
	}
	if c != 2 { // api GET 200, health GET 200
		t.Fatalf("series=%d", c)
	}
}

func TestEventsStreamSnapshots(t *testing.T) {
	f := newFixture(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, f.srv.URL+"/api/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	rd := bufio.NewReader(resp.Body)
	if line, _ := rd.ReadString('\n'); !strings.HasPrefix(line, ": connected") {
		t.Fatalf("first line=%q", line)
	}

	f.do(t, http.MethodPost, "/api/deductions", validInput)

	for {
		line, err := rd.ReadString('\n')
		if err != nil {
			t.Fatal(err)
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var snap syncache.Snapshot
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &snap); err != nil {
			t.Fatal(err)
		}
		if len(snap.Records) != 1 || snap.Records[0].CaseNumber != "123/2024" {
			t.Fatalf("snapshot=%+v", snap)
		}
		return
	}
}

// ==============================
// Middleware
// ==============================

func TestRecoveryReturns500(t *testing.T) {
	h := Recovery(syncache.NopLogger{})(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("code=%d", rec.Code)
	}
}

func TestRouteOf(t *testing.T) {
	cases := map[string]string{
		"/api/deductions/1": "api",
		"/sw/message":       "sw",
		"/metrics":          "metrics",
		"/health":           "health",
		"/index.html":       "proxy",
	}
	for in, want := range cases {
		if got := routeOf(in); got != want {
			t.Fatalf("routeOf(%q)=%q want %q", in, got, want)
		}
	}
}

// ==============================
// Offline proxy
// ==============================

func TestProxyServesCachedAppWhenUpstreamDown(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/", "/index.html":
			w.Header().Set("Content-Type", "text/html")
			io.WriteString(w, "<html>app</html>")
		default:
			http.NotFound(w, r)
		}
	}))
	origin := upstream.URL + "/"

	storage, err := offline.NewStorage(offline.StorageConfig{Provider: provmem.New()})
	if err != nil {
		t.Fatal(err)
	}
	reg := offline.NewRegistration(offline.RegistrationConfig{SkipWaitingOnInstall: true})
	defer reg.Close()
	w, err := offline.NewWorker(offline.Config{
		Origin:         origin,
		Storage:        storage,
		StaticAssets:   []string{"./", "./index.html"},
		ExternalAssets: []string{},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(context.Background(), w); err != nil {
		t.Fatal(err)
	}

	f := newFixture(t, func(c *Config) {
		c.Registration = reg
		c.Origin = origin
	})

	get := func(path string) (int, string) {
		req, _ := http.NewRequest(http.MethodGet, f.srv.URL+path, nil)
		req.Header.Set("Accept", "text/html")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(b)
	}

	if code, body := get("/"); code != 200 || body != "<html>app</html>" {
		t.Fatalf("online: %d %q", code, body)
	}
	w.Wait()
	upstream.Close()

	if code, body := get("/"); code != 200 || body != "<html>app</html>" {
		t.Fatalf("cached: %d %q", code, body)
	}
	if code, body := get("/cases/7"); code != 200 || body != "<html>app</html>" {
		t.Fatalf("offline page: %d %q", code, body)
	}
	w.Wait()

	resp, out := f.do(t, http.MethodPost, "/sw/sync", `{"tag":"background-sync"}`)
	if resp.StatusCode != 200 || out["success"] != true {
		t.Fatalf("sw sync: %d %v", resp.StatusCode, out)
	}
}
