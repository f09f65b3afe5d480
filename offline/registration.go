package offline

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/unkn0wn-root/syncache"
	"github.com/unkn0wn-root/syncache/notify"
)

const (
	MsgSkipWaiting    = "SKIP_WAITING"
	MsgBackgroundSync = "BACKGROUND_SYNC"

	// SyncTag is the only sync tag with a handler.
	SyncTag = "background-sync"

	DefaultSyncMessage = "connection restored"
)

// Message travels between pages and the registration in both directions.
type Message struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

type RegistrationConfig struct {
	// SkipWaitingOnInstall activates a newly installed worker even while
	// another one is active.
	SkipWaitingOnInstall bool
	SyncMessage          string            // "" => DefaultSyncMessage
	Fallback             http.RoundTripper // used before any worker is active; nil => http.DefaultTransport
	ClientBuffer         int               // per-page message buffer; 0 => 16
	Logger               syncache.Logger
}

// Registration owns the active and waiting workers and the connected pages.
type Registration struct {
	skipOnInstall bool
	syncMsg       string
	fallback      http.RoundTripper
	log           syncache.Logger
	clients       *notify.Broadcaster[Message]

	mu      sync.Mutex
	active  *Worker
	waiting *Worker
}

var _ http.RoundTripper = (*Registration)(nil)

func NewRegistration(cfg RegistrationConfig) *Registration {
	r := &Registration{
		skipOnInstall: cfg.SkipWaitingOnInstall,
		syncMsg:       coalesce(cfg.SyncMessage, DefaultSyncMessage),
		fallback:      cfg.Fallback,
		log:           cfg.Logger,
		clients:       notify.New[Message](cfg.ClientBuffer),
	}
	if r.fallback == nil {
		r.fallback = http.DefaultTransport
	}
	if r.log == nil {
		r.log = syncache.NopLogger{}
	}
	return r
}

// Register installs w. It becomes active right away when nothing is active
// or skip-waiting is set; otherwise it waits for SKIP_WAITING. A worker that
// fails to install is discarded.
func (r *Registration) Register(ctx context.Context, w *Worker) error {
	if err := w.Install(ctx); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != nil && !r.skipOnInstall {
		if r.waiting != nil {
			r.waiting.Retire()
		}
		r.waiting = w
		r.log.Info("worker waiting", nil)
		return nil
	}
	return r.activateLocked(ctx, w)
}

func (r *Registration) activateLocked(ctx context.Context, w *Worker) error {
	prev := r.active
	r.active = w
	if r.waiting == w {
		r.waiting = nil
	}
	err := w.Activate(ctx)
	if prev != nil {
		prev.Retire()
	}
	r.log.Info("worker activated", nil)
	return err
}

// PostMessage handles a control message from a page.
func (r *Registration) PostMessage(ctx context.Context, m Message) error {
	switch m.Type {
	case MsgSkipWaiting:
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.waiting == nil {
			return nil
		}
		return r.activateLocked(ctx, r.waiting)
	default:
		return fmt.Errorf("offline: unknown message type %q", m.Type)
	}
}

// Sync runs the handler for tag. Unknown tags are ignored. It reports how
// many pages received the broadcast.
func (r *Registration) Sync(_ context.Context, tag string) int {
	if tag != SyncTag {
		r.log.Debug("sync tag ignored", syncache.Fields{"tag": tag})
		return 0
	}
	n := r.clients.Publish(Message{Type: MsgBackgroundSync, Message: r.syncMsg})
	r.log.Info("background sync", syncache.Fields{"clients": n})
	return n
}

// Connect attaches a page. Close the subscription when the page goes away.
func (r *Registration) Connect() *notify.Subscription[Message] { return r.clients.Subscribe() }

func (r *Registration) Active() *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

func (r *Registration) Waiting() *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.waiting
}

// RoundTrip sends req through the active worker.
func (r *Registration) RoundTrip(req *http.Request) (*http.Response, error) {
	w := r.Active()
	if w == nil {
		return r.fallback.RoundTrip(req)
	}
	return w.Fetch(req)
}

// Close disconnects every page and waits for background work.
func (r *Registration) Close() {
	r.clients.Close()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, w := range []*Worker{r.active, r.waiting} {
		if w != nil {
			w.Wait()
		}
	}
}
