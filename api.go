package syncache

import (
	"context"
	"time"

	"github.com/unkn0wn-root/syncache/codec"
	"github.com/unkn0wn-root/syncache/remote"
)

const (
	DefaultRecordsPath = "legal_data/deductions/payments"
	DefaultCasesPath   = "legal_data/cases/active"

	defaultIDAttempts = 5
)

// Manager is the sync cache over a remote deduction collection.
type Manager interface {
	// Initialize bulk-loads the collection and starts following its changes.
	// Calling it again logs a warning and does nothing.
	Initialize(ctx context.Context) error

	// Create refuses duplicates with Result{Success:false, Duplicate:true}
	// and a nil error. Validation and remote failures are errors.
	Create(ctx context.Context, in Input) (Result, error)
	Update(ctx context.Context, id int64, p Patch) (Deduction, error)
	Delete(ctx context.Context, id int64) error

	// Reads never touch the remote store.
	All() []Deduction
	ByCase(caseNumber string) []Deduction
	Len() int

	// Reconcile pushes records from the last persisted snapshot that the
	// cache does not know about. It returns how many were created.
	Reconcile(ctx context.Context) (int, error)

	Close(ctx context.Context) error
}

// Slot is the local persistent snapshot store. Save returns the generation
// the payload was stamped with; Load reports ok=false when nothing is stored.
type Slot interface {
	Save(ctx context.Context, payload []byte) (gen uint64, err error)
	Load(ctx context.Context) (payload []byte, gen uint64, ok bool, err error)
}

// Notifier receives every published snapshot. Implementations must not
// retain the Records slice beyond the call unless they copy it.
type Notifier interface {
	Notify(ctx context.Context, s Snapshot) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, s Snapshot) error

func (f NotifierFunc) Notify(ctx context.Context, s Snapshot) error { return f(ctx, s) }

// Options configure a Manager. Only Store is required.
type Options struct {
	Store remote.Store

	Slot      Slot                     // nil => snapshots are not persisted
	Notifiers []Notifier               // UI fan-out
	Codec     codec.Codec[[]Deduction] // snapshot encoding; nil => JSON
	Logger    Logger                   // nil => NopLogger
	Hooks     Hooks                    // nil => NopHooks
	IDs       IDGenerator              // nil => snowflake node 0
	Defaults  Defaults                 // zero fields => DefaultValues

	RecordsPath string // "" => DefaultRecordsPath
	CasesPath   string // "" => DefaultCasesPath

	IDAttempts     int           // create-if-absent retries on id collision; 0 => 5
	PublishTimeout time.Duration // bound on publishes driven by remote events; 0 => 10s
	Now            func() time.Time
}

func New(opts Options) (Manager, error) {
	return newManager(opts)
}
