package syncache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/unkn0wn-root/syncache/codec"
	"github.com/unkn0wn-root/syncache/remote"
)

// entry pairs a record with the remote key it is stored under.
type entry struct {
	remoteKey string
	rec       Deduction
}

type manager struct {
	store     remote.Store
	slot      Slot
	notifiers []Notifier
	codec     codec.Codec[[]Deduction]
	docs      codec.Codec[Deduction]
	log       Logger
	hooks     Hooks
	ids       IDGenerator
	defaults  Defaults
	now       func() time.Time

	recordsPath    string
	casesPath      string
	idAttempts     int
	publishTimeout time.Duration

	// serializes Create/Update/Delete so the duplicate check and the write
	// cannot interleave with another mutation from this process.
	writeMu sync.Mutex

	mu      sync.RWMutex
	entries map[string]entry // identity key -> entry
	byID    map[int64]string // record id -> identity key

	stateMu     sync.Mutex
	initialized bool
	closed      bool
	sub         remote.Subscription
	stopCh      chan struct{}
	wg          sync.WaitGroup
	closeOnce   sync.Once

	pubMu sync.Mutex
	seq   uint64
}

var _ Manager = (*manager)(nil)

func newManager(opts Options) (*manager, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("syncache: remote store is required")
	}
	m := &manager{
		store:     opts.Store,
		slot:      opts.Slot,
		notifiers: append([]Notifier(nil), opts.Notifiers...),
		codec:     opts.Codec,
		docs:      codec.JSON[Deduction]{},
		ids:       opts.IDs,
		defaults:  opts.Defaults.withFallback(),
		now:       opts.Now,
		entries:   make(map[string]entry),
		byID:      make(map[int64]string),
	}
	m.log = coalesce[Logger](opts.Logger, NopLogger{})
	m.hooks = coalesce[Hooks](opts.Hooks, NopHooks{})
	m.recordsPath = coalesce(opts.RecordsPath, DefaultRecordsPath)
	m.casesPath = coalesce(opts.CasesPath, DefaultCasesPath)
	m.idAttempts = coalesce(opts.IDAttempts, defaultIDAttempts)
	m.publishTimeout = coalesce(opts.PublishTimeout, 10*time.Second)

	if m.codec == nil {
		m.codec = codec.JSON[[]Deduction]{}
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.ids == nil {
		ids, err := NewSnowflakeIDs(0)
		if err != nil {
			return nil, err
		}
		m.ids = ids
	}
	return m, nil
}

func (m *manager) Initialize(ctx context.Context) error {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.initialized {
		m.log.Warn("manager already initialized; not subscribing again", Fields{"path": m.recordsPath})
		return nil
	}

	// Subscribe before the bulk read so nothing committed in between is lost.
	// Events for records the read already returned are absorbed as echoes.
	sub, err := m.store.Watch(ctx, m.recordsPath)
	if err != nil {
		return fmt.Errorf("syncache: watch %s: %w", m.recordsPath, err)
	}
	docs, err := m.store.Get(ctx, m.recordsPath)
	if err != nil {
		_ = sub.Close()
		return fmt.Errorf("syncache: load %s: %w", m.recordsPath, err)
	}

	keys := make([]string, 0, len(docs))
	for k := range docs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	m.mu.Lock()
	for _, rk := range keys {
		rec, err := m.docs.Decode(docs[rk])
		if err != nil {
			m.log.Warn("skipping undecodable record", Fields{"remoteKey": rk, "err": err})
			continue
		}
		ik := IdentityKey(rec)
		if _, dup := m.entries[ik]; dup {
			m.log.Debug("collapsing duplicate record", Fields{"remoteKey": rk, "key": ik})
			continue
		}
		m.putLocked(ik, entry{remoteKey: rk, rec: rec})
	}
	n := len(m.entries)
	m.mu.Unlock()

	m.sub = sub
	m.stopCh = make(chan struct{})
	m.wg.Add(1)
	go m.loop(sub.Events(), m.stopCh)

	m.initialized = true
	m.log.Info("sync manager initialized", Fields{"path": m.recordsPath, "records": n})
	return nil
}

func (m *manager) ready() error {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	switch {
	case m.closed:
		return ErrClosed
	case !m.initialized:
		return ErrNotInitialized
	}
	return nil
}

func (m *manager) Create(ctx context.Context, in Input) (Result, error) {
	if err := m.ready(); err != nil {
		return Result{}, err
	}
	if err := in.validate(); err != nil {
		return Result{}, err
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	rec := m.defaults.build(in, 0, m.now())
	ik := IdentityKey(rec)
	if existing, ok := m.lookup(ik); ok {
		m.hooks.DuplicateRejected(ik)
		m.log.Warn("duplicate deduction refused", Fields{"key": ik, "existing": existing.ID})
		return Result{
			Success:   false,
			Duplicate: true,
			Existing:  &existing,
			Message:   "deduction already exists",
		}, nil
	}

	rk, err := m.insertRemote(ctx, &rec)
	if err != nil {
		return Result{}, err
	}

	m.mu.Lock()
	m.putLocked(ik, entry{remoteKey: rk, rec: rec})
	m.mu.Unlock()
	m.log.Info("deduction created", Fields{"remoteKey": rk, "case": rec.CaseNumber})

	m.recomputeCase(ctx, rec.CaseNumber)
	m.publish(ctx)
	return Result{Success: true, Deduction: &rec, RemoteKey: rk}, nil
}

// insertRemote allocates an id and writes rec with create-if-absent, asking
// for a new id whenever the key is already taken.
func (m *manager) insertRemote(ctx context.Context, rec *Deduction) (string, error) {
	for attempt := 0; attempt < m.idAttempts; attempt++ {
		rec.ID = m.ids.NextID()
		rk := RemoteKey(rec.ID)
		body, err := m.docs.Encode(*rec)
		if err != nil {
			return "", err
		}
		created, err := m.store.CreateIfAbsent(ctx, m.recordsPath, rk, body)
		if err != nil {
			return "", fmt.Errorf("syncache: create %s: %w", rk, err)
		}
		if created {
			return rk, nil
		}
		m.log.Warn("record id already taken; retrying", Fields{"remoteKey": rk, "attempt": attempt + 1})
	}
	return "", ErrIDExhausted
}

func (m *manager) Update(ctx context.Context, id int64, p Patch) (Deduction, error) {
	if err := m.ready(); err != nil {
		return Deduction{}, err
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	oldKey, cur, ok := m.byRecordID(id)
	if !ok {
		return Deduction{}, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	merged := p.Apply(cur.rec)
	if fields := p.Fields(); len(fields) > 0 {
		if err := m.store.Update(ctx, m.recordsPath, cur.remoteKey, fields); err != nil {
			return Deduction{}, fmt.Errorf("syncache: update %s: %w", cur.remoteKey, err)
		}
	}

	newKey := IdentityKey(merged)
	m.mu.Lock()
	m.putLocked(newKey, entry{remoteKey: cur.remoteKey, rec: merged})
	m.mu.Unlock()
	m.log.Info("deduction updated", Fields{"remoteKey": cur.remoteKey, "rekeyed": oldKey != newKey})

	m.recomputeCase(ctx, merged.CaseNumber)
	if cur.rec.CaseNumber != merged.CaseNumber {
		m.recomputeCase(ctx, cur.rec.CaseNumber)
	}
	m.publish(ctx)
	return merged, nil
}

func (m *manager) Delete(ctx context.Context, id int64) error {
	if err := m.ready(); err != nil {
		return err
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	key, cur, ok := m.byRecordID(id)
	if !ok {
		return fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	if err := m.store.Remove(ctx, m.recordsPath, cur.remoteKey); err != nil {
		return fmt.Errorf("syncache: remove %s: %w", cur.remoteKey, err)
	}

	m.mu.Lock()
	m.dropLocked(key)
	m.mu.Unlock()
	m.log.Info("deduction deleted", Fields{"remoteKey": cur.remoteKey})

	m.adjustCase(ctx, cur.rec.CaseNumber, cur.rec.Amount.Neg())
	m.publish(ctx)
	return nil
}

func (m *manager) All() []Deduction {
	m.mu.RLock()
	out := make([]Deduction, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.rec)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *manager) ByCase(caseNumber string) []Deduction {
	all := m.All()
	out := all[:0]
	for _, d := range all {
		if d.CaseNumber == caseNumber {
			out = append(out, d)
		}
	}
	return out
}

func (m *manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *manager) Reconcile(ctx context.Context) (int, error) {
	if err := m.ready(); err != nil {
		return 0, err
	}
	if m.slot == nil {
		return 0, nil
	}
	payload, _, ok, err := m.slot.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("syncache: load snapshot: %w", err)
	}
	if !ok {
		m.log.Info("no persisted snapshot to reconcile", nil)
		return 0, nil
	}
	recs, err := m.codec.Decode(payload)
	if err != nil {
		return 0, fmt.Errorf("syncache: decode snapshot: %w", err)
	}

	created := 0
	var errs []error
	for _, r := range recs {
		if _, ok := m.lookup(IdentityKey(r)); ok {
			continue
		}
		res, err := m.Create(ctx, InputOf(r))
		if err != nil {
			m.log.Error("reconcile create failed", Fields{"id": r.ID, "err": err})
			errs = append(errs, fmt.Errorf("record %d: %w", r.ID, err))
			continue
		}
		if res.Success {
			created++
		}
	}
	m.log.Info("reconciled snapshot", Fields{"snapshot": len(recs), "created": created})
	return created, errors.Join(errs...)
}

func (m *manager) Close(context.Context) error {
	var err error
	m.closeOnce.Do(func() {
		m.stateMu.Lock()
		m.closed = true
		sub, stop := m.sub, m.stopCh
		m.sub = nil
		m.stateMu.Unlock()

		if stop != nil {
			close(stop)
		}
		if sub != nil {
			err = sub.Close()
		}
		m.wg.Wait()
		m.log.Debug("sync manager closed", nil)
	})
	return err
}

func (m *manager) lookup(ik string) (Deduction, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[ik]
	return e.rec, ok
}

func (m *manager) byRecordID(id int64) (string, entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ik, ok := m.byID[id]
	if !ok {
		return "", entry{}, false
	}
	e, ok := m.entries[ik]
	return ik, e, ok
}

// putLocked stores e under ik. If the record was indexed under another
// identity key, that stale entry is dropped. Caller holds m.mu.
func (m *manager) putLocked(ik string, e entry) {
	if old, ok := m.byID[e.rec.ID]; ok && old != ik {
		if prev, ok := m.entries[old]; ok && prev.rec.ID == e.rec.ID {
			delete(m.entries, old)
			m.hooks.StaleKeyDropped(old)
		}
	}
	if prev, ok := m.entries[ik]; ok && prev.rec.ID != e.rec.ID && m.byID[prev.rec.ID] == ik {
		delete(m.byID, prev.rec.ID)
	}
	m.entries[ik] = e
	m.byID[e.rec.ID] = ik
}

// dropLocked removes the entry under ik. Caller holds m.mu.
func (m *manager) dropLocked(ik string) bool {
	e, ok := m.entries[ik]
	if !ok {
		return false
	}
	delete(m.entries, ik)
	if m.byID[e.rec.ID] == ik {
		delete(m.byID, e.rec.ID)
	}
	return true
}
