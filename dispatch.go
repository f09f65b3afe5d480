package syncache

import (
	"context"

	"github.com/unkn0wn-root/syncache/remote"
)

// loop is the only consumer of the change stream.
func (m *manager) loop(events <-chan remote.Event, stop <-chan struct{}) {
	defer m.wg.Done()
	for {
		select {
		case <-stop:
			return
		case ev, ok := <-events:
			if !ok {
				m.log.Warn("change stream ended", Fields{"path": m.recordsPath})
				return
			}
			if !m.apply(ev) {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), m.publishTimeout)
			m.publish(ctx)
			cancel()
		}
	}
}

// apply folds one remote change into the maps and reports whether a publish
// should follow.
func (m *manager) apply(ev remote.Event) bool {
	switch ev.Kind {
	case remote.Added:
		rec, err := m.docs.Decode(ev.Value)
		if err != nil {
			m.log.Warn("skipping undecodable added record", Fields{"remoteKey": ev.Key, "err": err})
			return false
		}
		ik := IdentityKey(rec)
		m.mu.Lock()
		defer m.mu.Unlock()
		_, known := m.entries[ik]
		if !known {
			// a late echo of a record already re-keyed by a local update
			_, known = m.byID[rec.ID]
		}
		if known {
			m.hooks.EchoSuppressed(ev.Key)
			return false
		}
		m.putLocked(ik, entry{remoteKey: ev.Key, rec: rec})
		m.log.Debug("remote record added", Fields{"remoteKey": ev.Key})
		return true

	case remote.Changed:
		rec, err := m.docs.Decode(ev.Value)
		if err != nil {
			m.log.Warn("skipping undecodable changed record", Fields{"remoteKey": ev.Key, "err": err})
			return false
		}
		m.mu.Lock()
		m.putLocked(IdentityKey(rec), entry{remoteKey: ev.Key, rec: rec})
		m.mu.Unlock()
		m.log.Debug("remote record changed", Fields{"remoteKey": ev.Key})
		return true

	case remote.Removed:
		m.mu.Lock()
		m.removeLocked(ev)
		m.mu.Unlock()
		m.log.Debug("remote record removed", Fields{"remoteKey": ev.Key})
		return true

	default:
		m.log.Warn("ignoring unknown change kind", Fields{"kind": ev.Kind.String(), "remoteKey": ev.Key})
		return false
	}
}

// removeLocked drops the entry for the removed payload's identity key and the
// entry indexed by its id. Backends that cannot send the old payload are
// matched by remote key instead.
func (m *manager) removeLocked(ev remote.Event) {
	if rec, err := m.docs.Decode(ev.Value); err == nil && len(ev.Value) > 0 {
		m.dropLocked(IdentityKey(rec))
		if ik, ok := m.byID[rec.ID]; ok {
			m.dropLocked(ik)
		}
		return
	}
	for ik, e := range m.entries {
		if e.remoteKey == ev.Key {
			m.dropLocked(ik)
			return
		}
	}
}
