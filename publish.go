package syncache

import "context"

// publish stores the full record set in the slot and fans it out to every
// notifier. Failures are logged and reported through hooks, never returned.
func (m *manager) publish(ctx context.Context) {
	m.pubMu.Lock()
	defer m.pubMu.Unlock()

	recs := m.All()
	m.seq++
	gen := m.seq

	if m.slot != nil {
		if payload, err := m.codec.Encode(recs); err != nil {
			m.publishFailed("encode", err)
		} else if g, err := m.slot.Save(ctx, payload); err != nil {
			m.publishFailed("slot", err)
		} else {
			gen = g
		}
	}

	snap := Snapshot{Gen: gen, Records: recs, At: m.now()}
	for _, n := range m.notifiers {
		if err := n.Notify(ctx, snap); err != nil {
			m.publishFailed("notify", err)
		}
	}
	m.hooks.Published(gen, len(recs))
	m.log.Debug("published snapshot", Fields{"gen": gen, "records": len(recs)})
}

func (m *manager) publishFailed(stage string, err error) {
	m.hooks.PublishFailed(stage, err)
	m.log.Error("publish failed", Fields{"stage": stage, "err": err})
}
