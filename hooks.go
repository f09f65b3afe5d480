package syncache

// Hooks are callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking: the dispatch loop and the
// offline fetch path call them inline. Wrap slow sinks with hooks/async.
type Hooks interface {
	// A create matched an existing identity key and was refused.
	DuplicateRejected(identityKey string)

	// A remote "added" event matched a cached identity key and was ignored
	// (our own write echoing back, or a remote duplicate).
	EchoSuppressed(remoteKey string)

	// A record changed identity and its entry under the old key was dropped.
	StaleKeyDropped(identityKey string)

	// A case total could not be recomputed. Never surfaced to callers.
	AggregateFailed(caseNumber string, err error)

	// A snapshot went out. gen is the slot generation, or the process-local
	// sequence when no slot is configured.
	Published(gen uint64, records int)

	// Part of a publish failed. stage ∈ {"encode", "slot", "notify"}
	PublishFailed(stage string, err error)

	// A stored entry was deleted on read.
	// reason ∈ {"corrupt", "gen_mismatch", "value_decode"}
	SelfHeal(storageKey, reason string)

	// Provider returned ok=false on Set (backpressure/eviction).
	ProviderSetRejected(storageKey string)

	// Generation store error (read or bump).
	GenError(storageKey string, err error)

	// Both gen bump and delete failed during an invalidation.
	InvalidateOutage(key string, bumpErr, delErr error)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) DuplicateRejected(string)              {}
func (NopHooks) EchoSuppressed(string)                 {}
func (NopHooks) StaleKeyDropped(string)                {}
func (NopHooks) AggregateFailed(string, error)         {}
func (NopHooks) Published(uint64, int)                 {}
func (NopHooks) PublishFailed(string, error)           {}
func (NopHooks) SelfHeal(string, string)               {}
func (NopHooks) ProviderSetRejected(string)            {}
func (NopHooks) GenError(string, error)                {}
func (NopHooks) InvalidateOutage(string, error, error) {}

// TeeHooks forwards every event to each of hs in order.
func TeeHooks(hs ...Hooks) Hooks { return teeHooks(hs) }

type teeHooks []Hooks

func (t teeHooks) DuplicateRejected(k string) {
	for _, h := range t {
		h.DuplicateRejected(k)
	}
}
func (t teeHooks) EchoSuppressed(k string) {
	for _, h := range t {
		h.EchoSuppressed(k)
	}
}
func (t teeHooks) StaleKeyDropped(k string) {
	for _, h := range t {
		h.StaleKeyDropped(k)
	}
}
func (t teeHooks) AggregateFailed(c string, err error) {
	for _, h := range t {
		h.AggregateFailed(c, err)
	}
}
func (t teeHooks) Published(gen uint64, n int) {
	for _, h := range t {
		h.Published(gen, n)
	}
}
func (t teeHooks) PublishFailed(stage string, err error) {
	for _, h := range t {
		h.PublishFailed(stage, err)
	}
}
func (t teeHooks) SelfHeal(k, reason string) {
	for _, h := range t {
		h.SelfHeal(k, reason)
	}
}
func (t teeHooks) ProviderSetRejected(k string) {
	for _, h := range t {
		h.ProviderSetRejected(k)
	}
}
func (t teeHooks) GenError(k string, err error) {
	for _, h := range t {
		h.GenError(k, err)
	}
}
func (t teeHooks) InvalidateOutage(k string, bumpErr, delErr error) {
	for _, h := range t {
		h.InvalidateOutage(k, bumpErr, delErr)
	}
}
