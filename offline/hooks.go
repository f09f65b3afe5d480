package offline

// Hooks observe the fetch path. Called inline; keep them cheap.
type Hooks interface {
	CacheHit(cache string)
	CacheMiss()
	// stored is false when the entry was deleted or its generation dropped
	// while the refresh was in flight.
	Revalidated(key string, stored bool)
	// kind ∈ {"database", "page", "unavailable"}
	OfflineFallback(kind string)
}

type NopHooks struct{}

func (NopHooks) CacheHit(string)          {}
func (NopHooks) CacheMiss()               {}
func (NopHooks) Revalidated(string, bool) {}
func (NopHooks) OfflineFallback(string)   {}
