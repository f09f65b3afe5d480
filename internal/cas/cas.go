// Package cas is a generation-checked value cache over a provider.Provider.
//
// Every stored value is framed with the generation observed before it was
// produced. A read whose frame disagrees with the current generation is a miss
// and the entry is deleted, so a write racing an invalidation never resurfaces.
//
//	obs, _ := c.Snapshot(ctx, k) // before fetching
//	v := fetch(k)
//	_, _ = c.SetWithGen(ctx, k, v, obs) // stored iff gen still == obs
package cas

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/unkn0wn-root/syncache"
	"github.com/unkn0wn-root/syncache/codec"
	"github.com/unkn0wn-root/syncache/genstore"
	"github.com/unkn0wn-root/syncache/internal/wire"
	"github.com/unkn0wn-root/syncache/provider"
)

var ErrDropped = errors.New("cas: cache dropped")

type CostFunc func(storageKey string, raw []byte) int64

type Options[V any] struct {
	// Required
	Namespace string // storage keys are "<Namespace>:<key>"
	Provider  provider.Provider
	Codec     codec.Codec[V]
	Gens      genstore.Store

	Logger syncache.Logger // nil => NopLogger
	Hooks  syncache.Hooks  // nil => NopHooks
	TTL    time.Duration   // 0 => no expiry
	Cost   CostFunc        // nil => len(raw)
}

// Cache is safe for concurrent use.
type Cache[V any] struct {
	ns    string
	p     provider.Provider
	codec codec.Codec[V]
	gens  genstore.Store
	log   syncache.Logger
	hooks syncache.Hooks
	ttl   time.Duration
	cost  CostFunc

	// keys written through this cache; providers cannot list.
	keysMu sync.Mutex
	keys   map[string]struct{}

	dropped atomic.Bool
}

func New[V any](opts Options[V]) (*Cache[V], error) {
	switch {
	case opts.Namespace == "":
		return nil, fmt.Errorf("cas: namespace is required")
	case opts.Provider == nil:
		return nil, fmt.Errorf("cas: provider is required")
	case opts.Codec == nil:
		return nil, fmt.Errorf("cas: codec is required")
	case opts.Gens == nil:
		return nil, fmt.Errorf("cas: generation store is required")
	}
	c := &Cache[V]{
		ns:    opts.Namespace,
		p:     opts.Provider,
		codec: opts.Codec,
		gens:  opts.Gens,
		ttl:   opts.TTL,
		cost:  opts.Cost,
		keys:  make(map[string]struct{}),
	}
	if opts.Logger != nil {
		c.log = opts.Logger
	} else {
		c.log = syncache.NopLogger{}
	}
	if opts.Hooks != nil {
		c.hooks = opts.Hooks
	} else {
		c.hooks = syncache.NopHooks{}
	}
	if c.cost == nil {
		c.cost = func(_ string, raw []byte) int64 { return int64(len(raw)) }
	}
	return c, nil
}

func (c *Cache[V]) Namespace() string { return c.ns }

func (c *Cache[V]) storageKey(k string) string { return c.ns + ":" + k }

// Snapshot returns the generation to pass to SetWithGen.
func (c *Cache[V]) Snapshot(ctx context.Context, key string) (uint64, error) {
	sk := c.storageKey(key)
	g, err := c.gens.Current(ctx, sk)
	if err != nil {
		c.hooks.GenError(sk, err)
		return 0, err
	}
	return g, nil
}

func (c *Cache[V]) Get(ctx context.Context, key string) (V, bool, error) {
	var zero V
	if c.dropped.Load() {
		return zero, false, nil
	}
	sk := c.storageKey(key)
	raw, ok, err := c.p.Get(ctx, sk)
	if err != nil || !ok {
		return zero, false, err
	}
	gen, payload, err := wire.Decode(raw)
	if err != nil {
		c.heal(ctx, sk, "corrupt")
		return zero, false, nil
	}
	cur, err := c.gens.Current(ctx, sk)
	if err != nil {
		c.hooks.GenError(sk, err)
		return zero, false, err
	}
	if gen != cur {
		c.heal(ctx, sk, "gen_mismatch")
		return zero, false, nil
	}
	v, err := c.codec.Decode(payload)
	if err != nil {
		c.heal(ctx, sk, "value_decode")
		return zero, false, nil
	}
	return v, true, nil
}

func (c *Cache[V]) heal(ctx context.Context, sk, reason string) {
	_ = c.p.Del(ctx, sk)
	c.hooks.SelfHeal(sk, reason)
	c.log.Debug("self-healed entry", syncache.Fields{"key": sk, "reason": reason})
}

// SetWithGen stores value iff the key's generation still equals observed.
// It reports whether the value was stored.
func (c *Cache[V]) SetWithGen(ctx context.Context, key string, value V, observed uint64) (bool, error) {
	if c.dropped.Load() {
		return false, ErrDropped
	}
	sk := c.storageKey(key)
	cur, err := c.gens.Current(ctx, sk)
	if err != nil {
		c.hooks.GenError(sk, err)
		return false, err
	}
	if cur != observed {
		c.log.Debug("write skipped (gen moved)", syncache.Fields{"key": sk, "obs": observed, "cur": cur})
		return false, nil
	}
	payload, err := c.codec.Encode(value)
	if err != nil {
		return false, err
	}
	raw := wire.Encode(observed, payload)
	ok, err := c.p.Set(ctx, sk, raw, c.cost(sk, raw), c.ttl)
	if err != nil {
		return false, err
	}
	if !ok {
		c.hooks.ProviderSetRejected(sk)
		c.log.Debug("provider rejected write", syncache.Fields{"key": sk})
		return false, nil
	}
	c.keysMu.Lock()
	c.keys[key] = struct{}{}
	c.keysMu.Unlock()
	return true, nil
}

// Put stores value at the current generation.
func (c *Cache[V]) Put(ctx context.Context, key string, value V) error {
	obs, err := c.Snapshot(ctx, key)
	if err != nil {
		return err
	}
	ok, err := c.SetWithGen(ctx, key, value, obs)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("cas: %s not stored", c.storageKey(key))
	}
	return nil
}

// Advance bumps the generation and returns it. The stored value turns stale
// until a SetWithGen with the returned generation lands.
func (c *Cache[V]) Advance(ctx context.Context, key string) (uint64, error) {
	sk := c.storageKey(key)
	g, err := c.gens.Bump(ctx, sk)
	if err != nil {
		c.hooks.GenError(sk, err)
		return 0, err
	}
	return g, nil
}

// Adopt raises the generation to the one framing the stored value, so values
// persisted by a previous process stay readable after a restart with an
// in-process generation store. It reports the resulting generation.
func (c *Cache[V]) Adopt(ctx context.Context, key string) (uint64, error) {
	sk := c.storageKey(key)
	raw, ok, err := c.p.Get(ctx, sk)
	if err != nil {
		return 0, err
	}
	if !ok {
		return c.gens.Current(ctx, sk)
	}
	gen, _, err := wire.Decode(raw)
	if err != nil {
		c.heal(ctx, sk, "corrupt")
		return c.gens.Current(ctx, sk)
	}
	g, err := c.gens.Raise(ctx, sk, gen)
	if err != nil {
		c.hooks.GenError(sk, err)
		return 0, err
	}
	c.keysMu.Lock()
	c.keys[key] = struct{}{}
	c.keysMu.Unlock()
	return g, nil
}

// Invalidate bumps the generation and deletes the stored value. In-flight
// writes that observed the old generation are then skipped.
func (c *Cache[V]) Invalidate(ctx context.Context, key string) error {
	sk := c.storageKey(key)
	_, bumpErr := c.gens.Bump(ctx, sk)
	if bumpErr != nil {
		c.hooks.GenError(sk, bumpErr)
	}
	delErr := c.p.Del(ctx, sk)
	c.keysMu.Lock()
	delete(c.keys, key)
	c.keysMu.Unlock()
	if bumpErr != nil && delErr != nil {
		c.hooks.InvalidateOutage(sk, bumpErr, delErr)
	}
	if bumpErr != nil || delErr != nil {
		return &syncache.InvalidateError{Key: sk, BumpErr: bumpErr, DelErr: delErr}
	}
	return nil
}

// Keys returns the keys stored through this cache, sorted.
func (c *Cache[V]) Keys() []string {
	c.keysMu.Lock()
	out := make([]string, 0, len(c.keys))
	for k := range c.keys {
		out = append(out, k)
	}
	c.keysMu.Unlock()
	sort.Strings(out)
	return out
}

// Drop deletes every stored value and forgets its generation. The cache is
// unusable afterwards: reads miss and writes return ErrDropped.
func (c *Cache[V]) Drop(ctx context.Context) error {
	if c.dropped.Swap(true) {
		return nil
	}
	keys := c.Keys()
	storage := make([]string, len(keys))
	var errs []error
	for i, k := range keys {
		storage[i] = c.storageKey(k)
		if err := c.p.Del(ctx, storage[i]); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.gens.Forget(ctx, storage...); err != nil {
		errs = append(errs, err)
	}
	c.keysMu.Lock()
	c.keys = make(map[string]struct{})
	c.keysMu.Unlock()
	c.log.Debug("dropped cache", syncache.Fields{"ns": c.ns, "keys": len(keys)})
	return errors.Join(errs...)
}
