package offline

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/unkn0wn-root/syncache"
	"github.com/unkn0wn-root/syncache/codec"
	"github.com/unkn0wn-root/syncache/genstore"
	"github.com/unkn0wn-root/syncache/internal/cas"
	"github.com/unkn0wn-root/syncache/provider"
)

// Entry is a stored response.
type Entry struct {
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"body"`
	StoredAt time.Time   `json:"storedAt"`
}

type StorageConfig struct {
	Provider provider.Provider  // required
	Gens     genstore.Store     // nil => in-process
	Codec    codec.Codec[Entry] // nil => msgpack
	TTL      time.Duration      // 0 => entries never expire
	Logger   syncache.Logger
	Hooks    syncache.Hooks
}

// Storage holds named cache generations. Each generation keeps its entries
// under "offline:<name>:<url>" in the shared provider.
type Storage struct {
	cfg StorageConfig

	mu     sync.Mutex
	caches map[string]*Cache
	order  []string // creation order; Match searches in this order
}

func NewStorage(cfg StorageConfig) (*Storage, error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("offline: provider is required")
	}
	if cfg.Gens == nil {
		cfg.Gens = genstore.NewLocal(genstore.LocalConfig{})
	}
	if cfg.Codec == nil {
		cfg.Codec = codec.Msgpack[Entry]{}
	}
	if cfg.Logger == nil {
		cfg.Logger = syncache.NopLogger{}
	}
	return &Storage{cfg: cfg, caches: make(map[string]*Cache)}, nil
}

// Open returns the named generation, creating it if needed.
func (s *Storage) Open(name string) (*Cache, error) {
	if name == "" {
		return nil, fmt.Errorf("offline: cache name is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.caches[name]; ok {
		return c, nil
	}
	inner, err := cas.New(cas.Options[Entry]{
		Namespace: "offline:" + name,
		Provider:  s.cfg.Provider,
		Codec:     s.cfg.Codec,
		Gens:      s.cfg.Gens,
		Logger:    s.cfg.Logger,
		Hooks:     s.cfg.Hooks,
		TTL:       s.cfg.TTL,
	})
	if err != nil {
		return nil, err
	}
	c := &Cache{name: name, c: inner}
	s.caches[name] = c
	s.order = append(s.order, name)
	return c, nil
}

func (s *Storage) Has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.caches[name]
	return ok
}

// Names lists the generations in creation order.
func (s *Storage) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

// Delete drops a generation and every entry in it. It reports whether the
// generation existed.
func (s *Storage) Delete(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	c, ok := s.caches[name]
	if ok {
		delete(s.caches, name)
		for i, n := range s.order {
			if n == name {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
	}
	s.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, c.c.Drop(ctx)
}

// Match looks key up in every generation and returns the first hit.
func (s *Storage) Match(ctx context.Context, key string) (Entry, string, bool, error) {
	s.mu.Lock()
	list := make([]*Cache, 0, len(s.order))
	for _, n := range s.order {
		list = append(list, s.caches[n])
	}
	s.mu.Unlock()
	for _, c := range list {
		e, ok, err := c.Match(ctx, key)
		if err != nil {
			return Entry{}, "", false, err
		}
		if ok {
			return e, c.name, true, nil
		}
	}
	return Entry{}, "", false, nil
}

// Cache is one named generation.
type Cache struct {
	name string
	c    *cas.Cache[Entry]
}

func (c *Cache) Name() string { return c.name }

func (c *Cache) Match(ctx context.Context, key string) (Entry, bool, error) {
	return c.c.Get(ctx, key)
}

func (c *Cache) Put(ctx context.Context, key string, e Entry) error {
	return c.c.Put(ctx, key, e)
}

// Observe returns the token for a later PutIfUnchanged.
func (c *Cache) Observe(ctx context.Context, key string) (uint64, error) {
	return c.c.Snapshot(ctx, key)
}

// PutIfUnchanged stores e unless key was deleted or the generation dropped
// since obs was taken.
func (c *Cache) PutIfUnchanged(ctx context.Context, key string, e Entry, obs uint64) (bool, error) {
	return c.c.SetWithGen(ctx, key, e, obs)
}

func (c *Cache) Delete(ctx context.Context, key string) error {
	return c.c.Invalidate(ctx, key)
}

func (c *Cache) Keys() []string { return c.c.Keys() }
