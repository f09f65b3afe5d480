// Package snapshot is the local persistent slot holding the last published
// record set. One value lives under "slot:deductionsData", framed with the
// publish generation it was written at.
package snapshot

import (
	"context"
	"fmt"
	"time"

	"github.com/unkn0wn-root/syncache"
	"github.com/unkn0wn-root/syncache/codec"
	"github.com/unkn0wn-root/syncache/genstore"
	"github.com/unkn0wn-root/syncache/internal/cas"
	"github.com/unkn0wn-root/syncache/provider"
)

const DefaultKey = "deductionsData"

type Config struct {
	Provider provider.Provider // required
	Gens     genstore.Store    // nil => in-process
	Key      string            // "" => DefaultKey
	TTL      time.Duration     // 0 => never expires
	Logger   syncache.Logger
	Hooks    syncache.Hooks
}

type Slot struct {
	c    *cas.Cache[[]byte]
	p    provider.Provider
	gens genstore.Store
	key  string
}

var _ syncache.Slot = (*Slot)(nil)

// Open continues from the generation of any value already stored, so a
// persistent provider survives restarts even with in-process generations.
func Open(ctx context.Context, cfg Config) (*Slot, error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("snapshot: provider is required")
	}
	gens := cfg.Gens
	if gens == nil {
		gens = genstore.NewLocal(genstore.LocalConfig{})
	}
	key := cfg.Key
	if key == "" {
		key = DefaultKey
	}
	c, err := cas.New(cas.Options[[]byte]{
		Namespace: "slot",
		Provider:  cfg.Provider,
		Codec:     codec.Bytes{},
		Gens:      gens,
		Logger:    cfg.Logger,
		Hooks:     cfg.Hooks,
		TTL:       cfg.TTL,
	})
	if err != nil {
		return nil, err
	}
	if _, err := c.Adopt(ctx, key); err != nil {
		return nil, fmt.Errorf("snapshot: adopt %s: %w", key, err)
	}
	return &Slot{c: c, p: cfg.Provider, gens: gens, key: key}, nil
}

// Save stamps payload with a fresh generation and stores it.
func (s *Slot) Save(ctx context.Context, payload []byte) (uint64, error) {
	gen, err := s.c.Advance(ctx, s.key)
	if err != nil {
		return 0, err
	}
	ok, err := s.c.SetWithGen(ctx, s.key, payload, gen)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("snapshot: write at gen %d not stored", gen)
	}
	return gen, nil
}

// Load returns the stored payload and the generation it was saved at.
func (s *Slot) Load(ctx context.Context) ([]byte, uint64, bool, error) {
	gen, err := s.c.Snapshot(ctx, s.key)
	if err != nil {
		return nil, 0, false, err
	}
	payload, ok, err := s.c.Get(ctx, s.key)
	if err != nil || !ok {
		return nil, 0, false, err
	}
	return payload, gen, true, nil
}

// Clear removes the stored snapshot.
func (s *Slot) Clear(ctx context.Context) error {
	return s.c.Invalidate(ctx, s.key)
}

func (s *Slot) Close(ctx context.Context) error {
	_ = s.gens.Close(ctx)
	return s.p.Close(ctx)
}
