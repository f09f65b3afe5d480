package ristretto

import (
	"context"
	"errors"
	"time"

	rc "github.com/dgraph-io/ristretto"

	pr "github.com/unkn0wn-root/syncache/provider"
)

// Sizing used for zero Config fields. Sized for one snapshot plus a few
// hundred cached responses.
const (
	DefaultNumCounters = 1e5
	DefaultMaxCost     = 64 << 20
	DefaultBufferItems = 64
)

// Provider keeps values in a cost-bounded ristretto cache. Admission is
// probabilistic, so a rejected Set reports ok=false instead of an error.
// Writes are flushed before Set returns; a Get right after a publish sees
// the new snapshot.
type Provider struct {
	c *rc.Cache
}

var _ pr.Provider = (*Provider)(nil)

// Config sizes the cache. Zero fields take the Default* values; negative
// fields are rejected.
type Config struct {
	NumCounters int64
	MaxCost     int64 // in bytes; Set with cost <= 0 charges len(value)
	BufferItems int64
}

func New(cfg Config) (*Provider, error) {
	if cfg.NumCounters < 0 || cfg.MaxCost < 0 || cfg.BufferItems < 0 {
		return nil, errors.New("ristretto: negative size in config")
	}
	c, err := rc.NewCache(&rc.Config{
		NumCounters: orDefault(cfg.NumCounters, DefaultNumCounters),
		MaxCost:     orDefault(cfg.MaxCost, DefaultMaxCost),
		BufferItems: orDefault(cfg.BufferItems, DefaultBufferItems),
	})
	if err != nil {
		return nil, err
	}
	return &Provider{c: c}, nil
}

func orDefault(v, d int64) int64 {
	if v == 0 {
		return d
	}
	return v
}

func (p *Provider) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := p.c.Get(key)
	if !ok {
		return nil, false, nil
	}
	b, ok := v.([]byte)
	if !ok {
		p.c.Del(key)
		return nil, false, nil
	}
	return b, true, nil
}

func (p *Provider) Set(_ context.Context, key string, value []byte, cost int64, ttl time.Duration) (bool, error) {
	if cost <= 0 {
		cost = int64(len(value))
	}
	// callers reuse their buffers
	buf := append([]byte(nil), value...)
	var ok bool
	if ttl > 0 {
		ok = p.c.SetWithTTL(key, buf, cost, ttl)
	} else {
		ok = p.c.Set(key, buf, cost)
	}
	p.c.Wait()
	return ok, nil
}

func (p *Provider) Del(_ context.Context, key string) error {
	p.c.Del(key)
	return nil
}

func (p *Provider) Close(_ context.Context) error {
	p.c.Close()
	return nil
}
