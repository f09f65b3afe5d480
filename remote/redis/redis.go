// Package redis backs remote.Store with Redis: one hash per path and a pub/sub
// channel "<path>:events" carrying remote.Envelope JSON for every change.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/unkn0wn-root/syncache/remote"
)

const defaultMaxRetries = 8

var ErrNilClient = errors.New("remote/redis: nil client")

type Config struct {
	Client      redis.UniversalClient
	KeyPrefix   string // prepended to hash keys and channels
	MaxRetries  int    // optimistic retries for Update and Remove; 0 => 8
	CloseClient bool
	Buffer      int // per-subscription event buffer; 0 => 256
}

type Store struct {
	rdb         redis.UniversalClient
	prefix      string
	retries     int
	buffer      int
	closeClient bool
}

var _ remote.Store = (*Store)(nil)

func New(cfg Config) (*Store, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	s := &Store{
		rdb:         cfg.Client,
		prefix:      cfg.KeyPrefix,
		retries:     cfg.MaxRetries,
		buffer:      cfg.Buffer,
		closeClient: cfg.CloseClient,
	}
	if s.retries <= 0 {
		s.retries = defaultMaxRetries
	}
	if s.buffer <= 0 {
		s.buffer = 256
	}
	return s, nil
}

func (s *Store) hash(path string) string    { return s.prefix + path }
func (s *Store) channel(path string) string { return s.prefix + path + ":events" }

func (s *Store) Get(ctx context.Context, path string) (map[string][]byte, error) {
	m, err := s.rdb.HGetAll(ctx, s.hash(path)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(m))
	for k, v := range m {
		out[k] = []byte(v)
	}
	return out, nil
}

func (s *Store) Set(ctx context.Context, path, key string, value []byte) error {
	n, err := s.rdb.HSet(ctx, s.hash(path), key, value).Result()
	if err != nil {
		return err
	}
	kind := remote.Changed
	if n == 1 {
		kind = remote.Added
	}
	return s.publish(ctx, path, kind, key, value)
}

func (s *Store) CreateIfAbsent(ctx context.Context, path, key string, value []byte) (bool, error) {
	ok, err := s.rdb.HSetNX(ctx, s.hash(path), key, value).Result()
	if err != nil || !ok {
		return false, err
	}
	return true, s.publish(ctx, path, remote.Added, key, value)
}

// Update merges under WATCH and retries when another writer got there first.
func (s *Store) Update(ctx context.Context, path, key string, fields map[string]any) error {
	h := s.hash(path)
	var merged []byte
	txf := func(tx *redis.Tx) error {
		cur, err := tx.HGet(ctx, h, key).Bytes()
		if err == redis.Nil {
			return remote.ErrNotFound
		}
		if err != nil {
			return err
		}
		merged, err = remote.Merge(cur, fields)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, h, key, merged)
			return nil
		})
		return err
	}
	if err := s.optimistic(ctx, h, txf); err != nil {
		return err
	}
	return s.publish(ctx, path, remote.Changed, key, merged)
}

func (s *Store) Remove(ctx context.Context, path, key string) error {
	h := s.hash(path)
	var old []byte
	txf := func(tx *redis.Tx) error {
		cur, err := tx.HGet(ctx, h, key).Bytes()
		if err == redis.Nil {
			old = nil
			return nil
		}
		if err != nil {
			return err
		}
		old = cur
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HDel(ctx, h, key)
			return nil
		})
		return err
	}
	if err := s.optimistic(ctx, h, txf); err != nil {
		return err
	}
	if old == nil {
		return nil
	}
	return s.publish(ctx, path, remote.Removed, key, old)
}

func (s *Store) optimistic(ctx context.Context, h string, txf func(*redis.Tx) error) error {
	for i := 0; i < s.retries; i++ {
		err := s.rdb.Watch(ctx, txf, h)
		if err == redis.TxFailedErr {
			continue
		}
		return err
	}
	return fmt.Errorf("remote/redis: %s: too much contention", h)
}

func (s *Store) publish(ctx context.Context, path string, kind remote.Kind, key string, value []byte) error {
	b, err := json.Marshal(remote.Envelope{Path: path, Kind: kind, Key: key, Value: value})
	if err != nil {
		return err
	}
	return s.rdb.Publish(ctx, s.channel(path), b).Err()
}

// Watch subscribes before returning so no change after it is missed.
func (s *Store) Watch(ctx context.Context, path string) (remote.Subscription, error) {
	ps := s.rdb.Subscribe(ctx, s.channel(path))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("remote/redis: subscribe %s: %w", path, err)
	}
	w := &subscription{ps: ps, out: make(chan remote.Event, s.buffer), stop: make(chan struct{})}
	w.wg.Add(1)
	go w.run()
	return w, nil
}

func (s *Store) Close() error {
	if s.closeClient {
		return s.rdb.Close()
	}
	return nil
}

type subscription struct {
	ps   *redis.PubSub
	out  chan remote.Event
	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

func (w *subscription) Events() <-chan remote.Event { return w.out }

func (w *subscription) run() {
	defer w.wg.Done()
	defer close(w.out)
	msgs := w.ps.Channel()
	for {
		select {
		case m, ok := <-msgs:
			if !ok {
				return
			}
			var env remote.Envelope
			if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
				continue
			}
			select {
			case w.out <- env.Event():
			case <-w.stop:
				return
			}
		case <-w.stop:
			return
		}
	}
}

func (w *subscription) Close() error {
	var err error
	w.once.Do(func() {
		close(w.stop)
		err = w.ps.Close()
		w.wg.Wait()
	})
	return err
}
