// Package memory is an in-process remote.Store. Writes are visible to Get
// immediately and fanned out to every Watch on the same path in commit order.
package memory

import (
	"bytes"
	"context"
	"sync"

	"github.com/unkn0wn-root/syncache/remote"
)

type Store struct {
	mu     sync.Mutex
	docs   map[string]map[string][]byte
	subs   map[string]map[*sub]struct{}
	closed bool
}

var _ remote.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		docs: make(map[string]map[string][]byte),
		subs: make(map[string]map[*sub]struct{}),
	}
}

func (s *Store) Get(_ context.Context, path string) (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, remote.ErrClosed
	}
	out := make(map[string][]byte, len(s.docs[path]))
	for k, v := range s.docs[path] {
		out[k] = bytes.Clone(v)
	}
	return out, nil
}

func (s *Store) Set(_ context.Context, path, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return remote.ErrClosed
	}
	kind := remote.Changed
	if _, ok := s.docs[path][key]; !ok {
		kind = remote.Added
	}
	s.put(path, key, value)
	s.emit(path, remote.Event{Kind: kind, Key: key, Value: bytes.Clone(value)})
	return nil
}

func (s *Store) CreateIfAbsent(_ context.Context, path, key string, value []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, remote.ErrClosed
	}
	if _, ok := s.docs[path][key]; ok {
		return false, nil
	}
	s.put(path, key, value)
	s.emit(path, remote.Event{Kind: remote.Added, Key: key, Value: bytes.Clone(value)})
	return true, nil
}

func (s *Store) Update(_ context.Context, path, key string, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return remote.ErrClosed
	}
	cur, ok := s.docs[path][key]
	if !ok {
		return remote.ErrNotFound
	}
	merged, err := remote.Merge(cur, fields)
	if err != nil {
		return err
	}
	s.put(path, key, merged)
	s.emit(path, remote.Event{Kind: remote.Changed, Key: key, Value: bytes.Clone(merged)})
	return nil
}

func (s *Store) Remove(_ context.Context, path, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return remote.ErrClosed
	}
	old, ok := s.docs[path][key]
	if !ok {
		return nil
	}
	delete(s.docs[path], key)
	s.emit(path, remote.Event{Kind: remote.Removed, Key: key, Value: old})
	return nil
}

func (s *Store) Watch(_ context.Context, path string) (remote.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, remote.ErrClosed
	}
	w := newSub(func(w *sub) {
		s.mu.Lock()
		delete(s.subs[path], w)
		s.mu.Unlock()
	})
	if s.subs[path] == nil {
		s.subs[path] = make(map[*sub]struct{})
	}
	s.subs[path][w] = struct{}{}
	return w, nil
}

// Subscribers reports open watches on path.
func (s *Store) Subscribers(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs[path])
}

func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var all []*sub
	for _, m := range s.subs {
		for w := range m {
			all = append(all, w)
		}
	}
	s.subs = make(map[string]map[*sub]struct{})
	s.mu.Unlock()
	for _, w := range all {
		w.stop()
	}
	return nil
}

func (s *Store) put(path, key string, value []byte) {
	if s.docs[path] == nil {
		s.docs[path] = make(map[string][]byte)
	}
	s.docs[path][key] = bytes.Clone(value)
}

// emit runs under s.mu so every subscriber sees one global order.
func (s *Store) emit(path string, ev remote.Event) {
	for w := range s.subs[path] {
		w.push(ev)
	}
}

// sub queues without bound so writers never block on a slow reader.
type sub struct {
	mu      sync.Mutex
	queue   []remote.Event
	stopped bool
	wake    chan struct{}
	done    chan struct{}
	out     chan remote.Event
	detach  func(*sub)
	once    sync.Once
}

func newSub(detach func(*sub)) *sub {
	w := &sub{
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		out:    make(chan remote.Event),
		detach: detach,
	}
	go w.pump()
	return w
}

func (w *sub) Events() <-chan remote.Event { return w.out }

func (w *sub) Close() error {
	w.detach(w)
	w.stop()
	return nil
}

func (w *sub) stop() {
	w.once.Do(func() {
		w.mu.Lock()
		w.stopped = true
		w.mu.Unlock()
		close(w.done)
	})
}

func (w *sub) push(ev remote.Event) {
	w.mu.Lock()
	if !w.stopped {
		w.queue = append(w.queue, ev)
	}
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *sub) pump() {
	defer close(w.out)
	for {
		w.mu.Lock()
		if len(w.queue) == 0 {
			w.mu.Unlock()
			select {
			case <-w.wake:
				continue
			case <-w.done:
				return
			}
		}
		ev := w.queue[0]
		w.queue = w.queue[1:]
		w.mu.Unlock()

		select {
		case w.out <- ev:
		case <-w.done:
			return
		}
	}
}
