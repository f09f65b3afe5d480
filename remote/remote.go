// Package remote is the contract for the realtime document store mirrored by
// the sync manager: a tree of paths, each holding JSON documents by key, with
// a change stream per path.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("remote: document not found")
	ErrClosed   = errors.New("remote: store closed")
)

type Kind uint8

const (
	Added Kind = iota + 1
	Changed
	Removed
)

func (k Kind) String() string {
	switch k {
	case Added:
		return "added"
	case Changed:
		return "changed"
	case Removed:
		return "removed"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *Kind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "added":
		*k = Added
	case "changed":
		*k = Changed
	case "removed":
		*k = Removed
	default:
		return fmt.Errorf("remote: unknown event kind %q", b)
	}
	return nil
}

// Event is one change under a watched path. For Removed, Value is the last
// stored document when the backend can provide it, else nil.
type Event struct {
	Kind  Kind
	Key   string
	Value []byte
}

// Subscription delivers events in commit order until Close.
// The channel is closed when the subscription ends for any reason.
type Subscription interface {
	Events() <-chan Event
	Close() error
}

type Store interface {
	// Get returns every document under path; an empty path yields an empty map.
	Get(ctx context.Context, path string) (map[string][]byte, error)
	// Set writes the whole document, creating or replacing it.
	Set(ctx context.Context, path, key string, value []byte) error
	// CreateIfAbsent writes only when key is free and reports whether it did.
	CreateIfAbsent(ctx context.Context, path, key string, value []byte) (bool, error)
	// Update merges fields into the top level of an existing document.
	// Missing documents yield ErrNotFound.
	Update(ctx context.Context, path, key string, fields map[string]any) error
	// Remove deletes key. Removing a missing key is not an error.
	Remove(ctx context.Context, path, key string) error
	// Watch streams changes made after it returns.
	Watch(ctx context.Context, path string) (Subscription, error)
	Close() error
}

// Merge applies fields over the top-level members of the JSON object doc.
// Numbers in doc keep their literal form.
func Merge(doc []byte, fields map[string]any) ([]byte, error) {
	obj := map[string]any{}
	if len(bytes.TrimSpace(doc)) > 0 {
		dec := json.NewDecoder(bytes.NewReader(doc))
		dec.UseNumber()
		if err := dec.Decode(&obj); err != nil {
			return nil, fmt.Errorf("remote: merge into non-object: %w", err)
		}
	}
	for k, v := range fields {
		obj[k] = v
	}
	return json.Marshal(obj)
}

// Envelope is the wire form of an Event for backends that relay changes
// through a message channel (Redis pub/sub, Postgres NOTIFY).
type Envelope struct {
	Path  string          `json:"path"`
	Kind  Kind            `json:"kind"`
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value,omitempty"`
}

func (e Envelope) Event() Event {
	ev := Event{Kind: e.Kind, Key: e.Key}
	if len(e.Value) > 0 && !bytes.Equal(e.Value, []byte("null")) {
		ev.Value = []byte(e.Value)
	}
	return ev
}
