// Package postgres backs remote.Store with a single jsonb documents table.
// Every write sends a NOTIFY in the same transaction, so watchers observe
// changes in commit order.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/unkn0wn-root/syncache/remote"
)

const (
	defaultTable   = "syncache_documents"
	defaultChannel = "syncache_events"
)

var ErrNilDB = errors.New("remote/postgres: nil db")

type Config struct {
	DB      *sql.DB
	DSN     string // used by Watch to open a dedicated LISTEN connection
	Table   string // default "syncache_documents"
	Channel string // default "syncache_events"

	MinReconnect time.Duration // listener backoff; 0 => 1s
	MaxReconnect time.Duration // 0 => 30s
	Buffer       int           // per-subscription buffer; 0 => 256
	CloseDB      bool
}

type Store struct {
	db      *sql.DB
	dsn     string
	table   string
	channel string
	minRe   time.Duration
	maxRe   time.Duration
	buffer  int
	closeDB bool
}

var _ remote.Store = (*Store)(nil)

func New(cfg Config) (*Store, error) {
	if cfg.DB == nil {
		return nil, ErrNilDB
	}
	s := &Store{
		db:      cfg.DB,
		dsn:     cfg.DSN,
		table:   cfg.Table,
		channel: cfg.Channel,
		minRe:   cfg.MinReconnect,
		maxRe:   cfg.MaxReconnect,
		buffer:  cfg.Buffer,
		closeDB: cfg.CloseDB,
	}
	if s.table == "" {
		s.table = defaultTable
	}
	if s.channel == "" {
		s.channel = defaultChannel
	}
	if s.minRe <= 0 {
		s.minRe = time.Second
	}
	if s.maxRe <= 0 {
		s.maxRe = 30 * time.Second
	}
	if s.buffer <= 0 {
		s.buffer = 256
	}
	return s, nil
}

// EnsureSchema creates the documents table when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	path text NOT NULL,
	key text NOT NULL,
	body jsonb NOT NULL,
	updated_at timestamptz NOT NULL DEFAULT now(),
	PRIMARY KEY (path, key)
)`, pq.QuoteIdentifier(s.table))
	_, err := s.db.ExecContext(ctx, q)
	return err
}

func (s *Store) Get(ctx context.Context, path string) (map[string][]byte, error) {
	q := fmt.Sprintf(`SELECT key, body FROM %s WHERE path = $1`, pq.QuoteIdentifier(s.table))
	rows, err := s.db.QueryContext(ctx, q, path)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var key string
		var body []byte
		if err := rows.Scan(&key, &body); err != nil {
			return nil, err
		}
		out[key] = body
	}
	return out, rows.Err()
}

func (s *Store) Set(ctx context.Context, path, key string, value []byte) error {
	q := fmt.Sprintf(`INSERT INTO %s (path, key, body) VALUES ($1, $2, $3::jsonb)
ON CONFLICT (path, key) DO UPDATE SET body = EXCLUDED.body, updated_at = now()
RETURNING (xmax = 0)`, pq.QuoteIdentifier(s.table))
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var inserted bool
		if err := tx.QueryRowContext(ctx, q, path, key, string(value)).Scan(&inserted); err != nil {
			return err
		}
		kind := remote.Changed
		if inserted {
			kind = remote.Added
		}
		return s.notify(ctx, tx, path, kind, key, value)
	})
}

func (s *Store) CreateIfAbsent(ctx context.Context, path, key string, value []byte) (bool, error) {
	q := fmt.Sprintf(`INSERT INTO %s (path, key, body) VALUES ($1, $2, $3::jsonb)
ON CONFLICT (path, key) DO NOTHING`, pq.QuoteIdentifier(s.table))
	var created bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, q, path, key, string(value))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		created = true
		return s.notify(ctx, tx, path, remote.Added, key, value)
	})
	return created, err
}

// Update relies on jsonb || for the top-level merge.
func (s *Store) Update(ctx context.Context, path, key string, fields map[string]any) error {
	patch, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	q := fmt.Sprintf(`UPDATE %s SET body = body || $3::jsonb, updated_at = now()
WHERE path = $1 AND key = $2 RETURNING body`, pq.QuoteIdentifier(s.table))
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var body []byte
		err := tx.QueryRowContext(ctx, q, path, key, string(patch)).Scan(&body)
		if err == sql.ErrNoRows {
			return remote.ErrNotFound
		}
		if err != nil {
			return err
		}
		return s.notify(ctx, tx, path, remote.Changed, key, body)
	})
}

func (s *Store) Remove(ctx context.Context, path, key string) error {
	q := fmt.Sprintf(`DELETE FROM %s WHERE path = $1 AND key = $2 RETURNING body`, pq.QuoteIdentifier(s.table))
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var body []byte
		err := tx.QueryRowContext(ctx, q, path, key).Scan(&body)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}
		return s.notify(ctx, tx, path, remote.Removed, key, body)
	})
}

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// notify payloads are capped by Postgres at 8000 bytes. Oversized documents
// are announced without a value and watchers read them back with Get.
func (s *Store) notify(ctx context.Context, tx *sql.Tx, path string, kind remote.Kind, key string, value []byte) error {
	payload, err := envelope(path, kind, key, value)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, s.channel, payload)
	return err
}

const maxNotifyPayload = 7999

func envelope(path string, kind remote.Kind, key string, value []byte) (string, error) {
	b, err := json.Marshal(remote.Envelope{Path: path, Kind: kind, Key: key, Value: value})
	if err != nil {
		return "", err
	}
	if len(b) > maxNotifyPayload {
		b, err = json.Marshal(remote.Envelope{Path: path, Kind: kind, Key: key})
		if err != nil {
			return "", err
		}
	}
	return string(b), nil
}

func (s *Store) Watch(ctx context.Context, path string) (remote.Subscription, error) {
	if s.dsn == "" {
		return nil, errors.New("remote/postgres: Watch needs Config.DSN")
	}
	l := pq.NewListener(s.dsn, s.minRe, s.maxRe, nil)
	if err := l.Listen(s.channel); err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("remote/postgres: listen %s: %w", s.channel, err)
	}
	w := &subscription{
		l:     l,
		path:  path,
		out:   make(chan remote.Event, s.buffer),
		stop:  make(chan struct{}),
		fetch: func(key string) []byte { return s.fetchOne(path, key) },
	}
	w.wg.Add(1)
	go w.run()
	return w, nil
}

func (s *Store) fetchOne(path, key string) []byte {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	q := fmt.Sprintf(`SELECT body FROM %s WHERE path = $1 AND key = $2`, pq.QuoteIdentifier(s.table))
	var body []byte
	if err := s.db.QueryRowContext(ctx, q, path, key).Scan(&body); err != nil {
		return nil
	}
	return body
}

func (s *Store) Close() error {
	if s.closeDB {
		return s.db.Close()
	}
	return nil
}

type subscription struct {
	l     *pq.Listener
	path  string
	out   chan remote.Event
	stop  chan struct{}
	fetch func(key string) []byte
	wg    sync.WaitGroup
	once  sync.Once
}

func (w *subscription) Events() <-chan remote.Event { return w.out }

func (w *subscription) run() {
	defer w.wg.Done()
	defer close(w.out)
	for {
		select {
		case n, ok := <-w.l.Notify:
			if !ok {
				return
			}
			if n == nil {
				// reconnected; notifications sent meanwhile are lost
				continue
			}
			ev, ok := w.decode(n.Extra)
			if !ok {
				continue
			}
			select {
			case w.out <- ev:
			case <-w.stop:
				return
			}
		case <-w.stop:
			return
		}
	}
}

func (w *subscription) decode(payload string) (remote.Event, bool) {
	var env remote.Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil || env.Path != w.path {
		return remote.Event{}, false
	}
	ev := env.Event()
	if ev.Value == nil && ev.Kind != remote.Removed && w.fetch != nil {
		ev.Value = w.fetch(ev.Key)
	}
	return ev, true
}

func (w *subscription) Close() error {
	var err error
	w.once.Do(func() {
		close(w.stop)
		err = w.l.Close()
		w.wg.Wait()
	})
	return err
}
