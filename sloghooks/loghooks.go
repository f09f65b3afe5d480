// Package sloghooks logs syncache hook events to a *slog.Logger, with
// sampling for the noisy ones and hashed keys.
package sloghooks

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync/atomic"

	"github.com/unkn0wn-root/syncache"
)

type Options struct {
	// Log every Nth event; 0 and 1 log all.
	SelfHealEvery uint64
	EchoEvery     uint64
	// Redact replaces identity and storage keys in output. Nil hashes them
	// (first 8 bytes of SHA-256, hex).
	Redact func(string) string
}

// Hooks is a syncache.Hooks writing one record per event. A nil logger
// discards everything.
type Hooks struct {
	l    *slog.Logger
	opts Options

	selfHeals atomic.Uint64
	echoes    atomic.Uint64
}

var _ syncache.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redacted(name, v string) slog.Attr {
	if h.opts.Redact != nil {
		return slog.String(name, h.opts.Redact(v))
	}
	sum := sha256.Sum256([]byte(v))
	return slog.String(name, hex.EncodeToString(sum[:8]))
}

func every(n uint64, seen *atomic.Uint64) bool {
	return n <= 1 || seen.Add(1)%n == 0
}

func (h *Hooks) emit(lvl slog.Level, event string, attrs ...slog.Attr) {
	if h.l == nil {
		return
	}
	h.l.LogAttrs(context.Background(), lvl, "syncache."+event, attrs...)
}

func (h *Hooks) DuplicateRejected(identityKey string) {
	h.emit(slog.LevelInfo, "duplicate_rejected", h.redacted("key", identityKey))
}

func (h *Hooks) EchoSuppressed(remoteKey string) {
	if !every(h.opts.EchoEvery, &h.echoes) {
		return
	}
	// remote keys carry no record data
	h.emit(slog.LevelDebug, "echo_suppressed", slog.String("remote_key", remoteKey))
}

func (h *Hooks) StaleKeyDropped(identityKey string) {
	h.emit(slog.LevelInfo, "stale_key_dropped", h.redacted("key", identityKey))
}

func (h *Hooks) AggregateFailed(caseNumber string, err error) {
	h.emit(slog.LevelWarn, "aggregate_failed", h.redacted("case", caseNumber), slog.Any("err", err))
}

func (h *Hooks) Published(gen uint64, records int) {
	h.emit(slog.LevelDebug, "published", slog.Uint64("gen", gen), slog.Int("records", records))
}

func (h *Hooks) PublishFailed(stage string, err error) {
	h.emit(slog.LevelWarn, "publish_failed", slog.String("stage", stage), slog.Any("err", err))
}

func (h *Hooks) SelfHeal(storageKey, reason string) {
	if !every(h.opts.SelfHealEvery, &h.selfHeals) {
		return
	}
	h.emit(slog.LevelDebug, "self_heal", h.redacted("key", storageKey), slog.String("reason", reason))
}

func (h *Hooks) ProviderSetRejected(storageKey string) {
	h.emit(slog.LevelWarn, "provider_set_rejected", h.redacted("key", storageKey))
}

func (h *Hooks) GenError(storageKey string, err error) {
	h.emit(slog.LevelWarn, "gen_error", h.redacted("key", storageKey), slog.Any("err", err))
}

func (h *Hooks) InvalidateOutage(key string, bumpErr, delErr error) {
	h.emit(slog.LevelError, "invalidate_outage", h.redacted("key", key),
		slog.Any("bump_err", bumpErr), slog.Any("del_err", delErr))
}
