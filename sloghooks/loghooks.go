// Package sloghooks implements kvcache.Hooks on log/slog.
package sloghooks

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync/atomic"

	"github.com/unkn0wn-root/kvcache"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	ConflictEvery uint64
	LockEvery     uint64
	SkipEvery     uint64
	// Optional key redactor. Defaults to SHA-256 prefix.
	Redact func(string) string
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	conflictCtr atomic.Uint64
	lockCtr     atomic.Uint64
	skipCtr     atomic.Uint64
}

var _ kvcache.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(k string) string {
	if h.opts.Redact != nil {
		return h.opts.Redact(k)
	}
	sum := sha256.Sum256([]byte(k))
	return hex.EncodeToString(sum[:8])
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) ConflictRetry(key string) {
	if h.l == nil || !sample(h.opts.ConflictEvery, &h.conflictCtr) {
		return
	}
	h.l.Debug("kvcache.conflict_retry", "key", h.redact(key))
}

func (h *Hooks) LockContended(key string) {
	if h.l == nil || !sample(h.opts.LockEvery, &h.lockCtr) {
		return
	}
	h.l.Info("kvcache.lock_contended", "key", h.redact(key))
}

func (h *Hooks) EnumerationSkipped(key string) {
	if h.l == nil || !sample(h.opts.SkipEvery, &h.skipCtr) {
		return
	}
	h.l.Debug("kvcache.enumeration_skipped", "key", h.redact(key))
}

func (h *Hooks) ListenerFailed(key string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("kvcache.listener_failed",
		"key", h.redact(key),
		"err", err)
}

func (h *Hooks) LoadFailed(key string, err error) {
	if h.l == nil {
		return
	}
	if key != "" {
		key = h.redact(key)
	}
	h.l.Warn("kvcache.load_failed",
		"key", key,
		"err", err)
}

func (h *Hooks) WriteThroughFailed(key, op string, err error) {
	if h.l == nil {
		return
	}
	h.l.Error("kvcache.write_through_failed",
		"key", h.redact(key),
		"op", op,
		"err", err)
}
