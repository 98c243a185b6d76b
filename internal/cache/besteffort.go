package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// BestEffort wraps a Cache so that backend failures never reach callers:
// reads degrade to misses and writes are skipped, each failure logged.
type BestEffort struct {
	backend Cache
	ttl     time.Duration
	logger  *slog.Logger
}

func NewBestEffort(backend Cache, ttl time.Duration, logger *slog.Logger) *BestEffort {
	if logger == nil {
		logger = slog.Default()
	}
	return &BestEffort{backend: backend, ttl: ttl, logger: logger}
}

// Bind stamps key with its subject's current generation. Callers bind before
// reading the ledger and use the bound key for both GetJSON and PutJSON. When
// the generation cannot be read ok is false and the cache must be bypassed.
func (b *BestEffort) Bind(ctx context.Context, key Key) (bound Key, ok bool) {
	if b == nil || b.backend == nil {
		return key, false
	}
	gen, err := b.backend.Generation(ctx, key.Subject)
	if err != nil {
		b.logger.WarnContext(ctx, "cache generation unavailable", "namespace", key.Namespace, "error", err)
		return key, false
	}
	key.Generation = gen
	return key, true
}

// GetJSON decodes a cached entry into dst. Undecodable entries count as misses.
func (b *BestEffort) GetJSON(ctx context.Context, key Key, dst any) bool {
	if b == nil || b.backend == nil {
		return false
	}
	payload, ok, err := b.backend.Get(ctx, key)
	if err != nil {
		b.logger.WarnContext(ctx, "cache read failed", "namespace", key.Namespace, "error", err)
		return false
	}
	if !ok {
		return false
	}
	if err := json.Unmarshal(payload, dst); err != nil {
		b.logger.WarnContext(ctx, "cache entry undecodable", "namespace", key.Namespace, "error", err)
		return false
	}
	return true
}

// PutJSON stores v under key with the configured TTL.
func (b *BestEffort) PutJSON(ctx context.Context, key Key, v any) {
	if b == nil || b.backend == nil {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		b.logger.WarnContext(ctx, "cache entry not encodable", "namespace", key.Namespace, "error", err)
		return
	}
	if err := b.backend.Put(ctx, key, payload, b.ttl); err != nil {
		b.logger.WarnContext(ctx, "cache write failed", "namespace", key.Namespace, "error", err)
	}
}

// Invalidate drops every entry of each subject. Empty subjects are ignored.
func (b *BestEffort) Invalidate(ctx context.Context, subjects ...string) {
	if b == nil || b.backend == nil {
		return
	}
	seen := make(map[string]struct{}, len(subjects))
	for _, s := range subjects {
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		if err := b.backend.InvalidateBySubject(ctx, s); err != nil {
			b.logger.WarnContext(ctx, "cache invalidation failed", "subject", s, "error", err)
		}
	}
}
