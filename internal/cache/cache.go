// Package cache stores serialized read results keyed by subject so that every
// entry for a subject can be dropped in one call after a write.
//
// Each subject also carries a generation that every invalidation advances.
// Readers bind their key to the generation seen before querying the ledger, so
// a result computed from a snapshot older than the latest write can only be
// stored under a key nobody reads any more.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ErrCacheUnavailable wraps every failure of a cache backend.
var ErrCacheUnavailable = errors.New("cache: unavailable")

// Key identifies one cache entry. Entries are always owned by a subject.
type Key struct {
	Subject    string
	Namespace  string
	Generation uint64
	Digest     string
}

// String renders the storage key, txcache:{subject}:namespace:generation:digest.
// The braces are a Redis Cluster hash tag: all keys of one subject share a slot.
func (k Key) String() string {
	return subjectPrefix(k.Subject) + k.Namespace + ":" + strconv.FormatUint(k.Generation, 10) + ":" + k.Digest
}

func subjectPrefix(subject string) string {
	return "txcache:{" + subject + "}:"
}

func indexKey(subject string) string {
	return subjectPrefix(subject) + "idx"
}

func generationKey(subject string) string {
	return subjectPrefix(subject) + "gen"
}

// Fingerprint derives a deterministic key from the subject, a namespace and
// normalized request parameters. Parameter order does not matter.
func Fingerprint(subject, namespace string, params map[string]string) Key {
	names := make([]string, 0, len(params))
	for k := range params {
		names = append(names, k)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, k := range names {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
		b.WriteByte('\n')
	}
	sum := sha256.Sum256([]byte(b.String()))
	return Key{Subject: subject, Namespace: namespace, Digest: hex.EncodeToString(sum[:])}
}

// Cache is a subject-indexed byte store.
type Cache interface {
	// Get returns the payload and true on a hit.
	Get(ctx context.Context, key Key) ([]byte, bool, error)
	Put(ctx context.Context, key Key, payload []byte, ttl time.Duration) error
	// Generation returns the subject's current generation, zero if it was
	// never invalidated.
	Generation(ctx context.Context, subject string) (uint64, error)
	// InvalidateBySubject removes every entry owned by subject and advances
	// its generation.
	InvalidateBySubject(ctx context.Context, subject string) error
}
