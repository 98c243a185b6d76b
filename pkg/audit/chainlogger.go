package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// LogEntry represents a single audit log entry
type LogEntry struct {
	Sequence     uint64 `json:"sequence"`
	Timestamp    string `json:"timestamp"`
	PreviousHash string `json:"previous_hash"`
	Payload      string `json:"payload"`
	Hash         string `json:"hash"`
}

// ChainLogger is a tamper-evident audit sink: each entry's hash covers the
// hash of the entry before it, so editing or removing any retained entry
// breaks VerifyChain. The newest Retain entries are kept in memory.
type ChainLogger struct {
	mu           sync.Mutex
	previousHash string
	sequence     uint64
	entries      []*LogEntry
	retain       int
	now          func() time.Time
}

// NewChainLogger creates a ChainLogger initialized with a zero hash that
// retains at most retain entries (0 keeps everything).
func NewChainLogger(retain int) *ChainLogger {
	return &ChainLogger{
		previousHash: strings.Repeat("0", 64),
		retain:       retain,
		now:          time.Now,
	}
}

func entryHash(e *LogEntry) string {
	hashInput := fmt.Sprintf("%d|%s|%s|%s", e.Sequence, e.PreviousHash, e.Timestamp, e.Payload)
	hash := sha256.Sum256([]byte(hashInput))
	return hex.EncodeToString(hash[:])
}

// Append adds a new log entry to the chain.
func (c *ChainLogger) Append(payload string) *LogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sequence++
	entry := &LogEntry{
		Sequence:     c.sequence,
		Timestamp:    c.now().UTC().Format(time.RFC3339Nano),
		PreviousHash: c.previousHash,
		Payload:      payload,
	}
	entry.Hash = entryHash(entry)
	c.previousHash = entry.Hash

	c.entries = append(c.entries, entry)
	if c.retain > 0 && len(c.entries) > c.retain {
		c.entries = append(c.entries[:0:0], c.entries[len(c.entries)-c.retain:]...)
	}
	return entry
}

// Write appends the JSON encoding of e.
func (c *ChainLogger) Write(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode audit event: %w", err)
	}
	c.Append(string(payload))
	return nil
}

// Entries returns a copy of the retained entries, oldest first.
func (c *ChainLogger) Entries() []*LogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*LogEntry, len(c.entries))
	for i, e := range c.entries {
		cp := *e
		out[i] = &cp
	}
	return out
}

// VerifyChain checks if a slice of entries forms a valid hash chain.
func VerifyChain(entries []*LogEntry) bool {
	for i, entry := range entries {
		if i > 0 {
			prev := entries[i-1]
			if entry.PreviousHash != prev.Hash || entry.Sequence != prev.Sequence+1 {
				return false
			}
		}
		if entryHash(entry) != entry.Hash {
			return false
		}
	}
	return true
}

var _ Sink = (*ChainLogger)(nil)
