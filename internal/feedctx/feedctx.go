// Package feedctx accumulates recent feed payloads per feed id, to serve as
// context for answering questions about live data. Storage is a bounded ring
// per feed; old payloads are discarded once the limit is reached.
package feedctx

import (
	"sync"
	"time"
)

// DefaultLimit is the number of payloads retained per feed
const DefaultLimit = 50

// Entry represents one retained feed payload
type Entry struct {
	FeedName string
	Payload  []byte
	At       time.Time
}

// Store retains the most recent payloads for each feed
type Store struct {
	mu      sync.RWMutex
	limit   int
	entries map[string][]Entry
}

// NewStore returns a pointer to a Store retaining up to limit payloads per
// feed; limit <= 0 selects DefaultLimit
func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Store{
		limit:   limit,
		entries: make(map[string][]Entry),
	}
}

// Append records a payload for the feed, discarding the oldest entry if the
// feed is at its retention limit. Safe for concurrent use.
func (s *Store) Append(feedID, feedName string, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := append(s.entries[feedID], Entry{
		FeedName: feedName,
		Payload:  payload,
		At:       time.Now(),
	})
	if len(entries) > s.limit {
		entries = entries[len(entries)-s.limit:]
	}
	s.entries[feedID] = entries
}

// Recent returns up to n of the most recent payloads for the feed, oldest
// first, as strings ready for prompt assembly
func (s *Store) Recent(feedID string, n int) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.entries[feedID]
	if n > 0 && len(entries) > n {
		entries = entries[len(entries)-n:]
	}

	recent := make([]string, 0, len(entries))
	for _, e := range entries {
		recent = append(recent, string(e.Payload))
	}
	return recent
}

// Drop removes all retained payloads for the feed
func (s *Store) Drop(feedID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, feedID)
}
