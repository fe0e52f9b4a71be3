// Package catalog provides lookup of feed configurations by id. The
// marketplace layer owns feed CRUD; the relay only reads from here.
package catalog

import (
	"errors"
	"sync"

	"github.com/feedmarket/relay/internal/feed"
)

// ErrNotFound is returned when no feed exists with the requested id
var ErrNotFound = errors.New("feed not found")

// Store is an in-memory feed catalogue, safe for concurrent use
type Store struct {
	mu    sync.RWMutex
	feeds map[string]feed.Config
}

// NewStore returns a pointer to an initialised empty Store
func NewStore() *Store {
	return &Store{feeds: make(map[string]feed.Config)}
}

// Add inserts or replaces the configuration for a feed
func (s *Store) Add(cfg feed.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feeds[cfg.ID] = cfg
}

// Delete removes the configuration for a feed, if present
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.feeds, id)
}

// GetFeedByID returns the configuration for the feed, or ErrNotFound
func (s *Store) GetFeedByID(id string) (feed.Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.feeds[id]
	if !ok {
		return feed.Config{}, ErrNotFound
	}
	return cfg, nil
}

// List returns all feed configurations
func (s *Store) List() []feed.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := make([]feed.Config, 0, len(s.feeds))
	for _, cfg := range s.feeds {
		list = append(list, cfg)
	}
	return list
}
