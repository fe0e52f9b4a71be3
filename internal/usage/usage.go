// Package usage tracks LLM token consumption per user
package usage

import (
	"sync"
)

// Recorder accepts token usage reports
type Recorder interface {
	RecordUsage(userID string, tokens int) error
}

// MemoryRecorder accumulates usage totals in memory, safe for concurrent use
type MemoryRecorder struct {
	mu     sync.RWMutex
	totals map[string]int
}

// NewMemoryRecorder returns a pointer to an initialised MemoryRecorder
func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{totals: make(map[string]int)}
}

// RecordUsage adds tokens to the user's running total
func (r *MemoryRecorder) RecordUsage(userID string, tokens int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.totals[userID] += tokens
	return nil
}

// Total returns the user's accumulated token count
func (r *MemoryRecorder) Total(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.totals[userID]
}
