// Package store holds captured messages in a bounded in-memory buffer.
package store

import (
	"sync"

	"github.com/shineum/smtp-sink-lite/internal/email"
)

// Store is a bounded collection of messages ordered by arrival. When an
// insert pushes it over capacity the oldest messages are dropped.
// It is safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	capacity int

	// msgs is kept oldest-first so inserts are appends and eviction
	// trims the head. Snapshot reverses it.
	msgs []*email.Message
}

// New creates a Store that retains at most capacity messages.
// A capacity below 1 is treated as 1.
func New(capacity int) *Store {
	if capacity < 1 {
		capacity = 1
	}
	return &Store{
		capacity: capacity,
		msgs:     make([]*email.Message, 0, capacity),
	}
}

// Insert adds msg as the newest entry and evicts from the oldest end until
// the store is back within capacity. It returns the number of evicted messages.
func (s *Store) Insert(msg *email.Message) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.msgs = append(s.msgs, msg)
	return s.evictOverflow()
}

// evictOverflow drops messages from the oldest end. Callers hold mu.
func (s *Store) evictOverflow() int {
	evicted := 0
	for len(s.msgs) > s.capacity {
		s.msgs[0] = nil
		s.msgs = s.msgs[1:]
		evicted++
	}
	return evicted
}

// Snapshot returns the stored messages newest first. The returned slice is
// owned by the caller; the messages themselves must not be modified.
func (s *Store) Snapshot() []*email.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*email.Message, len(s.msgs))
	for i, msg := range s.msgs {
		out[len(s.msgs)-1-i] = msg
	}
	return out
}

// Clear removes every message. It returns the number removed.
func (s *Store) Clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.msgs)
	s.msgs = make([]*email.Message, 0, s.capacity)
	return n
}

// Len returns the number of stored messages.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.msgs)
}

// Cap returns the configured capacity.
func (s *Store) Cap() int {
	return s.capacity
}
