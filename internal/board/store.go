// Package board holds the ordered point sequence a client renders.
package board

import (
	"sync"

	"github.com/blueprints-rt/blueprints/internal/model"
)

// Store is a thread-safe ordered point sequence. Reads return copies, so
// callers may keep them without holding the lock.
type Store struct {
	points []model.Point
	mu     sync.RWMutex
}

// NewStore creates a Store holding a copy of points.
func NewStore(points ...model.Point) *Store {
	s := &Store{}
	s.Replace(points)
	return s
}

// Append adds p to the end of the sequence and returns the new length.
func (s *Store) Append(p model.Point) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.points = append(s.points, p)
	return len(s.points)
}

// Replace swaps the whole sequence and returns the new length.
func (s *Store) Replace(points []model.Point) int {
	next := make([]model.Point, len(points))
	copy(next, points)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.points = next
	return len(s.points)
}

// Points returns a copy of the sequence.
func (s *Store) Points() []model.Point {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.Point, len(s.points))
	copy(result, s.points)
	return result
}

// Last returns the final point, if any.
func (s *Store) Last() (model.Point, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.points) == 0 {
		return model.Point{}, false
	}
	return s.points[len(s.points)-1], true
}

// Len returns the number of points.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.points)
}
