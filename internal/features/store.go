package features

import (
	"sort"
	"sync"

	"github.com/sentinelstack/sentinel-engine/internal/models"
)

// Store keeps a bounded, time-ordered telemetry history per service. It is
// the leaf dependency for scoring, training and prediction.
type Store struct {
	mu        sync.RWMutex
	capacity  int
	histories map[string][]models.HealthSample
}

// NewStore creates a Store retaining up to capacity samples per service.
func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Store{
		capacity:  capacity,
		histories: make(map[string][]models.HealthSample),
	}
}

// Append records a new sample, trimming the oldest entries beyond capacity.
func (s *Store) Append(sample models.HealthSample) {
	s.mu.Lock()
	defer s.mu.Unlock()

	history := append(s.histories[sample.Service], sample)
	if overflow := len(history) - s.capacity; overflow > 0 {
		history = append([]models.HealthSample(nil), history[overflow:]...)
	}
	s.histories[sample.Service] = history
}

// Recent returns up to n most recent samples for a service, oldest first.
func (s *Store) Recent(service string, n int) []models.HealthSample {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.histories[service]
	if n <= 0 || n > len(history) {
		n = len(history)
	}
	out := make([]models.HealthSample, n)
	copy(out, history[len(history)-n:])
	return out
}

// All returns the full retained history for a service, oldest first.
func (s *Store) All(service string) []models.HealthSample {
	return s.Recent(service, 0)
}

// Latest returns the most recent sample for a service.
func (s *Store) Latest(service string) (models.HealthSample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.histories[service]
	if len(history) == 0 {
		return models.HealthSample{}, false
	}
	return history[len(history)-1], true
}

// Len returns the number of retained samples for a service.
func (s *Store) Len(service string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.histories[service])
}

// Services returns the names with retained history, sorted for stable
// iteration.
func (s *Store) Services() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.histories))
	for name := range s.histories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Reset drops the retained history for a service, forcing recomputation from
// fresh samples.
func (s *Store) Reset(service string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.histories, service)
}
