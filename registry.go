package wsd

import (
	"cmp"
	"slices"
	"sync"

	"github.com/outofforest/wsd/wire"
)

type registry struct {
	mu       sync.RWMutex
	services map[wire.EPR]Service
}

func newRegistry() *registry {
	return &registry{
		services: map[wire.EPR]Service{},
	}
}

func (r *registry) Upsert(s Service) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.services[s.EPR] = s
}

func (r *registry) Remove(epr wire.EPR) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, exists := r.services[epr]
	delete(r.services, epr)
	return exists
}

func (r *registry) Get(epr wire.EPR) (Service, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, exists := r.services[epr]
	return s, exists
}

// Update applies fn to the stored service atomically.
func (r *registry) Update(epr wire.EPR, fn func(s *Service)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, exists := r.services[epr]
	if !exists {
		return false
	}
	fn(&s)
	r.services[epr] = s
	return true
}

// Snapshot returns services ordered by EPR.
func (r *registry) Snapshot() []Service {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return sorted(r.services)
}

// Clear removes all the services and returns them.
func (r *registry) Clear() []Service {
	r.mu.Lock()
	defer r.mu.Unlock()

	services := sorted(r.services)
	clear(r.services)
	return services
}

func sorted(services map[wire.EPR]Service) []Service {
	result := make([]Service, 0, len(services))
	for _, s := range services {
		result = append(result, s)
	}
	slices.SortFunc(result, func(a, b Service) int {
		return cmp.Compare(a.EPR, b.EPR)
	})
	return result
}
