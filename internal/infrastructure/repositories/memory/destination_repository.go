package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"squadx/internal/core/domain"
	"squadx/internal/core/ports"
)

type MemoryDestinationRepository struct {
	destinations map[domain.DestinationID]domain.RelayDestination
	mu           sync.RWMutex
}

func NewMemoryDestinationRepository() ports.DestinationRepository {
	return &MemoryDestinationRepository{
		destinations: make(map[domain.DestinationID]domain.RelayDestination),
	}
}

func (r *MemoryDestinationRepository) Create(ctx context.Context, dest *domain.RelayDestination) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.destinations[dest.ID]; exists {
		return fmt.Errorf("destination already exists: %s", dest.ID)
	}

	r.destinations[dest.ID] = *dest
	return nil
}

func (r *MemoryDestinationRepository) GetByID(ctx context.Context, id domain.DestinationID) (*domain.RelayDestination, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	dest, exists := r.destinations[id]
	if !exists {
		return nil, domain.ErrDestinationNotFound
	}

	return &dest, nil
}

func (r *MemoryDestinationRepository) Update(ctx context.Context, dest *domain.RelayDestination) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.destinations[dest.ID]; !exists {
		return domain.ErrDestinationNotFound
	}

	r.destinations[dest.ID] = *dest
	return nil
}

func (r *MemoryDestinationRepository) Delete(ctx context.Context, id domain.DestinationID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.destinations[id]; !exists {
		return domain.ErrDestinationNotFound
	}

	delete(r.destinations, id)
	return nil
}

// List returns destinations oldest first.
func (r *MemoryDestinationRepository) List(ctx context.Context) ([]*domain.RelayDestination, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*domain.RelayDestination, 0, len(r.destinations))
	for _, dest := range r.destinations {
		dest := dest
		result = append(result, &dest)
	}
	sortDestinations(result)

	return result, nil
}

func sortDestinations(dests []*domain.RelayDestination) {
	sort.Slice(dests, func(i, j int) bool {
		if !dests[i].CreatedAt.Equal(dests[j].CreatedAt) {
			return dests[i].CreatedAt.Before(dests[j].CreatedAt)
		}
		return dests[i].ID < dests[j].ID
	})
}
