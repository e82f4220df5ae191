// Package processor invokes the external enrichment services.
package processor

import (
	"context"
	"slices"
	"sync"

	"github.com/google/uuid"

	"photo_pipeline/internal/domain"
)

// Processor turns a task payload into a result. Errors wrapped with
// domain.Permanent are not retried.
type Processor interface {
	Process(ctx context.Context, taskID uuid.UUID, input domain.Payload) (domain.Result, error)
}

// Registry maps task types to processors.
type Registry struct {
	mu     sync.RWMutex
	byType map[domain.TaskType]Processor
}

func NewRegistry() *Registry {
	return &Registry{byType: make(map[domain.TaskType]Processor)}
}

func (r *Registry) Register(taskType domain.TaskType, p Processor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byType[taskType] = p
}

func (r *Registry) Lookup(taskType domain.TaskType) (Processor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byType[taskType]
	return p, ok
}

// Types lists registered task types in sorted order.
func (r *Registry) Types() []domain.TaskType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]domain.TaskType, 0, len(r.byType))
	for t := range r.byType {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}
