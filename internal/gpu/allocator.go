// Package gpu grants GPU slots to jobs. A job holds at most one slot; asking
// again for a slot it already holds is reported as reserved.
package gpu

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

var ErrAllocatorUnavailable = errors.New("gpu allocator unavailable")

// SlotStatus is the outcome of a slot request.
type SlotStatus int

const (
	// SlotPending means no slot is free; the job keeps waiting.
	SlotPending SlotStatus = iota
	// SlotReserved means the job now holds a slot.
	SlotReserved
)

func (s SlotStatus) String() string {
	if s == SlotReserved {
		return "reserved"
	}
	return "pending"
}

// Allocator hands out a fixed number of GPU slots.
type Allocator interface {
	RequestSlot(ctx context.Context, jobID uuid.UUID) (SlotStatus, error)
	// ReleaseSlot frees the job's slot. Releasing a slot that is not held is a no-op.
	ReleaseSlot(ctx context.Context, jobID uuid.UUID) error
}

// MemoryAllocator keeps slot ownership in process memory. It is only
// correct for a single scheduler instance.
type MemoryAllocator struct {
	mu       sync.Mutex
	capacity int
	held     map[uuid.UUID]struct{}
}

func NewMemoryAllocator(capacity int) *MemoryAllocator {
	return &MemoryAllocator{
		capacity: capacity,
		held:     make(map[uuid.UUID]struct{}),
	}
}

func (a *MemoryAllocator) RequestSlot(_ context.Context, jobID uuid.UUID) (SlotStatus, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.held[jobID]; ok {
		return SlotReserved, nil
	}
	if len(a.held) >= a.capacity {
		return SlotPending, nil
	}
	a.held[jobID] = struct{}{}
	return SlotReserved, nil
}

func (a *MemoryAllocator) ReleaseSlot(_ context.Context, jobID uuid.UUID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.held, jobID)
	return nil
}

// InUse returns the number of held slots.
func (a *MemoryAllocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.held)
}

var _ Allocator = (*MemoryAllocator)(nil)
