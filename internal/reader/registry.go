package reader

import (
	"fmt"
	"sync"
)

// Registry owns the process-wide mutex for channel creation, handle
// allocation and teardown — a handle maps to an owned *Slot rather than
// indexing a fixed-size global array, so the driver scales to however
// many readers are actually attached.
type Registry struct {
	mu      sync.Mutex
	slots   map[uint32]*Slot
	next    uint32
	byName  map[string]*Descriptor
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{slots: map[uint32]*Slot{}, byName: map[string]*Descriptor{}}
}

// CreateChannel allocates a new handle for a slot on an already-open
// descriptor, retaining the descriptor's refcount.
func (r *Registry) CreateChannel(d *Descriptor, slotIndex byte, name string) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	d.Retain()
	r.next++
	handle := r.next
	r.slots[handle] = &Slot{Descriptor: d, Index: slotIndex, Name: name}
	return handle
}

// Lookup returns the slot for handle.
func (r *Registry) Lookup(handle uint32) (*Slot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[handle]
	if !ok {
		return nil, fmt.Errorf("reader: unknown channel handle %d", handle)
	}
	return s, nil
}

// CloseChannel releases the handle and, if it was the last reference to
// the underlying descriptor, closes its transport.
func (r *Registry) CloseChannel(handle uint32) error {
	r.mu.Lock()
	s, ok := r.slots[handle]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("reader: unknown channel handle %d", handle)
	}
	delete(r.slots, handle)
	r.mu.Unlock()

	if s.Descriptor.Release() {
		return s.Descriptor.Port.Close()
	}
	return nil
}

// Channels returns every open handle, for diagnostics.
func (r *Registry) Channels() map[uint32]*Slot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[uint32]*Slot, len(r.slots))
	for k, v := range r.slots {
		out[k] = v
	}
	return out
}
