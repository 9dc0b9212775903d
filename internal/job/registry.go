// Package job tracks the unit of work behind one file's fetch, encryption or
// decryption. A Registry hands out identifiers, remembers per-job sizes and
// decryption descriptors, and carries the completion/progress event bus that
// joins a bare job identifier back to its eventual metadata.
package job

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/dusklabs/penumbra/internal/cryptox"
)

// ID identifies one job for the lifetime of a Registry's counter. IDs are
// unique and strictly increasing; they are not contiguous across process
// restarts because nothing is persisted.
type ID uint64

// Registry is the shared mutable state of the coordinator: the job-id
// counter, the per-job size table and the descriptor cache, plus the
// subscription list of the event bus. All methods are safe for concurrent
// use. Instantiate one Registry per coordinator, not process-wide, so tests
// can run independent registries side by side.
type Registry struct {
	counter atomic.Uint64

	mu          sync.Mutex
	sizes       map[ID]int64
	descriptors map[ID]cryptox.Descriptor
	subs        map[int]func(Event)
	nextSub     int
}

func NewRegistry() *Registry {
	return &Registry{
		sizes:       make(map[ID]int64),
		descriptors: make(map[ID]cryptox.Descriptor),
		subs:        make(map[int]func(Event)),
	}
}

// NextID returns a fresh, strictly increasing job identifier.
func (r *Registry) NextID() ID {
	return ID(r.counter.Add(1))
}

// Track records the declared size of a job. Size may be updated later once
// the real byte count is known.
func (r *Registry) Track(id ID, size int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sizes[id] = size
}

// Size returns the declared size of a job, if tracked.
func (r *Registry) Size(id ID) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sizes[id]
	return s, ok
}

// RecordDescriptor stores the decryption descriptor for a job. Recording is
// idempotent with last-write-wins semantics.
func (r *Registry) RecordDescriptor(id ID, d cryptox.Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.descriptors[id] = d
}

// Descriptor returns the cached descriptor for a job, if recorded.
func (r *Registry) Descriptor(id ID) (cryptox.Descriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.descriptors[id]
	return d, ok
}

// AwaitDescriptor resolves the descriptor for a job: immediately from the
// cache when already recorded, otherwise on the first matching Complete
// event that carries key material. Callers bound the wait with ctx; without
// cancellation a job whose completion never fires leaves the subscription in
// place until then.
func (r *Registry) AwaitDescriptor(ctx context.Context, id ID) (cryptox.Descriptor, error) {
	ch := make(chan cryptox.Descriptor, 1)
	cancel := r.Subscribe(func(ev Event) {
		c, ok := ev.(Complete)
		if !ok || c.Job != id || len(c.Info.Key) == 0 {
			return
		}
		select {
		case ch <- c.Info:
		default:
		}
	})
	defer cancel()

	// The subscription is registered before the cache check, so a completion
	// landing between the two is seen either way.
	if d, ok := r.Descriptor(id); ok {
		return d, nil
	}

	select {
	case d := <-ch:
		return d, nil
	case <-ctx.Done():
		return cryptox.Descriptor{}, ctx.Err()
	}
}

// Subscribe registers fn for every subsequent event. The returned function
// removes the subscription; it is safe to call from within fn itself without
// affecting delivery of the same event to other subscribers.
func (r *Registry) Subscribe(fn func(Event)) (cancel func()) {
	r.mu.Lock()
	key := r.nextSub
	r.nextSub++
	r.subs[key] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.subs, key)
		r.mu.Unlock()
	}
}

// Publish delivers ev to every subscriber registered before this call.
// Complete events carrying key material also populate the descriptor cache,
// so late readers can still resolve the descriptor through
// Descriptor/AwaitDescriptor. Completions without key material (fetch and
// decrypt jobs, which may run under a reused id) leave the cache untouched.
func (r *Registry) Publish(ev Event) {
	r.mu.Lock()
	if c, ok := ev.(Complete); ok {
		if len(c.Info.Key) > 0 {
			r.descriptors[c.Job] = c.Info
		}
		if c.Size >= 0 {
			r.sizes[c.Job] = c.Size
		}
	}
	handlers := make([]func(Event), 0, len(r.subs))
	for _, fn := range r.subs {
		handlers = append(handlers, fn)
	}
	r.mu.Unlock()

	for _, fn := range handlers {
		fn(ev)
	}
}
