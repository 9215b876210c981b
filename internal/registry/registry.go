package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/crankbird/crankmesh/internal/domain"
)

// Registry maps (capability, version) to the healthy worker endpoints
// backing it. Read-mostly; heartbeats refresh entries, absence of a
// heartbeat within the TTL removes the endpoint.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	ttl     time.Duration
	clock   func() time.Time
}

type entry struct {
	ref       domain.CapabilityRef
	schemaRef string
	endpoints []domain.Endpoint
	cursor    int
}

func New(ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Registry{
		entries: make(map[string]*entry),
		ttl:     ttl,
		clock:   time.Now,
	}
}

func (r *Registry) WithClock(clock func() time.Time) *Registry {
	if clock != nil {
		r.clock = clock
	}
	return r
}

// Register adds or refreshes an endpoint for a capability. Idempotent;
// a repeat registration for the same address acts as a heartbeat.
func (r *Registry) Register(ref domain.CapabilityRef, endpoint domain.Endpoint, schemaRef string) error {
	if err := ref.Validate(); err != nil {
		return err
	}
	if endpoint.Address == "" {
		return errors.New("endpoint address is required")
	}
	endpoint.LastSeen = r.clock()

	r.mu.Lock()
	defer r.mu.Unlock()
	key := ref.String()
	e, ok := r.entries[key]
	if !ok {
		e = &entry{ref: ref, schemaRef: schemaRef}
		r.entries[key] = e
	}
	if schemaRef != "" {
		e.schemaRef = schemaRef
	}
	for i := range e.endpoints {
		if e.endpoints[i].Address == endpoint.Address {
			e.endpoints[i] = endpoint
			return nil
		}
	}
	e.endpoints = append(e.endpoints, endpoint)
	return nil
}

// Resolve returns the healthy endpoints for an exact (name, version)
// match, ordered by round-robin rotation. The first element is the
// preferred endpoint; the rest are retry alternates. There is no
// fallback to other versions.
func (r *Registry) Resolve(ref domain.CapabilityRef) ([]domain.Endpoint, error) {
	now := r.clock()

	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[ref.String()]
	if !ok {
		return nil, domain.ErrCapabilityNotFound
	}
	healthy := e.endpoints[:0]
	for _, ep := range e.endpoints {
		if now.Sub(ep.LastSeen) <= r.ttl {
			healthy = append(healthy, ep)
		}
	}
	e.endpoints = healthy
	if len(e.endpoints) == 0 {
		delete(r.entries, ref.String())
		return nil, domain.ErrCapabilityNotFound
	}

	if e.cursor >= len(e.endpoints) {
		e.cursor = 0
	}
	out := make([]domain.Endpoint, 0, len(e.endpoints))
	for i := 0; i < len(e.endpoints); i++ {
		out = append(out, e.endpoints[(e.cursor+i)%len(e.endpoints)])
	}
	e.cursor = (e.cursor + 1) % len(e.endpoints)
	return out, nil
}

// Unregister removes one endpoint, for graceful worker shutdown.
func (r *Registry) Unregister(ref domain.CapabilityRef, address string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[ref.String()]
	if !ok {
		return
	}
	kept := e.endpoints[:0]
	for _, ep := range e.endpoints {
		if ep.Address != address {
			kept = append(kept, ep)
		}
	}
	e.endpoints = kept
	if len(e.endpoints) == 0 {
		delete(r.entries, ref.String())
	}
}

// Descriptor returns the registry's current view of one capability.
func (r *Registry) Descriptor(ref domain.CapabilityRef) (domain.CapabilityDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[ref.String()]
	if !ok {
		return domain.CapabilityDescriptor{}, false
	}
	endpoints := make([]domain.Endpoint, len(e.endpoints))
	copy(endpoints, e.endpoints)
	return domain.CapabilityDescriptor{
		Ref:       e.ref,
		SchemaRef: e.schemaRef,
		Endpoints: endpoints,
	}, true
}

// Sweep drops endpoints whose heartbeat lapsed. Resolve prunes lazily;
// Sweep exists for the controller's periodic maintenance loop.
func (r *Registry) Sweep() {
	now := r.clock()
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, e := range r.entries {
		kept := e.endpoints[:0]
		for _, ep := range e.endpoints {
			if now.Sub(ep.LastSeen) <= r.ttl {
				kept = append(kept, ep)
			}
		}
		e.endpoints = kept
		if len(e.endpoints) == 0 {
			delete(r.entries, key)
		}
	}
}
