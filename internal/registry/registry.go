// Package registry holds the authoritative map from capability id to
// descriptor and provider handle. It owns status transitions and
// statistics. Provider invocation always happens outside the descriptor
// lock so one slow capability never serializes unrelated calls.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"protean/internal/capability"
	"protean/internal/logging"
	"protean/internal/provider"
)

// Store persists descriptor mutations. Optional; a nil store keeps the
// registry purely in-memory.
type Store interface {
	SaveDescriptor(d *capability.Descriptor) error
}

// Stats summarizes the registry for the tool-layer boundary.
type Stats struct {
	Total     int `json:"total"`
	Active    int `json:"active"`
	Available int `json:"available"`
	Evolving  int `json:"evolving"`
}

type entry struct {
	desc      *capability.Descriptor
	prov      provider.Provider
	execCount int64
	lastError string
}

// Registry is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	store   Store
	log     *zap.Logger
}

// New creates an empty registry. store may be nil.
func New(store Store) *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		store:   store,
		log:     logging.Named(logging.CategoryRegistry),
	}
}

// Register adds a capability. A duplicate id is rejected; replacing an
// existing capability is the caller's explicit decision via Replace.
func (r *Registry) Register(desc *capability.Descriptor, prov provider.Provider) error {
	if err := r.validate(desc, prov); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[desc.ID]; exists {
		return fmt.Errorf("%w: %s", capability.ErrAlreadyRegistered, desc.ID)
	}
	return r.put(desc, prov)
}

// Replace installs a capability over an existing id (or registers it
// fresh). Used by the evolution engine when promoting a new version.
func (r *Registry) Replace(desc *capability.Descriptor, prov provider.Provider) error {
	if err := r.validate(desc, prov); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.put(desc, prov)
}

func (r *Registry) validate(desc *capability.Descriptor, prov provider.Provider) error {
	if desc == nil {
		return capability.ErrEmptyID
	}
	if err := desc.Validate(); err != nil {
		return err
	}
	if prov == nil {
		return fmt.Errorf("capability %s: provider cannot be nil", desc.ID)
	}
	if prov.Kind() != desc.ProviderKind {
		return fmt.Errorf("capability %s: descriptor kind %s does not match provider kind %s",
			desc.ID, desc.ProviderKind, prov.Kind())
	}
	return nil
}

// put assumes r.mu is held for writing.
func (r *Registry) put(desc *capability.Descriptor, prov provider.Provider) error {
	d := desc.Clone()
	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	if d.Status == "" {
		d.Status = capability.StatusAvailable
	}

	r.entries[d.ID] = &entry{desc: d, prov: prov}
	r.persist(d)
	r.log.Info("capability registered",
		zap.String("id", d.ID),
		zap.String("kind", string(d.ProviderKind)),
		zap.String("status", string(d.Status)))
	return nil
}

// Restore reinstalls a persisted descriptor at startup. A nil provider
// marks the entry Unavailable with the given reason instead of dropping
// it: descriptors are never deleted, even when their backing cannot be
// rebuilt.
func (r *Registry) Restore(desc *capability.Descriptor, prov provider.Provider, reason string) error {
	if desc == nil {
		return capability.ErrEmptyID
	}
	if err := desc.Validate(); err != nil {
		return err
	}
	if prov != nil && prov.Kind() != desc.ProviderKind {
		return fmt.Errorf("capability %s: descriptor kind %s does not match provider kind %s",
			desc.ID, desc.ProviderKind, prov.Kind())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	d := desc.Clone()
	if prov == nil {
		d.Status = capability.StatusUnavailable
		d.UnavailableReason = reason
		d.UpdatedAt = time.Now().UTC()
		r.persist(d)
		r.log.Warn("capability restored without provider",
			zap.String("id", d.ID), zap.String("reason", reason))
	}
	r.entries[d.ID] = &entry{desc: d, prov: prov}
	return nil
}

// Get returns a copy of the descriptor for id.
func (r *Registry) Get(id string) (*capability.Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", capability.ErrNotFound, id)
	}
	return e.desc.Clone(), nil
}

// ListAll returns every descriptor, sorted by id.
func (r *Registry) ListAll() []*capability.Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*capability.Descriptor, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.desc.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListAvailable returns descriptors whose status permits execution.
func (r *Registry) ListAvailable() []*capability.Descriptor {
	all := r.ListAll()
	out := all[:0]
	for _, d := range all {
		if d.IsAvailable() {
			out = append(out, d)
		}
	}
	return out
}

// ListAvailableIDs returns the sorted ids of executable capabilities.
func (r *Registry) ListAvailableIDs() []string {
	avail := r.ListAvailable()
	ids := make([]string, len(avail))
	for i, d := range avail {
		ids[i] = d.ID
	}
	return ids
}

// Stats counts descriptors per lifecycle bucket.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Stats{Total: len(r.entries)}
	for _, e := range r.entries {
		switch e.desc.Status {
		case capability.StatusActive:
			s.Active++
		case capability.StatusAvailable:
			s.Available++
		case capability.StatusEvolving:
			s.Evolving++
		}
	}
	return s
}

// Execute runs the capability with the given input. The descriptor map
// lock is held only for the lookup and the post-run status update; the
// provider call itself runs unlocked.
func (r *Registry) Execute(ctx context.Context, id string, input map[string]any) (map[string]any, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	var prov provider.Provider
	var status capability.Status
	var reason string
	var required []string
	if ok {
		prov = e.prov
		status = e.desc.Status
		reason = e.desc.UnavailableReason
		if e.desc.InputSchema != nil {
			required = append([]string(nil), e.desc.InputSchema.Required...)
		}
	}
	r.mu.RUnlock()

	if !ok {
		return nil, capability.NewExecutionError(capability.FaultNotFound, id, capability.ErrNotFound)
	}
	if status != capability.StatusAvailable && status != capability.StatusActive {
		msg := fmt.Sprintf("%s has status %s", id, status)
		if reason != "" {
			msg += ": " + reason
		}
		return nil, capability.NewExecutionError(capability.FaultUnavailable, msg, capability.ErrUnavailable)
	}
	for _, key := range required {
		if _, present := input[key]; !present {
			return nil, capability.NewExecutionError(capability.FaultValidation,
				fmt.Sprintf("%s: missing required input %q", id, key), nil)
		}
	}

	out, execErr := prov.Execute(ctx, input)

	r.mu.Lock()
	if e, ok := r.entries[id]; ok {
		e.execCount++
		e.desc.UpdatedAt = time.Now().UTC()
		if execErr == nil {
			e.lastError = ""
			// First successful execution promotes the capability.
			if e.desc.Status == capability.StatusAvailable {
				e.desc.Status = capability.StatusActive
				r.persist(e.desc)
			}
		} else {
			e.lastError = execErr.Error()
		}
	}
	r.mu.Unlock()

	if execErr != nil {
		r.log.Warn("capability execution failed", zap.String("id", id), zap.Error(execErr))
		return nil, execErr
	}
	return out, nil
}

// MarkUnavailable demotes a capability, recording why. Used when a
// provider load fails or an artifact disappears; never aborts the host.
func (r *Registry) MarkUnavailable(id, reason string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return false
	}
	e.desc.Status = capability.StatusUnavailable
	e.desc.UnavailableReason = reason
	e.desc.UpdatedAt = time.Now().UTC()
	r.persist(e.desc)
	r.log.Warn("capability demoted", zap.String("id", id), zap.String("reason", reason))
	return true
}

// Deprecate retires a capability. Entries are never removed.
func (r *Registry) Deprecate(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", capability.ErrNotFound, id)
	}
	e.desc.Status = capability.StatusDeprecated
	e.desc.UpdatedAt = time.Now().UTC()
	r.persist(e.desc)
	return nil
}

// SetEvolving flags a capability id as the target of an in-flight
// pipeline. Unknown ids are ignored: the first version of a capability
// has no descriptor yet.
func (r *Registry) SetEvolving(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[id]; ok {
		e.desc.Status = capability.StatusEvolving
		e.desc.UpdatedAt = time.Now().UTC()
		r.persist(e.desc)
	}
}

// ExecutionCount reports how many times a capability has been invoked.
func (r *Registry) ExecutionCount(id string) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[id]; ok {
		return e.execCount
	}
	return 0
}

// idsByArtifact returns ids whose descriptor references the artifact.
func (r *Registry) idsByArtifact(path string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for id, e := range r.entries {
		if e.desc.ArtifactPath != "" && e.desc.ArtifactPath == path {
			ids = append(ids, id)
		}
	}
	return ids
}

// persist assumes r.mu is held for writing. Best-effort: storage faults
// degrade durability, not availability.
func (r *Registry) persist(d *capability.Descriptor) {
	if r.store == nil {
		return
	}
	if err := r.store.SaveDescriptor(d.Clone()); err != nil {
		r.log.Warn("descriptor persist failed", zap.String("id", d.ID), zap.Error(err))
	}
}
