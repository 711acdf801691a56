package dataref

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/juju/errors"
	log "github.com/sirupsen/logrus"

	"github.com/warriorguo/swarmflow/types"
	"github.com/warriorguo/swarmflow/wal"
)

var _ Resolver = &Registry{}

// Resolver looks up a live DataRef by id. Satisfied by Registry; the
// token service depends on this rather than the full registry.
type Resolver interface {
	Resolve(id uuid.UUID) (types.DataRef, error)
}

type entry struct {
	ref          types.DataRef
	lastResolved time.Time
	retired      bool
}

/**
 * Registry tracks every DataRef the orchestrator knows about. A ref is
 * registered once, resolved many times, and eventually retired; the
 * bytes it names are immutable throughout. Registration, tier changes
 * and retirement are logged before the in-memory table is touched, so
 * replaying the event log rebuilds the registry exactly.
 */
type Registry struct {
	mu    sync.RWMutex
	log   *wal.EventLog
	clock clock.Clock
	refs  map[uuid.UUID]*entry
}

func NewRegistry(eventLog *wal.EventLog, clk clock.Clock) *Registry {
	return &Registry{
		log:   eventLog,
		clock: clk,
		refs:  map[uuid.UUID]*entry{},
	}
}

func (r *Registry) Register(ctx context.Context, ref types.DataRef) error {
	if ref.ID == uuid.Nil {
		return errors.NotValidf("data ref without id")
	}
	if ref.Location == "" {
		return errors.NotValidf("data ref %s without location", ref.ID)
	}
	if ref.Tier == types.TierNone {
		ref.Tier = types.TierMainMemory
	}
	if ref.CreatedAt.IsZero() {
		ref.CreatedAt = r.clock.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.refs[ref.ID]; ok {
		return errors.AlreadyExistsf("data ref %s", ref.ID)
	}

	_, err := r.log.Append(ctx, types.Event{
		Kind:      types.EventDataRegistered,
		Ref:       &ref,
		Timestamp: r.clock.Now(),
	})
	if err != nil {
		return errors.Trace(err)
	}

	r.refs[ref.ID] = &entry{ref: ref, lastResolved: r.clock.Now()}
	log.Debugf("registered %s ref %s on %s (%d bytes, %s)",
		ref.Type.Kind, ref.ID, ref.Location, ref.SizeBytes, ref.Tier)
	return nil
}

/**
 * Resolve returns the current descriptor for a live ref. It is pure
 * metadata lookup: no bytes move and no network I/O happens. Each hit
 * refreshes the ref's recency, which eviction uses for its LRU order.
 */
func (r *Registry) Resolve(id uuid.UUID) (types.DataRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.refs[id]
	if !ok || e.retired {
		return types.DataRef{}, errors.NotFoundf("data ref %s", id)
	}
	e.lastResolved = r.clock.Now()
	return e.ref, nil
}

func (r *Registry) SetTier(ctx context.Context, id uuid.UUID, tier types.StorageTier) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.setTierLocked(ctx, id, tier)
}

func (r *Registry) setTierLocked(ctx context.Context, id uuid.UUID, tier types.StorageTier) error {
	e, ok := r.refs[id]
	if !ok || e.retired {
		return errors.NotFoundf("data ref %s", id)
	}
	if e.ref.Tier == tier {
		return nil
	}

	_, err := r.log.Append(ctx, types.Event{
		Kind:      types.EventDataTierChanged,
		Ref:       &e.ref,
		Tier:      tier,
		Timestamp: r.clock.Now(),
	})
	if err != nil {
		return errors.Trace(err)
	}

	log.Infof("ref %s moved %s -> %s", id, e.ref.Tier, tier)
	e.ref.Tier = tier
	return nil
}

// Retire marks a ref unresolvable. The executor holding the bytes may
// reclaim them; the registry keeps the tombstone until Delete.
func (r *Registry) Retire(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.refs[id]
	if !ok || e.retired {
		return errors.NotFoundf("data ref %s", id)
	}

	_, err := r.log.Append(ctx, types.Event{
		Kind:      types.EventDataRetired,
		Ref:       &e.ref,
		Timestamp: r.clock.Now(),
	})
	if err != nil {
		return errors.Trace(err)
	}

	e.retired = true
	return nil
}

func (r *Registry) Delete(id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.refs[id]
	if !ok {
		return errors.NotFoundf("data ref %s", id)
	}
	if !e.retired {
		return errors.Errorf("data ref %s is still live, retire it first", id)
	}
	delete(r.refs, id)
	return nil
}

/**
 * Evict demotes up to n least-recently-resolved live refs one tier
 * down, skipping refs already on disk. It is the memory-pressure
 * relief valve: demotion changes where bytes live, never what they
 * are, so holders of the ref stay valid.
 */
func (r *Registry) Evict(ctx context.Context, n int) ([]types.DataRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	candidates := make([]*entry, 0, len(r.refs))
	for _, e := range r.refs {
		if e.retired || e.ref.Tier >= types.TierDisk {
			continue
		}
		candidates = append(candidates, e)
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].lastResolved.Before(candidates[j].lastResolved)
	})
	if n < len(candidates) {
		candidates = candidates[:n]
	}

	moved := make([]types.DataRef, 0, len(candidates))
	for _, e := range candidates {
		if err := r.setTierLocked(ctx, e.ref.ID, e.ref.Tier.Lower()); err != nil {
			return moved, errors.Trace(err)
		}
		moved = append(moved, e.ref)
	}
	return moved, nil
}

// OwnedBy returns the live refs produced by one workflow, oldest first.
func (r *Registry) OwnedBy(workflowID uuid.UUID) []types.DataRef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	refs := []types.DataRef{}
	for _, e := range r.refs {
		if !e.retired && e.ref.WorkflowID == workflowID {
			refs = append(refs, e.ref)
		}
	}
	sort.Slice(refs, func(i, j int) bool {
		return refs[i].CreatedAt.Before(refs[j].CreatedAt)
	})
	return refs
}

func (r *Registry) List() []types.DataRef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	refs := []types.DataRef{}
	for _, e := range r.refs {
		if !e.retired {
			refs = append(refs, e.ref)
		}
	}
	sort.Slice(refs, func(i, j int) bool {
		return refs[i].CreatedAt.Before(refs[j].CreatedAt)
	})
	return refs
}

// BytesOn sums the sizes of the given refs resident on server. Used to
// score data locality during server selection; unknown ids count zero.
func (r *Registry) BytesOn(server string, ids []uuid.UUID) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var total uint64
	for _, id := range ids {
		e, ok := r.refs[id]
		if !ok || e.retired {
			continue
		}
		if e.ref.LocalTo(server) {
			total += e.ref.SizeBytes
		}
	}
	return total
}

/**
 * ApplyEvent replays one logged data event into the table without
 * re-appending it. Recovery calls this for every data_* record; the
 * resulting table matches the pre-crash state position for position.
 */
func (r *Registry) ApplyEvent(ev types.Event) error {
	if ev.Ref == nil {
		return types.NewRecoveryErrorf("%s event without ref", ev.Kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	switch ev.Kind {
	case types.EventDataRegistered:
		r.refs[ev.Ref.ID] = &entry{ref: *ev.Ref, lastResolved: ev.Timestamp}
	case types.EventDataTierChanged:
		e, ok := r.refs[ev.Ref.ID]
		if !ok {
			return types.NewRecoveryErrorf("tier change for unknown ref %s", ev.Ref.ID)
		}
		e.ref.Tier = ev.Tier
	case types.EventDataRetired:
		e, ok := r.refs[ev.Ref.ID]
		if !ok {
			return types.NewRecoveryErrorf("retire of unknown ref %s", ev.Ref.ID)
		}
		e.retired = true
	default:
		return types.NewRecoveryErrorf("unexpected data event kind %s", ev.Kind)
	}
	return nil
}
