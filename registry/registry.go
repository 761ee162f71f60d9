// Package registry tracks every resource an experiment creates.
//
// A Registry is an in-memory arena of ResourceRecords keyed by kind and name.
// When opened through a Store it is backed by an on-disk journal that is
// rewritten after every mutation, so a crashed harness leaves behind an
// accurate list for the sweeper.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/NEWSLabNTU/ns3-zenoh-simulation/internal/naming"
	"github.com/NEWSLabNTU/ns3-zenoh-simulation/model"
)

// EventType indicates what kind of change happened in the registry.
type EventType int

const (
	EventRecorded EventType = iota
	EventRemoved
	EventPhaseChanged
)

// Event is emitted to subscribers after a mutation is persisted.
type Event struct {
	Type   EventType
	Record model.ResourceRecord
	Phase  model.Phase
}

// Registry is a thread-safe arena of resource records for one experiment.
type Registry struct {
	mu sync.RWMutex

	experiment string
	tag        string
	phase      model.Phase
	records    []*model.ResourceRecord
	index      map[string]int

	// persistence; both nil for in-memory registries
	store *Store
	lock  *flock.Flock

	now  func() time.Time
	subs map[int]func(Event)
	next int
}

// New returns an in-memory registry that is never persisted.
func New(experiment string) *Registry {
	return newRegistry(experiment, nil, nil)
}

func newRegistry(experiment string, store *Store, lock *flock.Flock) *Registry {
	return &Registry{
		experiment: experiment,
		tag:        naming.Tag(experiment),
		index:      make(map[string]int),
		store:      store,
		lock:       lock,
		now:        time.Now,
		subs:       make(map[int]func(Event)),
	}
}

// Experiment returns the experiment name.
func (r *Registry) Experiment() string { return r.experiment }

// Tag returns the experiment naming tag.
func (r *Registry) Tag() string { return r.tag }

// Phase returns the last persisted lifecycle phase.
func (r *Registry) Phase() model.Phase {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.phase
}

// Record adds rec before the resource it describes is created. Recording a
// key whose previous record was marked removed replaces that record;
// recording a key that is still live fails.
func (r *Registry) Record(rec model.ResourceRecord) error {
	if !rec.Kind.Valid() {
		return fmt.Errorf("record %q: unknown kind %q", rec.Name, rec.Kind)
	}
	if rec.Name == "" {
		return fmt.Errorf("record of kind %s has no name", rec.Kind)
	}

	r.mu.Lock()
	rec.Experiment = r.experiment
	rec.Tag = r.tag
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = r.now().UTC()
	}
	rec.RemovedAt = nil

	key := rec.Key()
	if i, ok := r.index[key]; ok {
		if r.records[i].Live() {
			r.mu.Unlock()
			return &model.NameCollisionError{Experiment: r.experiment, Name: rec.Name, Reason: "already recorded as a live resource"}
		}
		// move the re-created resource to the end to keep creation order
		r.records = append(r.records[:i], r.records[i+1:]...)
		r.reindexLocked()
	}
	stored := rec
	r.records = append(r.records, &stored)
	r.index[key] = len(r.records) - 1
	if err := r.persistLocked(); err != nil {
		r.mu.Unlock()
		return err
	}
	subs := r.subscribersLocked()
	r.mu.Unlock()

	notify(subs, Event{Type: EventRecorded, Record: rec})
	return nil
}

// MarkRemoved sets the removal mark on a record. Marking an unknown or
// already removed record is a no-op.
func (r *Registry) MarkRemoved(kind model.ResourceKind, name string) error {
	r.mu.Lock()
	i, ok := r.index[string(kind)+"/"+name]
	if !ok || !r.records[i].Live() {
		r.mu.Unlock()
		return nil
	}
	ts := r.now().UTC()
	r.records[i].RemovedAt = &ts
	rec := *r.records[i]
	if err := r.persistLocked(); err != nil {
		r.mu.Unlock()
		return err
	}
	subs := r.subscribersLocked()
	r.mu.Unlock()

	notify(subs, Event{Type: EventRemoved, Record: rec})
	return nil
}

// SetPhase persists the experiment's lifecycle phase.
func (r *Registry) SetPhase(p model.Phase) error {
	r.mu.Lock()
	r.phase = p
	if err := r.persistLocked(); err != nil {
		r.mu.Unlock()
		return err
	}
	subs := r.subscribersLocked()
	r.mu.Unlock()

	notify(subs, Event{Type: EventPhaseChanged, Phase: p})
	return nil
}

// Get returns a copy of the record for (kind, name).
func (r *Registry) Get(kind model.ResourceKind, name string) (model.ResourceRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.index[string(kind)+"/"+name]
	if !ok {
		return model.ResourceRecord{}, false
	}
	return copyRecord(r.records[i]), true
}

// Records returns a snapshot of every record in creation order.
func (r *Registry) Records() []model.ResourceRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.ResourceRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, copyRecord(rec))
	}
	return out
}

// Live returns a snapshot of the records not yet marked removed.
func (r *Registry) Live() []model.ResourceRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []model.ResourceRecord
	for _, rec := range r.records {
		if rec.Live() {
			out = append(out, copyRecord(rec))
		}
	}
	return out
}

// TeardownOrder returns every record sorted for removal: by teardown stage,
// and within a stage in reverse creation order.
func (r *Registry) TeardownOrder() []model.ResourceRecord {
	recs := r.Records()
	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}
	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].Kind.TeardownStage() < recs[j].Kind.TeardownStage()
	})
	return recs
}

// Reset drops removal marks left by an earlier run. It refuses while any
// record is live. The phase is kept.
func (r *Registry) Reset() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if rec.Live() {
			return &model.NameCollisionError{Experiment: r.experiment, Name: rec.Name, Reason: "a live resource is still recorded"}
		}
	}
	r.records = nil
	r.index = make(map[string]int)
	return r.persistLocked()
}

// Subscribe registers a callback for registry events. It returns an
// unsubscribe function.
func (r *Registry) Subscribe(fn func(Event)) (unsubscribe func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.next
	r.next++
	r.subs[id] = fn
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.subs, id)
	}
}

// Close releases the journal lock. The journal itself is kept so later
// sweeps can report already-absent resources.
func (r *Registry) Close() error {
	if r.lock == nil {
		return nil
	}
	if err := r.lock.Unlock(); err != nil {
		return fmt.Errorf("release journal lock for %s: %w", r.experiment, err)
	}
	return nil
}

func (r *Registry) persistLocked() error {
	if r.store == nil {
		return nil
	}
	j := Journal{
		Experiment: r.experiment,
		Tag:        r.tag,
		Phase:      r.phase,
		UpdatedAt:  r.now().UTC(),
		Records:    make([]model.ResourceRecord, 0, len(r.records)),
	}
	for _, rec := range r.records {
		j.Records = append(j.Records, *rec)
	}
	return r.store.write(&j)
}

func (r *Registry) load(j *Journal) {
	r.phase = j.Phase
	for i := range j.Records {
		rec := j.Records[i]
		r.records = append(r.records, &rec)
	}
	r.reindexLocked()
}

func (r *Registry) reindexLocked() {
	r.index = make(map[string]int, len(r.records))
	for i, rec := range r.records {
		r.index[rec.Key()] = i
	}
}

func (r *Registry) subscribersLocked() []func(Event) {
	ids := make([]int, 0, len(r.subs))
	for id := range r.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		out = append(out, r.subs[id])
	}
	return out
}

// notify runs outside the lock so subscribers may call back into the registry.
func notify(subs []func(Event), e Event) {
	for _, fn := range subs {
		fn(e)
	}
}

func copyRecord(rec *model.ResourceRecord) model.ResourceRecord {
	out := *rec
	if rec.RemovedAt != nil {
		ts := *rec.RemovedAt
		out.RemovedAt = &ts
	}
	return out
}
