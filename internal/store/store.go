// Package store holds the supervisor's in-memory structure registry and
// run records. Nothing here survives a restart.
package store

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/fentz26/skatepark/internal/connectors"
	"github.com/fentz26/skatepark/internal/models"
)

var (
	// ErrNotFound is returned when a structure or run id is unknown.
	ErrNotFound = errors.New("not found")
	// ErrExists is returned when inserting a run id twice.
	ErrExists = errors.New("already exists")
	// ErrCapacity is returned when ReserveSlot would exceed the active run limit.
	ErrCapacity = errors.New("active run limit reached")
)

// Store is safe for concurrent use. The store lock only guards map
// membership; each run record carries its own lock so that operations on
// different runs never contend.
type Store struct {
	mu         sync.RWMutex
	structures map[string]models.Structure
	runs       map[string]*entry
	order      []string

	// pending counts reserved slots whose runs are not inserted yet.
	pending int
}

type entry struct {
	mu      sync.RWMutex
	run     models.Run
	process connectors.Process
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		structures: make(map[string]models.Structure),
		runs:       make(map[string]*entry),
	}
}

// --- Structures ---

// PutStructure inserts or replaces a structure under its id.
func (s *Store) PutStructure(st models.Structure) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.structures[st.ID] = st.Clone()
}

// GetStructure returns a copy of the structure with the given id.
func (s *Store) GetStructure(id string) (models.Structure, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.structures[id]
	if !ok {
		return models.Structure{}, fmt.Errorf("structure %s: %w", id, ErrNotFound)
	}
	return st.Clone(), nil
}

// UpdateStructure applies fn to a stored structure under the store lock.
func (s *Store) UpdateStructure(id string, fn func(st *models.Structure)) (models.Structure, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.structures[id]
	if !ok {
		return models.Structure{}, fmt.Errorf("structure %s: %w", id, ErrNotFound)
	}
	st = st.Clone()
	fn(&st)
	s.structures[id] = st
	return st.Clone(), nil
}

// DeleteStructure removes a structure. Its runs are left in place.
func (s *Store) DeleteStructure(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.structures[id]; !ok {
		return fmt.Errorf("structure %s: %w", id, ErrNotFound)
	}
	delete(s.structures, id)
	return nil
}

// ListStructures returns all structures ordered by directory.
func (s *Store) ListStructures() []models.Structure {
	s.mu.RLock()
	out := make([]models.Structure, 0, len(s.structures))
	for _, st := range s.structures {
		out = append(out, st.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Directory != out[j].Directory {
			return out[i].Directory < out[j].Directory
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// --- Runs ---

// Slot holds one unit of run capacity while a run is being launched.
// The run is not visible to readers until InsertRun consumes the slot.
type Slot struct {
	store *Store
	once  sync.Once
}

// ReserveSlot takes a capacity slot. When limit is positive and that many
// runs are already non-terminal or being launched, it fails with ErrCapacity.
func (s *Store) ReserveSlot(limit int) (*Slot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit > 0 && s.countActiveLocked()+s.pending >= limit {
		return nil, ErrCapacity
	}
	s.pending++
	return &Slot{store: s}, nil
}

// Release returns an unused slot. It is a no-op once the slot has been
// released or consumed.
func (sl *Slot) Release() {
	sl.once.Do(func() {
		sl.store.mu.Lock()
		sl.store.pending--
		sl.store.mu.Unlock()
	})
}

// InsertRun publishes a run record together with its process handle,
// which may be nil. A non-nil slot is consumed in the same step so the
// run is never counted twice or not at all.
func (s *Store) InsertRun(run models.Run, proc connectors.Process, slot *Slot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[run.ID]; ok {
		return fmt.Errorf("run %s: %w", run.ID, ErrExists)
	}
	if slot != nil {
		slot.once.Do(func() { s.pending-- })
	}
	e := &entry{run: run.Clone(), process: proc}
	if proc != nil {
		e.run.PID = proc.Pid()
	}
	s.runs[run.ID] = e
	s.order = append(s.order, run.ID)
	return nil
}

// GetRun returns a snapshot of a run.
func (s *Store) GetRun(id string) (models.Run, error) {
	e, err := s.lookup(id)
	if err != nil {
		return models.Run{}, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.run.Clone(), nil
}

// ListRuns returns snapshots of runs in creation order. An empty
// structureID lists every run.
func (s *Store) ListRuns(structureID string) []models.Run {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.order))
	for _, id := range s.order {
		entries = append(entries, s.runs[id])
	}
	s.mu.RUnlock()

	out := make([]models.Run, 0, len(entries))
	for _, e := range entries {
		e.mu.RLock()
		if structureID == "" || e.run.StructureID == structureID {
			out = append(out, e.run.Clone())
		}
		e.mu.RUnlock()
	}
	return out
}

// ActiveRunIDs returns the ids of all non-terminal runs in creation order.
func (s *Store) ActiveRunIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for _, id := range s.order {
		e := s.runs[id]
		e.mu.RLock()
		if !e.run.Status.IsTerminal() {
			ids = append(ids, id)
		}
		e.mu.RUnlock()
	}
	return ids
}

// CountActive returns the number of non-terminal runs.
func (s *Store) CountActive() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.countActiveLocked()
}

// CountRuns returns the number of run records.
func (s *Store) CountRuns() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.runs)
}

func (s *Store) countActiveLocked() int {
	n := 0
	for _, e := range s.runs {
		e.mu.RLock()
		if !e.run.Status.IsTerminal() {
			n++
		}
		e.mu.RUnlock()
	}
	return n
}

// Mutation is applied to a run while its lock is held.
type Mutation func(run *models.Run, proc connectors.Process) error

// Update applies fn to the run under its write lock and returns the
// resulting snapshot. A non-nil error from fn is returned alongside the
// snapshot; fn is expected to leave the run untouched in that case.
func (s *Store) Update(id string, fn Mutation) (models.Run, error) {
	e, err := s.lookup(id)
	if err != nil {
		return models.Run{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	err = fn(&e.run, e.process)
	return e.run.Clone(), err
}

// Process returns the process handle for a run, or nil if none was attached.
func (s *Store) Process(id string) (connectors.Process, error) {
	e, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.process, nil
}

func (s *Store) lookup(id string) (*entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return e, nil
}
