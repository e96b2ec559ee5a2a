package graph

import (
	"maps"
	"slices"

	"github.com/mnemo-db/mnemo/model"
)

// Tx stages a batch of changes against a private copy of the tables.
// Mutating methods are sequence-gated: a change at or below the staged
// applied sequence is skipped, which makes replaying recovered log entries
// idempotent. Commit publishes the whole batch atomically; Abort discards
// it. One of the two must be called exactly once.
type Tx struct {
	store *Store
	next  *View
	done  bool
}

// Begin clones the current tables into a staging view and blocks any other
// writer until Commit or Abort.
func (s *Store) Begin() *Tx {
	s.writeMu.Lock()
	cur := s.view.Load()
	return &Tx{
		store: s,
		next: &View{
			appliedSeq:  cur.appliedSeq,
			concepts:    maps.Clone(cur.concepts),
			edges:       maps.Clone(cur.edges),
			edgeCount:   cur.edgeCount,
			vectorCount: cur.vectorCount,
		},
	}
}

// Commit publishes the staged view, making every change in the batch
// visible to readers at once.
func (t *Tx) Commit() {
	if t.done {
		return
	}
	t.done = true
	t.store.view.Store(t.next)
	t.store.writeMu.Unlock()
}

// Abort discards the staged view.
func (t *Tx) Abort() {
	if t.done {
		return
	}
	t.done = true
	t.store.writeMu.Unlock()
}

// AppliedSeq returns the staged applied sequence number.
func (t *Tx) AppliedSeq() uint64 {
	return t.next.appliedSeq
}

// gate advances the staged sequence, reporting whether the change at seq
// still needs to be applied. Every mutation consumes its sequence number
// whether or not it changes the tables, so the applied sequence always
// matches the last drained log entry.
func (t *Tx) gate(seq uint64) bool {
	if seq <= t.next.appliedSeq {
		return false
	}
	t.next.appliedSeq = seq
	return true
}

// AdvanceTo raises the staged sequence without changing the tables. Used
// when installing a snapshot taken at a known sequence number.
func (t *Tx) AdvanceTo(seq uint64) {
	if seq > t.next.appliedSeq {
		t.next.appliedSeq = seq
	}
}

// UpsertConcept stores c under its id, replacing any previous version. The
// transaction takes ownership of c; callers must not modify it afterwards.
func (t *Tx) UpsertConcept(seq uint64, c *model.Concept) bool {
	if !t.gate(seq) {
		return false
	}
	return t.putConcept(c)
}

// RestoreConcept installs a concept during snapshot recovery, bypassing
// sequence gating.
func (t *Tx) RestoreConcept(c *model.Concept) {
	t.putConcept(c)
}

func (t *Tx) putConcept(c *model.Concept) bool {
	if c == nil {
		return false
	}
	if prev, ok := t.next.concepts[c.ID]; ok && prev.Vector != nil {
		t.next.vectorCount--
	}
	if c.Vector != nil {
		t.next.vectorCount++
	}
	t.next.concepts[c.ID] = c
	return true
}

// DeleteConcept removes a concept together with its outgoing edges.
// Incoming edges stay stored but are skipped by IterateEdges until their
// source is next rewritten.
func (t *Tx) DeleteConcept(seq uint64, id model.ConceptID) bool {
	if !t.gate(seq) {
		return false
	}
	return t.dropConcept(id)
}

func (t *Tx) dropConcept(id model.ConceptID) bool {
	c, ok := t.next.concepts[id]
	if !ok {
		return false
	}
	if c.Vector != nil {
		t.next.vectorCount--
	}
	delete(t.next.concepts, id)
	if out, ok := t.next.edges[id]; ok {
		t.next.edgeCount -= len(out)
		delete(t.next.edges, id)
	}
	return true
}

// UpsertEdge stores a directed association. An existing edge with the same
// source, target and relation is replaced in place. Edges whose source is
// unknown are dropped; a missing target is tolerated, since the target id
// is content-addressed and relearning the content revives the edge.
func (t *Tx) UpsertEdge(seq uint64, a model.Association) bool {
	if !t.gate(seq) {
		return false
	}
	if _, ok := t.next.concepts[a.Source]; !ok {
		return false
	}

	// Stored slices are shared with published views, so modification
	// always goes through a fresh copy.
	old := t.next.edges[a.Source]
	out := make([]model.Association, len(old), len(old)+1)
	copy(out, old)

	for i := range out {
		if out[i].Target == a.Target && out[i].Relation == a.Relation {
			out[i] = a
			t.next.edges[a.Source] = out
			return true
		}
	}
	t.next.edges[a.Source] = append(out, a)
	t.next.edgeCount++
	return true
}

// RestoreEdge installs an association during snapshot recovery, bypassing
// sequence gating and the source-exists check. Recovery starts from empty
// tables, so appending in place is safe here.
func (t *Tx) RestoreEdge(a model.Association) {
	t.next.edges[a.Source] = append(t.next.edges[a.Source], a)
	t.next.edgeCount++
}

// DeleteEdge removes the association matching source, target and relation.
func (t *Tx) DeleteEdge(seq uint64, source, target model.ConceptID, relation model.RelationKind) bool {
	if !t.gate(seq) {
		return false
	}
	old := t.next.edges[source]
	for i := range old {
		if old[i].Target == target && old[i].Relation == relation {
			out := make([]model.Association, 0, len(old)-1)
			out = append(out, old[:i]...)
			out = append(out, old[i+1:]...)
			if len(out) == 0 {
				delete(t.next.edges, source)
			} else {
				t.next.edges[source] = out
			}
			t.next.edgeCount--
			return true
		}
	}
	return false
}

// Reinforce adjusts a concept's strength by delta. Strength never drops
// below zero.
func (t *Tx) Reinforce(seq uint64, id model.ConceptID, delta float64) bool {
	if !t.gate(seq) {
		return false
	}
	c, ok := t.next.concepts[id]
	if !ok {
		return false
	}
	next := *c
	next.Strength += delta
	if next.Strength < 0 {
		next.Strength = 0
	}
	t.next.concepts[id] = &next
	return true
}

// Decay multiplies every strength by factor and removes concepts that fall
// below floor, returning the removed ids in ascending order. Removed
// concepts drop their outgoing edges immediately; incoming edges are
// skipped on iteration until their source is rewritten.
func (t *Tx) Decay(seq uint64, factor, floor float64) []model.ConceptID {
	if !t.gate(seq) {
		return nil
	}

	var removed []model.ConceptID
	for id, c := range t.next.concepts {
		next := *c
		next.Strength *= factor
		if next.Strength < floor {
			removed = append(removed, id)
			continue
		}
		t.next.concepts[id] = &next
	}
	for _, id := range removed {
		t.dropConcept(id)
	}
	slices.Sort(removed)
	return removed
}
