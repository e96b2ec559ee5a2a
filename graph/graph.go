// Package graph holds the in-memory concept and association tables behind
// a copy-on-write read view. Many readers share one immutable View through
// an atomic pointer while a single writer stages a batch in a Tx and
// publishes it wholesale, so readers never take a lock and never observe a
// half-applied batch.
package graph

import (
	"sync"
	"sync/atomic"

	"github.com/mnemo-db/mnemo/model"
)

// Store owns the current read view. Reads go through View; writes go
// through Begin/Commit, which serialize on an internal mutex so at most
// one writer stages changes at a time.
type Store struct {
	writeMu sync.Mutex
	view    atomic.Pointer[View]
}

// NewStore returns an empty store at sequence zero.
func NewStore() *Store {
	s := &Store{}
	s.view.Store(&View{
		concepts: make(map[model.ConceptID]*model.Concept),
		edges:    make(map[model.ConceptID][]model.Association),
	})
	return s
}

// View returns the current read view. The result is immutable and stays
// consistent for as long as the caller holds it; later commits publish
// fresh views without touching it.
func (s *Store) View() *View {
	return s.view.Load()
}

// View is one published version of the graph. The applied sequence number
// acts as its generation tag: every change folded in carried a sequence at
// or below it.
type View struct {
	appliedSeq  uint64
	concepts    map[model.ConceptID]*model.Concept
	edges       map[model.ConceptID][]model.Association
	edgeCount   int
	vectorCount int
}

// AppliedSeq returns the sequence number of the last change folded into
// this view.
func (v *View) AppliedSeq() uint64 {
	return v.appliedSeq
}

// GetConcept returns the stored concept for id. The result is shared with
// every other reader of this view and must not be modified.
func (v *View) GetConcept(id model.ConceptID) (*model.Concept, bool) {
	c, ok := v.concepts[id]
	return c, ok
}

// HasConcept reports whether id is present.
func (v *View) HasConcept(id model.ConceptID) bool {
	_, ok := v.concepts[id]
	return ok
}

// IterateEdges calls fn for each association leaving source, skipping
// edges whose target has been deleted since the edge was stored. Returning
// false stops the iteration.
func (v *View) IterateEdges(source model.ConceptID, fn func(model.Association) bool) {
	for _, a := range v.edges[source] {
		if _, ok := v.concepts[a.Target]; !ok {
			continue
		}
		if !fn(a) {
			return
		}
	}
}

// Concepts calls fn for every stored concept. Returning false stops the
// iteration. Order is unspecified.
func (v *View) Concepts(fn func(*model.Concept) bool) {
	for _, c := range v.concepts {
		if !fn(c) {
			return
		}
	}
}

// Edges calls fn for every stored association, including edges awaiting
// lazy cleanup after a target delete. Snapshots rely on this so that a
// restored view matches the live one exactly.
func (v *View) Edges(fn func(model.Association) bool) {
	for _, out := range v.edges {
		for _, a := range out {
			if !fn(a) {
				return
			}
		}
	}
}

// Vectors calls fn for every concept that carries an embedding.
func (v *View) Vectors(fn func(model.ConceptID, []float32) bool) {
	for id, c := range v.concepts {
		if c.Vector == nil {
			continue
		}
		if !fn(id, c.Vector) {
			return
		}
	}
}

// ConceptCount returns the number of stored concepts.
func (v *View) ConceptCount() int {
	return len(v.concepts)
}

// EdgeCount returns the number of stored associations. The count includes
// edges whose target was deleted and that IterateEdges skips.
func (v *View) EdgeCount() int {
	return v.edgeCount
}

// VectorCount returns the number of concepts holding an embedding.
func (v *View) VectorCount() int {
	return v.vectorCount
}
