// Package engine implements a single knowledge-graph storage instance.
//
// Every mutation is validated, appended to the write-ahead log, and queued
// for the reconciler, which applies entries to the read view in strict
// sequence order and keeps the vector index in step. Readers load a
// consistent immutable view and never wait on writer progress; writers
// become visible once the reconciler has caught up. Startup restores the
// latest snapshot, replays the log tail on top of it, and rebuilds the
// vector index before accepting requests.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mnemo-db/mnemo/distance"
	"github.com/mnemo-db/mnemo/graph"
	"github.com/mnemo-db/mnemo/index/hnsw"
	"github.com/mnemo-db/mnemo/model"
	"github.com/mnemo-db/mnemo/resource"
	"github.com/mnemo-db/mnemo/snapshot"
	"github.com/mnemo-db/mnemo/wal"
)

// Engine is one storage instance: log, read view, vector index and the
// reconciler that ties them together.
type Engine struct {
	opts Options

	// stateMu is held shared for the duration of every operation and
	// exclusively by Close, which makes closing wait out in-flight work.
	// closed is protected by it.
	stateMu sync.RWMutex
	closed  bool

	log   *wal.WAL
	store *graph.Store
	idx   *hnsw.Index
	gov   *resource.Governor

	logger  *slog.Logger
	metrics Metrics

	// intake counts concept puts that are logged but not yet applied, so
	// edge validation can see concepts the reconciler has not caught up
	// with.
	intakeMu sync.Mutex
	intake   map[model.ConceptID]int

	pending  chan wal.Entry
	signal   chan struct{}
	signalAt int
	flushCh  chan chan error
	stopCh   chan struct{}
	wg       sync.WaitGroup

	snapPath    string
	snapshotSeq atomic.Uint64

	normalize bool
}

// Open creates or reopens the engine at opts.Path. It restores the latest
// snapshot, replays the log tail, rebuilds the vector index and starts the
// reconciler. Corrupted on-disk state fails the open.
func Open(ctx context.Context, optFns ...func(o *Options)) (*Engine, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Path == "" {
		return nil, &ErrValidation{Reason: "storage path required"}
	}
	if opts.Dimension <= 0 {
		return nil, &ErrValidation{Reason: "dimension must be positive"}
	}
	if opts.FS == nil {
		opts.FS = DefaultOptions.FS
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Metrics == nil {
		opts.Metrics = noopMetrics{}
	}
	if opts.FlushThreshold <= 0 {
		opts.FlushThreshold = DefaultOptions.FlushThreshold
	}
	if opts.WakeInterval <= 0 {
		opts.WakeInterval = DefaultOptions.WakeInterval
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultOptions.QueueSize
	}

	if err := opts.FS.MkdirAll(opts.Path, 0o755); err != nil {
		return nil, fmt.Errorf("engine: create data directory: %w", err)
	}

	snapPath := filepath.Join(opts.Path, snapshot.FileName)
	snap, err := snapshot.Load(snapPath, func(o *snapshot.Options) {
		o.FS = opts.FS
	})
	haveSnapshot := err == nil
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		var sc *snapshot.ErrCorrupt
		if errors.As(err, &sc) {
			return nil, &ErrCorruption{Path: sc.Path, Reason: sc.Reason, cause: err}
		}
		return nil, fmt.Errorf("engine: load snapshot: %w", err)
	}
	if haveSnapshot && snap.Dimension != uint32(opts.Dimension) {
		return nil, &ErrCorruption{
			Path:   snapPath,
			Reason: fmt.Sprintf("snapshot dimension %d does not match configured %d", snap.Dimension, opts.Dimension),
		}
	}

	log, err := wal.New(func(o *wal.Options) {
		o.Path = opts.Path
		o.Dimension = uint32(opts.Dimension)
		o.DurabilityMode = opts.Durability
		o.Compress = opts.CompressLog
		o.FS = opts.FS
		if opts.GroupCommitInterval > 0 {
			o.GroupCommitInterval = opts.GroupCommitInterval
		}
	})
	if err != nil {
		return nil, translateWALError(err)
	}

	store := graph.NewStore()
	tx := store.Begin()
	if haveSnapshot {
		for _, c := range snap.Concepts {
			tx.RestoreConcept(c)
		}
		for _, a := range snap.Edges {
			tx.RestoreEdge(a)
		}
		tx.AdvanceTo(snap.LastSeq)
	}

	replayStart := time.Now()
	replayed := 0
	replayErr := log.Replay(func(ent *wal.Entry) error {
		if err := applyEntry(tx, ent, nil); err != nil {
			return &ErrCorruption{Path: log.FilePath(), Reason: "undecodable record payload", cause: err}
		}
		replayed++
		return nil
	})
	opts.Metrics.RecordReplay(replayed, time.Since(replayStart), replayErr)
	if replayErr != nil {
		tx.Abort()
		log.Close()
		return nil, translateWALError(replayErr)
	}
	tx.Commit()
	if haveSnapshot {
		log.AdvanceTo(snap.LastSeq)
	}

	view := store.View()
	opts.Logger.Info("log recovery completed",
		"entries_replayed", replayed,
		"applied_seq", view.AppliedSeq(),
		"concepts", view.ConceptCount(),
	)

	idx, err := rebuildIndex(ctx, view, opts)
	if err != nil {
		log.Close()
		return nil, err
	}

	e := &Engine{
		opts:  opts,
		log:   log,
		store: store,
		idx:   idx,
		gov: resource.NewGovernor(resource.Config{
			MaxBackgroundJobs: opts.MaxBackgroundJobs,
			IOBytesPerSec:     opts.IOBytesPerSec,
		}),
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		intake:    make(map[model.ConceptID]int),
		pending:   make(chan wal.Entry, opts.QueueSize),
		signal:    make(chan struct{}, 1),
		signalAt:  max(1, opts.QueueSize/2),
		flushCh:   make(chan chan error),
		stopCh:    make(chan struct{}),
		snapPath:  snapPath,
		normalize: opts.Metric == distance.MetricCosine,
	}
	if haveSnapshot {
		e.snapshotSeq.Store(snap.LastSeq)
	}

	e.wg.Add(1)
	go e.runReconciler(haveSnapshot)

	return e, nil
}

// rebuildIndex constructs the vector index from the restored view. Ids are
// fed in ascending order so the same state always produces the same graph.
func rebuildIndex(ctx context.Context, view *graph.View, opts Options) (*hnsw.Index, error) {
	ids := make([]model.ConceptID, 0, view.VectorCount())
	view.Vectors(func(id model.ConceptID, _ []float32) bool {
		ids = append(ids, id)
		return true
	})
	slices.Sort(ids)

	it := func(yield func(model.ConceptID, []float32) bool) {
		for _, id := range ids {
			c, ok := view.GetConcept(id)
			if !ok || c.Vector == nil {
				continue
			}
			if !yield(id, c.Vector) {
				return
			}
		}
	}
	return hnsw.Rebuild(ctx, it, func(o *hnsw.Options) {
		o.Dimension = opts.Dimension
		o.Metric = opts.Metric
		if opts.M > 0 {
			o.M = opts.M
		}
		if opts.EFConstruction > 0 {
			o.EFConstruction = opts.EFConstruction
		}
		if opts.EFSearch > 0 {
			o.EFSearch = opts.EFSearch
		}
	})
}

func translateWALError(err error) error {
	var wc *wal.ErrCorrupt
	if errors.As(err, &wc) {
		return &ErrCorruption{Path: wc.Path, Reason: wc.Reason, cause: err}
	}
	var ec *ErrCorruption
	if errors.As(err, &ec) {
		return err
	}
	return fmt.Errorf("engine: open log: %w", err)
}

// applyEntry decodes ent and applies it to tx. The dirty callback receives
// every concept id whose index membership may have changed; it is nil
// during startup replay, where the index is rebuilt afterwards.
func applyEntry(tx *graph.Tx, ent *wal.Entry, dirty func(model.ConceptID)) error {
	switch ent.Op {
	case wal.OpPutConcept:
		c, err := decodeConcept(ent.Payload, ent.VecLen)
		if err != nil {
			return err
		}
		if tx.UpsertConcept(ent.Seq, c) && dirty != nil {
			dirty(c.ID)
		}
	case wal.OpDeleteConcept:
		id, err := decodeConceptRef(ent.Payload)
		if err != nil {
			return err
		}
		if tx.DeleteConcept(ent.Seq, id) && dirty != nil {
			dirty(id)
		}
	case wal.OpPutEdge:
		a, err := decodeEdge(ent.Payload)
		if err != nil {
			return err
		}
		tx.UpsertEdge(ent.Seq, a)
	case wal.OpDeleteEdge:
		source, target, relation, err := decodeEdgeRef(ent.Payload)
		if err != nil {
			return err
		}
		tx.DeleteEdge(ent.Seq, source, target, relation)
	case wal.OpReinforce:
		id, delta, err := decodeReinforce(ent.Payload)
		if err != nil {
			return err
		}
		tx.Reinforce(ent.Seq, id, delta)
	case wal.OpDecay:
		factor, floor, err := decodeDecay(ent.Payload)
		if err != nil {
			return err
		}
		for _, id := range tx.Decay(ent.Seq, factor, floor) {
			if dirty != nil {
				dirty(id)
			}
		}
	default:
		return fmt.Errorf("engine: unknown log operation %d", ent.Op)
	}
	return nil
}

// beginOp takes the shared state lock and rejects work on a closed engine.
// On nil return the caller holds the read lock and must release it.
func (e *Engine) beginOp() error {
	e.stateMu.RLock()
	if e.closed {
		e.stateMu.RUnlock()
		return ErrClosed
	}
	return nil
}

// submit appends a logged mutation and hands it to the reconciler. The
// returned sequence number is durable under the configured mode.
func (e *Engine) submit(op wal.OperationType, payload []byte, vecLen uint32, opName string) (uint64, error) {
	seq, err := e.log.Append(op, payload, vecLen)
	if err != nil {
		if errors.Is(err, wal.ErrClosed) {
			return 0, ErrClosed
		}
		return 0, &ErrDurability{Op: opName, cause: err}
	}

	e.pending <- wal.Entry{Seq: seq, Op: op, VecLen: vecLen, Payload: payload}
	if len(e.pending) >= e.signalAt {
		select {
		case e.signal <- struct{}{}:
		default:
		}
	}
	return seq, nil
}

// Learn stores a concept derived from content. The id is content
// addressed, so learning identical content is an idempotent upsert; when
// the stored concept already matches, nothing is logged. The concept
// becomes visible to reads once the reconciler applies it.
func (e *Engine) Learn(ctx context.Context, content []byte, vector []float32, meta map[string]string) (model.ConceptID, error) {
	if err := e.beginOp(); err != nil {
		return 0, err
	}
	defer e.stateMu.RUnlock()
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	if len(content) == 0 {
		return 0, &ErrValidation{Reason: "empty content"}
	}
	if vector != nil {
		if len(vector) != e.opts.Dimension {
			return 0, &ErrDimensionMismatch{Expected: e.opts.Dimension, Actual: len(vector)}
		}
		if e.normalize && distance.Dot(vector, vector) == 0 {
			return 0, &ErrValidation{Reason: "zero vector under cosine metric"}
		}
	}

	c := (&model.Concept{
		ID:        model.NewConceptID(content),
		Content:   content,
		Vector:    vector,
		Strength:  1.0,
		CreatedAt: time.Now().UTC(),
		Metadata:  meta,
	}).Clone()

	if cur, ok := e.store.View().GetConcept(c.ID); ok && conceptMatches(cur, c) {
		return c.ID, nil
	}

	e.trackIntake(c.ID)
	if _, err := e.submit(wal.OpPutConcept, encodeConcept(c), uint32(len(c.Vector)), "learn"); err != nil {
		e.untrackIntake(c.ID)
		return 0, err
	}
	return c.ID, nil
}

// conceptMatches reports whether a repeat Learn carries nothing new.
// Strength and creation time are ignored: re-learning identical content
// does not reset the decay lifecycle.
func conceptMatches(cur, next *model.Concept) bool {
	return slices.Equal(cur.Content, next.Content) &&
		slices.Equal(cur.Vector, next.Vector) &&
		equalMeta(cur.Metadata, next.Metadata)
}

func equalMeta(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// AddEdge stores a directed association. Both endpoints must be known:
// either already reconciled or logged by an earlier call on this engine.
// An existing edge with the same source, target and relation is replaced.
func (e *Engine) AddEdge(ctx context.Context, source, target model.ConceptID, relation model.RelationKind, weight float64) error {
	if err := e.beginOp(); err != nil {
		return err
	}
	defer e.stateMu.RUnlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	if math.IsNaN(weight) || math.IsInf(weight, 0) {
		return &ErrValidation{Reason: "weight must be finite"}
	}
	view := e.store.View()
	if !e.conceptKnown(view, source) {
		return &ErrValidation{Reason: fmt.Sprintf("unknown source concept %s", source)}
	}
	if !e.conceptKnown(view, target) {
		return &ErrValidation{Reason: fmt.Sprintf("unknown target concept %s", target)}
	}

	a := model.Association{
		Source:    source,
		Target:    target,
		Relation:  relation,
		Weight:    weight,
		CreatedAt: time.Now().UTC(),
	}
	_, err := e.submit(wal.OpPutEdge, encodeEdge(a), 0, "add edge")
	return err
}

// DeleteEdge removes the association matching source, target and
// relation. Deleting an absent edge is a logged no-op.
func (e *Engine) DeleteEdge(ctx context.Context, source, target model.ConceptID, relation model.RelationKind) error {
	if err := e.beginOp(); err != nil {
		return err
	}
	defer e.stateMu.RUnlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	_, err := e.submit(wal.OpDeleteEdge, encodeEdgeRef(source, target, relation), 0, "delete edge")
	return err
}

// DeleteConcept removes a concept and its outgoing edges. Incoming edges
// stay stored but stop being served; learning the same content again
// revives them, because ids are content addressed.
func (e *Engine) DeleteConcept(ctx context.Context, id model.ConceptID) error {
	if err := e.beginOp(); err != nil {
		return err
	}
	defer e.stateMu.RUnlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	if !e.conceptKnown(e.store.View(), id) {
		return ErrNotFound
	}
	_, err := e.submit(wal.OpDeleteConcept, encodeConceptRef(id), 0, "delete concept")
	return err
}

// Reinforce adds delta to the concept's strength. Negative deltas weaken;
// strength never drops below zero.
func (e *Engine) Reinforce(ctx context.Context, id model.ConceptID, delta float64) error {
	if err := e.beginOp(); err != nil {
		return err
	}
	defer e.stateMu.RUnlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	if math.IsNaN(delta) || math.IsInf(delta, 0) {
		return &ErrValidation{Reason: "delta must be finite"}
	}
	if !e.conceptKnown(e.store.View(), id) {
		return ErrNotFound
	}
	_, err := e.submit(wal.OpReinforce, encodeReinforce(id, delta), 0, "reinforce")
	return err
}

// Decay multiplies every concept's strength by factor and garbage-collects
// concepts falling below floor. The sweep is logged, so replay reproduces
// exactly the same removals.
func (e *Engine) Decay(ctx context.Context, factor, floor float64) error {
	if err := e.beginOp(); err != nil {
		return err
	}
	defer e.stateMu.RUnlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	if math.IsNaN(factor) || factor <= 0 || factor > 1 {
		return &ErrValidation{Reason: "factor must be in (0, 1]"}
	}
	if math.IsNaN(floor) || floor < 0 {
		return &ErrValidation{Reason: "floor must be non-negative"}
	}
	_, err := e.submit(wal.OpDecay, encodeDecay(factor, floor), 0, "decay")
	return err
}

// Search returns the k nearest concepts to query, ordered by ascending
// distance with ties broken by id. efSearch widens the candidate beam per
// query; zero means the configured default. Results reflect the latest
// reconciled state.
func (e *Engine) Search(ctx context.Context, query []float32, k, efSearch int) ([]model.SearchResult, error) {
	if err := e.beginOp(); err != nil {
		return nil, err
	}
	defer e.stateMu.RUnlock()

	if k <= 0 {
		return nil, ErrInvalidK
	}
	if len(query) != e.opts.Dimension {
		return nil, &ErrDimensionMismatch{Expected: e.opts.Dimension, Actual: len(query)}
	}

	res, err := e.idx.Search(ctx, query, k, efSearch)
	if err != nil {
		if errors.Is(err, hnsw.ErrZeroVector) {
			return nil, &ErrValidation{Reason: "zero query vector under cosine metric", cause: err}
		}
		return nil, err
	}

	// The index may briefly trail the view; drop ids the view no longer
	// serves.
	view := e.store.View()
	out := res[:0]
	for _, r := range res {
		if view.HasConcept(r.ID) {
			out = append(out, r)
		}
	}
	return out, nil
}

// GetConcept returns a copy of the stored concept.
func (e *Engine) GetConcept(id model.ConceptID) (*model.Concept, error) {
	if err := e.beginOp(); err != nil {
		return nil, err
	}
	defer e.stateMu.RUnlock()

	c, ok := e.store.View().GetConcept(id)
	if !ok {
		return nil, ErrNotFound
	}
	return c.Clone(), nil
}

// Edges returns the outgoing associations of a concept. Edges pointing at
// deleted concepts are skipped.
func (e *Engine) Edges(id model.ConceptID) ([]model.Association, error) {
	if err := e.beginOp(); err != nil {
		return nil, err
	}
	defer e.stateMu.RUnlock()

	view := e.store.View()
	if !view.HasConcept(id) {
		return nil, ErrNotFound
	}
	var out []model.Association
	view.IterateEdges(id, func(a model.Association) bool {
		out = append(out, a)
		return true
	})
	return out, nil
}

// Stats returns a point-in-time summary of this instance.
func (e *Engine) Stats() model.Stats {
	view := e.store.View()
	return model.Stats{
		Concepts:    uint64(view.ConceptCount()),
		Edges:       uint64(view.EdgeCount()),
		Vectors:     uint64(view.VectorCount()),
		AppliedSeq:  view.AppliedSeq(),
		DurableSeq:  e.log.DurableSeq(),
		SnapshotSeq: e.snapshotSeq.Load(),
		IndexSize:   uint64(e.idx.Len()),
		Degraded:    e.log.Failed() != nil,
	}
}

// Flush applies everything queued and forces a snapshot. It returns once
// the snapshot is durable, making it a visibility barrier: every write
// accepted before Flush is readable after it.
func (e *Engine) Flush(ctx context.Context) error {
	if err := e.beginOp(); err != nil {
		return err
	}
	defer e.stateMu.RUnlock()

	done := make(chan error, 1)
	select {
	case e.flushCh <- done:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Health reports nil when the engine is fully operational. A poisoned log
// degrades the engine: reads keep working, writes fail until reopen.
func (e *Engine) Health() error {
	if err := e.beginOp(); err != nil {
		return err
	}
	defer e.stateMu.RUnlock()

	if err := e.log.Failed(); err != nil {
		return &ErrDurability{Op: "log sync", cause: err}
	}
	return nil
}

// Dimension returns the configured embedding dimension.
func (e *Engine) Dimension() int {
	return e.opts.Dimension
}

// Close drains the reconciler, attempts a final snapshot and closes the
// log. Operations after Close return ErrClosed.
func (e *Engine) Close() error {
	e.stateMu.Lock()
	if e.closed {
		e.stateMu.Unlock()
		return nil
	}
	e.closed = true
	e.stateMu.Unlock()

	close(e.stopCh)
	e.wg.Wait()

	return e.log.Close()
}

func (e *Engine) conceptKnown(view *graph.View, id model.ConceptID) bool {
	if view.HasConcept(id) {
		return true
	}
	e.intakeMu.Lock()
	defer e.intakeMu.Unlock()
	return e.intake[id] > 0
}

func (e *Engine) trackIntake(id model.ConceptID) {
	e.intakeMu.Lock()
	e.intake[id]++
	e.intakeMu.Unlock()
}

func (e *Engine) untrackIntake(id model.ConceptID) {
	e.intakeMu.Lock()
	if n := e.intake[id]; n <= 1 {
		delete(e.intake, id)
	} else {
		e.intake[id] = n - 1
	}
	e.intakeMu.Unlock()
}
