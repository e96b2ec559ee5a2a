package engine

import (
	"context"
	"encoding/binary"
	"io"
	"os"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/cenkalti/backoff/v4"

	"github.com/mnemo-db/mnemo/model"
	"github.com/mnemo-db/mnemo/resource"
	"github.com/mnemo-db/mnemo/snapshot"
	"github.com/mnemo-db/mnemo/wal"
)

// reconcileState is the reconciler's loop-local bookkeeping. Only the
// reconciler goroutine touches it.
type reconcileState struct {
	// holdback reorders entries whose durability waits finished out of
	// sequence. nextSeq is the next entry the view is missing.
	holdback map[uint64]wal.Entry
	nextSeq  uint64

	// dirty collects concept ids whose index membership changed in the
	// current batch.
	dirty *roaring64.Bitmap

	sinceSnapshot int
	haveSnapshot  bool
	retryPending  bool
}

// runReconciler is the single writer of the read view. It wakes on queued
// entries, on the wake interval, and on explicit flush requests; entries
// apply in strict sequence order regardless of arrival order.
func (e *Engine) runReconciler(haveSnapshot bool) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.opts.WakeInterval)
	defer ticker.Stop()

	r := &reconcileState{
		holdback:     make(map[uint64]wal.Entry),
		nextSeq:      e.store.View().AppliedSeq() + 1,
		dirty:        roaring64.New(),
		haveSnapshot: haveSnapshot,
	}

	for {
		select {
		case <-e.stopCh:
			e.drainPending(r)
			e.applyStaged(r)
			if err := e.flush(r, true, false); err != nil {
				e.logger.Warn("final snapshot failed", "error", err)
			}
			return
		case ent := <-e.pending:
			r.holdback[ent.Seq] = ent
			e.drainPending(r)
			e.applyStaged(r)
			if r.sinceSnapshot >= e.opts.FlushThreshold {
				e.flush(r, false, true)
			}
		case <-e.signal:
			e.drainPending(r)
			e.applyStaged(r)
			if r.sinceSnapshot >= e.opts.FlushThreshold {
				e.flush(r, false, true)
			}
		case <-ticker.C:
			e.drainPending(r)
			e.applyStaged(r)
			if r.sinceSnapshot >= e.opts.FlushThreshold || r.retryPending {
				e.flush(r, false, true)
			}
		case done := <-e.flushCh:
			e.drainPending(r)
			e.applyStaged(r)
			done <- e.flush(r, true, true)
		}
	}
}

func (e *Engine) drainPending(r *reconcileState) {
	for {
		select {
		case ent := <-e.pending:
			r.holdback[ent.Seq] = ent
		default:
			return
		}
	}
}

// applyStaged applies the in-order run available in the holdback map as
// one batch, then brings the index up to date.
func (e *Engine) applyStaged(r *reconcileState) {
	if _, ok := r.holdback[r.nextSeq]; !ok {
		return
	}

	tx := e.store.Begin()
	applied := 0
	var appliedPuts []model.ConceptID
	for {
		ent, ok := r.holdback[r.nextSeq]
		if !ok {
			break
		}
		delete(r.holdback, r.nextSeq)
		r.nextSeq++

		if err := applyEntry(tx, &ent, func(id model.ConceptID) {
			r.dirty.Add(uint64(id))
		}); err != nil {
			// Entries were encoded by this process; a decode failure
			// here is a bug. Consume the sequence number so later
			// entries still apply.
			e.logger.Error("dropping undecodable log entry", "seq", ent.Seq, "error", err)
			tx.AdvanceTo(ent.Seq)
		}
		if ent.Op == wal.OpPutConcept && len(ent.Payload) >= 8 {
			appliedPuts = append(appliedPuts, model.ConceptID(binary.LittleEndian.Uint64(ent.Payload)))
		}
		applied++
	}
	tx.Commit()
	r.sinceSnapshot += applied

	for _, id := range appliedPuts {
		e.untrackIntake(id)
	}
	e.updateIndex(r)
}

// updateIndex drains the dirty set into the vector index. The view is the
// source of truth: a dirty id with a vector is upserted, anything else is
// removed.
func (e *Engine) updateIndex(r *reconcileState) {
	if r.dirty.IsEmpty() {
		return
	}
	view := e.store.View()
	it := r.dirty.Iterator()
	for it.HasNext() {
		id := model.ConceptID(it.Next())
		c, ok := view.GetConcept(id)
		if ok && c.Vector != nil {
			if err := e.idx.Insert(context.Background(), id, c.Vector); err != nil {
				e.logger.Error("index update failed", "id", id.String(), "error", err)
			}
		} else {
			e.idx.Remove(id)
		}
	}
	r.dirty.Clear()
}

// flush writes a snapshot of the current view and truncates the log
// behind it. Automatic flushes skip the attempt when no background slot
// is free and retry on the next tick; forced flushes always run. A failed
// save leaves the log untouched and is retried, so durability never
// regresses.
func (e *Engine) flush(r *reconcileState, force, archive bool) error {
	view := e.store.View()
	appliedSeq := view.AppliedSeq()
	if r.haveSnapshot && appliedSeq == e.snapshotSeq.Load() {
		r.sinceSnapshot = 0
		r.retryPending = false
		return nil
	}

	if !force {
		if !e.gov.TryAcquireJob() {
			r.retryPending = true
			return nil
		}
		defer e.gov.ReleaseJob()
	}

	start := time.Now()
	n, err := snapshot.Save(e.snapPath, view, uint32(e.opts.Dimension), func(o *snapshot.Options) {
		o.Codec = e.opts.SnapshotCodec
		o.FS = e.opts.FS
	})
	e.metrics.RecordSnapshot(time.Since(start), n, err)
	if err != nil {
		r.retryPending = true
		e.logger.Warn("snapshot failed", "seq", appliedSeq, "error", err)
		return &ErrDurability{Op: "snapshot", cause: err}
	}

	r.haveSnapshot = true
	r.retryPending = false
	r.sinceSnapshot = 0
	e.snapshotSeq.Store(appliedSeq)
	e.gov.ChargeIO(int(n))
	e.logger.Info("snapshot saved", "seq", appliedSeq, "bytes", n, "elapsed", time.Since(start))

	if archive && e.opts.Archiver != nil {
		e.wg.Add(1)
		go e.uploadSnapshot(appliedSeq)
	}

	if appliedSeq > 0 {
		if terr := e.log.Truncate(appliedSeq); terr != nil {
			e.logger.Warn("log truncation failed", "up_to", appliedSeq, "error", terr)
		}
	}
	return nil
}

// uploadSnapshot copies the flushed snapshot to the archive with capped
// retries. The open file handle pins the snapshot generation even if a
// newer flush replaces the file mid-upload.
func (e *Engine) uploadSnapshot(seq uint64) {
	defer e.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	watch := make(chan struct{})
	defer close(watch)
	go func() {
		select {
		case <-e.stopCh:
			cancel()
		case <-watch:
		}
	}()

	if err := e.gov.AcquireJob(ctx); err != nil {
		e.logger.Warn("archive upload skipped", "seq", seq, "error", err)
		return
	}
	defer e.gov.ReleaseJob()

	f, err := e.opts.FS.OpenFile(e.snapPath, os.O_RDONLY, 0)
	if err != nil {
		e.logger.Warn("archive upload failed", "seq", seq, "error", err)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		e.logger.Warn("archive upload failed", "seq", seq, "error", err)
		return
	}
	size := info.Size()

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	err = backoff.Retry(func() error {
		return e.opts.Archiver.Upload(ctx, seq, resource.NewPacedReader(ctx, io.NewSectionReader(f, 0, size), e.gov), size)
	}, bo)
	if err != nil {
		e.logger.Warn("archive upload failed", "seq", seq, "error", err)
		return
	}
	e.logger.Info("snapshot archived", "seq", seq, "bytes", size)
}
