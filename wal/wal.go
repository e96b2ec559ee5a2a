package wal

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/mnemo-db/mnemo/internal/fs"
)

const fileName = "mnemo.wal"

// WAL is an append-only write-ahead log. Every mutation is framed with a
// per-record checksum so a crash mid-write leaves at most one torn record
// at the tail, which Open heals by truncating. Sequence numbers are
// monotonically increasing for the lifetime of the log directory and are
// never reset, not even when Truncate discards compacted records.
type WAL struct {
	mu   sync.Mutex
	fsys fs.FileSystem
	file fs.File
	buf  *bufio.Writer

	enc *zstd.Encoder
	dec *zstd.Decoder

	filePath   string
	dim        uint32
	compressed bool
	level      int

	seqNum          uint64
	persistedSeqNum uint64
	failed          error

	durabilityMode      DurabilityMode
	groupCommitInterval time.Duration
	groupCommitMaxOps   int
	groupCommitPending  int
	groupCommitStopCh   chan struct{}
	groupCommitWg       sync.WaitGroup
	syncCond            *sync.Cond

	closed bool
}

// New opens or creates the write-ahead log under o.Path. An existing log is
// scanned to the last intact record; a torn tail left by a crash is trimmed
// in place, while a checksum failure on a fully present record is treated
// as corruption and aborts the open.
func New(optFns ...func(o *Options)) (*WAL, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.FS == nil {
		opts.FS = fs.Default
	}
	if opts.GroupCommitInterval <= 0 {
		opts.GroupCommitInterval = DefaultOptions.GroupCommitInterval
	}
	if opts.GroupCommitMaxOps <= 0 {
		opts.GroupCommitMaxOps = DefaultOptions.GroupCommitMaxOps
	}
	if opts.CompressionLevel <= 0 {
		opts.CompressionLevel = DefaultOptions.CompressionLevel
	}

	if err := opts.FS.MkdirAll(opts.Path, 0o755); err != nil {
		return nil, fmt.Errorf("wal: create directory: %w", err)
	}

	path := filepath.Join(opts.Path, fileName)

	file, err := opts.FS.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: open %s: %w", path, err)
	}

	w := &WAL{
		fsys:                opts.FS,
		file:                file,
		filePath:            path,
		dim:                 opts.Dimension,
		compressed:          opts.Compress,
		level:               opts.CompressionLevel,
		durabilityMode:      opts.DurabilityMode,
		groupCommitInterval: opts.GroupCommitInterval,
		groupCommitMaxOps:   opts.GroupCommitMaxOps,
	}
	w.syncCond = sync.NewCond(&w.mu)

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("wal: stat %s: %w", path, err)
	}

	if info.Size() == 0 {
		if err := writeHeader(file, headerInfo{
			Compressed:       w.compressed,
			CompressionLevel: w.level,
			Dimension:        w.dim,
		}); err != nil {
			file.Close()
			return nil, fmt.Errorf("wal: write header: %w", err)
		}
		if err := file.Sync(); err != nil {
			file.Close()
			return nil, fmt.Errorf("wal: sync header: %w", err)
		}
	} else {
		hdr, err := readHeader(file)
		if err != nil {
			file.Close()
			return nil, err
		}
		if w.dim != 0 && hdr.Dimension != 0 && hdr.Dimension != w.dim {
			file.Close()
			return nil, &ErrCorrupt{
				Path:   path,
				Reason: fmt.Sprintf("dimension mismatch: log has %d, expected %d", hdr.Dimension, w.dim),
			}
		}
		w.dim = hdr.Dimension
		w.compressed = hdr.Compressed
		if hdr.CompressionLevel != 0 {
			w.level = int(hdr.CompressionLevel)
		}

		if err := w.scan(file, path, info.Size()); err != nil {
			file.Close()
			return nil, err
		}
	}

	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		file.Close()
		return nil, fmt.Errorf("wal: seek end: %w", err)
	}

	if w.compressed {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(w.level)))
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("wal: create encoder: %w", err)
		}
		dec, err := zstd.NewReader(nil)
		if err != nil {
			enc.Close()
			file.Close()
			return nil, fmt.Errorf("wal: create decoder: %w", err)
		}
		w.enc = enc
		w.dec = dec
	}

	w.buf = bufio.NewWriterSize(file, 1<<16)
	w.persistedSeqNum = w.seqNum

	if w.durabilityMode == DurabilityGroupCommit {
		w.groupCommitStopCh = make(chan struct{})
		w.groupCommitWg.Add(1)
		go w.groupCommitWorker()
	}

	return w, nil
}

// scan walks the records of an existing log file, recovering the highest
// sequence number and trimming a torn tail if the process previously died
// mid-append. The file offset is left wherever the scan stopped; callers
// reposition it.
func (w *WAL) scan(file fs.File, path string, size int64) error {
	r := bufio.NewReaderSize(io.NewSectionReader(file, headerLen, size-headerLen), 1<<16)

	var (
		offset   = int64(headerLen)
		lastGood = int64(headerLen)
	)
	for {
		rec, n, err := readRecord(r)
		switch {
		case err == nil:
			if rec.Seq <= w.seqNum {
				return &ErrCorrupt{
					Path:   path,
					Reason: fmt.Sprintf("non-monotonic sequence %d after %d at offset %d", rec.Seq, w.seqNum, offset),
				}
			}
			w.seqNum = rec.Seq
			offset += n
			lastGood = offset
		case errors.Is(err, io.EOF):
			return nil
		case errors.Is(err, errTornTail):
			// Partial record at the tail: the previous run crashed
			// mid-write. Drop it so appends resume cleanly.
			if err := w.fsys.Truncate(path, lastGood); err != nil {
				return fmt.Errorf("wal: trim torn tail: %w", err)
			}
			return nil
		case errors.Is(err, ErrInvalidCRC), errors.Is(err, ErrRecordTooLarge):
			return &ErrCorrupt{Path: path, Reason: fmt.Sprintf("record at offset %d", offset), cause: err}
		default:
			return fmt.Errorf("wal: scan: %w", err)
		}
	}
}

// Append writes one operation to the log and returns its sequence number.
// When it returns under DurabilitySync or DurabilityGroupCommit, the record
// has been fsynced; under DurabilityAsync it has only reached the OS.
func (w *WAL) Append(op OperationType, payload []byte, vecLen uint32) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, ErrClosed
	}
	if w.failed != nil {
		return 0, fmt.Errorf("wal: log failed: %w", w.failed)
	}
	if !op.valid() {
		return 0, fmt.Errorf("wal: invalid operation type %d", op)
	}

	stored := payload
	if w.compressed {
		stored = w.enc.EncodeAll(payload, nil)
	}
	if len(stored) > maxRecordSize {
		return 0, ErrRecordTooLarge
	}

	w.seqNum++
	seq := w.seqNum

	rec := appendRecord(nil, seq, op, vecLen, stored)
	if _, err := w.buf.Write(rec); err != nil {
		w.fail(err)
		return 0, fmt.Errorf("wal: write record: %w", err)
	}
	if err := w.buf.Flush(); err != nil {
		w.fail(err)
		return 0, fmt.Errorf("wal: flush record: %w", err)
	}

	if err := w.syncIfNeeded(seq); err != nil {
		return 0, err
	}
	return seq, nil
}

// syncIfNeeded applies the configured durability mode to a just-written
// record. Called with w.mu held.
func (w *WAL) syncIfNeeded(seq uint64) error {
	switch w.durabilityMode {
	case DurabilityAsync:
		return nil

	case DurabilitySync:
		if err := w.file.Sync(); err != nil {
			w.fail(err)
			return fmt.Errorf("wal: sync: %w", err)
		}
		w.persistedSeqNum = w.seqNum
		return nil

	case DurabilityGroupCommit:
		w.groupCommitPending++
		if w.groupCommitPending >= w.groupCommitMaxOps {
			if err := w.doGroupCommit(); err != nil {
				return err
			}
			return nil
		}
		for w.persistedSeqNum < seq && w.failed == nil && !w.closed {
			w.syncCond.Wait()
		}
		if w.failed != nil {
			return fmt.Errorf("wal: sync: %w", w.failed)
		}
		if w.persistedSeqNum < seq {
			return ErrClosed
		}
		return nil

	default:
		return fmt.Errorf("wal: unknown durability mode %d", w.durabilityMode)
	}
}

// doGroupCommit fsyncs all pending records. Called with w.mu held.
func (w *WAL) doGroupCommit() error {
	if w.groupCommitPending == 0 {
		return nil
	}
	if err := w.file.Sync(); err != nil {
		w.fail(err)
		return fmt.Errorf("wal: sync: %w", err)
	}
	w.groupCommitPending = 0
	w.persistedSeqNum = w.seqNum
	w.syncCond.Broadcast()
	return nil
}

func (w *WAL) groupCommitWorker() {
	defer w.groupCommitWg.Done()

	ticker := time.NewTicker(w.groupCommitInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.mu.Lock()
			w.doGroupCommit()
			w.mu.Unlock()
		case <-w.groupCommitStopCh:
			w.mu.Lock()
			w.doGroupCommit()
			w.mu.Unlock()
			return
		}
	}
}

// fail marks the log as permanently failed and wakes any group-commit
// waiters so they observe the error instead of blocking forever.
// Called with w.mu held.
func (w *WAL) fail(err error) {
	if w.failed == nil {
		w.failed = err
	}
	w.syncCond.Broadcast()
}

// Replay streams every intact record to fn in sequence order. A torn tail
// ends replay cleanly; a checksum failure on a complete record is reported
// as *ErrCorrupt. Returning an error from fn stops the replay.
func (w *WAL) Replay(fn func(e *Entry) error) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	if err := w.buf.Flush(); err != nil {
		w.fail(err)
		w.mu.Unlock()
		return fmt.Errorf("wal: flush before replay: %w", err)
	}
	path := w.filePath
	compressed := w.compressed
	dec := w.dec
	w.mu.Unlock()

	file, err := w.fsys.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("wal: open for replay: %w", err)
	}
	defer file.Close()

	if _, err := readHeader(file); err != nil {
		return err
	}

	r := bufio.NewReaderSize(file, 1<<16)
	var offset int64 = headerLen
	for {
		rec, n, err := readRecord(r)
		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, errTornTail):
			return nil
		case errors.Is(err, ErrInvalidCRC), errors.Is(err, ErrRecordTooLarge):
			return &ErrCorrupt{Path: path, Reason: fmt.Sprintf("record at offset %d", offset), cause: err}
		default:
			return fmt.Errorf("wal: replay: %w", err)
		}
		offset += n

		payload := rec.Stored
		if compressed {
			payload, err = dec.DecodeAll(rec.Stored, nil)
			if err != nil {
				return &ErrCorrupt{Path: path, Reason: fmt.Sprintf("decompress record %d", rec.Seq), cause: err}
			}
		}

		entry := &Entry{Seq: rec.Seq, Op: rec.Op, VecLen: rec.VecLen, Payload: payload}
		if err := fn(entry); err != nil {
			return err
		}
	}
}

// Truncate discards records with sequence numbers at or below upTo,
// typically after their effects have been captured in a snapshot. The
// surviving records and the sequence counter are preserved, so recovery
// ordering is unaffected.
func (w *WAL) Truncate(upTo uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	if w.failed != nil {
		return fmt.Errorf("wal: log failed: %w", w.failed)
	}
	if err := w.buf.Flush(); err != nil {
		w.fail(err)
		return fmt.Errorf("wal: flush before truncate: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		w.fail(err)
		return fmt.Errorf("wal: sync before truncate: %w", err)
	}
	w.groupCommitPending = 0
	w.persistedSeqNum = w.seqNum
	w.syncCond.Broadcast()

	tmpPath := w.filePath + ".tmp"
	tmp, err := w.fsys.OpenFile(tmpPath, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("wal: create temp log: %w", err)
	}

	cleanup := func() {
		tmp.Close()
		w.fsys.Remove(tmpPath)
	}

	if err := writeHeader(tmp, headerInfo{
		Compressed:       w.compressed,
		CompressionLevel: w.level,
		Dimension:        w.dim,
	}); err != nil {
		cleanup()
		return fmt.Errorf("wal: write temp header: %w", err)
	}

	src, err := w.fsys.OpenFile(w.filePath, os.O_RDONLY, 0)
	if err != nil {
		cleanup()
		return fmt.Errorf("wal: reopen for truncate: %w", err)
	}

	if _, err := readHeader(src); err != nil {
		src.Close()
		cleanup()
		return err
	}

	r := bufio.NewReaderSize(src, 1<<16)
	bw := bufio.NewWriterSize(tmp, 1<<16)

copy:
	for {
		rec, _, err := readRecord(r)
		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, errTornTail):
			break copy
		default:
			src.Close()
			cleanup()
			return fmt.Errorf("wal: truncate scan: %w", err)
		}
		if rec.Seq <= upTo {
			continue
		}
		if _, err := bw.Write(appendRecord(nil, rec.Seq, rec.Op, rec.VecLen, rec.Stored)); err != nil {
			src.Close()
			cleanup()
			return fmt.Errorf("wal: write surviving record: %w", err)
		}
	}
	src.Close()

	if err := bw.Flush(); err != nil {
		cleanup()
		return fmt.Errorf("wal: flush temp log: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("wal: sync temp log: %w", err)
	}
	if err := tmp.Close(); err != nil {
		w.fsys.Remove(tmpPath)
		return fmt.Errorf("wal: close temp log: %w", err)
	}

	if err := w.file.Close(); err != nil {
		w.fsys.Remove(tmpPath)
		w.fail(err)
		return fmt.Errorf("wal: close old log: %w", err)
	}

	if err := w.fsys.Rename(tmpPath, w.filePath); err != nil {
		w.fail(err)
		return fmt.Errorf("wal: swap log: %w", err)
	}

	file, err := w.fsys.OpenFile(w.filePath, os.O_RDWR, 0o644)
	if err != nil {
		w.fail(err)
		return fmt.Errorf("wal: reopen log: %w", err)
	}
	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		file.Close()
		w.fail(err)
		return fmt.Errorf("wal: seek end: %w", err)
	}

	w.file = file
	w.buf = bufio.NewWriterSize(file, 1<<16)
	return nil
}

// AdvanceTo raises the sequence counter to at least seq. Used after loading
// a snapshot whose records have already been truncated away, so that new
// appends continue the original numbering.
func (w *WAL) AdvanceTo(seq uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if seq > w.seqNum {
		w.seqNum = seq
	}
	if w.groupCommitPending == 0 && w.persistedSeqNum < w.seqNum {
		w.persistedSeqNum = w.seqNum
	}
}

// Seq returns the last assigned sequence number.
func (w *WAL) Seq() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seqNum
}

// DurableSeq returns the highest sequence number known to be on stable
// storage.
func (w *WAL) DurableSeq() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.persistedSeqNum
}

// Failed reports the permanent error that poisoned the log, if any.
func (w *WAL) Failed() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.failed
}

// Size returns the current log file size in bytes.
func (w *WAL) Size() (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, ErrClosed
	}
	if err := w.buf.Flush(); err != nil {
		w.fail(err)
		return 0, fmt.Errorf("wal: flush: %w", err)
	}
	info, err := w.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("wal: stat: %w", err)
	}
	return info.Size(), nil
}

// FilePath returns the path of the backing log file.
func (w *WAL) FilePath() string {
	return w.filePath
}

// Close flushes and syncs outstanding records and releases the log file.
// It is safe to call more than once.
func (w *WAL) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.syncCond.Broadcast()
	stopCh := w.groupCommitStopCh
	w.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
		w.groupCommitWg.Wait()
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	var firstErr error
	if err := w.buf.Flush(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.file.Sync(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.file.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if w.enc != nil {
		w.enc.Close()
	}
	if w.dec != nil {
		w.dec.Close()
	}
	if firstErr != nil {
		return fmt.Errorf("wal: close: %w", firstErr)
	}
	return nil
}
