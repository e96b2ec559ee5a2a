package resource

import (
	"context"
	"io"
)

// PacedWriter pushes writes through the governor's I/O budget.
type PacedWriter struct {
	w   io.Writer
	gov *Governor
	ctx context.Context
}

// NewPacedWriter wraps w so every Write waits for I/O budget first.
func NewPacedWriter(ctx context.Context, w io.Writer, gov *Governor) *PacedWriter {
	return &PacedWriter{w: w, gov: gov, ctx: ctx}
}

func (w *PacedWriter) Write(p []byte) (int, error) {
	if err := w.gov.PaceIO(w.ctx, len(p)); err != nil {
		return 0, err
	}
	return w.w.Write(p)
}

// PacedReader pushes reads through the governor's I/O budget. Budget is
// charged for the buffer size before reading, which overcounts short
// reads but keeps the limiter ahead of the transfer.
type PacedReader struct {
	r   io.Reader
	gov *Governor
	ctx context.Context
}

// NewPacedReader wraps r so every Read waits for I/O budget first.
func NewPacedReader(ctx context.Context, r io.Reader, gov *Governor) *PacedReader {
	return &PacedReader{r: r, gov: gov, ctx: ctx}
}

func (r *PacedReader) Read(p []byte) (int, error) {
	if err := r.gov.PaceIO(r.ctx, len(p)); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
