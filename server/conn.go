package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/mnemo-db/mnemo/wire"
)

// handleConn runs the sequential request loop for one connection. Every
// exit path releases the socket through the deferred Close.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	connID := uuid.NewString()
	remote := conn.RemoteAddr().String()
	requests := uint64(0)

	s.logger.Debug("connection opened",
		slog.String("conn_id", connID),
		slog.String("remote", remote),
	)
	defer func() {
		s.logger.Debug("connection closed",
			slog.String("conn_id", connID),
			slog.String("remote", remote),
			slog.Uint64("requests", requests),
		)
	}()

	// Shutdown wakes a blocked read by expiring the deadline.
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	defer stop()

	br := bufio.NewReader(conn)

	for {
		if ctx.Err() != nil {
			return
		}

		// Wait for the first byte of the next request without a
		// deadline, so idle connections stay open.
		if _, err := br.Peek(1); err != nil {
			if !isClosedConn(ctx, err) {
				s.logger.Warn("connection read failed",
					slog.String("conn_id", connID),
					slog.String("remote", remote),
					slog.Any("error", err),
				)
			}
			return
		}

		start := time.Now()
		requests++

		if s.opts.RequestTimeout > 0 {
			conn.SetDeadline(start.Add(s.opts.RequestTimeout))
		}

		req, err := wire.ReadRequest(br)
		if err != nil {
			// Malformed or oversized frames leave the stream in an
			// unknown state, so the connection cannot be kept.
			s.logger.Warn("malformed request",
				slog.String("conn_id", connID),
				slog.String("remote", remote),
				slog.Any("error", err),
			)
			return
		}

		resp := s.dispatchWithTimeout(ctx, req)

		if done := s.finishRequest(conn, connID, remote, requests, req, resp, start); done {
			return
		}
	}
}

func (s *Server) dispatchWithTimeout(ctx context.Context, req wire.Request) wire.Response {
	if s.opts.RequestTimeout <= 0 {
		return s.dispatch(ctx, req)
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	defer cancel()

	return s.dispatch(reqCtx, req)
}

// finishRequest writes the response, emits the slow-request log and
// reports whether the connection must be dropped.
func (s *Server) finishRequest(conn net.Conn, connID, remote string, requests uint64, req wire.Request, resp wire.Response, start time.Time) bool {
	// The write gets a fresh window so a reply to a timed-out request
	// still reaches the peer before the drop.
	if s.opts.RequestTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(s.opts.RequestTimeout))
	}

	if err := wire.WriteResponse(conn, resp); err != nil {
		s.logger.Warn("write response failed",
			slog.String("conn_id", connID),
			slog.String("remote", remote),
			slog.Any("error", err),
		)
		return true
	}

	elapsed := time.Since(start)
	if s.opts.SlowThreshold > 0 && elapsed >= s.opts.SlowThreshold {
		s.logger.Warn("slow request",
			slog.String("conn_id", connID),
			slog.String("remote", remote),
			slog.Uint64("request_count", requests),
			slog.String("type", requestName(req)),
			slog.Duration("elapsed", elapsed),
		)
	}

	if errResp, ok := resp.(*wire.ErrorResponse); ok && errResp.Code == wire.CodeTimeout {
		s.logger.Warn("request timed out, dropping connection",
			slog.String("conn_id", connID),
			slog.String("remote", remote),
			slog.String("type", requestName(req)),
		)
		return true
	}

	conn.SetDeadline(time.Time{})
	return false
}

// isClosedConn reports whether a read error is an expected teardown:
// the peer closed the connection or shutdown expired the deadline.
func isClosedConn(ctx context.Context, err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	return ctx.Err() != nil && errors.Is(err, os.ErrDeadlineExceeded)
}
