package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/mnemo-db/mnemo/engine"
	"github.com/mnemo-db/mnemo/wire"
)

// dispatch executes one decoded request against the backend and builds
// the mirror response, or an ErrorResponse carrying a stable code.
func (s *Server) dispatch(ctx context.Context, req wire.Request) wire.Response {
	switch q := req.(type) {
	case *wire.LearnRequest:
		vector := q.Vector
		if len(vector) == 0 && s.opts.Source != nil {
			v, err := s.opts.Source.Embed(ctx, q.Content)
			if err != nil {
				return errorResponse(fmt.Errorf("embed content: %w", err))
			}
			vector = v
		}
		id, err := s.backend.Learn(ctx, q.Content, vector, q.Metadata)
		if err != nil {
			return errorResponse(err)
		}
		return &wire.LearnResponse{ID: id}

	case *wire.AddEdgeRequest:
		if err := s.backend.AddEdge(ctx, q.Source, q.Target, q.Relation, q.Weight); err != nil {
			return errorResponse(err)
		}
		return &wire.AddEdgeResponse{}

	case *wire.VectorSearchRequest:
		results, err := s.backend.Search(ctx, q.Query, int(q.K), int(q.EFSearch))
		if err != nil {
			return errorResponse(err)
		}
		return &wire.VectorSearchResponse{Results: results}

	case *wire.GetStatsRequest:
		return &wire.GetStatsResponse{Stats: s.backend.Stats()}

	case *wire.FlushRequest:
		if err := s.backend.Flush(ctx); err != nil {
			return errorResponse(err)
		}
		return &wire.FlushResponse{}

	case *wire.HealthRequest:
		if err := s.backend.Health(); err != nil {
			return errorResponse(err)
		}
		return &wire.HealthResponse{}

	case *wire.GetConceptRequest:
		concept, err := s.backend.GetConcept(q.ID)
		if err != nil {
			return errorResponse(err)
		}
		return &wire.GetConceptResponse{Concept: *concept}

	case *wire.DeleteConceptRequest:
		if err := s.backend.DeleteConcept(ctx, q.ID); err != nil {
			return errorResponse(err)
		}
		return &wire.DeleteConceptResponse{}

	case *wire.ReinforceRequest:
		if err := s.backend.Reinforce(ctx, q.ID, q.Delta); err != nil {
			return errorResponse(err)
		}
		return &wire.ReinforceResponse{}

	default:
		return &wire.ErrorResponse{
			Code:    wire.CodeInternal,
			Message: fmt.Sprintf("unhandled request type %T", req),
		}
	}
}

func errorResponse(err error) *wire.ErrorResponse {
	return &wire.ErrorResponse{
		Code:    errorCode(err),
		Message: err.Error(),
	}
}

// errorCode maps backend errors onto the stable wire codes.
func errorCode(err error) wire.ErrorCode {
	var (
		validation *engine.ErrValidation
		dimension  *engine.ErrDimensionMismatch
		durability *engine.ErrDurability
		corruption *engine.ErrCorruption
	)

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return wire.CodeTimeout
	case errors.Is(err, engine.ErrNotFound):
		return wire.CodeNotFound
	case errors.Is(err, engine.ErrInvalidK),
		errors.As(err, &validation),
		errors.As(err, &dimension):
		return wire.CodeValidation
	case errors.As(err, &durability):
		return wire.CodeDurability
	case errors.As(err, &corruption):
		return wire.CodeCorruption
	default:
		return wire.CodeInternal
	}
}

// requestName names a request for logs.
func requestName(req wire.Request) string {
	switch req.(type) {
	case *wire.LearnRequest:
		return "learn"
	case *wire.AddEdgeRequest:
		return "add_edge"
	case *wire.VectorSearchRequest:
		return "vector_search"
	case *wire.GetStatsRequest:
		return "get_stats"
	case *wire.FlushRequest:
		return "flush"
	case *wire.HealthRequest:
		return "health"
	case *wire.GetConceptRequest:
		return "get_concept"
	case *wire.DeleteConceptRequest:
		return "delete_concept"
	case *wire.ReinforceRequest:
		return "reinforce"
	default:
		return fmt.Sprintf("%T", req)
	}
}
