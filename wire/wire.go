// Package wire implements the binary request protocol.
//
// A frame is a 4-byte big-endian length prefix and a body of at most
// MaxFrameSize bytes. The body is a tagged union: one type byte, then
// little-endian fields. Strings and byte slices carry a uint32 length,
// vectors a uint32 component count, metadata a uint32 pair count.
//
// Responses reuse the request tag for success and TagError for
// failures, so a reply always identifies the operation it answers.
package wire

import (
	"errors"

	"github.com/mnemo-db/mnemo/model"
)

// MaxFrameSize bounds a frame body. Peers that announce a larger frame
// are protocol violators and get disconnected.
const MaxFrameSize = 16 << 20

// Message tags.
const (
	TagLearn         uint8 = 1
	TagAddEdge       uint8 = 2
	TagVectorSearch  uint8 = 3
	TagGetStats      uint8 = 4
	TagFlush         uint8 = 5
	TagHealth        uint8 = 6
	TagGetConcept    uint8 = 7
	TagDeleteConcept uint8 = 8
	TagReinforce     uint8 = 9

	// TagError marks an error response.
	TagError uint8 = 255
)

// ErrorCode classifies a failed request. The values are part of the
// protocol and never change meaning.
type ErrorCode uint16

const (
	CodeValidation ErrorCode = 1
	CodeDurability ErrorCode = 2
	CodeCorruption ErrorCode = 3
	CodeNotFound   ErrorCode = 4
	CodeTimeout    ErrorCode = 5
	CodeInternal   ErrorCode = 6
)

func (c ErrorCode) String() string {
	switch c {
	case CodeValidation:
		return "validation"
	case CodeDurability:
		return "durability"
	case CodeCorruption:
		return "corruption"
	case CodeNotFound:
		return "not_found"
	case CodeTimeout:
		return "timeout"
	case CodeInternal:
		return "internal"
	default:
		return "unknown"
	}
}

var (
	// ErrFrameTooLarge is returned when a frame announces a body larger
	// than MaxFrameSize.
	ErrFrameTooLarge = errors.New("wire: frame exceeds size limit")

	// ErrUnknownTag is returned when a body carries an unassigned tag.
	ErrUnknownTag = errors.New("wire: unknown message tag")
)

// Request is one decoded client request.
type Request interface {
	tag() uint8
}

// LearnRequest stores a concept. Vector may be empty; the server can
// fill it from an embedding source, or store the concept vectorless.
type LearnRequest struct {
	Content  []byte
	Vector   []float32
	Metadata map[string]string
}

// AddEdgeRequest links two stored concepts.
type AddEdgeRequest struct {
	Source   model.ConceptID
	Target   model.ConceptID
	Relation model.RelationKind
	Weight   float64
}

// VectorSearchRequest asks for the K nearest concepts. EFSearch zero
// uses the server default.
type VectorSearchRequest struct {
	Query    []float32
	K        uint32
	EFSearch uint32
}

// GetStatsRequest asks for an engine statistics snapshot.
type GetStatsRequest struct{}

// FlushRequest forces a snapshot before replying.
type FlushRequest struct{}

// HealthRequest probes liveness. A degraded server answers with a
// durability error instead of the mirror response.
type HealthRequest struct{}

// GetConceptRequest reads one concept by id.
type GetConceptRequest struct {
	ID model.ConceptID
}

// DeleteConceptRequest removes a concept and hides its edges.
type DeleteConceptRequest struct {
	ID model.ConceptID
}

// ReinforceRequest adjusts a concept's strength by a delta.
type ReinforceRequest struct {
	ID    model.ConceptID
	Delta float64
}

func (*LearnRequest) tag() uint8         { return TagLearn }
func (*AddEdgeRequest) tag() uint8       { return TagAddEdge }
func (*VectorSearchRequest) tag() uint8  { return TagVectorSearch }
func (*GetStatsRequest) tag() uint8      { return TagGetStats }
func (*FlushRequest) tag() uint8         { return TagFlush }
func (*HealthRequest) tag() uint8        { return TagHealth }
func (*GetConceptRequest) tag() uint8    { return TagGetConcept }
func (*DeleteConceptRequest) tag() uint8 { return TagDeleteConcept }
func (*ReinforceRequest) tag() uint8     { return TagReinforce }

// Response is one encoded server reply.
type Response interface {
	tag() uint8
}

// LearnResponse returns the stored concept's id.
type LearnResponse struct {
	ID model.ConceptID
}

// AddEdgeResponse acknowledges a stored edge.
type AddEdgeResponse struct{}

// VectorSearchResponse returns ranked neighbors, closest first.
type VectorSearchResponse struct {
	Results []model.SearchResult
}

// GetStatsResponse returns an engine statistics snapshot.
type GetStatsResponse struct {
	Stats model.Stats
}

// FlushResponse acknowledges a completed flush.
type FlushResponse struct{}

// HealthResponse acknowledges a healthy server.
type HealthResponse struct{}

// GetConceptResponse returns one stored concept.
type GetConceptResponse struct {
	Concept model.Concept
}

// DeleteConceptResponse acknowledges a removed concept.
type DeleteConceptResponse struct{}

// ReinforceResponse acknowledges an applied strength change.
type ReinforceResponse struct{}

// ErrorResponse reports a failed request.
type ErrorResponse struct {
	Code    ErrorCode
	Message string
}

func (*LearnResponse) tag() uint8         { return TagLearn }
func (*AddEdgeResponse) tag() uint8       { return TagAddEdge }
func (*VectorSearchResponse) tag() uint8  { return TagVectorSearch }
func (*GetStatsResponse) tag() uint8      { return TagGetStats }
func (*FlushResponse) tag() uint8         { return TagFlush }
func (*HealthResponse) tag() uint8        { return TagHealth }
func (*GetConceptResponse) tag() uint8    { return TagGetConcept }
func (*DeleteConceptResponse) tag() uint8 { return TagDeleteConcept }
func (*ReinforceResponse) tag() uint8     { return TagReinforce }
func (*ErrorResponse) tag() uint8         { return TagError }
