package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"maps"
	"math"
	"slices"
	"time"

	"github.com/mnemo-db/mnemo/model"
)

// WriteRequest frames and writes one request.
func WriteRequest(w io.Writer, req Request) error {
	return writeFrame(w, encodeRequest(req))
}

// ReadRequest reads one frame and decodes the request in it.
func ReadRequest(r io.Reader) (Request, error) {
	body, err := readFrame(r)
	if err != nil {
		return nil, err
	}
	return decodeRequest(body)
}

// WriteResponse frames and writes one response.
func WriteResponse(w io.Writer, resp Response) error {
	return writeFrame(w, encodeResponse(resp))
}

// ReadResponse reads one frame and decodes the response in it.
func ReadResponse(r io.Reader) (Response, error) {
	body, err := readFrame(r)
	if err != nil {
		return nil, err
	}
	return decodeResponse(body)
}

func writeFrame(w io.Writer, body []byte) error {
	if len(body) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	// One write per frame so concurrent connection teardown never
	// interleaves a prefix with a stale body.
	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(body)))
	copy(frame[4:], body)
	_, err := w.Write(frame)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

func encodeRequest(req Request) []byte {
	buf := []byte{req.tag()}
	switch m := req.(type) {
	case *LearnRequest:
		buf = appendBytes(buf, m.Content)
		buf = appendVector(buf, m.Vector)
		buf = appendMeta(buf, m.Metadata)
	case *AddEdgeRequest:
		buf = binary.LittleEndian.AppendUint64(buf, uint64(m.Source))
		buf = binary.LittleEndian.AppendUint64(buf, uint64(m.Target))
		buf = binary.LittleEndian.AppendUint16(buf, uint16(m.Relation))
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(m.Weight))
	case *VectorSearchRequest:
		buf = appendVector(buf, m.Query)
		buf = binary.LittleEndian.AppendUint32(buf, m.K)
		buf = binary.LittleEndian.AppendUint32(buf, m.EFSearch)
	case *GetStatsRequest, *FlushRequest, *HealthRequest:
	case *GetConceptRequest:
		buf = binary.LittleEndian.AppendUint64(buf, uint64(m.ID))
	case *DeleteConceptRequest:
		buf = binary.LittleEndian.AppendUint64(buf, uint64(m.ID))
	case *ReinforceRequest:
		buf = binary.LittleEndian.AppendUint64(buf, uint64(m.ID))
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(m.Delta))
	}
	return buf
}

func decodeRequest(body []byte) (Request, error) {
	r := &reader{buf: body}
	tag, err := r.u8()
	if err != nil {
		return nil, err
	}

	var req Request
	switch tag {
	case TagLearn:
		m := &LearnRequest{}
		if m.Content, err = r.bytes(); err != nil {
			return nil, err
		}
		if m.Vector, err = r.vector(); err != nil {
			return nil, err
		}
		if m.Metadata, err = r.meta(); err != nil {
			return nil, err
		}
		req = m
	case TagAddEdge:
		m := &AddEdgeRequest{}
		var source, target uint64
		var relation uint16
		var weight uint64
		if source, err = r.u64(); err != nil {
			return nil, err
		}
		if target, err = r.u64(); err != nil {
			return nil, err
		}
		if relation, err = r.u16(); err != nil {
			return nil, err
		}
		if weight, err = r.u64(); err != nil {
			return nil, err
		}
		m.Source = model.ConceptID(source)
		m.Target = model.ConceptID(target)
		m.Relation = model.RelationKind(relation)
		m.Weight = math.Float64frombits(weight)
		req = m
	case TagVectorSearch:
		m := &VectorSearchRequest{}
		if m.Query, err = r.vector(); err != nil {
			return nil, err
		}
		if m.K, err = r.u32(); err != nil {
			return nil, err
		}
		if m.EFSearch, err = r.u32(); err != nil {
			return nil, err
		}
		req = m
	case TagGetStats:
		req = &GetStatsRequest{}
	case TagFlush:
		req = &FlushRequest{}
	case TagHealth:
		req = &HealthRequest{}
	case TagGetConcept:
		id, err := r.u64()
		if err != nil {
			return nil, err
		}
		req = &GetConceptRequest{ID: model.ConceptID(id)}
	case TagDeleteConcept:
		id, err := r.u64()
		if err != nil {
			return nil, err
		}
		req = &DeleteConceptRequest{ID: model.ConceptID(id)}
	case TagReinforce:
		m := &ReinforceRequest{}
		id, err := r.u64()
		if err != nil {
			return nil, err
		}
		delta, err := r.u64()
		if err != nil {
			return nil, err
		}
		m.ID = model.ConceptID(id)
		m.Delta = math.Float64frombits(delta)
		req = m
	default:
		return nil, fmt.Errorf("%w: request tag %d", ErrUnknownTag, tag)
	}

	if !r.done() {
		return nil, fmt.Errorf("wire: request has %d trailing bytes", r.remaining())
	}
	return req, nil
}

func encodeResponse(resp Response) []byte {
	buf := []byte{resp.tag()}
	switch m := resp.(type) {
	case *LearnResponse:
		buf = binary.LittleEndian.AppendUint64(buf, uint64(m.ID))
	case *AddEdgeResponse, *FlushResponse, *HealthResponse, *DeleteConceptResponse, *ReinforceResponse:
	case *VectorSearchResponse:
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(m.Results)))
		for _, res := range m.Results {
			buf = binary.LittleEndian.AppendUint64(buf, uint64(res.ID))
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(res.Distance))
		}
	case *GetStatsResponse:
		buf = binary.LittleEndian.AppendUint64(buf, m.Stats.Concepts)
		buf = binary.LittleEndian.AppendUint64(buf, m.Stats.Edges)
		buf = binary.LittleEndian.AppendUint64(buf, m.Stats.Vectors)
		buf = binary.LittleEndian.AppendUint64(buf, m.Stats.AppliedSeq)
		buf = binary.LittleEndian.AppendUint64(buf, m.Stats.DurableSeq)
		buf = binary.LittleEndian.AppendUint64(buf, m.Stats.SnapshotSeq)
		buf = binary.LittleEndian.AppendUint64(buf, m.Stats.IndexSize)
		buf = append(buf, boolByte(m.Stats.Degraded))
	case *GetConceptResponse:
		c := &m.Concept
		buf = binary.LittleEndian.AppendUint64(buf, uint64(c.ID))
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(c.Strength))
		buf = binary.LittleEndian.AppendUint64(buf, uint64(c.CreatedAt.UnixNano()))
		buf = appendVector(buf, c.Vector)
		buf = appendBytes(buf, c.Content)
		buf = appendMeta(buf, c.Metadata)
	case *ErrorResponse:
		buf = binary.LittleEndian.AppendUint16(buf, uint16(m.Code))
		buf = appendBytes(buf, []byte(m.Message))
	}
	return buf
}

func decodeResponse(body []byte) (Response, error) {
	r := &reader{buf: body}
	tag, err := r.u8()
	if err != nil {
		return nil, err
	}

	var resp Response
	switch tag {
	case TagLearn:
		id, err := r.u64()
		if err != nil {
			return nil, err
		}
		resp = &LearnResponse{ID: model.ConceptID(id)}
	case TagAddEdge:
		resp = &AddEdgeResponse{}
	case TagVectorSearch:
		count, err := r.u32()
		if err != nil {
			return nil, err
		}
		if uint64(count)*12 > uint64(r.remaining()) {
			return nil, fmt.Errorf("wire: result count %d exceeds frame", count)
		}
		m := &VectorSearchResponse{}
		if count > 0 {
			m.Results = make([]model.SearchResult, count)
			for i := range m.Results {
				id, err := r.u64()
				if err != nil {
					return nil, err
				}
				dist, err := r.u32()
				if err != nil {
					return nil, err
				}
				m.Results[i] = model.SearchResult{
					ID:       model.ConceptID(id),
					Distance: math.Float32frombits(dist),
				}
			}
		}
		resp = m
	case TagGetStats:
		m := &GetStatsResponse{}
		fields := []*uint64{
			&m.Stats.Concepts, &m.Stats.Edges, &m.Stats.Vectors,
			&m.Stats.AppliedSeq, &m.Stats.DurableSeq, &m.Stats.SnapshotSeq,
			&m.Stats.IndexSize,
		}
		for _, f := range fields {
			if *f, err = r.u64(); err != nil {
				return nil, err
			}
		}
		degraded, err := r.u8()
		if err != nil {
			return nil, err
		}
		m.Stats.Degraded = degraded != 0
		resp = m
	case TagFlush:
		resp = &FlushResponse{}
	case TagHealth:
		resp = &HealthResponse{}
	case TagGetConcept:
		m := &GetConceptResponse{}
		id, err := r.u64()
		if err != nil {
			return nil, err
		}
		strength, err := r.u64()
		if err != nil {
			return nil, err
		}
		created, err := r.u64()
		if err != nil {
			return nil, err
		}
		m.Concept.ID = model.ConceptID(id)
		m.Concept.Strength = math.Float64frombits(strength)
		m.Concept.CreatedAt = time.Unix(0, int64(created))
		if m.Concept.Vector, err = r.vector(); err != nil {
			return nil, err
		}
		if m.Concept.Content, err = r.bytes(); err != nil {
			return nil, err
		}
		if m.Concept.Metadata, err = r.meta(); err != nil {
			return nil, err
		}
		resp = m
	case TagDeleteConcept:
		resp = &DeleteConceptResponse{}
	case TagReinforce:
		resp = &ReinforceResponse{}
	case TagError:
		m := &ErrorResponse{}
		code, err := r.u16()
		if err != nil {
			return nil, err
		}
		msg, err := r.bytes()
		if err != nil {
			return nil, err
		}
		m.Code = ErrorCode(code)
		m.Message = string(msg)
		resp = m
	default:
		return nil, fmt.Errorf("%w: response tag %d", ErrUnknownTag, tag)
	}

	if !r.done() {
		return nil, fmt.Errorf("wire: response has %d trailing bytes", r.remaining())
	}
	return resp, nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func appendBytes(buf, b []byte) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(b)))
	return append(buf, b...)
}

func appendVector(buf []byte, vec []float32) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(vec)))
	for _, f := range vec {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(f))
	}
	return buf
}

func appendMeta(buf []byte, meta map[string]string) []byte {
	keys := slices.Sorted(maps.Keys(meta))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(keys)))
	for _, k := range keys {
		buf = appendBytes(buf, []byte(k))
		buf = appendBytes(buf, []byte(meta[k]))
	}
	return buf
}

// reader walks a frame body. Every accessor bounds-checks against the
// body, so hostile length fields fail instead of over-allocating.
type reader struct {
	buf []byte
	off int
}

func (r *reader) u8() (uint8, error) {
	if r.off+1 > len(r.buf) {
		return 0, fmt.Errorf("wire: truncated message at offset %d", r.off)
	}
	v := r.buf[r.off]
	r.off++
	return v, nil
}

func (r *reader) u16() (uint16, error) {
	if r.off+2 > len(r.buf) {
		return 0, fmt.Errorf("wire: truncated message at offset %d", r.off)
	}
	v := binary.LittleEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v, nil
}

func (r *reader) u32() (uint32, error) {
	if r.off+4 > len(r.buf) {
		return 0, fmt.Errorf("wire: truncated message at offset %d", r.off)
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v, nil
}

func (r *reader) u64() (uint64, error) {
	if r.off+8 > len(r.buf) {
		return 0, fmt.Errorf("wire: truncated message at offset %d", r.off)
	}
	v := binary.LittleEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v, nil
}

func (r *reader) bytes() ([]byte, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	if uint64(n) > uint64(r.remaining()) {
		return nil, fmt.Errorf("wire: length %d exceeds frame at offset %d", n, r.off)
	}
	if n == 0 {
		return nil, nil
	}
	out := make([]byte, n)
	copy(out, r.buf[r.off:])
	r.off += int(n)
	return out, nil
}

func (r *reader) vector() ([]float32, error) {
	dim, err := r.u32()
	if err != nil {
		return nil, err
	}
	if uint64(dim)*4 > uint64(r.remaining()) {
		return nil, fmt.Errorf("wire: vector dimension %d exceeds frame at offset %d", dim, r.off)
	}
	if dim == 0 {
		return nil, nil
	}
	vec := make([]float32, dim)
	for i := range vec {
		bits, err := r.u32()
		if err != nil {
			return nil, err
		}
		vec[i] = math.Float32frombits(bits)
	}
	return vec, nil
}

func (r *reader) meta() (map[string]string, error) {
	count, err := r.u32()
	if err != nil {
		return nil, err
	}
	if uint64(count)*2 > uint64(r.remaining()) {
		return nil, fmt.Errorf("wire: metadata count %d exceeds frame at offset %d", count, r.off)
	}
	if count == 0 {
		return nil, nil
	}
	meta := make(map[string]string, count)
	for range count {
		k, err := r.bytes()
		if err != nil {
			return nil, err
		}
		v, err := r.bytes()
		if err != nil {
			return nil, err
		}
		meta[string(k)] = string(v)
	}
	return meta, nil
}

func (r *reader) remaining() int {
	return len(r.buf) - r.off
}

func (r *reader) done() bool {
	return r.off == len(r.buf)
}
