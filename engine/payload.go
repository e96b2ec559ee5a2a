package engine

import (
	"encoding/binary"
	"fmt"
	"maps"
	"math"
	"slices"
	"time"

	"github.com/mnemo-db/mnemo/model"
)

// Log payload layouts, little-endian. The vector component count is not
// part of the concept payload; it travels in the entry header so replay
// stays dimension-agnostic.
//
//	put concept:    id 8 | strength 8 | created_at 8 | vector dim*4 |
//	                content len 4 + bytes | meta count 4 + pairs
//	delete concept: id 8
//	put edge:       source 8 | target 8 | relation 2 | weight 8 | created_at 8
//	delete edge:    source 8 | target 8 | relation 2
//	reinforce:      id 8 | delta 8
//	decay:          factor 8 | floor 8

func encodeConcept(c *model.Concept) []byte {
	n := 28 + 4*len(c.Vector) + len(c.Content) + 4
	buf := make([]byte, 0, n)

	buf = binary.LittleEndian.AppendUint64(buf, uint64(c.ID))
	buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(c.Strength))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(c.CreatedAt.UnixNano()))
	for _, f := range c.Vector {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(f))
	}
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(c.Content)))
	buf = append(buf, c.Content...)

	keys := slices.Sorted(maps.Keys(c.Metadata))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(keys)))
	for _, k := range keys {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(k)))
		buf = append(buf, k...)
		v := c.Metadata[k]
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(v)))
		buf = append(buf, v...)
	}
	return buf
}

func decodeConcept(payload []byte, vecLen uint32) (*model.Concept, error) {
	r := &payloadReader{buf: payload}

	id, err := r.u64()
	if err != nil {
		return nil, err
	}
	strength, err := r.u64()
	if err != nil {
		return nil, err
	}
	createdAt, err := r.u64()
	if err != nil {
		return nil, err
	}

	var vec []float32
	if vecLen > 0 {
		vec = make([]float32, vecLen)
		for i := range vec {
			bits, err := r.u32()
			if err != nil {
				return nil, err
			}
			vec[i] = math.Float32frombits(bits)
		}
	}

	content, err := r.bytes()
	if err != nil {
		return nil, err
	}

	metaCount, err := r.u32()
	if err != nil {
		return nil, err
	}
	var meta map[string]string
	if metaCount > 0 {
		if uint64(metaCount)*2 > uint64(r.remaining()) {
			return nil, fmt.Errorf("engine: concept payload metadata count %d exceeds payload", metaCount)
		}
		meta = make(map[string]string, metaCount)
		for range metaCount {
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
	}
	if !r.done() {
		return nil, fmt.Errorf("engine: concept payload has %d trailing bytes", r.remaining())
	}

	return &model.Concept{
		ID:        model.ConceptID(id),
		Content:   content,
		Vector:    vec,
		Strength:  math.Float64frombits(strength),
		CreatedAt: time.Unix(0, int64(createdAt)),
		Metadata:  meta,
	}, nil
}

func encodeConceptRef(id model.ConceptID) []byte {
	return binary.LittleEndian.AppendUint64(make([]byte, 0, 8), uint64(id))
}

func decodeConceptRef(payload []byte) (model.ConceptID, error) {
	if len(payload) != 8 {
		return 0, fmt.Errorf("engine: concept ref payload is %d bytes, want 8", len(payload))
	}
	return model.ConceptID(binary.LittleEndian.Uint64(payload)), nil
}

func encodeEdge(a model.Association) []byte {
	buf := make([]byte, 0, 34)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(a.Source))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(a.Target))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(a.Relation))
	buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(a.Weight))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(a.CreatedAt.UnixNano()))
	return buf
}

func decodeEdge(payload []byte) (model.Association, error) {
	if len(payload) != 34 {
		return model.Association{}, fmt.Errorf("engine: edge payload is %d bytes, want 34", len(payload))
	}
	return model.Association{
		Source:    model.ConceptID(binary.LittleEndian.Uint64(payload[0:8])),
		Target:    model.ConceptID(binary.LittleEndian.Uint64(payload[8:16])),
		Relation:  model.RelationKind(binary.LittleEndian.Uint16(payload[16:18])),
		Weight:    math.Float64frombits(binary.LittleEndian.Uint64(payload[18:26])),
		CreatedAt: time.Unix(0, int64(binary.LittleEndian.Uint64(payload[26:34]))),
	}, nil
}

func encodeEdgeRef(source, target model.ConceptID, relation model.RelationKind) []byte {
	buf := make([]byte, 0, 18)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(source))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(target))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(relation))
	return buf
}

func decodeEdgeRef(payload []byte) (source, target model.ConceptID, relation model.RelationKind, err error) {
	if len(payload) != 18 {
		return 0, 0, 0, fmt.Errorf("engine: edge ref payload is %d bytes, want 18", len(payload))
	}
	source = model.ConceptID(binary.LittleEndian.Uint64(payload[0:8]))
	target = model.ConceptID(binary.LittleEndian.Uint64(payload[8:16]))
	relation = model.RelationKind(binary.LittleEndian.Uint16(payload[16:18]))
	return source, target, relation, nil
}

func encodeReinforce(id model.ConceptID, delta float64) []byte {
	buf := make([]byte, 0, 16)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(id))
	buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(delta))
	return buf
}

func decodeReinforce(payload []byte) (model.ConceptID, float64, error) {
	if len(payload) != 16 {
		return 0, 0, fmt.Errorf("engine: reinforce payload is %d bytes, want 16", len(payload))
	}
	id := model.ConceptID(binary.LittleEndian.Uint64(payload[0:8]))
	delta := math.Float64frombits(binary.LittleEndian.Uint64(payload[8:16]))
	return id, delta, nil
}

func encodeDecay(factor, floor float64) []byte {
	buf := make([]byte, 0, 16)
	buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(factor))
	buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(floor))
	return buf
}

func decodeDecay(payload []byte) (factor, floor float64, err error) {
	if len(payload) != 16 {
		return 0, 0, fmt.Errorf("engine: decay payload is %d bytes, want 16", len(payload))
	}
	factor = math.Float64frombits(binary.LittleEndian.Uint64(payload[0:8]))
	floor = math.Float64frombits(binary.LittleEndian.Uint64(payload[8:16]))
	return factor, floor, nil
}

// payloadReader walks a log entry payload.
type payloadReader struct {
	buf []byte
	off int
}

func (r *payloadReader) u32() (uint32, error) {
	if r.off+4 > len(r.buf) {
		return 0, fmt.Errorf("engine: truncated payload at offset %d", r.off)
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v, nil
}

func (r *payloadReader) u64() (uint64, error) {
	if r.off+8 > len(r.buf) {
		return 0, fmt.Errorf("engine: truncated payload at offset %d", r.off)
	}
	v := binary.LittleEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v, nil
}

func (r *payloadReader) bytes() ([]byte, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	if r.off+int(n) > len(r.buf) {
		return nil, fmt.Errorf("engine: truncated payload at offset %d", r.off)
	}
	if n == 0 {
		return nil, nil
	}
	out := make([]byte, n)
	copy(out, r.buf[r.off:])
	r.off += int(n)
	return out, nil
}

func (r *payloadReader) remaining() int {
	return len(r.buf) - r.off
}

func (r *payloadReader) done() bool {
	return r.off == len(r.buf)
}
