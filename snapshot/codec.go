package snapshot

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"maps"
	"math"
	"slices"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/mnemo-db/mnemo/graph"
	"github.com/mnemo-db/mnemo/model"
)

// File layout, little-endian:
//
//	header: magic 4 | version 2 | codec 1 | reserved 1 | dimension 4 | last_seq 8
//	then three sections in order: concepts, vectors, edges.
//
// Each section is framed [raw_len 4][stored_len 4][crc32 4][data]. A zero
// stored_len means the data is raw_len uncompressed bytes; otherwise it is
// stored_len compressed bytes that expand to raw_len. The checksum covers
// the bytes as stored.
const (
	headerLen     = 20
	formatVersion = uint16(1)
	maxSectionLen = 1 << 30
)

var fileMagic = [4]byte{'M', 'N', 'S', '1'}

var (
	zstdEnc *zstd.Encoder
	zstdDec *zstd.Decoder
)

func init() {
	zstdEnc, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDec, _ = zstd.NewReader(nil)
}

func encode(view *graph.View, dimension uint32, codec Codec) ([]byte, error) {
	concepts := sortedConcepts(view)

	buf := make([]byte, 0, headerLen)
	buf = append(buf, fileMagic[:]...)
	buf = binary.LittleEndian.AppendUint16(buf, formatVersion)
	buf = append(buf, byte(codec), 0)
	buf = binary.LittleEndian.AppendUint32(buf, dimension)
	buf = binary.LittleEndian.AppendUint64(buf, view.AppliedSeq())

	conceptSec := encodeConcepts(concepts)
	vectorSec, err := encodeVectors(concepts, dimension)
	if err != nil {
		return nil, err
	}
	edgeSec := encodeEdges(sortedEdges(view))

	for _, payload := range [][]byte{conceptSec, vectorSec, edgeSec} {
		buf, err = appendSection(buf, payload, codec)
		if err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func encodeConcepts(concepts []*model.Concept) []byte {
	buf := binary.LittleEndian.AppendUint32(nil, uint32(len(concepts)))
	for _, c := range concepts {
		buf = binary.LittleEndian.AppendUint64(buf, uint64(c.ID))
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(c.Strength))
		buf = binary.LittleEndian.AppendUint64(buf, uint64(c.CreatedAt.UnixNano()))
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
	}
	return buf
}

func encodeVectors(concepts []*model.Concept, dimension uint32) ([]byte, error) {
	var count uint32
	for _, c := range concepts {
		if c.Vector != nil {
			count++
		}
	}

	buf := binary.LittleEndian.AppendUint32(nil, count)
	buf = binary.LittleEndian.AppendUint32(buf, dimension)
	for _, c := range concepts {
		if c.Vector == nil {
			continue
		}
		if uint32(len(c.Vector)) != dimension {
			return nil, fmt.Errorf("snapshot: concept %s vector length %d, dimension %d", c.ID, len(c.Vector), dimension)
		}
		buf = binary.LittleEndian.AppendUint64(buf, uint64(c.ID))
		for _, f := range c.Vector {
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(f))
		}
	}
	return buf, nil
}

func encodeEdges(edges []model.Association) []byte {
	buf := binary.LittleEndian.AppendUint32(nil, uint32(len(edges)))
	for _, a := range edges {
		buf = binary.LittleEndian.AppendUint64(buf, uint64(a.Source))
		buf = binary.LittleEndian.AppendUint64(buf, uint64(a.Target))
		buf = binary.LittleEndian.AppendUint16(buf, uint16(a.Relation))
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(a.Weight))
		buf = binary.LittleEndian.AppendUint64(buf, uint64(a.CreatedAt.UnixNano()))
	}
	return buf
}

// appendSection frames payload onto buf, compressing when the codec helps.
func appendSection(buf, payload []byte, codec Codec) ([]byte, error) {
	if len(payload) > maxSectionLen {
		return nil, fmt.Errorf("snapshot: section of %d bytes exceeds limit", len(payload))
	}

	stored, compressed, err := compressBlock(payload, codec)
	if err != nil {
		return nil, err
	}

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(payload)))
	if compressed {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(stored)))
	} else {
		buf = binary.LittleEndian.AppendUint32(buf, 0)
		stored = payload
	}
	buf = binary.LittleEndian.AppendUint32(buf, crc32.ChecksumIEEE(stored))
	return append(buf, stored...), nil
}

// compressBlock compresses data with the selected codec. Incompressible
// payloads report compressed=false and are stored raw.
func compressBlock(data []byte, codec Codec) ([]byte, bool, error) {
	if codec == CodecNone || len(data) == 0 {
		return nil, false, nil
	}

	var compressed []byte
	switch codec {
	case CodecLZ4:
		bound := lz4.CompressBlockBound(len(data))
		dst := make([]byte, bound)
		n, err := lz4.CompressBlock(data, dst, nil)
		if err != nil {
			return nil, false, fmt.Errorf("snapshot: lz4 compress: %w", err)
		}
		if n == 0 {
			return nil, false, nil
		}
		compressed = dst[:n]
	case CodecZstd:
		compressed = zstdEnc.EncodeAll(data, nil)
	default:
		return nil, false, fmt.Errorf("snapshot: unknown codec %d", codec)
	}

	if float64(len(compressed)) > float64(len(data))*0.9 {
		return nil, false, nil
	}
	return compressed, true, nil
}

func decode(path string, data []byte) (*Snapshot, error) {
	if len(data) < headerLen {
		return nil, &ErrCorrupt{Path: path, Reason: "truncated header"}
	}
	if [4]byte(data[0:4]) != fileMagic {
		return nil, &ErrCorrupt{Path: path, Reason: "invalid magic"}
	}
	if v := binary.LittleEndian.Uint16(data[4:6]); v != formatVersion {
		return nil, &ErrCorrupt{Path: path, Reason: fmt.Sprintf("unsupported version %d", v)}
	}
	codec := Codec(data[6])
	if codec > CodecZstd {
		return nil, &ErrCorrupt{Path: path, Reason: fmt.Sprintf("unknown codec %d", data[6])}
	}
	dimension := binary.LittleEndian.Uint32(data[8:12])
	lastSeq := binary.LittleEndian.Uint64(data[12:20])

	off := headerLen
	sections := make([][]byte, 3)
	for i := range sections {
		payload, next, err := readSection(path, data, off, codec)
		if err != nil {
			return nil, err
		}
		sections[i] = payload
		off = next
	}
	if off != len(data) {
		return nil, &ErrCorrupt{Path: path, Reason: "trailing bytes after last section"}
	}

	concepts, err := decodeConcepts(path, sections[0])
	if err != nil {
		return nil, err
	}
	if err := decodeVectors(path, sections[1], dimension, concepts); err != nil {
		return nil, err
	}
	edges, err := decodeEdges(path, sections[2])
	if err != nil {
		return nil, err
	}

	out := &Snapshot{
		LastSeq:   lastSeq,
		Dimension: dimension,
		Concepts:  make([]*model.Concept, 0, len(concepts)),
		Edges:     edges,
	}
	ids := slices.Sorted(maps.Keys(concepts))
	for _, id := range ids {
		out.Concepts = append(out.Concepts, concepts[id])
	}
	return out, nil
}

func readSection(path string, data []byte, off int, codec Codec) ([]byte, int, error) {
	if len(data)-off < 12 {
		return nil, 0, &ErrCorrupt{Path: path, Reason: "truncated section frame"}
	}
	rawLen := binary.LittleEndian.Uint32(data[off:])
	storedLen := binary.LittleEndian.Uint32(data[off+4:])
	sum := binary.LittleEndian.Uint32(data[off+8:])
	off += 12

	if rawLen > maxSectionLen || storedLen > maxSectionLen {
		return nil, 0, &ErrCorrupt{Path: path, Reason: "section length out of range"}
	}

	n := int(storedLen)
	if storedLen == 0 {
		n = int(rawLen)
	}
	if len(data)-off < n {
		return nil, 0, &ErrCorrupt{Path: path, Reason: "section data truncated"}
	}
	stored := data[off : off+n]
	off += n

	if crc32.ChecksumIEEE(stored) != sum {
		return nil, 0, &ErrCorrupt{Path: path, Reason: "section checksum mismatch"}
	}

	if storedLen == 0 {
		return stored, off, nil
	}

	switch codec {
	case CodecLZ4:
		out := make([]byte, rawLen)
		n, err := lz4.UncompressBlock(stored, out)
		if err != nil {
			return nil, 0, &ErrCorrupt{Path: path, Reason: "lz4 decompress failed", cause: err}
		}
		if uint32(n) != rawLen {
			return nil, 0, &ErrCorrupt{Path: path, Reason: "decompressed size mismatch"}
		}
		return out, off, nil
	case CodecZstd:
		out, err := zstdDec.DecodeAll(stored, nil)
		if err != nil {
			return nil, 0, &ErrCorrupt{Path: path, Reason: "zstd decompress failed", cause: err}
		}
		if uint32(len(out)) != rawLen {
			return nil, 0, &ErrCorrupt{Path: path, Reason: "decompressed size mismatch"}
		}
		return out, off, nil
	default:
		return nil, 0, &ErrCorrupt{Path: path, Reason: "compressed section without codec"}
	}
}

// sectionReader walks a decoded section payload.
type sectionReader struct {
	buf []byte
	off int
}

func (r *sectionReader) u16() (uint16, error) {
	if len(r.buf)-r.off < 2 {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.LittleEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v, nil
}

func (r *sectionReader) u32() (uint32, error) {
	if len(r.buf)-r.off < 4 {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v, nil
}

func (r *sectionReader) u64() (uint64, error) {
	if len(r.buf)-r.off < 8 {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.LittleEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v, nil
}

func (r *sectionReader) bytes() ([]byte, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	if uint32(len(r.buf)-r.off) < n {
		return nil, io.ErrUnexpectedEOF
	}
	out := make([]byte, n)
	copy(out, r.buf[r.off:])
	r.off += int(n)
	return out, nil
}

func (r *sectionReader) done() bool {
	return r.off == len(r.buf)
}

func decodeConcepts(path string, sec []byte) (map[model.ConceptID]*model.Concept, error) {
	r := &sectionReader{buf: sec}
	count, err := r.u32()
	if err != nil {
		return nil, &ErrCorrupt{Path: path, Reason: "concept section header", cause: err}
	}
	if int64(count)*28 > int64(len(sec)) {
		return nil, &ErrCorrupt{Path: path, Reason: "concept count out of range"}
	}

	out := make(map[model.ConceptID]*model.Concept, count)
	for i := uint32(0); i < count; i++ {
		id, err := r.u64()
		if err != nil {
			return nil, &ErrCorrupt{Path: path, Reason: "concept record truncated", cause: err}
		}
		strengthBits, err := r.u64()
		if err != nil {
			return nil, &ErrCorrupt{Path: path, Reason: "concept record truncated", cause: err}
		}
		createdNano, err := r.u64()
		if err != nil {
			return nil, &ErrCorrupt{Path: path, Reason: "concept record truncated", cause: err}
		}
		content, err := r.bytes()
		if err != nil {
			return nil, &ErrCorrupt{Path: path, Reason: "concept content truncated", cause: err}
		}
		metaCount, err := r.u32()
		if err != nil {
			return nil, &ErrCorrupt{Path: path, Reason: "concept metadata truncated", cause: err}
		}

		var meta map[string]string
		if metaCount > 0 {
			if int(metaCount) > len(sec) {
				return nil, &ErrCorrupt{Path: path, Reason: "metadata count out of range"}
			}
			meta = make(map[string]string, metaCount)
			for j := uint32(0); j < metaCount; j++ {
				k, err := r.bytes()
				if err != nil {
					return nil, &ErrCorrupt{Path: path, Reason: "metadata key truncated", cause: err}
				}
				v, err := r.bytes()
				if err != nil {
					return nil, &ErrCorrupt{Path: path, Reason: "metadata value truncated", cause: err}
				}
				meta[string(k)] = string(v)
			}
		}

		cid := model.ConceptID(id)
		if _, ok := out[cid]; ok {
			return nil, &ErrCorrupt{Path: path, Reason: fmt.Sprintf("duplicate concept %s", cid)}
		}
		out[cid] = &model.Concept{
			ID:        cid,
			Content:   content,
			Strength:  math.Float64frombits(strengthBits),
			CreatedAt: time.Unix(0, int64(createdNano)),
			Metadata:  meta,
		}
	}
	if !r.done() {
		return nil, &ErrCorrupt{Path: path, Reason: "trailing bytes in concept section"}
	}
	return out, nil
}

func decodeVectors(path string, sec []byte, dimension uint32, concepts map[model.ConceptID]*model.Concept) error {
	r := &sectionReader{buf: sec}
	count, err := r.u32()
	if err != nil {
		return &ErrCorrupt{Path: path, Reason: "vector section header", cause: err}
	}
	dim, err := r.u32()
	if err != nil {
		return &ErrCorrupt{Path: path, Reason: "vector section header", cause: err}
	}
	if dim != dimension {
		return &ErrCorrupt{Path: path, Reason: fmt.Sprintf("vector dimension %d does not match header %d", dim, dimension)}
	}

	recordLen := 8 + int(dim)*4
	if int64(count)*int64(recordLen) > int64(len(sec)) {
		return &ErrCorrupt{Path: path, Reason: "vector count out of range"}
	}

	for i := uint32(0); i < count; i++ {
		id, err := r.u64()
		if err != nil {
			return &ErrCorrupt{Path: path, Reason: "vector record truncated", cause: err}
		}
		vec := make([]float32, dim)
		for d := range vec {
			bits, err := r.u32()
			if err != nil {
				return &ErrCorrupt{Path: path, Reason: "vector record truncated", cause: err}
			}
			vec[d] = math.Float32frombits(bits)
		}
		c, ok := concepts[model.ConceptID(id)]
		if !ok {
			return &ErrCorrupt{Path: path, Reason: fmt.Sprintf("vector for unknown concept %s", model.ConceptID(id))}
		}
		c.Vector = vec
	}
	if !r.done() {
		return &ErrCorrupt{Path: path, Reason: "trailing bytes in vector section"}
	}
	return nil
}

func decodeEdges(path string, sec []byte) ([]model.Association, error) {
	r := &sectionReader{buf: sec}
	count, err := r.u32()
	if err != nil {
		return nil, &ErrCorrupt{Path: path, Reason: "edge section header", cause: err}
	}

	const recordLen = 34
	if int64(count)*recordLen > int64(len(sec)) {
		return nil, &ErrCorrupt{Path: path, Reason: "edge count out of range"}
	}

	out := make([]model.Association, 0, count)
	for i := uint32(0); i < count; i++ {
		source, err := r.u64()
		if err != nil {
			return nil, &ErrCorrupt{Path: path, Reason: "edge record truncated", cause: err}
		}
		target, err := r.u64()
		if err != nil {
			return nil, &ErrCorrupt{Path: path, Reason: "edge record truncated", cause: err}
		}
		relation, err := r.u16()
		if err != nil {
			return nil, &ErrCorrupt{Path: path, Reason: "edge record truncated", cause: err}
		}
		weightBits, err := r.u64()
		if err != nil {
			return nil, &ErrCorrupt{Path: path, Reason: "edge record truncated", cause: err}
		}
		createdNano, err := r.u64()
		if err != nil {
			return nil, &ErrCorrupt{Path: path, Reason: "edge record truncated", cause: err}
		}
		out = append(out, model.Association{
			Source:    model.ConceptID(source),
			Target:    model.ConceptID(target),
			Relation:  model.RelationKind(relation),
			Weight:    math.Float64frombits(weightBits),
			CreatedAt: time.Unix(0, int64(createdNano)),
		})
	}
	if !r.done() {
		return nil, &ErrCorrupt{Path: path, Reason: "trailing bytes in edge section"}
	}
	return out, nil
}
