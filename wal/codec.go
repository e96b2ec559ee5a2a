package wal

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"
)

// Record framing, little-endian:
//
//	[crc32 4][seq 8][op 1][vec_len 4][payload_len 4][payload]
//
// The checksum covers everything after itself. payload holds the stored
// bytes, zstd-compressed when the log header says so.
const recordHeaderLen = 17

// maxRecordSize bounds a single record so a corrupt length field cannot
// drive replay into huge allocations.
const maxRecordSize = 64 << 20

// errTornTail marks a record that runs past the end of the file, the
// signature of a crash mid-append. The log heals by truncating to the
// last complete record.
var errTornTail = errors.New("wal: torn record at tail")

func appendRecord(dst []byte, seq uint64, op OperationType, vecLen uint32, stored []byte) []byte {
	header := make([]byte, recordHeaderLen)
	binary.LittleEndian.PutUint64(header[0:8], seq)
	header[8] = byte(op)
	binary.LittleEndian.PutUint32(header[9:13], vecLen)
	binary.LittleEndian.PutUint32(header[13:17], uint32(len(stored)))

	crc := crc32.NewIEEE()
	crc.Write(header)
	crc.Write(stored)

	var sum [4]byte
	binary.LittleEndian.PutUint32(sum[:], crc.Sum32())

	dst = append(dst, sum[:]...)
	dst = append(dst, header...)
	dst = append(dst, stored...)
	return dst
}

type rawRecord struct {
	Seq    uint64
	Op     OperationType
	VecLen uint32
	Stored []byte
}

// readRecord decodes the next record from r. It returns io.EOF at a clean
// end of stream, errTornTail when the final record is incomplete, and
// ErrInvalidCRC when a fully-present record fails its checksum.
func readRecord(r io.Reader) (rawRecord, int64, error) {
	var sum [4]byte
	if _, err := io.ReadFull(r, sum[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return rawRecord{}, 0, io.EOF
		}
		return rawRecord{}, 0, errTornTail
	}

	header := make([]byte, recordHeaderLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return rawRecord{}, 4, errTornTail
	}

	rec := rawRecord{
		Seq:    binary.LittleEndian.Uint64(header[0:8]),
		Op:     OperationType(header[8]),
		VecLen: binary.LittleEndian.Uint32(header[9:13]),
	}
	payloadLen := binary.LittleEndian.Uint32(header[13:17])
	if payloadLen > maxRecordSize {
		return rawRecord{}, 4 + recordHeaderLen, ErrRecordTooLarge
	}

	rec.Stored = make([]byte, payloadLen)
	if _, err := io.ReadFull(r, rec.Stored); err != nil {
		return rawRecord{}, 4 + recordHeaderLen, errTornTail
	}

	crc := crc32.NewIEEE()
	crc.Write(header)
	crc.Write(rec.Stored)
	if crc.Sum32() != binary.LittleEndian.Uint32(sum[:]) {
		return rawRecord{}, 4 + recordHeaderLen + int64(payloadLen), ErrInvalidCRC
	}
	if !rec.Op.valid() {
		return rawRecord{}, 4 + recordHeaderLen + int64(payloadLen), ErrInvalidCRC
	}

	return rec, 4 + recordHeaderLen + int64(payloadLen), nil
}
