package wal

import (
	"encoding/binary"
	"fmt"
	"io"
)

var (
	logMagic      = [4]byte{'M', 'N', 'W', '1'}
	headerVersion = uint16(1)
)

// header layout: magic 4 | version 2 | flags 2 | level 1 | dimension 4 |
// reserved 3. Fixed 16 bytes.
const headerLen = 16

const flagCompressed = uint16(1)

type headerInfo struct {
	Compressed       bool
	CompressionLevel int
	Dimension        uint32
}

func writeHeader(w io.Writer, info headerInfo) error {
	var buf [headerLen]byte
	copy(buf[0:4], logMagic[:])
	binary.LittleEndian.PutUint16(buf[4:6], headerVersion)

	var flags uint16
	if info.Compressed {
		flags |= flagCompressed
		buf[8] = uint8(info.CompressionLevel)
	}
	binary.LittleEndian.PutUint16(buf[6:8], flags)
	binary.LittleEndian.PutUint32(buf[9:13], info.Dimension)
	// buf[13:16] reserved

	if _, err := w.Write(buf[:]); err != nil {
		return fmt.Errorf("write log header: %w", err)
	}
	return nil
}

func readHeader(r io.Reader) (headerInfo, error) {
	var buf [headerLen]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return headerInfo{}, err
	}
	if [4]byte(buf[0:4]) != logMagic {
		return headerInfo{}, fmt.Errorf("invalid log magic")
	}
	if v := binary.LittleEndian.Uint16(buf[4:6]); v != headerVersion {
		return headerInfo{}, fmt.Errorf("unsupported log version: %d", v)
	}

	flags := binary.LittleEndian.Uint16(buf[6:8])
	return headerInfo{
		Compressed:       flags&flagCompressed != 0,
		CompressionLevel: int(buf[8]),
		Dimension:        binary.LittleEndian.Uint32(buf[9:13]),
	}, nil
}
