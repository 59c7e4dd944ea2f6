package wal

import (
	"encoding/binary"
	"hash/crc32"
	"io"
)

// On-disk record framing.
//
// Each entry is written as one self-verifying record:
//
//	[magic:4][version:1][length:4][payload:N][crc:4][trailer:8][padding:0-7]
//
// The trailer canary detects incomplete writes (a crash mid-record leaves the
// trailer missing or wrong), and 8-byte alignment keeps record headers off
// sector boundaries so a torn write can never split a header.
const (
	// logMagic identifies the start of a record: "TGLE" in little-endian.
	logMagic uint32 = 0x454C4754

	logFormatVersion uint8 = 1

	// logTrailer is a sentinel written after every record. Easy to spot in a
	// hex dump, unlikely to occur in real payloads.
	logTrailer uint64 = 0xDEADBEEFFEEDFACE

	logAlignment int64 = 8

	// Maximum payload size (16MB) guards against reading garbage lengths
	// from a corrupted header.
	logMaxEntrySize uint32 = 16 * 1024 * 1024
)

// alignUp rounds n up to the nearest multiple of logAlignment.
func alignUp(n int64) int64 {
	return (n + logAlignment - 1) &^ (logAlignment - 1)
}

var crc32Table = crc32.MakeTable(crc32.Castagnoli)

// checksum computes CRC32-C, hardware-accelerated on amd64/arm64.
func checksum(data []byte) uint32 {
	return crc32.Checksum(data, crc32Table)
}

// writeRecord writes one framed record to w and returns the aligned record
// length for byte accounting. It never allocates a full record buffer on the
// append path.
func writeRecord(w io.Writer, payload []byte) (int64, error) {
	crc := checksum(payload)

	headerSize := int64(4 + 1 + 4)          // magic + version + length
	bodySize := int64(len(payload) + 4 + 8) // payload + crc + trailer
	rawLen := headerSize + bodySize
	alignedLen := alignUp(rawLen)

	var header [9]byte
	binary.LittleEndian.PutUint32(header[0:], logMagic)
	header[4] = logFormatVersion
	binary.LittleEndian.PutUint32(header[5:], uint32(len(payload)))

	if _, err := w.Write(header[:]); err != nil {
		return 0, err
	}
	if _, err := w.Write(payload); err != nil {
		return 0, err
	}

	var crcBuf [4]byte
	binary.LittleEndian.PutUint32(crcBuf[:], crc)
	if _, err := w.Write(crcBuf[:]); err != nil {
		return 0, err
	}

	var trailerBuf [8]byte
	binary.LittleEndian.PutUint64(trailerBuf[:], logTrailer)
	if _, err := w.Write(trailerBuf[:]); err != nil {
		return 0, err
	}

	if padding := int(alignedLen - rawLen); padding > 0 {
		var zeros [8]byte
		if _, err := w.Write(zeros[:padding]); err != nil {
			return 0, err
		}
	}

	return alignedLen, nil
}
