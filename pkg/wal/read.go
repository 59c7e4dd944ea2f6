package wal

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// ReadReport describes how a log read terminated. Reads never fail outright:
// a malformed or truncated record ends the scan at the last fully well-formed
// entry and the report says why.
type ReadReport struct {
	Truncated   bool   // incomplete record at end of file (crash mid-write)
	Corrupted   bool   // CRC/framing damage before end of file
	LastGoodSeq uint64 // sequence of the last entry returned
	Reason      string
}

// ReadEntries reads every well-formed entry from the log file at path.
// A missing or empty file yields no entries and a clean report. Unusable
// artifacts are never deleted here; the caller only refuses to use them.
func ReadEntries(path string) ([]Entry, ReadReport) {
	var report ReadReport

	file, err := os.Open(path)
	if err != nil {
		if !os.IsNotExist(err) {
			report.Corrupted = true
			report.Reason = fmt.Sprintf("open failed: %v", err)
		}
		return nil, report
	}
	defer file.Close()

	var entries []Entry
	reader := bufio.NewReader(file)
	headerBuf := make([]byte, 9) // magic(4) + version(1) + length(4)

	stop := func(truncated bool, reason string) ([]Entry, ReadReport) {
		report.Truncated = truncated
		report.Corrupted = !truncated
		report.Reason = reason
		if n := len(entries); n > 0 {
			report.LastGoodSeq = entries[n-1].Sequence
		}
		return entries, report
	}

	for {
		if _, err := io.ReadFull(reader, headerBuf); err != nil {
			if err == io.EOF {
				break
			}
			return stop(true, "partial header at end of file")
		}

		magic := binary.LittleEndian.Uint32(headerBuf[0:4])
		if magic != logMagic {
			return stop(false, "invalid record magic")
		}
		version := headerBuf[4]
		if version > logFormatVersion {
			return stop(false, fmt.Sprintf("unsupported format version %d", version))
		}
		payloadLen := binary.LittleEndian.Uint32(headerBuf[5:9])
		if payloadLen > logMaxEntrySize {
			return stop(false, fmt.Sprintf("implausible payload size %d", payloadLen))
		}

		payload := make([]byte, payloadLen)
		if _, err := io.ReadFull(reader, payload); err != nil {
			return stop(true, "truncated payload")
		}

		crcBuf := make([]byte, 4)
		if _, err := io.ReadFull(reader, crcBuf); err != nil {
			return stop(true, "missing record checksum")
		}
		storedCRC := binary.LittleEndian.Uint32(crcBuf)
		if storedCRC != checksum(payload) {
			return stop(false, "record checksum mismatch")
		}

		trailerBuf := make([]byte, 8)
		if _, err := io.ReadFull(reader, trailerBuf); err != nil {
			return stop(true, "missing trailer canary")
		}
		if binary.LittleEndian.Uint64(trailerBuf) != logTrailer {
			return stop(true, "trailer canary mismatch")
		}

		rawLen := int64(9 + payloadLen + 4 + 8)
		if padding := alignUp(rawLen) - rawLen; padding > 0 {
			if _, err := io.CopyN(io.Discard, reader, padding); err != nil {
				return stop(true, "missing alignment padding")
			}
		}

		var entry Entry
		if err := json.Unmarshal(payload, &entry); err != nil {
			return stop(false, fmt.Sprintf("entry decode failed: %v", err))
		}
		if entry.Checksum != checksum(entry.Data) {
			return stop(false, fmt.Sprintf("payload checksum mismatch at seq %d", entry.Sequence))
		}

		entries = append(entries, entry)
	}

	if n := len(entries); n > 0 {
		report.LastGoodSeq = entries[n-1].Sequence
	}
	return entries, report
}

// ReadEntriesAfter returns the well-formed entries with sequence greater
// than afterSeq.
func ReadEntriesAfter(path string, afterSeq uint64) ([]Entry, ReadReport) {
	all, report := ReadEntries(path)
	var filtered []Entry
	for _, e := range all {
		if e.Sequence > afterSeq {
			filtered = append(filtered, e)
		}
	}
	return filtered, report
}

// IntegrityReport summarizes a read-only health check of a log file.
type IntegrityReport struct {
	Healthy      bool   `json:"healthy"`
	TotalEntries int    `json:"total_entries"`
	FirstSeq     uint64 `json:"first_seq"`
	LastSeq      uint64 `json:"last_seq"`
	FileSize     int64  `json:"file_size"`
	Truncated    bool   `json:"truncated"`
	Corrupted    bool   `json:"corrupted"`
	Detail       string `json:"detail,omitempty"`
}

// CheckIntegrity scans the log at path without modifying it. A missing log
// is healthy (fresh start); a truncated tail is healthy (expected after a
// crash); CRC or framing damage before the tail is not.
func CheckIntegrity(path string) (*IntegrityReport, error) {
	report := &IntegrityReport{Healthy: true}

	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return report, nil
		}
		return nil, fmt.Errorf("wal: failed to stat log: %w", err)
	}
	report.FileSize = fi.Size()

	entries, rr := ReadEntries(path)
	report.TotalEntries = len(entries)
	report.Truncated = rr.Truncated
	report.Corrupted = rr.Corrupted
	report.Detail = rr.Reason
	if rr.Corrupted {
		report.Healthy = false
	}
	if len(entries) > 0 {
		report.FirstSeq = entries[0].Sequence
		report.LastSeq = entries[len(entries)-1].Sequence
	}
	return report, nil
}
