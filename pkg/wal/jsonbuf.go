package wal

import (
	"bytes"
	"encoding/json"
	"sync"
)

var jsonBufPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// marshalCompact writes v as JSON into buf without a trailing newline and
// returns the resulting byte slice. Reusing the buffer avoids per-append
// allocations versus json.Marshal.
func marshalCompact(buf *bytes.Buffer, v any) ([]byte, error) {
	buf.Reset()
	enc := json.NewEncoder(buf)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	b := buf.Bytes()
	if len(b) > 0 && b[len(b)-1] == '\n' {
		buf.Truncate(len(b) - 1)
	}
	return buf.Bytes(), nil
}
