package stratum

import "bytes"

// Framer splits a continuous byte stream into newline-delimited records.
// It owns a growable accumulation buffer; an unterminated trailing segment
// is retained across Feed calls and never discarded. One Framer per session,
// fed sequentially in receipt order.
type Framer struct {
	buf []byte
}

// NewFramer creates a framer with an empty accumulation buffer.
func NewFramer() *Framer {
	return &Framer{}
}

// Feed appends p to the buffer and returns every complete record found.
// Records arriving split across arbitrarily many calls are reassembled,
// including a terminator landing exactly on a chunk boundary. Empty input
// and terminator-only input produce no records.
func (f *Framer) Feed(p []byte) [][]byte {
	if len(p) > 0 {
		f.buf = append(f.buf, p...)
	}

	var records [][]byte
	for {
		i := bytes.IndexByte(f.buf, '\n')
		if i < 0 {
			break
		}

		line := f.buf[:i]
		// Tolerate CRLF-terminated pools
		line = bytes.TrimSuffix(line, []byte{'\r'})
		if len(line) > 0 {
			record := make([]byte, len(line))
			copy(record, line)
			records = append(records, record)
		}

		f.buf = f.buf[i+1:]
	}

	// Re-anchor the retained partial so consumed bytes can be collected
	if len(f.buf) > 0 && cap(f.buf) > 4*len(f.buf) {
		retained := make([]byte, len(f.buf))
		copy(retained, f.buf)
		f.buf = retained
	}

	return records
}

// Pending returns the retained unterminated partial record.
func (f *Framer) Pending() []byte {
	return f.buf
}

// Reset discards the accumulation buffer. Called on session teardown so a
// reconnected transport never sees bytes from the previous connection.
func (f *Framer) Reset() {
	f.buf = nil
}
