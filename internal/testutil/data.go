package testutil

import "io"

// PatternReader yields n deterministic, non-repeating-looking bytes without
// holding them in memory.
type PatternReader struct {
	n, off int64
	state  uint64
}

// NewPatternReader returns a reader of n pattern bytes.
func NewPatternReader(n int64) *PatternReader {
	return &PatternReader{n: n, state: 0x9e3779b97f4a7c15}
}

func (r *PatternReader) Read(p []byte) (int, error) {
	if r.off >= r.n {
		return 0, io.EOF
	}
	if rem := r.n - r.off; int64(len(p)) > rem {
		p = p[:rem]
	}
	for i := range p {
		// xorshift64
		r.state ^= r.state << 13
		r.state ^= r.state >> 7
		r.state ^= r.state << 17
		p[i] = byte(r.state)
	}
	r.off += int64(len(p))
	return len(p), nil
}
