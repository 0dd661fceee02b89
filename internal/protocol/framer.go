package protocol

import "bytes"

// DefaultMaxFrame bounds a single buffered frame.
const DefaultMaxFrame = 256 << 20

// Framer splits a byte stream into newline-terminated frames, keeping any
// trailing partial frame for the next Feed.
type Framer struct {
	buf []byte
	max int
	// scanned is the length of buf already searched for a terminator.
	scanned int
}

// NewFramer creates a framer. max <= 0 selects DefaultMaxFrame.
func NewFramer(max int) *Framer {
	if max <= 0 {
		max = DefaultMaxFrame
	}
	return &Framer{max: max}
}

// Feed appends data and returns every complete frame it now holds, without
// their newline terminators. Blank lines are skipped.
//
// When the buffered partial frame grows beyond the maximum size the buffer is
// discarded and ErrFrameTooLarge is returned alongside the frames completed
// before the overflow.
func (f *Framer) Feed(data []byte) ([][]byte, error) {
	f.buf = append(f.buf, data...)

	var frames [][]byte
	start := 0
	for {
		i := bytes.IndexByte(f.buf[f.scanned:], '\n')
		if i < 0 {
			break
		}
		end := f.scanned + i
		line := bytes.TrimRight(f.buf[start:end], "\r")
		if len(line) > 0 {
			frames = append(frames, append([]byte(nil), line...))
		}
		start = end + 1
		f.scanned = start
	}

	rest := len(f.buf) - start
	if rest > f.max {
		f.Reset()
		return frames, ErrFrameTooLarge
	}
	if start > 0 {
		copy(f.buf, f.buf[start:])
		f.buf = f.buf[:rest]
	}
	f.scanned = rest

	return frames, nil
}

// Buffered returns the size of the retained partial frame.
func (f *Framer) Buffered() int {
	return len(f.buf)
}

// Reset drops any partial frame.
func (f *Framer) Reset() {
	f.buf = f.buf[:0]
	f.scanned = 0
}
