package ingest

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

const initialBufSize = 64 * 1024

// lineReader reads JSONL input line by line, skipping lines that
// exceed maxLen rather than aborting. It tracks absolute byte
// offsets so an import can resume at a line boundary.
type lineReader struct {
	r      *bufio.Reader
	maxLen int
	buf    []byte
	err    error

	offset    int64 // bytes consumed so far
	boundary  int64 // offset just past the last complete line
	oversized int
}

// line is one non-blank input line.
type line struct {
	text     []byte
	end      int64
	complete bool // terminated by a newline
}

func newLineReader(r io.Reader, start int64, maxLen int) *lineReader {
	return &lineReader{
		r:        bufio.NewReaderSize(r, initialBufSize),
		maxLen:   maxLen,
		buf:      make([]byte, 0, initialBufSize),
		offset:   start,
		boundary: start,
	}
}

// next returns the next non-blank line, or false at EOF or on a
// read error (see Err). Blank and oversized complete lines
// are skipped and move the boundary past them.
func (lr *lineReader) next() (line, bool) {
	for {
		l, skip, err := lr.readLine()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				lr.err = err
			}
			return line{}, false
		}
		if l.complete {
			lr.boundary = l.end
		}
		if skip {
			if !l.complete {
				return line{}, false
			}
			continue
		}
		return l, true
	}
}

// Err returns the first non-EOF read error.
func (lr *lineReader) Err() error { return lr.err }

// accept moves the boundary past an unterminated final line that
// the caller decided is whole.
func (lr *lineReader) accept(l line) {
	if l.end > lr.boundary {
		lr.boundary = l.end
	}
}

// readLine reads one raw line. skip is set for blank and
// oversized lines.
func (lr *lineReader) readLine() (l line, skip bool, err error) {
	lr.buf = lr.buf[:0]
	oversized := false

	for {
		chunk, err := lr.r.ReadSlice('\n')
		lr.offset += int64(len(chunk))
		if !oversized {
			lr.buf = append(lr.buf, chunk...)
			if len(bytes.TrimRight(lr.buf, "\r\n")) > lr.maxLen {
				oversized = true
				lr.buf = lr.buf[:0]
			}
		}

		switch {
		case err == nil:
			l.complete = true
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if len(chunk) == 0 && len(lr.buf) == 0 && !oversized {
				return line{}, false, io.EOF
			}
		default:
			return line{}, false, err
		}
		break
	}

	l.end = lr.offset
	if oversized {
		if l.complete {
			lr.oversized++
		}
		return l, true, nil
	}
	l.text = bytes.TrimSpace(lr.buf)
	return l, len(l.text) == 0, nil
}
