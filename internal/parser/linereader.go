package parser

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// lineReader reads JSONL files line by line, skipping lines that
// exceed maxLen rather than aborting. The buffer starts small and
// grows on demand up to maxLen.
type lineReader struct {
	r      *bufio.Reader
	maxLen int
	buf    []byte
	lineNo int
	err    error

	// onOversized, when set, receives the 1-based number of
	// every line dropped for exceeding maxLen.
	onOversized func(lineNo int)
}

func newLineReader(r io.Reader, maxLen int) *lineReader {
	return &lineReader{
		r:      bufio.NewReaderSize(r, initialScanBufSize),
		maxLen: maxLen,
		buf:    make([]byte, 0, initialScanBufSize),
	}
}

// next returns the next non-empty line (without trailing
// newline), its 1-based line number and true, or false at EOF
// or on a read error. A read error is reported by Err.
func (lr *lineReader) next() (string, int, bool) {
	for {
		line, err := lr.readLine()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				lr.err = err
			}
			return "", 0, false
		}
		if line != "" {
			return line, lr.lineNo, true
		}
	}
}

// Err returns the first non-EOF read error.
func (lr *lineReader) Err() error { return lr.err }

// readLine reads a full line, returning "" for blank/oversized
// lines and a non-nil error only at EOF or read failure.
func (lr *lineReader) readLine() (string, error) {
	lr.buf = lr.buf[:0]
	oversized := false
	started := false

	for {
		chunk, isPrefix, err := lr.r.ReadLine()
		if err != nil {
			if started && errors.Is(err, io.EOF) {
				break
			}
			return "", err
		}
		if !started {
			started = true
			lr.lineNo++
		}

		if oversized {
			if !isPrefix {
				return "", nil
			}
			continue
		}

		lr.buf = append(lr.buf, chunk...)

		if len(lr.buf) > lr.maxLen {
			oversized = true
			lr.buf = lr.buf[:0]
			if lr.onOversized != nil {
				lr.onOversized(lr.lineNo)
			}
			if !isPrefix {
				return "", nil
			}
			continue
		}

		if !isPrefix {
			break
		}
	}

	return strings.TrimRight(string(lr.buf), "\r"), nil
}
