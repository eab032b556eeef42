package singer

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
)

// Maximum accepted line length. Taps can emit wide records (embedded
// documents, archives), so this is deliberately generous.
const maxLineBytes = 20 * 1024 * 1024

// Reader consumes newline-delimited Singer messages from an input stream.
// Messages must be read by a single goroutine so arrival order is preserved.
type Reader struct {
	scanner *bufio.Scanner
	line    int
}

// NewReader wraps r with a line scanner sized for large records.
func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	return &Reader{scanner: sc}
}

// Next returns the next parsed message. It skips blank lines and returns
// io.EOF when the input is exhausted.
func (r *Reader) Next() (*Message, error) {
	for r.scanner.Scan() {
		r.line++
		line := bytes.TrimSpace(r.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		msg, err := ParseMessage(line)
		if err != nil {
			return nil, &ParseError{Line: r.line, Err: err}
		}
		return msg, nil
	}
	if err := r.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// Line returns the number of the most recently read input line.
func (r *Reader) Line() int { return r.line }

// ParseError annotates a message parse failure with its input line number.
type ParseError struct {
	Line int
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }
