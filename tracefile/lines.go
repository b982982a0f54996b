package tracefile

import (
	"bufio"
	"io"
)

// lineScanner is a bufio.Scanner over lines that tracks the line number and
// byte offset of the current line.
type lineScanner struct {
	*bufio.Scanner
	line   int
	offset int64
	next   int64
}

func newLineScanner(r io.Reader) *lineScanner {
	s := &lineScanner{Scanner: bufio.NewScanner(r)}
	s.Buffer(make([]byte, 64*1024), 1024*1024)
	s.Split(func(data []byte, atEOF bool) (int, []byte, error) {
		advance, token, err := bufio.ScanLines(data, atEOF)
		s.next += int64(advance)
		return advance, token, err
	})
	return s
}

func (s *lineScanner) Scan() bool {
	s.offset = s.next
	if !s.Scanner.Scan() {
		return false
	}
	s.line++
	return true
}

func (s *lineScanner) decodeErr(format string, kind DecodeKind, err error) error {
	return &DecodeError{Format: format, Offset: s.offset, Line: s.line, Kind: kind, Err: err}
}
