package tracefile

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownFormat = errors.New("unknown trace format")
	ErrNotSeekable   = errors.New("writer needs a seekable sink")
	ErrWriterClosed  = errors.New("writer closed")
)

type DecodeKind int

const (
	KindMalformed DecodeKind = iota
	KindTruncated
	KindBadMagic
	KindChecksum
)

func (k DecodeKind) String() string {
	switch k {
	case KindTruncated:
		return "truncated"
	case KindBadMagic:
		return "bad magic"
	case KindChecksum:
		return "checksum"
	default:
		return "malformed"
	}
}

// DecodeError reports input a reader could not decode. Offset is the byte
// position of the failing record; text formats also set Line.
type DecodeError struct {
	Format string
	Offset int64
	Line   int
	Kind   DecodeKind
	Err    error
}

func (e *DecodeError) Error() string {
	pos := fmt.Sprintf("offset %d", e.Offset)
	if e.Line > 0 {
		pos = fmt.Sprintf("line %d", e.Line)
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s: %s", e.Format, pos, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %s: %v", e.Format, pos, e.Kind, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// IsDecodeError reports whether err carries a *DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}
