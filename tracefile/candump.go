package tracefile

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/roffe/canbus"
)

func init() {
	if err := Register(&Format{
		Name:       "candump",
		Extensions: []string{".log"},
		NewReader: func(r io.Reader) (Reader, error) {
			return NewCandumpReader(r), nil
		},
		NewWriter: func(w io.Writer) (Writer, error) {
			return NewCandumpWriter(w, ""), nil
		},
	}); err != nil {
		panic(err)
	}
}

const (
	canErrFlag     = 0x20000000
	canErrBusError = 0x00000080
	canFDBRS       = 0x01
	canFDESI       = 0x02

	DefaultCandumpChannel = "vcan0"
)

// CandumpReader reads the "candump -L" log format:
//
//	(1436509052.249713) vcan0 123#0011223344
type CandumpReader struct {
	sc *lineScanner
}

func NewCandumpReader(r io.Reader) *CandumpReader {
	return &CandumpReader{sc: newLineScanner(r)}
}

func (r *CandumpReader) decodeErr(err error) error {
	return r.sc.decodeErr("candump", KindMalformed, err)
}

func (r *CandumpReader) Next() (*canbus.Frame, error) {
	for r.sc.Scan() {
		fields := strings.Fields(r.sc.Text())
		if len(fields) != 3 || !strings.HasPrefix(fields[0], "(") {
			continue
		}
		f, err := parseCandump(fields)
		if err != nil {
			return nil, r.decodeErr(err)
		}
		if err := f.Validate(); err != nil {
			return nil, r.decodeErr(err)
		}
		return f, nil
	}
	if err := r.sc.Err(); err != nil {
		return nil, r.sc.decodeErr("candump", KindTruncated, err)
	}
	return nil, io.EOF
}

func parseCandump(fields []string) (*canbus.Frame, error) {
	ts, err := strconv.ParseFloat(strings.Trim(fields[0], "()"), 64)
	if err != nil {
		return nil, fmt.Errorf("timestamp: %w", err)
	}
	idStr, data, ok := strings.Cut(fields[2], "#")
	if !ok {
		return nil, fmt.Errorf("no '#' in %q", fields[2])
	}
	id, err := strconv.ParseUint(idStr, 16, 32)
	if err != nil {
		return nil, fmt.Errorf("identifier %q: %w", idStr, err)
	}
	f := &canbus.Frame{Timestamp: ts, Channel: fields[1]}
	if id&canErrFlag != 0 && id&canErrBusError != 0 {
		f.ErrorFrame = true
		return f, nil
	}
	f.Identifier = uint32(id) & canbus.MaxExtendedID
	f.Extended = len(idStr) > 3

	if strings.HasPrefix(data, "#") {
		if len(data) < 2 {
			return nil, fmt.Errorf("missing CAN FD flags")
		}
		flags, err := strconv.ParseUint(data[1:2], 16, 8)
		if err != nil {
			return nil, fmt.Errorf("CAN FD flags: %w", err)
		}
		f.FD = true
		f.BitrateSwitch = flags&canFDBRS != 0
		f.ErrorStateIndicator = flags&canFDESI != 0
		data = data[2:]
	}
	if strings.HasPrefix(data, "R") || strings.HasPrefix(data, "r") {
		f.RTR = true
		if len(data) > 1 {
			dlc, err := strconv.ParseUint(data[1:], 16, 8)
			if err != nil {
				return nil, fmt.Errorf("remote dlc: %w", err)
			}
			f.DLC = uint8(dlc)
		}
		return f, nil
	}
	data = strings.ReplaceAll(data, ".", "")
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("odd number of hex digits in %q", data)
	}
	b, err := hex.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("data: %w", err)
	}
	if len(b) > 0 {
		f.Data = b
	}
	f.DLC = uint8(len(b))
	return f, nil
}

// ParseCandumpFrame parses the "ID#DATA" notation used by can-utils, e.g.
// "123#DEADBEEF", "1F334455#R" or "123##1AABB".
func ParseCandumpFrame(s string) (*canbus.Frame, error) {
	f, err := parseCandump([]string{"(0)", "", s})
	if err != nil {
		return nil, err
	}
	f.Timestamp = 0
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

func (r *CandumpReader) Close() error {
	return nil
}

type CandumpWriter struct {
	w       *bufio.Writer
	channel string
	closed  bool
	err     error
}

// NewCandumpWriter writes frames without a channel name on channel, or on
// DefaultCandumpChannel when it is empty.
func NewCandumpWriter(w io.Writer, channel string) *CandumpWriter {
	return &CandumpWriter{
		w:       bufio.NewWriter(w),
		channel: channelOrDefault(channel, DefaultCandumpChannel),
	}
}

func (w *CandumpWriter) Write(f *canbus.Frame) error {
	if w.closed {
		return ErrWriterClosed
	}
	if w.err != nil {
		return w.err
	}
	if err := f.Validate(); err != nil {
		return err
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "(%f) %s ", f.Timestamp, channelOrDefault(f.Channel, w.channel))
	switch {
	case f.ErrorFrame:
		fmt.Fprintf(&sb, "%08X#0000000000000000", canErrFlag|canErrBusError)
	default:
		if f.Extended {
			fmt.Fprintf(&sb, "%08X", f.Identifier)
		} else {
			fmt.Fprintf(&sb, "%03X", f.Identifier)
		}
		switch {
		case f.RTR:
			sb.WriteString("#R")
			if f.DLC > 0 {
				fmt.Fprintf(&sb, "%X", f.DLC)
			}
		case f.FD:
			var flags uint8
			if f.BitrateSwitch {
				flags |= canFDBRS
			}
			if f.ErrorStateIndicator {
				flags |= canFDESI
			}
			fmt.Fprintf(&sb, "##%X%s", flags, strings.ToUpper(hex.EncodeToString(f.Data)))
		default:
			sb.WriteString("#" + strings.ToUpper(hex.EncodeToString(f.Data)))
		}
	}
	sb.WriteByte('\n')
	if _, err := w.w.WriteString(sb.String()); err != nil {
		w.err = err
	}
	return w.err
}

func (w *CandumpWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	return w.w.Flush()
}
