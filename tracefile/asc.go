package tracefile

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/roffe/canbus"
)

func init() {
	if err := Register(&Format{
		Name:       "asc",
		Extensions: []string{".asc"},
		NewReader: func(r io.Reader) (Reader, error) {
			return NewASCReader(r), nil
		},
		NewWriter: func(w io.Writer) (Writer, error) {
			return NewASCWriter(w), nil
		},
	}); err != nil {
		panic(err)
	}
}

const ascDateLayout = "Mon Jan 02 15:04:05.000 2006"

// duration, length, flags, crc and four bit timing fields follow CANFD data
const ascFDTrailerFields = 8

var ascDateLayouts = []string{
	"Jan 2 15:04:05 2006",
	"Jan 2 03:04:05 PM 2006",
}

func parseASCDate(s string) (float64, error) {
	var errs []error
	for _, layout := range ascDateLayouts {
		t, err := time.ParseInLocation(layout, s, time.Local)
		if err == nil {
			return float64(t.UnixMicro()) / 1e6, nil
		}
		errs = append(errs, err)
	}
	return 0, errors.Join(errs...)
}

// ASCReader reads Vector ASCII logs.
type ASCReader struct {
	sc       *lineScanner
	base     int
	relative bool
	start    float64
}

func NewASCReader(r io.Reader) *ASCReader {
	return &ASCReader{sc: newLineScanner(r), base: 16}
}

func (r *ASCReader) decodeErr(err error) error {
	return r.sc.decodeErr("asc", KindMalformed, err)
}

func (r *ASCReader) Next() (*canbus.Frame, error) {
	for r.sc.Scan() {
		text := strings.TrimSpace(r.sc.Text())
		lower := strings.ToLower(text)
		fields := strings.Fields(text)
		switch {
		case len(fields) < 2, strings.HasPrefix(text, "//"):
			continue
		case lower == "date" || strings.HasPrefix(lower, "date "):
			// date <weekday> <rest>
			if len(fields) > 2 && !r.relative {
				if ts, err := parseASCDate(strings.Join(fields[2:], " ")); err == nil {
					r.start = ts
				}
			}
			continue
		case fields[0] == "base" || strings.HasPrefix(lower, "base "):
			if err := r.parseBase(fields); err != nil {
				return nil, err
			}
			continue
		case strings.HasPrefix(lower, "begin triggerblock"):
			if len(fields) > 3 && !r.relative {
				ts, err := parseASCDate(strings.Join(fields[3:], " "))
				if err != nil {
					return nil, r.decodeErr(err)
				}
				r.start = ts
			}
			continue
		}
		ts, err := strconv.ParseFloat(fields[0], 64)
		if err != nil || !ascLooksLikeFrame(fields) {
			continue
		}
		f, err := r.parseFrame(fields)
		if err != nil {
			return nil, r.decodeErr(err)
		}
		f.Timestamp = ts + r.start
		if err := f.Validate(); err != nil {
			return nil, r.decodeErr(err)
		}
		return f, nil
	}
	if err := r.sc.Err(); err != nil {
		return nil, r.sc.decodeErr("asc", KindTruncated, err)
	}
	return nil, io.EOF
}

func (r *ASCReader) parseBase(fields []string) error {
	switch strings.ToLower(fields[1]) {
	case "hex":
		r.base = 16
	case "dec":
		r.base = 10
	default:
		return r.decodeErr(fmt.Errorf("unknown base %q", fields[1]))
	}
	if len(fields) >= 4 && strings.EqualFold(fields[2], "timestamps") {
		r.relative = strings.EqualFold(fields[3], "relative")
		if r.relative {
			r.start = 0
		}
	}
	return nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func ascLooksLikeFrame(fields []string) bool {
	if strings.EqualFold(fields[1], "CANFD") {
		return true
	}
	if !isDigits(fields[1]) || len(fields) < 3 {
		return false
	}
	if strings.EqualFold(fields[2], "ErrorFrame") {
		return true
	}
	return len(fields) >= 4 && (fields[3] == "Rx" || fields[3] == "Tx")
}

func (r *ASCReader) parseID(s string) (uint32, bool, error) {
	ext := false
	if strings.HasSuffix(s, "x") || strings.HasSuffix(s, "X") {
		ext = true
		s = s[:len(s)-1]
	}
	v, err := strconv.ParseUint(s, r.base, 32)
	if err != nil {
		return 0, false, fmt.Errorf("identifier %q: %w", s, err)
	}
	return uint32(v), ext, nil
}

func (r *ASCReader) parseUint8(what, s string) (uint8, error) {
	v, err := strconv.ParseUint(s, r.base, 8)
	if err != nil {
		return 0, fmt.Errorf("%s %q: %w", what, s, err)
	}
	return uint8(v), nil
}

// parseData reads exactly n bytes from tokens. With strict set a further
// token that is itself a data byte is rejected.
func (r *ASCReader) parseData(tokens []string, n int, strict bool) ([]byte, error) {
	if len(tokens) < n {
		return nil, fmt.Errorf("expected %d data bytes, got %d", n, len(tokens))
	}
	data := make([]byte, n)
	for i := range n {
		b, err := r.parseUint8("data byte", tokens[i])
		if err != nil {
			return nil, err
		}
		data[i] = b
	}
	if strict && len(tokens) > n && r.isDataByte(tokens[n]) {
		return nil, fmt.Errorf("more data bytes than dlc %d", n)
	}
	if n == 0 {
		return nil, nil
	}
	return data, nil
}

func (r *ASCReader) isDataByte(s string) bool {
	maxLen := 2
	if r.base == 10 {
		maxLen = 3
	}
	if len(s) > maxLen {
		return false
	}
	_, err := strconv.ParseUint(s, r.base, 8)
	return err == nil
}

func ascChannel(s string) (string, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return "", fmt.Errorf("channel %q: %w", s, err)
	}
	return strconv.Itoa(n - 1), nil
}

func (r *ASCReader) parseFrame(fields []string) (*canbus.Frame, error) {
	if strings.EqualFold(fields[1], "CANFD") {
		return r.parseFD(fields[2:])
	}
	ch, err := ascChannel(fields[1])
	if err != nil {
		return nil, err
	}
	f := &canbus.Frame{Channel: ch}
	if strings.EqualFold(fields[2], "ErrorFrame") {
		f.ErrorFrame = true
		return f, nil
	}
	// id dir d|r dlc data...
	if f.Identifier, f.Extended, err = r.parseID(fields[2]); err != nil {
		return nil, err
	}
	f.Direction = ascDirection(fields[3])
	if len(fields) < 5 {
		return nil, errors.New("missing frame type")
	}
	switch strings.ToLower(fields[4]) {
	case "r":
		f.RTR = true
		if len(fields) > 5 && isDigits(fields[5]) {
			if f.DLC, err = r.parseUint8("dlc", fields[5]); err != nil {
				return nil, err
			}
		}
		return f, nil
	case "d":
		if len(fields) < 6 {
			return nil, errors.New("missing dlc")
		}
		code, err := r.parseUint8("dlc", fields[5])
		if err != nil {
			return nil, err
		}
		n := min(canbus.DLCToLen(code), canbus.MaxClassicLen)
		if f.Data, err = r.parseData(fields[6:], n, true); err != nil {
			return nil, err
		}
		f.DLC = uint8(n)
		return f, nil
	}
	return nil, fmt.Errorf("unknown frame type %q", fields[4])
}

// parseFD handles "ch dir id [name] brs esi dlc len data...".
func (r *ASCReader) parseFD(fields []string) (*canbus.Frame, error) {
	if len(fields) < 3 {
		return nil, errors.New("short CANFD line")
	}
	ch, err := ascChannel(fields[0])
	if err != nil {
		return nil, err
	}
	f := &canbus.Frame{Channel: ch, Direction: ascDirection(fields[1])}
	if strings.EqualFold(fields[2], "ErrorFrame") {
		f.ErrorFrame = true
		return f, nil
	}
	if f.Identifier, f.Extended, err = r.parseID(fields[2]); err != nil {
		return nil, err
	}
	rest := fields[3:]
	if len(rest) > 0 && !isDigits(rest[0]) {
		rest = rest[1:] // symbolic name
	}
	if len(rest) < 4 {
		return nil, errors.New("short CANFD line")
	}
	f.FD = true
	f.BitrateSwitch = rest[0] == "1"
	f.ErrorStateIndicator = rest[1] == "1"
	code, err := r.parseUint8("dlc", rest[2])
	if err != nil {
		return nil, err
	}
	n, err := strconv.Atoi(rest[3])
	if err != nil {
		return nil, fmt.Errorf("data length %q: %w", rest[3], err)
	}
	if canbus.DLCToLen(code) != n {
		return nil, fmt.Errorf("dlc %d does not carry %d bytes", code, n)
	}
	if f.Data, err = r.parseData(rest[4:], n, false); err != nil {
		return nil, err
	}
	if tail := len(rest) - 4 - n; tail != 0 && tail != ascFDTrailerFields {
		return nil, fmt.Errorf("%d bytes declared, %d trailing fields", n, tail)
	}
	f.DLC = uint8(n)
	return f, nil
}

func ascDirection(s string) canbus.Direction {
	if s == "Tx" {
		return canbus.Outgoing
	}
	return canbus.Incoming
}

func (r *ASCReader) Close() error {
	return nil
}

// ASCWriter writes Vector ASCII logs with hex base and timestamps relative
// to the first frame.
type ASCWriter struct {
	w       *bufio.Writer
	started bool
	start   float64
	closed  bool
	err     error
}

func NewASCWriter(w io.Writer) *ASCWriter {
	aw := &ASCWriter{w: bufio.NewWriter(w)}
	fmt.Fprintf(aw.w, "date %s\n", time.Now().Format(ascDateLayout))
	aw.w.WriteString("base hex  timestamps absolute\n")
	aw.w.WriteString("internal events logged\n")
	return aw
}

func (w *ASCWriter) event(msg string, ts float64) {
	if !w.started {
		w.started = true
		w.start = math.Floor(ts*1000) / 1000
		date := time.UnixMilli(int64(math.Round(w.start * 1000))).Local()
		fmt.Fprintf(w.w, "Begin Triggerblock %s\n", date.Format(ascDateLayout))
		w.event("Start of measurement", w.start)
	}
	if ts >= w.start {
		ts -= w.start
	}
	_, err := fmt.Fprintf(w.w, "% 9.6f %s\n", ts, msg)
	if err != nil && w.err == nil {
		w.err = err
	}
}

func ascChannelNumber(ch string) int {
	if n, ok := channelIndex(ch); ok {
		return n + 1
	}
	return 1
}

func (w *ASCWriter) Write(f *canbus.Frame) error {
	if w.closed {
		return ErrWriterClosed
	}
	if w.err != nil {
		return w.err
	}
	if err := f.Validate(); err != nil {
		return err
	}
	ch := ascChannelNumber(f.Channel)
	if f.ErrorFrame {
		w.event(fmt.Sprintf("%d  ErrorFrame", ch), f.Timestamp)
		return w.err
	}
	id := strconv.FormatUint(uint64(f.Identifier), 16)
	id = strings.ToUpper(id)
	if f.Extended {
		id += "x"
	}
	data := make([]string, len(f.Data))
	for i, b := range f.Data {
		data[i] = fmt.Sprintf("%02X", b)
	}
	dir := f.Direction.String()
	if f.FD {
		flags := 1 << 12
		brs, esi := 0, 0
		if f.BitrateSwitch {
			flags |= 1 << 13
			brs = 1
		}
		if f.ErrorStateIndicator {
			flags |= 1 << 14
			esi = 1
		}
		line := strings.Join([]string{
			"CANFD",
			fmt.Sprintf("%3d", ch),
			fmt.Sprintf("%-4s", dir),
			fmt.Sprintf("%8s  %32s", id, ""),
			strconv.Itoa(brs),
			strconv.Itoa(esi),
			fmt.Sprintf("%x", canbus.LenToDLC(len(f.Data))),
			fmt.Sprintf("%2d", len(f.Data)),
			strings.Join(data, " "),
			fmt.Sprintf("%8d", 0),
			fmt.Sprintf("%4d", 0),
			fmt.Sprintf("%8X", flags),
			fmt.Sprintf("%8d", 0),
			fmt.Sprintf("%8d", 0),
			fmt.Sprintf("%8d", 0),
			fmt.Sprintf("%8d", 0),
			fmt.Sprintf("%8d", 0),
		}, " ")
		w.event(line, f.Timestamp)
		return w.err
	}
	dtype := fmt.Sprintf("d %x", f.DLC)
	if f.RTR {
		dtype = fmt.Sprintf("r %x", f.DLC)
	}
	w.event(fmt.Sprintf("%d  %-15s %-4s %s %s", ch, id, dir, dtype, strings.Join(data, " ")), f.Timestamp)
	return w.err
}

// Close writes the trigger block footer and flushes.
func (w *ASCWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	w.w.WriteString("End TriggerBlock\n")
	return errors.Join(w.err, w.w.Flush())
}
