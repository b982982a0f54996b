package tracefile

import (
	"encoding/base64"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/roffe/canbus"
)

func init() {
	if err := Register(&Format{
		Name:       "csv",
		Extensions: []string{".csv"},
		NewReader: func(r io.Reader) (Reader, error) {
			return NewCSVReader(r), nil
		},
		NewWriter: func(w io.Writer) (Writer, error) {
			return NewCSVWriter(w), nil
		},
	}); err != nil {
		panic(err)
	}
}

var csvHeader = []string{"timestamp", "arbitration_id", "extended", "remote", "error", "dlc", "data"}

// CSVReader reads the seven column CSV layout. Channel and direction are not
// stored; payloads longer than eight bytes are read back as CAN FD.
type CSVReader struct {
	r      *csv.Reader
	line   int
	offset int64
}

func NewCSVReader(r io.Reader) *CSVReader {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true
	return &CSVReader{r: cr}
}

func (r *CSVReader) decodeErr(err error) error {
	return &DecodeError{Format: "csv", Offset: r.offset, Line: r.line, Kind: KindMalformed, Err: err}
}

func (r *CSVReader) Next() (*canbus.Frame, error) {
	for {
		r.offset = r.r.InputOffset()
		rec, err := r.r.Read()
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				r.line = pe.Line
				return nil, r.decodeErr(err)
			}
			return nil, err
		}
		r.line, _ = r.r.FieldPos(0)
		if r.line == 1 && len(rec) > 0 && rec[0] == csvHeader[0] {
			continue
		}
		if len(rec) < len(csvHeader) {
			return nil, r.decodeErr(fmt.Errorf("expected %d columns, got %d", len(csvHeader), len(rec)))
		}
		f, err := parseCSVRecord(rec)
		if err != nil {
			return nil, r.decodeErr(err)
		}
		if err := f.Validate(); err != nil {
			return nil, r.decodeErr(err)
		}
		return f, nil
	}
}

func parseCSVRecord(rec []string) (*canbus.Frame, error) {
	ts, err := strconv.ParseFloat(rec[0], 64)
	if err != nil {
		return nil, fmt.Errorf("timestamp: %w", err)
	}
	id, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(rec[1]), "0x"), 16, 32)
	if err != nil {
		return nil, fmt.Errorf("arbitration_id: %w", err)
	}
	dlc, err := strconv.ParseUint(rec[5], 10, 8)
	if err != nil {
		return nil, fmt.Errorf("dlc: %w", err)
	}
	data, err := base64.StdEncoding.DecodeString(rec[6])
	if err != nil {
		return nil, fmt.Errorf("data: %w", err)
	}
	f := &canbus.Frame{
		Timestamp:  ts,
		Identifier: uint32(id),
		Extended:   rec[2] == "1",
		RTR:        rec[3] == "1",
		ErrorFrame: rec[4] == "1",
		DLC:        uint8(dlc),
		FD:         len(data) > canbus.MaxClassicLen,
	}
	if len(data) > 0 {
		f.Data = data
	}
	return f, nil
}

func (r *CSVReader) Close() error {
	return nil
}

type CSVWriter struct {
	w      *csv.Writer
	closed bool
}

func NewCSVWriter(w io.Writer) *CSVWriter {
	cw := csv.NewWriter(w)
	cw.Write(csvHeader)
	return &CSVWriter{w: cw}
}

func boolColumn(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

func (w *CSVWriter) Write(f *canbus.Frame) error {
	if w.closed {
		return ErrWriterClosed
	}
	if err := f.Validate(); err != nil {
		return err
	}
	return w.w.Write([]string{
		strconv.FormatFloat(f.Timestamp, 'f', -1, 64),
		"0x" + strconv.FormatUint(uint64(f.Identifier), 16),
		boolColumn(f.Extended),
		boolColumn(f.RTR),
		boolColumn(f.ErrorFrame),
		strconv.Itoa(int(f.DLC)),
		base64.StdEncoding.EncodeToString(f.Data),
	})
}

func (w *CSVWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	w.w.Flush()
	return w.w.Error()
}
