package tracefile

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"

	"github.com/roffe/canbus"
)

// cborMagic is the self-describe tag (55799) that opens every CBOR trace.
var cborMagic = []byte{0xd9, 0xd9, 0xf7}

const cborVersion = 1

func init() {
	if err := Register(&Format{
		Name:       "cbor",
		Extensions: []string{".cbor"},
		Magic:      cborMagic,
		NewReader: func(r io.Reader) (Reader, error) {
			return NewCBORReader(r)
		},
		NewWriter: func(w io.Writer) (Writer, error) {
			return NewCBORWriter(w)
		},
	}); err != nil {
		panic(err)
	}
}

type cborHeader struct {
	Format  string `cbor:"format"`
	Version int    `cbor:"version"`
}

const (
	cborExtended uint8 = 1 << iota
	cborRemote
	cborError
	cborFD
	cborBRS
	cborESI
	cborOutgoing
)

type cborRecord struct {
	Timestamp float64 `cbor:"1,keyasint"`
	ID        uint32  `cbor:"2,keyasint"`
	Flags     uint8   `cbor:"3,keyasint,omitempty"`
	DLC       uint8   `cbor:"4,keyasint,omitempty"`
	Data      []byte  `cbor:"5,keyasint,omitempty"`
	Channel   string  `cbor:"6,keyasint,omitempty"`
}

// CBORReader reads a stream of CBOR frame records. Every field of a frame,
// direction and channel included, survives a round trip.
type CBORReader struct {
	dec    *cbor.Decoder
	n      int
	failed bool
}

func NewCBORReader(r io.Reader) (*CBORReader, error) {
	head := make([]byte, len(cborMagic))
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, &DecodeError{Format: "cbor", Kind: KindTruncated, Err: err}
	}
	if !bytes.Equal(head, cborMagic) {
		return nil, &DecodeError{Format: "cbor", Kind: KindBadMagic, Err: fmt.Errorf("got % X", head)}
	}
	dec := cbor.NewDecoder(r)
	var h cborHeader
	if err := dec.Decode(&h); err != nil {
		return nil, &DecodeError{Format: "cbor", Kind: KindMalformed, Err: err}
	}
	if h.Version != cborVersion {
		return nil, &DecodeError{Format: "cbor", Kind: KindMalformed, Err: fmt.Errorf("unsupported version %d", h.Version)}
	}
	return &CBORReader{dec: dec}, nil
}

// Next returns io.EOF after the first error, the stream cannot be resynced.
func (r *CBORReader) Next() (*canbus.Frame, error) {
	if r.failed {
		return nil, io.EOF
	}
	var rec cborRecord
	if err := r.dec.Decode(&rec); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		r.failed = true
		kind := KindMalformed
		if errors.Is(err, io.ErrUnexpectedEOF) {
			kind = KindTruncated
		}
		return nil, &DecodeError{Format: "cbor", Offset: int64(r.dec.NumBytesRead()), Line: r.n + 1, Kind: kind, Err: err}
	}
	r.n++
	f := &canbus.Frame{
		Timestamp:           rec.Timestamp,
		Identifier:          rec.ID,
		Extended:            rec.Flags&cborExtended != 0,
		RTR:                 rec.Flags&cborRemote != 0,
		ErrorFrame:          rec.Flags&cborError != 0,
		FD:                  rec.Flags&cborFD != 0,
		BitrateSwitch:       rec.Flags&cborBRS != 0,
		ErrorStateIndicator: rec.Flags&cborESI != 0,
		DLC:                 rec.DLC,
		Data:                rec.Data,
		Channel:             rec.Channel,
	}
	if rec.Flags&cborOutgoing != 0 {
		f.Direction = canbus.Outgoing
	}
	if err := f.Validate(); err != nil {
		return nil, &DecodeError{Format: "cbor", Line: r.n, Kind: KindMalformed, Err: err}
	}
	return f, nil
}

func (r *CBORReader) Close() error {
	return nil
}

type CBORWriter struct {
	enc    *cbor.Encoder
	closed bool
}

func NewCBORWriter(w io.Writer) (*CBORWriter, error) {
	if _, err := w.Write(cborMagic); err != nil {
		return nil, err
	}
	enc := cbor.NewEncoder(w)
	if err := enc.Encode(cborHeader{Format: "canbus-trace", Version: cborVersion}); err != nil {
		return nil, err
	}
	return &CBORWriter{enc: enc}, nil
}

func (w *CBORWriter) Write(f *canbus.Frame) error {
	if w.closed {
		return ErrWriterClosed
	}
	if err := f.Validate(); err != nil {
		return err
	}
	rec := cborRecord{
		Timestamp: f.Timestamp,
		ID:        f.Identifier,
		DLC:       f.DLC,
		Data:      f.Data,
		Channel:   f.Channel,
	}
	for _, b := range []struct {
		set  bool
		flag uint8
	}{
		{f.Extended, cborExtended},
		{f.RTR, cborRemote},
		{f.ErrorFrame, cborError},
		{f.FD, cborFD},
		{f.BitrateSwitch, cborBRS},
		{f.ErrorStateIndicator, cborESI},
		{f.Direction == canbus.Outgoing, cborOutgoing},
	} {
		if b.set {
			rec.Flags |= b.flag
		}
	}
	return w.enc.Encode(rec)
}

func (w *CBORWriter) Close() error {
	w.closed = true
	return nil
}
