package tracefile

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roffe/canbus"
)

const baseTS = 1700000000.0

func sampleFrames() []*canbus.Frame {
	fd12 := []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11}
	fd64 := make([]byte, 64)
	for i := range fd64 {
		fd64[i] = byte(i * 3)
	}
	return []*canbus.Frame{
		canbus.MustFrame(0x123, []byte{1, 2, 3}, canbus.OptTimestamp(baseTS+0.0001), canbus.OptChannel("0")),
		canbus.MustFrame(0x7FF, []byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88}, canbus.OptTimestamp(baseTS+0.010), canbus.OptChannel("0"), canbus.OptDirection(canbus.Outgoing)),
		canbus.MustFrame(0x1ABCDEF0, []byte{0xDE, 0xAD}, canbus.OptExtended, canbus.OptTimestamp(baseTS+0.020500), canbus.OptChannel("1")),
		canbus.MustFrame(0x100, nil, canbus.OptRemote(4), canbus.OptTimestamp(baseTS+0.030), canbus.OptChannel("0")),
		canbus.MustFrame(0, nil, canbus.OptErrorFrame, canbus.OptTimestamp(baseTS+0.040), canbus.OptChannel("0")),
		canbus.MustFrame(0x321, fd12, canbus.OptFD(true, false), canbus.OptTimestamp(baseTS+0.050), canbus.OptChannel("0")),
		canbus.MustFrame(0x18DAF110, fd64, canbus.OptExtended, canbus.OptFD(false, true), canbus.OptTimestamp(baseTS+1.5), canbus.OptChannel("0")),
	}
}

func readAll(t *testing.T, r Reader) []*canbus.Frame {
	t.Helper()
	var out []*canbus.Frame
	for f, err := range All(r) {
		require.NoError(t, err)
		out = append(out, f)
	}
	return out
}

func assertFrames(t *testing.T, want, got []*canbus.Frame, delta float64, normalize func(*canbus.Frame)) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		w := want[i].Clone()
		if normalize != nil {
			normalize(w)
		}
		assert.Truef(t, w.Equal(got[i]), "frame %d: want %s got %s", i, w, got[i])
		assert.InDeltaf(t, w.Timestamp, got[i].Timestamp, delta, "frame %d timestamp", i)
	}
}

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name      string
		file      string
		delta     float64
		normalize func(*canbus.Frame)
	}{
		{name: "blf", file: "trace.blf", delta: 1e-6},
		{name: "asc", file: "trace.asc", delta: 2e-6},
		{name: "candump", file: "trace.log", delta: 2e-6, normalize: func(f *canbus.Frame) {
			f.Direction = canbus.Incoming
		}},
		{name: "candump gzip", file: "trace.log.gz", delta: 2e-6, normalize: func(f *canbus.Frame) {
			f.Direction = canbus.Incoming
		}},
		{name: "cbor", file: "trace.cbor", delta: 0},
		{name: "csv", file: "trace.csv", delta: 0, normalize: func(f *canbus.Frame) {
			f.Channel = ""
			f.Direction = canbus.Incoming
			f.BitrateSwitch = false
			f.ErrorStateIndicator = false
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), tt.file)
			frames := sampleFrames()
			err := WithWriter(path, func(w Writer) error {
				for _, f := range frames {
					if err := w.Write(f); err != nil {
						return err
					}
				}
				return nil
			})
			require.NoError(t, err)

			r, err := Open(path)
			require.NoError(t, err)
			defer r.Close()
			assertFrames(t, frames, readAll(t, r), tt.delta, tt.normalize)
		})
	}
}

func TestRoundTripMaxStandardID(t *testing.T) {
	for _, format := range []string{"blf", "asc", "csv", "candump", "cbor"} {
		t.Run(format, func(t *testing.T) {
			f := canbus.MustFrame(0x7FF, []byte{1, 2, 3, 4, 5, 6, 7, 8}, canbus.OptTimestamp(12.5), canbus.OptChannel("0"))
			path := filepath.Join(t.TempDir(), "trace")
			require.NoError(t, WithWriter(path, func(w Writer) error {
				return w.Write(f)
			}, WithFormat(format)))

			r, err := Open(path, WithFormat(format))
			require.NoError(t, err)
			defer r.Close()
			got, err := r.Next()
			require.NoError(t, err)
			assert.Equal(t, uint32(0x7FF), got.Identifier)
			assert.False(t, got.Extended)
			assert.Equal(t, uint8(8), got.DLC)
			assert.Equal(t, f.Data, got.Data)
			assert.InDelta(t, 12.5, got.Timestamp, 1e-6)
			_, err = r.Next()
			assert.ErrorIs(t, err, io.EOF)
		})
	}
}

func TestWriterRejectsInvalidFrame(t *testing.T) {
	var buf bytes.Buffer
	w := NewCandumpWriter(&buf, "")
	err := w.Write(&canbus.Frame{Identifier: 0x800, DLC: 0})
	var ve *canbus.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, canbus.ReasonIDOutOfRange, ve.Reason)
	require.NoError(t, w.Close())
	assert.Empty(t, buf.String())
	assert.ErrorIs(t, w.Write(sampleFrames()[0]), ErrWriterClosed)
}

func TestOpenDetectsMagic(t *testing.T) {
	for _, format := range []string{"blf", "cbor"} {
		t.Run(format, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "capture.bin")
			require.NoError(t, WithWriter(path, func(w Writer) error {
				return w.Write(sampleFrames()[0])
			}, WithFormat(format)))

			r, err := Open(path)
			require.NoError(t, err)
			defer r.Close()
			assert.Len(t, readAll(t, r), 1)
		})
	}
}

func TestOpenDetectsGzipByContent(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte("(1.000000) can0 123#0102\n"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	path := filepath.Join(dir, "plain.log")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()
	frames := readAll(t, r)
	require.Len(t, frames, 1)
	assert.Equal(t, "can0", frames[0].Channel)
	assert.Equal(t, []byte{1, 2}, frames[0].Data)
}

func TestUnknownFormat(t *testing.T) {
	_, err := Create(filepath.Join(t.TempDir(), "trace.xyz"))
	assert.ErrorIs(t, err, ErrUnknownFormat)
	_, err = Lookup("nope")
	assert.ErrorIs(t, err, ErrUnknownFormat)
}

func TestFormatsRegistered(t *testing.T) {
	var names []string
	for _, f := range Formats() {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"asc", "blf", "candump", "cbor", "csv"}, names)
	assert.ErrorIs(t, Register(&Format{Name: "BLF"}), canbus.ErrAlreadyRegistered)
	f, err := ForPath("/tmp/x.BLF.gz")
	require.NoError(t, err)
	assert.Equal(t, "blf", f.Name)
}

func TestBLFManyContainers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.blf")
	const n = 20000
	require.NoError(t, WithWriter(path, func(w Writer) error {
		for i := range n {
			f := canbus.MustFrame(uint32(i%0x800), []byte{byte(i), byte(i >> 8), 3, 4, 5, 6, 7, 8}, canbus.OptTimestamp(baseTS+float64(i)*0.001), canbus.OptChannel("0"))
			if err := w.Write(f); err != nil {
				return err
			}
		}
		return nil
	}))

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()
	frames := readAll(t, r)
	require.Len(t, frames, n)
	for i, f := range frames {
		require.Equal(t, uint32(i%0x800), f.Identifier)
		require.Equal(t, byte(i), f.Data[0])
	}

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var hdr blfFileHeader
	require.NoError(t, binary.Read(bytes.NewReader(raw), binary.LittleEndian, &hdr))
	assert.Equal(t, uint32(n), hdr.ObjectCount)
	assert.Equal(t, uint64(len(raw)), hdr.FileSize)
	assert.NotZero(t, hdr.Start.Year)
}

func TestBLFStoredContainers(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "stored.blf"))
	require.NoError(t, err)
	defer f.Close()
	w, err := NewBLFWriter(f, 0)
	require.NoError(t, err)
	for _, fr := range sampleFrames() {
		require.NoError(t, w.Write(fr))
	}
	require.NoError(t, w.Close())

	_, err = f.Seek(0, io.SeekStart)
	require.NoError(t, err)
	r, err := NewBLFReader(f)
	require.NoError(t, err)
	assertFrames(t, sampleFrames(), readAll(t, r), 1e-6, nil)
}

func TestBLFNeedsSeekableSink(t *testing.T) {
	_, err := NewBLFWriter(&bytes.Buffer{}, -1)
	assert.ErrorIs(t, err, ErrNotSeekable)
}

func TestBLFBadMagic(t *testing.T) {
	_, err := NewBLFReader(bytes.NewReader(make([]byte, 200)))
	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, KindBadMagic, de.Kind)
}

func TestBLFTruncatedHeader(t *testing.T) {
	_, err := NewBLFReader(strings.NewReader("LOGG"))
	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, KindTruncated, de.Kind)
}

func TestBLFChecksum(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.blf")
	require.NoError(t, WithWriter(path, func(w Writer) error {
		return w.Write(sampleFrames()[0])
	}))
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	objSize := binary.LittleEndian.Uint32(raw[blfFileHeaderSize+8:])
	// last byte of the zlib stream belongs to the adler32 trailer
	raw[blfFileHeaderSize+int(objSize)-1] ^= 0xFF
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()
	_, err = r.Next()
	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, KindChecksum, de.Kind)
	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

// blfFile builds a file header followed by the given objects.
func blfFile(t *testing.T, objs ...[]byte) []byte {
	t.Helper()
	var b bytes.Buffer
	require.NoError(t, binary.Write(&b, binary.LittleEndian, &blfFileHeader{Signature: blfFileMagic, HeaderSize: blfFileHeaderSize}))
	b.Write(make([]byte, blfFileHeaderSize-b.Len()))
	for _, o := range objs {
		b.Write(o)
	}
	return b.Bytes()
}

func blfObject(t *testing.T, objType uint32, objSize int, body ...any) []byte {
	t.Helper()
	var b bytes.Buffer
	hdr := blfObjHeader{Signature: blfObjMagic, HeaderSize: uint16(blfObjHeaderLen), HeaderVersion: 1, ObjSize: uint32(objSize), ObjType: objType}
	require.NoError(t, binary.Write(&b, binary.LittleEndian, &hdr))
	for _, v := range body {
		require.NoError(t, binary.Write(&b, binary.LittleEndian, v))
	}
	return b.Bytes()
}

func TestBLFOversizedObject(t *testing.T) {
	raw := blfFile(t, blfObject(t, blfLogContainer, 0xFFFFFFF0))
	r, err := NewBLFReader(bytes.NewReader(raw))
	require.NoError(t, err)
	_, err = r.Next()
	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, KindMalformed, de.Kind)
	assert.Equal(t, int64(blfFileHeaderSize), de.Offset)
}

func TestBLFOversizedContainer(t *testing.T) {
	c := blfLogContainerHeader{Method: blfZlibDeflate, UncompressedSize: 0xFFFFFFF0}
	raw := blfFile(t, blfObject(t, blfLogContainer, blfObjHeaderLen+blfLogContainerLen, &c))
	r, err := NewBLFReader(bytes.NewReader(raw))
	require.NoError(t, err)
	_, err = r.Next()
	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, KindMalformed, de.Kind)
}

func TestBLFFD64ShortPayloadIsZeroPadded(t *testing.T) {
	hdrV1 := blfObjHeaderV1{Flags: blfTimeOneNans, Timestamp: 2_000_000}
	msg := blfCANFDMsg64{Channel: 2, DLC: 15, ValidBytes: 64, ID: 0x123, Flags: blfFD64EDL | blfFD64BRS}
	payload := []byte{1, 2, 3, 4}
	hdrLen := blfObjHeaderLen + binary.Size(hdrV1)
	objSize := hdrLen + blfCANFDMsg64Len + len(payload)
	obj := blfObject(t, blfCANFDMessage64, objSize, &hdrV1, &msg, payload)
	binary.LittleEndian.PutUint16(obj[4:], uint16(hdrLen))

	c := blfLogContainerHeader{Method: blfNoCompression, UncompressedSize: uint32(len(obj))}
	container := blfObject(t, blfLogContainer, blfObjHeaderLen+blfLogContainerLen+len(obj), &c, obj)
	container = append(container, make([]byte, len(container)%4)...)

	r, err := NewBLFReader(bytes.NewReader(blfFile(t, container)))
	require.NoError(t, err)
	f, err := r.Next()
	require.NoError(t, err)
	assert.True(t, f.FD)
	assert.True(t, f.BitrateSwitch)
	assert.Equal(t, "1", f.Channel)
	assert.Equal(t, uint8(64), f.DLC)
	require.Len(t, f.Data, 64)
	assert.Equal(t, payload, f.Data[:4])
	assert.Equal(t, make([]byte, 60), f.Data[4:])
	assert.InDelta(t, 0.002, f.Timestamp, 1e-9)
}

func TestASCRejectsLengthMismatch(t *testing.T) {
	input := strings.Join([]string{
		"date Fri Nov 14 22:13:20.000 2023",
		"base hex  timestamps absolute",
		"   0.100000 1  123             Rx   d 8 01 02 03",
		"   0.200000 1  124             Rx   d 2 01 02 03",
		"   0.300000 1  125             Rx   d 2 0A 0B",
		"",
	}, "\n")
	r := NewASCReader(strings.NewReader(input))
	for i := 0; i < 2; i++ {
		_, err := r.Next()
		var de *DecodeError
		require.ErrorAs(t, err, &de)
		assert.Equal(t, 3+i, de.Line)
	}
	f, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, uint32(0x125), f.Identifier)
	assert.Equal(t, []byte{0x0A, 0x0B}, f.Data)
	assert.Equal(t, "0", f.Channel)
}

func TestASCFDTrailingFields(t *testing.T) {
	for _, tc := range []struct {
		line string
		ok   bool
	}{
		{line: "0.001000 CANFD 1 Rx 123 1 0 2 2 01 02", ok: true},
		{line: "0.001000 CANFD 1 Rx 123 1 0 2 2 01 02 0 0 1000 0 0 0 0 0", ok: true},
		{line: "0.001000 CANFD 1 Rx 123 1 0 2 2 01 02 03 04"},
		{line: "0.001000 CANFD 1 Rx 123 1 0 2 2 01 02 03 0 0 1000 0 0 0 0 0"},
	} {
		f, err := NewASCReader(strings.NewReader(tc.line + "\n")).Next()
		if !tc.ok {
			assert.True(t, IsDecodeError(err), tc.line)
			continue
		}
		require.NoError(t, err, tc.line)
		assert.Equal(t, []byte{1, 2}, f.Data)
		assert.True(t, f.FD)
		assert.True(t, f.BitrateSwitch)
	}
}

func TestTextDecodeErrorOffsets(t *testing.T) {
	ascHead := "date Fri Nov 14 22:13:20.000 2023\nbase hex  timestamps absolute\n"
	csvRow := "timestamp,arbitration_id,extended,remote,error,dlc,data\n1.5,0x123,0,0,0,1,AQ==\n"
	for _, tc := range []struct {
		name   string
		format string
		input  string
		line   int
		offset int64
	}{
		{name: "asc", format: "asc", input: ascHead + "   0.100000 1  123 Rx d 8 01 02 03\n", line: 3, offset: int64(len(ascHead))},
		{name: "candump first line", format: "candump", input: "(1.0) can0 12G#01\n", line: 1, offset: 0},
		{name: "candump crlf", format: "candump", input: "(1.0) can0 123#01\r\n(2.0) can0 12G#01\n", line: 2, offset: 19},
		{name: "csv", format: "csv", input: csvRow + "2.5,0x124,0,0,0,1,!!\n", line: 3, offset: int64(len(csvRow))},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f, err := Lookup(tc.format)
			require.NoError(t, err)
			r, err := f.NewReader(strings.NewReader(tc.input))
			require.NoError(t, err)
			if tc.format == "csv" {
				_, err = r.Next()
				require.NoError(t, err)
			}
			_, err = r.Next()
			var de *DecodeError
			require.ErrorAs(t, err, &de)
			assert.Equal(t, tc.line, de.Line)
			assert.Equal(t, tc.offset, de.Offset)
		})
	}
}

func TestASCDecimalBase(t *testing.T) {
	input := "base dec  timestamps relative\n 1.000000 2  291 Tx d 2 10 255\n"
	r := NewASCReader(strings.NewReader(input))
	f, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, uint32(291), f.Identifier)
	assert.Equal(t, []byte{10, 255}, f.Data)
	assert.Equal(t, canbus.Outgoing, f.Direction)
	assert.Equal(t, "1", f.Channel)
	assert.InDelta(t, 1.0, f.Timestamp, 1e-9)
}

func TestCandumpOddHex(t *testing.T) {
	r := NewCandumpReader(strings.NewReader("(1.0) can0 123#012\n(2.0) can0 124#01\n"))
	_, err := r.Next()
	assert.True(t, IsDecodeError(err))
	f, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, uint32(0x124), f.Identifier)
}

func TestCandumpExtendedByWidth(t *testing.T) {
	r := NewCandumpReader(strings.NewReader("(1.0) can0 00000123#\n(2.0) can0 7FF#R8\n"))
	f, err := r.Next()
	require.NoError(t, err)
	assert.True(t, f.Extended)
	assert.Equal(t, uint32(0x123), f.Identifier)
	f, err = r.Next()
	require.NoError(t, err)
	assert.True(t, f.RTR)
	assert.Equal(t, uint8(8), f.DLC)
}

func TestCSVHeaderAndRow(t *testing.T) {
	var buf bytes.Buffer
	w := NewCSVWriter(&buf)
	require.NoError(t, w.Write(canbus.MustFrame(0x1F, []byte{1, 2, 3}, canbus.OptTimestamp(0.25))))
	require.NoError(t, w.Close())
	assert.Equal(t, "timestamp,arbitration_id,extended,remote,error,dlc,data\n0.25,0x1f,0,0,0,3,AQID\n", buf.String())
}

type sliceReader struct {
	frames []*canbus.Frame
	closed bool
}

func (s *sliceReader) Next() (*canbus.Frame, error) {
	if len(s.frames) == 0 {
		return nil, io.EOF
	}
	f := s.frames[0]
	s.frames = s.frames[1:]
	return f, nil
}

func (s *sliceReader) Close() error {
	s.closed = true
	return nil
}

func at(id uint32, ts float64) *canbus.Frame {
	return canbus.MustFrame(id, nil, canbus.OptTimestamp(ts))
}

func TestMerge(t *testing.T) {
	a := &sliceReader{frames: []*canbus.Frame{at(1, 0.1), at(2, 0.3), at(3, 0.5)}}
	b := &sliceReader{frames: []*canbus.Frame{at(10, 0.2), at(11, 0.3), at(12, 0.9)}}
	m := Merge(a, b)
	var ids []uint32
	for f, err := range All(m) {
		require.NoError(t, err)
		ids = append(ids, f.Identifier)
	}
	assert.Equal(t, []uint32{1, 10, 2, 11, 3, 12}, ids)
	require.NoError(t, m.Close())
	assert.True(t, a.closed)
	assert.True(t, b.closed)
}

type failingReader struct{ err error }

func (f failingReader) Next() (*canbus.Frame, error) { return nil, f.err }
func (f failingReader) Close() error                 { return nil }

func TestMergePropagatesErrors(t *testing.T) {
	boom := errors.New("boom")
	m := Merge(&sliceReader{frames: []*canbus.Frame{at(1, 0.1)}}, failingReader{err: boom})
	_, err := m.Next()
	assert.ErrorIs(t, err, boom)
	f, err := m.Next()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), f.Identifier)
	_, err = m.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestAsListener(t *testing.T) {
	var buf bytes.Buffer
	l := AsListener(NewCandumpWriter(&buf, "can9"))
	require.NoError(t, l.OnFrame(at(0x10, 1)))
	require.NoError(t, l.(io.Closer).Close())
	assert.Equal(t, "(1.000000) can9 010#\n", buf.String())
}

func TestParseCandumpFrame(t *testing.T) {
	f, err := ParseCandumpFrame("123##1AABB")
	require.NoError(t, err)
	assert.True(t, f.FD)
	assert.True(t, f.BitrateSwitch)
	assert.Equal(t, []byte{0xAA, 0xBB}, f.Data)

	_, err = ParseCandumpFrame("123")
	assert.Error(t, err)
	_, err = ParseCandumpFrame("800#00")
	var ve *canbus.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestCBORTruncated(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewCBORWriter(&buf)
	require.NoError(t, err)
	for _, f := range sampleFrames()[:2] {
		require.NoError(t, w.Write(f))
	}
	require.NoError(t, w.Close())
	assert.ErrorIs(t, w.Write(sampleFrames()[0]), ErrWriterClosed)

	r, err := NewCBORReader(bytes.NewReader(buf.Bytes()[:buf.Len()-3]))
	require.NoError(t, err)
	_, err = r.Next()
	require.NoError(t, err)
	_, err = r.Next()
	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, KindTruncated, de.Kind)
	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestCBORBadMagic(t *testing.T) {
	_, err := NewCBORReader(bytes.NewReader([]byte{0xa1, 0x01, 0x02}))
	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, KindBadMagic, de.Kind)
}
