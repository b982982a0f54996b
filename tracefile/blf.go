package tracefile

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"time"

	"github.com/klauspost/compress/zlib"

	"github.com/roffe/canbus"
)

func init() {
	if err := Register(&Format{
		Name:       "blf",
		Extensions: []string{".blf"},
		Magic:      []byte("LOGG"),
		NewReader: func(r io.Reader) (Reader, error) {
			return NewBLFReader(r)
		},
		NewWriter: func(w io.Writer) (Writer, error) {
			return NewBLFWriter(w, zlib.DefaultCompression)
		},
	}); err != nil {
		panic(err)
	}
}

const (
	blfFileHeaderSize = 144
	blfContainerSize  = 128 * 1024
	blfMaxObjSize     = 16 * blfContainerSize

	// timestamps before 1990 are stored as an empty SYSTEMTIME
	blfMinTimestamp = 631152000

	blfCANMessage      = 1
	blfLogContainer    = 10
	blfCANErrorExt     = 73
	blfCANMessage2     = 86
	blfCANFDMessage    = 100
	blfCANFDMessage64  = 101
	blfNoCompression   = 0
	blfZlibDeflate     = 2
	blfTimeTenMics     = 1
	blfTimeOneNans     = 2
	blfCANMsgExt       = 0x80000000
	blfRemoteFlag      = 0x80
	blfDirFlag         = 0x1
	blfFDEDL           = 0x1
	blfFDBRS           = 0x2
	blfFDESI           = 0x4
	blfFD64Remote      = 0x0010
	blfFD64EDL         = 0x1000
	blfFD64BRS         = 0x2000
	blfFD64ESI         = 0x4000
	blfObjHeaderV1Size = 32
)

var (
	blfFileMagic = [4]byte{'L', 'O', 'G', 'G'}
	blfObjMagic  = [4]byte{'L', 'O', 'B', 'J'}
)

type systemTime struct {
	Year, Month, DayOfWeek, Day, Hour, Minute, Second, Millisecond uint16
}

type blfFileHeader struct {
	Signature        [4]byte
	HeaderSize       uint32
	AppID            uint8
	AppMajor         uint8
	AppMinor         uint8
	AppBuild         uint8
	BinLogMajor      uint8
	BinLogMinor      uint8
	BinLogBuild      uint8
	BinLogPatch      uint8
	FileSize         uint64
	UncompressedSize uint64
	ObjectCount      uint32
	ObjectsRead      uint32
	Start            systemTime
	Stop             systemTime
}

type blfObjHeader struct {
	Signature     [4]byte
	HeaderSize    uint16
	HeaderVersion uint16
	ObjSize       uint32
	ObjType       uint32
}

type blfObjHeaderV1 struct {
	Flags         uint32
	ClientIndex   uint16
	ObjectVersion uint16
	Timestamp     uint64
}

type blfObjHeaderV2 struct {
	Flags           uint32
	TimestampStatus uint8
	_               uint8
	ObjectVersion   uint16
	Timestamp       uint64
	_               [8]byte
}

type blfLogContainerHeader struct {
	Method           uint16
	_                [6]byte
	UncompressedSize uint32
	_                [4]byte
}

type blfCANMsg struct {
	Channel uint16
	Flags   uint8
	DLC     uint8
	ID      uint32
	Data    [8]byte
}

type blfCANFDMsg struct {
	Channel     uint16
	Flags       uint8
	DLC         uint8
	ID          uint32
	FrameLength uint32
	BitCount    uint8
	FDFlags     uint8
	ValidBytes  uint8
	_           [5]byte
	Data        [64]byte
}

type blfCANFDMsg64 struct {
	Channel       uint8
	DLC           uint8
	ValidBytes    uint8
	TxCount       uint8
	ID            uint32
	FrameLength   uint32
	Flags         uint32
	BtrCfgArb     uint32
	BtrCfgData    uint32
	TimeOffsetBrs uint32
	TimeOffsetCrc uint32
	BitCount      uint16
	Dir           uint8
	ExtDataOffset uint8
	CRC           uint32
}

type blfCANErrorExtMsg struct {
	Channel     uint16
	Length      uint16
	Flags       uint32
	ECC         uint8
	Position    uint8
	DLC         uint8
	_           uint8
	FrameLength uint32
	ID          uint32
	FlagsExt    uint16
	_           [2]byte
	Data        [8]byte
}

var (
	blfFileHeaderLen   = binary.Size(blfFileHeader{})
	blfObjHeaderLen    = binary.Size(blfObjHeader{})
	blfLogContainerLen = binary.Size(blfLogContainerHeader{})
	blfCANFDMsg64Len   = binary.Size(blfCANFDMsg64{})
)

func toSystemTime(ts float64) systemTime {
	if ts < blfMinTimestamp {
		return systemTime{}
	}
	t := time.UnixMilli(int64(math.Round(ts * 1000))).Local()
	return systemTime{
		Year:        uint16(t.Year()),
		Month:       uint16(t.Month()),
		DayOfWeek:   uint16(t.Weekday()),
		Day:         uint16(t.Day()),
		Hour:        uint16(t.Hour()),
		Minute:      uint16(t.Minute()),
		Second:      uint16(t.Second()),
		Millisecond: uint16(t.Nanosecond() / int(time.Millisecond)),
	}
}

func (st systemTime) timestamp() float64 {
	if st.Year == 0 || st.Month == 0 || st.Day == 0 {
		return 0
	}
	t := time.Date(int(st.Year), time.Month(st.Month), int(st.Day), int(st.Hour), int(st.Minute), int(st.Second), int(st.Millisecond)*int(time.Millisecond), time.Local)
	return float64(t.UnixMilli()) / 1000
}

// BLFReader reads Vector binary logging files.
type BLFReader struct {
	r       io.Reader
	start   float64
	offset  int64
	pending []byte
	pos     int
	failed  bool
}

func NewBLFReader(r io.Reader) (*BLFReader, error) {
	var hdr blfFileHeader
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return nil, &DecodeError{Format: "blf", Kind: KindTruncated, Err: err}
	}
	if hdr.Signature != blfFileMagic {
		return nil, &DecodeError{Format: "blf", Kind: KindBadMagic, Err: fmt.Errorf("signature %q", hdr.Signature[:])}
	}
	if int(hdr.HeaderSize) < blfFileHeaderLen {
		return nil, &DecodeError{Format: "blf", Kind: KindMalformed, Err: fmt.Errorf("header size %d", hdr.HeaderSize)}
	}
	if _, err := io.CopyN(io.Discard, r, int64(hdr.HeaderSize)-int64(blfFileHeaderLen)); err != nil {
		return nil, &DecodeError{Format: "blf", Kind: KindTruncated, Err: err}
	}
	return &BLFReader{
		r:      r,
		start:  hdr.Start.timestamp(),
		offset: int64(hdr.HeaderSize),
	}, nil
}

// StartTimestamp returns the measurement start stored in the file header.
func (r *BLFReader) StartTimestamp() float64 {
	return r.start
}

// Next returns the next CAN object. After a DecodeError the reader is
// exhausted and returns io.EOF.
func (r *BLFReader) Next() (*canbus.Frame, error) {
	if r.failed {
		return nil, io.EOF
	}
	for {
		f, err := r.parse()
		if err != nil {
			r.failed = true
			return nil, err
		}
		if f != nil {
			return f, nil
		}
		if err := r.fill(); err != nil {
			r.failed = true
			return nil, err
		}
	}
}

func (r *BLFReader) Close() error {
	r.failed = true
	r.pending = nil
	return nil
}

func (r *BLFReader) decodeErr(kind DecodeKind, err error) error {
	return &DecodeError{Format: "blf", Offset: r.offset, Kind: kind, Err: err}
}

// fill reads the next top level object and appends the contents of log
// containers to the pending buffer.
func (r *BLFReader) fill() error {
	for {
		var hdr blfObjHeader
		if err := binary.Read(r.r, binary.LittleEndian, &hdr); err != nil {
			if errors.Is(err, io.EOF) {
				return io.EOF
			}
			return r.decodeErr(KindTruncated, err)
		}
		if hdr.Signature != blfObjMagic {
			return r.decodeErr(KindBadMagic, fmt.Errorf("object signature %q", hdr.Signature[:]))
		}
		if int(hdr.ObjSize) < blfObjHeaderLen || hdr.ObjSize > blfMaxObjSize {
			return r.decodeErr(KindMalformed, fmt.Errorf("object size %d", hdr.ObjSize))
		}
		body := make([]byte, int(hdr.ObjSize)-blfObjHeaderLen)
		if _, err := io.ReadFull(r.r, body); err != nil {
			return r.decodeErr(KindTruncated, err)
		}
		// a missing final pad is tolerated
		n, err := io.CopyN(io.Discard, r.r, int64(hdr.ObjSize%4))
		if err != nil && !errors.Is(err, io.EOF) {
			return r.decodeErr(KindTruncated, err)
		}
		r.offset += int64(hdr.ObjSize) + n
		if hdr.ObjType != blfLogContainer {
			continue
		}
		if len(body) < blfLogContainerLen {
			return r.decodeErr(KindTruncated, errors.New("short log container"))
		}
		var c blfLogContainerHeader
		if err := binary.Read(bytes.NewReader(body), binary.LittleEndian, &c); err != nil {
			return r.decodeErr(KindMalformed, err)
		}
		payload := body[blfLogContainerLen:]
		var data []byte
		switch c.Method {
		case blfNoCompression:
			data = payload
		case blfZlibDeflate:
			if c.UncompressedSize > blfMaxObjSize {
				return r.decodeErr(KindMalformed, fmt.Errorf("uncompressed size %d", c.UncompressedSize))
			}
			zr, err := zlib.NewReader(bytes.NewReader(payload))
			if err != nil {
				return r.decodeErr(KindMalformed, err)
			}
			buf := bytes.NewBuffer(make([]byte, 0, c.UncompressedSize))
			_, err = io.Copy(buf, io.LimitReader(zr, blfMaxObjSize))
			zr.Close()
			if err != nil {
				if errors.Is(err, zlib.ErrChecksum) {
					return r.decodeErr(KindChecksum, err)
				}
				return r.decodeErr(KindMalformed, err)
			}
			data = buf.Bytes()
		default:
			// unknown compression, skip the container
			continue
		}
		tail := r.pending[r.pos:]
		r.pending = append(append(make([]byte, 0, len(tail)+len(data)), tail...), data...)
		r.pos = 0
		return nil
	}
}

// parse decodes objects from the pending buffer until a CAN object is found
// or more data is needed, in which case it returns (nil, nil).
func (r *BLFReader) parse() (*canbus.Frame, error) {
	for {
		data := r.pending[r.pos:]
		if len(data) < blfObjHeaderLen {
			return nil, nil
		}
		idx := bytes.Index(data[:min(len(data), 8)], blfObjMagic[:])
		if idx < 0 {
			return nil, r.decodeErr(KindMalformed, errors.New("could not find next object"))
		}
		data = data[idx:]
		if len(data) < blfObjHeaderLen {
			r.pos += idx
			return nil, nil
		}
		var hdr blfObjHeader
		binary.Read(bytes.NewReader(data), binary.LittleEndian, &hdr)
		if int(hdr.ObjSize) < int(hdr.HeaderSize) || int(hdr.HeaderSize) < blfObjHeaderLen {
			return nil, r.decodeErr(KindMalformed, fmt.Errorf("object header size %d, object size %d", hdr.HeaderSize, hdr.ObjSize))
		}
		if int(hdr.ObjSize) > len(data) {
			r.pos += idx
			return nil, nil
		}
		obj := data[:hdr.ObjSize]
		r.pos += idx + int(hdr.ObjSize)

		var flags uint32
		var ts uint64
		rest := obj[blfObjHeaderLen:]
		switch hdr.HeaderVersion {
		case 1:
			var h blfObjHeaderV1
			if err := binary.Read(bytes.NewReader(rest), binary.LittleEndian, &h); err != nil {
				return nil, r.decodeErr(KindTruncated, err)
			}
			flags, ts = h.Flags, h.Timestamp
		case 2:
			var h blfObjHeaderV2
			if err := binary.Read(bytes.NewReader(rest), binary.LittleEndian, &h); err != nil {
				return nil, r.decodeErr(KindTruncated, err)
			}
			flags, ts = h.Flags, h.Timestamp
		default:
			continue
		}
		factor := 1e-9
		if flags == blfTimeTenMics {
			factor = 1e-5
		}
		timestamp := float64(ts)*factor + r.start
		payload := obj[hdr.HeaderSize:]

		f, err := r.decodeObject(hdr, payload)
		if err != nil {
			return nil, err
		}
		if f == nil {
			continue
		}
		f.Timestamp = timestamp
		if err := f.Validate(); err != nil {
			return nil, r.decodeErr(KindMalformed, err)
		}
		return f, nil
	}
}

func (r *BLFReader) decodeObject(hdr blfObjHeader, payload []byte) (*canbus.Frame, error) {
	br := bytes.NewReader(payload)
	switch hdr.ObjType {
	case blfCANMessage, blfCANMessage2:
		var m blfCANMsg
		if err := binary.Read(br, binary.LittleEndian, &m); err != nil {
			return nil, r.decodeErr(KindTruncated, err)
		}
		f := &canbus.Frame{
			Identifier: m.ID & canbus.MaxExtendedID,
			Extended:   m.ID&blfCANMsgExt != 0,
			RTR:        m.Flags&blfRemoteFlag != 0,
			DLC:        m.DLC,
			Channel:    strconv.Itoa(int(m.Channel) - 1),
			Direction:  direction(m.Flags&blfDirFlag != 0),
		}
		if !f.RTR {
			f.Data = append([]byte(nil), m.Data[:min(int(m.DLC), 8)]...)
			f.DLC = uint8(len(f.Data))
		}
		return f, nil
	case blfCANErrorExt:
		var m blfCANErrorExtMsg
		if err := binary.Read(br, binary.LittleEndian, &m); err != nil {
			return nil, r.decodeErr(KindTruncated, err)
		}
		n := min(int(m.DLC), 8)
		return &canbus.Frame{
			Identifier: m.ID & canbus.MaxExtendedID,
			Extended:   m.ID&blfCANMsgExt != 0,
			ErrorFrame: true,
			DLC:        uint8(n),
			Data:       bytesOrNil(m.Data[:n]),
			Channel:    strconv.Itoa(int(m.Channel) - 1),
		}, nil
	case blfCANFDMessage:
		var m blfCANFDMsg
		if err := binary.Read(br, binary.LittleEndian, &m); err != nil {
			return nil, r.decodeErr(KindTruncated, err)
		}
		f := &canbus.Frame{
			Identifier: m.ID & canbus.MaxExtendedID,
			Extended:   m.ID&blfCANMsgExt != 0,
			RTR:        m.Flags&blfRemoteFlag != 0,
			Channel:    strconv.Itoa(int(m.Channel) - 1),
			Direction:  direction(m.Flags&blfDirFlag != 0),
		}
		if m.FDFlags&blfFDEDL != 0 {
			f.FD = true
			f.RTR = false
			f.BitrateSwitch = m.FDFlags&blfFDBRS != 0
			f.ErrorStateIndicator = m.FDFlags&blfFDESI != 0
		}
		if f.RTR {
			f.DLC = uint8(classicLen(m.DLC))
			return f, nil
		}
		n := min(int(m.ValidBytes), 64)
		f.Data = bytesOrNil(m.Data[:n])
		f.DLC = uint8(n)
		return f, nil
	case blfCANFDMessage64:
		var m blfCANFDMsg64
		if err := binary.Read(br, binary.LittleEndian, &m); err != nil {
			return nil, r.decodeErr(KindTruncated, err)
		}
		end := int(hdr.ObjSize)
		if m.ExtDataOffset != 0 {
			end = int(m.ExtDataOffset)
		}
		data := payload[blfCANFDMsg64Len:]
		if avail := max(end-int(hdr.HeaderSize)-blfCANFDMsg64Len, 0); avail < len(data) {
			data = data[:avail]
		}
		// missing payload bytes read as zero
		n := min(int(m.ValidBytes), 64)
		if n > len(data) {
			data = append(append(make([]byte, 0, n), data...), make([]byte, n-len(data))...)
		}
		f := &canbus.Frame{
			Identifier: m.ID & canbus.MaxExtendedID,
			Extended:   m.ID&blfCANMsgExt != 0,
			RTR:        m.Flags&blfFD64Remote != 0,
			Channel:    strconv.Itoa(int(m.Channel) - 1),
			Direction:  direction(m.Dir != 0),
		}
		if m.Flags&blfFD64EDL != 0 {
			f.FD = true
			f.RTR = false
			f.BitrateSwitch = m.Flags&blfFD64BRS != 0
			f.ErrorStateIndicator = m.Flags&blfFD64ESI != 0
		}
		if f.RTR {
			f.DLC = uint8(classicLen(m.DLC))
			return f, nil
		}
		f.Data = bytesOrNil(data[:n])
		f.DLC = uint8(n)
		return f, nil
	}
	return nil, nil
}

// classicLen clamps a DLC code to the classic 8 byte maximum.
func classicLen(code uint8) int {
	return min(int(code), canbus.MaxClassicLen)
}

func direction(tx bool) canbus.Direction {
	if tx {
		return canbus.Outgoing
	}
	return canbus.Incoming
}

func bytesOrNil(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return append([]byte(nil), b...)
}

// BLFWriter writes Vector binary logging files. Objects are collected into
// log containers of 128 KiB, zlib compressed unless the level is
// zlib.NoCompression. The file header is rewritten on Close, which needs a
// seekable sink.
type BLFWriter struct {
	w       io.WriteSeeker
	level   int
	channel int

	buf          bytes.Buffer
	start, stop  float64
	started      bool
	count        uint32
	uncompressed uint64
	closed       bool
	err          error
}

func NewBLFWriter(w io.Writer, level int) (*BLFWriter, error) {
	ws, ok := w.(io.WriteSeeker)
	if !ok {
		return nil, ErrNotSeekable
	}
	bw := &BLFWriter{
		w:            ws,
		level:        level,
		channel:      1,
		uncompressed: blfFileHeaderSize,
	}
	if err := bw.writeHeader(0); err != nil {
		return nil, err
	}
	return bw, nil
}

func (w *BLFWriter) writeHeader(fileSize uint64) error {
	hdr := blfFileHeader{
		Signature:        blfFileMagic,
		HeaderSize:       blfFileHeaderSize,
		AppID:            5,
		BinLogMajor:      2,
		BinLogMinor:      6,
		BinLogBuild:      8,
		BinLogPatch:      1,
		FileSize:         fileSize,
		UncompressedSize: w.uncompressed,
		ObjectCount:      w.count,
	}
	if w.started {
		hdr.Start = toSystemTime(w.start)
		hdr.Stop = toSystemTime(w.stop)
	}
	var b bytes.Buffer
	binary.Write(&b, binary.LittleEndian, &hdr)
	b.Write(make([]byte, blfFileHeaderSize-b.Len()))
	_, err := w.w.Write(b.Bytes())
	return err
}

func (w *BLFWriter) Write(f *canbus.Frame) error {
	if w.closed {
		return ErrWriterClosed
	}
	if w.err != nil {
		return w.err
	}
	if err := f.Validate(); err != nil {
		return err
	}
	ch := w.channel
	if n, ok := channelIndex(f.Channel); ok {
		ch = n + 1
	}
	id := f.Identifier
	if f.Extended {
		id |= blfCANMsgExt
	}
	var flags uint8
	if f.RTR {
		flags |= blfRemoteFlag
	}
	if f.Direction == canbus.Outgoing {
		flags |= blfDirFlag
	}
	var body bytes.Buffer
	var objType uint32
	switch {
	case f.ErrorFrame:
		m := blfCANErrorExtMsg{Channel: uint16(ch), DLC: f.DLC, ID: id}
		copy(m.Data[:], f.Data)
		binary.Write(&body, binary.LittleEndian, &m)
		objType = blfCANErrorExt
	case f.FD:
		fdFlags := uint8(blfFDEDL)
		if f.BitrateSwitch {
			fdFlags |= blfFDBRS
		}
		if f.ErrorStateIndicator {
			fdFlags |= blfFDESI
		}
		m := blfCANFDMsg{
			Channel:    uint16(ch),
			Flags:      flags,
			DLC:        canbus.LenToDLC(len(f.Data)),
			ID:         id,
			FDFlags:    fdFlags,
			ValidBytes: uint8(len(f.Data)),
		}
		copy(m.Data[:], f.Data)
		binary.Write(&body, binary.LittleEndian, &m)
		objType = blfCANFDMessage
	default:
		m := blfCANMsg{Channel: uint16(ch), Flags: flags, DLC: f.DLC, ID: id}
		copy(m.Data[:], f.Data)
		binary.Write(&body, binary.LittleEndian, &m)
		objType = blfCANMessage
	}
	return w.addObject(objType, body.Bytes(), f.Timestamp)
}

func (w *BLFWriter) addObject(objType uint32, data []byte, ts float64) error {
	if !w.started {
		w.started = true
		if ts >= blfMinTimestamp {
			w.start = math.Floor(ts*1000) / 1000
		}
	}
	w.stop = ts
	offset := int64(math.Round((ts - w.start) * 1e9))
	hdr := blfObjHeader{
		Signature:     blfObjMagic,
		HeaderSize:    blfObjHeaderV1Size,
		HeaderVersion: 1,
		ObjSize:       uint32(blfObjHeaderV1Size + len(data)),
		ObjType:       objType,
	}
	binary.Write(&w.buf, binary.LittleEndian, &hdr)
	binary.Write(&w.buf, binary.LittleEndian, &blfObjHeaderV1{Flags: blfTimeOneNans, Timestamp: uint64(max(offset, 0))})
	w.buf.Write(data)
	w.buf.Write(make([]byte, len(data)&3))
	w.count++
	if w.buf.Len() >= blfContainerSize {
		return w.flush()
	}
	return nil
}

// flush writes full containers from the buffer, and the remainder when
// the buffer is smaller than a container.
func (w *BLFWriter) flush() error {
	for w.buf.Len() > 0 {
		chunk := w.buf.Next(min(w.buf.Len(), blfContainerSize))
		if err := w.writeContainer(chunk); err != nil {
			w.err = err
			return err
		}
	}
	return nil
}

func (w *BLFWriter) writeContainer(raw []byte) error {
	method := uint16(blfZlibDeflate)
	payload := raw
	if w.level == zlib.NoCompression {
		method = blfNoCompression
	} else {
		var z bytes.Buffer
		zw, err := zlib.NewWriterLevel(&z, w.level)
		if err != nil {
			return err
		}
		if _, err := zw.Write(raw); err != nil {
			return err
		}
		if err := zw.Close(); err != nil {
			return err
		}
		payload = z.Bytes()
	}
	objSize := blfObjHeaderLen + blfLogContainerLen + len(payload)
	var b bytes.Buffer
	binary.Write(&b, binary.LittleEndian, &blfObjHeader{
		Signature:     blfObjMagic,
		HeaderSize:    uint16(blfObjHeaderLen),
		HeaderVersion: 1,
		ObjSize:       uint32(objSize),
		ObjType:       blfLogContainer,
	})
	binary.Write(&b, binary.LittleEndian, &blfLogContainerHeader{Method: method, UncompressedSize: uint32(len(raw))})
	b.Write(payload)
	b.Write(make([]byte, objSize%4))
	if _, err := w.w.Write(b.Bytes()); err != nil {
		return err
	}
	w.uncompressed += uint64(blfObjHeaderLen + blfLogContainerLen + len(raw))
	return nil
}

// Close flushes pending objects and rewrites the file header with the
// final counts, sizes and measurement times.
func (w *BLFWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	var errs []error
	if w.err == nil {
		errs = append(errs, w.flush())
	}
	end, err := w.w.Seek(0, io.SeekCurrent)
	if err != nil {
		return errors.Join(append(errs, err)...)
	}
	if _, err := w.w.Seek(0, io.SeekStart); err != nil {
		return errors.Join(append(errs, err)...)
	}
	errs = append(errs, w.writeHeader(uint64(end)))
	_, err = w.w.Seek(end, io.SeekStart)
	errs = append(errs, err)
	return errors.Join(errs...)
}
