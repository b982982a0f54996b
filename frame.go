package canbus

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/fatih/color"
)

const (
	MaxStandardID = 0x7FF
	MaxExtendedID = 0x1FFFFFFF

	MaxClassicLen = 8
	MaxFDLen      = 64
)

// Direction tells if a frame was received from or sent to the bus.
type Direction uint8

const (
	Incoming Direction = iota
	Outgoing
)

func (d Direction) String() string {
	if d == Outgoing {
		return "Tx"
	}
	return "Rx"
}

// Frame is one CAN or CAN FD frame. Treat it as a value: once built and
// validated it is never changed by the filter, scheduler or codec layers.
type Frame struct {
	Identifier          uint32
	Extended            bool
	RTR                 bool
	ErrorFrame          bool
	FD                  bool
	BitrateSwitch       bool
	ErrorStateIndicator bool
	// DLC is the declared payload length in bytes. For remote frames it is the
	// requested length while Data stays empty.
	DLC  uint8
	Data []byte
	// Timestamp in seconds, set by the transport on capture. Zero means unset.
	Timestamp float64
	Channel   string
	Direction Direction
}

type FrameOpt func(*Frame)

func OptExtended(f *Frame) {
	f.Extended = true
}

// OptRemote turns the frame into a remote request for dlc bytes.
func OptRemote(dlc uint8) FrameOpt {
	return func(f *Frame) {
		f.RTR = true
		f.DLC = dlc
	}
}

func OptErrorFrame(f *Frame) {
	f.ErrorFrame = true
}

func OptFD(brs, esi bool) FrameOpt {
	return func(f *Frame) {
		f.FD = true
		f.BitrateSwitch = brs
		f.ErrorStateIndicator = esi
	}
}

func OptDLC(dlc uint8) FrameOpt {
	return func(f *Frame) {
		f.DLC = dlc
	}
}

func OptTimestamp(ts float64) FrameOpt {
	return func(f *Frame) {
		f.Timestamp = ts
	}
}

func OptChannel(ch string) FrameOpt {
	return func(f *Frame) {
		f.Channel = ch
	}
}

func OptDirection(d Direction) FrameOpt {
	return func(f *Frame) {
		f.Direction = d
	}
}

// NewFrame creates a new Frame, copies the data slice and validates the result
func NewFrame(identifier uint32, data []byte, opts ...FrameOpt) (*Frame, error) {
	f := &Frame{
		Identifier: identifier,
		DLC:        uint8(min(len(data), 255)),
	}
	if len(data) > 0 {
		f.Data = make([]byte, len(data))
		copy(f.Data, data)
	}
	for _, o := range opts {
		o(f)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// MustFrame is NewFrame that panics on invalid input.
func MustFrame(identifier uint32, data []byte, opts ...FrameOpt) *Frame {
	f, err := NewFrame(identifier, data, opts...)
	if err != nil {
		panic(err)
	}
	return f
}

// Validate checks every frame invariant. It never modifies the frame.
func (f *Frame) Validate() error {
	switch {
	case f.RTR && f.ErrorFrame:
		return &ValidationError{Reason: ReasonFlagConflict, Detail: "remote and error frame"}
	case f.RTR && f.FD:
		return &ValidationError{Reason: ReasonFlagConflict, Detail: "CAN FD has no remote frames"}
	case f.ErrorFrame && f.FD:
		return &ValidationError{Reason: ReasonFlagConflict, Detail: "error frame marked as FD"}
	case !f.FD && (f.BitrateSwitch || f.ErrorStateIndicator):
		return &ValidationError{Reason: ReasonFDFlagsOnClassic}
	}

	maxID := uint32(MaxStandardID)
	if f.Extended {
		maxID = MaxExtendedID
	}
	if f.Identifier > maxID {
		return &ValidationError{
			Reason: ReasonIDOutOfRange,
			Detail: fmt.Sprintf("0x%X > 0x%X", f.Identifier, maxID),
		}
	}

	n := len(f.Data)
	if f.RTR {
		if n > 0 {
			return &ValidationError{Reason: ReasonRemoteWithPayload, Detail: strconv.Itoa(n) + " bytes"}
		}
		if f.DLC > MaxClassicLen {
			return &ValidationError{Reason: ReasonPayloadTooLong, Detail: "requested length " + strconv.Itoa(int(f.DLC))}
		}
		return nil
	}

	if f.FD {
		if n > MaxFDLen {
			return &ValidationError{Reason: ReasonPayloadTooLong, Detail: strconv.Itoa(n) + " bytes"}
		}
		if !ValidFDLength(n) {
			return &ValidationError{Reason: ReasonInvalidFDLength, Detail: strconv.Itoa(n) + " bytes"}
		}
	} else if n > MaxClassicLen {
		return &ValidationError{Reason: ReasonPayloadTooLong, Detail: strconv.Itoa(n) + " bytes"}
	}
	if int(f.DLC) != n {
		return &ValidationError{
			Reason: ReasonDLCMismatch,
			Detail: fmt.Sprintf("dlc %d, %d bytes", f.DLC, n),
		}
	}
	return nil
}

// Len returns the number of payload bytes present.
func (f *Frame) Len() int {
	return len(f.Data)
}

func (f *Frame) IsExtended() bool {
	return f.Extended
}

// Matches reports whether the frame passes the filter set.
func (f *Frame) Matches(filters []Filter) bool {
	return matchAny(filters, f)
}

// Clone returns a deep copy.
func (f *Frame) Clone() *Frame {
	c := *f
	if f.Data != nil {
		c.Data = make([]byte, len(f.Data))
		copy(c.Data, f.Data)
	}
	return &c
}

// Equal compares all fields except the timestamp.
func (f *Frame) Equal(o *Frame) bool {
	if f == nil || o == nil {
		return f == o
	}
	if f.Identifier != o.Identifier ||
		f.Extended != o.Extended ||
		f.RTR != o.RTR ||
		f.ErrorFrame != o.ErrorFrame ||
		f.FD != o.FD ||
		f.BitrateSwitch != o.BitrateSwitch ||
		f.ErrorStateIndicator != o.ErrorStateIndicator ||
		f.DLC != o.DLC ||
		f.Channel != o.Channel ||
		f.Direction != o.Direction ||
		len(f.Data) != len(o.Data) {
		return false
	}
	for i := range f.Data {
		if f.Data[i] != o.Data[i] {
			return false
		}
	}
	return true
}

var fdLengths = [16]int{0, 1, 2, 3, 4, 5, 6, 7, 8, 12, 16, 20, 24, 32, 48, 64}

// DLCToLen converts a 4 bit on-wire DLC code to a byte length.
func DLCToLen(code uint8) int {
	if code > 15 {
		return MaxFDLen
	}
	return fdLengths[code]
}

// LenToDLC returns the smallest DLC code able to carry n bytes.
func LenToDLC(n int) uint8 {
	for code, l := range fdLengths {
		if n <= l {
			return uint8(code)
		}
	}
	return 15
}

// ValidFDLength reports whether n is one of the CAN FD payload sizes.
func ValidFDLength(n int) bool {
	return n >= 0 && n <= MaxFDLen && fdLengths[LenToDLC(n)] == n
}

var (
	yellow = color.New(color.FgHiBlue).SprintfFunc()
	red    = color.New(color.FgRed).SprintfFunc()
	green  = color.New(color.FgGreen).SprintfFunc()
)

func (f *Frame) idString() string {
	if f.Extended {
		return fmt.Sprintf("%08X", f.Identifier)
	}
	return fmt.Sprintf("%03X", f.Identifier)
}

func (f *Frame) flagString() string {
	var out strings.Builder
	flag := func(set bool, c byte) {
		if set {
			out.WriteByte(c)
		} else {
			out.WriteByte('-')
		}
	}
	flag(f.Extended, 'X')
	flag(f.RTR, 'R')
	flag(f.ErrorFrame, 'E')
	flag(f.FD, 'F')
	flag(f.BitrateSwitch, 'B')
	flag(f.ErrorStateIndicator, 'I')
	return out.String()
}

func (f *Frame) hexString() string {
	var hexView strings.Builder
	for i, b := range f.Data {
		hexView.WriteString(fmt.Sprintf("%02X", b))
		if i != len(f.Data)-1 {
			hexView.WriteString(" ")
		}
	}
	return hexView.String()
}

func (f *Frame) prefix() string {
	var out strings.Builder
	if f.Timestamp != 0 {
		out.WriteString(fmt.Sprintf("%17.6f ", f.Timestamp))
	}
	if f.Direction == Outgoing {
		out.WriteString("<o> || ")
	} else {
		out.WriteString("<i> || ")
	}
	if f.Channel != "" {
		out.WriteString(f.Channel + " || ")
	}
	return out.String()
}

func (f *Frame) String() string {
	var out strings.Builder
	out.WriteString(f.prefix())
	out.WriteString(fmt.Sprintf("%8s", f.idString()) + " || ")
	out.WriteString(f.flagString() + " || ")
	out.WriteString(fmt.Sprintf("%2d", f.DLC) + " || ")
	out.WriteString(f.hexString())
	if !f.FD && len(f.Data) > 0 {
		out.WriteString(fmt.Sprintf("%*s", 24-len(f.hexString()), ""))
		out.WriteString("|| ")
		out.WriteString(onlyPrintable(f.Data))
	}
	return out.String()
}

func (f *Frame) ColorString() string {
	var out strings.Builder
	out.WriteString(f.prefix())
	out.WriteString(green("%8s", f.idString()) + " || ")
	out.WriteString(red("%s", f.flagString()) + " || ")
	out.WriteString(fmt.Sprintf("%2d", f.DLC) + " || ")
	out.WriteString(f.hexString())
	if !f.FD && len(f.Data) > 0 {
		out.WriteString(fmt.Sprintf("%*s", 24-len(f.hexString()), ""))
		out.WriteString("|| ")
		out.WriteString(yellow("%s", onlyPrintable(f.Data)))
	}
	return out.String()
}

func onlyPrintable(data []byte) string {
	var out strings.Builder
	for _, b := range data {
		if b < 32 || b > 126 {
			out.WriteString("·")
		} else {
			out.WriteByte(b)
		}
	}
	return out.String()
}
