//go:build linux

package socketcan

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime"
	"strings"
	"sync"
	"time"

	"go.einride.tech/can"
	"go.einride.tech/can/pkg/candevice"
	"go.einride.tech/can/pkg/socketcan"
	"golang.org/x/sys/unix"

	"github.com/roffe/canbus"
)

func init() {
	if err := canbus.Register(&canbus.TransportInfo{
		Name:        "socketcan",
		Description: "Linux SocketCAN",
		Capabilities: canbus.TransportCapabilities{
			Timestamps: time.Microsecond,
		},
		New: func(ctx context.Context, cfg *canbus.Config) (canbus.Transport, error) {
			return New(ctx, cfg)
		},
	}); err != nil {
		panic(err)
	}
}

type Transport struct {
	name    string
	device  *candevice.Device
	conn    net.Conn
	tx      *socketcan.Transmitter
	rx      *socketcan.Receiver
	recv    chan *canbus.Frame
	onEvent func(canbus.Event)

	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// New configures the bitrate when one is given, brings the link up and
// dials the raw CAN socket.
func New(ctx context.Context, cfg *canbus.Config) (*Transport, error) {
	if cfg.Channel == "" {
		return nil, canbus.Unrecoverable(errors.New("socketcan: no channel given"))
	}
	if cfg.FD || cfg.DataBitrate > 0 {
		return nil, canbus.Unrecoverable(canbus.ErrFDNotSupported)
	}
	t := &Transport{
		name:   cfg.Channel,
		recv:   make(chan *canbus.Frame, 1024),
		closed: make(chan struct{}),
		onEvent: func(e canbus.Event) {
			if cfg.OnEvent != nil {
				cfg.OnEvent(e)
				return
			}
			canbus.LogEvents(cfg.Logger)(e)
		},
	}
	if cfg.Bitrate > 0 {
		d, err := candevice.New(cfg.Channel)
		if err != nil {
			return nil, canbus.Unrecoverable(err)
		}
		if err := d.SetBitrate(uint32(cfg.Bitrate)); err != nil {
			return nil, fmt.Errorf("set bitrate: %w", err)
		}
		if err := d.SetUp(); err != nil {
			return nil, fmt.Errorf("set up: %w", err)
		}
		t.device = d
	}
	conn, err := socketcan.DialContext(ctx, "can", cfg.Channel)
	if err != nil {
		return nil, err
	}
	t.conn = conn
	t.tx = socketcan.NewTransmitter(conn)
	t.rx = socketcan.NewReceiver(conn)
	go t.recvManager()
	return t, nil
}

func (t *Transport) recvManager() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	for t.rx.Receive() {
		out := &canbus.Frame{Channel: t.name, Timestamp: float64(time.Now().UnixNano()) / 1e9}
		if t.rx.HasErrorFrame() {
			out.ErrorFrame = true
		} else {
			f := t.rx.Frame()
			out.Identifier = f.ID
			out.Extended = f.IsExtended
			out.RTR = f.IsRemote
			out.DLC = f.Length
			if !f.IsRemote {
				out.Data = append([]byte(nil), f.Data[:f.Length]...)
			}
		}
		select {
		case t.recv <- out:
		case <-t.closed:
			return
		default:
			t.onEvent(canbus.Event{Type: canbus.EventTypeWarning, Source: t.name, Details: canbus.ErrDroppedFrame.Error()})
		}
	}
	select {
	case <-t.closed:
	default:
		if err := t.rx.Err(); err != nil {
			t.onEvent(canbus.Event{Type: canbus.EventTypeError, Source: t.name, Details: "receive: " + err.Error(), Err: err})
		}
	}
}

func (t *Transport) Send(ctx context.Context, f *canbus.Frame) error {
	select {
	case <-t.closed:
		return canbus.ErrClosed
	default:
	}
	if f.FD {
		return canbus.ErrFDNotSupported
	}
	if f.ErrorFrame {
		return errors.New("socketcan: cannot transmit error frames")
	}
	frame := can.Frame{
		ID:         f.Identifier,
		Length:     f.DLC,
		IsExtended: f.Extended,
		IsRemote:   f.RTR,
	}
	copy(frame.Data[:], f.Data)
	return sendErr(t.tx.TransmitFrame(ctx, frame))
}

// sendErr marks errors meaning the interface is gone as unrecoverable.
func sendErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, unix.ENETDOWN), errors.Is(err, unix.ENODEV), errors.Is(err, unix.ENXIO), errors.Is(err, net.ErrClosed):
		return canbus.Unrecoverable(err)
	}
	return err
}

func (t *Transport) Recv(ctx context.Context, timeout time.Duration) (*canbus.Frame, error) {
	select {
	case f := <-t.recv:
		return f, nil
	case <-t.closed:
		return nil, canbus.ErrClosed
	default:
	}
	if timeout == 0 {
		return nil, nil
	}
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case f := <-t.recv:
		return f, nil
	case <-expired:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.closed:
		return nil, canbus.ErrClosed
	}
}

func (t *Transport) SupportsFD() bool {
	return false
}

// SetFilters declines; the bus filters in software.
func (t *Transport) SetFilters([]canbus.Filter) bool {
	return false
}

func (t *Transport) Shutdown() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		errs := []error{t.conn.Close()}
		if t.device != nil {
			errs = append(errs, t.device.SetDown())
		}
		t.closeErr = errors.Join(errs...)
	})
	return t.closeErr
}

// FindDevices lists network interfaces that look like CAN links.
func FindDevices() (dev []string) {
	ifaces, _ := net.Interfaces()
	for _, i := range ifaces {
		if strings.Contains(i.Name, "can") {
			dev = append(dev, i.Name)
		}
	}
	return
}
