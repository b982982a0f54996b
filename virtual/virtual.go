// Package virtual is an in-process transport. Every endpoint opened on the
// same channel name sees the frames sent by the others, which makes it the
// reference transport for tests and for tools running without hardware.
package virtual

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roffe/canbus"
)

const DefaultQueueSize = 1024

func init() {
	if err := canbus.Register(&canbus.TransportInfo{
		Name:        "virtual",
		Description: "in-process virtual bus",
		Capabilities: canbus.TransportCapabilities{
			FD:             true,
			HardwareFilter: true,
			Timestamps:     time.Microsecond,
		},
		New: newFromConfig,
	}); err != nil {
		panic(err)
	}
}

func newFromConfig(_ context.Context, cfg *canbus.Config) (canbus.Transport, error) {
	opts := []Option{WithReceiveOwn(cfg.ReceiveOwnMessages), WithFD(cfg.FD)}
	if v, ok := cfg.AdditionalConfig["hardware_filter"]; ok {
		hw, err := strconv.ParseBool(v)
		if err != nil {
			return nil, canbus.Unrecoverable(err)
		}
		opts = append(opts, WithHardwareFilter(hw))
	}
	if v, ok := cfg.AdditionalConfig["queue_size"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, canbus.Unrecoverable(err)
		}
		opts = append(opts, WithQueueSize(n))
	}
	return New(cfg.Channel, opts...), nil
}

type channel struct {
	mu        sync.RWMutex
	endpoints map[*Transport]struct{}
}

var (
	channelsMu sync.Mutex
	channels   = map[string]*channel{}
)

func join(name string, t *Transport) *channel {
	channelsMu.Lock()
	defer channelsMu.Unlock()
	c, ok := channels[name]
	if !ok {
		c = &channel{endpoints: make(map[*Transport]struct{})}
		channels[name] = c
	}
	c.mu.Lock()
	c.endpoints[t] = struct{}{}
	c.mu.Unlock()
	return c
}

func leave(name string, t *Transport) {
	channelsMu.Lock()
	defer channelsMu.Unlock()
	c, ok := channels[name]
	if !ok {
		return
	}
	c.mu.Lock()
	delete(c.endpoints, t)
	empty := len(c.endpoints) == 0
	c.mu.Unlock()
	if empty {
		delete(channels, name)
	}
}

type Option func(*Transport)

// WithReceiveOwn makes the endpoint receive its own frames as Outgoing.
func WithReceiveOwn(v bool) Option {
	return func(t *Transport) {
		t.receiveOwn = v
	}
}

// WithHardwareFilter makes the endpoint accept filters and apply them at
// delivery, emulating a controller with acceptance filters.
func WithHardwareFilter(v bool) Option {
	return func(t *Transport) {
		t.hwFilter = v
	}
}

func WithFD(v bool) Option {
	return func(t *Transport) {
		t.fd = v
	}
}

func WithQueueSize(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.queueSize = n
		}
	}
}

type Transport struct {
	name       string
	ch         *channel
	rx         chan *canbus.Frame
	queueSize  int
	receiveOwn bool
	hwFilter   bool
	fd         bool
	filters    canbus.FilterEngine

	closed    chan struct{}
	closeOnce sync.Once

	failMu   sync.Mutex
	failNext []error

	sent    atomic.Uint64
	dropped atomic.Uint64
}

// New opens an endpoint on the named channel. An empty name means "vcan0".
func New(name string, opts ...Option) *Transport {
	if name == "" {
		name = "vcan0"
	}
	t := &Transport{
		name:      name,
		queueSize: DefaultQueueSize,
		closed:    make(chan struct{}),
	}
	for _, o := range opts {
		o(t)
	}
	t.rx = make(chan *canbus.Frame, t.queueSize)
	t.ch = join(name, t)
	return t
}

func (t *Transport) Name() string {
	return t.name
}

// FailNext queues errors returned by the following Send calls, one per call.
func (t *Transport) FailNext(errs ...error) {
	t.failMu.Lock()
	defer t.failMu.Unlock()
	t.failNext = append(t.failNext, errs...)
}

func (t *Transport) takeFailure() error {
	t.failMu.Lock()
	defer t.failMu.Unlock()
	if len(t.failNext) == 0 {
		return nil
	}
	err := t.failNext[0]
	t.failNext = t.failNext[1:]
	return err
}

func (t *Transport) isClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

func (t *Transport) Send(ctx context.Context, f *canbus.Frame) error {
	if t.isClosed() {
		return canbus.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := t.takeFailure(); err != nil {
		return err
	}
	if err := f.Validate(); err != nil {
		return err
	}
	if f.FD && !t.fd {
		return canbus.ErrFDNotSupported
	}
	ts := float64(time.Now().UnixNano()) / 1e9
	t.ch.mu.RLock()
	defer t.ch.mu.RUnlock()
	for ep := range t.ch.endpoints {
		dir := canbus.Incoming
		if ep == t {
			if !t.receiveOwn {
				continue
			}
			dir = canbus.Outgoing
		}
		ep.deliver(f, ts, dir)
	}
	t.sent.Add(1)
	return nil
}

func (t *Transport) deliver(f *canbus.Frame, ts float64, dir canbus.Direction) {
	if t.hwFilter && !t.filters.Accepts(f) {
		return
	}
	out := f.Clone()
	out.Timestamp = ts
	out.Channel = t.name
	out.Direction = dir
	select {
	case <-t.closed:
	case t.rx <- out:
	default:
		t.dropped.Add(1)
	}
}

// Recv waits up to timeout for a frame. A negative timeout waits until a
// frame arrives or ctx is done. (nil, nil) means the timeout expired.
func (t *Transport) Recv(ctx context.Context, timeout time.Duration) (*canbus.Frame, error) {
	if t.isClosed() {
		return nil, canbus.ErrClosed
	}
	select {
	case f := <-t.rx:
		return f, nil
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
	case f := <-t.rx:
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
	return t.fd
}

func (t *Transport) SetFilters(filters []canbus.Filter) bool {
	if !t.hwFilter {
		return false
	}
	if err := t.filters.Set(filters...); err != nil {
		return false
	}
	return true
}

// Sent returns the number of frames accepted by Send.
func (t *Transport) Sent() uint64 {
	return t.sent.Load()
}

// Dropped returns the number of frames lost to a full receive queue.
func (t *Transport) Dropped() uint64 {
	return t.dropped.Load()
}

func (t *Transport) Shutdown() error {
	t.closeOnce.Do(func() {
		leave(t.name, t)
		close(t.closed)
	})
	return nil
}
