package canbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Listener consumes frames delivered by a Notifier. A Listener that also
// implements io.Closer is closed when the notifier stops.
type Listener interface {
	OnFrame(*Frame) error
}

// ListenerFunc adapts a plain function to Listener.
type ListenerFunc func(*Frame) error

func (fn ListenerFunc) OnFrame(f *Frame) error {
	return fn(f)
}

// Receiver is the receive half of a Bus.
type Receiver interface {
	Recv(ctx context.Context, timeout time.Duration) (*Frame, error)
}

// Notifier reads from one or more receivers and fans every frame out to
// all listeners.
type Notifier struct {
	onEvent func(Event)
	poll    time.Duration

	mu        sync.RWMutex
	listeners []Listener

	cancel   context.CancelFunc
	eg       *errgroup.Group
	stopOnce sync.Once
	stopErr  error
}

type NotifierOption func(*Notifier)

// WithPollInterval sets how long each receive call may block before the
// notifier checks for cancellation. Default 100ms.
func WithPollInterval(d time.Duration) NotifierOption {
	return func(n *Notifier) {
		n.poll = d
	}
}

// WithNotifierEvents sets the sink for listener and receive errors.
func WithNotifierEvents(fn func(Event)) NotifierOption {
	return func(n *Notifier) {
		n.onEvent = fn
	}
}

// NewNotifier starts one receive goroutine per receiver.
func NewNotifier(ctx context.Context, receivers []Receiver, listeners []Listener, opts ...NotifierOption) *Notifier {
	n := &Notifier{
		poll:      100 * time.Millisecond,
		listeners: append([]Listener(nil), listeners...),
	}
	for _, o := range opts {
		o(n)
	}
	if n.onEvent == nil {
		n.onEvent = LogEvents(nil)
	}
	ctx, n.cancel = context.WithCancel(ctx)
	n.eg, ctx = errgroup.WithContext(ctx)
	for i, r := range receivers {
		n.eg.Go(func() error {
			return n.run(ctx, i, r)
		})
	}
	return n
}

func (n *Notifier) run(ctx context.Context, idx int, r Receiver) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		f, err := r.Recv(ctx, n.poll)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if IsFatal(err) {
				return fmt.Errorf("receiver %d: %w", idx, err)
			}
			n.onEvent(errorEvent(fmt.Sprintf("receiver %d", idx), err))
			continue
		}
		if f == nil {
			continue
		}
		n.dispatch(f)
	}
}

func (n *Notifier) dispatch(f *Frame) {
	n.mu.RLock()
	listeners := n.listeners
	n.mu.RUnlock()
	for _, l := range listeners {
		if err := l.OnFrame(f); err != nil {
			n.onEvent(Event{Type: EventTypeError, Source: "listener", Details: fmt.Sprintf("%T: %v", l, err), Err: err})
		}
	}
}

// Add registers a listener while running.
func (n *Notifier) Add(l Listener) {
	n.mu.Lock()
	defer n.mu.Unlock()
	next := make([]Listener, len(n.listeners), len(n.listeners)+1)
	copy(next, n.listeners)
	n.listeners = append(next, l)
}

// Remove unregisters l. It reports whether l was registered.
func (n *Notifier) Remove(l Listener) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, x := range n.listeners {
		if x == l {
			next := make([]Listener, 0, len(n.listeners)-1)
			next = append(next, n.listeners[:i]...)
			n.listeners = append(next, n.listeners[i+1:]...)
			return true
		}
	}
	return false
}

// Listeners returns a snapshot of the registered listeners.
func (n *Notifier) Listeners() []Listener {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return append([]Listener(nil), n.listeners...)
}

// Wait blocks until every receive goroutine has ended and returns the first
// fatal receive error.
func (n *Notifier) Wait() error {
	return n.eg.Wait()
}

// Stop ends all receive goroutines, waits for them and closes listeners
// implementing io.Closer.
func (n *Notifier) Stop() error {
	n.stopOnce.Do(func() {
		n.cancel()
		errs := []error{n.eg.Wait()}
		n.mu.RLock()
		listeners := n.listeners
		n.mu.RUnlock()
		for _, l := range listeners {
			if c, ok := l.(io.Closer); ok {
				errs = append(errs, c.Close())
			}
		}
		n.stopErr = errors.Join(errs...)
	})
	return n.stopErr
}

// Printer writes one line per frame.
type Printer struct {
	w     io.Writer
	color bool
	mu    sync.Mutex
}

func NewPrinter(w io.Writer, color bool) *Printer {
	return &Printer{w: w, color: color}
}

func (p *Printer) OnFrame(f *Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := f.String()
	if p.color {
		s = f.ColorString()
	}
	_, err := fmt.Fprintln(p.w, s)
	return err
}

// Sender is the send half of a Bus.
type Sender interface {
	Send(ctx context.Context, f *Frame) error
}

// RedirectReader forwards every frame it receives to another bus.
type RedirectReader struct {
	ctx context.Context
	dst Sender
}

func NewRedirectReader(ctx context.Context, dst Sender) *RedirectReader {
	return &RedirectReader{ctx: ctx, dst: dst}
}

func (r *RedirectReader) OnFrame(f *Frame) error {
	out := f.Clone()
	out.Direction = Outgoing
	return r.dst.Send(r.ctx, out)
}
