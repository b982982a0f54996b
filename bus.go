package canbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go"
)

// Bus is the transport independent entry point: send, receive, acceptance
// filtering and periodic sending over one Transport.
type Bus struct {
	transport Transport
	cfg       *Config
	filters   FilterEngine
	software  atomic.Bool
	sched     *Scheduler
	stats     counters

	closeOnce sync.Once
	closeErr  error
	closed    atomic.Bool
}

// New wraps an already created transport. cfg may be nil.
func New(t Transport, cfg *Config) (*Bus, error) {
	if t == nil {
		return nil, ErrNilTransport
	}
	if cfg == nil {
		cfg = &Config{}
	}
	b := &Bus{
		transport: t,
		cfg:       cfg,
	}
	b.sched = NewScheduler(t, cfg.emit)
	if len(cfg.Filters) > 0 {
		if err := b.SetFilters(cfg.Filters...); err != nil {
			b.sched.Close()
			return nil, err
		}
	}
	return b, nil
}

// Open creates the transport named by cfg.Interface from the registry and
// wraps it in a Bus. Recoverable construction errors are retried.
func Open(ctx context.Context, cfg *Config) (*Bus, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Interface, err)
	}
	attempts := cfg.OpenAttempts
	if attempts == 0 {
		attempts = 3
	}
	var t Transport
	err := retry.Do(func() error {
		var err error
		t, err = NewTransport(ctx, cfg)
		return err
	},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(50*time.Millisecond),
		retry.RetryIf(IsRecoverable),
		retry.OnRetry(func(n uint, err error) {
			cfg.emit(Event{Type: EventTypeWarning, Source: cfg.Interface, Details: fmt.Sprintf("open retry #%d", n+1), Err: err})
		}),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Interface, err)
	}
	b, err := New(t, cfg)
	if err != nil {
		return nil, errors.Join(err, t.Shutdown())
	}
	return b, nil
}

func (b *Bus) Transport() Transport {
	return b.transport
}

func (b *Bus) Channel() string {
	return b.cfg.Channel
}

// Send transmits one frame.
func (b *Bus) Send(ctx context.Context, f *Frame) error {
	if b.closed.Load() {
		return ErrClosed
	}
	if f.FD && !b.transport.SupportsFD() {
		return ErrFDNotSupported
	}
	if err := b.transport.Send(ctx, f); err != nil {
		b.stats.errors.Add(1)
		return &TransportError{Op: "send", Channel: b.cfg.Channel, Err: err}
	}
	b.stats.sent.Add(1)
	return nil
}

// Recv returns the next frame passing the active filters. It returns
// (nil, nil) when timeout expires first; a negative timeout waits until ctx
// is done. Frames rejected by the software filter never extend the wait.
func (b *Bus) Recv(ctx context.Context, timeout time.Duration) (*Frame, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		remaining := timeout
		if timeout >= 0 {
			remaining = time.Until(deadline)
			if remaining < 0 {
				remaining = 0
			}
		}
		f, err := b.transport.Recv(ctx, remaining)
		if err != nil {
			b.stats.errors.Add(1)
			return nil, &TransportError{Op: "recv", Channel: b.cfg.Channel, Err: err}
		}
		if f == nil {
			return nil, nil
		}
		if !b.software.Load() || b.filters.Accepts(f) {
			b.stats.received.Add(1)
			return f, nil
		}
		b.stats.filtered.Add(1)
		if timeout >= 0 && !time.Now().Before(deadline) {
			return nil, nil
		}
	}
}

// SetFilters replaces the acceptance filters. Invalid rules are rejected
// with a *FilterError and the previous rules stay active. When the transport
// cannot filter in hardware the bus filters in software.
func (b *Bus) SetFilters(filters ...Filter) error {
	if err := b.filters.Set(filters...); err != nil {
		return err
	}
	hw := b.transport.SetFilters(b.filters.Filters())
	b.software.Store(!hw && len(filters) > 0)
	if len(filters) > 0 {
		mode := "software"
		if hw {
			mode = "hardware"
		}
		b.cfg.emit(Event{Type: EventTypeDebug, Source: b.cfg.Channel, Details: fmt.Sprintf("%d filters active in %s", len(filters), mode)})
	}
	return nil
}

// Filters returns the active acceptance filters.
func (b *Bus) Filters() []Filter {
	return b.filters.Filters()
}

// SoftwareFiltering reports whether Recv filters frames itself.
func (b *Bus) SoftwareFiltering() bool {
	return b.software.Load()
}

// SendPeriodic starts sending f every period until stopped or, with
// WithDuration, until the duration expires.
func (b *Bus) SendPeriodic(f *Frame, period time.Duration, opts ...TaskOption) (*Task, error) {
	return b.SendPeriodicSequence([]*Frame{f}, period, opts...)
}

// SendPeriodicSequence sends the frames round-robin, one per period.
func (b *Bus) SendPeriodicSequence(frames []*Frame, period time.Duration, opts ...TaskOption) (*Task, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	for _, f := range frames {
		if f != nil && f.FD && !b.transport.SupportsFD() {
			return nil, ErrFDNotSupported
		}
	}
	return b.sched.NewTask(frames, period, opts...)
}

// StopAllPeriodicTasks stops every task started on this bus.
func (b *Bus) StopAllPeriodicTasks() {
	b.sched.StopAll()
}

func (b *Bus) Stats() Stats {
	return b.stats.snapshot()
}

// Shutdown stops all periodic tasks and releases the transport. It is safe
// to call more than once.
func (b *Bus) Shutdown() error {
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		b.sched.Close()
		b.closeErr = b.transport.Shutdown()
	})
	return b.closeErr
}
