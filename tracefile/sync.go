package tracefile

import (
	"context"
	"time"

	"go.uber.org/ratelimit"

	"github.com/roffe/canbus"
)

// Sync paces frames from a reader for replay. By default each frame is
// released at its recorded offset from the first frame; waits longer than
// the skip limit are cut short.
type Sync struct {
	r          Reader
	timestamps bool
	gap        time.Duration
	skip       time.Duration
	limiter    ratelimit.Limiter

	started   bool
	wallStart time.Time
	recStart  float64
	skipped   time.Duration
	now       func() time.Time
}

type SyncOption func(*Sync)

// WithGap ignores recorded timestamps and releases one frame per gap.
func WithGap(gap time.Duration) SyncOption {
	return func(s *Sync) {
		s.timestamps = false
		s.gap = gap
	}
}

// WithSkip caps a single wait at d. Zero disables the cap.
func WithSkip(d time.Duration) SyncOption {
	return func(s *Sync) {
		s.skip = d
	}
}

func NewSync(r Reader, opts ...SyncOption) *Sync {
	s := &Sync{
		r:          r,
		timestamps: true,
		skip:       60 * time.Second,
		now:        time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	if !s.timestamps && s.gap > 0 {
		s.limiter = ratelimit.New(1, ratelimit.Per(s.gap), ratelimit.WithoutSlack)
	}
	return s
}

// Next reads the next frame and blocks until it is due.
func (s *Sync) Next(ctx context.Context) (*canbus.Frame, error) {
	f, err := s.r.Next()
	if err != nil {
		return nil, err
	}
	if !s.timestamps {
		if s.limiter != nil {
			s.limiter.Take()
		}
		return f, ctx.Err()
	}
	if !s.started {
		s.started = true
		s.wallStart = s.now()
		s.recStart = f.Timestamp
	}
	offset := time.Duration((f.Timestamp - s.recStart) * float64(time.Second))
	wait := s.wallStart.Add(offset - s.skipped).Sub(s.now())
	if s.skip > 0 && wait > s.skip {
		s.skipped += wait - s.skip
		wait = s.skip
	}
	if wait > 100*time.Microsecond {
		t := time.NewTimer(wait)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f, nil
}

func (s *Sync) Close() error {
	return s.r.Close()
}
