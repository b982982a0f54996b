package canbus_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roffe/canbus"
	"github.com/roffe/canbus/virtual"
)

func newPair(t *testing.T, opts ...virtual.Option) (*canbus.Bus, *virtual.Transport, *virtual.Transport) {
	t.Helper()
	tx := virtual.New(t.Name(), opts...)
	rx := virtual.New(t.Name(), virtual.WithFD(true))
	bus, err := canbus.New(tx, &canbus.Config{Channel: t.Name(), OnEvent: func(canbus.Event) {}})
	require.NoError(t, err)
	t.Cleanup(func() {
		bus.Shutdown()
		rx.Shutdown()
	})
	return bus, tx, rx
}

func drain(rx *virtual.Transport, wait time.Duration) []*canbus.Frame {
	var out []*canbus.Frame
	deadline := time.Now().Add(wait)
	for {
		f, err := rx.Recv(context.Background(), max(time.Until(deadline), 0))
		if err != nil || f == nil {
			return out
		}
		out = append(out, f)
	}
}

func recvOne(t *testing.T, rx *virtual.Transport) *canbus.Frame {
	t.Helper()
	f, err := rx.Recv(context.Background(), time.Second)
	require.NoError(t, err)
	require.NotNil(t, f, "no frame within a second")
	return f
}

func waitDone(t *testing.T, task *canbus.Task) {
	t.Helper()
	select {
	case <-task.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("task did not stop")
	}
}

func TestPeriodicDuration(t *testing.T) {
	bus, _, rx := newPair(t)
	task, err := bus.SendPeriodic(canbus.MustFrame(0x123, []byte{1}), 10*time.Millisecond, canbus.WithDuration(100*time.Millisecond))
	require.NoError(t, err)
	waitDone(t, task)

	frames := drain(rx, 0)
	require.Len(t, frames, 10)
	assert.Equal(t, uint64(10), task.Sent())
	assert.Equal(t, canbus.TaskStopped, task.State())
	assert.NoError(t, task.Err())
	assert.InDelta(t, 0.09, frames[9].Timestamp-frames[0].Timestamp, 0.03)
}

func TestPeriodicSequenceRoundRobin(t *testing.T) {
	bus, _, rx := newPair(t)
	seq := []*canbus.Frame{
		canbus.MustFrame(0x10, []byte{1}),
		canbus.MustFrame(0x10, []byte{2}),
		canbus.MustFrame(0x10, []byte{3}),
	}
	task, err := bus.SendPeriodicSequence(seq, 5*time.Millisecond, canbus.WithDuration(30*time.Millisecond))
	require.NoError(t, err)
	waitDone(t, task)

	var got []byte
	for _, f := range drain(rx, 0) {
		got = append(got, f.Data[0])
	}
	assert.Equal(t, []byte{1, 2, 3, 1, 2, 3}, got)
}

func TestConcurrentTasks(t *testing.T) {
	bus, _, rx := newPair(t)
	a, err := bus.SendPeriodic(canbus.MustFrame(0xA, nil), 10*time.Millisecond, canbus.WithDuration(150*time.Millisecond))
	require.NoError(t, err)
	b, err := bus.SendPeriodic(canbus.MustFrame(0xB, nil), 15*time.Millisecond, canbus.WithDuration(150*time.Millisecond))
	require.NoError(t, err)
	waitDone(t, a)
	waitDone(t, b)

	counts := map[uint32]int{}
	for _, f := range drain(rx, 0) {
		counts[f.Identifier]++
	}
	assert.Equal(t, 15, counts[0xA])
	assert.Equal(t, 10, counts[0xB])
}

func TestStopMidPeriod(t *testing.T) {
	bus, _, rx := newPair(t)
	task, err := bus.SendPeriodic(canbus.MustFrame(0x1, nil), 20*time.Millisecond)
	require.NoError(t, err)
	recvOne(t, rx)
	task.Stop()
	task.Stop()
	drain(rx, 0)
	assert.Empty(t, drain(rx, 60*time.Millisecond))
	assert.Equal(t, canbus.TaskStopped, task.State())
	assert.ErrorIs(t, task.Start(), canbus.ErrTaskStopped)
	assert.ErrorIs(t, task.Resume(), canbus.ErrTaskStopped)
}

func TestPauseResumeKeepsPhase(t *testing.T) {
	bus, _, rx := newPair(t)
	seq := []*canbus.Frame{
		canbus.MustFrame(0x20, []byte{1}),
		canbus.MustFrame(0x20, []byte{2}),
		canbus.MustFrame(0x20, []byte{3}),
	}
	task, err := bus.SendPeriodicSequence(seq, 30*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, recvOne(t, rx).Data)

	require.NoError(t, task.Pause())
	assert.Equal(t, canbus.TaskPaused, task.State())
	assert.Empty(t, drain(rx, 80*time.Millisecond))

	require.NoError(t, task.Resume())
	assert.Equal(t, []byte{2}, recvOne(t, rx).Data)

	require.NoError(t, task.Restart())
	assert.Equal(t, []byte{1}, recvOne(t, rx).Data)
	task.Stop()
}

func TestManualStart(t *testing.T) {
	bus, _, rx := newPair(t)
	task, err := bus.SendPeriodic(canbus.MustFrame(0x30, nil), 10*time.Millisecond, canbus.WithAutostart(false))
	require.NoError(t, err)
	assert.Equal(t, canbus.TaskCreated, task.State())
	assert.Empty(t, drain(rx, 30*time.Millisecond))
	assert.ErrorIs(t, task.Pause(), canbus.ErrTaskState)

	require.NoError(t, task.Start())
	recvOne(t, rx)
	assert.ErrorIs(t, task.Start(), canbus.ErrTaskState)
	task.Stop()
}

func TestModifyAndUpdateData(t *testing.T) {
	bus, _, rx := newPair(t)
	task, err := bus.SendPeriodic(canbus.MustFrame(0x40, []byte{1}), 10*time.Millisecond)
	require.NoError(t, err)
	recvOne(t, rx)

	require.NoError(t, task.UpdateData([]byte{9, 9}))
	// a send already in flight may still carry the old payload
	f := recvOne(t, rx)
	for i := 0; i < 3 && len(f.Data) != 2; i++ {
		f = recvOne(t, rx)
	}
	assert.Equal(t, []byte{9, 9}, f.Data)
	assert.Equal(t, uint8(2), f.DLC)

	assert.ErrorIs(t, task.Modify(canbus.MustFrame(0x41, nil)), canbus.ErrTaskMismatch)
	assert.ErrorIs(t, task.Modify(canbus.MustFrame(0x40, nil), canbus.MustFrame(0x40, nil)), canbus.ErrTaskMismatch)
	task.Stop()
	assert.ErrorIs(t, task.UpdateData([]byte{1}), canbus.ErrTaskStopped)
}

func TestNewTaskValidation(t *testing.T) {
	bus, _, _ := newPair(t)
	_, err := bus.SendPeriodic(canbus.MustFrame(0x1, nil), 0)
	assert.ErrorIs(t, err, canbus.ErrInvalidPeriod)
	_, err = bus.SendPeriodicSequence(nil, time.Millisecond)
	assert.ErrorIs(t, err, canbus.ErrNoFrames)
	_, err = bus.SendPeriodicSequence([]*canbus.Frame{
		canbus.MustFrame(0x1, nil),
		canbus.MustFrame(0x1, nil, canbus.OptExtended),
	}, time.Millisecond)
	assert.ErrorIs(t, err, canbus.ErrTaskMismatch)
	_, err = bus.SendPeriodic(&canbus.Frame{Identifier: 0x800}, time.Millisecond)
	var ve *canbus.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestTransientSendError(t *testing.T) {
	bus, tx, rx := newPair(t)
	busy := errors.New("bus busy")
	tx.FailNext(busy)
	errs := make(chan error, 10)
	task, err := bus.SendPeriodic(canbus.MustFrame(0x50, nil), 5*time.Millisecond, canbus.WithErrorHandler(func(_ *canbus.Task, err error) {
		errs <- err
	}))
	require.NoError(t, err)

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, busy)
	case <-time.After(time.Second):
		t.Fatal("no error reported")
	}
	recvOne(t, rx)
	assert.Equal(t, canbus.TaskRunning, task.State())
	task.Stop()
}

func TestFatalSendErrorStopsTask(t *testing.T) {
	bus, tx, _ := newPair(t)
	dead := errors.New("bus off")
	tx.FailNext(canbus.Unrecoverable(dead))
	task, err := bus.SendPeriodic(canbus.MustFrame(0x60, nil), 5*time.Millisecond, canbus.WithErrorHandler(func(*canbus.Task, error) {}))
	require.NoError(t, err)
	waitDone(t, task)
	assert.ErrorIs(t, task.Err(), dead)
	assert.Equal(t, uint64(0), task.Sent())
}

func TestStopFromErrorHandler(t *testing.T) {
	bus, tx, _ := newPair(t)
	tx.FailNext(errors.New("once"))
	task, err := bus.SendPeriodic(canbus.MustFrame(0x70, nil), 5*time.Millisecond, canbus.WithErrorHandler(func(t *canbus.Task, _ error) {
		t.Stop()
	}))
	require.NoError(t, err)
	waitDone(t, task)
}

func TestShutdownFromErrorHandler(t *testing.T) {
	bus, tx, _ := newPair(t)
	tx.FailNext(errors.New("once"))
	closed := make(chan error, 1)
	_, err := bus.SendPeriodic(canbus.MustFrame(0x71, nil), 5*time.Millisecond, canbus.WithErrorHandler(func(*canbus.Task, error) {
		closed <- bus.Shutdown()
	}))
	require.NoError(t, err)
	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown from handler deadlocked")
	}
	_, err = bus.SendPeriodic(canbus.MustFrame(0x71, nil), time.Millisecond)
	assert.ErrorIs(t, err, canbus.ErrClosed)
}

func TestStopAllPeriodicTasks(t *testing.T) {
	bus, _, rx := newPair(t)
	a, err := bus.SendPeriodic(canbus.MustFrame(0x1, nil), 5*time.Millisecond)
	require.NoError(t, err)
	b, err := bus.SendPeriodic(canbus.MustFrame(0x2, nil), 7*time.Millisecond)
	require.NoError(t, err)
	recvOne(t, rx)

	bus.StopAllPeriodicTasks()
	waitDone(t, a)
	waitDone(t, b)
	drain(rx, 0)
	assert.Empty(t, drain(rx, 30*time.Millisecond))
}

func TestShutdownStopsTasks(t *testing.T) {
	bus, _, _ := newPair(t)
	task, err := bus.SendPeriodic(canbus.MustFrame(0x1, nil), 5*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, bus.Shutdown())
	waitDone(t, task)
	require.NoError(t, bus.Shutdown())
}

func TestNewTaskWakesSleepingScheduler(t *testing.T) {
	bus, _, rx := newPair(t)
	slow, err := bus.SendPeriodic(canbus.MustFrame(0xA, nil), 300*time.Millisecond)
	require.NoError(t, err)
	defer slow.Stop()
	assert.Equal(t, uint32(0xA), recvOne(t, rx).Identifier)
	time.Sleep(20 * time.Millisecond)

	start := time.Now()
	fast, err := bus.SendPeriodic(canbus.MustFrame(0xB, nil), 10*time.Millisecond)
	require.NoError(t, err)
	defer fast.Stop()
	assert.Equal(t, uint32(0xB), recvOne(t, rx).Identifier)
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestStopThenNewTaskStartsAtPhaseZero(t *testing.T) {
	bus, _, rx := newPair(t)
	seq := []*canbus.Frame{
		canbus.MustFrame(0x30, []byte{1}),
		canbus.MustFrame(0x30, []byte{2}),
		canbus.MustFrame(0x30, []byte{3}),
	}
	first, err := bus.SendPeriodicSequence(seq, 30*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, recvOne(t, rx).Data)
	assert.Equal(t, []byte{2}, recvOne(t, rx).Data)
	first.Stop()
	drain(rx, 0)

	start := time.Now()
	second, err := bus.SendPeriodicSequence(seq, 30*time.Millisecond)
	require.NoError(t, err)
	defer second.Stop()
	assert.Equal(t, []byte{1}, recvOne(t, rx).Data)
	assert.Less(t, time.Since(start), 20*time.Millisecond)
	assert.Equal(t, []byte{2}, recvOne(t, rx).Data)
}

// gatedTransport holds every Send until the test releases it.
type gatedTransport struct {
	*virtual.Transport
	entered chan struct{}
	release chan error
}

func (g *gatedTransport) Send(ctx context.Context, f *canbus.Frame) error {
	g.entered <- struct{}{}
	return <-g.release
}

func TestFatalErrorWhilePausing(t *testing.T) {
	vt := virtual.New(t.Name())
	g := &gatedTransport{Transport: vt, entered: make(chan struct{}, 1), release: make(chan error)}
	s := canbus.NewScheduler(g, func(canbus.Event) {})
	t.Cleanup(func() {
		s.Close()
		vt.Shutdown()
	})

	task, err := s.NewTask([]*canbus.Frame{canbus.MustFrame(0x80, nil)}, 5*time.Millisecond, canbus.WithErrorHandler(func(*canbus.Task, error) {}))
	require.NoError(t, err)
	select {
	case <-g.entered:
	case <-time.After(time.Second):
		t.Fatal("send never started")
	}

	paused := make(chan error, 1)
	go func() { paused <- task.Pause() }()
	require.Eventually(t, func() bool { return task.State() == canbus.TaskPaused }, time.Second, time.Millisecond)

	dead := errors.New("bus off")
	g.release <- canbus.Unrecoverable(dead)
	require.NoError(t, <-paused)
	waitDone(t, task)
	assert.Equal(t, canbus.TaskStopped, task.State())
	assert.ErrorIs(t, task.Err(), dead)
}
