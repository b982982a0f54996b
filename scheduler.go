package canbus

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"
)

// TaskState is the lifecycle state of a cyclic send task.
type TaskState int

const (
	TaskCreated TaskState = iota
	TaskRunning
	TaskPaused
	TaskStopped
)

func (s TaskState) String() string {
	switch s {
	case TaskCreated:
		return "created"
	case TaskRunning:
		return "running"
	case TaskPaused:
		return "paused"
	case TaskStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type TaskOption func(*Task)

// WithDuration stops the task before the first send due at or after
// start+d. Pausing does not extend the deadline.
func WithDuration(d time.Duration) TaskOption {
	return func(t *Task) {
		t.duration = d
	}
}

// WithErrorHandler is called from the scheduler goroutine for every failed
// send. It may call any Task or Scheduler method, including Stop.
func WithErrorHandler(fn func(*Task, error)) TaskOption {
	return func(t *Task) {
		t.onError = fn
	}
}

// WithAutostart controls whether the task starts when created. Default true.
func WithAutostart(start bool) TaskOption {
	return func(t *Task) {
		t.autostart = start
	}
}

// Task repeatedly sends one frame, or a sequence of frames round-robin, at a
// fixed period.
type Task struct {
	s         *Scheduler
	seq       uint64
	id        uint32
	period    time.Duration
	duration  time.Duration
	onError   func(*Task, error)
	autostart bool
	done      chan struct{}

	// guarded by s.mu
	frames   []*Frame
	next     int
	state    TaskState
	due      time.Time
	deadline time.Time
	index    int
	inFlight bool
	sent     uint64
	err      error
}

type taskQueue []*Task

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	if q[i].due.Equal(q[j].due) {
		return q[i].seq < q[j].seq
	}
	return q[i].due.Before(q[j].due)
}

func (q taskQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *taskQueue) Push(x any) {
	t := x.(*Task)
	t.index = len(*q)
	*q = append(*q, t)
}

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*q = old[:n-1]
	return t
}

// Scheduler emulates a broadcast manager in software. A single goroutine
// sends every due frame through the transport, so periodic sends on one
// transport never race each other.
type Scheduler struct {
	transport Transport
	onEvent   func(Event)
	ctx       context.Context
	cancel    context.CancelFunc
	wake      chan struct{}
	done      chan struct{}

	mu          sync.Mutex
	cond        *sync.Cond
	queue       taskQueue
	tasks       map[*Task]struct{}
	seq         uint64
	current     *Task // in flight, possibly already stopped
	closed      bool
	dispatching bool
}

// NewScheduler starts a scheduler bound to t. Task errors without their own
// handler go to onEvent.
func NewScheduler(t Transport, onEvent func(Event)) *Scheduler {
	if onEvent == nil {
		onEvent = LogEvents(nil)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		transport: t,
		onEvent:   onEvent,
		ctx:       ctx,
		cancel:    cancel,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		tasks:     make(map[*Task]struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	go s.run()
	return s
}

// NewTask creates a task sending frames every period. All frames must share
// identifier and identifier type.
func (s *Scheduler) NewTask(frames []*Frame, period time.Duration, opts ...TaskOption) (*Task, error) {
	if period <= 0 {
		return nil, ErrInvalidPeriod
	}
	if len(frames) == 0 {
		return nil, ErrNoFrames
	}
	copies, err := checkTaskFrames(frames[0], frames)
	if err != nil {
		return nil, err
	}
	t := &Task{
		s:         s,
		period:    period,
		autostart: true,
		done:      make(chan struct{}),
		frames:    copies,
		index:     -1,
		id:        frames[0].Identifier,
	}
	for _, o := range opts {
		o(t)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSchedulerClosed
	}
	s.seq++
	t.seq = s.seq
	s.tasks[t] = struct{}{}
	s.mu.Unlock()

	if t.autostart {
		if err := t.Start(); err != nil {
			t.Stop()
			return nil, err
		}
	}
	return t, nil
}

func checkTaskFrames(ref *Frame, frames []*Frame) ([]*Frame, error) {
	copies := make([]*Frame, len(frames))
	for i, f := range frames {
		if f == nil {
			return nil, fmt.Errorf("%w: frame %d is nil", ErrTaskMismatch, i)
		}
		if err := f.Validate(); err != nil {
			return nil, err
		}
		if f.Identifier != ref.Identifier || f.Extended != ref.Extended {
			return nil, fmt.Errorf("%w: frame %d has id 0x%X, want 0x%X", ErrTaskMismatch, i, f.Identifier, ref.Identifier)
		}
		copies[i] = f.Clone()
	}
	return copies, nil
}

// Tasks returns the tasks that are not stopped.
func (s *Scheduler) Tasks() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Task, 0, len(s.tasks))
	for t := range s.tasks {
		out = append(out, t)
	}
	return out
}

// StopAll stops every task. No frame is sent once it returns.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	for t := range s.tasks {
		s.stopLocked(t, nil)
	}
	s.waitIdleLocked()
	s.mu.Unlock()
	s.notify()
}

// Close stops all tasks and the scheduler goroutine.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for t := range s.tasks {
		s.stopLocked(t, nil)
	}
	s.cancel()
	s.waitIdleLocked()
	inCallback := s.dispatching
	s.mu.Unlock()
	s.notify()
	if !inCallback {
		<-s.done
	}
	return nil
}

func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) waitIdleLocked() {
	for s.busyLocked() {
		s.cond.Wait()
	}
}

func (s *Scheduler) busyLocked() bool {
	return s.current != nil
}

func (s *Scheduler) stopLocked(t *Task, err error) {
	if t.state == TaskStopped {
		return
	}
	if t.index >= 0 {
		heap.Remove(&s.queue, t.index)
	}
	t.state = TaskStopped
	t.err = err
	delete(s.tasks, t)
	close(t.done)
}

func (s *Scheduler) run() {
	defer close(s.done)
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		t, frame, wait := s.nextLocked(time.Now())
		s.mu.Unlock()

		if t == nil {
			if !s.sleep(timer, wait) {
				return
			}
			continue
		}

		err := s.transport.Send(s.ctx, frame)

		s.mu.Lock()
		t.inFlight = false
		s.current = nil
		s.cond.Broadcast()
		fatal := false
		if err == nil {
			t.sent++
		}
		switch {
		case err != nil && IsFatal(err) && t.state != TaskStopped:
			s.stopLocked(t, err)
			fatal = true
		case t.state == TaskRunning:
			heap.Push(&s.queue, t)
		}
		if err != nil {
			s.dispatching = true
		}
		s.mu.Unlock()

		if err != nil {
			s.report(t, err, fatal)
			s.mu.Lock()
			s.dispatching = false
			s.mu.Unlock()
		}
	}
}

// nextLocked pops the earliest due task and marks it in flight. It returns
// how long to wait when nothing is due, or -1 when the queue is empty.
func (s *Scheduler) nextLocked(now time.Time) (*Task, *Frame, time.Duration) {
	for s.queue.Len() > 0 {
		t := s.queue[0]
		if t.due.After(now) {
			return nil, nil, t.due.Sub(now)
		}
		heap.Pop(&s.queue)
		if !t.deadline.IsZero() && !t.due.Before(t.deadline) {
			s.stopLocked(t, nil)
			continue
		}
		frame := t.frames[t.next]
		t.next = (t.next + 1) % len(t.frames)
		t.due = t.due.Add(t.period)
		t.inFlight = true
		s.current = t
		return t, frame, 0
	}
	return nil, nil, -1
}

func (s *Scheduler) sleep(timer *time.Timer, wait time.Duration) bool {
	if wait < 0 {
		select {
		case <-s.wake:
			return true
		case <-s.ctx.Done():
			return false
		}
	}
	timer.Reset(wait)
	select {
	case <-timer.C:
		return true
	case <-s.wake:
		timer.Stop()
		return true
	case <-s.ctx.Done():
		timer.Stop()
		return false
	}
}

func (s *Scheduler) report(t *Task, err error, fatal bool) {
	if fatal {
		err = fmt.Errorf("periodic task 0x%X stopped: %w", t.id, err)
	} else {
		err = fmt.Errorf("periodic task 0x%X: %w", t.id, err)
	}
	if t.onError != nil {
		t.onError(t, err)
		return
	}
	s.onEvent(errorEvent("scheduler", err))
}

// Start moves a created task to running. The first frame is sent at once.
func (t *Task) Start() error {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return ErrSchedulerClosed
	case t.state == TaskStopped:
		return ErrTaskStopped
	case t.state != TaskCreated:
		return fmt.Errorf("%w: start from %s", ErrTaskState, t.state)
	}
	t.beginLocked(time.Now())
	s.notify()
	return nil
}

func (t *Task) beginLocked(now time.Time) {
	t.due = now
	t.next = 0
	t.deadline = time.Time{}
	if t.duration > 0 {
		t.deadline = now.Add(t.duration)
	}
	t.state = TaskRunning
	heap.Push(&t.s.queue, t)
}

// Pause suspends sending but keeps the schedule. When it returns no frame of
// this task is being sent.
func (t *Task) Pause() error {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()
	switch t.state {
	case TaskPaused:
		return nil
	case TaskStopped:
		return ErrTaskStopped
	case TaskCreated:
		return fmt.Errorf("%w: pause from %s", ErrTaskState, t.state)
	}
	t.state = TaskPaused
	for t.inFlight {
		s.cond.Wait()
	}
	if t.index >= 0 {
		heap.Remove(&s.queue, t.index)
	}
	s.notify()
	return nil
}

// Resume continues a paused task on its original phase: the next send is the
// first instant of the old schedule that is not in the past.
func (t *Task) Resume() error {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()
	switch t.state {
	case TaskRunning:
		return nil
	case TaskStopped:
		return ErrTaskStopped
	case TaskCreated:
		return fmt.Errorf("%w: resume from %s", ErrTaskState, t.state)
	}
	if s.closed {
		return ErrSchedulerClosed
	}
	now := time.Now()
	if t.due.Before(now) {
		missed := now.Sub(t.due)
		periods := (missed + t.period - 1) / t.period
		t.due = t.due.Add(periods * t.period)
	}
	t.state = TaskRunning
	heap.Push(&s.queue, t)
	s.notify()
	return nil
}

// Restart begins a fresh schedule at phase zero: the first frame of the
// sequence is sent at once and the duration deadline starts over.
func (t *Task) Restart() error {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()
	switch t.state {
	case TaskStopped:
		return ErrTaskStopped
	case TaskCreated:
		return fmt.Errorf("%w: restart from %s", ErrTaskState, t.state)
	}
	if s.closed {
		return ErrSchedulerClosed
	}
	for t.inFlight {
		s.cond.Wait()
	}
	if t.state == TaskStopped {
		return ErrTaskStopped
	}
	if t.index >= 0 {
		heap.Remove(&s.queue, t.index)
	}
	t.beginLocked(time.Now())
	s.notify()
	return nil
}

// Stop ends the task for good. No frame of this task is sent after Stop
// returns. Calling it from the task's error handler is safe.
func (t *Task) Stop() {
	s := t.s
	s.mu.Lock()
	s.stopLocked(t, nil)
	for t.inFlight {
		s.cond.Wait()
	}
	s.mu.Unlock()
	s.notify()
}

// Modify replaces the frames in place without touching the timing. The new
// frames must match the old ones in count and identifier.
func (t *Task) Modify(frames ...*Frame) error {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.state == TaskStopped {
		return ErrTaskStopped
	}
	if len(frames) != len(t.frames) {
		return fmt.Errorf("%w: %d frames, task has %d", ErrTaskMismatch, len(frames), len(t.frames))
	}
	copies, err := checkTaskFrames(t.frames[0], frames)
	if err != nil {
		return err
	}
	t.frames = copies
	return nil
}

// UpdateData replaces the payload of a single frame task. The next send
// uses the new data.
func (t *Task) UpdateData(data []byte) error {
	s := t.s
	s.mu.Lock()
	if len(t.frames) != 1 {
		n := len(t.frames)
		s.mu.Unlock()
		return fmt.Errorf("%w: UpdateData on a %d frame sequence", ErrTaskMismatch, n)
	}
	f := t.frames[0].Clone()
	s.mu.Unlock()

	f.Data = make([]byte, len(data))
	copy(f.Data, data)
	if !f.RTR {
		f.DLC = uint8(min(len(data), 255))
	}
	return t.Modify(f)
}

func (t *Task) State() TaskState {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	return t.state
}

// Err returns the fatal error that stopped the task, if any.
func (t *Task) Err() error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	return t.err
}

// Done is closed when the task stops.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Sent returns the number of frames successfully handed to the transport.
func (t *Task) Sent() uint64 {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	return t.sent
}

func (t *Task) Period() time.Duration {
	return t.period
}

// Frames returns copies of the frames currently scheduled.
func (t *Task) Frames() []*Frame {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	out := make([]*Frame, len(t.frames))
	for i, f := range t.frames {
		out[i] = f.Clone()
	}
	return out
}
