package canbus_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roffe/canbus"
	"github.com/roffe/canbus/virtual"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type eventLog struct {
	mu     sync.Mutex
	events []canbus.Event
}

func (l *eventLog) add(e canbus.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

func TestNotifierFansOut(t *testing.T) {
	bus, _, peer := newPair(t)
	sub, err := canbus.NewSubscriber(10)
	require.NoError(t, err)
	filtered, err := canbus.NewSubscriber(10, canbus.NewMaskFilter(0x2, 0x7FF, false))
	require.NoError(t, err)
	var out syncBuffer
	events := &eventLog{}
	failing := canbus.ListenerFunc(func(*canbus.Frame) error { return errors.New("listener broke") })

	n := canbus.NewNotifier(context.Background(), []canbus.Receiver{bus}, []canbus.Listener{failing, sub, filtered, canbus.NewPrinter(&out, false)},
		canbus.WithPollInterval(10*time.Millisecond), canbus.WithNotifierEvents(events.add))

	ctx := context.Background()
	require.NoError(t, peer.Send(ctx, canbus.MustFrame(0x1, []byte{0x41})))
	require.NoError(t, peer.Send(ctx, canbus.MustFrame(0x2, []byte{0x42})))

	wctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	f, err := sub.Wait(wctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x1), f.Identifier)
	f, err = sub.Wait(wctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x2), f.Identifier)
	f, err = filtered.Wait(wctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x2), f.Identifier)

	require.NoError(t, n.Stop())
	assert.Equal(t, 2, events.len())
	assert.Equal(t, 2, strings.Count(out.String(), "\n"))
	_, err = sub.Wait(wctx)
	assert.ErrorIs(t, err, canbus.ErrSubscriberClosed)
}

func TestNotifierAddRemove(t *testing.T) {
	bus, _, peer := newPair(t)
	n := canbus.NewNotifier(context.Background(), []canbus.Receiver{bus}, nil, canbus.WithPollInterval(5*time.Millisecond))
	defer n.Stop()

	sub, err := canbus.NewSubscriber(4)
	require.NoError(t, err)
	n.Add(sub)
	assert.Len(t, n.Listeners(), 1)
	require.NoError(t, peer.Send(context.Background(), canbus.MustFrame(0x7, nil)))
	select {
	case f := <-sub.Chan():
		assert.Equal(t, uint32(0x7), f.Identifier)
	case <-time.After(time.Second):
		t.Fatal("frame not delivered")
	}

	assert.True(t, n.Remove(sub))
	assert.False(t, n.Remove(sub))
	assert.Empty(t, n.Listeners())
}

func TestNotifierWaitReturnsFatalError(t *testing.T) {
	bus, _, _ := newPair(t)
	n := canbus.NewNotifier(context.Background(), []canbus.Receiver{bus}, nil, canbus.WithPollInterval(5*time.Millisecond))
	require.NoError(t, bus.Shutdown())
	err := n.Wait()
	assert.ErrorIs(t, err, canbus.ErrClosed)
	assert.ErrorIs(t, n.Stop(), canbus.ErrClosed)
}

func TestSubscriberDropsWhenFull(t *testing.T) {
	sub, err := canbus.NewSubscriber(1)
	require.NoError(t, err)
	require.NoError(t, sub.OnFrame(canbus.MustFrame(0x1, nil)))
	assert.ErrorIs(t, sub.OnFrame(canbus.MustFrame(0x2, nil)), canbus.ErrDroppedFrame)
	assert.Equal(t, uint64(1), sub.Dropped())
	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	assert.ErrorIs(t, sub.OnFrame(canbus.MustFrame(0x3, nil)), canbus.ErrSubscriberClosed)
}

func TestRedirectReader(t *testing.T) {
	src := virtual.New(t.Name() + "-a")
	srcPeer := virtual.New(t.Name() + "-a")
	dst := virtual.New(t.Name() + "-b")
	dstPeer := virtual.New(t.Name() + "-b")
	for _, tr := range []*virtual.Transport{src, srcPeer, dst, dstPeer} {
		t.Cleanup(func() { tr.Shutdown() })
	}
	srcBus, err := canbus.New(src, nil)
	require.NoError(t, err)
	dstBus, err := canbus.New(dst, nil)
	require.NoError(t, err)
	defer srcBus.Shutdown()
	defer dstBus.Shutdown()

	n := canbus.NewNotifier(context.Background(), []canbus.Receiver{srcBus}, []canbus.Listener{canbus.NewRedirectReader(context.Background(), dstBus)},
		canbus.WithPollInterval(5*time.Millisecond))
	defer n.Stop()

	require.NoError(t, srcPeer.Send(context.Background(), canbus.MustFrame(0x123, []byte{1, 2})))
	f, err := dstPeer.Recv(context.Background(), time.Second)
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, uint32(0x123), f.Identifier)
	assert.Equal(t, []byte{1, 2}, f.Data)
	assert.Equal(t, uint64(1), dstBus.Stats().Sent)
}
