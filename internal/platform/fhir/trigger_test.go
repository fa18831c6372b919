package fhir

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	mu      sync.Mutex
	events  []string
	running atomic.Int32
	peak    atomic.Int32
	delay   time.Duration
	panicOn string
}

func (h *recordingHandler) HandleEvent(_ context.Context, event ResourceEvent) {
	n := h.running.Add(1)
	defer h.running.Add(-1)
	for {
		p := h.peak.Load()
		if n <= p || h.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if event.ResourceID == h.panicOn {
		panic("handler failure")
	}
	time.Sleep(h.delay)
	h.mu.Lock()
	h.events = append(h.events, event.ResourceID)
	h.mu.Unlock()
}

func (h *recordingHandler) Events() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.events...)
}

func eventFor(id string) ResourceEvent {
	return ResourceEvent{ResourceType: "Observation", ResourceID: id, Action: "create"}
}

func TestTrigger_ImmediateRunsOnCaller(t *testing.T) {
	h := &recordingHandler{}
	tr := NewTrigger(h, TriggerConfig{}, zerolog.Nop())

	require.True(t, tr.Immediate())
	tr.OnResourceEvent(context.Background(), eventFor("a"))

	assert.Equal(t, []string{"a"}, h.Events())
	assert.Equal(t, 0, tr.Pending())
	assert.False(t, tr.InFlight())
}

func TestTrigger_DeferredQueuesUntilFlush(t *testing.T) {
	h := &recordingHandler{}
	tr := NewTrigger(h, TriggerConfig{PollDelay: time.Hour}, zerolog.Nop())

	tr.OnResourceEvent(context.Background(), eventFor("a"))
	tr.OnResourceEvent(context.Background(), eventFor("b"))

	assert.Empty(t, h.Events())
	assert.Equal(t, 2, tr.Pending())

	tr.Flush(context.Background())

	assert.ElementsMatch(t, []string{"a", "b"}, h.Events())
	assert.Equal(t, 0, tr.Pending())
}

func TestTrigger_NoCoalescing(t *testing.T) {
	h := &recordingHandler{}
	tr := NewTrigger(h, TriggerConfig{PollDelay: time.Hour}, zerolog.Nop())

	for i := 0; i < 3; i++ {
		tr.OnResourceEvent(context.Background(), eventFor("same"))
	}
	tr.Flush(context.Background())

	assert.Equal(t, []string{"same", "same", "same"}, h.Events())
}

func TestTrigger_WorkersBoundConcurrency(t *testing.T) {
	h := &recordingHandler{delay: 20 * time.Millisecond}
	tr := NewTrigger(h, TriggerConfig{PollDelay: time.Hour, Workers: 2}, zerolog.Nop())

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		tr.OnResourceEvent(context.Background(), eventFor(id))
	}
	tr.Flush(context.Background())

	assert.Len(t, h.Events(), 5)
	assert.LessOrEqual(t, h.peak.Load(), int32(2))
}

func TestTrigger_PanicDoesNotStopPass(t *testing.T) {
	h := &recordingHandler{panicOn: "bad"}
	tr := NewTrigger(h, TriggerConfig{PollDelay: time.Hour}, zerolog.Nop())

	tr.OnResourceEvent(context.Background(), eventFor("bad"))
	tr.OnResourceEvent(context.Background(), eventFor("good"))

	require.NotPanics(t, func() { tr.Flush(context.Background()) })
	assert.Equal(t, []string{"good"}, h.Events())
}

func TestTrigger_ImmediatePanicRecovered(t *testing.T) {
	h := &recordingHandler{panicOn: "bad"}
	tr := NewTrigger(h, TriggerConfig{}, zerolog.Nop())

	require.NotPanics(t, func() { tr.OnResourceEvent(context.Background(), eventFor("bad")) })
	assert.False(t, tr.InFlight())
}

func TestTrigger_EventsDuringPassWaitForNextPass(t *testing.T) {
	h := &recordingHandler{delay: 50 * time.Millisecond}
	tr := NewTrigger(h, TriggerConfig{PollDelay: time.Hour}, zerolog.Nop())
	tr.OnResourceEvent(context.Background(), eventFor("a"))

	done := make(chan struct{})
	go func() {
		tr.Flush(context.Background())
		close(done)
	}()

	require.Eventually(t, tr.InFlight, time.Second, time.Millisecond)
	tr.OnResourceEvent(context.Background(), eventFor("b"))
	<-done

	assert.Equal(t, []string{"a"}, h.Events())
	assert.Equal(t, 1, tr.Pending())

	tr.Flush(context.Background())
	assert.Equal(t, []string{"a", "b"}, h.Events())
}

func TestTrigger_StartTicksAndFlushesOnShutdown(t *testing.T) {
	h := &recordingHandler{}
	tr := NewTrigger(h, TriggerConfig{PollDelay: 10 * time.Millisecond}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	stopped := make(chan struct{})
	go func() {
		tr.Start(ctx)
		close(stopped)
	}()

	tr.OnResourceEvent(context.Background(), eventFor("a"))
	require.Eventually(t, func() bool { return len(h.Events()) == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	<-stopped
	assert.Equal(t, 0, tr.Pending())
}

type ctxHandler struct{ err error }

func (h *ctxHandler) HandleEvent(ctx context.Context, _ ResourceEvent) { h.err = ctx.Err() }

func TestTrigger_ImmediateIgnoresWriterCancellation(t *testing.T) {
	h := &ctxHandler{err: context.DeadlineExceeded}
	tr := NewTrigger(h, TriggerConfig{}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tr.OnResourceEvent(ctx, eventFor("a"))

	assert.NoError(t, h.err)
}
