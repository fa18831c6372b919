package fhir

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// EventHandler processes one committed resource write.
type EventHandler interface {
	HandleEvent(ctx context.Context, event ResourceEvent)
}

// TriggerConfig selects immediate or deferred evaluation.
type TriggerConfig struct {
	// PollDelay of zero evaluates on the writer's goroutine. A positive delay
	// queues events and evaluates them on the next tick.
	PollDelay time.Duration
	// Workers bounds concurrent evaluations in deferred mode.
	Workers int
}

// Trigger wakes the evaluator for every resource write. In deferred mode
// writes are never blocked by an evaluation in progress; they queue and are
// picked up by the next pass.
type Trigger struct {
	handler EventHandler
	cfg     TriggerConfig
	logger  zerolog.Logger

	mu      sync.Mutex
	pending []ResourceEvent

	passMu   sync.Mutex
	inFlight atomic.Int32
}

// NewTrigger creates a trigger feeding handler.
func NewTrigger(handler EventHandler, cfg TriggerConfig, logger zerolog.Logger) *Trigger {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Trigger{handler: handler, cfg: cfg, logger: logger}
}

// Immediate reports whether events are evaluated synchronously.
func (t *Trigger) Immediate() bool {
	return t.cfg.PollDelay <= 0
}

// InFlight reports whether an evaluation pass is running.
func (t *Trigger) InFlight() bool {
	return t.inFlight.Load() > 0
}

// Pending returns the number of queued events.
func (t *Trigger) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// OnResourceEvent implements ResourceEventListener. The write is already
// committed, so evaluation ignores the writer's cancellation.
func (t *Trigger) OnResourceEvent(ctx context.Context, event ResourceEvent) {
	if t.Immediate() {
		t.inFlight.Add(1)
		defer t.inFlight.Add(-1)
		t.handle(context.WithoutCancel(ctx), event)
		return
	}
	t.mu.Lock()
	t.pending = append(t.pending, event)
	t.mu.Unlock()
}

// Start runs the polling loop until ctx is cancelled. Events still queued
// at shutdown are flushed with a short grace period.
func (t *Trigger) Start(ctx context.Context) {
	if t.Immediate() {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(t.cfg.PollDelay)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			t.Flush(flushCtx)
			cancel()
			return
		case <-ticker.C:
			t.Flush(ctx)
		}
	}
}

// Flush evaluates every queued event now. Passes never overlap.
func (t *Trigger) Flush(ctx context.Context) {
	t.passMu.Lock()
	defer t.passMu.Unlock()

	t.mu.Lock()
	batch := t.pending
	t.pending = nil
	t.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	t.inFlight.Add(1)
	defer t.inFlight.Add(-1)

	var g errgroup.Group
	g.SetLimit(t.cfg.Workers)
	for _, event := range batch {
		event := event
		g.Go(func() error {
			t.handle(ctx, event)
			return nil
		})
	}
	_ = g.Wait()

	t.logger.Debug().Int("events", len(batch)).Msg("evaluation pass complete")
}

// handle isolates the loop from any failure inside the handler.
func (t *Trigger) handle(ctx context.Context, event ResourceEvent) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error().
				Str("resource", event.Reference()).
				Str("panic", fmt.Sprint(r)).
				Msg("resource event handling panicked")
		}
	}()
	t.handler.HandleEvent(ctx, event)
}
