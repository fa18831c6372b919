// Package websocket binds live WebSocket connections to subscriptions and
// pushes notification frames to them.
package websocket

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Transport is the outbound half of a client connection.
type Transport interface {
	WriteText(ctx context.Context, text string) error
	Close() error
}

// SubscriptionChecker confirms a subscription id at bind time.
type SubscriptionChecker interface {
	// ActiveEncoding returns the channel payload of an ACTIVE subscription.
	// ok is false when the id is unknown or the subscription is not ACTIVE.
	ActiveEncoding(ctx context.Context, subscriptionID string) (encoding string, ok bool, err error)
}

// DeliveryReport summarises one Send. Skipped sessions had unbound before
// the frame was queued, or were not reached because ctx was cancelled;
// neither counts as a delivery failure.
type DeliveryReport struct {
	Delivered int
	Failed    int
	Skipped   int
}

// Session is one connection bound to one subscription.
type Session struct {
	ID             string
	SubscriptionID string
	Encoding       string
	BoundAt        time.Time

	transport Transport
	queue     chan string
	done      chan struct{}
	closeOnce sync.Once
	delivered atomic.Int64
}

// Delivered returns how many frames after BOUND were written to the transport.
func (s *Session) Delivered() int64 {
	return s.delivered.Load()
}

// Done is closed once the session is unbound.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) close() bool {
	closed := false
	s.closeOnce.Do(func() {
		close(s.done)
		closed = true
	})
	return closed
}

// enqueue hands text to the write pump, giving up after timeout.
func (s *Session) enqueue(text string, timeout time.Duration) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case s.queue <- text:
		return nil
	case <-s.done:
		return ErrSessionClosed
	case <-timer.C:
		return errors.Wrapf(ErrDelivery, "session %s stalled for %s", s.ID, timeout)
	}
}

// RegistryConfig tunes per-session buffering.
type RegistryConfig struct {
	SendTimeout time.Duration
	SendBuffer  int
}

// DefaultRegistryConfig returns the defaults used when a field is zero.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{SendTimeout: 5 * time.Second, SendBuffer: 64}
}

// Registry owns every bound session, indexed by subscription id in
// registration order. The lock guards the index only; transport writes
// happen in each session's write pump.
type Registry struct {
	checker SubscriptionChecker
	logger  zerolog.Logger
	cfg     RegistryConfig

	mu       sync.Mutex
	sessions map[string][]*Session
	byID     map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry(checker SubscriptionChecker, cfg RegistryConfig, logger zerolog.Logger) *Registry {
	def := DefaultRegistryConfig()
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	return &Registry{
		checker:  checker,
		logger:   logger,
		cfg:      cfg,
		sessions: make(map[string][]*Session),
		byID:     make(map[string]*Session),
	}
}

// NormalizeID strips a leading "Subscription/" from a bind argument.
func NormalizeID(subscriptionID string) string {
	return strings.TrimPrefix(strings.TrimSpace(subscriptionID), "Subscription/")
}

// Bind validates the subscription, writes BOUND to the transport and
// registers the session. BOUND is on the wire before Bind returns, so it
// always precedes any notification for the session.
func (r *Registry) Bind(ctx context.Context, subscriptionID string, transport Transport) (*Session, error) {
	id := NormalizeID(subscriptionID)
	if id == "" {
		return nil, errors.Wrap(ErrInvalidSubscription, "empty subscription id")
	}

	encoding, ok, err := r.checker.ActiveEncoding(ctx, id)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidSubscription, "lookup %s: %v", id, err)
	}
	if !ok {
		return nil, errors.Wrapf(ErrInvalidSubscription, "no active subscription %s", id)
	}

	s := &Session{
		ID:             uuid.New().String(),
		SubscriptionID: id,
		Encoding:       encoding,
		BoundAt:        time.Now(),
		transport:      transport,
		queue:          make(chan string, r.cfg.SendBuffer),
		done:           make(chan struct{}),
	}

	// Registered before "bound" is written so no match is missed; frames
	// queued meanwhile wait for the write pump.
	r.mu.Lock()
	r.sessions[id] = append(r.sessions[id], s)
	r.byID[s.ID] = s
	r.mu.Unlock()

	wctx, cancel := context.WithTimeout(ctx, r.cfg.SendTimeout)
	err = transport.WriteText(wctx, BoundMessage(id).Text())
	cancel()
	if err != nil {
		r.Unbind(s)
		return nil, errors.Wrapf(ErrDelivery, "write bound for %s: %v", id, err)
	}

	go r.writePump(s)

	r.logger.Info().Str("session", s.ID).Str("subscription", id).Msg("websocket session bound")
	return s, nil
}

// Unbind removes the session. It is idempotent, sends nothing and does not
// wait for an in-flight write.
func (r *Registry) Unbind(s *Session) {
	if s == nil {
		return
	}
	r.mu.Lock()
	if _, ok := r.byID[s.ID]; ok {
		delete(r.byID, s.ID)
		list := r.sessions[s.SubscriptionID]
		for i, other := range list {
			if other == s {
				list = append(list[:i:i], list[i+1:]...)
				break
			}
		}
		if len(list) == 0 {
			delete(r.sessions, s.SubscriptionID)
		} else {
			r.sessions[s.SubscriptionID] = list
		}
	}
	r.mu.Unlock()

	if s.close() {
		r.logger.Info().Str("session", s.ID).Str("subscription", s.SubscriptionID).Msg("websocket session unbound")
	}
}

// Send delivers msg to every session bound to subscriptionID in registration
// order. Stalled sessions are pruned and counted as failed.
func (r *Registry) Send(ctx context.Context, subscriptionID string, msg Message) DeliveryReport {
	r.mu.Lock()
	targets := append([]*Session(nil), r.sessions[subscriptionID]...)
	r.mu.Unlock()

	var report DeliveryReport
	text := msg.Text()
	for i, s := range targets {
		if ctx.Err() != nil {
			report.Skipped += len(targets) - i
			break
		}
		err := s.enqueue(text, r.cfg.SendTimeout)
		if errors.Is(err, ErrSessionClosed) {
			report.Skipped++
			continue
		}
		if err != nil {
			report.Failed++
			r.logger.Warn().Err(err).
				Str("session", s.ID).
				Str("subscription", subscriptionID).
				Str("kind", msg.Kind.String()).
				Msg("pruning websocket session")
			r.drop(s)
			continue
		}
		report.Delivered++
	}
	return report
}

// Notify queues a raw frame, such as an error diagnostic, on one session.
func (r *Registry) Notify(s *Session, text string) error {
	return s.enqueue(text, r.cfg.SendTimeout)
}

// SessionCount returns the number of sessions bound to one subscription.
func (r *Registry) SessionCount(subscriptionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions[subscriptionID])
}

// Len returns the total number of bound sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

// Close unbinds every session and closes its transport.
func (r *Registry) Close() {
	r.mu.Lock()
	all := make([]*Session, 0, len(r.byID))
	for _, s := range r.byID {
		all = append(all, s)
	}
	r.mu.Unlock()

	for _, s := range all {
		r.drop(s)
	}
}

func (r *Registry) drop(s *Session) {
	r.Unbind(s)
	if err := s.transport.Close(); err != nil {
		r.logger.Debug().Err(err).Str("session", s.ID).Msg("closing transport")
	}
}

func (r *Registry) writePump(s *Session) {
	for {
		select {
		case <-s.done:
			return
		case text := <-s.queue:
			ctx, cancel := context.WithTimeout(context.Background(), r.cfg.SendTimeout)
			err := s.transport.WriteText(ctx, text)
			cancel()
			if err != nil {
				r.logger.Warn().Err(err).Str("session", s.ID).Msg("websocket write failed")
				r.drop(s)
				return
			}
			s.delivered.Add(1)
		}
	}
}
