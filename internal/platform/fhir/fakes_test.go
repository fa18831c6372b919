package fhir

import (
	"context"
	"sync"
	"time"

	"github.com/ehr/fhirsub/internal/platform/webhook"
	"github.com/ehr/fhirsub/internal/platform/websocket"
)

// fakeSource is an in-memory SubscriptionSource.
type fakeSource struct {
	mu       sync.Mutex
	active   []ActiveSubscription
	expired  []string
	marks    []statusMark
	listErr  error
	listings int
}

type statusMark struct {
	ID        string
	Status    string
	ErrorText string
}

func (s *fakeSource) ListActive(_ context.Context) ([]ActiveSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listings++
	if s.listErr != nil {
		return nil, s.listErr
	}
	return append([]ActiveSubscription(nil), s.active...), nil
}

func (s *fakeSource) ListExpired(_ context.Context, _ time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.expired...), nil
}

func (s *fakeSource) MarkStatus(_ context.Context, id, status string, errorText *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := statusMark{ID: id, Status: status}
	if errorText != nil {
		m.ErrorText = *errorText
	}
	s.marks = append(s.marks, m)

	kept := s.active[:0]
	for _, a := range s.active {
		if a.FHIRID == id && status != "active" {
			continue
		}
		kept = append(kept, a)
	}
	s.active = kept
	return nil
}

func (s *fakeSource) Marks() []statusMark {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]statusMark(nil), s.marks...)
}

// fakeSender records websocket sends and answers with a fixed report.
type fakeSender struct {
	mu     sync.Mutex
	sent   []sentMessage
	report websocket.DeliveryReport
}

type sentMessage struct {
	SubscriptionID string
	Text           string
}

func (f *fakeSender) Send(_ context.Context, id string, msg websocket.Message) websocket.DeliveryReport {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{SubscriptionID: id, Text: msg.Text()})
	return f.report
}

func (f *fakeSender) Sent() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

// fakeHooks captures rest-hook notifications.
type fakeHooks struct {
	mu    sync.Mutex
	queue []webhook.Notification
	err   error
}

func (f *fakeHooks) Enqueue(n webhook.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.queue = append(f.queue, n)
	return nil
}

func (f *fakeHooks) Queued() []webhook.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]webhook.Notification(nil), f.queue...)
}

// funcMatcher adapts a function to CriterionMatcher and counts calls.
type funcMatcher struct {
	mu    sync.Mutex
	calls int
	fn    func(event ResourceEvent, criteria string) (bool, error)
}

func (m *funcMatcher) Matches(_ context.Context, event ResourceEvent, criteria string) (bool, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	return m.fn(event, criteria)
}

func (m *funcMatcher) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// staticSnapshot is a fixed SnapshotProvider.
type staticSnapshot []ActiveSubscription

func (s staticSnapshot) Snapshot() []ActiveSubscription { return s }

func activeWebsocketSub(id, criteria string) ActiveSubscription {
	c, _ := ParseCriteria(criteria)
	return ActiveSubscription{
		FHIRID:         id,
		Status:         "active",
		Criteria:       criteria,
		ChannelType:    "websocket",
		ChannelPayload: "application/json",
		ResourceType:   c.ResourceType,
	}
}
