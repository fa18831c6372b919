package fhir

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/fhirsub/internal/platform/websocket"
)

// memTransport captures frames written by the registry.
type memTransport struct {
	mu     sync.Mutex
	frames []string
}

func (m *memTransport) WriteText(_ context.Context, text string) error {
	m.mu.Lock()
	m.frames = append(m.frames, text)
	m.mu.Unlock()
	return nil
}

func (m *memTransport) Close() error { return nil }

func (m *memTransport) Frames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.frames...)
}

// sourceChecker answers bind checks from the fake source.
type sourceChecker struct{ source *fakeSource }

func (c sourceChecker) ActiveEncoding(_ context.Context, id string) (string, bool, error) {
	c.source.mu.Lock()
	defer c.source.mu.Unlock()
	for _, a := range c.source.active {
		if a.FHIRID == id {
			return a.ChannelPayload, true, nil
		}
	}
	return "", false, nil
}

type engineFixture struct {
	source   *fakeSource
	registry *websocket.Registry
	engine   *NotificationEngine
}

func newEngineFixture(t *testing.T, cfg EngineConfig, subs ...ActiveSubscription) *engineFixture {
	t.Helper()
	source := &fakeSource{active: subs}
	registry := websocket.NewRegistry(sourceChecker{source: source}, websocket.RegistryConfig{}, zerolog.Nop())
	t.Cleanup(registry.Close)

	engine := NewNotificationEngine(source, NewSearchMatcher(), registry, nil, cfg, zerolog.Nop())
	engine.RefreshCache(context.Background())
	return &engineFixture{source: source, registry: registry, engine: engine}
}

func (f *engineFixture) bind(t *testing.T, id string) (*websocket.Session, *memTransport) {
	t.Helper()
	tr := &memTransport{}
	s, err := f.registry.Bind(context.Background(), id, tr)
	require.NoError(t, err)
	return s, tr
}

func framesEventually(t *testing.T, tr *memTransport, want ...string) {
	t.Helper()
	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(want, tr.Frames())
	}, time.Second, 5*time.Millisecond, "frames: %v", tr.Frames())
}

const bloodGlucoseCriteria = "Observation?code=SNOMED-CT|82313006"

func TestEngine_MatchingWriteNotifiesBoundSession(t *testing.T) {
	f := newEngineFixture(t, EngineConfig{}, activeWebsocketSub("sub-1", bloodGlucoseCriteria))
	_, tr := f.bind(t, "sub-1")

	f.engine.OnResourceEvent(context.Background(), observationEvent())

	framesEventually(t, tr, "bound sub-1", "ping sub-1")
}

func TestEngine_NonMatchingWriteSendsNothing(t *testing.T) {
	f := newEngineFixture(t, EngineConfig{Trigger: TriggerConfig{PollDelay: time.Hour}},
		activeWebsocketSub("sub-1", "Observation?code=SNOMED-CT|8231"))
	_, tr := f.bind(t, "sub-1")

	f.engine.OnResourceEvent(context.Background(), observationEvent())
	f.engine.Flush(context.Background())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{"bound sub-1"}, tr.Frames())
}

func TestEngine_EverySessionOfSubscriptionNotified(t *testing.T) {
	f := newEngineFixture(t, EngineConfig{}, activeWebsocketSub("sub-1", bloodGlucoseCriteria))
	_, first := f.bind(t, "sub-1")
	_, second := f.bind(t, "sub-1")

	f.engine.OnResourceEvent(context.Background(), observationEvent())

	framesEventually(t, first, "bound sub-1", "ping sub-1")
	framesEventually(t, second, "bound sub-1", "ping sub-1")
}

func TestEngine_UnboundSessionReceivesNothing(t *testing.T) {
	f := newEngineFixture(t, EngineConfig{}, activeWebsocketSub("sub-1", bloodGlucoseCriteria))
	s, tr := f.bind(t, "sub-1")
	f.registry.Unbind(s)

	f.engine.OnResourceEvent(context.Background(), observationEvent())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{"bound sub-1"}, tr.Frames())
	assert.Equal(t, 0, f.registry.SessionCount("sub-1"))
}

func TestEngine_NoActiveSubscriptionsNoDispatch(t *testing.T) {
	source := &fakeSource{}
	sender := &fakeSender{}
	engine := NewNotificationEngine(source, NewSearchMatcher(), sender, nil, EngineConfig{}, zerolog.Nop())
	engine.RefreshCache(context.Background())

	engine.OnResourceEvent(context.Background(), observationEvent())

	assert.Equal(t, 0, engine.ActiveCount())
	assert.Empty(t, sender.Sent())
}

func TestEngine_NoCoalescingOfWrites(t *testing.T) {
	f := newEngineFixture(t, EngineConfig{Trigger: TriggerConfig{PollDelay: time.Hour}},
		activeWebsocketSub("sub-1", bloodGlucoseCriteria))
	_, tr := f.bind(t, "sub-1")

	f.engine.OnResourceEvent(context.Background(), observationEvent())
	f.engine.OnResourceEvent(context.Background(), observationEvent())
	f.engine.Flush(context.Background())

	framesEventually(t, tr, "bound sub-1", "ping sub-1", "ping sub-1")
}

func TestEngine_SubscriptionTurnedOffStopsMatching(t *testing.T) {
	f := newEngineFixture(t, EngineConfig{}, activeWebsocketSub("sub-1", bloodGlucoseCriteria))
	_, tr := f.bind(t, "sub-1")

	require.NoError(t, f.source.MarkStatus(context.Background(), "sub-1", "off", nil))
	f.engine.RefreshCache(context.Background())
	f.engine.OnResourceEvent(context.Background(), observationEvent())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{"bound sub-1"}, tr.Frames())
	assert.Equal(t, 0, f.engine.ActiveCount())
}

func TestEngine_ResourcePayloadFrame(t *testing.T) {
	sub := activeWebsocketSub("sub-1", bloodGlucoseCriteria)
	sub.ChannelPayload = "application/fhir+json"
	f := newEngineFixture(t, EngineConfig{}, sub)
	_, tr := f.bind(t, "sub-1")

	f.engine.OnResourceEvent(context.Background(), observationEvent())

	framesEventually(t, tr, "bound sub-1", "add sub-1\n"+observationJSON)
}

func TestEngine_BindToUnknownSubscriptionFails(t *testing.T) {
	f := newEngineFixture(t, EngineConfig{})

	_, err := f.registry.Bind(context.Background(), "missing", &memTransport{})

	assert.ErrorIs(t, err, websocket.ErrInvalidSubscription)
}

func TestEngine_ExpiredSubscriptionsTurnedOff(t *testing.T) {
	f := newEngineFixture(t, EngineConfig{}, activeWebsocketSub("sub-1", bloodGlucoseCriteria))
	f.source.expired = []string{"sub-1"}

	f.engine.cache.ExpireSubscriptions(context.Background())

	marks := f.source.Marks()
	require.Len(t, marks, 1)
	assert.Equal(t, "off", marks[0].Status)
	assert.Equal(t, 0, f.engine.ActiveCount())
}

func TestSubscriptionCache_KeepsSnapshotOnError(t *testing.T) {
	source := &fakeSource{active: []ActiveSubscription{{FHIRID: "s1", Criteria: "Patient?gender=male"}}}
	cache := NewSubscriptionCache(source, zerolog.Nop())

	cache.RefreshCache(context.Background())
	require.Equal(t, 1, cache.Len())
	snap := cache.Snapshot()
	assert.Equal(t, "active", snap[0].Status)
	assert.Equal(t, "Patient", snap[0].ResourceType)

	source.mu.Lock()
	source.listErr = assert.AnError
	source.mu.Unlock()
	cache.RefreshCache(context.Background())

	assert.Equal(t, 1, cache.Len())
}

func TestEngine_CancelledWriterStillNotifies(t *testing.T) {
	f := newEngineFixture(t, EngineConfig{Dispatcher: DispatcherConfig{FailureThreshold: 1}},
		activeWebsocketSub("sub-1", bloodGlucoseCriteria))
	_, tr := f.bind(t, "sub-1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f.engine.OnResourceEvent(ctx, observationEvent())

	framesEventually(t, tr, "bound sub-1", "ping sub-1")
	assert.Empty(t, f.source.Marks())
	assert.Equal(t, 1, f.engine.ActiveCount())
}

// gatedSource holds its first ListActive until released, returning the
// data it read before blocking.
type gatedSource struct {
	*fakeSource
	once    sync.Once
	loaded  chan struct{}
	release chan struct{}
}

func (s *gatedSource) ListActive(ctx context.Context) ([]ActiveSubscription, error) {
	subs, err := s.fakeSource.ListActive(ctx)
	first := false
	s.once.Do(func() { first = true })
	if first {
		close(s.loaded)
		<-s.release
	}
	return subs, err
}

func TestSubscriptionCache_SlowRefreshDoesNotOverwriteNewer(t *testing.T) {
	source := &gatedSource{
		fakeSource: &fakeSource{active: []ActiveSubscription{activeWebsocketSub("sub-1", bloodGlucoseCriteria)}},
		loaded:     make(chan struct{}),
		release:    make(chan struct{}),
	}
	cache := NewSubscriptionCache(source, zerolog.Nop())

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		cache.RefreshCache(context.Background())
	}()
	<-source.loaded

	require.NoError(t, source.MarkStatus(context.Background(), "sub-1", "off", nil))
	go func() {
		defer wg.Done()
		cache.RefreshCache(context.Background())
	}()

	close(source.release)
	wg.Wait()

	assert.Equal(t, 0, cache.Len())
}
