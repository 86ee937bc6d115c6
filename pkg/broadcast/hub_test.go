package broadcast

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/runwatch/pkg/status"
)

var errUnknown = errors.New("unknown execution")

// fakeSource stands in for the shared store.
type fakeSource struct {
	mu    sync.Mutex
	snaps map[string]status.Snapshot
	reads int
}

func newFakeSource() *fakeSource {
	return &fakeSource{snaps: make(map[string]status.Snapshot)}
}

func (f *fakeSource) set(snap status.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.snaps[snap.ExecutionID] = snap
}

func (f *fakeSource) Snapshot(_ context.Context, id string) (*status.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.reads++

	snap, ok := f.snaps[id]
	if !ok {
		return nil, errUnknown
	}

	return &snap, nil
}

func (f *fakeSource) ActiveExecutions(context.Context) ([]status.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]status.Snapshot, 0, len(f.snaps))
	for _, s := range f.snaps {
		if s.Status == status.Running {
			out = append(out, s)
		}
	}

	return out, nil
}

func snapshot(id string, passed, total int) status.Snapshot {
	statuses := make([]status.Status, 0, total)
	for i := 0; i < total; i++ {
		if i < passed {
			statuses = append(statuses, status.Passed)
		} else {
			statuses = append(statuses, status.Running)
		}
	}

	return status.Build(status.ExecutionInfo{
		ExecutionID: id,
		Status:      status.Running,
		StartTime:   time.Now(),
	}, statuses, time.Now())
}

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	return log
}

func startHub(t *testing.T, cfg Config, src Source, relay Relay) Hub {
	t.Helper()

	h := NewHub(testLogger(), cfg, src, relay)
	require.NoError(t, h.Start(context.Background()))

	t.Cleanup(func() { _ = h.Stop() })

	return h
}

// slow disables ticks so only explicit pushes arrive.
var slow = Config{ExecutionInterval: time.Hour, ActiveInterval: time.Hour, QueueSize: 8}

func nextSnapshot(t *testing.T, sub *Subscription, within time.Duration) status.Snapshot {
	t.Helper()

	select {
	case msg := <-sub.C():
		require.Equal(t, MessageStatus, msg.Type)

		snap, ok := msg.Data.(status.Snapshot)
		require.True(t, ok)

		return snap
	case <-time.After(within):
		t.Fatalf("no message within %s", within)
	}

	return status.Snapshot{}
}

func TestSubscribe_FirstMessageIsCurrentSnapshot(t *testing.T) {
	src := newFakeSource()
	src.set(snapshot("exec-1", 3, 5))

	h := startHub(t, slow, src, nil)

	sub, err := h.Subscribe(context.Background(), "exec-1")
	require.NoError(t, err)

	snap := nextSnapshot(t, sub, time.Second)
	assert.Equal(t, "exec-1", snap.ExecutionID)
	assert.InDelta(t, 60.0, snap.Progress, 0.0001)
	assert.Equal(t, 3, snap.Passed)
}

func TestSubscribe_UnknownExecution(t *testing.T) {
	h := startHub(t, slow, newFakeSource(), nil)

	_, err := h.Subscribe(context.Background(), "missing")
	require.ErrorIs(t, err, errUnknown)
}

func TestTick_PushesLatestState(t *testing.T) {
	src := newFakeSource()
	src.set(snapshot("exec-1", 0, 2))

	h := startHub(t, Config{
		ExecutionInterval: 20 * time.Millisecond,
		ActiveInterval:    time.Hour,
		QueueSize:         64,
	}, src, nil)

	sub, err := h.Subscribe(context.Background(), "exec-1")
	require.NoError(t, err)

	nextSnapshot(t, sub, time.Second)
	src.set(snapshot("exec-1", 2, 2))

	deadline := time.After(2 * time.Second)

	for {
		select {
		case msg := <-sub.C():
			if msg.Data.(status.Snapshot).Passed == 2 {
				return
			}
		case <-deadline:
			t.Fatal("tick never delivered the new state")
		}
	}
}

func TestNotify_LocalOnlyWithoutRelay(t *testing.T) {
	src := newFakeSource()
	src.set(snapshot("exec-1", 1, 4))

	h := startHub(t, slow, src, nil)

	sub, err := h.Subscribe(context.Background(), "exec-1")
	require.NoError(t, err)
	nextSnapshot(t, sub, time.Second)

	src.set(snapshot("exec-1", 2, 4))
	h.Notify(context.Background(), Event{ExecutionID: "exec-1", Status: status.Running})

	snap := nextSnapshot(t, sub, time.Second)
	assert.Equal(t, 2, snap.Passed)
}

type brokenRelay struct{}

func (brokenRelay) Publish(context.Context, Event) error { return errors.New("down") }

func (brokenRelay) Subscribe(context.Context) (<-chan Event, error) {
	return nil, errors.New("connection refused")
}

func (brokenRelay) Close() error { return nil }

func TestNotify_DegradesWhenRelayUnavailable(t *testing.T) {
	src := newFakeSource()
	src.set(snapshot("exec-1", 0, 1))

	h := startHub(t, slow, src, brokenRelay{})

	sub, err := h.Subscribe(context.Background(), "exec-1")
	require.NoError(t, err)
	nextSnapshot(t, sub, time.Second)

	src.set(snapshot("exec-1", 1, 1))
	h.Notify(context.Background(), Event{ExecutionID: "exec-1", Status: status.Passed})

	snap := nextSnapshot(t, sub, time.Second)
	assert.Equal(t, 1, snap.Passed)
}

func TestNotify_ConvergesAcrossInstances(t *testing.T) {
	src := newFakeSource()
	src.set(snapshot("exec-1", 0, 3))

	relay := NewLocalRelay()

	// Both hubs share the relay; closing it twice is harmless.
	a := startHub(t, slow, src, relay)
	b := startHub(t, slow, src, relay)

	subB, err := b.Subscribe(context.Background(), "exec-1")
	require.NoError(t, err)
	nextSnapshot(t, subB, time.Second)

	src.set(snapshot("exec-1", 1, 3))
	a.Notify(context.Background(), Event{ExecutionID: "exec-1", Status: status.Running})

	snap := nextSnapshot(t, subB, time.Second)
	assert.Equal(t, 1, snap.Passed)
}

func TestNotify_ConvergesOverRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	src := newFakeSource()
	src.set(snapshot("exec-1", 0, 5))

	relayA, err := NewRedisRelay(ctx, testLogger(), "redis://"+mr.Addr(), "runwatch:test")
	require.NoError(t, err)

	relayB, err := NewRedisRelay(ctx, testLogger(), "redis://"+mr.Addr(), "runwatch:test")
	require.NoError(t, err)

	cfg := Config{ExecutionInterval: time.Second, ActiveInterval: time.Hour, QueueSize: 8}
	a := startHub(t, cfg, src, relayA)
	b := startHub(t, cfg, src, relayB)

	subB, err := b.Subscribe(ctx, "exec-1")
	require.NoError(t, err)
	nextSnapshot(t, subB, time.Second)

	// Instance A writes and announces; B never writes.
	src.set(snapshot("exec-1", 3, 5))
	a.Notify(ctx, Event{ExecutionID: "exec-1", Status: status.Running})

	snap := nextSnapshot(t, subB, cfg.ExecutionInterval+500*time.Millisecond)
	assert.Equal(t, 3, snap.Passed)
	assert.InDelta(t, 60.0, snap.Progress, 0.0001)
}

func TestSlowSubscriberIsDroppedAlone(t *testing.T) {
	src := newFakeSource()
	src.set(snapshot("exec-1", 0, 1))

	h := startHub(t, Config{ExecutionInterval: time.Hour, ActiveInterval: time.Hour, QueueSize: 1}, src, nil)

	slowSub, err := h.Subscribe(context.Background(), "exec-1")
	require.NoError(t, err)

	fastSub, err := h.Subscribe(context.Background(), "exec-1")
	require.NoError(t, err)
	nextSnapshot(t, fastSub, time.Second)

	// slowSub still holds its first message; the next push overflows it.
	h.Notify(context.Background(), Event{ExecutionID: "exec-1"})

	select {
	case <-slowSub.Done():
	case <-time.After(time.Second):
		t.Fatal("slow subscriber was not dropped")
	}

	require.ErrorIs(t, slowSub.Err(), ErrDelivery)

	nextSnapshot(t, fastSub, time.Second)

	select {
	case <-fastSub.Done():
		t.Fatal("fast subscriber must stay open")
	default:
	}
}

func TestFailRemovesSubscription(t *testing.T) {
	src := newFakeSource()
	src.set(snapshot("exec-1", 0, 1))

	h := startHub(t, slow, src, nil)

	sub, err := h.Subscribe(context.Background(), "exec-1")
	require.NoError(t, err)

	sub.Fail(errors.New("broken pipe"))
	require.ErrorIs(t, sub.Err(), ErrDelivery)

	impl := h.(*hub)
	assert.Empty(t, impl.subscribers("exec-1"))
}

func TestContextCancelClosesSubscription(t *testing.T) {
	src := newFakeSource()
	src.set(snapshot("exec-1", 0, 1))

	h := startHub(t, slow, src, nil)

	ctx, cancel := context.WithCancel(context.Background())

	sub, err := h.Subscribe(ctx, "exec-1")
	require.NoError(t, err)

	cancel()

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription not closed on cancel")
	}

	assert.NoError(t, sub.Err())
}

func TestSubscribeActive(t *testing.T) {
	src := newFakeSource()
	src.set(snapshot("exec-1", 0, 1))
	src.set(snapshot("exec-2", 1, 2))

	h := startHub(t, slow, src, nil)

	sub, err := h.SubscribeActive(context.Background())
	require.NoError(t, err)

	select {
	case msg := <-sub.C():
		assert.Equal(t, MessageActive, msg.Type)
		assert.Len(t, msg.Data.([]status.Snapshot), 2)
	case <-time.After(time.Second):
		t.Fatal("no initial active list")
	}

	h.Notify(context.Background(), Event{ExecutionID: "exec-1"})

	select {
	case msg := <-sub.C():
		assert.Equal(t, MessageActive, msg.Type)
	case <-time.After(time.Second):
		t.Fatal("active list not refreshed on notify")
	}
}

func TestRelayNotifierReachesHub(t *testing.T) {
	src := newFakeSource()
	src.set(snapshot("exec-1", 0, 2))

	relay := NewLocalRelay()
	h := startHub(t, slow, src, relay)

	sub, err := h.Subscribe(context.Background(), "exec-1")
	require.NoError(t, err)
	nextSnapshot(t, sub, time.Second)

	// An out-of-process writer only publishes.
	src.set(snapshot("exec-1", 1, 2))
	NewRelayNotifier(testLogger(), relay).Notify(context.Background(), Event{ExecutionID: "exec-1"})

	snap := nextSnapshot(t, sub, time.Second)
	assert.Equal(t, 1, snap.Passed)
}

func TestStop_Idempotent(t *testing.T) {
	src := newFakeSource()
	src.set(snapshot("exec-1", 0, 2))

	h := NewHub(testLogger(), slow, src, NewLocalRelay())
	require.NoError(t, h.Start(context.Background()))

	sub, err := h.Subscribe(context.Background(), "exec-1")
	require.NoError(t, err)

	require.NoError(t, h.Stop())
	require.NotPanics(t, func() { require.NoError(t, h.Stop()) })

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription not closed by Stop")
	}
}
