package ordering

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"go-chat-core/internal/chat"
	"go-chat-core/internal/metrics"
	"go-chat-core/internal/store"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

type pushRecorder struct {
	mu     sync.Mutex
	pushes []chat.Push
	handed bool
}

func (r *pushRecorder) redeliver(_ context.Context, p chat.Push) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pushes = append(r.pushes, p)
	return r.handed, nil
}

func (r *pushRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pushes)
}

type trackerFixture struct {
	clock   *clock.Mock
	store   *store.Memory
	tracker *Tracker
	pushes  *pushRecorder
	msg     chat.Message
}

func newTrackerFixture(t *testing.T, seq uint64) *trackerFixture {
	t.Helper()
	f := &trackerFixture{
		clock:  clock.NewMock(),
		store:  store.NewMemory(),
		pushes: &pushRecorder{handed: true},
	}
	f.tracker = NewTracker(slog.Default(), f.store, DefaultRetryPolicy(), metrics.New(prometheus.NewRegistry()), WithClock(f.clock))
	f.tracker.SetRedeliverer(f.pushes.redeliver)
	t.Cleanup(f.tracker.Stop)

	f.msg = chat.Message{
		ID:             uuid.New(),
		ConversationID: "c1",
		Sender:         "alice",
		Recipients:     []chat.Identity{"bob"},
		Content:        "hi",
		Seq:            seq,
		CreatedAt:      time.Now().UTC(),
	}
	ctx := context.Background()
	require.NoError(t, f.store.Append(ctx, f.msg))
	_, err := f.store.MarkState(ctx, f.msg.ID, "bob", chat.StateDelivered)
	require.NoError(t, err)
	return f
}

func (f *trackerFixture) state(t *testing.T) chat.DeliveryState {
	s, err := f.store.State(context.Background(), f.msg.ID, "bob")
	require.NoError(t, err)
	return s
}

func TestRetryPolicy_Delay(t *testing.T) {
	p := DefaultRetryPolicy()
	require.Equal(t, 5*time.Second, p.Delay(0))
	require.Equal(t, 10*time.Second, p.Delay(1))
	require.Equal(t, 80*time.Second, p.Delay(4))
}

func TestTracker_NoAck_RedeliversFiveTimesThenLeavesPending(t *testing.T) {
	req := require.New(t)
	f := newTrackerFixture(t, 5)
	key := Key{Recipient: "bob", ConversationID: "c1", Seq: 5}

	req.True(f.tracker.Track(f.msg, "bob"))

	// Nothing before the first window elapses
	f.clock.Add(4 * time.Second)
	req.Zero(f.pushes.count())

	f.clock.Add(1 * time.Second)
	for attempt := 1; attempt <= 5; attempt++ {
		req.Eventually(func() bool { return f.pushes.count() == attempt }, time.Second, time.Millisecond)
		got, ok := f.tracker.Attempts(key)
		req.True(ok)
		req.Equal(attempt, got)
		f.clock.Add(DefaultRetryPolicy().Delay(attempt))
	}

	req.Eventually(func() bool { return f.tracker.Inflight() == 0 }, time.Second, time.Millisecond)
	req.Eventually(func() bool { return f.state(t) == chat.StatePending }, time.Second, time.Millisecond)

	// Never dropped: still fetchable, no extra redelivery
	f.clock.Add(time.Hour)
	req.Equal(5, f.pushes.count())
	pending, err := f.store.FetchPending(context.Background(), "bob")
	req.NoError(err)
	req.Len(pending, 1)
	req.Equal(uint64(5), pending[0].Seq)

	for i, p := range f.pushes.pushes {
		req.True(p.Redelivery)
		req.Equal(i+1, p.Attempt)
		req.Equal(f.msg.ID, p.Message.ID)
	}
}

func TestTracker_AckStopsRedelivery(t *testing.T) {
	req := require.New(t)
	f := newTrackerFixture(t, 1)
	key := Key{Recipient: "bob", ConversationID: "c1", Seq: 1}
	f.tracker.Track(f.msg, "bob")

	f.clock.Add(5 * time.Second)
	req.Eventually(func() bool { return f.pushes.count() == 1 }, time.Second, time.Millisecond)

	changed, err := f.tracker.Ack(context.Background(), key)
	req.NoError(err)
	req.True(changed)
	req.Equal(chat.StateAcked, f.state(t))

	f.clock.Add(time.Hour)
	req.Equal(1, f.pushes.count())
	req.Zero(f.tracker.Inflight())
}

// Two devices of one identity: either ack settles it once, the other is a no-op,
// and the silent device does not keep redelivery going.
func TestTracker_MultiDevice_AnyAckSettlesOnce(t *testing.T) {
	req := require.New(t)
	f := newTrackerFixture(t, 3)
	key := Key{Recipient: "bob", ConversationID: "c1", Seq: 3}

	req.True(f.tracker.Track(f.msg, "bob"))
	req.False(f.tracker.Track(f.msg, "bob"), "second device shares the window")
	req.Equal(1, f.tracker.Inflight())

	first, err := f.tracker.Ack(context.Background(), key)
	req.NoError(err)
	second, err := f.tracker.Ack(context.Background(), key)
	req.NoError(err)
	req.True(first)
	req.False(second)

	f.clock.Add(time.Hour)
	req.Zero(f.pushes.count())
	req.Equal(chat.StateAcked, f.state(t))
}

func TestTracker_Ack_UntrackedResolvesThroughStore(t *testing.T) {
	req := require.New(t)
	f := newTrackerFixture(t, 9)

	changed, err := f.tracker.Ack(context.Background(), Key{Recipient: "bob", ConversationID: "c1", Seq: 9})
	req.NoError(err)
	req.True(changed)

	_, err = f.tracker.Ack(context.Background(), Key{Recipient: "bob", ConversationID: "c1", Seq: 10})
	req.ErrorIs(err, chat.ErrNotFound)

	_, err = f.tracker.Ack(context.Background(), Key{Recipient: "mallory", ConversationID: "c1", Seq: 9})
	req.ErrorIs(err, chat.ErrAuthorization)
}

func TestTracker_UnreachableRecipient_FallsBackToPending(t *testing.T) {
	req := require.New(t)
	f := newTrackerFixture(t, 2)
	f.pushes.handed = false

	f.tracker.Track(f.msg, "bob")
	f.clock.Add(5 * time.Second)

	req.Eventually(func() bool { return f.tracker.Inflight() == 0 }, time.Second, time.Millisecond)
	req.Eventually(func() bool { return f.state(t) == chat.StatePending }, time.Second, time.Millisecond)
	req.Equal(1, f.pushes.count())
}

func TestTracker_Stop_CancelsWindows(t *testing.T) {
	req := require.New(t)
	f := newTrackerFixture(t, 1)
	f.tracker.Track(f.msg, "bob")
	f.tracker.Stop()

	f.clock.Add(time.Hour)
	req.Zero(f.pushes.count())
	req.False(f.tracker.Track(f.msg, "bob"))
	req.Equal(chat.StateDelivered, f.state(t))
}
