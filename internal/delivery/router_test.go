package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go-chat-core/internal/chat"
	"go-chat-core/internal/metrics"
	"go-chat-core/internal/ordering"
	"go-chat-core/internal/presence"
	"go-chat-core/internal/store"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

type recordingConn struct {
	id       string
	identity chat.Identity
	fail     bool

	mu     sync.Mutex
	pushes []chat.Push
}

func (c *recordingConn) ID() string              { return c.id }
func (c *recordingConn) Identity() chat.Identity { return c.identity }
func (c *recordingConn) NodeID() string          { return "node-test" }

func (c *recordingConn) Deliver(p chat.Push) error {
	if c.fail {
		return fmt.Errorf("socket gone: %w", chat.ErrTransport)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pushes = append(c.pushes, p)
	return nil
}

func (c *recordingConn) received() []chat.Push {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]chat.Push(nil), c.pushes...)
}

// flakyStore fails writes while down is set and sequence seeding while
// seqDown is set.
type flakyStore struct {
	*store.Memory
	down    atomic.Bool
	seqDown atomic.Bool
}

func (s *flakyStore) LastSeq(ctx context.Context, conversationID string) (uint64, error) {
	if s.seqDown.Load() {
		return 0, chat.ErrStoreUnavailable
	}
	return s.Memory.LastSeq(ctx, conversationID)
}

func (s *flakyStore) EnsureConversation(ctx context.Context, c chat.Conversation) (chat.Conversation, error) {
	if s.down.Load() {
		return chat.Conversation{}, chat.ErrStoreUnavailable
	}
	return s.Memory.EnsureConversation(ctx, c)
}

func (s *flakyStore) Append(ctx context.Context, m chat.Message) error {
	if s.down.Load() {
		return chat.ErrStoreUnavailable
	}
	return s.Memory.Append(ctx, m)
}

type fakeRemote struct {
	mu       sync.Mutex
	takes    bool
	forwards []chat.Push
	acks     []ordering.Key
}

func (f *fakeRemote) Forward(_ context.Context, p chat.Push) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forwards = append(f.forwards, p)
	return f.takes, nil
}

func (f *fakeRemote) PublishAck(_ context.Context, key ordering.Key) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks = append(f.acks, key)
	return nil
}

type routerFixture struct {
	store    *flakyStore
	registry *presence.Registry
	tracker  *ordering.Tracker
	router   *Router
}

func newRouterFixture(t *testing.T, opts ...Option) *routerFixture {
	t.Helper()
	m := metrics.New(prometheus.NewRegistry())
	f := &routerFixture{
		store:    &flakyStore{Memory: store.NewMemory()},
		registry: presence.NewRegistry(8),
	}
	// The mock clock is never advanced here: no ack window expires.
	f.tracker = ordering.NewTracker(slog.Default(), f.store, ordering.DefaultRetryPolicy(), m, ordering.WithClock(clock.NewMock()))
	t.Cleanup(f.tracker.Stop)

	cfg := DefaultConfig()
	cfg.StoreRetryInitial = time.Millisecond
	cfg.StoreRetryMax = 2
	f.router = NewRouter(slog.Default(), f.store, f.registry, ordering.NewMemorySequencer(f.store), f.tracker, m, cfg, opts...)
	return f
}

func (f *routerFixture) connect(t *testing.T, id chat.Identity, connID string) *recordingConn {
	t.Helper()
	c := &recordingConn{id: connID, identity: id}
	require.True(t, f.registry.Register(context.Background(), c))
	return c
}

func (f *routerFixture) state(t *testing.T, msg chat.Receipt, rcpt chat.Identity) chat.DeliveryState {
	t.Helper()
	s, err := f.store.State(context.Background(), msg.MessageID, rcpt)
	require.NoError(t, err)
	return s
}

func direct(from, to chat.Identity, content string) chat.Draft {
	return chat.Draft{Sender: from, To: []chat.Identity{to}, Content: content}
}

func TestRouter_OfflineRecipient_GetsMessageOnConnect(t *testing.T) {
	req := require.New(t)
	f := newRouterFixture(t)
	ctx := context.Background()
	f.connect(t, "alice", "a1")

	receipt, err := f.router.Submit(ctx, "alice", direct("alice", "bob", "hi"))
	req.NoError(err)
	req.Equal(chat.StatusAccepted, receipt.Status)
	req.Equal(uint64(1), receipt.Seq)
	req.Equal(chat.DirectConversationID("alice", "bob"), receipt.ConversationID)
	req.Equal(chat.StatePending, f.state(t, receipt, "bob"))

	bob := f.connect(t, "bob", "b1")
	got := bob.received()
	req.Len(got, 1)
	req.Equal("hi", got[0].Message.Content)
	req.Equal(uint64(1), got[0].Message.Seq)
	req.False(got[0].Redelivery)
	req.Equal(chat.StateDelivered, f.state(t, receipt, "bob"))
}

func TestRouter_OnlineRecipient_AckRoundTrip(t *testing.T) {
	req := require.New(t)
	f := newRouterFixture(t)
	ctx := context.Background()
	bob := f.connect(t, "bob", "b1")

	receipt, err := f.router.Submit(ctx, "alice", direct("alice", "bob", "hello"))
	req.NoError(err)
	req.Equal(chat.StatusDelivered, receipt.Status)
	req.Len(bob.received(), 1)
	req.Equal(chat.StateDelivered, f.state(t, receipt, "bob"))
	req.Equal(1, f.tracker.Inflight())

	changed, err := f.router.Ack(ctx, "bob", receipt.ConversationID, receipt.Seq)
	req.NoError(err)
	req.True(changed)
	req.Equal(chat.StateAcked, f.state(t, receipt, "bob"))
	req.Zero(f.tracker.Inflight())

	changed, err = f.router.Ack(ctx, "bob", receipt.ConversationID, receipt.Seq)
	req.NoError(err)
	req.False(changed)

	// Acked messages are not replayed.
	second := f.connect(t, "bob", "b2")
	req.Empty(second.received())
}

func TestRouter_AckByNonRecipient_IsRejected(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()

	receipt, err := f.router.Submit(ctx, "alice", direct("alice", "bob", "hello"))
	require.NoError(t, err)

	_, err = f.router.Ack(ctx, "mallory", receipt.ConversationID, receipt.Seq)
	require.ErrorIs(t, err, chat.ErrAuthorization)
}

func TestRouter_ReplayIsIdempotent(t *testing.T) {
	req := require.New(t)
	f := newRouterFixture(t)
	ctx := context.Background()

	for _, text := range []string{"one", "two"} {
		_, err := f.router.Submit(ctx, "alice", direct("alice", "bob", text))
		req.NoError(err)
	}

	first := f.connect(t, "bob", "b1")
	second := f.connect(t, "bob", "b2")
	// Unacked messages go again to each new device, with the same identities.
	req.Len(first.received(), 2)
	req.Len(second.received(), 2)
	for i := range first.received() {
		req.Equal(first.received()[i].Message.ID, second.received()[i].Message.ID)
	}
	req.Equal(2, f.store.Count())
}

func TestRouter_Submit_RejectsBadDrafts(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()

	_, err := f.router.Submit(ctx, "alice", chat.Draft{
		ConversationID: "g1", Sender: "alice", To: []chat.Identity{"bob", "carol"}, Content: "welcome",
	})
	require.NoError(t, err)

	tests := []struct {
		name  string
		bound chat.Identity
		draft chat.Draft
		want  error
	}{
		{"spoofed sender", "mallory", direct("alice", "bob", "hi"), chat.ErrAuthorization},
		{"empty content", "alice", direct("alice", "bob", ""), chat.ErrInvalidMessage},
		{"no recipients", "alice", chat.Draft{Sender: "alice", Content: "hi"}, chat.ErrInvalidMessage},
		{"only self", "alice", direct("alice", "alice", "hi"), chat.ErrInvalidMessage},
		{"group without id", "alice", chat.Draft{Sender: "alice", To: []chat.Identity{"bob", "carol"}, Content: "hi"}, chat.ErrInvalidMessage},
		{"outsider in group", "mallory", chat.Draft{ConversationID: "g1", Sender: "mallory", Content: "hi"}, chat.ErrAuthorization},
		{"unknown conversation", "alice", chat.Draft{ConversationID: "nope", Sender: "alice", Content: "hi"}, chat.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.router.Submit(ctx, tt.bound, tt.draft)
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestRouter_GroupFanOut_FailuresAreIndependent(t *testing.T) {
	req := require.New(t)
	f := newRouterFixture(t)
	ctx := context.Background()

	bob := f.connect(t, "bob", "b1")
	carol := &recordingConn{id: "c1", identity: "carol", fail: true}
	f.registry.Register(ctx, carol)

	receipt, err := f.router.Submit(ctx, "alice", chat.Draft{
		ConversationID: "g1", Sender: "alice", To: []chat.Identity{"bob", "carol"}, Content: "standup?",
	})
	req.NoError(err)
	req.Equal(chat.StatusAccepted, receipt.Status)

	req.Len(bob.received(), 1)
	req.Equal(chat.StateDelivered, f.state(t, receipt, "bob"))
	req.Equal(chat.StatePending, f.state(t, receipt, "carol"))
	req.False(f.registry.Online("carol"), "failing connection is demoted")

	_, err = f.store.State(ctx, receipt.MessageID, "alice")
	req.ErrorIs(err, chat.ErrNotFound, "sender is not a recipient")
}

func TestRouter_StoreOutage_QueuesThenFlushes(t *testing.T) {
	req := require.New(t)
	f := newRouterFixture(t)
	ctx := context.Background()
	bob := f.connect(t, "bob", "b1")

	f.store.down.Store(true)
	receipt, err := f.router.Submit(ctx, "alice", direct("alice", "bob", "are you there"))
	req.NoError(err)
	req.Equal(chat.StatusQueued, receipt.Status)
	req.Equal(uint64(1), receipt.Seq)
	req.Equal(1, f.router.Backlog())
	req.Empty(bob.received(), "nothing is pushed before it is stored")

	req.Zero(f.router.FlushBacklog(ctx))
	req.Equal(1, f.router.Backlog())

	f.store.down.Store(false)
	req.Equal(1, f.router.FlushBacklog(ctx))
	req.Zero(f.router.Backlog())
	req.Len(bob.received(), 1)
	req.Equal(receipt.MessageID, bob.received()[0].Message.ID)
	req.Equal(chat.StateDelivered, f.state(t, receipt, "bob"))
}

func TestRouter_StoreOutage_LaterSubmitsWaitBehindBacklog(t *testing.T) {
	req := require.New(t)
	f := newRouterFixture(t)
	ctx := context.Background()
	bob := f.connect(t, "bob", "b1")

	_, err := f.router.Submit(ctx, "alice", direct("alice", "bob", "one"))
	req.NoError(err)

	f.store.down.Store(true)
	two, err := f.router.Submit(ctx, "alice", direct("alice", "bob", "two"))
	req.NoError(err)
	req.Equal(chat.StatusQueued, two.Status)
	req.Equal(uint64(2), two.Seq)

	f.store.down.Store(false)
	three, err := f.router.Submit(ctx, "alice", direct("alice", "bob", "three"))
	req.NoError(err)
	req.Equal(chat.StatusQueued, three.Status, "queued behind the stuck message")
	req.Zero(three.Seq)
	req.Len(bob.received(), 1)

	req.Equal(2, f.router.FlushBacklog(ctx))
	var seqs []uint64
	var contents []string
	for _, p := range bob.received() {
		seqs = append(seqs, p.Message.Seq)
		contents = append(contents, p.Message.Content)
	}
	req.Equal([]uint64{1, 2, 3}, seqs)
	req.Equal([]string{"one", "two", "three"}, contents)

	four, err := f.router.Submit(ctx, "alice", direct("alice", "bob", "four"))
	req.NoError(err)
	req.Equal(chat.StatusDelivered, four.Status)
	req.Equal(uint64(4), four.Seq)
}

func TestRouter_SequencerOutage_QueuesWithoutSeq(t *testing.T) {
	req := require.New(t)
	f := newRouterFixture(t)
	ctx := context.Background()
	bob := f.connect(t, "bob", "b1")

	f.store.down.Store(true)
	f.store.seqDown.Store(true)
	receipt, err := f.router.Submit(ctx, "alice", direct("alice", "bob", "hello"))
	req.NoError(err)
	req.Equal(chat.StatusQueued, receipt.Status)
	req.Zero(receipt.Seq)
	req.Equal(1, f.router.Backlog())

	req.Zero(f.router.FlushBacklog(ctx))
	req.Equal(1, f.router.Backlog())

	f.store.seqDown.Store(false)
	f.store.down.Store(false)
	req.Equal(1, f.router.FlushBacklog(ctx))
	req.Zero(f.router.Backlog())
	req.Len(bob.received(), 1)
	req.Equal(uint64(1), bob.received()[0].Message.Seq)
	req.Equal(receipt.MessageID, bob.received()[0].Message.ID)
	req.Equal(chat.StateDelivered, f.state(t, receipt, "bob"))
}

func TestRouter_Backfill(t *testing.T) {
	req := require.New(t)
	f := newRouterFixture(t)
	ctx := context.Background()

	var convID string
	for i := 0; i < 3; i++ {
		r, err := f.router.Submit(ctx, "alice", direct("alice", "bob", fmt.Sprintf("m%d", i+1)))
		req.NoError(err)
		convID = r.ConversationID
	}

	msgs, err := f.router.Backfill(ctx, "bob", convID, 1, 2)
	req.NoError(err)
	req.Len(msgs, 2)
	req.Equal("m1", msgs[0].Content)
	req.Equal("m2", msgs[1].Content)

	_, err = f.router.Backfill(ctx, "mallory", convID, 1, 3)
	req.ErrorIs(err, chat.ErrAuthorization)

	_, err = f.router.Backfill(ctx, "bob", convID, 0, 3)
	req.ErrorIs(err, chat.ErrInvalidMessage)

	_, err = f.router.Backfill(ctx, "bob", convID, 3, 1)
	req.ErrorIs(err, chat.ErrInvalidMessage)
}

func TestRouter_ConcurrentSubmissions_PushInSequenceOrder(t *testing.T) {
	req := require.New(t)
	f := newRouterFixture(t)
	ctx := context.Background()
	bob := f.connect(t, "bob", "b1")

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.router.Submit(ctx, "alice", direct("alice", "bob", "x")); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	got := bob.received()
	req.Len(got, n)
	for i, p := range got {
		req.Equal(uint64(i+1), p.Message.Seq)
	}
}

func TestRouter_Remote(t *testing.T) {
	req := require.New(t)
	remote := &fakeRemote{takes: true}
	f := newRouterFixture(t, WithRemote(remote))
	ctx := context.Background()

	receipt, err := f.router.Submit(ctx, "alice", direct("alice", "bob", "via another node"))
	req.NoError(err)
	req.Equal(chat.StatusDelivered, receipt.Status)
	req.Len(remote.forwards, 1)
	req.Equal(chat.Identity("bob"), remote.forwards[0].Recipient)

	changed, err := f.router.Ack(ctx, "bob", receipt.ConversationID, receipt.Seq)
	req.NoError(err)
	req.True(changed)
	req.Equal([]ordering.Key{{Recipient: "bob", ConversationID: receipt.ConversationID, Seq: receipt.Seq}}, remote.acks)
}

func TestRouter_SenderCancel_DoesNotAbortDelivery(t *testing.T) {
	f := newRouterFixture(t)
	bob := f.connect(t, "bob", "b1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	receipt, err := f.router.Submit(ctx, "alice", direct("alice", "bob", "bye"))
	require.NoError(t, err)
	require.Equal(t, chat.StatusDelivered, receipt.Status)
	require.Len(t, bob.received(), 1)
}
