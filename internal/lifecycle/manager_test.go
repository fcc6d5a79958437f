package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/whisper/duochat/internal/chat"
	"github.com/whisper/duochat/internal/matching"
	"github.com/whisper/duochat/internal/messaging"
	"github.com/whisper/duochat/internal/relay"
	"github.com/whisper/duochat/internal/session"
	"github.com/whisper/duochat/internal/user"
)

type harness struct {
	m     *Manager
	bus   *messaging.LocalBus
	reg   *session.MemoryRegistry
	queue *matching.MemoryQueue

	mu     sync.Mutex
	events map[string][]messaging.Event
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		bus:    messaging.NewLocalBus(),
		reg:    session.NewMemoryRegistry(),
		queue:  matching.NewMemoryQueue(),
		events: make(map[string][]messaging.Event),
	}
	mm := matching.NewMatchmaker(h.queue, h.reg, nil)
	r := relay.New(h.reg, h.bus, relay.Config{MaxTries: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}, nil)
	h.m = NewManager(mm, h.reg, r, nil)
	return h
}

// watch records every event published on channel.
func (h *harness) watch(t *testing.T, channel string) {
	t.Helper()
	if _, err := h.bus.Subscribe(channel, func(ev messaging.Event) {
		h.mu.Lock()
		h.events[channel] = append(h.events[channel], ev)
		h.mu.Unlock()
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
}

func (h *harness) count(channel, name string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, ev := range h.events[channel] {
		if ev.Name == name {
			n++
		}
	}
	return n
}

func (h *harness) connect(t *testing.T, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if err := h.m.Connect(user.FromID(id)); err != nil {
			t.Fatalf("Connect(%s): %v", id, err)
		}
		h.watch(t, messaging.UserChannel(id))
	}
}

func (h *harness) pair(t *testing.T, waiting, requester string) MatchResult {
	t.Helper()
	ctx := context.Background()
	if res, err := h.m.RequestMatch(ctx, waiting); err != nil || res.Matched {
		t.Fatalf("RequestMatch(%s) = %+v, %v; expected to wait", waiting, res, err)
	}
	res, err := h.m.RequestMatch(ctx, requester)
	if err != nil || !res.Matched {
		t.Fatalf("RequestMatch(%s) = %+v, %v; expected a match", requester, res, err)
	}
	return res
}

func assertState(t *testing.T, m *Manager, id string, want State) {
	t.Helper()
	got, ok := m.State(id)
	if !ok || got != want {
		t.Fatalf("state of %s = %q (known=%v), want %q", id, got, ok, want)
	}
}

func TestRequestMatch_PairsAndNotifiesBoth(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "alice", "bob")

	res := h.pair(t, "alice", "bob")

	if res.Role != matching.RoleInitiator {
		t.Errorf("requester role = %s, want initiator", res.Role)
	}
	if res.SessionID != session.DeriveID("alice", "bob") || res.Channel != session.ChannelFor(res.SessionID) {
		t.Errorf("unexpected result %+v", res)
	}
	for _, id := range []string{"alice", "bob"} {
		if n := h.count(messaging.UserChannel(id), messaging.EventMatchFound); n != 1 {
			t.Errorf("%s got %d match-found events, want 1", id, n)
		}
		assertState(t, h.m, id, StatePaired)
	}
}

func TestRequestMatch_IdempotentWhenPaired(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "alice", "bob")
	first := h.pair(t, "alice", "bob")

	again, err := h.m.RequestMatch(context.Background(), "bob")
	if err != nil {
		t.Fatalf("RequestMatch: %v", err)
	}
	if again.SessionID != first.SessionID {
		t.Fatalf("expected same session %s, got %s", first.SessionID, again.SessionID)
	}
	if n, _ := h.reg.CountActive(context.Background()); n != 1 {
		t.Fatalf("expected 1 active session, got %d", n)
	}
	if n := h.count(messaging.UserChannel("bob"), messaging.EventMatchFound); n != 1 {
		t.Fatalf("retry must not re-notify, got %d match-found", n)
	}
}

func TestRequestMatch_InvalidInput(t *testing.T) {
	h := newHarness(t)
	if _, err := h.m.RequestMatch(context.Background(), "  "); !errors.Is(err, matching.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestLeave_ClosesSessionAndNotifiesPartner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.connect(t, "alice", "bob")
	res := h.pair(t, "alice", "bob")
	h.watch(t, res.Channel)

	if err := h.m.Leave(ctx, "alice", res.SessionID); err != nil {
		t.Fatalf("Leave: %v", err)
	}

	s, _ := h.reg.Get(ctx, res.SessionID)
	if s.Active() || s.ClosedReason != session.ReasonSelfLeft {
		t.Fatalf("expected closed with self-left, got %+v", s)
	}
	if n := h.count(res.Channel, messaging.EventDisconnect); n != 1 {
		t.Fatalf("expected 1 disconnect event, got %d", n)
	}
	if _, err := h.m.SendMessage(ctx, "bob", res.SessionID, "still there?"); !errors.Is(err, session.ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}

	// Second leave is a no-op.
	if err := h.m.Leave(ctx, "alice", res.SessionID); err != nil {
		t.Fatalf("second Leave: %v", err)
	}
	if n := h.count(res.Channel, messaging.EventDisconnect); n != 1 {
		t.Fatalf("second leave must not publish, got %d disconnect events", n)
	}

	assertState(t, h.m, "alice", StateDisconnected)
	assertState(t, h.m, "bob", StateDisconnected)
}

func TestLeave_NotAMember(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "alice", "bob", "mallory")
	res := h.pair(t, "alice", "bob")

	if err := h.m.Leave(context.Background(), "mallory", res.SessionID); !errors.Is(err, session.ErrNotAMember) {
		t.Fatalf("expected ErrNotAMember, got %v", err)
	}
	assertState(t, h.m, "alice", StatePaired)
}

func TestSendMessage_DeliveredOnSessionChannel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.connect(t, "alice", "bob")
	res := h.pair(t, "alice", "bob")
	h.watch(t, res.Channel)

	msg, err := h.m.SendMessage(ctx, "alice", res.SessionID, "hi bob")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if msg.Text != "hi bob" {
		t.Fatalf("unexpected message %+v", msg)
	}

	h.mu.Lock()
	evs := h.events[res.Channel]
	h.mu.Unlock()
	if len(evs) != 1 || evs[0].Name != messaging.EventNewMessage {
		t.Fatalf("expected one new-message, got %+v", evs)
	}
	var p chat.NewMessagePayload
	evs[0].Decode(&p)
	if p.SenderID != "alice" || p.Text != "hi bob" {
		t.Fatalf("unexpected payload %+v", p)
	}

	if _, err := h.m.SendMessage(ctx, "mallory", res.SessionID, "hi"); !errors.Is(err, session.ErrNotAMember) {
		t.Fatalf("expected ErrNotAMember, got %v", err)
	}
	if n := h.count(res.Channel, messaging.EventNewMessage); n != 1 {
		t.Fatalf("non-member message must not be published, got %d", n)
	}
}

func TestOnUserGone_WaitingUserIsNotMatched(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.connect(t, "alice", "bob")

	if _, err := h.m.RequestMatch(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	assertState(t, h.m, "alice", StateWaiting)

	h.m.OnUserGone(ctx, "alice", GoneClosed)

	if ok, _ := h.queue.Contains(ctx, "alice"); ok {
		t.Fatal("ticket of a gone user must be removed")
	}
	res, err := h.m.RequestMatch(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if res.Matched {
		t.Fatalf("bob must not be paired with a gone user: %+v", res)
	}
	assertState(t, h.m, "alice", StateDisconnected)
	assertState(t, h.m, "bob", StateWaiting)
}

func TestOnUserGone_PairedUserClosesSessionOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.connect(t, "alice", "bob")
	res := h.pair(t, "alice", "bob")
	h.watch(t, res.Channel)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.m.OnUserGone(ctx, "alice", GoneTimedOut)
		}()
	}
	wg.Wait()

	s, _ := h.reg.Get(ctx, res.SessionID)
	if s.Active() || s.ClosedReason != session.ReasonPartnerTimedOut {
		t.Fatalf("expected closed with partner-timed-out, got %+v", s)
	}
	if n := h.count(res.Channel, messaging.EventDisconnect); n != 1 {
		t.Fatalf("expected exactly one disconnect, got %d", n)
	}
	assertState(t, h.m, "bob", StateDisconnected)
}

func TestOnUserGone_UnknownUserIsHarmless(t *testing.T) {
	h := newHarness(t)
	h.m.OnUserGone(context.Background(), "ghost", GoneClosed)
	if h.m.IsLive("ghost") {
		t.Fatal("gone user must not be live")
	}
}

func TestDisconnectedHandleCannotRequest(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.connect(t, "alice")
	h.m.OnUserGone(ctx, "alice", GoneClosed)

	_, err := h.m.RequestMatch(ctx, "alice")
	if !errors.Is(err, ErrDisconnected) || !errors.Is(err, matching.ErrInvalidRequest) {
		t.Fatalf("expected ErrDisconnected, got %v", err)
	}
	if err := h.m.Connect(user.FromID("alice")); !errors.Is(err, ErrDisconnected) {
		t.Fatalf("reconnecting a disconnected handle should fail, got %v", err)
	}
}

func TestCancel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.connect(t, "alice", "bob", "carol")

	h.m.RequestMatch(ctx, "alice")
	if err := h.m.Cancel(ctx, "alice"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if ok, _ := h.queue.Contains(ctx, "alice"); ok {
		t.Fatal("cancel must remove the ticket")
	}
	assertState(t, h.m, "alice", StateDisconnected)
	if err := h.m.Cancel(ctx, "alice"); err != nil {
		t.Fatalf("second Cancel should be a no-op, got %v", err)
	}

	h.pair(t, "bob", "carol")
	if err := h.m.Cancel(ctx, "bob"); !errors.Is(err, session.ErrAlreadyInSession) {
		t.Fatalf("cancel while paired: expected ErrAlreadyInSession, got %v", err)
	}
}

func TestRequestMatch_GhostTicketClosesSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.connect(t, "alice", "bob")

	// alice is already gone but her ticket slipped into the queue.
	h.m.mu.Lock()
	h.m.users["alice"].state = StateDisconnected
	h.m.users["alice"].reason = session.ReasonPartnerLeft
	h.m.mu.Unlock()
	h.queue.Enqueue(ctx, user.FromID("alice"))

	res, err := h.m.RequestMatch(ctx, "bob")
	if err != nil {
		t.Fatalf("RequestMatch: %v", err)
	}
	s, _ := h.reg.Get(ctx, res.SessionID)
	if s == nil || s.Active() {
		t.Fatalf("session with a ghost must be closed, got %+v", s)
	}
	if n := h.count(messaging.UserChannel("alice"), messaging.EventMatchFound); n != 0 {
		t.Fatalf("ghost must not be notified, got %d", n)
	}
}

func TestSession_PollAfterClose(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.connect(t, "alice", "bob")
	res := h.pair(t, "alice", "bob")

	s, err := h.m.Session(ctx, "alice")
	if err != nil || s == nil || s.ID != res.SessionID || !s.Active() {
		t.Fatalf("Session = %+v, %v", s, err)
	}

	h.m.Leave(ctx, "bob", res.SessionID)

	s, err = h.m.Session(ctx, "alice")
	if err != nil || s == nil || s.Active() {
		t.Fatalf("expected last session closed, got %+v, %v", s, err)
	}

	if s, err := h.m.Session(ctx, "nobody"); err != nil || s != nil {
		t.Fatalf("unknown user: got %+v, %v", s, err)
	}
}

func TestForget(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.connect(t, "alice", "bob")

	now := time.Now()
	h.m.now = func() time.Time { return now }
	h.m.OnUserGone(ctx, "alice", GoneClosed)

	if n := h.m.Forget(now.Add(-time.Minute)); n != 0 {
		t.Fatalf("recently gone handles must be kept, removed %d", n)
	}
	if n := h.m.Forget(now.Add(time.Second)); n != 1 {
		t.Fatalf("expected 1 forgotten handle, got %d", n)
	}
	if _, ok := h.m.State("alice"); ok {
		t.Fatal("alice should be forgotten")
	}
	assertState(t, h.m, "bob", StateIdle)
}

func TestForget_IDStaysDisconnected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.connect(t, "alice", "bob")

	now := time.Now()
	h.m.now = func() time.Time { return now }
	h.m.OnUserGone(ctx, "alice", GoneClosed)
	if n := h.m.Forget(now.Add(time.Second)); n != 1 {
		t.Fatalf("expected 1 forgotten handle, got %d", n)
	}

	if _, err := h.m.RequestMatch(ctx, "alice"); !errors.Is(err, ErrDisconnected) {
		t.Fatalf("forgotten handle must stay disconnected, got %v", err)
	}
	if err := h.m.Connect(user.FromID("alice")); !errors.Is(err, ErrDisconnected) {
		t.Fatalf("Connect of a forgotten handle: expected ErrDisconnected, got %v", err)
	}
	if err := h.m.Cancel(ctx, "alice"); err != nil {
		t.Fatalf("Cancel of a forgotten handle should be a no-op, got %v", err)
	}
	h.m.OnUserGone(ctx, "alice", GoneTimedOut)
	if h.m.IsLive("alice") || !h.m.IsGone("alice") {
		t.Fatal("forgotten handle must report gone")
	}
	if h.m.IsGone("bob") || h.m.IsGone("stranger") {
		t.Fatal("live and unseen handles are not gone")
	}
	if ok, _ := h.queue.Contains(ctx, "alice"); ok {
		t.Fatal("forgotten handle must not be queued")
	}

	res, err := h.m.RequestMatch(ctx, "bob")
	if err != nil || res.Matched {
		t.Fatalf("bob should wait alone, got %+v, %v", res, err)
	}
}

func TestRequestMatch_DepartureDuringMatch(t *testing.T) {
	tests := []struct {
		name    string
		leaving string
		wantErr error
	}{
		{"partner leaves", "alice", session.ErrSessionClosed},
		{"requester leaves", "bob", ErrDisconnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			h.connect(t, "alice", "bob")
			if _, err := h.m.RequestMatch(ctx, "alice"); err != nil {
				t.Fatalf("RequestMatch(alice): %v", err)
			}

			h.m.mu.Lock()
			e := h.m.lookup("bob")
			h.m.mu.Unlock()
			res, err := h.m.mm.RequestMatch(ctx, e.handle)
			if err != nil || !res.Matched {
				t.Fatalf("matchmaker: %+v, %v", res, err)
			}

			h.m.OnUserGone(ctx, tt.leaving, GoneClosed)

			_, err = h.m.settle(ctx, e, res)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if tt.wantErr == session.ErrSessionClosed && errors.Is(err, matching.ErrInvalidRequest) {
				t.Fatalf("a partner leaving is not an invalid request: %v", err)
			}
			s, _ := h.reg.Get(ctx, res.Session.ID)
			if s == nil || s.Active() {
				t.Fatalf("session must be closed, got %+v", s)
			}
			assertState(t, h.m, "bob", StateDisconnected)
		})
	}
}

// Matches and departures racing each other never leave a gone user holding
// a ticket or an active session.
func TestConcurrentRequestsAndDepartures(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	const n = 60
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("u%02d", i)
		h.m.Connect(user.FromID(ids[i]))
	}

	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			h.m.RequestMatch(ctx, id)
			if i%3 == 0 {
				h.m.OnUserGone(ctx, id, GoneClosed)
			}
		}(i, id)
	}
	wg.Wait()

	for i, id := range ids {
		if i%3 != 0 {
			continue
		}
		if ok, _ := h.queue.Contains(ctx, id); ok {
			t.Errorf("%s is gone but still queued", id)
		}
		if s, _ := h.reg.ActiveFor(ctx, id); s != nil {
			t.Errorf("%s is gone but still in active session %s", id, s.ID)
		}
	}
}
