package helpx

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

// fakeConn records membership and emits, and delivers events synchronously.
type fakeConn struct {
	mu       sync.Mutex
	ops      []string
	emits    []command
	handlers map[string][]EventHandler
}

func newFakeConn() *fakeConn {
	return &fakeConn{handlers: map[string][]EventHandler{}}
}

func (c *fakeConn) Join(_ context.Context, kind RoomKind, roomID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ops = append(c.ops, kind.JoinEvent+":"+roomID)
	return nil
}

func (c *fakeConn) Leave(_ context.Context, kind RoomKind, roomID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ops = append(c.ops, kind.LeaveEvent+":"+roomID)
	return nil
}

func (c *fakeConn) Emit(_ context.Context, event string, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emits = append(c.emits, command{Type: event, Payload: payload})
	return nil
}

func (c *fakeConn) Subscribe(event string, h EventHandler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = append(c.handlers[event], h)
	idx := len(c.handlers[event]) - 1
	return func() {
		c.mu.Lock()
		c.handlers[event][idx] = nil
		c.mu.Unlock()
	}
}

func (c *fakeConn) deliver(t *testing.T, event string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	c.mu.Lock()
	hs := append([]EventHandler(nil), c.handlers[event]...)
	c.mu.Unlock()
	for _, h := range hs {
		if h != nil {
			h(event, data)
		}
	}
}

func (c *fakeConn) emitted() []command {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]command(nil), c.emits...)
}

func (c *fakeConn) membership() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ops...)
}

// fakeBackend serves canned history and records every call.
type fakeBackend struct {
	mu      sync.Mutex
	history map[string][]Message
	gate    map[string]chan struct{}
	started chan string
	calls   []string
	err     error
	echo    *Message
	// onSend runs before Send returns.
	onSend func()
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		history: map[string][]Message{},
		gate:    map[string]chan struct{}{},
		started: make(chan string, 8),
	}
}

func (b *fakeBackend) record(call string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, call)
	return b.err
}

func (b *fakeBackend) recorded() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

func (b *fakeBackend) History(_ context.Context, roomID string) ([]Message, error) {
	err := b.record("history:" + roomID)
	b.mu.Lock()
	gate := b.gate[roomID]
	hist := append([]Message(nil), b.history[roomID]...)
	b.mu.Unlock()
	b.started <- roomID
	if gate != nil {
		<-gate
	}
	return hist, err
}

func (b *fakeBackend) Send(_ context.Context, out OutboundMessage) (*Message, error) {
	if err := b.record("send:" + out.RoomID); err != nil {
		return nil, err
	}
	if b.onSend != nil {
		b.onSend()
	}
	if b.echo == nil {
		return nil, nil
	}
	echo := *b.echo
	return &echo, nil
}

func (b *fakeBackend) Edit(_ context.Context, id, text string) (*Message, error) {
	return nil, b.record("edit:" + id + ":" + text)
}

func (b *fakeBackend) Delete(_ context.Context, id string, mode DeleteMode) error {
	return b.record("delete:" + id + ":" + string(mode))
}

func (b *fakeBackend) Reset(_ context.Context, roomID string, mode DeleteMode) error {
	return b.record("reset:" + roomID + ":" + string(mode))
}

type recordingView struct {
	mu      sync.Mutex
	updates []Update
	typing  []string
}

func (v *recordingView) Render(u Update) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.updates = append(v.updates, u)
}

func (v *recordingView) Typing(userID, name string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.typing = append(v.typing, userID+":"+name)
}

type recordingNotifier struct {
	mu      sync.Mutex
	notices []Notice
}

func (n *recordingNotifier) Notify(notice Notice) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice)
}

var me = Sender{ID: "me", DisplayName: "Me"}

type harness struct {
	s        *Session
	conn     *fakeConn
	backend  *fakeBackend
	cache    *Cache
	view     *recordingView
	notifier *recordingNotifier
	bus      *Bus
}

func newHarness(surface Surface) *harness {
	h := &harness{
		conn:     newFakeConn(),
		backend:  newFakeBackend(),
		cache:    NewCache(NewMemoryStore()),
		view:     &recordingView{},
		notifier: &recordingNotifier{},
		bus:      NewBus(),
	}
	h.s = NewSession(surface, h.conn, h.backend, h.cache, me, SessionOptions{
		View:     h.view,
		Notifier: h.notifier,
		Bus:      h.bus,
	})
	return h
}

// own returns a server-confirmed message authored by the current user.
func own(id, text string, offset int) Message {
	m := msg(id, text, offset)
	m.Sender = me
	return m
}

// ============================================================================
// Lifecycle
// ============================================================================

func TestSessionHydrateThenHistory(t *testing.T) {
	h := newHarness(PostSurface)
	h.cache.Save("post", "p1", []Message{msg("1", "t1", 0)})
	h.backend.history["p1"] = []Message{msg("1", "t1", 0), msg("2", "t2", 1)}

	require.NoError(t, h.s.Open(context.Background(), "p1"))

	assert.Equal(t, []string{"t1", "t2"}, texts(h.s.Messages()))
	assert.Equal(t, []string{"t1", "t2"}, texts(h.cache.Load("post", "p1")))
	assert.Equal(t, StateLive, h.s.State())
	assert.Equal(t, []string{"joinRoom:p1"}, h.conn.membership())

	require.GreaterOrEqual(t, len(h.view.updates), 2)
	first := h.view.updates[0]
	assert.Equal(t, StateHydrating, first.State)
	assert.Equal(t, []string{"t1"}, texts(first.Messages))
	last := h.view.updates[len(h.view.updates)-1]
	assert.True(t, last.ScrollToBottom)
	assert.Equal(t, []string{"t1", "t2"}, texts(last.Messages))
}

func TestSessionRoomSwitchLeavesFirst(t *testing.T) {
	h := newHarness(PostSurface)
	ctx := context.Background()
	require.NoError(t, h.s.Open(ctx, "r1"))
	require.NoError(t, h.s.Open(ctx, "r1"))
	require.NoError(t, h.s.Open(ctx, "r2"))
	require.NoError(t, h.s.Close(ctx))

	assert.Equal(t, []string{"joinRoom:r1", "leaveRoom:r1", "joinRoom:r2", "leaveRoom:r2"}, h.conn.membership())
	assert.Equal(t, StateIdle, h.s.State())
	assert.Empty(t, h.s.Messages())
}

func TestSessionDropsStaleHistory(t *testing.T) {
	h := newHarness(PrivateSurface)
	gate := make(chan struct{})
	h.backend.gate["c1"] = gate
	h.backend.history["c1"] = []Message{msg("1", "late", 0)}
	h.backend.history["c2"] = []Message{msg("2", "current", 0)}
	before := testutil.ToFloat64(staleResponses.WithLabelValues("private"))

	done := make(chan error, 1)
	go func() { done <- h.s.Open(context.Background(), "c1") }()
	require.Equal(t, "c1", <-h.backend.started)

	require.NoError(t, h.s.Open(context.Background(), "c2"))
	<-h.backend.started
	close(gate)
	require.NoError(t, <-done)

	assert.Equal(t, []string{"current"}, texts(h.s.Messages()))
	assert.Nil(t, h.cache.Load("private", "c1"))
	assert.Equal(t, before+1, testutil.ToFloat64(staleResponses.WithLabelValues("private")))
}

func TestSessionHistoryFailureKeepsState(t *testing.T) {
	h := newHarness(PostSurface)
	h.cache.Save("post", "p1", []Message{msg("1", "cached", 0)})
	h.backend.err = &APIError{Status: 502, Message: "bad gateway"}

	err := h.s.Open(context.Background(), "p1")
	require.Error(t, err)

	var apiErr *APIError
	assert.ErrorAs(t, err, &apiErr)
	assert.Equal(t, []string{"cached"}, texts(h.s.Messages()))
	require.Len(t, h.notifier.notices, 1)
	assert.Equal(t, "load history", h.notifier.notices[0].Op)
}

func TestSessionReconnectRefetches(t *testing.T) {
	h := newHarness(GroupSurface)
	require.NoError(t, h.s.Open(context.Background(), "g1"))
	<-h.backend.started

	h.backend.history["g1"] = []Message{msg("9", "missed", 0)}
	h.conn.deliver(t, EventReconnected, nil)
	<-h.backend.started

	assert.Equal(t, []string{"history:g1", "history:g1"}, h.backend.recorded())
	assert.Equal(t, []string{"missed"}, texts(h.s.Messages()))
}

// ============================================================================
// Sending
// ============================================================================

func TestSessionOptimisticRoundTrip(t *testing.T) {
	h := newHarness(PostSurface)
	require.NoError(t, h.s.Open(context.Background(), "p1"))

	require.NoError(t, h.s.Send(context.Background(), "  hello  "))
	msgs := h.s.Messages()
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Pending)
	assert.Equal(t, "hello", msgs[0].Text)
	cid := msgs[0].CorrelationID
	assert.Equal(t, cid, msgs[0].ID)
	assert.Len(t, h.cache.Load("post", "p1"), 1)

	emits := h.conn.emitted()
	require.Len(t, emits, 1)
	assert.Equal(t, EventSendMessage, emits[0].Type)
	out := emits[0].Payload.(OutboundMessage)
	assert.Equal(t, OutboundMessage{
		RoomID: "p1", SenderID: "me", SenderName: "Me", Text: "hello",
		Attachments: []Attachment{}, CorrelationID: cid,
	}, out)

	echo := map[string]any{
		"_id": "srv-1", "clientId": cid, "text": "hello", "roomId": "p1",
		"sender": map[string]any{"_id": "me", "name": "Me"},
	}
	h.conn.deliver(t, EventReceiveMessage, echo)
	h.conn.deliver(t, EventReceiveMessage, echo)

	msgs = h.s.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "srv-1", msgs[0].ID)
	assert.False(t, msgs[0].Pending)
	assert.True(t, h.view.updates[len(h.view.updates)-1].ScrollToBottom)
}

func TestSessionSendValidation(t *testing.T) {
	h := newHarness(PostSurface)
	assert.ErrorIs(t, h.s.Send(context.Background(), "hi"), ErrNoRoom)
	require.NoError(t, h.s.Open(context.Background(), "p1"))
	assert.ErrorIs(t, h.s.Send(context.Background(), "   "), ErrEmptyMessage)

	att := Attachment{URL: "https://cdn/x.png", Kind: AttachmentImage, Name: "x.png"}
	require.NoError(t, h.s.Send(context.Background(), "", att))
	assert.Equal(t, []Attachment{att}, h.s.Messages()[0].Attachments)
}

func TestSessionGroupSendOverREST(t *testing.T) {
	h := newHarness(GroupSurface)
	require.NoError(t, h.s.Open(context.Background(), "g1"))
	h.backend.echo = &Message{ID: "srv-7", Text: "yo", Sender: me, CreatedAt: time.Now().UTC(), Attachments: []Attachment{}}

	require.NoError(t, h.s.Send(context.Background(), "yo"))
	msgs := h.s.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "srv-7", msgs[0].ID)
	assert.False(t, msgs[0].Pending)
	assert.Empty(t, h.conn.emitted())

	// The broadcast without a client id must not duplicate the entry.
	h.conn.deliver(t, EventGroupMessage, map[string]any{"_id": "srv-7", "text": "yo", "groupId": "g1"})
	assert.Len(t, h.s.Messages(), 1)
}

func TestSessionGroupRefetchKeepsOneCopy(t *testing.T) {
	h := newHarness(GroupSurface)
	require.NoError(t, h.s.Open(context.Background(), "g1"))
	sent := time.Now().UTC()
	h.backend.echo = &Message{ID: "srv-7", Text: "yo", Sender: me, CreatedAt: sent, Attachments: []Attachment{}}
	require.NoError(t, h.s.Send(context.Background(), "yo"))

	// Group history carries no client ids.
	h.backend.history["g1"] = []Message{{ID: "srv-7", Text: "yo (fixed)", Edited: true, Sender: me, CreatedAt: sent, Attachments: []Attachment{}}}
	h.conn.deliver(t, EventReconnected, nil)

	msgs := h.s.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "srv-7", msgs[0].ID)
	assert.NotEmpty(t, msgs[0].CorrelationID)
	assert.Equal(t, "yo (fixed)", msgs[0].Text)
	assert.Len(t, h.cache.Load("group", "g1"), 1)

	// Reopening over the cache merges the same history again.
	require.NoError(t, h.s.Close(context.Background()))
	require.NoError(t, h.s.Open(context.Background(), "g1"))
	assert.Len(t, h.s.Messages(), 1)
}

func TestSessionGroupBroadcastBeforeEcho(t *testing.T) {
	h := newHarness(GroupSurface)
	require.NoError(t, h.s.Open(context.Background(), "g1"))
	h.backend.echo = &Message{ID: "srv-7", Text: "yo", Sender: me, CreatedAt: time.Now().UTC(), Attachments: []Attachment{}}
	h.backend.onSend = func() {
		h.conn.deliver(t, EventGroupMessage, map[string]any{"_id": "srv-7", "text": "yo", "groupId": "g1"})
	}

	require.NoError(t, h.s.Send(context.Background(), "yo"))
	msgs := h.s.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "srv-7", msgs[0].ID)
	assert.NotEmpty(t, msgs[0].CorrelationID)
	assert.False(t, msgs[0].Pending)
	assert.Len(t, h.cache.Load("group", "g1"), 1)
}

func TestSessionGroupSendFailureKeepsOptimistic(t *testing.T) {
	h := newHarness(GroupSurface)
	require.NoError(t, h.s.Open(context.Background(), "g1"))
	h.backend.err = &APIError{Status: 500, Message: "down"}

	assert.Error(t, h.s.Send(context.Background(), "yo"))
	msgs := h.s.Messages()
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Pending)
	require.Len(t, h.notifier.notices, 1)
	assert.Equal(t, "send", h.notifier.notices[0].Op)
}

func TestSessionTypingThrottled(t *testing.T) {
	h := newHarness(GroupSurface)
	require.NoError(t, h.s.Open(context.Background(), "g1"))
	require.NoError(t, h.s.Typing(context.Background()))
	require.NoError(t, h.s.Typing(context.Background()))

	emits := h.conn.emitted()
	require.Len(t, emits, 1)
	assert.Equal(t, TypingPayload{RoomID: "g1", UserID: "me", Name: "Me"}, emits[0].Payload)

	post := newHarness(PostSurface)
	assert.ErrorIs(t, post.s.Typing(context.Background()), ErrUnsupported)
}

// ============================================================================
// Edit & delete
// ============================================================================

func TestSessionEditOwnMessage(t *testing.T) {
	h := newHarness(PostSurface)
	h.backend.history["p1"] = []Message{own("5", "draft", 0), msg("6", "theirs", 1)}
	require.NoError(t, h.s.Open(context.Background(), "p1"))

	require.NoError(t, h.s.Edit(context.Background(), "5", "final"))
	got := h.s.Messages()[0]
	assert.Equal(t, "final", got.Text)
	assert.True(t, got.Edited)
	assert.Equal(t, "final", h.cache.Load("post", "p1")[0].Text)
	assert.Equal(t, []command{{Type: EventMessageEdited, Payload: EditedPayload{RoomID: "p1", ID: "5", Text: "final"}}}, h.conn.emitted())

	calls := len(h.backend.recorded())
	assert.ErrorIs(t, h.s.Edit(context.Background(), "6", "hijack"), ErrNotPermitted)
	assert.Len(t, h.backend.recorded(), calls, "rejected before any request")
}

func TestSessionEditRules(t *testing.T) {
	h := newHarness(PostSurface)
	withFile := own("a", "pic", 0)
	withFile.Attachments = []Attachment{{URL: "x.png", Kind: AttachmentImage}}
	h.backend.history["p1"] = []Message{withFile, own("d", "", 1).Tombstone()}
	require.NoError(t, h.s.Open(context.Background(), "p1"))
	require.NoError(t, h.s.Send(context.Background(), "pending"))
	pending := h.s.Messages()[2]

	assert.ErrorIs(t, h.s.Edit(context.Background(), "a", "x"), ErrNotPermitted)
	assert.ErrorIs(t, h.s.Edit(context.Background(), "d", "x"), ErrNotPermitted)
	assert.ErrorIs(t, h.s.Edit(context.Background(), pending.CorrelationID, "x"), ErrNotConfirmed)
	assert.ErrorIs(t, h.s.Edit(context.Background(), "missing", "x"), ErrNotFound)
	assert.Equal(t, []string{"history:p1"}, h.backend.recorded())
}

func TestSessionEditFailureLeavesText(t *testing.T) {
	h := newHarness(PostSurface)
	h.backend.history["p1"] = []Message{own("5", "draft", 0)}
	require.NoError(t, h.s.Open(context.Background(), "p1"))
	h.backend.err = &APIError{Status: 403, Message: "nope"}

	assert.Error(t, h.s.Edit(context.Background(), "5", "final"))
	assert.Equal(t, "draft", h.s.Messages()[0].Text)
	assert.False(t, h.s.Messages()[0].Edited)
	assert.Len(t, h.notifier.notices, 1)
	assert.Empty(t, h.conn.emitted())
}

func TestSessionDeleteForMe(t *testing.T) {
	h := newHarness(PrivateSurface)
	h.backend.history["c1"] = []Message{msg("1", "a", 0), msg("2", "b", 1)}
	require.NoError(t, h.s.Open(context.Background(), "c1"))

	require.NoError(t, h.s.DeleteForMe(context.Background(), "1"))
	assert.Equal(t, []string{"b"}, texts(h.s.Messages()))
	assert.Equal(t, []string{"b"}, texts(h.cache.Load("private", "c1")))
	assert.Contains(t, h.backend.recorded(), "delete:1:me")
	assert.Empty(t, h.conn.emitted(), "other participants see nothing")
}

func TestSessionDeleteForEveryone(t *testing.T) {
	h := newHarness(PostSurface)
	h.backend.history["p1"] = []Message{own("1", "a", 0), msg("2", "b", 1)}
	require.NoError(t, h.s.Open(context.Background(), "p1"))

	assert.ErrorIs(t, h.s.DeleteForEveryone(context.Background(), "2"), ErrNotPermitted)
	require.NoError(t, h.s.DeleteForEveryone(context.Background(), "1"))

	msgs := h.s.Messages()
	require.Len(t, msgs, 2)
	assert.True(t, msgs[0].DeletedForEveryone)
	assert.Equal(t, DeletedPlaceholder, msgs[0].Text)
	assert.Equal(t, []command{{Type: EventMessageDeleted, Payload: DeletedPayload{RoomID: "p1", ID: "1", Mode: DeletedAll}}}, h.conn.emitted())
}

// ============================================================================
// Reset
// ============================================================================

func TestSessionClearForEveryone(t *testing.T) {
	h := newHarness(PostSurface)
	h.backend.history["p1"] = []Message{msg("1", "a", 0), msg("2", "b", 1), msg("3", "c", 2)}
	require.NoError(t, h.s.Open(context.Background(), "p1"))

	require.NoError(t, h.s.ClearForEveryone(context.Background()))
	msgs := h.s.Messages()
	require.Len(t, msgs, 3)
	for _, m := range msgs {
		assert.True(t, m.DeletedForEveryone)
		assert.Empty(t, m.Attachments)
	}
	assert.Contains(t, h.backend.recorded(), "reset:p1:all")
	assert.Equal(t, []command{{Type: EventRoomCleared, Payload: RoomPayload{RoomID: "p1"}}}, h.conn.emitted())

	h.conn.deliver(t, EventReceiveMessage, map[string]any{"_id": "4", "text": "fresh", "createdAt": t0.Add(time.Hour).Format(time.RFC3339)})
	msgs = h.s.Messages()
	require.Len(t, msgs, 4)
	assert.Equal(t, "fresh", msgs[3].Text)
	assert.False(t, msgs[3].DeletedForEveryone)
}

func TestSessionClearForMe(t *testing.T) {
	h := newHarness(PostSurface)
	h.backend.history["p1"] = []Message{msg("1", "a", 0)}
	require.NoError(t, h.s.Open(context.Background(), "p1"))

	require.NoError(t, h.s.ClearForMe(context.Background()))
	assert.Empty(t, h.s.Messages())
	assert.Nil(t, h.cache.Load("post", "p1"))
	assert.Contains(t, h.backend.recorded(), "reset:p1:me")
	assert.Empty(t, h.conn.emitted())
}

func TestSessionResetUnsupported(t *testing.T) {
	h := newHarness(GroupSurface)
	h.backend.history["g1"] = []Message{msg("1", "a", 0)}
	require.NoError(t, h.s.Open(context.Background(), "g1"))

	assert.ErrorIs(t, h.s.ClearForEveryone(context.Background()), ErrUnsupported)
	require.NoError(t, h.s.ClearForMe(context.Background()))
	assert.Empty(t, h.s.Messages())
	assert.Equal(t, []string{"history:g1"}, h.backend.recorded(), "local only")
}

// ============================================================================
// Inbound events
// ============================================================================

func TestSessionInboundDeletes(t *testing.T) {
	h := newHarness(PostSurface)
	h.backend.history["p1"] = []Message{msg("1", "a", 0), msg("2", "b", 1), msg("3", "c", 2)}
	require.NoError(t, h.s.Open(context.Background(), "p1"))

	h.conn.deliver(t, EventMessageDeleted, DeletedPayload{RoomID: "p1", ID: "2", Mode: DeletedAll})
	msgs := h.s.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, DeletedPlaceholder, msgs[1].Text)
	assert.True(t, msgs[1].DeletedForEveryone)

	// Someone else's delete-for-me never touches this view.
	h.conn.deliver(t, EventMessageDeleted, DeletedPayload{RoomID: "p1", ID: "1", Mode: DeletedSelf, UserID: "other"})
	assert.Len(t, h.s.Messages(), 3)
	h.conn.deliver(t, EventMessageDeleted, DeletedPayload{RoomID: "p1", ID: "1", Mode: DeletedSelf, UserID: "me"})
	assert.Len(t, h.s.Messages(), 2)

	h.conn.deliver(t, EventMessageDeleted, DeletedPayload{RoomID: "p1", Mode: DeletedAllInRoom})
	for _, m := range h.s.Messages() {
		assert.True(t, m.DeletedForEveryone)
	}
}

func TestSessionInboundEditAndClear(t *testing.T) {
	h := newHarness(PrivateSurface)
	h.backend.history["c1"] = []Message{msg("1", "a", 0), msg("2", "b", 1)}
	require.NoError(t, h.s.Open(context.Background(), "c1"))

	h.conn.deliver(t, EventMessageEdited, EditedPayload{RoomID: "c1", ID: "1", Text: "A"})
	assert.Equal(t, []string{"A", "b"}, texts(h.s.Messages()))
	assert.True(t, h.s.Messages()[0].Edited)

	h.conn.deliver(t, EventRoomCleared, RoomPayload{RoomID: "c1"})
	assert.Equal(t, []string{DeletedPlaceholder, DeletedPlaceholder}, texts(h.s.Messages()))

	// Edits never resurrect a tombstone.
	h.conn.deliver(t, EventMessageEdited, EditedPayload{RoomID: "c1", ID: "1", Text: "back"})
	assert.Equal(t, DeletedPlaceholder, h.s.Messages()[0].Text)
}

func TestSessionIgnoresOtherRooms(t *testing.T) {
	h := newHarness(PostSurface)
	h.backend.history["p1"] = []Message{msg("1", "a", 0)}
	require.NoError(t, h.s.Open(context.Background(), "p1"))

	h.conn.deliver(t, EventReceiveMessage, map[string]any{"_id": "x", "text": "elsewhere", "roomId": "p2"})
	h.conn.deliver(t, EventRoomCleared, RoomPayload{RoomID: "p2"})
	assert.Equal(t, []string{"a"}, texts(h.s.Messages()))
}

func TestSessionGroupUpdateAndTyping(t *testing.T) {
	h := newHarness(GroupSurface)
	var updates []any
	h.bus.Subscribe(EventGroupUpdated, func(_ BusEvent, p any) { updates = append(updates, p) })
	require.NoError(t, h.s.Open(context.Background(), "g1"))

	h.conn.deliver(t, EventGroupUpdate, map[string]any{"groupId": "g1", "name": "Renamed"})
	h.conn.deliver(t, EventGroupUpdate, map[string]any{"groupId": "g2", "name": "Other"})
	require.Len(t, updates, 1)
	assert.JSONEq(t, `{"groupId":"g1","name":"Renamed"}`, string(updates[0].(json.RawMessage)))

	h.conn.deliver(t, EventGroupTyping, TypingPayload{RoomID: "g1", UserID: "u2", Name: "Bo"})
	h.conn.deliver(t, EventGroupTyping, TypingPayload{RoomID: "g1", UserID: "me", Name: "Me"})
	assert.Equal(t, []string{"u2:Bo"}, h.view.typing)
}

func TestSessionCloseDetaches(t *testing.T) {
	h := newHarness(PostSurface)
	require.NoError(t, h.s.Open(context.Background(), "p1"))
	require.NoError(t, h.s.Close(context.Background()))

	h.conn.deliver(t, EventReceiveMessage, map[string]any{"_id": "1", "text": "late"})
	assert.Empty(t, h.s.Messages())
	assert.Nil(t, h.cache.Load("post", "p1"))
}

func TestDefaultNotifierPublishes(t *testing.T) {
	bus := NewBus()
	var got []Notice
	bus.Subscribe(EventNotice, func(_ BusEvent, p any) { got = append(got, p.(Notice)) })
	backend := newFakeBackend()
	backend.err = &APIError{Status: 500, Message: "down"}

	s := NewSession(PostSurface, newFakeConn(), backend, nil, me, SessionOptions{Bus: bus})
	assert.Error(t, s.Open(context.Background(), "p1"))
	require.Len(t, got, 1)
	assert.Equal(t, "post", got[0].Surface)
}
