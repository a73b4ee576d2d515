package helpx

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"golang.org/x/time/rate"
)

// ============================================================================
// Presentation glue
// ============================================================================

// SessionState is the lifecycle state of a chat session.
type SessionState string

const (
	StateIdle            SessionState = "idle"
	StateHydrating       SessionState = "hydrating"
	StateFetchingHistory SessionState = "fetching-history"
	StateLive            SessionState = "live"
	StateSending         SessionState = "sending"
)

// Update is what a view receives after every change.
type Update struct {
	Room     string
	State    SessionState
	Messages []Message
	// ScrollToBottom is set when new content arrived at the tail.
	ScrollToBottom bool
}

// View renders a session. Calls come from the goroutine that caused the
// change, one at a time.
type View interface {
	Render(u Update)
	Typing(userID, name string)
}

// Notice is a transient, user-facing failure report.
type Notice struct {
	Surface string
	Room    string
	Op      string
	Err     error
}

func (n Notice) String() string {
	return fmt.Sprintf("%s chat: %s failed: %v", n.Surface, n.Op, n.Err)
}

// Notifier shows notices, typically as a toast.
type Notifier interface {
	Notify(n Notice)
}

type busNotifier struct{ bus *Bus }

func (b busNotifier) Notify(n Notice) {
	jww.WARN.Println(n.String())
	b.bus.Publish(EventNotice, n)
}

// DefaultTypingInterval throttles outbound typing indicators.
const DefaultTypingInterval = 2 * time.Second

// SessionOptions configures a Session. Every field is optional.
type SessionOptions struct {
	View     View
	Notifier Notifier
	Bus      *Bus
	// TypingInterval is the minimum gap between typing indicators.
	TypingInterval time.Duration
}

// ============================================================================
// Session
// ============================================================================

// Session is the chat controller of one open chat surface. It owns the
// surface's message list and its room membership on the shared connection.
type Session struct {
	surface  Surface
	conn     Conn
	backend  Backend
	cache    *Cache
	self     Sender
	view     View
	notifier Notifier
	bus      *Bus
	typing   *rate.Limiter

	mu     sync.Mutex
	room   string
	state  SessionState
	msgs   []Message
	gen    uint64
	unsubs []func()
}

// NewSession wires a session. It does nothing until Open.
func NewSession(surface Surface, conn Conn, backend Backend, cache *Cache, self Sender, opts SessionOptions) *Session {
	if opts.Notifier == nil {
		opts.Notifier = busNotifier{bus: opts.Bus}
	}
	if opts.TypingInterval <= 0 {
		opts.TypingInterval = DefaultTypingInterval
	}
	if cache == nil {
		cache = NewCache(nil)
	}
	return &Session{
		surface:  surface,
		conn:     conn,
		backend:  backend,
		cache:    cache,
		self:     self,
		view:     opts.View,
		notifier: opts.Notifier,
		bus:      opts.Bus,
		typing:   rate.NewLimiter(rate.Every(opts.TypingInterval), 1),
		state:    StateIdle,
	}
}

func (s *Session) Surface() Surface { return s.surface }

func (s *Session) Room() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Messages returns a copy of the current message list.
func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.msgs...)
}

// ============================================================================
// Lifecycle
// ============================================================================

// Open shows roomID: cached messages are rendered at once, the live room is
// joined and the authoritative history is merged in. Opening a different
// room first leaves the current one and discards its in-flight fetches.
func (s *Session) Open(ctx context.Context, roomID string) error {
	if roomID == "" {
		return ErrNoRoom
	}
	s.mu.Lock()
	prev := s.room
	if prev == roomID && s.state != StateIdle {
		s.mu.Unlock()
		return nil
	}
	s.gen++
	gen := s.gen
	s.room = roomID
	s.state = StateHydrating
	s.msgs = Merge(nil, s.cache.Load(s.surface.Name, roomID))
	if s.unsubs == nil {
		s.subscribe()
	}
	u := s.snapshot(true)
	s.mu.Unlock()

	if prev != "" && prev != roomID {
		if err := s.conn.Leave(ctx, s.surface.Room, prev); err != nil {
			jww.WARN.Printf("%s chat: leave %s: %v", s.surface.Name, prev, err)
		}
	}
	s.render(u)

	if err := s.conn.Join(ctx, s.surface.Room, roomID); err != nil {
		jww.WARN.Printf("%s chat: join %s: %v", s.surface.Name, roomID, err)
	}
	return s.refresh(ctx, gen, roomID)
}

// Close leaves the room and detaches from the live channel. Responses still
// in flight are discarded when they arrive.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	room := s.room
	s.room = ""
	s.gen++
	s.state = StateIdle
	s.msgs = nil
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	if room == "" {
		return nil
	}
	return s.conn.Leave(ctx, s.surface.Room, room)
}

// refresh fetches history and merges it, unless the session has moved on
// by the time the response arrives.
func (s *Session) refresh(ctx context.Context, gen uint64, roomID string) error {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return nil
	}
	s.state = StateFetchingHistory
	s.mu.Unlock()

	history, err := s.backend.History(ctx, roomID)

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		staleResponses.WithLabelValues(s.surface.Name).Inc()
		jww.DEBUG.Printf("%s chat: dropping stale history for %s", s.surface.Name, roomID)
		return nil
	}
	if err != nil {
		s.state = StateLive
		s.mu.Unlock()
		s.notify("load history", roomID, err)
		return errors.WithMessagef(err, "history of %s", roomID)
	}
	before := s.msgs
	history = Canonicalize(s.msgs, history...)
	merged := Merge(Overlay(Confirm(s.msgs, history...), history), history)
	s.msgs = merged
	s.state = StateLive
	u := s.snapshot(true)
	s.mu.Unlock()

	if !sameMessages(before, merged) {
		mergesTotal.WithLabelValues(s.surface.Name, "history").Inc()
		s.cache.Save(s.surface.Name, roomID, merged)
	}
	s.render(u)
	return nil
}

// ============================================================================
// Outbound operations
// ============================================================================

// Send appends an optimistic message and hands it to the server. The entry
// stays marked Pending until the server's copy arrives; a live send that
// never gets confirmed is neither retried nor reported.
func (s *Session) Send(ctx context.Context, text string, attachments ...Attachment) error {
	text = strings.TrimSpace(text)
	if text == "" && len(attachments) == 0 {
		return ErrEmptyMessage
	}
	if attachments == nil {
		attachments = []Attachment{}
	}

	s.mu.Lock()
	room := s.room
	if room == "" {
		s.mu.Unlock()
		return ErrNoRoom
	}
	cid := NewCorrelationID()
	m := Message{
		ID:            cid,
		CorrelationID: cid,
		Text:          text,
		Attachments:   attachments,
		Sender:        s.self,
		CreatedAt:     time.Now().UTC(),
		Pending:       true,
	}
	s.msgs = Merge(s.msgs, []Message{m})
	s.state = StateSending
	msgs := s.msgs
	u := s.snapshot(true)
	s.mu.Unlock()

	mergesTotal.WithLabelValues(s.surface.Name, "optimistic").Inc()
	s.cache.Save(s.surface.Name, room, msgs)
	s.render(u)

	out := OutboundMessage{
		RoomID:        room,
		SenderID:      s.self.ID,
		SenderName:    s.self.DisplayName,
		Text:          text,
		Attachments:   attachments,
		CorrelationID: cid,
	}
	var sendErr error
	if s.surface.SendEvent != "" {
		if err := s.conn.Emit(ctx, s.surface.SendEvent, out); err != nil {
			jww.WARN.Printf("%s chat: live send to %s: %v", s.surface.Name, room, err)
		}
	} else {
		echo, err := s.backend.Send(ctx, out)
		switch {
		case err != nil:
			s.notify("send", room, err)
			sendErr = err
		case echo != nil:
			if echo.CorrelationID == "" {
				echo.CorrelationID = cid
			}
			s.absorb(room, *echo, "echo")
		}
	}

	s.mu.Lock()
	if s.state == StateSending {
		s.state = StateLive
	}
	s.mu.Unlock()
	return sendErr
}

// lookup returns the message ref names in the open room.
func (s *Session) lookup(ref string) (string, Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.room == "" {
		return "", Message{}, ErrNoRoom
	}
	for _, m := range s.msgs {
		if m.Matches(ref) {
			return s.room, m, nil
		}
	}
	return "", Message{}, errors.Wrapf(ErrNotFound, "message %s", ref)
}

func (s *Session) own(m Message) bool {
	return s.self.ID != "" && m.Sender.ID == s.self.ID
}

// CanEdit reports whether the current user may edit m: own, not deleted and
// without attachments.
func (s *Session) CanEdit(m Message) bool {
	return s.own(m) && !m.DeletedForEveryone && len(m.Attachments) == 0
}

// CanDeleteForEveryone reports whether the current user may tombstone m.
func (s *Session) CanDeleteForEveryone(m Message) bool {
	return s.own(m) && !m.DeletedForEveryone
}

// Edit changes the text of an own message. The local copy only changes once
// the server has accepted the edit.
func (s *Session) Edit(ctx context.Context, ref, text string) error {
	room, m, err := s.lookup(ref)
	if err != nil {
		return err
	}
	if !s.CanEdit(m) {
		return ErrNotPermitted
	}
	if !m.HasServerID() {
		return ErrNotConfirmed
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}

	echo, err := s.backend.Edit(ctx, m.ID, text)
	if err != nil {
		s.notify("edit", room, err)
		return err
	}
	if echo != nil && echo.Text != "" && !echo.DeletedForEveryone {
		text = echo.Text
	}
	s.mutate(room, "edit", false, func(msgs []Message) ([]Message, bool) {
		return Apply(msgs, m.ID, func(x Message) Message {
			x.Text, x.Edited = text, true
			return x
		})
	})
	s.mirror(ctx, EventMessageEdited, EditedPayload{RoomID: room, ID: m.ID, Text: text})
	return nil
}

// DeleteForMe hides a message from the current user only.
func (s *Session) DeleteForMe(ctx context.Context, ref string) error {
	room, m, err := s.lookup(ref)
	if err != nil {
		return err
	}
	if !m.HasServerID() {
		return ErrNotConfirmed
	}
	if err := s.backend.Delete(ctx, m.ID, DeleteForMe); err != nil {
		s.notify("delete", room, err)
		return err
	}
	s.mutate(room, "delete-self", false, func(msgs []Message) ([]Message, bool) {
		return Remove(msgs, m.ID)
	})
	return nil
}

// DeleteForEveryone tombstones an own message for every participant.
func (s *Session) DeleteForEveryone(ctx context.Context, ref string) error {
	room, m, err := s.lookup(ref)
	if err != nil {
		return err
	}
	if !s.CanDeleteForEveryone(m) {
		return ErrNotPermitted
	}
	if !m.HasServerID() {
		return ErrNotConfirmed
	}
	if err := s.backend.Delete(ctx, m.ID, DeleteForEveryone); err != nil {
		s.notify("delete", room, err)
		return err
	}
	s.mutate(room, "delete-all", false, func(msgs []Message) ([]Message, bool) {
		return Apply(msgs, m.ID, Message.Tombstone)
	})
	s.mirror(ctx, EventMessageDeleted, DeletedPayload{RoomID: room, ID: m.ID, Mode: DeletedAll})
	return nil
}

// ClearForMe empties the room for the current user. Surfaces without a reset
// endpoint only clear the local list and cache.
func (s *Session) ClearForMe(ctx context.Context) error {
	s.mu.Lock()
	room := s.room
	s.mu.Unlock()
	if room == "" {
		return ErrNoRoom
	}
	if s.surface.CanReset {
		if err := s.backend.Reset(ctx, room, DeleteForMe); err != nil {
			s.notify("clear", room, err)
			return err
		}
	}

	s.mu.Lock()
	if s.room != room {
		s.mu.Unlock()
		return nil
	}
	s.msgs = []Message{}
	u := s.snapshot(false)
	s.mu.Unlock()

	mergesTotal.WithLabelValues(s.surface.Name, "clear-self").Inc()
	s.cache.Clear(s.surface.Name, room)
	s.render(u)
	return nil
}

// ClearForEveryone tombstones every message in the room for all
// participants. Messages arriving afterwards are shown normally.
func (s *Session) ClearForEveryone(ctx context.Context) error {
	if !s.surface.CanReset {
		return ErrUnsupported
	}
	s.mu.Lock()
	room := s.room
	s.mu.Unlock()
	if room == "" {
		return ErrNoRoom
	}
	if err := s.backend.Reset(ctx, room, DeleteForEveryone); err != nil {
		s.notify("clear", room, err)
		return err
	}
	s.mutate(room, "clear-all", false, func(msgs []Message) ([]Message, bool) {
		return TombstoneAll(msgs), len(msgs) > 0
	})
	s.mirror(ctx, EventRoomCleared, RoomPayload{RoomID: room})
	return nil
}

// Typing announces that the current user is typing. Calls inside the
// throttle interval are dropped.
func (s *Session) Typing(ctx context.Context) error {
	if s.surface.TypingEvent == "" {
		return ErrUnsupported
	}
	s.mu.Lock()
	room := s.room
	s.mu.Unlock()
	if room == "" {
		return ErrNoRoom
	}
	if !s.typing.Allow() {
		return nil
	}
	return s.conn.Emit(ctx, s.surface.TypingEvent, TypingPayload{RoomID: room, UserID: s.self.ID, Name: s.self.DisplayName})
}

// mirror tells other participants about a change the server already
// accepted. Failures are logged only.
func (s *Session) mirror(ctx context.Context, event string, payload any) {
	if err := s.conn.Emit(ctx, event, payload); err != nil {
		jww.WARN.Printf("%s chat: mirror %s: %v", s.surface.Name, event, err)
	}
}

// ============================================================================
// Inbound events
// ============================================================================

// subscribe attaches the live handlers. Called with s.mu held.
func (s *Session) subscribe() {
	on := func(event string, h func(inbound, json.RawMessage)) {
		if event == "" {
			return
		}
		s.unsubs = append(s.unsubs, s.conn.Subscribe(event, func(_ string, payload json.RawMessage) {
			h(decodeInbound(payload), payload)
		}))
	}
	on(s.surface.ReceiveEvent, s.onReceive)
	on(EventMessageEdited, s.onEdited)
	on(EventMessageDeleted, s.onDeleted)
	on(EventRoomCleared, s.onCleared)
	on(s.surface.TypingEvent, s.onTyping)
	on(s.surface.UpdateEvent, s.onRoomUpdate)
	on(EventReconnected, s.onReconnected)
}

// forRoom returns the open room if the event belongs to it. Events without a
// room id are taken as addressed to the open room.
func (s *Session) forRoom(in inbound) (string, bool) {
	s.mu.Lock()
	room := s.room
	s.mu.Unlock()
	if room == "" {
		return "", false
	}
	if r := in.roomID(); r != "" && r != room {
		return "", false
	}
	return room, true
}

func (s *Session) onReceive(in inbound, payload json.RawMessage) {
	room, ok := s.forRoom(in)
	if !ok {
		return
	}
	m := NormalizeJSON(payload)
	if m == nil {
		return
	}
	s.absorb(room, *m, "live")
}

// absorb merges one server message, confirming its optimistic counterpart.
func (s *Session) absorb(room string, m Message, source string) {
	s.mu.Lock()
	if s.room != room {
		s.mu.Unlock()
		return
	}
	before := s.msgs
	m = Canonicalize(s.msgs, m)[0]
	msgs := Merge(Confirm(s.msgs, m), []Message{m})
	s.msgs = msgs
	u := s.snapshot(true)
	s.mu.Unlock()

	if sameMessages(before, msgs) {
		return
	}
	mergesTotal.WithLabelValues(s.surface.Name, source).Inc()
	s.cache.Save(s.surface.Name, room, msgs)
	s.render(u)
}

func (s *Session) onEdited(in inbound, payload json.RawMessage) {
	room, ok := s.forRoom(in)
	if !ok {
		return
	}
	id := in.messageID()
	text := firstString(in, "text", "content")
	if id == "" || text == "" {
		if m := NormalizeJSON(payload); m != nil && m.HasServerID() {
			id, text = m.ID, m.Text
		}
	}
	if id == "" || text == "" {
		return
	}
	s.mutate(room, "live-edit", false, func(msgs []Message) ([]Message, bool) {
		return Apply(msgs, id, func(x Message) Message {
			if !x.DeletedForEveryone {
				x.Text, x.Edited = text, true
			}
			return x
		})
	})
}

func (s *Session) onDeleted(in inbound, _ json.RawMessage) {
	room, ok := s.forRoom(in)
	if !ok {
		return
	}
	id := in.messageID()
	switch strOr(in, "mode", DeletedAll) {
	case DeletedSelf:
		if user := firstString(in, "userId", "by"); user != "" && user != s.self.ID {
			return
		}
		s.mutate(room, "live-delete-self", false, func(msgs []Message) ([]Message, bool) {
			return Remove(msgs, id)
		})
	case DeletedAllInRoom:
		s.onCleared(in, nil)
	default:
		s.mutate(room, "live-delete-all", false, func(msgs []Message) ([]Message, bool) {
			return Apply(msgs, id, Message.Tombstone)
		})
	}
}

func (s *Session) onCleared(in inbound, _ json.RawMessage) {
	room, ok := s.forRoom(in)
	if !ok {
		return
	}
	s.mutate(room, "live-clear", false, func(msgs []Message) ([]Message, bool) {
		return TombstoneAll(msgs), len(msgs) > 0
	})
}

func (s *Session) onTyping(in inbound, _ json.RawMessage) {
	if _, ok := s.forRoom(in); !ok || s.view == nil {
		return
	}
	user := firstString(in, "userId", "senderId")
	if user == "" || user == s.self.ID {
		return
	}
	s.view.Typing(user, strOr(in, "name", UnknownSenderName))
}

func (s *Session) onRoomUpdate(in inbound, payload json.RawMessage) {
	if _, ok := s.forRoom(in); !ok {
		return
	}
	s.bus.Publish(EventGroupUpdated, payload)
}

// onReconnected refetches history; the channel has already re-joined.
func (s *Session) onReconnected(inbound, json.RawMessage) {
	s.mu.Lock()
	room, gen := s.room, s.gen
	s.mu.Unlock()
	if room == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.refresh(ctx, gen, room); err != nil {
		jww.WARN.Printf("%s chat: refetch after reconnect: %v", s.surface.Name, err)
	}
}

// ============================================================================
// Helpers
// ============================================================================

// mutate applies fn to the open room's list, then persists and renders if
// anything changed.
func (s *Session) mutate(room, source string, scroll bool, fn func([]Message) ([]Message, bool)) {
	s.mu.Lock()
	if s.room != room {
		s.mu.Unlock()
		return
	}
	msgs, changed := fn(s.msgs)
	if !changed {
		s.mu.Unlock()
		return
	}
	s.msgs = msgs
	u := s.snapshot(scroll)
	s.mu.Unlock()

	mergesTotal.WithLabelValues(s.surface.Name, source).Inc()
	s.cache.Save(s.surface.Name, room, msgs)
	s.render(u)
}

// snapshot is called with s.mu held.
func (s *Session) snapshot(scroll bool) Update {
	return Update{
		Room:           s.room,
		State:          s.state,
		Messages:       append([]Message(nil), s.msgs...),
		ScrollToBottom: scroll,
	}
}

func (s *Session) render(u Update) {
	if s.view == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			jww.ERROR.Printf("%s chat: view panicked: %v", s.surface.Name, r)
		}
	}()
	s.view.Render(u)
}

func (s *Session) notify(op, room string, err error) {
	s.notifier.Notify(Notice{Surface: s.surface.Name, Room: room, Op: op, Err: err})
}
