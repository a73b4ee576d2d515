package helpx

import "context"

// ============================================================================
// Surfaces
// ============================================================================

// Surface parameterizes a chat session for one kind of conversation.
type Surface struct {
	// Name namespaces the cache and labels metrics.
	Name string
	Room RoomKind

	ReceiveEvent string
	// SendEvent is the live event used to send. Empty means send over REST.
	SendEvent string
	// TypingEvent is empty on surfaces without typing indicators.
	TypingEvent string
	// UpdateEvent carries room metadata changes, republished on the bus.
	UpdateEvent string

	// CanReset reports whether the backend can clear the whole room.
	CanReset bool
}

var (
	// PostSurface is the chat attached to a help post.
	PostSurface = Surface{
		Name:         "post",
		Room:         RoomKind{Name: "post", JoinEvent: EventJoinRoom, LeaveEvent: EventLeaveRoom},
		ReceiveEvent: EventReceiveMessage,
		SendEvent:    EventSendMessage,
		CanReset:     true,
	}

	// PrivateSurface is a one-to-one conversation.
	PrivateSurface = Surface{
		Name:         "private",
		Room:         RoomKind{Name: "private", JoinEvent: EventJoinRoom, LeaveEvent: EventLeaveRoom},
		ReceiveEvent: EventReceiveMessage,
		SendEvent:    EventSendMessage,
	}

	// GroupSurface is a group room.
	GroupSurface = Surface{
		Name:         "group",
		Room:         RoomKind{Name: "group", JoinEvent: EventGroupJoin, LeaveEvent: EventGroupLeave},
		ReceiveEvent: EventGroupMessage,
		TypingEvent:  EventGroupTyping,
		UpdateEvent:  EventGroupUpdate,
	}
)

// ============================================================================
// Backends
// ============================================================================

// Backend is the REST side of a chat surface. Methods a surface has no
// endpoint for return ErrUnsupported.
type Backend interface {
	History(ctx context.Context, roomID string) ([]Message, error)
	Send(ctx context.Context, out OutboundMessage) (*Message, error)
	Edit(ctx context.Context, messageID, text string) (*Message, error)
	Delete(ctx context.Context, messageID string, mode DeleteMode) error
	Reset(ctx context.Context, roomID string, mode DeleteMode) error
}

// messageOps are the per-message endpoints shared by every surface.
type messageOps struct{ c *Client }

func (b messageOps) Edit(ctx context.Context, messageID, text string) (*Message, error) {
	return b.c.Messages().Edit(ctx, messageID, text)
}

func (b messageOps) Delete(ctx context.Context, messageID string, mode DeleteMode) error {
	return b.c.Messages().Delete(ctx, messageID, mode)
}

type postBackend struct{ messageOps }

func (b postBackend) History(ctx context.Context, postID string) ([]Message, error) {
	return b.c.Posts().History(ctx, postID)
}

func (postBackend) Send(context.Context, OutboundMessage) (*Message, error) {
	return nil, ErrUnsupported
}

func (b postBackend) Reset(ctx context.Context, postID string, mode DeleteMode) error {
	return b.c.Posts().Reset(ctx, postID, mode)
}

type privateBackend struct{ messageOps }

func (b privateBackend) History(ctx context.Context, conversationID string) ([]Message, error) {
	return b.c.Conversations().Messages(ctx, conversationID)
}

func (privateBackend) Send(context.Context, OutboundMessage) (*Message, error) {
	return nil, ErrUnsupported
}

func (privateBackend) Reset(context.Context, string, DeleteMode) error {
	return ErrUnsupported
}

type groupBackend struct{ messageOps }

func (b groupBackend) History(ctx context.Context, groupID string) ([]Message, error) {
	return b.c.Groups().Messages(ctx, groupID)
}

func (b groupBackend) Send(ctx context.Context, out OutboundMessage) (*Message, error) {
	return b.c.Groups().Send(ctx, out.RoomID, out)
}

func (groupBackend) Reset(context.Context, string, DeleteMode) error {
	return ErrUnsupported
}

// Backend returns the REST backend for a surface.
func (c *Client) Backend(s Surface) Backend {
	ops := messageOps{c: c}
	switch s.Name {
	case GroupSurface.Name:
		return groupBackend{ops}
	case PrivateSurface.Name:
		return privateBackend{ops}
	default:
		return postBackend{ops}
	}
}

// ============================================================================
// Session constructors
// ============================================================================

// PostChat opens a session on the shared live channel for post chat.
func (c *Client) PostChat(self Sender, opts SessionOptions) *Session {
	return c.newSession(PostSurface, self, opts)
}

// PrivateChat opens a session for one-to-one conversations.
func (c *Client) PrivateChat(self Sender, opts SessionOptions) *Session {
	return c.newSession(PrivateSurface, self, opts)
}

// GroupChat opens a session for group rooms.
func (c *Client) GroupChat(self Sender, opts SessionOptions) *Session {
	return c.newSession(GroupSurface, self, opts)
}

func (c *Client) newSession(s Surface, self Sender, opts SessionOptions) *Session {
	if opts.Bus == nil {
		opts.Bus = c.bus
	}
	return NewSession(s, c.Channel(), c.Backend(s), c.cache, self, opts)
}
