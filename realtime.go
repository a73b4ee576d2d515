package helpx

import (
	"context"
	"encoding/json"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire format
// ============================================================================

// Envelope is the wire format of every live event, in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type command struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Live event names shared with the backend.
const (
	EventJoinRoom       = "joinRoom"
	EventLeaveRoom      = "leaveRoom"
	EventSendMessage    = "sendMessage"
	EventReceiveMessage = "receiveMessage"
	EventMessageEdited  = "messageEdited"
	EventMessageDeleted = "messageDeleted"
	EventRoomCleared    = "roomCleared"

	EventGroupJoin    = "group:join"
	EventGroupLeave   = "group:leave"
	EventGroupMessage = "group:message"
	EventGroupUpdate  = "group:update"
	EventGroupTyping  = "group:typing"
)

// EventReconnected is a local meta-event dispatched after the connection has
// been re-established and rooms re-joined. It never travels on the wire.
const EventReconnected = "$reconnected"

// RoomPayload is sent with join and leave events.
type RoomPayload struct {
	RoomID string `json:"roomId"`
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the live channel.
type RealtimeConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	HTTPClient           *http.Client
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
}

// ConnectionState represents the channel's connection state.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
)

// ConnectionChange is published on the bus whenever the state moves.
type ConnectionChange struct {
	State   ConnectionState
	Attempt int
	Delay   time.Duration
	Reason  string
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

// zero maxAttempts retries forever
func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// Conn
// ============================================================================

// RoomKind describes one family of rooms. A channel holds at most one
// joined room per kind.
type RoomKind struct {
	Name       string
	JoinEvent  string
	LeaveEvent string
}

// EventHandler receives a live event's raw payload.
type EventHandler func(event string, payload json.RawMessage)

// Conn is the part of the live channel a chat session depends on.
type Conn interface {
	Join(ctx context.Context, kind RoomKind, roomID string) error
	Leave(ctx context.Context, kind RoomKind, roomID string) error
	Emit(ctx context.Context, event string, payload any) error
	Subscribe(event string, h EventHandler) (unsubscribe func())
}

// ============================================================================
// Channel
// ============================================================================

// Channel is the application's single live connection. Chat surfaces share
// it and each manages only its own room membership. Handlers run on the read
// goroutine in arrival order.
type Channel struct {
	baseURL string
	config  *RealtimeConfig
	bus     *Bus

	mu               sync.Mutex
	conn             *websocket.Conn
	state            ConnectionState
	intentionalClose bool
	everConnected    bool
	cancelFn         context.CancelFunc
	stopCh           chan struct{}
	recon            *reconnector
	rooms            map[string]joinedRoom

	hmu      sync.RWMutex
	nextID   uint64
	handlers map[string]map[uint64]EventHandler
}

type joinedRoom struct {
	kind RoomKind
	id   string
}

// NewChannel creates a disconnected channel. Call Connect to dial.
func NewChannel(baseURL string, config RealtimeConfig, bus *Bus) *Channel {
	cfg := config
	cfg.defaults()
	return &Channel{
		baseURL:  strings.TrimRight(baseURL, "/"),
		config:   &cfg,
		bus:      bus,
		state:    StateDisconnected,
		stopCh:   make(chan struct{}),
		recon:    newReconnector(&cfg),
		rooms:    make(map[string]joinedRoom),
		handlers: make(map[string]map[uint64]EventHandler),
	}
}

// URL returns the WebSocket endpoint.
func (c *Channel) URL() string {
	u := strings.Replace(c.baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	u += "/ws"
	if c.config.Token != "" {
		u += "?token=" + url.QueryEscape(c.config.Token)
	}
	return u
}

// State returns the current connection state.
func (c *Channel) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe registers h for a live event and returns a func removing it.
func (c *Channel) Subscribe(event string, h EventHandler) func() {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	c.nextID++
	id := c.nextID
	if c.handlers[event] == nil {
		c.handlers[event] = make(map[uint64]EventHandler)
	}
	c.handlers[event][id] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			c.hmu.Lock()
			delete(c.handlers[event], id)
			c.hmu.Unlock()
		})
	}
}

func (c *Channel) dispatch(event string, payload json.RawMessage) {
	c.hmu.RLock()
	hs := make([]EventHandler, 0, len(c.handlers[event]))
	for _, h := range c.handlers[event] {
		hs = append(hs, h)
	}
	c.hmu.RUnlock()

	for _, h := range hs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					jww.ERROR.Printf("live handler for %s panicked: %v", event, r)
				}
			}()
			h(event, payload)
		}()
	}
}

func (c *Channel) setState(ch ConnectionChange) {
	c.mu.Lock()
	c.state = ch.State
	c.mu.Unlock()
	c.bus.Publish(EventConnectionState, ch)
}

// Connect dials the server. It is a no-op while connected or connecting.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	if c.intentionalClose {
		// reopened after Close
		c.stopCh = make(chan struct{})
		c.intentionalClose = false
	}
	c.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, c.URL(), &websocket.DialOptions{HTTPClient: c.config.HTTPClient})
	if err != nil {
		c.setState(ConnectionChange{State: StateDisconnected, Reason: err.Error()})
		return errors.Wrap(err, "websocket dial")
	}

	connCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.conn = conn
	c.state = StateConnected
	c.cancelFn = cancel
	reconnected := c.everConnected
	c.everConnected = true
	rooms := make([]joinedRoom, 0, len(c.rooms))
	for _, r := range c.rooms {
		rooms = append(rooms, r)
	}
	c.mu.Unlock()
	c.recon.markConnected()
	c.bus.Publish(EventConnectionState, ConnectionChange{State: StateConnected})

	// Membership survives the gap; the server forgot it.
	for _, r := range rooms {
		if err := c.write(ctx, conn, r.kind.JoinEvent, RoomPayload{RoomID: r.id}); err != nil {
			jww.WARN.Printf("rejoin %s/%s: %v", r.kind.Name, r.id, err)
		}
	}

	go c.readLoop(connCtx, conn)
	go c.heartbeatLoop(connCtx, conn)

	if reconnected {
		c.dispatch(EventReconnected, nil)
	}
	return nil
}

// Close tears the connection down for good. Only the application owner
// should call it.
func (c *Channel) Close() error {
	c.mu.Lock()
	c.intentionalClose = true
	if c.cancelFn != nil {
		c.cancelFn()
		c.cancelFn = nil
	}
	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
	}
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	c.bus.Publish(EventConnectionState, ConnectionChange{State: StateDisconnected, Reason: "client disconnect"})
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// Join makes roomID the joined room of its kind, leaving the previous one
// first. Joining the current room again does nothing. While disconnected the
// membership is recorded and sent on connect.
func (c *Channel) Join(ctx context.Context, kind RoomKind, roomID string) error {
	c.mu.Lock()
	prev, had := c.rooms[kind.Name]
	if had && prev.id == roomID {
		c.mu.Unlock()
		return nil
	}
	c.rooms[kind.Name] = joinedRoom{kind: kind, id: roomID}
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	if had {
		if err := c.write(ctx, conn, kind.LeaveEvent, RoomPayload{RoomID: prev.id}); err != nil {
			jww.WARN.Printf("leave %s/%s: %v", kind.Name, prev.id, err)
		}
	}
	return c.write(ctx, conn, kind.JoinEvent, RoomPayload{RoomID: roomID})
}

// Leave drops membership of roomID. Leaving a room that is not joined does
// nothing.
func (c *Channel) Leave(ctx context.Context, kind RoomKind, roomID string) error {
	c.mu.Lock()
	cur, ok := c.rooms[kind.Name]
	if !ok || cur.id != roomID {
		c.mu.Unlock()
		return nil
	}
	delete(c.rooms, kind.Name)
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	return c.write(ctx, conn, kind.LeaveEvent, RoomPayload{RoomID: roomID})
}

// Emit sends an event to the server.
func (c *Channel) Emit(ctx context.Context, event string, payload any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("live channel not connected")
	}
	return c.write(ctx, conn, event, payload)
}

func (c *Channel) write(ctx context.Context, conn *websocket.Conn, event string, payload any) error {
	data, err := json.Marshal(command{Type: event, Payload: payload})
	if err != nil {
		return errors.Wrapf(err, "encode %s", event)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return errors.Wrapf(err, "write %s", event)
	}
	realtimeEvents.WithLabelValues("out", event).Inc()
	return nil
}

func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.mu.Lock()
			// a connection replaced after Close has nothing left to do
			current := c.conn == conn
			intentional := c.intentionalClose || !current
			if current {
				c.conn = nil
				if c.cancelFn != nil {
					c.cancelFn()
					c.cancelFn = nil
				}
			}
			c.mu.Unlock()
			if intentional {
				return
			}

			c.setState(ConnectionChange{State: StateDisconnected, Reason: err.Error()})
			jww.WARN.Printf("live channel dropped: %v", err)

			if c.config.AutoReconnect {
				c.reconnectLoop()
			}
			return
		}

		var env Envelope
		if json.Unmarshal(data, &env) != nil || env.Type == "" {
			jww.DEBUG.Printf("dropping undecodable live frame (%d bytes)", len(data))
			continue
		}
		realtimeEvents.WithLabelValues("in", env.Type).Inc()
		c.dispatch(env.Type, env.Payload)
	}
}

func (c *Channel) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil && ctx.Err() == nil {
				jww.WARN.Printf("heartbeat failed: %v", err)
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (c *Channel) reconnectLoop() {
	c.mu.Lock()
	stop := c.stopCh
	c.mu.Unlock()
	for c.recon.shouldReconnect() {
		delay := c.recon.nextDelay()
		realtimeReconnects.Inc()
		c.setState(ConnectionChange{State: StateReconnecting, Attempt: c.recon.attempt, Delay: delay})

		select {
		case <-stop:
			return
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := c.Connect(ctx)
		cancel()
		if err == nil {
			return
		}
		jww.WARN.Printf("reconnect attempt %d: %v", c.recon.attempt, err)
	}
	c.setState(ConnectionChange{State: StateDisconnected, Reason: "reconnect attempts exhausted"})
}
