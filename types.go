package helpx

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError is returned for every non-2xx REST response.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("%d: %s", e.Status, e.Message)
}

func decodeAPIError(status int, data []byte) *APIError {
	e := &APIError{Status: status}
	var raw map[string]any
	if json.Unmarshal(data, &raw) == nil {
		e.Code = strOr(raw, "code", "")
		e.Message = firstString(raw, "message", "error", "msg")
	}
	if e.Message == "" {
		e.Message = string(data)
	}
	if e.Message == "" {
		e.Message = "request failed"
	}
	return e
}

// Sentinel errors returned by chat sessions.
var (
	// ErrNotPermitted is returned when a client-side permission check fails.
	// No request is sent.
	ErrNotPermitted = errors.New("operation not permitted")
	// ErrNotConfirmed is returned for edits and deletes of messages the
	// server has not acknowledged yet.
	ErrNotConfirmed = errors.New("message not confirmed by server")
	// ErrUnsupported is returned when a surface has no endpoint for the
	// operation.
	ErrUnsupported = errors.New("operation not supported on this surface")
	ErrNoRoom       = errors.New("session has no open room")
	ErrEmptyMessage = errors.New("message has no text and no attachments")
	ErrNotFound     = errors.New("message not found")
)

// ============================================================================
// Conversations & Groups
// ============================================================================

// Participant is a member of a private conversation or group.
type Participant struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

// Conversation is a private one-to-one chat.
type Conversation struct {
	ID           string        `json:"id"`
	Participants []Participant `json:"participants"`
	LastMessage  *Message      `json:"lastMessage,omitempty"`
	UpdatedAt    string        `json:"updatedAt,omitempty"`
}

// Peer returns the participant that is not self, or a zero value.
func (c Conversation) Peer(selfID string) Participant {
	for _, p := range c.Participants {
		if p.ID != selfID {
			return p
		}
	}
	return Participant{}
}

// UnmarshalJSON accepts the backend's document shape (_id, populated users).
func (c *Conversation) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	c.ID = firstString(raw, "_id", "id", "conversationId")
	c.UpdatedAt = firstString(raw, "updatedAt", "lastMessageAt")
	c.Participants = nil
	if list, ok := raw["participants"].([]any); ok {
		for _, item := range list {
			switch v := item.(type) {
			case map[string]any:
				c.Participants = append(c.Participants, Participant{
					ID:          firstString(v, "_id", "id"),
					DisplayName: firstString(v, "displayName", "name", "username"),
				})
			case string:
				c.Participants = append(c.Participants, Participant{ID: v})
			}
		}
	}
	if lm, ok := raw["lastMessage"].(map[string]any); ok {
		c.LastMessage = Normalize(lm)
	}
	return nil
}

// Group is a multi-member chat room.
type Group struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Members     []Participant `json:"members,omitempty"`
}

// ============================================================================
// Outbound Payloads
// ============================================================================

// OutboundMessage is the payload of a send, over the live channel or REST.
type OutboundMessage struct {
	RoomID        string       `json:"roomId"`
	SenderID      string       `json:"senderId"`
	SenderName    string       `json:"senderName"`
	Text          string       `json:"text"`
	Attachments   []Attachment `json:"attachments"`
	CorrelationID string       `json:"clientId"`
}

// TypingPayload is sent and received on group:typing.
type TypingPayload struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
	Name   string `json:"name"`
}

// EditedPayload mirrors a confirmed edit to other participants.
type EditedPayload struct {
	RoomID string `json:"roomId"`
	ID     string `json:"id"`
	Text   string `json:"text"`
}

// Deletion scopes carried by messageDeleted.
const (
	DeletedSelf      = "self"
	DeletedAll       = "all"
	DeletedAllInRoom = "all-in-room"
)

// DeletedPayload mirrors a deletion to other participants.
type DeletedPayload struct {
	RoomID string `json:"roomId"`
	ID     string `json:"id,omitempty"`
	Mode   string `json:"mode"`
	UserID string `json:"userId,omitempty"`
}

// UploadResult is the response of POST /api/upload.
type UploadResult struct {
	URL  string `json:"url"`
	Name string `json:"name,omitempty"`
	Type string `json:"type,omitempty"`
	Size int64  `json:"size,omitempty"`
}

// inbound is the loosely-typed view of any live payload; fields are pulled
// out with the same fallbacks the normalizer uses.
type inbound map[string]any

func decodeInbound(data json.RawMessage) inbound {
	var raw map[string]any
	if len(data) == 0 || json.Unmarshal(data, &raw) != nil {
		return inbound{}
	}
	return raw
}

func (in inbound) roomID() string {
	return firstString(in, "roomId", "room", "postId", "conversationId", "groupId")
}

func (in inbound) messageID() string {
	return firstString(in, "id", "_id", "messageId", "clientId")
}
