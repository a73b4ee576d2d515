package helpx

import (
	"encoding/json"
	"fmt"
	"mime"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Message Model
// ============================================================================

// DeletedPlaceholder replaces the text of a message deleted for everyone.
const DeletedPlaceholder = "This message was deleted"

// Placeholders used when a payload carries no usable sender.
const (
	UnknownSenderID   = "unknown"
	UnknownSenderName = "Someone"
)

// syntheticIDPrefix marks ids invented locally for payloads without one.
const syntheticIDPrefix = "local-"

// AttachmentKind classifies an attachment for rendering.
type AttachmentKind string

const (
	AttachmentImage AttachmentKind = "image"
	AttachmentVideo AttachmentKind = "video"
	AttachmentAudio AttachmentKind = "audio"
	AttachmentFile  AttachmentKind = "file"
)

// Attachment is a single uploaded file referenced by a message.
type Attachment struct {
	URL  string         `json:"url"`
	Kind AttachmentKind `json:"kind"`
	Name string         `json:"name,omitempty"`
}

// Sender identifies who authored a message.
type Sender struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

// Message is the canonical chat message shared by every chat surface.
type Message struct {
	ID                 string       `json:"id"`
	CorrelationID      string       `json:"clientId,omitempty"`
	Text               string       `json:"text"`
	Attachments        []Attachment `json:"attachments"`
	Sender             Sender       `json:"sender"`
	CreatedAt          time.Time    `json:"createdAt"`
	DeletedForEveryone bool         `json:"deletedForEveryone,omitempty"`
	Edited             bool         `json:"edited,omitempty"`

	// Pending is set on optimistic entries until the server echoes them back.
	Pending bool `json:"pending,omitempty"`
}

// Key returns the identity used for deduplication: the correlation id when
// present, otherwise the id.
func (m Message) Key() string {
	if m.CorrelationID != "" {
		return m.CorrelationID
	}
	return m.ID
}

// HasServerID reports whether ID was assigned by the server.
func (m Message) HasServerID() bool {
	if m.ID == "" || strings.HasPrefix(m.ID, syntheticIDPrefix) {
		return false
	}
	return !m.Pending
}

// Matches reports whether ref names this message by id or correlation id.
func (m Message) Matches(ref string) bool {
	if ref == "" {
		return false
	}
	return m.ID == ref || (m.CorrelationID != "" && m.CorrelationID == ref)
}

// Tombstone returns a copy with its content replaced by the deletion placeholder.
func (m Message) Tombstone() Message {
	m.DeletedForEveryone = true
	m.Text = DeletedPlaceholder
	m.Attachments = []Attachment{}
	return m
}

// NewCorrelationID returns a fresh client-side correlation id.
func NewCorrelationID() string {
	return uuid.NewString()
}

func syntheticID() string {
	return syntheticIDPrefix + uuid.NewString()
}

// ============================================================================
// Normalizer
// ============================================================================

// NormalizeJSON decodes a raw payload and normalizes it. Undecodable or empty
// input yields nil.
func NormalizeJSON(data []byte) *Message {
	if len(data) == 0 {
		return nil
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil
	}
	return Normalize(raw)
}

// Normalize converts any server or socket message payload into a Message.
// Only an empty payload returns nil; every missing field gets a safe default.
func Normalize(raw map[string]any) *Message {
	if len(raw) == 0 {
		return nil
	}
	// Socket events sometimes wrap the message: {"message": {...}}.
	if inner, ok := raw["message"].(map[string]any); ok && len(inner) > 0 {
		merged := make(map[string]any, len(raw)+len(inner))
		for k, v := range raw {
			if k != "message" {
				merged[k] = v
			}
		}
		for k, v := range inner {
			merged[k] = v
		}
		raw = merged
	}

	m := &Message{
		ID:            firstString(raw, "_id", "id", "messageId"),
		CorrelationID: firstString(raw, "clientId", "correlationId", "tempId"),
		Text:          firstString(raw, "text", "content", "body"),
		Attachments:   normalizeAttachments(raw),
		Sender:        normalizeSender(raw),
		CreatedAt:     normalizeTime(raw),
		Edited:        boolOr(raw, "edited") || boolOr(raw, "isEdited"),
	}
	if m.Text == "" {
		// "message" may also be a plain string body.
		m.Text = firstString(raw, "message")
	}
	if m.ID == "" {
		m.ID = syntheticID()
	}
	if boolOr(raw, "deletedForEveryone") || strOr(raw, "deletedFor", "") == "all" {
		*m = m.Tombstone()
	}
	return m
}

func normalizeSender(raw map[string]any) Sender {
	s := Sender{}
	for _, key := range []string{"sender", "user", "from"} {
		switch v := raw[key].(type) {
		case map[string]any:
			s.ID = firstString(v, "_id", "id", "userId")
			s.DisplayName = firstString(v, "displayName", "name", "username", "fullName")
		case string:
			s.ID = v
		}
		if s.ID != "" {
			break
		}
	}
	if s.ID == "" {
		s.ID = firstString(raw, "senderId", "userId", "sender_id")
	}
	if s.DisplayName == "" {
		s.DisplayName = firstString(raw, "senderName", "name", "username")
	}
	if s.ID == "" {
		s.ID = UnknownSenderID
	}
	if s.DisplayName == "" {
		s.DisplayName = UnknownSenderName
	}
	return s
}

func normalizeAttachments(raw map[string]any) []Attachment {
	out := []Attachment{}
	if list, ok := raw["attachments"].([]any); ok {
		for _, item := range list {
			switch v := item.(type) {
			case map[string]any:
				url := firstString(v, "url", "path", "src")
				if url == "" {
					continue
				}
				name := firstString(v, "name", "fileName", "originalName")
				out = append(out, Attachment{
					URL:  url,
					Kind: kindOf(firstString(v, "kind", "type", "mimeType", "mimetype"), url, name),
					Name: name,
				})
			case string:
				if v != "" {
					out = append(out, Attachment{URL: v, Kind: kindOf("", v, ""), Name: path.Base(v)})
				}
			}
		}
	}
	// Older payloads carry a single flat file.
	if url := firstString(raw, "fileUrl", "file_url"); url != "" {
		name := firstString(raw, "fileName", "file_name")
		out = append(out, Attachment{
			URL:  url,
			Kind: kindOf(firstString(raw, "fileType", "file_type"), url, name),
			Name: name,
		})
	}
	return out
}

// kindOf maps a declared kind or MIME type, falling back to the file extension.
func kindOf(declared, url, name string) AttachmentKind {
	d := strings.ToLower(declared)
	switch {
	case d == string(AttachmentImage) || strings.HasPrefix(d, "image/"):
		return AttachmentImage
	case d == string(AttachmentVideo) || strings.HasPrefix(d, "video/"):
		return AttachmentVideo
	case d == string(AttachmentAudio) || strings.HasPrefix(d, "audio/"):
		return AttachmentAudio
	case d == string(AttachmentFile):
		return AttachmentFile
	}
	ref := name
	if ref == "" {
		ref = url
	}
	if i := strings.IndexAny(ref, "?#"); i >= 0 {
		ref = ref[:i]
	}
	ext := strings.ToLower(path.Ext(ref))
	if k, ok := extKinds[ext]; ok {
		return k
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return kindOf(t, "", "-")
	}
	return AttachmentFile
}

// extKinds covers media types missing from Go's builtin MIME registry.
var extKinds = map[string]AttachmentKind{
	".mp4": AttachmentVideo, ".webm": AttachmentVideo, ".mov": AttachmentVideo,
	".mp3": AttachmentAudio, ".wav": AttachmentAudio, ".ogg": AttachmentAudio, ".m4a": AttachmentAudio,
	".heic": AttachmentImage,
}

func normalizeTime(raw map[string]any) time.Time {
	for _, key := range []string{"createdAt", "timestamp", "created_at", "sentAt"} {
		switch v := raw[key].(type) {
		case string:
			if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
				return t.UTC()
			}
			if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
				return time.UnixMilli(ms).UTC()
			}
		case float64:
			return time.UnixMilli(int64(v)).UTC()
		}
	}
	return time.Now().UTC()
}

// ============================================================================
// Helpers
// ============================================================================

func strOr(m map[string]any, key, fallback string) string {
	switch v := m[key].(type) {
	case string:
		if v != "" {
			return v
		}
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	}
	return fallback
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v := strOr(m, k, ""); v != "" {
			return v
		}
	}
	return ""
}

func boolOr(m map[string]any, key string) bool {
	switch v := m[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	}
	return false
}

func (a Attachment) String() string {
	if a.Name != "" {
		return fmt.Sprintf("[%s] %s", a.Kind, a.Name)
	}
	return fmt.Sprintf("[%s] %s", a.Kind, a.URL)
}
