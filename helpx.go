// Package helpx is the Go client for the community help-exchange backend.
//
// It covers the REST API with a sub-client access pattern and the real-time
// chat core shared by post chat, private chat and group chat: message
// normalization, merging, a local message cache, the live channel and the
// per-surface session controller.
//
// Example:
//
//	client := helpx.NewClient(token, helpx.WithBaseURL("https://help.example.org"))
//	defer client.Close()
//
//	convs, _ := client.Conversations().List(ctx)
//
//	chat := client.PostChat(helpx.Sender{ID: me.ID, DisplayName: me.Name}, helpx.SessionOptions{View: view})
//	_ = chat.Open(ctx, postID)
//	_ = chat.Send(ctx, "I can help with that")
package helpx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// ============================================================================
// Environment
// ============================================================================

const (
	DefaultBaseURL = "http://localhost:5000"
	DefaultTimeout = 30 * time.Second

	// EnvBaseURL and EnvToken override the defaults in OptionsFromEnv.
	EnvBaseURL = "HELPX_BASE_URL"
	EnvToken   = "HELPX_TOKEN"
)

// OptionsFromEnv returns options for whatever HELPX_* variables are set.
func OptionsFromEnv() []ClientOption {
	var opts []ClientOption
	if v := os.Getenv(EnvBaseURL); v != "" {
		opts = append(opts, WithBaseURL(v))
	}
	if v := os.Getenv(EnvToken); v != "" {
		opts = append(opts, WithToken(v))
	}
	return opts
}

// ============================================================================
// Client
// ============================================================================

type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	realtime   RealtimeConfig
	cache      *Cache
	bus        *Bus

	chanMu  sync.Mutex
	channel *Channel

	posts         *PostsClient
	messages      *MessagesClient
	conversations *ConversationsClient
	groups        *GroupsClient
	files         *FilesClient
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithCache sets the backend of the local message cache.
func WithCache(store Store) ClientOption {
	return func(c *Client) { c.cache = NewCache(store) }
}

// WithBus shares an existing application bus with the client.
func WithBus(bus *Bus) ClientOption {
	return func(c *Client) { c.bus = bus }
}

// WithRealtimeConfig tunes the live channel. The token is filled in from the
// client when empty.
func WithRealtimeConfig(cfg RealtimeConfig) ClientOption {
	return func(c *Client) { c.realtime = cfg }
}

// NewClient creates a client. token may be empty for anonymous reads.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		realtime: RealtimeConfig{AutoReconnect: true},
	}

	for _, opt := range opts {
		opt(c)
	}
	if c.cache == nil {
		c.cache = NewCache(nil)
	}
	if c.bus == nil {
		c.bus = NewBus()
	}

	c.posts = &PostsClient{c: c}
	c.messages = &MessagesClient{c: c}
	c.conversations = &ConversationsClient{c: c}
	c.groups = &GroupsClient{c: c}
	c.files = &FilesClient{c: c}
	return c
}

// SetToken updates the bearer token used for REST calls. The live channel
// picks it up on its next dial only if it has not been created yet.
func (c *Client) SetToken(token string) {
	c.token = token
}

func (c *Client) BaseURL() string { return c.baseURL }

// Bus returns the application event bus.
func (c *Client) Bus() *Bus { return c.bus }

// Cache returns the local message cache.
func (c *Client) Cache() *Cache { return c.cache }

// Channel returns the process-wide live channel, creating it on first use.
func (c *Client) Channel() *Channel {
	c.chanMu.Lock()
	defer c.chanMu.Unlock()
	if c.channel != nil {
		return c.channel
	}
	cfg := c.realtime
	if cfg.Token == "" {
		cfg.Token = c.token
	}
	if cfg.HTTPClient == nil {
		// the websocket dialer rejects clients with a Timeout
		hc := *c.httpClient
		hc.Timeout = 0
		cfg.HTTPClient = &hc
	}
	c.channel = NewChannel(c.baseURL, cfg, c.bus)
	return c.channel
}

// liveChannel returns the channel if one was created.
func (c *Client) liveChannel() *Channel {
	c.chanMu.Lock()
	defer c.chanMu.Unlock()
	return c.channel
}

// Close shuts the live channel and the cache. Call it at application exit.
func (c *Client) Close() error {
	var err error
	if ch := c.liveChannel(); ch != nil {
		err = ch.Close()
	}
	if cerr := c.cache.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func (c *Client) Posts() *PostsClient                 { return c.posts }
func (c *Client) Messages() *MessagesClient           { return c.messages }
func (c *Client) Conversations() *ConversationsClient { return c.conversations }
func (c *Client) Groups() *GroupsClient               { return c.groups }
func (c *Client) Files() *FilesClient                 { return c.files }

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	var bodyReader io.Reader
	contentType := ""
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal request")
		}
		bodyReader = bytes.NewReader(b)
		contentType = "application/json"
	}
	return c.send(ctx, method, path, bodyReader, contentType, query)
}

func (c *Client) send(ctx context.Context, method, path string, body io.Reader, contentType string, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		restRequests.WithLabelValues(method, "error").Inc()
		return nil, errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()
	restRequests.WithLabelValues(method, fmt.Sprintf("%dxx", resp.StatusCode/100)).Inc()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s %s", method, path)
	}
	if resp.StatusCode >= 300 {
		apiErr := decodeAPIError(resp.StatusCode, data)
		jww.DEBUG.Printf("%s %s: %v", method, path, apiErr)
		return nil, apiErr
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal response")
	}
	return &result, nil
}

// decodeMessages accepts a bare array or an object wrapping one under
// "messages" or "data", and normalizes every element.
func decodeMessages(data []byte) ([]Message, error) {
	var list []map[string]any
	if err := json.Unmarshal(data, &list); err != nil {
		var wrapped struct {
			Messages []map[string]any `json:"messages"`
			Data     []map[string]any `json:"data"`
		}
		if werr := json.Unmarshal(data, &wrapped); werr != nil {
			return nil, errors.Wrap(err, "failed to unmarshal messages")
		}
		list = wrapped.Messages
		if list == nil {
			list = wrapped.Data
		}
	}
	out := make([]Message, 0, len(list))
	for _, raw := range list {
		if m := Normalize(raw); m != nil {
			out = append(out, *m)
		}
	}
	return out, nil
}

func decodeMessage(data []byte) *Message {
	return NormalizeJSON(data)
}

// ============================================================================
// Sub-clients
// ============================================================================

// DeleteMode scopes a deletion.
type DeleteMode string

const (
	DeleteForMe       DeleteMode = "me"
	DeleteForEveryone DeleteMode = "all"
)

// PostsClient handles the chat attached to a help post.
type PostsClient struct{ c *Client }

// History returns the full chat history of a post.
func (p *PostsClient) History(ctx context.Context, postID string) ([]Message, error) {
	data, err := p.c.doRequest(ctx, "GET", "/api/messages/post/"+url.PathEscape(postID), nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeMessages(data)
}

// Reset clears a post chat for the caller (DeleteForMe) or for everyone.
func (p *PostsClient) Reset(ctx context.Context, postID string, mode DeleteMode) error {
	_, err := p.c.doRequest(ctx, "DELETE", "/api/messages/post/"+url.PathEscape(postID)+"/"+string(mode), nil, nil)
	return err
}

// MessagesClient handles per-message operations shared by every surface.
type MessagesClient struct{ c *Client }

// Edit replaces the text of a message. The server's copy is returned when
// the response carries one.
func (m *MessagesClient) Edit(ctx context.Context, messageID, text string) (*Message, error) {
	data, err := m.c.doRequest(ctx, "PATCH", "/api/messages/"+url.PathEscape(messageID), map[string]string{"text": text}, nil)
	if err != nil {
		return nil, err
	}
	return decodeMessage(data), nil
}

func (m *MessagesClient) Delete(ctx context.Context, messageID string, mode DeleteMode) error {
	_, err := m.c.doRequest(ctx, "DELETE", "/api/messages/"+url.PathEscape(messageID)+"/"+string(mode), nil, nil)
	return err
}

// ConversationsClient handles private one-to-one conversations.
type ConversationsClient struct{ c *Client }

func (cv *ConversationsClient) List(ctx context.Context) ([]Conversation, error) {
	data, err := cv.c.doRequest(ctx, "GET", "/api/conversations", nil, nil)
	if err != nil {
		return nil, err
	}
	list, err := decodeJSON[[]Conversation](data)
	if err != nil {
		return nil, err
	}
	return *list, nil
}

func (cv *ConversationsClient) Messages(ctx context.Context, conversationID string) ([]Message, error) {
	data, err := cv.c.doRequest(ctx, "GET", "/api/conversations/"+url.PathEscape(conversationID)+"/messages", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeMessages(data)
}

// Start opens (or returns the existing) conversation with userID.
func (cv *ConversationsClient) Start(ctx context.Context, userID string) (*Conversation, error) {
	data, err := cv.c.doRequest(ctx, "POST", "/api/conversations/start/"+url.PathEscape(userID), nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Conversation](data)
}

// GroupsClient handles group chat.
type GroupsClient struct{ c *Client }

func (g *GroupsClient) Messages(ctx context.Context, groupID string) ([]Message, error) {
	data, err := g.c.doRequest(ctx, "GET", "/api/groups/"+url.PathEscape(groupID)+"/messages", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeMessages(data)
}

// Send posts a message to a group. The server broadcasts it on group:message.
func (g *GroupsClient) Send(ctx context.Context, groupID string, out OutboundMessage) (*Message, error) {
	data, err := g.c.doRequest(ctx, "POST", "/api/groups/"+url.PathEscape(groupID)+"/messages", out, nil)
	if err != nil {
		return nil, err
	}
	return decodeMessage(data), nil
}

// FilesClient handles attachment uploads.
type FilesClient struct{ c *Client }

// MaxUploadSize is the largest attachment accepted client-side.
const MaxUploadSize = 25 * 1024 * 1024

// Upload sends data as a multipart form and returns the stored attachment.
func (f *FilesClient) Upload(ctx context.Context, data []byte, fileName, mimeType string) (*Attachment, error) {
	if fileName == "" {
		return nil, errors.New("fileName is required when uploading bytes")
	}
	if len(data) > MaxUploadSize {
		return nil, errors.Errorf("file exceeds maximum size of %d MB", MaxUploadSize/(1024*1024))
	}
	if mimeType == "" {
		mimeType = guessMimeType(fileName)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, fileName))
	h.Set("Content-Type", mimeType)
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create form file")
	}
	if _, err := part.Write(data); err != nil {
		return nil, errors.Wrap(err, "failed to write file data")
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrap(err, "failed to finish form")
	}

	resp, err := f.c.send(ctx, "POST", "/api/upload", &buf, w.FormDataContentType(), nil)
	if err != nil {
		return nil, err
	}
	res, err := decodeJSON[UploadResult](resp)
	if err != nil {
		return nil, err
	}
	if res.URL == "" {
		return nil, errors.New("upload response carried no url")
	}
	name := res.Name
	if name == "" {
		name = fileName
	}
	declared := res.Type
	if declared == "" {
		declared = mimeType
	}
	return &Attachment{URL: res.URL, Kind: kindOf(declared, res.URL, name), Name: name}, nil
}

// UploadFile uploads a file from a local path.
func (f *FilesClient) UploadFile(ctx context.Context, filePath string) (*Attachment, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read file")
	}
	return f.Upload(ctx, data, filepath.Base(filePath), "")
}

// guessMimeType returns the MIME type for a file name's extension.
func guessMimeType(fileName string) string {
	ext := strings.ToLower(filepath.Ext(fileName))
	if ext == "" {
		return "application/octet-stream"
	}
	// Fallback for types not in Go's builtin registry
	fallback := map[string]string{
		".mp4": "video/mp4", ".webm": "video/webm", ".mov": "video/quicktime",
		".mp3": "audio/mpeg", ".wav": "audio/wav", ".ogg": "audio/ogg", ".m4a": "audio/mp4",
		".heic": "image/heic", ".webp": "image/webp", ".md": "text/markdown",
	}
	if m, ok := fallback[ext]; ok {
		return m
	}
	t := mime.TypeByExtension(ext)
	if t != "" {
		if idx := strings.Index(t, ";"); idx > 0 {
			t = strings.TrimSpace(t[:idx])
		}
		return t
	}
	return "application/octet-stream"
}
