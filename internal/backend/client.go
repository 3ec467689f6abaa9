// Package backend is the client for the HomeSwift persistence service.
// The service is an external collaborator — this package only consumes
// its four conversation/message operations plus read marks, all
// authenticated with a bearer token.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/brendanx22/HomeSwift.co-sub002/internal/util"
)

// Message is one persisted chat message. Identity is the ID issued by
// the service on append; the client never invents a durable ID.
type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	Content        string `json:"content"`
	CreatedAt      int64  `json:"createdAt"` // unix millis
	ReadAt         *int64 `json:"readAt,omitempty"`
}

// Conversation is one persisted thread between two users.
type Conversation struct {
	ID                 string   `json:"id"`
	ParticipantIDs     []string `json:"participantIds"`
	LastMessagePreview string   `json:"lastMessagePreview,omitempty"`
	LastMessageAt      int64    `json:"lastMessageAt,omitempty"` // unix millis
	UnreadCount        int      `json:"unreadCount,omitempty"`
}

// TokenSource supplies the bearer credential for each request.
type TokenSource interface {
	Token() (string, error)
}

// Client talks to the persistence service.
type Client struct {
	BaseURL string
	Tokens  TokenSource
	HTTP    *http.Client
}

// NewClient creates a persistence client for baseURL.
func NewClient(baseURL string, tokens TokenSource) *Client {
	return &Client{
		BaseURL: util.NormalizeURL(baseURL),
		Tokens:  tokens,
		HTTP:    &http.Client{Timeout: util.DefaultFetchTimeout},
	}
}

// ListConversations fetches all conversations for the current user.
func (c *Client) ListConversations(ctx context.Context) ([]Conversation, error) {
	var out []Conversation
	if err := c.getJSON(ctx, c.BaseURL+"/conversations", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListMessages fetches the ordered message list for one conversation.
func (c *Client) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	var out []Message
	url := c.BaseURL + "/conversations/" + conversationID + "/messages"
	if err := c.getJSON(ctx, url, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AppendMessage persists a new message and returns the created record
// with its service-issued ID.
func (c *Client) AppendMessage(ctx context.Context, conversationID, content string) (Message, error) {
	var out Message
	url := c.BaseURL + "/conversations/" + conversationID + "/messages"
	if err := c.postJSON(ctx, url, map[string]string{"content": content}, &out); err != nil {
		return Message{}, err
	}
	return out, nil
}

// OpenConversation creates (or fetches the existing) conversation with
// receiverID.
func (c *Client) OpenConversation(ctx context.Context, receiverID string) (Conversation, error) {
	var out Conversation
	if err := c.postJSON(ctx, c.BaseURL+"/conversations", map[string]string{"receiverId": receiverID}, &out); err != nil {
		return Conversation{}, err
	}
	return out, nil
}

// MarkRead marks a conversation read for the current user.
func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	url := c.BaseURL + "/conversations/" + conversationID + "/read"
	return c.postJSON(ctx, url, nil, nil)
}

// getJSON performs an authenticated GET, drains the response body, and
// decodes JSON into v.
func (c *Client) getJSON(ctx context.Context, url string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	return c.do(req, v)
}

// postJSON performs an authenticated POST with a JSON body. body and v
// may both be nil.
func (c *Client) postJSON(ctx context.Context, url string, body, v any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, v)
}

func (c *Client) do(req *http.Request, v any) error {
	token, err := c.Tokens.Token()
	if err != nil {
		return fmt.Errorf("credential: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%s %s: status %s", req.Method, req.URL.Path, resp.Status)
	}
	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("%s %s: decode: %w", req.Method, req.URL.Path, err)
	}
	return nil
}

// NowMillis returns the current wall clock in unix milliseconds, the
// timestamp unit used across the wire.
func NowMillis() int64 { return time.Now().UnixMilli() }
