// Package conversations is the boundary client for the durable conversation
// directory. The directory owns history and reporting; this service only needs
// a stable id for a (seeker, responder) pair and a way to mark it ended.
package conversations

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Directory is consumed by the session registry; tests substitute a fake
type Directory interface {
	// FindOrCreate durably resolves a conversation id for the pair; the
	// returned id is used as this protocol's session id
	FindOrCreate(ctx context.Context, seekerID, responderID string) (string, error)

	// MarkEnded records the conversation as ended for history/reporting
	MarkEnded(ctx context.Context, conversationID, endedBy string) error
}

// Client talks to the conversation directory REST API
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a directory client for the given base URL
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

type findOrCreateRequest struct {
	SeekerID    string `json:"seeker_id"`
	ResponderID string `json:"responder_id"`
}

type findOrCreateResponse struct {
	ConversationID string `json:"conversation_id"`
}

// FindOrCreate implements Directory
func (c *Client) FindOrCreate(ctx context.Context, seekerID, responderID string) (string, error) {
	body, err := json.Marshal(findOrCreateRequest{SeekerID: seekerID, ResponderID: responderID})
	if err != nil {
		return "", fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/conversations/find-or-create", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("conversation directory unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("conversation directory returned %d", resp.StatusCode)
	}

	var out findOrCreateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if out.ConversationID == "" {
		return "", fmt.Errorf("conversation directory returned empty id")
	}
	return out.ConversationID, nil
}

type markEndedRequest struct {
	EndedBy string `json:"ended_by"`
}

// MarkEnded implements Directory
func (c *Client) MarkEnded(ctx context.Context, conversationID, endedBy string) error {
	body, err := json.Marshal(markEndedRequest{EndedBy: endedBy})
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/conversations/%s/end", c.baseURL, conversationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("conversation directory unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("conversation directory returned %d", resp.StatusCode)
	}
	return nil
}
