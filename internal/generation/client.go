// Package generation talks to the conversation-generation service.
package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/AaronLay10/Colloquy/internal/timeline"
)

// Speaker is one entry of the request's speaker roster.
type Speaker struct {
	Name    string `json:"name"`
	Voice   string `json:"voice,omitempty"`
	IsHuman bool   `json:"isHuman"`
	Party   string `json:"party,omitempty"`
}

// PartyCommand groups speakers into a party with a turn mode.
type PartyCommand struct {
	Party    string   `json:"party"`
	Members  []string `json:"members"`
	TurnMode string   `json:"turnMode,omitempty"`
}

// ContentCommand passes a scene content element to the service.
type ContentCommand struct {
	ElementID string `json:"elementId"`
	Kind      string `json:"kind,omitempty"`
	Text      string `json:"text"`
}

// DerailerSettings enables derailing interjections.
type DerailerSettings struct {
	Enabled           bool     `json:"enabled"`
	Modes             []string `json:"modes,omitempty"`
	HumanParticipants []string `json:"humanParticipants,omitempty"`
}

// Request describes the full scene configuration for one node.
type Request struct {
	NodeID           string            `json:"nodeId"`
	Speakers         []Speaker         `json:"speakers"`
	Topic            string            `json:"topic"`
	MaxTurns         int               `json:"maxTurns"`
	Pattern          string            `json:"interactionPattern,omitempty"`
	Initiator        string            `json:"initiator,omitempty"`
	PartyMode        bool              `json:"partyMode"`
	PartyCommands    []PartyCommand    `json:"partyCommands,omitempty"`
	ContentCommands  []ContentCommand  `json:"contentCommands,omitempty"`
	Derailer         *DerailerSettings `json:"derailerSettings,omitempty"`
	ConversationMode string            `json:"conversationMode"`
	PlayMode         string            `json:"playMode"`
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("generation service returned %d", e.Code)
	}
	return fmt.Sprintf("generation service returned %d: %s", e.Code, e.Body)
}

// Options configures a Client.
type Options struct {
	BaseURL        string
	StreamPath     string
	RegeneratePath string
	Token          string
	// Timeout bounds regeneration calls and the wait for stream headers.
	// Stream bodies are bounded only by the caller's context.
	Timeout time.Duration
}

// Client is an HTTP client for the generation service.
type Client struct {
	opts Options
	http *http.Client
}

// New creates a client.
func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return &Client{
		opts: opts,
		http: &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				ResponseHeaderTimeout: opts.Timeout,
			},
		},
	}
}

func (c *Client) post(ctx context.Context, path string, body interface{}, accept string) (*http.Response, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.BaseURL+path, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", accept)
	if c.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("generation request failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	return resp, nil
}

// Stream starts a generation run and returns the NDJSON response body.
// The caller must close it.
func (c *Client) Stream(ctx context.Context, r Request) (io.ReadCloser, error) {
	resp, err := c.post(ctx, c.opts.StreamPath, r, "application/x-ndjson")
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

type regenerateRequest struct {
	Sender     string `json:"sender"`
	Message    string `json:"message"`
	Party      string `json:"party,omitempty"`
	DerailMode string `json:"derailMode"`
}

type regenerateResponse struct {
	Type    string            `json:"type"`
	Message *timeline.Message `json:"message"`
}

// Regenerate asks for a replacement derailing message in mode.
func (c *Client) Regenerate(ctx context.Context, msg timeline.Message, mode string) (timeline.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	resp, err := c.post(ctx, c.opts.RegeneratePath, regenerateRequest{
		Sender:     msg.Sender,
		Message:    msg.Text,
		Party:      msg.Party,
		DerailMode: mode,
	}, "application/json")
	if err != nil {
		return timeline.Message{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return timeline.Message{}, fmt.Errorf("read regenerate response: %w", err)
	}

	// The service answers either with a stream-style event or a bare message.
	var ev regenerateResponse
	if err := json.Unmarshal(raw, &ev); err == nil && ev.Message != nil {
		return *ev.Message, nil
	}
	var out timeline.Message
	if err := json.Unmarshal(raw, &out); err != nil {
		return timeline.Message{}, fmt.Errorf("decode regenerate response: %w", err)
	}
	if out.Text == "" {
		return timeline.Message{}, fmt.Errorf("regenerate response has no message text")
	}
	return out, nil
}
