// Package engine talks to the remote LLM orchestration engine over its
// bidirectional stream endpoint.
package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/JayBon24/CRM-backend-sub001/internal/domain"
)

// Event is one heterogeneous stream event. The engine gives no schema
// guarantee beyond "tagged union of known shapes"; probe functions in
// probe.go interpret it.
type Event map[string]any

// EventFunc is called for each event received on the stream.
type EventFunc func(Event) error

// StreamRequest opens or resumes a run on a thread. Exactly one of
// Input and Command is set.
type StreamRequest struct {
	ThreadID    string         `json:"thread_id"`
	AssistantID string         `json:"assistant_id"`
	Input       map[string]any `json:"input,omitempty"`
	Command     map[string]any `json:"command,omitempty"`
}

// ResumeCommand builds the command payload answering a tool-call
// interrupt. The engine requires exactly one entry per outstanding
// call, keyed by tool_call_id.
func ResumeCommand(results []domain.ToolResult) map[string]any {
	entries := make([]map[string]any, 0, len(results))
	for _, r := range results {
		entries = append(entries, map[string]any{
			"tool_call_id": r.ToolCallID,
			"name":         r.Name,
			"content":      r.Content,
		})
	}
	return map[string]any{"resume": entries}
}

// Streamer is the remote engine boundary consumed by the orchestrator.
type Streamer interface {
	Stream(ctx context.Context, req *StreamRequest, fn EventFunc) error
}

// Client is the HTTP/SSE implementation of Streamer.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

var _ Streamer = (*Client)(nil)

// NewClient creates a new engine client.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Stream opens the stream and invokes fn for each event until the
// stream ends. Malformed frames are skipped, not fatal.
func (c *Client) Stream(ctx context.Context, req *StreamRequest, fn EventFunc) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/threads/"+req.ThreadID+"/runs/stream", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to open stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("engine stream error [%d]: %s", resp.StatusCode, string(respBody))
	}

	reader := bufio.NewReader(resp.Body)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("failed to read stream: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "event:") || strings.HasPrefix(line, ":") {
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			return nil
		}

		var ev Event
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			// Skip malformed frames
			continue
		}

		if err := fn(ev); err != nil {
			return err
		}
	}
}
