// Package agentclient talks to the HTTP server each agent container exposes
// on its internal port.
package agentclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	v1 "github.com/trinity/trinity/pkg/api/v1"
)

// Client is an HTTP client for one agent's local server.
type Client struct {
	base string
	http *http.Client
}

// New creates a client for the agent reachable at host:port.
func New(host string, port int) *Client {
	return &Client{
		base: fmt.Sprintf("http://%s:%d", host, port),
		// Chat calls carry their own deadline through the context; the
		// transport-level timeout only bounds dial and headers.
		http: &http.Client{Timeout: 0},
	}
}

// ChatRequest is the body of POST /chat.
type ChatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session-id,omitempty"`
	Stream    bool   `json:"stream,omitempty"`
}

// ChatResult is the completed response of a chat call.
type ChatResult struct {
	Text    string         `json:"text"`
	Usage   *v1.TokenUsage `json:"usage,omitempty"`
	CostUSD float64        `json:"cost,omitempty"`
}

// StreamFrame is one frame of a streaming chat response.
type StreamFrame struct {
	Type    string          `json:"type"` // tool_use, message_delta, usage, done
	Text    string          `json:"text,omitempty"`
	Tool    string          `json:"tool,omitempty"`
	Input   json.RawMessage `json:"input,omitempty"`
	Usage   *v1.TokenUsage  `json:"usage,omitempty"`
	CostUSD float64         `json:"cost,omitempty"`
}

// ReloadResult is the response of POST /credentials/reload.
type ReloadResult struct {
	RestartRequired bool     `json:"restart_required"`
	Changed         []string `json:"changed"`
}

// Health probes GET /health; nil means the agent reports ready.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("agent health returned %d", resp.StatusCode)
	}
	return nil
}

// Chat sends a message and blocks until the agent completes it.
func (c *Client) Chat(ctx context.Context, req *ChatRequest) (*ChatResult, error) {
	req.Stream = false
	resp, err := c.post(ctx, "/chat", req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, readError(resp)
	}
	var result ChatResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode chat response: %w", err)
	}
	return &result, nil
}

// ChatStream sends a message and invokes onFrame for each streamed frame.
// It returns the accumulated result once the agent sends a done frame.
func (c *Client) ChatStream(ctx context.Context, req *ChatRequest, onFrame func(*StreamFrame) error) (*ChatResult, error) {
	req.Stream = true
	resp, err := c.post(ctx, "/chat", req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, readError(resp)
	}

	result := &ChatResult{}
	var text bytes.Buffer
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var frame StreamFrame
		if err := json.Unmarshal(line, &frame); err != nil {
			return nil, fmt.Errorf("decode stream frame: %w", err)
		}

		switch frame.Type {
		case "message_delta":
			text.WriteString(frame.Text)
		case "usage":
			result.Usage = frame.Usage
			result.CostUSD = frame.CostUSD
		case "done":
			if frame.Usage != nil {
				result.Usage = frame.Usage
			}
			if frame.CostUSD != 0 {
				result.CostUSD = frame.CostUSD
			}
		}

		if onFrame != nil {
			if err := onFrame(&frame); err != nil {
				return nil, err
			}
		}
		if frame.Type == "done" {
			result.Text = text.String()
			return result, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}
	return nil, fmt.Errorf("stream ended without done frame")
}

// Abort asks the agent to cancel its in-flight request. Best effort.
func (c *Client) Abort(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	resp, err := c.post(ctx, "/abort", struct{}{})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// ReloadCredentials tells the agent to re-read its environment and
// credential files.
func (c *Client) ReloadCredentials(ctx context.Context) (*ReloadResult, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	resp, err := c.post(ctx, "/credentials/reload", struct{}{})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, readError(resp)
	}
	var result ReloadResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode reload response: %w", err)
	}
	return &result, nil
}

// Inject delivers the control-plane meta-prompt to the agent.
func (c *Client) Inject(ctx context.Context, metaPrompt string) error {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	resp, err := c.post(ctx, "/trinity/inject", map[string]string{"meta_prompt": metaPrompt})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("inject returned %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body any) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.http.Do(req)
}

func readError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := bytes.TrimSpace(body)
	if len(msg) == 0 {
		return fmt.Errorf("agent returned %d", resp.StatusCode)
	}
	return fmt.Errorf("agent returned %d: %s", resp.StatusCode, msg)
}
