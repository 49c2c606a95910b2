package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/roelfdiedericks/duoprompt/internal/protocol"
)

// Client talks to a running duoprompt's control API. The CLI's start,
// stop and status commands use it.
type Client struct {
	base string
	http *http.Client
}

// NewClient creates a client for addr ("127.0.0.1:7331" or a full URL).
func NewClient(addr string) *Client {
	base := addr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &Client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("is duoprompt running? %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, err
	}
	if resp.StatusCode >= 400 {
		if out != nil {
			_ = json.Unmarshal(data, out)
		}
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return resp.StatusCode, fmt.Errorf("%s %s: %s", method, path, e.Error)
		}
		return resp.StatusCode, fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return resp.StatusCode, nil
}

// Status fetches GET /status.
func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var st StatusResponse
	_, err := c.do(ctx, http.MethodGet, "/status", nil, &st)
	return st, err
}

// Start posts the two prompts. The relay's own status comes back even when
// it refused to start.
func (c *Client) Start(ctx context.Context, primaryPrompt, secondaryPrompt string) (protocol.Response, error) {
	var resp protocol.Response
	_, err := c.do(ctx, http.MethodPost, "/relay/start", StartRequest{
		PrimaryPrompt:   primaryPrompt,
		SecondaryPrompt: secondaryPrompt,
	}, &resp)
	if err != nil && resp.Status != "" {
		// refused, not failed
		return resp, nil
	}
	return resp, err
}

// SetActive turns relaying on or off.
func (c *Client) SetActive(ctx context.Context, active bool) error {
	_, err := c.do(ctx, http.MethodPost, "/relay/active", ActiveRequest{Active: &active}, nil)
	return err
}

// Shutdown asks the running process to exit.
func (c *Client) Shutdown(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPost, "/shutdown", nil, nil)
	return err
}
