package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/urfave/cli/v3"
)

// apiClient is a thin HTTP client for the gateway REST API.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(cmd *cli.Command) *apiClient {
	return &apiClient{
		base: strings.TrimRight(cmd.String("gateway"), "/"),
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

// wsURL derives the WebSocket endpoint from the gateway base URL.
func (c *apiClient) wsURL() string {
	u := c.base
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/api/ws"
}

// do runs one request. A non-nil in is sent as a JSON body; a non-nil out
// receives the decoded response body.
func (c *apiClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("gateway unreachable at %s (is `quorum serve` running?): %w", c.base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var e struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s", e.Error)
		}
		return fmt.Errorf("gateway returned %s", resp.Status)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// fmtBudget renders a nullable budget limit for table output.
func fmtBudget(limit *float64) string {
	if limit == nil {
		return "-"
	}
	return fmt.Sprintf("$%.2f", *limit)
}
