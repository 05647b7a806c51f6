// Package mcp maintains client sessions to the configured MCP servers and
// executes tool calls on them for the call_mcp action.
package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/dohr-michael/quorum/internal/config"
	"github.com/dohr-michael/quorum/internal/fault"
)

const defaultInitTimeout = 30 * time.Second

// TokenSource resolves a named secret to its value, for bearer transports.
// Satisfied by secrets.Vault.
type TokenSource interface {
	Get(ctx context.Context, name string) (string, error)
}

// Manager lazily connects to configured servers and keeps one session per
// server for the process lifetime.
type Manager struct {
	cfg    config.MCPConfig
	tokens TokenSource
	log    *slog.Logger

	mu       sync.Mutex
	sessions map[string]*mcpsdk.ClientSession
}

func NewManager(cfg config.MCPConfig, tokens TokenSource, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		cfg:      cfg,
		tokens:   tokens,
		log:      log,
		sessions: make(map[string]*mcpsdk.ClientSession),
	}
}

// Servers lists the configured server names.
func (m *Manager) Servers() []string {
	names := make([]string, 0, len(m.cfg.Servers))
	for name := range m.cfg.Servers {
		names = append(names, name)
	}
	return names
}

// Call invokes one tool on one server, connecting first if needed, and
// returns the concatenated text content of the result.
func (m *Manager) Call(ctx context.Context, server, tool string, args map[string]any) (string, error) {
	session, err := m.session(ctx, server)
	if err != nil {
		return "", err
	}

	result, err := session.CallTool(ctx, &mcpsdk.CallToolParams{Name: tool, Arguments: args})
	if err != nil {
		// A broken pipe or closed stream means the session is gone; drop
		// it so the next call reconnects.
		m.drop(server)
		return "", fault.Wrap(fault.ConnectionFailed, err, "call %s on %s", tool, server)
	}

	text := textContent(result)
	if result.IsError {
		if text == "" {
			text = "tool reported an error"
		}
		return "", fault.New(fault.ActionCrashed, "%s on %s: %s", tool, server, text)
	}
	return text, nil
}

// ListTools returns the tools one server advertises.
func (m *Manager) ListTools(ctx context.Context, server string) ([]*mcpsdk.Tool, error) {
	session, err := m.session(ctx, server)
	if err != nil {
		return nil, err
	}
	result, err := session.ListTools(ctx, nil)
	if err != nil {
		m.drop(server)
		return nil, fault.Wrap(fault.ConnectionFailed, err, "list tools on %s", server)
	}
	return result.Tools, nil
}

// Close shuts every session down.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for name, session := range m.sessions {
		if err := session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close session %s: %w", name, err)
		}
	}
	m.sessions = make(map[string]*mcpsdk.ClientSession)
	return firstErr
}

func (m *Manager) drop(server string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if session, ok := m.sessions[server]; ok {
		_ = session.Close()
		delete(m.sessions, server)
	}
}

// session returns the live session for a server, connecting on first use.
// Connection attempts are serialized; the init timeout comes from the
// server config.
func (m *Manager) session(ctx context.Context, server string) (*mcpsdk.ClientSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if session, ok := m.sessions[server]; ok {
		return session, nil
	}

	cfg, ok := m.cfg.Servers[server]
	if !ok {
		return nil, fault.New(fault.NotFound, "mcp server %q is not configured", server)
	}

	transport, err := m.transport(ctx, server, cfg)
	if err != nil {
		return nil, err
	}

	timeout := cfg.InitTimeout.Duration()
	if timeout <= 0 {
		timeout = defaultInitTimeout
	}
	initCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "quorum", Version: "dev"}, nil)
	session, err := client.Connect(initCtx, transport, nil)
	if err != nil {
		if initCtx.Err() == context.DeadlineExceeded {
			return nil, fault.Wrap(fault.InitializationTimeout, err, "connect to mcp server %s", server)
		}
		return nil, fault.Wrap(fault.ConnectionFailed, err, "connect to mcp server %s", server)
	}

	m.sessions[server] = session
	m.log.Info("mcp server connected", slog.String("server", server), slog.String("transport", cfg.Transport))
	return session, nil
}

func (m *Manager) transport(ctx context.Context, server string, cfg config.MCPServerConfig) (mcpsdk.Transport, error) {
	switch cfg.Transport {
	case "stdio":
		if cfg.Command == "" {
			return nil, fault.New(fault.InvalidParam, "mcp server %s: stdio transport requires command", server)
		}
		cmd := exec.Command(cfg.Command, cfg.Args...)
		env := os.Environ()
		for k, v := range cfg.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
		return &mcpsdk.CommandTransport{Command: cmd}, nil

	case "http", "":
		if cfg.URL == "" {
			return nil, fault.New(fault.InvalidParam, "mcp server %s: http transport requires url", server)
		}
		t := &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
		client, err := m.httpClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		t.HTTPClient = client
		return t, nil

	case "sse":
		if cfg.URL == "" {
			return nil, fault.New(fault.InvalidParam, "mcp server %s: sse transport requires url", server)
		}
		t := &mcpsdk.SSEClientTransport{Endpoint: cfg.URL}
		client, err := m.httpClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		t.HTTPClient = client
		return t, nil

	default:
		return nil, fault.New(fault.InvalidParam, "mcp server %s: unsupported transport %q", server, cfg.Transport)
	}
}

func (m *Manager) httpClient(ctx context.Context, cfg config.MCPServerConfig) (*http.Client, error) {
	if cfg.BearerSecret == "" {
		return http.DefaultClient, nil
	}
	if m.tokens == nil {
		return nil, fault.New(fault.NotFound, "bearer_secret %q configured but no vault available", cfg.BearerSecret)
	}
	token, err := m.tokens.Get(ctx, cfg.BearerSecret)
	if err != nil {
		return nil, fmt.Errorf("resolve bearer secret: %w", err)
	}
	return &http.Client{Transport: &bearerTransport{base: http.DefaultTransport, token: token}}, nil
}

// bearerTransport adds the Authorization header to every request.
type bearerTransport struct {
	base  http.RoundTripper
	token string
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+t.token)
	return t.base.RoundTrip(req)
}

// textContent concatenates the text parts of a tool result. Non-text
// content is skipped.
func textContent(result *mcpsdk.CallToolResult) string {
	var parts []string
	for _, c := range result.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
