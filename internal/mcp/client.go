// ABOUTME: Streamable HTTP MCP client used to reach remote and direct tool endpoints.
// ABOUTME: Handles the initialize handshake, session ids, JSON and SSE responses.

package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Client errors
var (
	ErrNotInitialized = errors.New("mcp client not initialized")
	ErrSessionExpired = errors.New("mcp session expired")
	ErrNoResponse     = errors.New("no JSON-RPC response in stream")
)

// StatusError is returned for non-2xx HTTP responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Body)
}

// Client speaks MCP over Streamable HTTP to a single endpoint.
type Client struct {
	url     string
	headers map[string]string
	http    *http.Client
	info    Implementation

	nextID atomic.Int64

	mu              sync.Mutex
	sessionID       string
	protocolVersion string
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithClientInfo sets the clientInfo sent on initialize.
func WithClientInfo(name, version string) ClientOption {
	return func(c *Client) { c.info = Implementation{Name: name, Version: version} }
}

// NewClient creates a client for url. headers are sent on every request.
func NewClient(url string, headers map[string]string, opts ...ClientOption) *Client {
	h := make(map[string]string, len(headers))
	for k, v := range headers {
		h[k] = v
	}
	c := &Client{
		url:     url,
		headers: h,
		http:    &http.Client{Timeout: 60 * time.Second},
		info:    Implementation{Name: "coven-apps", Version: "1.0.0"},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// URL returns the endpoint this client talks to.
func (c *Client) URL() string { return c.url }

// SessionID returns the current session id, if any.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Initialize performs the MCP handshake and records the session id.
func (c *Client) Initialize(ctx context.Context) (*InitializeResult, error) {
	params := map[string]any{
		"protocolVersion": latestProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      c.info,
	}
	var result InitializeResult
	header, err := c.call(ctx, "initialize", params, &result)
	if err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}

	c.mu.Lock()
	c.sessionID = header.Get("Mcp-Session-Id")
	c.protocolVersion = result.ProtocolVersion
	c.mu.Unlock()

	if err := c.notify(ctx, "notifications/initialized"); err != nil {
		return nil, fmt.Errorf("initialized notification: %w", err)
	}
	return &result, nil
}

// ListTools returns every tool the endpoint offers, following pagination.
func (c *Client) ListTools(ctx context.Context) ([]ToolInfo, error) {
	var tools []ToolInfo
	cursor := ""
	for {
		params := map[string]any{}
		if cursor != "" {
			params["cursor"] = cursor
		}
		var page ListToolsResult
		if err := c.callSession(ctx, "tools/list", params, &page); err != nil {
			return nil, fmt.Errorf("tools/list: %w", err)
		}
		tools = append(tools, page.Tools...)
		if page.NextCursor == "" || page.NextCursor == cursor {
			return tools, nil
		}
		cursor = page.NextCursor
	}
}

// CallTool invokes a tool. Tool-level failures come back with IsError set;
// protocol failures are returned as errors.
func (c *Client) CallTool(ctx context.Context, name string, args json.RawMessage) (*CallToolResult, error) {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	var result CallToolResult
	if err := c.callSession(ctx, "tools/call", CallToolParams{Name: name, Arguments: args}, &result); err != nil {
		return nil, fmt.Errorf("tools/call %s: %w", name, err)
	}
	return &result, nil
}

// Ping checks the session is alive.
func (c *Client) Ping(ctx context.Context) error {
	return c.callSession(ctx, "ping", nil, nil)
}

// Close terminates the session. Servers that do not support DELETE are ignored.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	sessionID := c.sessionID
	c.sessionID = ""
	c.mu.Unlock()
	if sessionID == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.url, nil)
	if err != nil {
		return err
	}
	c.setHeaders(req, sessionID)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode/100 == 2, resp.StatusCode == http.StatusMethodNotAllowed, resp.StatusCode == http.StatusNotFound:
		return nil
	default:
		return &StatusError{StatusCode: resp.StatusCode}
	}
}

// callSession issues a request inside the session, re-initializing once if
// the server has forgotten it.
func (c *Client) callSession(ctx context.Context, method string, params, out any) error {
	if c.SessionID() == "" {
		c.mu.Lock()
		initialized := c.protocolVersion != ""
		c.mu.Unlock()
		if !initialized {
			return ErrNotInitialized
		}
	}
	_, err := c.call(ctx, method, params, out)
	if errors.Is(err, ErrSessionExpired) {
		if _, ierr := c.Initialize(ctx); ierr != nil {
			return errors.Join(err, ierr)
		}
		_, err = c.call(ctx, method, params, out)
	}
	return err
}

func (c *Client) setHeaders(req *http.Request, sessionID string) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	if sessionID != "" {
		req.Header.Set("Mcp-Session-Id", sessionID)
	}
	c.mu.Lock()
	if c.protocolVersion != "" {
		req.Header.Set("Mcp-Protocol-Version", c.protocolVersion)
	}
	c.mu.Unlock()
}

func (c *Client) post(ctx context.Context, msg JSONRPCRequest) (*http.Response, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	sessionID := ""
	if msg.Method != "initialize" {
		sessionID = c.SessionID()
	}
	c.setHeaders(req, sessionID)
	return c.http.Do(req)
}

func (c *Client) notify(ctx context.Context, method string) error {
	resp, err := c.post(ctx, JSONRPCRequest{JSONRPC: "2.0", Method: method})
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode/100 != 2 {
		return &StatusError{StatusCode: resp.StatusCode}
	}
	return nil
}

func (c *Client) call(ctx context.Context, method string, params, out any) (http.Header, error) {
	id := json.RawMessage(fmt.Sprintf("%d", c.nextID.Add(1)))
	msg := JSONRPCRequest{JSONRPC: "2.0", ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		msg.Params = raw
	}

	resp, err := c.post(ctx, msg)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound && method != "initialize" && c.SessionID() != "" {
		return nil, ErrSessionExpired
	}
	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}

	var rpcResp *JSONRPCResponse
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		rpcResp, err = readEventStream(resp.Body, id)
	} else {
		rpcResp = &JSONRPCResponse{}
		err = json.NewDecoder(io.LimitReader(resp.Body, 16*MaxRequestBodySize)).Decode(rpcResp)
	}
	if err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}
	if out != nil && len(rpcResp.Result) > 0 {
		if err := json.Unmarshal(rpcResp.Result, out); err != nil {
			return nil, fmt.Errorf("decoding result: %w", err)
		}
	}
	return resp.Header, nil
}

// readEventStream returns the first response in an SSE body whose id matches.
func readEventStream(r io.Reader, id json.RawMessage) (*JSONRPCResponse, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*MaxRequestBodySize)

	var data strings.Builder
	flush := func() (*JSONRPCResponse, bool) {
		defer data.Reset()
		if data.Len() == 0 {
			return nil, false
		}
		var resp JSONRPCResponse
		if err := json.Unmarshal([]byte(data.String()), &resp); err != nil {
			return nil, false
		}
		if string(resp.ID) != string(id) {
			return nil, false
		}
		return &resp, true
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if resp, ok := flush(); ok {
				return resp, nil
			}
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if resp, ok := flush(); ok {
		return resp, nil
	}
	return nil, ErrNoResponse
}
