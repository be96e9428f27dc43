// Package sumbridge bridges synchronous callers to a summarizer tool worker
// spoken to over newline-delimited JSON-RPC on the worker's standard
// streams. The Client implements the session bootstrap and tool invocation;
// the Manager in this package wraps it with process supervision and a
// single-owner background loop.
package sumbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"

	"github.com/verbrio/sumbridge/internal/protocol"
	"github.com/verbrio/sumbridge/transport"
)

const (
	clientName    = "sumbridge"
	clientVersion = "0.1.0"
)

// DefaultStartupTimeout bounds the initialize exchange.
const DefaultStartupTimeout = 10 * time.Second

// DefaultCallTimeout bounds a tool call when the caller supplies none.
const DefaultCallTimeout = 60 * time.Second

var (
	// ErrHandshakeTimeout is returned when the worker does not answer
	// initialize within the startup timeout.
	ErrHandshakeTimeout = errors.New("handshake timed out")

	// ErrHandshakeRejected is returned when the worker answers initialize
	// with an error.
	ErrHandshakeRejected = errors.New("handshake rejected by worker")
)

// Client speaks the tool-call session over a transport: handshake, catalog
// discovery and tool invocation. It is not safe for concurrent use by
// itself; the Manager serializes access through its background loop.
type Client struct {
	transport      transport.Transport
	protocol       *protocol.Protocol
	serverInfo     *Implementation
	startupTimeout time.Duration
	initialized    bool
}

// NewClient creates a client over the given transport. Initialize must be
// called before any other method.
func NewClient(tr transport.Transport) *Client {
	return &Client{
		transport:      tr,
		protocol:       protocol.NewProtocol(),
		startupTimeout: DefaultStartupTimeout,
	}
}

// SetStartupTimeout overrides the handshake deadline. Must be called before
// Initialize; non-positive values are ignored.
func (c *Client) SetStartupTimeout(timeout time.Duration) {
	if timeout > 0 {
		c.startupTimeout = timeout
	}
}

// OnClose registers a callback fired when the session's transport closes.
func (c *Client) OnClose(fn func()) {
	c.protocol.OnClose = fn
}

// OnError registers a callback for non-fatal session errors.
func (c *Client) OnError(fn func(error)) {
	c.protocol.OnError = fn
}

// Initialize connects the transport, performs the initialize request and
// emits the initialized notification that completes the handshake.
func (c *Client) Initialize(ctx context.Context) error {
	if c.initialized {
		return errors.New("client already initialized")
	}

	if err := c.protocol.Connect(c.transport); err != nil {
		return errors.Wrap(err, "failed to connect transport")
	}

	params := initializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    map[string]interface{}{},
		ClientInfo:      Implementation{Name: clientName, Version: clientVersion},
	}

	raw, err := c.protocol.Request(ctx, "initialize", params, &protocol.RequestOptions{Timeout: c.startupTimeout})
	if err != nil {
		var rpcErr *protocol.RPCError
		if errors.As(err, &rpcErr) {
			return errors.Wrapf(ErrHandshakeRejected, "%s", string(rpcErr.Payload))
		}
		if errors.Is(err, protocol.ErrRequestTimeout) {
			return errors.Wrapf(ErrHandshakeTimeout, "after %v", c.startupTimeout)
		}
		return errors.Wrap(err, "initialize failed")
	}

	var result initializeResult
	if err := json.Unmarshal(raw, &result); err == nil {
		c.serverInfo = &result.ServerInfo
	}

	if err := c.protocol.Notification("notifications/initialized", nil); err != nil {
		return errors.Wrap(err, "failed to send initialized notification")
	}

	c.initialized = true
	return nil
}

// ServerInfo returns the worker's self-reported identity from the handshake,
// or nil before Initialize.
func (c *Client) ServerInfo() *Implementation {
	return c.serverInfo
}

// ListTools retrieves the worker's tool catalog, rekeyed by tool name. A
// worker with no tools yields an empty map, not an error. On duplicate names
// the last descriptor wins.
func (c *Client) ListTools(ctx context.Context) (map[string]ToolDescriptor, error) {
	if !c.initialized {
		return nil, errors.New("client not initialized")
	}

	raw, err := c.protocol.Request(ctx, "tools/list", struct{}{}, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list tools")
	}

	var result listToolsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal tools response")
	}

	tools := make(map[string]ToolDescriptor, len(result.Tools))
	for _, tool := range result.Tools {
		tools[tool.Name] = tool
	}
	return tools, nil
}

// CallTool invokes a tool and returns its text result. A worker-reported
// error becomes a caller-visible failure string rather than an error return;
// transport-level failures (timeout, dead peer) come back as errors for the
// Manager to classify.
func (c *Client) CallTool(ctx context.Context, name string, arguments map[string]interface{}, timeout time.Duration) (string, error) {
	if !c.initialized {
		return "", errors.New("client not initialized")
	}
	if arguments == nil {
		arguments = map[string]interface{}{}
	}
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}

	params := callToolParams{Name: name, Arguments: arguments}
	raw, err := c.protocol.Request(ctx, "tools/call", params, &protocol.RequestOptions{Timeout: timeout})
	if err != nil {
		var rpcErr *protocol.RPCError
		if errors.As(err, &rpcErr) {
			return fmt.Sprintf("Tool call failed: %s", string(rpcErr.Payload)), nil
		}
		return "", err
	}

	return unwrapToolResult(raw), nil
}

// Close tears down the session and its transport.
func (c *Client) Close() error {
	return c.protocol.Close()
}

// unwrapToolResult flattens a tools/call result payload into text. The
// precedence is fixed for compatibility with existing workers: a mapping is
// probed for "content", then "text", then stringified whole; a sequence is
// joined from each element's "text" field (or its raw form) with newlines;
// scalars are stringified; bytes that are not JSON at all come back as
// trimmed raw text so a worker emitting plain diagnostics cannot break the
// caller.
func unwrapToolResult(raw json.RawMessage) string {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return ""
	}
	if !gjson.ValidBytes(raw) {
		return trimmed
	}

	value := gjson.ParseBytes(raw)
	if value.IsObject() {
		resolved := value.Get("content")
		if !resolved.Exists() {
			resolved = value.Get("text")
		}
		if !resolved.Exists() {
			return value.Raw
		}
		return flattenResult(resolved)
	}
	return flattenResult(value)
}

func flattenResult(value gjson.Result) string {
	if value.IsArray() {
		var parts []string
		for _, element := range value.Array() {
			if element.IsObject() {
				if text := element.Get("text"); text.Exists() {
					parts = append(parts, text.String())
					continue
				}
				parts = append(parts, element.Raw)
				continue
			}
			parts = append(parts, element.String())
		}
		return strings.Join(parts, "\n")
	}
	if value.IsObject() {
		return value.Raw
	}
	return value.String()
}
