package invoke

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"toolprobe/pkg/logging"
)

const (
	// sessionIDHeader carries a per-connection session identifier so the
	// endpoint can correlate the requests of one connection.
	sessionIDHeader = "X-Toolprobe-Session-ID"

	protocolVersion = "2024-11-05"
	initTimeout     = 30 * time.Second
)

// TokenSource supplies the current access token for new connections. It is
// the read side of the credential-refresh interface: the refresher updates
// the credential, the source observes it.
type TokenSource interface {
	// Token returns the current access token, or "" for unauthenticated
	// endpoints.
	Token() string
}

// StaticToken is a TokenSource for a fixed token.
type StaticToken string

func (t StaticToken) Token() string { return string(t) }

// MCPConn is one streamable-HTTP MCP connection to the endpoint under test.
// It satisfies the pool's Conn contract: Ping for the acquire-time health
// check, Close to release the transport.
type MCPConn struct {
	client    *client.Client
	endpoint  string
	sessionID string
}

// Dial connects to the endpoint and performs the MCP initialize handshake.
// The returned connection is only usable after a fully successful
// handshake; a half-initialized transport is closed, never returned.
func Dial(ctx context.Context, endpoint string, tokens TokenSource) (*MCPConn, error) {
	sessionID := uuid.NewString()

	headers := map[string]string{
		sessionIDHeader: sessionID,
	}
	if tokens != nil {
		if token := tokens.Token(); token != "" {
			headers["Authorization"] = "Bearer " + token
		}
	}

	httpClient, err := client.NewStreamableHttpClient(endpoint,
		transport.WithHTTPHeaders(headers),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create streamable HTTP client: %w", err)
	}

	if err := httpClient.Start(ctx); err != nil {
		httpClient.Close()
		return nil, wrapTransportError(fmt.Errorf("failed to start streamable HTTP client: %w", err))
	}

	initRequest := mcp.InitializeRequest{
		Params: struct {
			ProtocolVersion string                 `json:"protocolVersion"`
			Capabilities    mcp.ClientCapabilities `json:"capabilities"`
			ClientInfo      mcp.Implementation     `json:"clientInfo"`
		}{
			ProtocolVersion: protocolVersion,
			ClientInfo: mcp.Implementation{
				Name:    "toolprobe",
				Version: "1.0.0",
			},
			Capabilities: mcp.ClientCapabilities{},
		},
	}

	initCtx, cancel := context.WithTimeout(ctx, initTimeout)
	defer cancel()

	if _, err := httpClient.Initialize(initCtx, initRequest); err != nil {
		httpClient.Close()
		return nil, wrapTransportError(fmt.Errorf("failed to initialize MCP protocol: %w", err))
	}

	logging.Debug("MCPConn", "Connected to %s (session %s)", endpoint, sessionID[:8])

	return &MCPConn{
		client:    httpClient,
		endpoint:  endpoint,
		sessionID: sessionID,
	}, nil
}

// NewFactory returns a pool factory dialing the given endpoint. The token
// source is consulted at dial time, so connections created after a
// credential refresh carry the new token.
func NewFactory(endpoint string, tokens TokenSource) func(ctx context.Context) (Conn, error) {
	return func(ctx context.Context) (Conn, error) {
		return Dial(ctx, endpoint, tokens)
	}
}

// SessionID returns the connection's session identifier.
func (c *MCPConn) SessionID() string { return c.sessionID }

// Ping verifies the endpoint still answers on this connection.
func (c *MCPConn) Ping(ctx context.Context) error {
	if c.client == nil {
		return fmt.Errorf("MCP connection not established")
	}
	return wrapTransportError(c.client.Ping(ctx))
}

// Close releases the underlying transport.
func (c *MCPConn) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}

// CallTool performs one physical tool-call request. The response is a
// request/response envelope correlated by the transport; the streamable
// HTTP client reads frames until the response for the outstanding request
// identifier arrives and then stops, so a server-streamed response does not
// block on stream termination. A tool-level error (IsError result) is
// returned as a result, not an error: whether it fails the test is the test
// body's judgement.
func (c *MCPConn) CallTool(ctx context.Context, tool string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	if c.client == nil {
		return nil, fmt.Errorf("MCP connection not established")
	}

	request := mcp.CallToolRequest{
		Params: struct {
			Name      string    `json:"name"`
			Arguments any       `json:"arguments,omitempty"`
			Meta      *mcp.Meta `json:"_meta,omitempty"`
		}{
			Name:      tool,
			Arguments: args,
		},
	}

	result, err := c.client.CallTool(ctx, request)
	if err != nil {
		return nil, wrapTransportError(fmt.Errorf("tool call %s failed: %w", tool, err))
	}
	return result, nil
}

// ListTools returns the names of the tools the endpoint exposes.
func (c *MCPConn) ListTools(ctx context.Context) ([]string, error) {
	if c.client == nil {
		return nil, fmt.Errorf("MCP connection not established")
	}

	result, err := c.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, wrapTransportError(fmt.Errorf("failed to list tools: %w", err))
	}

	names := make([]string, 0, len(result.Tools))
	for _, t := range result.Tools {
		names = append(names, t.Name)
	}
	return names, nil
}
