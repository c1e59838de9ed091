// Package client is a small MCP client for driving a running remora
// server from load and smoke tests.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// clientHeader names the caller in the server's request logs.
const clientHeader = "X-Remora-Client"

// MCPClient implements a client for remora's MCP server
type MCPClient struct {
	serverURL string
	name      string
	client    *mcp.Client
	session   *mcp.ClientSession
	ctx       context.Context
}

// Tool represents an MCP tool definition
type Tool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// ToolResult represents the result of a tool invocation
type ToolResult struct {
	Content []mcp.Content
	IsError bool
}

// NewMCPClient creates a new MCP client for the given server URL
func NewMCPClient(serverURL, name string) *MCPClient {
	return &MCPClient{
		serverURL: serverURL,
		name:      name,
		ctx:       context.Background(),
	}
}

// headerTransport wraps http.RoundTripper to add the client header
type headerTransport struct {
	base http.RoundTripper
	name string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.name != "" {
		req = req.Clone(req.Context())
		req.Header.Set(clientHeader, t.name)
	}
	return t.base.RoundTrip(req)
}

// Connect establishes a connection to the MCP server
func (c *MCPClient) Connect() error {
	c.client = mcp.NewClient(&mcp.Implementation{
		Name:    "remora-test",
		Version: "0.1.0",
	}, nil)

	httpClient := &http.Client{
		Transport: &headerTransport{base: http.DefaultTransport, name: c.name},
	}

	transport := &mcp.StreamableClientTransport{
		Endpoint:   c.serverURL,
		HTTPClient: httpClient,
	}

	session, err := c.client.Connect(c.ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	c.session = session
	return nil
}

// ListTools retrieves all available tools from the server
func (c *MCPClient) ListTools() ([]Tool, error) {
	if c.session == nil {
		return nil, fmt.Errorf("not connected - call Connect() first")
	}

	result, err := c.session.ListTools(c.ctx, &mcp.ListToolsParams{})
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}

	tools := make([]Tool, len(result.Tools))
	for i, t := range result.Tools {
		tools[i] = Tool{Name: t.Name, Description: t.Description}
	}
	return tools, nil
}

// InvokeTool calls the specified tool with the given parameters
func (c *MCPClient) InvokeTool(ctx context.Context, name string, params map[string]any) (*ToolResult, error) {
	if c.session == nil {
		return nil, fmt.Errorf("not connected - call Connect() first")
	}

	result, err := c.session.CallTool(ctx, &mcp.CallToolParams{
		Name:      name,
		Arguments: params,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to call tool: %w", err)
	}

	return &ToolResult{Content: result.Content, IsError: result.IsError}, nil
}

// Call invokes a tool and decodes its JSON reply into a map. Tool errors
// are returned as errors.
func (c *MCPClient) Call(ctx context.Context, name string, params map[string]any) (map[string]any, error) {
	res, err := c.InvokeTool(ctx, name, params)
	if err != nil {
		return nil, err
	}
	text := res.GetToolContent()
	if res.IsError {
		return nil, fmt.Errorf("%s: %s", name, text)
	}
	out := map[string]any{}
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		out["text"] = text
	}
	return out, nil
}

// Close closes the client session
func (c *MCPClient) Close() error {
	if c.session != nil {
		return c.session.Close()
	}
	return nil
}

// GetToolContent extracts text content from a ToolResult
func (r *ToolResult) GetToolContent() string {
	if r == nil {
		return ""
	}

	var parts []string
	for _, content := range r.Content {
		if textContent, ok := content.(*mcp.TextContent); ok {
			parts = append(parts, textContent.Text)
		}
	}
	return strings.Join(parts, "\n")
}
