package mcp

import (
	"context"
)

type contextKey string

const (
	contextKeyRemoteAddr contextKey = "remora-remote-addr"
	contextKeyClient     contextKey = "remora-client"
)

// ClientHeader names the MCP client in requests, for logs.
const ClientHeader = "X-Remora-Client"

// WithRemoteAddr adds the remote address to context
func WithRemoteAddr(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, contextKeyRemoteAddr, addr)
}

// GetRemoteAddr extracts the remote address from context
func GetRemoteAddr(ctx context.Context) string {
	return getStringFromContext(ctx, contextKeyRemoteAddr)
}

// WithClient records the client name sent in ClientHeader.
func WithClient(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, contextKeyClient, name)
}

func GetClient(ctx context.Context) string {
	return getStringFromContext(ctx, contextKeyClient)
}

func getStringFromContext(ctx context.Context, key contextKey) string {
	if val := ctx.Value(key); val != nil {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}
