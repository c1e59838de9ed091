package mcp

import (
	"context"
	"testing"
)

func TestContextValues_Empty(t *testing.T) {
	ctx := context.Background()
	if got := GetRemoteAddr(ctx); got != "" {
		t.Errorf("GetRemoteAddr() = %q, want empty", got)
	}
	if got := GetClient(ctx); got != "" {
		t.Errorf("GetClient() = %q, want empty", got)
	}
}

func TestContextValues(t *testing.T) {
	ctx := WithRemoteAddr(context.Background(), "10.0.0.1:5555")
	ctx = WithClient(ctx, "bench-rig")

	if got := GetRemoteAddr(ctx); got != "10.0.0.1:5555" {
		t.Errorf("GetRemoteAddr() = %q", got)
	}
	if got := GetClient(ctx); got != "bench-rig" {
		t.Errorf("GetClient() = %q", got)
	}
}

func TestContextValues_WrongType(t *testing.T) {
	ctx := context.WithValue(context.Background(), contextKeyRemoteAddr, 42)
	if got := GetRemoteAddr(ctx); got != "" {
		t.Errorf("GetRemoteAddr() = %q, want empty for non-string value", got)
	}
}
