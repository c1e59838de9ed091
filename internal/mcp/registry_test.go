package mcp

import (
	"context"
	"encoding/json"
	"testing"

	mcp_sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

func TestGenerateSchema_String(t *testing.T) {
	type Params struct {
		Name string `json:"name"`
	}
	schema := GenerateSchema[Params]()

	props := schema["properties"].(map[string]any)
	nameProp := props["name"].(map[string]any)
	if nameProp["type"] != "string" {
		t.Errorf("expected type string, got %v", nameProp["type"])
	}

	required := schema["required"].([]string)
	if len(required) != 1 || required[0] != "name" {
		t.Errorf("expected required=[name], got %v", required)
	}
}

func TestGenerateSchema_Integer(t *testing.T) {
	type Params struct {
		Limit int `json:"limit"`
	}
	schema := GenerateSchema[Params]()

	props := schema["properties"].(map[string]any)
	limitProp := props["limit"].(map[string]any)
	if limitProp["type"] != "integer" {
		t.Errorf("expected type integer, got %v", limitProp["type"])
	}
}

func TestGenerateSchema_Boolean(t *testing.T) {
	type Params struct {
		Force bool `json:"force"`
	}
	schema := GenerateSchema[Params]()

	props := schema["properties"].(map[string]any)
	forceProp := props["force"].(map[string]any)
	if forceProp["type"] != "boolean" {
		t.Errorf("expected type boolean, got %v", forceProp["type"])
	}
}

func TestGenerateSchema_Array(t *testing.T) {
	type Params struct {
		Tags []string `json:"tags"`
	}
	schema := GenerateSchema[Params]()

	props := schema["properties"].(map[string]any)
	tagsProp := props["tags"].(map[string]any)
	if tagsProp["type"] != "array" {
		t.Errorf("expected type array, got %v", tagsProp["type"])
	}
	items := tagsProp["items"].(map[string]any)
	if items["type"] != "string" {
		t.Errorf("expected items type string, got %v", items["type"])
	}
}

func TestGenerateSchema_NestedStruct(t *testing.T) {
	type Config struct {
		Value string `json:"value"`
	}
	type Params struct {
		Config Config `json:"config"`
	}
	schema := GenerateSchema[Params]()

	props := schema["properties"].(map[string]any)
	configProp := props["config"].(map[string]any)
	if configProp["type"] != "object" {
		t.Errorf("expected type object, got %v", configProp["type"])
	}
	nestedProps := configProp["properties"].(map[string]any)
	if _, ok := nestedProps["value"]; !ok {
		t.Error("expected nested property 'value'")
	}
}

func TestGenerateSchema_Omitempty(t *testing.T) {
	type Params struct {
		Name        string `json:"name"`
		Description string `json:"description,omitempty"`
	}
	schema := GenerateSchema[Params]()

	required := schema["required"].([]string)
	if len(required) != 1 || required[0] != "name" {
		t.Errorf("expected required=[name], got %v", required)
	}
}

func TestGenerateSchema_Description(t *testing.T) {
	type Params struct {
		Name string `json:"name" description:"The project name"`
	}
	schema := GenerateSchema[Params]()

	props := schema["properties"].(map[string]any)
	nameProp := props["name"].(map[string]any)
	if nameProp["description"] != "The project name" {
		t.Errorf("expected description 'The project name', got %v", nameProp["description"])
	}
}

func TestGenerateSchema_SkipUnexported(t *testing.T) {
	type Params struct {
		Name   string `json:"name"`
		hidden string //nolint:unused // intentionally unexported to test schema generation
	}
	schema := GenerateSchema[Params]()

	props := schema["properties"].(map[string]any)
	if _, ok := props["hidden"]; ok {
		t.Error("unexported field should not be in schema")
	}
}

func TestGenerateSchema_SkipJsonIgnore(t *testing.T) {
	type Params struct {
		Name   string `json:"name"`
		Secret string `json:"-"`
	}
	schema := GenerateSchema[Params]()

	props := schema["properties"].(map[string]any)
	if _, ok := props["Secret"]; ok {
		t.Error("json:\"-\" field should not be in schema")
	}
}

func TestRegistry_RegisterAndGetAllTools(t *testing.T) {
	r := NewRegistry()

	type Params struct {
		Name string `json:"name"`
	}

	handler := func(ctx context.Context, req *mcp_sdk.CallToolRequest, params Params) (*mcp_sdk.CallToolResult, any, error) {
		return NewTextResult("ok"), nil, nil
	}

	Register(r, ToolDef{Name: "tool_a", Description: "Tool A", ReadOnly: true}, handler)
	Register(r, ToolDef{Name: "tool_b", Description: "Tool B"}, handler)

	tools := r.GetAllTools()
	if len(tools) != 2 {
		t.Errorf("expected 2 tools, got %d", len(tools))
	}
	if tools[0].Name != "tool_a" || tools[1].Name != "tool_b" {
		t.Error("tools not in registration order")
	}
}

func TestRegistry_CallTool(t *testing.T) {
	r := NewRegistry()

	type Params struct {
		Name string `json:"name"`
	}

	handler := func(ctx context.Context, req *mcp_sdk.CallToolRequest, params Params) (*mcp_sdk.CallToolResult, any, error) {
		return NewTextResult("Hello " + params.Name), nil, nil
	}

	Register(r, ToolDef{Name: "greet", ReadOnly: true}, handler)

	args, _ := json.Marshal(map[string]string{"name": "World"})
	result, err := r.CallTool(context.Background(), "greet", args)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctr, ok := result.(*mcp_sdk.CallToolResult)
	if !ok {
		t.Fatalf("expected CallToolResult, got %T", result)
	}

	text := ctr.Content[0].(*mcp_sdk.TextContent).Text
	if text != "Hello World" {
		t.Errorf("expected 'Hello World', got %q", text)
	}
}

func TestRegistry_CallTool_UnknownTool(t *testing.T) {
	r := NewRegistry()

	_, err := r.CallTool(context.Background(), "unknown", nil)
	if err == nil || err.Error() != "unknown tool: unknown" {
		t.Errorf("expected 'unknown tool' error, got %v", err)
	}
}

func TestSchemaFor(t *testing.T) {
	type Params struct {
		Hash  string `json:"hash_val" description:"Object hash"`
		Limit int    `json:"limit,omitempty"`
	}
	def := &ToolDef{Name: "t", InputSchema: GenerateSchema[Params]()}

	schema, err := schemaFor(def)
	if err != nil {
		t.Fatalf("schemaFor() error = %v", err)
	}
	if schema.Type != "object" {
		t.Errorf("Type = %q, want object", schema.Type)
	}
	if p := schema.Properties["hash_val"]; p == nil || p.Type != "string" || p.Description != "Object hash" {
		t.Errorf("hash_val property = %+v", p)
	}
	if len(schema.Required) != 1 || schema.Required[0] != "hash_val" {
		t.Errorf("Required = %v", schema.Required)
	}

	empty, err := schemaFor(&ToolDef{Name: "empty"})
	if err != nil || empty.Type != "object" {
		t.Errorf("schemaFor(no schema) = %+v, %v", empty, err)
	}
}
