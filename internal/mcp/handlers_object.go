package mcp

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/HyphaGroup/remora/internal/audit"
	"github.com/HyphaGroup/remora/internal/executor/remote"
	"github.com/HyphaGroup/remora/internal/object"
	"github.com/HyphaGroup/remora/internal/validation"
)

const defaultGeneratorLimit = 1000

type ObjectsListParams struct {
	Class string `json:"class,omitempty" description:"Only list instances of this class"`
}

type ObjectSummary struct {
	Hash  string `json:"hash_val"`
	Class string `json:"cls_name"`
	Name  string `json:"name"`
}

func (s *Server) handleObjectsList(ctx context.Context, request *mcp.CallToolRequest, params ObjectsListParams) (*mcp.CallToolResult, any, error) {
	reg := s.srv.Registry()
	objects := make([]ObjectSummary, 0, reg.Len())
	for _, obj := range reg.Instances() {
		if params.Class != "" && obj.ClassName() != params.Class {
			continue
		}
		objects = append(objects, ObjectSummary{Hash: obj.HashVal(), Class: obj.ClassName(), Name: obj.Name()})
	}
	slices.SortFunc(objects, func(a, b ObjectSummary) int { return strings.Compare(a.Hash, b.Hash) })

	return nil, map[string]any{
		"objects": objects,
		"classes": reg.Catalog().Names(),
	}, nil
}

type ObjectInfoParams struct {
	Hash  string `json:"hash_val,omitempty" description:"Object hash; omit with query config to list every object"`
	Query string `json:"query" description:"config or data"`
}

func (s *Server) handleObjectInfo(ctx context.Context, request *mcp.CallToolRequest, params ObjectInfoParams) (*mcp.CallToolResult, any, error) {
	if params.Query == "" {
		return nil, nil, fmt.Errorf("query is required")
	}
	req := remote.InfoRequest{Hash: params.Hash, Query: params.Query}
	res, err := s.srv.Dispatch(ctx, remote.CmdObjectInfo, req.Payload())
	if err != nil {
		return nil, nil, err
	}
	tree, err := s.encode(res)
	if err != nil {
		return nil, nil, err
	}
	return nil, map[string]any{"info": tree}, nil
}

type ObjectEnsureParams struct {
	Class  string         `json:"cls_name" description:"Registered class name"`
	Name   string         `json:"name,omitempty"`
	Config map[string]any `json:"config,omitempty" description:"Config properties applied on creation"`
}

func (s *Server) handleObjectEnsure(ctx context.Context, request *mcp.CallToolRequest, params ObjectEnsureParams) (*mcp.CallToolResult, any, error) {
	if err := validation.ValidateClassName(params.Class); err != nil {
		return nil, nil, err
	}
	config := map[string]any{}
	for k, v := range params.Config {
		config[k] = v
	}
	if params.Name != "" {
		config["name"] = params.Name
	}
	decoded, err := s.decode(config)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	config, _ = decoded.(map[string]any)

	hash := object.Hash(params.Class, params.Name)
	req := remote.EnsureRequest{Class: params.Class, Hash: hash, Config: config}
	_, err = s.srv.Dispatch(ctx, remote.CmdEnsure, req.Payload())
	ev := auditEvent(ctx, audit.OpObjectEnsure)
	ev.Class, ev.Hash = params.Class, hash
	s.audit.Record(ev, err)
	if err != nil {
		return nil, nil, err
	}
	return nil, map[string]any{"hash_val": hash}, nil
}

type ObjectDeleteParams struct {
	Hash string `json:"hash_val"`
}

func (s *Server) handleObjectDelete(ctx context.Context, request *mcp.CallToolRequest, params ObjectDeleteParams) (*mcp.CallToolResult, any, error) {
	if err := validation.ValidateHash(params.Hash); err != nil {
		return nil, nil, err
	}
	_, err := s.srv.Dispatch(ctx, remote.CmdDelete, map[string]any{"hash_val": params.Hash})
	ev := auditEvent(ctx, audit.OpObjectDelete)
	ev.Hash = params.Hash
	s.audit.Record(ev, err)
	if err != nil {
		return nil, nil, err
	}
	return NewTextResult(fmt.Sprintf("Deleted %s", params.Hash)), nil, nil
}

type ObjectExecuteParams struct {
	Hash   string         `json:"hash_val"`
	Method string         `json:"method_name"`
	Args   []any          `json:"args,omitempty"`
	Kwargs map[string]any `json:"kwargs,omitempty"`
	Limit  int            `json:"limit,omitempty" description:"Maximum values collected from a generator method"`
}

func (s *Server) handleObjectExecute(ctx context.Context, request *mcp.CallToolRequest, params ObjectExecuteParams) (*mcp.CallToolResult, any, error) {
	if err := validation.ValidateHash(params.Hash); err != nil {
		return nil, nil, err
	}
	if err := validation.ValidateMethodName(params.Method); err != nil {
		return nil, nil, err
	}
	obj, err := s.srv.Registry().Get(params.Hash)
	if err != nil {
		return nil, nil, err
	}
	m, err := object.LookupMethod(obj, params.Method)
	if err != nil {
		return nil, nil, err
	}

	payload, err := s.decode(map[string]any{
		"hash_val":    params.Hash,
		"method_name": params.Method,
		"args":        params.Args,
		"kwargs":      params.Kwargs,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("invalid arguments: %w", err)
	}

	if !m.IsGenerator() {
		res, err := s.srv.Dispatch(ctx, remote.CmdExecute, payload)
		if err != nil {
			return nil, nil, err
		}
		tree, err := s.encode(res)
		if err != nil {
			return nil, nil, err
		}
		return nil, map[string]any{"return_value": tree}, nil
	}

	limit := params.Limit
	if limit <= 0 {
		limit = defaultGeneratorLimit
	}
	values := []any{}
	for v, err := range s.srv.DispatchGenerator(ctx, payload) {
		if err != nil {
			return nil, nil, err
		}
		tree, err := s.encode(v)
		if err != nil {
			return nil, nil, err
		}
		values = append(values, tree)
		if len(values) >= limit {
			break
		}
	}
	return nil, map[string]any{"values": values}, nil
}

type EchoClockParams struct{}

func (s *Server) handleEchoClock(ctx context.Context, request *mcp.CallToolRequest, params EchoClockParams) (*mcp.CallToolResult, any, error) {
	res, err := s.srv.Dispatch(ctx, remote.CmdEchoClock, nil)
	if err != nil {
		return nil, nil, err
	}
	return nil, res, nil
}
