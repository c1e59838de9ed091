package mcp

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/HyphaGroup/remora/internal/audit"
	"github.com/HyphaGroup/remora/internal/executor"
	"github.com/HyphaGroup/remora/internal/schedule"
	"github.com/HyphaGroup/remora/internal/validation"
)

// PumpParams is the unified params struct for the pump tool
type PumpParams struct {
	Action string `json:"action" description:"add, list, remove or trigger"`

	// For add
	Hash   string `json:"hash_val,omitempty"`
	Method string `json:"method_name,omitempty"`
	Spec   string `json:"spec,omitempty"`

	// For remove, trigger
	PumpID string `json:"pump_id,omitempty"`
}

var pumpActions = []string{"add", "list", "remove", "trigger"}

// handlePump is the unified handler for the pump tool
func (s *Server) handlePump(ctx context.Context, request *mcp.CallToolRequest, params PumpParams) (*mcp.CallToolResult, any, error) {
	if params.Action == "" {
		return nil, nil, missingActionError("pump", pumpActions)
	}

	switch params.Action {
	case "add":
		return s.pumpAdd(ctx, params)
	case "list":
		return nil, map[string]any{"pumps": s.pumps.Pumps()}, nil
	case "remove":
		if err := validation.ValidatePumpID(params.PumpID); err != nil {
			return nil, nil, err
		}
		err := s.pumps.RemovePump(params.PumpID)
		s.auditPump(ctx, audit.OpPumpRemove, params, err)
		if err != nil {
			return nil, nil, err
		}
		return NewTextResult(fmt.Sprintf("Pump %s removed", params.PumpID)), nil, nil
	case "trigger":
		if err := validation.ValidatePumpID(params.PumpID); err != nil {
			return nil, nil, err
		}
		err := s.pumps.Trigger(ctx, params.PumpID)
		s.auditPump(ctx, audit.OpPumpTrigger, params, err)
		if err != nil {
			return nil, nil, err
		}
		return NewTextResult(fmt.Sprintf("Pump %s triggered", params.PumpID)), nil, nil
	default:
		return nil, nil, actionError("pump", params.Action, pumpActions)
	}
}

func (s *Server) pumpAdd(ctx context.Context, params PumpParams) (*mcp.CallToolResult, any, error) {
	if params.Spec == "" {
		return nil, nil, fmt.Errorf("spec is required")
	}
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
	// Pumps discard results, so only plain methods qualify.
	if _, err := executor.Lookup(obj, params.Method, false); err != nil {
		return nil, nil, err
	}

	id, err := s.pumps.AddPump(schedule.Pump{Hash: params.Hash, Method: params.Method, Spec: params.Spec})
	params.PumpID = id
	s.auditPump(ctx, audit.OpPumpAdd, params, err)
	if err != nil {
		return nil, nil, err
	}
	return nil, map[string]any{"pump_id": id}, nil
}

func (s *Server) auditPump(ctx context.Context, op audit.Operation, params PumpParams, err error) {
	ev := auditEvent(ctx, op)
	ev.PumpID, ev.Hash, ev.Method = params.PumpID, params.Hash, params.Method
	if params.Spec != "" {
		ev.Details = map[string]any{"spec": params.Spec}
	}
	s.audit.Record(ev, err)
}
