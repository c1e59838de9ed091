package mcp

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/HyphaGroup/remora/internal/datalog"
)

type EventsQueryParams struct {
	Hash  string `json:"hash_val,omitempty"`
	Type  string `json:"type,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

func (s *Server) handleEventsQuery(ctx context.Context, request *mcp.CallToolRequest, params EventsQueryParams) (*mcp.CallToolResult, any, error) {
	records, err := s.events.Query(ctx, datalog.Filter{Hash: params.Hash, Type: params.Type, Limit: params.Limit})
	if err != nil {
		return nil, nil, err
	}
	if records == nil {
		records = []datalog.Record{}
	}
	return nil, map[string]any{"events": records}, nil
}
