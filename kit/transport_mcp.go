package kit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Decoder turns raw tool arguments into an endpoint request.
type Decoder func(*mcp.CallToolRequest) (any, error)

// RegisterMCPTool exposes endpoint as tool on srv. The endpoint sees
// TransportMCP in its context. Bad arguments and endpoint errors come back
// as tool results with IsError set; the protocol call itself succeeds.
func RegisterMCPTool(srv *mcp.Server, tool *mcp.Tool, endpoint Endpoint, decode Decoder) {
	srv.AddTool(tool, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, err := decode(req)
		if err != nil {
			return toolError(fmt.Errorf("%s: invalid arguments: %w", tool.Name, err)), nil
		}
		resp, err := endpoint(WithTransport(ctx, TransportMCP), args)
		if err != nil {
			return toolError(err), nil
		}
		return toolJSON(resp), nil
	})
}

// DecodeArgs decodes into a fresh *T; missing arguments give the zero T.
func DecodeArgs[T any](req *mcp.CallToolRequest) (any, error) {
	v := new(T)
	if req.Params != nil && len(req.Params.Arguments) > 0 {
		if err := json.Unmarshal(req.Params.Arguments, v); err != nil {
			return nil, err
		}
	}
	return v, nil
}

func toolJSON(v any) *mcp.CallToolResult {
	data, err := json.Marshal(v)
	if err != nil {
		return toolError(fmt.Errorf("encode result: %w", err))
	}
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: string(data)}}}
}

func toolError(err error) *mcp.CallToolResult {
	res := new(mcp.CallToolResult)
	res.SetError(err)
	return res
}
