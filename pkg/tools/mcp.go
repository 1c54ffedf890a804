package tools

import (
	"context"

	"github.com/zyztek/suna-sub004/pkg/mcp"
	"github.com/zyztek/suna-sub004/pkg/models"
)

// MCPInvoker dispatches a tool call on a configured MCP server. Satisfied by
// *mcp.Pool.
type MCPInvoker interface {
	Invoke(ctx context.Context, cfg models.MCPConfig, toolName string, args map[string]any) (mcp.Result, error)
}

// RegisterMCPCatalog registers proxy dispatchers for every tool in a
// discovered catalog. Names are namespaced (mcp_<server>_<tool>) and recorded
// in nameMap for reverse lookup. The proxies delegate to the pool, which
// opens a fresh session per call.
func RegisterMCPCatalog(r *Registry, pool MCPInvoker, cfg models.MCPConfig, catalog mcp.Catalog, nameMap *mcp.NameMap) error {
	for _, tool := range catalog.Tools {
		name := nameMap.Register(cfg.QualifiedName, tool.Name)
		rawName := tool.Name

		def := Definition{
			Name:        name,
			Description: tool.Description,
			Parameters:  tool.InputSchema,
			Dispatcher: func(ctx context.Context, args map[string]any) (Result, error) {
				res, err := pool.Invoke(ctx, cfg, rawName, args)
				if err != nil {
					return Result{}, err
				}
				return Result{Success: !res.IsError, Output: res.Content}, nil
			},
		}
		if err := r.Register(def); err != nil {
			return err
		}
	}
	return nil
}
