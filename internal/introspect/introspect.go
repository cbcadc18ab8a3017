// Package introspect exposes the gateway's own health, breaker, and cache
// state as an MCP stdio tool server, so an operator's MCP client can query
// "gateway/health" the same way it queries any other upstream. Grounded
// exactly on the teacher's runMCPHub (cmd/brum/main.go): server.NewMCPServer,
// mcplib.NewTool/WithDescription/WithString/Required, AddTool, and
// server.ServeStdio.
package introspect

import (
	"context"
	"encoding/json"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/standardbeagle/mcp-gateway/internal/cache"
	"github.com/standardbeagle/mcp-gateway/internal/upstream"
)

const serverName = "mcp-gateway"

// Serve blocks running a stdio MCP server exposing introspection tools over
// registry and cache. version is embedded in the server's self-reported
// info.
func Serve(version string, registry *upstream.Registry, c *cache.Cache) error {
	mcpServer := server.NewMCPServer(
		serverName,
		version,
		server.WithToolCapabilities(true),
	)

	healthTool := mcplib.NewTool("gateway/health",
		mcplib.WithDescription("Report reachability and breaker state for every configured upstream"),
	)
	mcpServer.AddTool(healthTool, handleHealth(registry))

	breakersTool := mcplib.NewTool("gateway/breakers",
		mcplib.WithDescription("Report circuit breaker state for a single upstream"),
		mcplib.WithString("server",
			mcplib.Required(),
			mcplib.Description("Name of the upstream to inspect"),
		),
	)
	mcpServer.AddTool(breakersTool, handleBreaker(registry))

	cacheStatsTool := mcplib.NewTool("gateway/cache_stats",
		mcplib.WithDescription("Report prompt cache hit rate and tier sizes"),
	)
	mcpServer.AddTool(cacheStatsTool, handleCacheStats(c))

	return server.ServeStdio(mcpServer)
}

func handleHealth(registry *upstream.Registry) func(context.Context, mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	return func(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
		report := make(map[string]interface{})
		for _, name := range registry.Names() {
			reachable, _ := registry.Healthy(ctx, name)
			state := "unknown"
			if br, ok := registry.Breaker(name); ok {
				state = br.Snapshot().State
			}
			report[name] = map[string]interface{}{"reachable": reachable, "breaker_state": state}
		}
		return textResult(report)
	}
}

func handleBreaker(registry *upstream.Registry) func(context.Context, mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	return func(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
		name, err := request.RequireString("server")
		if err != nil {
			return mcplib.NewToolResultError(err.Error()), nil
		}

		br, ok := registry.Breaker(name)
		if !ok {
			return mcplib.NewToolResultError("unknown upstream " + name), nil
		}
		return textResult(br.Snapshot())
	}
}

func handleCacheStats(c *cache.Cache) func(context.Context, mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	return func(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
		if c == nil {
			return mcplib.NewToolResultError("cache not configured"), nil
		}
		return textResult(c.Stats(ctx))
	}
}

func textResult(v interface{}) (*mcplib.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}
