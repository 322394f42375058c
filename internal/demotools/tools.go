// Package demotools is a small MCP server used for local runs and tests.
// It exposes tools that finish instantly, take a while while reporting
// progress, or fail.
package demotools

import (
	"context"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/mcpdash/internal/common"
)

// ServerName is the catalog name the demo server is registered under
const ServerName = "demo"

const maxSleep = 10 * time.Minute

// NewServer creates the demo MCP server
func NewServer(logger arbor.ILogger) *server.MCPServer {
	s := server.NewMCPServer(
		"mcpdash-demo",
		common.GetVersion(),
		server.WithToolCapabilities(true),
	)

	s.AddTool(createEchoTool(), handleEcho())
	s.AddTool(createSleepTool(), handleSleep(logger))
	s.AddTool(createFailTool(), handleFail())
	return s
}

func createEchoTool() mcp.Tool {
	return mcp.NewTool("echo",
		mcp.WithDescription("Return the given text unchanged"),
		mcp.WithString("text",
			mcp.Required(),
			mcp.Description("Text to echo back"),
		),
	)
}

func createSleepTool() mcp.Tool {
	return mcp.NewTool("sleep",
		mcp.WithDescription("Wait for a while, reporting progress in steps"),
		mcp.WithNumber("duration_ms",
			mcp.Description("Total time to wait in milliseconds (default: 1000)"),
		),
		mcp.WithNumber("steps",
			mcp.Description("Number of progress notifications (default: 5)"),
		),
	)
}

func createFailTool() mcp.Tool {
	return mcp.NewTool("fail",
		mcp.WithDescription("Always fails with the given reason"),
		mcp.WithString("reason",
			mcp.Description("Error text to return"),
		),
	)
}

func handleEcho() server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := request.RequireString("text")
		if err != nil {
			return mcp.NewToolResultError("text parameter is required"), nil
		}
		return mcp.NewToolResultText(text), nil
	}
}

func handleSleep(logger arbor.ILogger) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		duration := time.Duration(request.GetFloat("duration_ms", 1000)) * time.Millisecond
		steps := request.GetInt("steps", 5)
		if duration < 0 || duration > maxSleep {
			return mcp.NewToolResultError(fmt.Sprintf("duration_ms must be between 0 and %d", maxSleep.Milliseconds())), nil
		}
		if steps < 1 {
			steps = 1
		}

		var token mcp.ProgressToken
		if request.Params.Meta != nil {
			token = request.Params.Meta.ProgressToken
		}

		tick := duration / time.Duration(steps)
		for i := 1; i <= steps; i++ {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(tick):
			}
			notifyProgress(ctx, logger, token, float64(i), float64(steps), fmt.Sprintf("step %d of %d", i, steps))
		}

		return mcp.NewToolResultText(fmt.Sprintf("slept %s", duration)), nil
	}
}

func handleFail() server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultError(request.GetString("reason", "failed on request")), nil
	}
}

// notifyProgress sends notifications/progress when the caller asked for it
func notifyProgress(ctx context.Context, logger arbor.ILogger, token mcp.ProgressToken, progress, total float64, message string) {
	if token == nil {
		return
	}
	srv := server.ServerFromContext(ctx)
	if srv == nil {
		return
	}
	err := srv.SendNotificationToClient(ctx, "notifications/progress", map[string]any{
		"progressToken": token,
		"progress":      progress,
		"total":         total,
		"message":       message,
	})
	if err != nil {
		logger.Debug().Err(err).Msg("Progress notification not delivered")
	}
}
