package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/mcpdash/internal/catalog"
	"github.com/ternarybob/mcpdash/internal/common"
)

// ToolRunner executes tool_execution jobs by calling a tool on an MCP server
// from the catalog. Params: server (catalog name), tool, arguments (object).
type ToolRunner struct {
	catalog   *catalog.Catalog
	inProcess map[string]*server.MCPServer
	timeout   time.Duration
	logger    arbor.ILogger
}

// NewToolRunner creates a ToolRunner. timeout bounds a single tool call.
func NewToolRunner(cat *catalog.Catalog, timeout time.Duration, logger arbor.ILogger) *ToolRunner {
	if cat == nil {
		cat = &catalog.Catalog{}
	}
	return &ToolRunner{
		catalog:   cat,
		inProcess: make(map[string]*server.MCPServer),
		timeout:   timeout,
		logger:    logger,
	}
}

// RegisterInProcess makes an in-process MCP server callable by name
func (r *ToolRunner) RegisterInProcess(name string, srv *server.MCPServer) {
	r.inProcess[name] = srv
	r.catalog.Add(catalog.Server{Name: name, Transport: catalog.TransportInProcess, Description: "built-in"})
}

func (r *ToolRunner) Run(ctx context.Context, jobID string, params map[string]any, report Reporter) (json.RawMessage, error) {
	serverName, _ := params["server"].(string)
	toolName, _ := params["tool"].(string)
	if serverName == "" || toolName == "" {
		return nil, errors.New("params.server and params.tool are required")
	}
	arguments := map[string]any{}
	if raw, ok := params["arguments"]; ok && raw != nil {
		args, ok := raw.(map[string]any)
		if !ok {
			return nil, errors.New("params.arguments must be an object")
		}
		arguments = args
	}

	entry, ok := r.catalog.Lookup(serverName)
	if !ok {
		return nil, fmt.Errorf("unknown MCP server %q (known: %s)", serverName, strings.Join(r.catalog.Names(), ", "))
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	c, err := r.connect(ctx, entry)
	if c != nil {
		defer c.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", serverName, err)
	}

	c.OnNotification(func(n mcp.JSONRPCNotification) {
		if n.Method != "notifications/progress" {
			return
		}
		progress, message, ok := progressFromNotification(n.Params.AdditionalFields)
		if ok {
			report(progress, message)
		}
	})

	init := mcp.InitializeRequest{}
	init.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	init.Params.ClientInfo = mcp.Implementation{Name: "mcpdash", Version: common.GetVersion()}
	if _, err := c.Initialize(ctx, init); err != nil {
		return nil, fmt.Errorf("initialize %s: %w", serverName, err)
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = toolName
	req.Params.Arguments = arguments
	req.Params.Meta = &mcp.Meta{ProgressToken: mcp.ProgressToken(jobID)}

	r.logger.Debug().
		Str("job_id", jobID).
		Str("server", serverName).
		Str("tool", toolName).
		Msg("Calling MCP tool")

	res, err := c.CallTool(ctx, req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("call %s/%s: %w", serverName, toolName, err)
	}
	return toolResult(res)
}

func (r *ToolRunner) connect(ctx context.Context, entry catalog.Server) (*client.Client, error) {
	switch entry.Transport {
	case catalog.TransportInProcess:
		srv, ok := r.inProcess[entry.Name]
		if !ok {
			return nil, fmt.Errorf("in-process server %q not registered", entry.Name)
		}
		c, err := client.NewInProcessClient(srv)
		if err != nil {
			return nil, err
		}
		return c, c.Start(ctx)

	case catalog.TransportStdio:
		// stdio clients start their subprocess on creation
		return client.NewStdioMCPClient(entry.Command, envList(entry.Env), entry.Args...)

	case catalog.TransportSSE:
		c, err := client.NewSSEMCPClient(entry.URL, transport.WithHeaders(entry.Headers))
		if err != nil {
			return nil, err
		}
		return c, c.Start(ctx)

	case catalog.TransportHTTP:
		c, err := client.NewStreamableHttpClient(entry.URL, transport.WithHTTPHeaders(entry.Headers))
		if err != nil {
			return nil, err
		}
		return c, c.Start(ctx)
	}
	return nil, fmt.Errorf("unsupported transport %q", entry.Transport)
}

// progressFromNotification converts notifications/progress fields into a
// ratio. Servers that send a total report a fraction of it.
func progressFromNotification(fields map[string]any) (float64, string, bool) {
	progress, ok := fields["progress"].(float64)
	if !ok {
		return 0, "", false
	}
	if total, ok := fields["total"].(float64); ok && total > 0 {
		progress = progress / total * 100
	}
	message, _ := fields["message"].(string)
	return progress, message, true
}

// toolResult turns a tool result into the job result. Tool-level errors fail
// the job with the tool's text.
func toolResult(res *mcp.CallToolResult) (json.RawMessage, error) {
	var texts []string
	for _, content := range res.Content {
		if tc, ok := content.(mcp.TextContent); ok {
			texts = append(texts, tc.Text)
		}
	}

	if res.IsError {
		if len(texts) == 0 {
			return nil, errors.New("tool reported an error")
		}
		return nil, errors.New(strings.Join(texts, "\n"))
	}

	var value any
	switch {
	case res.StructuredContent != nil:
		value = res.StructuredContent
	case len(texts) == 1:
		value = texts[0]
	case len(texts) > 1:
		value = texts
	default:
		value = res.Content
	}

	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode tool result: %w", err)
	}
	return data, nil
}

func envList(env map[string]string) []string {
	list := make([]string, 0, len(env))
	for k, v := range env {
		list = append(list, k+"="+v)
	}
	sort.Strings(list)
	return list
}
