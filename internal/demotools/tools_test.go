package demotools

import (
	"context"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
)

func newClient(t *testing.T) *client.Client {
	t.Helper()
	c, err := client.NewInProcessClient(NewServer(arbor.NewLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	ctx := context.Background()
	require.NoError(t, c.Start(ctx))

	init := mcp.InitializeRequest{}
	init.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	init.Params.ClientInfo = mcp.Implementation{Name: "demotools-test", Version: "0.0.1"}
	_, err = c.Initialize(ctx, init)
	require.NoError(t, err)
	return c
}

func call(t *testing.T, c *client.Client, ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	t.Helper()
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return c.CallTool(ctx, req)
}

func text(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, res.Content)
	tc, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return tc.Text
}

func TestTools_Listed(t *testing.T) {
	c := newClient(t)
	res, err := c.ListTools(context.Background(), mcp.ListToolsRequest{})
	require.NoError(t, err)

	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{"echo", "sleep", "fail"}, names)
}

func TestEcho(t *testing.T) {
	c := newClient(t)
	res, err := call(t, c, context.Background(), "echo", map[string]any{"text": "hello"})
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, "hello", text(t, res))

	res, err = call(t, c, context.Background(), "echo", map[string]any{})
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestSleep(t *testing.T) {
	c := newClient(t)
	start := time.Now()
	res, err := call(t, c, context.Background(), "sleep", map[string]any{"duration_ms": 40, "steps": 4})
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)

	res, err = call(t, c, context.Background(), "sleep", map[string]any{"duration_ms": -1})
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestFail(t *testing.T) {
	c := newClient(t)
	res, err := call(t, c, context.Background(), "fail", map[string]any{"reason": "nope"})
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Equal(t, "nope", text(t, res))
}
