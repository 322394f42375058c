// mcpdash-tools serves the built-in demo tools over stdio, so a catalog entry
// with transport "stdio" can exercise a real subprocess MCP server.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/mark3labs/mcp-go/server"
	"github.com/ternarybob/arbor"
	arbor_models "github.com/ternarybob/arbor/models"

	"github.com/ternarybob/mcpdash/internal/demotools"
)

func main() {
	// stdout carries the protocol, so never log to the console
	logger := arbor.NewLogger().WithFileWriter(arbor_models.WriterConfiguration{
		Type:       arbor_models.LogWriterTypeFile,
		FileName:   filepath.Join(os.TempDir(), "mcpdash-tools.log"),
		TimeFormat: "15:04:05",
		MaxSize:    10 * 1024 * 1024,
		MaxBackups: 1,
		TextOutput: true,
	}).WithLevelFromString("warn")

	if err := server.ServeStdio(demotools.NewServer(logger)); err != nil {
		fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
		os.Exit(1)
	}
}
