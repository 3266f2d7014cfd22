// Leader probe MCP server.
// Exposes leader probe tools over MCP stdio transport.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/server"

	mcptools "github.com/gateway-fm/leaderprobe/internal/mcp"
	"github.com/gateway-fm/leaderprobe/internal/schedule"
)

func main() {
	probeURL := os.Getenv("LEADERPROBE_URL")
	if probeURL == "" {
		probeURL = "http://localhost:13001"
	}

	// stdout carries the MCP protocol.
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	var loadSchedule mcptools.ScheduleLoader
	if url := os.Getenv("SCHEDULE_URL"); url != "" {
		loadSchedule = func(ctx context.Context) (*schedule.Index, error) {
			cfg := schedule.DefaultFetchConfig(url)
			cfg.Logger = logger
			doc, err := schedule.Fetch(ctx, cfg)
			if err != nil {
				return nil, err
			}
			return schedule.Build(doc)
		}
	} else {
		logger.Warn("SCHEDULE_URL not set, leader_lookup disabled")
	}

	s := server.NewMCPServer(
		"leaderprobe",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	client := mcptools.NewClient(probeURL)
	mcptools.RegisterTools(s, client, loadSchedule)

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}
