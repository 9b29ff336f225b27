package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/dwaynemcyrus/anchored"
	anchoredmcp "github.com/dwaynemcyrus/anchored/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start an MCP server for agent integration",
	Long: `Start a Model Context Protocol (MCP) server over stdio, exposing document
and sync tools to coding agents.

Example agent configuration:

  {
    "mcpServers": {
      "anchored": {
        "command": "anchored",
        "args": ["mcp"],
        "env": {
          "ANCHORED_PROFILE": "personal",
          "ANCHORED_REMOTE": "rest",
          "ANCHORED_REMOTE_URL": "https://db.example.com/rest/v1",
          "ANCHORED_API_KEY": "...",
          "ANCHORED_USER_ID": "..."
        }
      }
    }
  }

Logs go to ANCHORED_LOG_FILE when set; stdout carries the protocol.`,
	Args: cobra.NoArgs,
	RunE: runMCP,
}

func runMCP(cmd *cobra.Command, args []string) error {
	return withClient(cmd, func(ctx context.Context, client *anchored.Client) error {
		return anchoredmcp.NewServer(client, version).Run()
	})
}
