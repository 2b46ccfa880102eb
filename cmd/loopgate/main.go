// Package main is the CLI entry point for the Loop Gateway.
//
// Loopgate connects messaging platforms (Telegram, WhatsApp, Email,
// Slack, Discord, Mattermost, webhooks, web widget) to an LLM-driven
// agent loop with a pluggable tool and skill system, human-in-the-loop
// approval gates, and MCP tool servers running in Docker.
//
// # Basic Usage
//
// Start the gateway:
//
//	loopgate serve --config loopgate.yaml
//
// Manage channels:
//
//	loopgate channel add --type telegram --name "team bot" --set token=123:abc
//	loopgate channel list
//
// # Environment Variables
//
//   - LOOPGATE_CONFIG: path to the configuration file (default: loopgate.yaml)
//   - ANTHROPIC_API_KEY: Anthropic API key
//   - DATABASE_PATH, DATA_DIR, ENCRYPTION_KEY: persistence settings
//   - LOG_LEVEL, LOG_FORMAT: logging settings
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	root := &cobra.Command{
		Use:           "loopgate",
		Short:         "Multi-channel agentic AI gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		buildServeCmd(),
		buildChannelCmd(),
		buildMCPCmd(),
		buildRuleCmd(),
		buildUsageCmd(),
		buildVersionCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// defaultConfigPath resolves the config file from the environment.
func defaultConfigPath() string {
	if p := os.Getenv("LOOPGATE_CONFIG"); p != "" {
		return p
	}
	return "loopgate.yaml"
}
