// commands.go holds the cobra command definitions. Each builder wires a
// command's flags to its handler.
package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/loopgate/loopgate/internal/config"
	"github.com/loopgate/loopgate/internal/crypto"
	"github.com/loopgate/loopgate/internal/store"
	"github.com/loopgate/loopgate/pkg/models"
)

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway",
		Long: `Start the gateway with every enabled channel.

The server loads configuration, opens the database, starts the channel
adapters and MCP servers, and listens for inbound webhooks. Graceful
shutdown is handled on SIGINT/SIGTERM.`,
		Example: `  # Start with default config
  loopgate serve

  # Start with custom config and debug logging
  loopgate serve --config /etc/loopgate/production.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("loopgate %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}

func buildUsageCmd() *cobra.Command {
	var (
		configPath string
		days       int
	)

	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show API usage per day and model",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd.Context(), configPath)
			if err != nil {
				return err
			}
			defer st.Close()

			since := time.Now().UTC().AddDate(0, 0, -days)
			rows, err := st.UsageByDay(cmd.Context(), since)
			if err != nil {
				return err
			}
			if len(rows) == 0 {
				fmt.Println("No API calls recorded.")
				return nil
			}

			var totalIn, totalOut int64
			var totalCost float64
			fmt.Printf("%-12s %-28s %6s %10s %10s %10s\n", "DAY", "MODEL", "CALLS", "IN", "OUT", "COST")
			for _, u := range rows {
				fmt.Printf("%-12s %-28s %6d %10d %10d %9.4f\n",
					u.Period, u.Model, u.Calls, u.InputTokens, u.OutputTokens, u.CostUSD)
				totalIn += u.InputTokens
				totalOut += u.OutputTokens
				totalCost += u.CostUSD
			}
			fmt.Printf("%-12s %-28s %6s %10d %10d %9.4f\n", "total", "", "", totalIn, totalOut, totalCost)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to YAML configuration file")
	cmd.Flags().IntVar(&days, "days", 30, "How many days back to aggregate")
	return cmd
}

func buildChannelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "channel",
		Short: "Manage channel configurations",
	}
	cmd.AddCommand(buildChannelAddCmd(), buildChannelListCmd(), buildChannelEnableCmd(true), buildChannelEnableCmd(false))
	return cmd
}

func buildChannelAddCmd() *cobra.Command {
	var (
		configPath string
		chType     string
		name       string
		settings   []string
		disabled   bool
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a channel",
		Example: `  loopgate channel add --type telegram --name "team bot" --set token=123:abc
  loopgate channel add --type webhook --name ci --set secret=s3cret --set sync=true`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if chType == "" || name == "" {
				return fmt.Errorf("--type and --name are required")
			}
			if !validChannelType(chType) {
				return fmt.Errorf("unknown channel type %q", chType)
			}

			cfg, err := parseSettings(settings)
			if err != nil {
				return err
			}

			st, err := openStore(cmd.Context(), configPath)
			if err != nil {
				return err
			}
			defer st.Close()

			rec := &models.ChannelRecord{
				Type:    models.ChannelType(chType),
				Name:    name,
				Enabled: !disabled,
				Config:  cfg,
			}
			if err := st.CreateChannel(cmd.Context(), rec); err != nil {
				return err
			}
			fmt.Printf("Channel created: %s (%s)\n", rec.ID, rec.Type)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to YAML configuration file")
	cmd.Flags().StringVarP(&chType, "type", "t", "", "Channel type (telegram, whatsapp, email, slack, discord, mattermost, webhook, web_widget)")
	cmd.Flags().StringVarP(&name, "name", "n", "", "Display name")
	cmd.Flags().StringArrayVar(&settings, "set", nil, "Channel setting as key=value, repeatable")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "Create the channel disabled")
	return cmd
}

func buildChannelListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List channels",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd.Context(), configPath)
			if err != nil {
				return err
			}
			defer st.Close()

			records, err := st.ListChannels(cmd.Context(), false)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Println("No channels configured.")
				return nil
			}
			for _, rec := range records {
				state := "enabled"
				if !rec.Enabled {
					state = "disabled"
				}
				fmt.Printf("%s  %-11s %-9s %s\n", rec.ID, rec.Type, state, rec.Name)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to YAML configuration file")
	return cmd
}

func buildChannelEnableCmd(enable bool) *cobra.Command {
	use, short := "enable <id>", "Enable a channel"
	if !enable {
		use, short = "disable <id>", "Disable a channel"
	}
	var configPath string

	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd.Context(), configPath)
			if err != nil {
				return err
			}
			defer st.Close()

			rec, err := st.GetChannel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			rec.Enabled = enable
			if err := st.UpdateChannel(cmd.Context(), rec); err != nil {
				return err
			}
			fmt.Printf("Channel %s: %s\n", rec.ID, use[:strings.Index(use, " ")]+"d")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to YAML configuration file")
	return cmd
}

func buildMCPCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Manage MCP server configurations",
	}
	cmd.AddCommand(buildMCPAddCmd(), buildMCPListCmd(), buildMCPRemoveCmd())
	return cmd
}

func buildMCPAddCmd() *cobra.Command {
	var (
		configPath string
		name       string
		image      string
		transport  string
		port       int
		command    string
		env        []string
		disabled   bool
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add an MCP server",
		Example: `  loopgate mcp add --name fetch --image mcp/fetch --transport stdio
  loopgate mcp add --name search --image mcp/search --transport sse --port 8080 --env API_KEY=xyz`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" || image == "" {
				return fmt.Errorf("--name and --image are required")
			}
			if transport != "stdio" && transport != "sse" {
				return fmt.Errorf("transport must be stdio or sse, got %q", transport)
			}
			if transport == "sse" && port <= 0 {
				return fmt.Errorf("--port is required for sse transport")
			}

			envMap := make(map[string]string, len(env))
			for _, e := range env {
				key, value, ok := strings.Cut(e, "=")
				if !ok || key == "" {
					return fmt.Errorf("invalid env %q, want KEY=value", e)
				}
				envMap[key] = value
			}

			st, err := openStore(cmd.Context(), configPath)
			if err != nil {
				return err
			}
			defer st.Close()

			rec := &store.MCPServerRecord{
				Name:      name,
				Image:     image,
				Transport: transport,
				Port:      port,
				Command:   command,
				Env:       envMap,
				Enabled:   !disabled,
			}
			if err := st.CreateMCPServer(cmd.Context(), rec); err != nil {
				return err
			}
			fmt.Printf("MCP server created: %s (%s)\n", rec.ID, rec.Name)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to YAML configuration file")
	cmd.Flags().StringVarP(&name, "name", "n", "", "Server name")
	cmd.Flags().StringVarP(&image, "image", "i", "", "Container image")
	cmd.Flags().StringVar(&transport, "transport", "stdio", "Transport (stdio or sse)")
	cmd.Flags().IntVar(&port, "port", 0, "Container service port (sse only)")
	cmd.Flags().StringVar(&command, "command", "", "Override container command")
	cmd.Flags().StringArrayVar(&env, "env", nil, "Environment variable as KEY=value, repeatable")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "Create the server disabled")
	return cmd
}

func buildMCPListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List MCP servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd.Context(), configPath)
			if err != nil {
				return err
			}
			defer st.Close()

			records, err := st.ListMCPServers(cmd.Context(), false)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Println("No MCP servers configured.")
				return nil
			}
			for _, rec := range records {
				state := "enabled"
				if !rec.Enabled {
					state = "disabled"
				}
				fmt.Printf("%s  %-16s %-6s %-9s %-8s %s\n", rec.ID, rec.Name, rec.Transport, state, rec.Status, rec.Image)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to YAML configuration file")
	return cmd
}

func buildMCPRemoveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove an MCP server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd.Context(), configPath)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.DeleteMCPServer(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("MCP server removed: %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to YAML configuration file")
	return cmd
}

func buildRuleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rule",
		Short: "Manage tool approval rules",
	}
	cmd.AddCommand(buildRuleSetCmd(), buildRuleListCmd())
	return cmd
}

func buildRuleSetCmd() *cobra.Command {
	var (
		configPath   string
		tool         string
		risk         string
		requireHuman bool
		autoApprove  bool
		timeoutSec   int
		onTimeout    string
	)

	cmd := &cobra.Command{
		Use:   "set",
		Short: "Create or update an approval rule",
		Long: `Create or update the approval rule for a tool pattern.

The pattern is an exact tool name or a "prefix*" glob. High and critical
risk gate the tool behind a human approval; --auto-approve waives the
gate while still recording each call.`,
		Example: `  loopgate rule set --tool run_script --risk high --timeout 300
  loopgate rule set --tool "mcp_github_*" --risk critical --on-timeout reject
  loopgate rule set --tool suggest_skill --risk high --auto-approve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if tool == "" {
				return fmt.Errorf("--tool is required")
			}
			switch models.RiskLevel(risk) {
			case models.RiskLow, models.RiskMedium, models.RiskHigh, models.RiskCritical:
			default:
				return fmt.Errorf("risk must be low, medium, high or critical, got %q", risk)
			}
			if onTimeout != string(models.TimeoutApprove) && onTimeout != string(models.TimeoutReject) {
				return fmt.Errorf("on-timeout must be approve or reject, got %q", onTimeout)
			}

			st, err := openStore(cmd.Context(), configPath)
			if err != nil {
				return err
			}
			defer st.Close()

			rule := &models.ApprovalRule{
				ToolPattern:   tool,
				Risk:          models.RiskLevel(risk),
				RequireHuman:  requireHuman,
				AutoApprove:   autoApprove,
				TimeoutSec:    timeoutSec,
				TimeoutAction: models.TimeoutAction(onTimeout),
			}
			if err := st.UpsertApprovalRule(cmd.Context(), rule); err != nil {
				return err
			}
			fmt.Printf("Rule saved: %s (%s)\n", rule.ToolPattern, rule.Risk)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to YAML configuration file")
	cmd.Flags().StringVarP(&tool, "tool", "t", "", "Tool name or prefix* pattern")
	cmd.Flags().StringVarP(&risk, "risk", "r", "medium", "Risk level (low, medium, high, critical)")
	cmd.Flags().BoolVar(&requireHuman, "require-human", false, "Gate the tool regardless of risk level")
	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "Waive the gate but record each call")
	cmd.Flags().IntVar(&timeoutSec, "timeout", 0, "Seconds to wait for a response (0 uses the risk default)")
	cmd.Flags().StringVar(&onTimeout, "on-timeout", "reject", "Action when nobody responds (approve or reject)")
	return cmd
}

func buildRuleListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List approval rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd.Context(), configPath)
			if err != nil {
				return err
			}
			defer st.Close()

			rules, err := st.ListApprovalRules(cmd.Context())
			if err != nil {
				return err
			}
			if len(rules) == 0 {
				fmt.Println("No approval rules configured.")
				return nil
			}
			for _, rule := range rules {
				flags := ""
				if rule.RequireHuman {
					flags += " require-human"
				}
				if rule.AutoApprove {
					flags += " auto-approve"
				}
				fmt.Printf("%-24s %-8s timeout=%ds on-timeout=%s%s\n",
					rule.ToolPattern, rule.Risk, rule.TimeoutSec, rule.TimeoutAction, flags)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to YAML configuration file")
	return cmd
}

// openStore loads config and opens the database the same way serve does,
// so CLI channel edits land in the same file with the same encryption.
func openStore(ctx context.Context, configPath string) (*store.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	opts := []store.Option{}
	if cfg.Database.EncryptionKey != "" {
		cipher, err := crypto.NewFieldCipher(cfg.Database.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("invalid encryption key: %w", err)
		}
		opts = append(opts, store.WithCipher(cipher))
	}

	openCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return store.Open(openCtx, cfg.Database.Path, opts...)
}

func validChannelType(t string) bool {
	for _, known := range models.KnownChannelTypes {
		if string(known) == t {
			return true
		}
	}
	return false
}

// parseSettings turns repeated key=value flags into a config map.
// "true"/"false" values become booleans so adapter flags work.
func parseSettings(settings []string) (map[string]any, error) {
	cfg := make(map[string]any, len(settings))
	for _, s := range settings {
		key, value, ok := strings.Cut(s, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid setting %q, want key=value", s)
		}
		switch value {
		case "true":
			cfg[key] = true
		case "false":
			cfg[key] = false
		default:
			cfg[key] = value
		}
	}
	return cfg, nil
}
