// Package main is the CLI entry point for the ConvoAI gateway.
//
// ConvoAI streams conversations with a model provider over WebSocket,
// routes the model's tool calls to user-registered MCP servers, and
// rolls conversation metrics up through a private analytics service.
//
// Start the server:
//
//	convoai serve --config convoai.yaml
//
// Mint a bearer token for local testing:
//
//	convoai token --subject alice
//
// Secrets may be supplied through the environment instead of the
// config file: CONVOAI_VERIFICATION_KEY, OPENAI_API_KEY,
// ANTHROPIC_API_KEY.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/convoai/convoai/internal/auth"
	"github.com/convoai/convoai/internal/config"
)

// Populated by ldflags at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "convoai",
		Short:         "ConvoAI conversational gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(buildServeCmd(), buildTokenCmd(), buildVersionCmd())
	return rootCmd
}

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the ConvoAI gateway",
		Long: `Start the gateway server and, when analytics is enabled, the
private analytics ingest service. Shuts down gracefully on
SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "convoai.yaml",
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging")

	return cmd
}

func buildTokenCmd() *cobra.Command {
	var (
		configPath string
		subject    string
		admin      bool
		ttl        time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a signed bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if subject == "" {
				return fmt.Errorf("--subject is required")
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			verifier, err := auth.NewVerifier(cfg.Auth.VerificationKey)
			if err != nil {
				return err
			}
			var roles []string
			if admin {
				roles = []string{auth.AdminRole}
			}
			if ttl == 0 {
				ttl = cfg.Auth.TokenTTL
			}
			token, err := verifier.Issue(subject, roles, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "convoai.yaml",
		"Path to YAML configuration file")
	cmd.Flags().StringVarP(&subject, "subject", "s", "",
		"Subject the token identifies")
	cmd.Flags().BoolVar(&admin, "admin", false,
		"Grant the admin role")
	cmd.Flags().DurationVar(&ttl, "ttl", 0,
		"Token lifetime (defaults to auth.token_ttl)")

	return cmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "convoai %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}
