package cmd

import (
	"fmt"
	"os"

	"github.com/kitechat/kite/internal/api"
	"github.com/kitechat/kite/internal/config"
	"github.com/spf13/cobra"
)

var (
	cfgFile     string
	modelFlag   string
	baseURLFlag string

	// Package-level version info, set by Execute().
	appVersion string
	appCommit  string
	appDate    string
)

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	appVersion = version
	appCommit = commit
	appDate = date

	rootCmd := &cobra.Command{
		Use:   "kite",
		Short: "Terminal chat client for a hosted LLM API",
		Long: "kite is an interactive chat client that tracks per-model quota,\n" +
			"retries transient rate limits automatically, and falls back to an\n" +
			"alternate model when the active one is exhausted.",
		// Running kite with no subcommand starts chat mode.
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (default ~/.config/kite/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&modelFlag, "model", "m", "", "override model")
	rootCmd.PersistentFlags().StringVar(&baseURLFlag, "base-url", "", "override service base URL")

	// Subcommands
	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newModelsCmd())
	rootCmd.AddCommand(newChatsCmd())
	rootCmd.AddCommand(newLogoutCmd())
	rootCmd.AddCommand(newVersionCmd(version, commit, date))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// initConfig loads configuration, applying CLI flag overrides.
func initConfig() *config.Config {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	// CLI flags override config values
	if modelFlag != "" {
		cfg.Model = modelFlag
	}
	if baseURLFlag != "" {
		cfg.BaseURL = baseURLFlag
	}

	return cfg
}

// newClient creates the API client. The key is resolved per request so a
// cleared credential takes effect immediately.
func newClient(cfg *config.Config) (*api.Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf(
			"API key not configured.\n"+
				"Set it via:\n"+
				"  - config file: api_key in %s\n"+
				"  - environment: KITE_API_KEY",
			"~/.config/kite/config.yaml",
		)
	}
	return api.NewClient(cfg.BaseURL, func() string { return cfg.APIKey }), nil
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the stored API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := initConfig()
			if err := cfg.ClearAPIKey(); err != nil {
				return err
			}
			fmt.Println("API key cleared.")
			return nil
		},
	}
}
