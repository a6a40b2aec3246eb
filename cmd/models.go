package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/kitechat/kite/internal/config"
	"github.com/kitechat/kite/internal/quota"
	"github.com/kitechat/kite/internal/transcript"
	"github.com/spf13/cobra"
)

func newModelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List available models and their quota state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := initConfig()
			client, err := newClient(cfg)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			list, err := client.ListModels(ctx)
			if err != nil {
				return fmt.Errorf("list models: %w", err)
			}

			quotas := openQuotaStore(cfg)

			if list.Fallback {
				fmt.Println("note: cached model list (live listing unavailable)")
			}
			for _, m := range list.Models {
				line := m.Value
				if m.Label != "" && m.Label != m.Value {
					line += " — " + m.Label
				}
				if quotas != nil {
					if q, ok := quotas.Get(m.Value); ok {
						line += "  " + describeQuota(q)
					}
				}
				fmt.Println(line)
				if m.Description != "" {
					fmt.Printf("    %s\n", m.Description)
				}
			}
			return nil
		},
	}
}

// openQuotaStore opens the stored quota state read-mostly; a failure just
// means the listing shows no quota annotations.
func openQuotaStore(cfg *config.Config) *quota.Store {
	dbPath, err := cfg.ResolveDBPath()
	if err != nil {
		return nil
	}
	store, err := transcript.NewSQLiteStore(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: quota state unavailable: %v\n", err)
		return nil
	}
	backend, err := quota.NewSQLiteBackend(store.DB())
	if err != nil {
		store.Close()
		return nil
	}
	return quota.NewStore(backend)
}
