package cmd

import (
	"fmt"

	"github.com/kitechat/kite/internal/transcript"
	"github.com/spf13/cobra"
)

func newChatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chats",
		Short: "List saved chats",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := initConfig()
			dbPath, err := cfg.ResolveDBPath()
			if err != nil {
				return err
			}
			store, err := transcript.NewSQLiteStore(dbPath)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer store.Close()

			chats, err := store.ListChats()
			if err != nil {
				return err
			}
			if len(chats) == 0 {
				fmt.Println("No saved chats.")
				return nil
			}
			for _, c := range chats {
				fmt.Printf("%s  %-48s  %s\n", c.ID[:8], c.Title, c.UpdatedAt.Format("2006-01-02 15:04"))
			}
			return nil
		},
	}
}
