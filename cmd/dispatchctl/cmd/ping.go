package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// pingCmd represents the ping command
var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Ping the dispatch store",
	Long:  `Connect to the request store and verify it answers.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		pool, ctx, cancel, err := connectStore()
		if err != nil {
			return err
		}
		defer cancel()
		defer pool.Close()

		if err := pool.Ping(ctx); err != nil {
			return fmt.Errorf("ping failed: %w", err)
		}

		if outputJSON {
			printOutput(map[string]any{"ok": true, "database": dbName})
		} else {
			fmt.Printf("Pong! Store %s is reachable\n", dbName)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(pingCmd)
}
