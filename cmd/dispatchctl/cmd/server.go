package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/goodcitizen/dispatch2/internal/dispatch"
)

// serverCmd groups destination-server subcommands
var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Inspect the destination server directory",
}

var serverListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured destination servers",
	RunE: func(cmd *cobra.Command, args []string) error {
		pool, ctx, cancel, err := connectStore()
		if err != nil {
			return err
		}
		defer cancel()
		defer pool.Close()

		dir, err := dispatch.LoadDirectory(ctx, pool)
		if err != nil {
			return fmt.Errorf("load server directory: %w", err)
		}

		servers := dir.All()
		if outputJSON {
			printOutput(servers)
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tMETHOD\tURL\tPARSE\tWINDOW")
		for _, s := range servers {
			method := s.HTTPMethod
			if method == "" {
				method = "POST"
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%v\t[%d:%d]\n",
				s.ID, s.Name, method, s.URL, s.ParseResponses,
				s.StartSubmissionPeriod, s.EndSubmissionPeriod)
		}
		return w.Flush()
	},
}

func init() {
	serverCmd.AddCommand(serverListCmd)
	rootCmd.AddCommand(serverCmd)
}
