package cmd

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

var (
	reqSource      int
	reqDestination int
	reqBody        string
	reqBodyFile    string
	reqCType       string
	reqQueryParam  bool
)

// requestCmd groups request subcommands
var requestCmd = &cobra.Command{
	Use:   "request",
	Short: "Enqueue and inspect dispatch requests",
}

var requestAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Enqueue a new request as ready for dispatch",
	RunE: func(cmd *cobra.Command, args []string) error {
		body := reqBody
		if reqBodyFile != "" {
			data, err := os.ReadFile(reqBodyFile)
			if err != nil {
				return fmt.Errorf("read body file: %w", err)
			}
			body = string(data)
		}
		if body == "" {
			return fmt.Errorf("request body is required (--body or --body-file)")
		}

		pool, ctx, cancel, err := connectStore()
		if err != nil {
			return err
		}
		defer cancel()
		defer pool.Close()

		var id int64
		err = pool.QueryRow(ctx, `
			INSERT INTO requests (source, destination, body, ctype, body_is_query_param,
			                      status, statuscode, errors, retries, created, updated)
			VALUES ($1, $2, $3, $4, $5, 'ready', '', '', 0, now(), now())
			RETURNING id`,
			reqSource, reqDestination, body, reqCType, reqQueryParam,
		).Scan(&id)
		if err != nil {
			return fmt.Errorf("insert request: %w", err)
		}

		if outputJSON {
			printOutput(map[string]any{"id": id, "status": "ready"})
		} else {
			fmt.Printf("Request %d enqueued as ready\n", id)
		}
		return nil
	},
}

var requestStatusCmd = &cobra.Command{
	Use:   "status <id>",
	Short: "Show the dispatch status of a request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid request id %q", args[0])
		}

		pool, ctx, cancel, err := connectStore()
		if err != nil {
			return err
		}
		defer cancel()
		defer pool.Close()

		var (
			source, destination int
			status, statuscode  string
			errText             *string
			retries             int
		)
		err = pool.QueryRow(ctx, `
			SELECT source, destination, status, statuscode, errors, retries
			FROM requests WHERE id = $1`, id,
		).Scan(&source, &destination, &status, &statuscode, &errText, &retries)
		if err != nil {
			return fmt.Errorf("fetch request %d: %w", id, err)
		}

		if outputJSON {
			out := map[string]any{
				"id":          id,
				"source":      source,
				"destination": destination,
				"status":      status,
				"statuscode":  statuscode,
				"retries":     retries,
			}
			if errText != nil {
				out["errors"] = *errText
			}
			printOutput(out)
			return nil
		}

		fmt.Printf("Request %d\n", id)
		fmt.Printf("  source/destination: %d -> %d\n", source, destination)
		fmt.Printf("  status:             %s\n", status)
		fmt.Printf("  statuscode:         %s\n", statuscode)
		fmt.Printf("  retries:            %d\n", retries)
		if errText != nil && *errText != "" {
			fmt.Printf("  errors:             %s\n", *errText)
		}
		return nil
	},
}

func init() {
	requestAddCmd.Flags().IntVar(&reqSource, "source", 0, "source identifier")
	requestAddCmd.Flags().IntVar(&reqDestination, "destination", 0, "destination server identifier")
	requestAddCmd.Flags().StringVar(&reqBody, "body", "", "payload body")
	requestAddCmd.Flags().StringVar(&reqBodyFile, "body-file", "", "read payload body from file")
	requestAddCmd.Flags().StringVar(&reqCType, "ctype", "xml", "payload content type hint (xml or json)")
	requestAddCmd.Flags().BoolVar(&reqQueryParam, "query-param", false, "send the body as URL query parameters")
	requestAddCmd.MarkFlagRequired("destination")

	requestCmd.AddCommand(requestAddCmd)
	requestCmd.AddCommand(requestStatusCmd)
	rootCmd.AddCommand(requestCmd)
}
