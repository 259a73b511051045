package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/goodcitizen/dispatch2/internal/config"
	"github.com/goodcitizen/dispatch2/internal/db"
)

var (
	cfgFile    string
	dbHost     string
	dbPort     string
	dbUser     string
	dbPass     string
	dbName     string
	timeout    time.Duration
	outputJSON bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "dispatchctl",
	Short: "dispatch2 CLI - Inspect and feed the request dispatch store",
	Long: `dispatch2 CLI (dispatchctl) is a command line tool for working with
the dispatch2 request store.

You can use it to enqueue requests, check their dispatch status, list the
destination server directory, and verify store reachability.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.dispatchctl.yaml)")
	rootCmd.PersistentFlags().StringVar(&dbHost, "db-host", "localhost", "store host")
	rootCmd.PersistentFlags().StringVar(&dbPort, "db-port", "5432", "store port")
	rootCmd.PersistentFlags().StringVar(&dbUser, "db-user", "postgres", "store user")
	rootCmd.PersistentFlags().StringVar(&dbPass, "db-pass", "postgres", "store password")
	rootCmd.PersistentFlags().StringVar(&dbName, "db-name", "dispatcher2", "store database name")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output in JSON format")

	// Bind flags to viper
	viper.BindPFlag("db-host", rootCmd.PersistentFlags().Lookup("db-host"))
	viper.BindPFlag("db-port", rootCmd.PersistentFlags().Lookup("db-port"))
	viper.BindPFlag("db-user", rootCmd.PersistentFlags().Lookup("db-user"))
	viper.BindPFlag("db-pass", rootCmd.PersistentFlags().Lookup("db-pass"))
	viper.BindPFlag("db-name", rootCmd.PersistentFlags().Lookup("db-name"))
	viper.BindPFlag("timeout", rootCmd.PersistentFlags().Lookup("timeout"))
	viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".dispatchctl")
	}

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}

	// Override global variables with config values if flags weren't explicitly set
	for flag, target := range map[string]*string{
		"db-host": &dbHost,
		"db-port": &dbPort,
		"db-user": &dbUser,
		"db-pass": &dbPass,
		"db-name": &dbName,
	} {
		if !rootCmd.PersistentFlags().Changed(flag) {
			if v := viper.GetString(flag); v != "" {
				*target = v
			}
		}
	}
	if !rootCmd.PersistentFlags().Changed("timeout") {
		if d := viper.GetDuration("timeout"); d > 0 {
			timeout = d
		}
	}
	if !rootCmd.PersistentFlags().Changed("json") {
		outputJSON = viper.GetBool("json")
	}
}

// storeConfig assembles a config.Config from the CLI's store flags.
func storeConfig() config.Config {
	return config.Config{
		DB: config.DB{
			User: dbUser,
			Pass: dbPass,
			Host: dbHost,
			Port: dbPort,
			Name: dbName,
		},
	}
}

// connectStore opens a pool against the configured store.
func connectStore() (*pgxpool.Pool, context.Context, context.CancelFunc, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	pool, err := db.Connect(ctx, storeConfig().DSN())
	if err != nil {
		cancel()
		return nil, nil, nil, fmt.Errorf("connect to store: %w", err)
	}
	return pool, ctx, cancel, nil
}

// printOutput marshals v as indented JSON to stdout.
func printOutput(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintln(os.Stderr, "output error:", err)
		return
	}
	fmt.Println(string(data))
}
