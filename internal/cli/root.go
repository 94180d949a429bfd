// Package cli implements the wrangler command-line interface.
package cli

import (
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mbarlow/wrangler/internal/config"
)

var (
	cfgFile string
	verbose bool
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "wrangler",
	Short: "Project and task workflow engine with a process supervisor",
	Long: `wrangler coordinates projects and their tasks across a multi-stage
lifecycle (requirements → implementing → review → merge → build →
deploy → done) and supervises long-lived child processes with durable
records, log spooling, and crash recovery.

Quick start:
  wrangler migrate            Create or upgrade the database schema
  wrangler serve              Start the HTTP action surface
  wrangler action task_next '{"projectId":"p1"}'
                              Dispatch a single action from the shell`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ~/.wrangler/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newActionCmd())
	rootCmd.AddCommand(newMigrateCmd())
	rootCmd.AddCommand(newVersionCmd())
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(config.HomeDir())
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix("WRANGLER")
	viper.AutomaticEnv()

	_ = viper.ReadInConfig()
}

// loadConfig builds the effective configuration for subcommands.
func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		path = viper.ConfigFileUsed()
	}
	return config.Load(path)
}

// newLogger builds the process logger per config: JSON off-TTY, text
// on a terminal, explicit formats honored.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	format := cfg.Log.Format
	if format == "" || format == "auto" {
		if isatty.IsTerminal(os.Stderr.Fd()) {
			format = "text"
		} else {
			format = "json"
		}
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
