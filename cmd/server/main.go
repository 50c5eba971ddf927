// Command rehashkv is an interactive key-value store backed by a
// self-resizing chained hash table and an append-only log.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/sidquark/rehashkv/internal/config"
	"github.com/sidquark/rehashkv/internal/database"
)

func main() {
	os.Exit(Main())
}

// Main runs the command and returns its exit code.
func Main() int {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

type rootFlags struct {
	configPath  string
	capacity    int
	maxCapacity int
	dataDir     string
	inMemory    bool
	logLevel    string
}

func newRootCmd() *cobra.Command {
	var f rootFlags
	cmd := &cobra.Command{
		Use:   "rehashkv",
		Short: "interactive key-value database",
		Long: `rehashkv stores string keys in a chained hash table that doubles its
bucket array whenever the load factor passes 0.5. Writes are recorded
in an append-only log under the data directory and replayed on start.

Configuration is read from defaults, then --config, then REHASHKV_*
environment variables, then flags.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, &f)
			if err != nil {
				return err
			}
			return run(cmd, cfg)
		},
	}

	addFlags(cmd.Flags(), &f)
	return cmd
}

func addFlags(flags *pflag.FlagSet, f *rootFlags) {
	flags.StringVar(&f.configPath, "config", "", "YAML configuration `file`")
	flags.IntVar(&f.capacity, "capacity", 0, "initial bucket count")
	flags.IntVar(&f.maxCapacity, "max-capacity", 0, "largest bucket count the table may grow to (0 for no limit)")
	flags.StringVar(&f.dataDir, "data-dir", "", "directory holding the log")
	flags.BoolVar(&f.inMemory, "in-memory", false, "do not read or write a log")
	flags.StringVar(&f.logLevel, "log-level", "", "one of debug, info, warn, error")
}

func loadConfig(cmd *cobra.Command, f *rootFlags) (*config.Config, error) {
	cfg := config.Default()
	if f.configPath != "" {
		var err error
		if cfg, err = config.Load(f.configPath); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("capacity") {
		cfg.InitialCapacity = f.capacity
	}
	if flags.Changed("max-capacity") {
		cfg.MaxCapacity = f.maxCapacity
	}
	if flags.Changed("data-dir") {
		cfg.DataDir = f.dataDir
	}
	if flags.Changed("in-memory") {
		cfg.InMemory = f.inMemory
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = f.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(cmd *cobra.Command, cfg *config.Config) error {
	level, _ := cfg.Level()
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

	db, err := database.New(cfg, logger)
	if err != nil {
		return err
	}

	replErr := repl(cmd.InOrStdin(), cmd.OutOrStdout(), db)
	if err := db.Close(); err != nil {
		return errors.Join(replErr, err)
	}
	return replErr
}
