package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/vkngwrapper/arenalloc"
	"golang.org/x/exp/slog"
)

var (
	// Global flags
	logLevel string
	jsonOut  bool
)

var rootCmd = &cobra.Command{
	Use:   "arenactl",
	Short: "Exercise and inspect arena allocators",
	Long: `arenactl drives the arena allocators in this module through scripted or
random workloads and prints the resulting block layout and statistics. It is
meant for comparing strategies and fit modes against the same workload.`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log allocator activity to stderr at this level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Output in JSON format")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// newLogger builds the logger handed to allocators. An empty level disables logging.
func newLogger(level string) (*slog.Logger, error) {
	if level == "" {
		return nil, nil
	}

	var parsed slog.Level
	if strings.EqualFold(level, "trace") {
		parsed = arenalloc.LevelTrace
	} else if err := parsed.UnmarshalText([]byte(level)); err != nil {
		return nil, errors.Wrapf(err, "unknown log level %q", level)
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parsed})), nil
}
