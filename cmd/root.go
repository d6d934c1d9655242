// Package cmd implements the github2gerrit command line interface.
package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/lfit/github2gerrit/internal/config"
	"github.com/lfit/github2gerrit/internal/logging"
)

var (
	configFiles []string
	logLevel    string
	logFormat   string
	verbose     bool
)

var rootCmd = &cobra.Command{
	Use:   "github2gerrit",
	Short: "Synchronize GitHub pull requests to Gerrit changes",
	Long: `github2gerrit turns GitHub pull requests into Gerrit changes.

Each pull request becomes a single Gerrit-ready commit carrying a stable
Change-Id, so re-running the tool for the same content updates the existing
change instead of creating duplicates. Pushes go over SSH to the review
intake ref; the resulting change number and URL are resolved over REST.`,
	SilenceUsage: true,
}

func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringSliceVarP(&configFiles, "config", "c", nil, "configuration file or directory (may be repeated; later files win)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (error, warn, info, debug)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "shorthand for --log-level debug")
}

func newLogger() (*logging.Logger, error) {
	level, ok := map[string]int{
		"error": logging.LogLevelError,
		"warn":  logging.LogLevelWarn,
		"info":  logging.LogLevelInfo,
		"debug": logging.LogLevelDebug,
	}[logLevel]
	if !ok {
		return nil, fmt.Errorf("unknown log level %q", logLevel)
	}
	if verbose {
		level = logging.LogLevelDebug
	}

	switch logFormat {
	case logging.LogFormatText, logging.LogFormatJSON:
	default:
		return nil, fmt.Errorf("unknown log format %q", logFormat)
	}

	return logging.NewLogger(logging.Config{
		Level:      level,
		Format:     logFormat,
		Timestamps: true,
		Output:     os.Stderr,
	}), nil
}

// loadConfig merges the configuration files and overlays Gerrit connection
// details from the repository's .gitreview file, if present.
func loadConfig(repoDir string) (*config.Root, error) {
	var root *config.Root
	if len(configFiles) > 0 {
		bs, err := config.Merge(configFiles, false)
		if err != nil {
			return nil, err
		}
		root, err = config.Parse(bs)
		if err != nil {
			return nil, err
		}
	} else {
		root = &config.Root{}
	}

	if repoDir != "" {
		path := filepath.Join(repoDir, ".gitreview")
		if _, err := os.Stat(path); err == nil {
			gr, err := config.ParseGitReview(path)
			if err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
			root.ApplyGitReview(gr)
		}
	}

	return root, nil
}
