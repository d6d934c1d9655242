package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lfit/github2gerrit/internal/event"
	"github.com/lfit/github2gerrit/internal/pipeline"
	"github.com/lfit/github2gerrit/internal/progress"
)

var (
	eventsDir string
	workers   int
	noBar     bool
)

var bulkCmd = &cobra.Command{
	Use:   "bulk",
	Short: "Synchronize a batch of pull requests to Gerrit",
	Long: `bulk runs the synchronization pipeline for every pull_request event
payload found in a directory, with a bounded number of concurrent runs.
One failing pull request does not stop the rest of the batch.`,
	RunE: runBulk,
}

func init() {
	bulkCmd.Flags().StringVar(&eventsDir, "events", "", "directory of pull_request event payload JSON files (required)")
	bulkCmd.Flags().StringVar(&repoPath, "repo", ".", "path to the local clone containing all pull request heads")
	bulkCmd.Flags().IntVar(&workers, "workers", 0, "concurrent synchronization runs (default from config)")
	bulkCmd.Flags().BoolVar(&noBar, "no-progress", false, "disable the progress bar")
	bulkCmd.Flags().StringVar(&outputPath, "output", "", "file to append workflow output variables to (defaults to $GITHUB_OUTPUT)")
	bulkCmd.Flags().BoolVar(&dryRun, "dry-run", false, "run all read-only stages but push nothing")
	_ = bulkCmd.MarkFlagRequired("events")
	rootCmd.AddCommand(bulkCmd)
}

func runBulk(cmd *cobra.Command, _ []string) error {
	log, err := newLogger()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	cfg, err := loadConfig(repoPath)
	if err != nil {
		return err
	}
	if err := cfg.Gerrit.Validate(); err != nil {
		return err
	}

	entries, err := os.ReadDir(eventsDir)
	if err != nil {
		return err
	}

	var runners []*pipeline.Runner
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(eventsDir, entry.Name())
		pr, action, err := event.ParseFile(path)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if !event.Eligible(action) || !cfg.Sync.BranchEligible(pr.BaseRef) {
			log.Debugf("skipping %s (action %q, branch %q)", entry.Name(), action, pr.BaseRef)
			continue
		}
		runner, _, err := buildRunner(ctx, cfg, pr, cmd.Flags(), log)
		if err != nil {
			return err
		}
		runners = append(runners, runner)
	}
	if len(runners) == 0 {
		log.Infof("no eligible pull requests under %s, nothing to do", eventsDir)
		return nil
	}
	sort.Slice(runners, func(i, j int) bool { return runners[i].PR.Number < runners[j].PR.Number })

	n := workers
	if n == 0 {
		n = cfg.Sync.WorkersOrDefault()
	}
	bar := progress.New(len(runners), !noBar && !verbose)
	records, runErr := pipeline.RunAll(ctx, runners, n, bar)

	if err := emit(log, records); err != nil {
		return err
	}
	return runErr
}
