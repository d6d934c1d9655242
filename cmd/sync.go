package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/thediveo/enumflag/v2"

	"github.com/lfit/github2gerrit/internal/change"
	"github.com/lfit/github2gerrit/internal/config"
	"github.com/lfit/github2gerrit/internal/directives"
	"github.com/lfit/github2gerrit/internal/event"
	"github.com/lfit/github2gerrit/internal/gerrit"
	"github.com/lfit/github2gerrit/internal/hook"
	"github.com/lfit/github2gerrit/internal/logging"
	"github.com/lfit/github2gerrit/internal/pipeline"
	"github.com/lfit/github2gerrit/internal/push"
	"github.com/lfit/github2gerrit/internal/resolve"
	"github.com/lfit/github2gerrit/internal/sshauth"
	"github.com/lfit/github2gerrit/pkg/report"
)

var (
	eventPath    string
	repoPath     string
	topic        string
	commentsPath string
	outputPath   string
	dryRun       bool
	syncMode     = change.ModeSingle
)

var syncModeIDs = map[change.Mode][]string{
	change.ModeSingle: {"single"},
	change.ModeSquash: {"squash"},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Synchronize one pull request to Gerrit",
	RunE:  runSync,
}

func init() {
	syncCmd.Flags().StringVar(&eventPath, "event", "", "path to the pull_request event payload JSON (required)")
	syncCmd.Flags().StringVar(&repoPath, "repo", ".", "path to the local clone with the pull request head checked out")
	syncCmd.Flags().Var(enumflag.New(&syncMode, "mode", syncModeIDs, enumflag.EnumCaseInsensitive),
		"mode", "commit preparation mode (single, squash)")
	syncCmd.Flags().StringVar(&topic, "topic", "", "Gerrit topic for the pushed change")
	syncCmd.Flags().StringVar(&commentsPath, "comments", "", "path to a JSON array of PR comment bodies to scan for commands")
	syncCmd.Flags().StringVar(&outputPath, "output", "", "file to append workflow output variables to (defaults to $GITHUB_OUTPUT)")
	syncCmd.Flags().BoolVar(&dryRun, "dry-run", false, "run all read-only stages but push nothing")
	_ = syncCmd.MarkFlagRequired("event")
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, _ []string) error {
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

	pr, action, err := event.ParseFile(eventPath)
	if err != nil {
		return err
	}
	if !event.Eligible(action) {
		log.Infof("action %q does not trigger synchronization, nothing to do", action)
		return nil
	}
	if !cfg.Sync.BranchEligible(pr.BaseRef) {
		log.Infof("branch %q is not configured for synchronization, nothing to do", pr.BaseRef)
		return nil
	}

	runner, client, err := buildRunner(ctx, cfg, pr, cmd.Flags(), log)
	if err != nil {
		return err
	}

	if cfg.Sync.InstallHook {
		if err := installHook(ctx, client, filepath.Join(repoPath, ".git")); err != nil {
			log.Warnf("commit-msg hook install skipped: %v", err)
		}
	}

	rec, runErr := runner.Run(ctx)
	if err := emit(log, []report.Record{rec}); err != nil {
		return err
	}
	return runErr
}

// installHook fetches the commit-msg hook from the deployment's discovered
// REST base and installs it into the local checkout.
func installHook(ctx context.Context, client *gerrit.Client, gitDir string) error {
	base, err := client.Base(ctx)
	if err != nil {
		return err
	}
	return hook.Install(ctx, http.DefaultClient, base, gitDir)
}

// buildRunner wires configuration, credentials and the local repository
// into a pipeline runner. Flags override configuration.
func buildRunner(ctx context.Context, cfg *config.Root, pr *event.PullRequest, flags *pflag.FlagSet, log *logging.Logger) (*pipeline.Runner, *gerrit.Client, error) {
	info := gerrit.Info{
		Host:    cfg.Gerrit.Host,
		Port:    cfg.Gerrit.PortOrDefault(),
		Project: cfg.Gerrit.Project,
		Branch:  cfg.Gerrit.BranchOrDefault(),
	}
	if pr.BaseRef != "" {
		info.Branch = pr.BaseRef
	}
	if err := info.Validate(); err != nil {
		return nil, nil, err
	}

	creds, err := sshCredentials(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	client, err := restClient(ctx, cfg, log)
	if err != nil {
		return nil, nil, err
	}

	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open repository %s: %w", repoPath, err)
	}

	mode := syncMode
	if cfg.Sync.Mode == "squash" && !flagChanged(flags, "mode") {
		mode = change.ModeSquash
	}
	runTopic := topic
	if runTopic == "" {
		runTopic = cfg.Sync.Topic
	}
	createMissing, err := scanDirectives(log)
	if err != nil {
		return nil, nil, err
	}

	runner := pipeline.New(repo, client, creds, info, pr, log).
		WithMode(mode).
		WithDryRun(dryRun || cfg.Sync.DryRun).
		WithTopic(runTopic).
		WithPolicy(cfg.Sync.RequireExisting, createMissing).
		WithPushOptions(push.Options{
			Attempts:  cfg.Sync.PushAttempts,
			BaseDelay: time.Duration(cfg.Sync.PushBaseDelay),
			MaxDelay:  time.Duration(cfg.Sync.PushMaxDelay),
		}).
		WithResolveBudget(resolve.Budget{
			Total:    time.Duration(cfg.Sync.ResolveBudget),
			Interval: time.Duration(cfg.Sync.ResolveInterval),
		}).
		WithTimeout(time.Duration(cfg.Sync.RunTimeout))
	return runner, client, nil
}

func sshCredentials(ctx context.Context, cfg *config.Root) (sshauth.Credentials, error) {
	creds := sshauth.Credentials{
		User:        cfg.Gerrit.SSHUserOrDefault(),
		AgentSocket: os.Getenv("SSH_AUTH_SOCK"),
	}
	if cfg.Gerrit.Credentials == nil {
		return creds, nil
	}

	typed, err := cfg.Gerrit.Credentials.Resolve(ctx)
	if err != nil {
		return creds, err
	}
	key, ok := typed.(config.SecretSSHKey)
	if !ok {
		return creds, fmt.Errorf("gerrit credentials secret %q is not an ssh_key secret", cfg.Gerrit.Credentials.Name)
	}
	creds.Key = key.Key
	creds.KeyFile = key.KeyFile
	creds.Passphrase = key.Passphrase
	return creds, nil
}

func restClient(ctx context.Context, cfg *config.Root, log *logging.Logger) (*gerrit.Client, error) {
	opts := []gerrit.Option{gerrit.WithLogger(log)}
	if verbose {
		opts = append(opts, gerrit.WithDebug())
	}
	if cfg.Gerrit.BasePath != nil {
		opts = append(opts, gerrit.WithBasePath(*cfg.Gerrit.BasePath))
	}
	if cfg.Gerrit.HTTPCredentials != nil {
		typed, err := cfg.Gerrit.HTTPCredentials.Resolve(ctx)
		if err != nil {
			return nil, err
		}
		auth, ok := typed.(config.SecretBasicAuth)
		if !ok {
			return nil, fmt.Errorf("gerrit http credentials secret %q is not a basic_auth secret", cfg.Gerrit.HTTPCredentials.Name)
		}
		opts = append(opts, gerrit.WithBasicAuth(auth.Username, auth.Password))
	}
	return gerrit.NewClient(cfg.Gerrit.BaseURL(), opts...), nil
}

// scanDirectives reads PR comment bodies and reports whether the
// create-missing command was issued.
func scanDirectives(log *logging.Logger) (bool, error) {
	if commentsPath == "" {
		return false, nil
	}
	bs, err := os.ReadFile(commentsPath)
	if err != nil {
		return false, err
	}
	var comments []string
	if err := json.Unmarshal(bs, &comments); err != nil {
		return false, fmt.Errorf("parse %s: %w", commentsPath, err)
	}

	result := directives.NewRegistry().Scan(comments)
	for _, u := range result.Unrecognized {
		log.Warnf("unrecognized command in PR comments: %q", u)
	}
	return result.Has(directives.CmdCreateMissing), nil
}

// emit renders the table to stdout and appends workflow output variables.
func emit(log *logging.Logger, recs []report.Record) error {
	if err := report.RenderTable(os.Stdout, recs); err != nil {
		return err
	}

	out := outputPath
	if out == "" {
		out = os.Getenv("GITHUB_OUTPUT")
	}
	if out == "" {
		return nil
	}
	f, err := os.OpenFile(out, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	for _, rec := range recs {
		if err := report.WriteActionsOutput(f, rec); err != nil {
			return err
		}
	}
	log.Debugf("workflow outputs written to %s", out)
	return nil
}

func flagChanged(flags *pflag.FlagSet, name string) bool {
	f := flags.Lookup(name)
	return f != nil && f.Changed
}
