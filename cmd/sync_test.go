package cmd

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/spf13/pflag"

	"github.com/lfit/github2gerrit/internal/change"
	"github.com/lfit/github2gerrit/internal/config"
	"github.com/lfit/github2gerrit/internal/event"
	"github.com/lfit/github2gerrit/internal/gerrit"
	"github.com/lfit/github2gerrit/internal/logging"
)

func testLogger() *logging.Logger {
	return logging.NewLogger(logging.Config{Level: logging.LogLevelError, Output: io.Discard})
}

// setRepoPath points the package-level repo flag at a fresh git repository
// and restores it when the test ends.
func setRepoPath(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if _, err := git.PlainInit(dir, false); err != nil {
		t.Fatal(err)
	}
	prev := repoPath
	repoPath = dir
	t.Cleanup(func() { repoPath = prev })
	return dir
}

func syncFlags(t *testing.T, modeChanged bool) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("sync", pflag.ContinueOnError)
	fs.String("mode", "single", "")
	if modeChanged {
		if err := fs.Set("mode", "single"); err != nil {
			t.Fatal(err)
		}
	}
	return fs
}

func testConfig() *config.Root {
	return &config.Root{
		Gerrit: &config.Gerrit{Host: "gerrit.example.org", Project: "releng/builder"},
		Sync: config.Sync{
			Mode:          "squash",
			Topic:         "GH-sync",
			PushAttempts:  3,
			ResolveBudget: config.Duration(10 * time.Second),
		},
	}
}

func testPR() *event.PullRequest {
	return &event.PullRequest{
		Number:  42,
		Title:   "Bump builder image to v2",
		HeadSHA: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		BaseRef: "feature/topic",
	}
}

func TestBuildRunner(t *testing.T) {
	setRepoPath(t)

	runner, client, err := buildRunner(context.Background(), testConfig(), testPR(), syncFlags(t, false), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if client == nil {
		t.Fatal("no gerrit client")
	}

	if runner.Info.Host != "gerrit.example.org" || runner.Info.Port != 29418 {
		t.Fatalf("info = %+v", runner.Info)
	}
	if runner.Info.Branch != "feature/topic" {
		t.Fatalf("target branch %q, want the PR base ref", runner.Info.Branch)
	}
	if runner.Mode != change.ModeSquash {
		t.Fatalf("mode = %s, want squash from config", runner.Mode)
	}
	if runner.Topic != "GH-sync" {
		t.Fatalf("topic = %q", runner.Topic)
	}
	if runner.PushOptions.Attempts != 3 {
		t.Fatalf("push attempts = %d", runner.PushOptions.Attempts)
	}
	if runner.Budget.Total != 10*time.Second {
		t.Fatalf("resolve budget = %s", runner.Budget.Total)
	}
}

func TestBuildRunnerModeFlagWins(t *testing.T) {
	setRepoPath(t)

	runner, _, err := buildRunner(context.Background(), testConfig(), testPR(), syncFlags(t, true), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if runner.Mode != change.ModeSingle {
		t.Fatalf("mode = %s, want single from the explicit flag", runner.Mode)
	}
}

func TestInstallHook(t *testing.T) {
	script := "#!/bin/sh\n# add a Change-Id trailer to the commit message\n" + strings.Repeat("true\n", 20)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tools/hooks/commit-msg" {
			http.NotFound(w, r)
			return
		}
		io.WriteString(w, script)
	}))
	defer srv.Close()

	gitDir := filepath.Join(t.TempDir(), ".git")
	client := gerrit.NewClient(srv.URL, gerrit.WithBasePath(""))
	if err := installHook(context.Background(), client, gitDir); err != nil {
		t.Fatal(err)
	}

	installed, err := os.ReadFile(filepath.Join(gitDir, "hooks", "commit-msg"))
	if err != nil {
		t.Fatal(err)
	}
	if string(installed) != script {
		t.Fatalf("installed hook differs from served script:\n%s", installed)
	}
}
