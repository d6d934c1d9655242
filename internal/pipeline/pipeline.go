// Package pipeline orchestrates one pull request's synchronization to
// Gerrit as a forward-only sequence of stages.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/google/uuid"

	"github.com/lfit/github2gerrit/internal/change"
	"github.com/lfit/github2gerrit/internal/dedup"
	"github.com/lfit/github2gerrit/internal/event"
	"github.com/lfit/github2gerrit/internal/gerrit"
	"github.com/lfit/github2gerrit/internal/logging"
	"github.com/lfit/github2gerrit/internal/metrics"
	"github.com/lfit/github2gerrit/internal/push"
	"github.com/lfit/github2gerrit/internal/resolve"
	"github.com/lfit/github2gerrit/internal/sshauth"
	"github.com/lfit/github2gerrit/pkg/report"
)

// State tracks pipeline progress. States only advance; a run that cannot
// move forward ends in StateAborted rather than revisiting an earlier
// stage.
type State int

const (
	StateInit State = iota
	StateTransportReady
	StateCommitReady
	StateDuplicateChecked
	StatePushed
	StateResolved
	StateReported
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateTransportReady:
		return "transport-ready"
	case StateCommitReady:
		return "commit-ready"
	case StateDuplicateChecked:
		return "duplicate-checked"
	case StatePushed:
		return "pushed"
	case StateResolved:
		return "resolved"
	case StateReported:
		return "reported"
	case StateAborted:
		return "aborted"
	}
	return "init"
}

// ErrRequireExisting is returned when no existing change matched and policy
// forbids creating a new one.
var ErrRequireExisting = errors.New("no existing change and create-missing not requested")

// Runner executes the pipeline for one pull request. Stage functions are
// fields so tests can substitute fakes without a transport or a server.
type Runner struct {
	ID              string
	Info            gerrit.Info
	PR              *event.PullRequest
	Mode            change.Mode
	DryRun          bool
	Topic           string
	RequireExisting bool
	CreateMissing   bool
	PushOptions     push.Options
	Budget          resolve.Budget
	Timeout         time.Duration

	log   *logging.Logger
	state State

	transport func(ctx context.Context) (*sshauth.Handle, error)
	prepare   func(ctx context.Context) (*change.Prepared, error)
	detect    func(ctx context.Context, p *change.Prepared) (dedup.Match, error)
	pushFn    func(ctx context.Context, h *sshauth.Handle, p *change.Prepared) (*push.Result, error)
	resolveFn func(ctx context.Context, p *change.Prepared) (*gerrit.ChangeRecord, error)
	changeURL func(ctx context.Context, project string, number int) (string, error)
}

// New wires a runner against a local repository, a Gerrit REST client and
// SSH credentials.
func New(repo *git.Repository, client *gerrit.Client, creds sshauth.Credentials, info gerrit.Info, pr *event.PullRequest, log *logging.Logger) *Runner {
	r := &Runner{
		ID:   uuid.NewString(),
		Info: info,
		PR:   pr,
		Mode: change.ModeSingle,
		log:  log,
	}
	detector := dedup.NewDetector(client, log)
	r.transport = func(ctx context.Context) (*sshauth.Handle, error) {
		return sshauth.Resolve(ctx, creds, info, log)
	}
	r.prepare = func(ctx context.Context) (*change.Prepared, error) {
		return change.Prepare(ctx, repo, pr, r.Mode, info)
	}
	r.detect = func(ctx context.Context, p *change.Prepared) (dedup.Match, error) {
		return detector.Detect(ctx, p, info)
	}
	r.pushFn = func(ctx context.Context, h *sshauth.Handle, p *change.Prepared) (*push.Result, error) {
		opts := r.PushOptions
		opts.Topic = r.Topic
		return push.Push(ctx, push.NewRemote(repo, h, info), p, info, opts, log)
	}
	r.resolveFn = func(ctx context.Context, p *change.Prepared) (*gerrit.ChangeRecord, error) {
		return resolve.Resolve(ctx, client, p, info, r.Budget, log)
	}
	r.changeURL = client.ChangeURL
	return r
}

func (r *Runner) WithMode(mode change.Mode) *Runner {
	r.Mode = mode
	return r
}

func (r *Runner) WithDryRun(dryRun bool) *Runner {
	r.DryRun = dryRun
	return r
}

func (r *Runner) WithTopic(topic string) *Runner {
	r.Topic = topic
	return r
}

func (r *Runner) WithPolicy(requireExisting, createMissing bool) *Runner {
	r.RequireExisting = requireExisting
	r.CreateMissing = createMissing
	return r
}

func (r *Runner) WithPushOptions(opts push.Options) *Runner {
	r.PushOptions = opts
	return r
}

func (r *Runner) WithResolveBudget(b resolve.Budget) *Runner {
	r.Budget = b
	return r
}

func (r *Runner) WithTimeout(d time.Duration) *Runner {
	r.Timeout = d
	return r
}

// State returns the stage the last Run reached.
func (r *Runner) State() State { return r.state }

// Run executes the stages in order. All outcomes, including aborts, yield a
// report record; the error is non-nil only for aborts.
func (r *Runner) Run(ctx context.Context) (report.Record, error) {
	start := time.Now()
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	log := r.log.WithFields(map[string]any{"run": r.ID, "pr": r.PR.Number})

	rec, err := r.run(ctx, log)
	rec.PR = r.PR.Number
	metrics.PipelineFinished(string(rec.Status), start)
	return rec, err
}

func (r *Runner) run(ctx context.Context, log *logging.Logger) (report.Record, error) {
	r.state = StateInit

	handle, err := r.transport(ctx)
	if err != nil {
		return r.abort(log, "ssh transport unavailable", err)
	}
	defer handle.Close()
	r.state = StateTransportReady
	log.Debugf("ssh transport ready via %s", handle.Kind)

	prepared, err := r.prepare(ctx)
	if err != nil {
		switch {
		case errors.Is(err, change.ErrEmptyChange):
			return r.abort(log, "pull request introduces no content", err)
		case errors.Is(err, change.ErrAmbiguousChange):
			return r.abort(log, "conflicting Change-Id trailers", err)
		}
		return r.abort(log, "commit preparation failed", err)
	}
	r.state = StateCommitReady
	log.Infof("prepared %s as %s (%s)", prepared.Hash, prepared.ChangeID, r.Mode)

	match, err := r.detect(ctx, prepared)
	if err != nil {
		// Degraded: Gerrit pushes are idempotent on Change-Id, so a
		// failed duplicate check downgrades to a warning and the push
		// proceeds as if no duplicate existed.
		log.Warnf("duplicate check degraded, continuing: %v", err)
		match = dedup.Match{Kind: dedup.MatchNone}
	}
	r.state = StateDuplicateChecked

	if match.Kind == dedup.MatchExact {
		return r.unchanged(ctx, log, match.Change)
	}
	if match.Kind == dedup.MatchNone && r.RequireExisting && !r.CreateMissing {
		return r.abort(log, ErrRequireExisting.Error(), ErrRequireExisting)
	}

	if r.DryRun {
		reason := "would create a new change"
		if match.Kind == dedup.MatchSuperseded {
			reason = fmt.Sprintf("would add a patch set to change %d", match.Change.Number)
		}
		log.Infof("dry-run: %s", reason)
		r.state = StateReported
		return report.Record{Status: report.StatusDryRun, Reason: reason}, nil
	}

	result, err := r.pushFn(ctx, handle, prepared)
	if err != nil {
		attempts := 0
		if result != nil {
			attempts = len(result.Attempts)
		}
		return r.abort(log, fmt.Sprintf("push failed after %d attempt(s)", attempts), err)
	}
	r.state = StatePushed
	log.Infof("pushed %s in %d attempt(s)", result.Ref, len(result.Attempts))

	status := report.StatusNew
	if match.Kind == dedup.MatchSuperseded {
		status = report.StatusUpdated
	}

	record, err := r.resolveFn(ctx, prepared)
	if err != nil {
		// The push landed; only the report is degraded.
		log.Warnf("change resolution failed: %v", err)
		r.state = StateReported
		return report.Record{Status: report.StatusUnresolved, Reason: err.Error()}, nil
	}
	r.state = StateResolved
	log.Infof("resolved change %d patchset %d", record.Number, record.Patchset)

	r.state = StateReported
	return report.Record{
		ChangeURL:    record.URL,
		ChangeNumber: record.Number,
		Patchset:     record.Patchset,
		Status:       status,
	}, nil
}

// unchanged short-circuits when the exact content already exists upstream.
func (r *Runner) unchanged(ctx context.Context, log *logging.Logger, ci *gerrit.ChangeInfo) (report.Record, error) {
	url, err := r.changeURL(ctx, r.Info.Project, ci.Number)
	if err != nil {
		log.Warnf("change URL unavailable: %v", err)
	}
	log.Infof("change %d already up to date, skipping push", ci.Number)
	r.state = StateReported
	return report.Record{
		ChangeURL:    url,
		ChangeNumber: ci.Number,
		Patchset:     ci.CurrentPatchset(),
		Status:       report.StatusUnchanged,
	}, nil
}

func (r *Runner) abort(log *logging.Logger, reason string, err error) (report.Record, error) {
	r.state = StateAborted
	log.Errorf("aborted: %s: %v", reason, err)
	return report.Record{Status: report.StatusAborted, Reason: reason}, err
}
