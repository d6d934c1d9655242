package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/lfit/github2gerrit/internal/change"
	"github.com/lfit/github2gerrit/internal/dedup"
	"github.com/lfit/github2gerrit/internal/event"
	"github.com/lfit/github2gerrit/internal/gerrit"
	"github.com/lfit/github2gerrit/internal/logging"
	"github.com/lfit/github2gerrit/internal/push"
	"github.com/lfit/github2gerrit/internal/sshauth"
	"github.com/lfit/github2gerrit/pkg/report"
)

type runnerProbe struct {
	pushes   int
	resolves int
}

// testRunner wires a runner with all stages faked out and a probe counting
// side effects.
func testRunner(probe *runnerProbe) *Runner {
	info := gerrit.Info{Host: "gerrit.test", Port: 29418, Project: "releng/builder", Branch: "main"}
	r := &Runner{
		ID:   "test-run",
		Info: info,
		PR:   &event.PullRequest{Number: 42, Title: "Bump builder image"},
		log:  logging.NewNopLogger(),
	}
	r.transport = func(context.Context) (*sshauth.Handle, error) {
		return &sshauth.Handle{User: "bot"}, nil
	}
	r.prepare = func(context.Context) (*change.Prepared, error) {
		return &change.Prepared{
			ChangeID: "I0123456789012345678901234567890123456789",
			Subject:  "Bump builder image",
		}, nil
	}
	r.detect = func(context.Context, *change.Prepared) (dedup.Match, error) {
		return dedup.Match{Kind: dedup.MatchNone}, nil
	}
	r.pushFn = func(context.Context, *sshauth.Handle, *change.Prepared) (*push.Result, error) {
		probe.pushes++
		return &push.Result{Accepted: true, Attempts: []push.Attempt{{Ordinal: 1}}}, nil
	}
	r.resolveFn = func(context.Context, *change.Prepared) (*gerrit.ChangeRecord, error) {
		probe.resolves++
		return &gerrit.ChangeRecord{Number: 101, URL: "https://gerrit.test/c/releng/builder/+/101", Patchset: 1}, nil
	}
	r.changeURL = func(_ context.Context, project string, number int) (string, error) {
		return fmt.Sprintf("https://gerrit.test/c/%s/+/%d", project, number), nil
	}
	return r
}

func TestRunNewChange(t *testing.T) {
	probe := &runnerProbe{}
	r := testRunner(probe)

	rec, err := r.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != report.StatusNew {
		t.Fatalf("status = %s, want new", rec.Status)
	}
	if rec.ChangeNumber != 101 || rec.Patchset != 1 {
		t.Fatalf("record = %+v", rec)
	}
	if probe.pushes != 1 || probe.resolves != 1 {
		t.Fatalf("pushes=%d resolves=%d", probe.pushes, probe.resolves)
	}
	if r.State() != StateReported {
		t.Fatalf("state = %s, want reported", r.State())
	}
}

func TestRunExactMatchSkipsPush(t *testing.T) {
	probe := &runnerProbe{}
	r := testRunner(probe)
	r.detect = func(context.Context, *change.Prepared) (dedup.Match, error) {
		return dedup.Match{Kind: dedup.MatchExact, Change: &gerrit.ChangeInfo{
			Number:          101,
			CurrentRevision: "abc",
			Revisions:       map[string]*gerrit.RevisionInfo{"abc": {Number: 4}},
		}}, nil
	}

	rec, err := r.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != report.StatusUnchanged {
		t.Fatalf("status = %s, want unchanged", rec.Status)
	}
	if probe.pushes != 0 {
		t.Fatalf("exact match must not push, saw %d pushes", probe.pushes)
	}
	if rec.ChangeNumber != 101 || rec.Patchset != 4 {
		t.Fatalf("record = %+v", rec)
	}
}

func TestRunSupersededBecomesUpdate(t *testing.T) {
	probe := &runnerProbe{}
	r := testRunner(probe)
	r.detect = func(context.Context, *change.Prepared) (dedup.Match, error) {
		return dedup.Match{Kind: dedup.MatchSuperseded, Change: &gerrit.ChangeInfo{Number: 101}}, nil
	}
	r.resolveFn = func(context.Context, *change.Prepared) (*gerrit.ChangeRecord, error) {
		return &gerrit.ChangeRecord{Number: 101, Patchset: 2}, nil
	}

	rec, err := r.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != report.StatusUpdated {
		t.Fatalf("status = %s, want updated", rec.Status)
	}
	if probe.pushes != 1 {
		t.Fatalf("pushes = %d, want 1", probe.pushes)
	}
}

func TestRunEmptyChangeAborts(t *testing.T) {
	probe := &runnerProbe{}
	r := testRunner(probe)
	r.prepare = func(context.Context) (*change.Prepared, error) {
		return nil, fmt.Errorf("%w: branch main", change.ErrEmptyChange)
	}

	rec, err := r.Run(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if rec.Status != report.StatusAborted {
		t.Fatalf("status = %s, want aborted", rec.Status)
	}
	if r.State() != StateAborted {
		t.Fatalf("state = %s, want aborted", r.State())
	}
	if probe.pushes != 0 {
		t.Fatal("empty change must never reach the push stage")
	}
}

func TestRunDegradedDuplicateCheck(t *testing.T) {
	probe := &runnerProbe{}
	r := testRunner(probe)
	r.detect = func(context.Context, *change.Prepared) (dedup.Match, error) {
		return dedup.Match{}, errors.New("gerrit is down")
	}

	rec, err := r.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != report.StatusNew {
		t.Fatalf("status = %s, want new despite degraded duplicate check", rec.Status)
	}
	if probe.pushes != 1 {
		t.Fatal("degraded duplicate check must not block the push")
	}
}

func TestRunDryRun(t *testing.T) {
	probe := &runnerProbe{}
	r := testRunner(probe).WithDryRun(true)

	rec, err := r.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != report.StatusDryRun {
		t.Fatalf("status = %s, want dry-run", rec.Status)
	}
	if probe.pushes != 0 || probe.resolves != 0 {
		t.Fatalf("dry run must not push or resolve: pushes=%d resolves=%d", probe.pushes, probe.resolves)
	}
}

func TestRunRequireExisting(t *testing.T) {
	probe := &runnerProbe{}
	r := testRunner(probe).WithPolicy(true, false)

	rec, err := r.Run(context.Background())
	if !errors.Is(err, ErrRequireExisting) {
		t.Fatalf("err = %v, want ErrRequireExisting", err)
	}
	if rec.Status != report.StatusAborted || probe.pushes != 0 {
		t.Fatalf("record = %+v pushes = %d", rec, probe.pushes)
	}

	// The create-missing override lifts the policy.
	probe = &runnerProbe{}
	r = testRunner(probe).WithPolicy(true, true)
	rec, err = r.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != report.StatusNew || probe.pushes != 1 {
		t.Fatalf("record = %+v pushes = %d", rec, probe.pushes)
	}
}

func TestRunPushFailureAborts(t *testing.T) {
	probe := &runnerProbe{}
	r := testRunner(probe)
	r.pushFn = func(context.Context, *sshauth.Handle, *change.Prepared) (*push.Result, error) {
		return &push.Result{}, &push.Error{Reason: push.ReasonAuth, Err: errors.New("permission denied")}
	}

	rec, err := r.Run(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if rec.Status != report.StatusAborted || r.State() != StateAborted {
		t.Fatalf("record = %+v state = %s", rec, r.State())
	}
	if probe.resolves != 0 {
		t.Fatal("failed push must not be resolved")
	}
}

func TestRunUnresolvedIsSoft(t *testing.T) {
	probe := &runnerProbe{}
	r := testRunner(probe)
	r.resolveFn = func(context.Context, *change.Prepared) (*gerrit.ChangeRecord, error) {
		return nil, errors.New("budget exhausted")
	}

	rec, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("resolution failure must not fail the run: %v", err)
	}
	if rec.Status != report.StatusUnresolved {
		t.Fatalf("status = %s, want unresolved", rec.Status)
	}
	if probe.pushes != 1 {
		t.Fatal("push must have happened before resolution")
	}
}

func TestStatesForwardOnly(t *testing.T) {
	probe := &runnerProbe{}
	r := testRunner(probe)

	var states []State
	wrapped := r.pushFn
	r.pushFn = func(ctx context.Context, h *sshauth.Handle, p *change.Prepared) (*push.Result, error) {
		states = append(states, r.State())
		return wrapped(ctx, h, p)
	}

	if _, err := r.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(states) != 1 || states[0] != StateDuplicateChecked {
		t.Fatalf("state at push time = %v, want duplicate-checked", states)
	}
	if r.State() != StateReported {
		t.Fatalf("final state = %s", r.State())
	}
}
