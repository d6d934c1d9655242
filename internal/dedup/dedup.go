// Package dedup detects whether a prepared commit already exists on Gerrit,
// strictly before any push.
package dedup

import (
	"context"
	"fmt"
	"sort"

	"github.com/lfit/github2gerrit/internal/change"
	"github.com/lfit/github2gerrit/internal/gerrit"
	"github.com/lfit/github2gerrit/internal/logging"
	"github.com/lfit/github2gerrit/internal/metrics"
)

type Kind int

const (
	// MatchNone: no prior change, push as brand new.
	MatchNone Kind = iota
	// MatchExact: the existing latest patch set is content-identical to
	// what would be pushed. The push is skipped entirely.
	MatchExact
	// MatchSuperseded: a matching change exists but content differs; the
	// push becomes a new patch set on it, not a new change.
	MatchSuperseded
)

func (k Kind) String() string {
	switch k {
	case MatchExact:
		return "exact"
	case MatchSuperseded:
		return "superseded"
	}
	return "none"
}

// Match is the duplicate-detection outcome. Change is nil for MatchNone.
type Match struct {
	Kind   Kind
	Change *gerrit.ChangeInfo
	Stale  []*gerrit.ChangeInfo
}

type Detector struct {
	client *gerrit.Client
	log    *logging.Logger
}

func NewDetector(client *gerrit.Client, log *logging.Logger) *Detector {
	return &Detector{client: client, log: log}
}

// Detect queries Gerrit for open or merged changes on the same project and
// branch carrying p's Change-Id. Recurring bot PRs recreated under new PR
// numbers are additionally matched by normalized subject, since PR identity
// is not stable across recreations. When multiple open matches exist the
// most recently updated one is authoritative; the rest are logged as stale.
func (d *Detector) Detect(ctx context.Context, p *change.Prepared, info gerrit.Info) (Match, error) {
	query := fmt.Sprintf("change:%s project:%s branch:%s (status:open OR status:merged)",
		p.ChangeID, info.Project, info.Branch)
	changes, err := d.client.QueryChanges(ctx, query, "CURRENT_REVISION")
	if err != nil {
		return Match{}, fmt.Errorf("duplicate check: %w", err)
	}

	if len(changes) == 0 {
		changes, err = d.subjectFallback(ctx, p, info)
		if err != nil {
			return Match{}, fmt.Errorf("duplicate check: %w", err)
		}
	}

	if len(changes) == 0 {
		metrics.DuplicateCheck(MatchNone.String())
		return Match{Kind: MatchNone}, nil
	}

	sort.Slice(changes, func(i, j int) bool {
		return changes[i].UpdatedTime().After(changes[j].UpdatedTime())
	})
	authoritative, stale := changes[0], changes[1:]
	for _, s := range stale {
		d.log.Warnf("stale duplicate for %s: change %d (updated %s)", p.ChangeID, s.Number, s.Updated)
	}

	kind := MatchSuperseded
	if d.isExact(authoritative, p) {
		kind = MatchExact
	}

	metrics.DuplicateCheck(kind.String())
	return Match{Kind: kind, Change: authoritative, Stale: stale}, nil
}

// subjectFallback matches open changes by normalized subject when nothing
// matched by Change-Id. This catches bot PRs whose content (and therefore
// Change-Id) moved between recreations but whose logical change is the same.
func (d *Detector) subjectFallback(ctx context.Context, p *change.Prepared, info gerrit.Info) ([]*gerrit.ChangeInfo, error) {
	query := fmt.Sprintf("project:%s branch:%s status:open", info.Project, info.Branch)
	open, err := d.client.QueryChanges(ctx, query, "CURRENT_REVISION")
	if err != nil {
		return nil, err
	}

	want := change.NormalizeSubject(p.Subject)
	var matched []*gerrit.ChangeInfo
	for _, ci := range open {
		if change.NormalizeSubject(ci.Subject) == want {
			matched = append(matched, ci)
		}
	}
	return matched, nil
}

// isExact prefers the strong comparison: preparation is deterministic, so
// the prepared commit hash equals the change's current revision exactly
// when the latest patch set is content-identical. When the query did not
// return revision data the weaker Change-Id plus normalized-subject
// comparison is used instead.
func (d *Detector) isExact(ci *gerrit.ChangeInfo, p *change.Prepared) bool {
	if ci.CurrentRevision != "" {
		return ci.CurrentRevision == p.Hash.String()
	}
	return ci.ChangeID == p.ChangeID &&
		change.NormalizeSubject(ci.Subject) == change.NormalizeSubject(p.Subject)
}
