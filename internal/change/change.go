// Package change builds the commit pushed to Gerrit from a pull request.
// Preparation is deterministic: an unchanged PR always reproduces the same
// Change-Id and the same commit hash, so re-running the pipeline can never
// fork a duplicate Gerrit change.
package change

import (
	"context"
	"crypto/sha1"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/lfit/github2gerrit/internal/event"
	"github.com/lfit/github2gerrit/internal/gerrit"
)

type Mode int

const (
	ModeSingle Mode = iota
	ModeSquash
)

func (m Mode) String() string {
	switch m {
	case ModeSingle:
		return "single"
	case ModeSquash:
		return "squash"
	}
	return "unknown"
}

var (
	// ErrEmptyChange means the PR head tree is identical to the target
	// branch tip. A no-op is never pushed.
	ErrEmptyChange = errors.New("pull request has no diff against the target branch")

	// ErrAmbiguousChange means the PR commit carries multiple distinct
	// Change-Id trailers and there is no way to know which is authoritative.
	ErrAmbiguousChange = errors.New("multiple distinct Change-Id trailers present")
)

// maxWalk bounds the first-parent walk from PR head to the target tip.
const maxWalk = 1000

// Prepared is the commit to push. Immutable once built.
type Prepared struct {
	Message  string
	ChangeID string
	Subject  string
	Tree     plumbing.Hash
	Parent   plumbing.Hash
	Hash     plumbing.Hash
	Mode     Mode
}

// Prepare builds the commit for pr against info's target branch. The repo
// provides read-only access to the PR head and branch tip objects; it has
// been cloned or fetched by the caller.
func Prepare(ctx context.Context, repo *git.Repository, pr *event.PullRequest, mode Mode, info gerrit.Info) (*Prepared, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	head, err := repo.CommitObject(plumbing.NewHash(pr.HeadSHA))
	if err != nil {
		return nil, fmt.Errorf("reading PR head commit %s: %w", pr.HeadSHA, err)
	}

	target, err := targetTip(repo, info.Branch)
	if err != nil {
		return nil, err
	}

	if head.TreeHash == target.TreeHash {
		return nil, fmt.Errorf("%w: branch %s", ErrEmptyChange, info.Branch)
	}

	commits, err := prCommits(head, target)
	if err != nil {
		return nil, err
	}

	var message string
	switch mode {
	case ModeSingle:
		message, err = singleMessage(commits, pr)
	case ModeSquash:
		message, err = squashMessage(commits, pr)
	default:
		return nil, fmt.Errorf("unknown preparation mode %d", mode)
	}
	if err != nil {
		return nil, err
	}

	changeID := DeterministicChangeID(info, head.TreeHash)
	message = InjectTrailer(message, TrailerChangeID, changeID)
	if ids := distinctValues(TrailerValues(message, TrailerChangeID)); len(ids) == 1 {
		changeID = ids[0]
	}
	if pr.HTMLURL != "" {
		message = InjectTrailer(message, TrailerGitHubPR, pr.HTMLURL)
	}
	message = InjectTrailer(message, TrailerGitHubHash, githubHash(info, firstLine(message)))

	commit := &object.Commit{
		Author:       head.Author,
		Committer:    head.Committer,
		Message:      message,
		TreeHash:     head.TreeHash,
		ParentHashes: []plumbing.Hash{target.Hash},
	}

	obj := repo.Storer.NewEncodedObject()
	if err := commit.Encode(obj); err != nil {
		return nil, fmt.Errorf("encoding prepared commit: %w", err)
	}
	hash, err := repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return nil, fmt.Errorf("storing prepared commit: %w", err)
	}

	return &Prepared{
		Message:  message,
		ChangeID: changeID,
		Subject:  firstLine(message),
		Tree:     head.TreeHash,
		Parent:   target.Hash,
		Hash:     hash,
		Mode:     mode,
	}, nil
}

// DeterministicChangeID derives a Change-Id from project, branch and the PR
// head tree, rather than randomly. Repeated runs against an unchanged PR
// reproduce the same id and therefore the same Gerrit change.
func DeterministicChangeID(info gerrit.Info, tree plumbing.Hash) string {
	h := sha1.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s", info.Project, info.Branch, tree.String())
	return fmt.Sprintf("I%x", h.Sum(nil))
}

// githubHash is a short traceability token tying the change back to its
// GitHub origin without depending on the (unstable) PR number.
func githubHash(info gerrit.Info, subject string) string {
	h := sha256.Sum256([]byte(info.Project + "\x00" + info.Branch + "\x00" + NormalizeSubject(subject)))
	return fmt.Sprintf("%x", h[:8])
}

func singleMessage(commits []*object.Commit, pr *event.PullRequest) (string, error) {
	if len(commits) != 1 {
		return "", fmt.Errorf("pull request #%d has %d commits; single mode requires exactly one (use squash mode)", pr.Number, len(commits))
	}

	message := strings.TrimRight(commits[0].Message, "\n") + "\n"

	ids := distinctValues(TrailerValues(message, TrailerChangeID))
	if len(ids) > 1 {
		return "", fmt.Errorf("%w: found %d", ErrAmbiguousChange, len(ids))
	}
	return message, nil
}

func squashMessage(commits []*object.Commit, pr *event.PullRequest) (string, error) {
	subject := strings.TrimSpace(pr.Title)
	if subject == "" {
		return "", fmt.Errorf("pull request #%d has no title to use as squash subject", pr.Number)
	}

	var b strings.Builder
	b.WriteString(subject)
	b.WriteString("\n")

	if body := strings.TrimSpace(pr.Body); body != "" {
		b.WriteString("\n")
		b.WriteString(body)
		b.WriteString("\n")
	}

	if len(commits) > 1 {
		b.WriteString("\n")
		// prCommits returns newest first; list summaries oldest first.
		for i := len(commits) - 1; i >= 0; i-- {
			b.WriteString("* ")
			b.WriteString(firstLine(commits[i].Message))
			b.WriteString("\n")
		}
	}

	return b.String(), nil
}

// targetTip resolves the target branch tip, preferring the remote-tracking
// ref over a local branch of the same name.
func targetTip(repo *git.Repository, branch string) (*object.Commit, error) {
	for _, name := range []plumbing.ReferenceName{
		plumbing.NewRemoteReferenceName("origin", branch),
		plumbing.NewBranchReferenceName(branch),
	} {
		ref, err := repo.Reference(name, true)
		if err != nil {
			continue
		}
		commit, err := repo.CommitObject(ref.Hash())
		if err != nil {
			return nil, fmt.Errorf("reading target tip %s: %w", name, err)
		}
		return commit, nil
	}
	return nil, fmt.Errorf("target branch %q not found in repository", branch)
}

// prCommits collects the commits between the PR head (inclusive) and the
// target tip (exclusive), newest first, following first parents.
func prCommits(head, target *object.Commit) ([]*object.Commit, error) {
	var commits []*object.Commit
	current := head
	for range maxWalk {
		if current.Hash == target.Hash {
			return commits, nil
		}
		commits = append(commits, current)
		if current.NumParents() == 0 {
			break
		}
		parent, err := current.Parent(0)
		if err != nil {
			return nil, fmt.Errorf("walking PR commits: %w", err)
		}
		current = parent
	}
	return nil, fmt.Errorf("target tip %s not reachable from PR head %s", target.Hash, head.Hash)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
