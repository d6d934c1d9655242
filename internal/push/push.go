// Package push submits prepared commits to Gerrit's review intake ref with
// failure classification and bounded retry.
package push

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	git "github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing/transport"

	"github.com/lfit/github2gerrit/internal/change"
	"github.com/lfit/github2gerrit/internal/gerrit"
	"github.com/lfit/github2gerrit/internal/logging"
	"github.com/lfit/github2gerrit/internal/metrics"
	"github.com/lfit/github2gerrit/internal/sshauth"
)

// Reason classifies a push failure. Only ReasonTransient is retried.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonAuth
	ReasonNonFastForward
	ReasonRemoteRejected
	ReasonTransient
)

func (r Reason) String() string {
	switch r {
	case ReasonAuth:
		return "auth"
	case ReasonNonFastForward:
		return "non-fast-forward"
	case ReasonRemoteRejected:
		return "remote-rejected"
	case ReasonTransient:
		return "transient"
	}
	return "none"
}

// Error wraps a push failure with its classification.
type Error struct {
	Reason Reason
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("push failed (%s): %v", e.Reason, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Attempt records one push attempt for the final report.
type Attempt struct {
	Ordinal int
	Reason  Reason
	Err     error
}

// Result is the outcome of a successful push.
type Result struct {
	Ref           string
	Accepted      bool
	RemoteMessage string
	Attempts      []Attempt
}

// Options bound the retry loop.
type Options struct {
	Topic     string
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

func (o Options) withDefaults() Options {
	if o.Attempts <= 0 {
		o.Attempts = 4
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = 500 * time.Millisecond
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 8 * time.Second
	}
	return o
}

// Remote is the transport seam. The production implementation pushes over
// SSH through go-git; tests substitute a fake.
type Remote interface {
	Push(ctx context.Context, refspec gitconfig.RefSpec) error
}

type gitRemote struct {
	repo *git.Repository
	url  string
	auth *sshauth.Handle
}

// NewRemote builds an SSH remote for the Gerrit host using a resolved
// transport handle. The remote is anonymous: nothing is persisted in the
// repository's config.
func NewRemote(repo *git.Repository, h *sshauth.Handle, info gerrit.Info) Remote {
	return &gitRemote{repo: repo, url: info.SSHURL(h.User), auth: h}
}

func (r *gitRemote) Push(ctx context.Context, refspec gitconfig.RefSpec) error {
	remote, err := r.repo.CreateRemoteAnonymous(&gitconfig.RemoteConfig{
		Name: "anonymous",
		URLs: []string{r.url},
	})
	if err != nil {
		return err
	}
	return remote.PushContext(ctx, &git.PushOptions{
		RemoteName: "anonymous",
		RefSpecs:   []gitconfig.RefSpec{refspec},
		Auth:       r.auth.Auth,
	})
}

// RefSpec builds the review-intake refspec for a prepared commit:
// <hash>:refs/for/<branch>, with an optional %topic= option. Topics may not
// contain commas, which separate push options on the wire.
func RefSpec(p *change.Prepared, info gerrit.Info, topic string) (gitconfig.RefSpec, error) {
	if strings.Contains(topic, ",") {
		return "", fmt.Errorf("topic %q must not contain a comma", topic)
	}
	spec := p.Hash.String() + ":refs/for/" + info.Branch
	if topic != "" {
		spec += "%topic=" + topic
	}
	return gitconfig.RefSpec(spec), nil
}

// Push submits the prepared commit, retrying transient failures with capped
// exponential backoff. Auth failures are never retried. The returned *Error
// carries the classification of the final attempt.
func Push(ctx context.Context, remote Remote, p *change.Prepared, info gerrit.Info, opts Options, log *logging.Logger) (*Result, error) {
	opts = opts.withDefaults()
	refspec, err := RefSpec(p, info, opts.Topic)
	if err != nil {
		return nil, err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = opts.BaseDelay
	bo.MaxInterval = opts.MaxDelay
	bo.RandomizationFactor = 0.25
	bo.Reset()

	res := &Result{Ref: string(refspec)}
	var last *Error
	for i := 1; i <= opts.Attempts; i++ {
		err := remote.Push(ctx, refspec)
		if err == nil || errors.Is(err, git.NoErrAlreadyUpToDate) {
			metrics.PushAttempt("ok")
			res.Accepted = true
			res.Attempts = append(res.Attempts, Attempt{Ordinal: i})
			if err != nil {
				res.RemoteMessage = err.Error()
			}
			return res, nil
		}

		reason := Classify(err)
		metrics.PushAttempt(reason.String())
		res.Attempts = append(res.Attempts, Attempt{Ordinal: i, Reason: reason, Err: err})
		last = &Error{Reason: reason, Err: err}
		if reason != ReasonTransient {
			return res, last
		}
		if i == opts.Attempts {
			break
		}

		delay := bo.NextBackOff()
		log.Warnf("push attempt %d/%d failed (%s), retrying in %s: %v", i, opts.Attempts, reason, delay, err)
		select {
		case <-ctx.Done():
			return res, &Error{Reason: ReasonTransient, Err: ctx.Err()}
		case <-time.After(delay):
		}
	}
	return res, last
}

// Classify maps a push error onto a retry class. Unknown remote errors are
// treated as remote-rejected, which is terminal: retrying an unclassified
// rejection risks hammering a server that has already said no.
func Classify(err error) Reason {
	if err == nil {
		return ReasonNone
	}
	if errors.Is(err, transport.ErrAuthenticationRequired) || errors.Is(err, transport.ErrAuthorizationFailed) {
		return ReasonAuth
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTransient
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return ReasonTransient
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission denied"),
		strings.Contains(msg, "unable to authenticate"),
		strings.Contains(msg, "handshake failed"),
		strings.Contains(msg, "key mismatch"),
		strings.Contains(msg, "knownhosts"):
		return ReasonAuth
	case strings.Contains(msg, "non-fast-forward"):
		return ReasonNonFastForward
	case strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "unexpected eof"),
		strings.Contains(msg, "i/o timeout"),
		strings.Contains(msg, "temporarily unavailable"):
		return ReasonTransient
	}
	return ReasonRemoteRejected
}
