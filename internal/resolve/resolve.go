// Package resolve maps a pushed commit back to its Gerrit change number and
// URL over REST, tolerating the server's indexing lag.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/lfit/github2gerrit/internal/change"
	"github.com/lfit/github2gerrit/internal/gerrit"
	"github.com/lfit/github2gerrit/internal/logging"
)

var (
	ErrNotFound  = errors.New("change not found")
	ErrAmbiguous = errors.New("multiple changes matched")
	ErrTimeout   = errors.New("resolution budget exhausted")
)

// Budget bounds the polling loop. A fresh push is usually visible within a
// couple of seconds; Total covers the slow tail of Gerrit's indexer.
type Budget struct {
	Total    time.Duration
	Interval time.Duration
	Max      time.Duration
}

func DefaultBudget() Budget {
	return Budget{Total: 15 * time.Second, Interval: time.Second, Max: 5 * time.Second}
}

func (b Budget) withDefaults() Budget {
	d := DefaultBudget()
	if b.Total <= 0 {
		b.Total = d.Total
	}
	if b.Interval <= 0 {
		b.Interval = d.Interval
	}
	if b.Max <= 0 {
		b.Max = d.Max
	}
	return b
}

// Resolve polls Gerrit for the change carrying p's Change-Id until exactly
// one match appears or the budget runs out. An empty result set is treated
// as indexing lag and retried; more than one open match is a hard error
// since the pushed commit can belong to at most one change.
func Resolve(ctx context.Context, client *gerrit.Client, p *change.Prepared, info gerrit.Info, budget Budget, log *logging.Logger) (*gerrit.ChangeRecord, error) {
	budget = budget.withDefaults()
	query := fmt.Sprintf("change:%s project:%s branch:%s", p.ChangeID, info.Project, info.Branch)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = budget.Interval
	bo.MaxInterval = budget.Max
	bo.MaxElapsedTime = budget.Total
	bo.Reset()

	var found *gerrit.ChangeInfo
	op := func() error {
		changes, err := client.QueryChanges(ctx, query, "CURRENT_REVISION")
		if err != nil {
			var gerr *gerrit.Error
			if errors.As(err, &gerr) && !gerr.Temporary() {
				return backoff.Permanent(err)
			}
			log.Debugf("resolve query failed, will retry: %v", err)
			return err
		}
		switch len(changes) {
		case 0:
			log.Debugf("change %s not indexed yet", p.ChangeID)
			return ErrNotFound
		case 1:
			found = changes[0]
			return nil
		default:
			return backoff.Permanent(fmt.Errorf("%w: change:%s returned %d results", ErrAmbiguous, p.ChangeID, len(changes)))
		}
	}

	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w after %s: %w", ErrTimeout, budget.Total, ErrNotFound)
		}
		return nil, err
	}

	url, err := client.ChangeURL(ctx, info.Project, found.Number)
	if err != nil {
		return nil, err
	}
	return &gerrit.ChangeRecord{
		Number:   found.Number,
		URL:      url,
		Revision: found.CurrentRevision,
		Patchset: found.CurrentPatchset(),
		Status:   found.Status,
	}, nil
}
