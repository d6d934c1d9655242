// Package report carries the per-run outcome surfaced to callers: workflow
// output variables for CI and a rendered table for humans.
package report

import (
	"fmt"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"
)

// Status is the terminal classification of one synchronization run.
type Status string

const (
	// StatusNew: a brand-new change was created on Gerrit.
	StatusNew Status = "new"
	// StatusUpdated: an existing change received a new patch set.
	StatusUpdated Status = "updated"
	// StatusUnchanged: an identical change already existed and the push
	// was skipped.
	StatusUnchanged Status = "unchanged"
	// StatusUnresolved: the push succeeded but the change could not be
	// resolved over REST within budget. The Gerrit state is correct; only
	// the report is incomplete.
	StatusUnresolved Status = "unresolved"
	// StatusDryRun: all read-only stages ran; nothing was pushed.
	StatusDryRun Status = "dry-run"
	// StatusAborted: the run stopped before reaching Gerrit.
	StatusAborted Status = "aborted"
)

// Record is one pull request's synchronization outcome.
type Record struct {
	PR           int    `json:"pr"`
	ChangeURL    string `json:"gerrit_change_url,omitempty"`
	ChangeNumber int    `json:"gerrit_change_number,omitempty"`
	Patchset     int    `json:"gerrit_patchset,omitempty"`
	Status       Status `json:"status"`
	Reason       string `json:"reason,omitempty"`
}

// WriteActionsOutput appends the record to a GitHub Actions output file in
// key=value form.
func WriteActionsOutput(w io.Writer, rec Record) error {
	lines := [][2]string{
		{"gerrit_change_url", rec.ChangeURL},
		{"gerrit_change_number", numString(rec.ChangeNumber)},
		{"gerrit_patchset", numString(rec.Patchset)},
		{"status", string(rec.Status)},
	}
	for _, kv := range lines {
		if kv[1] == "" {
			continue
		}
		if _, err := fmt.Fprintf(w, "%s=%s\n", kv[0], kv[1]); err != nil {
			return err
		}
	}
	return nil
}

// RenderTable writes a human-readable summary of one or more records.
func RenderTable(w io.Writer, recs []Record) error {
	table := tablewriter.NewTable(w)
	table.Header([]string{"PR", "Status", "Change", "Patchset", "Reason"})
	for _, rec := range recs {
		change := rec.ChangeURL
		if change == "" && rec.ChangeNumber > 0 {
			change = strconv.Itoa(rec.ChangeNumber)
		}
		if err := table.Append([]string{
			numString(rec.PR),
			string(rec.Status),
			change,
			numString(rec.Patchset),
			rec.Reason,
		}); err != nil {
			return err
		}
	}
	return table.Render()
}

func numString(n int) string {
	if n == 0 {
		return ""
	}
	return strconv.Itoa(n)
}
