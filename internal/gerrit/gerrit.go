// Package gerrit implements the REST access used for duplicate detection and
// change resolution, plus the endpoint description threaded through every
// pipeline stage.
package gerrit

import (
	"errors"
	"fmt"
	"time"
)

// Info describes the Gerrit endpoint for one pipeline run. It is resolved
// once and passed explicitly to every stage; stages never re-derive host or
// port from ambient state.
type Info struct {
	Host    string
	Port    int
	Project string
	Branch  string
}

func (i Info) Validate() error {
	switch {
	case i.Host == "":
		return errors.New("gerrit host is required")
	case i.Port <= 0:
		return fmt.Errorf("gerrit port %d is invalid", i.Port)
	case i.Project == "":
		return errors.New("gerrit project is required")
	case i.Branch == "":
		return errors.New("gerrit target branch is required")
	}
	return nil
}

// SSHURL returns the push URL for the project under the given SSH user.
func (i Info) SSHURL(user string) string {
	return fmt.Sprintf("ssh://%s@%s:%d/%s", user, i.Host, i.Port, i.Project)
}

// ChangeInfo is the subset of Gerrit's ChangeInfo JSON entity this tool
// consumes. See the Gerrit REST changes documentation for the full schema.
type ChangeInfo struct {
	ID              string                   `json:"id"`
	Project         string                   `json:"project"`
	Branch          string                   `json:"branch"`
	ChangeID        string                   `json:"change_id"`
	Subject         string                   `json:"subject"`
	Status          string                   `json:"status"`
	Created         string                   `json:"created"`
	Updated         string                   `json:"updated"`
	Number          int                      `json:"_number"`
	CurrentRevision string                   `json:"current_revision"`
	Revisions       map[string]*RevisionInfo `json:"revisions"`
}

// RevisionInfo is the subset of Gerrit's RevisionInfo JSON entity in use.
type RevisionInfo struct {
	Number int    `json:"_number"`
	Ref    string `json:"ref"`
}

// gerritTimeFormat is the timestamp layout used by Gerrit REST responses.
const gerritTimeFormat = "2006-01-02 15:04:05.000000000"

// UpdatedTime parses the change's last-updated timestamp. A zero time is
// returned for missing or malformed values so callers can sort regardless.
func (c *ChangeInfo) UpdatedTime() time.Time {
	t, err := time.Parse(gerritTimeFormat, c.Updated)
	if err != nil {
		return time.Time{}
	}
	return t
}

// CurrentPatchset returns the patch-set number of the current revision, or 0
// if revisions were not requested on the query.
func (c *ChangeInfo) CurrentPatchset() int {
	if rev, ok := c.Revisions[c.CurrentRevision]; ok {
		return rev.Number
	}
	return 0
}

// ChangeRecord is the durable identity of a synchronized change. It is the
// only entity with meaning beyond a single pipeline run; it mirrors
// persistent Gerrit state.
type ChangeRecord struct {
	Number   int
	URL      string
	Revision string
	Patchset int
	Status   string
}
