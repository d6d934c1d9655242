// Package event decodes GitHub Actions pull_request event payloads into the
// PR context consumed by the pipeline. This is the only seam through which
// PR data enters; no GitHub API I/O happens anywhere in the tool.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// Actions event actions this tool reacts to.
const (
	ActionOpened      = "opened"
	ActionSynchronize = "synchronize"
	ActionReopened    = "reopened"
)

// PullRequest is the PR context extracted from an event payload.
type PullRequest struct {
	Number  int
	Title   string
	Body    string
	HeadSHA string
	HeadRef string
	BaseRef string
	HTMLURL string
	Author  string
}

type payload struct {
	Action      string `json:"action"`
	PullRequest *struct {
		Number  int    `json:"number"`
		Title   string `json:"title"`
		Body    string `json:"body"`
		HTMLURL string `json:"html_url"`
		Head    struct {
			SHA string `json:"sha"`
			Ref string `json:"ref"`
		} `json:"head"`
		Base struct {
			Ref string `json:"ref"`
		} `json:"base"`
		User struct {
			Login string `json:"login"`
		} `json:"user"`
	} `json:"pull_request"`
}

// Parse decodes an event payload and returns the PR context plus the event
// action.
func Parse(bs []byte) (*PullRequest, string, error) {
	var p payload
	if err := json.Unmarshal(bs, &p); err != nil {
		return nil, "", fmt.Errorf("failed to decode event payload: %w", err)
	}
	if p.PullRequest == nil {
		return nil, "", errors.New("event payload carries no pull_request")
	}
	if p.PullRequest.Head.SHA == "" {
		return nil, "", errors.New("event payload pull_request has no head sha")
	}
	if p.PullRequest.Base.Ref == "" {
		return nil, "", errors.New("event payload pull_request has no base ref")
	}

	return &PullRequest{
		Number:  p.PullRequest.Number,
		Title:   p.PullRequest.Title,
		Body:    p.PullRequest.Body,
		HeadSHA: p.PullRequest.Head.SHA,
		HeadRef: p.PullRequest.Head.Ref,
		BaseRef: p.PullRequest.Base.Ref,
		HTMLURL: p.PullRequest.HTMLURL,
		Author:  p.PullRequest.User.Login,
	}, p.Action, nil
}

func ParseFile(path string) (*PullRequest, string, error) {
	bs, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read event payload %s: %w", path, err)
	}
	return Parse(bs)
}

// Eligible reports whether a pull_request action triggers synchronization.
func Eligible(action string) bool {
	switch action {
	case ActionOpened, ActionSynchronize, ActionReopened:
		return true
	}
	return false
}
