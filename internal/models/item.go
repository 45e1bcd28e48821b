package models

import (
	"fmt"
	"time"
)

// Item kinds as they appear in trigger event types and source poll_for lists.
const (
	ItemTypePullRequest = "pull_request"
	ItemTypeIssue       = "issue"
	ItemTypeRelease     = "release"
)

// Item is a normalized unit of discovered work. It is ephemeral: only the
// ledger entry derived from it is persisted.
type Item struct {
	ID         string            // composite key, see ItemID
	SourceType string            // github, jira
	Type       string            // pull_request, issue, release
	ExternalID string            // PR/issue number, issue key, tag
	Title      string
	URL        string
	Author     string
	Body       string
	Labels     []string
	CreatedAt  time.Time
	UpdatedAt  time.Time
	Hash       string            // covers only fields that signal real change
	Raw        map[string]string // source fields exposed to filters and templates
}

// short codes used inside composite item IDs
var itemKindCodes = map[string]string{
	ItemTypePullRequest: "pr",
	ItemTypeIssue:       "issue",
	ItemTypeRelease:     "release",
}

// ItemID builds the composite ledger key, e.g. "github:acme/widgets:pr:42"
// or "jira:example.atlassian.net:issue:PROJ-7".
func ItemID(source, scope, itemType, externalID string) string {
	kind := itemKindCodes[itemType]
	if kind == "" {
		kind = itemType
	}
	return fmt.Sprintf("%s:%s:%s:%s", source, scope, kind, externalID)
}
