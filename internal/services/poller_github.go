package services

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"agentflow/internal/config"
	"agentflow/internal/models"

	"github.com/sirupsen/logrus"
)

// CommandRunner executes an external CLI and returns its stdout. Extracted so
// tests can substitute canned gh output.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return nil, fmt.Errorf("%s: %s", err, msg)
		}
		return nil, err
	}
	return out, nil
}

// GitHubPoller lists PRs, issues and releases per repo through the gh CLI.
type GitHubPoller struct {
	binary string
	run    CommandRunner
	logger *logrus.Logger
}

func NewGitHubPoller(cfg config.GitHubConfig, logger *logrus.Logger) *GitHubPoller {
	if logger == nil {
		logger = logrus.New()
	}
	binary := cfg.Binary
	if binary == "" {
		binary = "gh"
	}
	return &GitHubPoller{binary: binary, run: execRunner, logger: logger}
}

var _ Poller = (*GitHubPoller)(nil)

type ghUser struct {
	Login string `json:"login"`
}

type ghLabel struct {
	Name string `json:"name"`
}

type ghPullRequest struct {
	Number     int       `json:"number"`
	Title      string    `json:"title"`
	URL        string    `json:"url"`
	Body       string    `json:"body"`
	Author     ghUser    `json:"author"`
	Labels     []ghLabel `json:"labels"`
	HeadRefOid string    `json:"headRefOid"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

type ghIssue struct {
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	URL       string    `json:"url"`
	Body      string    `json:"body"`
	Author    ghUser    `json:"author"`
	Labels    []ghLabel `json:"labels"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type ghRelease struct {
	TagName     string    `json:"tagName"`
	Name        string    `json:"name"`
	PublishedAt time.Time `json:"publishedAt"`
}

func (p *GitHubPoller) Poll(ctx context.Context, automation *models.Automation, source models.SourceConfig) ([]models.Item, error) {
	if len(source.Repos) == 0 {
		return nil, configErrorf("github source needs at least one repo")
	}

	kinds := source.PollFor
	if len(kinds) == 0 {
		kinds = []string{"pull_requests", "issues"}
	}

	var items []models.Item
	for _, repo := range source.Repos {
		for _, kind := range kinds {
			var (
				batch []models.Item
				err   error
			)
			switch kind {
			case "pull_requests":
				batch, err = p.pollPullRequests(ctx, repo)
			case "issues":
				batch, err = p.pollIssues(ctx, repo)
			case "releases":
				batch, err = p.pollReleases(ctx, repo)
			default:
				return nil, configErrorf("github source: unknown poll kind %q", kind)
			}
			if err != nil {
				return nil, &SourceError{Source: models.SourceGitHub, Err: fmt.Errorf("%s %s: %w", repo, kind, err)}
			}
			items = append(items, batch...)
		}
	}
	return items, nil
}

func (p *GitHubPoller) pollPullRequests(ctx context.Context, repo string) ([]models.Item, error) {
	out, err := p.run(ctx, p.binary, "pr", "list",
		"--repo", repo, "--state", "open", "--limit", "50",
		"--json", "number,title,url,body,author,labels,headRefOid,createdAt,updatedAt")
	if err != nil {
		return nil, err
	}

	var prs []ghPullRequest
	if err := json.Unmarshal(out, &prs); err != nil {
		return nil, fmt.Errorf("decode gh pr list output: %w", err)
	}

	items := make([]models.Item, 0, len(prs))
	for _, pr := range prs {
		num := strconv.Itoa(pr.Number)
		item := models.Item{
			ID:         models.ItemID(models.SourceGitHub, repo, models.ItemTypePullRequest, num),
			SourceType: models.SourceGitHub,
			Type:       models.ItemTypePullRequest,
			ExternalID: num,
			Title:      pr.Title,
			URL:        pr.URL,
			Author:     pr.Author.Login,
			Body:       pr.Body,
			Labels:     labelNames(pr.Labels),
			CreatedAt:  pr.CreatedAt,
			UpdatedAt:  pr.UpdatedAt,
			// a PR only really changed when its head moved
			Hash: contentHash(pr.HeadRefOid, pr.UpdatedAt.UTC().Format(time.RFC3339)),
		}
		item.Raw = rawFields(item, map[string]string{
			"repo":     repo,
			"head_sha": pr.HeadRefOid,
		})
		items = append(items, item)
	}
	return items, nil
}

func (p *GitHubPoller) pollIssues(ctx context.Context, repo string) ([]models.Item, error) {
	out, err := p.run(ctx, p.binary, "issue", "list",
		"--repo", repo, "--state", "open", "--limit", "50",
		"--json", "number,title,url,body,author,labels,createdAt,updatedAt")
	if err != nil {
		return nil, err
	}

	var issues []ghIssue
	if err := json.Unmarshal(out, &issues); err != nil {
		return nil, fmt.Errorf("decode gh issue list output: %w", err)
	}

	items := make([]models.Item, 0, len(issues))
	for _, is := range issues {
		num := strconv.Itoa(is.Number)
		item := models.Item{
			ID:         models.ItemID(models.SourceGitHub, repo, models.ItemTypeIssue, num),
			SourceType: models.SourceGitHub,
			Type:       models.ItemTypeIssue,
			ExternalID: num,
			Title:      is.Title,
			URL:        is.URL,
			Author:     is.Author.Login,
			Body:       is.Body,
			Labels:     labelNames(is.Labels),
			CreatedAt:  is.CreatedAt,
			UpdatedAt:  is.UpdatedAt,
			Hash:       contentHash(is.UpdatedAt.UTC().Format(time.RFC3339)),
		}
		item.Raw = rawFields(item, map[string]string{"repo": repo})
		items = append(items, item)
	}
	return items, nil
}

func (p *GitHubPoller) pollReleases(ctx context.Context, repo string) ([]models.Item, error) {
	out, err := p.run(ctx, p.binary, "release", "list",
		"--repo", repo, "--limit", "20",
		"--json", "tagName,name,publishedAt")
	if err != nil {
		return nil, err
	}

	var releases []ghRelease
	if err := json.Unmarshal(out, &releases); err != nil {
		return nil, fmt.Errorf("decode gh release list output: %w", err)
	}

	items := make([]models.Item, 0, len(releases))
	for _, rel := range releases {
		title := rel.Name
		if title == "" {
			title = rel.TagName
		}
		item := models.Item{
			ID:         models.ItemID(models.SourceGitHub, repo, models.ItemTypeRelease, rel.TagName),
			SourceType: models.SourceGitHub,
			Type:       models.ItemTypeRelease,
			ExternalID: rel.TagName,
			Title:      title,
			URL:        fmt.Sprintf("https://github.com/%s/releases/tag/%s", repo, rel.TagName),
			CreatedAt:  rel.PublishedAt,
			UpdatedAt:  rel.PublishedAt,
			// releases are immutable: the tag is the identity and the change signal
			Hash: contentHash(rel.TagName),
		}
		item.Raw = rawFields(item, map[string]string{
			"repo": repo,
			"tag":  rel.TagName,
		})
		items = append(items, item)
	}
	return items, nil
}

func labelNames(labels []ghLabel) []string {
	names := make([]string, 0, len(labels))
	for _, l := range labels {
		names = append(names, l.Name)
	}
	return names
}

// rawFields builds the flat field map exposed to filters and templates.
func rawFields(item models.Item, extra map[string]string) map[string]string {
	raw := map[string]string{
		"id":         item.ID,
		"type":       item.Type,
		"source":     item.SourceType,
		"number":     item.ExternalID,
		"title":      item.Title,
		"url":        item.URL,
		"author":     item.Author,
		"body":       item.Body,
		"labels":     strings.Join(item.Labels, ","),
		"created_at": item.CreatedAt.UTC().Format(time.RFC3339),
		"updated_at": item.UpdatedAt.UTC().Format(time.RFC3339),
	}
	for k, v := range extra {
		raw[k] = v
	}
	return raw
}
