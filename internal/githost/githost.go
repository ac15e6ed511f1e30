// Package githost publishes verified fixes as pull requests and fetches
// file content for findings that arrive without a snippet. Everything goes
// through the REST API; the engine never clones a repository.
package githost

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/go-github/v47/github"
	"github.com/hashicorp/go-hclog"
	"golang.org/x/oauth2"

	"fixline/internal/config"
)

type Client struct {
	gh     *github.Client
	base   string
	logger hclog.Logger
}

// New builds an authenticated client. The token only ever comes from the
// environment; an api_base in config points at a GitHub Enterprise host.
func New(ctx context.Context, cfg *config.Config, logger hclog.Logger) (*Client, error) {
	token := os.Getenv("FIXLINE_GITHUB_TOKEN")
	if token == "" {
		return nil, fmt.Errorf("FIXLINE_GITHUB_TOKEN is not set")
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	tc := oauth2.NewClient(ctx, ts)

	var gh *github.Client
	if cfg.GitHost.APIBase != "" {
		var err error
		gh, err = github.NewEnterpriseClient(cfg.GitHost.APIBase, cfg.GitHost.APIBase, tc)
		if err != nil {
			return nil, fmt.Errorf("configure enterprise client: %w", err)
		}
	} else {
		gh = github.NewClient(tc)
	}
	return &Client{gh: gh, base: cfg.GitHost.BaseBranch, logger: logger}, nil
}

// FetchFile returns the decoded content of path on the base branch.
func (c *Client) FetchFile(ctx context.Context, owner, repo, path string) (string, error) {
	fileContent, _, _, err := c.gh.Repositories.GetContents(ctx, owner, repo, path, &github.RepositoryContentGetOptions{Ref: c.base})
	if err != nil {
		return "", fmt.Errorf("get contents of %s: %w", path, err)
	}
	if fileContent == nil {
		return "", fmt.Errorf("%s is not a file", path)
	}
	content, err := fileContent.GetContent()
	if err != nil {
		return "", fmt.Errorf("decode contents of %s: %w", path, err)
	}
	return content, nil
}

type PublishRequest struct {
	Owner       string
	Repo        string
	TaskID      string
	Category    string
	Severity    string
	FilePath    string
	LineNumber  int
	FixedCode   string
	Explanation string
	Description string
}

// PublishError reports which publishing stage failed. The stage ends up in
// the task diagnostic, so keep the names short: branch, content, commit,
// pull_request.
type PublishError struct {
	Stage string
	Err   error
}

func (e *PublishError) Error() string { return fmt.Sprintf("publish %s: %v", e.Stage, e.Err) }
func (e *PublishError) Unwrap() error { return e.Err }

func publishErr(stage, format string, args ...any) error {
	return &PublishError{Stage: stage, Err: fmt.Errorf(format, args...)}
}

// BranchName derives the fix branch for a task. Task ids are truncated so
// branch names stay readable.
func BranchName(category, taskID string) string {
	short := taskID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("fix/%s-task-%s", strings.ReplaceAll(category, "_", "-"), short)
}

// ValidateContent decides whether a fixed file may be committed. A drastic
// size drop is allowed but reported as a warning for the PR body.
func ValidateContent(original, fixed string) (string, error) {
	trimmed := strings.TrimSpace(fixed)
	if trimmed == "" {
		return "", fmt.Errorf("fixed content is empty")
	}
	if len(trimmed) < 50 {
		return "", fmt.Errorf("fixed content is suspiciously short (%d bytes)", len(trimmed))
	}
	if len(original) > 0 && len(fixed)*2 < len(original) {
		return fmt.Sprintf("file shrank from %d to %d bytes", len(original), len(fixed)), nil
	}
	return "", nil
}

// Publish creates a fix branch off the base branch, commits the rewritten
// file there and opens a pull request. Returns the PR URL.
func (c *Client) Publish(ctx context.Context, req PublishRequest) (string, error) {
	branch := BranchName(req.Category, req.TaskID)

	baseRef, _, err := c.gh.Git.GetRef(ctx, req.Owner, req.Repo, "refs/heads/"+c.base)
	if err != nil {
		return "", publishErr("branch", "resolve base branch %s: %w", c.base, err)
	}
	newRef := &github.Reference{
		Ref:    github.String("refs/heads/" + branch),
		Object: &github.GitObject{SHA: baseRef.Object.SHA},
	}
	if _, resp, err := c.gh.Git.CreateRef(ctx, req.Owner, req.Repo, newRef); err != nil {
		// 422 means the name is taken, usually by an earlier attempt. A
		// timestamp suffix keeps this attempt on its own branch.
		if resp == nil || resp.StatusCode != http.StatusUnprocessableEntity {
			return "", publishErr("branch", "create branch %s: %w", branch, err)
		}
		branch = fmt.Sprintf("%s-%d", branch, time.Now().Unix())
		c.logger.Debug("branch name taken, adding suffix", "branch", branch)
		newRef.Ref = github.String("refs/heads/" + branch)
		if _, _, err := c.gh.Git.CreateRef(ctx, req.Owner, req.Repo, newRef); err != nil {
			return "", publishErr("branch", "create branch %s: %w", branch, err)
		}
	}

	current, _, _, err := c.gh.Repositories.GetContents(ctx, req.Owner, req.Repo, req.FilePath, &github.RepositoryContentGetOptions{Ref: branch})
	if err != nil {
		return "", publishErr("content", "get current contents of %s: %w", req.FilePath, err)
	}
	if current == nil {
		return "", publishErr("content", "%s is not a file", req.FilePath)
	}
	originalContent, err := current.GetContent()
	if err != nil {
		return "", publishErr("content", "decode current contents of %s: %w", req.FilePath, err)
	}

	warning, err := ValidateContent(originalContent, req.FixedCode)
	if err != nil {
		return "", publishErr("content", "refusing to commit %s: %w", req.FilePath, err)
	}
	if warning != "" {
		c.logger.Warn("committing with size warning", "file", req.FilePath, "warning", warning)
	}

	if _, _, err := c.gh.Repositories.UpdateFile(ctx, req.Owner, req.Repo, req.FilePath, &github.RepositoryContentFileOptions{
		Message: github.String(fmt.Sprintf("Fix: %s in %s", humanCategory(req.Category), req.FilePath)),
		Content: []byte(req.FixedCode),
		SHA:     current.SHA,
		Branch:  github.String(branch),
	}); err != nil {
		return "", publishErr("commit", "commit fix to %s: %w", branch, err)
	}

	pr, _, err := c.gh.PullRequests.Create(ctx, req.Owner, req.Repo, &github.NewPullRequest{
		Title:               github.String(fmt.Sprintf("Fix %s in %s", humanCategory(req.Category), req.FilePath)),
		Head:                github.String(branch),
		Base:                github.String(c.base),
		Body:                github.String(prBody(req, warning)),
		MaintainerCanModify: github.Bool(true),
	})
	if err != nil {
		return "", publishErr("pull_request", "create pull request: %w", err)
	}
	c.logger.Info("pull request created", "repo", req.Owner+"/"+req.Repo, "branch", branch, "url", pr.GetHTMLURL())
	return pr.GetHTMLURL(), nil
}

func humanCategory(category string) string {
	return strings.ReplaceAll(category, "_", " ")
}

func prBody(req PublishRequest, warning string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Automated security fix\n\n")
	fmt.Fprintf(&b, "- **Category**: %s\n", humanCategory(req.Category))
	fmt.Fprintf(&b, "- **Severity**: %s\n", req.Severity)
	fmt.Fprintf(&b, "- **Location**: `%s:%d`\n", req.FilePath, req.LineNumber)
	if req.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", req.Description)
	}
	if req.Explanation != "" {
		fmt.Fprintf(&b, "\n### What changed\n\n%s\n", req.Explanation)
	}
	if warning != "" {
		fmt.Fprintf(&b, "\n> **Note**: %s. Review the removed code carefully.\n", warning)
	}
	fmt.Fprintf(&b, "\n---\nA generated proof test fails against the original code and passes against this change.\n")
	return b.String()
}
