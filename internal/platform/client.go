// Package platform talks to the ticket and merge request platform through
// the gh CLI. Every remote interaction shells out to gh so the orchestrator
// inherits the operator's authentication and never stores credentials.
package platform

import (
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/hochfrequenz/conveyor/internal/config"
)

// Ticket is a work request on the platform.
type Ticket struct {
	Number int
	Title  string
	Body   string
	Labels []string
	State  string
}

// ParseTicketRef converts a stored ticket reference ("41" or "#41")
// into a ticket number.
func ParseTicketRef(ref string) (int, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(ref), "#")
	number, err := strconv.Atoi(trimmed)
	if err != nil || number <= 0 {
		return 0, fmt.Errorf("invalid ticket reference %q", ref)
	}
	return number, nil
}

// MergeRequest is the platform's view of a change proposal.
type MergeRequest struct {
	Number      int
	URL         string
	State       string // OPEN, MERGED, CLOSED
	MergeCommit string
	Branch      string
}

// ChecksState summarizes a merge request's CI rollup.
type ChecksState string

const (
	ChecksPassing ChecksState = "passing"
	ChecksPending ChecksState = "pending"
	ChecksFailing ChecksState = "failing"
	ChecksNone    ChecksState = "none"
)

// Client wraps gh CLI calls against one repository.
type Client struct {
	repo         string
	targetBranch string
}

// NewClient creates a Client for the configured repository.
func NewClient(cfg *config.PlatformConfig) *Client {
	return &Client{
		repo:         cfg.Repo,
		targetBranch: cfg.TargetBranch,
	}
}

type ghLabel struct {
	Name string `json:"name"`
}

type ghTicket struct {
	Number int       `json:"number"`
	Title  string    `json:"title"`
	Body   string    `json:"body"`
	State  string    `json:"state"`
	Labels []ghLabel `json:"labels"`
}

type ghComment struct {
	Body string `json:"body"`
}

type ghCommentList struct {
	Comments []ghComment `json:"comments"`
}

type ghCheck struct {
	Status     string `json:"status"`
	Conclusion string `json:"conclusion"`
	State      string `json:"state"`
}

type ghMergeRequest struct {
	Number      int    `json:"number"`
	URL         string `json:"url"`
	State       string `json:"state"`
	HeadRefName string `json:"headRefName"`
	MergeCommit *struct {
		OID string `json:"oid"`
	} `json:"mergeCommit"`
	StatusCheckRollup []ghCheck `json:"statusCheckRollup"`
}

func (t ghTicket) toTicket() *Ticket {
	labels := make([]string, len(t.Labels))
	for i, l := range t.Labels {
		labels[i] = l.Name
	}
	return &Ticket{
		Number: t.Number,
		Title:  t.Title,
		Body:   t.Body,
		Labels: labels,
		State:  t.State,
	}
}

func parseTicket(data []byte) (*Ticket, error) {
	var gh ghTicket
	if err := json.Unmarshal(data, &gh); err != nil {
		return nil, err
	}
	return gh.toTicket(), nil
}

func parseTicketList(data []byte) ([]*Ticket, error) {
	var ghTickets []ghTicket
	if err := json.Unmarshal(data, &ghTickets); err != nil {
		return nil, err
	}
	tickets := make([]*Ticket, len(ghTickets))
	for i, gh := range ghTickets {
		tickets[i] = gh.toTicket()
	}
	return tickets, nil
}

func parseMergeRequest(data []byte) (*MergeRequest, error) {
	var gh ghMergeRequest
	if err := json.Unmarshal(data, &gh); err != nil {
		return nil, err
	}
	mr := &MergeRequest{
		Number: gh.Number,
		URL:    gh.URL,
		State:  gh.State,
		Branch: gh.HeadRefName,
	}
	if gh.MergeCommit != nil {
		mr.MergeCommit = gh.MergeCommit.OID
	}
	return mr, nil
}

// rollupState reduces a check rollup to a single verdict. A single failure
// dominates, any unfinished check means pending, and a repository with no
// checks configured reports ChecksNone rather than a vacuous pass.
func rollupState(checks []ghCheck) ChecksState {
	if len(checks) == 0 {
		return ChecksNone
	}

	state := ChecksPassing
	for _, c := range checks {
		verdict := c.Conclusion
		if verdict == "" {
			verdict = c.State
		}
		switch strings.ToUpper(verdict) {
		case "SUCCESS", "NEUTRAL", "SKIPPED":
			// counts as green
		case "FAILURE", "ERROR", "TIMED_OUT", "CANCELLED", "ACTION_REQUIRED", "STARTUP_FAILURE":
			return ChecksFailing
		default:
			state = ChecksPending
		}
	}
	return state
}

// Ticket fetches a single ticket.
func (c *Client) Ticket(number int) (*Ticket, error) {
	cmd := exec.Command("gh", "issue", "view", fmt.Sprintf("%d", number),
		"--repo", c.repo,
		"--json", "number,title,body,state,labels")
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("gh issue view: %w", err)
	}
	return parseTicket(out)
}

// ListCandidateTickets returns open tickets carrying the intake label.
func (c *Client) ListCandidateTickets(label string) ([]*Ticket, error) {
	cmd := exec.Command("gh", "issue", "list",
		"--repo", c.repo,
		"--label", label,
		"--state", "open",
		"--json", "number,title,body,state,labels",
		"--limit", "100")
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("gh issue list: %w", err)
	}
	return parseTicketList(out)
}

// PostComment posts a comment on a ticket.
func (c *Client) PostComment(number int, body string) error {
	cmd := exec.Command("gh", "issue", "comment", fmt.Sprintf("%d", number),
		"--repo", c.repo, "--body", body)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("gh issue comment: %s: %w", out, err)
	}
	return nil
}

// HasRunComment reports whether a comment tagged for the given run and phase
// already exists on the ticket, so recovery does not post twice.
func (c *Client) HasRunComment(number int, runID, phase string) (bool, error) {
	cmd := exec.Command("gh", "issue", "view", fmt.Sprintf("%d", number),
		"--repo", c.repo, "--json", "comments")
	out, err := cmd.Output()
	if err != nil {
		return false, fmt.Errorf("gh issue view comments: %w", err)
	}

	var list ghCommentList
	if err := json.Unmarshal(out, &list); err != nil {
		return false, fmt.Errorf("parse gh output: %w", err)
	}
	marker := RunMarker(runID, phase)
	for _, comment := range list.Comments {
		if strings.Contains(comment.Body, marker) {
			return true, nil
		}
	}
	return false, nil
}

// UpdateLabels adds and removes labels on a ticket.
func (c *Client) UpdateLabels(number int, add, remove []string) error {
	args := []string{"issue", "edit", fmt.Sprintf("%d", number), "--repo", c.repo}
	for _, l := range add {
		args = append(args, "--add-label", l)
	}
	for _, l := range remove {
		args = append(args, "--remove-label", l)
	}
	return exec.Command("gh", args...).Run()
}

// CloseTicket closes a ticket as completed.
func (c *Client) CloseTicket(number int) error {
	cmd := exec.Command("gh", "issue", "close", fmt.Sprintf("%d", number),
		"--repo", c.repo, "--reason", "completed")
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("gh issue close: %s: %w", out, err)
	}
	return nil
}

// CreateMergeRequest opens a merge request for the pushed branch. The command
// runs inside the worktree so gh resolves the head branch from the checkout.
func (c *Client) CreateMergeRequest(repoPath, branch, title, body string) (*MergeRequest, error) {
	args := []string{"pr", "create",
		"--title", title,
		"--body", body,
		"--head", branch,
	}
	if c.targetBranch != "" {
		args = append(args, "--base", c.targetBranch)
	}

	cmd := exec.Command("gh", args...)
	cmd.Dir = repoPath
	out, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("gh pr create: %s: %w", out, err)
	}

	url := strings.TrimSpace(string(out))
	return &MergeRequest{
		Number: extractMRNumber(url),
		URL:    url,
		State:  "OPEN",
		Branch: branch,
	}, nil
}

// MergeRequestForBranch finds the merge request for a branch, if one exists.
func (c *Client) MergeRequestForBranch(branch string) (*MergeRequest, error) {
	cmd := exec.Command("gh", "pr", "list",
		"--repo", c.repo,
		"--head", branch,
		"--state", "all",
		"--json", "number,url,state,headRefName",
		"--limit", "1")
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("gh pr list: %w", err)
	}

	var prs []ghMergeRequest
	if err := json.Unmarshal(out, &prs); err != nil {
		return nil, fmt.Errorf("parse gh output: %w", err)
	}
	if len(prs) == 0 {
		return nil, nil
	}
	mr := &MergeRequest{
		Number: prs[0].Number,
		URL:    prs[0].URL,
		State:  prs[0].State,
		Branch: prs[0].HeadRefName,
	}
	return mr, nil
}

// MergeRequest fetches the current state of a merge request, including the
// merge commit once it has been merged.
func (c *Client) MergeRequest(number int) (*MergeRequest, error) {
	cmd := exec.Command("gh", "pr", "view", fmt.Sprintf("%d", number),
		"--repo", c.repo,
		"--json", "number,url,state,headRefName,mergeCommit")
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("gh pr view: %w", err)
	}
	return parseMergeRequest(out)
}

// ChecksRollup reduces the merge request's CI checks to one state.
func (c *Client) ChecksRollup(number int) (ChecksState, error) {
	cmd := exec.Command("gh", "pr", "view", fmt.Sprintf("%d", number),
		"--repo", c.repo,
		"--json", "statusCheckRollup")
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("gh pr view checks: %w", err)
	}

	var gh ghMergeRequest
	if err := json.Unmarshal(out, &gh); err != nil {
		return "", fmt.Errorf("parse gh output: %w", err)
	}
	return rollupState(gh.StatusCheckRollup), nil
}

// Merge merges a merge request with squash.
func (c *Client) Merge(number int) error {
	cmd := exec.Command("gh", "pr", "merge", fmt.Sprintf("%d", number),
		"--repo", c.repo,
		"--squash",
		"--delete-branch",
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("gh pr merge: %s: %w", out, err)
	}
	return nil
}

func extractMRNumber(url string) int {
	// URL format: https://github.com/owner/repo/pull/123
	parts := strings.Split(url, "/")
	if len(parts) > 0 {
		var num int
		fmt.Sscanf(parts[len(parts)-1], "%d", &num)
		return num
	}
	return 0
}
