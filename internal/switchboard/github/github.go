// Package github wraps the GitHub REST API for the sync loop and the PR
// commands: open-PR lookup per head branch, PR creation, and CI job listing
// (check runs plus commit statuses). Authentication is a personal access
// token or a GitHub App installation.
package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bradleyfalzon/ghinstallation/v2"
	jwt "github.com/golang-jwt/jwt/v4"
	gh "github.com/google/go-github/v68/github"

	"github.com/jmoyers/switchboard/internal/switchboard/cperr"
	"github.com/jmoyers/switchboard/internal/switchboard/retry"
)

// Job providers.
const (
	ProviderCheckRun = "check-run"
	ProviderStatus   = "status"
)

// PR is a pull request as observed from the API.
type PR struct {
	Number     int
	Title      string
	State      string
	HeadBranch string
	BaseBranch string
	HeadSHA    string
	HTMLURL    string
	Author     string
	Draft      bool
	ClosedAt   *time.Time
}

// Job is one CI job on a commit: a check run or a commit status context.
type Job struct {
	Provider    string
	ExternalID  string
	Name        string
	Status      string
	Conclusion  string
	HTMLURL     string
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Client is a typed GitHub API client wrapping go-github.
type Client struct {
	gh           *gh.Client
	retryBackoff []time.Duration
}

// AppCredentials holds GitHub App authentication parameters. The client id
// is used as the JWT issuer.
type AppCredentials struct {
	ClientID       string
	InstallationID int64
	PrivateKeyPath string
}

type clientConfig struct {
	baseURL      string
	retryBackoff []time.Duration
	app          *AppCredentials
}

// Option configures a Client.
type Option func(*clientConfig)

// WithBaseURL overrides the API base URL (used by tests).
func WithBaseURL(url string) Option {
	return func(c *clientConfig) { c.baseURL = url }
}

// WithRetryBackoff overrides the default retry backoff delays.
func WithRetryBackoff(delays ...time.Duration) Option {
	return func(c *clientConfig) { c.retryBackoff = delays }
}

// WithAppAuth switches to GitHub App installation auth; the token argument
// to New is then ignored.
func WithAppAuth(app AppCredentials) Option {
	return func(c *clientConfig) { c.app = &app }
}

// readKeyFile is a variable for testing.
var readKeyFile = os.ReadFile

// New creates a client authenticated with a personal access token, or as a
// GitHub App installation when WithAppAuth is given.
func New(token string, opts ...Option) (*Client, error) {
	cfg := &clientConfig{}
	for _, o := range opts {
		o(cfg)
	}

	var client *gh.Client
	if cfg.app != nil {
		httpClient, err := newAppHTTPClient(cfg.app, cfg.baseURL)
		if err != nil {
			return nil, fmt.Errorf("configuring github app auth: %w", err)
		}
		client = gh.NewClient(httpClient)
	} else {
		client = gh.NewClient(nil).WithAuthToken(token)
	}
	if cfg.baseURL != "" {
		client, _ = client.WithEnterpriseURLs(cfg.baseURL, cfg.baseURL)
	}
	return &Client{gh: client, retryBackoff: cfg.retryBackoff}, nil
}

func newAppHTTPClient(app *AppCredentials, baseURL string) (*http.Client, error) {
	keyData, err := readKeyFile(expandHome(app.PrivateKeyPath))
	if err != nil {
		return nil, fmt.Errorf("reading private key %s: %w", app.PrivateKeyPath, err)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(keyData)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}

	signer := &clientIDSigner{clientID: app.ClientID, key: key}
	atr, err := ghinstallation.NewAppsTransportWithOptions(
		http.DefaultTransport, 0,
		ghinstallation.WithSigner(signer),
	)
	if err != nil {
		return nil, fmt.Errorf("creating apps transport: %w", err)
	}
	if baseURL != "" {
		atr.BaseURL = baseURL
	}
	itr := ghinstallation.NewFromAppsTransport(atr, app.InstallationID)
	if baseURL != "" {
		itr.BaseURL = baseURL
	}
	return &http.Client{Transport: itr}, nil
}

// clientIDSigner signs app JWTs with the string client id as issuer rather
// than a numeric app id.
type clientIDSigner struct {
	clientID string
	key      any
}

func (s *clientIDSigner) Sign(claims jwt.Claims) (string, error) {
	if rc, ok := claims.(*jwt.RegisteredClaims); ok {
		rc.Issuer = s.clientID
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(s.key)
}

// OpenPullRequestForBranch returns the first open PR whose head is the
// given branch, or nil when none exists.
func (c *Client) OpenPullRequestForBranch(ctx context.Context, owner, repo, head string) (*PR, error) {
	return retry.DoVal(ctx, func() (*PR, error) {
		prs, _, err := c.gh.PullRequests.List(ctx, owner, repo, &gh.PullRequestListOptions{
			Head:        owner + ":" + head,
			State:       "open",
			ListOptions: gh.ListOptions{PerPage: 1},
		})
		if err != nil {
			return nil, classifyErr("listing pull requests", err)
		}
		if len(prs) == 0 {
			return nil, nil
		}
		pr := prFromGH(prs[0])
		return &pr, nil
	}, c.retryOpts()...)
}

// CreatePullRequest opens a new pull request.
func (c *Client) CreatePullRequest(ctx context.Context, owner, repo, head, base, title, body string, draft bool) (PR, error) {
	return retry.DoVal(ctx, func() (PR, error) {
		pr, _, err := c.gh.PullRequests.Create(ctx, owner, repo, &gh.NewPullRequest{
			Title: gh.Ptr(title),
			Head:  gh.Ptr(head),
			Base:  gh.Ptr(base),
			Body:  gh.Ptr(body),
			Draft: gh.Ptr(draft),
		})
		if err != nil {
			return PR{}, classifyErr("creating pull request", err)
		}
		return prFromGH(pr), nil
	}, c.retryOpts()...)
}

// ListPrJobsForCommit returns the union of check runs and commit status
// contexts for a commit SHA.
func (c *Client) ListPrJobsForCommit(ctx context.Context, owner, repo, sha string) ([]Job, error) {
	return retry.DoVal(ctx, func() ([]Job, error) {
		var jobs []Job

		opts := &gh.ListCheckRunsOptions{ListOptions: gh.ListOptions{PerPage: 100}}
		for {
			result, resp, err := c.gh.Checks.ListCheckRunsForRef(ctx, owner, repo, sha, opts)
			if err != nil {
				return nil, classifyErr("listing check runs", err)
			}
			for _, cr := range result.CheckRuns {
				jobs = append(jobs, checkRunJob(cr))
			}
			if resp.NextPage == 0 {
				break
			}
			opts.Page = resp.NextPage
		}

		statusOpts := &gh.ListOptions{PerPage: 100}
		for {
			combined, resp, err := c.gh.Repositories.GetCombinedStatus(ctx, owner, repo, sha, statusOpts)
			if err != nil {
				return nil, classifyErr("listing commit statuses", err)
			}
			for _, st := range combined.Statuses {
				jobs = append(jobs, statusJob(st))
			}
			if resp.NextPage == 0 {
				break
			}
			statusOpts.Page = resp.NextPage
		}
		return jobs, nil
	}, c.retryOpts()...)
}

// ViewerLogin returns the authenticated user's login.
func (c *Client) ViewerLogin(ctx context.Context) (string, error) {
	return retry.DoVal(ctx, func() (string, error) {
		user, _, err := c.gh.Users.Get(ctx, "")
		if err != nil {
			return "", classifyErr("fetching viewer", err)
		}
		return user.GetLogin(), nil
	}, c.retryOpts()...)
}

func prFromGH(pr *gh.PullRequest) PR {
	p := PR{
		Number:  pr.GetNumber(),
		Title:   pr.GetTitle(),
		State:   pr.GetState(),
		HTMLURL: pr.GetHTMLURL(),
		Draft:   pr.GetDraft(),
		Author:  pr.GetUser().GetLogin(),
	}
	if pr.Head != nil {
		p.HeadBranch = pr.Head.GetRef()
		p.HeadSHA = pr.Head.GetSHA()
	}
	if pr.Base != nil {
		p.BaseBranch = pr.Base.GetRef()
	}
	if ts := pr.GetClosedAt(); !ts.IsZero() {
		t := ts.Time
		p.ClosedAt = &t
	}
	return p
}

func checkRunJob(cr *gh.CheckRun) Job {
	j := Job{
		Provider:   ProviderCheckRun,
		ExternalID: fmt.Sprintf("%d", cr.GetID()),
		Name:       cr.GetName(),
		Status:     cr.GetStatus(),
		Conclusion: cr.GetConclusion(),
		HTMLURL:    cr.GetHTMLURL(),
	}
	if ts := cr.GetStartedAt(); !ts.IsZero() {
		t := ts.Time
		j.StartedAt = &t
	}
	if ts := cr.GetCompletedAt(); !ts.IsZero() {
		t := ts.Time
		j.CompletedAt = &t
	}
	return j
}

// statusJob maps a commit status context onto the check-run status model:
// pending contexts read as in-progress, everything else as completed with
// the state folded into a conclusion.
func statusJob(st *gh.RepoStatus) Job {
	j := Job{
		Provider:   ProviderStatus,
		ExternalID: st.GetContext(),
		Name:       st.GetContext(),
		HTMLURL:    st.GetTargetURL(),
	}
	switch st.GetState() {
	case "pending":
		j.Status = "in_progress"
	case "success":
		j.Status = "completed"
		j.Conclusion = "success"
	case "error", "failure":
		j.Status = "completed"
		j.Conclusion = "failure"
	default:
		j.Status = "completed"
		j.Conclusion = st.GetState()
	}
	return j
}

func (c *Client) retryOpts() []retry.Option {
	if len(c.retryBackoff) > 0 {
		return []retry.Option{retry.WithBackoff(c.retryBackoff...)}
	}
	return nil
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

// classifyErr converts a go-github failure into the external-error shape.
// Client errors (4xx) are permanent; server errors and network failures
// stay retryable.
func classifyErr(op string, err error) error {
	var ghErr *gh.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		wrapped := cperr.Externalf("github api request failed: %d", ghErr.Response.StatusCode)
		if ghErr.Response.StatusCode >= 400 && ghErr.Response.StatusCode < 500 {
			return retry.Permanent(wrapped)
		}
		return wrapped
	}
	return cperr.Externalf("%s: %v", op, err)
}
