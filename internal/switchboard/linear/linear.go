// Package linear is a minimal Linear GraphQL client for issue import, plus
// the issue-URL grammar. Only the one query the task importer needs is
// implemented.
package linear

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/jmoyers/switchboard/internal/switchboard/cperr"
	"github.com/jmoyers/switchboard/internal/switchboard/retry"
)

// DefaultEnvVar is the environment variable consulted for the API key when
// the config does not name another one.
const DefaultEnvVar = "LINEAR_API_KEY"

const defaultEndpoint = "https://api.linear.app/graphql"

// Issue is an imported Linear issue.
type Issue struct {
	ID          string   `json:"issueId"`
	Identifier  string   `json:"identifier"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Team        string   `json:"team,omitempty"`
	Project     string   `json:"project,omitempty"`
	State       string   `json:"state,omitempty"`
	Assignee    string   `json:"assignee,omitempty"`
	Priority    int      `json:"priority"`
	Estimate    float64  `json:"estimate"`
	DueDate     string   `json:"dueDate,omitempty"`
	LabelIDs    []string `json:"labelIds,omitempty"`
	URL         string   `json:"url,omitempty"`
}

// Client talks to the Linear GraphQL endpoint.
type Client struct {
	apiKey       string
	endpoint     string
	httpClient   *http.Client
	retryBackoff []time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithEndpoint overrides the GraphQL endpoint (used by tests).
func WithEndpoint(url string) Option {
	return func(c *Client) { c.endpoint = url }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRetryBackoff overrides the default retry backoff delays.
func WithRetryBackoff(delays ...time.Duration) Option {
	return func(c *Client) { c.retryBackoff = delays }
}

// New creates a client with the given API key.
func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:     apiKey,
		endpoint:   defaultEndpoint,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ResolveAPIKey returns the configured key or the value of the env var.
// Missing keys are a validation error naming the variable to set.
func ResolveAPIKey(configured, envVar string, getenv func(string) string) (string, error) {
	if envVar == "" {
		envVar = DefaultEnvVar
	}
	if configured != "" {
		return configured, nil
	}
	if key := getenv(envVar); key != "" {
		return key, nil
	}
	return "", cperr.Validationf("linear api key not configured: set %s", envVar)
}

var issueURLRe = regexp.MustCompile(`(?i)^https://(?:[a-z0-9-]+\.)?linear\.app/[^/]+/issue/([a-z]+-\d+)(?:/[^/]*)?/?$`)

// ParseIssueURL extracts the issue identifier from a Linear issue URL,
// normalized to uppercase. Non-issue URLs report false.
func ParseIssueURL(raw string) (string, bool) {
	m := issueURLRe.FindStringSubmatch(strings.TrimSpace(raw))
	if m == nil {
		return "", false
	}
	return strings.ToUpper(m[1]), true
}

var identifierRe = regexp.MustCompile(`(?i)^[a-z]+-\d+$`)

// NormalizeRef resolves a user-supplied issue reference: a full issue URL or
// a bare identifier, normalized to uppercase.
func NormalizeRef(ref string) (string, bool) {
	ref = strings.TrimSpace(ref)
	if id, ok := ParseIssueURL(ref); ok {
		return id, true
	}
	if identifierRe.MatchString(ref) {
		return strings.ToUpper(ref), true
	}
	return "", false
}

const issueQuery = `query Issue($id: String!) {
  issue(id: $id) {
    id
    identifier
    title
    description
    priority
    estimate
    dueDate
    url
    state { name }
    team { key }
    project { name }
    assignee { displayName }
    labels { nodes { id } }
  }
}`

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type issueResponse struct {
	Data *struct {
		Issue *struct {
			ID          string   `json:"id"`
			Identifier  string   `json:"identifier"`
			Title       string   `json:"title"`
			Description string   `json:"description"`
			Priority    *float64 `json:"priority"`
			Estimate    *float64 `json:"estimate"`
			DueDate     string   `json:"dueDate"`
			URL         string   `json:"url"`
			State       *struct {
				Name string `json:"name"`
			} `json:"state"`
			Team *struct {
				Key string `json:"key"`
			} `json:"team"`
			Project *struct {
				Name string `json:"name"`
			} `json:"project"`
			Assignee *struct {
				DisplayName string `json:"displayName"`
			} `json:"assignee"`
			Labels *struct {
				Nodes []struct {
					ID string `json:"id"`
				} `json:"nodes"`
			} `json:"labels"`
		} `json:"issue"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// IssueByRef fetches an issue by identifier or full issue URL.
func (c *Client) IssueByRef(ctx context.Context, ref string) (Issue, error) {
	id, ok := NormalizeRef(ref)
	if !ok {
		return Issue{}, cperr.Validationf("linear issue not found: %s", ref)
	}
	return c.issueByID(ctx, id)
}

func (c *Client) issueByID(ctx context.Context, id string) (Issue, error) {
	return retry.DoVal(ctx, func() (Issue, error) {
		body, err := c.post(ctx, graphqlRequest{
			Query:     issueQuery,
			Variables: map[string]any{"id": id},
		})
		if err != nil {
			return Issue{}, err
		}

		var resp issueResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return Issue{}, retry.Permanent(cperr.Validationf("linear issue response malformed"))
		}
		if len(resp.Errors) > 0 || resp.Data == nil {
			return Issue{}, retry.Permanent(cperr.NotFoundf("linear issue not found: %s", id))
		}
		raw := resp.Data.Issue
		if raw == nil {
			return Issue{}, retry.Permanent(cperr.NotFoundf("linear issue not found: %s", id))
		}
		if raw.ID == "" || raw.Identifier == "" {
			return Issue{}, retry.Permanent(cperr.Validationf("linear issue response malformed"))
		}

		issue := Issue{
			ID:          raw.ID,
			Identifier:  raw.Identifier,
			Title:       raw.Title,
			Description: raw.Description,
			DueDate:     raw.DueDate,
			URL:         raw.URL,
		}
		if raw.Priority != nil {
			issue.Priority = int(*raw.Priority)
		}
		if raw.Estimate != nil {
			issue.Estimate = *raw.Estimate
		}
		if raw.State != nil {
			issue.State = raw.State.Name
		}
		if raw.Team != nil {
			issue.Team = raw.Team.Key
		}
		if raw.Project != nil {
			issue.Project = raw.Project.Name
		}
		if raw.Assignee != nil {
			issue.Assignee = raw.Assignee.DisplayName
		}
		if raw.Labels != nil {
			for _, n := range raw.Labels.Nodes {
				issue.LabelIDs = append(issue.LabelIDs, n.ID)
			}
		}
		return issue, nil
	}, c.retryOpts()...)
}

func (c *Client) post(ctx context.Context, gql graphqlRequest) ([]byte, error) {
	payload, err := json.Marshal(gql)
	if err != nil {
		return nil, fmt.Errorf("encoding graphql request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building graphql request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, cperr.Externalf("linear api request failed: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, cperr.Externalf("reading linear response: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		wrapped := cperr.Externalf("linear api request failed: %d", resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, retry.Permanent(wrapped)
		}
		return nil, wrapped
	}
	return body, nil
}

func (c *Client) retryOpts() []retry.Option {
	if len(c.retryBackoff) > 0 {
		return []retry.Option{retry.WithBackoff(c.retryBackoff...)}
	}
	return nil
}
