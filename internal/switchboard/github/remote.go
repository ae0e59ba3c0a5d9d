package github

import (
	"fmt"
	"net/url"
	"os/exec"
	"regexp"
	"strings"
)

// Remote is a parsed GitHub owner/repo pair.
type Remote struct {
	Owner string
	Repo  string
}

var (
	httpsRemoteRe = regexp.MustCompile(`(?i)^https://github\.com/([^/]+)/([^/]+?)(?:\.git)?/?$`)
	sshRemoteRe   = regexp.MustCompile(`(?i)^git@github\.com:([^/]+)/([^/]+?)(?:\.git)?$`)
)

// ParseRemoteURL parses a git remote URL into a GitHub owner/repo pair.
// Accepted forms are https://github.com/<owner>/<repo>[.git][/] and
// git@github.com:<owner>/<repo>[.git]; anything else reports not-GitHub.
func ParseRemoteURL(remote string) (Remote, bool) {
	remote = strings.TrimSpace(remote)
	for _, re := range []*regexp.Regexp{httpsRemoteRe, sshRemoteRe} {
		if m := re.FindStringSubmatch(remote); m != nil {
			return Remote{Owner: m[1], Repo: m[2]}, true
		}
	}
	return Remote{}, false
}

// MyPRsURL builds the "my open pull requests" web URL for a repository.
// An empty author falls back to the @me search alias.
func MyPRsURL(owner, repo, author string) string {
	if author == "" {
		author = "@me"
	}
	query := url.QueryEscape("is:pr is:open author:" + author)
	return fmt.Sprintf("https://github.com/%s/%s/pulls?q=%s", owner, repo, query)
}

// execGhToken is a variable for testing.
var execGhToken = func() (string, error) {
	out, err := exec.Command("gh", "auth", "token").Output()
	if err != nil {
		return "", fmt.Errorf("running gh auth token: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// ResolveToken resolves a GitHub token: the configured token first, then
// the GITHUB_TOKEN environment variable, then the gh CLI's stored token.
// Returns empty when none resolves.
func ResolveToken(configured string, getenv func(string) string) string {
	if configured != "" {
		return configured
	}
	if tok := getenv("GITHUB_TOKEN"); tok != "" {
		return tok
	}
	if tok, err := execGhToken(); err == nil && tok != "" {
		return tok
	}
	return ""
}
