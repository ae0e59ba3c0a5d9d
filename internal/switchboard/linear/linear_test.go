package linear

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jmoyers/switchboard/internal/switchboard/cperr"
)

func TestParseIssueURL(t *testing.T) {
	cases := []struct {
		url  string
		want string
		ok   bool
	}{
		{"https://linear.app/acme/issue/ENG-123/fix-the-thing", "ENG-123", true},
		{"https://acme.linear.app/acme/issue/ENG-123/fix-the-thing", "ENG-123", true},
		{"https://linear.app/acme/issue/eng-123/slug", "ENG-123", true},
		{"https://linear.app/acme/issue/ENG-123", "ENG-123", true},
		{"https://linear.app/acme/issue/ENG-123/", "ENG-123", true},
		{"https://linear.app/acme/project/ENG-123", "", false},
		{"https://example.com/acme/issue/ENG-123/slug", "", false},
		{"not a url", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.url, func(t *testing.T) {
			got, ok := ParseIssueURL(tc.url)
			if ok != tc.ok || got != tc.want {
				t.Errorf("expected (%q, %v), got (%q, %v)", tc.want, tc.ok, got, ok)
			}
		})
	}
}

func TestNormalizeRef(t *testing.T) {
	if id, ok := NormalizeRef("eng-42"); !ok || id != "ENG-42" {
		t.Errorf("expected bare identifier normalized, got (%q, %v)", id, ok)
	}
	if id, ok := NormalizeRef("https://linear.app/acme/issue/ENG-42/slug"); !ok || id != "ENG-42" {
		t.Errorf("expected url ref resolved, got (%q, %v)", id, ok)
	}
	if _, ok := NormalizeRef("totally wrong"); ok {
		t.Error("expected malformed ref rejected")
	}
}

func TestResolveAPIKey(t *testing.T) {
	env := func(vars map[string]string) func(string) string {
		return func(key string) string { return vars[key] }
	}

	if key, err := ResolveAPIKey("configured", "", env(nil)); err != nil || key != "configured" {
		t.Errorf("expected configured key, got (%q, %v)", key, err)
	}
	if key, err := ResolveAPIKey("", "", env(map[string]string{"LINEAR_API_KEY": "lin_abc"})); err != nil || key != "lin_abc" {
		t.Errorf("expected env key, got (%q, %v)", key, err)
	}
	if key, err := ResolveAPIKey("", "MY_LINEAR_KEY", env(map[string]string{"MY_LINEAR_KEY": "lin_xyz"})); err != nil || key != "lin_xyz" {
		t.Errorf("expected custom env key, got (%q, %v)", key, err)
	}

	_, err := ResolveAPIKey("", "MY_LINEAR_KEY", env(nil))
	if err == nil {
		t.Fatal("expected error for missing key")
	}
	if err.Error() != "linear api key not configured: set MY_LINEAR_KEY" {
		t.Errorf("unexpected message %q", err.Error())
	}
	if cperr.KindOf(err) != cperr.Validation {
		t.Errorf("expected validation kind, got %s", cperr.KindOf(err))
	}
}

func issueServer(t *testing.T, issue map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if got := r.Header.Get("Authorization"); got != "lin_test" {
			t.Errorf("expected api key auth, got %q", got)
		}
		var req graphqlRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Variables["id"] == nil {
			t.Error("expected id variable")
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"issue": issue},
		})
	}))
}

func TestIssueByRef_Success(t *testing.T) {
	srv := issueServer(t, map[string]any{
		"id":          "issue-uuid-1",
		"identifier":  "ENG-123",
		"title":       "Fix the thing",
		"description": "It is broken.",
		"priority":    2,
		"estimate":    3,
		"dueDate":     "2026-09-01",
		"url":         "https://linear.app/acme/issue/ENG-123/fix-the-thing",
		"state":       map[string]any{"name": "In Progress"},
		"team":        map[string]any{"key": "ENG"},
		"project":     map[string]any{"name": "Q3"},
		"assignee":    map[string]any{"displayName": "Jordan"},
		"labels":      map[string]any{"nodes": []map[string]any{{"id": "label-1"}, {"id": "label-2"}}},
	})
	defer srv.Close()

	c := New("lin_test", WithEndpoint(srv.URL))
	issue, err := c.IssueByRef(context.Background(), "eng-123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if issue.Identifier != "ENG-123" || issue.Title != "Fix the thing" ||
		issue.Priority != 2 || issue.Estimate != 3 || issue.Team != "ENG" ||
		issue.State != "In Progress" || issue.Assignee != "Jordan" {
		t.Errorf("issue mismatch: %+v", issue)
	}
	if len(issue.LabelIDs) != 2 {
		t.Errorf("expected 2 labels, got %v", issue.LabelIDs)
	}
}

func TestIssueByRef_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"issue": nil},
		})
	}))
	defer srv.Close()

	c := New("lin_test", WithEndpoint(srv.URL))
	_, err := c.IssueByRef(context.Background(), "ENG-999")
	if err == nil {
		t.Fatal("expected error")
	}
	if err.Error() != "linear issue not found: ENG-999" {
		t.Errorf("unexpected message %q", err.Error())
	}
	if cperr.KindOf(err) != cperr.NotFound {
		t.Errorf("expected not-found kind, got %s", cperr.KindOf(err))
	}
}

func TestIssueByRef_Malformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"issue": map[string]any{"title": "missing ids"}},
		})
	}))
	defer srv.Close()

	c := New("lin_test", WithEndpoint(srv.URL))
	_, err := c.IssueByRef(context.Background(), "ENG-1")
	if err == nil {
		t.Fatal("expected error")
	}
	if err.Error() != "linear issue response malformed" {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func TestIssueByRef_BadRefRejectedLocally(t *testing.T) {
	c := New("lin_test", WithEndpoint("http://127.0.0.1:0"))
	_, err := c.IssueByRef(context.Background(), "not-an-identifier!")
	if err == nil {
		t.Fatal("expected error")
	}
	if cperr.KindOf(err) != cperr.Validation {
		t.Errorf("expected validation kind, got %s", cperr.KindOf(err))
	}
}

func TestIssueByRef_ServerErrorRetried(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"issue": map[string]any{
				"id": "issue-uuid-1", "identifier": "ENG-1", "title": "T",
			}},
		})
	}))
	defer srv.Close()

	c := New("lin_test", WithEndpoint(srv.URL), WithRetryBackoff(time.Millisecond, time.Millisecond))
	issue, err := c.IssueByRef(context.Background(), "ENG-1")
	if err != nil {
		t.Fatalf("unexpected error after retry: %v", err)
	}
	if calls != 2 || issue.Identifier != "ENG-1" {
		t.Errorf("expected retried success, calls=%d issue=%+v", calls, issue)
	}
}

func TestIssueByRef_ClientErrorNotRetried(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New("lin_test", WithEndpoint(srv.URL), WithRetryBackoff(time.Millisecond))
	_, err := c.IssueByRef(context.Background(), "ENG-1")
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected 1 call for 401, got %d", calls)
	}
	if err.Error() != "linear api request failed: 401" {
		t.Errorf("unexpected message %q", err.Error())
	}
}
