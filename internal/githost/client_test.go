package githost

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *HTTPClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewHTTPClient(server.URL, "acme", "test-token")
}

func TestInstallation(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/orgs/acme/installation" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("missing bearer token, got %q", got)
		}
		_ = json.NewEncoder(w).Encode(Installation{ID: 42, Login: "acme", TargetType: "Organization"})
	})

	installation, err := client.Installation(context.Background())
	if err != nil {
		t.Fatalf("Installation() error = %v", err)
	}
	if installation.ID != 42 || installation.Login != "acme" {
		t.Errorf("unexpected installation: %+v", installation)
	}
}

func TestInstallationNotFound(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "Not Found"})
	})

	_, err := client.Installation(context.Background())
	if !errors.Is(err, ErrNotInstalled) {
		t.Errorf("error = %v, want ErrNotInstalled", err)
	}
}

func TestRepositories(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/installation/repositories" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"repositories": []Repository{
				{ID: 1, Name: "payment-service", FullName: "acme/payment-service", DefaultBranch: "main"},
				{ID: 2, Name: "gateway", FullName: "acme/gateway", DefaultBranch: "main", Private: true},
			},
		})
	})

	repos, err := client.Repositories(context.Background())
	if err != nil {
		t.Fatalf("Repositories() error = %v", err)
	}
	if len(repos) != 2 || repos[1].FullName != "acme/gateway" {
		t.Errorf("unexpected repositories: %+v", repos)
	}
}

func TestCreatePullRequest(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/repos/acme/payment-service/pulls" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var input PullRequestInput
		if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if input.Title == "" || input.Head == "" || input.Base == "" {
			t.Errorf("incomplete input: %+v", input)
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(PullRequest{Number: 7, URL: "https://git.example/pr/7", State: "open"})
	})

	pr, err := client.CreatePullRequest(context.Background(), PullRequestInput{
		RepoFullName: "acme/payment-service",
		Title:        "Publish 1.1.0",
		Body:         "Version bundle",
		Head:         "stencil/1.1.0",
		Base:         "main",
	})
	if err != nil {
		t.Fatalf("CreatePullRequest() error = %v", err)
	}
	if pr.Number != 7 || pr.State != "open" {
		t.Errorf("unexpected pull request: %+v", pr)
	}
}

func TestAPIErrorSurfacesStatusAndMessage(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "Validation Failed"})
	})

	_, err := client.CreateRepository(context.Background(), "bad name", false)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want *APIError", err)
	}
	if apiErr.Status != http.StatusUnprocessableEntity || apiErr.Message != "Validation Failed" {
		t.Errorf("unexpected api error: %+v", apiErr)
	}
}
