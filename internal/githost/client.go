// Package githost talks to the Git provider's REST API on behalf of the
// platform's App installation: installation lookup, repository listing,
// repository creation, and pull-request authoring.
package githost

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrNotInstalled is returned when the App has no installation for the
// configured organization.
var ErrNotInstalled = errors.New("app not installed")

// Installation describes the provider-side App installation.
type Installation struct {
	ID         int64  `json:"id"`
	Login      string `json:"login"`
	TargetType string `json:"targetType"`
	AvatarURL  string `json:"avatarUrl,omitempty"`
}

// Repository is a provider repository visible to the installation.
type Repository struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	FullName      string `json:"fullName"`
	DefaultBranch string `json:"defaultBranch"`
	Private       bool   `json:"private"`
	HTMLURL       string `json:"htmlUrl"`
}

// PullRequestInput is what we need to open a pull request.
type PullRequestInput struct {
	RepoFullName string `json:"-"`
	Title        string `json:"title"`
	Body         string `json:"body"`
	Head         string `json:"head"`
	Base         string `json:"base"`
}

// PullRequest is the provider's view of an opened pull request.
type PullRequest struct {
	Number int    `json:"number"`
	URL    string `json:"htmlUrl"`
	State  string `json:"state"`
}

// Client is the provider surface the application depends on. The HTTP
// implementation below covers the four endpoints the platform uses; tests
// substitute fakes.
type Client interface {
	Installation(ctx context.Context) (Installation, error)
	Repositories(ctx context.Context) ([]Repository, error)
	CreateRepository(ctx context.Context, name string, private bool) (Repository, error)
	CreatePullRequest(ctx context.Context, input PullRequestInput) (PullRequest, error)
}

// HTTPClient implements Client against a REST API base URL.
type HTTPClient struct {
	baseURL string
	org     string
	token   string
	http    *http.Client
}

func NewHTTPClient(baseURL, org, token string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		org:     org,
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *HTTPClient) Installation(ctx context.Context) (Installation, error) {
	var installation Installation
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/orgs/%s/installation", c.org), nil, &installation)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			return Installation{}, ErrNotInstalled
		}
		return Installation{}, err
	}
	return installation, nil
}

func (c *HTTPClient) Repositories(ctx context.Context) ([]Repository, error) {
	var payload struct {
		Repositories []Repository `json:"repositories"`
	}
	if err := c.do(ctx, http.MethodGet, "/installation/repositories", nil, &payload); err != nil {
		return nil, err
	}
	return payload.Repositories, nil
}

func (c *HTTPClient) CreateRepository(ctx context.Context, name string, private bool) (Repository, error) {
	body := map[string]any{"name": name, "private": private}
	var repo Repository
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/orgs/%s/repos", c.org), body, &repo); err != nil {
		return Repository{}, err
	}
	return repo, nil
}

func (c *HTTPClient) CreatePullRequest(ctx context.Context, input PullRequestInput) (PullRequest, error) {
	var pr PullRequest
	path := fmt.Sprintf("/repos/%s/pulls", input.RepoFullName)
	if err := c.do(ctx, http.MethodPost, path, input, &pr); err != nil {
		return PullRequest{}, err
	}
	return pr, nil
}

// APIError carries a non-2xx provider response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("githost: status %d: %s", e.Status, e.Message)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, target any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		message := ""
		var errBody struct {
			Message string `json:"message"`
		}
		if decodeErr := json.NewDecoder(resp.Body).Decode(&errBody); decodeErr == nil {
			message = errBody.Message
		}
		return &APIError{Status: resp.StatusCode, Message: message}
	}

	if target == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
