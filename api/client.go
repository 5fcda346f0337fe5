// Package api is the request/response side of the client: plain CRUD calls
// against the board server. All realtime state lives in the collection
// synchronizers, this client just moves records.
package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"boardsync/domain"
)

// Config holds the client dependencies. BaseURL is required.
type Config struct {
	// BaseURL is the HTTP endpoint of the board server, e.g.
	// "http://localhost:8000".
	BaseURL string
	// Token is sent as a bearer token on every request.
	Token string
	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client
	Logger     *log.Logger
}

// Client performs CRUD requests. Updates always carry the full record.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *log.Logger
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Detail     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api: server returned %d: %s", e.StatusCode, e.Detail)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusNotFound
}

// NewClient creates a CRUD client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("api: BaseURL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("api: invalid BaseURL %q: %w", cfg.BaseURL, err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// Projects lists every project.
func (c *Client) Projects(ctx context.Context) ([]domain.Project, error) {
	var out []domain.Project
	err := c.do(ctx, http.MethodGet, "/projects", nil, &out)
	return out, err
}

// CreateProject creates a project by name.
func (c *Client) CreateProject(ctx context.Context, name string) (domain.Project, error) {
	var out domain.Project
	err := c.do(ctx, http.MethodPost, "/projects", map[string]string{"name": name}, &out)
	return out, err
}

// DeleteProject removes a project and everything scoped to it.
func (c *Client) DeleteProject(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/projects/%d", id), nil, nil)
}

// ProjectTasks lists the tasks of one project.
func (c *Client) ProjectTasks(ctx context.Context, projectID int64) ([]domain.Task, error) {
	var out []domain.Task
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/projects/%d/tasks", projectID), nil, &out)
	return out, err
}

// ProjectMembers lists the members of one project.
func (c *Client) ProjectMembers(ctx context.Context, projectID int64) ([]domain.Member, error) {
	var out []domain.Member
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/projects/%d/users", projectID), nil, &out)
	return out, err
}

// CreateTask creates a task. The server assigns the id.
func (c *Client) CreateTask(ctx context.Context, task domain.Task) (domain.Task, error) {
	var out domain.Task
	err := c.do(ctx, http.MethodPost, "/tasks", task, &out)
	return out, err
}

// UpdateTask replaces a task wholesale; the server contract does not accept
// partial patches. It satisfies the board package's requester interface.
func (c *Client) UpdateTask(ctx context.Context, task domain.Task) (domain.Task, error) {
	var out domain.Task
	err := c.do(ctx, http.MethodPut, fmt.Sprintf("/tasks/%d", task.ID), task, &out)
	return out, err
}

// DeleteTask removes a task.
func (c *Client) DeleteTask(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/tasks/%d", id), nil, nil)
}

// Users lists every user.
func (c *Client) Users(ctx context.Context) ([]domain.Member, error) {
	var out []domain.Member
	err := c.do(ctx, http.MethodGet, "/users", nil, &out)
	return out, err
}

// CreateUser registers a user.
func (c *Client) CreateUser(ctx context.Context, user domain.Member) (domain.Member, error) {
	var out domain.Member
	err := c.do(ctx, http.MethodPost, "/users", user, &out)
	return out, err
}

// DeleteUser removes a user.
func (c *Client) DeleteUser(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/users/%d", id), nil, nil)
}

// AddMember adds the user identified by name and email to a project.
func (c *Client) AddMember(ctx context.Context, projectID int64, user domain.Member) (domain.Member, error) {
	var out domain.Member
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/projects/%d/add-member", projectID), user, &out)
	return out, err
}

// RemoveMember removes the user identified by name and email from a project.
func (c *Client) RemoveMember(ctx context.Context, projectID int64, user domain.Member) (domain.Member, error) {
	var out domain.Member
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/projects/%d/remove-member", projectID), user, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := sonic.Marshal(in)
		if err != nil {
			return fmt.Errorf("api: encode %s %s body: %w", method, path, err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("api: build %s %s: %w", method, path, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("api: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("api: read %s %s response: %w", method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{StatusCode: resp.StatusCode, Detail: errorDetail(raw)}
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := sonic.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("api: decode %s %s response: %w", method, path, err)
	}
	return nil
}

func errorDetail(raw []byte) string {
	var body struct {
		Detail  string `json:"detail"`
		Message string `json:"message"`
	}
	if sonic.Unmarshal(raw, &body) == nil {
		if body.Detail != "" {
			return body.Detail
		}
		if body.Message != "" {
			return body.Message
		}
	}
	return strings.TrimSpace(string(raw))
}
