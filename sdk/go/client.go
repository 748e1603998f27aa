package stafflinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Staffline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. Approve waits for provisioning,
// so the timeout is longer than a plain request needs.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  2 * time.Minute,
	}
}

// Employee represents the API employee model (partial).
type Employee struct {
	ID         int64  `json:"id"`
	ExternalID string `json:"external_id"`
	FirstName  string `json:"first_name"`
	SecondName string `json:"second_name"`
	ThirdName  string `json:"third_name,omitempty"`
	Company    string `json:"company,omitempty"`
	Department string `json:"department,omitempty"`
	WorkSite   string `json:"work_site,omitempty"`
	Status     string `json:"status"`
	UpdatedAt  string `json:"updated_at"`
}

// IntakeRecord is one employee sent by the HR system.
type IntakeRecord struct {
	ExternalID        string `json:"external_id"`
	FirstName         string `json:"first_name"`
	SecondName        string `json:"second_name"`
	ThirdName         string `json:"third_name,omitempty"`
	Company           string `json:"company,omitempty"`
	Department        string `json:"department,omitempty"`
	SubDepartment     string `json:"sub_department,omitempty"`
	Role              string `json:"role,omitempty"`
	WorkSite          string `json:"work_site,omitempty"`
	ManagerExternalID string `json:"manager_external_id,omitempty"`
	Phone             string `json:"phone,omitempty"`
	BirthDate         string `json:"birth_date,omitempty"`
	StartDate         string `json:"start_date,omitempty"`
	IsEngineer        string `json:"is_engineer,omitempty"`
	State             string `json:"state,omitempty"`
}

type IntakeReport struct {
	Created []Employee `json:"created"`
	Failed  []struct {
		Index      int    `json:"index"`
		ExternalID string `json:"external_id"`
		Reason     string `json:"reason"`
	} `json:"failed"`
}

type Step struct {
	Name      string `json:"name"`
	Mandatory bool   `json:"mandatory"`
	OK        bool   `json:"ok"`
	Category  string `json:"category,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

type Run struct {
	RunID    string `json:"run_id,omitempty"`
	Success  bool   `json:"success"`
	Category string `json:"category,omitempty"`
	Detail   string `json:"detail,omitempty"`
	Identity *struct {
		LoginName         string `json:"login_name"`
		PrincipalName     string `json:"principal_name"`
		DistinguishedName string `json:"distinguished_name"`
	} `json:"identity,omitempty"`
	Steps []Step `json:"steps"`
}

// Outcome is returned by Approve and Dismiss.
type Outcome struct {
	Employee Employee `json:"employee"`
	Run      Run      `json:"run"`
}

type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEmployees wraps list responses with cursors.
type PaginatedEmployees struct {
	Items      []Employee `json:"items"`
	NextCursor string     `json:"next_cursor"`
}

type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code and Message come from the error
// envelope when the server sent one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Intake sends records from the HR system; each is created or reported failed.
func (c *Client) Intake(ctx context.Context, records ...IntakeRecord) (IntakeReport, error) {
	var resp IntakeReport
	err := c.do(ctx, http.MethodPost, "intake", map[string]any{"employees": records}, &resp)
	return resp, err
}

func (c *Client) Employee(ctx context.Context, id int64) (Employee, error) {
	var resp Employee
	err := c.do(ctx, http.MethodGet, "employees/"+strconv.FormatInt(id, 10), nil, &resp)
	return resp, err
}

// Employees lists records, newest first. status and cursor may be empty.
func (c *Client) Employees(ctx context.Context, status, search string, limit int, cursor string) (PaginatedEmployees, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if search != "" {
		q.Set("search", search)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "employees"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEmployees
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Approve provisions a pending employee. On failure the returned error is an
// *APIError whose Details carry the run and the record status.
func (c *Client) Approve(ctx context.Context, id int64) (Outcome, error) {
	var resp Outcome
	err := c.do(ctx, http.MethodPut, fmt.Sprintf("employees/%d/approve", id), nil, &resp)
	return resp, err
}

func (c *Client) Reject(ctx context.Context, id int64, reason string) (Employee, error) {
	var resp Employee
	err := c.do(ctx, http.MethodPut, fmt.Sprintf("employees/%d/reject", id), map[string]string{"reason": reason}, &resp)
	return resp, err
}

func (c *Client) Dismiss(ctx context.Context, id int64) (Outcome, error) {
	var resp Outcome
	err := c.do(ctx, http.MethodPut, fmt.Sprintf("employees/%d/dismiss", id), nil, &resp)
	return resp, err
}

// CreateTechnicalAccount records a service account pending approval.
func (c *Client) CreateTechnicalAccount(ctx context.Context, username, description string) (Employee, error) {
	body := map[string]string{"username": username}
	if description != "" {
		body["description"] = description
	}
	var resp Employee
	err := c.do(ctx, http.MethodPost, "technical-accounts", body, &resp)
	return resp, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Details = env.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	basePath := strings.Trim(c.BasePath, "/")
	if basePath == "" {
		basePath = "v0"
	}
	return strings.TrimRight(c.BaseURL, "/") + "/" + basePath
}
