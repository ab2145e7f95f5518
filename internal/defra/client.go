// Package defra is a small HTTP/GraphQL client for DefraDB plus the Docker
// manager that runs it locally.
package defra

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"
)

var (
	// ErrUnhealthy is returned when the health check fails.
	ErrUnhealthy = errors.New("defra health check failed")
	// ErrGraphQL wraps errors reported inside a GraphQL response body.
	ErrGraphQL = errors.New("defra graphql error")
)

// Client talks to DefraDB's HTTP API.
type Client struct {
	url        string
	httpClient *http.Client
}

// NewClient creates a client for the DefraDB instance at url.
func NewClient(url string) *Client {
	return &Client{
		url:        strings.TrimSuffix(url, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// URL returns the base URL of the instance.
func (c *Client) URL() string { return c.url }

type gqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

// Response is a decoded GraphQL response.
type Response struct {
	Data   map[string]any `json:"data,omitempty"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors,omitempty"`
}

// Err returns the first GraphQL error as ErrGraphQL, or nil.
func (r *Response) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrGraphQL, r.Errors[0].Message)
}

// Docs returns the documents under key, or nil when absent.
func (r *Response) Docs(key string) []map[string]any {
	raw, ok := r.Data[key].([]any)
	if !ok {
		return nil
	}
	docs := make([]map[string]any, 0, len(raw))
	for _, d := range raw {
		if m, ok := d.(map[string]any); ok {
			docs = append(docs, m)
		}
	}
	return docs
}

// HealthCheck returns nil when DefraDB answers its health endpoint.
func (c *Client) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url+"/health-check", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnhealthy, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrUnhealthy, resp.StatusCode)
	}
	return nil
}

// Execute posts a GraphQL request. Transport and 5xx failures are errors;
// GraphQL-level errors are left on the Response for the caller.
func (c *Client) Execute(ctx context.Context, query string, variables map[string]any) (*Response, error) {
	body, err := json.Marshal(gqlRequest{Query: query, Variables: variables})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/api/v0/graphql", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("defra server error (status %d): %s", resp.StatusCode, respBody)
	}
	if len(respBody) == 0 {
		return nil, fmt.Errorf("defra returned empty response (status %d)", resp.StatusCode)
	}

	var out Response
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &out, nil
}

// AddSchema registers an SDL schema.
func (c *Client) AddSchema(ctx context.Context, sdl string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/api/v0/schema", strings.NewReader(sdl))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("schema error (status %d): %s", resp.StatusCode, body)
	}
	return nil
}

// Find returns documents in collection matching filter, with the given fields.
func (c *Client) Find(ctx context.Context, collection string, filter map[string]any, fields []string) ([]map[string]any, error) {
	args := ""
	if len(filter) > 0 {
		f, err := Input(filter)
		if err != nil {
			return nil, fmt.Errorf("failed to build filter: %w", err)
		}
		args = "(filter: " + f + ")"
	}
	query := fmt.Sprintf(`query { %s%s { _docID %s } }`, collection, args, strings.Join(fields, " "))

	resp, err := c.Execute(ctx, query, nil)
	if err != nil {
		return nil, err
	}
	if err := resp.Err(); err != nil {
		return nil, err
	}
	return resp.Docs(collection), nil
}

// Create inserts a document and returns its docID.
func (c *Client) Create(ctx context.Context, collection string, input map[string]any) (string, error) {
	in, err := Input(input)
	if err != nil {
		return "", fmt.Errorf("failed to build input: %w", err)
	}
	return c.mutateOne(ctx, "create_"+collection,
		fmt.Sprintf(`mutation { create_%s(input: %s) { _docID } }`, collection, in))
}

// Update patches the document with docID.
func (c *Client) Update(ctx context.Context, collection, docID string, input map[string]any) error {
	in, err := Input(input)
	if err != nil {
		return fmt.Errorf("failed to build input: %w", err)
	}
	_, err = c.mutateOne(ctx, "update_"+collection,
		fmt.Sprintf(`mutation { update_%s(docID: %q, input: %s) { _docID } }`, collection, docID, in))
	return err
}

// Upsert updates the single document matching filter, or creates one.
func (c *Client) Upsert(ctx context.Context, collection string, filter, create, update map[string]any) (string, error) {
	f, err := Input(filter)
	if err != nil {
		return "", fmt.Errorf("failed to build filter: %w", err)
	}
	cr, err := Input(create)
	if err != nil {
		return "", fmt.Errorf("failed to build create input: %w", err)
	}
	up, err := Input(update)
	if err != nil {
		return "", fmt.Errorf("failed to build update input: %w", err)
	}
	return c.mutateOne(ctx, "upsert_"+collection,
		fmt.Sprintf(`mutation { upsert_%s(filter: %s, create: %s, update: %s) { _docID } }`, collection, f, cr, up))
}

func (c *Client) mutateOne(ctx context.Context, key, mutation string) (string, error) {
	resp, err := c.Execute(ctx, mutation, nil)
	if err != nil {
		return "", err
	}
	if err := resp.Err(); err != nil {
		return "", err
	}
	docs := resp.Docs(key)
	if len(docs) == 0 {
		return "", fmt.Errorf("unexpected response format for %s", key)
	}
	id, _ := docs[0]["_docID"].(string)
	return id, nil
}

// Input renders a map as a GraphQL input object with keys in sorted order.
func Input(m map[string]any) (string, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v, err := value(m[k])
		if err != nil {
			return "", fmt.Errorf("field %q: %w", k, err)
		}
		parts = append(parts, k+": "+v)
	}
	return "{" + strings.Join(parts, ", ") + "}", nil
}

func value(v any) (string, error) {
	switch val := v.(type) {
	case nil:
		return "null", nil
	case string:
		// JSON escapes are a subset of what GraphQL strings accept; %q is not.
		b, err := json.Marshal(val)
		if err != nil {
			return "", err
		}
		return string(b), nil
	case bool, int, int64, float64:
		return fmt.Sprint(val), nil
	case map[string]any:
		return Input(val)
	case []any:
		items := make([]string, 0, len(val))
		for _, item := range val {
			s, err := value(item)
			if err != nil {
				return "", err
			}
			items = append(items, s)
		}
		return "[" + strings.Join(items, ", ") + "]", nil
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
}
