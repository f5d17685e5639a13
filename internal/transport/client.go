// Package transport implements the versioned REST client for the notes
// server contract. It classifies every failure into the engine's error
// taxonomy: transient (retryable), rejected (permanent) or conflict
// (carrying the server snapshot).
package transport

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

	"github.com/sietchlabs/notesync"
)

// HTTPClient implements notesync.ServerAPI using net/http.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

var _ notesync.ServerAPI = (*HTTPClient)(nil)

// NewHTTPClient creates a notes API client. Each call is bounded by the
// client timeout; a timeout is reported as a transient error.
func NewHTTPClient(baseURL, apiKey string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// WithHTTPClient sets a custom http.Client (for testing or custom timeouts).
func (c *HTTPClient) WithHTTPClient(client *http.Client) *HTTPClient {
	c.httpClient = client
	return c
}

func (c *HTTPClient) setHeaders(req *http.Request, owner string) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if owner != "" {
		req.Header.Set("X-Notesync-Owner", owner)
	}
	req.Header.Set("User-Agent", "notesync-client/1.0")
}

func (c *HTTPClient) Ping(ctx context.Context) error {
	var out HealthResponse
	return c.do(ctx, http.MethodGet, "/api/v1/health", "", "", nil, &out)
}

func (c *HTTPClient) ListNotes(ctx context.Context, owner string, q notesync.ListQuery) (*notesync.NotesPage, error) {
	params := url.Values{}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		params.Set("offset", strconv.Itoa(q.Offset))
	}
	if q.Tag != "" {
		params.Set("tag", q.Tag)
	}
	if q.Search != "" {
		params.Set("q", q.Search)
	}
	if q.IncludeDeleted {
		params.Set("include_deleted", "true")
	}
	if q.UpdatedSince > 0 {
		params.Set("updated_since", strconv.FormatInt(q.UpdatedSince, 10))
	}

	path := "/api/v1/notes"
	if enc := params.Encode(); enc != "" {
		path += "?" + enc
	}

	var out notesync.NotesPage
	if err := c.do(ctx, http.MethodGet, path, owner, "", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) CreateNote(ctx context.Context, owner string, req notesync.CreateNoteRequest) (*notesync.Record, error) {
	var out notesync.Record
	if err := c.do(ctx, http.MethodPost, "/api/v1/notes", owner, req.ID, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) UpdateNote(ctx context.Context, owner, id string, req notesync.UpdateNoteRequest) (*notesync.Record, error) {
	var out notesync.Record
	path := "/api/v1/notes/" + url.PathEscape(id)
	if err := c.do(ctx, http.MethodPatch, path, owner, id, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) DeleteNote(ctx context.Context, owner, id string, clientUpdatedAtMs int64) (*notesync.Record, error) {
	var out notesync.Record
	path := fmt.Sprintf("/api/v1/notes/%s?client_updated_at_ms=%d", url.PathEscape(id), clientUpdatedAtMs)
	if err := c.do(ctx, http.MethodDelete, path, owner, id, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) RestoreNote(ctx context.Context, owner, id string, clientUpdatedAtMs int64) (*notesync.Record, error) {
	var out notesync.Record
	path := "/api/v1/notes/" + url.PathEscape(id) + "/restore"
	req := RestoreRequest{ClientUpdatedAtMs: clientUpdatedAtMs}
	if err := c.do(ctx, http.MethodPost, path, owner, id, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// do performs one round-trip and decodes the response into out. entityID is
// used only for error attribution.
func (c *HTTPClient) do(ctx context.Context, method, path, owner, entityID string, body, out any) error {
	op := method + " " + strings.SplitN(path, "?", 2)[0]

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	c.setHeaders(req, owner)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Connection failures and timeouts are retryable by definition.
		return &notesync.TransientError{Operation: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || resp.StatusCode == http.StatusNoContent {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &notesync.TransientError{Operation: op, Err: fmt.Errorf("decode response: %w", err)}
		}
		return nil
	}

	return classifyError(op, entityID, resp)
}

// classifyError maps a non-2xx response into the engine's error taxonomy.
func classifyError(op, entityID string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	var env ErrorEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		env = ErrorEnvelope{Error: "unknown", Message: truncate(string(raw), 200)}
	}

	switch {
	case resp.StatusCode == http.StatusConflict:
		// A 409 on a record-mutating endpoint is always a sync conflict and
		// must carry the server's current snapshot.
		ce := &notesync.ConflictError{
			EntityID: entityID,
			Message:  env.Message,
		}
		if env.Details != nil {
			ce.ServerSnapshot = env.Details.ServerSnapshot
		}
		return ce

	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests:
		return &notesync.TransientError{
			Operation: op,
			Err:       fmt.Errorf("HTTP %d: %s", resp.StatusCode, env.Message),
		}

	default:
		return &notesync.RejectedError{
			EntityID:   entityID,
			StatusCode: resp.StatusCode,
			Code:       env.Error,
			Message:    env.Message,
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
