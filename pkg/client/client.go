package client

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

	"github.com/buildnet-io/buildnet/pkg/errdefs"
	"github.com/buildnet-io/buildnet/pkg/ledger"
	"github.com/buildnet-io/buildnet/pkg/registry"
	"github.com/buildnet-io/buildnet/pkg/types"
)

// Client is the typed HTTP client the CLI uses against a running daemon.
type Client struct {
	base  string
	http  *http.Client
	actor types.Actor
}

// New creates a client for the given base URL (e.g. http://127.0.0.1:8080)
func New(base string) *Client {
	return &Client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 60 * time.Second},
	}
}

// WithActor sets the actor identity sent on every request
func (c *Client) WithActor(actor types.Actor) *Client {
	c.actor = actor
	return c
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.actor.ID != "" {
		req.Header.Set("X-Actor-Id", c.actor.ID)
		req.Header.Set("X-Actor-Name", c.actor.Name)
		req.Header.Set("X-Actor-Kind", string(c.actor.Kind))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// decodeError turns an error envelope back into a classifiable error
func decodeError(resp *http.Response) error {
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	data, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(data, &envelope); err != nil || envelope.Error.Code == "" {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return errdefs.FromCode(envelope.Error.Code, envelope.Error.Message)
}

// Healthz checks daemon liveness
func (c *Client) Healthz(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}

// Dashboard fetches the full state snapshot
func (c *Client) Dashboard(ctx context.Context) (*types.DashboardState, error) {
	var state types.DashboardState
	if err := c.do(ctx, http.MethodGet, "/api/v1/dashboard", nil, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// RequestBuild submits a build and waits for its result
func (c *Client) RequestBuild(ctx context.Context, targets []string, options types.BuildOptions) (*types.BuildResult, error) {
	var result types.BuildResult
	body := map[string]any{"targets": targets, "options": options}
	if err := c.do(ctx, http.MethodPost, "/api/v1/builds", body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetBuild fetches one build's status
func (c *Client) GetBuild(ctx context.Context, id string) (*types.BuildResult, error) {
	var result types.BuildResult
	if err := c.do(ctx, http.MethodGet, "/api/v1/builds/"+url.PathEscape(id), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CancelBuild cancels a running build
func (c *Client) CancelBuild(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/builds/"+url.PathEscape(id), nil, nil)
}

// ListResources lists every registered resource
func (c *Client) ListResources(ctx context.Context) ([]*types.Resource, error) {
	var resources []*types.Resource
	if err := c.do(ctx, http.MethodGet, "/api/v1/resources", nil, &resources); err != nil {
		return nil, err
	}
	return resources, nil
}

// AddResource registers a resource
func (c *Client) AddResource(ctx context.Context, spec types.ResourceSpec) (*types.Resource, error) {
	var res types.Resource
	if err := c.do(ctx, http.MethodPost, "/api/v1/resources", spec, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// GetResource fetches one resource
func (c *Client) GetResource(ctx context.Context, id string) (*types.Resource, error) {
	var res types.Resource
	if err := c.do(ctx, http.MethodGet, "/api/v1/resources/"+url.PathEscape(id), nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// UpdateResource patches mutable resource fields
func (c *Client) UpdateResource(ctx context.Context, id string, fields registry.UpdateFields) (*types.Resource, error) {
	var res types.Resource
	if err := c.do(ctx, http.MethodPatch, "/api/v1/resources/"+url.PathEscape(id), fields, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// RemoveResource removes a resource; force overrides active claims
func (c *Client) RemoveResource(ctx context.Context, id string, force bool) error {
	path := "/api/v1/resources/" + url.PathEscape(id)
	if force {
		path += "?force=true"
	}
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// DrainResource marks a resource draining
func (c *Client) DrainResource(ctx context.Context, id string) (*types.Resource, error) {
	var res types.Resource
	if err := c.do(ctx, http.MethodPost, "/api/v1/resources/"+url.PathEscape(id)+"/drain", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ResumeResource returns a draining resource to service
func (c *Client) ResumeResource(ctx context.Context, id string) (*types.Resource, error) {
	var res types.Resource
	if err := c.do(ctx, http.MethodPost, "/api/v1/resources/"+url.PathEscape(id)+"/resume", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ListSessions lists active sessions
func (c *Client) ListSessions(ctx context.Context) ([]*types.Session, error) {
	var sessions []*types.Session
	if err := c.do(ctx, http.MethodGet, "/api/v1/sessions", nil, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// EndSession ends a session by id
func (c *Client) EndSession(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/sessions/"+url.PathEscape(id), nil, nil)
}

// LedgerEntries queries ledger entries with the given filter
func (c *Client) LedgerEntries(ctx context.Context, filter ledger.Filter) ([]*types.LedgerEntry, error) {
	q := url.Values{}
	if filter.FromSequence > 0 {
		q.Set("from", strconv.FormatUint(filter.FromSequence, 10))
	}
	if filter.ToSequence > 0 {
		q.Set("to", strconv.FormatUint(filter.ToSequence, 10))
	}
	if filter.EntityType != "" {
		q.Set("entity_type", filter.EntityType)
	}
	if filter.EntityID != "" {
		q.Set("entity_id", filter.EntityID)
	}
	if filter.ActorID != "" {
		q.Set("actor_id", filter.ActorID)
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	if filter.Offset > 0 {
		q.Set("offset", strconv.Itoa(filter.Offset))
	}
	if !filter.Since.IsZero() {
		q.Set("since", filter.Since.Format(time.RFC3339))
	}
	if !filter.Until.IsZero() {
		q.Set("until", filter.Until.Format(time.RFC3339))
	}

	path := "/api/v1/ledger/entries"
	if encoded := q.Encode(); encoded != "" {
		path += "?" + encoded
	}
	var entries []*types.LedgerEntry
	if err := c.do(ctx, http.MethodGet, path, nil, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// VerifyLedger runs server-side integrity verification
func (c *Client) VerifyLedger(ctx context.Context, from uint64) (*ledger.VerifyReport, error) {
	path := "/api/v1/ledger/verify"
	if from > 0 {
		path += "?from=" + strconv.FormatUint(from, 10)
	}
	var report ledger.VerifyReport
	if err := c.do(ctx, http.MethodGet, path, nil, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// LedgerStats fetches the ledger summary
func (c *Client) LedgerStats(ctx context.Context) (*types.LedgerStats, error) {
	var stats types.LedgerStats
	if err := c.do(ctx, http.MethodGet, "/api/v1/ledger/stats", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}
