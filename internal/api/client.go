package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cochaviz/slicenet/internal/models"
	"github.com/cochaviz/slicenet/internal/orchestrator"
	"github.com/cochaviz/slicenet/internal/topology"
)

// ErrNotFound is returned by the client for 404 responses.
var ErrNotFound = errors.New("not found")

// Client reads a running API server.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient returns a client for the server at baseURL, e.g. "http://127.0.0.1:8470".
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) get(ctx context.Context, path string, query url.Values, response any) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("query api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil || apiErr.Error == "" {
			apiErr.Error = resp.Status
		}
		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%s: %w", apiErr.Error, ErrNotFound)
		}
		return fmt.Errorf("api request failed: %s", apiErr.Error)
	}
	if err := json.NewDecoder(resp.Body).Decode(response); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) ListSlices(ctx context.Context) ([]models.Slice, error) {
	var slices []models.Slice
	if err := c.get(ctx, "/api/v0/slices", nil, &slices); err != nil {
		return nil, err
	}
	return slices, nil
}

func (c *Client) GetSlice(ctx context.Context, id string) (models.Slice, error) {
	var slice models.Slice
	if err := c.get(ctx, "/api/v0/slices/"+url.PathEscape(id), nil, &slice); err != nil {
		return models.Slice{}, err
	}
	return slice, nil
}

// Status returns the live view of id. An empty switchName lists every bridge.
func (c *Client) Status(ctx context.Context, id, switchName string) (*orchestrator.StatusResult, error) {
	query := url.Values{}
	if switchName != "" {
		query.Set("switch", switchName)
	}
	var status orchestrator.StatusResult
	if err := c.get(ctx, "/api/v0/slices/"+url.PathEscape(id)+"/status", query, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (c *Client) Topology(ctx context.Context, id string) (topology.Document, error) {
	var doc topology.Document
	if err := c.get(ctx, "/api/v0/slices/"+url.PathEscape(id)+"/topology", nil, &doc); err != nil {
		return topology.Document{}, err
	}
	return doc, nil
}

// Operations lists recorded operations newest first. An empty sliceID lists
// every slice; limit <= 0 uses the server default.
func (c *Client) Operations(ctx context.Context, sliceID string, limit int) ([]models.Operation, error) {
	path := "/api/v0/operations"
	if sliceID != "" {
		path = "/api/v0/slices/" + url.PathEscape(sliceID) + "/operations"
	}
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var ops []models.Operation
	if err := c.get(ctx, path, query, &ops); err != nil {
		return nil, err
	}
	return ops, nil
}

func (c *Client) Workers(ctx context.Context) ([]models.Worker, error) {
	var workers []models.Worker
	if err := c.get(ctx, "/api/v0/workers", nil, &workers); err != nil {
		return nil, err
	}
	return workers, nil
}
