// Package client reads observations from a running chainwatch query service.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/arkiv/chainwatch/internal/api/apitypes"
	"github.com/arkiv/chainwatch/internal/chain"
)

const DefaultBaseURL = "http://localhost:3001"

// ErrNotFound is returned by Latest when nothing has been stored yet.
var ErrNotFound = errors.New("no observations stored")

type Client struct {
	base *url.URL
	http *http.Client
}

func New(baseURL string) (*Client, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	return &Client{base: u, http: &http.Client{Timeout: 10 * time.Second}}, nil
}

// Recent returns at most limit observations, highest first. limit <= 0 uses the server default.
func (c *Client) Recent(ctx context.Context, limit int) ([]chain.BlockObservation, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var items []apitypes.Observation
	if err := c.getJSON(ctx, "blockchain_metrics", q, &items); err != nil {
		return nil, err
	}
	out := make([]chain.BlockObservation, 0, len(items))
	for _, it := range items {
		out = append(out, it.Chain())
	}
	return out, nil
}

func (c *Client) Latest(ctx context.Context) (chain.BlockObservation, error) {
	var o apitypes.Observation
	if err := c.getJSON(ctx, "blockchain_metrics/latest", nil, &o); err != nil {
		return chain.BlockObservation{}, err
	}
	return o.Chain(), nil
}

// Health reports whether the service answers /healthz.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.do(ctx, "healthz", nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, q url.Values, v any) error {
	resp, err := c.do(ctx, path, q)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// do performs a GET and turns non-2xx responses into errors.
func (c *Client) do(ctx context.Context, path string, q url.Values) (*http.Response, error) {
	u := c.base.JoinPath(path)
	u.RawQuery = q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", path, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return resp, nil
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound && path == "blockchain_metrics/latest" {
		return nil, ErrNotFound
	}
	var apiErr apitypes.Error
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
		return nil, fmt.Errorf("GET %s: HTTP %d: %s", path, resp.StatusCode, apiErr.Error)
	}
	return nil, fmt.Errorf("GET %s: HTTP %d", path, resp.StatusCode)
}
