package testmgmt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/testmesh/conductor/pkg/config"
	"github.com/testmesh/conductor/pkg/models"
)

// Client is the HTTP implementation of Adapter. Authentication is a
// bearer token; an empty token sends no Authorization header.
type Client struct {
	cfg        config.TestMgmtConfig
	httpClient *http.Client
	log        *slog.Logger
}

// NewClient creates an adapter client for the configured backend.
func NewClient(cfg config.TestMgmtConfig, log *slog.Logger) *Client {
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        log.With("component", "testmgmt"),
	}
}

// TestCases lists every test case of a project.
func (c *Client) TestCases(ctx context.Context, projectKey string) ([]models.TestCase, error) {
	if c.cfg.BaseURL == "" {
		return nil, ErrNotConfigured
	}

	endpoint := fmt.Sprintf("%s/projects/%s/test-cases", c.baseURL(), url.PathEscape(projectKey))
	var cases []models.TestCase
	if err := c.getJSON(ctx, endpoint, &cases); err != nil {
		return nil, fmt.Errorf("list test cases for %s: %w", projectKey, err)
	}
	c.log.Debug("fetched test cases", "project_key", projectKey, "count", len(cases))
	return cases, nil
}

// TestCase fetches one test case by key.
func (c *Client) TestCase(ctx context.Context, key string) (*models.TestCase, error) {
	if c.cfg.BaseURL == "" {
		return nil, ErrNotConfigured
	}

	endpoint := fmt.Sprintf("%s/test-cases/%s", c.baseURL(), url.PathEscape(key))
	var tc models.TestCase
	if err := c.getJSON(ctx, endpoint, &tc); err != nil {
		return nil, fmt.Errorf("fetch test case %s: %w", key, err)
	}
	return &tc, nil
}

func (c *Client) baseURL() string {
	return strings.TrimRight(c.cfg.BaseURL, "/")
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.APIToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("backend returned HTTP %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
