// Package backend fetches resolved scan results from the search backend.
package backend

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	"github.com/sw33tLie/casefile/pkg/logger"
)

const (
	userAgent          = "casefile/1.0"
	defaultParallelism = 4
)

// Config controls how the client talks to the backend.
type Config struct {
	BaseURL string
	Token   string
	Retries int           // defaults to 3 if <= 0
	Timeout time.Duration // per attempt; defaults to 30s
	Proxy   string        // optional
	Log     logger.Logger // optional; nil = no logging
}

type Client struct {
	http    *retryablehttp.Client
	baseURL string
	token   string
	log     logger.Logger
}

func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("backend base URL is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("invalid backend URL: %w", err)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.Logger = log.New(io.Discard, "", 0)
	retryClient.RetryMax = cfg.Retries
	if retryClient.RetryMax <= 0 {
		retryClient.RetryMax = 3
	}
	retryClient.HTTPClient.Timeout = cfg.Timeout
	if cfg.Timeout <= 0 {
		retryClient.HTTPClient.Timeout = 30 * time.Second
	}
	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL: %v", err)
		}
		retryClient.HTTPClient.Transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	}

	return &Client{
		http:    retryClient,
		baseURL: base,
		token:   cfg.Token,
		log:     logger.OrNop(cfg.Log),
	}, nil
}

// SetRetryWait overrides the backoff bounds between attempts.
func (c *Client) SetRetryWait(min, max time.Duration) {
	c.http.RetryWaitMin = min
	c.http.RetryWaitMax = max
}

// FetchResult downloads the scan result for scanID. Responses wrapped in a
// {"result": {...}} envelope are unwrapped.
func (c *Client) FetchResult(ctx context.Context, scanID string) ([]byte, error) {
	scanID = strings.TrimSpace(scanID)
	if scanID == "" {
		return nil, fmt.Errorf("scan id is required")
	}
	endpoint := c.baseURL + "/results/" + url.PathEscape(scanID)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	c.log.Debugf("Fetching scan result %s", scanID)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", scanID, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", scanID, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: backend returned %d: %s", scanID, resp.StatusCode, strings.TrimSpace(gjson.GetBytes(body, "error").String()))
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("fetch %s: response is not JSON", scanID)
	}
	if inner := gjson.GetBytes(body, "result"); inner.IsObject() {
		return []byte(inner.Raw), nil
	}
	return body, nil
}

// FetchResults downloads several scan results at once, at most parallelism
// at a time. Results come back in the order of scanIDs. The first failure
// cancels the rest.
func (c *Client) FetchResults(ctx context.Context, scanIDs []string, parallelism int) ([][]byte, error) {
	if parallelism <= 0 {
		parallelism = defaultParallelism
	}
	results := make([][]byte, len(scanIDs))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for i, id := range scanIDs {
		g.Go(func() error {
			raw, err := c.FetchResult(ctx, id)
			if err != nil {
				return err
			}
			results[i] = raw
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
