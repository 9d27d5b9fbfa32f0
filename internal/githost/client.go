package githost

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

const DefaultBaseURL = "https://api.github.com"

type Repository struct {
	Name          string `json:"name"`
	FullName      string `json:"full_name"`
	Private       bool   `json:"private"`
	DefaultBranch string `json:"default_branch"`
	HTMLURL       string `json:"html_url"`
}

type RepoOptions struct {
	Description string `json:"description,omitempty"`
	Private     bool   `json:"private"`
	AutoInit    bool   `json:"auto_init"`
}

// Contents is a file blob as returned by the contents endpoint. Content is
// base64 encoded per the API contract.
type Contents struct {
	Path    string `json:"path"`
	SHA     string `json:"sha"`
	Size    int    `json:"size"`
	Content string `json:"content,omitempty"`
}

type PutContentsOptions struct {
	Message string
	Content []byte
	// SHA of the existing blob, required for update-in-place.
	SHA    string
	Branch string
}

// RateLimitInfo is a point-in-time snapshot parsed from response headers.
// Each response supersedes the previous snapshot.
type RateLimitInfo struct {
	Limit     int    `json:"limit"`
	Remaining int    `json:"remaining"`
	Reset     int64  `json:"reset"`
	Used      int    `json:"used"`
	Resource  string `json:"resource"`
}

// Client is a minimal repository-hosting REST client. It performs no
// retries itself; callers compose it with the retry executor.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	log        *log.Logger

	mu        sync.Mutex
	rateLimit *RateLimitInfo
}

func NewClient(baseURL, token string, logger *log.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        logger,
	}
}

// RateLimitInfo returns the most recently observed rate-limit snapshot, or
// nil before the first response.
func (c *Client) RateLimitInfo() *RateLimitInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rateLimit
}

func (c *Client) GetRepository(ctx context.Context, owner, repo string) (*Repository, error) {
	var r Repository
	path := fmt.Sprintf("/repos/%s/%s", owner, repo)
	if err := c.do(ctx, http.MethodGet, path, nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (c *Client) CreateRepository(ctx context.Context, name string, opts RepoOptions) (*Repository, error) {
	body := struct {
		Name string `json:"name"`
		RepoOptions
	}{Name: name, RepoOptions: opts}

	var r Repository
	if err := c.do(ctx, http.MethodPost, "/user/repos", body, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// GetContents fetches the current blob at path, primarily for its SHA so
// writes can update in place instead of blindly overwriting.
func (c *Client) GetContents(ctx context.Context, owner, repo, path, ref string) (*Contents, error) {
	p := fmt.Sprintf("/repos/%s/%s/contents/%s", owner, repo, escapePath(path))
	if ref != "" {
		p += "?ref=" + url.QueryEscape(ref)
	}

	var contents Contents
	if err := c.do(ctx, http.MethodGet, p, nil, &contents); err != nil {
		return nil, err
	}
	return &contents, nil
}

func (c *Client) PutContents(ctx context.Context, owner, repo, path string, opts PutContentsOptions) (*Contents, error) {
	body := struct {
		Message string `json:"message"`
		Content string `json:"content"`
		SHA     string `json:"sha,omitempty"`
		Branch  string `json:"branch,omitempty"`
	}{
		Message: opts.Message,
		Content: base64.StdEncoding.EncodeToString(opts.Content),
		SHA:     opts.SHA,
		Branch:  opts.Branch,
	}

	var resp struct {
		Content *Contents `json:"content"`
	}
	p := fmt.Sprintf("/repos/%s/%s/contents/%s", owner, repo, escapePath(path))
	if err := c.do(ctx, http.MethodPut, p, body, &resp); err != nil {
		return nil, err
	}
	return resp.Content, nil
}

// RateLimit queries the rate-limit status endpoint for the core resource.
func (c *Client) RateLimit(ctx context.Context) (*RateLimitInfo, error) {
	var resp struct {
		Resources struct {
			Core RateLimitInfo `json:"core"`
		} `json:"resources"`
	}
	if err := c.do(ctx, http.MethodGet, "/rate_limit", nil, &resp); err != nil {
		return nil, err
	}
	resp.Resources.Core.Resource = "core"
	return &resp.Resources.Core, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	c.updateRateLimit(resp.Header)

	if resp.StatusCode >= 400 {
		return c.errorFromResponse(resp, method, path)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func (c *Client) errorFromResponse(resp *http.Response, method, path string) error {
	var payload struct {
		Message string `json:"message"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	_ = json.Unmarshal(raw, &payload)
	if payload.Message == "" {
		payload.Message = http.StatusText(resp.StatusCode)
	}

	apiErr := APIError{
		Status:  resp.StatusCode,
		Message: payload.Message,
		URL:     method + " " + path,
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return &NotFoundError{APIError: apiErr}
	case resp.StatusCode == http.StatusTooManyRequests, secondaryRateLimit(resp):
		c.log.Printf("rate limited on %s %s (retry-after %q)", method, path, resp.Header.Get("Retry-After"))
		return &RateLimitError{
			APIError:          apiErr,
			RetryAfterSeconds: retryAfterSeconds(resp.Header),
			Info:              c.RateLimitInfo(),
		}
	case resp.StatusCode >= 500:
		return &ServerError{APIError: apiErr}
	default:
		return &apiErr
	}
}

// secondaryRateLimit detects the API's abuse-protection signal: a 403 with
// either retry guidance or an exhausted quota.
func secondaryRateLimit(resp *http.Response) bool {
	if resp.StatusCode != http.StatusForbidden {
		return false
	}
	if resp.Header.Get("Retry-After") != "" {
		return true
	}
	return resp.Header.Get("X-Ratelimit-Remaining") == "0"
}

func retryAfterSeconds(h http.Header) int {
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			return secs
		}
	}
	if v := h.Get("X-Ratelimit-Reset"); v != "" {
		if reset, err := strconv.ParseInt(v, 10, 64); err == nil {
			if secs := reset - time.Now().Unix(); secs > 0 {
				return int(secs)
			}
		}
	}
	return 0
}

func (c *Client) updateRateLimit(h http.Header) {
	if h.Get("X-Ratelimit-Limit") == "" {
		return
	}

	info := &RateLimitInfo{
		Limit:     atoi(h.Get("X-Ratelimit-Limit")),
		Remaining: atoi(h.Get("X-Ratelimit-Remaining")),
		Used:      atoi(h.Get("X-Ratelimit-Used")),
		Resource:  h.Get("X-Ratelimit-Resource"),
	}
	info.Reset, _ = strconv.ParseInt(h.Get("X-Ratelimit-Reset"), 10, 64)

	c.mu.Lock()
	c.rateLimit = info
	c.mu.Unlock()
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func escapePath(p string) string {
	parts := strings.Split(p, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}
