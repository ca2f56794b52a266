// Package api is the CRM REST API client. All fetches go through a shared
// retry policy: throttle (429) and server (5xx) failures back off and retry
// within a bounded elapsed time, everything else fails fast.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/johndauphine/crm-pg-loader/internal/config"
	"github.com/johndauphine/crm-pg-loader/internal/logging"
)

// Page is one page of a collection listing.
type Page struct {
	Items []json.RawMessage
	Count int    // total records matching the listing, not the page size
	Next  string // URL of the following page, empty on the last page
}

// HasMore reports whether another page follows this one.
func (p *Page) HasMore() bool {
	return p.Next != "" && len(p.Items) > 0
}

// NextOffset parses the offset query parameter out of the next URL.
// Returns -1 when the URL is absent or carries no usable offset.
func (p *Page) NextOffset() int {
	if p.Next == "" {
		return -1
	}
	u, err := url.Parse(p.Next)
	if err != nil {
		return -1
	}
	raw := u.Query().Get("offset")
	if raw == "" {
		return -1
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return -1
	}
	return n
}

// ListOptions are the paging parameters for ListPage.
type ListOptions struct {
	Limit  int
	Offset int
	Since  time.Time // zero value omits the since filter
	Order  string    // optional sort field; endpoints have their own defaults
}

// Client is an HTTP client for the CRM REST API.
type Client struct {
	baseURL         string
	token           string
	httpClient      *http.Client
	maxRetryElapsed time.Duration
}

// New creates a Client from API settings.
func New(cfg config.APIConfig) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.AccessToken,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSecs) * time.Second,
		},
		maxRetryElapsed: time.Duration(cfg.MaxRetryElapsedSecs) * time.Second,
	}
}

// ListPage fetches one page of resource. The API wraps list results in an
// envelope keyed by the collection name:
//
//	{"contacts": [...], "count": 1234, "next": "https://...?offset=50"}
//
// collection names the envelope key holding the items.
func (c *Client) ListPage(ctx context.Context, resource, collection string, opts ListOptions) (*Page, error) {
	query := url.Values{}
	if opts.Limit > 0 {
		query.Set("limit", strconv.Itoa(opts.Limit))
	}
	query.Set("offset", strconv.Itoa(opts.Offset))
	if !opts.Since.IsZero() {
		query.Set("since", opts.Since.UTC().Format(time.RFC3339))
	}
	if opts.Order != "" {
		query.Set("order", opts.Order)
	}

	body, err := c.getJSON(ctx, resource, query)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", resource, err)
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, &Error{Kind: KindDecode, Message: fmt.Sprintf("parsing %s response: %v", resource, err)}
	}

	page := &Page{}
	if raw, ok := envelope[collection]; ok && string(raw) != "null" {
		if err := json.Unmarshal(raw, &page.Items); err != nil {
			return nil, &Error{Kind: KindDecode, Message: fmt.Sprintf("parsing %s items: %v", resource, err)}
		}
	}
	if raw, ok := envelope["count"]; ok {
		json.Unmarshal(raw, &page.Count)
	}
	if raw, ok := envelope["next"]; ok && string(raw) != "null" {
		json.Unmarshal(raw, &page.Next)
	}
	return page, nil
}

// Get fetches a single record by its upstream id.
func (c *Client) Get(ctx context.Context, resource, id string) (json.RawMessage, error) {
	body, err := c.getJSON(ctx, resource+"/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, fmt.Errorf("fetching %s/%s: %w", resource, id, err)
	}
	return json.RawMessage(body), nil
}

// ListSubresource fetches an unpaginated child collection, like the payments
// hanging off one order. These endpoints return a bare JSON array rather than
// the usual envelope.
func (c *Client) ListSubresource(ctx context.Context, resource, id, sub string) ([]json.RawMessage, error) {
	body, err := c.getJSON(ctx, resource+"/"+url.PathEscape(id)+"/"+sub, nil)
	if err != nil {
		return nil, fmt.Errorf("listing %s for %s/%s: %w", sub, resource, id, err)
	}

	var items []json.RawMessage
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, &Error{Kind: KindDecode, Message: fmt.Sprintf("parsing %s/%s/%s response: %v", resource, id, sub, err)}
	}
	return items, nil
}

// Ping verifies connectivity and the access token by fetching the account
// profile, the cheapest authenticated endpoint the API offers.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.getJSON(ctx, "account/profile", nil); err != nil {
		return fmt.Errorf("pinging API: %w", err)
	}
	return nil
}

// getJSON performs a GET with the shared retry policy and returns the raw body.
func (c *Client) getJSON(ctx context.Context, path string, query url.Values) ([]byte, error) {
	u := c.baseURL + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var body []byte
	operation := func() error {
		b, err := c.doOnce(ctx, u)
		if err != nil {
			if retryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		body = b
		return nil
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 1 * time.Second
	expBackoff.MaxInterval = 60 * time.Second
	expBackoff.MaxElapsedTime = c.maxRetryElapsed

	notify := func(err error, wait time.Duration) {
		logging.Warn("API request failed, retrying in %s: %v", wait.Round(time.Millisecond), err)
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(expBackoff, ctx), notify); err != nil {
		return nil, err
	}
	return body, nil
}

func (c *Client) doOnce(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	logging.Debug("GET %s", u)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting %s: %w", u, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", u, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyResponse(resp.StatusCode, body)
	}
	return body, nil
}

// retryable reports whether a fetch failure is worth retrying. Transport
// errors (timeouts, resets, refused connections) are; classified API errors
// only for throttles and 5xx.
func retryable(err error) bool {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind == KindRateLimited || apiErr.Kind == KindServer
	}
	return true
}

func classifyResponse(status int, body []byte) *Error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}

	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return &Error{Kind: KindAuth, StatusCode: status, Message: "authentication rejected"}
	case status == http.StatusNotFound:
		return &Error{Kind: KindNotFound, StatusCode: status, Message: "resource not found"}
	case status == http.StatusTooManyRequests:
		// A throttle 429 clears on its own; a spent daily quota does not
		// reset until the quota window rolls over, so retrying just burns
		// time. The API names the quota in the body when that is the case.
		if strings.Contains(strings.ToLower(msg), "quota") {
			return &Error{Kind: KindQuotaExhausted, StatusCode: status, Message: "daily API quota exhausted"}
		}
		return &Error{Kind: KindRateLimited, StatusCode: status, Message: "rate limit exceeded"}
	case status >= 500:
		return &Error{Kind: KindServer, StatusCode: status, Message: msg}
	default:
		return &Error{Kind: KindValidation, StatusCode: status, Message: msg}
	}
}
