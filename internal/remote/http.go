package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPClient 基于 REST 行式 API 的 Client 实现（PostgREST 风格的
// eq. 过滤与 on_conflict 合并语义）
// HTTPClient implements Client over a PostgREST-style REST row API:
// eq. filters in the query string, merge-duplicates upserts keyed by
// the on_conflict columns.
type HTTPClient struct {
	base   string
	apiKey string
	token  string
	hc     *http.Client
}

func NewHTTPClient(baseURL, apiKey, bearerToken string, timeout time.Duration) (*HTTPClient, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("remote base url is empty")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		base:   baseURL,
		apiKey: apiKey,
		token:  bearerToken,
		hc:     &http.Client{Timeout: timeout},
	}, nil
}

func (c *HTTPClient) Select(ctx context.Context, f Filter) ([]Row, error) {
	req, err := c.newRequest(ctx, http.MethodGet, f, "", nil)
	if err != nil {
		return nil, err
	}
	body, err := c.do(req, http.StatusOK)
	if err != nil {
		return nil, err
	}
	var rows []Row
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("decode rows: %w", err)
	}
	return rows, nil
}

func (c *HTTPClient) Upsert(ctx context.Context, row Row, conflictKey string) error {
	payload, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("marshal row: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, Filter{}, conflictKey, payload)
	if err != nil {
		return err
	}
	// 更新式合并而非插入重复行 / update-in-place, not insert-duplicate
	req.Header.Set("Prefer", "resolution=merge-duplicates")
	_, err = c.do(req, http.StatusCreated, http.StatusOK, http.StatusNoContent)
	return err
}

func (c *HTTPClient) Update(ctx context.Context, f Filter, p Patch) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal patch: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPatch, f, "", payload)
	if err != nil {
		return err
	}
	_, err = c.do(req, http.StatusOK, http.StatusNoContent)
	return err
}

func (c *HTTPClient) Delete(ctx context.Context, f Filter) error {
	req, err := c.newRequest(ctx, http.MethodDelete, f, "", nil)
	if err != nil {
		return err
	}
	_, err = c.do(req, http.StatusOK, http.StatusNoContent)
	return err
}

func (c *HTTPClient) newRequest(ctx context.Context, method string, f Filter, conflictKey string, body []byte) (*http.Request, error) {
	q := url.Values{}
	if f.ID != "" {
		q.Set("id", "eq."+f.ID)
	}
	if f.URLID != "" {
		q.Set("url_id", "eq."+f.URLID)
	}
	if f.OwnerID != nil {
		q.Set("owner_id", "eq."+*f.OwnerID)
	}
	if conflictKey != "" {
		q.Set("on_conflict", conflictKey)
	}
	endpoint := c.base + "/chats"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *HTTPClient) do(req *http.Request, okStatus ...int) ([]byte, error) {
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrUnreachable, err)
	}

	for _, status := range okStatus {
		if resp.StatusCode == status {
			return body, nil
		}
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, fmt.Errorf("%w: status %d", ErrUnauthorized, resp.StatusCode)
	case http.StatusConflict:
		return nil, fmt.Errorf("%w: %s", ErrConflict, strings.TrimSpace(string(body)))
	default:
		return nil, fmt.Errorf("remote %s %s: status %d: %s",
			req.Method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
}
