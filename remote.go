package coopsync

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

	"github.com/tidwall/gjson"
)

// ============================================================================
// Remote API
// ============================================================================

// RemoteAPI is the resource-oriented server the core synchronizes with.
// Create and Update return the canonical server object, which must carry the
// server-assigned id.
type RemoteAPI interface {
	List(ctx context.Context, t EntityType) ([]json.RawMessage, error)
	Get(ctx context.Context, t EntityType, id string) (json.RawMessage, error)
	Create(ctx context.Context, t EntityType, body json.RawMessage, idempotencyKey string) (json.RawMessage, error)
	Update(ctx context.Context, t EntityType, id string, body json.RawMessage) (json.RawMessage, error)
	Delete(ctx context.Context, t EntityType, id string) error
}

const (
	DefaultAPIPrefix = "/api"
	DefaultTimeout   = 30 * time.Second
)

// ============================================================================
// HTTPRemote
// ============================================================================

// HTTPRemote implements RemoteAPI over REST: collections live at
// <prefix>/<type> and items at <prefix>/<type>/<id>.
type HTTPRemote struct {
	baseURL    string
	prefix     string
	token      string
	paths      map[EntityType]string
	httpClient *http.Client
}

type RemoteOption func(*HTTPRemote)

func WithToken(token string) RemoteOption {
	return func(c *HTTPRemote) { c.token = token }
}

func WithAPIPrefix(prefix string) RemoteOption {
	return func(c *HTTPRemote) { c.prefix = "/" + strings.Trim(prefix, "/") }
}

// WithPath maps an entity type to a collection path other than its name.
func WithPath(t EntityType, path string) RemoteOption {
	return func(c *HTTPRemote) { c.paths[t] = strings.Trim(path, "/") }
}

func WithTimeout(timeout time.Duration) RemoteOption {
	return func(c *HTTPRemote) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) RemoteOption {
	return func(c *HTTPRemote) { c.httpClient = client }
}

// NewHTTPRemote creates a REST remote rooted at baseURL.
func NewHTTPRemote(baseURL string, opts ...RemoteOption) *HTTPRemote {
	c := &HTTPRemote{
		baseURL: strings.TrimRight(baseURL, "/"),
		prefix:  DefaultAPIPrefix,
		paths:   make(map[EntityType]string),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the server root.
func (c *HTTPRemote) BaseURL() string { return c.baseURL }

// SetToken sets or updates the bearer token.
func (c *HTTPRemote) SetToken(token string) {
	c.token = token
}

func (c *HTTPRemote) collection(t EntityType) string {
	if p, ok := c.paths[t]; ok {
		return c.prefix + "/" + p
	}
	return c.prefix + "/" + string(t)
}

func (c *HTTPRemote) item(t EntityType, id string) string {
	return c.collection(t) + "/" + url.PathEscape(id)
}

func (c *HTTPRemote) List(ctx context.Context, t EntityType) ([]json.RawMessage, error) {
	data, err := c.doRequest(ctx, http.MethodGet, c.collection(t), nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeList(data)
}

func (c *HTTPRemote) Get(ctx context.Context, t EntityType, id string) (json.RawMessage, error) {
	data, err := c.doRequest(ctx, http.MethodGet, c.item(t, id), nil, nil)
	if err != nil {
		return nil, err
	}
	return unwrapObject(data), nil
}

func (c *HTTPRemote) Create(ctx context.Context, t EntityType, body json.RawMessage, idempotencyKey string) (json.RawMessage, error) {
	var headers map[string]string
	if idempotencyKey != "" {
		headers = map[string]string{"Idempotency-Key": idempotencyKey}
	}
	data, err := c.doRequest(ctx, http.MethodPost, c.collection(t), body, headers)
	if err != nil {
		return nil, err
	}
	return unwrapObject(data), nil
}

func (c *HTTPRemote) Update(ctx context.Context, t EntityType, id string, body json.RawMessage) (json.RawMessage, error) {
	data, err := c.doRequest(ctx, http.MethodPut, c.item(t, id), body, nil)
	if err != nil {
		return nil, err
	}
	return unwrapObject(data), nil
}

func (c *HTTPRemote) Delete(ctx context.Context, t EntityType, id string) error {
	_, err := c.doRequest(ctx, http.MethodDelete, c.item(t, id), nil, nil)
	return err
}

// Health checks the server's health endpoint.
func (c *HTTPRemote) Health(ctx context.Context) error {
	_, err := c.doRequest(ctx, http.MethodGet, "/health", nil, nil)
	return err
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *HTTPRemote) doRequest(ctx context.Context, method, path string, body []byte, headers map[string]string) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, decodeAPIError(resp.StatusCode, data)
	}
	return data, nil
}

// decodeAPIError accepts {"error":{"code","message"}}, {"code","message"}
// and plain text bodies.
func decodeAPIError(status int, data []byte) *APIError {
	apiErr := &APIError{StatusCode: status}
	if gjson.ValidBytes(data) {
		root := gjson.ParseBytes(data)
		if e := root.Get("error"); e.IsObject() {
			root = e
		} else if e.Type == gjson.String {
			apiErr.Message = e.String()
		}
		apiErr.Code = root.Get("code").String()
		if m := root.Get("message"); m.Exists() {
			apiErr.Message = m.String()
		}
	} else {
		apiErr.Message = strings.TrimSpace(string(data))
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	return apiErr
}

// decodeList accepts a bare array or a {"data": [...]} envelope.
func decodeList(data []byte) ([]json.RawMessage, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("failed to unmarshal response: invalid json")
	}
	root := gjson.ParseBytes(data)
	if !root.IsArray() {
		root = root.Get("data")
	}
	if !root.IsArray() {
		return nil, fmt.Errorf("failed to unmarshal response: expected a list")
	}
	items := root.Array()
	out := make([]json.RawMessage, 0, len(items))
	for _, it := range items {
		out = append(out, json.RawMessage(it.Raw))
	}
	return out, nil
}

func unwrapObject(data []byte) json.RawMessage {
	if d := gjson.GetBytes(data, "data"); d.IsObject() {
		return json.RawMessage(d.Raw)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	return json.RawMessage(data)
}

// ServerID extracts the server-assigned id from obj.
func ServerID(obj json.RawMessage, field string) (string, bool) {
	res := gjson.GetBytes(obj, field)
	if !res.Exists() || res.String() == "" {
		return "", false
	}
	return res.String(), true
}
