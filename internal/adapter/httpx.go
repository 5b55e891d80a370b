package adapter

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/nerv-lab/tachikoma/internal/redact"
	"github.com/nerv-lab/tachikoma/internal/router"
)

// maxBodyBytes caps response bodies read into memory. Config exports can
// be large; anything bigger than this is not a router API response.
const maxBodyBytes = 16 << 20

// classify wraps a transport failure with the operation context.
func classify(err error, op string) *router.Error {
	e := router.ClassifyTransport(err)
	e.Op = op
	return e
}

// HTTPClient wraps http.Client with the conventions shared by the REST
// adapters: cookie jar for session auth, optional TLS verification skip,
// JSON helpers, and error classification into the command taxonomy.
type HTTPClient struct {
	client  *http.Client
	baseURL string
	headers map[string]string
}

// NewHTTPClient builds a client for one target base URL. The cookie jar
// carries session cookies across the login/call sequence REST vendors use.
func NewHTTPClient(baseURL string, insecureSkipVerify bool, timeout time.Duration) *HTTPClient {
	jar, _ := cookiejar.New(nil)
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		client: &http.Client{
			Jar:     jar,
			Timeout: timeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: insecureSkipVerify},
			},
			// Login endpoints answer with redirects; follow them but keep
			// cookies scoped to the target.
		},
		baseURL: strings.TrimRight(baseURL, "/"),
		headers: make(map[string]string),
	}
}

// SetHeader adds a header to every subsequent request (API keys, CSRF
// tokens).
func (c *HTTPClient) SetHeader(key, value string) {
	c.headers[key] = value
}

// BaseURL returns the configured base URL.
func (c *HTTPClient) BaseURL() string { return c.baseURL }

// GetJSON issues a GET and decodes the JSON response into out.
func (c *HTTPClient) GetJSON(ctx context.Context, path string, out any) error {
	return c.doJSON(ctx, http.MethodGet, path, nil, out)
}

// PostJSON issues a POST with a JSON body and decodes the response.
func (c *HTTPClient) PostJSON(ctx context.Context, path string, body, out any) error {
	return c.doJSON(ctx, http.MethodPost, path, body, out)
}

// PutJSON issues a PUT with a JSON body and decodes the response.
func (c *HTTPClient) PutJSON(ctx context.Context, path string, body, out any) error {
	return c.doJSON(ctx, http.MethodPut, path, body, out)
}

// DeleteJSON issues a DELETE and decodes the response if out is non-nil.
func (c *HTTPClient) DeleteJSON(ctx context.Context, path string, out any) error {
	return c.doJSON(ctx, http.MethodDelete, path, nil, out)
}

func (c *HTTPClient) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return router.E(router.ErrValidationFailed, fmt.Sprintf("encode request: %v", err), err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return router.E(router.ErrValidationFailed, fmt.Sprintf("build request: %v", err), err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return classify(err, method+" "+path)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return classify(err, method+" "+path)
	}

	if e := router.ClassifyHTTPStatus(resp.StatusCode); e != nil {
		e.Op = method + " " + path
		// Body excerpts help diagnose vendor errors but may echo secrets.
		if len(data) > 0 {
			excerpt := string(data)
			if len(excerpt) > 256 {
				excerpt = excerpt[:256]
			}
			e.Msg = e.Msg + ": " + redact.Sanitize(excerpt)
		}
		return e
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return router.E(router.ErrValidationFailed, fmt.Sprintf("decode %s %s response: %v", method, path, err), err)
	}
	return nil
}

// PostForm issues a POST with form-encoded values, the login style of the
// older firmware UIs. Returns the raw body and status code without
// classification, because fingerprint probes read failures as data.
func (c *HTTPClient) PostForm(ctx context.Context, path string, values url.Values) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(values.Encode()))
	if err != nil {
		return 0, nil, router.E(router.ErrValidationFailed, fmt.Sprintf("build request: %v", err), err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, classify(err, "POST "+path)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return resp.StatusCode, nil, classify(err, "POST "+path)
	}
	return resp.StatusCode, data, nil
}

// PostRaw issues a POST with an opaque body (SOAP envelopes) and returns
// the status and response body unclassified.
func (c *HTTPClient) PostRaw(ctx context.Context, path string, body []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, nil, router.E(router.ErrValidationFailed, fmt.Sprintf("build request: %v", err), err)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, classify(err, "POST "+path)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return resp.StatusCode, nil, classify(err, "POST "+path)
	}
	return resp.StatusCode, data, nil
}

// GetRaw issues a GET and returns status, headers, and body unclassified.
// Detection probes use this: a 401 from the right endpoint is a match, not
// an error.
func (c *HTTPClient) GetRaw(ctx context.Context, path string) (int, http.Header, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return 0, nil, nil, router.E(router.ErrValidationFailed, fmt.Sprintf("build request: %v", err), err)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, nil, classify(err, "GET "+path)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return resp.StatusCode, resp.Header, nil, classify(err, "GET "+path)
	}
	return resp.StatusCode, resp.Header, data, nil
}
