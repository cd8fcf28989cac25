package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"userportal/pkg/metrics"
)

const (
	defaultTimeout = 15 * time.Second
	maxErrorBody   = 4096

	// RequestIDHeader carries a per-request correlation id.
	RequestIDHeader = "X-Request-ID"
)

// TokenSource yields the bearer credential to attach, or "" for none.
type TokenSource func() string

// Client issues JSON requests against the remote API.
type Client struct {
	baseURL       string
	http          *http.Client
	tokens        TokenSource
	logger        zerolog.Logger
	metrics       *metrics.Metrics
	timeout       time.Duration
	allowInsecure bool
	wrap          func(http.RoundTripper) http.RoundTripper
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithTokenSource sets where the bearer credential is read from on every request.
func WithTokenSource(ts TokenSource) Option {
	return func(c *Client) { c.tokens = ts }
}

// WithLogger sets the request lifecycle logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithMetrics records request counts and latency.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithTimeout bounds each request. Zero or negative keeps the default.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithInsecure permits plain http base URLs.
func WithInsecure(allow bool) Option {
	return func(c *Client) { c.allowInsecure = c.allowInsecure || allow }
}

// WithTransport wraps the client's RoundTripper, e.g. with otelhttp.NewTransport.
func WithTransport(wrap func(http.RoundTripper) http.RoundTripper) Option {
	return func(c *Client) { c.wrap = wrap }
}

// New returns a Client for baseURL. The URL must use https unless insecure HTTP is allowed
// through WithInsecure or PORTAL_ALLOW_INSECURE_HTTP.
func New(baseURL string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("api base url is required")
	}

	c := &Client{
		baseURL:       strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http:          &http.Client{},
		logger:        zerolog.Nop(),
		timeout:       defaultTimeout,
		allowInsecure: allowInsecureHTTP(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := ensureHTTPS(c.baseURL, c.allowInsecure); err != nil {
		return nil, err
	}

	if c.wrap != nil {
		hc := *c.http
		base := hc.Transport
		if base == nil {
			base = http.DefaultTransport
		}
		hc.Transport = c.wrap(base)
		c.http = &hc
	}

	return c, nil
}

// BaseURL returns the normalised API address.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Get decodes the JSON response of GET path into out.
func (c *Client) Get(ctx context.Context, path string, out any) error {
	return c.Do(ctx, http.MethodGet, path, nil, out)
}

// Post sends in as JSON and decodes the response into out.
func (c *Client) Post(ctx context.Context, path string, in, out any) error {
	return c.Do(ctx, http.MethodPost, path, in, out)
}

// Put sends in as JSON and decodes the response into out.
func (c *Client) Put(ctx context.Context, path string, in, out any) error {
	return c.Do(ctx, http.MethodPut, path, in, out)
}

// Delete issues DELETE path and decodes any response body into out.
func (c *Client) Delete(ctx context.Context, path string, out any) error {
	return c.Do(ctx, http.MethodDelete, path, nil, out)
}

// Do sends a request with an optional JSON body. Any failure is returned as *Error.
func (c *Client) Do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	contentType := ""
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return &Error{Kind: KindTransport, Err: fmt.Errorf("marshal request: %w", err)}
		}
		body = bytes.NewReader(payload)
		contentType = "application/json"
	}
	return c.send(ctx, method, c.baseURL+path, body, contentType, out)
}

// File describes one multipart file part.
type File struct {
	Field       string
	Name        string
	ContentType string
	Body        io.Reader
}

// Upload posts f as multipart/form-data to path with the given query parameters. Like Do, any
// failure is returned as *Error.
func (c *Client) Upload(ctx context.Context, path string, query url.Values, f File, out any) error {
	if f.Body == nil {
		return &Error{Kind: KindTransport, Err: errors.New("upload body is required")}
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, f.Field, f.Name))
	if f.ContentType != "" {
		header.Set("Content-Type", f.ContentType)
	} else {
		header.Set("Content-Type", "application/octet-stream")
	}
	part, err := mw.CreatePart(header)
	if err != nil {
		return &Error{Kind: KindTransport, Err: fmt.Errorf("create form part: %w", err)}
	}
	if _, err := io.Copy(part, f.Body); err != nil {
		return &Error{Kind: KindTransport, Err: fmt.Errorf("write form part: %w", err)}
	}
	if err := mw.Close(); err != nil {
		return &Error{Kind: KindTransport, Err: fmt.Errorf("close multipart writer: %w", err)}
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	return c.send(ctx, http.MethodPost, target, &buf, mw.FormDataContentType(), out)
}

func (c *Client) send(ctx context.Context, method, target string, body io.Reader, contentType string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return &Error{Kind: KindTransport, Err: fmt.Errorf("create request: %w", err)}
	}

	requestID := uuid.NewString()
	req.Header.Set("Accept", "application/json")
	req.Header.Set(RequestIDHeader, requestID)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	bearer := false
	if c.tokens != nil {
		if token := strings.TrimSpace(c.tokens()); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
			bearer = true
		}
	}

	logger := c.logger.With().
		Str("method", method).
		Str("path", req.URL.Path).
		Str("request_id", requestID).
		Logger()
	logger.Debug().Bool("bearer", bearer).Msg("request sent")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.ObserveRequest(method, 0, time.Since(start))
		logger.Error().Err(err).Msg("request error")
		return &Error{Kind: KindTransport, Err: err}
	}
	defer resp.Body.Close()

	elapsed := time.Since(start)
	c.metrics.ObserveRequest(method, resp.StatusCode, elapsed)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		apiErr := parseErrorBody(resp.StatusCode, data)
		logger.Error().
			Int("status", resp.StatusCode).
			Dur("duration", elapsed).
			Str("message", apiErr.Message).
			Str("reason", apiErr.Reason).
			Msg("response error")
		return apiErr
	}

	logger.Debug().Int("status", resp.StatusCode).Dur("duration", elapsed).Msg("response received")

	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
			return &Error{Kind: KindDecode, Status: resp.StatusCode, Err: err}
		}
	}

	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		logger.Debug().Err(err).Msg("drain response body")
	}
	return nil
}

type errorBody struct {
	Code    any    `json:"code"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

func parseErrorBody(status int, data []byte) *Error {
	apiErr := &Error{Kind: KindServer, Status: status}

	var body errorBody
	if err := json.Unmarshal(data, &body); err != nil {
		return apiErr
	}
	apiErr.Message = strings.TrimSpace(body.Message)
	apiErr.Reason = strings.TrimSpace(body.Error)
	switch v := body.Code.(type) {
	case string:
		apiErr.Code = v
	case float64:
		apiErr.Code = fmt.Sprintf("%g", v)
	}
	return apiErr
}

func allowInsecureHTTP() bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv("PORTAL_ALLOW_INSECURE_HTTP")))
	switch value {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func ensureHTTPS(raw string, allowInsecure bool) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse api url: %w", err)
	}

	switch parsed.Scheme {
	case "https":
		if parsed.Host == "" {
			return fmt.Errorf("api url missing host: %s", raw)
		}
		return nil
	case "http":
		if !allowInsecure {
			return fmt.Errorf("api url must use https: %s", raw)
		}
		if parsed.Host == "" {
			return fmt.Errorf("api url missing host: %s", raw)
		}
		return nil
	case "":
		return fmt.Errorf("api url must include https scheme")
	default:
		return fmt.Errorf("unsupported api url scheme %q", parsed.Scheme)
	}
}
