package connection

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/yndnr/mailsync-go/internal/infra/buildinfo"
	"github.com/yndnr/mailsync-go/internal/infra/tlsroots"
)

// DefaultTimeout bounds a single request.
const DefaultTimeout = 30 * time.Second

// Options configures an HTTPClient.
type Options struct {
	// CAFile is an extra PEM bundle trusted for https servers.
	CAFile  string
	Timeout time.Duration
}

// HTTPClient provides HTTP communication with the server.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// unixScheme selects the server's local management socket.
const unixScheme = "unix://"

// NewHTTPClient creates a client for server. A bare host:port gets an
// http:// scheme; unix:///path/to/socket dials the local socket.
func NewHTTPClient(server string, opts Options) (*HTTPClient, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if strings.HasPrefix(server, unixScheme) {
		return newUnixClient(strings.TrimPrefix(server, unixScheme), opts)
	}

	baseURL := strings.TrimRight(server, "/")
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		baseURL = "http://" + baseURL
	}
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid server address %q", server)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if u.Scheme == "https" {
		tlsConfig, err := tlsroots.ClientConfigFor(u.Hostname(), opts.CAFile)
		if err != nil {
			return nil, fmt.Errorf("tls config: %w", err)
		}
		transport.TLSClientConfig = tlsConfig
	}

	return &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: opts.Timeout, Transport: transport},
	}, nil
}

func newUnixClient(path string, opts Options) (*HTTPClient, error) {
	if path == "" || !strings.HasPrefix(path, "/") {
		return nil, fmt.Errorf("invalid socket path %q", path)
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = nil
	transport.DialContext = func(ctx context.Context, _, _ string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "unix", path)
	}
	return &HTTPClient{
		baseURL: "http://unix",
		client:  &http.Client{Timeout: opts.Timeout, Transport: transport},
	}, nil
}

// BaseURL returns the base URL of the client.
func (c *HTTPClient) BaseURL() string {
	return c.baseURL
}

// APIError is an error envelope returned by the server.
type APIError struct {
	Status    int
	Code      string
	Message   string
	RequestID string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("request failed with status %d", e.Status)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// IsCode reports whether err is an APIError with code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

type envelope struct {
	Code      string          `json:"code"`
	Message   string          `json:"message"`
	RequestID string          `json:"request_id"`
	Data      json.RawMessage `json:"data"`
}

// Get performs a GET request and decodes the envelope data into target.
func (c *HTTPClient) Get(ctx context.Context, path string, target any) error {
	return c.do(ctx, http.MethodGet, path, nil, target)
}

// Post performs a POST request with an optional JSON body and decodes the
// envelope data into target.
func (c *HTTPClient) Post(ctx context.Context, path string, body, target any) error {
	return c.do(ctx, http.MethodPost, path, body, target)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, target any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", buildinfo.UserAgent("cli"))
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	return parseResponse(resp, target)
}

// parseResponse decodes an envelope. Non-2xx responses become *APIError.
func parseResponse(resp *http.Response, target any) error {
	var env envelope
	decodeErr := json.NewDecoder(resp.Body).Decode(&env)

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		if decodeErr == nil {
			apiErr.Code = env.Code
			apiErr.Message = env.Message
			apiErr.RequestID = env.RequestID
		}
		return apiErr
	}
	if decodeErr != nil {
		return fmt.Errorf("parse response: %w", decodeErr)
	}

	if target != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, target); err != nil {
			return fmt.Errorf("parse response data: %w", err)
		}
	}
	return nil
}

// FolderPath builds /v1/folders/<folder>/<rest...> with each segment
// path-escaped, so nested folders like INBOX/Receipts stay one segment.
func FolderPath(folder string, rest ...string) string {
	var b strings.Builder
	b.WriteString("/v1/folders/")
	b.WriteString(url.PathEscape(folder))
	for _, r := range rest {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(r))
	}
	return b.String()
}
