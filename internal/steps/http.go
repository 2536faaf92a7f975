package steps

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/pms/internal/delegate"
	"github.com/rendis/pms/internal/engine"
	"github.com/rendis/pms/pkg/schema"
)

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
)

// HTTPConfig configures the http task handler.
type HTTPConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
}

const httpSchema = `{
  "type": "object",
  "properties": {
    "method": {"type": "string", "default": "GET"},
    "url": {"type": "string", "minLength": 1},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "body": {},
    "body_encoding": {"type": "string", "enum": ["json","form","text","raw"], "default": "json"},
    "auth": {
      "type": "object",
      "properties": {
        "type": {"type": "string", "enum": ["bearer","basic","api_key"]},
        "token": {"type": "string"},
        "username": {"type": "string"},
        "password": {"type": "string"},
        "header_name": {"type": "string"},
        "header_value": {"type": "string"}
      }
    },
    "timeout": {"type": "string"},
    "follow_redirects": {"type": "boolean", "default": true},
    "max_redirects": {"type": "integer", "default": 10},
    "tls_skip_verify": {"type": "boolean", "default": false},
    "fail_on_error_status": {"type": "boolean", "default": false}
  },
  "required": ["url"]
}`

type httpAuth struct {
	Type        string `json:"type"`
	Token       string `json:"token"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	HeaderName  string `json:"header_name"`
	HeaderValue string `json:"header_value"`
}

type httpParams struct {
	Method            string            `json:"method"`
	URL               string            `json:"url"`
	Headers           map[string]string `json:"headers"`
	Body              any               `json:"body"`
	BodyEncoding      string            `json:"body_encoding"`
	Auth              *httpAuth         `json:"auth"`
	Timeout           string            `json:"timeout"`
	FollowRedirects   *bool             `json:"follow_redirects"`
	MaxRedirects      *int              `json:"max_redirects"`
	TLSSkipVerify     bool              `json:"tls_skip_verify"`
	FailOnErrorStatus bool              `json:"fail_on_error_status"`
}

func (p httpParams) validate() error {
	if p.URL == "" {
		return schema.NewError(schema.ErrCodeValidation, "http: missing required param 'url'")
	}
	u, err := url.ParseRequestURI(p.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return schema.NewErrorf(schema.ErrCodeValidation, "http: invalid url %q", p.URL)
	}
	return nil
}

// HTTPHandler sends the request a task describes and reports status, headers
// and body. JSON bodies are decoded. With fail_on_error_status set, a 4xx or
// 5xx status fails the task.
func HTTPHandler(cfg HTTPConfig) delegate.Handler {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	return func(ctx context.Context, task engine.TaskRequest) (schema.ResponseData, error) {
		var p httpParams
		if err := json.Unmarshal(task.Payload, &p); err != nil {
			return schema.ResponseData{}, schema.NewErrorf(schema.ErrCodeValidation, "http: decode task: %s", err.Error()).WithCause(err)
		}
		if err := p.validate(); err != nil {
			return schema.ResponseData{}, err
		}

		timeout := cfg.DefaultTimeout
		if task.Timeout > 0 {
			timeout = task.Timeout
		}
		if p.Timeout != "" {
			if d, err := time.ParseDuration(p.Timeout); err == nil {
				timeout = d
			}
		}
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		req, err := newRequest(reqCtx, p)
		if err != nil {
			return schema.ResponseData{}, err
		}

		start := time.Now()
		resp, err := newClient(p).Do(req)
		durationMs := time.Since(start).Milliseconds()
		if err != nil {
			return schema.ResponseData{}, schema.NewErrorf(schema.ErrCodeExecution, "http: request failed: %v", err).WithCause(err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, cfg.MaxResponseBody))
		if err != nil {
			return schema.ResponseData{}, schema.NewErrorf(schema.ErrCodeExecution, "http: read response body").WithCause(err)
		}
		contentType := resp.Header.Get("Content-Type")
		var parsed any
		if len(body) > 0 {
			parsed = string(body)
			if strings.Contains(contentType, "application/json") {
				var v any
				if err := json.Unmarshal(body, &v); err == nil {
					parsed = v
				}
			}
		}
		headers := make(map[string]string, len(resp.Header))
		for k := range resp.Header {
			headers[k] = resp.Header.Get(k)
		}

		payload, err := json.Marshal(map[string]any{
			"status_code":  resp.StatusCode,
			"status":       resp.Status,
			"headers":      headers,
			"body":         parsed,
			"content_type": contentType,
			"duration_ms":  durationMs,
		})
		if err != nil {
			return schema.ResponseData{}, schema.NewErrorf(schema.ErrCodeExecution, "http: marshal output").WithCause(err)
		}

		data := schema.ResponseData{Status: schema.StatusSucceeded, Payload: payload}
		if p.FailOnErrorStatus && resp.StatusCode >= 400 {
			data.Status = schema.StatusFailed
			data.Failure = &schema.FailureInfo{
				Message: fmt.Sprintf("%s %s returned %d", req.Method, p.URL, resp.StatusCode),
				Types:   []schema.FailureType{statusFailure(resp.StatusCode)},
			}
		}
		return data, nil
	}
}

func statusFailure(code int) schema.FailureType {
	switch code {
	case http.StatusUnauthorized:
		return schema.FailureAuthentication
	case http.StatusForbidden:
		return schema.FailureAuthorization
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return schema.FailureTimeout
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		return schema.FailureConnectivity
	}
	return schema.FailureApplication
}

func newRequest(ctx context.Context, p httpParams) (*http.Request, error) {
	method := strings.ToUpper(p.Method)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	var contentType string
	if p.Body != nil {
		switch p.BodyEncoding {
		case "form":
			if form, ok := p.Body.(map[string]any); ok {
				vals := url.Values{}
				for k, v := range form {
					vals.Set(k, fmt.Sprintf("%v", v))
				}
				body = strings.NewReader(vals.Encode())
				contentType = "application/x-www-form-urlencoded"
			}
		case "text":
			body = strings.NewReader(fmt.Sprintf("%v", p.Body))
			contentType = "text/plain"
		case "raw":
			body = strings.NewReader(fmt.Sprintf("%v", p.Body))
		default:
			b, err := json.Marshal(p.Body)
			if err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeExecution, "http: marshal body as JSON").WithCause(err)
			}
			body = strings.NewReader(string(b))
			contentType = "application/json"
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, p.URL, body)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "http: create request").WithCause(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range p.Headers {
		req.Header.Set(k, v)
	}
	if a := p.Auth; a != nil {
		switch a.Type {
		case "bearer":
			req.Header.Set("Authorization", "Bearer "+a.Token)
		case "basic":
			req.SetBasicAuth(a.Username, a.Password)
		case "api_key":
			if a.HeaderName != "" {
				req.Header.Set(a.HeaderName, a.HeaderValue)
			}
		}
	}
	return req, nil
}

// newClient builds a client per request so per-task TLS and redirect
// settings never leak between tasks.
func newClient(p httpParams) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if p.TLSSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	client := &http.Client{Transport: transport}

	follow := p.FollowRedirects == nil || *p.FollowRedirects
	limit := 10
	if p.MaxRedirects != nil {
		limit = *p.MaxRedirects
	}
	switch {
	case !follow:
		client.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	case limit > 0:
		client.CheckRedirect = func(_ *http.Request, via []*http.Request) error {
			if len(via) >= limit {
				return fmt.Errorf("stopped after %d redirects", limit)
			}
			return nil
		}
	}
	return client
}
