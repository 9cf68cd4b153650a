package blocks

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/leadstitch/flowline/internal/engine"
	"github.com/leadstitch/flowline/pkg/schema"
)

// HTTPConfig configures the http block.
type HTTPConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
)

// HTTPBlock calls external endpoints. Live calls compose a connection-level
// retry (config "retry" policy) inside a per-host circuit breaker; in demo
// and test modes the block serves the configured mock fixture instead of
// touching the network.
type HTTPBlock struct {
	config   HTTPConfig
	breakers *engine.CircuitBreakerRegistry
	logger   *slog.Logger
}

// NewHTTPBlock creates an http block instance.
func NewHTTPBlock(cfg HTTPConfig, breakers *engine.CircuitBreakerRegistry, logger *slog.Logger) *HTTPBlock {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &HTTPBlock{config: cfg, breakers: breakers, logger: logger}
}

func (b *HTTPBlock) Execute(ctx context.Context, config map[string]any, input any, ec *engine.Context) (any, error) {
	rawURL := stringParam(config, "url", "")
	if rawURL == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "http: missing required config 'url'")
	}
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "http: invalid url %q", rawURL)
	}

	if ec.Mode.IsMock() {
		return b.mockResponse(config, rawURL)
	}

	policy := retryPolicyParam(config, "retry")
	condition := func(err error, attempt int) bool {
		return engine.IsRetryableError(err, policy.RetryableMatches)
	}
	retrier := engine.NewRetryExecutor(policy, condition, b.logger)
	breaker := b.breakers.Get(u.Host)

	return breaker.Execute(ctx, func(ctx context.Context) (any, error) {
		return retrier.Execute(ctx, func(ctx context.Context) (any, error) {
			return b.doRequest(ctx, config, rawURL)
		})
	})
}

// mockResponse serves the configured fixture. Without one, a neutral
// stand-in response is returned so demo runs still flow data downstream.
func (b *HTTPBlock) mockResponse(config map[string]any, rawURL string) (any, error) {
	if fixture, ok := config["mockResponse"]; ok {
		if m, isMap := fixture.(map[string]any); isMap {
			if _, hasStatus := m["status_code"]; hasStatus {
				return m, nil
			}
			return map[string]any{
				"status_code": 200,
				"status":      "200 OK",
				"body":        m,
				"mocked":      true,
			}, nil
		}
		return fixture, nil
	}
	return map[string]any{
		"status_code": 200,
		"status":      "200 OK",
		"body":        map[string]any{"url": rawURL},
		"mocked":      true,
	}, nil
}

func (b *HTTPBlock) doRequest(ctx context.Context, config map[string]any, rawURL string) (any, error) {
	method := strings.ToUpper(stringParam(config, "method", "GET"))
	bodyEncoding := stringParam(config, "bodyEncoding", "json")
	followRedirects := boolParam(config, "followRedirects", true)
	maxRedirects := intParam(config, "maxRedirects", 10)
	tlsSkipVerify := boolParam(config, "tlsSkipVerify", false)
	failOnErrorStatus := boolParam(config, "failOnErrorStatus", true)

	timeout := b.config.DefaultTimeout
	if ts := stringParam(config, "timeout", ""); ts != "" {
		if d, err := time.ParseDuration(ts); err == nil {
			timeout = d
		}
	}

	var bodyReader io.Reader
	var contentType string
	if rawBody, ok := config["body"]; ok && rawBody != nil {
		switch bodyEncoding {
		case "form":
			if formData, ok := rawBody.(map[string]any); ok {
				vals := url.Values{}
				for k, v := range formData {
					vals.Set(k, fmt.Sprintf("%v", v))
				}
				bodyReader = strings.NewReader(vals.Encode())
				contentType = "application/x-www-form-urlencoded"
			}
		case "text":
			bodyReader = strings.NewReader(fmt.Sprintf("%v", rawBody))
			contentType = "text/plain"
		case "raw":
			bodyReader = strings.NewReader(fmt.Sprintf("%v", rawBody))
		default: // json
			encoded, err := json.Marshal(rawBody)
			if err != nil {
				return nil, schema.NewError(schema.ErrCodeExecution, "http: failed to marshal body as JSON").WithCause(err)
			}
			bodyReader = strings.NewReader(string(encoded))
			contentType = "application/json"
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, rawURL, bodyReader)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "http: failed to create request").WithCause(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range stringMapParam(config, "headers") {
		req.Header.Set(k, v)
	}
	applyAuth(req, mapParam(config, "auth"))

	// Always build a fresh client so per-node TLS and redirect settings
	// never mutate shared state.
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if tlsSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	client := &http.Client{Transport: transport}

	if !followRedirects {
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}
	} else if maxRedirects > 0 {
		limit := maxRedirects
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			if len(via) >= limit {
				return fmt.Errorf("stopped after %d redirects", limit)
			}
			return nil
		}
	}

	start := time.Now()
	resp, err := client.Do(req)
	durationMs := time.Since(start).Milliseconds()
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "http: request failed: %v", err).WithCause(err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, b.config.MaxResponseBody))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "http: failed to read response body").WithCause(err)
	}

	respContentType := resp.Header.Get("Content-Type")
	var parsedBody any
	switch {
	case len(bodyBytes) == 0:
		parsedBody = nil
	case strings.Contains(respContentType, "application/json"):
		var jsonBody any
		if err := json.Unmarshal(bodyBytes, &jsonBody); err == nil {
			parsedBody = jsonBody
		} else {
			parsedBody = string(bodyBytes)
		}
	default:
		parsedBody = string(bodyBytes)
	}

	respHeaders := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		respHeaders[k] = resp.Header.Get(k)
	}

	result := map[string]any{
		"status_code":  resp.StatusCode,
		"status":       resp.Status,
		"headers":      respHeaders,
		"body":         parsedBody,
		"content_type": respContentType,
		"duration_ms":  durationMs,
	}

	if failOnErrorStatus && resp.StatusCode >= 400 {
		code := schema.ErrCodeValidation
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			// 5xx and 429 responses phrase their message to match the
			// transient-error heuristics so retry policies kick in.
			code = schema.ErrCodeExecution
			return nil, schema.NewErrorf(code, "http: server temporarily unavailable, returned %d", resp.StatusCode).
				WithDetails(result)
		}
		return nil, schema.NewErrorf(code, "http: request rejected with status %d", resp.StatusCode).
			WithDetails(result)
	}

	return result, nil
}

func applyAuth(req *http.Request, auth map[string]any) {
	if auth == nil {
		return
	}
	switch stringParam(auth, "type", "") {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+stringParam(auth, "token", ""))
	case "basic":
		req.SetBasicAuth(stringParam(auth, "username", ""), stringParam(auth, "password", ""))
	case "api_key":
		if name := stringParam(auth, "headerName", ""); name != "" {
			req.Header.Set(name, stringParam(auth, "headerValue", ""))
		}
	}
}

// retryPolicyParam decodes a retry policy out of block config; absent means
// no block-level retries (the core executor may still retry the whole call).
func retryPolicyParam(m map[string]any, key string) schema.RetryPolicy {
	raw, ok := m[key]
	if !ok {
		return schema.RetryPolicy{}
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return schema.RetryPolicy{}
	}
	var p schema.RetryPolicy
	if err := json.Unmarshal(encoded, &p); err != nil {
		return schema.RetryPolicy{}
	}
	return p
}
