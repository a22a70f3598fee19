package steps

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/autoflow/internal/expressions"
	"github.com/rendis/autoflow/internal/store"
	"github.com/rendis/autoflow/pkg/schema"
)

const (
	defaultMaxResponseBody = 1 << 20 // 1MB
	defaultWebhookTimeout  = 10 * time.Second
)

// WebhookConfig configures the webhook executor's HTTP behavior.
type WebhookConfig struct {
	Client          *http.Client
	Breakers        *CircuitBreakerRegistry
	MaxResponseBody int64
	DefaultTimeout  time.Duration
}

// WebhookExecutor performs an outbound HTTP call. Timeouts, transport errors,
// non-2xx responses and an open circuit are step failures.
type WebhookExecutor struct {
	cfg     WebhookConfig
	jq      *expressions.GoJQEngine
	interp  *expressions.Interpolator
	records store.RecordStore
	logger  *slog.Logger
}

func NewWebhookExecutor(cfg WebhookConfig, jq *expressions.GoJQEngine, interp *expressions.Interpolator, records store.RecordStore, logger *slog.Logger) *WebhookExecutor {
	if cfg.Client == nil {
		cfg.Client = &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
	}
	if cfg.Breakers == nil {
		cfg.Breakers = NewCircuitBreakerRegistry(DefaultCircuitBreakerConfig())
	}
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultWebhookTimeout
	}
	if jq == nil {
		jq = expressions.NewGoJQEngine()
	}
	if interp == nil {
		interp = expressions.NewInterpolator(false)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookExecutor{cfg: cfg, jq: jq, interp: interp, records: records, logger: logger}
}

func (e *WebhookExecutor) Type() schema.StepType { return schema.StepTypeWebhook }

func (e *WebhookExecutor) Execute(ctx context.Context, in Input) (*Outcome, error) {
	cfg, ok := in.Config.(*schema.WebhookConfig)
	if !ok {
		return nil, wrongConfig(in, schema.StepTypeWebhook)
	}

	var entity map[string]any
	if e.records != nil {
		rec, err := loadEntity(ctx, e.records, in.Execution)
		if err != nil {
			return nil, err
		}
		entity = recordFields(rec)
	}
	scope := scopeFor(in, entity)

	rawURL, err := e.interp.Render(cfg.URL, scope)
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Failed(fmt.Sprintf("invalid webhook url %q", rawURL), nil), nil
	}
	host := u.Host

	if err := e.cfg.Breakers.AllowRequest(host); err != nil {
		return Failed(err.Error(), map[string]any{"url": rawURL}), nil
	}

	method := strings.ToUpper(cfg.Method)
	if method == "" {
		method = http.MethodPost
	}
	headers, err := e.interp.RenderStrings(cfg.Headers, scope)
	if err != nil {
		return nil, err
	}

	var bodyReader io.Reader
	if cfg.Body != nil {
		body, err := e.interp.RenderValue(cfg.Body, scope)
		if err != nil {
			return nil, err
		}
		b, err := json.Marshal(body)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeExecution, "webhook: failed to marshal body as JSON").WithCause(err)
		}
		bodyReader = bytes.NewReader(b)
	}

	timeout := in.Options.TimeoutOr(e.cfg.DefaultTimeout)
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, rawURL, bodyReader)
	if err != nil {
		return Failed(fmt.Sprintf("webhook: build request: %v", err), nil), nil
	}
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("X-Autoflow-Execution", executionID(in))

	start := time.Now()
	resp, err := e.cfg.Client.Do(req)
	durationMs := time.Since(start).Milliseconds()
	if err != nil {
		e.cfg.Breakers.RecordFailure(host)
		reason := fmt.Sprintf("webhook request failed: %v", err)
		if errors.Is(err, context.DeadlineExceeded) {
			reason = fmt.Sprintf("webhook timed out after %s", timeout)
		}
		return Failed(reason, map[string]any{"url": rawURL, "duration_ms": durationMs}), nil
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, e.cfg.MaxResponseBody))
	if err != nil {
		e.cfg.Breakers.RecordFailure(host)
		return Failed(fmt.Sprintf("webhook: read response: %v", err), nil), nil
	}

	contentType := resp.Header.Get("Content-Type")
	parsed := parseBody(bodyBytes, contentType)
	data := map[string]any{
		"url":          rawURL,
		"method":       method,
		"status_code":  resp.StatusCode,
		"content_type": contentType,
		"body":         parsed,
		"duration_ms":  durationMs,
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		e.cfg.Breakers.RecordFailure(host)
	} else {
		e.cfg.Breakers.RecordSuccess(host)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Failed(fmt.Sprintf("webhook returned %d", resp.StatusCode), data), nil
	}

	if cfg.Extract != "" {
		extracted, err := e.jq.EvaluateValue(ctx, cfg.Extract, parsed)
		if err != nil {
			return Failed(err.Error(), data), nil
		}
		data["extracted"] = extracted
	}

	e.logger.DebugContext(ctx, "webhook called",
		slog.String("url", rawURL),
		slog.Int("status_code", resp.StatusCode),
		slog.Int64("duration_ms", durationMs),
	)
	return Succeeded(data), nil
}

func parseBody(b []byte, contentType string) any {
	if len(b) == 0 {
		return nil
	}
	if strings.Contains(contentType, "json") {
		var v any
		if err := json.Unmarshal(b, &v); err == nil {
			return v
		}
	}
	return string(b)
}
