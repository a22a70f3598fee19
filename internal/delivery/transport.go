package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/rendis/autoflow/internal/store"
	"github.com/rendis/autoflow/pkg/schema"
)

// Transport kinds accepted by NewTransport.
const (
	TransportLog  = "log"
	TransportHTTP = "http"
)

// TransportConfig selects and parameterises a transport.
type TransportConfig struct {
	Kind    string
	URL     string
	Headers map[string]string
	Timeout time.Duration
}

// NewTransport builds the transport named by cfg.Kind.
func NewTransport(cfg TransportConfig, logger *slog.Logger) (Transport, error) {
	switch cfg.Kind {
	case "", TransportLog:
		return NewLogTransport(logger), nil
	case TransportHTTP:
		if cfg.URL == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "http transport requires a relay url")
		}
		return NewHTTPTransport(cfg.URL, cfg.Headers, cfg.Timeout), nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown delivery transport %q", cfg.Kind)
	}
}

// LogTransport writes each message to the logger and reports success.
type LogTransport struct {
	logger *slog.Logger
}

func NewLogTransport(logger *slog.Logger) *LogTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogTransport{logger: logger}
}

func (t *LogTransport) Name() string { return TransportLog }

func (t *LogTransport) Deliver(ctx context.Context, msg *store.OutboundMessage) error {
	t.logger.InfoContext(ctx, "email delivered",
		slog.String("message_id", msg.ID),
		slog.String("execution_id", msg.ExecutionID),
		slog.String("to", msg.To),
		slog.String("from", msg.From),
		slog.String("subject", msg.Subject),
	)
	return nil
}

// HTTPTransport posts each message as JSON to a relay endpoint.
type HTTPTransport struct {
	url     string
	headers map[string]string
	timeout time.Duration
	client  *http.Client
}

const (
	defaultRelayTimeout = 10 * time.Second
	maxRelayErrorBody   = 1024
)

func NewHTTPTransport(url string, headers map[string]string, timeout time.Duration) *HTTPTransport {
	if timeout <= 0 {
		timeout = defaultRelayTimeout
	}
	return &HTTPTransport{
		url:     url,
		headers: headers,
		timeout: timeout,
		client:  &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()},
	}
}

func (t *HTTPTransport) Name() string { return TransportHTTP }

type relayPayload struct {
	ID          string `json:"id"`
	ExecutionID string `json:"execution_id,omitempty"`
	To          string `json:"to"`
	ToName      string `json:"to_name,omitempty"`
	From        string `json:"from,omitempty"`
	Subject     string `json:"subject"`
	Body        string `json:"body"`
}

func (t *HTTPTransport) Deliver(ctx context.Context, msg *store.OutboundMessage) error {
	b, err := json.Marshal(relayPayload{
		ID:          msg.ID,
		ExecutionID: msg.ExecutionID,
		To:          msg.To,
		ToName:      msg.ToName,
		From:        msg.From,
		Subject:     msg.Subject,
		Body:        msg.Body,
	})
	if err != nil {
		return fmt.Errorf("marshal relay payload: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, t.url, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("build relay request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("relay request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxRelayErrorBody))
		return fmt.Errorf("relay returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
