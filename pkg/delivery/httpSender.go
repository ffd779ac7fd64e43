package delivery

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	json "github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/zoff-tech/go-reminder-outbox/pkg/config"
)

const providerHTTP = "http"

// httpSender posts messages to a transactional email API.
type httpSender struct {
	client   *http.Client
	endpoint string
	apiKey   string
	from     string
	logger   *zap.Logger
	tracer   trace.Tracer
}

type httpSendRequest struct {
	From    string            `json:"from,omitempty"`
	To      string            `json:"to"`
	Subject string            `json:"subject"`
	HTML    string            `json:"html,omitempty"`
	Text    string            `json:"text,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

type httpSendResponse struct {
	ID string `json:"id"`
}

func newHTTPSender(settings config.SenderSettings, client *http.Client, logger *zap.Logger) *httpSender {
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &httpSender{
		client:   client,
		endpoint: settings.Endpoint,
		apiKey:   settings.APIKey,
		from:     settings.From,
		logger:   logger.With(zap.String("sender", providerHTTP)),
		tracer:   otel.Tracer(tracerName),
	}
}

func (h *httpSender) Send(ctx context.Context, msg Message) Result {
	ctx, span := h.tracer.Start(ctx, "Send", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	if err := checkMessage(msg); err != nil {
		span.RecordError(err)
		return Permanent(err)
	}
	body, err := json.Marshal(httpSendRequest{
		From:    h.from,
		To:      msg.To,
		Subject: msg.Subject,
		HTML:    msg.HTML,
		Text:    msg.Text,
		Headers: msg.Headers,
	})
	if err != nil {
		return Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiKey)
	}
	for k, v := range msg.Headers {
		req.Header.Set(k, v)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := h.client.Do(req)
	if err != nil {
		span.RecordError(err)
		return Retryable(fmt.Errorf("email api: %w", err))
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var decoded httpSendResponse
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &decoded); err != nil {
				h.logger.Debug("email api returned a non-json body", zap.Error(err))
			}
		}
		if decoded.ID == "" {
			decoded.ID = resp.Header.Get("X-Message-Id")
		}
		return Success(decoded.ID, providerHTTP)
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusRequestTimeout:
		return Retryable(fmt.Errorf("email api: %s: %s", resp.Status, bytes.TrimSpace(raw)))
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		err := fmt.Errorf("email api: %s: %s", resp.Status, bytes.TrimSpace(raw))
		span.RecordError(err)
		return Permanent(err)
	default:
		err := fmt.Errorf("email api: %s: %s", resp.Status, bytes.TrimSpace(raw))
		span.RecordError(err)
		return Retryable(err)
	}
}

func (h *httpSender) Close() error {
	h.client.CloseIdleConnections()
	return nil
}
