package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/streadway/amqp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/zoff-tech/go-reminder-outbox/pkg/config"
)

const providerRabbitMQ = "rabbitmq"

type RabbitMQSenderCreator func(ctx context.Context, settings config.SenderSettings, logger *zap.Logger) (Sender, error)

var NewRabbitMqSender RabbitMQSenderCreator = func(ctx context.Context, settings config.SenderSettings, logger *zap.Logger) (Sender, error) {
	if settings.PoolSize <= 0 {
		return nil, errors.New("poolSize must be greater than 0")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	sender := &rabbitMqSender{
		settings:        settings,
		logger:          logger.With(zap.String("sender", providerRabbitMQ)),
		tracer:          otel.Tracer(tracerName),
		reconnectTicker: time.NewTicker(5 * time.Second),
		stopReconnect:   make(chan struct{}),
	}

	if err := sender.connectAndInitialize(); err != nil {
		sender.reconnectTicker.Stop()
		return nil, err
	}

	go sender.recoverConnection()

	return sender, nil
}

// rabbitMqSender publishes every message to one exchange with publisher confirms on.
// A Send succeeds only once the broker acknowledged the message.
type rabbitMqSender struct {
	mu              sync.Mutex
	connection      *amqp.Connection
	channelPool     chan *pooledChannel
	settings        config.SenderSettings
	logger          *zap.Logger
	tracer          trace.Tracer
	reconnectTicker *time.Ticker
	stopReconnect   chan struct{}
	closeOnce       sync.Once
}

func (r *rabbitMqSender) Send(ctx context.Context, msg Message) Result {
	ctx, span := r.tracer.Start(ctx, "Send",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			semconv.MessagingSystemRabbitmq,
			semconv.MessagingDestinationName(r.settings.Exchange),
			semconv.MessagingRabbitmqDestinationRoutingKey(r.settings.RoutingKey),
		),
	)
	defer span.End()

	if err := checkMessage(msg); err != nil {
		span.RecordError(err)
		return Permanent(err)
	}
	body, err := json.Marshal(msg)
	if err != nil {
		span.RecordError(err)
		return Permanent(err)
	}

	// Inject the trace context into the message headers
	traceHeaders := make(map[string]string)
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(traceHeaders))

	amqpHeaders := make(amqp.Table, len(msg.Headers)+len(traceHeaders))
	for k, v := range msg.Headers {
		amqpHeaders[k] = v
	}
	for k, v := range traceHeaders {
		amqpHeaders[k] = v
	}

	pooledChan, err := r.getChannel()
	if err != nil {
		span.RecordError(err)
		return Retryable(fmt.Errorf("rabbitmq channel: %w", err))
	}

	messageID := uuid.NewString()
	err = pooledChan.channel.Publish(
		r.settings.Exchange, r.settings.RoutingKey, false, false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    messageID,
			Timestamp:    time.Now().UTC(),
			Body:         body,
			Headers:      amqpHeaders,
		},
	)
	if err != nil {
		pooledChan.discard()
		span.RecordError(err)
		return Retryable(fmt.Errorf("rabbitmq publish: %w", err))
	}

	select {
	case confirm, ok := <-pooledChan.confirms:
		if !ok || !confirm.Ack {
			pooledChan.discard()
			err := errors.New("rabbitmq publish not acknowledged")
			span.RecordError(err)
			return Retryable(err)
		}
	case <-ctx.Done():
		// the confirmation may still arrive, so the channel cannot be reused
		pooledChan.discard()
		span.RecordError(ctx.Err())
		return Retryable(ctx.Err())
	}
	r.releaseChannel(pooledChan)

	span.SetAttributes(
		semconv.MessagingMessageID(messageID),
		attribute.Int("messaging.message_payload_size_bytes", len(body)),
	)
	return Success(messageID, providerRabbitMQ)
}

func (r *rabbitMqSender) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.stopReconnect)
		r.reconnectTicker.Stop()

		r.mu.Lock()
		defer r.mu.Unlock()
		drainPool(r.channelPool)
		if r.connection != nil {
			err = r.connection.Close()
		}
	})
	return err
}
