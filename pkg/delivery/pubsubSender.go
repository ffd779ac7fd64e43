package delivery

import (
	"context"
	"fmt"

	"cloud.google.com/go/pubsub"
	json "github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/zoff-tech/go-reminder-outbox/pkg/config"
)

const providerPubSub = "gcp-pubsub"

// PubSubSenderCreator defines a function type for creating Pub/Sub senders.
type PubSubSenderCreator func(ctx context.Context, settings config.SenderSettings, logger *zap.Logger, opts ...option.ClientOption) (Sender, error)

// NewPubSubSender is the default implementation of PubSubSenderCreator.
var NewPubSubSender PubSubSenderCreator = func(ctx context.Context, settings config.SenderSettings, logger *zap.Logger, opts ...option.ClientOption) (Sender, error) {
	client, err := pubsub.NewClient(ctx, settings.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Pub/Sub: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &pubSubSender{
		client: client,
		topic:  client.Topic(settings.Topic),
		logger: logger.With(zap.String("sender", providerPubSub)),
		tracer: otel.Tracer(tracerName),
	}, nil
}

type pubSubSender struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	logger *zap.Logger
	tracer trace.Tracer
}

func (p *pubSubSender) Send(ctx context.Context, msg Message) Result {
	ctx, span := p.tracer.Start(ctx, "Send",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			semconv.MessagingSystemGCPPubsub,
			semconv.MessagingDestinationName(p.topic.ID()),
		),
	)
	defer span.End()

	if err := checkMessage(msg); err != nil {
		span.RecordError(err)
		return Permanent(err)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		span.RecordError(err)
		return Permanent(err)
	}

	// Inject the trace context into the message attributes
	attributes := make(map[string]string, len(msg.Headers)+2)
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(attributes))
	for key, value := range msg.Headers {
		attributes[key] = value
	}

	res := p.topic.Publish(ctx, &pubsub.Message{Data: data, Attributes: attributes})
	serverID, err := res.Get(ctx) // wait for server ack
	if err != nil {
		span.RecordError(err)
		return classifyPubSubError(err)
	}

	span.SetAttributes(
		semconv.MessagingMessageID(serverID),
		attribute.Int("messaging.message_payload_size_bytes", len(data)),
	)
	return Success(serverID, providerPubSub)
}

// classifyPubSubError treats configuration and payload errors as permanent.
func classifyPubSubError(err error) Result {
	switch status.Code(err) {
	case codes.InvalidArgument, codes.NotFound, codes.PermissionDenied, codes.FailedPrecondition, codes.Unauthenticated:
		return Permanent(fmt.Errorf("pubsub publish: %w", err))
	default:
		return Retryable(fmt.Errorf("pubsub publish: %w", err))
	}
}

func (p *pubSubSender) Close() error {
	p.topic.Stop()
	return p.client.Close()
}
