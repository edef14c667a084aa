package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/md-rashed-zaman/slotengine/libs/kafkax"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type Handler func(ctx context.Context, msg kafka.Message) error

// MessageReader is the part of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Deduplicator interface {
	Record(ctx context.Context, eventID, eventType string) (bool, error)
	Forget(ctx context.Context, eventID string) error
}

type Config struct {
	Brokers string
	GroupID string
	Topics  []string
}

type Consumer struct {
	reader  MessageReader
	inbox   Deduplicator
	handler Handler
	logger  *slog.Logger
}

// NewConsumer returns nil when no brokers or topics are configured.
func NewConsumer(logger *slog.Logger, inbox Deduplicator, cfg Config, handler Handler) *Consumer {
	brokers := kafkax.SplitBrokers(cfg.Brokers)
	if len(brokers) == 0 || len(cfg.Topics) == 0 {
		return nil
	}
	if cfg.GroupID == "" {
		cfg.GroupID = "availability-service"
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		GroupID:     cfg.GroupID,
		GroupTopics: cfg.Topics,
		MinBytes:    1,
		MaxBytes:    10e6,
	})
	return &Consumer{reader: reader, inbox: inbox, handler: handler, logger: logger}
}

func (c *Consumer) Run(ctx context.Context) {
	defer c.reader.Close()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("kafka fetch error", "err", err)
			time.Sleep(time.Second)
			continue
		}

		c.handle(ctx, msg)
		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.logger.Error("kafka commit error", "err", err, "topic", msg.Topic, "offset", msg.Offset)
		}
	}
}

// handle applies msg at most once. A failing handler is logged and the message is
// committed anyway; its inbox entry is dropped so an operator replay applies it again.
func (c *Consumer) handle(ctx context.Context, msg kafka.Message) {
	ctxMsg := kafkax.ExtractTraceContext(ctx, msg)
	ctxSpan, span := otel.Tracer("kafka").Start(ctxMsg, "kafka.consume",
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", msg.Topic),
		),
	)
	defer span.End()

	meta := kafkax.ExtractEventMeta(msg)
	log := c.logger.With("event_id", meta.EventID, "event_type", meta.EventType)

	ok, err := c.inbox.Record(ctxSpan, meta.EventID, meta.EventType)
	if err != nil {
		log.Error("inbox record failed", "err", err)
		span.RecordError(err)
		return
	}
	if !ok {
		log.Info("duplicate event ignored")
		return
	}

	if err := c.handler(ctxSpan, msg); err != nil {
		log.Error("event handler failed", "err", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if ferr := c.inbox.Forget(ctxSpan, meta.EventID); ferr != nil {
			log.Warn("inbox forget failed", "err", ferr)
		}
	}
}
