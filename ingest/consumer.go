// Package ingest consumes signal events from Kafka, persists them, and
// hands them to the evaluation engine.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/agencyhub/ruleengine/evaluation"
	"github.com/agencyhub/ruleengine/signals"
)

// handleTimeout bounds store-and-evaluate for a single message.
const handleTimeout = 30 * time.Second

// signalEnvelope is the inbound wire shape. ID is optional; one is
// assigned when absent, which keeps idempotence with producers that
// supply their own ids.
type signalEnvelope struct {
	ID       string         `json:"id" validate:"omitempty,uuid4"`
	AgencyID string         `json:"agencyId" validate:"required"`
	Type     string         `json:"type" validate:"required,min=1,max=100"`
	Payload  map[string]any `json:"payload" validate:"required"`
	Context  map[string]any `json:"context"`
}

// IngestMetrics receives ingest outcome counts. The consumer works with a
// nil IngestMetrics.
type IngestMetrics interface {
	SignalIngested()
	IngestFailed()
}

// ConsumerConfig configures the Kafka reader.
type ConsumerConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// Consumer reads signal envelopes off Kafka and runs them through the
// engine. Offsets commit only after a message is fully handled, so a
// crashed worker re-reads its in-flight messages; the engine's evaluation
// idempotence makes the replay harmless.
type Consumer struct {
	reader   *kafka.Reader
	store    signals.Store
	engine   *evaluation.Engine
	validate *validator.Validate
	metrics  IngestMetrics
	logger   *slog.Logger
}

func NewConsumer(cfg ConsumerConfig, store signals.Store, engine *evaluation.Engine, metrics IngestMetrics, logger *slog.Logger) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one Kafka broker is required")
	}
	if cfg.Topic == "" || cfg.GroupID == "" {
		return nil, errors.New("Kafka topic and group id are required")
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.GroupID,
		Topic:          cfg.Topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        time.Second,
		ReadBackoffMin: 100 * time.Millisecond,
		ReadBackoffMax: time.Second,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...), "component", "kafka-reader")
		}),
	})

	return &Consumer{
		reader:   reader,
		store:    store,
		engine:   engine,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		metrics:  metrics,
		logger:   logger,
	}, nil
}

// Run consumes until the context is canceled.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.InfoContext(ctx, "signal consumer started",
		"topic", c.reader.Config().Topic,
		"group", c.reader.Config().GroupID,
	)

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			c.logger.ErrorContext(ctx, "fetch message failed", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
				continue
			}
		}

		if err := c.handleMessage(ctx, msg.Value); err != nil {
			if c.metrics != nil {
				c.metrics.IngestFailed()
			}
			c.logger.ErrorContext(ctx, "handle message failed",
				"error", err,
				"partition", msg.Partition,
				"offset", msg.Offset,
			)
			if !commitAnyway(err) {
				// Leave uncommitted for re-delivery.
				continue
			}
		} else if c.metrics != nil {
			c.metrics.SignalIngested()
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			c.logger.ErrorContext(ctx, "commit offset failed",
				"error", err, "offset", msg.Offset)
		}
	}
}

func (c *Consumer) handleMessage(ctx context.Context, value []byte) error {
	ctx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()

	var envelope signalEnvelope
	if err := json.Unmarshal(value, &envelope); err != nil {
		return fmt.Errorf("%w: %v", errMalformed, err)
	}
	if err := c.validate.Struct(&envelope); err != nil {
		return fmt.Errorf("%w: %v", errMalformed, err)
	}
	if envelope.ID == "" {
		envelope.ID = uuid.NewString()
	}

	sig := &signals.Signal{
		ID:       envelope.ID,
		AgencyID: envelope.AgencyID,
		Type:     envelope.Type,
		Payload:  envelope.Payload,
	}
	if err := c.store.Insert(ctx, sig); err != nil {
		// A re-delivered message finds its signal already stored; continue
		// to evaluation, which is itself idempotent, so the offset commits.
		if !errors.Is(err, signals.ErrSignalExists) {
			return fmt.Errorf("store signal: %w", err)
		}
		c.logger.InfoContext(ctx, "signal already stored, re-evaluating", "signal_id", sig.ID)
	}

	if _, err := c.engine.EvaluateSignal(ctx, sig, envelope.Context); err != nil {
		return fmt.Errorf("evaluate signal: %w", err)
	}
	return nil
}

// errMalformed marks messages that can never succeed; retrying them would
// wedge the partition, so their offsets commit anyway.
var errMalformed = errors.New("malformed signal message")

func commitAnyway(err error) bool {
	return errors.Is(err, errMalformed)
}

// Close shuts down the underlying reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}
