package evaluation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/agencyhub/ruleengine/rules"
	"github.com/agencyhub/ruleengine/signals"
)

// actionEvent is the wire shape every outbound dispatcher emits.
type actionEvent struct {
	ActionID     string         `json:"actionId"`
	ActionType   string         `json:"actionType"`
	ActionConfig map[string]any `json:"actionConfig,omitempty"`
	SignalID     string         `json:"signalId"`
	AgencyID     string         `json:"agencyId"`
	SignalType   string         `json:"signalType"`
	Payload      map[string]any `json:"payload"`
	EmittedAt    time.Time      `json:"emittedAt"`
}

func buildActionEvent(action *rules.RuleAction, sig *signals.Signal) actionEvent {
	return actionEvent{
		ActionID:     action.ID,
		ActionType:   action.ActionType,
		ActionConfig: action.ActionConfig,
		SignalID:     sig.ID,
		AgencyID:     sig.AgencyID,
		SignalType:   sig.Type,
		Payload:      sig.Payload,
		EmittedAt:    time.Now(),
	}
}

// KafkaDispatcher publishes action events to a Kafka topic, keyed by
// agency so one tenant's events stay ordered on a partition.
type KafkaDispatcher struct {
	writer *kafka.Writer
}

func NewKafkaDispatcher(brokers []string, topic string) *KafkaDispatcher {
	return &KafkaDispatcher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
		},
	}
}

func (d *KafkaDispatcher) Dispatch(ctx context.Context, action *rules.RuleAction, sig *signals.Signal) error {
	value, err := json.Marshal(buildActionEvent(action, sig))
	if err != nil {
		return fmt.Errorf("encode action event: %w", err)
	}
	err = d.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(sig.AgencyID),
		Value: value,
	})
	if err != nil {
		return fmt.Errorf("publish action event: %w", err)
	}
	return nil
}

func (d *KafkaDispatcher) Close() error {
	return d.writer.Close()
}

// WebhookDispatcher POSTs the action event to the URL in the action's
// config under the "url" key.
type WebhookDispatcher struct {
	client *http.Client
}

func NewWebhookDispatcher(client *http.Client) *WebhookDispatcher {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookDispatcher{client: client}
}

func (d *WebhookDispatcher) Dispatch(ctx context.Context, action *rules.RuleAction, sig *signals.Signal) error {
	url, _ := action.ActionConfig["url"].(string)
	if url == "" {
		return fmt.Errorf("webhook action %s has no url configured", action.ID)
	}

	body, err := json.Marshal(buildActionEvent(action, sig))
	if err != nil {
		return fmt.Errorf("encode action event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("call webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// LogDispatcher writes the action event to the structured log. Useful as
// a default handler and in local development.
type LogDispatcher struct {
	logger *slog.Logger
}

func NewLogDispatcher(logger *slog.Logger) *LogDispatcher {
	return &LogDispatcher{logger: logger}
}

func (d *LogDispatcher) Dispatch(ctx context.Context, action *rules.RuleAction, sig *signals.Signal) error {
	d.logger.InfoContext(ctx, "action dispatched",
		"action_id", action.ID,
		"action_type", action.ActionType,
		"signal_id", sig.ID,
		"agency_id", sig.AgencyID,
	)
	return nil
}
