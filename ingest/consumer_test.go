package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/agencyhub/ruleengine/evaluation"
	"github.com/agencyhub/ruleengine/rules"
	"github.com/agencyhub/ruleengine/signals"
)

func newTestConsumer(t *testing.T) (*Consumer, *signals.InMemoryStore, *rules.InMemoryRuleStore) {
	t.Helper()
	ruleStore := rules.NewInMemoryRuleStore()
	signalStore := signals.NewInMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	engine, err := evaluation.NewEngine(ruleStore, signalStore, evaluation.NewDispatchRegistry(), logger, evaluation.EngineConfig{})
	if err != nil {
		t.Fatalf("NewEngine() failed: %v", err)
	}

	// The reader is only needed by Run; handleMessage is exercised
	// directly.
	return &Consumer{
		store:    signalStore,
		engine:   engine,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
	}, signalStore, ruleStore
}

func TestHandleMessageStoresAndEvaluates(t *testing.T) {
	c, signalStore, _ := newTestConsumer(t)

	body, _ := json.Marshal(map[string]any{
		"agencyId": "agency-a",
		"type":     "usage",
		"payload":  map[string]any{"sessions": 4.0},
	})
	if err := c.handleMessage(context.Background(), body); err != nil {
		t.Fatalf("handleMessage() failed: %v", err)
	}

	window, err := signalStore.ListWindow(context.Background(), "agency-a", "usage", time.Time{})
	if err != nil {
		t.Fatalf("ListWindow() failed: %v", err)
	}
	if len(window) != 1 {
		t.Fatalf("got %d stored signals, want 1", len(window))
	}
	if window[0].ID == "" {
		t.Error("consumer did not assign a signal id")
	}
}

func TestHandleMessageKeepsProducerID(t *testing.T) {
	c, signalStore, _ := newTestConsumer(t)

	body, _ := json.Marshal(map[string]any{
		"id":       "2f9c9a44-9c2f-4d6e-8a3f-0b1c2d3e4f5a",
		"agencyId": "agency-a",
		"type":     "usage",
		"payload":  map[string]any{},
	})
	if err := c.handleMessage(context.Background(), body); err != nil {
		t.Fatalf("handleMessage() failed: %v", err)
	}

	if _, err := signalStore.Get(context.Background(), "2f9c9a44-9c2f-4d6e-8a3f-0b1c2d3e4f5a"); err != nil {
		t.Errorf("signal not stored under the producer id: %v", err)
	}
}

func TestHandleMessageRedelivery(t *testing.T) {
	c, signalStore, _ := newTestConsumer(t)

	body, _ := json.Marshal(map[string]any{
		"id":       "9a1b2c3d-4e5f-4a6b-8c7d-0e1f2a3b4c5d",
		"agencyId": "agency-a",
		"type":     "usage",
		"payload":  map[string]any{"sessions": 2.0},
	})
	if err := c.handleMessage(context.Background(), body); err != nil {
		t.Fatalf("first handleMessage() failed: %v", err)
	}

	// A redelivered message finds its signal already stored; it must still
	// succeed so the offset commits instead of wedging the partition.
	if err := c.handleMessage(context.Background(), body); err != nil {
		t.Fatalf("redelivered handleMessage() failed: %v", err)
	}

	window, err := signalStore.ListWindow(context.Background(), "agency-a", "usage", time.Time{})
	if err != nil {
		t.Fatalf("ListWindow() failed: %v", err)
	}
	if len(window) != 1 {
		t.Errorf("got %d stored signals after redelivery, want 1", len(window))
	}
}

func TestHandleMessageMalformed(t *testing.T) {
	c, _, _ := newTestConsumer(t)

	cases := []struct {
		name string
		body []byte
	}{
		{"not json", []byte("{nope")},
		{"missing agency", mustJSON(map[string]any{"type": "usage", "payload": map[string]any{}})},
		{"missing type", mustJSON(map[string]any{"agencyId": "a", "payload": map[string]any{}})},
		{"missing payload", mustJSON(map[string]any{"agencyId": "a", "type": "usage"})},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := c.handleMessage(context.Background(), tc.body)
			if !errors.Is(err, errMalformed) {
				t.Fatalf("error = %v, want errMalformed", err)
			}
			if !commitAnyway(err) {
				t.Error("malformed messages must still commit")
			}
		})
	}
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
