package mq

import (
	"context"
	"testing"
	"time"
)

func TestToKafkaMessage(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	msg := NewMessage([]byte(`{"grade":42}`))
	msg.ID = "sub-1"
	msg.Timestamp = ts
	msg.SetHeader("event", "submission.completed")

	km := toKafkaMessage("hive.submissions", msg)
	if km.Topic != "hive.submissions" {
		t.Fatalf("unexpected topic: %s", km.Topic)
	}
	if string(km.Key) != "sub-1" {
		t.Fatalf("expected key to be message id, got %q", km.Key)
	}
	if !km.Time.Equal(ts) {
		t.Fatalf("unexpected time: %v", km.Time)
	}
	headers := map[string]string{}
	for _, h := range km.Headers {
		headers[h.Key] = string(h.Value)
	}
	if headers["event"] != "submission.completed" || headers[headerID] != "sub-1" {
		t.Fatalf("unexpected headers: %v", headers)
	}
	if headers[headerTimestamp] != ts.Format(time.RFC3339Nano) {
		t.Fatalf("unexpected timestamp header: %q", headers[headerTimestamp])
	}
}

func TestNewKafkaProducerRequiresBrokers(t *testing.T) {
	if _, err := NewKafkaProducer(KafkaConfig{}); err == nil {
		t.Fatalf("expected error without brokers")
	}
}

func TestKafkaProducerValidation(t *testing.T) {
	p, err := NewKafkaProducer(KafkaConfig{Brokers: []string{"127.0.0.1:1"}})
	if err != nil {
		t.Fatalf("new producer: %v", err)
	}
	defer p.Close()
	ctx := context.Background()
	if err := p.Publish(ctx, "", NewMessage(nil)); err == nil {
		t.Fatalf("expected error for empty topic")
	}
	if err := p.Publish(ctx, "t", nil); err == nil {
		t.Fatalf("expected error for nil message")
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
