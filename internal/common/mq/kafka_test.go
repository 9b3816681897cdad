package mq

import (
	"context"
	"errors"
	"testing"
	"time"
)

type recordingPublisher struct {
	topics []string
	msgs   []*Message
}

func (p *recordingPublisher) Publish(ctx context.Context, topic string, message *Message) error {
	p.topics = append(p.topics, topic)
	p.msgs = append(p.msgs, message)
	return nil
}

func TestKafkaMessageHeadersSurviveConversion(t *testing.T) {
	in := NewMessage("job-1", []byte(`{"code":"x"}`))
	in.SetHeader("trace_id", "t-1")
	in.MaxRetries = 5
	in.Expiration = 30 * time.Second

	out := fromKafkaMessage(toKafkaMessage("sandbox.requests", in))
	if out.ID != "job-1" || string(out.Body) != `{"code":"x"}` {
		t.Fatalf("unexpected message %+v", out)
	}
	if v, ok := out.GetHeader("trace_id"); !ok || v != "t-1" {
		t.Fatalf("expected user header preserved, got %q", v)
	}
	if out.MaxRetries != 5 || out.Expiration != 30*time.Second {
		t.Fatalf("expected retry metadata preserved, got %+v", out)
	}
	if !out.Timestamp.Equal(in.Timestamp) {
		t.Fatalf("expected timestamp %s, got %s", in.Timestamp, out.Timestamp)
	}
}

func TestDeliverRetriesThenDeadLetters(t *testing.T) {
	calls := 0
	commits := 0
	dlq := &recordingPublisher{}
	handler := func(ctx context.Context, m *Message) error {
		calls++
		return errors.New("busy")
	}
	opts := SubscribeOptions{MaxRetries: 2, RetryDelay: time.Millisecond, DeadLetterTopic: "sandbox.dlq"}

	deliver(context.Background(), NewMessage("m", nil), handler, opts, func(context.Context) error {
		commits++
		return nil
	}, dlq)

	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
	if commits != 1 {
		t.Fatalf("expected a single commit, got %d", commits)
	}
	if len(dlq.topics) != 1 || dlq.topics[0] != "sandbox.dlq" {
		t.Fatalf("expected dead letter publish, got %v", dlq.topics)
	}
}

func TestDeliverDropsExpiredMessages(t *testing.T) {
	m := NewMessage("old", nil)
	m.Timestamp = time.Now().Add(-time.Hour)
	m.Expiration = time.Minute

	called := false
	committed := false
	deliver(context.Background(), m, func(ctx context.Context, m *Message) error {
		called = true
		return nil
	}, SubscribeOptions{MaxRetries: 1}, func(context.Context) error {
		committed = true
		return nil
	}, nil)

	if called {
		t.Fatalf("expired message must not reach the handler")
	}
	if !committed {
		t.Fatalf("expired message must be committed")
	}
}
