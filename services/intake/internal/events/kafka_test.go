package events

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/amitpaz1/formbridge/pkg/domain"

	"github.com/segmentio/kafka-go"
)

type fakeWriter struct {
	msgs   []kafka.Message
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaEmitterKeysBySubmission(t *testing.T) {
	fw := &fakeWriter{}
	k := &KafkaEmitter{w: fw}
	ev := testEvent(domain.EventSubmissionCreated)
	if err := k.Emit(context.Background(), ev); err != nil {
		t.Fatalf("Emit err: %v", err)
	}
	if len(fw.msgs) != 1 {
		t.Fatalf("expected one message, got %d", len(fw.msgs))
	}
	msg := fw.msgs[0]
	if string(msg.Key) != "sub_1" {
		t.Fatalf("unexpected key %q", msg.Key)
	}
	if len(msg.Headers) == 0 || msg.Headers[0].Key != "event-type" || string(msg.Headers[0].Value) != "submission.created" {
		t.Fatalf("unexpected headers: %+v", msg.Headers)
	}
	var decoded map[string]any
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded["type"] != "submission.created" || decoded["submissionId"] != "sub_1" {
		t.Fatalf("unexpected body: %v", decoded)
	}
	if err := k.Close(); err != nil || !fw.closed {
		t.Fatalf("expected writer closed")
	}
}
