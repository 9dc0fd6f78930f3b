package events

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/amitpaz1/formbridge/pkg/domain"
)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func testEvent(typ domain.EventType) domain.IntakeEvent {
	sub := &domain.Submission{ID: "sub_1", IntakeID: "intake_1", State: domain.StateDraft}
	return domain.NewEvent(typ, sub, domain.Actor{Kind: domain.ActorAgent, ID: "agent_1"}, domain.SubmissionCreated{Fields: []string{"name"}}, time.Now())
}

func TestBusFansOutToSinksAndSubscribers(t *testing.T) {
	rec := &Recorder{}
	bus := NewBus(quietLogger(), rec)

	var all, filtered int
	bus.Subscribe(func(context.Context, domain.IntakeEvent) { all++ })
	bus.Subscribe(func(context.Context, domain.IntakeEvent) { filtered++ }, domain.EventDeliverySucceeded)

	if err := bus.Emit(context.Background(), testEvent(domain.EventSubmissionCreated)); err != nil {
		t.Fatalf("Emit err: %v", err)
	}
	if err := bus.Emit(context.Background(), testEvent(domain.EventDeliverySucceeded)); err != nil {
		t.Fatalf("Emit err: %v", err)
	}
	if len(rec.Events()) != 2 || all != 2 || filtered != 1 {
		t.Fatalf("unexpected fan-out: recorded=%d all=%d filtered=%d", len(rec.Events()), all, filtered)
	}
}

func TestBusSurvivesFailingSinksAndPanickingSubscribers(t *testing.T) {
	rec := &Recorder{}
	failing := EmitterFunc(func(context.Context, domain.IntakeEvent) error { return errors.New("sink down") })
	panicking := EmitterFunc(func(context.Context, domain.IntakeEvent) error { panic("boom") })
	bus := NewBus(quietLogger(), failing, panicking, rec)
	bus.Subscribe(func(context.Context, domain.IntakeEvent) { panic("subscriber boom") })

	err := bus.Emit(context.Background(), testEvent(domain.EventFieldsUpdated))
	if err == nil {
		t.Fatalf("expected joined sink errors")
	}
	if len(rec.Events()) != 1 {
		t.Fatalf("expected later sink to still receive the event")
	}
}

func TestSafeConvertsPanics(t *testing.T) {
	err := Safe(context.Background(), quietLogger(), EmitterFunc(func(context.Context, domain.IntakeEvent) error {
		panic("kaboom")
	}), testEvent(domain.EventFieldsUpdated))
	if err == nil {
		t.Fatalf("expected panic converted to error")
	}
	if err := Safe(context.Background(), quietLogger(), nil, testEvent(domain.EventFieldsUpdated)); err != nil {
		t.Fatalf("expected nil emitter to be a no-op, got %v", err)
	}
}

func TestRecorderOfTypeAndList(t *testing.T) {
	rec := &Recorder{}
	_ = rec.Emit(context.Background(), testEvent(domain.EventSubmissionCreated))
	_ = rec.Emit(context.Background(), testEvent(domain.EventFieldsUpdated))
	if got := rec.OfType(domain.EventFieldsUpdated, "sub_1"); len(got) != 1 {
		t.Fatalf("expected one fields.updated event, got %d", len(got))
	}
	if got := rec.OfType(domain.EventFieldsUpdated, "other"); len(got) != 0 {
		t.Fatalf("expected no events for other submission")
	}
	stored, err := rec.List(context.Background(), "sub_1")
	if err != nil {
		t.Fatalf("List err: %v", err)
	}
	if len(stored) != 2 || stored[0].Type != string(domain.EventSubmissionCreated) {
		t.Fatalf("unexpected stored events: %+v", stored)
	}
	if string(stored[0].Payload) != `{"fields":["name"]}` {
		t.Fatalf("unexpected payload: %s", stored[0].Payload)
	}
}
