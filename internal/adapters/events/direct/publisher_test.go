package direct

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/tjfontaine/npc-trainer/internal/core/domain"
	"github.com/tjfontaine/npc-trainer/internal/storage/memory"
)

func TestNewPublisher_NilStorage(t *testing.T) {
	_, err := NewPublisher(nil, nil)
	if err == nil {
		t.Fatal("Expected error for nil storage")
	}
	if err.Error() != "storage provider required" {
		t.Errorf("Unexpected error: %v", err)
	}
}

func TestPublish(t *testing.T) {
	store := memory.New()
	publisher, err := NewPublisher(store, nil)
	if err != nil {
		t.Fatalf("NewPublisher failed: %v", err)
	}
	ctx := context.Background()

	event := &domain.SecurityEvent{
		EventType: domain.EventInputInjection,
		Reason:    "instruction override",
		RiskType:  "instruction_override",
		SessionID: "sess-1",
		TurnID:    2,
		CreatedAt: time.Now(),
	}

	if err := publisher.Publish(ctx, event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if !strings.HasPrefix(event.ID, "sec_") {
		t.Errorf("event id = %q, want sec_ prefix", event.ID)
	}

	events, err := store.ListSecurityEvents(ctx, "sess-1")
	if err != nil {
		t.Fatalf("ListSecurityEvents failed: %v", err)
	}
	if len(events) != 1 || events[0].TurnID != 2 {
		t.Fatalf("events = %+v, want one event for turn 2", events)
	}
}

func TestPublish_KeepsExistingID(t *testing.T) {
	store := memory.New()
	publisher, _ := NewPublisher(store, nil)

	event := &domain.SecurityEvent{ID: "evt-fixed", EventType: domain.EventSemanticJailbreak, SessionID: "s"}
	if err := publisher.Publish(context.Background(), event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if event.ID != "evt-fixed" {
		t.Errorf("event id = %q, want evt-fixed", event.ID)
	}
}

func TestClose(t *testing.T) {
	publisher, _ := NewPublisher(memory.New(), nil)
	if err := publisher.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if err := NewLogPublisher(nil).Close(); err != nil {
		t.Errorf("LogPublisher.Close failed: %v", err)
	}
}
