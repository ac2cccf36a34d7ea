package queue

import (
	"testing"
)

func TestQueueNames(t *testing.T) {
	work := WorkQueueNames()
	if len(work) != 1 || work[0] != "email.batch" {
		t.Fatalf("WorkQueueNames = %v, want [email.batch]", work)
	}

	dlq := DLQNames()
	if len(dlq) != 1 || dlq[0] != "dlq.email.batch" {
		t.Fatalf("DLQNames = %v, want [dlq.email.batch]", dlq)
	}
}

func TestDLQName(t *testing.T) {
	if got := DLQName(BatchQueue); got != "dlq.email.batch" {
		t.Fatalf("DLQName = %s, want dlq.email.batch", got)
	}
}

func TestBatchMessageValidate(t *testing.T) {
	msg := BatchMessage{BatchID: "b1", ClientID: "c1"}
	if err := msg.Validate(); err != nil {
		t.Fatalf("Validate() unexpected error: %v", err)
	}

	msg.BatchID = "  "
	if err := msg.Validate(); err == nil {
		t.Fatal("expected error for empty batch id")
	}
}

func TestNewRabbitMQRequiresURL(t *testing.T) {
	if _, err := NewRabbitMQ(" "); err == nil {
		t.Fatal("expected error for empty url")
	}
}
