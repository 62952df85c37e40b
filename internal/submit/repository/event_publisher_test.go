package repository

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"testing"

	"hive/pkg/errors"
)

func TestPublishCompletedKeysBySubmission(t *testing.T) {
	t.Parallel()
	producer := &fakeProducer{}
	pub := NewEventPublisher(producer, "hive.submissions")

	err := pub.PublishCompleted(context.Background(), CompletionEvent{
		SubmissionID: "s1", UserID: 7, ProjectID: 3, Grade: 42, Stage: "run",
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if producer.topic != "hive.submissions" || len(producer.messages) != 1 {
		t.Fatalf("unexpected publish: %s %d", producer.topic, len(producer.messages))
	}
	msg := producer.messages[0]
	if msg.ID != "s1" || msg.Headers["type"] != EventSubmissionCompleted {
		t.Fatalf("unexpected message: %+v", msg)
	}
	var event CompletionEvent
	if err := json.Unmarshal(msg.Body, &event); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if event.Grade != 42 || event.CompletedAt.IsZero() {
		t.Fatalf("unexpected event: %+v", event)
	}
}

func TestPublishCompletedErrors(t *testing.T) {
	t.Parallel()
	var nilPub *EventPublisher
	if err := nilPub.PublishCompleted(context.Background(), CompletionEvent{SubmissionID: "s"}); !errors.Is(err, errors.ServiceUnavailable) {
		t.Fatalf("expected ServiceUnavailable, got %v", err)
	}
	pub := NewEventPublisher(&fakeProducer{err: stderrors.New("broker down")}, "t")
	if err := pub.PublishCompleted(context.Background(), CompletionEvent{SubmissionID: "s"}); !errors.Is(err, errors.ServiceUnavailable) {
		t.Fatalf("expected wrapped publish error, got %v", err)
	}
	if err := NewEventPublisher(&fakeProducer{}, "t").PublishCompleted(context.Background(), CompletionEvent{}); !errors.Is(err, errors.ValidationFailed) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestSubmissionFileStorePut(t *testing.T) {
	t.Parallel()
	objects := &fakeObjectStorage{}
	store := NewSubmissionFileStore(objects, "hive")
	if err := store.Put(context.Background(), "s1", []byte("int main(){}")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if string(objects.objects["hive/submissions/s1/user"]) != "int main(){}" {
		t.Fatalf("unexpected objects: %v", objects.objects)
	}

	failing := NewSubmissionFileStore(&fakeObjectStorage{err: stderrors.New("io")}, "hive")
	if err := failing.Put(context.Background(), "s1", nil); !errors.Is(err, errors.StorageError) {
		t.Fatalf("expected StorageError, got %v", err)
	}
}
