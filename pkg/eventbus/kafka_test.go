package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"enigmacode/pkg/stream"

	"github.com/segmentio/kafka-go"
)

func TestNewKafkaPublisherValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewKafkaPublisher(KafkaConfig{Topic: "events"}); err == nil {
		t.Fatal("expected error when brokers are missing")
	}
	if _, err := NewKafkaPublisher(KafkaConfig{Brokers: []string{"127.0.0.1:9092"}}); err == nil {
		t.Fatal("expected error when topic is missing")
	}
}

func TestNewKafkaPublisherTrimsBrokerList(t *testing.T) {
	t.Parallel()

	pub, err := NewKafkaPublisher(KafkaConfig{
		Brokers: []string{" ", "127.0.0.1:9092", "\t"},
		Topic:   "events",
	})
	if err != nil {
		t.Fatalf("expected valid publisher config, got error: %v", err)
	}
	if pub == nil {
		t.Fatal("expected publisher")
	}
	if err := pub.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
}

func TestKafkaPublisherNilGuards(t *testing.T) {
	t.Parallel()

	var nilPub *KafkaPublisher
	if err := nilPub.Close(); err != nil {
		t.Fatalf("expected nil close to be a no-op, got: %v", err)
	}
	if err := nilPub.Publish(context.Background(), stream.Event{}); err == nil {
		t.Fatal("expected publish error for nil publisher")
	}

	pub := &KafkaPublisher{}
	if err := pub.Publish(context.Background(), stream.Event{}); err == nil {
		t.Fatal("expected publish error for uninitialized writer")
	}
}

type fakeKafkaWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (f *fakeKafkaWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeKafkaWriter) Close() error { return nil }

func (f *fakeKafkaWriter) messages() []kafka.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]kafka.Message, len(f.msgs))
	copy(out, f.msgs)
	return out
}

func TestKafkaPublisherKeysByDeployment(t *testing.T) {
	w := &fakeKafkaWriter{}
	pub := &KafkaPublisher{writer: w}

	ev := stream.NewEvent(stream.EventValidation, "dep-1", map[string]string{"outcome": "OK"})
	if err := pub.Publish(context.Background(), ev); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	msgs := w.messages()
	if len(msgs) != 1 {
		t.Fatalf("expected one message, got %d", len(msgs))
	}
	if string(msgs[0].Key) != "dep-1" {
		t.Fatalf("expected deployment id key, got %q", msgs[0].Key)
	}
	var decoded stream.Event
	if err := json.Unmarshal(msgs[0].Value, &decoded); err != nil {
		t.Fatalf("message value is not a JSON event: %v", err)
	}
	if decoded.Type != stream.EventValidation || decoded.DeploymentID != "dep-1" {
		t.Fatalf("unexpected decoded event: %+v", decoded)
	}
}

func TestKafkaPublisherWriterError(t *testing.T) {
	pub := &KafkaPublisher{writer: &fakeKafkaWriter{err: errors.New("broker down")}}
	if err := pub.Publish(context.Background(), stream.Event{DeploymentID: "dep-1"}); err == nil {
		t.Fatal("expected writer error")
	}
}

func TestBridgeForwardsHubEvents(t *testing.T) {
	hub := stream.NewHub()
	w := &fakeKafkaWriter{}
	pub := &KafkaPublisher{writer: w}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Bridge(ctx, hub, pub, nil)
		close(done)
	}()

	// wait for the bridge to subscribe before publishing
	deadline := time.Now().Add(2 * time.Second)
	for hub.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("bridge never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	hub.Publish(stream.NewEvent(stream.EventTamper, "dep-9", nil))

	deadline = time.Now().Add(2 * time.Second)
	for len(w.messages()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("bridge never forwarded the event")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if string(w.messages()[0].Key) != "dep-9" {
		t.Fatalf("unexpected key: %q", w.messages()[0].Key)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("bridge did not stop on cancel")
	}
}

func TestBridgeNilGuards(t *testing.T) {
	t.Parallel()

	// must return immediately, not panic
	Bridge(context.Background(), nil, &KafkaPublisher{}, nil)
	Bridge(context.Background(), stream.NewHub(), nil, nil)
}
