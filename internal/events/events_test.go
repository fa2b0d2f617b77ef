package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"

	"PulseNebula/internal/fhe"
)

func TestHubFanOut(t *testing.T) {
	h := NewHub()
	a := h.Subscribe(1)
	b := h.Subscribe(1)

	evt := SampleLogged{ID: 1, Owner: fhe.ContractAddress("u"), DeclaredPublicAverage: 72, MeasurementCount: 3, IsPublic: true}
	if err := h.Publish(context.Background(), evt); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if got := <-a; got != evt {
		t.Fatalf("a got %+v", got)
	}
	if got := <-b; got != evt {
		t.Fatalf("b got %+v", got)
	}
}

func TestHubDropsForSlowSubscriber(t *testing.T) {
	h := NewHub()
	ch := h.Subscribe(1)

	_ = h.Publish(context.Background(), SampleLogged{ID: 1})
	_ = h.Publish(context.Background(), SampleLogged{ID: 2})

	if got := <-ch; got.ID != 1 {
		t.Fatalf("got id %d, want 1", got.ID)
	}
	select {
	case evt := <-ch:
		t.Fatalf("unexpected buffered event %+v", evt)
	default:
	}
}

func TestHubUnsubscribe(t *testing.T) {
	h := NewHub()
	ch := h.Subscribe(0)
	h.Unsubscribe(ch)
	h.Unsubscribe(ch)

	if _, ok := <-ch; ok {
		t.Fatal("channel not closed")
	}
	if h.Subscribers() != 0 {
		t.Fatalf("Subscribers = %d", h.Subscribers())
	}
}

// fakeWriter records messages written by the Kafka publisher.
type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestKafkaPublisher(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaPublisher{writer: w, topic: "pulse.samples"}

	evt := SampleLogged{ID: 12, IsPublic: false, MeasurementCount: 4}
	if err := p.Publish(context.Background(), evt); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if len(w.msgs) != 1 || string(w.msgs[0].Key) != "12" {
		t.Fatalf("messages = %+v", w.msgs)
	}

	var back SampleLogged
	if err := json.Unmarshal(w.msgs[0].Value, &back); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if back != evt {
		t.Fatalf("payload = %+v", back)
	}

	w.err = errors.New("broker down")
	if err := p.Publish(context.Background(), evt); err == nil {
		t.Fatal("expected write error")
	}
}

func TestNewKafkaPublisherValidation(t *testing.T) {
	if _, err := NewKafkaPublisher(KafkaConfig{Brokers: []string{" "}, Topic: "t"}); err == nil {
		t.Fatal("expected brokers error")
	}
	if _, err := NewKafkaPublisher(KafkaConfig{Brokers: []string{"localhost:9092"}}); err == nil {
		t.Fatal("expected topic error")
	}

	p, err := NewKafkaPublisher(KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "t"})
	if err != nil {
		t.Fatalf("NewKafkaPublisher failed: %v", err)
	}
	_ = p.Close()
}

func TestMultiJoinsErrors(t *testing.T) {
	hub := NewHub()
	ch := hub.Subscribe(1)
	bad := &KafkaPublisher{writer: &fakeWriter{err: errors.New("down")}, topic: "t"}

	err := Multi{bad, hub}.Publish(context.Background(), SampleLogged{ID: 3})
	if err == nil {
		t.Fatal("expected joined error")
	}
	if got := <-ch; got.ID != 3 {
		t.Fatal("hub skipped after failing member")
	}
}
