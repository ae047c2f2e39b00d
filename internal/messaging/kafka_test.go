package messaging

import (
	"encoding/json"
	"testing"

	"github.com/bitsentry/poolwatch/internal/telemetry"
	"github.com/bitsentry/poolwatch/pkg/log"
)

func testLogger() *log.Logger {
	return log.New("poolwatch-test", "test", "error", "json")
}

func TestNewKafkaClient(t *testing.T) {
	client := NewKafkaClient([]string{"localhost:9092"}, testLogger())

	if client == nil {
		t.Fatal("NewKafkaClient returned nil")
	}

	if len(client.brokers) != 1 || client.brokers[0] != "localhost:9092" {
		t.Errorf("Expected brokers [localhost:9092], got %v", client.brokers)
	}

	if client.writers == nil {
		t.Error("Writers map should not be nil")
	}

	if client.readers == nil {
		t.Error("Readers map should not be nil")
	}
}

func TestKafkaClient_GetProducer(t *testing.T) {
	client := NewKafkaClient([]string{"localhost:9092"}, testLogger())

	topic := "test-topic"

	// First call should create a new producer
	producer1 := client.GetProducer(topic)
	if producer1 == nil {
		t.Fatal("GetProducer returned nil")
	}

	if producer1.Topic != topic {
		t.Errorf("Expected topic %s, got %s", topic, producer1.Topic)
	}

	// Second call should return the same producer (cached)
	producer2 := client.GetProducer(topic)
	if producer1 != producer2 {
		t.Error("Expected same producer instance from cache")
	}

	if len(client.writers) != 1 {
		t.Errorf("Expected 1 writer in map, got %d", len(client.writers))
	}
}

func TestKafkaClient_GetConsumer(t *testing.T) {
	client := NewKafkaClient([]string{"localhost:9092"}, testLogger())

	topic := "test-topic"
	groupID := "test-group"

	consumer1 := client.GetConsumer(topic, groupID)
	if consumer1 == nil {
		t.Fatal("GetConsumer returned nil")
	}

	// Second call should return the same consumer (cached)
	consumer2 := client.GetConsumer(topic, groupID)
	if consumer1 != consumer2 {
		t.Error("Expected same consumer instance from cache")
	}

	// Different group should create different consumer
	consumer3 := client.GetConsumer(topic, "different-group")
	if consumer1 == consumer3 {
		t.Error("Expected different consumer for different group")
	}

	if len(client.readers) != 2 {
		t.Errorf("Expected 2 readers in map, got %d", len(client.readers))
	}
}

// A work event without a decode must not carry empty decoded/proof keys;
// downstream consumers key off their presence.
func TestWorkEventOmitsFailedDecode(t *testing.T) {
	event := &WorkEvent{
		Work: &telemetry.WorkNotification{ID: "1-job1", JobID: "job1"},
		Pool: "pool.example.com:3333",
	}

	data, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded map[string]json.RawMessage
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if _, ok := decoded["decoded"]; ok {
		t.Error("decoded key present for failed decode")
	}
	if _, ok := decoded["proof"]; ok {
		t.Error("proof key present for failed decode")
	}
	if _, ok := decoded["work"]; !ok {
		t.Error("work key missing")
	}
}
