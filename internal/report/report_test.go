package report

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// =============================================================================
// Mocks
// =============================================================================

type published struct {
	channel string
	payload []byte
}

// MockRedis records publishes and sets instead of talking to a server.
type MockRedis struct {
	pingErr    error
	publishErr error
	published  []published
	stored     map[string][]byte
	ttl        time.Duration
	closed     bool
}

func (m *MockRedis) Ping(ctx context.Context) *redis.StatusCmd {
	cmd := redis.NewStatusCmd(ctx)
	if m.pingErr != nil {
		cmd.SetErr(m.pingErr)
	} else {
		cmd.SetVal("PONG")
	}
	return cmd
}

func (m *MockRedis) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	if m.publishErr != nil {
		cmd.SetErr(m.publishErr)
		return cmd
	}
	m.published = append(m.published, published{channel: channel, payload: message.([]byte)})
	cmd.SetVal(1)
	return cmd
}

func (m *MockRedis) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	if m.stored == nil {
		m.stored = make(map[string][]byte)
	}
	m.stored[key] = value.([]byte)
	m.ttl = expiration
	cmd := redis.NewStatusCmd(ctx)
	cmd.SetVal("OK")
	return cmd
}

func (m *MockRedis) Close() error {
	m.closed = true
	return nil
}

// failingSink always returns err.
type failingSink struct {
	err    error
	events int
}

func (f *failingSink) Publish(context.Context, Event) error {
	f.events++
	return f.err
}

func (f *failingSink) Close() error { return f.err }

// =============================================================================
// Tests
// =============================================================================

func TestRedisPublisher_PublishesJSON(t *testing.T) {
	client := &MockRedis{}
	p, err := newRedisPublisher(client, "vmsim:events", zap.NewNop())
	if err != nil {
		t.Fatalf("newRedisPublisher failed: %v", err)
	}

	event := Event{Type: EventCloudletFinished, RunID: "run-1", Clock: 12.5, ResourceID: 4}
	if err := p.Publish(context.Background(), event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if len(client.published) != 1 {
		t.Fatalf("published %d messages, want 1", len(client.published))
	}
	msg := client.published[0]
	if msg.channel != "vmsim:events" {
		t.Errorf("channel = %q, want vmsim:events", msg.channel)
	}

	var got Event
	if err := json.Unmarshal(msg.payload, &got); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if got.Type != EventCloudletFinished || got.Clock != 12.5 || got.ResourceID != 4 {
		t.Errorf("decoded event = %+v", got)
	}
	if got.Timestamp.IsZero() {
		t.Error("timestamp was not set")
	}
}

func TestRedisPublisher_PingFailure(t *testing.T) {
	client := &MockRedis{pingErr: errors.New("connection refused")}
	if _, err := newRedisPublisher(client, "vmsim:events", zap.NewNop()); err == nil {
		t.Fatal("newRedisPublisher() succeeded with an unreachable server")
	}
}

func TestRedisPublisher_PublishError(t *testing.T) {
	client := &MockRedis{}
	p, err := newRedisPublisher(client, "vmsim:events", zap.NewNop())
	if err != nil {
		t.Fatalf("newRedisPublisher failed: %v", err)
	}
	boom := errors.New("boom")
	client.publishErr = boom

	if err := p.Publish(context.Background(), Event{Type: EventScaling}); !errors.Is(err, boom) {
		t.Errorf("Publish() error = %v, want wrapped boom", err)
	}
}

func TestRedisPublisher_StoreSummary(t *testing.T) {
	client := &MockRedis{}
	p, err := newRedisPublisher(client, "vmsim:events", zap.NewNop())
	if err != nil {
		t.Fatalf("newRedisPublisher failed: %v", err)
	}

	summary := map[string]int{"finished": 21}
	if err := p.StoreSummary(context.Background(), "abc", summary); err != nil {
		t.Fatalf("StoreSummary failed: %v", err)
	}

	data, ok := client.stored["vmsim:run:abc"]
	if !ok {
		t.Fatal("summary not stored under vmsim:run:abc")
	}
	if string(data) != `{"finished":21}` {
		t.Errorf("stored %s", data)
	}
	if client.ttl != summaryTTL {
		t.Errorf("ttl = %v, want %v", client.ttl, summaryTTL)
	}

	if err := p.Close(); err != nil || !client.closed {
		t.Errorf("Close() = %v, closed = %v", err, client.closed)
	}
}

func TestLogSink_Levels(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	sink := NewLogSink(zap.New(core))

	ctx := context.Background()
	_ = sink.Publish(ctx, Event{Type: EventCloudletFinished, ResourceID: 1})
	_ = sink.Publish(ctx, Event{Type: EventCloudletStalled, ResourceID: 2, Data: "waiting on 1"})

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("logged %d entries, want 2", len(entries))
	}
	if entries[0].Level != zapcore.DebugLevel {
		t.Errorf("finished event level = %v, want debug", entries[0].Level)
	}
	if entries[1].Level != zapcore.WarnLevel {
		t.Errorf("stalled event level = %v, want warn", entries[1].Level)
	}
	if entries[1].ContextMap()["component"] != "report" {
		t.Errorf("component field = %v", entries[1].ContextMap()["component"])
	}
}

func TestFanout_DeliversToEverySink(t *testing.T) {
	boom := errors.New("boom")
	first := &failingSink{err: boom}
	second := &failingSink{}

	f := Fanout{first, second}
	err := f.Publish(context.Background(), Event{Type: EventRunFinished})
	if !errors.Is(err, boom) {
		t.Errorf("Publish() error = %v, want boom", err)
	}
	if first.events != 1 || second.events != 1 {
		t.Errorf("events = %d/%d, want 1/1", first.events, second.events)
	}
	if err := (Fanout{second}).Close(); err != nil {
		t.Errorf("Close() = %v", err)
	}
}
