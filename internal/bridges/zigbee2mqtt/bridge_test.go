package zigbee2mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	testingclock "k8s.io/utils/clock/testing"

	"github.com/nerrad567/z2m-ota/internal/infrastructure/mqtt"
	"github.com/nerrad567/z2m-ota/internal/ota"
)

// MockMQTTClient implements MQTTClient for testing.
type MockMQTTClient struct {
	mu            sync.Mutex
	published     []mockPublish
	subscriptions []mockSubscription
	unsubscribed  []string
	connected     bool
	publishErr    error
	handlers      map[string]mqtt.MessageHandler
}

type mockPublish struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

type mockSubscription struct {
	Topic string
	QoS   byte
}

func NewMockMQTTClient() *MockMQTTClient {
	return &MockMQTTClient{
		connected: true,
		handlers:  make(map[string]mqtt.MessageHandler),
	}
}

func (m *MockMQTTClient) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.publishErr != nil {
		return m.publishErr
	}
	m.published = append(m.published, mockPublish{
		Topic:    topic,
		Payload:  payload,
		QoS:      qos,
		Retained: retained,
	})
	return nil
}

func (m *MockMQTTClient) Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriptions = append(m.subscriptions, mockSubscription{Topic: topic, QoS: qos})
	m.handlers[topic] = handler
	return nil
}

// Unsubscribe records the topic. The handler stays registered so tests can
// simulate messages that were already in flight.
func (m *MockMQTTClient) Unsubscribe(topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unsubscribed = append(m.unsubscribed, topic)
	return nil
}

func (m *MockMQTTClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockMQTTClient) GetPublished() []mockPublish {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]mockPublish(nil), m.published...)
}

func (m *MockMQTTClient) GetSubscriptions() []mockSubscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]mockSubscription(nil), m.subscriptions...)
}

func (m *MockMQTTClient) ClearPublished() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = nil
}

func (m *MockMQTTClient) SetPublishError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishErr = err
}

// SimulateMessage delivers a message to the handler whose subscription
// matches topic, honouring a trailing "+" or "#" wildcard.
func (m *MockMQTTClient) SimulateMessage(topic string, payload []byte) error {
	m.mu.Lock()
	handler, ok := m.handlers[topic]
	if !ok {
		for pattern, h := range m.handlers {
			if prefix, multi := strings.CutSuffix(pattern, "/#"); multi && strings.HasPrefix(topic, prefix+"/") {
				handler, ok = h, true
				break
			}
			prefix, single := strings.CutSuffix(pattern, "/+")
			if single && strings.HasPrefix(topic, prefix+"/") && !strings.Contains(topic[len(prefix)+1:], "/") {
				handler, ok = h, true
				break
			}
		}
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return handler(topic, payload)
}

// recordingSink collects submitted events.
type recordingSink struct {
	mu     sync.Mutex
	events []ota.Event
	closed bool
}

func (s *recordingSink) Submit(ev ota.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.events = append(s.events, ev)
	return true
}

func (s *recordingSink) TrySubmit(ev ota.Event) error {
	if !s.Submit(ev) {
		return ota.ErrStopped
	}
	return nil
}

func (s *recordingSink) Events() []ota.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ota.Event(nil), s.events...)
}

func startTestBridge(t *testing.T) (*Bridge, *MockMQTTClient, *recordingSink) {
	t.Helper()
	client := NewMockMQTTClient()
	b, err := NewBridge(Options{
		Topics:     testTopics,
		MQTTClient: client,
		Clock:      testingclock.NewFakeClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)),
	})
	if err != nil {
		t.Fatalf("NewBridge() error = %v", err)
	}
	sink := &recordingSink{}
	if err := b.Start(context.Background(), sink); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	return b, client, sink
}

// =============================================================================
// Lifecycle Tests
// =============================================================================

func TestNewBridge_RequiresClient(t *testing.T) {
	if _, err := NewBridge(Options{}); err == nil {
		t.Error("NewBridge() without client should fail")
	}
}

func TestBridge_StartSubscribesAndRequestsDevices(t *testing.T) {
	_, client, _ := startTestBridge(t)

	var topics []string
	for _, s := range client.GetSubscriptions() {
		topics = append(topics, s.Topic)
		if s.QoS != 1 {
			t.Errorf("subscription %s QoS = %d, want 1", s.Topic, s.QoS)
		}
	}
	want := []string{"zigbee2mqtt/#"}
	if !reflect.DeepEqual(topics, want) {
		t.Errorf("subscriptions = %v, want %v", topics, want)
	}

	published := client.GetPublished()
	if len(published) != 1 || published[0].Topic != "zigbee2mqtt/bridge/request/devices" {
		t.Errorf("published = %+v, want one device list request", published)
	}
}

func TestBridge_StartRequiresSink(t *testing.T) {
	b, err := NewBridge(Options{MQTTClient: NewMockMQTTClient()})
	if err != nil {
		t.Fatalf("NewBridge() error = %v", err)
	}
	if err := b.Start(context.Background(), nil); err == nil {
		t.Error("Start(nil) should fail")
	}
}

func TestBridge_StopDropsMessages(t *testing.T) {
	b, client, sink := startTestBridge(t)
	b.Stop()

	if err := client.SimulateMessage("zigbee2mqtt/kitchen", []byte(`{"update": {"state": "idle"}}`)); err != nil {
		t.Errorf("handler error = %v", err)
	}
	if n := len(sink.Events()); n != 0 {
		t.Errorf("events after Stop() = %d, want 0", n)
	}

	client.mu.Lock()
	unsubscribed := len(client.unsubscribed)
	client.mu.Unlock()
	if unsubscribed != len(client.GetSubscriptions()) {
		t.Errorf("unsubscribed %d topics, want %d", unsubscribed, len(client.GetSubscriptions()))
	}
}

// =============================================================================
// Command Tests
// =============================================================================

func TestBridge_StartUpdatePublishesRequest(t *testing.T) {
	b, client, _ := startTestBridge(t)
	client.ClearPublished()

	if err := b.StartUpdate(context.Background(), "0x01"); err != nil {
		t.Fatalf("StartUpdate() error = %v", err)
	}

	published := client.GetPublished()
	if len(published) != 1 {
		t.Fatalf("published %d messages, want 1", len(published))
	}
	msg := published[0]
	if msg.Topic != "zigbee2mqtt/bridge/request/device/ota_update/update" || msg.Retained || msg.QoS != 1 {
		t.Errorf("published = %+v", msg)
	}

	var req Request
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		t.Fatalf("payload not JSON: %v", err)
	}
	if req.ID != "0x01" || req.Transaction == "" {
		t.Errorf("request = %+v", req)
	}
	if got := b.Status().PendingRequests; got != 1 {
		t.Errorf("PendingRequests = %d, want 1", got)
	}

	// The answer clears the pending transaction.
	resp := `{"status": "ok", "data": {"id": "0x01"}, "transaction": "` + req.Transaction + `"}`
	if err := client.SimulateMessage("zigbee2mqtt/bridge/response/device/ota_update/update", []byte(resp)); err != nil {
		t.Fatalf("handler error = %v", err)
	}
	if got := b.Status().PendingRequests; got != 0 {
		t.Errorf("PendingRequests after response = %d, want 0", got)
	}
}

func TestBridge_CheckUpdatePublishesRequest(t *testing.T) {
	b, client, _ := startTestBridge(t)
	client.ClearPublished()

	if err := b.CheckUpdate(context.Background(), "0x02"); err != nil {
		t.Fatalf("CheckUpdate() error = %v", err)
	}
	published := client.GetPublished()
	if len(published) != 1 || published[0].Topic != "zigbee2mqtt/bridge/request/device/ota_update/check" {
		t.Errorf("published = %+v", published)
	}
}

func TestBridge_PublishFailure(t *testing.T) {
	b, client, _ := startTestBridge(t)
	client.SetPublishError(mqtt.ErrNotConnected)

	err := b.StartUpdate(context.Background(), "0x01")
	if !errors.Is(err, mqtt.ErrNotConnected) {
		t.Errorf("StartUpdate() error = %v, want ErrNotConnected", err)
	}
	if got := b.Status().PendingRequests; got != 0 {
		t.Errorf("PendingRequests = %d, want 0 after failed publish", got)
	}
}

func TestBridge_CancelledContext(t *testing.T) {
	b, client, _ := startTestBridge(t)
	client.ClearPublished()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := b.StartUpdate(ctx, "0x01"); !errors.Is(err, context.Canceled) {
		t.Errorf("StartUpdate() error = %v, want context.Canceled", err)
	}
	if n := len(client.GetPublished()); n != 0 {
		t.Errorf("published %d messages, want 0", n)
	}
}

// =============================================================================
// Message Routing Tests
// =============================================================================

func TestBridge_RoutesEvents(t *testing.T) {
	_, client, sink := startTestBridge(t)

	messages := []struct {
		topic   string
		payload string
	}{
		{"zigbee2mqtt/bridge/devices", `[{"ieee_address": "0x01", "friendly_name": "kitchen", "definition": {"supports_ota": true}}]`},
		{"zigbee2mqtt/bridge/response/device/ota_update/check", `{"status": "ok", "data": {"id": "kitchen", "update_available": true}}`},
		{"zigbee2mqtt/kitchen", `{"update": {"state": "updating", "progress": 10}}`},
		{"zigbee2mqtt/kitchen", `{"temperature": 20}`},
		{"zigbee2mqtt/bridge/response/device/ota_update/update", `{"status": "ok", "data": {"id": "0x01"}}`},
	}
	for _, m := range messages {
		if err := client.SimulateMessage(m.topic, []byte(m.payload)); err != nil {
			t.Fatalf("handler(%s) error = %v", m.topic, err)
		}
	}

	events := sink.Events()
	if len(events) != 4 {
		t.Fatalf("events = %d, want 4: %#v", len(events), events)
	}
	if _, ok := events[0].(ota.Snapshot); !ok {
		t.Errorf("events[0] = %T, want Snapshot", events[0])
	}
	if ev, ok := events[1].(ota.Availability); !ok || !ev.Available {
		t.Errorf("events[1] = %#v, want Availability", events[1])
	}
	if ev, ok := events[2].(ota.Status); !ok || ev.Progress != 10 {
		t.Errorf("events[2] = %#v, want Status", events[2])
	}
	if ev, ok := events[3].(ota.Completion); !ok || !ev.Success {
		t.Errorf("events[3] = %#v, want Completion", events[3])
	}
}

func TestBridge_NestedFriendlyNames(t *testing.T) {
	_, client, sink := startTestBridge(t)

	messages := []struct {
		topic   string
		payload string
	}{
		{"zigbee2mqtt/kitchen/lamp", `{"update": {"state": "updating", "progress": 42}}`},
		{"zigbee2mqtt/kitchen/lamp/availability", `{"state": "online"}`},
		{"zigbee2mqtt/kitchen/lamp/set", `{"update": {"state": "idle"}}`},
		{"zigbee2mqtt/kitchen/lamp/set/brightness", `128`},
		{"zigbee2mqtt/bridge/logging", `{"level": "info", "message": "update"}`},
		{"zigbee2mqtt/bridge/info", `{"version": "2.1.0"}`},
	}
	for _, m := range messages {
		if err := client.SimulateMessage(m.topic, []byte(m.payload)); err != nil {
			t.Fatalf("handler(%s) error = %v", m.topic, err)
		}
	}

	events := sink.Events()
	want := []ota.Event{ota.Status{Device: "kitchen/lamp", State: ota.ReportedUpdating, Progress: 42, HasProgress: true}}
	if !reflect.DeepEqual(events, want) {
		t.Errorf("events = %#v, want %#v", events, want)
	}
}

// TestBridge_NestedNameProgressReachesOrchestrator checks that progress on a
// nested friendly name keeps the watchdog quiet and no second update is sent.
func TestBridge_NestedNameProgressReachesOrchestrator(t *testing.T) {
	clk := testingclock.NewFakeClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	client := NewMockMQTTClient()
	b, err := NewBridge(Options{Topics: testTopics, MQTTClient: client, Clock: clk})
	if err != nil {
		t.Fatalf("NewBridge() error = %v", err)
	}
	orch, err := ota.New(ota.Config{MaxConcurrent: 1, Timeout: time.Minute, MaxRetries: 1}, b, ota.Options{Clock: clk})
	if err != nil {
		t.Fatalf("ota.New() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go orch.Run(ctx) //nolint:errcheck // Stopped by cancel
	if err := b.Start(ctx, orch); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	waitFor := func(what string, cond func(ota.Device) bool) {
		t.Helper()
		deadline := time.Now().Add(2 * time.Second)
		for {
			if dev, ok := orch.Device("kitchen/lamp"); ok && cond(dev) {
				return
			}
			if time.Now().After(deadline) {
				dev, _ := orch.Device("kitchen/lamp")
				t.Fatalf("timed out waiting for %s: %+v", what, dev)
			}
			time.Sleep(5 * time.Millisecond)
		}
	}

	devices := `[{"ieee_address": "0x01", "friendly_name": "kitchen/lamp", "definition": {"supports_ota": true}, "update": {"state": "available"}}]`
	client.SimulateMessage("zigbee2mqtt/bridge/devices", []byte(devices)) //nolint:errcheck // Handler never fails
	waitFor("update to start", func(d ota.Device) bool { return d.State == ota.StateUpdating })

	for _, pct := range []float64{10, 20, 30, 40} {
		clk.Step(30 * time.Second)
		payload := fmt.Sprintf(`{"update": {"state": "updating", "progress": %v}}`, pct)
		client.SimulateMessage("zigbee2mqtt/kitchen/lamp", []byte(payload)) //nolint:errcheck // Handler never fails
		waitFor(fmt.Sprintf("progress %v", pct), func(d ota.Device) bool { return d.LastPercent == pct })
	}

	dev, _ := orch.Device("kitchen/lamp")
	if dev.State != ota.StateUpdating || dev.RetryCount != 0 {
		t.Errorf("device = %s retry=%d, want updating with no retry", dev.State, dev.RetryCount)
	}
	var starts int
	for _, p := range client.GetPublished() {
		if p.Topic == testTopics.OTAUpdateRequest() {
			starts++
		}
	}
	if starts != 1 {
		t.Errorf("update requests = %d, want 1", starts)
	}
}

func TestBridge_MalformedMessagesDropped(t *testing.T) {
	_, client, sink := startTestBridge(t)

	if err := client.SimulateMessage("zigbee2mqtt/bridge/devices", []byte(`not json`)); err != nil {
		t.Errorf("handler error = %v, want nil", err)
	}
	if err := client.SimulateMessage("zigbee2mqtt/bridge/response/device/ota_update/check",
		[]byte(`{"status": "error", "error": "No image available for 'kitchen'"}`)); err != nil {
		t.Errorf("handler error = %v, want nil", err)
	}
	if n := len(sink.Events()); n != 0 {
		t.Errorf("events = %d, want 0", n)
	}
}

func TestBridge_ResponseMatchedByTransaction(t *testing.T) {
	b, client, sink := startTestBridge(t)
	client.ClearPublished()

	if err := b.StartUpdate(context.Background(), "0x01"); err != nil {
		t.Fatalf("StartUpdate() error = %v", err)
	}
	var req Request
	if err := json.Unmarshal(client.GetPublished()[0].Payload, &req); err != nil {
		t.Fatal(err)
	}

	resp := `{"status": "error", "data": {}, "error": "Timeout", "transaction": "` + req.Transaction + `"}`
	if err := client.SimulateMessage("zigbee2mqtt/bridge/response/device/ota_update/update", []byte(resp)); err != nil {
		t.Fatalf("handler error = %v", err)
	}

	events := sink.Events()
	want := []ota.Event{ota.Completion{Device: "0x01", Reason: "Timeout"}}
	if !reflect.DeepEqual(events, want) {
		t.Errorf("events = %#v, want %#v", events, want)
	}
}

func TestBridge_BridgeStateOnlineRequestsDevices(t *testing.T) {
	b, client, _ := startTestBridge(t)

	if err := client.SimulateMessage("zigbee2mqtt/bridge/state", []byte(`{"state": "online"}`)); err != nil {
		t.Fatalf("handler error = %v", err)
	}
	if got := b.Status().BridgeState; got != "online" {
		t.Errorf("BridgeState = %q, want online", got)
	}
	client.ClearPublished()

	client.SimulateMessage("zigbee2mqtt/bridge/state", []byte(`offline`))
	client.SimulateMessage("zigbee2mqtt/bridge/state", []byte(`online`))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p := client.GetPublished(); len(p) == 1 {
			if p[0].Topic != "zigbee2mqtt/bridge/request/devices" {
				t.Errorf("published = %+v", p[0])
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("bridge coming back online did not request the device list")
}

func TestBridge_SinkClosed(t *testing.T) {
	_, client, sink := startTestBridge(t)
	sink.mu.Lock()
	sink.closed = true
	sink.mu.Unlock()

	if err := client.SimulateMessage("zigbee2mqtt/kitchen", []byte(`{"update": {"state": "idle"}}`)); err != nil {
		t.Errorf("handler error = %v", err)
	}
}

// fullSink reports a full queue until opened; Submit waits for open.
type fullSink struct {
	recordingSink
	open chan struct{}
}

func (s *fullSink) TrySubmit(ev ota.Event) error {
	select {
	case <-s.open:
		return s.recordingSink.TrySubmit(ev)
	default:
		return ota.ErrQueueFull
	}
}

func (s *fullSink) Submit(ev ota.Event) bool {
	<-s.open
	return s.recordingSink.Submit(ev)
}

func TestBridge_FullQueueDoesNotBlockRouter(t *testing.T) {
	client := NewMockMQTTClient()
	b, err := NewBridge(Options{Topics: testTopics, MQTTClient: client})
	if err != nil {
		t.Fatalf("NewBridge() error = %v", err)
	}
	sink := &fullSink{open: make(chan struct{})}
	if err := b.Start(context.Background(), sink); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, pct := range []int{10, 20, 30} {
			payload := fmt.Sprintf(`{"update": {"state": "updating", "progress": %d}}`, pct)
			client.SimulateMessage("zigbee2mqtt/kitchen", []byte(payload)) //nolint:errcheck // Handler never fails
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler blocked on a full orchestrator queue")
	}

	if got := b.Status().Backlog; got != 3 {
		t.Errorf("Status().Backlog = %d, want 3", got)
	}

	close(sink.open)
	deadline := time.Now().Add(2 * time.Second)
	for (len(sink.Events()) < 3 || b.Status().Backlog != 0) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	var got []float64
	for _, ev := range sink.Events() {
		if st, ok := ev.(ota.Status); ok {
			got = append(got, st.Progress)
		}
	}
	if want := []float64{10, 20, 30}; !reflect.DeepEqual(got, want) {
		t.Errorf("progress order = %v, want %v", got, want)
	}
	if got := b.Status().Backlog; got != 0 {
		t.Errorf("Status().Backlog after drain = %d, want 0", got)
	}
}

func TestParseBridgeState(t *testing.T) {
	tests := []struct {
		payload string
		want    string
	}{
		{`{"state": "online"}`, "online"},
		{`{"state":"OFFLINE"}`, "offline"},
		{`online`, "online"},
		{`"offline"`, "offline"},
	}
	for _, tt := range tests {
		if got := parseBridgeState([]byte(tt.payload)); got != tt.want {
			t.Errorf("parseBridgeState(%s) = %q, want %q", tt.payload, got, tt.want)
		}
	}
}
