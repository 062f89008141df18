package zigbee2mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/nerrad567/z2m-ota/internal/infrastructure/mqtt"
	"github.com/nerrad567/z2m-ota/internal/ota"
)

// Bridge operation constants.
const (
	// subscribeQoS is used for every bridge subscription.
	subscribeQoS byte = 1

	// commandQoS is used for requests to the bridge.
	commandQoS byte = 1

	// transactionTTL bounds how long an unanswered request is remembered.
	transactionTTL = time.Hour

	// maxBacklog bounds the events held while the orchestrator queue is full.
	maxBacklog = 4096
)

// Bridge connects the orchestrator to Zigbee2MQTT. It handles:
//   - Subscribing to the device list, OTA responses and device state topics
//   - Decoding bridge messages into orchestrator events
//   - Publishing update and check requests (it implements ota.Commander)
//   - Requesting a fresh device list after every (re)connect
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	topics mqtt.Topics
	mqtt   MQTTClient
	codec  *Codec
	clock  clock.PassiveClock

	enableMetrics bool

	sink   EventSink
	sinkMu sync.RWMutex

	// Events waiting for room in the orchestrator queue, oldest first.
	// A single goroutine drains it while draining is set.
	backlog   []ota.Event
	draining  bool
	dropped   uint64
	backlogMu sync.Mutex

	// Outstanding requests by transaction id
	pending   map[string]pendingRequest
	pendingMu sync.Mutex

	// Last announced bridge state ("online", "offline", "" if unknown)
	bridgeState   string
	bridgeStateMu sync.RWMutex

	logger   Logger
	loggerMu sync.RWMutex
}

type pendingRequest struct {
	key     string
	command string
	sentAt  time.Time
}

// MQTTClient is the interface for MQTT operations.
// *mqtt.Client satisfies it; tests use a mock.
type MQTTClient interface {
	// Publish sends a message to a topic.
	Publish(topic string, payload []byte, qos byte, retained bool) error

	// Subscribe registers a handler for a topic pattern.
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error

	// Unsubscribe removes a subscription.
	Unsubscribe(topic string) error

	// IsConnected returns true if connected to the broker.
	IsConnected() bool
}

// EventSink receives decoded events. *ota.Orchestrator satisfies it.
//
// Messages are decoded on the MQTT client's ordered router, which must not
// block: events go through TrySubmit, and only a backlog goroutine waits
// in Submit.
type EventSink interface {
	// Submit blocks until ev is queued. It returns false once the sink
	// has stopped.
	Submit(ev ota.Event) bool

	// TrySubmit queues ev without blocking. It returns ota.ErrQueueFull
	// when there is no room and ota.ErrStopped once the sink has stopped.
	TrySubmit(ev ota.Event) error
}

// Logger defines the logging interface used by the bridge.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Options holds configuration for creating a bridge.
type Options struct {
	// Topics is the Zigbee2MQTT topic layout.
	Topics mqtt.Topics

	// MQTTClient is the MQTT client implementation.
	MQTTClient MQTTClient

	// Logger is optional structured logger.
	Logger Logger

	// Clock is optional; defaults to the real clock.
	Clock clock.PassiveClock

	// EnableMetrics records Prometheus metrics.
	EnableMetrics bool
}

// Status summarises the bridge connection for status endpoints.
type Status struct {
	Connected       bool   `json:"connected"`
	BridgeState     string `json:"bridge_state,omitempty"`
	PendingRequests int    `json:"pending_requests"`
	BaseTopic       string `json:"base_topic"`

	// Backlog counts events waiting for room in the orchestrator queue.
	Backlog int `json:"backlog"`

	// DroppedEvents counts events discarded because the backlog was full.
	DroppedEvents uint64 `json:"dropped_events"`
}

// NewBridge creates a new bridge instance.
// Call Start() to begin operation.
func NewBridge(opts Options) (*Bridge, error) {
	if opts.MQTTClient == nil {
		return nil, fmt.Errorf("MQTT client is required")
	}

	b := &Bridge{
		topics:        opts.Topics,
		mqtt:          opts.MQTTClient,
		clock:         opts.Clock,
		enableMetrics: opts.EnableMetrics,
		pending:       make(map[string]pendingRequest),
		logger:        opts.Logger,
	}
	if b.clock == nil {
		b.clock = clock.RealClock{}
	}
	b.codec = NewCodec(opts.Topics).WithTransactions(b.takeTransaction)

	return b, nil
}

// Start subscribes to the bridge topics, routes decoded events to sink and
// asks the bridge for its device list.
func (b *Bridge) Start(_ context.Context, sink EventSink) error {
	if sink == nil {
		return fmt.Errorf("event sink is required")
	}
	b.sinkMu.Lock()
	b.sink = sink
	b.sinkMu.Unlock()

	for _, topic := range b.subscribedTopics() {
		if err := b.mqtt.Subscribe(topic, subscribeQoS, b.handleMessage); err != nil {
			return fmt.Errorf("subscribe to %s: %w", topic, err)
		}
		b.logDebug("subscribed", "topic", topic)
	}

	if err := b.RequestDevices(); err != nil {
		// The retained device list usually arrives on subscribe anyway.
		b.logWarn("failed to request device list", "error", err)
	}

	b.logInfo("bridge started", "devices_topic", b.topics.Devices())
	return nil
}

// Stop detaches the sink and releases the bridge subscriptions. Messages
// already in flight are dropped.
func (b *Bridge) Stop() {
	b.sinkMu.Lock()
	b.sink = nil
	b.sinkMu.Unlock()

	for _, topic := range b.subscribedTopics() {
		if err := b.mqtt.Unsubscribe(topic); err != nil {
			b.logDebug("unsubscribe failed", "topic", topic, "error", err)
		}
	}
	b.logInfo("bridge stopped")
}

// subscribedTopics is a single wildcard: the router hands a message to every
// matching subscription, so narrower topics beside it would be decoded twice.
// handleMessage routes by topic and ignores the rest of the subtree.
func (b *Bridge) subscribedTopics() []string {
	return []string{b.topics.All()}
}

// HandleReconnect re-requests the device list so that transfers that
// progressed while disconnected are reconciled. Wire it to the MQTT
// client's connect callback.
func (b *Bridge) HandleReconnect() {
	if err := b.RequestDevices(); err != nil {
		b.logWarn("failed to request device list after reconnect", "error", err)
	}
}

// RequestDevices asks the bridge to republish its device list.
func (b *Bridge) RequestDevices() error {
	err := b.mqtt.Publish(b.topics.DevicesRequest(), []byte(""), commandQoS, false)
	b.recordCommand("devices", err)
	if err != nil {
		return fmt.Errorf("publish device list request: %w", err)
	}
	return nil
}

// StartUpdate asks the bridge to begin a firmware transfer to key.
func (b *Bridge) StartUpdate(ctx context.Context, key string) error {
	return b.request(ctx, b.topics.OTAUpdateRequest(), "update", key)
}

// CheckUpdate asks the bridge whether newer firmware exists for key.
func (b *Bridge) CheckUpdate(ctx context.Context, key string) error {
	return b.request(ctx, b.topics.OTACheckRequest(), "check", key)
}

func (b *Bridge) request(ctx context.Context, topic, command, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	txn := uuid.NewString()
	payload, err := json.Marshal(Request{ID: key, Transaction: txn})
	if err != nil {
		return fmt.Errorf("encode %s request: %w", command, err)
	}

	b.trackTransaction(txn, pendingRequest{key: key, command: command, sentAt: b.clock.Now()})
	err = b.mqtt.Publish(topic, payload, commandQoS, false)
	b.recordCommand(command, err)
	if err != nil {
		b.takeTransaction(txn)
		return fmt.Errorf("publish %s request for %s: %w", command, key, err)
	}

	b.logDebug("request sent", "command", command, "device", key, "transaction", txn)
	return nil
}

// Status reports the connection and bridge state.
func (b *Bridge) Status() Status {
	b.pendingMu.Lock()
	pending := len(b.pending)
	b.pendingMu.Unlock()

	b.bridgeStateMu.RLock()
	state := b.bridgeState
	b.bridgeStateMu.RUnlock()

	b.backlogMu.Lock()
	backlog, dropped := len(b.backlog), b.dropped
	b.backlogMu.Unlock()

	return Status{
		Connected:       b.mqtt.IsConnected(),
		BridgeState:     state,
		PendingRequests: pending,
		BaseTopic:       b.topics.Base,
		Backlog:         backlog,
		DroppedEvents:   dropped,
	}
}

// =============================================================================
// Message handling
// =============================================================================

// handleMessage decodes one message and submits the resulting events.
// Problems are logged here, so it never returns an error.
func (b *Bridge) handleMessage(topic string, payload []byte) error {
	kind := b.messageKind(topic)

	if topic == b.topics.BridgeState() {
		b.handleBridgeState(payload)
		b.recordMessage(kind, nil)
		return nil
	}

	events, err := b.codec.Decode(topic, payload)
	b.recordMessage(kind, err)
	switch {
	case errors.Is(err, ErrUnhandledTopic):
		b.logDebug("ignoring message", "topic", topic)
		return nil
	case errors.Is(err, ErrRequestFailed):
		b.logWarn("bridge request failed", "error", err)
	case err != nil:
		b.logWarn("dropping malformed message", "topic", topic, "error", err)
		return nil
	}

	b.completeResponse(topic, payload)

	if len(events) == 0 {
		return nil
	}

	sink := b.getSink()
	if sink == nil {
		b.logDebug("bridge not started, dropping events", "topic", topic, "events", len(events))
		return nil
	}
	for _, ev := range events {
		if !b.deliver(sink, ev) {
			b.logDebug("orchestrator stopped, dropping event", "topic", topic)
			return nil
		}
	}
	return nil
}

// deliver hands ev to sink without blocking the caller. When the sink is
// full, ev joins the backlog behind any earlier events so order is kept.
// It returns false once the sink has stopped.
func (b *Bridge) deliver(sink EventSink, ev ota.Event) bool {
	b.backlogMu.Lock()
	defer b.backlogMu.Unlock()

	if len(b.backlog) == 0 {
		err := sink.TrySubmit(ev)
		switch {
		case err == nil:
			return true
		case errors.Is(err, ota.ErrStopped):
			return false
		}
	}

	if len(b.backlog) >= maxBacklog {
		b.dropped++
		b.logWarn("event backlog full, dropping event", "event", fmt.Sprintf("%T", ev), "dropped", b.dropped)
		return true
	}
	b.backlog = append(b.backlog, ev)
	if !b.draining {
		b.draining = true
		b.logDebug("orchestrator queue full, deferring events")
		go b.drainBacklog(sink)
	}
	return true
}

// drainBacklog submits backlogged events in order. An event leaves the
// backlog only once queued, so deliver cannot overtake it.
func (b *Bridge) drainBacklog(sink EventSink) {
	for {
		b.backlogMu.Lock()
		if len(b.backlog) == 0 {
			b.draining = false
			b.backlogMu.Unlock()
			return
		}
		ev := b.backlog[0]
		b.backlogMu.Unlock()

		ok := sink.Submit(ev)

		b.backlogMu.Lock()
		if !ok {
			b.backlog = nil
			b.draining = false
			b.backlogMu.Unlock()
			return
		}
		b.backlog[0] = nil
		b.backlog = b.backlog[1:]
		b.backlogMu.Unlock()
	}
}

func (b *Bridge) handleBridgeState(payload []byte) {
	state := parseBridgeState(payload)

	b.bridgeStateMu.Lock()
	previous := b.bridgeState
	b.bridgeState = state
	b.bridgeStateMu.Unlock()

	if state == previous {
		return
	}
	b.logInfo("zigbee2mqtt bridge state changed", "state", state)
	if state == "online" && previous != "" {
		// A restarted bridge may have finished or abandoned transfers.
		// Publishing waits for an ack, which cannot arrive while this
		// handler holds the ordered router.
		go b.HandleReconnect()
	}
}

// completeResponse forgets the transaction a response answers.
func (b *Bridge) completeResponse(topic string, payload []byte) {
	if topic != b.topics.OTAUpdateResponse() && topic != b.topics.OTACheckResponse() {
		return
	}
	var resp struct {
		Transaction string `json:"transaction"`
	}
	if json.Unmarshal(payload, &resp) == nil && resp.Transaction != "" {
		b.takeTransaction(resp.Transaction)
	}
}

func (b *Bridge) messageKind(topic string) string {
	switch topic {
	case b.topics.Devices():
		return "devices"
	case b.topics.OTAUpdateResponse():
		return "update_response"
	case b.topics.OTACheckResponse():
		return "check_response"
	case b.topics.BridgeState():
		return "bridge_state"
	}
	if b.topics.DeviceName(topic) != "" {
		return "device_state"
	}
	return "other"
}

// =============================================================================
// Transactions
// =============================================================================

func (b *Bridge) trackTransaction(id string, req pendingRequest) {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()

	for txn, p := range b.pending {
		if b.clock.Since(p.sentAt) > transactionTTL {
			delete(b.pending, txn)
		}
	}
	b.pending[id] = req
}

// takeTransaction returns and forgets the device a request was sent for.
func (b *Bridge) takeTransaction(id string) (string, bool) {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()

	req, ok := b.pending[id]
	if !ok {
		return "", false
	}
	delete(b.pending, id)
	return req.key, true
}

// =============================================================================
// Helpers
// =============================================================================

func (b *Bridge) getSink() EventSink {
	b.sinkMu.RLock()
	defer b.sinkMu.RUnlock()
	return b.sink
}

// SetLogger sets the logger.
func (b *Bridge) SetLogger(logger Logger) {
	b.loggerMu.Lock()
	b.logger = logger
	b.loggerMu.Unlock()
}

func (b *Bridge) getLogger() Logger {
	b.loggerMu.RLock()
	defer b.loggerMu.RUnlock()
	return b.logger
}

func (b *Bridge) logDebug(msg string, keysAndValues ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

func (b *Bridge) logInfo(msg string, keysAndValues ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (b *Bridge) logWarn(msg string, keysAndValues ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}
