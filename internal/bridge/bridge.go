package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/treeow-bridge/internal/capability"
	"github.com/nerrad567/treeow-bridge/internal/command"
	"github.com/nerrad567/treeow-bridge/internal/device"
	"github.com/nerrad567/treeow-bridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/treeow-bridge/internal/state"
)

// Bridge operation constants.
const (
	// DefaultCommandTimeout bounds the wait for a command to resolve before
	// a timeout acknowledgement is sent.
	DefaultCommandTimeout = 30 * time.Second
)

// MQTTClient is the interface for MQTT operations.
// *mqtt.Client satisfies it; tests use a mock.
type MQTTClient interface {
	// Publish sends a message to a topic.
	Publish(topic string, payload []byte, qos byte, retained bool) error

	// Subscribe registers a handler for a topic pattern.
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error

	// Unsubscribe removes the subscription for a topic pattern.
	Unsubscribe(topic string) error

	// IsConnected returns true if connected to the broker.
	IsConnected() bool
}

// Source is the synchronizer view the bridge publishes and commands.
// *state.Synchronizer satisfies it.
type Source interface {
	Device(deviceID string) (*device.Device, error)
	Bindings(deviceID string) ([]capability.Binding, error)
	DeviceIDs() []string
	SubmitChange(ctx context.Context, deviceID string, values map[string]any) (*command.Pending, error)
	SubmitFan(ctx context.Context, deviceID string, in command.Intent) (*command.Pending, error)
	Status() state.Status
}

// Logger defines the logging interface used by the bridge.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Options holds configuration for creating a bridge.
type Options struct {
	// MQTTClient publishes entities and receives commands. Required.
	MQTTClient MQTTClient

	// Topics names every topic. Defaults to NewTopics("", "").
	Topics mqtt.Topics

	// Version is reported in health messages.
	Version string

	// QoS is used for every publication and the command subscription.
	QoS byte

	// HealthInterval is how often health is published. Default: 30 seconds.
	HealthInterval time.Duration

	// CommandTimeout bounds the wait for a command acknowledgement.
	CommandTimeout time.Duration

	Logger Logger
	Clock  func() time.Time
}

// Bridge publishes synchronised devices as Home Assistant entities and
// routes their commands back into the synchronizer.
//
// It implements state.Adapter. Attach the synchronizer with SetSource
// before Start.
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	mqtt           MQTTClient
	topics         mqtt.Topics
	qos            byte
	health         *HealthReporter
	commandTimeout time.Duration
	logger         Logger
	now            func() time.Time

	source   Source
	sourceMu sync.RWMutex

	// Published entities by binding ID, and last published availability.
	entities  map[string]entity
	available map[string]bool
	mu        sync.Mutex

	// Shutdown coordination
	stopped   bool
	stopMu    sync.Mutex
	wg        sync.WaitGroup
	stopOnce  sync.Once
	ctx       context.Context    // Bridge-level context, cancelled on Stop()
	ctxCancel context.CancelFunc // Cancel function for ctx
}

var _ state.Adapter = (*Bridge)(nil)

// New creates a bridge. It does not touch the broker until Start.
func New(opts Options) (*Bridge, error) {
	if opts.MQTTClient == nil {
		return nil, fmt.Errorf("MQTT client is required")
	}
	if opts.Topics == (mqtt.Topics{}) {
		opts.Topics = mqtt.NewTopics("", "")
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = DefaultCommandTimeout
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		mqtt:           opts.MQTTClient,
		topics:         opts.Topics,
		qos:            opts.QoS,
		commandTimeout: opts.CommandTimeout,
		logger:         opts.Logger,
		now:            opts.Clock,
		entities:       make(map[string]entity),
		available:      make(map[string]bool),
		ctx:            ctx,
		ctxCancel:      cancel,
	}
	b.health = NewHealthReporter(HealthReporterConfig{
		Topic:     opts.Topics.Health(),
		Version:   opts.Version,
		QoS:       opts.QoS,
		Interval:  opts.HealthInterval,
		Publisher: opts.MQTTClient,
		Status:    b,
		Logger:    opts.Logger,
		Clock:     opts.Clock,
	})
	return b, nil
}

// SetSource attaches the synchronizer the bridge reads and commands.
func (b *Bridge) SetSource(src Source) {
	b.sourceMu.Lock()
	b.source = src
	b.sourceMu.Unlock()
}

func (b *Bridge) getSource() Source {
	b.sourceMu.RLock()
	defer b.sourceMu.RUnlock()
	return b.source
}

// Start subscribes to command topics and begins health reporting.
func (b *Bridge) Start(ctx context.Context) error {
	if b.getSource() == nil {
		return ErrNoSource
	}

	if err := b.health.PublishStarting(); err != nil {
		b.logger.Warn("failed to publish starting status", "error", err)
	}

	commandTopic := b.topics.AllBindingCommands()
	if err := b.mqtt.Subscribe(commandTopic, b.qos, b.handleMQTTMessage); err != nil {
		return fmt.Errorf("subscribe to commands: %w", err)
	}
	b.logger.Info("subscribed to commands", "topic", commandTopic)

	b.health.Start(ctx)
	if err := b.health.PublishNow(); err != nil {
		b.logger.Warn("failed to publish health", "error", err)
	}

	b.logger.Info("bridge started", "devices", len(b.getSource().DeviceIDs()))
	return nil
}

// Stop gracefully shuts down the bridge. Outstanding commands are abandoned
// after their acknowledgement goroutines observe the cancelled context.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.stopMu.Lock()
		b.stopped = true
		b.stopMu.Unlock()

		b.ctxCancel()
		b.health.Stop()
		b.wg.Wait()

		if b.mqtt.IsConnected() {
			if err := b.mqtt.Unsubscribe(b.topics.AllBindingCommands()); err != nil {
				b.logger.Warn("failed to unsubscribe from commands", "error", err)
			}
		}

		b.logger.Info("bridge stopped")
	})
}

// Status returns the synchronizer summary, or zero before a source is set.
func (b *Bridge) Status() state.Status {
	src := b.getSource()
	if src == nil {
		return state.Status{}
	}
	return src.Status()
}

// =============================================================================
// state.Adapter
// =============================================================================

// OnBindingsChanged publishes discovery configs for added bindings and
// clears the retained topics of removed ones.
func (b *Bridge) OnBindingsChanged(deviceID string, change capability.Change) {
	for _, rb := range change.Removed {
		b.unpublishEntity(rb)
	}

	src := b.getSource()
	if src == nil {
		return
	}
	d, err := src.Device(deviceID)
	if errors.Is(err, device.ErrDeviceNotFound) {
		b.clearAvailability(deviceID)
		return
	}
	if err != nil {
		b.logger.Warn("reading device for discovery failed", "device_id", deviceID, "error", err)
		return
	}
	for _, ab := range change.Added {
		b.publishEntity(d, ab)
	}
}

// OnStateChanged publishes availability and the state of every binding
// backed by a changed key.
func (b *Bridge) OnStateChanged(deviceID string, keys []string) {
	src := b.getSource()
	if src == nil {
		return
	}
	d, err := src.Device(deviceID)
	if err != nil {
		return
	}
	bindings, err := src.Bindings(deviceID)
	if err != nil {
		return
	}

	b.publishAvailability(deviceID, d.Available, false)
	if !d.Available {
		return
	}
	for _, bd := range capability.Affected(bindings, keys) {
		b.publishState(d, bd)
	}
}

// PublishAll republishes discovery, availability and state for every known
// device. Call it after the broker connection is re-established.
func (b *Bridge) PublishAll() {
	src := b.getSource()
	if src == nil {
		return
	}
	for _, id := range src.DeviceIDs() {
		d, err := src.Device(id)
		if err != nil {
			continue
		}
		bindings, err := src.Bindings(id)
		if err != nil {
			continue
		}
		for _, bd := range bindings {
			b.publishEntity(d, bd)
		}
		b.publishAvailability(id, d.Available, true)
		if !d.Available {
			continue
		}
		for _, bd := range bindings {
			b.publishState(d, bd)
		}
	}
}

func (b *Bridge) publishEntity(d *device.Device, bd capability.Binding) {
	e, ok := buildEntity(b.topics, d, bd)
	if !ok {
		return
	}
	payload, err := json.Marshal(e.config)
	if err != nil {
		b.logger.Error("failed to marshal discovery config", "binding", bd.ID(), "error", err)
		return
	}
	if err := b.mqtt.Publish(e.discoveryTopic, payload, b.qos, true); err != nil {
		b.logger.Warn("failed to publish discovery config", "binding", bd.ID(), "error", err)
		return
	}

	b.mu.Lock()
	b.entities[bd.ID()] = e
	b.mu.Unlock()
	b.logger.Debug("published entity", "binding", bd.ID(), "component", e.component)
}

func (b *Bridge) unpublishEntity(bd capability.Binding) {
	b.mu.Lock()
	e, ok := b.entities[bd.ID()]
	delete(b.entities, bd.ID())
	b.mu.Unlock()
	if !ok {
		return
	}

	// An empty retained payload deletes both the entity and its last state.
	for _, topic := range []string{e.discoveryTopic, e.stateTopic} {
		if err := b.mqtt.Publish(topic, nil, b.qos, true); err != nil {
			b.logger.Warn("failed to clear retained topic", "topic", topic, "error", err)
		}
	}
	b.logger.Debug("removed entity", "binding", bd.ID())
}

func (b *Bridge) publishAvailability(deviceID string, available, force bool) {
	b.mu.Lock()
	prev, known := b.available[deviceID]
	b.available[deviceID] = available
	b.mu.Unlock()
	if known && prev == available && !force {
		return
	}

	payload := mqtt.PayloadOffline
	if available {
		payload = mqtt.PayloadOnline
	}
	if err := b.mqtt.Publish(b.topics.DeviceAvailability(deviceID), []byte(payload), b.qos, true); err != nil {
		b.logger.Warn("failed to publish availability", "device_id", deviceID, "error", err)
	}
}

func (b *Bridge) clearAvailability(deviceID string) {
	b.mu.Lock()
	_, known := b.available[deviceID]
	delete(b.available, deviceID)
	b.mu.Unlock()
	if !known {
		return
	}
	if err := b.mqtt.Publish(b.topics.DeviceAvailability(deviceID), nil, b.qos, true); err != nil {
		b.logger.Warn("failed to clear availability", "device_id", deviceID, "error", err)
	}
}

func (b *Bridge) publishState(d *device.Device, bd capability.Binding) {
	st, ok := buildState(d, bd)
	if !ok {
		return
	}
	payload, err := json.Marshal(st)
	if err != nil {
		b.logger.Error("failed to marshal state", "binding", bd.ID(), "error", err)
		return
	}
	topic := b.topics.BindingState(bd.DeviceID, string(bd.Kind), bd.Key)
	if err := b.mqtt.Publish(topic, payload, b.qos, true); err != nil {
		b.logger.Warn("failed to publish state", "binding", bd.ID(), "error", err)
	}
}

// =============================================================================
// Commands
// =============================================================================

// handleMQTTMessage processes a payload on a binding command topic. Every
// parsable topic gets exactly one acknowledgement.
func (b *Bridge) handleMQTTMessage(topic string, payload []byte) error {
	deviceID, kind, key, ok := b.topics.ParseBindingCommand(topic)
	if !ok {
		return fmt.Errorf("%w: %s", ErrInvalidTopic, topic)
	}
	bindingID := capability.Binding{DeviceID: deviceID, Kind: capability.Kind(kind), Key: key}.ID()

	msg, err := ParseCommand(payload)
	if err != nil {
		b.publishAckError(uuid.NewString(), deviceID, bindingID, err)
		return nil
	}
	commandID := msg.RequestID
	if commandID == "" {
		commandID = uuid.NewString()
	}

	b.logger.Info("received command", "command_id", commandID, "binding", bindingID)

	b.stopMu.Lock()
	if b.stopped {
		b.stopMu.Unlock()
		b.publishAckError(commandID, deviceID, bindingID, ErrStopped)
		return nil
	}
	b.wg.Add(1)
	b.stopMu.Unlock()
	defer b.wg.Done()

	p, err := b.submit(deviceID, capability.Kind(kind), key, msg)
	if err != nil {
		b.publishAckError(commandID, deviceID, bindingID, err)
		return nil
	}

	b.wg.Add(1)
	go b.awaitAck(p, commandID, bindingID)
	return nil
}

// submit routes a parsed command to the synchronizer.
func (b *Bridge) submit(deviceID string, kind capability.Kind, key string, msg CommandMessage) (*command.Pending, error) {
	src := b.getSource()
	if src == nil {
		return nil, ErrNoSource
	}
	bindings, err := src.Bindings(deviceID)
	if err != nil {
		return nil, err
	}

	var target *capability.Binding
	for i := range bindings {
		if bindings[i].Kind == kind && bindings[i].Key == key {
			target = &bindings[i]
			break
		}
	}
	if target == nil {
		return nil, fmt.Errorf("%w: %s/%s/%s", ErrUnknownBinding, deviceID, kind, key)
	}

	switch target.Kind {
	case capability.KindSensor:
		return nil, fmt.Errorf("%w: %s", ErrReadOnly, target.ID())
	case capability.KindFan:
		in, err := msg.FanIntent()
		if err != nil {
			return nil, err
		}
		return src.SubmitFan(b.ctx, deviceID, in)
	}
	if msg.Value == nil {
		return nil, fmt.Errorf("%w: no value for %s", ErrInvalidCommand, target.ID())
	}
	return src.SubmitChange(b.ctx, deviceID, map[string]any{key: msg.Value})
}

// awaitAck waits for a submitted command and acknowledges its outcome.
func (b *Bridge) awaitAck(p *command.Pending, commandID, bindingID string) {
	defer b.wg.Done()

	ctx, cancel := context.WithTimeout(b.ctx, b.commandTimeout)
	defer cancel()

	if err := p.Wait(ctx); err != nil {
		b.publishAckError(commandID, p.DeviceID, bindingID, err)
		return
	}
	b.publishAck(AckMessage{
		CommandID: commandID,
		Timestamp: b.now().UTC(),
		DeviceID:  p.DeviceID,
		Binding:   bindingID,
		Status:    AckConfirmed,
	})
}

func (b *Bridge) publishAckError(commandID, deviceID, bindingID string, err error) {
	b.logger.Warn("command failed", "command_id", commandID, "binding", bindingID, "error", err)
	b.publishAck(AckMessage{
		CommandID: commandID,
		Timestamp: b.now().UTC(),
		DeviceID:  deviceID,
		Binding:   bindingID,
		Status:    AckFailed,
		Error:     &AckError{Code: errorCode(err), Message: err.Error()},
	})
}

func (b *Bridge) publishAck(ack AckMessage) {
	payload, err := json.Marshal(ack)
	if err != nil {
		b.logger.Error("failed to marshal ack", "error", err)
		return
	}
	if err := b.mqtt.Publish(b.topics.Ack(ack.DeviceID), payload, b.qos, false); err != nil {
		b.logger.Warn("failed to publish ack", "command_id", ack.CommandID, "error", err)
	}
}
