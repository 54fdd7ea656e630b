//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"podsd/internal/resolver"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
}

// Connector is the subset of the BlueZ connector the bridge drives for
// "ON"/"OFF" commands from Home Assistant.
type Connector interface {
	Connect(ctx context.Context, modelID uint16) error
	Disconnect(ctx context.Context, modelID uint16) error
}

// Bridge publishes device state to MQTT with HA autodiscovery and accepts
// connect/disconnect commands back.
type Bridge struct {
	client    pahomqtt.Client
	res       *resolver.Resolver
	connector Connector
	prefix    string
	logger    *slog.Logger
	unsub     func()
	ctx       context.Context
	cancel    context.CancelFunc

	// topic name -> model ID, for routing wildcard command messages.
	mu     sync.Mutex
	topics map[string]uint16
}

// NewBridge creates and connects an MQTT bridge. connector may be nil, in
// which case command messages are logged and dropped.
func NewBridge(res *resolver.Resolver, connector Connector, cfg Config, logger *slog.Logger) (*Bridge, error) {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		res:       res,
		connector: connector,
		prefix:    cfg.TopicPrefix,
		logger:    logger.With("component", "mqtt"),
		topics:    make(map[string]uint16),
		ctx:       ctx,
		cancel:    cancel,
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID("podsd").
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
			b.publishAll()
			b.subscribeCommands()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	b.client = client

	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		cancel()
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		cancel()
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

// Start subscribes to resolver notifications and begins publishing.
func (b *Bridge) Start() {
	b.unsub = b.res.Subscribe(b.handleNotification)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	b.cancel()
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) handleNotification(n resolver.Notification) {
	switch n.Reason {
	case resolver.ReasonDiscovered, resolver.ReasonPairedUpdate:
		b.publishDeviceDiscovery(n.State)
		b.publishState(n.State)
	case resolver.ReasonRemoved, resolver.ReasonStale:
		b.removeDevice(n.State)
	default:
		b.publishState(n.State)
	}
}

func (b *Bridge) publishState(s resolver.DeviceState) {
	topic := b.prefix + "/" + deviceTopicName(s)
	b.mu.Lock()
	b.topics[deviceTopicName(s)] = s.ModelID
	b.mu.Unlock()
	b.publish(topic, statePayload(s), true)
}

func (b *Bridge) removeDevice(s resolver.DeviceState) {
	for _, msg := range buildRemoveDiscovery(s) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	// Clear the retained state message too.
	b.publish(b.prefix+"/"+deviceTopicName(s), nil, true)
	b.mu.Lock()
	delete(b.topics, deviceTopicName(s))
	b.mu.Unlock()
}

// statePayload flattens the merged device state into the JSON document the
// discovery value templates reference.
func statePayload(s resolver.DeviceState) []byte {
	doc := map[string]any{
		"model":                s.Model.Name(),
		"model_id":             fmt.Sprintf("0x%04X", s.ModelID),
		"connected":            onOff(s.Connected),
		"default_audio_output": onOff(s.DefaultAudioOutput),
		"paired":               s.Paired != nil,
		"last_seen":            s.LastSeen.Format(time.RFC3339),
	}
	if e := s.Enrichment; e != nil {
		doc["left_battery"] = e.LeftBattery.Percent()
		doc["right_battery"] = e.RightBattery.Percent()
		doc["case_battery"] = e.CaseBattery.Percent()
		doc["left_charging"] = onOff(e.LeftCharging)
		doc["right_charging"] = onOff(e.RightCharging)
		doc["case_charging"] = onOff(e.CaseCharging)
		doc["left_in_ear"] = onOff(e.LeftInEar)
		doc["right_in_ear"] = onOff(e.RightInEar)
		doc["lid_open"] = onOff(e.LidOpen)
		doc["rssi"] = e.RSSI
	}
	return mustJSON(doc)
}

// onOff renders booleans the way Home Assistant binary payloads expect.
func onOff(v bool) string {
	if v {
		return "ON"
	}
	return "OFF"
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.prefix+"/bridge/state", []byte(state), true)
}

// publishAll re-announces every known device, used after (re)connect so a
// restarted broker gets the retained topics back.
func (b *Bridge) publishAll() {
	for _, s := range b.res.All() {
		b.publishDeviceDiscovery(s)
		b.publishState(s)
	}
}

func (b *Bridge) publishDeviceDiscovery(s resolver.DeviceState) {
	for _, msg := range buildDiscovery(s, b.prefix) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	b.logger.Info("published HA discovery", "model", s.Model.Name(), "model_id", fmt.Sprintf("0x%04X", s.ModelID))
}

func (b *Bridge) subscribeCommands() {
	topic := b.prefix + "/+/set"
	b.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleCommand(msg.Topic(), msg.Payload())
	})
}

func (b *Bridge) handleCommand(topic string, payload []byte) {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 {
		return
	}
	name := parts[len(parts)-2]

	b.mu.Lock()
	modelID, ok := b.topics[name]
	b.mu.Unlock()
	if !ok {
		b.logger.Warn("command for unknown device", "topic", topic)
		return
	}
	if b.connector == nil {
		b.logger.Warn("command received but no connector configured", "topic", topic)
		return
	}

	var want bool
	switch strings.ToUpper(strings.TrimSpace(string(payload))) {
	case "ON":
		want = true
	case "OFF":
		want = false
	default:
		// Also accept {"connected": "ON"} style JSON.
		var cmd map[string]any
		if err := json.Unmarshal(payload, &cmd); err != nil {
			b.logger.Warn("invalid command payload", "topic", topic, "payload", string(payload))
			return
		}
		v, ok := cmd["connected"].(string)
		if !ok {
			return
		}
		want = strings.EqualFold(v, "ON")
	}

	ctx, cancel := context.WithTimeout(b.ctx, 15*time.Second)
	defer cancel()
	var err error
	if want {
		err = b.connector.Connect(ctx, modelID)
	} else {
		err = b.connector.Disconnect(ctx, modelID)
	}
	if err != nil {
		b.logger.Warn("command failed", "model_id", fmt.Sprintf("0x%04X", modelID), "connect", want, "err", err)
	}
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
