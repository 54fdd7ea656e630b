//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"strings"

	"podsd/internal/resolver"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/sensor/pods_2014/left_battery/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic"`
	CommandTopic      string   `json:"command_topic,omitempty"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	UnitOfMeasurement string   `json:"unit_of_measurement,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	StateClass        string   `json:"state_class,omitempty"`
	PayloadOn         string   `json:"payload_on,omitempty"`
	PayloadOff        string   `json:"payload_off,omitempty"`
	Device            haDevice `json:"device"`
}

// deviceIdentifier returns the unique identifier for the HA device registry.
func deviceIdentifier(s resolver.DeviceState) string {
	return fmt.Sprintf("pods_%04x", s.ModelID)
}

// deviceTopicName returns the topic segment for a device: the sanitized
// model name plus the model ID, stable across restarts.
func deviceTopicName(s resolver.DeviceState) string {
	name := strings.ToLower(s.Model.Name())
	name = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, name)
	return fmt.Sprintf("%s_%04x", name, s.ModelID)
}

func deviceDisplayName(s resolver.DeviceState) string {
	if s.Name != "" {
		return s.Name
	}
	return s.Model.Name()
}

// buildDiscovery generates HA discovery messages for a device.
func buildDiscovery(s resolver.DeviceState, prefix string) []discoveryMsg {
	avail := prefix + "/bridge/state"
	stateTopic := prefix + "/" + deviceTopicName(s)
	nodeID := deviceIdentifier(s)
	displayName := deviceDisplayName(s)

	haDev := haDevice{
		Identifiers:  []string{nodeID},
		Manufacturer: "Apple",
		Model:        s.Model.Name(),
		Name:         displayName,
	}

	msgs := []discoveryMsg{
		buildSensor(nodeID, displayName, stateTopic, avail, haDev,
			"left_battery", "Left Battery", "battery", "%", "measurement",
			"{{ value_json.left_battery }}"),
		buildSensor(nodeID, displayName, stateTopic, avail, haDev,
			"right_battery", "Right Battery", "battery", "%", "measurement",
			"{{ value_json.right_battery }}"),
		buildSensor(nodeID, displayName, stateTopic, avail, haDev,
			"case_battery", "Case Battery", "battery", "%", "measurement",
			"{{ value_json.case_battery }}"),
		buildSensor(nodeID, displayName, stateTopic, avail, haDev,
			"rssi", "RSSI", "signal_strength", "dBm", "measurement",
			"{{ value_json.rssi }}"),
		buildBinarySensor(nodeID, displayName, stateTopic, avail, haDev,
			"left_charging", "Left Charging", "battery_charging",
			"{{ value_json.left_charging }}"),
		buildBinarySensor(nodeID, displayName, stateTopic, avail, haDev,
			"right_charging", "Right Charging", "battery_charging",
			"{{ value_json.right_charging }}"),
		buildBinarySensor(nodeID, displayName, stateTopic, avail, haDev,
			"case_charging", "Case Charging", "battery_charging",
			"{{ value_json.case_charging }}"),
		buildBinarySensor(nodeID, displayName, stateTopic, avail, haDev,
			"left_in_ear", "Left In Ear", "occupancy",
			"{{ value_json.left_in_ear }}"),
		buildBinarySensor(nodeID, displayName, stateTopic, avail, haDev,
			"right_in_ear", "Right In Ear", "occupancy",
			"{{ value_json.right_in_ear }}"),
		buildBinarySensor(nodeID, displayName, stateTopic, avail, haDev,
			"lid_open", "Lid Open", "opening",
			"{{ value_json.lid_open }}"),
	}

	// Paired devices additionally get a connect switch.
	if s.Paired != nil {
		msgs = append(msgs, buildSwitch(nodeID, displayName, stateTopic, avail, haDev, prefix, s))
	}

	return msgs
}

func buildSensor(nodeID, displayName, stateTopic, avail string, haDev haDevice,
	objectID, suffix, deviceClass, unit, stateClass, valueTmpl string) discoveryMsg {

	topic := fmt.Sprintf("homeassistant/sensor/%s/%s/config", nodeID, objectID)
	payload := haDiscovery{
		Name:              displayName + " " + suffix,
		UniqueID:          nodeID + "_" + objectID,
		StateTopic:        stateTopic,
		AvailabilityTopic: avail,
		ValueTemplate:     valueTmpl,
		UnitOfMeasurement: unit,
		DeviceClass:       deviceClass,
		StateClass:        stateClass,
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

func buildBinarySensor(nodeID, displayName, stateTopic, avail string, haDev haDevice,
	objectID, suffix, deviceClass, valueTmpl string) discoveryMsg {

	topic := fmt.Sprintf("homeassistant/binary_sensor/%s/%s/config", nodeID, objectID)
	payload := haDiscovery{
		Name:              displayName + " " + suffix,
		UniqueID:          nodeID + "_" + objectID,
		StateTopic:        stateTopic,
		AvailabilityTopic: avail,
		ValueTemplate:     valueTmpl,
		DeviceClass:       deviceClass,
		PayloadOn:         "ON",
		PayloadOff:        "OFF",
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

func buildSwitch(nodeID, displayName, stateTopic, avail string, haDev haDevice, prefix string, s resolver.DeviceState) discoveryMsg {
	topic := fmt.Sprintf("homeassistant/switch/%s/connected/config", nodeID)
	cmdTopic := prefix + "/" + deviceTopicName(s) + "/set"
	payload := haDiscovery{
		Name:              displayName + " Connected",
		UniqueID:          nodeID + "_connected",
		StateTopic:        stateTopic,
		CommandTopic:      cmdTopic,
		AvailabilityTopic: avail,
		ValueTemplate:     "{{ value_json.connected }}",
		DeviceClass:       "switch",
		PayloadOn:         "ON",
		PayloadOff:        "OFF",
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

// buildRemoveDiscovery generates empty retained messages to remove a device
// from HA.
func buildRemoveDiscovery(s resolver.DeviceState) []discoveryMsg {
	nodeID := deviceIdentifier(s)

	components := []struct{ comp, obj string }{
		{"sensor", "left_battery"},
		{"sensor", "right_battery"},
		{"sensor", "case_battery"},
		{"sensor", "rssi"},
		{"binary_sensor", "left_charging"},
		{"binary_sensor", "right_charging"},
		{"binary_sensor", "case_charging"},
		{"binary_sensor", "left_in_ear"},
		{"binary_sensor", "right_in_ear"},
		{"binary_sensor", "lid_open"},
		{"switch", "connected"},
	}

	var msgs []discoveryMsg
	for _, c := range components {
		msgs = append(msgs, discoveryMsg{
			Topic:   fmt.Sprintf("homeassistant/%s/%s/%s/config", c.comp, nodeID, c.obj),
			Payload: nil, // empty retained = delete
		})
	}
	return msgs
}
