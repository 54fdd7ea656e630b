//go:build !no_mqtt

package main

import (
	"log/slog"

	mqttbridge "podsd/internal/mqtt"

	"podsd/internal/bluez"
	"podsd/internal/resolver"
)

type mqttStopper struct {
	bridge *mqttbridge.Bridge
}

func (m *mqttStopper) Stop() {
	if m.bridge != nil {
		m.bridge.Stop()
	}
}

func initMQTT(res *resolver.Resolver, connector *bluez.Connector, cfg *Config, logger *slog.Logger) *mqttStopper {
	if !cfg.MQTT.Enabled {
		return &mqttStopper{}
	}
	var conn mqttbridge.Connector
	if connector != nil {
		conn = connector
	}
	bridge, err := mqttbridge.NewBridge(res, conn, mqttbridge.Config{
		Broker:      cfg.MQTT.Broker,
		Username:    cfg.MQTT.Username,
		Password:    cfg.MQTT.Password,
		TopicPrefix: cfg.MQTT.TopicPrefix,
	}, logger)
	if err != nil {
		logger.Error("mqtt bridge", "err", err)
		return &mqttStopper{}
	}
	bridge.Start()
	return &mqttStopper{bridge: bridge}
}
