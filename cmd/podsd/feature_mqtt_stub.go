//go:build no_mqtt

package main

import (
	"log/slog"

	"podsd/internal/bluez"
	"podsd/internal/resolver"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *resolver.Resolver, _ *bluez.Connector, _ *Config, _ *slog.Logger) *mqttStopper {
	return &mqttStopper{}
}
