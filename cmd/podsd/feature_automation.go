package main

import (
	"log/slog"

	"podsd/internal/automation"
	"podsd/internal/bluez"
	"podsd/internal/resolver"
)

type autoStopper struct {
	engine *automation.Engine
}

func (a *autoStopper) Stop() {
	if a.engine != nil {
		a.engine.Stop()
	}
}

func initAutomation(res *resolver.Resolver, connector *bluez.Connector, cfg *Config, logger *slog.Logger) *autoStopper {
	var conn automation.Connector
	if connector != nil {
		conn = connector
	}
	engine := automation.NewEngine(res, conn, logger)
	if err := engine.Start(cfg.ScriptsDir); err != nil {
		logger.Error("start automation engine", "err", err)
		return &autoStopper{}
	}
	return &autoStopper{engine: engine}
}
