package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"podsd/internal/bluez"
	"podsd/internal/enrich"
	"podsd/internal/history"
	"podsd/internal/resolver"
	"podsd/internal/serialsrc"
	"podsd/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	Bluetooth struct {
		Enabled bool   `yaml:"enabled"`
		Adapter string `yaml:"adapter"`
	} `yaml:"bluetooth"`
	Serial struct {
		Enabled bool   `yaml:"enabled"`
		Port    string `yaml:"port"`
		Baud    int    `yaml:"baud"`
	} `yaml:"serial"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	History struct {
		Path        string `yaml:"path"`
		MinInterval string `yaml:"min_interval"`
		Retention   string `yaml:"retention"`
	} `yaml:"history"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`
	Resolver struct {
		Debounce       string `yaml:"debounce"`
		OperationGrace string `yaml:"operation_grace"`
		MaxLockout     string `yaml:"max_lockout"`
		StaleAfter     string `yaml:"stale_after"`
		SweepInterval  string `yaml:"sweep_interval"`
	} `yaml:"resolver"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	ScriptsDir string `yaml:"scripts_dir"`
}

func (c *Config) validate() error {
	if !c.Bluetooth.Enabled && !c.Serial.Enabled {
		return fmt.Errorf("at least one of bluetooth.enabled or serial.enabled is required")
	}
	if c.Serial.Enabled && c.Serial.Port == "" {
		return fmt.Errorf("serial.port is required when serial.enabled")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt.enabled")
	}
	for _, d := range []struct{ name, val string }{
		{"resolver.debounce", c.Resolver.Debounce},
		{"resolver.operation_grace", c.Resolver.OperationGrace},
		{"resolver.max_lockout", c.Resolver.MaxLockout},
		{"resolver.stale_after", c.Resolver.StaleAfter},
		{"resolver.sweep_interval", c.Resolver.SweepInterval},
		{"history.min_interval", c.History.MinInterval},
		{"history.retention", c.History.Retention},
	} {
		if d.val == "" {
			continue
		}
		if _, err := time.ParseDuration(d.val); err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
	}
	return nil
}

// duration parses an optional config duration, falling back when unset.
// validate() already rejected unparseable values.
func duration(val string, fallback time.Duration) time.Duration {
	if val == "" {
		return fallback
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}

	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("podsd starting", "version", version)

	res := resolver.New(resolver.Options{
		Debounce:       duration(cfg.Resolver.Debounce, 0),
		OperationGrace: duration(cfg.Resolver.OperationGrace, 0),
		MaxLockout:     duration(cfg.Resolver.MaxLockout, 0),
	}, logger)

	projector := enrich.NewProjector(res, logger)

	// Battery history, attached before any source starts reporting.
	rec, err := history.Open(cfg.History.Path, duration(cfg.History.MinInterval, time.Minute), logger)
	if err != nil {
		logger.Error("open history", "err", err)
		os.Exit(1)
	}
	defer rec.Close()
	rec.Attach(res)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Observation sources.
	var connector *bluez.Connector
	if cfg.Bluetooth.Enabled {
		bz, err := bluez.Connect(cfg.Bluetooth.Adapter)
		if err != nil {
			logger.Error("connect to bluez", "err", err)
			os.Exit(1)
		}
		defer bz.Close()

		monitor := bluez.NewMonitor(bz, projector, res, logger)
		if err := monitor.Start(ctx); err != nil {
			logger.Error("start bluez monitor", "err", err)
			os.Exit(1)
		}
		defer monitor.Stop()

		connector = bluez.NewConnector(bz, res, logger)
	}

	if cfg.Serial.Enabled {
		src, err := serialsrc.Open(cfg.Serial.Port, cfg.Serial.Baud, projector, logger)
		if err != nil {
			logger.Error("open serial scanner", "err", err)
			os.Exit(1)
		}
		defer src.Close()
	}

	// Automation scripts.
	auto := initAutomation(res, connector, cfg, logger)
	defer auto.Stop()

	// Periodic staleness sweep and history pruning.
	go sweepLoop(ctx, res, rec, cfg, logger)

	// Web API.
	webOpts := []web.ServerOption{
		web.WithVersion(version),
		web.WithHistory(rec),
	}
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}

	var webConnector web.Connector
	if connector != nil {
		webConnector = connector
	}
	webServer := web.NewServer(res, webConnector, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	// MQTT bridge (no-op when built with the no_mqtt tag).
	mqtt := initMQTT(res, connector, cfg, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	mqtt.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	cancel()

	logger.Info("goodbye")
}

// sweepLoop evicts unpaired devices that stopped broadcasting and prunes
// history past the retention window.
func sweepLoop(ctx context.Context, res *resolver.Resolver, rec *history.Recorder, cfg *Config, logger *slog.Logger) {
	interval := duration(cfg.Resolver.SweepInterval, 30*time.Second)
	staleAfter := duration(cfg.Resolver.StaleAfter, 5*time.Minute)
	retention := duration(cfg.History.Retention, 30*24*time.Hour)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastPrune time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res.SweepStale(staleAfter)
			if time.Since(lastPrune) >= time.Hour {
				if err := rec.Prune(time.Now().Add(-retention)); err != nil {
					logger.Warn("history prune", "err", err)
				}
				lastPrune = time.Now()
			}
		}
	}
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Bluetooth.Adapter == "" {
		cfg.Bluetooth.Adapter = "hci0"
	}
	if cfg.Serial.Baud == 0 {
		cfg.Serial.Baud = 115200
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.History.Path == "" {
		cfg.History.Path = "podsd.db"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "podsd"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	return &cfg, nil
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
