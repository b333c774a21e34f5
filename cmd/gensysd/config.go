package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/roasbeef/gensys/cluster"
	"github.com/roasbeef/gensys/internal/build"
)

// envPrefix scopes the environment overrides, e.g. GENSYS_NODE_NAME.
const envPrefix = "GENSYS_"

// DaemonConfig is the on-disk configuration surface of gensysd. Defaults are
// merged under the YAML file, and GENSYS_* environment variables override
// both.
type DaemonConfig struct {
	Node struct {
		Name   string   `koanf:"name"`
		Host   string   `koanf:"host"`
		Port   uint16   `koanf:"port"`
		Secret string   `koanf:"secret"`
		Seeds  []string `koanf:"seeds"`
	} `koanf:"node"`

	Heartbeat struct {
		IntervalMS    int `koanf:"interval_ms"`
		MissThreshold int `koanf:"miss_threshold"`
	} `koanf:"heartbeat"`

	Reconnect struct {
		BaseDelayMS int `koanf:"base_delay_ms"`
		MaxDelayMS  int `koanf:"max_delay_ms"`
	} `koanf:"reconnect"`

	Transport struct {
		MaxFrameBytes uint32 `koanf:"max_frame_bytes"`
	} `koanf:"transport"`

	HTTP struct {
		Addr string `koanf:"addr"`
	} `koanf:"http"`

	Log struct {
		Level         string `koanf:"level"`
		Dir           string `koanf:"dir"`
		MaxFiles      int    `koanf:"max_files"`
		MaxFileSizeMB int    `koanf:"max_file_size_mb"`
	} `koanf:"log"`
}

// defaultDaemonConfig returns the built-in defaults.
func defaultDaemonConfig() DaemonConfig {
	var cfg DaemonConfig

	cfg.Node.Name = "gensys"
	cfg.Node.Host = "127.0.0.1"
	cfg.Node.Port = 7946
	cfg.Heartbeat.IntervalMS = 5000
	cfg.Heartbeat.MissThreshold = 3
	cfg.Reconnect.BaseDelayMS = 1000
	cfg.Reconnect.MaxDelayMS = 30000
	cfg.Transport.MaxFrameBytes = cluster.DefaultMaxFrameSize
	cfg.HTTP.Addr = "127.0.0.1:7947"
	cfg.Log.Level = "info"
	cfg.Log.MaxFiles = build.DefaultMaxLogFiles
	cfg.Log.MaxFileSizeMB = build.DefaultMaxLogFileSize

	return cfg
}

// loadConfig layers defaults, the optional YAML file, and environment
// overrides into the final daemon config.
func loadConfig(path string) (DaemonConfig, error) {
	k := koanf.New(".")

	if err := k.Load(
		structs.Provider(defaultDaemonConfig(), "koanf"), nil,
	); err != nil {
		return DaemonConfig{}, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		err := k.Load(file.Provider(path), yaml.Parser())
		if err != nil {
			return DaemonConfig{}, fmt.Errorf("load %s: %w",
				path, err)
		}
	}

	// GENSYS_NODE_NAME=foo maps onto node.name.
	err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(
			strings.TrimPrefix(s, envPrefix),
		), "_", ".")
	}), nil)
	if err != nil {
		return DaemonConfig{}, fmt.Errorf("load env: %w", err)
	}

	var cfg DaemonConfig
	if err := k.Unmarshal("", &cfg); err != nil {
		return DaemonConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, nil
}

// clusterConfig translates the daemon config into the cluster's.
func (c DaemonConfig) clusterConfig() cluster.Config {
	return cluster.Config{
		NodeName: c.Node.Name,
		Host:     c.Node.Host,
		Port:     c.Node.Port,
		Secret:   c.Node.Secret,
		Seeds:    c.Node.Seeds,
		HeartbeatInterval: time.Duration(
			c.Heartbeat.IntervalMS) * time.Millisecond,
		HeartbeatMissThreshold: c.Heartbeat.MissThreshold,
		ReconnectBaseDelay: time.Duration(
			c.Reconnect.BaseDelayMS) * time.Millisecond,
		ReconnectMaxDelay: time.Duration(
			c.Reconnect.MaxDelayMS) * time.Millisecond,
		MaxFrameSize: c.Transport.MaxFrameBytes,
	}
}
