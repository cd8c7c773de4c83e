// Package config is the JSON-backed configuration for a mesh relay
// host: identity, service discovery parameters, and engine timer
// tuning.
//
// Shape and persistence helpers (Default/Validate/Load/Save/Ensure)
// follow a single struct with JSON tags, a Default constructor, field
// validation, and file round-tripping through encoding/json and
// util.WriteJSONFile. The fields themselves are scoped to this domain —
// no site-build paths, no rendezvous/WAN presence, no viewer HTTP
// server — just the engine's own identity and timer knobs.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/signalmesh/meshrelay/internal/engine"
	"github.com/signalmesh/meshrelay/internal/util"
)

// Config is the full on-disk configuration for a relay host.
type Config struct {
	Identity Identity `json:"identity"`
	Node     Node     `json:"node"`
	Timers   Timers   `json:"timers"`
}

// Identity controls the persisted transport-layer key.
type Identity struct {
	KeyFile string `json:"key_file"`
}

// Node names this host on the mesh.
type Node struct {
	ServiceID  string `json:"service_id"`
	LocalName  string `json:"local_name"`
	ListenPort int    `json:"listen_port"`
}

// Timers mirrors engine.Config's tunable durations, stored in
// milliseconds on disk for readability in a hand-edited config file.
type Timers struct {
	InitialTTL                    int   `json:"initial_ttl"`
	SeenSetCapacity               int   `json:"seen_set_capacity"`
	AdvertisingRetryDelayMS       int64 `json:"advertising_retry_delay_ms"`
	DiscoveryStartDelayMS         int64 `json:"discovery_start_delay_ms"`
	DiscoveryRetryDelayMS         int64 `json:"discovery_retry_delay_ms"`
	RequestConnectionRetryDelayMS int64 `json:"request_connection_retry_delay_ms"`
	ReconnectProbeDelayMS         int64 `json:"reconnect_probe_delay_ms"`
	DiscoveryStopSettleDelayMS    int64 `json:"discovery_stop_settle_delay_ms"`
	DiscoveryMaintenanceEveryMS   int64 `json:"discovery_maintenance_every_ms"`
	StatusCheckEveryMS            int64 `json:"status_check_every_ms"`
	LostWindowMS                  int64 `json:"lost_window_ms"`
}

// Default returns the configuration matching the engine's own
// DefaultConfig timers.
func Default() Config {
	ec := engine.DefaultConfig()
	return Config{
		Identity: Identity{KeyFile: "data/identity.key"},
		Node: Node{
			ServiceID:  "mesh.relay.v1",
			LocalName:  "node",
			ListenPort: 0,
		},
		Timers: Timers{
			InitialTTL:                    ec.InitialTTL,
			SeenSetCapacity:               ec.SeenSetCapacity,
			AdvertisingRetryDelayMS:       ec.AdvertisingRetryDelay.Milliseconds(),
			DiscoveryStartDelayMS:         ec.DiscoveryStartDelay.Milliseconds(),
			DiscoveryRetryDelayMS:         ec.DiscoveryRetryDelay.Milliseconds(),
			RequestConnectionRetryDelayMS: ec.RequestConnectionRetryDelay.Milliseconds(),
			ReconnectProbeDelayMS:         ec.ReconnectProbeDelay.Milliseconds(),
			DiscoveryStopSettleDelayMS:    ec.DiscoveryStopSettleDelay.Milliseconds(),
			DiscoveryMaintenanceEveryMS:   ec.DiscoveryMaintenanceEvery.Milliseconds(),
			StatusCheckEveryMS:            ec.StatusCheckEvery.Milliseconds(),
			LostWindowMS:                  ec.LostWindow.Milliseconds(),
		},
	}
}

// Validate rejects a Config with a structurally broken field: one error
// per offending field, first failure wins.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Identity.KeyFile) == "" {
		return errors.New("identity.key_file is required")
	}
	if strings.TrimSpace(c.Node.ServiceID) == "" {
		return errors.New("node.service_id is required")
	}
	name, err := util.ValidatePeerName(c.Node.LocalName)
	if err != nil {
		return fmt.Errorf("node.local_name: %w", err)
	}
	c.Node.LocalName = name
	if c.Node.ListenPort < 0 || c.Node.ListenPort > 65535 {
		return errors.New("node.listen_port must be 0..65535")
	}
	if c.Timers.InitialTTL < 1 {
		return errors.New("timers.initial_ttl must be >= 1")
	}
	if c.Timers.SeenSetCapacity < 1 {
		return errors.New("timers.seen_set_capacity must be >= 1")
	}
	for _, d := range []struct {
		name string
		ms   int64
	}{
		{"advertising_retry_delay_ms", c.Timers.AdvertisingRetryDelayMS},
		{"discovery_start_delay_ms", c.Timers.DiscoveryStartDelayMS},
		{"discovery_retry_delay_ms", c.Timers.DiscoveryRetryDelayMS},
		{"request_connection_retry_delay_ms", c.Timers.RequestConnectionRetryDelayMS},
		{"reconnect_probe_delay_ms", c.Timers.ReconnectProbeDelayMS},
		{"discovery_stop_settle_delay_ms", c.Timers.DiscoveryStopSettleDelayMS},
		{"discovery_maintenance_every_ms", c.Timers.DiscoveryMaintenanceEveryMS},
		{"status_check_every_ms", c.Timers.StatusCheckEveryMS},
		{"lost_window_ms", c.Timers.LostWindowMS},
	} {
		if d.ms <= 0 {
			return fmt.Errorf("timers.%s must be > 0", d.name)
		}
	}
	return nil
}

// EngineConfig translates the on-disk Timers/Node fields into the
// engine.Config the relay engine actually runs with.
func (c Config) EngineConfig() engine.Config {
	return engine.Config{
		ServiceID:                   c.Node.ServiceID,
		LocalName:                   c.Node.LocalName,
		InitialTTL:                  c.Timers.InitialTTL,
		SeenSetCapacity:             c.Timers.SeenSetCapacity,
		AdvertisingRetryDelay:       time.Duration(c.Timers.AdvertisingRetryDelayMS) * time.Millisecond,
		DiscoveryStartDelay:         time.Duration(c.Timers.DiscoveryStartDelayMS) * time.Millisecond,
		DiscoveryRetryDelay:         time.Duration(c.Timers.DiscoveryRetryDelayMS) * time.Millisecond,
		RequestConnectionRetryDelay: time.Duration(c.Timers.RequestConnectionRetryDelayMS) * time.Millisecond,
		ReconnectProbeDelay:         time.Duration(c.Timers.ReconnectProbeDelayMS) * time.Millisecond,
		DiscoveryStopSettleDelay:    time.Duration(c.Timers.DiscoveryStopSettleDelayMS) * time.Millisecond,
		DiscoveryMaintenanceEvery:   time.Duration(c.Timers.DiscoveryMaintenanceEveryMS) * time.Millisecond,
		StatusCheckEvery:            time.Duration(c.Timers.StatusCheckEveryMS) * time.Millisecond,
		LostWindow:                  time.Duration(c.Timers.LostWindowMS) * time.Millisecond,
	}
}

// Load reads and validates a Config from path.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save validates and writes cfg to path.
func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads the config at path if present, otherwise writes and
// returns a Default one. The bool result reports whether a new file was
// created.
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}
	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
