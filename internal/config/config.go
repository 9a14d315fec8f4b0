// Package config loads the static deployment configuration: the channels
// this process serves, their zones, the shared KV and event-store backends,
// and every counting threshold. Numeric fields are pointers so a partial
// JSON file overrides only what it names; the Get* accessors supply the
// defaults for everything else and are the only sanctioned read path.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/banshee-data/footfall.report/internal/units"
)

// Config is the root of the JSON configuration file.
type Config struct {
	// Timezone is the IANA name used for daily count boundaries. Empty
	// means UTC.
	Timezone *string `json:"timezone,omitempty"`

	KV         *KVConfig         `json:"kv,omitempty"`
	EventStore *EventStoreConfig `json:"event_store,omitempty"`
	Features   *FeatureConfig    `json:"features,omitempty"`
	Models     *ModelConfig      `json:"models,omitempty"`
	Counting   *CountingConfig   `json:"counting,omitempty"`

	Channels []ChannelConfig `json:"channels,omitempty"`
}

// KVConfig points at the Redis-compatible store backing person identities
// and daily counters.
type KVConfig struct {
	Addr     *string `json:"addr,omitempty"`
	Password *string `json:"password,omitempty"`
	DB       *int    `json:"db,omitempty"`
}

// EventStoreConfig points at the Postgres event store. An empty DSN
// disables persistence; counted events are still logged and broadcast.
type EventStoreConfig struct {
	DSN *string `json:"dsn,omitempty"`
}

// FeatureConfig toggles the optional pipeline stages. Everything defaults
// to on; replay and bench setups switch pieces off.
type FeatureConfig struct {
	Reid        *bool `json:"reid,omitempty"`
	Counter     *bool `json:"counter,omitempty"`
	StaffFilter *bool `json:"staff_filter,omitempty"`
}

// ModelConfig locates the ONNX models used by live capture. Replay sources
// carry pre-computed detections and do not need them.
type ModelConfig struct {
	DetectorONNX   *string `json:"detector_onnx,omitempty"`
	ClassifierONNX *string `json:"classifier_onnx,omitempty"`
	EmbedderONNX   *string `json:"embedder_onnx,omitempty"`
	DetectorInput  *int    `json:"detector_input,omitempty"`
	PersonClassID  *int    `json:"person_class_id,omitempty"`
}

// ChannelConfig describes one camera stream and its zones.
type ChannelConfig struct {
	ChannelID int    `json:"channel_id"`
	Name      string `json:"name,omitempty"`
	// Source is an RTSP URL for live capture or a .jsonl path for replay.
	Source   string       `json:"source"`
	Username string       `json:"username,omitempty"`
	Password string       `json:"password,omitempty"`
	Zones    []ZoneConfig `json:"zones,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// Load reads and validates a Config from a JSON file. The file must have a
// .json extension and be under the max file size. Fields omitted from the
// JSON keep their defaults, so partial configs are safe. Validation errors
// are returned rather than deferred; a config that fails here must abort
// startup, never a running process.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks the whole tree. The first problem found is returned with
// enough context to locate it in the file.
func (c *Config) Validate() error {
	if c.Timezone != nil && *c.Timezone != "" && !units.IsTimezoneValid(*c.Timezone) {
		return fmt.Errorf("unknown timezone %q", *c.Timezone)
	}

	if err := c.GetCounting().Validate(); err != nil {
		return fmt.Errorf("counting: %w", err)
	}

	seen := make(map[int]bool, len(c.Channels))
	for i := range c.Channels {
		ch := &c.Channels[i]
		if err := ch.Validate(); err != nil {
			return fmt.Errorf("channel %d: %w", ch.ChannelID, err)
		}
		if seen[ch.ChannelID] {
			return fmt.Errorf("duplicate channel_id %d", ch.ChannelID)
		}
		seen[ch.ChannelID] = true
	}

	return nil
}

// Validate checks one channel entry.
func (c *ChannelConfig) Validate() error {
	if c.ChannelID <= 0 {
		return fmt.Errorf("channel_id must be positive, got %d", c.ChannelID)
	}
	if c.Source == "" {
		return fmt.Errorf("source is required")
	}
	seen := make(map[string]bool, len(c.Zones))
	for i := range c.Zones {
		z := &c.Zones[i]
		if err := z.Validate(); err != nil {
			return fmt.Errorf("zone %q: %w", z.ZoneID, err)
		}
		if seen[z.ZoneID] {
			return fmt.Errorf("duplicate zone_id %q", z.ZoneID)
		}
		seen[z.ZoneID] = true
	}
	return nil
}

// GetTimezone returns the configured timezone name or "UTC".
func (c *Config) GetTimezone() string {
	if c.Timezone == nil || *c.Timezone == "" {
		return "UTC"
	}
	return *c.Timezone
}

// GetKV returns the KV section, never nil.
func (c *Config) GetKV() *KVConfig {
	if c.KV == nil {
		return &KVConfig{}
	}
	return c.KV
}

// GetEventStore returns the event store section, never nil.
func (c *Config) GetEventStore() *EventStoreConfig {
	if c.EventStore == nil {
		return &EventStoreConfig{}
	}
	return c.EventStore
}

// GetFeatures returns the feature toggle section, never nil.
func (c *Config) GetFeatures() *FeatureConfig {
	if c.Features == nil {
		return &FeatureConfig{}
	}
	return c.Features
}

// GetModels returns the model section, never nil.
func (c *Config) GetModels() *ModelConfig {
	if c.Models == nil {
		return &ModelConfig{}
	}
	return c.Models
}

// GetCounting returns the counting threshold section, never nil.
func (c *Config) GetCounting() *CountingConfig {
	if c.Counting == nil {
		return &CountingConfig{}
	}
	return c.Counting
}

// Channel returns the channel entry with the given id, or nil.
func (c *Config) Channel(channelID int) *ChannelConfig {
	for i := range c.Channels {
		if c.Channels[i].ChannelID == channelID {
			return &c.Channels[i]
		}
	}
	return nil
}

// GetAddr returns the KV address or the local default.
func (k *KVConfig) GetAddr() string {
	if k.Addr == nil || *k.Addr == "" {
		return "localhost:6379"
	}
	return *k.Addr
}

// GetPassword returns the KV password or empty.
func (k *KVConfig) GetPassword() string {
	if k.Password == nil {
		return ""
	}
	return *k.Password
}

// GetDB returns the KV database index or 0.
func (k *KVConfig) GetDB() int {
	if k.DB == nil {
		return 0
	}
	return *k.DB
}

// GetDSN returns the event store DSN or empty (persistence disabled).
func (e *EventStoreConfig) GetDSN() string {
	if e.DSN == nil {
		return ""
	}
	return *e.DSN
}

// GetReid returns the reid toggle or the default.
func (f *FeatureConfig) GetReid() bool {
	if f.Reid == nil {
		return true
	}
	return *f.Reid
}

// GetCounter returns the counter toggle or the default.
func (f *FeatureConfig) GetCounter() bool {
	if f.Counter == nil {
		return true
	}
	return *f.Counter
}

// GetStaffFilter returns the staff_filter toggle or the default.
func (f *FeatureConfig) GetStaffFilter() bool {
	if f.StaffFilter == nil {
		return true
	}
	return *f.StaffFilter
}

// GetDetectorONNX returns the detector model path or empty.
func (m *ModelConfig) GetDetectorONNX() string {
	if m.DetectorONNX == nil {
		return ""
	}
	return *m.DetectorONNX
}

// GetClassifierONNX returns the staff classifier model path or empty.
func (m *ModelConfig) GetClassifierONNX() string {
	if m.ClassifierONNX == nil {
		return ""
	}
	return *m.ClassifierONNX
}

// GetEmbedderONNX returns the embedder model path or empty.
func (m *ModelConfig) GetEmbedderONNX() string {
	if m.EmbedderONNX == nil {
		return ""
	}
	return *m.EmbedderONNX
}

// GetDetectorInput returns the detector input square size or the default.
func (m *ModelConfig) GetDetectorInput() int {
	if m.DetectorInput == nil {
		return 640
	}
	return *m.DetectorInput
}

// GetPersonClassID returns the detector class id treated as person.
func (m *ModelConfig) GetPersonClassID() int {
	if m.PersonClassID == nil {
		return 0 // COCO person
	}
	return *m.PersonClassID
}
