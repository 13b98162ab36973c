package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Store          StoreConfig          `yaml:"store"`
	Index          IndexConfig          `yaml:"index"`
	Notification   NotificationConfig   `yaml:"notification"`
	Packer         PackerConfig         `yaml:"packer"`
	StreamDefaults StreamDefaultsConfig `yaml:"stream_defaults"`
	Streams        []StreamConfig       `yaml:"streams"`
	Archive        ArchiveConfig        `yaml:"archive"`
	Process        ProcessConfig        `yaml:"process"`
	NATS           NATSConfig           `yaml:"nats"`
	API            APIConfig            `yaml:"api"`
	Observability  ObservabilityConfig  `yaml:"observability"`
}

type StoreConfig struct {
	DataDir      string             `yaml:"data_dir"`
	SharedMemory SharedMemoryConfig `yaml:"shared_memory"`
	MaxStreams   int                `yaml:"max_streams"`
}

// SharedMemoryConfig describes the page pool. Bucket i holds pages of
// BasePageSize << i bytes.
type SharedMemoryConfig struct {
	Path           string   `yaml:"path"`
	BasePageSize   ByteSize `yaml:"base_page_size"`
	Buckets        int      `yaml:"buckets"`
	PagesPerBucket int      `yaml:"pages_per_bucket"`
}

type IndexConfig struct {
	Path    string   `yaml:"path"`
	Timeout Duration `yaml:"timeout"`
	NoSync  bool     `yaml:"no_sync"`
}

type NotificationConfig struct {
	BlockSize      ByteSize `yaml:"block_size"`
	RingBlocks     int      `yaml:"ring_blocks"`
	MaxWriterStall Duration `yaml:"max_writer_stall"`
	SpinIterations int      `yaml:"spin_iterations"`
}

type PackerConfig struct {
	Interval    Duration `yaml:"interval"`
	Workers     int      `yaml:"workers"`
	LockTimeout Duration `yaml:"lock_timeout"`
}

type StreamDefaultsConfig struct {
	TargetBlockDuration Duration `yaml:"target_block_duration"`
	InitialBlockSize    ByteSize `yaml:"initial_block_size"`
	WriteMode           string   `yaml:"write_mode"`
}

// StreamConfig declares a stream the daemon opens at startup.
type StreamConfig struct {
	Name          string `yaml:"name"`
	Repo          int32  `yaml:"repo"`
	Stream        int32  `yaml:"stream"`
	ItemFixedSize int    `yaml:"item_fixed_size"`
	WriteMode     string `yaml:"write_mode"`
	HasTimestamp  bool   `yaml:"has_timestamp"`
	NoPacking     bool   `yaml:"no_packing"`
	DropOnPack    bool   `yaml:"drop_on_pack"`
}

type ArchiveConfig struct {
	Tiers        TiersConfig `yaml:"tiers"`
	EvalInterval Duration    `yaml:"eval_interval"`
}

type TiersConfig struct {
	Memory MemoryTierConfig `yaml:"memory"`
	File   FileTierConfig   `yaml:"file"`
	Blob   BlobTierConfig   `yaml:"blob"`
}

type MemoryTierConfig struct {
	Enabled   bool     `yaml:"enabled"`
	MaxBytes  ByteSize `yaml:"max_bytes"`
	MaxBlocks int      `yaml:"max_blocks"`
	MaxAge    Duration `yaml:"max_age"`
}

type FileTierConfig struct {
	Enabled     bool     `yaml:"enabled"`
	DataDir     string   `yaml:"data_dir"`
	Compression string   `yaml:"compression"`
	MaxBytes    ByteSize `yaml:"max_bytes"`
	MaxBlocks   int      `yaml:"max_blocks"`
	MaxAge      Duration `yaml:"max_age"`
}

type BlobTierConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Endpoint        string `yaml:"endpoint"`
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style"`
	StorageClass    string `yaml:"storage_class"`
}

type ProcessConfig struct {
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
	LivenessTimeout   Duration `yaml:"liveness_timeout"`
}

type NATSConfig struct {
	Enabled         bool      `yaml:"enabled"`
	URL             string    `yaml:"url"`
	CredentialsFile string    `yaml:"credentials_file"`
	NKeySeedFile    string    `yaml:"nkey_seed_file"`
	TLS             TLSConfig `yaml:"tls"`
	ConnectionName  string    `yaml:"connection_name"`
	MaxReconnects   int       `yaml:"max_reconnects"`
	ReconnectWait   Duration  `yaml:"reconnect_wait"`
}

type TLSConfig struct {
	CAFile   string `yaml:"ca_file"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

type APIConfig struct {
	Enabled       bool                `yaml:"enabled"`
	Listen        string              `yaml:"listen"`
	NATSResponder NATSResponderConfig `yaml:"nats_responder"`
	NotifyBridge  NotifyBridgeConfig  `yaml:"notify_bridge"`
}

type NATSResponderConfig struct {
	Enabled       bool   `yaml:"enabled"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type NotifyBridgeConfig struct {
	Enabled       bool   `yaml:"enabled"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Health  HealthConfig  `yaml:"health"`
	Logging LoggingConfig `yaml:"logging"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Path    string `yaml:"path"`
}

type HealthConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Listen        string `yaml:"listen"`
	LivenessPath  string `yaml:"liveness_path"`
	ReadinessPath string `yaml:"readiness_path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Write modes.
const (
	WriteModeNormal   = "normal"
	WriteModeBatch    = "batch"
	WriteModeShared   = "shared"
	WriteModeNoNotify = "no_notify"
)

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Store.DataDir == "" {
		return fmt.Errorf("store.data_dir is required")
	}

	sm := c.Store.SharedMemory
	if sm.BasePageSize < 4096 || !isPowerOfTwo(int64(sm.BasePageSize)) {
		return fmt.Errorf("store.shared_memory.base_page_size must be a power of two >= 4KB, got %d", sm.BasePageSize)
	}
	if sm.Buckets < 1 || sm.Buckets > 16 {
		return fmt.Errorf("store.shared_memory.buckets must be between 1 and 16, got %d", sm.Buckets)
	}
	if sm.PagesPerBucket < 1 || sm.PagesPerBucket > 1<<26 {
		return fmt.Errorf("store.shared_memory.pages_per_bucket must be between 1 and %d, got %d", 1<<26, sm.PagesPerBucket)
	}
	if c.Store.MaxStreams < 1 {
		return fmt.Errorf("store.max_streams must be > 0")
	}

	n := c.Notification
	if n.BlockSize < 4096 || !isPowerOfTwo(int64(n.BlockSize)) {
		return fmt.Errorf("notification.block_size must be a power of two >= 4KB, got %d", n.BlockSize)
	}
	if n.RingBlocks < 4 {
		return fmt.Errorf("notification.ring_blocks must be >= 4, got %d", n.RingBlocks)
	}
	if n.MaxWriterStall <= 0 {
		return fmt.Errorf("notification.max_writer_stall must be > 0")
	}

	if c.Packer.Interval <= 0 {
		return fmt.Errorf("packer.interval must be > 0")
	}
	if c.Packer.Workers < 1 {
		return fmt.Errorf("packer.workers must be > 0")
	}
	if c.Packer.LockTimeout <= 0 {
		return fmt.Errorf("packer.lock_timeout must be > 0")
	}

	if !validWriteMode(c.StreamDefaults.WriteMode) {
		return fmt.Errorf("stream_defaults.write_mode %q is invalid", c.StreamDefaults.WriteMode)
	}

	seen := make(map[[2]int32]bool)
	for i, sc := range c.Streams {
		if sc.Repo < 0 || sc.Repo > 1<<23-1 {
			return fmt.Errorf("streams[%d]: repo %d out of range", i, sc.Repo)
		}
		key := [2]int32{sc.Repo, sc.Stream}
		if seen[key] {
			return fmt.Errorf("streams[%d]: duplicate stream %d/%d", i, sc.Repo, sc.Stream)
		}
		seen[key] = true
		if sc.ItemFixedSize < 0 {
			return fmt.Errorf("streams[%d]: item_fixed_size must be >= 0", i)
		}
		if sc.WriteMode != "" && !validWriteMode(sc.WriteMode) {
			return fmt.Errorf("streams[%d]: write_mode %q is invalid", i, sc.WriteMode)
		}
	}

	t := c.Archive.Tiers
	if !t.Memory.Enabled && !t.File.Enabled && !t.Blob.Enabled {
		return fmt.Errorf("archive: at least one tier must be enabled")
	}
	if t.File.Enabled && t.File.DataDir == "" {
		return fmt.Errorf("archive: file tier requires data_dir")
	}
	switch t.File.Compression {
	case "", "none", "s2", "zstd", "lz4":
	default:
		return fmt.Errorf("archive: unknown file tier compression %q", t.File.Compression)
	}
	if t.Blob.Enabled {
		if t.Blob.Endpoint == "" {
			return fmt.Errorf("archive: blob tier requires endpoint")
		}
		if t.Blob.Bucket == "" {
			return fmt.Errorf("archive: blob tier requires bucket")
		}
	}

	if c.Process.HeartbeatInterval <= 0 {
		return fmt.Errorf("process.heartbeat_interval must be > 0")
	}
	if c.Process.LivenessTimeout < c.Process.HeartbeatInterval {
		return fmt.Errorf("process.liveness_timeout must be >= heartbeat_interval")
	}

	if (c.API.NATSResponder.Enabled || c.API.NotifyBridge.Enabled) && (!c.NATS.Enabled || c.NATS.URL == "") {
		return fmt.Errorf("nats.url is required when the NATS responder or notify bridge is enabled")
	}

	return nil
}

// SharedMemoryPath returns the shared-memory file, defaulting to data_dir/shared.mem.
func (c *Config) SharedMemoryPath() string {
	if c.Store.SharedMemory.Path != "" {
		return c.Store.SharedMemory.Path
	}
	return filepath.Join(c.Store.DataDir, "shared.mem")
}

// IndexPath returns the index database, defaulting to data_dir/index.db.
func (c *Config) IndexPath() string {
	if c.Index.Path != "" {
		return c.Index.Path
	}
	return filepath.Join(c.Store.DataDir, "index.db")
}

// ResolvedWriteMode falls back to the stream defaults.
func (sc StreamConfig) ResolvedWriteMode(defaults StreamDefaultsConfig) string {
	if sc.WriteMode != "" {
		return sc.WriteMode
	}
	return defaults.WriteMode
}

func validWriteMode(m string) bool {
	switch m {
	case WriteModeNormal, WriteModeBatch, WriteModeShared, WriteModeNoNotify:
		return true
	}
	return false
}

func isPowerOfTwo(n int64) bool {
	return n > 0 && n&(n-1) == 0
}

// Duration wraps time.Duration for YAML unmarshaling of strings like "5m", "24h".
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// ByteSize wraps int64 for YAML unmarshaling of strings like "64KB", "2MB".
type ByteSize int64

func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		var n int64
		if err2 := value.Decode(&n); err2 != nil {
			return err
		}
		*b = ByteSize(n)
		return nil
	}
	parsed, err := parseByteSize(s)
	if err != nil {
		return err
	}
	*b = ByteSize(parsed)
	return nil
}

func parseByteSize(s string) (int64, error) {
	if len(s) == 0 {
		return 0, fmt.Errorf("empty byte size")
	}

	var multiplier int64 = 1
	numStr := s

	switch {
	case len(s) >= 2 && s[len(s)-2:] == "KB":
		multiplier = 1024
		numStr = s[:len(s)-2]
	case len(s) >= 2 && s[len(s)-2:] == "MB":
		multiplier = 1024 * 1024
		numStr = s[:len(s)-2]
	case len(s) >= 2 && s[len(s)-2:] == "GB":
		multiplier = 1024 * 1024 * 1024
		numStr = s[:len(s)-2]
	case s[len(s)-1] == 'B':
		numStr = s[:len(s)-1]
	}

	var n int64
	_, err := fmt.Sscanf(numStr, "%d", &n)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	return n * multiplier, nil
}
