package config

import "time"

func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			DataDir: "/var/lib/streamlog",
			SharedMemory: SharedMemoryConfig{
				BasePageSize:   ByteSize(64 * 1024), // 64KB .. 2MB
				Buckets:        6,
				PagesPerBucket: 64,
			},
			MaxStreams: 1024,
		},
		Index: IndexConfig{
			Timeout: Duration(5 * time.Second),
		},
		Notification: NotificationConfig{
			BlockSize:      ByteSize(64 * 1024), // 8192 entries per block
			RingBlocks:     8,
			MaxWriterStall: Duration(5 * time.Second),
			SpinIterations: 2048,
		},
		Packer: PackerConfig{
			Interval:    Duration(time.Second),
			Workers:     4,
			LockTimeout: Duration(60 * time.Second),
		},
		StreamDefaults: StreamDefaultsConfig{
			TargetBlockDuration: Duration(time.Second),
			InitialBlockSize:    ByteSize(64 * 1024),
			WriteMode:           WriteModeNormal,
		},
		Archive: ArchiveConfig{
			Tiers: TiersConfig{
				Memory: MemoryTierConfig{
					Enabled:   true,
					MaxBytes:  ByteSize(256 * 1024 * 1024),
					MaxBlocks: 4096,
				},
			},
			EvalInterval: Duration(30 * time.Second),
		},
		Process: ProcessConfig{
			HeartbeatInterval: Duration(5 * time.Second),
			LivenessTimeout:   Duration(30 * time.Second),
		},
		NATS: NATSConfig{
			URL:            "nats://localhost:4222",
			ConnectionName: "streamlogd",
			MaxReconnects:  -1,
			ReconnectWait:  Duration(2 * time.Second),
		},
		API: APIConfig{
			Enabled: true,
			Listen:  ":8080",
			NATSResponder: NATSResponderConfig{
				SubjectPrefix: "streamlog",
			},
			NotifyBridge: NotifyBridgeConfig{
				SubjectPrefix: "streamlog",
			},
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{
				Enabled: true,
				Listen:  ":9090",
				Path:    "/metrics",
			},
			Health: HealthConfig{
				Enabled:       true,
				Listen:        ":8081",
				LivenessPath:  "/healthz",
				ReadinessPath: "/readyz",
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
				Output: "stderr",
			},
		},
	}
}
