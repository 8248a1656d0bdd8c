package apppool

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the apppool core.
type Config struct {
	Pool     PoolConfig     `mapstructure:"pool"`
	Group    GroupConfig    `mapstructure:"group"`
	Spawner  SpawnerConfig  `mapstructure:"spawner"`
	Socket   SocketConfig   `mapstructure:"socket"`
	Protocol ProtocolConfig `mapstructure:"protocol"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// PoolConfig defines the global Pool's settings (spec.md §4.4).
type PoolConfig struct {
	Max          int           `mapstructure:"max"`
	MaxIdleTime  time.Duration `mapstructure:"max_idle_time"`
	MaxQueueSize int           `mapstructure:"max_request_queue_size"`
	GCInterval   time.Duration `mapstructure:"gc_interval"`
}

// GroupConfig defines per-Group defaults (spec.md §4.3).
type GroupConfig struct {
	MinProcesses        int           `mapstructure:"min_processes"`
	MaxProcesses        int           `mapstructure:"max_processes"` // 0 = no per-group cap beyond Pool.Max
	StatThrottleRate    time.Duration `mapstructure:"stat_throttle_rate"`
	DetachCheckInterval time.Duration `mapstructure:"process_detach_check_interval"`
	ShutdownTimeout     time.Duration `mapstructure:"process_shutdown_timeout"`
	Restart             RestartConfig `mapstructure:"restart"`
	// MaxRequests retires a process once Processed reaches this count,
	// independent of idle-time GC (original_source supplement, see SPEC_FULL.md).
	MaxRequests uint64 `mapstructure:"max_requests"`
}

// RestartConfig defines the spawn-failure backoff policy applied
// between consecutive SpawnErrors for the same Group.
type RestartConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	Multiplier     float64       `mapstructure:"multiplier"`
}

// SpawnerConfig defines how a worker process is launched.
type SpawnerConfig struct {
	Executable     string            `mapstructure:"executable"`
	ScriptOrApp    string            `mapstructure:"app_root"`
	Env            map[string]string `mapstructure:"env"`
	StartTimeout   time.Duration     `mapstructure:"start_timeout"`
	ConnectTimeout time.Duration     `mapstructure:"connect_timeout"`
}

// SocketConfig defines Unix domain socket settings.
type SocketConfig struct {
	Dir         string `mapstructure:"dir"`
	Prefix      string `mapstructure:"prefix"`
	Permissions uint32 `mapstructure:"permissions"`
}

// ProtocolConfig defines protocol settings.
type ProtocolConfig struct {
	MaxFrameSize        int           `mapstructure:"max_frame_size"`
	RequestTimeout      time.Duration `mapstructure:"request_timeout"`
	ConnectionTimeout   time.Duration `mapstructure:"connection_timeout"`
	StickySessionCookie string        `mapstructure:"sticky_session_cookie"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level        string `mapstructure:"level"`
	Format       string `mapstructure:"format"`
	TraceEnabled bool   `mapstructure:"trace_enabled"`
}

// MetricsConfig defines metrics collection settings.
type MetricsConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
	Path     string `mapstructure:"path"`
}

// LoadConfig loads configuration from file and environment, the same
// viper-layered way the teacher's LoadConfig does.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/apppool")
	}

	v.SetEnvPrefix("APPPOOL")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Pool.MaxIdleTime *= time.Second
	cfg.Pool.GCInterval *= time.Second
	cfg.Group.StatThrottleRate *= time.Second
	cfg.Group.DetachCheckInterval *= time.Second
	cfg.Group.ShutdownTimeout *= time.Second
	cfg.Group.Restart.InitialBackoff *= time.Millisecond
	cfg.Group.Restart.MaxBackoff *= time.Millisecond
	cfg.Spawner.StartTimeout *= time.Second
	cfg.Spawner.ConnectTimeout *= time.Second
	cfg.Protocol.RequestTimeout *= time.Second
	cfg.Protocol.ConnectionTimeout *= time.Second

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("pool.max", 6)
	v.SetDefault("pool.max_idle_time", 300)
	v.SetDefault("pool.max_request_queue_size", 100)
	v.SetDefault("pool.gc_interval", 10)

	v.SetDefault("group.min_processes", 1)
	v.SetDefault("group.max_processes", 0)
	v.SetDefault("group.stat_throttle_rate", 10)
	v.SetDefault("group.process_detach_check_interval", 5)
	v.SetDefault("group.process_shutdown_timeout", 60)
	v.SetDefault("group.max_requests", 0)
	v.SetDefault("group.restart.max_attempts", 5)
	v.SetDefault("group.restart.initial_backoff", 1000)
	v.SetDefault("group.restart.max_backoff", 30000)
	v.SetDefault("group.restart.multiplier", 2.0)

	v.SetDefault("spawner.executable", "")
	v.SetDefault("spawner.app_root", ".")
	v.SetDefault("spawner.start_timeout", 30)
	v.SetDefault("spawner.connect_timeout", 5)
	v.SetDefault("spawner.env", map[string]string{})

	v.SetDefault("socket.dir", "/tmp")
	v.SetDefault("socket.prefix", "apppool")
	v.SetDefault("socket.permissions", 0600)

	v.SetDefault("protocol.max_frame_size", 10485760)
	v.SetDefault("protocol.request_timeout", 60)
	v.SetDefault("protocol.connection_timeout", 5)
	v.SetDefault("protocol.sticky_session_cookie", "_app_session_id")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.trace_enabled", true)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.endpoint", ":9090")
	v.SetDefault("metrics.path", "/metrics")
}
