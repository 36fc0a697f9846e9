package config

import (
	"fmt"
	"log"
	"time"

	"github.com/spf13/viper"
)

// AppConfig holds the coordinator's runtime configuration. Every field here
// corresponds to one of the tunables in the coordinator's external contract;
// defaults match the reference values exactly so an empty config.yaml still
// produces a spec-compliant coordinator.
type AppConfig struct {
	Port        int    `mapstructure:"port"`
	MetadataDir string `mapstructure:"metadata_dir"`

	ChunkSizeBytes      int64 `mapstructure:"chunk_size_bytes"`
	ReplicationFactor   int   `mapstructure:"replication_factor"`
	MinReplicas         int   `mapstructure:"min_replicas"`
	MinReplicationFloor int   `mapstructure:"min_replication_floor"`

	CheckInterval       time.Duration `mapstructure:"check_interval"`
	MaxConcurrentRepairs int          `mapstructure:"max_concurrent_repairs"`
	CooldownAfterRepair time.Duration `mapstructure:"cooldown_after_repair"`

	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
	CleanupInterval  time.Duration `mapstructure:"cleanup_interval"`

	NodeConnectTimeout time.Duration `mapstructure:"node_connect_timeout"`
	NodeReadTimeout    time.Duration `mapstructure:"node_read_timeout"`

	MetadataBackupRetain int `mapstructure:"metadata_backup_retain"`
	AuditDir             string `mapstructure:"audit_dir"`
}

var Config *AppConfig

// LoadConfig reads config.yaml from path (if present), overlays environment
// variables prefixed COORD_, and falls back to the spec's reference defaults
// otherwise. A missing or unreadable config file is never fatal.
func LoadConfig(path string) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(path)
	viper.SetEnvPrefix("COORD")
	viper.AutomaticEnv()

	viper.SetDefault("port", 8080)
	viper.SetDefault("metadata_dir", "./metadata")
	viper.SetDefault("chunk_size_bytes", 32*1024)
	viper.SetDefault("replication_factor", 3)
	viper.SetDefault("min_replicas", 1)
	viper.SetDefault("min_replication_floor", 2)
	viper.SetDefault("check_interval", 30*time.Second)
	viper.SetDefault("max_concurrent_repairs", 2)
	viper.SetDefault("cooldown_after_repair", 60*time.Second)
	viper.SetDefault("heartbeat_timeout", 30*time.Second)
	viper.SetDefault("cleanup_interval", 10*time.Second)
	viper.SetDefault("node_connect_timeout", 5*time.Second)
	viper.SetDefault("node_read_timeout", 12*time.Second)
	viper.SetDefault("metadata_backup_retain", 5)
	viper.SetDefault("audit_dir", "./metadata/audit")

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("⚠️ Could not read config file, using defaults: %v", err)
	}

	var appConfig AppConfig
	if err := viper.Unmarshal(&appConfig); err != nil {
		log.Fatalf("❌ Unable to decode config into struct: %v", err)
	}

	Config = &appConfig

	fmt.Println("✅ Configuration loaded successfully.")
}
