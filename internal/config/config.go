package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix namespaces every environment override.
	EnvPrefix = "TRACKER"

	// DefaultAddr is the default TCP address for websocket and REST traffic.
	DefaultAddr = ":8080"
	// DefaultGRPCAddr is the default TCP address for the gRPC service. Empty disables it.
	DefaultGRPCAddr = ":9090"
	// DefaultPingInterval controls the liveness probe cadence for connections.
	DefaultPingInterval = 10 * time.Second
	// DefaultMaxMissedPings is how many consecutive probes may go unanswered.
	DefaultMaxMissedPings = 3
	// DefaultMaxPayloadBytes limits inbound websocket frame size.
	DefaultMaxPayloadBytes int64 = 64 << 10
	// DefaultMaxClients bounds concurrent connections. Zero disables the limit.
	DefaultMaxClients = 10000
	// DefaultSendQueueSize bounds the per-connection outbound queue.
	DefaultSendQueueSize = 256

	// DefaultFreshnessThreshold marks when a vehicle starts receiving heartbeat re-emits.
	DefaultFreshnessThreshold = 5 * time.Second
	// DefaultOfflineThreshold marks when a silent vehicle is flagged OFFLINE.
	DefaultOfflineThreshold = 2 * time.Minute
	// DefaultHeartbeatInterval is the dispatcher tick cadence.
	DefaultHeartbeatInterval = time.Second
	// DefaultRetention evicts vehicles that have been silent this long. Zero keeps them forever.
	DefaultRetention = 24 * time.Hour

	// DefaultPositionsWindow bounds the HTTP position endpoint rate limiter window.
	DefaultPositionsWindow = time.Second
	// DefaultPositionsBurst sets how many HTTP position posts a client may make per window.
	DefaultPositionsBurst = 20

	// DefaultPersistQueueSize bounds pending asynchronous saves.
	DefaultPersistQueueSize = 1024
	// DefaultPersistWorkers is the number of goroutines draining the save queue.
	DefaultPersistWorkers = 2

	// DefaultAuditSnapshotInterval controls how often fleet snapshots are written.
	DefaultAuditSnapshotInterval = 30 * time.Second
	// DefaultAuditSegmentInterval controls how long one audit event segment stays open.
	DefaultAuditSegmentInterval = time.Hour
	// DefaultAuditMaxSegments limits retained audit segments on disk.
	DefaultAuditMaxSegments = 48
	// DefaultAuditMaxAge removes audit artefacts older than this.
	DefaultAuditMaxAge = 7 * 24 * time.Hour

	// DefaultLogLevel controls verbosity for tracker logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "tracker.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true

	// DefaultGTFSRTInterval is the poll cadence for GTFS-realtime feeds.
	DefaultGTFSRTInterval = 15 * time.Second
	// DefaultMQTTTopic is the topic filter vehicles publish positions on.
	DefaultMQTTTopic = "transit/vehicles/+/position"
)

// Config captures all runtime tunables for the tracker service.
type Config struct {
	Address         string
	GRPCAddress     string
	AllowedOrigins  []string
	MaxPayloadBytes int64
	PingInterval    time.Duration
	MaxMissedPings  int
	MaxClients      int
	SendQueueSize   int
	TLSCertPath     string
	TLSKeyPath      string
	GRPCClientCA    string
	PositionsWindow time.Duration
	PositionsBurst  int
	RoutesPath      string
	PublishSecret   string
	Logging         LoggingConfig
	Tracking        TrackingConfig
	Persistence     PersistenceConfig
	Audit           AuditConfig
	Sources         SourcesConfig
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string `validate:"oneof=debug info warn error"`
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// TrackingConfig groups the vehicle freshness policy.
type TrackingConfig struct {
	AutoRegister       bool
	FreshnessThreshold time.Duration
	OfflineThreshold   time.Duration `validate:"gtfield=FreshnessThreshold"`
	HeartbeatInterval  time.Duration
	Retention          time.Duration
}

// PersistenceConfig selects the durable vehicle state collaborator.
type PersistenceConfig struct {
	Driver    string `validate:"oneof=none sqlite postgres"`
	DSN       string `validate:"required_unless=Driver none"`
	QueueSize int
	Workers   int
}

// AuditConfig controls the compressed audit log and its optional object storage archive.
type AuditConfig struct {
	Dir              string
	SnapshotInterval time.Duration
	SegmentInterval  time.Duration
	MaxSegments      int
	MaxAge           time.Duration
	ArchiveEndpoint  string `validate:"omitempty,hostname_port"`
	ArchiveBucket    string `validate:"required_with=ArchiveEndpoint"`
	ArchiveAccessKey string
	ArchiveSecretKey string
	ArchiveSecure    bool
}

// SourcesConfig enables the position sources feeding the ingestor.
type SourcesConfig struct {
	Simulator bool
	MQTT      MQTTConfig
	GTFSRT    GTFSRTConfig
	Kafka     KafkaConfig
}

// MQTTConfig configures the MQTT position subscriber.
type MQTTConfig struct {
	BrokerURL string `validate:"omitempty,url"`
	Topic     string `validate:"required_with=BrokerURL"`
	ClientID  string
	Username  string
	Password  string
}

// GTFSRTConfig configures the GTFS-realtime vehicle positions poller.
type GTFSRTConfig struct {
	FeedURL  string `validate:"omitempty,url"`
	Interval time.Duration
}

// KafkaConfig configures the Kafka position consumer.
type KafkaConfig struct {
	Brokers []string
	Topic   string `validate:"required_with=Brokers"`
	GroupID string
}

// BindFlags registers the command-line overrides understood by LoadWithFlags.
func BindFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "path to a YAML config file")
	fs.String("addr", DefaultAddr, "websocket and REST listen address")
	fs.String("grpc-addr", DefaultGRPCAddr, "gRPC listen address, empty to disable")
	fs.String("log-level", DefaultLogLevel, "log level (debug, info, warn, error)")
	fs.String("routes", "", "path to the route catalogue YAML file")
	fs.Bool("simulate", false, "run the built-in demo vehicle simulator")
}

var flagKeys = map[string]string{
	"config":    "config",
	"addr":      "addr",
	"grpc-addr": "grpc.addr",
	"log-level": "log.level",
	"routes":    "routes.path",
	"simulate":  "sources.simulator",
}

// LoadDotEnv populates the process environment from the given files when they exist.
func LoadDotEnv(paths ...string) error {
	present := make([]string, 0, len(paths))
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			present = append(present, path)
		}
	}
	if len(present) == 0 {
		return nil
	}
	return godotenv.Load(present...)
}

// Load reads the tracker configuration from environment variables, applying sane defaults
// and returning descriptive errors for invalid overrides.
func Load() (*Config, error) {
	return LoadWithFlags(nil)
}

// LoadWithFlags behaves like Load but lets explicitly set command-line flags win over
// the environment and config file.
func LoadWithFlags(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AllowEmptyEnv(true)
	v.AutomaticEnv()

	var problems []string
	if fs != nil {
		for flag, key := range flagKeys {
			if f := fs.Lookup(flag); f != nil && f.Changed {
				if err := v.BindPFlag(key, f); err != nil {
					problems = append(problems, fmt.Sprintf("flag --%s: %v", flag, err))
				}
			}
		}
	}
	if path := strings.TrimSpace(v.GetString("config")); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			problems = append(problems, fmt.Sprintf("%s_CONFIG could not be read: %v", EnvPrefix, err))
		}
	}

	r := &reader{v: v, problems: problems}
	cfg := &Config{
		Address:         r.str("addr", DefaultAddr),
		GRPCAddress:     r.strAllowEmpty("grpc.addr", DefaultGRPCAddr),
		AllowedOrigins:  r.list("allowed.origins"),
		MaxPayloadBytes: r.positiveInt64("max.payload.bytes", DefaultMaxPayloadBytes),
		PingInterval:    r.positiveDuration("ping.interval", DefaultPingInterval),
		MaxMissedPings:  r.positiveInt("max.missed.pings", DefaultMaxMissedPings),
		MaxClients:      r.nonNegativeInt("max.clients", DefaultMaxClients),
		SendQueueSize:   r.positiveInt("send.queue.size", DefaultSendQueueSize),
		TLSCertPath:     r.str("tls.cert", ""),
		TLSKeyPath:      r.str("tls.key", ""),
		GRPCClientCA:    r.str("grpc.client.ca", ""),
		PositionsWindow: r.positiveDuration("positions.window", DefaultPositionsWindow),
		PositionsBurst:  r.positiveInt("positions.burst", DefaultPositionsBurst),
		RoutesPath:      r.str("routes.path", ""),
		PublishSecret:   r.str("publish.secret", ""),
		Logging: LoggingConfig{
			Level:      strings.ToLower(r.str("log.level", DefaultLogLevel)),
			Path:       r.str("log.path", DefaultLogPath),
			MaxSizeMB:  r.positiveInt("log.max.size.mb", DefaultLogMaxSizeMB),
			MaxBackups: r.nonNegativeInt("log.max.backups", DefaultLogMaxBackups),
			MaxAgeDays: r.nonNegativeInt("log.max.age.days", DefaultLogMaxAgeDays),
			Compress:   r.boolean("log.compress", DefaultLogCompress),
		},
		Tracking: TrackingConfig{
			AutoRegister:       r.boolean("auto.register", true),
			FreshnessThreshold: r.positiveDuration("freshness.threshold", DefaultFreshnessThreshold),
			OfflineThreshold:   r.positiveDuration("offline.threshold", DefaultOfflineThreshold),
			HeartbeatInterval:  r.positiveDuration("heartbeat.interval", DefaultHeartbeatInterval),
			Retention:          r.nonNegativeDuration("retention", DefaultRetention),
		},
		Persistence: PersistenceConfig{
			Driver:    strings.ToLower(r.str("persist.driver", "none")),
			DSN:       r.str("persist.dsn", ""),
			QueueSize: r.positiveInt("persist.queue.size", DefaultPersistQueueSize),
			Workers:   r.positiveInt("persist.workers", DefaultPersistWorkers),
		},
		Audit: AuditConfig{
			Dir:              r.str("audit.dir", ""),
			SnapshotInterval: r.positiveDuration("audit.snapshot.interval", DefaultAuditSnapshotInterval),
			SegmentInterval:  r.positiveDuration("audit.segment.interval", DefaultAuditSegmentInterval),
			MaxSegments:      r.nonNegativeInt("audit.max.segments", DefaultAuditMaxSegments),
			MaxAge:           r.nonNegativeDuration("audit.max.age", DefaultAuditMaxAge),
			ArchiveEndpoint:  r.str("archive.endpoint", ""),
			ArchiveBucket:    r.str("archive.bucket", ""),
			ArchiveAccessKey: r.str("archive.access.key", ""),
			ArchiveSecretKey: r.str("archive.secret.key", ""),
			ArchiveSecure:    r.boolean("archive.secure", true),
		},
		Sources: SourcesConfig{
			Simulator: r.boolean("sources.simulator", false),
			MQTT: MQTTConfig{
				BrokerURL: r.str("mqtt.broker", ""),
				Topic:     r.str("mqtt.topic", DefaultMQTTTopic),
				ClientID:  r.str("mqtt.client.id", "transit-tracker"),
				Username:  r.str("mqtt.username", ""),
				Password:  r.str("mqtt.password", ""),
			},
			GTFSRT: GTFSRTConfig{
				FeedURL:  r.str("gtfsrt.url", ""),
				Interval: r.positiveDuration("gtfsrt.interval", DefaultGTFSRTInterval),
			},
			Kafka: KafkaConfig{
				Brokers: r.list("kafka.brokers"),
				Topic:   r.str("kafka.topic", ""),
				GroupID: r.str("kafka.group", "transit-tracker"),
			},
		},
	}

	problems = r.problems
	if (cfg.TLSCertPath == "") != (cfg.TLSKeyPath == "") {
		problems = append(problems, "TRACKER_TLS_CERT and TRACKER_TLS_KEY must be provided together")
	}
	if cfg.GRPCClientCA != "" && cfg.TLSCertPath == "" {
		problems = append(problems, "TRACKER_GRPC_CLIENT_CA requires TRACKER_TLS_CERT and TRACKER_TLS_KEY")
	}
	problems = append(problems, validateStruct(cfg)...)

	if len(problems) > 0 {
		return nil, errors.New(strings.Join(problems, "; "))
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func validateStruct(cfg *Config) []string {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{err.Error()}
	}
	problems := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		problems = append(problems, fmt.Sprintf("%s failed %q validation (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
	}
	return problems
}

// reader pulls typed values from viper and records every malformed override.
type reader struct {
	v        *viper.Viper
	problems []string
}

func envName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(key))
}

func (r *reader) raw(key string) string {
	return strings.TrimSpace(r.v.GetString(key))
}

func (r *reader) str(key, fallback string) string {
	if value := r.raw(key); value != "" {
		return value
	}
	return fallback
}

func (r *reader) strAllowEmpty(key, fallback string) string {
	if !r.v.IsSet(key) {
		return fallback
	}
	return r.raw(key)
}

func (r *reader) list(key string) []string {
	raw := r.raw(key)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if item := strings.TrimSpace(part); item != "" {
			values = append(values, item)
		}
	}
	return values
}

func (r *reader) positiveInt64(key string, fallback int64) int64 {
	raw := r.raw(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || value <= 0 {
		r.problems = append(r.problems, fmt.Sprintf("%s must be a positive integer, got %q", envName(key), raw))
		return fallback
	}
	return value
}

func (r *reader) positiveInt(key string, fallback int) int {
	return r.intWithFloor(key, fallback, 1, "a positive integer")
}

func (r *reader) nonNegativeInt(key string, fallback int) int {
	return r.intWithFloor(key, fallback, 0, "a non-negative integer")
}

func (r *reader) intWithFloor(key string, fallback, floor int, expect string) int {
	raw := r.raw(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < floor {
		r.problems = append(r.problems, fmt.Sprintf("%s must be %s, got %q", envName(key), expect, raw))
		return fallback
	}
	return value
}

func (r *reader) positiveDuration(key string, fallback time.Duration) time.Duration {
	raw := r.raw(key)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil || value <= 0 {
		r.problems = append(r.problems, fmt.Sprintf("%s must be a positive duration, got %q", envName(key), raw))
		return fallback
	}
	return value
}

func (r *reader) nonNegativeDuration(key string, fallback time.Duration) time.Duration {
	raw := r.raw(key)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil || value < 0 {
		r.problems = append(r.problems, fmt.Sprintf("%s must be a non-negative duration, got %q", envName(key), raw))
		return fallback
	}
	return value
}

func (r *reader) boolean(key string, fallback bool) bool {
	raw := r.raw(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		r.problems = append(r.problems, fmt.Sprintf("%s must be a boolean value, got %q", envName(key), raw))
		return fallback
	}
	return value
}
