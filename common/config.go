package common

import (
	"strings"

	"github.com/spf13/viper"
)

// ===============================================================================
// Event Bus Related Config

// BusConfig defines the in-process event bus parameters
type BusConfig struct {
	// Enabled whether publishes are dispatched at all
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// Debug whether every publish / dispatch pair is logged
	Debug bool `mapstructure:"debug" json:"debug"`
}

// ===============================================================================
// Relay Related Config

// ReconnectConfig defines bounded exponential backoff parameters for client reconnects
type ReconnectConfig struct {
	// InitialWait is the wait before the first reconnect attempt in ms
	InitialWait int `mapstructure:"initial_wait_ms" json:"initial_wait_ms" validate:"gte=1"`
	// MaxWait is the cap on the wait between reconnect attempts in ms
	MaxWait int `mapstructure:"max_wait_ms" json:"max_wait_ms" validate:"gtefield=InitialWait"`
	// MaxAttempts is the max number of attempts per outage (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
}

// RelayConfig defines the parameters of the bus -> hub relay
type RelayConfig struct {
	// Enabled whether the relay forwards events at all
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// Debug whether every relay-forward is logged
	Debug bool `mapstructure:"debug" json:"debug"`
	// Mode is either "local" (hub in the same process) or "remote"
	Mode string `mapstructure:"mode" json:"mode" validate:"required,oneof=local remote"`
	// HubHost is the remote hub host
	HubHost string `mapstructure:"hub_host" json:"hub_host" validate:"required"`
	// HubPort is the remote hub port
	HubPort uint16 `mapstructure:"hub_port" json:"hub_port" validate:"required,gt=0,lt=65536"`
	// TopicPrefixes are the bus topic patterns the relay subscribes with
	TopicPrefixes []string `mapstructure:"topic_prefixes" json:"topic_prefixes" validate:"required,min=1"`
	// Transports is the ordered transport fallback list for remote mode
	Transports []string `mapstructure:"transports" json:"transports" validate:"required,min=1,dive,oneof=websocket polling"`
	// HandshakeTimeout is the max duration of the initial connection handshake in seconds
	HandshakeTimeout int `mapstructure:"handshake_timeout_sec" json:"handshake_timeout_sec" validate:"gte=1"`
	// WriteTimeout is the max duration of one forward in ms
	WriteTimeout int `mapstructure:"write_timeout_ms" json:"write_timeout_ms" validate:"gte=1"`
	// WorkerQueue is the size of the queue between bus dispatch and the forwarding worker
	WorkerQueue int `mapstructure:"worker_queue" json:"worker_queue" validate:"gte=1"`
	// Reconnect defines reconnect parameters for remote mode
	Reconnect ReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required,dive"`
}

// ===============================================================================
// Broadcast Hub Related Config

// HubConfig defines the broadcast hub parameters
type HubConfig struct {
	// PingInterval is the transport level ping period in seconds
	PingInterval int `mapstructure:"ping_interval_sec" json:"ping_interval_sec" validate:"gte=1"`
	// PongTimeout is how long a transport may stay silent before it is dropped in seconds
	PongTimeout int `mapstructure:"pong_timeout_sec" json:"pong_timeout_sec" validate:"gtfield=PingInterval"`
	// HeartbeatInterval is the application level heartbeat period in seconds
	HeartbeatInterval int `mapstructure:"heartbeat_interval_sec" json:"heartbeat_interval_sec" validate:"gte=1"`
	// HeartbeatTimeout is how long a heartbeat may go un-acked in seconds
	HeartbeatTimeout int `mapstructure:"heartbeat_timeout_sec" json:"heartbeat_timeout_sec" validate:"gte=1"`
	// SweepInterval is the stale sweep period in seconds
	SweepInterval int `mapstructure:"sweep_interval_sec" json:"sweep_interval_sec" validate:"gte=1"`
	// StaleThreshold is the max idle duration before a connection is evicted in seconds
	StaleThreshold int `mapstructure:"stale_threshold_sec" json:"stale_threshold_sec" validate:"gte=1"`
	// MaxFrameSize is the max size of one inbound or outbound frame in bytes
	MaxFrameSize int64 `mapstructure:"max_frame_size" json:"max_frame_size" validate:"gte=1024"`
	// HistorySize is the capacity of the replay ring buffer
	HistorySize int `mapstructure:"history_size" json:"history_size" validate:"gte=0"`
	// SendBuffer is the per-connection outbound queue length
	SendBuffer int `mapstructure:"send_buffer" json:"send_buffer" validate:"gte=1"`
	// WriteTimeout is the max duration of one outbound write in seconds
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=1"`
	// HandshakeTimeout is the max duration of a connection handshake in seconds
	HandshakeTimeout int `mapstructure:"handshake_timeout_sec" json:"handshake_timeout_sec" validate:"gte=1"`
}

// ===============================================================================
// Connection Pool Related Config

// PoolConfig defines the parameters of the producer side connection pool
type PoolConfig struct {
	// HubHost is the remote hub host
	HubHost string `mapstructure:"hub_host" json:"hub_host" validate:"required"`
	// HubPort is the remote hub port
	HubPort uint16 `mapstructure:"hub_port" json:"hub_port" validate:"required,gt=0,lt=65536"`
	// Connections is the number of persistent connections to hold
	Connections int `mapstructure:"connections" json:"connections" validate:"gte=1,lte=8"`
	// CoalesceWindow is the batching window in ms
	CoalesceWindow int `mapstructure:"coalesce_window_ms" json:"coalesce_window_ms" validate:"gte=1"`
	// MaxBatch is the max number of events in one batch frame
	MaxBatch int `mapstructure:"max_batch" json:"max_batch" validate:"gte=1"`
	// QueueSize is the size of the caller handoff queue
	QueueSize int `mapstructure:"queue_size" json:"queue_size" validate:"gte=1"`
	// EnqueueTimeout is the max time a caller waits on a full queue in ms
	EnqueueTimeout int `mapstructure:"enqueue_timeout_ms" json:"enqueue_timeout_ms" validate:"gte=0"`
	// RetryAttempts is the number of immediate resend attempts for a failed batch
	RetryAttempts int `mapstructure:"retry_attempts" json:"retry_attempts" validate:"gte=0"`
	// HandshakeTimeout is the max duration of the connection handshake in seconds
	HandshakeTimeout int `mapstructure:"handshake_timeout_sec" json:"handshake_timeout_sec" validate:"gte=1"`
	// WriteTimeout is the max duration of one batch write in ms
	WriteTimeout int `mapstructure:"write_timeout_ms" json:"write_timeout_ms" validate:"gte=1"`
	// Transports is the ordered transport fallback list
	Transports []string `mapstructure:"transports" json:"transports" validate:"required,min=1,dive,oneof=websocket polling"`
}

// ===============================================================================
// Ingestion Related Config

// IngestConfig defines the HTTP event ingestion parameters
type IngestConfig struct {
	// TopicFields is the ordered list of envelope fields naming the event
	TopicFields []string `mapstructure:"topic_fields" json:"topic_fields" validate:"required,min=1,dive,required"`
	// DefaultTopic is the event name used when no topic field is present
	DefaultTopic string `mapstructure:"default_topic" json:"default_topic" validate:"required"`
	// Namespace is the namespace prepended to event names without one
	Namespace string `mapstructure:"namespace" json:"namespace" validate:"required,oneof=hook system session claude memory"`
	// RequestTimeout is the max processing time of one request in seconds
	RequestTimeout int `mapstructure:"request_timeout_sec" json:"request_timeout_sec" validate:"gte=1"`
	// RateLimit is the max events accepted per second (0 is unlimited)
	RateLimit float64 `mapstructure:"rate_limit" json:"rate_limit" validate:"gte=0"`
	// RateBurst is the rate limiter burst size
	RateBurst int `mapstructure:"rate_burst" json:"rate_burst" validate:"gte=1"`
}

// ===============================================================================
// NATS Related Config

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSConfig defines parameters for the optional NATS bridge
type NATSConfig struct {
	// Enabled whether the bridge is started
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required,dive"`
	// SubjectPrefix is the subject prefix events are exchanged under
	SubjectPrefix string `mapstructure:"subject_prefix" json:"subject_prefix" validate:"required"`
	// Mirror whether bus events are also published onto NATS
	Mirror bool `mapstructure:"mirror" json:"mirror"`
}

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout.
	//
	// Long-lived websocket and long-poll connections manage their own deadlines.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required,dive"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required,dive"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config
type SystemConfig struct {
	// Bus are the event bus parameters
	Bus BusConfig `mapstructure:"bus" json:"bus" validate:"required,dive"`
	// Relay are the relay parameters
	Relay RelayConfig `mapstructure:"relay" json:"relay" validate:"required,dive"`
	// Hub are the broadcast hub parameters
	Hub HubConfig `mapstructure:"hub" json:"hub" validate:"required,dive"`
	// Pool are the producer connection pool parameters
	Pool PoolConfig `mapstructure:"pool" json:"pool" validate:"required,dive"`
	// Ingest are the HTTP ingestion parameters
	Ingest IngestConfig `mapstructure:"ingest" json:"ingest" validate:"required,dive"`
	// NATS are the NATS bridge parameters
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required,dive"`
	// HTTP are the HTTP server parameters
	HTTP HTTPConfig `mapstructure:"http" json:"http" validate:"required,dive"`
}

// ===============================================================================

// EnvPrefix is the prefix of the environment variables overriding config values
const EnvPrefix = "AGENTBUS"

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Environment overrides, e.g. AGENTBUS_RELAY_HUB_PORT
	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Default event bus settings
	viper.SetDefault("bus.enabled", true)
	viper.SetDefault("bus.debug", false)

	// Default relay settings
	viper.SetDefault("relay.enabled", true)
	viper.SetDefault("relay.debug", false)
	viper.SetDefault("relay.mode", "local")
	viper.SetDefault("relay.hub_host", "127.0.0.1")
	viper.SetDefault("relay.hub_port", 8765)
	viper.SetDefault("relay.topic_prefixes", []string{
		"hook.*", "system.*", "session.*", "claude.*", "memory.*",
	})
	viper.SetDefault("relay.transports", []string{"websocket", "polling"})
	viper.SetDefault("relay.handshake_timeout_sec", 10)
	viper.SetDefault("relay.write_timeout_ms", 2000)
	viper.SetDefault("relay.worker_queue", 1024)
	viper.SetDefault("relay.reconnect.initial_wait_ms", 500)
	viper.SetDefault("relay.reconnect.max_wait_ms", 30000)
	viper.SetDefault("relay.reconnect.max_attempts", -1)

	// Default broadcast hub settings
	viper.SetDefault("hub.ping_interval_sec", 25)
	viper.SetDefault("hub.pong_timeout_sec", 60)
	viper.SetDefault("hub.heartbeat_interval_sec", 45)
	viper.SetDefault("hub.heartbeat_timeout_sec", 20)
	viper.SetDefault("hub.sweep_interval_sec", 90)
	viper.SetDefault("hub.stale_threshold_sec", 180)
	viper.SetDefault("hub.max_frame_size", 100*1024*1024)
	viper.SetDefault("hub.history_size", 100)
	viper.SetDefault("hub.send_buffer", 256)
	viper.SetDefault("hub.write_timeout_sec", 10)
	viper.SetDefault("hub.handshake_timeout_sec", 10)

	// Default connection pool settings
	viper.SetDefault("pool.hub_host", "127.0.0.1")
	viper.SetDefault("pool.hub_port", 8765)
	viper.SetDefault("pool.connections", 1)
	viper.SetDefault("pool.coalesce_window_ms", 25)
	viper.SetDefault("pool.max_batch", 64)
	viper.SetDefault("pool.queue_size", 1024)
	viper.SetDefault("pool.enqueue_timeout_ms", 50)
	viper.SetDefault("pool.retry_attempts", 2)
	viper.SetDefault("pool.handshake_timeout_sec", 10)
	viper.SetDefault("pool.write_timeout_ms", 2000)
	viper.SetDefault("pool.transports", []string{"websocket", "polling"})

	// Default ingestion settings
	viper.SetDefault("ingest.topic_fields", []string{
		"hook_event_name", "event", "type", "event_type", "hook_event_type",
	})
	viper.SetDefault("ingest.default_topic", "unknown")
	viper.SetDefault("ingest.namespace", "hook")
	viper.SetDefault("ingest.request_timeout_sec", 5)
	viper.SetDefault("ingest.rate_limit", 0)
	viper.SetDefault("ingest.rate_burst", 100)

	// Default NATS settings
	viper.SetDefault("nats.enabled", false)
	viper.SetDefault("nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("nats.connect_timeout_sec", 30)
	viper.SetDefault("nats.reconnect.max_attempts", -1)
	viper.SetDefault("nats.reconnect.wait_interval_sec", 15)
	viper.SetDefault("nats.subject_prefix", "agentbus")
	viper.SetDefault("nats.mirror", false)

	// Default HTTP server settings
	viper.SetDefault("http.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("http.server_config.listen_port", 8765)
	viper.SetDefault("http.server_config.read_timeout_sec", 60)
	viper.SetDefault("http.server_config.write_timeout_sec", 0)
	viper.SetDefault("http.server_config.idle_timeout_sec", 600)
	viper.SetDefault("http.logging_config.request_id_header", "Agentbus-Request-ID")
	viper.SetDefault(
		"http.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
}
