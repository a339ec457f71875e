package config

import "time"

// AgentConfig holds runtime configuration for the agent process. It is built
// once at startup and treated as an immutable snapshot afterwards.
type AgentConfig struct {
	Environment string
	LogLevel    string

	BackendURL     string
	DataDir        string
	LocalAddr      string
	DeviceName     string
	ActivationCode string

	EnableLocalServer bool
	EnablePoller      bool
	EnableRelay       bool
	EnableTelemetry   bool

	PollInterval     time.Duration
	PollInitialDelay time.Duration

	RelayHeartbeat       time.Duration
	RelayDialTimeout     time.Duration
	BackoffInitial       time.Duration
	BackoffMax           time.Duration
	BackoffStabilitySpan time.Duration

	TokenCheckInterval    time.Duration
	TokenRefreshThreshold time.Duration
	TokenExpirySkew       time.Duration

	DeploymentTimeout   time.Duration
	DeploymentDir       string
	DockerHost          string
	NodeParallelism     int
	NodeTimeout         time.Duration
	TelemetryInterval   time.Duration
	CommandQueueSize    int
	StatusQueueSize     int
	WorkflowCacheSize   int
	EnableCamera        bool
	EnableGPIO          bool
}

// LoadAgentConfig constructs an AgentConfig from environment variables.
func LoadAgentConfig() AgentConfig {
	return AgentConfig{
		Environment: GetString("APP_ENV", "production"),
		LogLevel:    GetString("LOG_LEVEL", "info"),

		BackendURL:     GetString("BACKEND_URL", "http://localhost:8000/api/v1"),
		DataDir:        GetString("AGENT_DATA_DIR", "/etc/ajime"),
		LocalAddr:      GetString("AGENT_LOCAL_ADDR", ":7070"),
		DeviceName:     GetString("AGENT_NAME", ""),
		ActivationCode: GetString("AGENT_ACTIVATION_CODE", ""),

		EnableLocalServer: GetBool("ENABLE_LOCAL_SERVER", true),
		EnablePoller:      GetBool("ENABLE_POLLER", true),
		EnableRelay:       GetBool("ENABLE_RELAY", true),
		EnableTelemetry:   GetBool("ENABLE_TELEMETRY", true),

		PollInterval:     GetSeconds("POLL_INTERVAL_SECONDS", 30),
		PollInitialDelay: GetSeconds("POLL_INITIAL_DELAY_SECONDS", 5),

		RelayHeartbeat:       GetSeconds("RELAY_HEARTBEAT_SECONDS", 30),
		RelayDialTimeout:     GetSeconds("RELAY_DIAL_TIMEOUT_SECONDS", 15),
		BackoffInitial:       GetSeconds("BACKOFF_INITIAL_SECONDS", 1),
		BackoffMax:           GetSeconds("BACKOFF_MAX_SECONDS", 60),
		BackoffStabilitySpan: GetSeconds("BACKOFF_STABILITY_SECONDS", 30),

		TokenCheckInterval:    GetSeconds("TOKEN_CHECK_INTERVAL_SECONDS", 3600),
		TokenRefreshThreshold: GetSeconds("TOKEN_REFRESH_THRESHOLD_SECONDS", 86400),
		TokenExpirySkew:       GetSeconds("TOKEN_EXPIRY_SKEW_SECONDS", 60),

		DeploymentTimeout: GetSeconds("DEPLOYMENT_TIMEOUT_SECONDS", 600),
		DeploymentDir:     GetString("DEPLOYMENT_DIR", "/etc/ajime/deployments"),
		DockerHost:        GetString("DOCKER_HOST", ""),
		NodeParallelism:   GetInt("WORKFLOW_NODE_PARALLELISM", 4),
		NodeTimeout:       GetSeconds("WORKFLOW_NODE_TIMEOUT_SECONDS", 120),
		TelemetryInterval: GetSeconds("TELEMETRY_INTERVAL_SECONDS", 60),
		CommandQueueSize:  GetInt("COMMAND_QUEUE_SIZE", 128),
		StatusQueueSize:   GetInt("STATUS_QUEUE_SIZE", 256),
		WorkflowCacheSize: GetInt("WORKFLOW_CACHE_SIZE", 64),
		EnableCamera:      GetBool("ENABLE_CAMERA", false),
		EnableGPIO:        GetBool("ENABLE_GPIO", false),
	}
}
