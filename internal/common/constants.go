package common

// Model roles
const (
	RolePrimary  = "primary"
	RoleFallback = "fallback"
)

// Environment variable keys
const (
	EnvClientID             = "UAI_CLIENT_ID"
	EnvTrackingURI          = "TRACKING_URI"
	EnvConfigFile           = "CONFIG_FILE"
	EnvModelName            = "MODEL_NAME"
	EnvPrimaryModelVersion  = "PRIMARY_MODEL_VERSION"
	EnvFallbackModelVersion = "FALLBACK_MODEL_VERSION"
	EnvRowThreshold         = "ROUTING_ROW_THRESHOLD"
	EnvPort                 = "PORT"
	EnvMetricsPort          = "METRICS_PORT"
	EnvRequestTimeout       = "REQUEST_TIMEOUT"
	EnvRegistryTimeout      = "REGISTRY_TIMEOUT"
	EnvRegistryAuth         = "REGISTRY_AUTH"
	EnvRegistryToken        = "REGISTRY_TOKEN"
	EnvTokenScope           = "REGISTRY_TOKEN_SCOPE"
	EnvDataPath             = "DATA_PATH"
	EnvCacheSize            = "PREDICTION_CACHE_SIZE"
	EnvCacheTTL             = "PREDICTION_CACHE_TTL"
	EnvONNXRuntimeLib       = "ONNXRUNTIME_LIB"
	EnvLogLevel             = "LOG_LEVEL"
	EnvLogFormat            = "LOG_FORMAT"
	EnvLogFile              = "LOG_FILE"
)

// Configuration defaults
const (
	DefaultModelName            = "iris_svc_model"
	DefaultPrimaryModelVersion  = "1"
	DefaultFallbackModelVersion = "latest"
	DefaultRowThreshold         = 2
	DefaultPort                 = 8080
	DefaultMetricsPort          = 9090
	DefaultLogLevel             = "info"
	DefaultLogFormat            = "json"
	DefaultMaxBodyBytes         = 8 << 20
	DefaultRegistryAuth         = AuthManagedIdentity
	DefaultTokenScope           = "https://management.azure.com/.default"
)

// Registry auth modes
const (
	AuthManagedIdentity = "managed_identity"
	AuthToken           = "token"
	AuthNone            = "none"
)

// Request envelope keys
const (
	InputDataKey = "input_data"
	DataKey      = "data"
)

// ErrMsgMissingInputData is returned verbatim to callers that omit InputDataKey.
const ErrMsgMissingInputData = "Request must contain a top level key named 'input_data'"

// Request headers
const (
	HeaderRequestID = "X-Request-ID"
	HeaderModelRole = "X-Model-Role"
	HeaderModelVer  = "X-Model-Version"
)
