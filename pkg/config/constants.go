package config

import "time"

// Keys shared by flags, environment bindings and config files.
const (
	KeyPath             = "path"
	KeyRoot             = "root"
	KeyName             = "name"
	KeyArchitecture     = "architecture"
	KeyOS               = "os"
	KeyOSVersion        = "version"
	KeyType             = "type"
	KeyClassification   = "classification"
	KeyArtifactVersion  = "artifact-version"
	KeyMode             = "mode"
	KeyLogLevel         = "log-level"
	KeyJSONLog          = "json-log"
	KeyDryRun           = "dryrun"
	KeyMatch            = "match"
	KeyCredentialPolicy = "credential-policy"
	KeyFailFast         = "fail-fast"
	KeyParallel         = "parallel"
	KeyChecksum         = "checksum"
	KeyRetries          = "retries"
	KeyTransferAttempts = "transfer-attempts"
	KeyTimeout          = "timeout"
	KeyAuthScheme       = "auth-scheme"
	KeyConfig           = "config"
	KeyPushgateway      = "pushgateway"
	KeyAuditLog         = "audit-log"
	KeyCAFile           = "ca-file"
	KeyClientCert       = "client-cert"
	KeyClientKey        = "client-key"
	KeyPartitions       = "partitions"
	KeyCompression      = "compression-scheme"
	KeyRawDiskScheme    = "raw-disk-scheme"

	KeyToken      = "token"
	KeyAuthToken  = "auth-token"
	KeyEndpoint   = "endpoint"
	KeyBackendEnv = "backend-env"
	KeyProvenance = "provenance"
	KeyOutput     = "output"
)

// Environment variables read by the uploader.
const (
	EnvToken      = "CHASSY_TOKEN"
	EnvAuthToken  = "CHASSY_AUTH_TOKEN"
	EnvEndpoint   = "CHASSY_ENDPOINT"
	EnvBackendEnv = "BACKEND_ENV"
	EnvProvenance = "GITHUB_REF"
	EnvOutput     = "GITHUB_OUTPUT"
	EnvWorkspace  = "GITHUB_WORKSPACE"
)

// Registry deployments selected by BACKEND_ENV.
const (
	BackendProd  = "PROD"
	BackendStage = "STAGE"
	BackendDev   = "DEV"
)

var baseURLs = map[string]string{
	BackendProd:  "https://api.chassy.io/v1",
	BackendStage: "https://api.stage.chassy.dev/v1",
	BackendDev:   "https://api.test.chassy.dev/v1",
}

// Log modes accepted by --mode.
const (
	ModeDebug = "DEBUG"
	ModeInfo  = "INFO"
)

const (
	DefaultRoot             = "."
	DefaultBackendEnv       = BackendProd
	DefaultProvenance       = "N/A"
	DefaultMode             = ModeInfo
	DefaultArchitecture     = "UNKNOWN"
	DefaultType             = "FILE"
	DefaultMatch            = "all"
	DefaultCredentialPolicy = "per-run"
	DefaultParallel         = 1
	DefaultRetries          = 0
	DefaultTransferAttempts = 1
	DefaultTimeout          = time.Duration(0)
)
