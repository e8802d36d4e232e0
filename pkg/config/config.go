package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Warning represents a non-critical issue with configuration.
type Warning string

// Config is the raw configuration of one upload run, as read from flags,
// environment and an optional config file.
type Config struct {
	Path            string
	Root            string
	Name            string
	Architecture    string
	OSName          string
	OSVersion       string
	Type            string
	Classification  string
	ArtifactVersion string
	Partitions      string
	Compression     string
	RawDiskScheme   string

	Mode     string
	LogLevel string
	JSONLog  bool

	DryRun           bool
	Match            string
	CredentialPolicy string
	FailFast         bool
	Parallel         int
	Checksum         bool
	Retries          int
	TransferAttempts int
	Timeout          time.Duration
	AuthScheme       string
	CAFile           string
	ClientCert       string
	ClientKey        string

	Pushgateway string
	AuditLog    string

	Token      string
	AuthToken  string
	Endpoint   string
	BackendEnv string
	Provenance string
	OutputPath string
}

// NewViper returns a viper instance with defaults and environment bindings.
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	BindEnv(v)
	return v
}

// SetDefaults registers the default of every key that has one.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyRoot, DefaultRoot)
	v.SetDefault(KeyArchitecture, DefaultArchitecture)
	v.SetDefault(KeyType, DefaultType)
	v.SetDefault(KeyMode, DefaultMode)
	v.SetDefault(KeyMatch, DefaultMatch)
	v.SetDefault(KeyCredentialPolicy, DefaultCredentialPolicy)
	v.SetDefault(KeyParallel, DefaultParallel)
	v.SetDefault(KeyRetries, DefaultRetries)
	v.SetDefault(KeyTransferAttempts, DefaultTransferAttempts)
	v.SetDefault(KeyTimeout, DefaultTimeout)
	v.SetDefault(KeyBackendEnv, DefaultBackendEnv)
	v.SetDefault(KeyProvenance, DefaultProvenance)
}

// BindEnv binds the keys that are read from the CI environment.
func BindEnv(v *viper.Viper) {
	// BindEnv only fails when no key is given.
	_ = v.BindEnv(KeyToken, EnvToken)
	_ = v.BindEnv(KeyAuthToken, EnvAuthToken)
	_ = v.BindEnv(KeyEndpoint, EnvEndpoint)
	_ = v.BindEnv(KeyBackendEnv, EnvBackendEnv)
	_ = v.BindEnv(KeyProvenance, EnvProvenance)
	_ = v.BindEnv(KeyOutput, EnvOutput)
	_ = v.BindEnv(KeyRoot, EnvWorkspace)
}

// Load reads the optional config file named by KeyConfig and returns the
// merged configuration.
func Load(v *viper.Viper) (*Config, error) {
	if path := v.GetString(KeyConfig); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	return &Config{
		Path:            v.GetString(KeyPath),
		Root:            v.GetString(KeyRoot),
		Name:            v.GetString(KeyName),
		Architecture:    v.GetString(KeyArchitecture),
		OSName:          v.GetString(KeyOS),
		OSVersion:       v.GetString(KeyOSVersion),
		Type:            v.GetString(KeyType),
		Classification:  v.GetString(KeyClassification),
		ArtifactVersion: v.GetString(KeyArtifactVersion),
		Partitions:      v.GetString(KeyPartitions),
		Compression:     v.GetString(KeyCompression),
		RawDiskScheme:   v.GetString(KeyRawDiskScheme),

		Mode:     v.GetString(KeyMode),
		LogLevel: v.GetString(KeyLogLevel),
		JSONLog:  v.GetBool(KeyJSONLog),

		DryRun:           v.GetBool(KeyDryRun),
		Match:            v.GetString(KeyMatch),
		CredentialPolicy: v.GetString(KeyCredentialPolicy),
		FailFast:         v.GetBool(KeyFailFast),
		Parallel:         v.GetInt(KeyParallel),
		Checksum:         v.GetBool(KeyChecksum),
		Retries:          v.GetInt(KeyRetries),
		TransferAttempts: v.GetInt(KeyTransferAttempts),
		Timeout:          v.GetDuration(KeyTimeout),
		AuthScheme:       v.GetString(KeyAuthScheme),
		CAFile:           v.GetString(KeyCAFile),
		ClientCert:       v.GetString(KeyClientCert),
		ClientKey:        v.GetString(KeyClientKey),

		Pushgateway: v.GetString(KeyPushgateway),
		AuditLog:    v.GetString(KeyAuditLog),

		Token:      v.GetString(KeyToken),
		AuthToken:  v.GetString(KeyAuthToken),
		Endpoint:   v.GetString(KeyEndpoint),
		BackendEnv: v.GetString(KeyBackendEnv),
		Provenance: v.GetString(KeyProvenance),
		OutputPath: v.GetString(KeyOutput),
	}, nil
}
