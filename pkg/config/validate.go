package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/chassy-io/artifact-upload/internal/apperrors"
	"github.com/chassy-io/artifact-upload/internal/artifact"
	"github.com/chassy-io/artifact-upload/internal/token"
)

// Resolved holds the typed settings derived from a valid Config.
type Resolved struct {
	Architecture   artifact.Architecture
	Type           artifact.UploadType
	Classification artifact.Classification
	Kind           artifact.Kind
	Match          artifact.MatchMode
	Policy         token.Policy
	LogLevel       string
	BaseURL        string
	// Static is true when a pre-issued credential replaces the token exchange.
	Static bool
}

// Template returns the descriptor fields shared by every file of the run.
func (r Resolved) Template(c *Config) artifact.Template {
	return artifact.Template{
		Architecture: r.Architecture,
		OSName:       c.OSName,
		OSVersion:    c.OSVersion,
		Type:         r.Type,
		Kind:         r.Kind,
		Version:      c.ArtifactVersion,
		Storage: artifact.StorageFormat{
			CompressionScheme: c.Compression,
			RawDiskScheme:     c.RawDiskScheme,
		},
	}
}

// Validate checks every enumerated and numeric setting before any network
// call. Errors are InvalidParameter; warnings are values that are accepted
// but ignored or replaced.
func Validate(c *Config) (Resolved, []Warning, []error) {
	var (
		r        Resolved
		warnings []Warning
		errs     []error
		err      error
	)
	if c == nil {
		return r, nil, []error{apperrors.InvalidParameter("config", "config cannot be nil")}
	}

	if strings.TrimSpace(c.Path) == "" {
		errs = append(errs, apperrors.InvalidParameter(KeyPath, "an artifact path or pattern is required"))
	}
	if c.Name != "" && (strings.ContainsAny(c.Name, `/\`) || c.Name == "." || c.Name == "..") {
		errs = append(errs, apperrors.InvalidParameter(KeyName, fmt.Sprintf("%q must be a plain name without path separators", c.Name)))
	}
	if r.Architecture, err = artifact.ParseArchitecture(c.Architecture); err != nil {
		errs = append(errs, err)
	}
	if r.Type, err = artifact.ParseUploadType(c.Type); err != nil {
		errs = append(errs, err)
	}
	if r.Classification, err = artifact.ParseClassification(c.Classification); err != nil {
		errs = append(errs, err)
	}
	if r.Match, err = artifact.ParseMatchMode(c.Match); err != nil {
		errs = append(errs, err)
	}
	if r.Policy, err = token.ParsePolicy(c.CredentialPolicy); err != nil {
		errs = append(errs, err)
	}
	r.Kind = artifact.KindFor(r.Type, r.Classification)

	if r.Type == artifact.TypeImage && c.Classification != "" {
		warnings = append(warnings, Warning(fmt.Sprintf("classification %s is ignored for IMAGE artifacts", c.Classification)))
	}
	if r.Type != artifact.TypeImage && c.Partitions != "" {
		warnings = append(warnings, Warning(fmt.Sprintf("partitions are ignored for %s artifacts", r.Type)))
	}
	if r.Type != artifact.TypeImage && (c.Compression != "" || c.RawDiskScheme != "") {
		warnings = append(warnings, Warning(fmt.Sprintf("storage format is ignored for %s artifacts", r.Type)))
	}
	// An ARCHIVE run always ends in one upload, so the name always applies.
	if c.Name != "" && r.Match != artifact.MatchOne && r.Type != artifact.TypeArchive {
		warnings = append(warnings, Warning("name is applied only when exactly one artifact matches"))
	}

	if c.Parallel < 1 {
		errs = append(errs, apperrors.InvalidParameter(KeyParallel, fmt.Sprintf("must be at least 1, got %d", c.Parallel)))
	}
	if c.Retries < 0 {
		errs = append(errs, apperrors.InvalidParameter(KeyRetries, fmt.Sprintf("cannot be negative, got %d", c.Retries)))
	}
	if c.TransferAttempts < 1 {
		errs = append(errs, apperrors.InvalidParameter(KeyTransferAttempts, fmt.Sprintf("must be at least 1, got %d", c.TransferAttempts)))
	}
	if c.Timeout < 0 {
		errs = append(errs, apperrors.InvalidParameter(KeyTimeout, fmt.Sprintf("cannot be negative, got %s", c.Timeout)))
	}

	r.LogLevel, warnings, err = resolveLogLevel(c, warnings)
	if err != nil {
		errs = append(errs, err)
	}

	if r.BaseURL, err = BaseURL(c); err != nil {
		errs = append(errs, err)
	}
	if c.Pushgateway != "" {
		if u, perr := url.Parse(c.Pushgateway); perr != nil || !u.IsAbs() || u.Host == "" {
			errs = append(errs, apperrors.InvalidParameter(KeyPushgateway, fmt.Sprintf("%q is not an absolute URL", c.Pushgateway)))
		}
	}

	if (c.ClientCert == "") != (c.ClientKey == "") {
		errs = append(errs, apperrors.InvalidParameter(KeyClientCert, "client-cert and client-key must be set together"))
	}

	r.Static = c.AuthToken != ""
	if r.Static && c.Token != "" {
		warnings = append(warnings, Warning(fmt.Sprintf("both %s and %s are set; using %s without a token exchange", EnvToken, EnvAuthToken, EnvAuthToken)))
	}

	return r, warnings, errs
}

// resolveLogLevel maps --mode onto a zerolog level. An explicit --log-level
// wins; an unknown one falls back to the mode with a warning.
func resolveLogLevel(c *Config, warnings []Warning) (string, []Warning, error) {
	var level string
	switch c.Mode {
	case ModeDebug:
		level = zerolog.LevelDebugValue
	case ModeInfo, "":
		level = zerolog.LevelInfoValue
	default:
		return zerolog.LevelInfoValue, warnings, apperrors.InvalidParameter(KeyMode, fmt.Sprintf("%q is not one of %s, %s", c.Mode, ModeDebug, ModeInfo))
	}

	if c.LogLevel == "" {
		return level, warnings, nil
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel)); err != nil {
		warnings = append(warnings, Warning(fmt.Sprintf(
			"invalid log-level '%s' provided. Valid options are: trace, debug, info, warn, error, fatal, panic. Using '%s'.",
			c.LogLevel, level,
		)))
		return level, warnings, nil
	}
	return strings.ToLower(c.LogLevel), warnings, nil
}

// BaseURL returns the registry API root: the endpoint override when set,
// otherwise the URL of the selected backend environment.
func BaseURL(c *Config) (string, error) {
	if c.Endpoint != "" {
		u, err := url.Parse(c.Endpoint)
		if err != nil || !u.IsAbs() || u.Host == "" {
			return "", apperrors.InvalidParameter(EnvEndpoint, fmt.Sprintf("%q is not an absolute URL", c.Endpoint))
		}
		return strings.TrimSuffix(c.Endpoint, "/"), nil
	}

	env := strings.ToUpper(c.BackendEnv)
	if env == "" {
		env = DefaultBackendEnv
	}
	base, ok := baseURLs[env]
	if !ok {
		return "", apperrors.InvalidParameter(EnvBackendEnv, fmt.Sprintf("%q is not one of %s, %s, %s", c.BackendEnv, BackendProd, BackendStage, BackendDev))
	}
	return base, nil
}
