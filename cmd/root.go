package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/spf13/cobra"

	"github.com/chassy-io/artifact-upload/internal/apperrors"
	"github.com/chassy-io/artifact-upload/internal/artifact"
	"github.com/chassy-io/artifact-upload/internal/httpclient"
	"github.com/chassy-io/artifact-upload/internal/logger"
	"github.com/chassy-io/artifact-upload/internal/pipeline"
	"github.com/chassy-io/artifact-upload/internal/registry"
	tlsconfig "github.com/chassy-io/artifact-upload/internal/tls"
	"github.com/chassy-io/artifact-upload/internal/token"
	"github.com/chassy-io/artifact-upload/internal/transfer"
	"github.com/chassy-io/artifact-upload/internal/utils"
	"github.com/chassy-io/artifact-upload/pkg/config"
)

// Process exit codes.
const (
	ExitOK      = 0
	ExitFailure = 1
	ExitConfig  = 2
)

// PushJob is the Pushgateway job name metrics are pushed under.
const PushJob = "artifact_upload"

// ErrConfiguration marks errors in flags, config files or the environment.
var ErrConfiguration = errors.New("configuration error")

func NewRootCommand() *cobra.Command {
	v := config.NewViper()

	rootCmd := &cobra.Command{
		Use:           "artifact-upload",
		Short:         "Upload build artifacts to the Chassy registry",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return fmt.Errorf("%w: %w", ErrConfiguration, err)
			}

			ctx, cancel := utils.SetupContext(cmd.Context())
			defer cancel()

			resolved, warnings, errs := config.Validate(cfg)
			ctx, log := logger.InitLogger(ctx, logger.Options{Level: resolved.LogLevel, JSON: cfg.JSONLog})
			if err := utils.HandleErrorAndWarning(log, errs, warnings); err != nil {
				writeStatus(ctx, cfg.OutputPath, false)
				return err
			}
			return run(ctx, cfg, resolved)
		},
	}
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return fmt.Errorf("%w: %w", ErrConfiguration, err)
	})

	flags := rootCmd.Flags()
	flags.StringP(config.KeyPath, "p", "", "artifact file name or glob pattern, matched at any depth under --root")
	flags.StringP(config.KeyArchitecture, "a", config.DefaultArchitecture, "architecture: AMD64, ARM64, ARMv6, ARMv7, RISCV or UNKNOWN")
	flags.StringP(config.KeyOS, "o", "", "operating system name")
	flags.StringP(config.KeyOSVersion, "i", "", "operating system version")
	flags.StringP(config.KeyType, "t", config.DefaultType, "upload type: FILE, ARCHIVE, IMAGE or FIRMWARE")
	flags.StringP(config.KeyClassification, "c", "", "package classification: EXECUTABLE, CONFIG, DATA or BUNDLE")
	flags.StringP(config.KeyMode, "m", config.DefaultMode, "log mode: DEBUG or INFO")
	flags.BoolP(config.KeyDryRun, "d", false, "locate artifacts and derive names without contacting the registry")
	flags.String(config.KeyRoot, config.DefaultRoot, "directory searched for artifacts (defaults to $GITHUB_WORKSPACE)")
	flags.String(config.KeyName, "", "artifact name to register instead of the file name, when exactly one file matches")
	flags.String(config.KeyArtifactVersion, "", "artifact version")
	flags.String(config.KeyPartitions, "", "glob of the YAML or JSON file describing the partitions of an IMAGE, matched under --root")
	flags.String(config.KeyCompression, "", "compression scheme of an IMAGE, sent as its storage format")
	flags.String(config.KeyRawDiskScheme, "", "raw disk scheme of an IMAGE, sent as its storage format")
	flags.String(config.KeyMatch, config.DefaultMatch, "how many matches are accepted: all or one")
	flags.String(config.KeyCredentialPolicy, config.DefaultCredentialPolicy, "credential acquisition: per-run or per-file")
	flags.Bool(config.KeyFailFast, false, "stop after the first failed artifact")
	flags.Int(config.KeyParallel, config.DefaultParallel, "number of artifacts uploaded concurrently")
	flags.Bool(config.KeyChecksum, false, "send a checksum with every artifact (md5 and size for images, sha256 for packages)")
	flags.Int(config.KeyRetries, config.DefaultRetries, "retries for registry API calls")
	flags.Int(config.KeyTransferAttempts, config.DefaultTransferAttempts, "upload attempts per artifact, each against a newly negotiated destination")
	flags.Duration(config.KeyTimeout, config.DefaultTimeout, "timeout of a single HTTP request (0 means none)")
	flags.String(config.KeyAuthScheme, "", "scheme prefixed to the credential in the Authorization header")
	flags.String(config.KeyCAFile, "", "PEM bundle of CAs trusted for the registry, added instead of the system roots")
	flags.String(config.KeyClientCert, "", "PEM client certificate presented to the registry")
	flags.String(config.KeyClientKey, "", "PEM key of --client-cert")
	flags.String(config.KeyLogLevel, "", "zerolog level, overrides --mode")
	flags.Bool(config.KeyJSONLog, false, "log JSON lines instead of console output")
	flags.String(config.KeyConfig, "", "optional config file (yaml, toml or json)")
	flags.String(config.KeyPushgateway, "", "Prometheus Pushgateway URL metrics are pushed to when the run ends")
	flags.String(config.KeyAuditLog, "", "file audit events are appended to")

	// BindPFlags only fails on a nil flag set.
	_ = v.BindPFlags(flags)
	return rootCmd
}

func Execute() error {
	return NewRootCommand().Execute()
}

// ExitCode maps the error returned by Execute onto a process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrConfiguration), errors.Is(err, apperrors.ErrInvalidParameter):
		return ExitConfig
	default:
		return ExitFailure
	}
}

func run(ctx context.Context, cfg *config.Config, r config.Resolved) error {
	log := logger.FromContext(ctx)

	audit, closeAudit, err := openAuditLog(cfg.AuditLog, cfg.Provenance)
	if err != nil {
		writeStatus(ctx, cfg.OutputPath, false)
		return fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	defer closeAudit()

	tlsCfg, err := tlsconfig.LoadClientConfig(tlsconfig.Config{
		CAFile:   cfg.CAFile,
		CertFile: cfg.ClientCert,
		KeyFile:  cfg.ClientKey,
	})
	if err != nil {
		writeStatus(ctx, cfg.OutputPath, false)
		return fmt.Errorf("%w: %w", ErrConfiguration, err)
	}

	locator := artifact.NewLocator()
	tmpl := r.Template(cfg)
	if cfg.Partitions != "" && r.Type == artifact.TypeImage {
		parts, err := locator.LoadPartitions(cfg.Root, cfg.Partitions)
		if err != nil {
			log.Error().Err(err).Str("pattern", cfg.Partitions).Msg("Failed to load partitions")
			writeStatus(ctx, cfg.OutputPath, false)
			return err
		}
		log.Debug().Int("count", len(parts)).Msg("Loaded image partitions")
		tmpl.Partitions = parts
	}

	apiClient := httpclient.New(httpclient.Options{
		Retry:   httpclient.RetryPolicy{Retries: cfg.Retries},
		Timeout: cfg.Timeout,
		TLS:     tlsCfg,
		Logger:  log,
	})
	uploadClient := httpclient.New(httpclient.Options{Timeout: cfg.Timeout, TLS: tlsCfg, Logger: log})

	reg := prometheus.NewRegistry()
	recorder := pipeline.NewRecorder()
	if err := recorder.Register(reg); err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}
	meter := transfer.NewMeter()

	p := pipeline.New(pipeline.Components{
		Locator:     locator,
		Credentials: token.WithPolicy(newCredentialProvider(cfg, r, apiClient), r.Policy),
		Negotiator: registry.NewNegotiator(apiClient, registry.Options{
			BaseURL:    r.BaseURL,
			AuthScheme: cfg.AuthScheme,
			Provenance: cfg.Provenance,
		}),
		Transferer: transfer.NewTransferer(uploadClient, meter),
		Recorder:   recorder,
		Audit:      audit,
	}, pipeline.Options{
		Root:             cfg.Root,
		Pattern:          cfg.Path,
		Match:            r.Match,
		FailFast:         cfg.FailFast,
		Concurrency:      cfg.Parallel,
		DryRun:           cfg.DryRun,
		Checksum:         cfg.Checksum,
		TransferAttempts: cfg.TransferAttempts,
		Template:         tmpl,
		Name:             cfg.Name,
		OnTransition: func(s pipeline.State, path string) {
			log.Debug().Str("state", s.String()).Str("file", path).Msg("Pipeline state changed")
		},
	})

	log.Info().Str("registry", r.BaseURL).Str("pattern", cfg.Path).Bool("dryrun", cfg.DryRun).Msg("Starting artifact upload")
	result, runErr := p.Run(ctx)

	usage := meter.Usage()
	log.Info().Int64("files", usage.Files).Int64("bytes", usage.Bytes).Str("state", result.State.String()).Msg("Upload summary")
	for _, f := range result.Failures() {
		log.Error().Err(f.Err).Str("file", f.Descriptor.Path).Msg("Artifact failed")
	}

	writeStatus(ctx, cfg.OutputPath, runErr == nil && result.Succeeded())
	if runErr == nil {
		if id := singleArtifactID(result); id != "" {
			if err := utils.WriteOutput(cfg.OutputPath, "id", id); err != nil {
				log.Error().Err(err).Msg("Failed to write CI output")
			}
		}
	}

	switch {
	case cfg.Pushgateway == "":
	case cfg.DryRun:
		log.Info().Str("url", cfg.Pushgateway).Msg("Dry run: not pushing metrics")
	default:
		if err := push.New(cfg.Pushgateway, PushJob).Gatherer(reg).PushContext(ctx); err != nil {
			log.Warn().Err(err).Str("url", cfg.Pushgateway).Msg("Failed to push metrics")
		}
	}
	return runErr
}

func newCredentialProvider(cfg *config.Config, r config.Resolved, client *retryablehttp.Client) token.Provider {
	if r.Static {
		return token.NewStaticProvider(token.Secret{Name: config.EnvAuthToken, Value: cfg.AuthToken})
	}
	return token.NewRefreshProvider(client, r.BaseURL, token.Secret{Name: config.EnvToken, Value: cfg.Token})
}

func openAuditLog(path, provenance string) (*logger.AuditLog, func(), error) {
	if path == "" {
		return nil, func() {}, nil
	}
	if err := utils.EnsureParentDir(path); err != nil {
		return nil, nil, err
	}
	w, err := logger.NewFileAuditWriter(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	return logger.NewAuditLog(w, provenance), func() { closeQuietly(w) }, nil
}

func closeQuietly(c io.Closer) {
	_ = c.Close()
}

func writeStatus(ctx context.Context, path string, ok bool) {
	status := "failure"
	if ok {
		status = "success"
	}
	if err := utils.WriteOutput(path, "status", status); err != nil {
		logger.FromContext(ctx).Error().Err(err).Msg("Failed to write CI output")
	}
}

// singleArtifactID returns the registry id when exactly one artifact was uploaded.
func singleArtifactID(result pipeline.Result) string {
	var id string
	uploaded := 0
	for _, f := range result.Files {
		if f.Outcome == pipeline.Success {
			uploaded++
			id = f.ArtifactID
		}
	}
	if uploaded != 1 {
		return ""
	}
	return id
}
