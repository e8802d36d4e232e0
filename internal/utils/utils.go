package utils

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/chassy-io/artifact-upload/pkg/config"
)

// SetupContext returns a context cancelled on SIGTERM or SIGINT.
func SetupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
}

// WriteOutput appends a key=value record to the CI output file at path.
// An empty path is a no-op.
func WriteOutput(path, key, value string) error {
	if path == "" {
		return nil
	}
	if strings.ContainsAny(key, "=\n") || strings.Contains(value, "\n") {
		return fmt.Errorf("invalid output record %q", key)
	}
	if err := EnsureParentDir(path); err != nil {
		return err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("error opening output file: %w", err)
	}
	defer file.Close()

	if _, err := fmt.Fprintf(file, "%s=%s\n", key, value); err != nil {
		return fmt.Errorf("error writing output file: %w", err)
	}
	return nil
}

// HandleErrorAndWarning logs config warnings and errors and returns the first
// error, if any.
func HandleErrorAndWarning(log *zerolog.Logger, errs []error, warnings []config.Warning) error {
	for i := range warnings {
		log.Warn().Msg(string(warnings[i]))
	}
	for i := range errs {
		log.Error().Msg(errs[i].Error())
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}
