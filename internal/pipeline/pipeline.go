// Package pipeline sequences discovery, authentication, negotiation and
// transfer for every artifact of a run and folds the per-file outcomes into
// one result.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chassy-io/artifact-upload/internal/apperrors"
	"github.com/chassy-io/artifact-upload/internal/artifact"
	"github.com/chassy-io/artifact-upload/internal/logger"
	"github.com/chassy-io/artifact-upload/internal/registry"
	"github.com/chassy-io/artifact-upload/internal/token"
	"github.com/chassy-io/artifact-upload/internal/transfer"
)

// State is a step of the upload state machine.
type State int

const (
	Idle State = iota
	Locating
	Authenticating
	Negotiating
	Transferring
	Aggregating
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Locating:
		return "locating"
	case Authenticating:
		return "authenticating"
	case Negotiating:
		return "negotiating"
	case Transferring:
		return "transferring"
	case Aggregating:
		return "aggregating"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Outcome is the result of one file's pass through the pipeline.
type Outcome string

const (
	Success Outcome = "success"
	Failure Outcome = "failed"
	// Skipped files were not uploaded: dry-run, or abandoned after a
	// fail-fast stop.
	Skipped Outcome = "skipped"
)

// Locator discovers artifact files.
type Locator interface {
	Locate(root, pattern string) ([]string, error)
}

// Negotiator obtains a single-use upload target for a descriptor.
type Negotiator interface {
	Negotiate(ctx context.Context, cred token.Credential, desc artifact.Descriptor) (registry.Target, error)
}

// Transferer uploads a file to a target.
type Transferer interface {
	Transfer(ctx context.Context, uploadURI, path string) (transfer.Result, error)
}

// Components are the collaborators a Pipeline drives. Recorder and Audit
// are optional.
type Components struct {
	Locator     Locator
	Credentials token.Provider
	Negotiator  Negotiator
	Transferer  Transferer
	Recorder    *Recorder
	Audit       *logger.AuditLog
}

// Options configure a single run.
type Options struct {
	Root    string
	Pattern string
	Match   artifact.MatchMode
	// FailFast stops scheduling files after the first failure.
	FailFast bool
	// Concurrency bounds how many files are in flight. One is strictly sequential.
	Concurrency int
	// DryRun stops after discovery and name derivation; nothing is sent.
	// An ARCHIVE bundle is still built locally.
	DryRun bool
	// Checksum attaches a digest and size to every descriptor: md5 for
	// images, sha256 for packages.
	Checksum bool
	// TransferAttempts bounds uploads per file. Each retry negotiates a new target.
	TransferAttempts int
	Template         artifact.Template
	// Name replaces the derived logical name when exactly one file matched,
	// and names the bundle of an ARCHIVE run.
	Name string
	// OnTransition observes every state change. path is empty for run-level
	// states. It must be safe for concurrent use when Concurrency > 1.
	OnTransition func(state State, path string)
}

// FileResult is the outcome of one discovered file.
type FileResult struct {
	Descriptor artifact.Descriptor
	Outcome    Outcome
	Err        error
	ArtifactID string
	Bytes      int64
	Attempts   int
}

// Result aggregates every file of a run.
type Result struct {
	State State
	Files []FileResult
}

// Succeeded reports whether the run ended in Done.
func (r Result) Succeeded() bool {
	return r.State == Done
}

// Failures returns the files that failed.
func (r Result) Failures() []FileResult {
	var failed []FileResult
	for _, f := range r.Files {
		if f.Outcome == Failure {
			failed = append(failed, f)
		}
	}
	return failed
}

// Err joins the errors of every failed file, or returns nil.
func (r Result) Err() error {
	var errs []error
	for _, f := range r.Failures() {
		errs = append(errs, f.Err)
	}
	return errors.Join(errs...)
}

// Pipeline uploads the artifacts matched by its options.
type Pipeline struct {
	c    Components
	opts Options
}

// New returns a pipeline driving c with opts.
func New(c Components, opts Options) *Pipeline {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.TransferAttempts < 1 {
		opts.TransferAttempts = 1
	}
	if opts.Match == "" {
		opts.Match = artifact.MatchAll
	}
	return &Pipeline{c: c, opts: opts}
}

// Run executes the pipeline. Discovery and parameter errors end the run
// before any network call and are returned alone. Otherwise the returned
// error joins the failures of individual files and is nil when every file
// succeeded.
func (p *Pipeline) Run(ctx context.Context) (Result, error) {
	log := logger.FromContext(ctx)

	if p.opts.Template.Kind == nil {
		return p.fail(apperrors.InvalidParameter("type", "artifact kind is not set"))
	}

	p.transition(Locating, "")
	start := time.Now()
	paths, err := p.c.Locator.Locate(p.opts.Root, p.opts.Pattern)
	if err == nil {
		paths, err = artifact.Select(p.opts.Root, p.opts.Pattern, paths, p.opts.Match)
	}
	p.c.Recorder.RecordDuration(Locating, start)
	if err != nil {
		log.Error().Err(err).Str("pattern", p.opts.Pattern).Msg("Artifact discovery failed")
		return p.fail(err)
	}
	log.Info().Int("count", len(paths)).Str("pattern", p.opts.Pattern).Msg("Located artifacts")

	var descs []artifact.Descriptor
	if p.needsBundle(paths) {
		bundle, err := p.bundle(ctx, paths)
		if err != nil {
			log.Error().Err(err).Str("pattern", p.opts.Pattern).Msg("Failed to bundle artifacts")
			return p.fail(apperrors.TransferFailure(p.opts.Pattern, 0, "", err))
		}
		defer os.Remove(bundle.Path)
		descs = []artifact.Descriptor{bundle}
	} else {
		descs = p.describe(ctx, paths)
	}
	if len(descs) == 0 {
		log.Warn().Str("pattern", p.opts.Pattern).Msg("No artifacts matched; nothing to upload")
	}

	var files []FileResult
	if p.opts.DryRun {
		files = p.dryRun(ctx, descs)
	} else {
		files = p.upload(ctx, descs)
	}

	p.transition(Aggregating, "")
	result := Result{State: Done, Files: files}
	for _, f := range files {
		p.c.Recorder.RecordFile(f.Outcome)
		if f.Outcome == Failure {
			result.State = Failed
		}
	}
	p.transition(result.State, "")

	if err := result.Err(); err != nil {
		log.Error().Int("failed", len(result.Failures())).Int("total", len(files)).Msg("Artifact upload failed")
		return result, err
	}
	log.Info().Int("total", len(files)).Msg("Artifact upload finished")
	return result, nil
}

func (p *Pipeline) fail(err error) (Result, error) {
	p.transition(Failed, "")
	return Result{State: Failed}, err
}

func (p *Pipeline) transition(s State, path string) {
	if p.opts.OnTransition != nil {
		p.opts.OnTransition(s, path)
	}
}

func (p *Pipeline) describe(ctx context.Context, paths []string) []artifact.Descriptor {
	descs := make([]artifact.Descriptor, 0, len(paths))
	for _, path := range paths {
		descs = append(descs, p.opts.Template.Describe(path))
	}
	if p.opts.Name != "" {
		if len(descs) == 1 {
			descs[0].Name = p.opts.Name
		} else if len(descs) > 1 {
			logger.FromContext(ctx).Warn().Str("name", p.opts.Name).Int("count", len(descs)).
				Msg("Ignoring name override because more than one artifact matched")
		}
	}
	return descs
}

func (p *Pipeline) dryRun(ctx context.Context, descs []artifact.Descriptor) []FileResult {
	log := logger.FromContext(ctx)
	files := make([]FileResult, 0, len(descs))
	for _, desc := range descs {
		fr := FileResult{Descriptor: desc, Outcome: Skipped}
		if p.opts.Checksum && desc.Digest.Hex == "" {
			d, err := artifact.WithDigest(desc)
			if err != nil {
				fr.Outcome = Failure
				fr.Err = apperrors.TransferFailure(desc.Path, 0, "", err)
				files = append(files, fr)
				continue
			}
			fr.Descriptor = d
		}
		e := log.Info().Str("file", desc.Path).Str("name", fr.Descriptor.Name).Str("kind", desc.Kind.String())
		if len(desc.Sources) > 0 {
			e = e.Strs("sources", desc.Sources)
		}
		if fr.Descriptor.Digest.Hex != "" {
			e = e.Str("digest", fr.Descriptor.Digest.String())
		}
		e.Msg("Dry run: would upload artifact")
		files = append(files, fr)
	}
	return files
}

// results collects per-file outcomes from concurrent workers.
type results struct {
	mu    sync.Mutex
	files []FileResult
}

func (r *results) set(i int, fr FileResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files[i] = fr
}

func (p *Pipeline) upload(ctx context.Context, descs []artifact.Descriptor) []FileResult {
	collected := &results{files: make([]FileResult, len(descs))}

	var (
		g    *errgroup.Group
		gctx = ctx
	)
	if p.opts.FailFast {
		g, gctx = errgroup.WithContext(ctx)
	} else {
		g = &errgroup.Group{}
	}
	g.SetLimit(p.opts.Concurrency)

	for i, desc := range descs {
		g.Go(func() error {
			if p.opts.FailFast && gctx.Err() != nil && ctx.Err() == nil {
				collected.set(i, FileResult{Descriptor: desc, Outcome: Skipped})
				return nil
			}
			fr := p.process(gctx, desc)
			if fr.Outcome == Failure && p.opts.FailFast && ctx.Err() == nil && gctx.Err() != nil && errors.Is(fr.Err, context.Canceled) {
				fr = FileResult{Descriptor: desc, Outcome: Skipped, Attempts: fr.Attempts}
			}
			collected.set(i, fr)
			if fr.Outcome == Failure && p.opts.FailFast {
				return fr.Err
			}
			return nil
		})
	}
	// Per-file errors are kept in their results.
	_ = g.Wait()
	return collected.files
}

// process runs one file through Authenticating, Negotiating and Transferring.
func (p *Pipeline) process(ctx context.Context, desc artifact.Descriptor) FileResult {
	ctx, log := logger.ForArtifact(ctx, desc.Path, desc.Name)
	fr := FileResult{Descriptor: desc}

	if p.opts.Checksum && desc.Digest.Hex == "" {
		d, err := artifact.WithDigest(desc)
		if err != nil {
			return p.failed(fr, apperrors.TransferFailure(desc.Path, 0, "", err))
		}
		fr.Descriptor = d
	}

	for attempt := 1; attempt <= p.opts.TransferAttempts; attempt++ {
		fr.Attempts = attempt

		p.transition(Authenticating, desc.Path)
		start := time.Now()
		cred, err := p.c.Credentials.Acquire(ctx)
		p.c.Recorder.RecordDuration(Authenticating, start)
		if err != nil {
			return p.failed(fr, err)
		}

		p.transition(Negotiating, desc.Path)
		start = time.Now()
		target, err := p.c.Negotiator.Negotiate(ctx, cred, fr.Descriptor)
		p.c.Recorder.RecordDuration(Negotiating, start)
		if err != nil {
			return p.failed(fr, err)
		}
		fr.ArtifactID = target.ArtifactID

		p.transition(Transferring, desc.Path)
		start = time.Now()
		res, err := p.c.Transferer.Transfer(ctx, target.UploadURI, desc.Path)
		p.c.Recorder.RecordDuration(Transferring, start)
		if err == nil {
			fr.Outcome = Success
			fr.Bytes = res.Bytes
			p.c.Recorder.RecordBytes(res.Bytes)
			p.c.Audit.Record(logger.AuditEvent{
				Type:       logger.AuditArtifactUploaded,
				Artifact:   desc.Name,
				Path:       desc.Path,
				Sources:    desc.Sources,
				Kind:       desc.Kind.String(),
				ArtifactID: fr.ArtifactID,
				Bytes:      res.Bytes,
				Attempts:   attempt,
			})
			log.Info().Str("id", fr.ArtifactID).Int64("bytes", res.Bytes).Msg("Uploaded artifact")
			return fr
		}

		if attempt == p.opts.TransferAttempts || !retryable(err) || ctx.Err() != nil {
			return p.failed(fr, err)
		}
		log.Warn().Err(err).Int("attempt", attempt).Msg("Upload failed, negotiating a new target")
	}
	return fr
}

func (p *Pipeline) failed(fr FileResult, err error) FileResult {
	fr.Outcome = Failure
	fr.Err = err
	p.c.Audit.Record(logger.AuditEvent{
		Type:       logger.AuditArtifactUploadFailed,
		Artifact:   fr.Descriptor.Name,
		Path:       fr.Descriptor.Path,
		Sources:    fr.Descriptor.Sources,
		ArtifactID: fr.ArtifactID,
		Attempts:   fr.Attempts,
		Status:     apperrors.StatusCode(err),
		Error:      err.Error(),
	})
	return fr
}

// retryable reports whether a transfer failure may succeed against a fresh
// target: transport errors, throttling and server errors.
func retryable(err error) bool {
	if !errors.Is(err, apperrors.ErrTransferFailure) {
		return false
	}
	status := apperrors.StatusCode(err)
	switch {
	case status == 0:
		var pathErr *fs.PathError
		if errors.As(err, &pathErr) {
			return false
		}
		return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	case status == 408, status == 429:
		return true
	default:
		return status >= 500
	}
}
