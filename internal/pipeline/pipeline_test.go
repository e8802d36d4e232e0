package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/chassy-io/artifact-upload/internal/apperrors"
	"github.com/chassy-io/artifact-upload/internal/artifact"
	"github.com/chassy-io/artifact-upload/internal/httpclient"
	"github.com/chassy-io/artifact-upload/internal/logger"
	"github.com/chassy-io/artifact-upload/internal/registry"
	"github.com/chassy-io/artifact-upload/internal/token"
	"github.com/chassy-io/artifact-upload/internal/transfer"
)

func testContext() context.Context {
	log := zerolog.Nop()
	return logger.WithLogger(context.Background(), &log)
}

func writeFiles(t *testing.T, names ...string) string {
	t.Helper()
	root := t.TempDir()
	for _, name := range names {
		path := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte("content of "+name), 0o600))
	}
	return root
}

func imageTemplate() artifact.Template {
	return artifact.Template{
		Architecture: artifact.ARM64,
		OSName:       "ubuntu",
		OSVersion:    "22.04",
		Type:         artifact.TypeImage,
		Kind:         artifact.KindFor(artifact.TypeImage, ""),
	}
}

type fakeLocator struct {
	paths []string
}

func (f *fakeLocator) Locate(root, pattern string) ([]string, error) {
	return f.paths, nil
}

type fakeProvider struct {
	calls atomic.Int32
	err   error
}

func (f *fakeProvider) Acquire(ctx context.Context) (token.Credential, error) {
	f.calls.Add(1)
	if f.err != nil {
		return token.Credential{}, f.err
	}
	return token.NewCredential("tok"), nil
}

type fakeNegotiator struct {
	mu    sync.Mutex
	descs []artifact.Descriptor
	fail  map[string]error
}

func (f *fakeNegotiator) Negotiate(ctx context.Context, cred token.Credential, desc artifact.Descriptor) (registry.Target, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.descs = append(f.descs, desc)
	if err := f.fail[desc.Name]; err != nil {
		return registry.Target{}, err
	}
	n := len(f.descs)
	return registry.Target{
		UploadURI:  fmt.Sprintf("https://upload.example/%s/%d", desc.Name, n),
		ArtifactID: "id-" + desc.Name,
		Descriptor: desc,
	}, nil
}

func (f *fakeNegotiator) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.descs)
}

type fakeTransferer struct {
	mu   sync.Mutex
	uris []string
	errs []error
}

func (f *fakeTransferer) Transfer(ctx context.Context, uploadURI, path string) (transfer.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uris = append(f.uris, uploadURI)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return transfer.Result{}, err
		}
	}
	return transfer.Result{StatusCode: http.StatusOK, Bytes: 7}, nil
}

// registryServer mocks the token, negotiation and storage endpoints.
type registryServer struct {
	*httptest.Server
	calls      atomic.Int32
	mu         sync.Mutex
	negotiated []map[string]any
	uploads    map[string][]byte
}

func newRegistryServer(t *testing.T) *registryServer {
	t.Helper()
	rs := &registryServer{uploads: map[string][]byte{}}
	rs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rs.calls.Add(1)
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/token/user":
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"idToken":"id-123"}`)
		case r.Method == http.MethodPost && (r.URL.Path == "/image" || r.URL.Path == "/package"):
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			rs.mu.Lock()
			rs.negotiated = append(rs.negotiated, body)
			n := len(rs.negotiated)
			rs.mu.Unlock()
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{
				"image":     map[string]string{"id": fmt.Sprintf("img-%d", n)},
				"uploadURI": fmt.Sprintf("%s/upload/%d", rs.URL, n),
			})
		case r.Method == http.MethodPut:
			data, err := io.ReadAll(r.Body)
			require.NoError(t, err)
			rs.mu.Lock()
			rs.uploads[r.URL.Path] = data
			rs.mu.Unlock()
			w.WriteHeader(http.StatusCreated)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(rs.Close)
	return rs
}

func (rs *registryServer) components() Components {
	client := httpclient.New(httpclient.Options{})
	return Components{
		Locator:     artifact.NewLocator(),
		Credentials: token.WithPolicy(token.NewRefreshProvider(client, rs.URL, token.Secret{Name: "CHASSY_TOKEN", Value: "refresh"}), token.PerRun),
		Negotiator:  registry.NewNegotiator(client, registry.Options{BaseURL: rs.URL}),
		Transferer:  transfer.NewTransferer(httpclient.New(httpclient.Options{}), nil),
	}
}

func TestRunEndToEnd(t *testing.T) {
	root := writeFiles(t, "blinker.img")
	rs := newRegistryServer(t)

	var states []State
	p := New(rs.components(), Options{
		Root:     root,
		Pattern:  "*.img",
		Template: imageTemplate(),
		OnTransition: func(s State, path string) {
			states = append(states, s)
		},
	})
	result, err := p.Run(testContext())
	require.NoError(t, err)
	require.True(t, result.Succeeded())
	require.Equal(t, Done, result.State)

	require.Len(t, result.Files, 1)
	file := result.Files[0]
	require.Equal(t, Success, file.Outcome)
	require.Equal(t, "blinker", file.Descriptor.Name)
	require.Equal(t, filepath.Join(root, "blinker.img"), file.Descriptor.Path)
	require.Equal(t, "img-1", file.ArtifactID)
	require.EqualValues(t, len("content of blinker.img"), file.Bytes)

	require.Len(t, rs.negotiated, 1)
	require.Equal(t, "blinker", rs.negotiated[0]["name"])
	require.Equal(t, "IMAGE", rs.negotiated[0]["type"])
	require.Equal(t, "content of blinker.img", string(rs.uploads["/upload/1"]))

	require.Equal(t, []State{Locating, Authenticating, Negotiating, Transferring, Aggregating, Done}, states)
}

func TestRunPassesUploadURIVerbatim(t *testing.T) {
	root := writeFiles(t, "blinker.img")
	neg := &fakeNegotiator{}
	tr := &fakeTransferer{}
	p := New(Components{
		Locator:     artifact.NewLocator(),
		Credentials: &fakeProvider{},
		Negotiator:  neg,
		Transferer:  tr,
	}, Options{Root: root, Pattern: "*.img", Template: imageTemplate()})

	_, err := p.Run(testContext())
	require.NoError(t, err)
	require.Equal(t, []string{"https://upload.example/blinker/1"}, tr.uris)
	require.Equal(t, artifact.Image{}, neg.descs[0].Kind)
}

func TestRunDryRunMakesNoCalls(t *testing.T) {
	root := writeFiles(t, "blinker.img", "nested/other.img")
	rs := newRegistryServer(t)

	p := New(rs.components(), Options{
		Root:     root,
		Pattern:  "*.img",
		Template: imageTemplate(),
		DryRun:   true,
		Checksum: true,
	})
	result, err := p.Run(testContext())
	require.NoError(t, err)
	require.Equal(t, Done, result.State)
	require.Len(t, result.Files, 2)
	for _, f := range result.Files {
		require.Equal(t, Skipped, f.Outcome)
		require.NotEmpty(t, f.Descriptor.Digest.Hex)
		require.Positive(t, f.Descriptor.Size)
	}
	require.Zero(t, rs.calls.Load())
}

func TestRunMatchOne(t *testing.T) {
	tests := []struct {
		name    string
		files   []string
		wantErr error
	}{
		{name: "no match", files: []string{"readme.txt"}, wantErr: apperrors.ErrNoArtifactFound},
		{name: "ambiguous", files: []string{"a.img", "b.img"}, wantErr: apperrors.ErrAmbiguousArtifactMatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := writeFiles(t, tt.files...)
			rs := newRegistryServer(t)

			var last State
			p := New(rs.components(), Options{
				Root:         root,
				Pattern:      "*.img",
				Match:        artifact.MatchOne,
				Template:     imageTemplate(),
				OnTransition: func(s State, path string) { last = s },
			})
			result, err := p.Run(testContext())
			require.ErrorIs(t, err, tt.wantErr)
			require.Equal(t, Failed, result.State)
			require.Equal(t, Failed, last)
			require.Zero(t, rs.calls.Load())
		})
	}
}

func TestRunMatchAllEmpty(t *testing.T) {
	root := writeFiles(t, "readme.txt")
	rs := newRegistryServer(t)

	p := New(rs.components(), Options{Root: root, Pattern: "*.img", Template: imageTemplate()})
	result, err := p.Run(testContext())
	require.NoError(t, err)
	require.Equal(t, Done, result.State)
	require.Empty(t, result.Files)
	require.Zero(t, rs.calls.Load())
}

func TestRunPartialFailureIsolation(t *testing.T) {
	neg := &fakeNegotiator{fail: map[string]error{
		"b": apperrors.NegotiationFailure("registry.negotiate.image", http.StatusConflict, "exists", nil),
	}}
	p := New(Components{
		Locator:     &fakeLocator{paths: []string{"/w/a.img", "/w/b.img", "/w/c.img"}},
		Credentials: &fakeProvider{},
		Negotiator:  neg,
		Transferer:  &fakeTransferer{},
	}, Options{Pattern: "*.img", Template: imageTemplate()})

	result, err := p.Run(testContext())
	require.ErrorIs(t, err, apperrors.ErrNegotiationFailure)
	require.Equal(t, http.StatusConflict, apperrors.StatusCode(err))
	require.Equal(t, Failed, result.State)
	require.False(t, result.Succeeded())

	require.Equal(t, Success, result.Files[0].Outcome)
	require.Equal(t, Failure, result.Files[1].Outcome)
	require.Equal(t, Success, result.Files[2].Outcome)
	require.Len(t, result.Failures(), 1)
	require.Equal(t, "b", result.Failures()[0].Descriptor.Name)
	require.Equal(t, 3, neg.count())
}

func TestRunFailFast(t *testing.T) {
	neg := &fakeNegotiator{fail: map[string]error{
		"a": apperrors.NegotiationFailure("registry.negotiate.image", http.StatusForbidden, "", nil),
	}}
	p := New(Components{
		Locator:     &fakeLocator{paths: []string{"/w/a.img", "/w/b.img", "/w/c.img"}},
		Credentials: &fakeProvider{},
		Negotiator:  neg,
		Transferer:  &fakeTransferer{},
	}, Options{Pattern: "*.img", Template: imageTemplate(), FailFast: true})

	result, err := p.Run(testContext())
	require.ErrorIs(t, err, apperrors.ErrNegotiationFailure)
	require.Equal(t, Failed, result.State)
	require.Equal(t, Failure, result.Files[0].Outcome)
	require.Equal(t, Skipped, result.Files[1].Outcome)
	require.Equal(t, Skipped, result.Files[2].Outcome)
	require.Equal(t, 1, neg.count())
}

func TestRunMissingCredentialFailsEveryFile(t *testing.T) {
	neg := &fakeNegotiator{}
	p := New(Components{
		Locator:     &fakeLocator{paths: []string{"/w/a.img", "/w/b.img"}},
		Credentials: token.NewRefreshProvider(httpclient.New(httpclient.Options{}), "http://127.0.0.1:1", token.Secret{Name: "CHASSY_TOKEN"}),
		Negotiator:  neg,
		Transferer:  &fakeTransferer{},
	}, Options{Pattern: "*.img", Template: imageTemplate()})

	result, err := p.Run(testContext())
	require.ErrorIs(t, err, apperrors.ErrMissingCredential)
	require.Len(t, result.Failures(), 2)
	require.Zero(t, neg.count())
}

func TestRunTransferRetryRenegotiates(t *testing.T) {
	neg := &fakeNegotiator{}
	tr := &fakeTransferer{errs: []error{
		apperrors.TransferFailure("/w/a.img", http.StatusServiceUnavailable, "busy", nil),
	}}
	p := New(Components{
		Locator:     &fakeLocator{paths: []string{"/w/a.img"}},
		Credentials: &fakeProvider{},
		Negotiator:  neg,
		Transferer:  tr,
	}, Options{Pattern: "*.img", Template: imageTemplate(), TransferAttempts: 3})

	result, err := p.Run(testContext())
	require.NoError(t, err)
	require.Equal(t, Success, result.Files[0].Outcome)
	require.Equal(t, 2, result.Files[0].Attempts)
	require.Equal(t, 2, neg.count())
	require.Equal(t, []string{"https://upload.example/a/1", "https://upload.example/a/2"}, tr.uris)
}

func TestRunTransferRejectedIsNotRetried(t *testing.T) {
	neg := &fakeNegotiator{}
	tr := &fakeTransferer{errs: []error{
		apperrors.TransferFailure("/w/a.img", http.StatusForbidden, "denied", nil),
	}}
	p := New(Components{
		Locator:     &fakeLocator{paths: []string{"/w/a.img"}},
		Credentials: &fakeProvider{},
		Negotiator:  neg,
		Transferer:  tr,
	}, Options{Pattern: "*.img", Template: imageTemplate(), TransferAttempts: 3})

	result, err := p.Run(testContext())
	require.ErrorIs(t, err, apperrors.ErrTransferFailure)
	require.Equal(t, 1, result.Files[0].Attempts)
	require.Equal(t, 1, neg.count())

	var appErr *apperrors.Error
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, "denied", appErr.Body)
}

func TestRunCredentialPolicy(t *testing.T) {
	paths := []string{"/w/a.img", "/w/b.img", "/w/c.img"}
	for _, tc := range []struct {
		policy token.Policy
		want   int32
	}{
		{policy: token.PerRun, want: 1},
		{policy: token.PerFile, want: 3},
	} {
		t.Run(string(tc.policy), func(t *testing.T) {
			src := &fakeProvider{}
			p := New(Components{
				Locator:     &fakeLocator{paths: paths},
				Credentials: token.WithPolicy(src, tc.policy),
				Negotiator:  &fakeNegotiator{},
				Transferer:  &fakeTransferer{},
			}, Options{Pattern: "*.img", Template: imageTemplate()})

			_, err := p.Run(testContext())
			require.NoError(t, err)
			require.Equal(t, tc.want, src.calls.Load())
		})
	}
}

func TestRunNameOverride(t *testing.T) {
	neg := &fakeNegotiator{}
	p := New(Components{
		Locator:     &fakeLocator{paths: []string{"/w/build-output.img"}},
		Credentials: &fakeProvider{},
		Negotiator:  neg,
		Transferer:  &fakeTransferer{},
	}, Options{Pattern: "*.img", Template: imageTemplate(), Name: "blinker"})
	_, err := p.Run(testContext())
	require.NoError(t, err)
	require.Equal(t, "blinker", neg.descs[0].Name)

	neg = &fakeNegotiator{}
	p = New(Components{
		Locator:     &fakeLocator{paths: []string{"/w/a.img", "/w/b.img"}},
		Credentials: &fakeProvider{},
		Negotiator:  neg,
		Transferer:  &fakeTransferer{},
	}, Options{Pattern: "*.img", Template: imageTemplate(), Name: "blinker"})
	result, err := p.Run(testContext())
	require.NoError(t, err)
	require.Equal(t, "a", result.Files[0].Descriptor.Name)
	require.Equal(t, "b", result.Files[1].Descriptor.Name)
}

func TestRunParallelRecordsMetrics(t *testing.T) {
	var paths []string
	for i := 0; i < 8; i++ {
		paths = append(paths, fmt.Sprintf("/w/file-%d.bin", i))
	}
	rec := NewRecorder()
	reg := prometheus.NewRegistry()
	require.NoError(t, rec.Register(reg))

	var mu sync.Mutex
	transitions := 0
	neg := &fakeNegotiator{fail: map[string]error{
		"file-3": apperrors.NegotiationFailure("registry.negotiate.package", http.StatusBadRequest, "", nil),
	}}
	p := New(Components{
		Locator:     &fakeLocator{paths: paths},
		Credentials: &fakeProvider{},
		Negotiator:  neg,
		Transferer:  &fakeTransferer{},
		Recorder:    rec,
	}, Options{
		Pattern:     "*.bin",
		Concurrency: 4,
		Template: artifact.Template{
			Architecture: artifact.AMD64,
			Type:         artifact.TypeFile,
			Kind:         artifact.KindFor(artifact.TypeFile, artifact.ClassExecutable),
		},
		OnTransition: func(s State, path string) {
			mu.Lock()
			defer mu.Unlock()
			transitions++
		},
	})

	result, err := p.Run(testContext())
	require.ErrorIs(t, err, apperrors.ErrNegotiationFailure)
	require.Len(t, result.Files, 8)
	for i, f := range result.Files {
		require.Equal(t, paths[i], f.Descriptor.Path)
	}
	require.Len(t, result.Failures(), 1)

	require.Equal(t, float64(7), testutil.ToFloat64(rec.filesCounter.WithLabelValues(string(Success))))
	require.Equal(t, float64(1), testutil.ToFloat64(rec.filesCounter.WithLabelValues(string(Failure))))
	require.Equal(t, float64(7*7), testutil.ToFloat64(rec.bytesCounter))
	// Locating, Aggregating, Failed plus per-file stages.
	require.Equal(t, 3+7*3+2, transitions)
}

func TestRunAuditLog(t *testing.T) {
	var buf syncBuffer
	neg := &fakeNegotiator{fail: map[string]error{
		"b": apperrors.NegotiationFailure("registry.negotiate.image", http.StatusConflict, "", nil),
	}}
	p := New(Components{
		Locator:     &fakeLocator{paths: []string{"/w/a.img", "/w/b.img"}},
		Credentials: &fakeProvider{},
		Negotiator:  neg,
		Transferer:  &fakeTransferer{},
		Audit:       logger.NewAuditLog(&buf, "refs/heads/main"),
	}, Options{Pattern: "*.img", Template: imageTemplate()})

	_, err := p.Run(testContext())
	require.Error(t, err)

	out := buf.String()
	require.Contains(t, out, logger.AuditArtifactUploaded)
	require.Contains(t, out, logger.AuditArtifactUploadFailed)
	require.Contains(t, out, `"artifact_id":"id-a"`)
}

func TestRunRequiresKind(t *testing.T) {
	p := New(Components{Locator: &fakeLocator{}}, Options{Pattern: "*.img"})
	_, err := p.Run(testContext())
	require.ErrorIs(t, err, apperrors.ErrInvalidParameter)
}

func TestStateString(t *testing.T) {
	require.Equal(t, "negotiating", Negotiating.String())
	require.Equal(t, "state(42)", State(42).String())
}

type syncBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
