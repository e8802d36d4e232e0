// Package httpclient builds the HTTP client shared by the registry calls.
//
// Every call goes through a retryablehttp.Client. With the default policy
// RetryMax is zero, so each request is attempted exactly once; raising it
// layers bounded retries with exponential backoff over the same call sites.
package httpclient

import (
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
)

// MaxBodyCapture bounds how much of an error response body is kept.
const MaxBodyCapture = 64 << 10

// RetryPolicy controls retries of registry calls.
type RetryPolicy struct {
	// Retries is the number of additional attempts after the first one.
	Retries int
	WaitMin time.Duration
	WaitMax time.Duration
}

// Options configure New.
type Options struct {
	Retry RetryPolicy
	// Timeout bounds a single attempt. Zero leaves the transport default.
	Timeout time.Duration
	// Transport overrides the underlying round tripper, mainly for tests.
	Transport http.RoundTripper
	// TLS replaces the TLS settings of the default transport. Ignored when
	// Transport is set.
	TLS    *tls.Config
	Logger *zerolog.Logger
}

// New returns a retryablehttp client configured from opts.
func New(opts Options) *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.HTTPClient = &http.Client{Timeout: opts.Timeout}
	switch {
	case opts.Transport != nil:
		c.HTTPClient.Transport = opts.Transport
	case opts.TLS != nil:
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.TLSClientConfig = opts.TLS
		c.HTTPClient.Transport = transport
	}

	c.RetryMax = opts.Retry.Retries
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if opts.Retry.WaitMin > 0 {
		c.RetryWaitMin = opts.Retry.WaitMin
	}
	if opts.Retry.WaitMax > 0 {
		c.RetryWaitMax = opts.Retry.WaitMax
	}

	// Hand the last response back untouched so callers can report its
	// status and body instead of a generic "giving up" error.
	c.ErrorHandler = retryablehttp.PassthroughErrorHandler

	if opts.Logger != nil {
		c.Logger = NewLeveledLogger(opts.Logger)
	} else {
		c.Logger = nil
	}
	return c
}

// ReadBody reads at most MaxBodyCapture bytes of resp's body and discards the rest.
func ReadBody(resp *http.Response) string {
	if resp == nil || resp.Body == nil {
		return ""
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, MaxBodyCapture))
	_, _ = io.Copy(io.Discard, resp.Body)
	return string(data)
}

// IsSuccess reports whether code is a 2xx status.
func IsSuccess(code int) bool {
	return code >= 200 && code < 300
}

// ContextError returns ctx's error when the context ended, otherwise err.
// retryablehttp wraps cancellation in url.Error; unwrapping it keeps
// cancellation recognisable for callers.
func ContextError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}
