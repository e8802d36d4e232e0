package httpclient

import (
	"crypto/tls"
	"crypto/x509"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestNewAttemptsOnceByDefault(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down"))
	}))
	defer srv.Close()

	c := New(Options{})
	req, err := retryablehttp.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	resp, _ := c.Do(req)
	require.NotNil(t, resp, "last response must be handed back for diagnostics")
	defer resp.Body.Close()

	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
	require.Equal(t, "upstream down", ReadBody(resp))
	require.Equal(t, int32(1), calls.Load())
}

func TestNewRetriesWhenConfigured(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	log := zerolog.Nop()
	c := New(Options{
		Retry:  RetryPolicy{Retries: 3, WaitMin: time.Millisecond, WaitMax: 2 * time.Millisecond},
		Logger: &log,
	})
	req, err := retryablehttp.NewRequest(http.MethodPost, srv.URL, strings.NewReader("payload"))
	require.NoError(t, err)

	resp, err := c.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, int32(3), calls.Load())
}

func TestNewNegativeRetriesClamped(t *testing.T) {
	c := New(Options{Retry: RetryPolicy{Retries: -4}, Timeout: time.Second})
	require.Equal(t, 0, c.RetryMax)
	require.Equal(t, time.Second, c.HTTPClient.Timeout)
}

func TestReadBodyBounded(t *testing.T) {
	body := strings.Repeat("x", MaxBodyCapture+100)
	resp := &http.Response{Body: http.NoBody}
	require.Empty(t, ReadBody(resp))
	require.Empty(t, ReadBody(nil))

	rec := httptest.NewRecorder()
	_, _ = rec.WriteString(body)
	got := ReadBody(rec.Result())
	require.Len(t, got, MaxBodyCapture)
}

func TestIsSuccess(t *testing.T) {
	require.True(t, IsSuccess(200))
	require.True(t, IsSuccess(201))
	require.True(t, IsSuccess(204))
	require.False(t, IsSuccess(199))
	require.False(t, IsSuccess(301))
	require.False(t, IsSuccess(403))
	require.False(t, IsSuccess(500))
}

func TestNewTrustsConfiguredRoots(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	req, err := retryablehttp.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	_, err = New(Options{}).Do(req)
	require.Error(t, err, "self-signed registry must be rejected with system roots")

	pool := x509.NewCertPool()
	pool.AddCert(srv.Certificate())
	resp, err := New(Options{TLS: &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}}).Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
}
