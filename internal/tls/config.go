// Package tls loads the client TLS settings used to reach a registry served
// behind a private CA or one that requires client certificates.
package tls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

var (
	ErrCertNotFound    = errors.New("client certificate not found")
	ErrKeyNotFound     = errors.New("client key not found")
	ErrCertInvalid     = errors.New("client certificate invalid")
	ErrCertExpired     = errors.New("client certificate expired")
	ErrCertNotYetValid = errors.New("client certificate not yet valid")
	ErrCANotFound      = errors.New("CA bundle not found")
	ErrCAInvalid       = errors.New("CA bundle contains no certificates")
	ErrKeyWithoutCert  = errors.New("client certificate and key must be set together")
)

// Config names the PEM files of the client TLS setup. The zero value means
// system roots and no client certificate.
type Config struct {
	CAFile   string
	CertFile string
	KeyFile  string

	// now is overridden in tests.
	now func() time.Time
}

// Empty reports whether cfg leaves the transport defaults untouched.
func (cfg Config) Empty() bool {
	return cfg.CAFile == "" && cfg.CertFile == "" && cfg.KeyFile == ""
}

// LoadClientConfig builds a client tls.Config. It returns nil for an empty
// Config so callers keep the default transport.
func LoadClientConfig(cfg Config) (*tls.Config, error) {
	if cfg.Empty() {
		return nil, nil
	}
	if (cfg.CertFile == "") != (cfg.KeyFile == "") {
		return nil, ErrKeyWithoutCert
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}

	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if cfg.CertFile != "" {
		cert, err := loadClientCertificate(cfg.CertFile, cfg.KeyFile, cfg.now())
		if err != nil {
			return nil, err
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	if cfg.CAFile != "" {
		pool, err := LoadCAPool(cfg.CAFile)
		if err != nil {
			return nil, err
		}
		tlsConfig.RootCAs = pool
	}

	return tlsConfig, nil
}

// loadClientCertificate loads the key pair and rejects a leaf that is not
// valid at now, so an expired certificate fails before any upload starts.
func loadClientCertificate(certFile, keyFile string, now time.Time) (tls.Certificate, error) {
	for _, f := range []struct {
		path string
		err  error
	}{{certFile, ErrCertNotFound}, {keyFile, ErrKeyNotFound}} {
		if _, err := os.Stat(f.path); errors.Is(err, os.ErrNotExist) {
			return tls.Certificate{}, fmt.Errorf("%w: %s", f.err, f.path)
		}
	}

	cert, err := tls.LoadX509KeyPair(filepath.Clean(certFile), filepath.Clean(keyFile))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("%w: %v", ErrCertInvalid, err)
	}

	leaf := cert.Leaf
	if leaf == nil {
		if leaf, err = x509.ParseCertificate(cert.Certificate[0]); err != nil {
			return tls.Certificate{}, fmt.Errorf("%w: %v", ErrCertInvalid, err)
		}
	}
	switch {
	case now.Before(leaf.NotBefore):
		return tls.Certificate{}, fmt.Errorf("%w: valid from %s", ErrCertNotYetValid, leaf.NotBefore.Format(time.RFC3339))
	case now.After(leaf.NotAfter):
		return tls.Certificate{}, fmt.Errorf("%w: expired %s", ErrCertExpired, leaf.NotAfter.Format(time.RFC3339))
	}
	return cert, nil
}

// LoadCAPool reads a PEM bundle into a new pool. The pool replaces the
// system roots for registry and upload connections.
func LoadCAPool(caFile string) (*x509.CertPool, error) {
	data, err := os.ReadFile(filepath.Clean(caFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrCANotFound, caFile)
		}
		return nil, fmt.Errorf("read CA bundle: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("%w: %s", ErrCAInvalid, caFile)
	}
	return pool, nil
}
