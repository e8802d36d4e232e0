package token

import (
	"context"
	"fmt"
	"sync"

	"github.com/chassy-io/artifact-upload/internal/apperrors"
)

// Policy decides how often a credential is acquired.
type Policy string

const (
	// PerRun acquires one credential and reuses it for every file.
	PerRun Policy = "per-run"
	// PerFile acquires a fresh credential for every file.
	PerFile Policy = "per-file"
)

// ParsePolicy validates s as a credential policy.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PerRun, PerFile:
		return Policy(s), nil
	default:
		return "", apperrors.InvalidParameter("credential-policy", fmt.Sprintf("%q is not one of %s, %s", s, PerRun, PerFile))
	}
}

// WithPolicy wraps p according to policy.
func WithPolicy(p Provider, policy Policy) Provider {
	if policy == PerRun {
		return NewCachedProvider(p)
	}
	return p
}

// CachedProvider memoises the first credential obtained from its source.
// Failed acquisitions are not cached, so a later file may still succeed.
type CachedProvider struct {
	mu     sync.Mutex
	source Provider
	cred   Credential
}

// NewCachedProvider returns a provider caching source's credential for its lifetime.
func NewCachedProvider(source Provider) *CachedProvider {
	return &CachedProvider{source: source}
}

// Acquire returns the cached credential or obtains one from the source.
func (c *CachedProvider) Acquire(ctx context.Context) (Credential, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.cred.IsZero() {
		return c.cred, nil
	}
	cred, err := c.source.Acquire(ctx)
	if err != nil {
		return Credential{}, err
	}
	c.cred = cred
	return cred, nil
}

// Forget drops the cached credential.
func (c *CachedProvider) Forget() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cred = Credential{}
}
