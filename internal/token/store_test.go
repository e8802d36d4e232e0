package token

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chassy-io/artifact-upload/internal/apperrors"
)

type countingProvider struct {
	calls int
	errs  []error
}

func (p *countingProvider) Acquire(ctx context.Context) (Credential, error) {
	p.calls++
	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		if err != nil {
			return Credential{}, err
		}
	}
	return NewCredential("tok"), nil
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("per-run")
	require.NoError(t, err)
	require.Equal(t, PerRun, p)

	p, err = ParsePolicy("per-file")
	require.NoError(t, err)
	require.Equal(t, PerFile, p)

	_, err = ParsePolicy("sometimes")
	require.ErrorIs(t, err, apperrors.ErrInvalidParameter)
}

func TestWithPolicyPerRunCaches(t *testing.T) {
	src := &countingProvider{}
	p := WithPolicy(src, PerRun)

	for i := 0; i < 3; i++ {
		cred, err := p.Acquire(testContext())
		require.NoError(t, err)
		require.Equal(t, "tok", cred.Reveal())
	}
	require.Equal(t, 1, src.calls)
}

func TestWithPolicyPerFileDoesNotCache(t *testing.T) {
	src := &countingProvider{}
	p := WithPolicy(src, PerFile)

	for i := 0; i < 3; i++ {
		_, err := p.Acquire(testContext())
		require.NoError(t, err)
	}
	require.Equal(t, 3, src.calls)
}

func TestCachedProviderDoesNotCacheFailures(t *testing.T) {
	src := &countingProvider{errs: []error{errors.New("flaky")}}
	p := NewCachedProvider(src)

	_, err := p.Acquire(testContext())
	require.Error(t, err)

	cred, err := p.Acquire(testContext())
	require.NoError(t, err)
	require.False(t, cred.IsZero())

	_, err = p.Acquire(testContext())
	require.NoError(t, err)
	require.Equal(t, 2, src.calls)

	p.Forget()
	_, err = p.Acquire(testContext())
	require.NoError(t, err)
	require.Equal(t, 3, src.calls)
}
