package token

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/fluxcd/pkg/masktoken"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/chassy-io/artifact-upload/internal/apperrors"
	"github.com/chassy-io/artifact-upload/internal/httpclient"
	"github.com/chassy-io/artifact-upload/internal/logger"
)

// TokenRoute is the registry route that exchanges a refresh secret for a bearer token.
const TokenRoute = "token/user"

// Credential is a bearer credential for registry calls. Its expiry is only
// known to the registry.
type Credential struct {
	value string
}

// NewCredential wraps a raw bearer string.
func NewCredential(value string) Credential {
	return Credential{value: value}
}

// IsZero reports whether the credential is empty.
func (c Credential) IsZero() bool {
	return c.value == ""
}

// Header renders the Authorization header value. The raw token is sent
// unless scheme is set, in which case it is prefixed ("Bearer <token>").
func (c Credential) Header(scheme string) string {
	if scheme == "" {
		return c.value
	}
	return scheme + " " + c.value
}

// Reveal returns the raw bearer string, for masking it out of messages.
func (c Credential) Reveal() string {
	return c.value
}

// String never prints the token.
func (c Credential) String() string {
	if c.IsZero() {
		return "<empty>"
	}
	return "*****"
}

// Secret is a named secret value; Name is used in error messages.
type Secret struct {
	Name  string
	Value string
}

// Provider produces credentials for registry calls.
type Provider interface {
	Acquire(ctx context.Context) (Credential, error)
}

type tokenRequest struct {
	Token string `json:"token"`
}

type tokenResponse struct {
	AccessToken string `json:"accessToken"`
	IDToken     string `json:"idToken"`
}

// RefreshProvider exchanges a long-lived refresh secret for a short-lived token.
type RefreshProvider struct {
	client *retryablehttp.Client
	url    string
	secret Secret
}

// NewRefreshProvider returns a provider that posts secret to {baseURL}/token/user.
func NewRefreshProvider(client *retryablehttp.Client, baseURL string, secret Secret) *RefreshProvider {
	return &RefreshProvider{
		client: client,
		url:    fmt.Sprintf("%s/%s", strings.TrimSuffix(baseURL, "/"), TokenRoute),
		secret: secret,
	}
}

// Acquire performs the token exchange.
func (p *RefreshProvider) Acquire(ctx context.Context) (Credential, error) {
	if p.secret.Value == "" {
		return Credential{}, apperrors.MissingCredential(p.secret.Name)
	}
	log := logger.FromContext(ctx)
	log.Debug().Str("url", p.url).Msg("Making request to refresh token")

	payload, err := json.Marshal(tokenRequest{Token: p.secret.Value})
	if err != nil {
		return Credential{}, apperrors.UpstreamAuthFailure("failed to encode token request", 0, "", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		return Credential{}, apperrors.UpstreamAuthFailure("failed to create token request", 0, "", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if resp == nil {
		return Credential{}, apperrors.UpstreamAuthFailure("failed to refresh token", 0, "", httpclient.ContextError(ctx, err))
	}
	defer resp.Body.Close()

	if !httpclient.IsSuccess(resp.StatusCode) {
		body := Mask(httpclient.ReadBody(resp), p.secret.Value)
		return Credential{}, apperrors.UpstreamAuthFailure("failed to refresh token", resp.StatusCode, body, nil)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return Credential{}, apperrors.UpstreamAuthFailure("failed to decode token response", resp.StatusCode, "", err)
	}
	if tr.IDToken == "" {
		return Credential{}, apperrors.UpstreamAuthFailure("token response did not contain an idToken", resp.StatusCode, "", nil)
	}

	log.Debug().Msg("Refreshed registry token")
	return NewCredential(tr.IDToken), nil
}

// StaticProvider returns a pre-issued credential without any exchange.
type StaticProvider struct {
	secret Secret
}

// NewStaticProvider returns a provider for a pre-issued credential.
func NewStaticProvider(secret Secret) *StaticProvider {
	return &StaticProvider{secret: secret}
}

// Acquire returns the configured credential.
func (p *StaticProvider) Acquire(ctx context.Context) (Credential, error) {
	if p.secret.Value == "" {
		return Credential{}, apperrors.MissingCredential(p.secret.Name)
	}
	return NewCredential(p.secret.Value), nil
}

// Mask redacts every secret from s. Matching treats the last character of a
// secret as optional, so a secret's one-character-shorter prefix is redacted too.
func Mask(s string, secrets ...string) string {
	for _, secret := range secrets {
		masked, err := masktoken.MaskTokenFromString(s, secret)
		if err != nil {
			return "<redacted>"
		}
		s = masked
	}
	return s
}
