package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/chassy-io/artifact-upload/internal/apperrors"
	"github.com/chassy-io/artifact-upload/internal/artifact"
	"github.com/chassy-io/artifact-upload/internal/httpclient"
	"github.com/chassy-io/artifact-upload/internal/logger"
	"github.com/chassy-io/artifact-upload/internal/token"
)

const (
	ImageRoute   = "image"
	PackageRoute = "package"

	// DefaultProvenance is sent when the build reference is unknown.
	DefaultProvenance = "N/A"
)

// Target is a single-use upload destination negotiated for one artifact.
type Target struct {
	UploadURI  string
	ArtifactID string
	Descriptor artifact.Descriptor
}

type compatibility struct {
	VersionID    string `json:"versionID"`
	OSID         string `json:"osID"`
	Architecture string `json:"architecture"`
}

type createRequest struct {
	Name          string        `json:"name"`
	Compatibility compatibility `json:"compatibility"`
	Type          string        `json:"type"`
	ProvenanceURI string        `json:"provenanceURI"`
	PackageClass  string        `json:"packageClass,omitempty"`
	Version       string        `json:"version,omitempty"`
	SHA256        string        `json:"sha256,omitempty"`
	Checksum      string        `json:"checksum,omitempty"`
	SizeInBytes   int64         `json:"sizeInBytes,omitempty"`

	Partitions    []artifact.Partition    `json:"partitions,omitempty"`
	StorageFormat *artifact.StorageFormat `json:"storageFormat,omitempty"`
}

type createdEntity struct {
	ID string `json:"id"`
}

type createResponse struct {
	UploadURI string         `json:"uploadURI"`
	Image     *createdEntity `json:"image,omitempty"`
	Package   *createdEntity `json:"package,omitempty"`
}

// Options configure a Negotiator.
type Options struct {
	// BaseURL is the registry API root, e.g. https://api.chassy.io/v1.
	BaseURL string
	// AuthScheme prefixes the credential in the Authorization header when set.
	AuthScheme string
	// Provenance identifies the build that produced the artifacts.
	Provenance string
}

// Negotiator asks the registry for upload destinations.
type Negotiator struct {
	client     *retryablehttp.Client
	baseURL    string
	authScheme string
	provenance string
}

// NewNegotiator returns a negotiator talking to opts.BaseURL through client.
func NewNegotiator(client *retryablehttp.Client, opts Options) *Negotiator {
	provenance := opts.Provenance
	if provenance == "" {
		provenance = DefaultProvenance
	}
	return &Negotiator{
		client:     client,
		baseURL:    strings.TrimSuffix(opts.BaseURL, "/"),
		authScheme: opts.AuthScheme,
		provenance: provenance,
	}
}

// Negotiate registers desc with the registry and returns where to upload it.
func (n *Negotiator) Negotiate(ctx context.Context, cred token.Credential, desc artifact.Descriptor) (Target, error) {
	route, payload, err := n.request(desc)
	if err != nil {
		return Target{}, err
	}
	op := "registry.negotiate." + route
	createURL := fmt.Sprintf("%s/%s", n.baseURL, route)

	log := logger.FromContext(ctx)
	log.Debug().Str("url", createURL).Str("name", desc.Name).Str("kind", desc.Kind.String()).Msg("Negotiating upload destination")

	body, err := json.Marshal(payload)
	if err != nil {
		return Target{}, apperrors.NegotiationFailure(op, 0, "", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, createURL, bytes.NewReader(body))
	if err != nil {
		return Target{}, apperrors.NegotiationFailure(op, 0, "", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", cred.Header(n.authScheme))

	resp, err := n.client.Do(req)
	if resp == nil {
		return Target{}, apperrors.NegotiationFailure(op, 0, "", httpclient.ContextError(ctx, err))
	}
	defer resp.Body.Close()

	if !httpclient.IsSuccess(resp.StatusCode) {
		respBody := token.Mask(httpclient.ReadBody(resp), cred.Reveal())
		log.Error().Int("status", resp.StatusCode).Str("name", desc.Name).Msg("Failed to create artifact in registry")
		return Target{}, apperrors.NegotiationFailure(op, resp.StatusCode, respBody, nil)
	}

	var created createResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return Target{}, apperrors.MalformedResponse(op, "response is not valid JSON", err)
	}
	if created.UploadURI == "" {
		return Target{}, apperrors.MalformedResponse(op, "response does not contain an uploadURI", nil)
	}
	if u, err := url.Parse(created.UploadURI); err != nil || !u.IsAbs() {
		return Target{}, apperrors.MalformedResponse(op, "uploadURI is not an absolute URL", err)
	}

	target := Target{UploadURI: created.UploadURI, Descriptor: desc}
	switch {
	case created.Image != nil:
		target.ArtifactID = created.Image.ID
	case created.Package != nil:
		target.ArtifactID = created.Package.ID
	}
	if target.ArtifactID != "" {
		log.Info().Str("name", desc.Name).Str("id", target.ArtifactID).Msgf("Created %s in registry", strings.ToLower(desc.Kind.String()))
	}
	return target, nil
}

// request builds the route and payload for desc. The artifact kind alone
// decides the endpoint and which kind-specific fields are sent.
func (n *Negotiator) request(desc artifact.Descriptor) (string, createRequest, error) {
	req := createRequest{
		Name: desc.Name,
		Compatibility: compatibility{
			VersionID:    desc.OSVersion,
			OSID:         desc.OSName,
			Architecture: string(desc.Architecture),
		},
		Type:          string(desc.Type),
		ProvenanceURI: n.provenance,
		Version:       desc.Version,
	}
	hasDigest := desc.Digest.Hex != ""

	switch k := desc.Kind.(type) {
	case artifact.Image:
		if hasDigest {
			req.Checksum = desc.Digest.String()
			req.SizeInBytes = desc.Size
		}
		req.Partitions = desc.Partitions
		if !desc.Storage.IsZero() {
			storage := desc.Storage
			req.StorageFormat = &storage
		}
		return ImageRoute, req, nil
	case artifact.Package:
		req.PackageClass = string(k.Class)
		if req.PackageClass == "" {
			req.PackageClass = string(artifact.DefaultClassification)
		}
		if hasDigest {
			req.SHA256 = desc.Digest.String()
		}
		return PackageRoute, req, nil
	default:
		return "", createRequest{}, apperrors.InvalidParameter("kind", fmt.Sprintf("unsupported artifact kind %v", desc.Kind))
	}
}
