package artifact

import (
	"fmt"
	"strings"

	v1 "github.com/google/go-containerregistry/pkg/v1"

	"github.com/chassy-io/artifact-upload/internal/apperrors"
)

// Architecture is the CPU architecture an artifact is compatible with.
type Architecture string

const (
	AMD64       Architecture = "AMD64"
	ARM64       Architecture = "ARM64"
	ARMv6       Architecture = "ARMv6"
	ARMv7       Architecture = "ARMv7"
	RISCV       Architecture = "RISCV"
	UnknownArch Architecture = "UNKNOWN"
)

var architectures = []Architecture{AMD64, ARM64, ARMv6, ARMv7, RISCV, UnknownArch}

// UploadType is the artifact type as named by the build pipeline.
type UploadType string

const (
	TypeFile     UploadType = "FILE"
	TypeArchive  UploadType = "ARCHIVE"
	TypeImage    UploadType = "IMAGE"
	TypeFirmware UploadType = "FIRMWARE"
)

var uploadTypes = []UploadType{TypeFile, TypeArchive, TypeImage, TypeFirmware}

// Classification further categorises package artifacts.
type Classification string

const (
	ClassExecutable Classification = "EXECUTABLE"
	ClassConfig     Classification = "CONFIG"
	ClassData       Classification = "DATA"
	ClassBundle     Classification = "BUNDLE"
)

// DefaultClassification is used for packages uploaded without one.
// Archives default to ClassBundle instead.
const DefaultClassification = ClassData

var classifications = []Classification{ClassExecutable, ClassConfig, ClassData, ClassBundle}

// ParseArchitecture validates s against the supported architectures.
func ParseArchitecture(s string) (Architecture, error) {
	return parseEnum("architecture", s, architectures)
}

// ParseUploadType validates s against the supported upload types.
func ParseUploadType(s string) (UploadType, error) {
	return parseEnum("type", s, uploadTypes)
}

// ParseClassification validates s against the supported classifications.
// An empty string is accepted and yields an empty classification.
func ParseClassification(s string) (Classification, error) {
	if s == "" {
		return "", nil
	}
	return parseEnum("classification", s, classifications)
}

func parseEnum[T ~string](field, s string, allowed []T) (T, error) {
	for _, v := range allowed {
		if string(v) == s {
			return v, nil
		}
	}
	names := make([]string, len(allowed))
	for i, v := range allowed {
		names[i] = string(v)
	}
	var zero T
	return zero, apperrors.InvalidParameter(field, fmt.Sprintf("%q is not one of %s", s, strings.Join(names, ", ")))
}

// Kind selects how an artifact is registered. It is a closed set: Image or Package.
type Kind interface {
	isKind()
	String() string
}

// Image is a bootable disk image.
type Image struct{}

// Package is any non-image artifact; Class is its classification.
type Package struct {
	Class Classification
}

func (Image) isKind()   {}
func (Package) isKind() {}

func (Image) String() string   { return "IMAGE" }
func (Package) String() string { return "PACKAGE" }

// KindFor maps an upload type onto the registry kind that stores it.
func KindFor(t UploadType, class Classification) Kind {
	if t == TypeImage {
		return Image{}
	}
	switch {
	case class != "":
	case t == TypeArchive:
		class = ClassBundle
	default:
		class = DefaultClassification
	}
	return Package{Class: class}
}

// Descriptor describes one discovered artifact on its way to the registry.
type Descriptor struct {
	Path         string
	Name         string
	Architecture Architecture
	OSName       string
	OSVersion    string
	Type         UploadType
	Kind         Kind
	Version      string

	// Partitions and Storage describe image layout; packages ignore them.
	Partitions []Partition
	Storage    StorageFormat

	// Sources lists the files packed into a bundle. It is empty when Path
	// is the discovered file itself.
	Sources []string

	// Digest and Size are set when checksums are enabled and always for a
	// bundle.
	Digest v1.Hash
	Size   int64
}

// Template holds the descriptor fields shared by every file in a run.
type Template struct {
	Architecture Architecture
	OSName       string
	OSVersion    string
	Type         UploadType
	Kind         Kind
	Version      string
	Partitions   []Partition
	Storage      StorageFormat
}

// Describe builds the descriptor for path using the logical name derived from it.
func (t Template) Describe(path string) Descriptor {
	return Descriptor{
		Path:         path,
		Name:         LogicalName(path),
		Architecture: t.Architecture,
		OSName:       t.OSName,
		OSVersion:    t.OSVersion,
		Type:         t.Type,
		Kind:         t.Kind,
		Version:      t.Version,
		Partitions:   t.Partitions,
		Storage:      t.Storage,
	}
}
