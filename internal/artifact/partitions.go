package artifact

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	units "github.com/docker/go-units"
	"sigs.k8s.io/yaml"

	"github.com/chassy-io/artifact-upload/internal/apperrors"
)

// Partition describes one partition of a disk image.
type Partition struct {
	Name           string `json:"name"`
	FilesystemType string `json:"filesystemType,omitempty"`
	MountPoint     string `json:"mountPoint,omitempty"`
	StartSector    int64  `json:"startSector,omitempty"`
	Size           Size   `json:"size"`
}

// Size is a byte count. In a partitions file it is either a plain number of
// bytes or a string with a binary unit such as "512MiB" or "2G".
type Size int64

func (s *Size) UnmarshalJSON(b []byte) error {
	var n int64
	if err := json.Unmarshal(b, &n); err == nil {
		*s = Size(n)
		return nil
	}
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return fmt.Errorf("size %s is neither a byte count nor a size string", string(b))
	}
	v, err := units.RAMInBytes(strings.TrimSpace(str))
	if err != nil {
		return fmt.Errorf("malformed size %q: %w", str, err)
	}
	*s = Size(v)
	return nil
}

// StorageFormat tells the registry how an image file is encoded.
type StorageFormat struct {
	CompressionScheme string `json:"compressionScheme,omitempty"`
	RawDiskScheme     string `json:"rawDiskScheme,omitempty"`
}

// IsZero reports whether no storage format was configured.
func (f StorageFormat) IsZero() bool {
	return f.CompressionScheme == "" && f.RawDiskScheme == ""
}

// ParsePartitions decodes a YAML or JSON list of partitions. Every partition
// needs a unique name and a positive size.
func ParsePartitions(data []byte) ([]Partition, error) {
	var parts []Partition
	if err := yaml.UnmarshalStrict(data, &parts); err != nil {
		return nil, apperrors.InvalidParameter("partitions", err.Error())
	}
	if len(parts) == 0 {
		return nil, apperrors.InvalidParameter("partitions", "partitions file lists no partitions")
	}

	seen := make(map[string]bool, len(parts))
	for i, p := range parts {
		if strings.TrimSpace(p.Name) == "" {
			return nil, apperrors.InvalidParameter("partitions", fmt.Sprintf("partition %d has no name", i))
		}
		if seen[p.Name] {
			return nil, apperrors.InvalidParameter("partitions", fmt.Sprintf("partition %q is listed twice", p.Name))
		}
		seen[p.Name] = true
		if p.Size <= 0 {
			return nil, apperrors.InvalidParameter("partitions", fmt.Sprintf("partition %q must have a positive size, got %d", p.Name, p.Size))
		}
		if p.StartSector < 0 {
			return nil, apperrors.InvalidParameter("partitions", fmt.Sprintf("partition %q has a negative start sector", p.Name))
		}
	}
	return parts, nil
}

// LoadPartitions finds the single partitions file matching pattern under
// root and parses it.
func (l *Locator) LoadPartitions(root, pattern string) ([]Partition, error) {
	paths, err := l.Locate(root, pattern)
	if err != nil {
		return nil, err
	}
	switch len(paths) {
	case 0:
		return nil, apperrors.InvalidParameter("partitions", fmt.Sprintf("no partitions file matches %q", pattern))
	case 1:
	default:
		return nil, apperrors.InvalidParameter("partitions", fmt.Sprintf("%d partitions files match %q: %s", len(paths), pattern, strings.Join(paths, ", ")))
	}

	data, err := os.ReadFile(paths[0])
	if err != nil {
		return nil, apperrors.InvalidParameter("partitions", err.Error())
	}
	return ParsePartitions(data)
}
