package artifact

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	v1 "github.com/google/go-containerregistry/pkg/v1"
)

// Checksum algorithms accepted by the registry.
const (
	AlgorithmMD5    = "md5"
	AlgorithmSHA256 = "sha256"
)

// DigestAlgorithm returns the checksum algorithm the registry expects for k:
// images are verified with md5, packages with sha256.
func DigestAlgorithm(k Kind) string {
	if _, ok := k.(Image); ok {
		return AlgorithmMD5
	}
	return AlgorithmSHA256
}

// Digest streams the file at path through algorithm and returns its hash and size.
func Digest(path, algorithm string) (v1.Hash, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return v1.Hash{}, 0, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	var (
		h v1.Hash
		n int64
	)
	switch algorithm {
	case AlgorithmSHA256:
		h, n, err = v1.SHA256(f)
	case AlgorithmMD5:
		hasher := md5.New()
		n, err = io.Copy(hasher, f)
		h = v1.Hash{Algorithm: AlgorithmMD5, Hex: hex.EncodeToString(hasher.Sum(nil))}
	default:
		return v1.Hash{}, 0, fmt.Errorf("unsupported checksum algorithm %q", algorithm)
	}
	if err != nil {
		return v1.Hash{}, 0, fmt.Errorf("failed to compute checksum of %s: %w", path, err)
	}
	return h, n, nil
}

// WithDigest returns d with its Digest and Size populated, using the
// algorithm its kind requires.
func WithDigest(d Descriptor) (Descriptor, error) {
	h, n, err := Digest(d.Path, DigestAlgorithm(d.Kind))
	if err != nil {
		return d, err
	}
	d.Digest = h
	d.Size = n
	return d, nil
}
