package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/klauspost/compress/zip"

	"github.com/chassy-io/artifact-upload/internal/artifact"
	"github.com/chassy-io/artifact-upload/internal/logger"
)

// bundleName is used when the search root has no usable base name.
const bundleName = "bundle"

// needsBundle reports whether an ARCHIVE run has to pack its matches into
// one zip. A single match that is already an archive is uploaded as is.
func (p *Pipeline) needsBundle(paths []string) bool {
	if p.opts.Template.Type != artifact.TypeArchive || len(paths) == 0 {
		return false
	}
	return len(paths) > 1 || !artifact.IsArchive(paths[0])
}

// byteCounter records the number of bytes written through it.
type byteCounter struct {
	n int64
}

func (c *byteCounter) Write(b []byte) (int, error) {
	c.n += int64(len(b))
	return len(b), nil
}

// bundle zips paths into a temporary file and returns its descriptor with
// the sha256 digest and size already set. Entry names are relative to the
// search root. The caller removes the file at Descriptor.Path.
func (p *Pipeline) bundle(ctx context.Context, paths []string) (desc artifact.Descriptor, err error) {
	log := logger.FromContext(ctx)

	root, err := filepath.Abs(p.opts.Root)
	if err != nil {
		return artifact.Descriptor{}, err
	}

	tf, err := os.CreateTemp("", "artifact-upload-*.zip")
	if err != nil {
		return artifact.Descriptor{}, fmt.Errorf("failed to create bundle: %w", err)
	}
	tmpName := tf.Name()
	defer func() {
		if err != nil {
			os.Remove(tmpName)
		}
	}()

	h := sha256.New()
	size := &byteCounter{}
	zw := zip.NewWriter(io.MultiWriter(tf, h, size))

	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			zw.Close()
			tf.Close()
			return artifact.Descriptor{}, err
		}
		if err := addToBundle(zw, root, path); err != nil {
			zw.Close()
			tf.Close()
			return artifact.Descriptor{}, fmt.Errorf("failed to add %s to bundle: %w", path, err)
		}
	}
	if err := zw.Close(); err != nil {
		tf.Close()
		return artifact.Descriptor{}, fmt.Errorf("failed to finish bundle: %w", err)
	}
	if err := tf.Close(); err != nil {
		return artifact.Descriptor{}, fmt.Errorf("failed to finish bundle: %w", err)
	}

	desc = p.opts.Template.Describe(tmpName)
	desc.Name = p.opts.Name
	if desc.Name == "" {
		desc.Name = filepath.Base(root)
		if desc.Name == "." || desc.Name == string(filepath.Separator) {
			desc.Name = bundleName
		}
	}
	desc.Sources = paths
	desc.Digest = v1.Hash{Algorithm: artifact.AlgorithmSHA256, Hex: hex.EncodeToString(h.Sum(nil))}
	desc.Size = size.n

	log.Info().Int("files", len(paths)).Int64("bytes", desc.Size).Str("name", desc.Name).Msg("Bundled artifacts into one archive")
	return desc, nil
}

func addToBundle(zw *zip.Writer, root, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return err
	}
	header, err := zip.FileInfoHeader(fi)
	if err != nil {
		return err
	}
	header.Name = entryName(root, path)
	header.Method = zip.Deflate

	w, err := zw.CreateHeader(header)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, f)
	return err
}

// entryName is path relative to root in slash form, or its base name when
// path lies outside root.
func entryName(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return filepath.Base(path)
	}
	return filepath.ToSlash(rel)
}
