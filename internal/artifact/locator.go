package artifact

import (
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/chassy-io/artifact-upload/internal/apperrors"
)

// MatchMode decides how many discovered files a run accepts.
type MatchMode string

const (
	// MatchAll uploads every match; zero matches is an empty, successful run.
	MatchAll MatchMode = "all"
	// MatchOne requires exactly one match.
	MatchOne MatchMode = "one"
)

// ParseMatchMode validates s as a match mode.
func ParseMatchMode(s string) (MatchMode, error) {
	return parseEnum("match", s, []MatchMode{MatchAll, MatchOne})
}

var errStopWalk = errors.New("stop walk")

// Locator resolves name patterns into artifact files below a root directory.
type Locator struct{}

// NewLocator returns a file-system backed locator.
func NewLocator() *Locator {
	return &Locator{}
}

// Seq lazily yields the absolute paths of regular files under root whose
// path matches pattern. A pattern is matched at any depth unless it already
// starts with "**/"; an absolute pattern carries its own root. Order is not
// defined.
func (l *Locator) Seq(root, pattern string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		base, glob, err := resolvePattern(root, pattern)
		if err != nil {
			yield("", err)
			return
		}

		fsys := os.DirFS(base)
		walkErr := doublestar.GlobWalk(fsys, glob, func(p string, d fs.DirEntry) error {
			if d.IsDir() {
				return nil
			}
			if !yield(filepath.Join(base, filepath.FromSlash(p)), nil) {
				return errStopWalk
			}
			return nil
		}, doublestar.WithFilesOnly())

		if walkErr != nil && !errors.Is(walkErr, errStopWalk) {
			yield("", fmt.Errorf("error searching %s for %q: %w", base, pattern, walkErr))
		}
	}
}

// Locate collects every match of pattern under root.
func (l *Locator) Locate(root, pattern string) ([]string, error) {
	var paths []string
	for p, err := range l.Seq(root, pattern) {
		if err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, nil
}

// Select applies the match mode to a discovery result.
func Select(root, pattern string, paths []string, mode MatchMode) ([]string, error) {
	if mode != MatchOne {
		return paths, nil
	}
	switch len(paths) {
	case 0:
		return nil, apperrors.NoArtifactFound(root, pattern)
	case 1:
		return paths, nil
	default:
		return nil, apperrors.AmbiguousArtifactMatch(pattern, paths)
	}
}

func resolvePattern(root, pattern string) (string, string, error) {
	if strings.TrimSpace(pattern) == "" {
		return "", "", apperrors.InvalidParameter("path", "pattern cannot be empty")
	}

	pattern = filepath.ToSlash(pattern)
	if path.IsAbs(pattern) {
		base, glob := doublestar.SplitPattern(pattern)
		if glob == "" {
			glob = "."
		}
		root = filepath.FromSlash(base)
		pattern = glob
	} else if !strings.HasPrefix(pattern, "**/") {
		pattern = "**/" + strings.TrimPrefix(pattern, "./")
	}

	if !doublestar.ValidatePattern(pattern) {
		return "", "", apperrors.InvalidParameter("path", fmt.Sprintf("%q is not a valid pattern", pattern))
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return "", "", apperrors.InvalidParameter("root", err.Error())
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", "", apperrors.InvalidParameter("root", fmt.Sprintf("cannot search %s: %v", abs, err))
	}
	if !info.IsDir() {
		return "", "", apperrors.InvalidParameter("root", fmt.Sprintf("%s is not a directory", abs))
	}
	return abs, pattern, nil
}

// LogicalName strips the final extension from the base name of p.
// A leading dot alone does not count as an extension.
func LogicalName(p string) string {
	name := filepath.Base(p)
	ext := filepath.Ext(name)
	if ext == "" || ext == name {
		return name
	}
	return strings.TrimSuffix(name, ext)
}

var archiveSuffixes = []string{
	".zip", ".tar", ".tar.gz", ".tgz", ".tar.xz", ".txz", ".tar.bz2", ".tbz2",
	".tar.zst", ".gz", ".xz", ".bz2", ".zst", ".7z", ".rar",
}

// IsArchive reports whether p names a file that is already an archive or a
// compressed stream, judged by its extension.
func IsArchive(p string) bool {
	name := strings.ToLower(filepath.Base(p))
	for _, s := range archiveSuffixes {
		if strings.HasSuffix(name, s) && len(name) > len(s) {
			return true
		}
	}
	return false
}
