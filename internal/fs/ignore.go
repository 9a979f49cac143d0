package fs

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// IgnoreFileName is read from the root of a directory being added.
const IgnoreFileName = ".efvignore"

// vaultArtifacts are the vault's own working files. They are never added.
var vaultArtifacts = []string{
	IgnoreFileName,
	".efv-add-*",
	".efv-rotate-*",
	"*.efv-prev",
}

type ignorePattern struct {
	glob     string
	fullPath bool // match against the path relative to the root instead of the base name
}

// IgnoreMatcher decides which files of a directory tree are skipped when
// adding the tree to the vault. A pattern containing '/' is matched against
// the slash-separated path relative to the root; any other pattern against
// the base name only.
type IgnoreMatcher struct {
	patterns []ignorePattern
}

// NewIgnoreMatcher builds a matcher from raw lines. Blank lines and lines
// starting with '#' are skipped. The vault's working files are always
// ignored.
func NewIgnoreMatcher(lines []string) *IgnoreMatcher {
	m := &IgnoreMatcher{}
	for _, line := range append(append([]string{}, vaultArtifacts...), lines...) {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		m.patterns = append(m.patterns, ignorePattern{
			glob:     line,
			fullPath: strings.Contains(line, "/"),
		})
	}
	return m
}

// Match reports whether relativePath is ignored.
func (m *IgnoreMatcher) Match(relativePath string) bool {
	slashed := filepath.ToSlash(relativePath)
	base := filepath.Base(relativePath)
	for _, p := range m.patterns {
		subject := base
		if p.fullPath {
			subject = slashed
		}
		// filepath.Match only fails on malformed patterns; those never match.
		if ok, err := filepath.Match(p.glob, subject); err == nil && ok {
			return true
		}
	}
	return false
}

// ReadIgnoreFile returns the lines of the ignore file at path, or nil if
// there is none.
func ReadIgnoreFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening ignore file: %w", err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading ignore file: %w", err)
	}
	return lines, nil
}
