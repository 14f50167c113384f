package pathwatch

import (
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
)

// DefaultFilter reports whether a path should be watched. It excludes
// hidden files and directories, i.e. those whose name starts with a
// dot.
func DefaultFilter(path string) bool {
	name := filepath.Base(path)
	if name == "." || name == string(filepath.Separator) {
		return true
	}
	return !strings.HasPrefix(name, ".")
}

// compileExcludes turns glob patterns into a filter that rejects any
// path whose slash-separated form matches one of them.
func compileExcludes(patterns []string) ([]glob.Glob, error) {
	globs := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, err
		}
		globs = append(globs, g)
	}
	return globs, nil
}

func excluded(globs []glob.Glob, path string) bool {
	slashed := filepath.ToSlash(path)
	for _, g := range globs {
		if g.Match(slashed) {
			return true
		}
	}
	return false
}
