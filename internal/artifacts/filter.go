package artifacts

import (
	"fmt"
	"path"
	"strings"

	globlib "github.com/pachyderm/ohmyglob"
)

// FileFilter selects output files by glob. `**` crosses directory boundaries
// and a `**/` segment also matches zero directories.
type FileFilter struct {
	globs []*globlib.Glob
}

func NewFileFilter(patterns []string) (*FileFilter, error) {
	if len(patterns) == 0 {
		return nil, fmt.Errorf("at least one output file filter is required")
	}
	f := &FileFilter{}
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			return nil, fmt.Errorf("output file filter must not be empty")
		}
		for _, variant := range globVariants(strings.TrimPrefix(pattern, "./")) {
			g, err := globlib.Compile(variant, '/')
			if err != nil {
				return nil, fmt.Errorf("compile filter %q: %w", pattern, err)
			}
			f.globs = append(f.globs, g)
		}
	}
	return f, nil
}

// Match reports whether rel, a slash separated path relative to the output
// base directory, is selected.
func (f *FileFilter) Match(rel string) bool {
	rel = strings.TrimPrefix(path.Clean(rel), "./")
	for _, g := range f.globs {
		if g.Match(rel) {
			return true
		}
	}
	return false
}

func globVariants(pattern string) []string {
	out := []string{pattern}
	if rest, ok := strings.CutPrefix(pattern, "**/"); ok {
		out = append(out, globVariants(rest)...)
	}
	if before, after, ok := strings.Cut(pattern, "/**/"); ok {
		out = append(out, globVariants(before+"/"+after)...)
	}
	return dedupe(out)
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := values[:0]
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
