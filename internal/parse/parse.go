// Package parse extracts a structured file set from free-text model output.
// The "**File: path**" marker followed by a fenced code block is a
// convention, not a contract, so extraction is permissive about whitespace
// and fence-language tokens while staying strict about path safety.
package parse

import (
	"path"
	"regexp"
	"strings"

	"appforge/internal/fault"
)

// DefaultFallbackPath is the synthetic file used when no marker+fence
// segment matches. The original service fell back to a single index file.
const DefaultFallbackPath = "index.html"

// File is one extracted (path, content) candidate, in source order.
type File struct {
	Path    string
	Content string
}

// segmentRe matches one "**File: path**" marker line followed by a fenced
// code block with an optional language token. Mirrors the marker format
// the generation prompt asks the model for.
var segmentRe = regexp.MustCompile("(?s)\\*\\*File:\\s*([^*]+)\\*\\*\\s*```[\\w+.-]*[ \t]*\r?\n(.*?)```")

// Files extracts the ordered file set from text. Candidates with unsafe
// paths are skipped and reported in the returned error slice; they are
// never silently kept. When no segment matches non-empty input, a single
// synthetic file at fallbackPath (DefaultFallbackPath if empty) carries
// the whole text verbatim, so non-empty output never yields zero files.
func Files(text, fallbackPath string) ([]File, []error) {
	if fallbackPath == "" {
		fallbackPath = DefaultFallbackPath
	}

	matches := segmentRe.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		if strings.TrimSpace(text) == "" {
			return nil, nil
		}
		return []File{{Path: fallbackPath, Content: text}}, nil
	}

	files := make([]File, 0, len(matches))
	var errs []error
	for _, m := range matches {
		p := strings.TrimSpace(m[1])
		if err := CheckPath(p); err != nil {
			errs = append(errs, err)
			continue
		}
		files = append(files, File{
			Path:    p,
			Content: strings.TrimSpace(m[2]),
		})
	}
	return files, errs
}

// CheckPath rejects paths that are empty, absolute, or resolve outside the
// project root.
func CheckPath(p string) error {
	if p == "" {
		return fault.Newf(fault.KindValidation, "parse.CheckPath", "empty file path")
	}
	normalized := strings.ReplaceAll(p, "\\", "/")
	if strings.HasPrefix(normalized, "/") {
		return fault.Newf(fault.KindValidation, "parse.CheckPath", "absolute path not allowed: %s", p)
	}
	cleaned := path.Clean(normalized)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return fault.Newf(fault.KindValidation, "parse.CheckPath", "path escapes project root: %s", p)
	}
	if cleaned == "." {
		return fault.Newf(fault.KindValidation, "parse.CheckPath", "path resolves to project root: %s", p)
	}
	return nil
}
