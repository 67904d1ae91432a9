package scanner

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	gitignore "github.com/sabhiram/go-gitignore"

	"github.com/paulschiretz/pgl-sync/pkg/plog"
)

// IgnoreFileName is the gitignore-style file read from the local root.
const IgnoreFileName = ".syncignore"

// Exclusions decides which entries a scan leaves out. The same instance must
// be used for both trees so an excluded path is invisible on both sides.
//
// Glob patterns follow the same rule as .gitignore: a pattern without a slash
// matches the basename anywhere in the tree, a pattern with a slash matches
// the full relative path. Globs are matched case-insensitively.
type Exclusions struct {
	basenamePatterns []string
	pathPatterns     []string
	ignore           *gitignore.GitIgnore
	ignoreRules      int
}

// NewExclusions compiles glob patterns and optional gitignore lines.
func NewExclusions(patterns []string, ignoreLines []string) (*Exclusions, error) {
	e := &Exclusions{}
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(filepath.ToSlash(p)))
		if p == "" {
			continue
		}
		p = strings.TrimSuffix(p, "/")
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid exclusion pattern %q", p)
		}
		if strings.Contains(p, "/") {
			e.pathPatterns = append(e.pathPatterns, p)
		} else {
			e.basenamePatterns = append(e.basenamePatterns, p)
		}
	}
	if len(ignoreLines) > 0 {
		e.ignore = gitignore.CompileIgnoreLines(ignoreLines...)
		e.ignoreRules = len(ignoreLines)
	}
	return e, nil
}

// LoadExclusions builds an Exclusions from patterns plus the .syncignore file
// under root, if one exists.
func LoadExclusions(root string, patterns []string) (*Exclusions, error) {
	lines, err := readIgnoreFile(filepath.Join(root, IgnoreFileName))
	if err != nil {
		return nil, err
	}
	e, err := NewExclusions(patterns, lines)
	if err != nil {
		return nil, err
	}
	if e.ignoreRules > 0 {
		plog.Info("Loaded ignore file", "path", filepath.Join(root, IgnoreFileName), "rules", e.ignoreRules)
	}
	return e, nil
}

func readIgnoreFile(p string) ([]string, error) {
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("could not open ignore file %s: %w", p, err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("could not read ignore file %s: %w", p, err)
	}
	return lines, nil
}

// Match reports whether the normalized relative path should be skipped.
func (e *Exclusions) Match(relPath string, isDir bool) bool {
	if e == nil || relPath == "" {
		return false
	}
	lowered := strings.ToLower(relPath)
	base := path.Base(lowered)
	for _, p := range e.basenamePatterns {
		if ok, _ := doublestar.Match(p, base); ok {
			return true
		}
	}
	for _, p := range e.pathPatterns {
		if ok, _ := doublestar.Match(p, lowered); ok {
			return true
		}
	}
	if e.ignore != nil {
		candidate := relPath
		if isDir {
			candidate += "/"
		}
		if e.ignore.MatchesPath(candidate) {
			return true
		}
	}
	return false
}
