package fs

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar"

	"github.com/thought-machine/buildcache/src/cacheerr"
	"github.com/thought-machine/buildcache/src/core"
	"github.com/thought-machine/buildcache/src/hashes"
)

// ScanRules is the resolved set of include/exclude globs a scan applies,
// folding together the global rules and one plugin's additions.
// ExcludeRegexps carries the output-exclusion patterns, which the
// configuration defines as regular expressions rather than globs.
type ScanRules struct {
	Includes       []string
	Excludes       []string
	ExcludeRegexps []*regexp.Regexp
}

// Matches reports whether relativePath (forward-slash separated) is selected
// by these rules: it must match at least one include glob (or there are no
// includes, in which case everything matches) and no exclude glob.
func (r ScanRules) Matches(relativePath string) (bool, error) {
	included := len(r.Includes) == 0
	for _, pattern := range r.Includes {
		ok, err := doublestar.Match(pattern, relativePath)
		if err != nil {
			return false, cacheerr.ConfigurationError("scan-rules", err)
		}
		if ok {
			included = true
			break
		}
	}
	if !included {
		return false, nil
	}
	for _, pattern := range r.Excludes {
		ok, err := doublestar.Match(pattern, relativePath)
		if err != nil {
			return false, cacheerr.ConfigurationError("scan-rules", err)
		}
		if ok {
			return false, nil
		}
	}
	for _, re := range r.ExcludeRegexps {
		if re.MatchString(relativePath) {
			return false, nil
		}
	}
	return true, nil
}

// InputScanner enumerates and hashes a module's declared inputs, emitting a
// sorted, deduplicated slice of records regardless of filesystem enumeration
// order.
type InputScanner struct {
	root   string
	hasher *ContentHasher
	algo   hashes.Algorithm
}

// NewInputScanner returns a scanner rooted at moduleRoot.
func NewInputScanner(moduleRoot string, algo hashes.Algorithm, policy SymlinkPolicy, useXattrs bool, parallelism int) *InputScanner {
	return &InputScanner{
		root:   moduleRoot,
		hasher: NewContentHasher(moduleRoot, algo, policy, useXattrs, parallelism),
		algo:   algo,
	}
}

// Scan walks the module root, filters by rules, hashes every matched regular
// file, and returns the result sorted lexicographically by relative path
// with no duplicate paths. Directories themselves are
// never included as input records.
func (s *InputScanner) Scan(rules ScanRules) ([]core.InputFileRecord, error) {
	seen := map[string]bool{}
	var records []core.InputFileRecord

	err := WalkMode(s.root, func(name string, mode Mode) error {
		if mode.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.root, name)
		if err != nil {
			return cacheerr.InputIOError(name, err)
		}
		rel = filepath.ToSlash(rel)
		if seen[rel] {
			return nil
		}
		ok, err := rules.Matches(rel)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		fp, err := s.hasher.Hash(name, false)
		if err != nil {
			return err
		}
		size, err := fileSize(name)
		if err != nil {
			return cacheerr.InputIOError(name, err)
		}
		seen[rel] = true
		records = append(records, core.InputFileRecord{
			RelativePath:  rel,
			ContentDigest: fp,
			SizeBytes:     size,
		})
		return nil
	})
	if err != nil {
		if _, ok := cacheerr.KindOf(err); ok {
			return nil, err
		}
		return nil, cacheerr.InputIOError(s.root, err)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].RelativePath < records[j].RelativePath
	})
	return records, nil
}

// MergeRules combines the module-level global rules with one plugin's
// additional includes/excludes: the plugin's patterns are appended,
// never substituted, so the global scan is always a superset boundary.
func MergeRules(global ScanRules, extra ScanRules) ScanRules {
	merged := ScanRules{
		Includes:       append(append([]string{}, global.Includes...), extra.Includes...),
		Excludes:       append(append([]string{}, global.Excludes...), extra.Excludes...),
		ExcludeRegexps: append(append([]*regexp.Regexp{}, global.ExcludeRegexps...), extra.ExcludeRegexps...),
	}
	return merged
}

// NormalizeGlob rewrites a platform path separator into the forward slashes
// doublestar expects.
func NormalizeGlob(pattern string) string {
	return filepath.ToSlash(strings.TrimPrefix(pattern, "./"))
}

func fileSize(path string) (int64, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
