package fs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thought-machine/buildcache/src/cacheerr"
	"github.com/thought-machine/buildcache/src/hashes"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	for rel, content := range files {
		full := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0644))
	}
}

func TestScanIsSortedAndDeduplicated(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"src/b.go": "b",
		"src/a.go": "a",
		"README.md": "r",
	})

	scanner := NewInputScanner(root, hashes.SHA256, RejectEscaping, false, 0)
	records, err := scanner.Scan(ScanRules{})
	require.NoError(t, err)

	require.Len(t, records, 3)
	for i := 1; i < len(records); i++ {
		assert.Less(t, records[i-1].RelativePath, records[i].RelativePath)
	}
	seen := map[string]bool{}
	for _, r := range records {
		assert.False(t, seen[r.RelativePath])
		seen[r.RelativePath] = true
	}
}

func TestScanAppliesIncludeExclude(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"src/main.go":      "x",
		"src/main_test.go": "y",
		"target/out.class": "z",
	})

	scanner := NewInputScanner(root, hashes.SHA256, RejectEscaping, false, 0)
	records, err := scanner.Scan(ScanRules{
		Includes: []string{"src/**"},
		Excludes: []string{"**/*_test.go"},
	})
	require.NoError(t, err)

	require.Len(t, records, 1)
	assert.Equal(t, "src/main.go", records[0].RelativePath)
}

func TestScanSkipsDigestSidecars(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"src/a.go":         "a",
		"src/.digest_a.go": "sha256:abc",
	})

	scanner := NewInputScanner(root, hashes.SHA256, RejectEscaping, false, 0)
	records, err := scanner.Scan(ScanRules{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "src/a.go", records[0].RelativePath)
}

func TestScanMissingRootIsInputIOError(t *testing.T) {
	scanner := NewInputScanner(filepath.Join(t.TempDir(), "gone"), hashes.SHA256, RejectEscaping, false, 0)
	_, err := scanner.Scan(ScanRules{})
	require.Error(t, err)
	kind, ok := cacheerr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, cacheerr.InputIO, kind)
}

func TestScanIsDeterministicAcrossRuns(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"a.txt": "content"})

	s1 := NewInputScanner(root, hashes.SHA256, RejectEscaping, false, 0)
	r1, err := s1.Scan(ScanRules{})
	require.NoError(t, err)

	s2 := NewInputScanner(root, hashes.SHA256, RejectEscaping, false, 0)
	r2, err := s2.Scan(ScanRules{})
	require.NoError(t, err)

	require.Equal(t, len(r1), len(r2))
	assert.True(t, r1[0].ContentDigest.Equal(r2[0].ContentDigest))
}
