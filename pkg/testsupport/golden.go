// Package testsupport holds helpers shared by the package tests: golden file
// comparison and an in-memory store that records every call made to it.
package testsupport

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
)

var update = flag.Bool("update", false, "rewrite golden files with the current output")

// GoldenPath returns the path of a golden file under testdata/golden.
func GoldenPath(name string) string {
	return filepath.Join("testdata", "golden", name)
}

// LoadGolden reads the golden file at path.
func LoadGolden(t testing.TB, path string) []byte {
	t.Helper()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to load golden file %s: %v", path, err)
	}
	return data
}

// WriteGolden writes data to path, creating parent directories.
func WriteGolden(t testing.TB, path string, data []byte) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("failed to create directory for %s: %v", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("failed to write golden file %s: %v", path, err)
	}
}

// CompareWithGolden fails the test when actual differs from the golden file
// named name. Run the tests with -update to rewrite it.
func CompareWithGolden(t testing.TB, name string, actual []byte) {
	t.Helper()

	path := GoldenPath(name)
	if *update {
		WriteGolden(t, path, actual)
		return
	}

	expected := LoadGolden(t, path)
	if string(actual) != string(expected) {
		t.Errorf("output mismatch for %s:\nexpected:\n%s\nactual:\n%s", path, expected, actual)
	}
}
