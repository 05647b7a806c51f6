package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeEnvFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDotenv_ParsesLines(t *testing.T) {
	path := writeEnvFile(t, `# provider keys
ANTHROPIC_API_KEY=sk-test-123

QUORUM_HOST = 0.0.0.0
DOUBLE="with spaces"
SINGLE='kept literal'
MALFORMED LINE WITHOUT EQUALS
`)
	for _, key := range []string{"ANTHROPIC_API_KEY", "QUORUM_HOST", "DOUBLE", "SINGLE"} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}

	if err := LoadDotenv(path); err != nil {
		t.Fatal(err)
	}

	want := map[string]string{
		"ANTHROPIC_API_KEY": "sk-test-123",
		"QUORUM_HOST":       "0.0.0.0",
		"DOUBLE":            "with spaces",
		"SINGLE":            "kept literal",
	}
	for key, w := range want {
		if got := os.Getenv(key); got != w {
			t.Errorf("%s = %q, want %q", key, got, w)
		}
	}
}

func TestLoadDotenv_KeepsExistingValues(t *testing.T) {
	path := writeEnvFile(t, "QUORUM_TEST_KEEP=from-file\n")
	t.Setenv("QUORUM_TEST_KEEP", "from-process")

	if err := LoadDotenv(path); err != nil {
		t.Fatal(err)
	}
	if got := os.Getenv("QUORUM_TEST_KEEP"); got != "from-process" {
		t.Errorf("value = %q, process environment must win on initial load", got)
	}
}

func TestReloadDotenv_OverridesExistingValues(t *testing.T) {
	path := writeEnvFile(t, "QUORUM_TEST_RELOAD=from-file\n")
	t.Setenv("QUORUM_TEST_RELOAD", "stale")

	if err := ReloadDotenv(path); err != nil {
		t.Fatal(err)
	}
	if got := os.Getenv("QUORUM_TEST_RELOAD"); got != "from-file" {
		t.Errorf("value = %q, reload must take the file's value", got)
	}
}

func TestLoadDotenv_MissingFile(t *testing.T) {
	if err := LoadDotenv(filepath.Join(t.TempDir(), "absent", ".env")); err != nil {
		t.Errorf("missing file should not be an error: %v", err)
	}
}
