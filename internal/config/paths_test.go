package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestQuorumPath_Default(t *testing.T) {
	t.Setenv("QUORUM_PATH", "")

	home, err := os.UserHomeDir()
	if err != nil {
		t.Fatal(err)
	}

	got := QuorumPath()
	want := filepath.Join(home, ".quorum")
	if got != want {
		t.Errorf("QuorumPath() = %q, want %q", got, want)
	}
}

func TestQuorumPath_EnvOverride(t *testing.T) {
	t.Setenv("QUORUM_PATH", "/tmp/custom-quorum")

	got := QuorumPath()
	want := "/tmp/custom-quorum"
	if got != want {
		t.Errorf("QuorumPath() = %q, want %q", got, want)
	}
}

func TestDerivedPaths(t *testing.T) {
	t.Setenv("QUORUM_PATH", "/tmp/test-quorum")

	cases := []struct {
		name string
		got  string
		want string
	}{
		{"config", ConfigPath(), "/tmp/test-quorum/config.jsonc"},
		{"dotenv", DotenvPath(), "/tmp/test-quorum/.env"},
		{"db", DBPath(), "/tmp/test-quorum/quorum.db"},
		{"age key", AgeKeyPath(), "/tmp/test-quorum/.age-key"},
		{"heartbeat", HeartbeatPath(), "/tmp/test-quorum/heartbeat.json"},
		{"logs", LogsDir(), "/tmp/test-quorum/logs"},
	}
	for _, tc := range cases {
		if tc.got != tc.want {
			t.Errorf("%s path = %q, want %q", tc.name, tc.got, tc.want)
		}
	}
}
