package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeReloaderFixtures(t *testing.T, env, conf string) (configPath, dotenvPath string) {
	t.Helper()
	dir := t.TempDir()
	configPath = filepath.Join(dir, "config.jsonc")
	dotenvPath = filepath.Join(dir, ".env")
	if env != "" {
		if err := os.WriteFile(dotenvPath, []byte(env), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(configPath, []byte(conf), 0o644); err != nil {
		t.Fatal(err)
	}
	return configPath, dotenvPath
}

const reloaderConf = `{
	// test config
	"gateway": {"host": "127.0.0.1", "port": 18420},
	"models": {"default": [], "providers": {}},
	"log": {"level": "${{ .Env.QUORUM_TEST_LEVEL }}"}
}`

func TestReloader_SwapsConfigAndNotifies(t *testing.T) {
	configPath, dotenvPath := writeReloaderFixtures(t, "QUORUM_TEST_LEVEL=info\n", reloaderConf)
	t.Setenv("QUORUM_TEST_LEVEL", "info")

	initial := &Config{}
	r := NewReloader(configPath, dotenvPath, initial, nil)
	if r.Current() != initial {
		t.Fatal("Current should return the initial config before any reload")
	}

	var seen []*Config
	r.OnReload(func(cfg *Config) { seen = append(seen, cfg) })

	// Flip the env var through .env; reload must re-expand the template.
	if err := os.WriteFile(dotenvPath, []byte("QUORUM_TEST_LEVEL=debug\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := r.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	if len(seen) != 1 {
		t.Fatalf("listener called %d times, want 1", len(seen))
	}
	if got := r.Current(); got == initial {
		t.Error("Current still returns the pre-reload config")
	} else if got.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q (env override not re-expanded)", got.Log.Level, "debug")
	}
}

func TestReloader_KeepsOldConfigOnError(t *testing.T) {
	configPath, dotenvPath := writeReloaderFixtures(t, "", `{"gateway": {"port": 1}}`)
	t.Setenv("QUORUM_TEST_LEVEL", "info")

	initial := &Config{}
	r := NewReloader(configPath, dotenvPath, initial, nil)

	var called bool
	r.OnReload(func(*Config) { called = true })

	if err := os.WriteFile(configPath, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := r.Reload(); err == nil {
		t.Fatal("expected reload error for broken config")
	}
	if called {
		t.Error("listener must not fire on failed reload")
	}
	if r.Current() != initial {
		t.Error("failed reload must not swap the config")
	}
}

func TestReloader_MissingDotenvIsFine(t *testing.T) {
	configPath, dotenvPath := writeReloaderFixtures(t, "", `{"gateway": {"host": "127.0.0.1", "port": 18420}, "models": {"default": [], "providers": {}}}`)

	r := NewReloader(configPath, dotenvPath, &Config{}, nil)
	if err := r.Reload(); err != nil {
		t.Fatalf("Reload with missing .env: %v", err)
	}
}
