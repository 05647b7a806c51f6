package config

import (
	"os"
	"strings"
)

// LoadDotenv seeds the process environment from a .env file without
// clobbering variables that are already set. A missing file is not an
// error: fresh installs have none until `quorum secret env` writes one.
func LoadDotenv(path string) error {
	return applyDotenv(path, false)
}

// ReloadDotenv re-reads the file in override mode so edited values win
// over the stale process environment. Used by the SIGHUP reload path.
func ReloadDotenv(path string) error {
	return applyDotenv(path, true)
}

func applyDotenv(path string, override bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, line := range strings.Split(string(data), "\n") {
		key, value, ok := parseDotenvLine(line)
		if !ok {
			continue
		}
		if !override {
			if _, exists := os.LookupEnv(key); exists {
				continue
			}
		}
		os.Setenv(key, value)
	}
	return nil
}

// parseDotenvLine splits one KEY=VALUE line, skipping blanks and
// comments. Surrounding single or double quotes on the value are
// stripped; anything else is taken verbatim.
func parseDotenvLine(line string) (key, value string, ok bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", "", false
	}
	key, value, ok = strings.Cut(line, "=")
	if !ok {
		return "", "", false
	}
	key = strings.TrimSpace(key)
	value = strings.TrimSpace(value)
	if len(value) >= 2 {
		if (value[0] == '"' && value[len(value)-1] == '"') ||
			(value[0] == '\'' && value[len(value)-1] == '\'') {
			value = value[1 : len(value)-1]
		}
	}
	return key, value, key != ""
}
