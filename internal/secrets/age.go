package secrets

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"

	"github.com/dohr-michael/quorum/internal/fault"
)

// Encrypted values are stored as ENC[age:<base64 ciphertext>] so a blob is
// recognizable in a database dump or a log line.
const (
	encPrefix = "ENC[age:"
	encSuffix = "]"
)

// GenerateIdentity creates an X25519 key pair at path with mode 0o600.
// Idempotent: an existing key file is left untouched, so re-running init
// never rotates the key out from under stored ciphertexts.
func GenerateIdentity(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return fmt.Errorf("generate age identity: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}
	content := fmt.Sprintf("# created by quorum\n# public key: %s\n%s\n",
		identity.Recipient().String(), identity.String())
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return fmt.Errorf("write age key: %w", err)
	}
	return nil
}

// LoadIdentity reads the vault's private key. The first X25519 identity in
// the file wins; the comment lines GenerateIdentity writes are skipped by
// the age parser.
func LoadIdentity(path string) (*age.X25519Identity, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open age key: %w", err)
	}
	defer f.Close()

	identities, err := age.ParseIdentities(f)
	if err != nil {
		return nil, fmt.Errorf("parse age identities: %w", err)
	}
	for _, id := range identities {
		if x, ok := id.(*age.X25519Identity); ok {
			return x, nil
		}
	}
	return nil, fmt.Errorf("no X25519 identity found in %s", path)
}

// Encrypt seals plaintext for the recipient and wraps the ciphertext as an
// ENC[age:...] blob.
func Encrypt(plaintext string, recipient *age.X25519Recipient) (string, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipient)
	if err != nil {
		return "", fmt.Errorf("age encrypt init: %w", err)
	}
	if _, err := io.WriteString(w, plaintext); err != nil {
		return "", fmt.Errorf("age encrypt write: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("age encrypt close: %w", err)
	}
	return encPrefix + base64.StdEncoding.EncodeToString(buf.Bytes()) + encSuffix, nil
}

// Decrypt opens an ENC[age:...] blob. Failures carry decryption_failed so
// callers can distinguish a corrupt or foreign-key blob from a missing row.
func Decrypt(blob string, identity *age.X25519Identity) (string, error) {
	if !IsEncrypted(blob) {
		return "", fault.New(fault.DecryptionFailed, "value is not an ENC[age:...] blob")
	}

	ciphertext, err := base64.StdEncoding.DecodeString(blob[len(encPrefix) : len(blob)-len(encSuffix)])
	if err != nil {
		return "", fault.Wrap(fault.DecryptionFailed, err, "decode blob")
	}

	r, err := age.Decrypt(bytes.NewReader(ciphertext), identity)
	if err != nil {
		return "", fault.Wrap(fault.DecryptionFailed, err, "open ciphertext")
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		return "", fault.Wrap(fault.DecryptionFailed, err, "read plaintext")
	}
	return string(plain), nil
}

// IsEncrypted reports whether s is an ENC[age:...] blob.
func IsEncrypted(s string) bool {
	return strings.HasPrefix(s, encPrefix) && strings.HasSuffix(s, encSuffix)
}
