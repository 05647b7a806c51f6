package secrets

import (
	"os"
	"path/filepath"
	"testing"

	"filippo.io/age"

	"github.com/dohr-michael/quorum/internal/fault"
)

func testIdentity(t *testing.T) *age.X25519Identity {
	t.Helper()
	id, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	return id
}

func TestGenerateIdentity(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".age-key")

	if err := GenerateIdentity(path); err != nil {
		t.Fatalf("GenerateIdentity: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("key file mode = %o, want 0600", info.Mode().Perm())
	}

	// A second call must leave the existing key alone: regenerating
	// would orphan every secret encrypted to the old recipient.
	before, _ := os.ReadFile(path)
	if err := GenerateIdentity(path); err != nil {
		t.Fatalf("second GenerateIdentity: %v", err)
	}
	after, _ := os.ReadFile(path)
	if string(before) != string(after) {
		t.Error("existing key was rewritten")
	}

	id, err := LoadIdentity(path)
	if err != nil {
		t.Fatalf("LoadIdentity: %v", err)
	}
	if id.Recipient() == nil {
		t.Fatal("loaded identity has no recipient")
	}
}

func TestEncryptDecrypt(t *testing.T) {
	id := testIdentity(t)

	for _, plaintext := range []string{"sk-ant-REDACTED", "", "multi\nline\nvalue"} {
		blob, err := Encrypt(plaintext, id.Recipient())
		if err != nil {
			t.Fatalf("Encrypt(%q): %v", plaintext, err)
		}
		if !IsEncrypted(blob) {
			t.Errorf("Encrypt(%q) produced unrecognized blob %q", plaintext, blob)
		}
		if blob == plaintext {
			t.Errorf("Encrypt(%q) returned the plaintext", plaintext)
		}
		got, err := Decrypt(blob, id)
		if err != nil {
			t.Fatalf("Decrypt(%q): %v", plaintext, err)
		}
		if got != plaintext {
			t.Errorf("round trip = %q, want %q", got, plaintext)
		}
	}
}

func TestIsEncrypted(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"ENC[age:abc123]", true},
		{"ENC[age:]", true},
		{"plaintext", false},
		{"ENC[age:abc123", false}, // unterminated
		{"age:abc123]", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsEncrypted(tt.input); got != tt.want {
			t.Errorf("IsEncrypted(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestDecrypt_Failures(t *testing.T) {
	alice := testIdentity(t)
	bob := testIdentity(t)

	forAlice, err := Encrypt("for alice only", alice.Recipient())
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	tests := []struct {
		name string
		blob string
		id   *age.X25519Identity
	}{
		{"plaintext input", "not-encrypted", alice},
		{"wrong key", forAlice, bob},
		{"garbage payload", "ENC[age:%%not-base64%%]", alice},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decrypt(tt.blob, tt.id)
			if err == nil {
				t.Fatal("Decrypt succeeded, want error")
			}
			if !fault.IsKind(err, fault.DecryptionFailed) {
				t.Errorf("kind = %s, want decryption_failed", fault.KindOf(err))
			}
		})
	}
}
