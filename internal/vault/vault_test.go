package vault

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	crawlerrors "github.com/PentesterFlow/ScreenCrawler/internal/errors"
)

func TestEncryptDecrypt(t *testing.T) {
	cred := &Credentials{Username: "alice@example.com", Password: "hunter2", TOTPSecret: "JBSWY3DPEHPK3PXP"}

	env, err := Encrypt("correct horse", "aave", cred)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if !env.Encrypted || env.IV == "" || env.AuthTag == "" || env.Ciphertext == "" {
		t.Fatalf("envelope incomplete: %+v", env)
	}
	if len(env.AuthTag) != 32 {
		t.Errorf("AuthTag hex length = %d, want 32", len(env.AuthTag))
	}

	got, err := Decrypt("correct horse", "aave", env)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if *got != *cred {
		t.Errorf("Decrypt() = %+v, want %+v", got, cred)
	}
}

func TestDecrypt_Failures(t *testing.T) {
	cred := &Credentials{Username: "bob", Password: "pw"}
	env, err := Encrypt("pass", "uniswap", cred)
	if err != nil {
		t.Fatal(err)
	}

	tampered := *env
	tampered.AuthTag = "00000000000000000000000000000000"

	badHex := *env
	badHex.IV = "zz"

	tests := []struct {
		name       string
		passphrase string
		slug       string
		env        *Envelope
	}{
		{"wrong passphrase", "nope", "uniswap", env},
		{"wrong target", "pass", "sushi", env},
		{"no passphrase", "", "uniswap", env},
		{"tampered tag", "pass", "uniswap", &tampered},
		{"bad hex", "pass", "uniswap", &badHex},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decrypt(tt.passphrase, tt.slug, tt.env)
			if !crawlerrors.IsType(err, crawlerrors.Decrypt) {
				t.Errorf("Decrypt() err = %v, want decrypt error", err)
			}
		})
	}
}

func TestEncrypt_RequiresPassphraseAndUsername(t *testing.T) {
	if _, err := Encrypt("", "x", &Credentials{Username: "u"}); !errors.Is(err, ErrNoPassphrase) {
		t.Errorf("err = %v, want ErrNoPassphrase", err)
	}
	if _, err := Encrypt("p", "x", &Credentials{}); err == nil {
		t.Error("empty username should fail")
	}
}

func TestEncrypt_FreshIV(t *testing.T) {
	cred := &Credentials{Username: "u", Password: "p"}
	a, _ := Encrypt("p", "s", cred)
	b, _ := Encrypt("p", "s", cred)
	if a.IV == b.IV || a.Ciphertext == b.Ciphertext {
		t.Error("each encryption should use a fresh IV")
	}
}

// =============================================================================
// Vault file store
// =============================================================================

func TestVault_SaveLoad(t *testing.T) {
	v := New(t.TempDir(), "pass", nil)
	cred := &Credentials{Username: "carol", Password: "secret"}

	if err := v.Save("lido", cred); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if !v.Has("lido") {
		t.Fatal("Has() = false after Save")
	}

	got, err := v.Load("lido")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.Username != "carol" || got.HasTOTP() {
		t.Errorf("Load() = %+v", got)
	}

	raw, _ := os.ReadFile(v.Path("lido"))
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil || !env.Encrypted {
		t.Errorf("file should hold an encrypted envelope: %s", raw)
	}
}

func TestVault_LoadMissing(t *testing.T) {
	v := New(t.TempDir(), "pass", nil)
	if _, err := v.Load("ghost"); !errors.Is(err, ErrNoCredentials) {
		t.Errorf("err = %v, want ErrNoCredentials", err)
	}
}

func TestVault_DecryptFailureMeansNoCredentials(t *testing.T) {
	dir := t.TempDir()
	if err := New(dir, "right", nil).Save("app", &Credentials{Username: "u", Password: "p"}); err != nil {
		t.Fatal(err)
	}

	_, err := New(dir, "wrong", nil).Load("app")
	if !errors.Is(err, ErrNoCredentials) {
		t.Errorf("err = %v, want ErrNoCredentials", err)
	}
}

func TestVault_PlaintextRecord(t *testing.T) {
	dir := t.TempDir()
	plain := `{"username":"dave","password":"pw","totpSecret":"JBSWY3DPEHPK3PXP"}`
	if err := os.WriteFile(filepath.Join(dir, "gmx.json"), []byte(plain), 0o600); err != nil {
		t.Fatal(err)
	}

	got, err := New(dir, "", nil).Load("gmx")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.Username != "dave" || !got.HasTOTP() {
		t.Errorf("Load() = %+v", got)
	}
}

func TestVault_GarbageFile(t *testing.T) {
	dir := t.TempDir()
	_ = os.WriteFile(filepath.Join(dir, "bad.json"), []byte("not json"), 0o600)
	if _, err := New(dir, "p", nil).Load("bad"); !errors.Is(err, ErrNoCredentials) {
		t.Errorf("err = %v, want ErrNoCredentials", err)
	}
}
