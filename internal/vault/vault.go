// Package vault stores per-target login credentials, encrypted at rest
// with AES-256-GCM under a key derived from an operator passphrase.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/scrypt"

	"github.com/PentesterFlow/ScreenCrawler/internal/errors"
	"github.com/PentesterFlow/ScreenCrawler/internal/logger"
)

// ErrNoCredentials means no usable credential record exists for a target.
var ErrNoCredentials = stderrors.New("no credentials stored")

// ErrNoPassphrase is returned when encryption is requested without a passphrase.
var ErrNoPassphrase = stderrors.New("vault passphrase not configured")

// scrypt cost parameters.
const (
	scryptN   = 1 << 15
	scryptR   = 8
	scryptP   = 1
	keyLength = 32
	saltScope = "screencrawler-vault:"
)

// Credentials is the decrypted record for one target.
type Credentials struct {
	Username   string `json:"username"`
	Password   string `json:"password"`
	TOTPSecret string `json:"totpSecret,omitempty"`
}

// HasTOTP reports whether a 2FA seed is stored.
func (c *Credentials) HasTOTP() bool {
	return c != nil && strings.TrimSpace(c.TOTPSecret) != ""
}

// Envelope is the on-disk encrypted form. All fields are hex encoded.
type Envelope struct {
	Encrypted  bool   `json:"encrypted"`
	IV         string `json:"iv"`
	AuthTag    string `json:"authTag"`
	Ciphertext string `json:"ciphertext"`
}

// Vault reads and writes credential files under a directory, one per target.
type Vault struct {
	dir        string
	passphrase string
	log        *logger.Logger
}

// New creates a vault rooted at dir.
func New(dir, passphrase string, log *logger.Logger) *Vault {
	if log == nil {
		log = logger.Nop()
	}
	return &Vault{dir: dir, passphrase: passphrase, log: log.WithComponent("vault")}
}

// Path returns the credential file for slug.
func (v *Vault) Path(slug string) string {
	return filepath.Join(v.dir, slug+".json")
}

// Load returns the credentials for slug. Missing files, unreadable records
// and decryption failures all yield ErrNoCredentials; decryption failures
// are logged as warnings so the cascade can move on to escalation.
func (v *Vault) Load(slug string) (*Credentials, error) {
	data, err := os.ReadFile(v.Path(slug))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoCredentials
		}
		return nil, fmt.Errorf("read credentials: %w", err)
	}

	var probe struct {
		Encrypted bool `json:"encrypted"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		v.log.WithTarget(slug).WithError(err).Warn("Credential file is not valid JSON")
		return nil, ErrNoCredentials
	}

	if !probe.Encrypted {
		var cred Credentials
		if err := json.Unmarshal(data, &cred); err != nil || cred.Username == "" {
			return nil, ErrNoCredentials
		}
		v.log.WithTarget(slug).Warn("Credentials stored in plaintext; re-save them with a vault passphrase")
		return &cred, nil
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, ErrNoCredentials
	}
	cred, err := Decrypt(v.passphrase, slug, &env)
	if err != nil {
		v.log.WithTarget(slug).WithError(err).Warn("Credential decryption failed; treating as no credentials")
		return nil, ErrNoCredentials
	}
	return cred, nil
}

// Save encrypts cred and writes it for slug.
func (v *Vault) Save(slug string, cred *Credentials) error {
	env, err := Encrypt(v.passphrase, slug, cred)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(v.dir, 0o700); err != nil {
		return fmt.Errorf("create vault dir: %w", err)
	}
	return os.WriteFile(v.Path(slug), data, 0o600)
}

// Has reports whether a credential file exists for slug.
func (v *Vault) Has(slug string) bool {
	_, err := os.Stat(v.Path(slug))
	return err == nil
}

// DeriveKey stretches passphrase into an AES-256 key scoped to slug, so a
// record copied to another target's file will not decrypt.
func DeriveKey(passphrase, slug string) ([]byte, error) {
	if passphrase == "" {
		return nil, ErrNoPassphrase
	}
	return scrypt.Key([]byte(passphrase), []byte(saltScope+slug), scryptN, scryptR, scryptP, keyLength)
}

// Encrypt seals cred into an envelope.
func Encrypt(passphrase, slug string, cred *Credentials) (*Envelope, error) {
	if cred == nil || cred.Username == "" {
		return nil, errors.NewConfigError("encrypt "+slug, "username is required")
	}
	key, err := DeriveKey(passphrase, slug)
	if err != nil {
		return nil, err
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	plaintext, err := json.Marshal(cred)
	if err != nil {
		return nil, err
	}

	iv := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("generate iv: %w", err)
	}

	sealed := gcm.Seal(nil, iv, plaintext, nil)
	split := len(sealed) - gcm.Overhead()

	return &Envelope{
		Encrypted:  true,
		IV:         hex.EncodeToString(iv),
		AuthTag:    hex.EncodeToString(sealed[split:]),
		Ciphertext: hex.EncodeToString(sealed[:split]),
	}, nil
}

// Decrypt opens an envelope. Any failure is a Decrypt CrawlError.
func Decrypt(passphrase, slug string, env *Envelope) (*Credentials, error) {
	key, err := DeriveKey(passphrase, slug)
	if err != nil {
		return nil, errors.NewDecryptError(slug, err)
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, errors.NewDecryptError(slug, err)
	}

	iv, err1 := hex.DecodeString(env.IV)
	tag, err2 := hex.DecodeString(env.AuthTag)
	ct, err3 := hex.DecodeString(env.Ciphertext)
	if err := stderrors.Join(err1, err2, err3); err != nil {
		return nil, errors.NewDecryptError(slug, err)
	}
	if len(iv) != gcm.NonceSize() || len(tag) != gcm.Overhead() {
		return nil, errors.NewDecryptError(slug, stderrors.New("malformed envelope"))
	}

	plaintext, err := gcm.Open(nil, iv, append(ct, tag...), nil)
	if err != nil {
		return nil, errors.NewDecryptError(slug, err)
	}

	var cred Credentials
	if err := json.Unmarshal(plaintext, &cred); err != nil {
		return nil, errors.NewDecryptError(slug, err)
	}
	return &cred, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
