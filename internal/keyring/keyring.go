// Package keyring implements the encrypted credential store referenced by
// the keyring_file config key. Credentials for external sources (Beiwe,
// Dropbox, REDCap), SMTP and SSH live in a single sealed file so that the
// main config file never carries secrets.
//
// On disk the keyring is a small JSON envelope around a
// XChaCha20-Poly1305 ciphertext. The sealing key is derived from a
// passphrase with PBKDF2-SHA256; the passphrase comes from the
// LOCHNESS_KEYRING_PASS environment variable or an interactive prompt.
package keyring

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"syscall"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/term"
)

const (
	// PassphraseEnvVar names the environment variable consulted before
	// falling back to an interactive prompt.
	PassphraseEnvVar = "LOCHNESS_KEYRING_PASS"

	formatVersion = 1
	kdfName       = "pbkdf2-sha256"
	kdfIterations = 600000
	saltSize      = 16
)

// ErrNotFound is returned when a service has no entry in the keyring.
type ErrNotFound struct {
	Service string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("keyring has no entry for service %q", e.Service)
}

// envelope is the on-disk representation of a sealed keyring.
type envelope struct {
	Version    int    `json:"version"`
	KDF        string `json:"kdf"`
	Iterations int    `json:"iterations"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// Keyring holds decrypted credentials, keyed by service name
// (e.g. "dropbox.mclean", "redcap.StudyA", "beiwe", "smtp", "ssh").
type Keyring struct {
	entries map[string]map[string]string
}

// New creates an empty keyring.
func New() *Keyring {
	return &Keyring{entries: make(map[string]map[string]string)}
}

// Open reads and decrypts the keyring file at path.
func Open(path string, passphrase []byte) (*Keyring, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read keyring file %s: %w", path, err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to parse keyring file %s: %w", path, err)
	}

	if env.Version != formatVersion {
		return nil, fmt.Errorf("unsupported keyring version %d", env.Version)
	}
	if env.KDF != kdfName {
		return nil, fmt.Errorf("unsupported keyring kdf %q", env.KDF)
	}

	salt, err := base64.StdEncoding.DecodeString(env.Salt)
	if err != nil {
		return nil, fmt.Errorf("malformed keyring salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return nil, fmt.Errorf("malformed keyring nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("malformed keyring ciphertext: %w", err)
	}

	key := pbkdf2.Key(passphrase, salt, env.Iterations, chacha20poly1305.KeySize, sha256.New)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt keyring (wrong passphrase or corrupt file): %w", err)
	}

	entries := make(map[string]map[string]string)
	if err := json.Unmarshal(plaintext, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse decrypted keyring: %w", err)
	}

	return &Keyring{entries: entries}, nil
}

// Get returns all credential fields for a service.
func (k *Keyring) Get(service string) (map[string]string, error) {
	entry, ok := k.entries[service]
	if !ok {
		return nil, &ErrNotFound{Service: service}
	}
	out := make(map[string]string, len(entry))
	for key, v := range entry {
		out[key] = v
	}
	return out, nil
}

// GetKey returns a single credential field for a service.
func (k *Keyring) GetKey(service, key string) (string, error) {
	entry, ok := k.entries[service]
	if !ok {
		return "", &ErrNotFound{Service: service}
	}
	v, ok := entry[key]
	if !ok {
		return "", fmt.Errorf("keyring entry %q has no key %q", service, key)
	}
	return v, nil
}

// Set stores a credential field for a service, creating the entry if needed.
func (k *Keyring) Set(service, key, value string) {
	if k.entries[service] == nil {
		k.entries[service] = make(map[string]string)
	}
	k.entries[service][key] = value
}

// Services returns the sorted list of service names in the keyring.
func (k *Keyring) Services() []string {
	out := make([]string, 0, len(k.entries))
	for name := range k.entries {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Save encrypts the keyring and writes it to path atomically
// (temp file + rename, mode 0600).
func (k *Keyring) Save(path string, passphrase []byte) error {
	plaintext, err := json.Marshal(k.entries)
	if err != nil {
		return err
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return err
	}

	key := pbkdf2.Key(passphrase, salt, kdfIterations, chacha20poly1305.KeySize, sha256.New)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return err
	}

	env := envelope{
		Version:    formatVersion,
		KDF:        kdfName,
		Iterations: kdfIterations,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(aead.Seal(nil, nonce, plaintext, nil)),
	}

	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".keyring-*")
	if err != nil {
		return fmt.Errorf("failed to create temp keyring file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}

	if err := os.Chmod(tmpName, 0600); err != nil {
		os.Remove(tmpName)
		return err
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace keyring file: %w", err)
	}

	return nil
}

// Passphrase resolves the keyring passphrase: the LOCHNESS_KEYRING_PASS
// environment variable if set, otherwise an interactive prompt on the
// controlling terminal.
func Passphrase() ([]byte, error) {
	if pass := os.Getenv(PassphraseEnvVar); pass != "" {
		return []byte(pass), nil
	}

	if !term.IsTerminal(int(syscall.Stdin)) {
		return nil, fmt.Errorf("%s is not set and stdin is not a terminal", PassphraseEnvVar)
	}

	fmt.Fprint(os.Stderr, "Keyring passphrase: ")
	pass, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to read passphrase: %w", err)
	}
	return pass, nil
}
