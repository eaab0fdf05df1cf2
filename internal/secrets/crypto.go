// Package secrets encrypts model credentials at rest and decrypts them when
// the request builder materializes a model config for an executor.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const (
	// MasterKeyFile is the filename for the master encryption key.
	MasterKeyFile = "master.key"
	// MasterKeySize is the key size in bytes (AES-256).
	MasterKeySize = 32

	// encPrefix marks encrypted values so plaintext configs pass through.
	encPrefix = "enc:"
)

// MasterKeyProvider manages the master encryption key.
type MasterKeyProvider struct {
	keyPath string
	key     []byte
}

// NewMasterKeyProvider loads or generates the master key from the given
// config directory.
func NewMasterKeyProvider(configDir string) (*MasterKeyProvider, error) {
	keyPath := filepath.Join(configDir, MasterKeyFile)
	provider := &MasterKeyProvider{keyPath: keyPath}
	if err := provider.loadOrGenerate(); err != nil {
		return nil, fmt.Errorf("master key init: %w", err)
	}
	return provider, nil
}

// NewStaticKeyProvider wraps an externally supplied key (tests, KMS).
func NewStaticKeyProvider(key []byte) (*MasterKeyProvider, error) {
	if len(key) != MasterKeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", MasterKeySize, len(key))
	}
	return &MasterKeyProvider{key: key}, nil
}

func (p *MasterKeyProvider) loadOrGenerate() error {
	data, err := os.ReadFile(p.keyPath)
	if err == nil && len(data) == MasterKeySize {
		p.key = data
		return nil
	}

	key := make([]byte, MasterKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(p.keyPath), 0700); err != nil {
		return fmt.Errorf("create key dir: %w", err)
	}
	if err := os.WriteFile(p.keyPath, key, 0600); err != nil {
		return fmt.Errorf("write key: %w", err)
	}
	p.key = key
	return nil
}

// Key returns the master key bytes.
func (p *MasterKeyProvider) Key() []byte { return p.key }

// EncryptString seals a secret as "enc:<base64 nonce||ciphertext>".
func (p *MasterKeyProvider) EncryptString(plaintext string) (string, error) {
	block, err := aes.NewCipher(p.key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create GCM: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return encPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptString opens a value produced by EncryptString. Values without the
// encryption prefix are returned unchanged.
func (p *MasterKeyProvider) DecryptString(value string) (string, error) {
	payload, ok := strings.CutPrefix(value, encPrefix)
	if !ok {
		return value, nil
	}
	sealed, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("decode secret: %w", err)
	}
	block, err := aes.NewCipher(p.key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create GCM: %w", err)
	}
	if len(sealed) < gcm.NonceSize() {
		return "", fmt.Errorf("secret too short")
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

// DecryptModelEnv decrypts api_key-style entries under a model config's env
// map in place. Only keys containing "api_key" are touched.
func (p *MasterKeyProvider) DecryptModelEnv(modelConfig map[string]any) error {
	env, ok := modelConfig["env"].(map[string]any)
	if !ok {
		return nil
	}
	for k, v := range env {
		if !strings.Contains(strings.ToLower(k), "api_key") {
			continue
		}
		s, ok := v.(string)
		if !ok {
			continue
		}
		plain, err := p.DecryptString(s)
		if err != nil {
			return fmt.Errorf("decrypt env %s: %w", k, err)
		}
		env[k] = plain
	}
	return nil
}
