package encryption

import (
	"strings"

	"github.com/juju/errors"

	"github.com/aelpxy/btrback/pkg/models"
)

const ErrEncryption = errors.ConstError("encryption error")

const (
	AlgorithmNone             = "none"
	AlgorithmAES256GCM        = "aes-256-gcm"
	AlgorithmChaCha20Poly1305 = "chacha20-poly1305"
)

type Provider interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
	Algorithm() string
}

func encryptionError(format string, args ...interface{}) error {
	return errors.WithType(errors.Errorf(format, args...), ErrEncryption)
}

// NoOp passes data through unchanged.
type NoOp struct{}

func (NoOp) Encrypt(plaintext []byte) ([]byte, error)  { return plaintext, nil }
func (NoOp) Decrypt(ciphertext []byte) ([]byte, error) { return ciphertext, nil }
func (NoOp) Algorithm() string                         { return AlgorithmNone }

// New builds the provider described by cfg, loading the key from disk when
// encryption is enabled.
func New(cfg models.EncryptionConfig) (Provider, error) {
	if !cfg.Enabled {
		return NoOp{}, nil
	}
	key, err := LoadKey(cfg.KeyPath)
	if err != nil {
		return nil, err
	}
	algorithm := strings.ToLower(cfg.Algorithm)
	if algorithm == "" {
		algorithm = AlgorithmAES256GCM
	}
	return NewAEAD(algorithm, key)
}
