package encryption

import (
	"crypto/rand"
	"io"
	"os"

	"github.com/juju/errors"

	"github.com/aelpxy/btrback/internal/utils"
)

func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, errors.WithType(errors.Annotate(err, "failed to generate key"), ErrEncryption)
	}
	return key, nil
}

// LoadKey reads a raw key file, which must hold exactly KeySize bytes.
func LoadKey(path string) ([]byte, error) {
	if path == "" {
		return nil, encryptionError("no key path configured")
	}
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WithType(errors.Annotatef(err, "failed to read key %s", path), ErrEncryption)
	}
	if len(key) != KeySize {
		return nil, encryptionError("key %s must be %d bytes, got %d", path, KeySize, len(key))
	}
	return key, nil
}

func SaveKey(path string, key []byte) error {
	if len(key) != KeySize {
		return encryptionError("key must be %d bytes, got %d", KeySize, len(key))
	}
	if err := utils.AtomicWriteFile(path, key, 0600); err != nil {
		return errors.WithType(errors.Annotatef(err, "failed to write key %s", path), ErrEncryption)
	}
	return nil
}
