package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"io"

	"github.com/juju/errors"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	KeySize   = 32
	NonceSize = 12

	// Inputs smaller than SmallThreshold are sealed in a single call.
	SmallThreshold = 1024
	// Larger inputs are sealed in ChunkSize pieces, each with its own nonce.
	ChunkSize = 64 * 1024
)

// AEAD seals data as a sequence of nonce||ciphertext||tag segments. Every
// segment except the last carries exactly ChunkSize bytes of plaintext.
// Each segment is authenticated together with its index and a final flag,
// so reordered, dropped, truncated or appended segments fail to decrypt.
type AEAD struct {
	algorithm string
	aead      cipher.AEAD
}

var _ Provider = (*AEAD)(nil)

func NewAEAD(algorithm string, key []byte) (*AEAD, error) {
	if len(key) != KeySize {
		return nil, encryptionError("key must be %d bytes, got %d", KeySize, len(key))
	}

	var (
		a   cipher.AEAD
		err error
	)
	switch algorithm {
	case AlgorithmAES256GCM:
		var block cipher.Block
		block, err = aes.NewCipher(key)
		if err == nil {
			a, err = cipher.NewGCM(block)
		}
	case AlgorithmChaCha20Poly1305:
		a, err = chacha20poly1305.New(key)
	default:
		return nil, errors.WithType(errors.NotValidf("encryption algorithm %q", algorithm), ErrEncryption)
	}
	if err != nil {
		return nil, errors.WithType(errors.Annotate(err, "failed to initialise cipher"), ErrEncryption)
	}
	if a.NonceSize() != NonceSize {
		return nil, encryptionError("unexpected nonce size %d", a.NonceSize())
	}

	return &AEAD{algorithm: algorithm, aead: a}, nil
}

func (e *AEAD) Algorithm() string {
	return e.algorithm
}

// segmentSize is the on-disk size of one full chunk.
func (e *AEAD) segmentSize() int {
	return NonceSize + ChunkSize + e.aead.Overhead()
}

func (e *AEAD) Encrypt(plaintext []byte) ([]byte, error) {
	if len(plaintext) < SmallThreshold {
		return e.seal(nil, plaintext, 0, true)
	}

	chunks := (len(plaintext) + ChunkSize - 1) / ChunkSize
	out := make([]byte, 0, len(plaintext)+chunks*(NonceSize+e.aead.Overhead()))
	for start, i := 0, uint64(0); start < len(plaintext); start, i = start+ChunkSize, i+1 {
		end := min(start+ChunkSize, len(plaintext))
		var err error
		if out, err = e.seal(out, plaintext[start:end], i, end == len(plaintext)); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (e *AEAD) seal(dst, chunk []byte, index uint64, final bool) ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, errors.WithType(errors.Annotate(err, "failed to generate nonce"), ErrEncryption)
	}
	dst = append(dst, nonce...)
	return e.aead.Seal(dst, nonce, chunk, segmentAD(index, final)), nil
}

// segmentAD is the big-endian segment index followed by 1 for the last
// segment and 0 otherwise.
func segmentAD(index uint64, final bool) []byte {
	ad := make([]byte, 9)
	binary.BigEndian.PutUint64(ad, index)
	if final {
		ad[8] = 1
	}
	return ad
}

func (e *AEAD) Decrypt(ciphertext []byte) ([]byte, error) {
	minSize := NonceSize + e.aead.Overhead()
	if len(ciphertext) < minSize {
		return nil, encryptionError("ciphertext too short: %d bytes", len(ciphertext))
	}

	segment := e.segmentSize()
	out := make([]byte, 0, len(ciphertext))
	for start, i := 0, uint64(0); start < len(ciphertext); start, i = start+segment, i+1 {
		end := min(start+segment, len(ciphertext))
		seg := ciphertext[start:end]
		if len(seg) < minSize {
			return nil, encryptionError("truncated segment %d: %d bytes", i, len(seg))
		}
		var err error
		out, err = e.aead.Open(out, seg[:NonceSize], seg[NonceSize:], segmentAD(i, end == len(ciphertext)))
		if err != nil {
			return nil, encryptionError("failed to decrypt segment %d: authentication failed", i)
		}
	}
	return out, nil
}
