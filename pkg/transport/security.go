package transport

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"github.com/andybalholm/brotli"
	"golang.org/x/crypto/hkdf"

	"github.com/traderlink/mtgate/pkg/contracts"
)

var (
	ErrCiphertextTooShort = errors.New("ciphertext too short")
	ErrFrameTooLarge      = errors.New("frame exceeds maximum size")
)

// AESEncryptorConfig configures the envelope encryptor. ServerKey and
// ClientKey are the shared secrets from the security options; the actual
// AES-256 key is derived via HKDF so weak/short configured keys still
// yield a full-size key.
type AESEncryptorConfig struct {
	ServerKey string
	ClientKey string
}

// AESEncryptor seals frames with AES-256-GCM.
type AESEncryptor struct {
	gcm cipher.AEAD
}

// NewAESEncryptor derives the session key and prepares the AEAD.
func NewAESEncryptor(config *AESEncryptorConfig) (*AESEncryptor, error) {
	if config == nil || (config.ServerKey == "" && config.ClientKey == "") {
		return nil, errors.New("encryption keys are required")
	}

	kdf := hkdf.New(sha256.New,
		[]byte(config.ServerKey+config.ClientKey),
		[]byte("mtgate-frame-v1"), nil)
	key := make([]byte, 32)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &AESEncryptor{gcm: gcm}, nil
}

// Encrypt seals plaintext with a random nonce prepended to the output.
func (e *AESEncryptor) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, e.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return e.gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a sealed frame.
func (e *AESEncryptor) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < e.gcm.NonceSize() {
		return nil, ErrCiphertextTooShort
	}
	nonce, sealed := ciphertext[:e.gcm.NonceSize()], ciphertext[e.gcm.NonceSize():]
	return e.gcm.Open(nil, nonce, sealed, nil)
}

var _ contracts.Encryptor = (*AESEncryptor)(nil)

// ============ Frame codec ============

// Frame flags. Compression is applied before encryption so ciphertext
// stays incompressible-agnostic.
const (
	flagEncrypted  byte = 1 << 0
	flagCompressed byte = 1 << 1
)

// compressThreshold skips brotli for small frames where the header
// overhead outweighs any gain.
const compressThreshold = 512

// FrameCodec turns envelope bytes into wire frames and back, applying
// optional brotli compression and AEAD encryption.
type FrameCodec struct {
	encryptor contracts.Encryptor
	encrypt   bool
	compress  bool
}

// NewFrameCodec builds a codec. A nil encryptor disables encryption
// regardless of the encrypt flag.
func NewFrameCodec(encryptor contracts.Encryptor, encrypt, compress bool) *FrameCodec {
	if encryptor == nil {
		encrypt = false
		encryptor = contracts.NopEncryptor{}
	}
	return &FrameCodec{encryptor: encryptor, encrypt: encrypt, compress: compress}
}

// Seal produces a single wire frame: one flag byte followed by the
// (optionally compressed, optionally encrypted) payload.
func (c *FrameCodec) Seal(payload []byte) ([]byte, error) {
	var flags byte

	if c.compress && len(payload) >= compressThreshold {
		var buf bytes.Buffer
		w := brotli.NewWriter(&buf)
		if _, err := w.Write(payload); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		if buf.Len() < len(payload) {
			payload = buf.Bytes()
			flags |= flagCompressed
		}
	}

	if c.encrypt {
		sealed, err := c.encryptor.Encrypt(payload)
		if err != nil {
			return nil, err
		}
		payload = sealed
		flags |= flagEncrypted
	}

	frame := make([]byte, 1+len(payload))
	frame[0] = flags
	copy(frame[1:], payload)
	return frame, nil
}

// Open reverses Seal.
func (c *FrameCodec) Open(frame []byte) ([]byte, error) {
	if len(frame) < 1 {
		return nil, ErrCiphertextTooShort
	}
	flags, payload := frame[0], frame[1:]

	if flags&flagEncrypted != 0 {
		opened, err := c.encryptor.Decrypt(payload)
		if err != nil {
			return nil, err
		}
		payload = opened
	}

	if flags&flagCompressed != 0 {
		r := brotli.NewReader(bytes.NewReader(payload))
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, err
		}
		payload = out
	}

	return payload, nil
}
