package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/scrypt"
)

const (
	saltSize = 16
	keySize  = 32

	// scrypt cost parameters, interactive profile.
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

// ErrDecrypt is returned when a payload cannot be authenticated, typically
// because the password is wrong or the bytes were tampered with.
var ErrDecrypt = errors.New("codec: cannot decrypt payload")

// Encrypted wraps another codec with AES-256-GCM at-rest encryption.
//
// Every payload is self-describing: [salt][nonce][sealed]. The key derives
// from the password via scrypt per salt; derivation results are cached, so
// the scrypt cost is paid once per distinct salt rather than per payload.
// Payloads written by earlier sessions carry their own salt and stay
// readable with the same password.
type Encrypted struct {
	inner    Codec
	password []byte

	salt []byte      // salt for newly sealed payloads
	seal cipher.AEAD // AEAD for salt

	mu    sync.RWMutex
	cache map[string]cipher.AEAD // salt -> AEAD
}

var _ Codec = (*Encrypted)(nil)

// NewEncrypted wraps inner with password-based encryption. A nil inner uses
// the Default codec.
func NewEncrypted(inner Codec, password string) (*Encrypted, error) {
	if password == "" {
		return nil, errors.New("codec: password must not be empty")
	}
	if inner == nil {
		inner = Default
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}

	e := &Encrypted{
		inner:    inner,
		password: []byte(password),
		salt:     salt,
		cache:    make(map[string]cipher.AEAD, 1),
	}

	aead, err := e.deriveAEAD(salt)
	if err != nil {
		return nil, err
	}
	e.seal = aead
	e.cache[string(salt)] = aead
	return e, nil
}

// Marshal encodes v with the inner codec and seals the result.
func (e *Encrypted) Marshal(v any) ([]byte, error) {
	plain, err := e.inner.Marshal(v)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, e.seal.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	out := make([]byte, 0, saltSize+len(nonce)+len(plain)+e.seal.Overhead())
	out = append(out, e.salt...)
	out = append(out, nonce...)
	return e.seal.Seal(out, nonce, plain, nil), nil
}

// Unmarshal opens the sealed payload and decodes it with the inner codec.
func (e *Encrypted) Unmarshal(data []byte, v any) error {
	if len(data) < saltSize {
		return ErrDecrypt
	}
	salt := data[:saltSize]

	aead, err := e.aeadFor(salt)
	if err != nil {
		return err
	}

	ns := aead.NonceSize()
	if len(data) < saltSize+ns {
		return ErrDecrypt
	}
	nonce := data[saltSize : saltSize+ns]

	plain, err := aead.Open(nil, nonce, data[saltSize+ns:], nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return e.inner.Unmarshal(plain, v)
}

// Name returns the codec name, e.g. "aes-gcm+go-json".
func (e *Encrypted) Name() string { return "aes-gcm+" + e.inner.Name() }

func (e *Encrypted) aeadFor(salt []byte) (cipher.AEAD, error) {
	e.mu.RLock()
	aead, ok := e.cache[string(salt)]
	e.mu.RUnlock()
	if ok {
		return aead, nil
	}

	aead, err := e.deriveAEAD(salt)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[string(salt)] = aead
	e.mu.Unlock()
	return aead, nil
}

func (e *Encrypted) deriveAEAD(salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key(e.password, salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
