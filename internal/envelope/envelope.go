// Package envelope implements the encrypted content envelope used for
// end-to-end encrypted message payloads:
//
//	$aes-256-cbc/pbkdf2-sha1$i=<iterations>$<base64 salt>$<base64 ciphertext>
//
// The key is PBKDF2-HMAC-SHA1 (256-bit) of the passphrase and salt; the salt
// doubles as the AES-CBC IV and the plaintext is PKCS#5 padded.
package envelope

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/crypto/pbkdf2"
)

const (
	Algorithm         = "aes-256-cbc/pbkdf2-sha1"
	DefaultIterations = 75_000

	keyLen  = 32
	saltLen = aes.BlockSize
)

var (
	ErrNoPassphrase = errors.New("envelope: no passphrase configured")
	ErrMalformed    = errors.New("envelope: malformed")
	ErrUnsupported  = errors.New("envelope: unsupported algorithm")
	ErrDecrypt      = errors.New("envelope: decryption failed")
)

type Cipher struct {
	passphrase []byte
	iterations int
}

// New returns a Cipher for passphrase. Encrypt uses iterations, or
// DefaultIterations when iterations <= 0; Decrypt always honours the
// iteration count carried by the envelope.
func New(passphrase string, iterations int) *Cipher {
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	return &Cipher{passphrase: []byte(passphrase), iterations: iterations}
}

func (c *Cipher) Decrypt(s string) (string, error) {
	if c == nil || len(c.passphrase) == 0 {
		return "", ErrNoPassphrase
	}
	env, err := Parse(s)
	if err != nil {
		return "", err
	}

	key := pbkdf2.Key(c.passphrase, env.Salt, env.Iterations, keyLen, sha1.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}

	plain := make([]byte, len(env.Ciphertext))
	cipher.NewCBCDecrypter(block, env.Salt).CryptBlocks(plain, env.Ciphertext)

	plain, err = unpad(plain)
	if err != nil {
		return "", err
	}
	// Payloads are always text; garbage here means a wrong key or a
	// tampered ciphertext that happened to keep valid padding.
	if !utf8.Valid(plain) {
		return "", ErrDecrypt
	}
	return string(plain), nil
}

func (c *Cipher) Encrypt(plain string) (string, error) {
	if c == nil || len(c.passphrase) == 0 {
		return "", ErrNoPassphrase
	}
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	return c.encrypt(plain, salt)
}

func (c *Cipher) encrypt(plain string, salt []byte) (string, error) {
	key := pbkdf2.Key(c.passphrase, salt, c.iterations, keyLen, sha1.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}

	data := pad([]byte(plain))
	cipher.NewCBCEncrypter(block, salt).CryptBlocks(data, data)

	return Envelope{
		Iterations: c.iterations,
		Salt:       salt,
		Ciphertext: data,
	}.String(), nil
}

type Envelope struct {
	Iterations int
	Salt       []byte
	Ciphertext []byte
}

func (e Envelope) String() string {
	return "$" + Algorithm +
		"$i=" + strconv.Itoa(e.Iterations) +
		"$" + base64.StdEncoding.EncodeToString(e.Salt) +
		"$" + base64.StdEncoding.EncodeToString(e.Ciphertext)
}

// Parse splits an envelope into its parts without decrypting it.
func Parse(s string) (Envelope, error) {
	parts := strings.Split(s, "$")
	if len(parts) < 5 || parts[0] != "" {
		return Envelope{}, fmt.Errorf("%w: expected 5 fields, got %d", ErrMalformed, len(parts))
	}
	if parts[1] != Algorithm {
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnsupported, parts[1])
	}

	iterations, err := parseIterations(parts[2])
	if err != nil {
		return Envelope{}, err
	}

	salt, err := base64.StdEncoding.DecodeString(parts[3])
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: salt: %v", ErrMalformed, err)
	}
	if len(salt) != saltLen {
		return Envelope{}, fmt.Errorf("%w: salt must be %d bytes", ErrMalformed, saltLen)
	}

	ct, err := base64.StdEncoding.DecodeString(parts[4])
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: ciphertext: %v", ErrMalformed, err)
	}
	if len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return Envelope{}, fmt.Errorf("%w: ciphertext length %d", ErrMalformed, len(ct))
	}

	return Envelope{Iterations: iterations, Salt: salt, Ciphertext: ct}, nil
}

func parseIterations(csv string) (int, error) {
	for _, kv := range strings.Split(csv, ",") {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k != "i" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("%w: iteration count %q", ErrMalformed, v)
		}
		return n, nil
	}
	return 0, fmt.Errorf("%w: missing iteration count", ErrMalformed)
}

func pad(b []byte) []byte {
	n := aes.BlockSize - len(b)%aes.BlockSize
	return append(b, bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, ErrDecrypt
	}
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, ErrDecrypt
	}
	for _, p := range b[len(b)-n:] {
		if int(p) != n {
			return nil, ErrDecrypt
		}
	}
	return b[:len(b)-n], nil
}
