package storage

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/pbkdf2"

	"loopcast/internal/models"
)

const (
	sealPrefix       = "sealed$"
	sealSaltLength   = 16
	sealKeyLength    = 32
	sealNonceLength  = 24
	sealIterations   = 100_000
	sealFormatFields = 4
)

// Sealer encrypts secrets with NaCl secretbox under a key derived from a
// passphrase. Sealed values look like sealed$<iterations>$<salt>$<box>.
type Sealer struct {
	passphrase []byte
	iterations int

	mu   sync.Mutex
	keys map[string]*[sealKeyLength]byte
}

// NewSealer returns nil for an empty passphrase, which leaves values in plain text.
func NewSealer(passphrase string) *Sealer {
	if passphrase == "" {
		return nil
	}
	return &Sealer{
		passphrase: []byte(passphrase),
		iterations: sealIterations,
		keys:       make(map[string]*[sealKeyLength]byte),
	}
}

// IsSealed reports whether value carries the sealed format prefix.
func IsSealed(value string) bool {
	return strings.HasPrefix(value, sealPrefix)
}

// Seal encrypts value. Empty values stay empty.
func (s *Sealer) Seal(value string) (string, error) {
	if s == nil || value == "" {
		return value, nil
	}
	salt := make([]byte, sealSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	var nonce [sealNonceLength]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	key := s.key(salt, s.iterations)
	box := secretbox.Seal(nonce[:], []byte(value), &nonce, key)
	return fmt.Sprintf("%s%d$%s$%s", sealPrefix, s.iterations,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(box)), nil
}

// Open decrypts a sealed value. Values without the sealed prefix are returned unchanged.
func (s *Sealer) Open(value string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	if s == nil {
		return "", ErrSealed
	}
	parts := strings.Split(value, "$")
	if len(parts) != sealFormatFields {
		return "", errors.New("open sealed value: invalid format")
	}
	iterations, err := strconv.Atoi(parts[1])
	if err != nil || iterations <= 0 {
		return "", errors.New("open sealed value: invalid iteration count")
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[2])
	if err != nil {
		return "", fmt.Errorf("open sealed value: decode salt: %w", err)
	}
	box, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil {
		return "", fmt.Errorf("open sealed value: decode box: %w", err)
	}
	if len(box) < sealNonceLength+secretbox.Overhead {
		return "", errors.New("open sealed value: box too short")
	}
	var nonce [sealNonceLength]byte
	copy(nonce[:], box[:sealNonceLength])
	plain, ok := secretbox.Open(nil, box[sealNonceLength:], &nonce, s.key(salt, iterations))
	if !ok {
		return "", errors.New("open sealed value: authentication failed")
	}
	return string(plain), nil
}

func (s *Sealer) key(salt []byte, iterations int) *[sealKeyLength]byte {
	cacheKey := strconv.Itoa(iterations) + "$" + string(salt)
	s.mu.Lock()
	defer s.mu.Unlock()
	if key, ok := s.keys[cacheKey]; ok {
		return key
	}
	derived := pbkdf2.Key(s.passphrase, salt, iterations, sealKeyLength, sha256.New)
	key := new([sealKeyLength]byte)
	copy(key[:], derived)
	s.keys[cacheKey] = key
	return key
}

func sealToken(s *Sealer, token models.AccountToken) (models.AccountToken, error) {
	var err error
	if token.AccessToken, err = s.Seal(token.AccessToken); err != nil {
		return models.AccountToken{}, fmt.Errorf("seal access token: %w", err)
	}
	if token.RefreshToken, err = s.Seal(token.RefreshToken); err != nil {
		return models.AccountToken{}, fmt.Errorf("seal refresh token: %w", err)
	}
	return token, nil
}

func openToken(s *Sealer, token models.AccountToken) (models.AccountToken, error) {
	var err error
	if token.AccessToken, err = s.Open(token.AccessToken); err != nil {
		return models.AccountToken{}, fmt.Errorf("access token: %w", err)
	}
	if token.RefreshToken, err = s.Open(token.RefreshToken); err != nil {
		return models.AccountToken{}, fmt.Errorf("refresh token: %w", err)
	}
	return token, nil
}
