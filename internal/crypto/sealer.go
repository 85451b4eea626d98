// Package crypto seals transport secrets so route files can be committed
// without plaintext credentials. Values are AES-256-GCM encrypted under a key
// derived with PBKDF2 and written as "enc:<base64(nonce|ciphertext)>".
//
//	sealer, err := crypto.NewSealer(os.Getenv("ENCRYPTION_KEY"))
//	sealed, err := sealer.Seal("amqp-password")   // enc:...
//	settings, err := sealer.OpenSettings(spec.Settings)
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"routing-hub/internal/common/errors"
)

// SealedPrefix marks a setting value as encrypted
const SealedPrefix = "enc:"

const (
	keyIterations = 10000
	keyLength     = 32
)

// Static salt: the same ENCRYPTION_KEY must open values sealed on any host.
var keySalt = []byte("routing-hub-settings")

// Sealer encrypts and decrypts setting values. It is safe for concurrent use.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer derives an AES-256 key from passphrase
func NewSealer(passphrase string) (*Sealer, error) {
	if passphrase == "" {
		return nil, errors.ValidationError("encryption key cannot be empty")
	}

	key := pbkdf2.Key([]byte(passphrase), keySalt, keyIterations, keyLength, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.InternalError("failed to create cipher", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.InternalError("failed to create GCM", err)
	}
	return &Sealer{aead: aead}, nil
}

// IsSealed reports whether value carries the sealed prefix
func IsSealed(value string) bool {
	return strings.HasPrefix(value, SealedPrefix)
}

// Seal encrypts plaintext. A fresh nonce is drawn on every call.
func (s *Sealer) Seal(plaintext string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", errors.InternalError("failed to create nonce", err)
	}
	sealed := s.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return SealedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a sealed value. Values without the prefix are returned as is.
func (s *Sealer) Open(value string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, SealedPrefix))
	if err != nil {
		return "", errors.ValidationError("sealed value is not valid base64")
	}
	nonceSize := s.aead.NonceSize()
	if len(data) < nonceSize {
		return "", errors.ValidationError("sealed value too short")
	}

	plaintext, err := s.aead.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", errors.AuthError("failed to open sealed value").WithCode("BAD_KEY_OR_TAMPERED")
	}
	return string(plaintext), nil
}

// OpenSettings returns a copy of settings with every sealed string opened,
// including strings nested in maps and lists.
func (s *Sealer) OpenSettings(settings map[string]interface{}) (map[string]interface{}, error) {
	opened, err := s.openValue("", settings)
	if err != nil {
		return nil, err
	}
	out, _ := opened.(map[string]interface{})
	return out, nil
}

func (s *Sealer) openValue(path string, v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case string:
		plain, err := s.Open(val)
		if err != nil {
			if appErr, ok := err.(*errors.AppError); ok {
				return nil, appErr.WithContext("setting", path)
			}
			return nil, err
		}
		return plain, nil
	case map[string]interface{}:
		if val == nil {
			return map[string]interface{}(nil), nil
		}
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			opened, err := s.openValue(join(path, k), item)
			if err != nil {
				return nil, err
			}
			out[k] = opened
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			opened, err := s.openValue(fmt.Sprintf("%s[%d]", path, i), item)
			if err != nil {
				return nil, err
			}
			out[i] = opened
		}
		return out, nil
	default:
		return v, nil
	}
}

// ContainsSealed reports whether any string in settings is sealed
func ContainsSealed(settings map[string]interface{}) bool {
	for _, v := range settings {
		switch val := v.(type) {
		case string:
			if IsSealed(val) {
				return true
			}
		case map[string]interface{}:
			if ContainsSealed(val) {
				return true
			}
		case []interface{}:
			for _, item := range val {
				if ContainsSealed(map[string]interface{}{"": item}) {
					return true
				}
			}
		}
	}
	return false
}

func join(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}
