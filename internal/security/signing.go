package security

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// KeyPair is an ed25519 signing identity.
type KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// KeyID is sha256 over the raw public key bytes, hex encoded.
func (k KeyPair) KeyID() string { return KeyID(k.Public) }

// KeyID identifies a public key.
func KeyID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])
}

// GenerateKeyPair creates a new ed25519 key pair.
func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("generate key: %w", err)
	}
	return KeyPair{Public: pub, Private: priv}, nil
}

// SaveKeyPair writes both keys as hex files readable only by the owner.
func SaveKeyPair(k KeyPair, pubPath, privPath string) error {
	for _, path := range []string{pubPath, privPath} {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return err
		}
	}
	if err := os.WriteFile(pubPath, []byte(hex.EncodeToString(k.Public)), 0o600); err != nil {
		return err
	}
	return os.WriteFile(privPath, []byte(hex.EncodeToString(k.Private)), 0o600)
}

// LoadKeyPair reads a key pair written by SaveKeyPair and checks that the
// two halves belong together.
func LoadKeyPair(pubPath, privPath string) (KeyPair, error) {
	pub, err := LoadPublicKey(pubPath)
	if err != nil {
		return KeyPair{}, fmt.Errorf("load public key: %w", err)
	}
	priv, err := LoadPrivateKey(privPath)
	if err != nil {
		return KeyPair{}, fmt.Errorf("load private key: %w", err)
	}
	if !pub.Equal(priv.Public()) {
		return KeyPair{}, errors.New("public key does not match private key")
	}
	return KeyPair{Public: pub, Private: priv}, nil
}

// EnsureKeyPair loads the key pair at the given paths, generating and
// saving a new one when the public key file does not exist.
func EnsureKeyPair(pubPath, privPath string) (KeyPair, bool, error) {
	if _, err := os.Stat(pubPath); errors.Is(err, os.ErrNotExist) {
		k, err := GenerateKeyPair()
		if err != nil {
			return KeyPair{}, false, err
		}
		if err := SaveKeyPair(k, pubPath, privPath); err != nil {
			return KeyPair{}, false, fmt.Errorf("save key pair: %w", err)
		}
		return k, true, nil
	}
	k, err := LoadKeyPair(pubPath, privPath)
	return k, false, err
}

// LoadPrivateKey loads an ed25519 private key from a hex-encoded file.
func LoadPrivateKey(path string) (ed25519.PrivateKey, error) {
	keyBytes, err := readHex(path)
	if err != nil {
		return nil, err
	}
	if len(keyBytes) != ed25519.PrivateKeySize {
		return nil, errors.New("invalid private key size")
	}
	return ed25519.PrivateKey(keyBytes), nil
}

// LoadPublicKey loads an ed25519 public key from a hex-encoded file.
func LoadPublicKey(path string) (ed25519.PublicKey, error) {
	keyBytes, err := readHex(path)
	if err != nil {
		return nil, err
	}
	if len(keyBytes) != ed25519.PublicKeySize {
		return nil, errors.New("invalid public key size")
	}
	return ed25519.PublicKey(keyBytes), nil
}

func readHex(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return hex.DecodeString(strings.TrimSpace(string(data)))
}

// SignData signs data and returns the hex signature.
func SignData(priv ed25519.PrivateKey, data []byte) string {
	return hex.EncodeToString(ed25519.Sign(priv, data))
}

// VerifySignature verifies a hex signature of data.
func VerifySignature(pub ed25519.PublicKey, data []byte, sigHex string) (bool, error) {
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, err
	}
	return ed25519.Verify(pub, data, sig), nil
}

// VerifySignatureFromHex verifies when the public key is hex encoded.
func VerifySignatureFromHex(pubHex string, data []byte, sigHex string) (bool, error) {
	pubBytes, err := hex.DecodeString(pubHex)
	if err != nil {
		return false, err
	}
	if len(pubBytes) != ed25519.PublicKeySize {
		return false, errors.New("invalid public key size")
	}
	return VerifySignature(ed25519.PublicKey(pubBytes), data, sigHex)
}
