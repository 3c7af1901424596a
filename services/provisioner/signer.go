package provisioner

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	"filippo.io/age"
	"github.com/btcsuite/btcutil/bech32"
)

const (
	envSecretKey = "FORGE_SECRET_KEY"
	envPublicKey = "FORGE_PUBLIC_KEY"
)

// Signer signs and verifies fetch-manifest payloads using an Ed25519 key
// pair derived from an age secret key. CI verifiers typically only carry
// the base64 public key.
type Signer struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
}

// NewSignerFromEnv initialises a Signer from FORGE_SECRET_KEY (an age
// secret key) and/or FORGE_PUBLIC_KEY (a base64 Ed25519 public key).
func NewSignerFromEnv() (*Signer, error) {
	return NewSigner(os.Getenv(envSecretKey), os.Getenv(envPublicKey))
}

// NewSigner builds a Signer from the given key material. At least one of
// secret or pub must be non-empty; when both are set they must agree.
func NewSigner(secret, pub string) (*Signer, error) {
	secret = strings.TrimSpace(secret)
	pub = strings.TrimSpace(pub)

	if secret == "" && pub == "" {
		return nil, fmt.Errorf("%s or %s must be set", envSecretKey, envPublicKey)
	}

	s := &Signer{}

	if secret != "" {
		if _, err := age.ParseX25519Identity(secret); err != nil {
			return nil, fmt.Errorf("parse secret key: %w", err)
		}
		seed, err := decodeAgeSecretKey(secret)
		if err != nil {
			return nil, fmt.Errorf("parse secret key: %w", err)
		}
		s.privateKey = ed25519.NewKeyFromSeed(seed)
		s.publicKey = s.privateKey.Public().(ed25519.PublicKey)
	}

	if pub != "" {
		decoded, err := decodePublicKey(pub)
		if err != nil {
			return nil, err
		}
		switch {
		case s.publicKey == nil:
			s.publicKey = decoded
		case !bytes.Equal(s.publicKey, decoded):
			return nil, errors.New("public key does not match secret key")
		}
	}

	return s, nil
}

// Sign produces a base64-encoded Ed25519 signature for the payload.
func (s *Signer) Sign(payload []byte) (string, error) {
	if s == nil || len(s.privateKey) == 0 {
		return "", errors.New("signer has no private key")
	}
	return base64.StdEncoding.EncodeToString(ed25519.Sign(s.privateKey, payload)), nil
}

// Verify checks the base64 signature against the payload. A public key
// embedded in the manifest is pinned against the configured key when both
// are present.
func (s *Signer) Verify(payload []byte, signature, manifestPublicKey string) error {
	if s == nil {
		return errors.New("nil signer")
	}
	sigBytes, err := base64.StdEncoding.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	if len(sigBytes) != ed25519.SignatureSize {
		return fmt.Errorf("invalid signature length %d", len(sigBytes))
	}

	key := s.publicKey
	if manifestPublicKey != "" {
		embedded, err := decodePublicKey(manifestPublicKey)
		if err != nil {
			return fmt.Errorf("manifest public key: %w", err)
		}
		if key != nil && !bytes.Equal(key, embedded) {
			return errors.New("manifest signed by unexpected key")
		}
		if key == nil {
			key = embedded
		}
	}
	if key == nil {
		return errors.New("no public key available for verification")
	}

	if !ed25519.Verify(key, payload, sigBytes) {
		return errors.New("signature verification failed")
	}
	return nil
}

// PublicKeyBase64 returns the configured Ed25519 public key in base64 form.
func (s *Signer) PublicKeyBase64() string {
	if s == nil || len(s.publicKey) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(s.publicKey)
}

func decodePublicKey(encoded string) (ed25519.PublicKey, error) {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if l := len(decoded); l != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key must decode to %d bytes, got %d", ed25519.PublicKeySize, l)
	}
	return ed25519.PublicKey(decoded), nil
}

// decodeAgeSecretKey extracts the 32-byte seed from a bech32 age secret
// key so it can double as an Ed25519 seed.
func decodeAgeSecretKey(raw string) ([]byte, error) {
	hrp, data, err := bech32.Decode(raw)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(hrp, "age-secret-key-") {
		return nil, fmt.Errorf("unexpected hrp %q", hrp)
	}
	seed, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return nil, err
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("unexpected seed length %d", len(seed))
	}
	return seed, nil
}
