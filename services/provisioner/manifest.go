package provisioner

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrManifestFetch indicates a manifest-driven fetch failed: the manifest
// itself was unreadable, its signature did not verify, or one of its
// entries could not be retrieved intact.
var ErrManifestFetch = errors.New("manifest fetch failed")

// FetchManifest lists artifacts to retrieve from mirrors, with integrity
// metadata per entry and an optional Ed25519 signature over the whole set.
type FetchManifest struct {
	Version          string          `yaml:"version"`
	CreatedAt        time.Time       `yaml:"created_at,omitempty"`
	SigningPublicKey string          `yaml:"signing_public_key,omitempty"`
	Signature        string          `yaml:"signature,omitempty"`
	Entries          []ManifestEntry `yaml:"entries"`
}

// ManifestEntry describes a single remote file. URL accepts https and
// s3://bucket/key locators. Unpack, when set, names an archive format the
// entry is extracted with after download.
type ManifestEntry struct {
	Name   string `yaml:"name"`
	URL    string `yaml:"url"`
	Size   int64  `yaml:"size"`
	SHA256 string `yaml:"sha256"`
	Unpack string `yaml:"unpack,omitempty"`
}

// LoadManifest reads and validates a fetch manifest from path.
func LoadManifest(path string) (*FetchManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrManifestFetch, path, err)
	}

	var manifest FetchManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrManifestFetch, path, err)
	}
	if manifest.Version != "1" {
		return nil, fmt.Errorf("%w: unsupported manifest version %q", ErrManifestFetch, manifest.Version)
	}
	if len(manifest.Entries) == 0 {
		return nil, fmt.Errorf("%w: manifest %s has no entries", ErrManifestFetch, path)
	}
	for _, entry := range manifest.Entries {
		if entry.Name == "" || entry.URL == "" {
			return nil, fmt.Errorf("%w: manifest entry missing name or url", ErrManifestFetch)
		}
		if entry.SHA256 == "" {
			return nil, fmt.Errorf("%w: entry %q missing sha256", ErrManifestFetch, entry.Name)
		}
	}
	return &manifest, nil
}

// SigningBytes marshals the manifest without its signature for signing and
// verification.
func (m FetchManifest) SigningBytes() ([]byte, error) {
	clone := m
	clone.Signature = ""
	return yaml.Marshal(clone)
}

// VerifySignature checks the manifest signature with the given signer. A
// manifest without a signature is rejected when a signer is configured.
func (m *FetchManifest) VerifySignature(signer *Signer) error {
	if signer == nil {
		return nil
	}
	if m.Signature == "" {
		return fmt.Errorf("%w: manifest is unsigned", ErrManifestFetch)
	}
	payload, err := m.SigningBytes()
	if err != nil {
		return fmt.Errorf("%w: marshal for verification: %v", ErrManifestFetch, err)
	}
	if err := signer.Verify(payload, m.Signature, m.SigningPublicKey); err != nil {
		return fmt.Errorf("%w: %v", ErrManifestFetch, err)
	}
	return nil
}

// Sign attaches a signature and the signing public key to the manifest.
// The public key is set before the signing payload is computed so that
// verification re-marshals the exact bytes that were signed.
func (m *FetchManifest) Sign(signer *Signer) error {
	m.SigningPublicKey = signer.PublicKeyBase64()
	payload, err := m.SigningBytes()
	if err != nil {
		return fmt.Errorf("marshal for signing: %w", err)
	}
	sig, err := signer.Sign(payload)
	if err != nil {
		return fmt.Errorf("sign manifest: %w", err)
	}
	m.Signature = sig
	return nil
}

// WriteFile marshals the manifest to path.
func (m *FetchManifest) WriteFile(path string) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// verifyDigest checks a downloaded file against the expected size and
// sha256 digest. A zero expected size skips the size check.
func verifyDigest(path string, size int64, sha string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %q: %w", path, err)
	}
	defer file.Close()

	hash := sha256.New()
	n, err := io.Copy(hash, file)
	if err != nil {
		return fmt.Errorf("hash %q: %w", path, err)
	}
	if size > 0 && n != size {
		return fmt.Errorf("size mismatch: expected %d got %d", size, n)
	}
	computed := hex.EncodeToString(hash.Sum(nil))
	if !strings.EqualFold(computed, sha) {
		return fmt.Errorf("sha256 mismatch: expected %s got %s", sha, computed)
	}
	return nil
}
